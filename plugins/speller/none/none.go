// Package none 是关闭本地拼写兜底时使用的空实现。
package none

import (
	"context"

	"dockoreksi/pkg/contract"
)

type Speller struct{}

func New() *Speller { return &Speller{} }

// Respell 原样返回。
func (Speller) Respell(_ context.Context, text string) (string, error) { return text, nil }

var _ contract.SpellChecker = Speller{}
