package linear

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"dockoreksi/pkg/contract"
)

// Options: 预留占位，线性装配无需配置。
type Options struct{}

type assembler struct{}

// New 从原样 JSON Options 创建线性装配器（当前忽略选项）。
func New(raw json.RawMessage) (contract.Assembler, error) {
	_ = raw
	return &assembler{}, nil
}

// Assemble 按 Index 线性拼接各段 Text，不插入分隔符。
// Index 不连续返回 ErrSeqInvalid；仍带失败的结果返回 ErrInvariantViolation。
func (a *assembler) Assemble(ctx context.Context, doc contract.FileID, results []contract.CorrectionResult) (io.Reader, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if err := contract.ValidateResults(results); err != nil {
		return nil, fmt.Errorf("assemble %s: %w", doc, err)
	}
	rs := make([]io.Reader, 0, len(results))
	for _, r := range results {
		if !r.OK() {
			return nil, fmt.Errorf("assemble %s: segment %d unresolved: %w", doc, r.Index, contract.ErrInvariantViolation)
		}
		rs = append(rs, strings.NewReader(r.Text))
	}
	return io.MultiReader(rs...), nil
}

var _ contract.Assembler = (*assembler)(nil)
