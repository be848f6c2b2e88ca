package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"dockoreksi/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
	CodeExtract   Code = "extract"
	CodeSpell     Code = "spell"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	var xerr *contract.ExtractionError
	if errors.As(err, &xerr) ||
		errors.Is(err, contract.ErrUnsupportedFormat) ||
		errors.Is(err, contract.ErrCorruptDocument) ||
		errors.Is(err, contract.ErrEmptyDocument) {
		return CodeExtract
	}
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrSeqInvalid) ||
		errors.Is(err, contract.ErrPathInvalid) ||
		errors.Is(err, contract.ErrUnknownMode) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) || errors.Is(err, contract.ErrLockTimeout) {
		return CodeIO
	}
	// 网络（连接/超时/上游 5xx）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
