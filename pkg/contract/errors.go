package contract

import (
	"errors"
	"fmt"
)

// Writer/路径相关最小错误分类。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// 文档抽取相关。
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptDocument   = errors.New("corrupt document")
	ErrEmptyDocument     = errors.New("empty document")
)

// ErrLockTimeout: 用户登记文件锁在限定时间内未取得。
var ErrLockTimeout = errors.New("lock timeout")

// ErrUnknownMode: 模式名不在已配置集合中。
var ErrUnknownMode = errors.New("unknown mode")

// ErrorKind: 单段失败的类别，决定日志内容；恢复策略对两类一致。
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindParse     ErrorKind = "parse"
)

// CorrectionError: 单段纠错失败。
// Raw 仅在 KindParse 时携带模型原始响应，便于诊断。
type CorrectionError struct {
	Kind  ErrorKind
	Index Index
	Raw   string
	Err   error
}

func (e *CorrectionError) Error() string {
	return fmt.Sprintf("segment %d: %s failure: %v", e.Index, e.Kind, e.Err)
}

func (e *CorrectionError) Unwrap() error { return e.Err }

// ExtractionError: 文本抽取失败，消息可原样展示给用户。
type ExtractionError struct {
	Name   string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Name == "" {
		return "extract: " + e.Reason
	}
	return fmt.Sprintf("extract %s: %s", e.Name, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
