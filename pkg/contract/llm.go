package contract

import (
	"context"
	"errors"
)

// Raw: LLM 客户端返回的原始文本载荷（万能容器）。
// 约束：原样返回，不做清洗/截断/归一化。
type Raw struct {
	Text string
}

// LLMClient: 以 Segment+Prompt 为单位与大模型交互，返回原始文本 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
type LLMClient interface {
	Invoke(ctx context.Context, seg Segment, p Prompt) (Raw, error)
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSeqInvalid      = errors.New("sequence invalid")
)

// Decoder: 从 Raw 中取出纠错载荷。
// 约束：无法取得有效 JSON 对象时返回包装 ErrResponseInvalid 的错误，不得 panic。
type Decoder interface {
	Decode(ctx context.Context, seg Segment, raw Raw) (Correction, error)
}

// Corrector: 单段纠错（提示词 + 调用 + 解码 + 有界重试）。
// 失败以 CorrectionResult.Err 形式返回，而非 error。
type Corrector interface {
	Correct(ctx context.Context, doc FileID, seg Segment, mode Mode) CorrectionResult
}
