// Package correct 实现单段纠错：提示词 → (闸门) → LLM → 解码，带有界重试。
package correct

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sethvargo/go-retry"

	"dockoreksi/internal/diag"
	"dockoreksi/internal/rate"
	"dockoreksi/pkg/contract"
)

// MaxRetriesLimit 是允许配置的最大重试次数。
const MaxRetriesLimit = 3

// 日志中保留的原始响应前缀长度。
const rawPreview = 200

// Options 纠错客户端的运行参数。
type Options struct {
	// MaxRetries: 失败后的额外尝试次数，取值 0..3。
	MaxRetries int
	// Backoff: 首次重试前的等待，之后指数增长；<=0 时 200ms。
	Backoff time.Duration
	// BytesPerToken: 闸门 token 估算参数；<=0 时 4。
	BytesPerToken int
	// Gate/GateKey: 可选限流闸门。
	Gate    rate.Gate
	GateKey rate.LimitKey
}

// Client 实现 contract.Corrector。
type Client struct {
	pb   contract.PromptBuilder
	llm  contract.LLMClient
	dec  contract.Decoder
	opts Options
	log  *diag.Logger
}

// New 组装纠错客户端；logger 可为 nil。
func New(pb contract.PromptBuilder, llm contract.LLMClient, dec contract.Decoder, opts Options, logger *diag.Logger) (*Client, error) {
	if pb == nil || llm == nil || dec == nil {
		return nil, fmt.Errorf("correct: %w: missing component", contract.ErrInvalidInput)
	}
	if opts.MaxRetries < 0 || opts.MaxRetries > MaxRetriesLimit {
		return nil, fmt.Errorf("correct: %w: max_retries %d not in 0..%d", contract.ErrInvalidInput, opts.MaxRetries, MaxRetriesLimit)
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.BytesPerToken <= 0 {
		opts.BytesPerToken = 4
	}
	return &Client{pb: pb, llm: llm, dec: dec, opts: opts, log: logger}, nil
}

// Correct 纠正一个分段。
// 送给模型的是去掉首尾空白的正文，返回时按原样补回首尾空白，保证拼接无损。
// 失败不返回 error，而是写入 CorrectionResult.Err。
func (c *Client) Correct(ctx context.Context, doc contract.FileID, seg contract.Segment, mode contract.Mode) contract.CorrectionResult {
	res := contract.CorrectionResult{Index: seg.Index}
	lead, core, trail := splitSpace(seg.Text)
	if core == "" {
		res.Text = seg.Text
		return res
	}
	docID, segID := string(doc), strconv.FormatInt(int64(seg.Index), 10)
	work := contract.Segment{Index: seg.Index, Text: core}

	p, err := c.pb.Build(ctx, work, mode)
	if err != nil {
		c.logFailure("prompt_builder", err, docID, segID, nil)
		res.Err = &contract.CorrectionError{Kind: contract.KindTransport, Index: seg.Index, Err: err}
		return res
	}
	tokens := approxPromptTokens(p, c.opts.BytesPerToken)

	var (
		out     contract.Correction
		lastRaw string
		kind    = contract.KindTransport
	)
	b := retry.WithMaxRetries(uint64(c.opts.MaxRetries), retry.NewExponential(c.opts.Backoff)) // #nosec G115 -- 已校验 0..3
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		res.Attempts++
		attempt := strconv.Itoa(res.Attempts)
		if c.opts.Gate != nil {
			if err := c.opts.Gate.Wait(ctx, rate.Ask{Key: c.opts.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				c.logFailure("gate", err, docID, segID, map[string]string{"attempt": attempt})
				kind = contract.KindTransport
				return err
			}
		}
		t := c.log.StartWithKV("llm_client", "invoke", docID, segID, map[string]string{
			"tokens":  strconv.Itoa(tokens),
			"attempt": attempt,
		})
		raw, err := c.llm.Invoke(ctx, work, p)
		if err != nil {
			c.logFailure("llm_client", err, docID, segID, upstreamKV(err, attempt))
			kind = contract.KindTransport
			if errors.Is(err, contract.ErrResponseInvalid) {
				kind = contract.KindParse
			}
			if retryable(ctx, err) {
				return retry.RetryableError(err)
			}
			return err
		}
		t.Finish("invoke", int64(tokens))
		diag.IncOp("llm_client", "finish", "success")
		lastRaw = raw.Text

		got, err := c.dec.Decode(ctx, work, raw)
		if err != nil {
			c.logFailure("decoder", err, docID, segID, map[string]string{"attempt": attempt, "raw": preview(raw.Text)})
			kind = contract.KindParse
			if ctx.Err() == nil {
				return retry.RetryableError(err)
			}
			return err
		}
		out = got
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (last: %v)", ctxErr, err)
		}
		ce := &contract.CorrectionError{Kind: kind, Index: seg.Index, Err: err}
		if kind == contract.KindParse {
			ce.Raw = lastRaw
		}
		res.Err = ce
		return res
	}
	// 模型常回显段落分隔符；去掉其外层空白后再接回原段空白
	res.Text = lead + strings.TrimSpace(out.Text) + trail
	if seg.First() {
		res.Classification = mode.Normalize(out.Classification)
	}
	diag.IncOp("corrector", "finish", "success")
	return res
}

// retryable: 限流、网络/上游 5xx、响应无效可重试；取消与其余输入错误不重试。
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork, diag.CodeProtocol:
		return true
	case diag.CodeCancel, diag.CodeInvariant:
		return false
	}
	// 未归类的传输错误（连接被拒等）按网络错误处理
	return true
}

func (c *Client) logFailure(comp string, err error, docID, segID string, kv map[string]string) {
	code := diag.Classify(err)
	if kv == nil {
		kv = map[string]string{}
	}
	kv["err"] = err.Error()
	c.log.ErrorWithKV(comp, string(code), "failed", nil, docID, segID, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func upstreamKV(err error, attempt string) map[string]string {
	kv := map[string]string{"attempt": attempt}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			kv["upstream_msg"] = preview(m)
		}
	}
	return kv
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > rawPreview {
		return string(r[:rawPreview])
	}
	return s
}

// splitSpace 把 s 拆成 前导空白 / 正文 / 尾随空白。
func splitSpace(s string) (lead, core, trail string) {
	core = strings.TrimLeftFunc(s, unicode.IsSpace)
	lead = s[:len(s)-len(core)]
	trimmed := strings.TrimRightFunc(core, unicode.IsSpace)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}

// approxPromptTokens: tokens ≈ ceil(prompt 文本字节 / bpt)。
func approxPromptTokens(p contract.Prompt, bpt int) int {
	total := 0
	switch v := p.(type) {
	case contract.TextPrompt:
		total = len(v)
	case contract.ChatPrompt:
		for _, m := range v {
			total += len(m.Content)
		}
	}
	if total == 0 {
		return 0
	}
	return (total + bpt - 1) / bpt
}

var _ contract.Corrector = (*Client)(nil)
