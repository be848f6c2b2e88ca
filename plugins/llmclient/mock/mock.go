package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dockoreksi/pkg/contract"
)

// ErrScripted: 由 fail_segments 触发的模拟传输错误。
var ErrScripted = errors.New("mock: scripted transport failure")

// Options: 无网络联调配置（全部可选）。
type Options struct {
	// APIKey: 仅用于限流分组，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// Classification: 首段返回的分类标签；为空则不输出分类字段。
	Classification string `json:"classification,omitempty"`
	// Replace: 对分段正文做的逐词替换（模拟纠错），如 {"adlah":"adalah"}。
	Replace map[string]string `json:"replace,omitempty"`
	// FailSegments: 这些分段始终返回 ErrScripted。
	FailSegments []int `json:"fail_segments,omitempty"`
	// InvalidSegments: 这些分段始终返回无 JSON 的文本。
	InvalidSegments []int `json:"invalid_segments,omitempty"`
	// DelayMS: 每次调用前的等待（尊重 ctx）。
	DelayMS int `json:"delay_ms,omitempty"`
	// TextKey/LabelKey: 输出字段名，缺省 koreksi_teks / klasifikasi。
	TextKey  string `json:"text_key,omitempty"`
	LabelKey string `json:"label_key,omitempty"`
}

type Client struct {
	opts     Options
	replacer *strings.Replacer
	fail     map[contract.Index]bool
	invalid  map[contract.Index]bool
	calls    atomic.Int64
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.TextKey == "" {
		o.TextKey = "koreksi_teks"
	}
	if o.LabelKey == "" {
		o.LabelKey = "klasifikasi"
	}
	c := &Client{opts: o, fail: toSet(o.FailSegments), invalid: toSet(o.InvalidSegments)}
	if len(o.Replace) > 0 {
		pairs := make([]string, 0, 2*len(o.Replace))
		for from, to := range o.Replace {
			pairs = append(pairs, from, to)
		}
		c.replacer = strings.NewReplacer(pairs...)
	}
	return c, nil
}

func toSet(xs []int) map[contract.Index]bool {
	m := make(map[contract.Index]bool, len(xs))
	for _, x := range xs {
		m[contract.Index(x)] = true
	}
	return m
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int64 { return c.calls.Load() }

// Invoke 回显分段正文（可选替换），以纠错 JSON 形式返回。
func (c *Client) Invoke(ctx context.Context, seg contract.Segment, p contract.Prompt) (contract.Raw, error) {
	c.calls.Add(1)
	if c.opts.DelayMS > 0 {
		t := time.NewTimer(time.Duration(c.opts.DelayMS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return contract.Raw{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	if c.fail[seg.Index] {
		return contract.Raw{}, fmt.Errorf("segment %d: %w", seg.Index, ErrScripted)
	}
	if c.invalid[seg.Index] {
		return contract.Raw{Text: "Maaf, saya tidak dapat memproses teks ini."}, nil
	}
	text := strings.TrimSpace(seg.Text)
	if c.replacer != nil {
		text = c.replacer.Replace(text)
	}
	obj := map[string]string{c.opts.TextKey: text}
	if seg.First() && c.opts.Classification != "" {
		obj[c.opts.LabelKey] = c.opts.Classification
	}
	bts, _ := json.Marshal(obj)
	// 包一层代码块，贴近真实模型输出
	return contract.Raw{Text: "```json\n" + string(bts) + "\n```"}, nil
}

var _ contract.LLMClient = (*Client)(nil)
