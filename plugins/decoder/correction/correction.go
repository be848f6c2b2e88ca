package correction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"dockoreksi/pkg/contract"
)

// Options: 字段名映射。为空时使用默认 koreksi_teks / klasifikasi。
type Options struct {
	TextKey  string `json:"text_key"`
	LabelKey string `json:"label_key"`
}

type decoder struct {
	textKey  string
	labelKey string
}

// New 从原样 JSON Options 创建解码器（严格解析，拒绝未知字段）。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("decoder options: %w", err)
		}
	}
	d := &decoder{textKey: "koreksi_teks", labelKey: "klasifikasi"}
	if k := strings.TrimSpace(opts.TextKey); k != "" {
		d.textKey = k
	}
	if k := strings.TrimSpace(opts.LabelKey); k != "" {
		d.labelKey = k
	}
	return d, nil
}

// extraction 从自由文本中取出一个 JSON 对象候选；ok=false 表示未命中。
type extraction func(text string) (candidate string, ok bool)

// 提取链：先 ```json 围栏，再首个 { 至最后一个 }。顺序即优先级。
var chain = []extraction{fencedBlock, braceSpan}

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n?(.*?)```")

func fencedBlock(text string) (string, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if strings.HasPrefix(body, "{") {
			return body, true
		}
	}
	return "", false
}

func braceSpan(text string) (string, bool) {
	i := strings.Index(text, "{")
	j := strings.LastIndex(text, "}")
	if i < 0 || j <= i {
		return "", false
	}
	return text[i : j+1], true
}

// Decode 依次尝试提取链，首个能解析为合法载荷的候选胜出。
// 约束：
//  1. 正文字段缺失或为空白视为协议无效；
//  2. 分类原样返回（归一化由上层按模式处理）；
//  3. 全部未命中返回包装 ErrResponseInvalid 的错误。
func (d *decoder) Decode(ctx context.Context, seg contract.Segment, raw contract.Raw) (contract.Correction, error) {
	if err := ctx.Err(); err != nil {
		return contract.Correction{}, err
	}
	var lastErr error
	for _, extract := range chain {
		cand, ok := extract(raw.Text)
		if !ok {
			continue
		}
		c, err := d.parse(cand)
		if err != nil {
			lastErr = err
			continue
		}
		return c, nil
	}
	if lastErr != nil {
		return contract.Correction{}, fmt.Errorf("segment %d: %v: %w", seg.Index, lastErr, contract.ErrResponseInvalid)
	}
	return contract.Correction{}, fmt.Errorf("segment %d: no json object in response: %w", seg.Index, contract.ErrResponseInvalid)
}

func (d *decoder) parse(cand string) (contract.Correction, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cand), &obj); err != nil {
		return contract.Correction{}, fmt.Errorf("decode json object: %v", err)
	}
	text, err := stringField(obj, d.textKey)
	if err != nil {
		return contract.Correction{}, err
	}
	if strings.TrimSpace(text) == "" {
		return contract.Correction{}, fmt.Errorf("field %q missing or empty", d.textKey)
	}
	label, err := stringField(obj, d.labelKey)
	if err != nil {
		// 分类字段类型异常不致命，按缺失处理
		label = ""
	}
	return contract.Correction{Text: text, Classification: label}, nil
}

func stringField(obj map[string]json.RawMessage, key string) (string, error) {
	raw, ok := obj[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %q is not a string", key)
	}
	return s, nil
}
