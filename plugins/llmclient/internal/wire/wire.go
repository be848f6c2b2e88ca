// Package wire 汇集 HTTP 型 LLM 客户端共用的请求/错误映射。
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"dockoreksi/pkg/contract"
)

// 上游错误体最多保留的字节数。
const maxUpstreamMsg = 4 << 10

// NewHTTP 构造带超时与公共头的 resty 客户端。重试由上层负责，这里固定为 0。
func NewHTTP(timeout time.Duration, headers map[string]string) *resty.Client {
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for k, v := range headers {
		if strings.TrimSpace(k) != "" {
			c.SetHeader(k, v)
		}
	}
	return c
}

// JoinURL 拼接 base 与 path；path 已是完整 URL 时原样返回。
func JoinURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// SplitSchema 取出 role=="json_schema" 的消息作为响应 schema，并从对话中移除。
// 解析失败视作无 schema。
func SplitSchema(p contract.Prompt) (contract.Prompt, json.RawMessage) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return p, nil
	}
	out := make(contract.ChatPrompt, 0, len(cp))
	var schema json.RawMessage
	for _, m := range cp {
		if strings.EqualFold(strings.TrimSpace(m.Role), "json_schema") {
			var raw json.RawMessage
			if json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
				schema = raw
			}
			continue
		}
		out = append(out, m)
	}
	return out, schema
}

// UpstreamError 实现 net.Error：上游 5xx/408 归为网络类错误。
type UpstreamError struct {
	Provider string
	Status   int
	Msg      string
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.Status, e.Msg)
}
func (e UpstreamError) Timeout() bool           { return e.Status == http.StatusRequestTimeout }
func (e UpstreamError) Temporary() bool         { return e.Status/100 == 5 }
func (e UpstreamError) UpstreamStatus() int     { return e.Status }
func (e UpstreamError) UpstreamMessage() string { return e.Msg }

var _ contract.UpstreamError = UpstreamError{}

// Classify 把一次 resty 调用的结果映射为最小错误分类；成功返回 nil。
//   - ctx 取消/超时 → ctx.Err()
//   - 429 → ErrRateLimited
//   - 5xx/408 → UpstreamError
//   - 其余非 2xx → 包装 ErrInvalidInput
func Classify(ctx context.Context, provider string, resp *resty.Response, err error) error {
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%s request: %w", provider, err)
	}
	code := resp.StatusCode()
	if code == http.StatusTooManyRequests {
		return contract.ErrRateLimited
	}
	if code/100 == 2 {
		return nil
	}
	body := resp.Body()
	if len(body) > maxUpstreamMsg {
		body = body[:maxUpstreamMsg]
	}
	msg := strings.TrimSpace(string(body))
	if code == http.StatusRequestTimeout || code/100 == 5 {
		return UpstreamError{Provider: provider, Status: code, Msg: msg}
	}
	return fmt.Errorf("%s upstream %d: %s: %w", provider, code, msg, contract.ErrInvalidInput)
}
