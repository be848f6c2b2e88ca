package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"dockoreksi/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 LLM 实现（跨分段共享计数）：
// 第一次 Invoke 返回 ErrRateLimited；
// 第二次返回无法解析的文本；
// 之后原样回显分段正文。
type Client struct {
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	return &Client{logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, seg contract.Segment, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return contract.Raw{}, contract.ErrRateLimited
	case 2:
		c.log("invalid_json")
		return contract.Raw{Text: "invalid"}, nil
	default:
		c.log("ok")
		bts, _ := json.Marshal(map[string]string{"koreksi_teks": strings.TrimSpace(seg.Text)})
		return contract.Raw{Text: string(bts)}, nil
	}
}

var _ contract.LLMClient = (*Client)(nil)
