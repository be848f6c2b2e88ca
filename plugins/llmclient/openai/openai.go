package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"dockoreksi/pkg/contract"
	"dockoreksi/plugins/llmclient/internal/wire"
)

// 客户端超时的允许区间（秒）。
const (
	minTimeoutSeconds     = 60
	maxTimeoutSeconds     = 180
	defaultTimeoutSeconds = 180
)

// JSON 输出模式。
const (
	JSONModeSchema = "schema" // response_format=json_schema（需 Prompt 携带 schema）
	JSONModeObject = "object" // response_format=json_object
	JSONModeOff    = "off"
)

// Options: OpenAI 兼容 Chat Completions（含 Groq、OpenRouter 等）。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.groq.com/openai/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入，仅用于测试
	TimeoutSeconds int      `json:"timeout_seconds"` // 夹取到 [60,180]，缺省 180
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	JSONMode       string   `json:"json_mode,omitempty"` // schema|object|off，缺省 object

	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.JSONMode == "" {
		o.JSONMode = JSONModeObject
	}
	o.TimeoutSeconds = clampTimeout(o.TimeoutSeconds)
}

func clampTimeout(s int) int {
	switch {
	case s <= 0:
		return defaultTimeoutSeconds
	case s < minTimeoutSeconds:
		return minTimeoutSeconds
	case s > maxTimeoutSeconds:
		return maxTimeoutSeconds
	}
	return s
}

type Client struct {
	http     *resty.Client
	url      string
	model    string
	temp     *float64
	topP     *float64
	jsonMode string
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	switch opts.JSONMode {
	case JSONModeSchema, JSONModeObject, JSONModeOff:
	default:
		return nil, fmt.Errorf("openai: %w: json_mode %q", contract.ErrInvalidInput, opts.JSONMode)
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	hc := wire.NewHTTP(time.Duration(opts.TimeoutSeconds)*time.Second, nil)
	if !opts.DisableDefaultAuth {
		hc.SetAuthToken(key)
	}
	for k, v := range opts.ExtraHeaders {
		if k != "" {
			hc.SetHeader(k, v)
		}
	}
	return &Client{
		http:     hc,
		url:      wire.JoinURL(opts.BaseURL, opts.EndpointPath),
		model:    opts.Model,
		temp:     opts.Temperature,
		topP:     opts.TopP,
		jsonMode: opts.JSONMode,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	TopP           *float64          `json:"top_p,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}

type oaResponseFormat struct {
	Type       string        `json:"type"` // json_object | json_schema
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) responseFormat(schema json.RawMessage) *oaResponseFormat {
	switch c.jsonMode {
	case JSONModeSchema:
		if len(schema) > 0 {
			return &oaResponseFormat{Type: "json_schema", JSONSchema: &oaJSONSchema{Name: "koreksi", Schema: schema, Strict: true}}
		}
		return &oaResponseFormat{Type: "json_object"}
	case JSONModeObject:
		return &oaResponseFormat{Type: "json_object"}
	}
	return nil
}

func (c *Client) encode(p contract.Prompt) (*oaReq, error) {
	pp, schema := wire.SplitSchema(p)
	req := &oaReq{Model: c.model, Temperature: c.temp, TopP: c.topP, ResponseFormat: c.responseFormat(schema)}
	switch v := pp.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		req.Messages = make([]oaMessage, 0, len(v))
		for _, m := range v {
			req.Messages = append(req.Messages, oaMessage{Role: strings.ToLower(strings.TrimSpace(m.Role)), Content: m.Content})
		}
	default:
		return nil, fmt.Errorf("openai: %w: prompt type %T", contract.ErrInvalidInput, p)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("openai: %w: empty prompt", contract.ErrInvalidInput)
	}
	return req, nil
}

// Invoke: 单次调用，同步返回；不做重试。
func (c *Client) Invoke(ctx context.Context, seg contract.Segment, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encode(p)
	if err != nil {
		return contract.Raw{}, err
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(c.url)
	if err := wire.Classify(ctx, "openai", resp, err); err != nil {
		return contract.Raw{}, err
	}
	var or oaResp
	if err := json.Unmarshal(resp.Body(), &or); err != nil {
		return contract.Raw{}, fmt.Errorf("openai decode segment %d: %w", seg.Index, contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		return contract.Raw{}, fmt.Errorf("openai segment %d: empty choices: %w", seg.Index, contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: or.Choices[0].Message.Content}, nil
}

var _ contract.LLMClient = (*Client)(nil)
