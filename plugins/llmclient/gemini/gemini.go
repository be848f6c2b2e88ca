package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"dockoreksi/pkg/contract"
	"dockoreksi/plugins/llmclient/internal/wire"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL        string   `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model          string   `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv      string   `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey         string   `json:"api_key"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"` // <=0 时 180 秒
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`

	EndpointPath  string            `json:"endpoint_path"`    // 默认 /v1beta/models/{model}:generateContent
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`

	// 仅当 Prompt 携带 schema 时生效；为空则 application/json
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 180
	}
	if o.ResponseMIMEType == "" {
		o.ResponseMIMEType = "application/json"
	}
}

type Client struct {
	http     *resty.Client
	url      string
	query    map[string]string
	temp     *float64
	topP     *float64
	respMIME string
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))

	hc := wire.NewHTTP(time.Duration(opts.TimeoutSeconds)*time.Second, opts.ExtraHeaders)
	query := make(map[string]string, len(opts.ExtraQuery)+1)
	for k, v := range opts.ExtraQuery {
		if k != "" {
			query[k] = v
		}
	}
	if *opts.APIKeyInQuery {
		query["key"] = key
	} else {
		hc.SetHeader("x-goog-api-key", key)
	}
	return &Client{
		http:     hc,
		url:      wire.JoinURL(opts.BaseURL, path),
		query:    query,
		temp:     opts.Temperature,
		topP:     opts.TopP,
		respMIME: opts.ResponseMIMEType,
	}, nil
}

type gmPart struct {
	Text string `json:"text"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmGenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	ResponseMIMEType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
}

type gmReq struct {
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []gmPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// encode: system 消息并入 systemInstruction，其余按 user|model 映射。
func (c *Client) encode(p contract.Prompt) (*gmReq, error) {
	pp, schema := wire.SplitSchema(p)
	req := &gmReq{}
	switch v := pp.(type) {
	case contract.TextPrompt:
		req.Contents = []gmContent{{Role: "user", Parts: []gmPart{{Text: string(v)}}}}
	case contract.ChatPrompt:
		for _, m := range v {
			role := strings.ToLower(strings.TrimSpace(m.Role))
			if role == "system" {
				if req.SystemInstruction == nil {
					req.SystemInstruction = &gmContent{}
				}
				req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, gmPart{Text: m.Content})
				continue
			}
			req.Contents = append(req.Contents, gmContent{Role: geminiRole(role), Parts: []gmPart{{Text: m.Content}}})
		}
	default:
		return nil, fmt.Errorf("gemini: %w: prompt type %T", contract.ErrInvalidInput, p)
	}
	if len(req.Contents) == 0 {
		return nil, fmt.Errorf("gemini: %w: empty prompt", contract.ErrInvalidInput)
	}
	gc := &gmGenerationConfig{Temperature: c.temp, TopP: c.topP}
	if len(schema) > 0 {
		gc.ResponseMIMEType = c.respMIME
		gc.ResponseSchema = schema
	}
	req.GenerationConfig = gc
	return req, nil
}

// geminiRole: assistant→model，其余→user。
func geminiRole(r string) string {
	switch r {
	case "model", "assistant":
		return "model"
	}
	return "user"
}

func (c *Client) Invoke(ctx context.Context, seg contract.Segment, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encode(p)
	if err != nil {
		return contract.Raw{}, err
	}
	resp, err := c.http.R().SetContext(ctx).SetQueryParams(c.query).SetBody(body).Post(c.url)
	if err := wire.Classify(ctx, "gemini", resp, err); err != nil {
		return contract.Raw{}, err
	}
	var gr gmResp
	if err := json.Unmarshal(resp.Body(), &gr); err != nil {
		return contract.Raw{}, fmt.Errorf("gemini decode segment %d: %w", seg.Index, contract.ErrResponseInvalid)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return contract.Raw{}, fmt.Errorf("gemini segment %d: no candidates: %w", seg.Index, contract.ErrResponseInvalid)
	}
	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return contract.Raw{}, fmt.Errorf("gemini segment %d: empty text: %w", seg.Index, contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: sb.String()}, nil
}

var _ contract.LLMClient = (*Client)(nil)
