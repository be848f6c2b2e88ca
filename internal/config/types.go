package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// Mode: 处理模式名（DMT / General / Umum 或 Modes 中自定义的键）。
	Mode string `json:"mode" validate:"required"`
	// Modes: 追加或覆盖内置模式的标签集合。
	Modes map[string][]string `json:"modes" validate:"dive,keys,required,endkeys,min=1,dive,required"`

	Concurrency     int   `json:"concurrency" validate:"gte=1,lte=64"`
	MaxSegmentBytes int   `json:"max_segment_bytes" validate:"gte=0"`
	MaxInputBytes   int64 `json:"max_input_bytes" validate:"gte=0"`
	// FailurePolicy: fail_fast（默认）| degrade，整次运行一致生效。
	FailurePolicy string `json:"failure_policy" validate:"omitempty,policy"`
	// MaxRetries: 单段失败后的额外尝试次数（0..3）；-1 仅用于合并时表示“未设置”。
	MaxRetries    int     `json:"max_retries" validate:"gte=0,lte=3"`
	BytesPerToken int     `json:"bytes_per_token" validate:"gte=0"`
	Logging       Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm" validate:"required"`
	Provider map[string]Provider `json:"provider" validate:"dive"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`

	Usage  Usage  `json:"usage"`
	Server Server `json:"server"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Extractor     string `json:"extractor"`
	Segmenter     string `json:"segmenter"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Assembler     string `json:"assembler"`
	Speller       string `json:"speller"`
	Reporter      string `json:"reporter"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Extractor     json.RawMessage `json:"extractor"`
	Segmenter     json.RawMessage `json:"segmenter"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
	Assembler     json.RawMessage `json:"assembler"`
	Speller       json.RawMessage `json:"speller"`
	Reporter      json.RawMessage `json:"reporter"`
	Writer        json.RawMessage `json:"writer"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client" validate:"required"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm" validate:"gte=0"`
	TPM             int `json:"tpm" validate:"gte=0"`
	MaxTokensPerReq int `json:"max_tokens_per_req" validate:"gte=0"`
}

// Usage: 用户使用登记后端。
type Usage struct {
	// Backend: none（默认）| file | redis。
	Backend            string `json:"backend" validate:"omitempty,oneof=none file redis"`
	Path               string `json:"path" validate:"required_if=Backend file"`
	LockTimeoutSeconds int    `json:"lock_timeout_seconds" validate:"gte=0"`
	RedisAddr          string `json:"redis_addr" validate:"required_if=Backend redis"`
	RedisPrefix        string `json:"redis_prefix"`
}

// Server: HTTP 前端。
type Server struct {
	Addr                  string `json:"addr"`
	MaxUploadBytes        int64  `json:"max_upload_bytes" validate:"gte=0"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" validate:"gte=0"`
}
