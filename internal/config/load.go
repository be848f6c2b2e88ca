package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix 是环境变量覆盖的前缀。
const EnvPrefix = "DOCKOREKSI_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Mode:            "General",
		Concurrency:     1,
		MaxSegmentBytes: 12000,
		FailurePolicy:   "fail_fast",
		MaxRetries:      1,
		BytesPerToken:   4,
		Components: Components{
			Reader:        "fs",
			Extractor:     "document",
			Segmenter:     "paragraph",
			PromptBuilder: "proofread",
			Decoder:       "correction",
			Assembler:     "linear",
			Speller:       "none",
			Reporter:      "unified",
			Writer:        "fs",
		},
		Usage:  Usage{Backend: "none"},
		Server: Server{Addr: ":8080", MaxUploadBytes: 20 << 20, RequestTimeoutSeconds: 600},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量零值不覆盖；MaxRetries 以 -1 表示未设置（0 表示禁用重试）。
// Provider、Modes 按键替换，Options 按组件整体替换。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	setStr(&out.Mode, over.Mode)
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxSegmentBytes != 0 {
		out.MaxSegmentBytes = over.MaxSegmentBytes
	}
	if over.MaxInputBytes != 0 {
		out.MaxInputBytes = over.MaxInputBytes
	}
	setStr(&out.FailurePolicy, over.FailurePolicy)
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.LLM, over.LLM)

	c, oc := &out.Components, over.Components
	setStr(&c.Reader, oc.Reader)
	setStr(&c.Extractor, oc.Extractor)
	setStr(&c.Segmenter, oc.Segmenter)
	setStr(&c.PromptBuilder, oc.PromptBuilder)
	setStr(&c.Decoder, oc.Decoder)
	setStr(&c.Assembler, oc.Assembler)
	setStr(&c.Speller, oc.Speller)
	setStr(&c.Reporter, oc.Reporter)
	setStr(&c.Writer, oc.Writer)

	o, oo := &out.Options, over.Options
	setRaw(&o.Reader, oo.Reader)
	setRaw(&o.Extractor, oo.Extractor)
	setRaw(&o.Segmenter, oo.Segmenter)
	setRaw(&o.PromptBuilder, oo.PromptBuilder)
	setRaw(&o.Decoder, oo.Decoder)
	setRaw(&o.Assembler, oo.Assembler)
	setRaw(&o.Speller, oo.Speller)
	setRaw(&o.Reporter, oo.Reporter)
	setRaw(&o.Writer, oo.Writer)

	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = v
		}
		out.Provider = merged
	}
	if len(over.Modes) > 0 {
		merged := make(map[string][]string, len(out.Modes)+len(over.Modes))
		for k, v := range out.Modes {
			merged[k] = v
		}
		for k, v := range over.Modes {
			merged[k] = cloneStrings(v)
		}
		out.Modes = merged
	}

	u, ou := &out.Usage, over.Usage
	setStr(&u.Backend, ou.Backend)
	setStr(&u.Path, ou.Path)
	setStr(&u.RedisAddr, ou.RedisAddr)
	setStr(&u.RedisPrefix, ou.RedisPrefix)
	if ou.LockTimeoutSeconds != 0 {
		u.LockTimeoutSeconds = ou.LockTimeoutSeconds
	}

	s, osv := &out.Server, over.Server
	setStr(&s.Addr, osv.Addr)
	if osv.MaxUploadBytes != 0 {
		s.MaxUploadBytes = osv.MaxUploadBytes
	}
	if osv.RequestTimeoutSeconds != 0 {
		s.RequestTimeoutSeconds = osv.RequestTimeoutSeconds
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 DOCKOREKSI_；未识别的键忽略。
// 支持：INPUTS, MODE, CONCURRENCY, MAX_SEGMENT_BYTES, MAX_INPUT_BYTES, FAILURE_POLICY,
// MAX_RETRIES, BYTES_PER_TOKEN, LLM, LOG_LEVEL, COMPONENTS_*, USAGE_*, SERVER_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	over.MaxRetries = -1
	prov := map[string]Provider{}
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || len(key) == len(EnvPrefix) {
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		tv := strings.TrimSpace(val)
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "MODE":
			over.Mode = tv
		case "CONCURRENCY":
			setInt(&over.Concurrency, val)
		case "MAX_SEGMENT_BYTES":
			setInt(&over.MaxSegmentBytes, val)
		case "MAX_INPUT_BYTES":
			if v, err := strconv.ParseInt(tv, 10, 64); err == nil {
				over.MaxInputBytes = v
			}
		case "FAILURE_POLICY":
			over.FailurePolicy = tv
		case "MAX_RETRIES":
			setInt(&over.MaxRetries, val)
		case "BYTES_PER_TOKEN":
			setInt(&over.BytesPerToken, val)
		case "LLM":
			over.LLM = tv
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "COMPONENTS_READER":
			over.Components.Reader = tv
		case "COMPONENTS_EXTRACTOR":
			over.Components.Extractor = tv
		case "COMPONENTS_SEGMENTER":
			over.Components.Segmenter = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_DECODER":
			over.Components.Decoder = tv
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = tv
		case "COMPONENTS_SPELLER":
			over.Components.Speller = tv
		case "COMPONENTS_REPORTER":
			over.Components.Reporter = tv
		case "COMPONENTS_WRITER":
			over.Components.Writer = tv
		case "USAGE_BACKEND":
			over.Usage.Backend = tv
		case "USAGE_PATH":
			over.Usage.Path = tv
		case "USAGE_REDIS_ADDR":
			over.Usage.RedisAddr = tv
		case "USAGE_REDIS_PREFIX":
			over.Usage.RedisPrefix = tv
		case "USAGE_LOCK_TIMEOUT_SECONDS":
			setInt(&over.Usage.LockTimeoutSeconds, val)
		case "SERVER_ADDR":
			over.Server.Addr = tv
		case "SERVER_MAX_UPLOAD_BYTES":
			if v, err := strconv.ParseInt(tv, 10, 64); err == nil {
				over.Server.MaxUploadBytes = v
			}
		case "SERVER_REQUEST_TIMEOUT_SECONDS":
			setInt(&over.Server.RequestTimeoutSeconds, val)
		default:
			name, field, ok := providerKey(nk)
			if !ok {
				continue
			}
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				if tv != "" {
					p.Client, changed = tv, true
				}
			case "LIMITS_RPM":
				changed = setInt(&p.Limits.RPM, val)
			case "LIMITS_TPM":
				changed = setInt(&p.Limits.TPM, val)
			case "LIMITS_MAX_TOKENS_PER_REQ":
				changed = setInt(&p.Limits.MaxTokensPerReq, val)
			case "OPTIONS_JSON":
				// 空值视为未设置，避免清空 config.json 中的 options
				if tv != "" {
					p.Options, changed = json.RawMessage(val), true
				}
			}
			if changed {
				prov[name] = p
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// providerKey 解析 PROVIDER__<name>__<FIELD>。
func providerKey(nk string) (name, field string, ok bool) {
	rest, found := strings.CutPrefix(nk, "PROVIDER__")
	if !found {
		return "", "", false
	}
	name, field, ok = strings.Cut(rest, "__")
	name = strings.TrimSpace(name)
	if !ok || name == "" || field == "" {
		return "", "", false
	}
	return name, field, true
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func setRaw(dst *json.RawMessage, v json.RawMessage) {
	if len(v) > 0 {
		*dst = cloneRaw(v)
	}
}

func setInt(dst *int, s string) bool {
	v, err := atoi(s)
	if err != nil {
		return false
	}
	*dst = v
	return true
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
