package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM 与合理限额（本地/离线调试友好）；
// - 输入由命令行给出，Writer 输出到 ./out 目录；
// - 组件名采用仓库内置实现；
// - 选项给出全部键与中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.Logging = Logging{Level: "info"}
	cfg.LLM = "mock"
	cfg.Usage = Usage{Backend: "file", Path: "data/users.json", LockTimeoutSeconds: 10}
	cfg.Provider = map[string]Provider{
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"api_key":"","classification":"Lainnya"}`),
			Limits:  Limits{RPM: 60, TPM: 100000, MaxTokensPerReq: 16000},
		},
		// groq 兼容 OpenAI Chat Completions
		"groq": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "https://api.groq.com/openai/v1",
  "model": "llama-3.3-70b-versatile",
  "api_key_env": "GROQ_API_KEY",
  "api_key": "",
  "timeout_seconds": 180,
  "temperature": 0.1,
  "json_mode": "object",
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
			Limits: Limits{RPM: 30, TPM: 12000, MaxTokensPerReq: 12000},
		},
		"openai": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 180,
  "temperature": 0.1,
  "json_mode": "schema",
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
		},
		"gemini": {
			Client: "gemini",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 180,
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {},
  "response_mime_type": ""
}`),
			Limits: Limits{RPM: 10, TPM: 250000},
		},
	}
	// Options：包含所有键（值可为空/默认），确保键存在。
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor", "out"],
  "extensions": [".txt", ".pdf", ".docx"],
  "skip_prefixes": ["corrected_"]
}`)
	cfg.Options.Extractor = json.RawMessage(`{"max_pages": 0, "max_expanded_bytes": 0}`)
	cfg.Options.Segmenter = json.RawMessage(`{"strategy": "paragraph"}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_glossary": "",
  "glossary_path": ""
}`)
	cfg.Options.Decoder = json.RawMessage(`{"text_key": "koreksi_teks", "label_key": "klasifikasi"}`)
	// linear 装配器无配置项，保持空对象
	cfg.Options.Assembler = json.RawMessage(`{}`)
	// 缺省 speller 为 none（无配置项）；切换到 fuzzy 时可设
	// {"dictionary_path": "", "min_length": 6, "depth": 1}
	cfg.Options.Speller = json.RawMessage(`{}`)
	cfg.Options.Reporter = json.RawMessage(`{
  "max_lines": 25,
  "context": 2,
  "from_file": "Teks Asli",
  "to_file": "Teks Koreksi"
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "prefix": "corrected_",
  "atomic": true,
  "flat": true,
  "no_clobber": false,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}
