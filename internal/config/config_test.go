package config

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"dockoreksi/internal/pipeline"
	"dockoreksi/internal/usage"
	"dockoreksi/pkg/contract"
)

// 解析完整 config.json
func TestLoadJSON(t *testing.T) {
	cfg, err := LoadJSON("../../testdata/config/basic.json", nil)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.LLM != "gemini" || cfg.Mode != "Umum" {
		t.Fatalf("字段映射错误: llm=%s mode=%s", cfg.LLM, cfg.Mode)
	}
	if len(cfg.Inputs) != 1 || cfg.Components.Extractor != "document" || cfg.Usage.Backend != "file" {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if err := Validate(Merge(Defaults(), cfg)); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"DOCKOREKSI_INPUTS=a,b",
		"DOCKOREKSI_CONCURRENCY=3",
		"DOCKOREKSI_LLM=mock",
		"DOCKOREKSI_MODE=DMT",
		"DOCKOREKSI_FAILURE_POLICY=degrade",
		"DOCKOREKSI_MAX_RETRIES=0",
		"DOCKOREKSI_COMPONENTS_SPELLER=none",
		"DOCKOREKSI_USAGE_BACKEND=redis",
		"DOCKOREKSI_PROVIDER__mock__CLIENT=mock",
		"DOCKOREKSI_PROVIDER__mock__LIMITS_RPM=5",
		"DOCKOREKSI_PROVIDER__ghost__CLIENT=",
		"OTHER_LLM=x",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.LLM != "mock" || over.Concurrency != 3 || len(over.Inputs) != 2 || over.Mode != "DMT" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if over.MaxRetries != 0 || over.FailurePolicy != "degrade" || over.Components.Speller != "none" || over.Usage.Backend != "redis" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if p := over.Provider["mock"]; p.Client != "mock" || p.Limits.RPM != 5 {
		t.Fatalf("provider 覆盖错误: %+v", p)
	}
	if _, ok := over.Provider["ghost"]; ok {
		t.Fatal("空值不应生成 provider")
	}
}

// MaxRetries 未设置时不覆盖，显式 0 覆盖
func TestMergeMaxRetries(t *testing.T) {
	base := Defaults()
	over, _ := EnvOverlay(nil)
	if got := Merge(base, over).MaxRetries; got != 1 {
		t.Fatalf("未设置不应覆盖: %d", got)
	}
	over.MaxRetries = 0
	if got := Merge(base, over).MaxRetries; got != 0 {
		t.Fatalf("显式 0 应覆盖: %d", got)
	}
}

func TestMergeMapsByKey(t *testing.T) {
	base := DefaultTemplateConfig()
	over := Config{MaxRetries: -1, Provider: map[string]Provider{"mock": {Client: "flaky"}}, Modes: map[string][]string{"X": {"a"}}}
	out := Merge(base, over)
	if out.Provider["mock"].Client != "flaky" || out.Provider["gemini"].Client != "gemini" {
		t.Fatalf("provider 合并错误: %+v", out.Provider)
	}
	if base.Provider["mock"].Client != "mock" {
		t.Fatal("Merge 不应修改 base")
	}
	if len(out.Modes["X"]) != 1 {
		t.Fatalf("modes 合并错误: %+v", out.Modes)
	}
}

// 含非法字段
func TestLoadJSONUnknown(t *testing.T) {
	if _, err := LoadJSON("", []byte(`{"unknown":1}`)); err == nil {
		t.Fatalf("应当返回错误")
	}
	if _, err := LoadJSON("", nil); err == nil {
		t.Fatalf("无来源应当返回错误")
	}
}

func TestSplitCommaAtoi(t *testing.T) {
	parts := splitComma("a, b , ,c")
	if len(parts) != 3 || parts[1] != "b" {
		t.Fatalf("splitComma 结果错误: %v", parts)
	}
	if v, err := atoi(" 10 "); err != nil || v != 10 {
		t.Fatalf("atoi 失败: %v %d", err, v)
	}
	if _, err := atoi("10x"); err == nil {
		t.Fatal("atoi 应拒绝尾随字符")
	}
}

func TestResolveMode(t *testing.T) {
	cfg := Defaults()
	cfg.Modes = map[string][]string{"Sekolah": {"Pengumuman"}}
	cases := map[string]string{"General": "General", "umum": "General", "UMUM": "General", "dmt": "DMT", "sekolah": "Sekolah"}
	for in, want := range cases {
		m, err := ResolveMode(cfg, in)
		if err != nil || m.Name != want {
			t.Fatalf("%q -> %q, %v", in, m.Name, err)
		}
	}
	m, _ := ResolveMode(cfg, "DMT")
	if len(m.Labels) != 5 || m.Labels[4] != "Badan Pengurus Harian" {
		t.Fatalf("DMT labels: %v", m.Labels)
	}
	if _, err := ResolveMode(cfg, "Puisi"); !errors.Is(err, contract.ErrUnknownMode) {
		t.Fatalf("want ErrUnknownMode, got %v", err)
	}
	names := ModeNames(cfg)
	if len(names) != 3 || names[0] != "DMT" {
		t.Fatalf("names: %v", names)
	}
}

func TestValidateErrors(t *testing.T) {
	if err := Validate(Config{}); err == nil {
		t.Fatal("空配置应失败")
	}
	mutate := map[string]func(*Config){
		"concurrency":     func(c *Config) { c.Concurrency = 0 },
		"max_retries":     func(c *Config) { c.MaxRetries = 4 },
		"policy":          func(c *Config) { c.FailurePolicy = "retry" },
		"mode":            func(c *Config) { c.Mode = "Puisi" },
		"provider":        func(c *Config) { c.LLM = "nope" },
		"client empty":    func(c *Config) { c.Provider["mock"] = Provider{} },
		"client unknown":  func(c *Config) { c.Provider["mock"] = Provider{Client: "x"} },
		"component":       func(c *Config) { c.Components.Speller = "aspell" },
		"usage file path": func(c *Config) { c.Usage = Usage{Backend: "file"} },
		"usage backend":   func(c *Config) { c.Usage.Backend = "sqlite" },
		"log level":       func(c *Config) { c.Logging.Level = "verbose" },
		"empty label":     func(c *Config) { c.Modes = map[string][]string{"X": {""}} },
	}
	for name, f := range mutate {
		cfg := DefaultTemplateConfig()
		f(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: 应失败", name)
		}
	}
	if err := Validate(DefaultTemplateConfig()); err != nil {
		t.Fatalf("模板应通过校验: %v", err)
	}
}

func TestValidateInputs(t *testing.T) {
	cfg := DefaultTemplateConfig()
	if err := ValidateInputs(cfg); err == nil {
		t.Fatal("空 inputs 应失败")
	}
	cfg.Inputs = []string{"-", "a"}
	if err := ValidateInputs(cfg); err == nil {
		t.Fatal("混用 '-' 应失败")
	}
	cfg.Inputs = []string{"a", " "}
	if err := ValidateInputs(cfg); err == nil {
		t.Fatal("空路径应失败")
	}
	cfg.Inputs = []string{"-"}
	if err := ValidateInputs(cfg); err != nil {
		t.Fatal(err)
	}
}

func TestAssembleTemplate(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Inputs = []string{"a.txt"}
	cfg.Mode = "umum"
	cfg.FailurePolicy = "degrade"
	cfg.Options.Writer = json.RawMessage(`{"output_dir":` + quote(t.TempDir()) + `}`)
	comp, set, err := Assemble(cfg, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if comp.Corrector == nil || comp.Speller == nil || comp.Reporter == nil || comp.Writer == nil {
		t.Fatalf("components incomplete: %+v", comp)
	}
	if set.Mode.Name != "General" || set.Policy != pipeline.Degrade || set.MaxSegmentBytes != 12000 {
		t.Fatalf("settings: %+v", set)
	}
}

// 缺省不启用本地拼写兜底：正确文本原样通过。
func TestDefaultSpellerPassThrough(t *testing.T) {
	if got := Defaults().Components.Speller; got != "none" {
		t.Fatalf("default speller = %q", got)
	}
	cfg := DefaultTemplateConfig()
	cfg.Inputs = []string{"a.txt"}
	cfg.Options.Writer = json.RawMessage(`{"output_dir":` + quote(t.TempDir()) + `}`)
	comp, _, err := Assemble(cfg, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	in := "Saya tidak tahu bahan rapat itu. Harga bapak kalah datar."
	out, err := comp.Speller.Respell(context.Background(), in)
	if err != nil || out != in {
		t.Fatalf("respell = %q, %v", out, err)
	}
}

func TestAssembleBudget(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Options.Writer = json.RawMessage(`{"output_dir":` + quote(t.TempDir()) + `}`)
	p := cfg.Provider["mock"]
	p.Limits.MaxTokensPerReq = 100
	cfg.Provider["mock"] = p
	if _, _, err := Assemble(cfg, nil); !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded, got %v", err)
	}
}

func TestOpenUsage(t *testing.T) {
	s, err := OpenUsage(Usage{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(usage.Nop); !ok {
		t.Fatalf("want Nop, got %T", s)
	}
	s, err = OpenUsage(Usage{Backend: "file", Path: filepath.Join(t.TempDir(), "u.json")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Track(context.Background(), usage.Visit{UserID: "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenUsage(Usage{Backend: "file"}, nil); err == nil {
		t.Fatal("空路径应失败")
	}
	if _, err := OpenUsage(Usage{Backend: "mongo"}, nil); err == nil {
		t.Fatal("未知后端应失败")
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
