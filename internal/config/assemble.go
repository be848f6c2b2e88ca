package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"dockoreksi/internal/correct"
	"dockoreksi/internal/diag"
	"dockoreksi/internal/pipeline"
	"dockoreksi/internal/prompt"
	"dockoreksi/internal/rate"
	"dockoreksi/internal/usage"
	"dockoreksi/pkg/registry"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("policy", func(fl validator.FieldLevel) bool {
		_, err := pipeline.ParsePolicy(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate 对静态边界做校验：字段约束（validator 标签）+ 跨字段与注册表检查。
// 不检查 inputs；批处理入口另行调用 ValidateInputs。
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	if _, err := ResolveMode(cfg, cfg.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	d := Defaults().Components
	c := cfg.Components
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", effName(c.Reader, d.Reader), registry.Reader[effName(c.Reader, d.Reader)] != nil},
		{"extractor", effName(c.Extractor, d.Extractor), registry.Extractor[effName(c.Extractor, d.Extractor)] != nil},
		{"segmenter", effName(c.Segmenter, d.Segmenter), registry.Segmenter[effName(c.Segmenter, d.Segmenter)] != nil},
		{"prompt_builder", effName(c.PromptBuilder, d.PromptBuilder), registry.PromptBuilder[effName(c.PromptBuilder, d.PromptBuilder)] != nil},
		{"decoder", effName(c.Decoder, d.Decoder), registry.Decoder[effName(c.Decoder, d.Decoder)] != nil},
		{"assembler", effName(c.Assembler, d.Assembler), registry.Assembler[effName(c.Assembler, d.Assembler)] != nil},
		{"speller", effName(c.Speller, d.Speller), registry.SpellChecker[effName(c.Speller, d.Speller)] != nil},
		{"reporter", effName(c.Reporter, d.Reporter), registry.Reporter[effName(c.Reporter, d.Reporter)] != nil},
		{"writer", effName(c.Writer, d.Writer), registry.Writer[effName(c.Writer, d.Writer)] != nil},
	}
	for _, ck := range checks {
		if !ck.ok {
			return fmt.Errorf("config: %s %q not registered", ck.kind, ck.name)
		}
	}
	return nil
}

// ValidateInputs 校验批处理输入根。
func ValidateInputs(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		switch strings.TrimSpace(r) {
		case "":
			return errors.New("config: input path cannot be empty")
		case "-":
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	return nil
}

// Assemble 构造 Components 与 Settings（含纠错客户端、限流 Gate）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, logger *diag.Logger) (pipeline.Components, pipeline.Settings, error) {
	var (
		comp pipeline.Components
		set  pipeline.Settings
	)
	if err := Validate(cfg); err != nil {
		return comp, set, err
	}
	mode, _ := ResolveMode(cfg, cfg.Mode)
	policy, _ := pipeline.ParsePolicy(cfg.FailurePolicy)

	d := Defaults().Components
	c, o := cfg.Components, cfg.Options
	var err error
	if comp.Reader, err = registry.Reader[effName(c.Reader, d.Reader)](o.Reader); err != nil {
		return comp, set, fmt.Errorf("reader: %w", err)
	}
	if comp.Extractor, err = registry.Extractor[effName(c.Extractor, d.Extractor)](o.Extractor); err != nil {
		return comp, set, fmt.Errorf("extractor: %w", err)
	}
	if comp.Segmenter, err = registry.Segmenter[effName(c.Segmenter, d.Segmenter)](o.Segmenter); err != nil {
		return comp, set, fmt.Errorf("segmenter: %w", err)
	}
	pb, err := registry.PromptBuilder[effName(c.PromptBuilder, d.PromptBuilder)](o.PromptBuilder)
	if err != nil {
		return comp, set, fmt.Errorf("prompt_builder: %w", err)
	}
	dec, err := registry.Decoder[effName(c.Decoder, d.Decoder)](o.Decoder)
	if err != nil {
		return comp, set, fmt.Errorf("decoder: %w", err)
	}
	if comp.Assembler, err = registry.Assembler[effName(c.Assembler, d.Assembler)](o.Assembler); err != nil {
		return comp, set, fmt.Errorf("assembler: %w", err)
	}
	if comp.Speller, err = registry.SpellChecker[effName(c.Speller, d.Speller)](o.Speller); err != nil {
		return comp, set, fmt.Errorf("speller: %w", err)
	}
	if comp.Reporter, err = registry.Reporter[effName(c.Reporter, d.Reporter)](o.Reporter); err != nil {
		return comp, set, fmt.Errorf("reporter: %w", err)
	}
	if comp.Writer, err = registry.Writer[effName(c.Writer, d.Writer)](o.Writer); err != nil {
		return comp, set, fmt.Errorf("writer: %w", err)
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return comp, set, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}
	// 最大分段 + 固定提示开销须装得进单请求上限
	if err := prompt.CheckSegmentBudget(pb, cfg.BytesPerToken, cfg.MaxSegmentBytes, prov.Limits.MaxTokensPerReq); err != nil {
		return comp, set, fmt.Errorf("config: %w", err)
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	cc, err := correct.New(pb, llm, dec, correct.Options{
		MaxRetries:    cfg.MaxRetries,
		BytesPerToken: cfg.BytesPerToken,
		Gate:          gate,
		GateKey:       key,
	}, logger)
	if err != nil {
		return comp, set, err
	}
	comp.Corrector = cc

	set = pipeline.Settings{
		Inputs: cloneStrings(cfg.Inputs),
		Mode:   mode,
		Options: pipeline.Options{
			MaxSegmentBytes: cfg.MaxSegmentBytes,
			Concurrency:     cfg.Concurrency,
			Policy:          policy,
		},
		MaxInputBytes: cfg.MaxInputBytes,
	}
	return comp, set, nil
}

// OpenUsage 按配置打开用户登记后端；backend 为空或 none 时返回 usage.Nop。
// logger 可为 nil。
func OpenUsage(u Usage, logger *diag.Logger) (usage.Store, error) {
	switch u.Backend {
	case "", "none":
		return usage.Nop{}, nil
	case "file":
		s, err := usage.NewFileStore(u.Path, time.Duration(u.LockTimeoutSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		s.SetLogger(logger)
		return s, nil
	case "redis":
		s, err := usage.NewRedisStore(redis.NewClient(&redis.Options{Addr: u.RedisAddr}), u.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("config: usage backend %q not supported", u.Backend)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
