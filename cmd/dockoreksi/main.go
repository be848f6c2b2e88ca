package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	cfgpkg "dockoreksi/internal/config"
	"dockoreksi/internal/diag"
	"dockoreksi/internal/pipeline"
	"dockoreksi/internal/usage"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行期失败；3 配置/装配失败。
const (
	exitOK     = 0
	exitRun    = 1
	exitConfig = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(format string, a ...any) error {
	return &exitError{code: exitConfig, err: fmt.Errorf(format, a...)}
}

func runErr(err error) error { return &exitError{code: exitRun, err: err} }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute 解析并执行命令，返回进程退出码。
func execute(args []string, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = godotenv.Load()
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var xe *exitError
	if errors.As(err, &xe) {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stderr, "错误: %v\n", err)
		}
		return xe.code
	}
	// 旗标解析等 cobra 自身错误
	fmt.Fprintf(stderr, "错误: %v\n", err)
	return exitConfig
}

// globalFlags: 覆盖配置的命令行旗标（零值表示未覆盖；max-retries 以 -1 表示未覆盖）。
type globalFlags struct {
	config          string
	llm             string
	mode            string
	policy          string
	concurrency     int
	maxRetries      int
	maxSegmentBytes int
	status          bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	var userID, userName string
	root := &cobra.Command{
		Use:           "dockoreksi [files or dirs | -]",
		Short:         "Koreksi ejaan dan tata bahasa dokumen berbahasa Indonesia",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), g, args, usage.Visit{UserID: userID, FirstName: userName}, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&g.config, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	pf.StringVar(&g.llm, "llm", "", "provider 名称（覆盖配置）")
	pf.StringVar(&g.mode, "mode", "", "处理模式：DMT | General（Umum）| 自定义")
	pf.StringVar(&g.policy, "policy", "", "分段失败策略：fail_fast | degrade")
	pf.IntVar(&g.concurrency, "concurrency", 0, "单文档内纠错并发度（覆盖配置）")
	pf.IntVar(&g.maxRetries, "max-retries", -1, "单段最大重试次数（0 表示不重试）")
	pf.IntVar(&g.maxSegmentBytes, "max-segment-bytes", 0, "分段字节上限（覆盖配置）")
	pf.BoolVar(&g.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	root.Flags().StringVar(&userID, "user-id", "", "登记使用的用户 ID（为空不登记）")
	root.Flags().StringVar(&userName, "user-name", "", "登记使用的用户名")

	root.AddCommand(newInitConfigCmd(stderr), newUsersCmd(g, stdout), newServeCmd(g, stderr))
	return root
}

// loadConfig 合并配置并校验；校验失败时把有效配置打印到 diag 以便诊断。
func loadConfig(g *globalFlags, inputs []string, diagOut io.Writer) (cfgpkg.Config, error) {
	cfg, err := mergeConfig(g, inputs)
	if err != nil {
		return cfg, err
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		if diagOut != nil {
			_ = dumpConfig(diagOut, cfg)
		}
		return cfg, configErr("配置校验失败: %w", err)
	}
	return cfg, nil
}

// mergeConfig 按 JSON → ENV → CLI 的顺序合并配置。
func mergeConfig(g *globalFlags, inputs []string) (cfgpkg.Config, error) {
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	path := g.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(path, cfgJSON)
		if err != nil {
			return cfg, configErr("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, configErr("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	over := cfgpkg.Config{MaxRetries: -1}
	over.LLM = g.llm
	over.Mode = g.mode
	over.FailurePolicy = g.policy
	if g.concurrency > 0 {
		over.Concurrency = g.concurrency
	}
	if g.maxSegmentBytes > 0 {
		over.MaxSegmentBytes = g.maxSegmentBytes
	}
	if g.maxRetries >= 0 {
		over.MaxRetries = g.maxRetries
	}
	if len(inputs) > 0 {
		over.Inputs = inputs
	}
	return cfgpkg.Merge(cfg, over), nil
}

func newLogger(cfg cfgpkg.Config) *diag.Logger {
	level := strings.TrimSpace(cfg.Logging.Level)
	if level == "" {
		level = "info"
	}
	return diag.NewLogger(uuid.NewString(), level)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runBatch(parent context.Context, g *globalFlags, args []string, user usage.Visit, stderr io.Writer) error {
	start := time.Now()
	cfg, err := loadConfig(g, args, stderr)
	if err != nil {
		return err
	}
	if err := cfgpkg.ValidateInputs(cfg); err != nil {
		return configErr("输入无效: %w", err)
	}
	logger := newLogger(cfg)
	defer logger.Close()

	if err := preflightCheckOutputDir(cfg); err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return configErr("输出目录不可写或无法创建: %w", err)
	}
	comp, set, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return configErr("装配失败: %w", err)
	}
	store, err := cfgpkg.OpenUsage(cfg.Usage, logger)
	if err != nil {
		logger.Error("usage", string(diag.Classify(err)), "open failed", &start)
		return configErr("用户登记后端不可用: %w", err)
	}
	defer store.Close()
	set.Usage = store
	set.User = user

	term := diag.NewTerminal(stderr, g.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Concurrency, cfg.LLM)

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	ctx, cancel := signalContext(parent)
	defer cancel()
	t := logger.Start("pipeline", "run")
	if err := pipelineRun(ctx, comp, set, logger); err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		term.RunFinish(false, time.Since(start))
		return runErr(err)
	}
	t.Finish("run", int64(len(cfg.Inputs)))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, time.Since(start))
	return nil
}

// effectiveKV: 运行时配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count":      strconv.Itoa(len(cfg.Inputs)),
		"mode":              cfg.Mode,
		"concurrency":       strconv.Itoa(cfg.Concurrency),
		"max_segment_bytes": strconv.Itoa(cfg.MaxSegmentBytes),
		"max_retries":       strconv.Itoa(cfg.MaxRetries),
		"failure_policy":    cfg.FailurePolicy,
		"llm":               cfg.LLM,
		"speller":           cfg.Components.Speller,
		"usage":             cfg.Usage.Backend,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
	}
	return kv
}
