package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	cfgpkg "dockoreksi/internal/config"
)

func newInitConfigCmd(stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "生成默认 config.json 与 .env 模板（已存在则不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return configErr("生成默认配置失败: %w", err)
			}
			if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
				return configErr("生成默认配置失败: %w", err)
			}
			if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
				fmt.Fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			return nil
		},
	}
}

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "有效配置:\n%s\n", b)
	return err
}

// writeConfig 写出配置；path 为 "-" 时写到 stdout。不覆盖已存在文件。
func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(b)
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(b)
	return err
}

// .env 模板条目；空行分组。
var dotEnvKeys = []string{
	"# 配置来源（可二选一）",
	"CONFIG_FILE", "CONFIG_JSON", "",
	"# 运行参数覆盖",
	"INPUTS", "MODE", "CONCURRENCY", "MAX_SEGMENT_BYTES", "MAX_INPUT_BYTES",
	"FAILURE_POLICY", "MAX_RETRIES", "BYTES_PER_TOKEN", "LLM", "LOG_LEVEL", "",
	"# 组件选择",
	"COMPONENTS_READER", "COMPONENTS_EXTRACTOR", "COMPONENTS_SEGMENTER", "COMPONENTS_PROMPT_BUILDER",
	"COMPONENTS_DECODER", "COMPONENTS_ASSEMBLER", "COMPONENTS_SPELLER", "COMPONENTS_REPORTER", "COMPONENTS_WRITER", "",
	"# 用户登记",
	"USAGE_BACKEND", "USAGE_PATH", "USAGE_REDIS_ADDR", "USAGE_REDIS_PREFIX", "",
	"# HTTP 服务",
	"SERVER_ADDR", "SERVER_MAX_UPLOAD_BYTES", "SERVER_REQUEST_TIMEOUT_SECONDS", "",
	"# Provider 覆盖（groq）",
	"PROVIDER__groq__CLIENT", "PROVIDER__groq__LIMITS_RPM", "PROVIDER__groq__LIMITS_TPM",
	"PROVIDER__groq__LIMITS_MAX_TOKENS_PER_REQ", "PROVIDER__groq__OPTIONS_JSON", "",
}

// writeDotEnv 生成 .env 模板；已存在则跳过。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# dockoreksi .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON；空值表示未设置。\n\n")
	for _, k := range dotEnvKeys {
		switch {
		case k == "":
			b.WriteString("\n")
		case strings.HasPrefix(k, "#"):
			b.WriteString(k + "\n")
		default:
			b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
		}
	}
	b.WriteString("# 供应商 API Key（由 LLM 客户端直接读取）\n")
	b.WriteString("GROQ_API_KEY=\nOPENAI_API_KEY=\nGOOGLE_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir: 文件系统 Writer 启动前检查输出目录可写性。
// 目录存在则试写临时文件；不存在则检查父目录可创建子目录。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	name := strings.TrimSpace(cfg.Components.Writer)
	if name == "" {
		name = cfgpkg.Defaults().Components.Writer
	}
	if name != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(dir)
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmp, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmp)
}
