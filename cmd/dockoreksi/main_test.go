package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cfgpkg "dockoreksi/internal/config"
	"dockoreksi/internal/diag"
	"dockoreksi/internal/pipeline"
	"dockoreksi/internal/server"
	"dockoreksi/internal/usage"
)

// inTempDir 切换到临时目录（logs/、out/、data/ 均落在其中）。
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

func setConfigJSON(t *testing.T, cfg cfgpkg.Config) {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOCKOREKSI_CONFIG_JSON", string(b))
}

func stubRun(t *testing.T, fn func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) error) *bool {
	t.Helper()
	called := new(bool)
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) error {
		*called = true
		return fn(ctx, comp, set, logger)
	}
	t.Cleanup(func() { pipelineRun = orig })
	return called
}

func noop(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) error { return nil }

func run(args ...string) (int, string, string) {
	var out, errb bytes.Buffer
	code := execute(append(args, "--status=false"), &out, &errb)
	return code, out.String(), errb.String()
}

func TestWriteConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "c.json")
	if err := writeConfig(file, cfgpkg.Defaults()); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}
	if _, err := cfgpkg.LoadJSON(file, nil); err != nil {
		t.Fatalf("written config not loadable: %v", err)
	}
	if err := writeConfig(file, cfgpkg.Defaults()); !os.IsExist(err) {
		t.Fatalf("expected exist error, got %v", err)
	}
}

func TestDumpConfig(t *testing.T) {
	var buf bytes.Buffer
	if err := dumpConfig(&buf, cfgpkg.Defaults()); err != nil {
		t.Fatalf("dumpConfig: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "有效配置:\n{") {
		t.Fatalf("unexpected dump: %q", buf.String())
	}
}

func TestInitConfig(t *testing.T) {
	dir := inTempDir(t)
	outDir := filepath.Join(dir, "out")
	if code, _, errs := run("init-config", outDir); code != 0 {
		t.Fatalf("code %d: %s", code, errs)
	}
	if _, err := cfgpkg.LoadJSON(filepath.Join(outDir, "config.json"), nil); err != nil {
		t.Fatalf("config not generated: %v", err)
	}
	env, err := os.ReadFile(filepath.Join(outDir, ".env"))
	if err != nil {
		t.Fatalf(".env not generated: %v", err)
	}
	for _, want := range []string{"DOCKOREKSI_MODE=\n", "DOCKOREKSI_FAILURE_POLICY=\n", "GROQ_API_KEY=\n", "DOCKOREKSI_PROVIDER__groq__OPTIONS_JSON=\n"} {
		if !strings.Contains(string(env), want) {
			t.Fatalf(".env missing %q", want)
		}
	}
}

func TestInitConfigDefaultDir(t *testing.T) {
	dir := inTempDir(t)
	if code, _, _ := run("init-config"); code != 0 {
		t.Fatalf("code %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("config not generated: %v", err)
	}
}

func TestInitConfigFileExists(t *testing.T) {
	dir := inTempDir(t)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := run("init-config", dir); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunSuccess(t *testing.T) {
	inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{"-"}
	setConfigJSON(t, cfg)
	called := stubRun(t, func(_ context.Context, _ pipeline.Components, set pipeline.Settings, _ *diag.Logger) error {
		if set.Mode.Name != "General" || set.Policy != pipeline.FailFast {
			t.Errorf("settings = %+v", set)
		}
		if set.Usage == nil {
			t.Errorf("usage store not wired")
		}
		return nil
	})
	if code, _, errs := run(); code != 0 {
		t.Fatalf("code %d: %s", code, errs)
	}
	if !*called {
		t.Fatal("pipelineRun not called")
	}
}

func TestRunWithConfigFile(t *testing.T) {
	dir := inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{"-"}
	path := filepath.Join(dir, "cfg.json")
	if err := writeConfig(path, cfg); err != nil {
		t.Fatal(err)
	}
	called := stubRun(t, noop)
	if code, _, errs := run("--config", path); code != 0 {
		t.Fatalf("code %d: %s", code, errs)
	}
	if !*called {
		t.Fatal("pipelineRun not called")
	}
}

func TestRunDefaultConfigFile(t *testing.T) {
	dir := inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Mode = "DMT"
	if err := writeConfig(filepath.Join(dir, "config.json"), cfg); err != nil {
		t.Fatal(err)
	}
	stubRun(t, func(_ context.Context, _ pipeline.Components, set pipeline.Settings, _ *diag.Logger) error {
		if set.Mode.Name != "DMT" {
			t.Errorf("mode = %q", set.Mode.Name)
		}
		return nil
	})
	if code, _, errs := run("-"); code != 0 {
		t.Fatalf("code %d: %s", code, errs)
	}
}

func TestRunConfigFileEnv(t *testing.T) {
	dir := inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{"-"}
	path := filepath.Join(dir, "env.json")
	if err := writeConfig(path, cfg); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOCKOREKSI_CONFIG_FILE", path)
	called := stubRun(t, noop)
	if code, _, errs := run(); code != 0 || !*called {
		t.Fatalf("code %d called %v: %s", code, *called, errs)
	}
}

func TestRunConfigFileNotFound(t *testing.T) {
	inTempDir(t)
	if code, _, _ := run("--config", "missing.json"); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunValidateError(t *testing.T) {
	inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{"-"}
	cfg.LLM = ""
	cfg.Provider = map[string]cfgpkg.Provider{}
	setConfigJSON(t, cfg)
	code, _, errs := run()
	if code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
	if !strings.Contains(errs, "有效配置") {
		t.Fatalf("effective config not dumped: %s", errs)
	}
}

func TestRunUnknownMode(t *testing.T) {
	inTempDir(t)
	setConfigJSON(t, cfgpkg.DefaultTemplateConfig())
	if code, _, _ := run("--mode", "puisi", "-"); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunNoInputs(t *testing.T) {
	inTempDir(t)
	setConfigJSON(t, cfgpkg.DefaultTemplateConfig())
	stubRun(t, noop)
	if code, _, _ := run(); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunAssembleError(t *testing.T) {
	inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{"-"}
	cfg.Options.Reader = json.RawMessage(`{"unknown":1}`)
	setConfigJSON(t, cfg)
	if code, _, _ := run(); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunPipelineError(t *testing.T) {
	inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{"-"}
	setConfigJSON(t, cfg)
	stubRun(t, func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) error {
		return errors.New("boom")
	})
	code, _, errs := run()
	if code != 1 {
		t.Fatalf("expect 1, got %d", code)
	}
	if !strings.Contains(errs, "boom") {
		t.Fatalf("stderr = %q", errs)
	}
}

func TestRunCLIOverrides(t *testing.T) {
	inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.LLM = ""
	setConfigJSON(t, cfg)
	called := stubRun(t, func(_ context.Context, _ pipeline.Components, set pipeline.Settings, _ *diag.Logger) error {
		if set.Concurrency != 2 || set.MaxSegmentBytes != 500 || set.Policy != pipeline.Degrade || set.Mode.Name != "DMT" {
			t.Errorf("cli overrides not applied: %+v", set.Options)
		}
		if set.User.UserID != "9" || set.User.FirstName != "Rina" {
			t.Errorf("user = %+v", set.User)
		}
		return nil
	})
	code, _, errs := run("--llm", "mock", "--concurrency", "2", "--max-segment-bytes", "500",
		"--policy", "degrade", "--mode", "dmt", "--user-id", "9", "--user-name", "Rina", "-")
	if code != 0 || !*called {
		t.Fatalf("code %d called %v: %s", code, *called, errs)
	}
}

func TestMergeMaxRetries(t *testing.T) {
	inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.MaxRetries = 2
	setConfigJSON(t, cfg)

	got, err := mergeConfig(&globalFlags{maxRetries: -1}, nil)
	if err != nil || got.MaxRetries != 2 {
		t.Fatalf("unset flag: retries=%d err=%v", got.MaxRetries, err)
	}
	got, err = mergeConfig(&globalFlags{maxRetries: 0}, nil)
	if err != nil || got.MaxRetries != 0 {
		t.Fatalf("--max-retries 0: retries=%d err=%v", got.MaxRetries, err)
	}
	t.Setenv("DOCKOREKSI_MAX_RETRIES", "0")
	got, err = mergeConfig(&globalFlags{maxRetries: -1}, nil)
	if err != nil || got.MaxRetries != 0 {
		t.Fatalf("env 0: retries=%d err=%v", got.MaxRetries, err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	p := cfg.Provider["mock"]
	p.Options = json.RawMessage(`{"classification":"Surat Resmi","replace":{"adallah":"adalah"}}`)
	cfg.Provider["mock"] = p
	setConfigJSON(t, cfg)
	if err := os.WriteFile(filepath.Join(dir, "surat.txt"), []byte("Ini adallah tes."), 0o644); err != nil {
		t.Fatal(err)
	}
	if code, _, errs := run("--user-id", "5", "--user-name", "Ani", "surat.txt"); code != 0 {
		t.Fatalf("code %d: %s", code, errs)
	}
	got, err := os.ReadFile(filepath.Join(dir, "out", "corrected_surat.txt"))
	if err != nil || string(got) != "Ini adalah tes." {
		t.Fatalf("corrected = %q err=%v", got, err)
	}
	rep, err := os.ReadFile(filepath.Join(dir, "out", "corrected_surat.report.md"))
	if err != nil || !strings.Contains(string(rep), "Klasifikasi: Surat Resmi") {
		t.Fatalf("report = %q err=%v", rep, err)
	}

	code, out, errs := run("users")
	if code != 0 {
		t.Fatalf("users code %d: %s", code, errs)
	}
	if !strings.Contains(out, "Ani") || !strings.Contains(out, "Total: 1 pengguna") {
		t.Fatalf("users output:\n%s", out)
	}
}

func TestUsersJSON(t *testing.T) {
	dir := inTempDir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Usage.Path = filepath.Join(dir, "users.json")
	setConfigJSON(t, cfg)
	store, err := usage.NewFileStore(cfg.Usage.Path, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []usage.Visit{{UserID: "1", FirstName: "A", Mode: "DMT"}, {UserID: "1", FirstName: "A", Mode: "General"}} {
		if _, err := store.Track(context.Background(), v); err != nil {
			t.Fatal(err)
		}
	}
	code, out, errs := run("users", "--json")
	if code != 0 {
		t.Fatalf("code %d: %s", code, errs)
	}
	var got map[string]usage.Record
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if got["1"].UsageCount != 2 || got["1"].LastMode != "General" {
		t.Fatalf("record = %+v", got["1"])
	}
}

func TestPrintUsersOrder(t *testing.T) {
	var buf bytes.Buffer
	err := printUsers(&buf, map[string]usage.Record{
		"b": {FirstName: "Budi", UsageCount: 1},
		"a": {FirstName: "Ani", UsageCount: 3},
		"c": {FirstName: "Cici", UsageCount: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 || !strings.HasPrefix(lines[1], "a ") || !strings.HasPrefix(lines[2], "b ") || !strings.HasPrefix(lines[3], "c ") {
		t.Fatalf("unexpected table:\n%s", buf.String())
	}
}

func TestServeUsesAddrFlag(t *testing.T) {
	inTempDir(t)
	setConfigJSON(t, cfgpkg.DefaultTemplateConfig())
	var gotAddr string
	orig := serveHTTP
	serveHTTP = func(s *server.Server, _ context.Context, addr string) error {
		if s == nil || s.Handler() == nil {
			t.Error("server not built")
		}
		gotAddr = addr
		return nil
	}
	t.Cleanup(func() { serveHTTP = orig })
	if code, _, errs := run("serve", "--addr", "127.0.0.1:9999"); code != 0 {
		t.Fatalf("code %d: %s", code, errs)
	}
	if gotAddr != "127.0.0.1:9999" {
		t.Fatalf("addr = %q", gotAddr)
	}
}

func TestPreflightCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Defaults()
	cfg.Options.Writer = json.RawMessage(`{"output_dir":"` + filepath.ToSlash(filepath.Join(dir, "new")) + `"}`)
	if err := preflightCheckOutputDir(cfg); err != nil {
		t.Fatalf("missing dir under writable parent: %v", err)
	}
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Options.Writer = json.RawMessage(`{"output_dir":"` + filepath.ToSlash(file) + `"}`)
	if err := preflightCheckOutputDir(cfg); err == nil {
		t.Fatal("file as output dir should fail")
	}
	cfg.Components.Writer = "other"
	if err := preflightCheckOutputDir(cfg); err != nil {
		t.Fatalf("non-fs writer should skip: %v", err)
	}
}
