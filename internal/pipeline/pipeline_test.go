package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"dockoreksi/internal/usage"
	"dockoreksi/pkg/contract"
	"dockoreksi/plugins/extractor/document"
	rfs "dockoreksi/plugins/reader/filesystem"
	wfs "dockoreksi/plugins/writer/filesystem"
)

func batchComponents(t *testing.T, mockOpts string, mem afero.Fs) Components {
	t.Helper()
	w, err := wfs.NewWithFs(mem, &wfs.Options{OutputDir: "/out"})
	if err != nil {
		t.Fatal(err)
	}
	return Components{
		Engine:    mockEngine(t, mockOpts),
		Reader:    rfs.New(nil),
		Extractor: document.New(nil),
		Writer:    w,
	}
}

func writeInput(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func readMem(t *testing.T, fs afero.Fs, p string) string {
	t.Helper()
	b, err := afero.ReadFile(fs, p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(b)
}

func TestRunWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	in := writeInput(t, dir, "surat.txt", "Ini adallah tes.")
	mem := afero.NewMemMapFs()
	store, err := usage.NewFileStore(filepath.Join(dir, "users.json"), 0)
	if err != nil {
		t.Fatal(err)
	}
	comp := batchComponents(t, `{"classification":"Artikel","replace":{"adallah":"adalah"}}`, mem)
	set := Settings{
		Inputs:  []string{in},
		Mode:    general,
		Options: Options{MaxSegmentBytes: 12000, Concurrency: 2},
		Usage:   store,
		User:    usage.Visit{UserID: "42", FirstName: "Sari"},
	}
	if err := Run(context.Background(), comp, set, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := readMem(t, mem, "/out/corrected_surat.txt"); got != "Ini adalah tes." {
		t.Fatalf("corrected = %q", got)
	}
	rep := readMem(t, mem, "/out/corrected_surat.report.md")
	for _, want := range []string{"Klasifikasi: Artikel", "Mode: General", "```diff", "+Ini adalah tes."} {
		if !strings.Contains(rep, want) {
			t.Fatalf("report missing %q:\n%s", want, rep)
		}
	}
	rec, ok, err := store.Get(context.Background(), "42")
	if err != nil || !ok {
		t.Fatalf("usage get: ok=%v err=%v", ok, err)
	}
	if rec.UsageCount != 1 || rec.LastMode != "General" || rec.Username != "N/A" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRunFailureLeavesNoArtifacts(t *testing.T) {
	dir := t.TempDir()
	in := writeInput(t, dir, "a.txt", "Satu.\n\nDua.\n")
	mem := afero.NewMemMapFs()
	comp := batchComponents(t, `{"fail_segments":[1]}`, mem)
	set := Settings{Inputs: []string{in}, Mode: general, Options: Options{MaxSegmentBytes: 6, Concurrency: 1}}
	err := Run(context.Background(), comp, set, nil)
	var f *Failure
	if !errors.As(err, &f) || f.Segment != 1 {
		t.Fatalf("want failure on segment 1, got %v", err)
	}
	if ok, _ := afero.DirExists(mem, "/out"); ok {
		entries, _ := afero.ReadDir(mem, "/out")
		if len(entries) != 0 {
			t.Fatalf("artifacts left behind: %d", len(entries))
		}
	}
}

func TestRunExtractionFailure(t *testing.T) {
	dir := t.TempDir()
	mem := afero.NewMemMapFs()
	in := writeInput(t, dir, "rusak.pdf", "bukan pdf")
	comp := batchComponents(t, `{}`, mem)
	err := Run(context.Background(), comp, Settings{Inputs: []string{in}, Mode: general, Options: Options{Concurrency: 1}}, nil)
	var xerr *contract.ExtractionError
	if !errors.As(err, &xerr) {
		t.Fatalf("want ExtractionError, got %v", err)
	}
}

func TestRunInputTooLarge(t *testing.T) {
	dir := t.TempDir()
	in := writeInput(t, dir, "besar.txt", strings.Repeat("a", 100))
	comp := batchComponents(t, `{}`, afero.NewMemMapFs())
	err := Run(context.Background(), comp, Settings{Inputs: []string{in}, Mode: general, MaxInputBytes: 10}, nil)
	if !errors.Is(err, ErrInputTooLarge) {
		t.Fatalf("want ErrInputTooLarge, got %v", err)
	}
}

func TestRunSanity(t *testing.T) {
	comp := batchComponents(t, `{}`, afero.NewMemMapFs())
	if err := Run(context.Background(), comp, Settings{Mode: general}, nil); err == nil {
		t.Fatal("empty inputs should fail")
	}
	if err := Run(context.Background(), comp, Settings{Inputs: []string{"x"}}, nil); !errors.Is(err, contract.ErrUnknownMode) {
		t.Fatalf("want ErrUnknownMode, got %v", err)
	}
	if err := Run(context.Background(), comp, Settings{Inputs: []string{"x"}, Mode: general, Options: Options{Policy: "x"}}, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	comp.Writer = nil
	if err := Run(context.Background(), comp, Settings{Inputs: []string{"x"}, Mode: general}, nil); err == nil {
		t.Fatal("missing writer should fail")
	}
}

func TestArtifactStem(t *testing.T) {
	cases := map[contract.FileID]string{
		"surat.pdf":     "surat",
		"docs/lap.docx": "docs/lap",
		"stdin":         "stdin",
		"docs/.env":     "docs/.env",
		"a.b/catatan":   "a.b/catatan",
		"arsip.tar.txt": "arsip.tar",
	}
	for in, want := range cases {
		if got := ArtifactStem(in); got != want {
			t.Fatalf("%q -> %q, want %q", in, got, want)
		}
	}
}

func TestRenderMarkdownDegraded(t *testing.T) {
	out := &Outcome{DocID: "a.txt", Classification: "Unknown", Segments: 3, Degraded: []int{0, 2},
		Report: contract.DiffReport{Identical: true, Text: "no significant changes"}}
	md := RenderMarkdown(out, general)
	if !strings.Contains(md, "Segmen tanpa koreksi AI: 0, 2") || !strings.HasSuffix(md, "no significant changes\n") {
		t.Fatalf("markdown:\n%s", md)
	}
}
