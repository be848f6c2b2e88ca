package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dockoreksi/internal/correct"
	"dockoreksi/pkg/contract"
	"dockoreksi/plugins/assembler/linear"
	"dockoreksi/plugins/decoder/correction"
	"dockoreksi/plugins/llmclient/mock"
	"dockoreksi/plugins/prompt/proofread"
	"dockoreksi/plugins/reporter/unified"
	"dockoreksi/plugins/segmenter/paragraph"
	"dockoreksi/plugins/speller/fuzzy"
	"dockoreksi/plugins/speller/none"
)

var general = contract.Mode{Name: "General", Labels: []string{"Surat Resmi", "Laporan", "Artikel", "Pendidikan", "Catatan Pribadi", "Lainnya"}}

// 桩件 ----------------------------------------------------------

// scriptCorrector 按 Index 决定结果；可选延迟与失败。
type scriptCorrector struct {
	label   func(i contract.Index) string
	delay   func(i contract.Index) time.Duration
	fail    map[contract.Index]contract.ErrorKind
	honour  bool // 是否在延迟期间响应取消
	calls   atomic.Int64
	mu      sync.Mutex
	touched []contract.Index
}

func (s *scriptCorrector) Correct(ctx context.Context, _ contract.FileID, seg contract.Segment, _ contract.Mode) contract.CorrectionResult {
	s.calls.Add(1)
	s.mu.Lock()
	s.touched = append(s.touched, seg.Index)
	s.mu.Unlock()
	if s.delay != nil {
		d := s.delay(seg.Index)
		if s.honour {
			select {
			case <-ctx.Done():
				return contract.CorrectionResult{Index: seg.Index, Attempts: 1, Err: &contract.CorrectionError{Kind: contract.KindTransport, Index: seg.Index, Err: ctx.Err()}}
			case <-time.After(d):
			}
		} else {
			time.Sleep(d)
		}
	}
	if k, ok := s.fail[seg.Index]; ok {
		return contract.CorrectionResult{Index: seg.Index, Attempts: 1, Err: &contract.CorrectionError{Kind: k, Index: seg.Index, Err: fmt.Errorf("scripted %d", seg.Index)}}
	}
	r := contract.CorrectionResult{Index: seg.Index, Text: strings.ToUpper(seg.Text), Attempts: 1}
	if s.label != nil {
		r.Classification = s.label(seg.Index)
	}
	return r
}

type panicSpeller struct{}

func (panicSpeller) Respell(context.Context, string) (string, error) { panic("boom") }

type errSpeller struct{}

func (errSpeller) Respell(_ context.Context, text string) (string, error) {
	return text + "!!", errors.New("dictionary unavailable")
}

func mustSeg(t *testing.T) contract.Segmenter {
	t.Helper()
	s, err := paragraph.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func engineWith(t *testing.T, c contract.Corrector) Engine {
	t.Helper()
	asm, _ := linear.New(nil)
	return Engine{
		Segmenter: mustSeg(t),
		Corrector: c,
		Assembler: asm,
		Speller:   none.New(),
		Reporter:  unified.New(nil),
	}
}

func mockEngine(t *testing.T, mockOpts string) Engine {
	t.Helper()
	llm, err := mock.New(json.RawMessage(mockOpts))
	if err != nil {
		t.Fatal(err)
	}
	pb, err := proofread.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := correction.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	cc, err := correct.New(pb, llm, dec, correct.Options{MaxRetries: 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	eng := engineWith(t, cc)
	sp, err := fuzzy.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	eng.Speller = sp
	return eng
}

// 三段文本，每段约 30 字节。
const threeParas = "Paragraf pertama ada di sini.\n\nParagraf kedua ada di sini.\n\nParagraf ketiga ada di sini.\n"

// 测试 ----------------------------------------------------------

func TestProcessEndToEnd(t *testing.T) {
	eng := mockEngine(t, `{"classification":"Artikel","replace":{"adallah":"adalah"}}`)
	doc := contract.Document{ID: "tes.txt", Text: "Ini adallah tes.", Mode: general}
	out, err := Process(context.Background(), eng, doc, Options{MaxSegmentBytes: 12000, Concurrency: 2}, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Final != "Ini adalah tes." {
		t.Fatalf("final = %q", out.Final)
	}
	if out.Classification != "Artikel" {
		t.Fatalf("classification = %q", out.Classification)
	}
	if out.Segments != 1 || len(out.Degraded) != 0 {
		t.Fatalf("segments=%d degraded=%v", out.Segments, out.Degraded)
	}
	rep := out.Report
	if rep.Identical || rep.Added != 1 || rep.Removed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if !strings.Contains(rep.Text, "-Ini adallah tes.") || !strings.Contains(rep.Text, "+Ini adalah tes.") {
		t.Fatalf("report text:\n%s", rep.Text)
	}
}

func TestProcessParseFailureFailFast(t *testing.T) {
	eng := mockEngine(t, `{"classification":"Artikel","invalid_segments":[0]}`)
	doc := contract.Document{ID: "x.txt", Text: "Ini adallah tes.", Mode: general}
	_, err := Process(context.Background(), eng, doc, Options{MaxSegmentBytes: 12000, Concurrency: 1, Policy: FailFast}, nil)
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("want *Failure, got %v", err)
	}
	if f.Stage != StageCorrecting || f.Segment != 0 || f.Kind != contract.KindParse {
		t.Fatalf("failure = %+v", f)
	}
	if !strings.Contains(f.Error(), "segment 0") {
		t.Fatalf("message should name the segment: %q", f.Error())
	}
}

func TestProcessParseFailureDegrade(t *testing.T) {
	eng := mockEngine(t, `{"classification":"Artikel","invalid_segments":[0]}`)
	doc := contract.Document{ID: "x.txt", Text: "Ini adallah tes.", Mode: general}
	out, err := Process(context.Background(), eng, doc, Options{MaxSegmentBytes: 12000, Concurrency: 1, Policy: Degrade}, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Classification != contract.LabelUnknown {
		t.Fatalf("classification = %q", out.Classification)
	}
	// 拼写兜底会修正 adallah，因此以草稿（=原文）为准比较段内容需关闭 speller
	eng.Speller = none.New()
	out, err = Process(context.Background(), eng, doc, Options{MaxSegmentBytes: 12000, Concurrency: 1, Policy: Degrade}, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Final != doc.Text {
		t.Fatalf("degraded final = %q", out.Final)
	}
	if len(out.Degraded) != 1 || out.Degraded[0] != 0 {
		t.Fatalf("degraded = %v", out.Degraded)
	}
	if out.Report.Text != unified.NoChanges {
		t.Fatalf("report = %q", out.Report.Text)
	}
}

func TestProcessDegradeKeepsSegmentPosition(t *testing.T) {
	sc := &scriptCorrector{fail: map[contract.Index]contract.ErrorKind{1: contract.KindTransport}}
	eng := engineWith(t, sc)
	doc := contract.Document{ID: "d", Text: threeParas, Mode: general}
	out, err := Process(context.Background(), eng, doc, Options{MaxSegmentBytes: 40, Concurrency: 3, Policy: Degrade}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "PARAGRAF PERTAMA ADA DI SINI.\n\nParagraf kedua ada di sini.\n\nPARAGRAF KETIGA ADA DI SINI.\n"
	if out.Final != want {
		t.Fatalf("final:\n%q\nwant:\n%q", out.Final, want)
	}
}

func TestProcessClassificationOnlyFromFirst(t *testing.T) {
	sc := &scriptCorrector{
		label: func(i contract.Index) string {
			if i == 0 {
				return "  laporan "
			}
			return "Artikel"
		},
		// 首段最慢完成
		delay: func(i contract.Index) time.Duration { return time.Duration(3-i) * 10 * time.Millisecond },
	}
	eng := engineWith(t, sc)
	doc := contract.Document{ID: "d", Text: threeParas, Mode: general}
	out, err := Process(context.Background(), eng, doc, Options{MaxSegmentBytes: 40, Concurrency: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Classification != "Laporan" {
		t.Fatalf("classification = %q", out.Classification)
	}
	if out.Final != strings.ToUpper(threeParas) {
		t.Fatalf("order broken: %q", out.Final)
	}
}

func TestProcessOutOfSetLabel(t *testing.T) {
	for _, label := range []string{"", "   ", "Puisi"} {
		sc := &scriptCorrector{label: func(contract.Index) string { return label }}
		out, err := Process(context.Background(), engineWith(t, sc), contract.Document{ID: "d", Text: "satu", Mode: general}, Options{Concurrency: 1}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if out.Classification != contract.LabelUnknown {
			t.Fatalf("label %q -> %q", label, out.Classification)
		}
	}
}

func TestProcessFailFastLowestIndex(t *testing.T) {
	text := strings.Repeat("Baris paragraf ini cukup panjang.\n\n", 6)
	sc := &scriptCorrector{
		fail: map[contract.Index]contract.ErrorKind{2: contract.KindParse, 5: contract.KindTransport},
		delay: func(i contract.Index) time.Duration {
			if i == 2 {
				return 30 * time.Millisecond
			}
			return 0
		},
	}
	eng := engineWith(t, sc)
	_, err := Process(context.Background(), eng, contract.Document{ID: "d", Text: text, Mode: general}, Options{MaxSegmentBytes: 40, Concurrency: 8}, nil)
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("want *Failure, got %v", err)
	}
	if f.Segment != 2 || f.Kind != contract.KindParse {
		t.Fatalf("failure = %+v", f)
	}
}

func TestProcessFailFastStopsDispatch(t *testing.T) {
	text := strings.Repeat("Baris paragraf ini cukup panjang.\n\n", 10)
	sc := &scriptCorrector{fail: map[contract.Index]contract.ErrorKind{0: contract.KindTransport}}
	eng := engineWith(t, sc)
	_, err := Process(context.Background(), eng, contract.Document{ID: "d", Text: text, Mode: general}, Options{MaxSegmentBytes: 40, Concurrency: 1}, nil)
	if err == nil {
		t.Fatal("want error")
	}
	if n := sc.calls.Load(); n >= 10 {
		t.Fatalf("dispatch did not stop: %d calls", n)
	}
}

func TestProcessCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &scriptCorrector{honour: true, delay: func(contract.Index) time.Duration { return time.Minute }}
	eng := engineWith(t, sc)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Process(ctx, eng, contract.Document{ID: "d", Text: threeParas, Mode: general}, Options{MaxSegmentBytes: 40, Concurrency: 2, Policy: Degrade}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestProcessSpellFailOpen(t *testing.T) {
	for name, sp := range map[string]contract.SpellChecker{"panic": panicSpeller{}, "error": errSpeller{}} {
		t.Run(name, func(t *testing.T) {
			eng := engineWith(t, &scriptCorrector{})
			eng.Speller = sp
			out, err := Process(context.Background(), eng, contract.Document{ID: "d", Text: "halo dunia", Mode: general}, Options{Concurrency: 1}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if out.Final != "HALO DUNIA" {
				t.Fatalf("final = %q", out.Final)
			}
		})
	}
}

func TestProcessWhitespaceOnly(t *testing.T) {
	sc := &scriptCorrector{}
	out, err := Process(context.Background(), engineWith(t, sc), contract.Document{ID: "d", Text: " \n\n ", Mode: general}, Options{Concurrency: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Final != " \n\n " || out.Segments != 0 || out.Classification != contract.LabelUnknown {
		t.Fatalf("outcome = %+v", out)
	}
	if sc.calls.Load() != 0 {
		t.Fatal("no correction call expected")
	}
}

func TestStepResumesMissingOnly(t *testing.T) {
	sc := &scriptCorrector{}
	eng := engineWith(t, sc)
	st := NewState(contract.Document{ID: "d", Text: threeParas, Mode: general})
	st = step(context.Background(), eng, Options{MaxSegmentBytes: 40, Concurrency: 1}, nil, st)
	if st.Stage != StageCorrecting || len(st.Segments) != 3 {
		t.Fatalf("after segmenting: stage=%s segs=%d", st.Stage, len(st.Segments))
	}
	pre := contract.CorrectionResult{Index: 1, Text: "SUDAH\n\n"}
	st.Results[1] = &pre
	st = step(context.Background(), eng, Options{Concurrency: 1}, nil, st)
	if st.Stage != StageReassembling {
		t.Fatalf("stage = %s", st.Stage)
	}
	if sc.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", sc.calls.Load())
	}
	for _, i := range sc.touched {
		if i == 1 {
			t.Fatal("segment 1 was re-dispatched")
		}
	}
	for st.Stage != StageDone {
		st = step(context.Background(), eng, Options{}, nil, st)
	}
	if !strings.Contains(st.Final, "SUDAH") {
		t.Fatalf("final = %q", st.Final)
	}
}

func TestStageString(t *testing.T) {
	if StageSpellChecking.String() != "spellchecking" || Stage(42).String() != "stage(42)" {
		t.Fatal("stage names")
	}
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{"": FailFast, "fail_fast": FailFast, "degrade": Degrade}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("%q -> %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("retry"); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}
