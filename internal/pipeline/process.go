package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dockoreksi/internal/diag"
	"dockoreksi/pkg/contract"
)

// 单文档处理被建模为显式状态机：
//   Segmenting → Correcting → Reassembling → SpellChecking → Diffing → Done
// Failed 仅能由 Segmenting/Correcting/Reassembling 进入；拼写阶段永不失败。
// 状态以值传递，step 只读入参、返回新状态，便于逐个转移单测与续跑。

// Stage 是单文档状态机的阶段。
type Stage int

const (
	StageSegmenting Stage = iota
	StageCorrecting
	StageReassembling
	StageSpellChecking
	StageDiffing
	StageDone
	StageFailed
)

var stageNames = [...]string{"segmenting", "correcting", "reassembling", "spellchecking", "diffing", "done", "failed"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "stage(" + strconv.Itoa(int(s)) + ")"
	}
	return stageNames[s]
}

func (s Stage) terminal() bool { return s == StageDone || s == StageFailed }

// Policy 决定单段失败后整篇文档的走向，对全部分段一致生效。
type Policy string

const (
	// FailFast: 任一分段失败即中止整篇。
	FailFast Policy = "fail_fast"
	// Degrade: 失败分段以原文替代，继续完成。
	Degrade Policy = "degrade"
)

// ParsePolicy 解析配置值；空串为 FailFast。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", FailFast:
		return FailFast, nil
	case Degrade:
		return Degrade, nil
	}
	return "", fmt.Errorf("%w: failure policy %q", contract.ErrInvalidInput, s)
}

// Engine 聚合单文档处理所需组件。
type Engine struct {
	Segmenter contract.Segmenter
	Corrector contract.Corrector
	Assembler contract.Assembler
	Speller   contract.SpellChecker
	Reporter  contract.Reporter
}

// Options 单文档处理参数。
type Options struct {
	MaxSegmentBytes int
	// Concurrency: 同时在途的纠错调用上限（>=1）。
	Concurrency int
	Policy      Policy
}

// State 是某一时刻的文档处理状态。
// Results 与 Segments 等长，nil 表示该段尚未取得结果。
type State struct {
	Stage          Stage
	Doc            contract.Document
	Segments       []contract.Segment
	Results        []*contract.CorrectionResult
	Degraded       []int
	Draft          string
	Final          string
	Classification string
	Report         contract.DiffReport
	Failure        *Failure
}

// Failure 是文档级硬失败，指明阶段与（如有）分段。
type Failure struct {
	Stage   Stage
	Segment int // -1 表示与具体分段无关
	Kind    contract.ErrorKind
	Err     error
}

func (f *Failure) Error() string {
	if f.Segment >= 0 {
		if f.Kind != "" {
			return fmt.Sprintf("%s: segment %d: %s failure: %v", f.Stage, f.Segment, f.Kind, f.Err)
		}
		return fmt.Sprintf("%s: segment %d: %v", f.Stage, f.Segment, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Outcome 是 Done 状态对外可见的部分。
type Outcome struct {
	DocID          contract.FileID
	Final          string
	Classification string
	Report         contract.DiffReport
	Segments       int
	Degraded       []int
}

// NewState 返回文档的初始状态。
func NewState(doc contract.Document) State {
	return State{Stage: StageSegmenting, Doc: doc}
}

// Process 驱动状态机至终态。
// 调用方取消时返回 ctx 错误；其余硬失败返回 *Failure。
func Process(ctx context.Context, eng Engine, doc contract.Document, opts Options, logger *diag.Logger) (*Outcome, error) {
	if err := eng.sanity(); err != nil {
		return nil, err
	}
	st := NewState(doc)
	for !st.Stage.terminal() {
		st = step(ctx, eng, opts, logger, st)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.Stage == StageFailed {
		return nil, st.Failure
	}
	return &Outcome{
		DocID:          doc.ID,
		Final:          st.Final,
		Classification: st.Classification,
		Report:         st.Report,
		Segments:       len(st.Segments),
		Degraded:       st.Degraded,
	}, nil
}

func (e Engine) sanity() error {
	if e.Segmenter == nil || e.Corrector == nil || e.Assembler == nil || e.Speller == nil || e.Reporter == nil {
		return errors.New("pipeline: missing components")
	}
	return nil
}

// step 执行一次转移。
func step(ctx context.Context, eng Engine, opts Options, logger *diag.Logger, st State) State {
	if err := ctx.Err(); err != nil && !st.Stage.terminal() {
		return fail(st, -1, "", err)
	}
	switch st.Stage {
	case StageSegmenting:
		return segmenting(ctx, eng, opts, logger, st)
	case StageCorrecting:
		return correcting(ctx, eng, opts, logger, st)
	case StageReassembling:
		return reassembling(ctx, eng, logger, st)
	case StageSpellChecking:
		return spellChecking(ctx, eng, logger, st)
	case StageDiffing:
		st.Report = eng.Reporter.Render(st.Doc.Text, st.Final)
		diag.IncOp("reporter", "finish", "success")
		st.Stage = StageDone
		return st
	}
	return st
}

func fail(st State, seg int, kind contract.ErrorKind, err error) State {
	st.Failure = &Failure{Stage: st.Stage, Segment: seg, Kind: kind, Err: err}
	st.Stage = StageFailed
	return st
}

func segmenting(ctx context.Context, eng Engine, opts Options, logger *diag.Logger, st State) State {
	docID := string(st.Doc.ID)
	timer := logger.StartWith("segmenter", "segment", docID, "")
	segs, err := eng.Segmenter.Segment(ctx, st.Doc.Text, opts.MaxSegmentBytes)
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("segmenter", string(code), "segment failed", nil, docID, "")
		diag.IncOp("segmenter", "error", "error")
		return fail(st, -1, "", fmt.Errorf("segmenter segment: %w", err))
	}
	timer.Finish("segment", int64(len(segs)))
	diag.IncOp("segmenter", "finish", "success")
	diag.GetTerminal().DocStart(docID, len(segs))
	st.Segments = segs
	st.Results = make([]*contract.CorrectionResult, len(segs))
	st.Stage = StageCorrecting
	return st
}

// correcting 派发所有尚无结果的分段，结果按 Index 写回。
// 并发只影响完成顺序，不影响合并顺序与分类来源。
func correcting(ctx context.Context, eng Engine, opts Options, logger *diag.Logger, st State) State {
	docID := string(st.Doc.ID)
	total := len(st.Segments)
	results := append([]*contract.CorrectionResult(nil), st.Results...)

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var done, errs atomic.Int64
	for i := range results {
		if results[i] != nil {
			done.Add(1)
		}
	}
	term := diag.GetTerminal()
	for i, seg := range st.Segments {
		if results[i] != nil {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r := eng.Corrector.Correct(gctx, st.Doc.ID, seg, st.Doc.Mode)
			results[i] = &r
			d := done.Add(1)
			if !r.OK() {
				errs.Add(1)
			}
			term.DocProgress(int(d), total, int(errs.Load()))
			if !r.OK() && opts.Policy != Degrade {
				return r.Err
			}
			return nil
		})
	}
	_ = g.Wait()
	st.Results = results

	if err := ctx.Err(); err != nil {
		return fail(st, -1, "", err)
	}

	if opts.Policy == Degrade {
		for i, r := range results {
			if r == nil || r.OK() {
				continue
			}
			logger.WarnWithKV("pipeline", string(diag.Classify(r.Err)), "segment degraded to original text", docID, diag.SegmentID(i), map[string]string{
				"kind":  string(r.Err.Kind),
				"cause": r.Err.Error(),
			})
			diag.IncOp("pipeline", "degrade", "error")
			results[i] = &contract.CorrectionResult{Index: st.Segments[i].Index, Text: st.Segments[i].Text, Attempts: r.Attempts}
			st.Degraded = append(st.Degraded, i)
		}
	} else {
		// 首个真实失败（按 Index 最小）；被组取消波及的分段不计。
		for i, r := range results {
			if r == nil || r.OK() || errors.Is(r.Err, context.Canceled) {
				continue
			}
			logger.ErrorWithKV("pipeline", string(diag.Classify(r.Err)), "segment failed, aborting document", nil, docID, diag.SegmentID(i), map[string]string{
				"kind": string(r.Err.Kind),
			})
			diag.IncOp("pipeline", "abort", "error")
			return fail(st, i, r.Err.Kind, r.Err.Err)
		}
	}

	for i, r := range results {
		if r == nil {
			return fail(st, i, "", fmt.Errorf("%w: segment %d unresolved", contract.ErrInvariantViolation, i))
		}
	}
	st.Classification = contract.LabelUnknown
	if len(results) > 0 {
		st.Classification = st.Doc.Mode.Normalize(results[0].Classification)
	}
	st.Stage = StageReassembling
	return st
}

func reassembling(ctx context.Context, eng Engine, logger *diag.Logger, st State) State {
	docID := string(st.Doc.ID)
	if len(st.Results) == 0 {
		// 全空白文档：无分段，原样进入后续阶段。
		st.Draft = st.Doc.Text
		st.Stage = StageSpellChecking
		return st
	}
	timer := logger.StartWith("assembler", "assemble", docID, "")
	vals := make([]contract.CorrectionResult, len(st.Results))
	for i, r := range st.Results {
		vals[i] = *r
	}
	rd, err := eng.Assembler.Assemble(ctx, st.Doc.ID, vals)
	if err == nil {
		var b []byte
		b, err = io.ReadAll(rd)
		st.Draft = string(b)
	}
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("assembler", string(code), "assemble failed", nil, docID, "")
		diag.IncOp("assembler", "error", "error")
		return fail(st, -1, "", fmt.Errorf("assembler assemble: %w", err))
	}
	timer.Finish("assemble", int64(len(vals)))
	diag.IncOp("assembler", "finish", "success")
	st.Stage = StageSpellChecking
	return st
}

// spellChecking 是失败开放的边界：出错或 panic 时终稿等于草稿。
func spellChecking(ctx context.Context, eng Engine, logger *diag.Logger, st State) State {
	docID := string(st.Doc.ID)
	start := time.Now()
	out, err := respellSafe(ctx, eng.Speller, st.Draft)
	if err != nil {
		logger.WarnWithKV("speller", string(diag.CodeSpell), "spell pass skipped", docID, "", map[string]string{"cause": err.Error()})
		diag.IncOp("speller", "error", "error")
		diag.IncError("speller", string(diag.CodeSpell))
		out = st.Draft
	} else {
		logger.InfoFinish("speller", "respell", start, 0)
		diag.IncOp("speller", "finish", "success")
	}
	st.Final = out
	st.Stage = StageDiffing
	return st
}

func respellSafe(ctx context.Context, sp contract.SpellChecker, text string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = text, fmt.Errorf("speller panic: %v", r)
		}
	}()
	out, err = sp.Respell(ctx, text)
	if err != nil {
		return text, err
	}
	return out, nil
}
