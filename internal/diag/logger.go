package diag

import (
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) charm() charmlog.Level {
	switch l {
	case Debug:
		return charmlog.DebugLevel
	case Warn:
		return charmlog.WarnLevel
	case Error:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Logger 为结构化事件日志器：每个事件一行 JSON，带 corr_id。
type Logger struct {
	level Level
	base  *charmlog.Logger
	sink  io.Closer
}

// NewLogger 按 level 初始化，写入 logs/ 目录，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(sink, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 将事件写到任意 io.Writer。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	base := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           lvl.charm(),
	})
	base.SetFormatter(charmlog.JSONFormatter)
	return &Logger{level: lvl, base: base.With("corr_id", corrID)}
}

// Close 关闭底层轮转文件（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Comp    string
	Stage   string // start|finish|error|warn
	Code    string
	DurMS   int64
	Count   int64
	DocID   string
	Segment string
	Msg     string
	KV      map[string]string
}

func (ev Event) keyvals() []any {
	kv := []any{"comp", ev.Comp, "stage", ev.Stage}
	if ev.Code != "" {
		kv = append(kv, "code", ev.Code)
	}
	if ev.DurMS != 0 {
		kv = append(kv, "dur_ms", ev.DurMS)
	}
	if ev.Count != 0 {
		kv = append(kv, "count", ev.Count)
	}
	if ev.DocID != "" {
		kv = append(kv, "doc_id", ev.DocID)
	}
	if ev.Segment != "" {
		kv = append(kv, "segment", ev.Segment)
	}
	// 键排序，保证输出稳定
	keys := make([]string, 0, len(ev.KV))
	for k := range ev.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, ev.KV[k])
	}
	return kv
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || l.base == nil || lv < l.level {
		return
	}
	l.base.Log(lv.charm(), ev.Msg, ev.keyvals()...)
}

// SegmentID 将分段序号格式化为日志字段。
func SegmentID(i int) string { return strconv.Itoa(i) }

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 doc_id/segment 的 start。
func (l *Logger) StartWith(comp, msg, docID, seg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", DocID: docID, Segment: seg, Msg: msg})
	return &Timer{l: l, comp: comp, docID: docID, seg: seg, t0: time.Now()}
}

// StartWithKV 记录带 doc_id/segment 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, docID, seg string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", DocID: docID, Segment: seg, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, docID: docID, seg: seg, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 doc_id/segment。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, docID, seg string) {
	l.ErrorWithKV(comp, code, msg, durSince, docID, seg, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、模型原始响应片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, docID, seg string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, DocID: docID, Segment: seg, KV: kv})
}

// WarnWithKV 记录可恢复的失败（降级、拼写兜底）。
func (l *Logger) WarnWithKV(comp, code, msg, docID, seg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, DocID: docID, Segment: seg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// FinishWithKV 记录带键值的 finish（例如 HTTP 请求的方法、路径、状态码）。
func (l *Logger) FinishWithKV(comp, msg, docID string, start time.Time, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), DocID: docID, Msg: msg, KV: kv})
}

// DebugStart 输出调试级别的 start 类事件（仅 level=debug 生效）。
func (l *Logger) DebugStart(comp, msg, docID, seg string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", DocID: docID, Segment: seg, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	docID string
	seg   string
	t0    time.Time
}

// Finish 记录 finish 并上报耗时；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, "finish", dur)
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, DocID: t.docID, Segment: t.seg, Msg: msg})
}
