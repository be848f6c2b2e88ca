package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Terminal: 终端进度提示（非日志）。
// - TTY: 单行 \r 覆盖，状态标签着色；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	llm         string
	docsDone    int
	runStart    time.Time

	curDoc        string
	segmentsTotal int
	segmentsDone  int
	errCount      int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器；enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	if os.Getenv("CI") != "" {
		return t
	}
	if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

var tagColors = map[string]*color.Color{
	"ok":   color.New(color.FgGreen, color.Bold),
	"done": color.New(color.FgGreen),
	"fail": color.New(color.FgRed, color.Bold),
	"run":  color.New(color.FgCyan),
}

// tag 仅在 TTY 下着色。
func (t *Terminal) tag(name string) string {
	s := "[" + name + "]"
	if !t.isTTY {
		return s
	}
	if c, ok := tagColors[name]; ok {
		return c.Sprint(s)
	}
	return s
}

// RunStart: 记录运行上下文（并发、LLM）。
func (t *Terminal) RunStart(concurrency int, llm string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.llm = llm
	t.docsDone = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("%s 并发=%d | llm=%s", t.tag("run"), concurrency, safe(llm)))
}

// DocStart: 标记当前文档与分段数。
func (t *Terminal) DocStart(docID string, segments int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.curDoc = shortenBase(docID, 48)
	t.segmentsTotal = segments
	t.segmentsDone = 0
	t.errCount = 0
	if !t.isTTY {
		t.println(fmt.Sprintf("[doc] %s | 分段=%d", t.curDoc, segments))
	}
}

// DocProgress: 周期性进度（≥100ms 节流，仅 TTY）。
func (t *Terminal) DocProgress(done, total, errs int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	t.segmentsDone = done
	t.segmentsTotal = total
	t.errCount = errs
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[doc] %s | 进度 %d/%d | 失败 %d | 并发 %d | 用时 %s",
		t.curDoc, t.segmentsDone, t.segmentsTotal, t.errCount, t.concurrency, formatDur(time.Since(t.runStart))))
}

// DocFinish: 完成当前文档（清行后换行输出）。
func (t *Terminal) DocFinish(ok bool, classification string, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.docsDone++
	status := "done"
	if !ok {
		status = "fail"
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	line := fmt.Sprintf("%s %s | 分段 %d", t.tag(status), t.curDoc, t.segmentsTotal)
	if ok && classification != "" {
		line += " | 分类 " + safe(classification)
	}
	t.println(line + " | 总用时 " + formatDur(dur))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	status := "ok"
	if !ok {
		status = "fail"
	}
	t.println(fmt.Sprintf("%s 全部完成 | 文档 %d | 总用时 %s", t.tag(status), t.docsDone, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

// printInline: \r + 内容；新行较短时以空格覆盖旧尾。
func (t *Terminal) printInline(s string) {
	l := visLen(s)
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if t.lastLen > l {
		b.WriteString(strings.Repeat(" ", t.lastLen-l))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = l
}

// shortenBase: 取基名并按 rune 数截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	rs := []rune(filepath.Base(strings.TrimSpace(s)))
	if len(rs) <= max {
		return string(rs)
	}
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

// safe 避免换行等控制字符污染终端。
func safe(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
