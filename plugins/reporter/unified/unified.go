// Package unified 以统一 diff 格式（上下文 2 行）渲染原文与终稿的差异。
package unified

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"

	"dockoreksi/pkg/contract"
)

const (
	// NoChanges: 两文本去首尾空白后相等时的固定报告。
	NoChanges = "no significant changes"
	// NoLineChanges: 文本不同但统一 diff 无内容行时的报告。
	NoLineChanges = "no line-level differences detected"
)

// Options: diff 报告配置。
type Options struct {
	MaxLines int    `json:"max_lines,omitempty"` // 内容行上限，缺省 25
	Context  int    `json:"context,omitempty"`   // 上下文行数，缺省 2
	FromFile string `json:"from_file,omitempty"` // 缺省 "Teks Asli"
	ToFile   string `json:"to_file,omitempty"`   // 缺省 "Teks Koreksi"
}

// Reporter 实现 contract.Reporter；无状态，可并发使用。
type Reporter struct {
	o Options
}

func New(opts *Options) *Reporter {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.MaxLines <= 0 {
		o.MaxLines = 25
	}
	if o.Context <= 0 {
		o.Context = 2
	}
	if o.FromFile == "" {
		o.FromFile = "Teks Asli"
	}
	if o.ToFile == "" {
		o.ToFile = "Teks Koreksi"
	}
	return &Reporter{o: o}
}

// TruncationNotice 返回截断提示。
func (r *Reporter) TruncationNotice() string {
	return fmt.Sprintf("(diff truncated to the first %d lines)", r.o.MaxLines)
}

// Render 生成报告：去掉 ---/+++ 头与 @@ hunk 行，内容行超过上限时截断并附提示。
func (r *Reporter) Render(original, final string) contract.DiffReport {
	if strings.TrimSpace(original) == strings.TrimSpace(final) {
		return contract.DiffReport{Identical: true, Text: NoChanges}
	}
	lines := r.diffLines(original, final)
	rep := contract.DiffReport{Changes: r.wordChanges(original, final)}
	if len(lines) == 0 {
		rep.Text = NoLineChanges
		return rep
	}
	if len(lines) > r.o.MaxLines {
		lines = lines[:r.o.MaxLines]
		rep.Truncated = true
	}
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "+"):
			rep.Added++
		case strings.HasPrefix(l, "-"):
			rep.Removed++
		}
	}
	rep.Lines = lines

	var sb strings.Builder
	sb.WriteString("```diff\n")
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	sb.WriteString("```\n")
	if rep.Truncated {
		sb.WriteString(r.TruncationNotice())
		sb.WriteByte('\n')
	}
	rep.Text = sb.String()
	return rep
}

func (r *Reporter) diffLines(original, final string) []string {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(final),
		FromFile: r.o.FromFile,
		ToFile:   r.o.ToFile,
		Context:  r.o.Context,
	}
	s, err := difflib.GetUnifiedDiffString(ud)
	if err != nil || s == "" {
		return nil
	}
	raw := strings.SplitAfter(s, "\n")
	out := make([]string, 0, len(raw))
	header := 0
	for _, l := range raw {
		if l == "" {
			continue
		}
		// 仅前两行是文件头；正文中以 --- / +++ 开头的删除/新增行保留
		if header < 2 && (strings.HasPrefix(l, "--- ") || strings.HasPrefix(l, "+++ ")) {
			header++
			continue
		}
		if strings.HasPrefix(l, "@@") {
			continue
		}
		out = append(out, strings.TrimRight(l, "\r\n"))
	}
	return out
}

// wordChanges 以词为单位对齐，把相邻的删除/新增合并为一条替换。
func (r *Reporter) wordChanges(original, final string) []contract.WordChange {
	dmp := diffmatchpatch.New()
	a, b, arr := dmp.DiffLinesToChars(wordsAsLines(original), wordsAsLines(final))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), arr)

	var out []contract.WordChange
	var cur contract.WordChange
	flush := func() {
		if cur.From != "" || cur.To != "" {
			out = append(out, cur)
		}
		cur = contract.WordChange{}
	}
	for _, d := range diffs {
		words := strings.Join(strings.Fields(d.Text), " ")
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
		case diffmatchpatch.DiffDelete:
			if cur.To != "" {
				flush()
			}
			cur.From = joinWords(cur.From, words)
		case diffmatchpatch.DiffInsert:
			cur.To = joinWords(cur.To, words)
		}
		if len(out) >= r.o.MaxLines {
			return out
		}
	}
	flush()
	if len(out) > r.o.MaxLines {
		out = out[:r.o.MaxLines]
	}
	return out
}

func wordsAsLines(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return strings.Join(f, "\n") + "\n"
}

func joinWords(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}

var _ contract.Reporter = (*Reporter)(nil)
