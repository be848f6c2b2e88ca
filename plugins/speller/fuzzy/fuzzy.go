// Package fuzzy 提供基于本地词表的离线拼写兜底（sajari/fuzzy）。
package fuzzy

import (
	"bufio"
	_ "embed"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	sfuzzy "github.com/sajari/fuzzy"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"dockoreksi/pkg/contract"
)

//go:embed words_id.txt
var builtinWords string

// 词首/词尾剥离的标点集合。
const punct = ".,!?;:()[]{}\"'“”‘’"

// Options: 本地拼写兜底配置。
type Options struct {
	// DictionaryPath: 额外词表（每行 "词 [词频]"，# 开头为注释），与内置词表合并。
	DictionaryPath string `json:"dictionary_path,omitempty"`
	// MinLength: 短于该长度（rune）的词不检查；缺省 6。
	MinLength int `json:"min_length,omitempty"`
	// Depth: 编辑距离上限；缺省 1。
	Depth int `json:"depth,omitempty"`
}

// Speller 实现 contract.SpellChecker。
//
// 只替换"手误"形态的词：漏一个字母、重复一个字母、相邻字母互换。
// 候选不唯一且词频无法区分时保持原词。
type Speller struct {
	model  *sfuzzy.Model
	known  map[string]struct{}
	minLen int
	depth  int
	lower  cases.Caser
	upper  cases.Caser
}

var tokenRe = regexp.MustCompile(`\S+`)

// New 训练词表模型。
func New(opts *Options) (*Speller, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.MinLength <= 0 {
		o.MinLength = 6
	}
	if o.Depth <= 0 {
		o.Depth = 1
	}
	words := readWords(strings.NewReader(builtinWords))
	if o.DictionaryPath != "" {
		f, err := os.Open(o.DictionaryPath)
		if err != nil {
			return nil, fmt.Errorf("speller dictionary: %w", err)
		}
		words = append(words, readWords(f)...)
		_ = f.Close()
	}
	s := &Speller{
		known:  make(map[string]struct{}, len(words)),
		minLen: o.MinLength,
		depth:  o.Depth,
		lower:  cases.Lower(language.Indonesian),
		upper:  cases.Upper(language.Indonesian),
	}
	m := sfuzzy.NewModel()
	m.SetThreshold(1)
	m.SetDepth(o.Depth)
	for _, e := range words {
		w := s.lower.String(norm.NFC.String(e.word))
		if _, dup := s.known[w]; dup && e.count == 0 {
			continue
		}
		s.known[w] = struct{}{}
		count := e.count
		if count <= 0 {
			count = 1
		}
		m.SetCount(w, count, true)
	}
	s.model = m
	return s, nil
}

type entry struct {
	word  string
	count int
}

func readWords(r io.Reader) []entry {
	var out []entry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Fields(line)
		e := entry{word: f[0]}
		if len(f) > 1 {
			if n, err := strconv.Atoi(f[1]); err == nil && n > 0 {
				e.count = n
			}
		}
		out = append(out, e)
	}
	return out
}

// Respell 只替换词表未知且有候选的词；空白与标点原样保留。
// 内部 panic 一律转为原文返回。
func (s *Speller) Respell(ctx context.Context, text string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = text, fmt.Errorf("speller panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return text, err
	}
	locs := tokenRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text, nil
	}
	var sb strings.Builder
	sb.Grow(len(text))
	last := 0
	for _, loc := range locs {
		sb.WriteString(text[last:loc[0]])
		sb.WriteString(s.fixToken(text[loc[0]:loc[1]]))
		last = loc[1]
	}
	sb.WriteString(text[last:])
	return sb.String(), nil
}

func (s *Speller) fixToken(tok string) string {
	core := strings.TrimLeft(tok, punct)
	prefix := tok[:len(tok)-len(core)]
	core = strings.TrimRight(core, punct)
	suffix := tok[len(prefix)+len(core):]
	if utf8.RuneCountInString(core) < s.minLen || !lettersOnly(core) {
		return tok
	}
	key := s.lower.String(norm.NFC.String(core))
	if _, ok := s.known[key]; ok {
		return tok
	}
	cand := s.suggest(key)
	if cand == "" {
		return tok
	}
	return prefix + s.matchCase(core, cand) + suffix
}

// suggest 返回唯一可信的手误候选；无候选或词频并列时返回空串。
func (s *Speller) suggest(key string) string {
	in := []rune(key)
	best, bestScore, tied := "", 0, false
	for term, p := range s.model.Potentials(key, true) {
		if p.Leven == 0 || p.Leven > s.depth+1 || !slip(in, []rune(term)) {
			continue
		}
		switch {
		case p.Score > bestScore:
			best, bestScore, tied = term, p.Score, false
		case p.Score == bestScore:
			tied = true
		}
	}
	if tied {
		return ""
	}
	return best
}

// slip 判断 tok 是否为 cand 的手误：漏一个字母、重复一个字母或相邻互换。
// 替换一个字母常得到另一个合法词，不视为手误。
func slip(tok, cand []rune) bool {
	switch len(tok) - len(cand) {
	case -1:
		return dropsOne(cand, tok)
	case 1:
		i := firstDiff(tok, cand)
		if !dropsOne(tok, cand) {
			return false
		}
		// 多出的字母须与相邻字母相同
		return (i > 0 && tok[i] == tok[i-1]) || (i+1 < len(tok) && tok[i] == tok[i+1])
	case 0:
		i := firstDiff(tok, cand)
		if i+1 >= len(tok) || tok[i] != cand[i+1] || tok[i+1] != cand[i] || tok[i] == tok[i+1] {
			return false
		}
		return string(tok[i+2:]) == string(cand[i+2:])
	}
	return false
}

// dropsOne: short 是 long 删去一个字母的结果。
func dropsOne(long, short []rune) bool {
	i := firstDiff(long, short)
	return string(long[i+1:]) == string(short[i:])
}

func firstDiff(a, b []rune) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// matchCase 按原词的大小写形态改写候选词。
func (s *Speller) matchCase(orig, cand string) string {
	switch {
	case orig == s.upper.String(orig):
		return s.upper.String(cand)
	case unicode.IsUpper(firstRune(orig)):
		r, n := utf8.DecodeRuneInString(cand)
		return string(unicode.ToUpper(r)) + cand[n:]
	}
	return cand
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func lettersOnly(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

var _ contract.SpellChecker = (*Speller)(nil)
