package paragraph

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"dockoreksi/pkg/contract"
)

const (
	StrategyParagraph = "paragraph"
	StrategyFixed     = "fixed"
)

// Options 为分段器的可选配置。
type Options struct {
	// Strategy: paragraph（默认，按空行边界贪心打包）或 fixed（定长字节切分）。
	Strategy string `json:"strategy"`
}

// Segmenter 将全文切为有序、非空、连续的分段。
// 约束：
//  1. 分段是原文的精确切片，按序拼接即还原原文；
//  2. 段间空白（段落分隔）归属前一段的尾部，文首空白归属首段；
//  3. 不产生空白段。
type Segmenter struct {
	strategy string
}

// New 创建分段器；未知策略返回错误。
func New(opts *Options) (*Segmenter, error) {
	s := StrategyParagraph
	if opts != nil && strings.TrimSpace(opts.Strategy) != "" {
		s = strings.ToLower(strings.TrimSpace(opts.Strategy))
	}
	switch s {
	case StrategyParagraph, StrategyFixed:
	default:
		return nil, fmt.Errorf("segmenter: unknown strategy %q", s)
	}
	return &Segmenter{strategy: s}, nil
}

// Segment 切分文本；maxBytes<=0 表示不限制（整篇一段）。
// 全空白文本返回 nil。
func (s *Segmenter) Segment(ctx context.Context, text string, maxBytes int) ([]contract.Segment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if maxBytes <= 0 {
		return []contract.Segment{{Index: 0, Text: text}}, nil
	}
	var (
		cuts []int
		err  error
	)
	if s.strategy == StrategyFixed {
		cuts, err = fixedCuts(ctx, text, maxBytes)
	} else {
		cuts, err = paragraphCuts(ctx, text, maxBytes)
	}
	if err != nil {
		return nil, err
	}
	segs := make([]contract.Segment, 0, len(cuts))
	start := 0
	for _, end := range cuts {
		segs = append(segs, contract.Segment{Index: contract.Index(len(segs)), Text: text[start:end]})
		start = end
	}
	return segs, nil
}

// 段落分隔：含至少一个空行的空白串。
var blankLineRe = regexp.MustCompile(`\n[ \t\r\f\v]*\n\s*`)

type span struct{ start, end int }

// paragraphs 返回每个段落（正文 + 其后分隔）的区间，首尾覆盖全文。
func paragraphs(text string) []span {
	var out []span
	prev := 0
	for _, m := range blankLineRe.FindAllStringIndex(text, -1) {
		if strings.TrimSpace(text[prev:m[0]]) == "" {
			// 文首空白：并入下一段落
			continue
		}
		out = append(out, span{prev, m[1]})
		prev = m[1]
	}
	if prev < len(text) {
		if strings.TrimSpace(text[prev:]) == "" && len(out) > 0 {
			out[len(out)-1].end = len(text)
		} else {
			out = append(out, span{prev, len(text)})
		}
	}
	if len(out) > 0 {
		out[0].start = 0
	}
	return out
}

// paragraphCuts 贪心打包：候选段去除首尾空白后的字节数 <= maxBytes 时并入，
// 否则先行落段。单个超长段落原样成段，不做段内切分。
func paragraphCuts(ctx context.Context, text string, maxBytes int) ([]int, error) {
	var cuts []int
	cur := span{-1, -1}
	for _, p := range paragraphs(text) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cur.start < 0 {
			cur = p
			continue
		}
		if len(strings.TrimSpace(text[cur.start:p.end])) <= maxBytes {
			cur.end = p.end
			continue
		}
		cuts = append(cuts, cur.end)
		cur = p
	}
	if cur.start >= 0 {
		cuts = append(cuts, cur.end)
	}
	return cuts, nil
}

// fixedCuts 按字节定长切分，切点回退到 UTF-8 字符边界；纯空白的切片并入前一段。
func fixedCuts(ctx context.Context, text string, maxBytes int) ([]int, error) {
	var cuts []int
	start := 0
	for start < len(text) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + maxBytes
		if end >= len(text) {
			end = len(text)
		} else {
			for end > start && !utf8.RuneStart(text[end]) {
				end--
			}
			if end == start {
				// maxBytes 小于一个字符：至少前进一个字符
				_, n := utf8.DecodeRuneInString(text[start:])
				end = start + n
			}
		}
		if len(cuts) > 0 && strings.TrimSpace(text[start:end]) == "" {
			cuts[len(cuts)-1] = end
		} else {
			cuts = append(cuts, end)
		}
		start = end
	}
	// 首段若为纯空白，与下一段合并
	if len(cuts) > 1 && strings.TrimSpace(text[:cuts[0]]) == "" {
		cuts = cuts[1:]
	}
	return cuts, nil
}
