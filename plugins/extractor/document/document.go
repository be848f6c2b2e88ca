// Package document 从 .txt / .pdf / .docx 字节中抽取纯文本。
package document

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"dockoreksi/pkg/contract"
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// 解压上限缺省为压缩字节的 expandRatio 倍，且不低于 minExpandedBytes。
const (
	expandRatio      = 16
	minExpandedBytes = 64 << 20
)

var errExpandedTooLarge = errors.New("word/document.xml expands beyond limit")

type format string

const (
	formatText format = "txt"
	formatPDF  format = "pdf"
	formatDocx format = "docx"
)

// Options: 抽取限制（均可选）。
type Options struct {
	// MaxPages: PDF 最多读取的页数，0 表示不限。
	MaxPages int `json:"max_pages,omitempty"`
	// MaxExpandedBytes: DOCX 正文 XML 解压后的字节上限；0 表示按压缩大小推算。
	MaxExpandedBytes int64 `json:"max_expanded_bytes,omitempty"`
}

// Extractor 实现 contract.Extractor；无状态。
type Extractor struct {
	maxPages    int
	maxExpanded int64
}

func New(opts *Options) *Extractor {
	e := &Extractor{}
	if opts != nil && opts.MaxPages > 0 {
		e.maxPages = opts.MaxPages
	}
	if opts != nil && opts.MaxExpandedBytes > 0 {
		e.maxExpanded = opts.MaxExpandedBytes
	}
	return e
}

// Extract 按扩展名选择解析器；无扩展名时按内容嗅探。
// 所有失败都以 *contract.ExtractionError 返回。
func (e *Extractor) Extract(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := detect(name, data)
	if err != nil {
		return "", err
	}
	var text string
	switch f {
	case formatText:
		text, err = decodeText(data)
	case formatPDF:
		text, err = e.pdfText(ctx, data)
	case formatDocx:
		text, err = e.docxText(ctx, data)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &contract.ExtractionError{Name: name, Reason: fmt.Sprintf("cannot read %s: %v", f, err), Err: fmt.Errorf("%w: %v", contract.ErrCorruptDocument, err)}
	}
	if strings.TrimSpace(text) == "" {
		return "", &contract.ExtractionError{Name: name, Reason: "document contains no text", Err: contract.ErrEmptyDocument}
	}
	return text, nil
}

func detect(name string, data []byte) (format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".text":
		return formatText, nil
	case ".pdf":
		return formatPDF, nil
	case ".docx":
		return formatDocx, nil
	case "":
		m := mimetype.Detect(data)
		switch {
		case m.Is("application/pdf"):
			return formatPDF, nil
		case m.Is(docxMIME):
			return formatDocx, nil
		}
		for p := m; p != nil; p = p.Parent() {
			if p.Is("text/plain") {
				return formatText, nil
			}
		}
		return "", unsupported(name, m.String())
	}
	return "", unsupported(name, filepath.Ext(name))
}

func unsupported(name, what string) error {
	return &contract.ExtractionError{
		Name:   name,
		Reason: fmt.Sprintf("unsupported format %q; send .txt, .pdf or .docx", what),
		Err:    contract.ErrUnsupportedFormat,
	}
}

// decodeText: 识别 UTF-8/UTF-16 BOM，非法字节替换为 U+FFFD，CRLF 统一为 LF。
func decodeText(data []byte) (string, error) {
	dec := xunicode.BOMOverride(xunicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, data)
	if err != nil {
		return "", err
	}
	s := string(bytes.ToValidUTF8(out, []byte("�")))
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return s, nil
}

// pdfText 逐页取纯文本；ledongthuc/pdf 在损坏输入上可能 panic，统一转为错误。
func (e *Extractor) pdfText(ctx context.Context, data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("pdf parser panic: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	n := r.NumPage()
	if e.maxPages > 0 && n > e.maxPages {
		n = e.maxPages
	}
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		s, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, s)
	}
	return strings.Join(pages, "\n"), nil
}

func (e *Extractor) expandLimit(compressed int) int64 {
	if e.maxExpanded > 0 {
		return e.maxExpanded
	}
	return max(int64(compressed)*expandRatio, minExpandedBytes)
}

// docxText 读取 word/document.xml：w:t 为文本，w:tab 为制表符，w:br/w:cr 与段落结束为换行。
// 解压字节超过上限即失败。
func (e *Extractor) docxText(ctx context.Context, data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("word/document.xml not found")
	}
	limit := e.expandLimit(len(data))
	if doc.UncompressedSize64 > uint64(limit) {
		return "", errExpandedTooLarge
	}
	rc, err := doc.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dec := xml.NewDecoder(&capReader{r: rc, n: limit})
	var sb strings.Builder
	inText := false
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

// capReader 最多放行 n 字节，之后仍有数据则返回 errExpandedTooLarge。
type capReader struct {
	r io.Reader
	n int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.n <= 0 {
		var one [1]byte
		k, err := c.r.Read(one[:])
		if k > 0 {
			return 0, errExpandedTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > c.n {
		p = p[:c.n]
	}
	k, err := c.r.Read(p)
	c.n -= int64(k)
	return k, err
}

var _ contract.Extractor = (*Extractor)(nil)
