package document

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dockoreksi/pkg/contract"
)

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, _ = w.Write([]byte(`<?xml version="1.0"?><Types/>`))
	w, err = zw.Create("word/document.xml")
	require.NoError(t, err)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body + `</w:body></w:document>`))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func extractionErr(t *testing.T, err error) *contract.ExtractionError {
	t.Helper()
	var xe *contract.ExtractionError
	require.True(t, errors.As(err, &xe), "want ExtractionError, got %v", err)
	return xe
}

func TestExtract_Text(t *testing.T) {
	e := New(nil)
	got, err := e.Extract(context.Background(), "surat.TXT", []byte("\xEF\xBB\xBFBaris satu\r\nBaris dua\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "Baris satu\nBaris dua\n", got)

	got, err = e.Extract(context.Background(), "rusak.txt", []byte("a\xffb"))
	require.NoError(t, err)
	assert.Equal(t, "a�b", got)
}

func TestExtract_Docx(t *testing.T) {
	body := `<w:p><w:r><w:t>Ini adlah</w:t></w:r><w:r><w:t xml:space="preserve"> tes.</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Kolom</w:t><w:tab/><w:t>dua</w:t><w:br/><w:t>baris</w:t></w:r></w:p>`
	got, err := New(nil).Extract(context.Background(), "laporan.docx", buildDocx(t, body))
	require.NoError(t, err)
	assert.Equal(t, "Ini adlah tes.\nKolom\tdua\nbaris\n", got)
}

func TestExtract_Corrupt(t *testing.T) {
	e := New(nil)
	_, err := e.Extract(context.Background(), "x.docx", []byte("not a zip"))
	assert.ErrorIs(t, err, contract.ErrCorruptDocument)
	extractionErr(t, err)

	// 无扩展名：按 %PDF- 魔数识别为 PDF，再因内容损坏失败
	_, err = e.Extract(context.Background(), "upload", []byte("%PDF-1.4\nbroken"))
	assert.ErrorIs(t, err, contract.ErrCorruptDocument)
}

func TestExtract_Unsupported(t *testing.T) {
	_, err := New(nil).Extract(context.Background(), "gambar.png", []byte{0x89, 'P', 'N', 'G'})
	assert.ErrorIs(t, err, contract.ErrUnsupportedFormat)
	xe := extractionErr(t, err)
	assert.Contains(t, xe.Error(), "send .txt, .pdf or .docx")
}

func TestExtract_SniffPlainText(t *testing.T) {
	got, err := New(nil).Extract(context.Background(), "catatan", []byte("halo dunia"))
	require.NoError(t, err)
	assert.Equal(t, "halo dunia", got)
}

func TestExtract_Empty(t *testing.T) {
	_, err := New(nil).Extract(context.Background(), "kosong.txt", []byte(" \r\n\t"))
	assert.ErrorIs(t, err, contract.ErrEmptyDocument)

	_, err = New(nil).Extract(context.Background(), "kosong.docx", buildDocx(t, `<w:p/>`))
	assert.ErrorIs(t, err, contract.ErrEmptyDocument)
}

func TestExtract_DocxExpansionLimit(t *testing.T) {
	// 约 2 MiB 的重复文本压缩后只有几 KiB
	body := `<w:p><w:r><w:t>` + strings.Repeat("a", 2<<20) + `</w:t></w:r></w:p>`
	data := buildDocx(t, body)
	require.Less(t, len(data), 64<<10)

	_, err := New(&Options{MaxExpandedBytes: 1 << 20}).Extract(context.Background(), "bom.docx", data)
	assert.ErrorIs(t, err, contract.ErrCorruptDocument)
	xe := extractionErr(t, err)
	assert.Contains(t, xe.Reason, "expands beyond limit")

	got, err := New(&Options{MaxExpandedBytes: 4 << 20}).Extract(context.Background(), "besar.docx", data)
	require.NoError(t, err)
	assert.Len(t, got, 2<<20+1)
}

func TestCapReader(t *testing.T) {
	r := &capReader{r: strings.NewReader("abcdef"), n: 6}
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(b))

	r = &capReader{r: strings.NewReader("abcdefg"), n: 6}
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, errExpandedTooLarge)
}
