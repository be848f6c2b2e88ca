package proofread

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"dockoreksi/pkg/contract"
)

// Options 为校对 PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 模板（二选一，均空时使用内置模板）；
// - InlineGlossary / GlossaryPath: 需保持原样的专有名词/术语（可选），追加在 system 尾部。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	InlineGlossary       string `json:"inline_glossary"`
	GlossaryPath         string `json:"glossary_path"`
}

// Builder: 以 Segment+Mode 构造 ChatPrompt（system + user + json_schema）。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT *template.Template
	glos string
}

// templateData 是 system 模板可见的字段。
type templateData struct {
	First  bool
	Mode   string
	Labels []string
}

var funcs = template.FuncMap{"join": strings.Join}

// New 创建校对 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Funcs(funcs).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	glos := o.InlineGlossary
	if glos == "" && o.GlossaryPath != "" {
		b, err := os.ReadFile(o.GlossaryPath)
		if err != nil {
			return nil, fmt.Errorf("glossary read: %w", err)
		}
		glos = string(b)
	}
	return &Builder{sysT: tpl, glos: strings.TrimSpace(glos)}, nil
}

// Build: system 携带规则（首段附带标签集），user 为分段原文。
func (b *Builder) Build(ctx context.Context, seg contract.Segment, mode contract.Mode) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(seg.Text) == "" {
		return nil, fmt.Errorf("prompt: %w: empty segment %d", contract.ErrInvalidInput, seg.Index)
	}
	first := seg.First()
	if first && len(mode.Labels) == 0 {
		return nil, fmt.Errorf("prompt: %w: mode %q has no labels", contract.ErrInvalidInput, mode.Name)
	}
	sys, err := b.system(templateData{First: first, Mode: mode.Name, Labels: mode.Labels})
	if err != nil {
		return nil, err
	}
	var labels []string
	if first {
		labels = mode.Labels
	}
	return contract.ChatPrompt{
		{Role: "system", Content: sys},
		{Role: "user", Content: seg.Text},
		{Role: "json_schema", Content: schemaFor(first, labels)},
	}, nil
}

func (b *Builder) system(d templateData) (string, error) {
	var buf bytes.Buffer
	if err := b.sysT.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}
	if b.glos != "" {
		buf.WriteString("\n\n<istilah>\n")
		buf.WriteString(b.glos)
		buf.WriteString("\n</istilah>")
	}
	return buf.String(), nil
}

// EstimateOverheadTokens: 以首段形态（规则 + 分类说明 + schema）估算固定开销，不含正文。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	sys, err := b.system(templateData{First: true, Labels: []string{contract.LabelUnknown}})
	if err != nil {
		return 0
	}
	return estimate(sys) + estimate(schemaFor(true, nil))
}

// schemaFor 生成输出 JSON Schema；首段要求分类字段，有标签时以 enum 约束。
func schemaFor(first bool, labels []string) string {
	props := map[string]any{
		"koreksi_teks": map[string]any{"type": "string"},
	}
	required := []string{"koreksi_teks"}
	if first {
		cls := map[string]any{"type": "string"}
		if len(labels) > 0 {
			cls["enum"] = labels
		}
		props["klasifikasi"] = cls
		required = []string{"klasifikasi", "koreksi_teks"}
	}
	b, _ := json.Marshal(map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	})
	return string(b)
}

var _ contract.PromptBuilder = (*Builder)(nil)

// 默认 system 模板（PUEBI/KBBI 校对规则）。
const defaultSystemTemplate = `Anda adalah penyunting naskah profesional Bahasa Indonesia. Sunting teks dari pengguna dengan berpedoman pada PUEBI (Pedoman Umum Ejaan Bahasa Indonesia) dan KBBI (Kamus Besar Bahasa Indonesia).

Aturan penyuntingan:
1. Perbaiki salah ketik dan ejaan sehingga setiap kata sesuai bentuk baku KBBI.
2. Perbaiki penggunaan huruf kapital, tanda baca, dan penulisan kata depan serta imbuhan.
3. Rapikan struktur kalimat yang rancu tanpa mengubah makna, gaya, atau sudut pandang penulis.
4. Jangan menambah, meringkas, atau menghapus informasi. Nama orang, lembaga, angka, dan kutipan dipertahankan.
5. Pertahankan susunan paragraf dan baris baru seperti aslinya.
{{- if .First}}
6. Klasifikasikan dokumen ke tepat satu kategori berikut: {{join .Labels ", "}}.
{{- else}}
6. Fokus sepenuhnya pada penyuntingan; abaikan klasifikasi.
{{- end}}

Balas hanya dengan satu objek JSON tanpa penjelasan lain:
{{- if .First}}
{"klasifikasi": "<kategori>", "koreksi_teks": "<seluruh teks yang telah disunting>"}
{{- else}}
{"koreksi_teks": "<seluruh teks yang telah disunting>"}
{{- end}}`
