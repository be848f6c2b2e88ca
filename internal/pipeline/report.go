package pipeline

import (
	"strconv"
	"strings"
	"text/template"

	"dockoreksi/pkg/contract"
)

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"join": func(xs []int) string {
		parts := make([]string, len(xs))
		for i, x := range xs {
			parts[i] = strconv.Itoa(x)
		}
		return strings.Join(parts, ", ")
	},
}).Parse(`# Laporan Koreksi

- Dokumen: {{.DocID}}
- Mode: {{.Mode}}
- Klasifikasi: {{.Classification}}
- Segmen: {{.Segments}}
{{- if .Degraded}}
- Segmen tanpa koreksi AI: {{join .Degraded}}
{{- end}}

## Perubahan

{{.Report}}
`))

// RenderMarkdown 渲染 .report.md 工件：头部信息 + diff 报告。
func RenderMarkdown(out *Outcome, mode contract.Mode) string {
	var sb strings.Builder
	_ = reportTmpl.Execute(&sb, struct {
		DocID          contract.FileID
		Mode           string
		Classification string
		Segments       int
		Degraded       []int
		Report         string
	}{out.DocID, mode.Name, out.Classification, out.Segments, out.Degraded, strings.TrimRight(out.Report.Text, "\n")})
	return sb.String()
}
