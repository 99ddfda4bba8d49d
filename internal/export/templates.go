package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"statusClass": func(status string) string {
		return strings.ReplaceAll(strings.ToLower(status), " ", "-")
	},
}).ParseFS(templateFS, "templates/report.html"))

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(report Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}
