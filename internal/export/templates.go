package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var summaryTemplate = template.Must(template.New("summary.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/summary.html"))

var categoryLabels = map[store.Category]string{
	store.CategoryLiked:     "Liked",
	store.CategoryLearned:   "Learned",
	store.CategoryLacked:    "Lacked",
	store.CategoryLongedFor: "Longed for",
}

// TemplateData holds data for summary template rendering
type TemplateData struct {
	Summary    store.Summary
	Categories []CategoryRow
}

type CategoryRow struct {
	Label string
	Count int
}

// RenderSummaryHTML renders a summary as a standalone HTML page.
func RenderSummaryHTML(summary store.Summary) (string, error) {
	data := TemplateData{Summary: summary}
	for _, c := range store.Categories {
		data.Categories = append(data.Categories, CategoryRow{Label: categoryLabels[c], Count: summary.CategoryCounts[c]})
	}
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
