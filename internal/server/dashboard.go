package server

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/stats"
	"github.com/ksiegai/abgate/internal/store"
)

var dashboardTemplates = template.Must(template.New("layout").Funcs(template.FuncMap{
	"pct": formatPercentage,
}).Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Title}} - abgate</title>
<style>body{font-family:system-ui,sans-serif;margin:2rem;color:#222}table{border-collapse:collapse}td,th{padding:.4rem .8rem;border-bottom:1px solid #ddd;text-align:left}.lead{font-weight:600}</style>
</head><body><h1>{{.Title}}</h1>{{template "content" .Data}}<p><a href="/dashboard?logout=1">Log out</a></p></body></html>
{{define "list"}}<table><tr><th>Test</th><th>Page</th><th>Status</th><th>Variants</th><th>Views</th><th>Conversion</th><th>Created</th></tr>
{{range .}}<tr><td><a href="/dashboard/tests/{{.Key}}">{{.Name}}</a></td><td>{{.PagePath}}</td><td>{{.Status}}</td><td>{{.VariantCount}}</td><td>{{.Views}}</td><td>{{.Rate}}</td><td>{{.CreatedAt}}</td></tr>
{{else}}<tr><td colspan="7">No tests yet. Create one with abgate create.</td></tr>{{end}}</table>{{end}}
{{define "detail"}}<p>{{.Test.PagePath}} &middot; {{.Test.Status}}{{with .Result.Goal}} &middot; goal {{.}}{{end}}</p>
<table><tr><th>Variant</th><th>Assigned</th><th>Views</th><th>Conversions</th><th>Rate</th><th>95% CI</th></tr>
{{$lead := .Result.LeadingVariant}}{{range .Result.Variants}}<tr{{if eq .ID $lead}} class="lead"{{end}}><td>{{.Name}}</td><td>{{.Assignments}}</td><td>{{.Views}}</td><td>{{.Conversions}}</td><td>{{pct .Rate}}</td><td>{{pct .CILower}} - {{pct .CIUpper}}</td></tr>
{{end}}</table>
{{if .Result.Confident}}<p>{{.LeadingName}} leads with {{pct .Result.ConfidenceLevel}} confidence.</p>{{else}}<p>Not enough data to call a winner yet ({{pct .Result.ConfidenceLevel}}).</p>{{end}}{{end}}
`))

type layoutData struct {
	Title string
	Data  any
}

type testListItem struct {
	Key          string
	Name         string
	PagePath     string
	Status       store.TestStatus
	VariantCount int
	Views        int
	Rate         string
	CreatedAt    string
}

type detailData struct {
	Test        *store.Test
	Result      *stats.Result
	LeadingName string
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("logout") == "1" {
		http.SetCookie(w, &http.Cookie{Name: tokenCookieName, Value: "", Path: "/", MaxAge: -1})
		writeMessage(w, http.StatusOK, "logged out")
		return
	}

	ctx := r.Context()
	tests, err := s.backend.ListTests(ctx)
	if err != nil {
		s.logger.Error("listing tests failed", zap.Error(err))
		http.Error(w, "Failed to load tests", http.StatusInternalServerError)
		return
	}

	items := make([]testListItem, len(tests))
	for i, t := range tests {
		counts, err := s.backend.GetVariantStats(ctx, t.ID, t.PrimaryGoal)
		if err != nil {
			s.logger.Warn("loading variant stats failed", zap.String("test_key", t.Key), zap.Error(err))
		}
		views, conversions := 0, 0
		for _, c := range counts {
			views += c.Views
			conversions += c.Conversions
		}
		rate := "0%"
		if views > 0 {
			rate = formatPercentage(float64(conversions) / float64(views))
		}
		items[i] = testListItem{
			Key:          t.Key,
			Name:         t.Name,
			PagePath:     t.PagePath,
			Status:       t.Status,
			VariantCount: len(t.Variants),
			Views:        views,
			Rate:         rate,
			CreatedAt:    t.CreatedAt.Format("Jan 2, 2006"),
		}
	}
	s.renderDashboard(w, "Tests", "list", items)
}

func (s *Server) handleDashboardTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	test, err := s.backend.GetTestByKey(ctx, chi.URLParam(r, "key"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	counts, err := s.backend.GetVariantStats(ctx, test.ID, test.PrimaryGoal)
	if err != nil {
		s.logger.Error("loading variant stats failed", zap.String("test_key", test.Key), zap.Error(err))
		http.Error(w, "Failed to load stats", http.StatusInternalServerError)
		return
	}

	result := stats.Analyze(test, test.PrimaryGoal, counts)
	data := detailData{Test: test, Result: result}
	if v := test.Variant(result.LeadingVariant); v != nil {
		data.LeadingName = v.Name
	}
	s.renderDashboard(w, test.Name, "detail", data)
}

func (s *Server) renderDashboard(w http.ResponseWriter, title, content string, data any) {
	tmpl, err := dashboardTemplates.Clone()
	if err == nil {
		_, err = tmpl.New("content").Parse(`{{template "` + content + `" .}}`)
	}
	var buf bytes.Buffer
	if err == nil {
		err = tmpl.ExecuteTemplate(&buf, "layout", layoutData{Title: title, Data: data})
	}
	if err != nil {
		s.logger.Error("rendering dashboard failed", zap.Error(err))
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// formatPercentage renders a 0..1 ratio.
func formatPercentage(p float64) string {
	if p < 0.0001 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", p*100)
}
