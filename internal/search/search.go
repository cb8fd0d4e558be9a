// Package search indexes finished retrospectives and answers full-text
// queries over their themes, responses and summaries.
package search

import (
	"context"
	"strconv"
	"strings"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTheme    ResultType = "theme"
	ResultResponse ResultType = "response"
	ResultSummary  ResultType = "summary"
)

func ParseResultType(value string) (ResultType, bool) {
	switch t := ResultType(strings.ToLower(strings.TrimSpace(value))); t {
	case "", ResultTheme, ResultResponse, ResultSummary:
		return t, true
	}
	return "", false
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	SessionID   string     `json:"session_id"`
	WorkspaceID string     `json:"workspace_id"`
}

// Query describes a search request. WorkspaceID is required.
type Query struct {
	Text        string
	WorkspaceID string
	SessionID   string
	FilterType  ResultType // empty = all types
	Limit       int
	Offset      int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

func (q Query) wants(t ResultType) bool {
	return q.FilterType == "" || q.FilterType == t
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push records into a search index.
type Indexer interface {
	IndexThemes(ctx context.Context, themes []ThemeRecord) error
	IndexResponses(ctx context.Context, responses []ResponseRecord) error
	IndexSummaries(ctx context.Context, summaries []SummaryRecord) error
}

// Backend is a searchable index.
type Backend interface {
	Searcher
	Indexer
}

// ThemeRecord is the data we index for a theme group.
type ThemeRecord struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ResponseRecord is the data we index for a response.
type ResponseRecord struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	Category    string `json:"category"`
	Body        string `json:"body"`
}

// SummaryRecord is the data we index for a session summary.
type SummaryRecord struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Content     string `json:"content"`
}

func ThemeRecords(session store.RetroSession, groups []store.ThemeGroup) []ThemeRecord {
	out := make([]ThemeRecord, 0, len(groups))
	for _, g := range groups {
		out = append(out, ThemeRecord{
			ID:          strconv.FormatInt(g.ID, 10),
			SessionID:   session.ID,
			WorkspaceID: session.WorkspaceID,
			Title:       g.Title,
			Description: g.Description,
			Category:    string(g.PrimaryCategory),
		})
	}
	return out
}

func ResponseRecords(session store.RetroSession, responses []store.Response) []ResponseRecord {
	out := make([]ResponseRecord, 0, len(responses))
	for _, r := range responses {
		out = append(out, ResponseRecord{
			ID:          strconv.FormatInt(r.ID, 10),
			SessionID:   session.ID,
			WorkspaceID: session.WorkspaceID,
			Category:    string(r.Category),
			Body:        r.Text,
		})
	}
	return out
}

// SummaryRecordFor flattens a summary into searchable text: topic titles,
// notes and action items, one per line.
func SummaryRecordFor(session store.RetroSession, summary store.Summary) SummaryRecord {
	var lines []string
	for _, topic := range summary.Topics {
		lines = append(lines, topic.Title)
		if topic.Notes != "" {
			lines = append(lines, topic.Notes)
		}
		lines = append(lines, topic.ActionItems...)
	}
	return SummaryRecord{
		ID:          session.ID,
		SessionID:   session.ID,
		WorkspaceID: session.WorkspaceID,
		Title:       firstNonBlank(summary.Title, session.Title),
		Content:     strings.Join(lines, "\n"),
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
