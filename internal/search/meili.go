package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxThemes    = "retro_themes"
	idxResponses = "retro_responses"
	idxSummaries = "retro_summaries"
)

// Meili implements Backend via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server leaves the client unhealthy until the background
// health check sees it recover.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		searchable []string
	}{
		{uid: idxThemes, searchable: []string{"title", "description"}},
		{uid: idxResponses, searchable: []string{"body"}},
		{uid: idxSummaries, searchable: []string{"title", "content"}},
	}
	filterable := []interface{}{"workspaceId", "sessionId", "category"}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("create index", "index", idx.uid, "error", err)
		}
		index := m.client.Index(idx.uid)
		attrs := filterable
		if _, err := index.UpdateFilterableAttributes(&attrs); err != nil {
			m.logger.Warn("update filterable attributes", "index", idx.uid, "error", err)
		}
		searchable := idx.searchable
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.logger.Warn("update searchable attributes", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the selected indexes in one multi-search and merges the
// hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	var queries []*meili.SearchRequest
	for _, target := range []struct {
		uid  string
		kind ResultType
	}{
		{idxThemes, ResultTheme},
		{idxResponses, ResultResponse},
		{idxSummaries, ResultSummary},
	} {
		if !q.wants(target.kind) {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              target.uid,
			Query:                 q.Text,
			Limit:                 int64(q.limit()),
			Offset:                int64(q.offset()),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			Filter:                scopeFilters(q),
		})
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		kind := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, kind))
		}
	}
	return results, total, nil
}

func scopeFilters(q Query) []string {
	filters := []string{fmt.Sprintf("workspaceId = %q", q.WorkspaceID)}
	if q.SessionID != "" {
		filters = append(filters, fmt.Sprintf("sessionId = %q", q.SessionID))
	}
	return filters
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxThemes:
		return ResultTheme
	case idxResponses:
		return ResultResponse
	case idxSummaries:
		return ResultSummary
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, kind ResultType) Result {
	r := Result{
		Type:        kind,
		ID:          decodeString(hit, "id"),
		SessionID:   decodeString(hit, "sessionId"),
		WorkspaceID: decodeString(hit, "workspaceId"),
	}
	switch kind {
	case ResultTheme:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
	case ResultResponse:
		r.Title = decodeString(hit, "category")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	case ResultSummary:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func (m *Meili) IndexThemes(_ context.Context, themes []ThemeRecord) error {
	if len(themes) == 0 {
		return nil
	}
	_, err := m.client.Index(idxThemes).AddDocuments(themes, nil)
	return err
}

func (m *Meili) IndexResponses(_ context.Context, responses []ResponseRecord) error {
	if len(responses) == 0 {
		return nil
	}
	_, err := m.client.Index(idxResponses).AddDocuments(responses, nil)
	return err
}

func (m *Meili) IndexSummaries(_ context.Context, summaries []SummaryRecord) error {
	if len(summaries) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSummaries).AddDocuments(summaries, nil)
	return err
}
