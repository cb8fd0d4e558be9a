package search

import (
	"context"
	"log/slog"
	"strings"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
)

// Service is the facade that tries the primary index first and falls back
// to Postgres full-text search.
type Service struct {
	primary  Backend
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. Either side may be nil.
func NewService(primary Backend, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{primary: primary, fallback: fallback, logger: logger}
}

// Search tries the primary index if healthy, otherwise the fallback.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.WorkspaceID == "" {
		return Response{}, apperr.Validation("workspace_id", "is required")
	}
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}, nil
	}

	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
		}
		s.logger.Warn("search index failed, falling back to postgres", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}, nil
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", "error", err)
		return Response{Results: []Result{}, Query: q.Text}, nil
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
}

// Available reports whether indexing would reach the primary index.
func (s *Service) Available() bool {
	return s.primary != nil && s.primary.Healthy()
}

// IndexSession pushes the records of one finished session. Failures are
// logged and returned; the caller treats indexing as best effort.
func (s *Service) IndexSession(ctx context.Context, themes []ThemeRecord, responses []ResponseRecord, summary *SummaryRecord) error {
	if !s.Available() {
		return nil
	}
	if err := s.primary.IndexThemes(ctx, themes); err != nil {
		s.logger.Warn("index themes failed", "error", err)
		return err
	}
	if err := s.primary.IndexResponses(ctx, responses); err != nil {
		s.logger.Warn("index responses failed", "error", err)
		return err
	}
	if summary != nil {
		if err := s.primary.IndexSummaries(ctx, []SummaryRecord{*summary}); err != nil {
			s.logger.Warn("index summary failed", "session_id", summary.SessionID, "error", err)
			return err
		}
	}
	return nil
}

// Loader reads every searchable record, for full reindexing.
type Loader interface {
	LoadAllRecords(ctx context.Context) ([]ThemeRecord, []ResponseRecord, []SummaryRecord, error)
}

// Reindex reads all records from loader and pushes them to the primary
// index.
func (s *Service) Reindex(ctx context.Context, loader Loader) error {
	if !s.Available() || loader == nil {
		return nil
	}
	themes, responses, summaries, err := loader.LoadAllRecords(ctx)
	if err != nil {
		return err
	}
	if err := s.primary.IndexThemes(ctx, themes); err != nil {
		return err
	}
	if err := s.primary.IndexResponses(ctx, responses); err != nil {
		return err
	}
	if err := s.primary.IndexSummaries(ctx, summaries); err != nil {
		return err
	}
	s.logger.Info("search reindexed", "themes", len(themes), "responses", len(responses), "summaries", len(summaries))
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
