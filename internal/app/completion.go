package app

import (
	"context"
	"fmt"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/ai"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/grouping"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/search"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

type completedSession struct {
	session   store.RetroSession
	groups    []store.ThemeGroup
	responses []store.Response
	summary   store.Summary
}

// afterCompletion runs the best-effort side effects of a completed session.
// Each step logs its own failure and never undoes the completion.
func (s *Service) afterCompletion(ctx context.Context, session store.RetroSession) {
	var done completedSession
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		done.session = session
		if done.groups, err = tx.ListThemeGroups(ctx, session.ID); err != nil {
			return fmt.Errorf("list theme groups: %w", err)
		}
		if done.responses, err = tx.ListResponses(ctx, session.ID); err != nil {
			return fmt.Errorf("list responses: %w", err)
		}
		if done.summary, err = tx.GetSummary(ctx, session.ID); err != nil {
			return fmt.Errorf("get summary: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("post-completion load failed", "session_id", session.ID, "error", err)
		return
	}

	summaryRecord := search.SummaryRecordFor(session, done.summary)
	if err := s.search.IndexSession(ctx,
		search.ThemeRecords(session, done.groups),
		search.ResponseRecords(session, done.responses),
		&summaryRecord,
	); err != nil {
		s.logger.Warn("search indexing failed", "session_id", session.ID, "error", err)
	}

	if s.vectors != nil && summaryRecord.Content != "" {
		doc := ai.VectorDocument{
			ID:      session.ID,
			Content: summaryRecord.Title + "\n" + summaryRecord.Content,
			Metadata: map[string]string{
				"kind":       grouping.SummaryKind,
				"session_id": session.ID,
			},
		}
		if err := s.vectors.Add(ctx, grouping.SummaryCollection(session.WorkspaceID), []ai.VectorDocument{doc}); err != nil {
			s.logger.Warn("summary vector ingest failed", "session_id", session.ID, "error", err)
		}
	}

	keys, err := s.exporter.Archive(ctx, session.WorkspaceID, done.summary)
	if err != nil {
		s.logger.Warn("summary archive failed", "session_id", session.ID, "error", err)
		return
	}
	s.logger.Info("post-completion done", "session_id", session.ID, "archived", len(keys))
}
