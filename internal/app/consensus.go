package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/discussion"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/export"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/rbac"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/search"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/voting"
)

// Vote applies a batch of allocations for the caller. The batch is applied
// all-or-nothing.
func (s *Service) Vote(ctx context.Context, userID, sessionID string, changes []voting.Allocation) (voting.Ballot, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionVote); err != nil {
		return voting.Ballot{}, err
	}
	return s.votes.AllocateMany(ctx, sessionID, userID, changes)
}

func (s *Service) Ballot(ctx context.Context, userID, sessionID string) (voting.Ballot, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionVote); err != nil {
		return voting.Ballot{}, err
	}
	return s.votes.GetBallot(ctx, sessionID, userID)
}

func (s *Service) FinalizeBallot(ctx context.Context, userID, sessionID string) (voting.Ballot, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionVote); err != nil {
		return voting.Ballot{}, err
	}
	return s.votes.FinalizeBallot(ctx, sessionID, userID)
}

func (s *Service) CloseVoting(ctx context.Context, userID, sessionID string) (store.VotingSession, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionFacilitate); err != nil {
		return store.VotingSession{}, err
	}
	return s.votes.CloseVoting(ctx, sessionID)
}

// Tallies are visible to the facilitator while voting is open and to
// everyone afterwards.
func (s *Service) Tallies(ctx context.Context, userID, sessionID string) (map[int64]int, error) {
	session, participant, err := s.authorize(ctx, sessionID, userID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if session.Phase == store.PhaseVoting {
		if err := rbac.Authorize(participant, rbac.ActionFacilitate); err != nil {
			return nil, err
		}
	}
	return s.votes.Tallies(ctx, sessionID)
}

type TopicInput struct {
	Status      string   `json:"status"`
	Notes       string   `json:"notes"`
	ActionItems []string `json:"action_items"`
}

func (s *Service) MarkTopic(ctx context.Context, userID, sessionID string, topicID int64, in TopicInput) (store.DiscussionTopic, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionFacilitate); err != nil {
		return store.DiscussionTopic{}, err
	}
	return s.topics.MarkTopic(ctx, sessionID, topicID, discussion.Outcome{
		Status:      store.TopicStatus(in.Status),
		Notes:       in.Notes,
		ActionItems: in.ActionItems,
	})
}

func (s *Service) ListTopics(ctx context.Context, userID, sessionID string) ([]store.DiscussionTopic, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.topics.ListTopics(ctx, sessionID)
}

func (s *Service) Summary(ctx context.Context, userID, sessionID string) (store.Summary, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionRead); err != nil {
		return store.Summary{}, err
	}
	return s.loadSummary(ctx, sessionID)
}

func (s *Service) loadSummary(ctx context.Context, sessionID string) (store.Summary, error) {
	var summary store.Summary
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		summary, err = tx.GetSummary(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("summary", sessionID)
		}
		return err
	})
	return summary, err
}

func (s *Service) ExportSummary(ctx context.Context, userID, sessionID string, format export.Format) (*export.Result, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	summary, err := s.loadSummary(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, summary, format)
}

// Search runs a workspace query. A session-scoped query requires read
// access to that session.
func (s *Service) Search(ctx context.Context, userID string, q search.Query) (search.Response, error) {
	if q.SessionID != "" {
		session, _, err := s.authorize(ctx, q.SessionID, userID, rbac.ActionRead)
		if err != nil {
			return search.Response{}, err
		}
		if q.WorkspaceID != "" && q.WorkspaceID != session.WorkspaceID {
			return search.Response{}, apperr.Validation("workspace_id", "does not match the session")
		}
		q.WorkspaceID = session.WorkspaceID
	}
	return s.search.Search(ctx, q)
}

// ReindexSearch pushes every completed session into the search index.
func (s *Service) ReindexSearch(ctx context.Context, loader search.Loader) error {
	if err := s.search.Reindex(ctx, loader); err != nil {
		return fmt.Errorf("reindex search: %w", err)
	}
	return nil
}
