// Package discussion turns vote tallies into ranked discussion topics and
// records what the team decided about each one.
package discussion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

// Rank orders groups by tally, highest first, dropping groups below
// minVotes. Ties go to the group created first, then the lower id. Ranks
// start at 1.
func Rank(groups []store.ThemeGroup, tallies map[int64]int, minVotes, minutes int) []store.DiscussionTopic {
	qualifying := make([]store.ThemeGroup, 0, len(groups))
	for _, group := range groups {
		if tallies[group.ID] >= minVotes {
			qualifying = append(qualifying, group)
		}
	}
	sort.SliceStable(qualifying, func(i, j int) bool {
		a, b := qualifying[i], qualifying[j]
		if tallies[a.ID] != tallies[b.ID] {
			return tallies[a.ID] > tallies[b.ID]
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	topics := make([]store.DiscussionTopic, 0, len(qualifying))
	for i, group := range qualifying {
		topics = append(topics, store.DiscussionTopic{
			SessionID:            group.SessionID,
			ThemeGroupID:         group.ID,
			Title:                group.Title,
			TotalVotes:           tallies[group.ID],
			Rank:                 i + 1,
			TimeAllocatedMinutes: minutes,
			Status:               store.TopicPending,
		})
	}
	return topics
}

// Outcome is what the team decided about one topic.
type Outcome struct {
	Status      store.TopicStatus
	Notes       string
	ActionItems []string
}

// Tracker records topic outcomes while a session is in discussion.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(s store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: s, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// MarkTopic closes a pending topic as discussed or skipped. Marking the same
// topic again is a no-op that returns the recorded outcome.
func (t *Tracker) MarkTopic(ctx context.Context, sessionID string, topicID int64, outcome Outcome) (store.DiscussionTopic, error) {
	if outcome.Status != store.TopicDiscussed && outcome.Status != store.TopicSkipped {
		return store.DiscussionTopic{}, apperr.Validation("status", "must be discussed or skipped")
	}
	notes := strings.TrimSpace(outcome.Notes)
	actions := cleanActionItems(outcome.ActionItems)

	var topic store.DiscussionTopic
	err := t.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("session", sessionID)
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if session.Phase != store.PhaseDiscussion {
			return &apperr.PhaseGuardError{
				From:      string(session.Phase),
				To:        string(store.PhaseDiscussion),
				Condition: "discussion_not_active",
			}
		}
		changed, err := tx.SetTopicOutcome(ctx, sessionID, topicID, outcome.Status, notes, actions, t.now())
		if err != nil {
			return fmt.Errorf("set topic outcome: %w", err)
		}
		topics, err := tx.ListTopics(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("list topics: %w", err)
		}
		for _, candidate := range topics {
			if candidate.ID == topicID {
				topic = candidate
				if changed {
					t.logger.Info("topic closed", "session_id", sessionID, "topic_id", topicID, "status", outcome.Status)
				}
				return nil
			}
		}
		return apperr.NotFound("discussion topic", topicID)
	})
	return topic, err
}

// ListTopics returns a session's topics by rank.
func (t *Tracker) ListTopics(ctx context.Context, sessionID string) ([]store.DiscussionTopic, error) {
	var topics []store.DiscussionTopic
	err := t.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		topics, err = tx.ListTopics(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("list topics: %w", err)
		}
		return nil
	})
	return topics, err
}

// Open returns the ids of topics that are still pending.
func Open(topics []store.DiscussionTopic) []int64 {
	var open []int64
	for _, topic := range topics {
		if topic.Status == store.TopicPending {
			open = append(open, topic.ID)
		}
	}
	return open
}

func cleanActionItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
