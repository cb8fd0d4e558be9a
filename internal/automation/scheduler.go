// Package automation plans reminders around scheduled retrospectives and
// owns their delivery state. Delivery itself is done by a Dispatcher driven
// from Sweeper.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

const (
	WeekBefore    = 7 * 24 * time.Hour
	DayBefore     = 24 * time.Hour
	FollowUpDelay = 7 * 24 * time.Hour
)

type Scheduler struct {
	store   store.Store
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler returns a scheduler. baseURL is used for links in reminder
// messages and may be empty.
func NewScheduler(s store.Store, baseURL string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   s,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PlanReminders returns the pre-session reminders for every active
// participant. Offsets whose time is not after now are skipped.
func PlanReminders(session store.RetroSession, participants []store.Participant, now time.Time, baseURL string) []store.ScheduledReminder {
	type offset struct {
		kind    store.ReminderType
		before  time.Duration
		enabled bool
		lead    string
	}
	offsets := []offset{
		{store.ReminderWeekBefore, WeekBefore, session.Settings.RemindWeekBefore, "in one week"},
		{store.ReminderDayBefore, DayBefore, session.Settings.RemindDayBefore, "tomorrow"},
	}

	var out []store.ScheduledReminder
	for _, o := range offsets {
		if !o.enabled {
			continue
		}
		at := session.ScheduledFor.Add(-o.before)
		if !at.After(now) {
			continue
		}
		for _, p := range participants {
			if !p.Active {
				continue
			}
			out = append(out, store.ScheduledReminder{
				SessionID:    session.ID,
				UserID:       p.UserID,
				Email:        p.Email,
				Type:         o.kind,
				ScheduledFor: at,
				Status:       store.ReminderPending,
				Subject:      fmt.Sprintf("Retrospective %q starts %s", session.Title, o.lead),
				Message: fmt.Sprintf("Hi %s,\n\nThe retrospective %q is scheduled for %s. Think about what you liked, learned, lacked and longed for.\n%s",
					displayName(p), session.Title, session.ScheduledFor.UTC().Format("Mon 02 Jan 2006 15:04 MST"), link(baseURL, session.ID)),
			})
		}
	}
	return out
}

// ScheduleSession stores the pre-session reminders of a session inside tx.
// Reminders that already exist are left alone.
func (s *Scheduler) ScheduleSession(ctx context.Context, tx store.Tx, session store.RetroSession, participants []store.Participant) (int, error) {
	created := 0
	for _, reminder := range PlanReminders(session, participants, s.now(), s.baseURL) {
		_, ok, err := tx.InsertReminder(ctx, reminder)
		if err != nil {
			return created, fmt.Errorf("insert reminder: %w", err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// CreateFollowUps schedules the action-item check-in for every active
// participant, FollowUpDelay after completion.
func (s *Scheduler) CreateFollowUps(ctx context.Context, tx store.Tx, session store.RetroSession, completedAt time.Time) (int, error) {
	participants, err := tx.ListParticipants(ctx, session.ID)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}
	var actions []string
	summary, err := tx.GetSummary(ctx, session.ID)
	switch {
	case err == nil:
		actions = summary.ActionItems
	case !errors.Is(err, store.ErrNotFound):
		return 0, fmt.Errorf("get summary: %w", err)
	}

	created := 0
	for _, p := range participants {
		if !p.Active {
			continue
		}
		_, ok, err := tx.InsertReminder(ctx, store.ScheduledReminder{
			SessionID:    session.ID,
			UserID:       p.UserID,
			Email:        p.Email,
			Type:         store.ReminderActionFollowUp,
			ScheduledFor: completedAt.Add(FollowUpDelay),
			Status:       store.ReminderPending,
			Subject:      fmt.Sprintf("Action items from %q", session.Title),
			Message:      followUpMessage(p, session, actions, s.baseURL),
		})
		if err != nil {
			return created, fmt.Errorf("insert follow-up: %w", err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func followUpMessage(p store.Participant, session store.RetroSession, actions []string, baseURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\nIt has been a week since %q. ", displayName(p), session.Title)
	if len(actions) == 0 {
		b.WriteString("No action items were recorded.\n")
	} else {
		b.WriteString("How are the action items going?\n\n")
		for _, action := range actions {
			fmt.Fprintf(&b, "- %s\n", action)
		}
	}
	b.WriteString(link(baseURL, session.ID))
	return b.String()
}

// MarkSent records delivery. A reminder that is already sent is returned
// unchanged.
func (s *Scheduler) MarkSent(ctx context.Context, reminderID int64) (store.ScheduledReminder, error) {
	return s.finish(ctx, reminderID, store.ReminderSent, "")
}

// MarkFailed records a permanent delivery failure.
func (s *Scheduler) MarkFailed(ctx context.Context, reminderID int64, reason string) (store.ScheduledReminder, error) {
	return s.finish(ctx, reminderID, store.ReminderFailed, reason)
}

func (s *Scheduler) finish(ctx context.Context, reminderID int64, to store.ReminderStatus, reason string) (store.ScheduledReminder, error) {
	var reminder store.ScheduledReminder
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		changed, err := tx.TransitionReminder(ctx, reminderID, store.ReminderPending, to, s.now(), reason)
		if err != nil {
			return fmt.Errorf("transition reminder: %w", err)
		}
		reminder, err = tx.GetReminder(ctx, reminderID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("reminder", reminderID)
		}
		if err != nil {
			return fmt.Errorf("get reminder: %w", err)
		}
		if changed {
			s.logger.Info("reminder finished", "reminder_id", reminderID, "status", to)
			return nil
		}
		if reminder.Status == to {
			return nil
		}
		return apperr.Validation("status", "reminder %d is already %s", reminderID, reminder.Status)
	})
	return reminder, err
}

// ListReminders returns a session's reminders by scheduled time.
func (s *Scheduler) ListReminders(ctx context.Context, sessionID string) ([]store.ScheduledReminder, error) {
	var reminders []store.ScheduledReminder
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		reminders, err = tx.ListReminders(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("list reminders: %w", err)
		}
		return nil
	})
	return reminders, err
}

func displayName(p store.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}

func link(baseURL, sessionID string) string {
	if baseURL == "" {
		return ""
	}
	return fmt.Sprintf("\n%s/retros/%s\n", strings.TrimRight(baseURL, "/"), sessionID)
}
