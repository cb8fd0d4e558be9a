package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/util"
)

// Dispatcher delivers one reminder.
type Dispatcher interface {
	Send(ctx context.Context, reminder store.ScheduledReminder) error
}

type SweeperConfig struct {
	// Owner identifies this sweeper in reminder claims. Empty picks a random id.
	Owner       string
	Lease       time.Duration
	BatchSize   int
	MaxAttempts int
}

type SweepResult struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Retrying int `json:"retrying"`
	Skipped  int `json:"skipped"`
}

// Sweeper claims due reminders, dispatches them and records the outcome.
// Any number of sweepers may run against the same store: a claim is a lease,
// a send runs only inside it, and the final pending -> sent|failed update
// only lands for the current claim holder.
type Sweeper struct {
	store      store.Store
	dispatcher Dispatcher
	cfg        SweeperConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(s store.Store, dispatcher Dispatcher, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Owner == "" {
		cfg.Owner = util.NewID("sweeper")
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Sweeper{
		store:      s,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("sweeper", cfg.Owner),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one pass. A failed send is retried on a later pass once the
// lease runs out, until MaxAttempts is reached.
func (w *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := w.now()

	var claimed []store.ScheduledReminder
	err := w.store.WithinTx(ctx, func(tx store.Tx) error {
		due, err := tx.ListDueReminders(ctx, now, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list due reminders: %w", err)
		}
		until := now.Add(w.cfg.Lease)
		for _, reminder := range due {
			ok, err := tx.ClaimReminder(ctx, reminder.ID, w.cfg.Owner, now, until)
			if err != nil {
				return fmt.Errorf("claim reminder: %w", err)
			}
			if ok {
				reminder.ClaimedBy = w.cfg.Owner
				reminder.ClaimedUntil = &until
				reminder.Attempts++
				claimed = append(claimed, reminder)
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	result.Claimed = len(claimed)

	for _, reminder := range claimed {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		held, sendErr := w.dispatch(ctx, reminder)
		if !held {
			w.logger.Warn("reminder lease expired before dispatch", "reminder_id", reminder.ID)
			result.Skipped++
			continue
		}
		if sendErr != nil && reminder.Attempts < w.cfg.MaxAttempts {
			w.logger.Warn("reminder dispatch failed, will retry",
				"reminder_id", reminder.ID,
				"attempts", reminder.Attempts,
				"error", sendErr,
			)
			result.Retrying++
			continue
		}

		to, lastError := store.ReminderSent, ""
		if sendErr != nil {
			to, lastError = store.ReminderFailed, sendErr.Error()
		}
		var changed bool
		err := w.store.WithinTx(ctx, func(tx store.Tx) error {
			var err error
			changed, err = tx.FinishClaimedReminder(ctx, reminder.ID, w.cfg.Owner, to, w.now(), lastError)
			return err
		})
		if err != nil {
			return result, fmt.Errorf("record reminder %d: %w", reminder.ID, err)
		}
		switch {
		case !changed:
			result.Skipped++
		case to == store.ReminderSent:
			result.Sent++
		default:
			result.Failed++
			w.logger.Error("reminder dispatch failed", "reminder_id", reminder.ID, "attempts", reminder.Attempts, "error", sendErr)
		}
	}

	if result.Claimed > 0 {
		w.logger.Info("reminder sweep finished",
			"claimed", result.Claimed,
			"sent", result.Sent,
			"failed", result.Failed,
			"retrying", result.Retrying,
			"skipped", result.Skipped,
		)
	}
	return result, nil
}

// dispatch sends reminder within what is left of its lease, so a send never
// overlaps a later claim by another sweeper. held is false when the lease
// ran out before the send started.
func (w *Sweeper) dispatch(ctx context.Context, reminder store.ScheduledReminder) (held bool, err error) {
	remaining := reminder.ClaimedUntil.Sub(w.now())
	if remaining <= 0 {
		return false, nil
	}
	sendCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	return true, w.dispatcher.Send(sendCtx, reminder)
}

// Run sweeps every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("reminder sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
