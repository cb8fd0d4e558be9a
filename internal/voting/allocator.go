// Package voting enforces per-participant vote budgets over theme groups.
package voting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

// Allocation is the requested vote count for one theme group. It replaces
// any earlier value for the same theme.
type Allocation struct {
	ThemeGroupID int64 `json:"theme_group_id"`
	Votes        int   `json:"votes"`
}

// Ballot is one participant's view of their budget.
type Ballot struct {
	ParticipantID string                 `json:"participant_id"`
	Budget        int                    `json:"budget"`
	Used          int                    `json:"used"`
	Remaining     int                    `json:"remaining"`
	Finalized     bool                   `json:"finalized"`
	Allocations   []store.VoteAllocation `json:"allocations"`
}

type Allocator struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewAllocator(s store.Store, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: s, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Allocate sets participantID's votes for one theme group.
func (a *Allocator) Allocate(ctx context.Context, sessionID, participantID string, themeGroupID int64, votes int) (Ballot, error) {
	return a.AllocateMany(ctx, sessionID, participantID, []Allocation{{ThemeGroupID: themeGroupID, Votes: votes}})
}

// AllocateMany applies a batch all-or-nothing. Every row is validated and
// the aggregate budget is checked before anything is written.
func (a *Allocator) AllocateMany(ctx context.Context, sessionID, participantID string, changes []Allocation) (Ballot, error) {
	if len(changes) == 0 {
		return Ballot{}, apperr.Validation("allocations", "at least one allocation is required")
	}
	seen := make(map[int64]bool, len(changes))
	for _, change := range changes {
		if change.Votes < 0 {
			return Ballot{}, apperr.Validation("votes", "must not be negative, got %d for theme %d", change.Votes, change.ThemeGroupID)
		}
		if seen[change.ThemeGroupID] {
			return Ballot{}, apperr.Validation("allocations", "theme %d appears more than once", change.ThemeGroupID)
		}
		seen[change.ThemeGroupID] = true
	}

	var ballot Ballot
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		voting, participant, err := openBallot(ctx, tx, sessionID, participantID)
		if err != nil {
			return err
		}
		if participant.VotingFinalized {
			return apperr.Validation("ballot", "participant %s already finalized their votes", participantID)
		}

		for _, change := range changes {
			group, err := tx.GetThemeGroup(ctx, change.ThemeGroupID)
			if errors.Is(err, store.ErrNotFound) || (err == nil && group.SessionID != sessionID) {
				return apperr.NotFound("theme group", change.ThemeGroupID)
			}
			if err != nil {
				return fmt.Errorf("get theme group: %w", err)
			}
		}

		existing, err := tx.ListParticipantAllocations(ctx, voting.ID, participantID)
		if err != nil {
			return fmt.Errorf("list allocations: %w", err)
		}
		if err := CheckBudget(voting.VotesPerMember, existing, changes); err != nil {
			return err
		}

		now := a.now()
		for _, change := range changes {
			if err := tx.UpsertAllocation(ctx, store.VoteAllocation{
				VotingSessionID: voting.ID,
				ThemeGroupID:    change.ThemeGroupID,
				ParticipantID:   participantID,
				Votes:           change.Votes,
				UpdatedAt:       now,
			}); err != nil {
				return fmt.Errorf("upsert allocation: %w", err)
			}
		}

		allocations, err := tx.ListParticipantAllocations(ctx, voting.ID, participantID)
		if err != nil {
			return fmt.Errorf("list allocations: %w", err)
		}
		ballot = newBallot(participantID, voting.VotesPerMember, participant.VotingFinalized, allocations)
		return nil
	})
	if err != nil {
		return Ballot{}, err
	}
	a.logger.Info("votes allocated",
		"session_id", sessionID,
		"participant_id", participantID,
		"used", ballot.Used,
		"budget", ballot.Budget,
	)
	return ballot, nil
}

// openBallot loads and locks everything an allocation depends on. The
// participant budget lock comes first so two writers for the same ballot
// queue up before either reads the current total.
func openBallot(ctx context.Context, tx store.Tx, sessionID, participantID string) (store.VotingSession, store.Participant, error) {
	session, err := tx.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.VotingSession{}, store.Participant{}, apperr.NotFound("session", sessionID)
	}
	if err != nil {
		return store.VotingSession{}, store.Participant{}, fmt.Errorf("get session: %w", err)
	}
	if session.Phase != store.PhaseVoting {
		return store.VotingSession{}, store.Participant{}, &apperr.PhaseGuardError{
			From:      string(session.Phase),
			To:        string(store.PhaseVoting),
			Condition: "voting_not_open",
			Detail:    "votes are only accepted during voting",
		}
	}

	voting, err := tx.GetVotingSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.VotingSession{}, store.Participant{}, apperr.NotFound("voting session", sessionID)
	}
	if err != nil {
		return store.VotingSession{}, store.Participant{}, fmt.Errorf("get voting session: %w", err)
	}
	if err := tx.LockParticipantBudget(ctx, voting.ID, participantID); err != nil {
		return store.VotingSession{}, store.Participant{}, fmt.Errorf("lock participant budget: %w", err)
	}
	voting, err = tx.LockVotingSession(ctx, voting.ID)
	if err != nil {
		return store.VotingSession{}, store.Participant{}, fmt.Errorf("lock voting session: %w", err)
	}
	if voting.Status != store.VotingOpen {
		return store.VotingSession{}, store.Participant{}, &apperr.PhaseGuardError{
			From:      string(session.Phase),
			To:        string(store.PhaseVoting),
			Condition: "voting_closed",
		}
	}

	participant, err := tx.GetParticipant(ctx, sessionID, participantID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !participant.Active) {
		return store.VotingSession{}, store.Participant{}, apperr.NotFound("participant", participantID)
	}
	if err != nil {
		return store.VotingSession{}, store.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return voting, participant, nil
}

// CheckBudget reports whether applying changes on top of existing keeps the
// participant within budget. Changed themes are substituted, not added.
// Totals are compared against the remaining budget, so no sum can overflow.
func CheckBudget(budget int, existing []store.VoteAllocation, changes []Allocation) error {
	changed := make(map[int64]bool, len(changes))
	for _, change := range changes {
		changed[change.ThemeGroupID] = true
	}
	current := 0
	for _, allocation := range existing {
		if changed[allocation.ThemeGroupID] {
			continue
		}
		if allocation.Votes > budget-current {
			return &apperr.OverBudgetError{Budget: budget, Current: budget + 1}
		}
		current += allocation.Votes
	}
	requested := 0
	for _, change := range changes {
		if change.Votes > budget-current-requested {
			over := change.Votes
			if change.Votes <= budget {
				over += requested
			}
			return &apperr.OverBudgetError{Budget: budget, Current: current, Requested: over}
		}
		requested += change.Votes
	}
	return nil
}

// FinalizeBallot locks in a participant's votes. Finalizing twice is a no-op.
func (a *Allocator) FinalizeBallot(ctx context.Context, sessionID, participantID string) (Ballot, error) {
	var ballot Ballot
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		voting, _, err := openBallot(ctx, tx, sessionID, participantID)
		if err != nil {
			return err
		}
		changed, err := tx.SetVotingFinalized(ctx, sessionID, participantID)
		if err != nil {
			return fmt.Errorf("finalize ballot: %w", err)
		}
		if changed {
			a.logger.Info("ballot finalized", "session_id", sessionID, "participant_id", participantID)
		}
		allocations, err := tx.ListParticipantAllocations(ctx, voting.ID, participantID)
		if err != nil {
			return fmt.Errorf("list allocations: %w", err)
		}
		ballot = newBallot(participantID, voting.VotesPerMember, true, allocations)
		return nil
	})
	return ballot, err
}

// CloseVoting closes a session's voting explicitly. Closing an already
// closed vote is a no-op.
func (a *Allocator) CloseVoting(ctx context.Context, sessionID string) (store.VotingSession, error) {
	var voting store.VotingSession
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("session", sessionID)
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if session.Phase != store.PhaseVoting {
			return &apperr.PhaseGuardError{
				From:      string(session.Phase),
				To:        string(store.PhaseVoting),
				Condition: "voting_not_open",
			}
		}
		voting, err = tx.GetVotingSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("voting session", sessionID)
		}
		if err != nil {
			return fmt.Errorf("get voting session: %w", err)
		}
		closed, err := tx.SetVotingStatus(ctx, voting.ID, store.VotingOpen, store.VotingClosed, a.now())
		if err != nil {
			return fmt.Errorf("close voting: %w", err)
		}
		if closed {
			a.logger.Info("voting closed", "session_id", sessionID, "voting_session_id", voting.ID)
		}
		voting, err = tx.LockVotingSession(ctx, voting.ID)
		if err != nil {
			return fmt.Errorf("lock voting session: %w", err)
		}
		return nil
	})
	return voting, err
}

// GetBallot reads a participant's current allocations.
func (a *Allocator) GetBallot(ctx context.Context, sessionID, participantID string) (Ballot, error) {
	var ballot Ballot
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		voting, err := tx.GetVotingSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("voting session", sessionID)
		}
		if err != nil {
			return fmt.Errorf("get voting session: %w", err)
		}
		participant, err := tx.GetParticipant(ctx, sessionID, participantID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("participant", participantID)
		}
		if err != nil {
			return fmt.Errorf("get participant: %w", err)
		}
		allocations, err := tx.ListParticipantAllocations(ctx, voting.ID, participantID)
		if err != nil {
			return fmt.Errorf("list allocations: %w", err)
		}
		ballot = newBallot(participantID, voting.VotesPerMember, participant.VotingFinalized, allocations)
		return nil
	})
	return ballot, err
}

// Tallies returns the total votes per theme group of a session.
func (a *Allocator) Tallies(ctx context.Context, sessionID string) (map[int64]int, error) {
	var tallies map[int64]int
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		voting, err := tx.GetVotingSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("voting session", sessionID)
		}
		if err != nil {
			return fmt.Errorf("get voting session: %w", err)
		}
		allocations, err := tx.ListAllocations(ctx, voting.ID)
		if err != nil {
			return fmt.Errorf("list allocations: %w", err)
		}
		tallies = Tally(allocations)
		return nil
	})
	return tallies, err
}

// Tally sums votes per theme group across all participants.
func Tally(allocations []store.VoteAllocation) map[int64]int {
	out := make(map[int64]int)
	for _, allocation := range allocations {
		out[allocation.ThemeGroupID] += allocation.Votes
	}
	return out
}

// PendingVoters lists active participants who have neither finalized nor
// spent their whole budget, sorted by id. An empty result means voting can
// close on its own.
func PendingVoters(participants []store.Participant, allocations []store.VoteAllocation, budget int) []string {
	used := make(map[string]int)
	for _, allocation := range allocations {
		used[allocation.ParticipantID] += allocation.Votes
	}
	var pending []string
	for _, p := range participants {
		if !p.Active || p.VotingFinalized || used[p.UserID] >= budget {
			continue
		}
		pending = append(pending, p.UserID)
	}
	sort.Strings(pending)
	return pending
}

func newBallot(participantID string, budget int, finalized bool, allocations []store.VoteAllocation) Ballot {
	used := 0
	kept := make([]store.VoteAllocation, 0, len(allocations))
	for _, allocation := range allocations {
		used += allocation.Votes
		if allocation.Votes > 0 {
			kept = append(kept, allocation)
		}
	}
	return Ballot{
		ParticipantID: participantID,
		Budget:        budget,
		Used:          used,
		Remaining:     budget - used,
		Finalized:     finalized,
		Allocations:   kept,
	}
}
