// Package phase owns a retrospective's lifecycle. Every transition checks
// its guard and applies its side effects in the same transaction as the
// phase update.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/discussion"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/themes"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/voting"
)

// Guard conditions reported in PhaseGuardError.Condition.
const (
	CondIllegalTransition      = "illegal_transition"
	CondStalePhase             = "stale_phase"
	CondTerminal               = "terminal_phase"
	CondParticipantsIncomplete = "participants_incomplete"
	CondNoResponses            = "no_responses"
	CondNoThemes               = "no_themes"
	CondVotingOpen             = "voting_open"
	CondTopicsOpen             = "topics_open"
	CondResetForward           = "reset_forward"
)

var next = map[store.Phase]store.Phase{
	store.PhaseScheduled:  store.PhaseInput,
	store.PhaseInput:      store.PhaseGrouping,
	store.PhaseGrouping:   store.PhaseVoting,
	store.PhaseVoting:     store.PhaseDiscussion,
	store.PhaseDiscussion: store.PhaseSummary,
	store.PhaseSummary:    store.PhaseCompleted,
}

// Next returns the phase that follows p, or false for terminal phases.
func Next(p store.Phase) (store.Phase, bool) {
	to, ok := next[p]
	return to, ok
}

// Proposer produces theme proposals for the grouping transition.
type Proposer interface {
	Propose(ctx context.Context, session store.RetroSession, responses []store.Response, names map[string]string) ([]themes.Theme, error)
}

// FollowUps schedules post-completion reminders inside the completing
// transaction.
type FollowUps interface {
	CreateFollowUps(ctx context.Context, tx store.Tx, session store.RetroSession, completedAt time.Time) (int, error)
}

// Request asks for one forward transition. Expected, when set, must match
// the stored phase. Force waives the participant-completion guard of
// input -> grouping.
type Request struct {
	SessionID string
	To        store.Phase
	Expected  store.Phase
	Force     bool
}

type Controller struct {
	store     store.Store
	proposer  Proposer
	followUps FollowUps
	logger    *slog.Logger
	now       func() time.Time
}

func NewController(s store.Store, proposer Proposer, followUps FollowUps, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     s,
		proposer:  proposer,
		followUps: followUps,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Advance applies the transition in req. On any error the stored session is
// unchanged.
func (c *Controller) Advance(ctx context.Context, req Request) (store.RetroSession, error) {
	current, err := c.load(ctx, req.SessionID)
	if err != nil {
		return store.RetroSession{}, err
	}
	from := current.Phase
	if req.Expected != "" {
		from = req.Expected
	}
	to, ok := next[from]
	if !ok {
		return store.RetroSession{}, &apperr.PhaseGuardError{From: string(from), To: string(req.To), Condition: CondTerminal}
	}
	if req.To != "" && req.To != to {
		return store.RetroSession{}, &apperr.PhaseGuardError{From: string(from), To: string(req.To), Condition: CondIllegalTransition}
	}

	var proposal []themes.Theme
	if to == store.PhaseGrouping {
		proposal, err = c.propose(ctx, current, from, req.Force)
		if err != nil {
			return store.RetroSession{}, err
		}
	}

	var updated store.RetroSession
	err = c.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := lockAt(ctx, tx, req.SessionID, from, to)
		if err != nil {
			return err
		}
		at := c.now()
		switch to {
		case store.PhaseInput:
		case store.PhaseGrouping:
			err = c.enterGrouping(ctx, tx, session, req.Force, proposal)
		case store.PhaseVoting:
			err = c.enterVoting(ctx, tx, session)
		case store.PhaseDiscussion:
			err = c.enterDiscussion(ctx, tx, session, at)
		case store.PhaseSummary:
			err = c.enterSummary(ctx, tx, session, at)
		case store.PhaseCompleted:
		}
		if err != nil {
			return err
		}
		if err := commitPhase(ctx, tx, session, to, at); err != nil {
			return err
		}
		if to == store.PhaseCompleted && c.followUps != nil {
			completed := session
			completed.Phase = to
			created, err := c.followUps.CreateFollowUps(ctx, tx, completed, at)
			if err != nil {
				return fmt.Errorf("schedule follow-ups: %w", err)
			}
			c.logger.Info("follow-ups scheduled", "session_id", session.ID, "reminders", created)
		}
		updated, err = tx.GetSession(ctx, session.ID)
		return err
	})
	if err != nil {
		return store.RetroSession{}, err
	}
	c.logger.Info("phase advanced", "session_id", req.SessionID, "from", from, "to", to)
	return updated, nil
}

// Cancel aborts a session from any non-terminal phase and cancels its
// pending reminders.
func (c *Controller) Cancel(ctx context.Context, sessionID string, expected store.Phase) (store.RetroSession, error) {
	var updated store.RetroSession
	var cancelled int
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := lock(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.Phase.Terminal() {
			return &apperr.PhaseGuardError{From: string(session.Phase), To: string(store.PhaseCancelled), Condition: CondTerminal}
		}
		if expected != "" && expected != session.Phase {
			return stale(session.Phase, expected, store.PhaseCancelled)
		}
		at := c.now()
		ok, err := tx.CompareAndSetPhase(ctx, sessionID, session.Phase, store.PhaseCancelled, at)
		if err != nil {
			return fmt.Errorf("cancel session: %w", err)
		}
		if !ok {
			return stale(session.Phase, session.Phase, store.PhaseCancelled)
		}
		cancelled, err = tx.CancelPendingReminders(ctx, sessionID, at)
		if err != nil {
			return fmt.Errorf("cancel reminders: %w", err)
		}
		updated, err = tx.GetSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return store.RetroSession{}, err
	}
	c.logger.Info("session cancelled", "session_id", sessionID, "reminders_cancelled", cancelled)
	return updated, nil
}

// ResetTo moves a session back to target, which must not be ahead of the
// current phase. Data derived after target is discarded and the entry state
// of target is rebuilt: voting reopens with finalized ballots cleared,
// discussion re-ranks topics from the current tallies, summary is rebuilt.
func (c *Controller) ResetTo(ctx context.Context, sessionID string, target store.Phase) (store.RetroSession, error) {
	if target.Order() < 0 {
		return store.RetroSession{}, apperr.Validation("phase", "cannot reset to %q", target)
	}
	var updated store.RetroSession
	var from store.Phase
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := lock(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		from = session.Phase
		if from.Terminal() {
			return &apperr.PhaseGuardError{From: string(from), To: string(target), Condition: CondTerminal}
		}
		if target.Order() > from.Order() {
			return &apperr.PhaseGuardError{From: string(from), To: string(target), Condition: CondResetForward}
		}

		at := c.now()
		if err := c.discardAfter(ctx, tx, session, target, at); err != nil {
			return err
		}
		if target != from {
			ok, err := tx.CompareAndSetPhase(ctx, sessionID, from, target, at)
			if err != nil {
				return fmt.Errorf("reset phase: %w", err)
			}
			if !ok {
				return stale(from, from, target)
			}
		}
		kept := make([]store.Phase, 0, len(session.CompletedPhases))
		for _, done := range session.CompletedPhases {
			if done.Order() < target.Order() {
				kept = append(kept, done)
			}
		}
		if err := tx.SetCompletedPhases(ctx, sessionID, kept); err != nil {
			return fmt.Errorf("set completed phases: %w", err)
		}
		updated, err = tx.GetSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return store.RetroSession{}, err
	}
	c.logger.Info("phase reset", "session_id", sessionID, "from", from, "to", target)
	return updated, nil
}

func (c *Controller) discardAfter(ctx context.Context, tx store.Tx, session store.RetroSession, target store.Phase, at time.Time) error {
	if target.Order() <= store.PhaseSummary.Order() {
		if err := tx.DeleteSummary(ctx, session.ID); err != nil {
			return fmt.Errorf("delete summary: %w", err)
		}
	}
	if target.Order() <= store.PhaseDiscussion.Order() {
		if err := tx.DeleteTopics(ctx, session.ID); err != nil {
			return fmt.Errorf("delete topics: %w", err)
		}
	}
	if target.Order() <= store.PhaseGrouping.Order() {
		if err := tx.DeleteVotingData(ctx, session.ID); err != nil {
			return fmt.Errorf("delete voting data: %w", err)
		}
		if err := tx.ResetVotingFinalized(ctx, session.ID); err != nil {
			return fmt.Errorf("reset ballots: %w", err)
		}
	}
	if target.Order() <= store.PhaseInput.Order() {
		if err := tx.ClearResponseThemes(ctx, session.ID); err != nil {
			return fmt.Errorf("clear response themes: %w", err)
		}
		if err := tx.DeleteThemeGroups(ctx, session.ID); err != nil {
			return fmt.Errorf("delete theme groups: %w", err)
		}
	}

	switch target {
	case store.PhaseVoting:
		vote, err := tx.GetVotingSession(ctx, session.ID)
		if errors.Is(err, store.ErrNotFound) {
			return c.enterVoting(ctx, tx, session)
		}
		if err != nil {
			return fmt.Errorf("get voting session: %w", err)
		}
		if _, err := tx.SetVotingStatus(ctx, vote.ID, store.VotingClosed, store.VotingOpen, at); err != nil {
			return fmt.Errorf("reopen voting: %w", err)
		}
		if err := tx.ResetVotingFinalized(ctx, session.ID); err != nil {
			return fmt.Errorf("reset ballots: %w", err)
		}
	case store.PhaseDiscussion:
		return c.rankTopics(ctx, tx, session)
	case store.PhaseSummary:
		return c.enterSummary(ctx, tx, session, at)
	}
	return nil
}

// propose runs the guards of input -> grouping against a snapshot and calls
// the proposer outside any transaction. A failure leaves the session in
// input.
func (c *Controller) propose(ctx context.Context, session store.RetroSession, from store.Phase, force bool) ([]themes.Theme, error) {
	if session.Phase != from {
		return nil, stale(session.Phase, from, store.PhaseGrouping)
	}
	var responses []store.Response
	var participants []store.Participant
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		if participants, err = tx.ListParticipants(ctx, session.ID); err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		if responses, err = tx.ListResponses(ctx, session.ID); err != nil {
			return fmt.Errorf("list responses: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := inputGuard(participants, responses, force); err != nil {
		return nil, err
	}
	if c.proposer == nil {
		return nil, nil
	}

	names := make(map[string]string, len(participants))
	for _, p := range participants {
		names[p.UserID] = p.DisplayName
	}
	proposal, err := c.proposer.Propose(ctx, session, responses, names)
	if err != nil {
		c.logger.Warn("theme proposal failed, session stays in input", "session_id", session.ID, "error", err)
		return nil, err
	}
	return proposal, nil
}

func inputGuard(participants []store.Participant, responses []store.Response, force bool) error {
	if len(responses) == 0 {
		return &apperr.PhaseGuardError{From: string(store.PhaseInput), To: string(store.PhaseGrouping), Condition: CondNoResponses}
	}
	if force {
		return nil
	}
	active, done := 0, 0
	for _, p := range participants {
		if !p.Active {
			continue
		}
		active++
		if p.CompletedInput {
			done++
		}
	}
	if done < active {
		return &apperr.PhaseGuardError{
			From:      string(store.PhaseInput),
			To:        string(store.PhaseGrouping),
			Condition: CondParticipantsIncomplete,
			Detail:    fmt.Sprintf("%d of %d participants completed input", done, active),
		}
	}
	return nil
}

func (c *Controller) enterGrouping(ctx context.Context, tx store.Tx, session store.RetroSession, force bool, proposal []themes.Theme) error {
	participants, err := tx.ListParticipants(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	responses, err := tx.ListResponses(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list responses: %w", err)
	}
	if err := inputGuard(participants, responses, force); err != nil {
		return err
	}

	free := make(map[int64]bool, len(responses))
	for _, r := range responses {
		if r.ThemeGroupID == nil {
			free[r.ID] = true
		}
	}
	for _, theme := range proposal {
		ids := claimResponses(free, theme.ResponseIDs)
		group, err := tx.InsertThemeGroup(ctx, store.ThemeGroup{
			SessionID:       session.ID,
			Title:           theme.Title,
			Description:     theme.Description,
			PrimaryCategory: theme.PrimaryCategory,
			Contributors:    theme.Contributors,
			ResponseIDs:     ids,
			AIGenerated:     true,
		})
		if err != nil {
			return fmt.Errorf("insert theme group: %w", err)
		}
		for _, responseID := range ids {
			ok, err := tx.AssignResponseTheme(ctx, session.ID, responseID, group.ID)
			if err != nil {
				return fmt.Errorf("assign response theme: %w", err)
			}
			if !ok {
				return fmt.Errorf("assign response theme: response %d already grouped", responseID)
			}
		}
	}
	return nil
}

// claimResponses keeps the ids still in free and removes them from it, so a
// response belongs to the first theme that lists it.
func claimResponses(free map[int64]bool, ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if free[id] {
			delete(free, id)
			out = append(out, id)
		}
	}
	return out
}

func (c *Controller) enterVoting(ctx context.Context, tx store.Tx, session store.RetroSession) error {
	groups, err := tx.ListThemeGroups(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list theme groups: %w", err)
	}
	if len(groups) == 0 {
		return &apperr.PhaseGuardError{From: string(store.PhaseGrouping), To: string(store.PhaseVoting), Condition: CondNoThemes}
	}
	_, err = tx.CreateVotingSession(ctx, store.VotingSession{
		SessionID:         session.ID,
		VotesPerMember:    session.Settings.VotesPerMember,
		MinVotesToDiscuss: session.Settings.MinVotesToDiscuss,
		Status:            store.VotingOpen,
	})
	if err != nil {
		return fmt.Errorf("open voting session: %w", err)
	}
	return nil
}

func (c *Controller) enterDiscussion(ctx context.Context, tx store.Tx, session store.RetroSession, at time.Time) error {
	vote, err := tx.GetVotingSession(ctx, session.ID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("voting session", session.ID)
	}
	if err != nil {
		return fmt.Errorf("get voting session: %w", err)
	}
	vote, err = tx.LockVotingSession(ctx, vote.ID)
	if err != nil {
		return fmt.Errorf("lock voting session: %w", err)
	}
	if vote.Status == store.VotingOpen {
		participants, err := tx.ListParticipants(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		allocations, err := tx.ListAllocations(ctx, vote.ID)
		if err != nil {
			return fmt.Errorf("list allocations: %w", err)
		}
		if pending := voting.PendingVoters(participants, allocations, vote.VotesPerMember); len(pending) > 0 {
			return &apperr.PhaseGuardError{
				From:      string(store.PhaseVoting),
				To:        string(store.PhaseDiscussion),
				Condition: CondVotingOpen,
				Detail:    fmt.Sprintf("%d participants still voting", len(pending)),
			}
		}
		if _, err := tx.SetVotingStatus(ctx, vote.ID, store.VotingOpen, store.VotingClosed, at); err != nil {
			return fmt.Errorf("close voting: %w", err)
		}
	}
	return c.rankTopics(ctx, tx, session)
}

func (c *Controller) rankTopics(ctx context.Context, tx store.Tx, session store.RetroSession) error {
	vote, err := tx.GetVotingSession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("get voting session: %w", err)
	}
	groups, err := tx.ListThemeGroups(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list theme groups: %w", err)
	}
	allocations, err := tx.ListAllocations(ctx, vote.ID)
	if err != nil {
		return fmt.Errorf("list allocations: %w", err)
	}
	topics := discussion.Rank(groups, voting.Tally(allocations), vote.MinVotesToDiscuss, session.Settings.DiscussionMinutes)
	if _, err := tx.ReplaceTopics(ctx, session.ID, topics); err != nil {
		return fmt.Errorf("replace topics: %w", err)
	}
	return nil
}

func (c *Controller) enterSummary(ctx context.Context, tx store.Tx, session store.RetroSession, at time.Time) error {
	topics, err := tx.ListTopics(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	if open := discussion.Open(topics); len(open) > 0 {
		return &apperr.PhaseGuardError{
			From:      string(store.PhaseDiscussion),
			To:        string(store.PhaseSummary),
			Condition: CondTopicsOpen,
			Detail:    fmt.Sprintf("%d topics neither discussed nor skipped", len(open)),
		}
	}
	participants, err := tx.ListParticipants(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	responses, err := tx.ListResponses(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list responses: %w", err)
	}
	groups, err := tx.ListThemeGroups(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list theme groups: %w", err)
	}
	summary := discussion.Summarize(session, participants, responses, groups, topics, at)
	if err := tx.UpsertSummary(ctx, summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (c *Controller) load(ctx context.Context, sessionID string) (store.RetroSession, error) {
	var session store.RetroSession
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		session, err = tx.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("session", sessionID)
		}
		return err
	})
	return session, err
}

func lock(ctx context.Context, tx store.Tx, sessionID string) (store.RetroSession, error) {
	session, err := tx.LockSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.RetroSession{}, apperr.NotFound("session", sessionID)
	}
	if err != nil {
		return store.RetroSession{}, fmt.Errorf("lock session: %w", err)
	}
	return session, nil
}

// lockAt locks the session and checks it still sits in from.
func lockAt(ctx context.Context, tx store.Tx, sessionID string, from, to store.Phase) (store.RetroSession, error) {
	session, err := lock(ctx, tx, sessionID)
	if err != nil {
		return store.RetroSession{}, err
	}
	if session.Phase != from {
		return store.RetroSession{}, stale(session.Phase, from, to)
	}
	return session, nil
}

func commitPhase(ctx context.Context, tx store.Tx, session store.RetroSession, to store.Phase, at time.Time) error {
	ok, err := tx.CompareAndSetPhase(ctx, session.ID, session.Phase, to, at)
	if err != nil {
		return fmt.Errorf("set phase: %w", err)
	}
	if !ok {
		return stale(session.Phase, session.Phase, to)
	}
	completed := session.CompletedPhases
	if !session.PhaseCompleted(session.Phase) {
		completed = append(append([]store.Phase(nil), completed...), session.Phase)
	}
	if err := tx.SetCompletedPhases(ctx, session.ID, completed); err != nil {
		return fmt.Errorf("set completed phases: %w", err)
	}
	return nil
}

func stale(actual, expected, to store.Phase) error {
	return &apperr.PhaseGuardError{
		From:      string(expected),
		To:        string(to),
		Condition: CondStalePhase,
		Detail:    fmt.Sprintf("session is in %s", actual),
	}
}
