// Package app wires the retrospective engine into one service and exposes
// it over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/ai"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/automation"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/config"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/discussion"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/export"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/phase"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/rbac"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/search"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/themes"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/util"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/voting"
)

const maxResponseLength = 2000

// Deps are the collaborators of Service. Only Store is required.
type Deps struct {
	Store    store.Store
	Proposer phase.Proposer
	Search   *search.Service
	Export   *export.Service
	Vectors  ai.VectorIndex
	Logger   *slog.Logger
}

type Service struct {
	cfg       config.Config
	store     store.Store
	phases    *phase.Controller
	votes     *voting.Allocator
	topics    *discussion.Tracker
	scheduler *automation.Scheduler
	search    *search.Service
	exporter  *export.Service
	vectors   ai.VectorIndex
	logger    *slog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scheduler := automation.NewScheduler(deps.Store, cfg.AppBaseURL, logger)
	searchSvc := deps.Search
	if searchSvc == nil {
		searchSvc = search.NewService(nil, nil, logger)
	}
	exporter := deps.Export
	if exporter == nil {
		exporter = export.NewService(nil, false, logger)
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		phases:    phase.NewController(deps.Store, deps.Proposer, scheduler, logger),
		votes:     voting.NewAllocator(deps.Store, logger),
		topics:    discussion.NewTracker(deps.Store, logger),
		scheduler: scheduler,
		search:    searchSvc,
		exporter:  exporter,
		vectors:   deps.Vectors,
		logger:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Scheduler exposes reminder bookkeeping to the sweep process.
func (s *Service) Scheduler() *automation.Scheduler {
	return s.scheduler
}

type ParticipantInput struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

type SettingsInput struct {
	VotesPerMember    *int  `json:"votes_per_member"`
	MinVotesToDiscuss *int  `json:"min_votes_to_discuss"`
	DiscussionMinutes *int  `json:"discussion_minutes"`
	RemindWeekBefore  *bool `json:"remind_week_before"`
	RemindDayBefore   *bool `json:"remind_day_before"`
}

type ScheduleInput struct {
	WorkspaceID      string             `json:"workspace_id"`
	Title            string             `json:"title"`
	ScheduledFor     time.Time          `json:"scheduled_for"`
	FacilitatorName  string             `json:"facilitator_name"`
	FacilitatorEmail string             `json:"facilitator_email"`
	Settings         SettingsInput      `json:"settings"`
	Participants     []ParticipantInput `json:"participants"`
}

// SessionView is a session with its participants.
type SessionView struct {
	Session      store.RetroSession  `json:"session"`
	Participants []store.Participant `json:"participants"`
}

func (s *Service) settings(in SettingsInput) (store.Settings, error) {
	settings := store.Settings{
		VotesPerMember:    s.cfg.DefaultVotesPerMember,
		MinVotesToDiscuss: s.cfg.DefaultMinVotesToDiscuss,
		DiscussionMinutes: s.cfg.DefaultDiscussionMinutes,
		RemindWeekBefore:  true,
		RemindDayBefore:   true,
	}
	if in.VotesPerMember != nil {
		settings.VotesPerMember = *in.VotesPerMember
	}
	if in.MinVotesToDiscuss != nil {
		settings.MinVotesToDiscuss = *in.MinVotesToDiscuss
	}
	if in.DiscussionMinutes != nil {
		settings.DiscussionMinutes = *in.DiscussionMinutes
	}
	if in.RemindWeekBefore != nil {
		settings.RemindWeekBefore = *in.RemindWeekBefore
	}
	if in.RemindDayBefore != nil {
		settings.RemindDayBefore = *in.RemindDayBefore
	}
	switch {
	case settings.VotesPerMember < 1:
		return store.Settings{}, apperr.Validation("votes_per_member", "must be at least 1")
	case settings.MinVotesToDiscuss < 0:
		return store.Settings{}, apperr.Validation("min_votes_to_discuss", "must not be negative")
	case settings.DiscussionMinutes < 0:
		return store.Settings{}, apperr.Validation("discussion_minutes", "must not be negative")
	}
	return settings, nil
}

// ScheduleRetrospective creates a session in the scheduled phase with its
// participants and pre-session reminders. The caller becomes facilitator.
func (s *Service) ScheduleRetrospective(ctx context.Context, userID string, in ScheduleInput) (SessionView, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.WorkspaceID = strings.TrimSpace(in.WorkspaceID)
	switch {
	case in.WorkspaceID == "":
		return SessionView{}, apperr.Validation("workspace_id", "is required")
	case in.Title == "":
		return SessionView{}, apperr.Validation("title", "is required")
	case in.ScheduledFor.IsZero():
		return SessionView{}, apperr.Validation("scheduled_for", "is required")
	}
	settings, err := s.settings(in.Settings)
	if err != nil {
		return SessionView{}, err
	}

	participants := []store.Participant{{
		UserID:      userID,
		DisplayName: firstNonBlank(in.FacilitatorName, userID),
		Email:       strings.TrimSpace(in.FacilitatorEmail),
		Role:        store.RoleFacilitator,
		Active:      true,
	}}
	seen := map[string]bool{userID: true}
	for _, p := range in.Participants {
		id := strings.TrimSpace(p.UserID)
		if id == "" {
			return SessionView{}, apperr.Validation("participants", "user_id is required")
		}
		if seen[id] {
			return SessionView{}, apperr.Validation("participants", "duplicate participant %s", id)
		}
		seen[id] = true
		participants = append(participants, store.Participant{
			UserID:      id,
			DisplayName: firstNonBlank(p.DisplayName, id),
			Email:       strings.TrimSpace(p.Email),
			Role:        rbac.Normalize(p.Role),
			Active:      true,
		})
	}

	session := store.RetroSession{
		ID:            util.NewID("rs"),
		WorkspaceID:   in.WorkspaceID,
		Title:         in.Title,
		FacilitatorID: userID,
		Phase:         store.PhaseScheduled,
		Settings:      settings,
		ScheduledFor:  in.ScheduledFor.UTC(),
	}

	var view SessionView
	var reminders int
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateSession(ctx, session); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		for _, p := range participants {
			p.SessionID = session.ID
			if err := tx.UpsertParticipant(ctx, p); err != nil {
				return fmt.Errorf("add participant: %w", err)
			}
		}
		stored, err := tx.ListParticipants(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		if reminders, err = s.scheduler.ScheduleSession(ctx, tx, session, stored); err != nil {
			return err
		}
		created, err := tx.GetSession(ctx, session.ID)
		if err != nil {
			return err
		}
		view = SessionView{Session: created, Participants: stored}
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}
	s.logger.Info("retrospective scheduled", "session_id", session.ID, "workspace_id", session.WorkspaceID, "participants", len(participants), "reminders", reminders)
	return view, nil
}

// authorize loads the caller's participant row and checks action.
func (s *Service) authorize(ctx context.Context, sessionID, userID string, action rbac.Action) (store.RetroSession, store.Participant, error) {
	var session store.RetroSession
	var participant store.Participant
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		session, err = tx.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("session", sessionID)
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		participant, err = tx.GetParticipant(ctx, sessionID, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("get participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.RetroSession{}, store.Participant{}, err
	}
	if err := rbac.Authorize(participant, action); err != nil {
		s.logger.Warn("action denied", "session_id", sessionID, "user_id", userID, "action", action)
		return store.RetroSession{}, store.Participant{}, err
	}
	return session, participant, nil
}

func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (SessionView, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionRead); err != nil {
		return SessionView{}, err
	}
	var view SessionView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		if view.Session, err = tx.GetSession(ctx, sessionID); err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if view.Participants, err = tx.ListParticipants(ctx, sessionID); err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		return nil
	})
	return view, err
}

// Advance moves the session to the phase after expected. Completion runs
// the post-completion side effects once the transaction has committed.
func (s *Service) Advance(ctx context.Context, userID, sessionID string, expected store.Phase, force bool) (store.RetroSession, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionFacilitate); err != nil {
		return store.RetroSession{}, err
	}
	session, err := s.phases.Advance(ctx, phase.Request{SessionID: sessionID, Expected: expected, Force: force})
	if err != nil {
		return store.RetroSession{}, err
	}
	if session.Phase == store.PhaseCompleted {
		s.afterCompletion(ctx, session)
	}
	return session, nil
}

// Start opens input for a scheduled session.
func (s *Service) Start(ctx context.Context, userID, sessionID string) (store.RetroSession, error) {
	return s.Advance(ctx, userID, sessionID, store.PhaseScheduled, false)
}

func (s *Service) Cancel(ctx context.Context, userID, sessionID string, expected store.Phase) (store.RetroSession, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionFacilitate); err != nil {
		return store.RetroSession{}, err
	}
	return s.phases.Cancel(ctx, sessionID, expected)
}

func (s *Service) ResetTo(ctx context.Context, userID, sessionID string, target store.Phase) (store.RetroSession, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionFacilitate); err != nil {
		return store.RetroSession{}, err
	}
	return s.phases.ResetTo(ctx, sessionID, target)
}

func notInPhase(actual, want store.Phase, condition string) error {
	return &apperr.PhaseGuardError{From: string(actual), To: string(want), Condition: condition, Detail: "session is in " + string(actual)}
}

// SubmitResponse records one piece of input from an active participant.
func (s *Service) SubmitResponse(ctx context.Context, userID, sessionID, category, text string) (store.Response, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionRespond); err != nil {
		return store.Response{}, err
	}
	parsed, err := themes.ParseCategory(category)
	if err != nil {
		return store.Response{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Response{}, apperr.Validation("text", "is required")
	}
	if len([]rune(text)) > maxResponseLength {
		return store.Response{}, apperr.Validation("text", "must be at most %d characters", maxResponseLength)
	}

	var created store.Response
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if session.Phase != store.PhaseInput {
			return notInPhase(session.Phase, store.PhaseInput, "input_closed")
		}
		created, err = tx.InsertResponse(ctx, store.Response{SessionID: sessionID, AuthorID: userID, Category: parsed, Text: text})
		if err != nil {
			return fmt.Errorf("insert response: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Response{}, err
	}
	s.logger.Debug("response submitted", "session_id", sessionID, "response_id", created.ID, "category", parsed)
	return created, nil
}

func (s *Service) ListResponses(ctx context.Context, userID, sessionID string) ([]store.Response, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	var responses []store.Response
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		responses, err = tx.ListResponses(ctx, sessionID)
		return err
	})
	return responses, err
}

// MarkInputComplete records whether the caller has finished input.
func (s *Service) MarkInputComplete(ctx context.Context, userID, sessionID string, completed bool) (store.Participant, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionRespond); err != nil {
		return store.Participant{}, err
	}
	var participant store.Participant
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if session.Phase != store.PhaseInput {
			return notInPhase(session.Phase, store.PhaseInput, "input_closed")
		}
		if err := tx.SetInputCompleted(ctx, sessionID, userID, completed); err != nil {
			return fmt.Errorf("set input completed: %w", err)
		}
		participant, err = tx.GetParticipant(ctx, sessionID, userID)
		return err
	})
	return participant, err
}

func (s *Service) ListReminders(ctx context.Context, userID, sessionID string) ([]store.ScheduledReminder, error) {
	if _, _, err := s.authorize(ctx, sessionID, userID, rbac.ActionFacilitate); err != nil {
		return nil, err
	}
	return s.scheduler.ListReminders(ctx, sessionID)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
