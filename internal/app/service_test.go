package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/ai"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/config"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/export"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/search"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/themes"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/voting"
)

type fakeProposer struct {
	err error
}

func (f *fakeProposer) Propose(_ context.Context, _ store.RetroSession, responses []store.Response, _ map[string]string) ([]themes.Theme, error) {
	if f.err != nil {
		return nil, f.err
	}
	byCategory := map[store.Category][]int64{}
	for _, r := range responses {
		byCategory[r.Category] = append(byCategory[r.Category], r.ID)
	}
	var out []themes.Theme
	for _, c := range store.Categories {
		if ids := byCategory[c]; len(ids) > 0 {
			out = append(out, themes.Theme{Title: "Theme " + string(c), Description: "d", PrimaryCategory: c, ResponseIDs: ids})
		}
	}
	return out, nil
}

type fakeIndex struct {
	mu        sync.Mutex
	themes    []search.ThemeRecord
	summaries []search.SummaryRecord
	queries   []search.Query
}

func (f *fakeIndex) Healthy() bool { return true }

func (f *fakeIndex) Search(_ context.Context, q search.Query) ([]search.Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return []search.Result{{Type: search.ResultSummary, ID: q.SessionID}}, 1, nil
}

func (f *fakeIndex) IndexThemes(_ context.Context, records []search.ThemeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.themes = append(f.themes, records...)
	return nil
}

func (f *fakeIndex) IndexResponses(context.Context, []search.ResponseRecord) error { return nil }

func (f *fakeIndex) IndexSummaries(_ context.Context, records []search.SummaryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, records...)
	return nil
}

type fakeVectors struct {
	collection string
	docs       []ai.VectorDocument
	err        error
}

func (f *fakeVectors) Query(context.Context, string, []float32, map[string]string, int) ([]ai.VectorHit, error) {
	return nil, nil
}

func (f *fakeVectors) Add(_ context.Context, collection string, docs []ai.VectorDocument) error {
	f.collection = collection
	f.docs = append(f.docs, docs...)
	return f.err
}

type fakeObjects struct {
	keys []string
}

func (f *fakeObjects) Put(_ context.Context, key string, _ []byte, _ string) error {
	f.keys = append(f.keys, key)
	return nil
}

type harness struct {
	mem      *store.MemoryStore
	svc      *Service
	proposer *fakeProposer
	index    *fakeIndex
	vectors  *fakeVectors
	objects  *fakeObjects
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mem:      store.NewMemoryStore(),
		proposer: &fakeProposer{},
		index:    &fakeIndex{},
		vectors:  &fakeVectors{},
		objects:  &fakeObjects{},
	}
	cfg := config.Config{
		AppBaseURL:               "https://retro.example",
		DefaultVotesPerMember:    5,
		DefaultMinVotesToDiscuss: 1,
		DefaultDiscussionMinutes: 10,
	}
	h.svc = New(cfg, Deps{
		Store:    h.mem,
		Proposer: h.proposer,
		Search:   search.NewService(h.index, nil, nil),
		Export:   export.NewService(h.objects, false, nil),
		Vectors:  h.vectors,
	})
	return h
}

func (h *harness) schedule(t *testing.T) string {
	t.Helper()
	view, err := h.svc.ScheduleRetrospective(context.Background(), "fac", ScheduleInput{
		WorkspaceID:     "ws_1",
		Title:           "Sprint 12",
		ScheduledFor:    time.Now().Add(10 * 24 * time.Hour),
		FacilitatorName: "Fiona",
		Participants: []ParticipantInput{
			{UserID: "m1", DisplayName: "Ada", Email: "ada@example.com"},
			{UserID: "m2", DisplayName: "Grace", Role: "facilitator"},
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return view.Session.ID
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func guardCondition(err error) string {
	var guard *apperr.PhaseGuardError
	if errors.As(err, &guard) {
		return guard.Condition
	}
	return ""
}

func isForbidden(err error) bool {
	var domainErr *apperr.DomainError
	return errors.As(err, &domainErr) && domainErr.Status == http.StatusForbidden
}

func TestScheduleRetrospective(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.schedule(t)

	view, err := h.svc.GetSession(ctx, "m1", id)
	mustOK(t, err)
	if view.Session.Phase != store.PhaseScheduled || view.Session.Settings.VotesPerMember != 5 {
		t.Fatalf("unexpected session %+v", view.Session)
	}
	if len(view.Participants) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(view.Participants))
	}
	roles := map[string]store.ParticipantRole{}
	for _, p := range view.Participants {
		roles[p.UserID] = p.Role
	}
	if roles["fac"] != store.RoleFacilitator || roles["m1"] != store.RoleMember || roles["m2"] != store.RoleFacilitator {
		t.Fatalf("unexpected roles %v", roles)
	}

	reminders, err := h.svc.ListReminders(ctx, "fac", id)
	mustOK(t, err)
	if len(reminders) != 6 {
		t.Fatalf("expected 2 reminders per participant, got %d", len(reminders))
	}

	if _, err := h.svc.ListReminders(ctx, "m1", id); !isForbidden(err) {
		t.Fatalf("expected member to be refused reminders, got %v", err)
	}
	if _, err := h.svc.GetSession(ctx, "stranger", id); !isForbidden(err) {
		t.Fatalf("expected outsider to be refused, got %v", err)
	}
	var notFound *apperr.NotFoundError
	if _, err := h.svc.GetSession(ctx, "fac", "rs_missing"); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t)
	zero := 0
	tests := []struct {
		name  string
		in    ScheduleInput
		field string
	}{
		{"no workspace", ScheduleInput{Title: "t", ScheduledFor: time.Now()}, "workspace_id"},
		{"no title", ScheduleInput{WorkspaceID: "ws", Title: "  ", ScheduledFor: time.Now()}, "title"},
		{"no time", ScheduleInput{WorkspaceID: "ws", Title: "t"}, "scheduled_for"},
		{"zero budget", ScheduleInput{WorkspaceID: "ws", Title: "t", ScheduledFor: time.Now(), Settings: SettingsInput{VotesPerMember: &zero}}, "votes_per_member"},
		{"duplicate participant", ScheduleInput{WorkspaceID: "ws", Title: "t", ScheduledFor: time.Now(), Participants: []ParticipantInput{{UserID: "fac"}}}, "participants"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.ScheduleRetrospective(context.Background(), "fac", tt.in)
			var validation *apperr.ValidationError
			if !errors.As(err, &validation) || validation.Field != tt.field {
				t.Fatalf("expected ValidationError on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestRetrospectiveLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.schedule(t)

	if _, err := h.svc.SubmitResponse(ctx, "m1", id, "liked", "too early"); guardCondition(err) != "input_closed" {
		t.Fatalf("expected input_closed before start, got %v", err)
	}
	if _, err := h.svc.Start(ctx, "m1", id); !isForbidden(err) {
		t.Fatalf("expected member start to be refused, got %v", err)
	}
	session, err := h.svc.Start(ctx, "fac", id)
	mustOK(t, err)
	if session.Phase != store.PhaseInput {
		t.Fatalf("expected input, got %s", session.Phase)
	}

	var validation *apperr.ValidationError
	if _, err := h.svc.SubmitResponse(ctx, "m1", id, "frustrating", "x"); !errors.As(err, &validation) {
		t.Fatalf("expected category ValidationError, got %v", err)
	}
	if _, err := h.svc.SubmitResponse(ctx, "m1", id, "liked", "   "); !errors.As(err, &validation) {
		t.Fatalf("expected text ValidationError, got %v", err)
	}
	for _, r := range []struct{ user, category, text string }{
		{"m1", "liked", "Pairing worked well"},
		{"m1", "lacked", "CI is flaky"},
		{"m2", "lacked", "Builds take forever"},
		{"fac", "learned", "Feature flags help"},
	} {
		_, err := h.svc.SubmitResponse(ctx, r.user, id, r.category, r.text)
		mustOK(t, err)
	}

	if _, err := h.svc.Advance(ctx, "fac", id, store.PhaseInput, false); guardCondition(err) != "participants_incomplete" {
		t.Fatalf("expected participants_incomplete, got %v", err)
	}
	for _, user := range []string{"fac", "m1", "m2"} {
		p, err := h.svc.MarkInputComplete(ctx, user, id, true)
		mustOK(t, err)
		if !p.CompletedInput {
			t.Fatalf("expected %s to be complete", user)
		}
	}
	session, err = h.svc.Advance(ctx, "fac", id, store.PhaseInput, false)
	mustOK(t, err)
	if session.Phase != store.PhaseGrouping {
		t.Fatalf("expected grouping, got %s", session.Phase)
	}

	groups, err := h.svc.ListThemes(ctx, "m1", id)
	mustOK(t, err)
	if len(groups) != 3 {
		t.Fatalf("expected 3 proposed themes, got %d", len(groups))
	}
	var lacked store.ThemeGroup
	for _, g := range groups {
		if g.PrimaryCategory == store.CategoryLacked {
			lacked = g
		}
	}

	updated, err := h.svc.UpdateTheme(ctx, "fac", id, lacked.ID, ThemeInput{Title: "  Flaky builds!! ", Description: "CI fails. Builds are slow. Nobody owns it.", Category: "lacked"})
	mustOK(t, err)
	if updated.Title != "Flaky builds" || updated.AIGenerated || updated.Description != "CI fails. Builds are slow." {
		t.Fatalf("unexpected update %+v", updated)
	}
	if _, err := h.svc.CreateTheme(ctx, "fac", id, ThemeInput{Title: "FLAKY BUILDS", Category: "lacked"}); !errors.As(err, &validation) {
		t.Fatalf("expected duplicate title ValidationError, got %v", err)
	}
	if _, err := h.svc.CreateTheme(ctx, "fac", id, ThemeInput{Title: "Extra", Category: "liked", ResponseIDs: lacked.ResponseIDs}); !errors.As(err, &validation) {
		t.Fatalf("expected grouped response ValidationError, got %v", err)
	}
	extra, err := h.svc.CreateTheme(ctx, "fac", id, ThemeInput{Title: "Retro format", Category: "longed_for"})
	mustOK(t, err)
	if _, err := h.svc.CreateTheme(ctx, "m1", id, ThemeInput{Title: "Sneaky", Category: "liked"}); !isForbidden(err) {
		t.Fatalf("expected member theme creation to be refused, got %v", err)
	}
	mustOK(t, h.svc.DeleteTheme(ctx, "fac", id, extra.ID))
	var notFound *apperr.NotFoundError
	if err := h.svc.DeleteTheme(ctx, "fac", id, extra.ID); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	session, err = h.svc.Advance(ctx, "fac", id, store.PhaseGrouping, false)
	mustOK(t, err)
	if session.Phase != store.PhaseVoting {
		t.Fatalf("expected voting, got %s", session.Phase)
	}
	if _, err := h.svc.UpdateTheme(ctx, "fac", id, lacked.ID, ThemeInput{Title: "Late edit", Category: "lacked"}); guardCondition(err) != "themes_locked" {
		t.Fatalf("expected themes_locked, got %v", err)
	}

	var overBudget *apperr.OverBudgetError
	if _, err := h.svc.Vote(ctx, "m1", id, []voting.Allocation{{ThemeGroupID: lacked.ID, Votes: 6}}); !errors.As(err, &overBudget) {
		t.Fatalf("expected OverBudgetError, got %v", err)
	}
	ballot, err := h.svc.Vote(ctx, "m1", id, []voting.Allocation{{ThemeGroupID: lacked.ID, Votes: 4}})
	mustOK(t, err)
	if ballot.Remaining != 1 {
		t.Fatalf("expected 1 remaining vote, got %+v", ballot)
	}
	_, err = h.svc.Vote(ctx, "m2", id, []voting.Allocation{{ThemeGroupID: lacked.ID, Votes: 2}})
	mustOK(t, err)
	_, err = h.svc.FinalizeBallot(ctx, "m2", id)
	mustOK(t, err)

	if _, err := h.svc.Tallies(ctx, "m1", id); !isForbidden(err) {
		t.Fatalf("expected member tallies to be hidden during voting, got %v", err)
	}
	tallies, err := h.svc.Tallies(ctx, "fac", id)
	mustOK(t, err)
	if tallies[lacked.ID] != 6 {
		t.Fatalf("expected 6 votes on lacked, got %v", tallies)
	}

	if _, err := h.svc.Advance(ctx, "fac", id, store.PhaseVoting, false); guardCondition(err) != "voting_open" {
		t.Fatalf("expected voting_open, got %v", err)
	}
	_, err = h.svc.CloseVoting(ctx, "fac", id)
	mustOK(t, err)
	session, err = h.svc.Advance(ctx, "fac", id, store.PhaseVoting, false)
	mustOK(t, err)
	if session.Phase != store.PhaseDiscussion {
		t.Fatalf("expected discussion, got %s", session.Phase)
	}

	topics, err := h.svc.ListTopics(ctx, "m1", id)
	mustOK(t, err)
	if len(topics) != 1 || topics[0].ThemeGroupID != lacked.ID || topics[0].TotalVotes != 6 {
		t.Fatalf("unexpected topics %+v", topics)
	}
	if _, err := h.svc.Advance(ctx, "fac", id, store.PhaseDiscussion, false); guardCondition(err) != "topics_open" {
		t.Fatalf("expected topics_open, got %v", err)
	}
	_, err = h.svc.MarkTopic(ctx, "fac", id, topics[0].ID, TopicInput{Status: "discussed", Notes: "Quarantine flaky tests", ActionItems: []string{"Own the CI board"}})
	mustOK(t, err)

	session, err = h.svc.Advance(ctx, "fac", id, store.PhaseDiscussion, false)
	mustOK(t, err)
	if session.Phase != store.PhaseSummary {
		t.Fatalf("expected summary, got %s", session.Phase)
	}
	session, err = h.svc.Advance(ctx, "fac", id, store.PhaseSummary, false)
	mustOK(t, err)
	if session.Phase != store.PhaseCompleted {
		t.Fatalf("expected completed, got %s", session.Phase)
	}

	summary, err := h.svc.Summary(ctx, "m1", id)
	mustOK(t, err)
	if summary.TotalVotes != 6 || summary.ResponseCount != 4 || len(summary.ActionItems) != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if len(h.index.themes) != 3 || len(h.index.summaries) != 1 || h.index.summaries[0].SessionID != id {
		t.Fatalf("expected completed session to be indexed, got %d themes %d summaries", len(h.index.themes), len(h.index.summaries))
	}
	if h.vectors.collection != "retro_summaries_ws_1" || len(h.vectors.docs) != 1 || h.vectors.docs[0].Metadata["kind"] != "summary" {
		t.Fatalf("unexpected vector ingest %q %+v", h.vectors.collection, h.vectors.docs)
	}
	if len(h.objects.keys) != 2 || h.objects.keys[0] != "ws_1/"+id+"/summary.json" {
		t.Fatalf("unexpected archive keys %v", h.objects.keys)
	}

	reminders, err := h.svc.ListReminders(ctx, "fac", id)
	mustOK(t, err)
	followUps := 0
	for _, r := range reminders {
		if r.Type == store.ReminderActionFollowUp {
			followUps++
		}
	}
	if followUps != 3 {
		t.Fatalf("expected 3 follow-ups, got %d", followUps)
	}

	result, err := h.svc.ExportSummary(ctx, "m2", id, export.FormatJSON)
	mustOK(t, err)
	if result.Filename != "Sprint-12.json" {
		t.Fatalf("unexpected export %s", result.Filename)
	}

	if _, err := h.svc.ResetTo(ctx, "fac", id, store.PhaseVoting); guardCondition(err) != "terminal_phase" {
		t.Fatalf("expected terminal_phase, got %v", err)
	}
}

func TestCompletionSideEffectsAreBestEffort(t *testing.T) {
	h := newHarness(t)
	h.vectors.err = errors.New("vector store offline")
	ctx := context.Background()
	id := h.schedule(t)

	_, err := h.svc.Start(ctx, "fac", id)
	mustOK(t, err)
	_, err = h.svc.SubmitResponse(ctx, "m1", id, "liked", "Pairing")
	mustOK(t, err)
	for _, expected := range []store.Phase{store.PhaseInput, store.PhaseGrouping} {
		_, err = h.svc.Advance(ctx, "fac", id, expected, true)
		mustOK(t, err)
	}
	_, err = h.svc.CloseVoting(ctx, "fac", id)
	mustOK(t, err)
	for _, expected := range []store.Phase{store.PhaseVoting, store.PhaseDiscussion, store.PhaseSummary} {
		_, err = h.svc.Advance(ctx, "fac", id, expected, false)
		mustOK(t, err)
	}

	view, err := h.svc.GetSession(ctx, "fac", id)
	mustOK(t, err)
	if view.Session.Phase != store.PhaseCompleted {
		t.Fatalf("expected completion despite vector failure, got %s", view.Session.Phase)
	}
	if len(h.vectors.docs) != 0 {
		t.Fatalf("expected no vector ingest for a summary without topics, got %d", len(h.vectors.docs))
	}
	if len(h.objects.keys) != 2 {
		t.Fatalf("expected archive to run, got %v", h.objects.keys)
	}
}

func TestProposalFailureKeepsInput(t *testing.T) {
	h := newHarness(t)
	h.proposer.err = apperr.External("chat", errors.New("timeout"))
	ctx := context.Background()
	id := h.schedule(t)

	_, err := h.svc.Start(ctx, "fac", id)
	mustOK(t, err)
	_, err = h.svc.SubmitResponse(ctx, "m1", id, "liked", "Pairing")
	mustOK(t, err)

	_, err = h.svc.Advance(ctx, "fac", id, store.PhaseInput, true)
	if !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	view, err := h.svc.GetSession(ctx, "fac", id)
	mustOK(t, err)
	if view.Session.Phase != store.PhaseInput {
		t.Fatalf("expected session to stay in input, got %s", view.Session.Phase)
	}
}

func TestCancelStopsReminders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.schedule(t)

	if _, err := h.svc.Cancel(ctx, "fac", id, store.PhaseInput); guardCondition(err) != "stale_phase" {
		t.Fatalf("expected stale_phase, got %v", err)
	}
	session, err := h.svc.Cancel(ctx, "fac", id, store.PhaseScheduled)
	mustOK(t, err)
	if session.Phase != store.PhaseCancelled {
		t.Fatalf("expected cancelled, got %s", session.Phase)
	}
	reminders, err := h.svc.ListReminders(ctx, "fac", id)
	mustOK(t, err)
	for _, r := range reminders {
		if r.Status != store.ReminderCancelled {
			t.Fatalf("expected reminder %d cancelled, got %s", r.ID, r.Status)
		}
	}
}

func TestSearchScopesToSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.schedule(t)

	resp, err := h.svc.Search(ctx, "m1", search.Query{Text: "ci", SessionID: id})
	mustOK(t, err)
	if len(resp.Results) != 1 || h.index.queries[0].WorkspaceID != "ws_1" {
		t.Fatalf("expected workspace to be derived from the session, got %+v", h.index.queries)
	}

	var validation *apperr.ValidationError
	if _, err := h.svc.Search(ctx, "m1", search.Query{Text: "ci", SessionID: id, WorkspaceID: "ws_other"}); !errors.As(err, &validation) {
		t.Fatalf("expected workspace mismatch ValidationError, got %v", err)
	}
	if _, err := h.svc.Search(ctx, "stranger", search.Query{Text: "ci", SessionID: id}); !isForbidden(err) {
		t.Fatalf("expected outsider to be refused, got %v", err)
	}
}
