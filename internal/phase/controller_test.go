package phase_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/automation"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/discussion"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/phase"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/themes"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/voting"
)

type fakeProposer struct {
	calls  int
	themes []themes.Theme
	err    error
}

func (f *fakeProposer) Propose(_ context.Context, _ store.RetroSession, responses []store.Response, _ map[string]string) ([]themes.Theme, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.themes != nil {
		return f.themes, nil
	}
	// One theme per category, holding the responses of that category.
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

func guardCondition(err error) string {
	var guard *apperr.PhaseGuardError
	if errors.As(err, &guard) {
		return guard.Condition
	}
	return ""
}

var _ = Describe("Controller", func() {
	const sessionID = "rs_1"
	var (
		ctx        context.Context
		mem        *store.MemoryStore
		proposer   *fakeProposer
		scheduler  *automation.Scheduler
		controller *phase.Controller
		allocator  *voting.Allocator
		tracker    *discussion.Tracker
	)

	users := []string{"u1", "u2", "u3"}

	tx := func(fn func(store.Tx) error) {
		Expect(mem.WithinTx(ctx, fn)).To(Succeed())
	}

	current := func() store.RetroSession {
		var session store.RetroSession
		tx(func(t store.Tx) error {
			var err error
			session, err = t.GetSession(ctx, sessionID)
			return err
		})
		return session
	}

	completeInput := func(ids ...string) {
		tx(func(t store.Tx) error {
			for _, id := range ids {
				if err := t.SetInputCompleted(ctx, sessionID, id, true); err != nil {
					return err
				}
			}
			return nil
		})
	}

	advance := func(to store.Phase) (store.RetroSession, error) {
		return controller.Advance(ctx, phase.Request{SessionID: sessionID, To: to})
	}

	themeIDs := func() []int64 {
		var ids []int64
		tx(func(t store.Tx) error {
			groups, err := t.ListThemeGroups(ctx, sessionID)
			for _, g := range groups {
				ids = append(ids, g.ID)
			}
			return err
		})
		return ids
	}

	toVoting := func() {
		completeInput(users...)
		_, err := advance(store.PhaseGrouping)
		Expect(err).NotTo(HaveOccurred())
		_, err = advance(store.PhaseVoting)
		Expect(err).NotTo(HaveOccurred())
	}

	toDiscussion := func() {
		toVoting()
		ids := themeIDs()
		_, err := allocator.AllocateMany(ctx, sessionID, "u1", []voting.Allocation{{ThemeGroupID: ids[0], Votes: 3}, {ThemeGroupID: ids[1], Votes: 3}})
		Expect(err).NotTo(HaveOccurred())
		_, err = allocator.Allocate(ctx, sessionID, "u2", ids[2], 5)
		Expect(err).NotTo(HaveOccurred())
		_, err = allocator.CloseVoting(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		_, err = advance(store.PhaseDiscussion)
		Expect(err).NotTo(HaveOccurred())
	}

	closeTopics := func() {
		topics, err := tracker.ListTopics(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		for i, topic := range topics {
			outcome := discussion.Outcome{Status: store.TopicSkipped}
			if i == 0 {
				outcome = discussion.Outcome{Status: store.TopicDiscussed, Notes: "Cache layers", ActionItems: []string{"Cache CI dependencies"}}
			}
			_, err := tracker.MarkTopic(ctx, sessionID, topic.ID, outcome)
			Expect(err).NotTo(HaveOccurred())
		}
	}

	closedTopics := func() []store.DiscussionTopic {
		topics, err := tracker.ListTopics(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		return topics
	}

	toSummary := func() {
		toDiscussion()
		closeTopics()
		_, err := advance(store.PhaseSummary)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemoryStore()
		proposer = &fakeProposer{}
		scheduler = automation.NewScheduler(mem, "", nil)
		controller = phase.NewController(mem, proposer, scheduler, nil)
		allocator = voting.NewAllocator(mem, nil)
		tracker = discussion.NewTracker(mem, nil)

		tx(func(t store.Tx) error {
			if err := t.CreateSession(ctx, store.RetroSession{
				ID:           sessionID,
				WorkspaceID:  "ws_1",
				Title:        "Sprint 12",
				Phase:        store.PhaseScheduled,
				Settings:     store.Settings{VotesPerMember: 6, MinVotesToDiscuss: 1, DiscussionMinutes: 10, RemindDayBefore: true},
				ScheduledFor: time.Now().UTC().Add(72 * time.Hour),
			}); err != nil {
				return err
			}
			for i, id := range users {
				role := store.RoleMember
				if i == 0 {
					role = store.RoleFacilitator
				}
				if err := t.UpsertParticipant(ctx, store.Participant{SessionID: sessionID, UserID: id, DisplayName: id, Email: id + "@example.com", Role: role, Active: true}); err != nil {
					return err
				}
			}
			texts := []struct {
				author   string
				category store.Category
				text     string
			}{
				{"u1", store.CategoryLiked, "Pairing"},
				{"u2", store.CategoryLacked, "CI is slow"},
				{"u3", store.CategoryLacked, "Builds time out"},
				{"u3", store.CategoryLongedFor, "Fewer meetings"},
			}
			for _, r := range texts {
				if _, err := t.InsertResponse(ctx, store.Response{SessionID: sessionID, AuthorID: r.author, Category: r.category, Text: r.text}); err != nil {
					return err
				}
			}
			return nil
		})

		session, err := advance(store.PhaseInput)
		Expect(err).NotTo(HaveOccurred())
		Expect(session.Phase).To(Equal(store.PhaseInput))
	})

	Describe("input to grouping", func() {
		It("refuses while participants are still writing", func() {
			completeInput("u1", "u2")
			_, err := advance(store.PhaseGrouping)
			Expect(guardCondition(err)).To(Equal(phase.CondParticipantsIncomplete))
			Expect(err.Error()).To(ContainSubstring("2 of 3"))
			Expect(current().Phase).To(Equal(store.PhaseInput))
			Expect(proposer.calls).To(BeZero())
		})

		It("advances on force and persists the proposal", func() {
			completeInput("u1")
			session, err := controller.Advance(ctx, phase.Request{SessionID: sessionID, To: store.PhaseGrouping, Force: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Phase).To(Equal(store.PhaseGrouping))
			Expect(session.CompletedPhases).To(ContainElements(store.PhaseScheduled, store.PhaseInput))

			tx(func(t store.Tx) error {
				groups, err := t.ListThemeGroups(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(groups).To(HaveLen(3))
				Expect(groups[0].AIGenerated).To(BeTrue())
				responses, err := t.ListResponses(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				for _, r := range responses {
					Expect(r.ThemeGroupID).NotTo(BeNil())
				}
				return nil
			})
		})

		It("gives a response listed by two themes to the first one", func() {
			var ids []int64
			tx(func(t store.Tx) error {
				responses, err := t.ListResponses(ctx, sessionID)
				for _, r := range responses {
					ids = append(ids, r.ID)
				}
				return err
			})
			proposer.themes = []themes.Theme{
				{Title: "Slow CI", Description: "d", PrimaryCategory: store.CategoryLacked, ResponseIDs: []int64{ids[1], ids[2]}},
				{Title: "Builds", Description: "d", PrimaryCategory: store.CategoryLacked, ResponseIDs: []int64{ids[1], ids[3], ids[3]}},
			}
			completeInput(users...)
			_, err := advance(store.PhaseGrouping)
			Expect(err).NotTo(HaveOccurred())

			tx(func(t store.Tx) error {
				groups, err := t.ListThemeGroups(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(groups).To(HaveLen(2))
				Expect(groups[0].ResponseIDs).To(Equal([]int64{ids[1], ids[2]}))
				Expect(groups[1].ResponseIDs).To(Equal([]int64{ids[3]}))

				responses, err := t.ListResponses(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				owner := map[int64]int64{}
				for _, g := range groups {
					for _, id := range g.ResponseIDs {
						owner[id] = g.ID
					}
				}
				for _, r := range responses {
					if want, ok := owner[r.ID]; ok {
						Expect(r.ThemeGroupID).NotTo(BeNil())
						Expect(*r.ThemeGroupID).To(Equal(want))
					} else {
						Expect(r.ThemeGroupID).To(BeNil())
					}
				}
				return nil
			})
		})

		It("stays in input when the proposal fails", func() {
			completeInput(users...)
			proposer.err = apperr.External("chat", errors.New("timeout"))
			_, err := advance(store.PhaseGrouping)
			Expect(apperr.IsRetryable(err)).To(BeTrue())
			Expect(current().Phase).To(Equal(store.PhaseInput))
			Expect(themeIDs()).To(BeEmpty())

			proposer.err = nil
			session, err := advance(store.PhaseGrouping)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Phase).To(Equal(store.PhaseGrouping))
		})

		It("needs at least one response even when forced", func() {
			empty := store.NewMemoryStore()
			c := phase.NewController(empty, proposer, nil, nil)
			Expect(empty.WithinTx(ctx, func(t store.Tx) error {
				return t.CreateSession(ctx, store.RetroSession{ID: "rs_empty", Phase: store.PhaseInput})
			})).To(Succeed())
			_, err := c.Advance(ctx, phase.Request{SessionID: "rs_empty", Force: true})
			Expect(guardCondition(err)).To(Equal(phase.CondNoResponses))
		})
	})

	Describe("ordering", func() {
		It("refuses to skip phases", func() {
			_, err := advance(store.PhaseVoting)
			Expect(guardCondition(err)).To(Equal(phase.CondIllegalTransition))
			Expect(current().Phase).To(Equal(store.PhaseInput))
		})

		It("refuses a stale expected phase", func() {
			_, err := controller.Advance(ctx, phase.Request{SessionID: sessionID, Expected: store.PhaseGrouping})
			Expect(guardCondition(err)).To(Equal(phase.CondStalePhase))
		})

		It("lets only one of two racing requests through", func() {
			completeInput(users...)
			_, err := controller.Advance(ctx, phase.Request{SessionID: sessionID, Expected: store.PhaseInput})
			Expect(err).NotTo(HaveOccurred())
			_, err = controller.Advance(ctx, phase.Request{SessionID: sessionID, Expected: store.PhaseInput})
			Expect(guardCondition(err)).To(Equal(phase.CondStalePhase))
			Expect(current().Phase).To(Equal(store.PhaseGrouping))
		})

		It("reports unknown sessions", func() {
			_, err := controller.Advance(ctx, phase.Request{SessionID: "missing"})
			var notFound *apperr.NotFoundError
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})
	})

	Describe("grouping to voting", func() {
		It("needs a theme", func() {
			proposer.themes = []themes.Theme{}
			completeInput(users...)
			_, err := advance(store.PhaseGrouping)
			Expect(err).NotTo(HaveOccurred())
			_, err = advance(store.PhaseVoting)
			Expect(guardCondition(err)).To(Equal(phase.CondNoThemes))
			Expect(current().Phase).To(Equal(store.PhaseGrouping))
		})

		It("opens a voting session with the session budget", func() {
			toVoting()
			tx(func(t store.Tx) error {
				v, err := t.GetVotingSession(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(v.Status).To(Equal(store.VotingOpen))
				Expect(v.VotesPerMember).To(Equal(6))
				return nil
			})
		})
	})

	Describe("voting to discussion", func() {
		It("waits for open ballots", func() {
			toVoting()
			ids := themeIDs()
			_, err := allocator.Allocate(ctx, sessionID, "u1", ids[0], 6)
			Expect(err).NotTo(HaveOccurred())
			_, err = advance(store.PhaseDiscussion)
			Expect(guardCondition(err)).To(Equal(phase.CondVotingOpen))
		})

		It("closes voting once every ballot is spent or finalized and ranks topics", func() {
			toVoting()
			ids := themeIDs()
			_, err := allocator.Allocate(ctx, sessionID, "u1", ids[1], 6)
			Expect(err).NotTo(HaveOccurred())
			_, err = allocator.Allocate(ctx, sessionID, "u2", ids[0], 2)
			Expect(err).NotTo(HaveOccurred())
			_, err = allocator.FinalizeBallot(ctx, sessionID, "u2")
			Expect(err).NotTo(HaveOccurred())
			_, err = allocator.FinalizeBallot(ctx, sessionID, "u3")
			Expect(err).NotTo(HaveOccurred())

			session, err := advance(store.PhaseDiscussion)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Phase).To(Equal(store.PhaseDiscussion))

			topics, err := tracker.ListTopics(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(topics).To(HaveLen(2))
			Expect(topics[0].ThemeGroupID).To(Equal(ids[1]))
			Expect(topics[0].Rank).To(Equal(1))
			Expect(topics[1].ThemeGroupID).To(Equal(ids[0]))
			Expect(topics[1].TimeAllocatedMinutes).To(Equal(10))

			_, err = allocator.Allocate(ctx, sessionID, "u3", ids[2], 1)
			Expect(guardCondition(err)).NotTo(BeEmpty())
		})
	})

	Describe("discussion to completion", func() {
		It("requires every topic to be closed, then summarizes and schedules follow-ups", func() {
			toDiscussion()
			_, err := advance(store.PhaseSummary)
			Expect(guardCondition(err)).To(Equal(phase.CondTopicsOpen))

			topics, err := tracker.ListTopics(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(topics).To(HaveLen(3))
			for i, topic := range topics {
				outcome := discussion.Outcome{Status: store.TopicSkipped}
				if i == 0 {
					outcome = discussion.Outcome{Status: store.TopicDiscussed, ActionItems: []string{"Cache CI dependencies"}}
				}
				_, err := tracker.MarkTopic(ctx, sessionID, topic.ID, outcome)
				Expect(err).NotTo(HaveOccurred())
			}

			_, err = advance(store.PhaseSummary)
			Expect(err).NotTo(HaveOccurred())
			tx(func(t store.Tx) error {
				summary, err := t.GetSummary(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(summary.TotalVotes).To(Equal(11))
				Expect(summary.ActionItems).To(Equal([]string{"Cache CI dependencies"}))
				Expect(summary.CategoryCounts[store.CategoryLacked]).To(Equal(2))
				return nil
			})

			session, err := advance(store.PhaseCompleted)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.CompletedAt).NotTo(BeNil())

			reminders, err := scheduler.ListReminders(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			followUps := 0
			for _, r := range reminders {
				if r.Type == store.ReminderActionFollowUp {
					followUps++
					Expect(r.Message).To(ContainSubstring("Cache CI dependencies"))
				}
			}
			Expect(followUps).To(Equal(3))

			_, err = controller.Advance(ctx, phase.Request{SessionID: sessionID})
			Expect(guardCondition(err)).To(Equal(phase.CondTerminal))
		})
	})

	Describe("cancel", func() {
		It("cancels pending reminders and is terminal", func() {
			scheduled := current()
			tx(func(t store.Tx) error {
				_, err := scheduler.ScheduleSession(ctx, t, scheduled, []store.Participant{{UserID: "u1", Active: true}})
				return err
			})
			session, err := controller.Cancel(ctx, sessionID, store.PhaseInput)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Phase).To(Equal(store.PhaseCancelled))

			reminders, err := scheduler.ListReminders(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reminders).NotTo(BeEmpty())
			for _, r := range reminders {
				Expect(r.Status).To(Equal(store.ReminderCancelled))
			}

			_, err = controller.Cancel(ctx, sessionID, "")
			Expect(guardCondition(err)).To(Equal(phase.CondTerminal))
			_, err = controller.ResetTo(ctx, sessionID, store.PhaseInput)
			Expect(guardCondition(err)).To(Equal(phase.CondTerminal))
		})
	})

	Describe("reset", func() {
		It("discards voting data and topics when going back to grouping", func() {
			toDiscussion()
			session, err := controller.ResetTo(ctx, sessionID, store.PhaseGrouping)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Phase).To(Equal(store.PhaseGrouping))
			Expect(session.CompletedPhases).NotTo(ContainElement(store.PhaseGrouping))
			Expect(session.CompletedPhases).NotTo(ContainElement(store.PhaseVoting))

			tx(func(t store.Tx) error {
				_, err := t.GetVotingSession(ctx, sessionID)
				Expect(err).To(MatchError(store.ErrNotFound))
				topics, err := t.ListTopics(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(topics).To(BeEmpty())
				groups, err := t.ListThemeGroups(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(groups).To(HaveLen(3))
				return nil
			})

			_, err = advance(store.PhaseVoting)
			Expect(err).NotTo(HaveOccurred())
		})

		It("discards themes when going back to input", func() {
			toVoting()
			_, err := controller.ResetTo(ctx, sessionID, store.PhaseInput)
			Expect(err).NotTo(HaveOccurred())
			Expect(themeIDs()).To(BeEmpty())
			tx(func(t store.Tx) error {
				responses, err := t.ListResponses(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				for _, r := range responses {
					Expect(r.ThemeGroupID).To(BeNil())
				}
				return nil
			})
		})

		It("reopens voting when resetting to voting", func() {
			toDiscussion()
			_, err := controller.ResetTo(ctx, sessionID, store.PhaseVoting)
			Expect(err).NotTo(HaveOccurred())
			ballot, err := allocator.Allocate(ctx, sessionID, "u3", themeIDs()[0], 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(ballot.Used).To(Equal(1))
		})

		It("re-ranks fresh pending topics when going back to discussion", func() {
			toSummary()
			var before []int64
			for _, topic := range closedTopics() {
				before = append(before, topic.ID)
			}

			session, err := controller.ResetTo(ctx, sessionID, store.PhaseDiscussion)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Phase).To(Equal(store.PhaseDiscussion))
			Expect(session.CompletedPhases).NotTo(ContainElement(store.PhaseDiscussion))

			tx(func(t store.Tx) error {
				_, err := t.GetSummary(ctx, sessionID)
				Expect(err).To(MatchError(store.ErrNotFound))
				topics, err := t.ListTopics(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(topics).To(HaveLen(3))
				for i, topic := range topics {
					Expect(topic.Status).To(Equal(store.TopicPending))
					Expect(topic.Notes).To(BeEmpty())
					Expect(topic.ActionItems).To(BeEmpty())
					Expect(topic.Rank).To(Equal(i + 1))
					Expect(before).NotTo(ContainElement(topic.ID))
				}
				return nil
			})

			_, err = advance(store.PhaseSummary)
			Expect(guardCondition(err)).To(Equal(phase.CondTopicsOpen))
		})

		It("rebuilds the summary when resetting summary in place", func() {
			toSummary()
			tx(func(t store.Tx) error {
				return t.UpsertSummary(ctx, store.Summary{SessionID: sessionID, Title: "stale"})
			})

			session, err := controller.ResetTo(ctx, sessionID, store.PhaseSummary)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Phase).To(Equal(store.PhaseSummary))
			Expect(session.CompletedPhases).NotTo(ContainElement(store.PhaseSummary))

			tx(func(t store.Tx) error {
				summary, err := t.GetSummary(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(summary.Title).To(Equal("Sprint 12"))
				Expect(summary.TotalVotes).To(Equal(11))
				Expect(summary.Topics).To(HaveLen(3))
				Expect(summary.ActionItems).To(Equal([]string{"Cache CI dependencies"}))
				topics, err := t.ListTopics(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(topics[0].Status).To(Equal(store.TopicDiscussed))
				return nil
			})
		})

		It("refuses to move forward", func() {
			_, err := controller.ResetTo(ctx, sessionID, store.PhaseVoting)
			Expect(guardCondition(err)).To(Equal(phase.CondResetForward))
		})
	})
})
