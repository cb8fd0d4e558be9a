package discussion

import (
	"reflect"
	"testing"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

func TestSummarize(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	session := store.RetroSession{ID: "rs_1", Title: "Sprint 12"}
	participants := []store.Participant{{UserID: "a", Active: true}, {UserID: "b", Active: true}, {UserID: "c"}}
	responses := []store.Response{
		{Category: store.CategoryLiked},
		{Category: store.CategoryLacked},
		{Category: store.CategoryLacked},
	}
	groups := []store.ThemeGroup{{ID: 1}, {ID: 2}}
	topics := []store.DiscussionTopic{
		{Rank: 1, Title: "Flaky CI", TotalVotes: 6, Status: store.TopicDiscussed, Notes: "rotate owner", ActionItems: []string{"Quarantine tests"}},
		{Rank: 2, Title: "Pairing", TotalVotes: 3, Status: store.TopicSkipped},
	}

	got := Summarize(session, participants, responses, groups, topics, at)
	if got.ParticipantCount != 2 || got.ResponseCount != 3 || got.ThemeCount != 2 || got.TotalVotes != 9 {
		t.Fatalf("unexpected counts %+v", got)
	}
	wantCounts := map[store.Category]int{
		store.CategoryLiked:     1,
		store.CategoryLearned:   0,
		store.CategoryLacked:    2,
		store.CategoryLongedFor: 0,
	}
	if !reflect.DeepEqual(got.CategoryCounts, wantCounts) {
		t.Fatalf("unexpected category counts %v", got.CategoryCounts)
	}
	if len(got.Topics) != 2 || got.Topics[0].Title != "Flaky CI" || got.Topics[1].Status != store.TopicSkipped {
		t.Fatalf("unexpected topics %+v", got.Topics)
	}
	if !reflect.DeepEqual(got.ActionItems, []string{"Quarantine tests"}) {
		t.Fatalf("unexpected action items %v", got.ActionItems)
	}
	if !reflect.DeepEqual(got, Summarize(session, participants, responses, groups, topics, at)) {
		t.Fatal("expected identical summaries for identical input")
	}
}
