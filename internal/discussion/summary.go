package discussion

import (
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

// Summarize builds the closing summary of a session. The result depends only
// on its arguments.
func Summarize(session store.RetroSession, participants []store.Participant, responses []store.Response, groups []store.ThemeGroup, topics []store.DiscussionTopic, at time.Time) store.Summary {
	summary := store.Summary{
		SessionID:      session.ID,
		Title:          session.Title,
		ResponseCount:  len(responses),
		ThemeCount:     len(groups),
		CategoryCounts: make(map[store.Category]int, len(store.Categories)),
		Topics:         make([]store.SummaryTopic, 0, len(topics)),
		ActionItems:    []string{},
		GeneratedAt:    at,
	}
	for _, p := range participants {
		if p.Active {
			summary.ParticipantCount++
		}
	}
	for _, c := range store.Categories {
		summary.CategoryCounts[c] = 0
	}
	for _, r := range responses {
		summary.CategoryCounts[r.Category]++
	}
	for _, topic := range topics {
		summary.TotalVotes += topic.TotalVotes
		summary.Topics = append(summary.Topics, store.SummaryTopic{
			Rank:        topic.Rank,
			Title:       topic.Title,
			Votes:       topic.TotalVotes,
			Status:      topic.Status,
			Notes:       topic.Notes,
			ActionItems: append([]string(nil), topic.ActionItems...),
		})
		summary.ActionItems = append(summary.ActionItems, topic.ActionItems...)
	}
	return summary
}
