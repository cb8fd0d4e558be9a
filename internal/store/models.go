package store

import (
	"fmt"
	"strings"
	"time"
)

type Phase string

const (
	PhaseScheduled  Phase = "scheduled"
	PhaseInput      Phase = "input"
	PhaseGrouping   Phase = "grouping"
	PhaseVoting     Phase = "voting"
	PhaseDiscussion Phase = "discussion"
	PhaseSummary    Phase = "summary"
	PhaseCompleted  Phase = "completed"
	PhaseCancelled  Phase = "cancelled"
)

// Ordered lists the forward phases. Cancelled sits outside the order.
var Ordered = []Phase{
	PhaseScheduled,
	PhaseInput,
	PhaseGrouping,
	PhaseVoting,
	PhaseDiscussion,
	PhaseSummary,
	PhaseCompleted,
}

// Order returns the position of p in the forward sequence, or -1 for
// cancelled and unknown values.
func (p Phase) Order() int {
	for i, candidate := range Ordered {
		if candidate == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool {
	return p == PhaseCancelled || p.Order() >= 0
}

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

func ParsePhase(value string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(value)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", value)
	}
	return p, nil
}

type Category string

const (
	CategoryLiked     Category = "liked"
	CategoryLearned   Category = "learned"
	CategoryLacked    Category = "lacked"
	CategoryLongedFor Category = "longed_for"
)

var Categories = []Category{CategoryLiked, CategoryLearned, CategoryLacked, CategoryLongedFor}

func (c Category) Valid() bool {
	switch c {
	case CategoryLiked, CategoryLearned, CategoryLacked, CategoryLongedFor:
		return true
	}
	return false
}

type ParticipantRole string

const (
	RoleFacilitator ParticipantRole = "facilitator"
	RoleMember      ParticipantRole = "member"
)

type VotingStatus string

const (
	VotingOpen   VotingStatus = "open"
	VotingClosed VotingStatus = "closed"
)

type TopicStatus string

const (
	TopicPending   TopicStatus = "pending"
	TopicDiscussed TopicStatus = "discussed"
	TopicSkipped   TopicStatus = "skipped"
)

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCancelled ReminderStatus = "cancelled"
)

type ReminderType string

const (
	ReminderWeekBefore     ReminderType = "pre_session_7d"
	ReminderDayBefore      ReminderType = "pre_session_24h"
	ReminderActionFollowUp ReminderType = "action_item_followup"
)

type Settings struct {
	VotesPerMember    int
	MinVotesToDiscuss int
	DiscussionMinutes int
	RemindWeekBefore  bool
	RemindDayBefore   bool
}

type RetroSession struct {
	ID              string
	WorkspaceID     string
	Title           string
	FacilitatorID   string
	Phase           Phase
	Settings        Settings
	CompletedPhases []Phase
	ScheduledFor    time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PhaseCompleted reports whether p has been recorded as finished.
func (s RetroSession) PhaseCompleted(p Phase) bool {
	for _, done := range s.CompletedPhases {
		if done == p {
			return true
		}
	}
	return false
}

type Participant struct {
	SessionID       string
	UserID          string
	DisplayName     string
	Email           string
	Role            ParticipantRole
	Active          bool
	CompletedInput  bool
	VotingFinalized bool
	JoinedAt        time.Time
}

type Response struct {
	ID           int64
	SessionID    string
	AuthorID     string
	Category     Category
	Text         string
	ThemeGroupID *int64
	CreatedAt    time.Time
}

type ThemeGroup struct {
	ID              int64
	SessionID       string
	Title           string
	Description     string
	PrimaryCategory Category
	Contributors    []string
	ResponseIDs     []int64
	AIGenerated     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type VotingSession struct {
	ID                int64
	SessionID         string
	VotesPerMember    int
	MinVotesToDiscuss int
	Status            VotingStatus
	OpenedAt          time.Time
	ClosedAt          *time.Time
}

type VoteAllocation struct {
	VotingSessionID int64
	ThemeGroupID    int64
	ParticipantID   string
	Votes           int
	UpdatedAt       time.Time
}

type DiscussionTopic struct {
	ID                   int64
	SessionID            string
	ThemeGroupID         int64
	Title                string
	TotalVotes           int
	Rank                 int
	TimeAllocatedMinutes int
	Status               TopicStatus
	Notes                string
	ActionItems          []string
	DiscussedAt          *time.Time
}

type SummaryTopic struct {
	Rank        int         `json:"rank"`
	Title       string      `json:"title"`
	Votes       int         `json:"votes"`
	Status      TopicStatus `json:"status"`
	Notes       string      `json:"notes,omitempty"`
	ActionItems []string    `json:"action_items,omitempty"`
}

type Summary struct {
	SessionID        string           `json:"session_id"`
	Title            string           `json:"title"`
	ParticipantCount int              `json:"participant_count"`
	ResponseCount    int              `json:"response_count"`
	ThemeCount       int              `json:"theme_count"`
	TotalVotes       int              `json:"total_votes"`
	CategoryCounts   map[Category]int `json:"category_counts"`
	Topics           []SummaryTopic   `json:"topics"`
	ActionItems      []string         `json:"action_items"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

type CacheEntry struct {
	Key       string
	Endpoint  string
	Model     string
	Payload   []byte
	CreatedAt time.Time
}

type ScheduledReminder struct {
	ID           int64
	SessionID    string
	UserID       string
	Email        string
	Type         ReminderType
	ScheduledFor time.Time
	Status       ReminderStatus
	Subject      string
	Message      string
	ClaimedBy    string
	ClaimedUntil *time.Time
	Attempts     int
	SentAt       *time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
