package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Store is the transactional persistence boundary of the engine. Every
// multi-row mutation runs inside WithinTx; a non-nil error from fn rolls the
// whole transaction back.
type Store interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error

	GetCacheEntry(ctx context.Context, key string) (CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry CacheEntry) error
}

// Tx is the set of row operations available inside one transaction. Methods
// returning (bool, error) are compare-and-swap updates: false means the row
// was not in the expected state and nothing changed.
type Tx interface {
	CreateSession(ctx context.Context, session RetroSession) error
	GetSession(ctx context.Context, id string) (RetroSession, error)
	LockSession(ctx context.Context, id string) (RetroSession, error)
	CompareAndSetPhase(ctx context.Context, id string, from, to Phase, at time.Time) (bool, error)
	SetCompletedPhases(ctx context.Context, id string, phases []Phase) error

	UpsertParticipant(ctx context.Context, participant Participant) error
	GetParticipant(ctx context.Context, sessionID, userID string) (Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)
	SetInputCompleted(ctx context.Context, sessionID, userID string, completed bool) error
	SetVotingFinalized(ctx context.Context, sessionID, userID string) (bool, error)
	ResetVotingFinalized(ctx context.Context, sessionID string) error

	InsertResponse(ctx context.Context, response Response) (Response, error)
	ListResponses(ctx context.Context, sessionID string) ([]Response, error)
	AssignResponseTheme(ctx context.Context, sessionID string, responseID, themeGroupID int64) (bool, error)
	ClearResponseThemes(ctx context.Context, sessionID string) error

	InsertThemeGroup(ctx context.Context, group ThemeGroup) (ThemeGroup, error)
	ListThemeGroups(ctx context.Context, sessionID string) ([]ThemeGroup, error)
	GetThemeGroup(ctx context.Context, id int64) (ThemeGroup, error)
	UpdateThemeGroup(ctx context.Context, group ThemeGroup) error
	DeleteThemeGroup(ctx context.Context, sessionID string, id int64) error
	DeleteThemeGroups(ctx context.Context, sessionID string) error

	CreateVotingSession(ctx context.Context, voting VotingSession) (VotingSession, error)
	GetVotingSession(ctx context.Context, sessionID string) (VotingSession, error)
	LockVotingSession(ctx context.Context, votingID int64) (VotingSession, error)
	SetVotingStatus(ctx context.Context, votingID int64, from, to VotingStatus, at time.Time) (bool, error)
	LockParticipantBudget(ctx context.Context, votingID int64, participantID string) error
	ListAllocations(ctx context.Context, votingID int64) ([]VoteAllocation, error)
	ListParticipantAllocations(ctx context.Context, votingID int64, participantID string) ([]VoteAllocation, error)
	UpsertAllocation(ctx context.Context, allocation VoteAllocation) error
	DeleteVotingData(ctx context.Context, sessionID string) error

	ReplaceTopics(ctx context.Context, sessionID string, topics []DiscussionTopic) ([]DiscussionTopic, error)
	ListTopics(ctx context.Context, sessionID string) ([]DiscussionTopic, error)
	SetTopicOutcome(ctx context.Context, sessionID string, topicID int64, status TopicStatus, notes string, actionItems []string, at time.Time) (bool, error)
	DeleteTopics(ctx context.Context, sessionID string) error

	UpsertSummary(ctx context.Context, summary Summary) error
	GetSummary(ctx context.Context, sessionID string) (Summary, error)
	DeleteSummary(ctx context.Context, sessionID string) error

	InsertReminder(ctx context.Context, reminder ScheduledReminder) (ScheduledReminder, bool, error)
	GetReminder(ctx context.Context, id int64) (ScheduledReminder, error)
	ListReminders(ctx context.Context, sessionID string) ([]ScheduledReminder, error)
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]ScheduledReminder, error)
	ClaimReminder(ctx context.Context, id int64, owner string, now, until time.Time) (bool, error)
	TransitionReminder(ctx context.Context, id int64, from, to ReminderStatus, at time.Time, lastError string) (bool, error)
	// FinishClaimedReminder records a dispatch outcome only while owner still
	// holds the claim on a pending reminder.
	FinishClaimedReminder(ctx context.Context, id int64, owner string, to ReminderStatus, at time.Time, lastError string) (bool, error)
	CancelPendingReminders(ctx context.Context, sessionID string, at time.Time) (int, error)
}
