package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Transactions run one at a time and a
// failed transaction restores the state it started from.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState

	cacheMu sync.RWMutex
	cache   map[string]CacheEntry

	now func() time.Time
}

type allocationKey struct {
	votingID      int64
	themeGroupID  int64
	participantID string
}

type memState struct {
	nextID int64

	sessions     map[string]RetroSession
	participants map[string][]Participant
	responses    []Response
	themes       []ThemeGroup
	voting       map[int64]VotingSession
	allocations  map[allocationKey]VoteAllocation
	topics       map[string][]DiscussionTopic
	summaries    map[string]Summary
	reminders    []ScheduledReminder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			sessions:     map[string]RetroSession{},
			participants: map[string][]Participant{},
			voting:       map[int64]VotingSession{},
			allocations:  map[allocationKey]VoteAllocation{},
			topics:       map[string][]DiscussionTopic{},
			summaries:    map[string]Summary{},
		},
		cache: map[string]CacheEntry{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for generated timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memTx{state: m.state, now: m.now}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) GetCacheEntry(_ context.Context, key string) (CacheEntry, error) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	entry, ok := m.cache[key]
	if !ok {
		return CacheEntry{}, ErrNotFound
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	return entry, nil
}

func (m *MemoryStore) UpsertCacheEntry(_ context.Context, entry CacheEntry) error {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	m.cache[entry.Key] = entry
	return nil
}

func (s *memState) clone() *memState {
	out := &memState{
		nextID:       s.nextID,
		sessions:     make(map[string]RetroSession, len(s.sessions)),
		participants: make(map[string][]Participant, len(s.participants)),
		responses:    append([]Response(nil), s.responses...),
		themes:       append([]ThemeGroup(nil), s.themes...),
		voting:       make(map[int64]VotingSession, len(s.voting)),
		allocations:  make(map[allocationKey]VoteAllocation, len(s.allocations)),
		topics:       make(map[string][]DiscussionTopic, len(s.topics)),
		summaries:    make(map[string]Summary, len(s.summaries)),
		reminders:    append([]ScheduledReminder(nil), s.reminders...),
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.participants {
		out.participants[k] = append([]Participant(nil), v...)
	}
	for k, v := range s.voting {
		out.voting[k] = v
	}
	for k, v := range s.allocations {
		out.allocations[k] = v
	}
	for k, v := range s.topics {
		out.topics[k] = append([]DiscussionTopic(nil), v...)
	}
	for k, v := range s.summaries {
		out.summaries[k] = v
	}
	return out
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

type memTx struct {
	state *memState
	now   func() time.Time
}

// Sessions

func (t *memTx) CreateSession(_ context.Context, session RetroSession) error {
	if _, exists := t.state.sessions[session.ID]; exists {
		return fmt.Errorf("insert session: duplicate id %s", session.ID)
	}
	now := t.now()
	session.CompletedPhases = append([]Phase(nil), session.CompletedPhases...)
	session.CreatedAt = now
	session.UpdatedAt = now
	t.state.sessions[session.ID] = session
	return nil
}

func (t *memTx) GetSession(_ context.Context, id string) (RetroSession, error) {
	session, ok := t.state.sessions[id]
	if !ok {
		return RetroSession{}, ErrNotFound
	}
	session.CompletedPhases = append([]Phase(nil), session.CompletedPhases...)
	return session, nil
}

func (t *memTx) LockSession(ctx context.Context, id string) (RetroSession, error) {
	return t.GetSession(ctx, id)
}

func (t *memTx) CompareAndSetPhase(_ context.Context, id string, from, to Phase, at time.Time) (bool, error) {
	session, ok := t.state.sessions[id]
	if !ok || session.Phase != from {
		return false, nil
	}
	session.Phase = to
	session.UpdatedAt = at
	if to == PhaseCompleted {
		completedAt := at
		session.CompletedAt = &completedAt
	}
	t.state.sessions[id] = session
	return true, nil
}

func (t *memTx) SetCompletedPhases(_ context.Context, id string, phases []Phase) error {
	session, ok := t.state.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.CompletedPhases = append([]Phase(nil), phases...)
	t.state.sessions[id] = session
	return nil
}

// Participants

func (t *memTx) participantIndex(sessionID, userID string) int {
	for i, p := range t.state.participants[sessionID] {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (t *memTx) updateParticipant(sessionID string, idx int, fn func(*Participant)) {
	list := append([]Participant(nil), t.state.participants[sessionID]...)
	fn(&list[idx])
	t.state.participants[sessionID] = list
}

func (t *memTx) UpsertParticipant(_ context.Context, participant Participant) error {
	idx := t.participantIndex(participant.SessionID, participant.UserID)
	if idx < 0 {
		participant.CompletedInput = false
		participant.VotingFinalized = false
		participant.JoinedAt = t.now()
		list := append([]Participant(nil), t.state.participants[participant.SessionID]...)
		t.state.participants[participant.SessionID] = append(list, participant)
		return nil
	}
	t.updateParticipant(participant.SessionID, idx, func(p *Participant) {
		p.DisplayName = participant.DisplayName
		p.Email = participant.Email
		p.Role = participant.Role
		p.Active = participant.Active
	})
	return nil
}

func (t *memTx) GetParticipant(_ context.Context, sessionID, userID string) (Participant, error) {
	idx := t.participantIndex(sessionID, userID)
	if idx < 0 {
		return Participant{}, ErrNotFound
	}
	return t.state.participants[sessionID][idx], nil
}

func (t *memTx) ListParticipants(_ context.Context, sessionID string) ([]Participant, error) {
	return append([]Participant{}, t.state.participants[sessionID]...), nil
}

func (t *memTx) SetInputCompleted(_ context.Context, sessionID, userID string, completed bool) error {
	idx := t.participantIndex(sessionID, userID)
	if idx < 0 {
		return ErrNotFound
	}
	t.updateParticipant(sessionID, idx, func(p *Participant) { p.CompletedInput = completed })
	return nil
}

func (t *memTx) SetVotingFinalized(_ context.Context, sessionID, userID string) (bool, error) {
	idx := t.participantIndex(sessionID, userID)
	if idx < 0 || t.state.participants[sessionID][idx].VotingFinalized {
		return false, nil
	}
	t.updateParticipant(sessionID, idx, func(p *Participant) { p.VotingFinalized = true })
	return true, nil
}

func (t *memTx) ResetVotingFinalized(_ context.Context, sessionID string) error {
	list := append([]Participant(nil), t.state.participants[sessionID]...)
	for i := range list {
		list[i].VotingFinalized = false
	}
	t.state.participants[sessionID] = list
	return nil
}

// Responses

func (t *memTx) InsertResponse(_ context.Context, response Response) (Response, error) {
	if strings.TrimSpace(response.Text) == "" {
		return Response{}, fmt.Errorf("insert response: empty body")
	}
	response.ID = t.state.id()
	response.ThemeGroupID = nil
	response.CreatedAt = t.now()
	t.state.responses = append(append([]Response(nil), t.state.responses...), response)
	return response, nil
}

func (t *memTx) ListResponses(_ context.Context, sessionID string) ([]Response, error) {
	items := make([]Response, 0)
	for _, r := range t.state.responses {
		if r.SessionID == sessionID {
			items = append(items, r)
		}
	}
	return items, nil
}

func (t *memTx) AssignResponseTheme(_ context.Context, sessionID string, responseID, themeGroupID int64) (bool, error) {
	for i, r := range t.state.responses {
		if r.ID != responseID || r.SessionID != sessionID {
			continue
		}
		if r.ThemeGroupID != nil {
			return false, nil
		}
		list := append([]Response(nil), t.state.responses...)
		id := themeGroupID
		list[i].ThemeGroupID = &id
		t.state.responses = list
		return true, nil
	}
	return false, nil
}

func (t *memTx) ClearResponseThemes(_ context.Context, sessionID string) error {
	list := append([]Response(nil), t.state.responses...)
	for i := range list {
		if list[i].SessionID == sessionID {
			list[i].ThemeGroupID = nil
		}
	}
	t.state.responses = list
	return nil
}

// Theme groups

func copyTheme(group ThemeGroup) ThemeGroup {
	group.Contributors = append([]string(nil), group.Contributors...)
	group.ResponseIDs = append([]int64(nil), group.ResponseIDs...)
	return group
}

func (t *memTx) titleTaken(sessionID, title string, exceptID int64) bool {
	for _, g := range t.state.themes {
		if g.SessionID == sessionID && g.ID != exceptID && strings.EqualFold(g.Title, title) {
			return true
		}
	}
	return false
}

func (t *memTx) InsertThemeGroup(_ context.Context, group ThemeGroup) (ThemeGroup, error) {
	if t.titleTaken(group.SessionID, group.Title, 0) {
		return ThemeGroup{}, fmt.Errorf("insert theme group: duplicate title %q", group.Title)
	}
	now := t.now()
	group = copyTheme(group)
	group.ID = t.state.id()
	group.CreatedAt = now
	group.UpdatedAt = now
	t.state.themes = append(append([]ThemeGroup(nil), t.state.themes...), group)
	return copyTheme(group), nil
}

func (t *memTx) ListThemeGroups(_ context.Context, sessionID string) ([]ThemeGroup, error) {
	items := make([]ThemeGroup, 0)
	for _, g := range t.state.themes {
		if g.SessionID == sessionID {
			items = append(items, copyTheme(g))
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (t *memTx) GetThemeGroup(_ context.Context, id int64) (ThemeGroup, error) {
	for _, g := range t.state.themes {
		if g.ID == id {
			return copyTheme(g), nil
		}
	}
	return ThemeGroup{}, ErrNotFound
}

func (t *memTx) UpdateThemeGroup(_ context.Context, group ThemeGroup) error {
	for i, g := range t.state.themes {
		if g.ID != group.ID || g.SessionID != group.SessionID {
			continue
		}
		if t.titleTaken(group.SessionID, group.Title, group.ID) {
			return fmt.Errorf("update theme group: duplicate title %q", group.Title)
		}
		list := append([]ThemeGroup(nil), t.state.themes...)
		updated := copyTheme(group)
		updated.CreatedAt = g.CreatedAt
		updated.UpdatedAt = t.now()
		list[i] = updated
		t.state.themes = list
		return nil
	}
	return ErrNotFound
}

func (t *memTx) DeleteThemeGroup(_ context.Context, sessionID string, id int64) error {
	kept := make([]ThemeGroup, 0, len(t.state.themes))
	found := false
	for _, g := range t.state.themes {
		if g.ID == id && g.SessionID == sessionID {
			found = true
			continue
		}
		kept = append(kept, g)
	}
	if !found {
		return ErrNotFound
	}
	t.state.themes = kept
	t.detachThemes(func(themeID int64) bool { return themeID == id })
	return nil
}

func (t *memTx) DeleteThemeGroups(_ context.Context, sessionID string) error {
	removed := map[int64]bool{}
	kept := make([]ThemeGroup, 0, len(t.state.themes))
	for _, g := range t.state.themes {
		if g.SessionID == sessionID {
			removed[g.ID] = true
			continue
		}
		kept = append(kept, g)
	}
	t.state.themes = kept
	t.detachThemes(func(themeID int64) bool { return removed[themeID] })
	return nil
}

// detachThemes applies the foreign-key side effects of removing theme groups.
func (t *memTx) detachThemes(removed func(int64) bool) {
	responses := append([]Response(nil), t.state.responses...)
	for i := range responses {
		if responses[i].ThemeGroupID != nil && removed(*responses[i].ThemeGroupID) {
			responses[i].ThemeGroupID = nil
		}
	}
	t.state.responses = responses
	for key := range t.state.allocations {
		if removed(key.themeGroupID) {
			delete(t.state.allocations, key)
		}
	}
	for sessionID, topics := range t.state.topics {
		kept := make([]DiscussionTopic, 0, len(topics))
		for _, topic := range topics {
			if !removed(topic.ThemeGroupID) {
				kept = append(kept, topic)
			}
		}
		t.state.topics[sessionID] = kept
	}
}

// Voting

func (t *memTx) CreateVotingSession(_ context.Context, voting VotingSession) (VotingSession, error) {
	for _, existing := range t.state.voting {
		if existing.SessionID == voting.SessionID {
			return VotingSession{}, fmt.Errorf("insert voting session: session %s already has one", voting.SessionID)
		}
	}
	voting.ID = t.state.id()
	if voting.Status == "" {
		voting.Status = VotingOpen
	}
	if voting.OpenedAt.IsZero() {
		voting.OpenedAt = t.now()
	}
	voting.ClosedAt = nil
	t.state.voting[voting.ID] = voting
	return voting, nil
}

func (t *memTx) GetVotingSession(_ context.Context, sessionID string) (VotingSession, error) {
	for _, v := range t.state.voting {
		if v.SessionID == sessionID {
			return v, nil
		}
	}
	return VotingSession{}, ErrNotFound
}

func (t *memTx) LockVotingSession(_ context.Context, votingID int64) (VotingSession, error) {
	v, ok := t.state.voting[votingID]
	if !ok {
		return VotingSession{}, ErrNotFound
	}
	return v, nil
}

func (t *memTx) SetVotingStatus(_ context.Context, votingID int64, from, to VotingStatus, at time.Time) (bool, error) {
	v, ok := t.state.voting[votingID]
	if !ok || v.Status != from {
		return false, nil
	}
	v.Status = to
	if to == VotingClosed {
		closedAt := at
		v.ClosedAt = &closedAt
	} else {
		v.ClosedAt = nil
	}
	t.state.voting[votingID] = v
	return true, nil
}

func (t *memTx) LockParticipantBudget(context.Context, int64, string) error {
	return nil
}

func sortAllocations(items []VoteAllocation) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].ThemeGroupID != items[j].ThemeGroupID {
			return items[i].ThemeGroupID < items[j].ThemeGroupID
		}
		return items[i].ParticipantID < items[j].ParticipantID
	})
}

func (t *memTx) ListAllocations(_ context.Context, votingID int64) ([]VoteAllocation, error) {
	items := make([]VoteAllocation, 0)
	for key, a := range t.state.allocations {
		if key.votingID == votingID {
			items = append(items, a)
		}
	}
	sortAllocations(items)
	return items, nil
}

func (t *memTx) ListParticipantAllocations(_ context.Context, votingID int64, participantID string) ([]VoteAllocation, error) {
	items := make([]VoteAllocation, 0)
	for key, a := range t.state.allocations {
		if key.votingID == votingID && key.participantID == participantID {
			items = append(items, a)
		}
	}
	sortAllocations(items)
	return items, nil
}

func (t *memTx) UpsertAllocation(_ context.Context, allocation VoteAllocation) error {
	if allocation.Votes < 0 {
		return fmt.Errorf("upsert allocation: negative votes")
	}
	if _, ok := t.state.voting[allocation.VotingSessionID]; !ok {
		return fmt.Errorf("upsert allocation: unknown voting session %d", allocation.VotingSessionID)
	}
	if allocation.UpdatedAt.IsZero() {
		allocation.UpdatedAt = t.now()
	}
	key := allocationKey{
		votingID:      allocation.VotingSessionID,
		themeGroupID:  allocation.ThemeGroupID,
		participantID: allocation.ParticipantID,
	}
	t.state.allocations[key] = allocation
	return nil
}

func (t *memTx) DeleteVotingData(_ context.Context, sessionID string) error {
	for id, v := range t.state.voting {
		if v.SessionID != sessionID {
			continue
		}
		delete(t.state.voting, id)
		for key := range t.state.allocations {
			if key.votingID == id {
				delete(t.state.allocations, key)
			}
		}
	}
	return nil
}

// Discussion topics

func copyTopic(topic DiscussionTopic) DiscussionTopic {
	topic.ActionItems = append([]string(nil), topic.ActionItems...)
	return topic
}

func (t *memTx) ReplaceTopics(_ context.Context, sessionID string, topics []DiscussionTopic) ([]DiscussionTopic, error) {
	stored := make([]DiscussionTopic, 0, len(topics))
	for _, topic := range topics {
		topic = copyTopic(topic)
		topic.ID = t.state.id()
		topic.SessionID = sessionID
		if topic.Status == "" {
			topic.Status = TopicPending
		}
		stored = append(stored, topic)
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].Rank < stored[j].Rank })
	t.state.topics[sessionID] = stored
	out := make([]DiscussionTopic, len(stored))
	for i, topic := range stored {
		out[i] = copyTopic(topic)
	}
	return out, nil
}

func (t *memTx) ListTopics(_ context.Context, sessionID string) ([]DiscussionTopic, error) {
	items := make([]DiscussionTopic, 0, len(t.state.topics[sessionID]))
	for _, topic := range t.state.topics[sessionID] {
		items = append(items, copyTopic(topic))
	}
	return items, nil
}

func (t *memTx) SetTopicOutcome(_ context.Context, sessionID string, topicID int64, status TopicStatus, notes string, actionItems []string, at time.Time) (bool, error) {
	topics := t.state.topics[sessionID]
	for i, topic := range topics {
		if topic.ID != topicID {
			continue
		}
		if topic.Status != TopicPending {
			return false, nil
		}
		list := append([]DiscussionTopic(nil), topics...)
		discussedAt := at
		list[i].Status = status
		list[i].Notes = notes
		list[i].ActionItems = append([]string(nil), actionItems...)
		list[i].DiscussedAt = &discussedAt
		t.state.topics[sessionID] = list
		return true, nil
	}
	return false, nil
}

func (t *memTx) DeleteTopics(_ context.Context, sessionID string) error {
	delete(t.state.topics, sessionID)
	return nil
}

// Summaries

func (t *memTx) UpsertSummary(_ context.Context, summary Summary) error {
	t.state.summaries[summary.SessionID] = summary
	return nil
}

func (t *memTx) GetSummary(_ context.Context, sessionID string) (Summary, error) {
	summary, ok := t.state.summaries[sessionID]
	if !ok {
		return Summary{}, ErrNotFound
	}
	return summary, nil
}

func (t *memTx) DeleteSummary(_ context.Context, sessionID string) error {
	delete(t.state.summaries, sessionID)
	return nil
}

// Reminders

func (t *memTx) reminderIndex(id int64) int {
	for i, r := range t.state.reminders {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (t *memTx) updateReminder(idx int, fn func(*ScheduledReminder)) {
	list := append([]ScheduledReminder(nil), t.state.reminders...)
	fn(&list[idx])
	t.state.reminders = list
}

func (t *memTx) InsertReminder(_ context.Context, reminder ScheduledReminder) (ScheduledReminder, bool, error) {
	for _, r := range t.state.reminders {
		if r.SessionID == reminder.SessionID && r.UserID == reminder.UserID && r.Type == reminder.Type {
			return r, false, nil
		}
	}
	now := t.now()
	reminder.ID = t.state.id()
	if reminder.Status == "" {
		reminder.Status = ReminderPending
	}
	reminder.CreatedAt = now
	reminder.UpdatedAt = now
	t.state.reminders = append(append([]ScheduledReminder(nil), t.state.reminders...), reminder)
	return reminder, true, nil
}

func (t *memTx) GetReminder(_ context.Context, id int64) (ScheduledReminder, error) {
	idx := t.reminderIndex(id)
	if idx < 0 {
		return ScheduledReminder{}, ErrNotFound
	}
	return t.state.reminders[idx], nil
}

func sortReminders(items []ScheduledReminder) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].ScheduledFor.Equal(items[j].ScheduledFor) {
			return items[i].ScheduledFor.Before(items[j].ScheduledFor)
		}
		return items[i].ID < items[j].ID
	})
}

func (t *memTx) ListReminders(_ context.Context, sessionID string) ([]ScheduledReminder, error) {
	items := make([]ScheduledReminder, 0)
	for _, r := range t.state.reminders {
		if r.SessionID == sessionID {
			items = append(items, r)
		}
	}
	sortReminders(items)
	return items, nil
}

func claimable(r ScheduledReminder, now time.Time) bool {
	return r.Status == ReminderPending && (r.ClaimedUntil == nil || r.ClaimedUntil.Before(now))
}

func (t *memTx) ListDueReminders(_ context.Context, now time.Time, limit int) ([]ScheduledReminder, error) {
	if limit <= 0 {
		limit = 100
	}
	items := make([]ScheduledReminder, 0)
	for _, r := range t.state.reminders {
		if !r.ScheduledFor.After(now) && claimable(r, now) {
			items = append(items, r)
		}
	}
	sortReminders(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (t *memTx) ClaimReminder(_ context.Context, id int64, owner string, now, until time.Time) (bool, error) {
	idx := t.reminderIndex(id)
	if idx < 0 || !claimable(t.state.reminders[idx], now) {
		return false, nil
	}
	t.updateReminder(idx, func(r *ScheduledReminder) {
		claimedUntil := until
		r.ClaimedBy = owner
		r.ClaimedUntil = &claimedUntil
		r.Attempts++
		r.UpdatedAt = now
	})
	return true, nil
}

func (t *memTx) TransitionReminder(_ context.Context, id int64, from, to ReminderStatus, at time.Time, lastError string) (bool, error) {
	idx := t.reminderIndex(id)
	if idx < 0 || t.state.reminders[idx].Status != from {
		return false, nil
	}
	t.updateReminder(idx, func(r *ScheduledReminder) {
		r.Status = to
		if to == ReminderSent {
			sentAt := at
			r.SentAt = &sentAt
		}
		r.LastError = lastError
		r.ClaimedUntil = nil
		r.UpdatedAt = at
	})
	return true, nil
}

func (t *memTx) FinishClaimedReminder(ctx context.Context, id int64, owner string, to ReminderStatus, at time.Time, lastError string) (bool, error) {
	idx := t.reminderIndex(id)
	if idx < 0 || t.state.reminders[idx].ClaimedBy != owner {
		return false, nil
	}
	return t.TransitionReminder(ctx, id, ReminderPending, to, at, lastError)
}

func (t *memTx) CancelPendingReminders(_ context.Context, sessionID string, at time.Time) (int, error) {
	list := append([]ScheduledReminder(nil), t.state.reminders...)
	count := 0
	for i := range list {
		if list[i].SessionID == sessionID && list[i].Status == ReminderPending {
			list[i].Status = ReminderCancelled
			list[i].ClaimedUntil = nil
			list[i].UpdatedAt = at
			count++
		}
	}
	t.state.reminders = list
	return count, nil
}
