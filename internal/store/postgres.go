package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) (CacheEntry, error) {
	var entry CacheEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT key, endpoint, model, payload, created_at
		FROM ai_cache_entries
		WHERE key=$1
	`, key).Scan(&entry.Key, &entry.Endpoint, &entry.Model, &entry.Payload, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("get cache entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) UpsertCacheEntry(ctx context.Context, entry CacheEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_cache_entries (key, endpoint, model, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET endpoint=EXCLUDED.endpoint, model=EXCLUDED.model, payload=EXCLUDED.payload, created_at=EXCLUDED.created_at
	`, entry.Key, entry.Endpoint, entry.Model, entry.Payload, createdAt)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func affectedOne(result sql.Result, what string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows: %w", what, err)
	}
	return affected > 0, nil
}

func encodeJSON(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// decodeJSON decodes a JSONB column. NULL leaves target untouched.
func decodeJSON(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func stringList(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Sessions

const sessionColumns = `
	id, workspace_id, title, facilitator_id, phase,
	votes_per_member, min_votes_to_discuss, discussion_minutes, remind_week_before, remind_day_before,
	completed_phases, scheduled_for, completed_at, created_at, updated_at`

func scanSession(row rowScanner) (RetroSession, error) {
	var item RetroSession
	var phasesRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.Title,
		&item.FacilitatorID,
		&item.Phase,
		&item.Settings.VotesPerMember,
		&item.Settings.MinVotesToDiscuss,
		&item.Settings.DiscussionMinutes,
		&item.Settings.RemindWeekBefore,
		&item.Settings.RemindDayBefore,
		&phasesRaw,
		&item.ScheduledFor,
		&item.CompletedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return RetroSession{}, err
	}
	if err := decodeJSON(phasesRaw, &item.CompletedPhases); err != nil {
		return RetroSession{}, fmt.Errorf("decode completed phases: %w", err)
	}
	return item, nil
}

func (t *pgTx) CreateSession(ctx context.Context, session RetroSession) error {
	phases := session.CompletedPhases
	if phases == nil {
		phases = []Phase{}
	}
	encodedPhases, err := encodeJSON(phases)
	if err != nil {
		return fmt.Errorf("marshal completed phases: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO retro_sessions (
			id, workspace_id, title, facilitator_id, phase,
			votes_per_member, min_votes_to_discuss, discussion_minutes, remind_week_before, remind_day_before,
			completed_phases, scheduled_for
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12)
	`,
		session.ID, session.WorkspaceID, session.Title, session.FacilitatorID, string(session.Phase),
		session.Settings.VotesPerMember, session.Settings.MinVotesToDiscuss, session.Settings.DiscussionMinutes,
		session.Settings.RemindWeekBefore, session.Settings.RemindDayBefore,
		encodedPhases, session.ScheduledFor,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (t *pgTx) GetSession(ctx context.Context, id string) (RetroSession, error) {
	item, err := scanSession(t.tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM retro_sessions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RetroSession{}, ErrNotFound
	}
	if err != nil {
		return RetroSession{}, fmt.Errorf("get session: %w", err)
	}
	return item, nil
}

func (t *pgTx) LockSession(ctx context.Context, id string) (RetroSession, error) {
	item, err := scanSession(t.tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM retro_sessions WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RetroSession{}, ErrNotFound
	}
	if err != nil {
		return RetroSession{}, fmt.Errorf("lock session: %w", err)
	}
	return item, nil
}

func (t *pgTx) CompareAndSetPhase(ctx context.Context, id string, from, to Phase, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE retro_sessions
		SET phase=$3,
			updated_at=$4,
			completed_at=CASE WHEN $3='completed' THEN $4 ELSE completed_at END
		WHERE id=$1 AND phase=$2
	`, id, string(from), string(to), at)
	if err != nil {
		return false, fmt.Errorf("set phase: %w", err)
	}
	return affectedOne(result, "set phase")
}

func (t *pgTx) SetCompletedPhases(ctx context.Context, id string, phases []Phase) error {
	if phases == nil {
		phases = []Phase{}
	}
	encoded, err := encodeJSON(phases)
	if err != nil {
		return fmt.Errorf("marshal completed phases: %w", err)
	}
	result, err := t.tx.ExecContext(ctx, `UPDATE retro_sessions SET completed_phases=$2::jsonb WHERE id=$1`, id, encoded)
	if err != nil {
		return fmt.Errorf("set completed phases: %w", err)
	}
	if ok, err := affectedOne(result, "set completed phases"); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

// Participants

const participantColumns = `session_id, user_id, display_name, email, role, active, completed_input, voting_finalized, joined_at`

func scanParticipant(row rowScanner) (Participant, error) {
	var item Participant
	err := row.Scan(
		&item.SessionID,
		&item.UserID,
		&item.DisplayName,
		&item.Email,
		&item.Role,
		&item.Active,
		&item.CompletedInput,
		&item.VotingFinalized,
		&item.JoinedAt,
	)
	return item, err
}

func (t *pgTx) UpsertParticipant(ctx context.Context, participant Participant) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO retro_participants (session_id, user_id, display_name, email, role, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, user_id) DO UPDATE
		SET display_name=EXCLUDED.display_name, email=EXCLUDED.email, role=EXCLUDED.role, active=EXCLUDED.active
	`, participant.SessionID, participant.UserID, participant.DisplayName, participant.Email, string(participant.Role), participant.Active)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (t *pgTx) GetParticipant(ctx context.Context, sessionID, userID string) (Participant, error) {
	item, err := scanParticipant(t.tx.QueryRowContext(ctx, `
		SELECT `+participantColumns+`
		FROM retro_participants
		WHERE session_id=$1 AND user_id=$2
	`, sessionID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrNotFound
	}
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return item, nil
}

func (t *pgTx) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM retro_participants
		WHERE session_id=$1
		ORDER BY joined_at, user_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		item, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func (t *pgTx) SetInputCompleted(ctx context.Context, sessionID, userID string, completed bool) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE retro_participants SET completed_input=$3 WHERE session_id=$1 AND user_id=$2
	`, sessionID, userID, completed)
	if err != nil {
		return fmt.Errorf("set input completed: %w", err)
	}
	if ok, err := affectedOne(result, "set input completed"); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SetVotingFinalized(ctx context.Context, sessionID, userID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE retro_participants SET voting_finalized=TRUE
		WHERE session_id=$1 AND user_id=$2 AND voting_finalized=FALSE
	`, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("finalize ballot: %w", err)
	}
	return affectedOne(result, "finalize ballot")
}

func (t *pgTx) ResetVotingFinalized(ctx context.Context, sessionID string) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE retro_participants SET voting_finalized=FALSE WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("reset finalized ballots: %w", err)
	}
	return nil
}

// Responses

func (t *pgTx) InsertResponse(ctx context.Context, response Response) (Response, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO retro_responses (session_id, author_id, category, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, response.SessionID, response.AuthorID, string(response.Category), response.Text).Scan(&response.ID, &response.CreatedAt)
	if err != nil {
		return Response{}, fmt.Errorf("insert response: %w", err)
	}
	response.ThemeGroupID = nil
	return response, nil
}

func (t *pgTx) ListResponses(ctx context.Context, sessionID string) ([]Response, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, session_id, author_id, category, body, theme_group_id, created_at
		FROM retro_responses
		WHERE session_id=$1
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	items := make([]Response, 0)
	for rows.Next() {
		var item Response
		if err := rows.Scan(&item.ID, &item.SessionID, &item.AuthorID, &item.Category, &item.Text, &item.ThemeGroupID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return items, nil
}

func (t *pgTx) AssignResponseTheme(ctx context.Context, sessionID string, responseID, themeGroupID int64) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE retro_responses SET theme_group_id=$3
		WHERE session_id=$1 AND id=$2 AND theme_group_id IS NULL
	`, sessionID, responseID, themeGroupID)
	if err != nil {
		return false, fmt.Errorf("assign response theme: %w", err)
	}
	return affectedOne(result, "assign response theme")
}

func (t *pgTx) ClearResponseThemes(ctx context.Context, sessionID string) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE retro_responses SET theme_group_id=NULL WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("clear response themes: %w", err)
	}
	return nil
}

// Theme groups

const themeColumns = `id, session_id, title, description, primary_category, contributors, response_ids, ai_generated, created_at, updated_at`

func scanThemeGroup(row rowScanner) (ThemeGroup, error) {
	var item ThemeGroup
	var contributorsRaw, responseIDsRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.SessionID,
		&item.Title,
		&item.Description,
		&item.PrimaryCategory,
		&contributorsRaw,
		&responseIDsRaw,
		&item.AIGenerated,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return ThemeGroup{}, err
	}
	if err := decodeJSON(contributorsRaw, &item.Contributors); err != nil {
		return ThemeGroup{}, fmt.Errorf("decode contributors: %w", err)
	}
	if err := decodeJSON(responseIDsRaw, &item.ResponseIDs); err != nil {
		return ThemeGroup{}, fmt.Errorf("decode response ids: %w", err)
	}
	return item, nil
}

func encodeThemeLists(group ThemeGroup) (string, string, error) {
	contributors, err := encodeJSON(stringList(group.Contributors))
	if err != nil {
		return "", "", fmt.Errorf("marshal contributors: %w", err)
	}
	ids := group.ResponseIDs
	if ids == nil {
		ids = []int64{}
	}
	responseIDs, err := encodeJSON(ids)
	if err != nil {
		return "", "", fmt.Errorf("marshal response ids: %w", err)
	}
	return contributors, responseIDs, nil
}

func (t *pgTx) InsertThemeGroup(ctx context.Context, group ThemeGroup) (ThemeGroup, error) {
	contributors, responseIDs, err := encodeThemeLists(group)
	if err != nil {
		return ThemeGroup{}, err
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO theme_groups (session_id, title, description, primary_category, contributors, response_ids, ai_generated)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		RETURNING id, created_at, updated_at
	`, group.SessionID, group.Title, group.Description, string(group.PrimaryCategory), contributors, responseIDs, group.AIGenerated).
		Scan(&group.ID, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return ThemeGroup{}, fmt.Errorf("insert theme group: %w", err)
	}
	return group, nil
}

func (t *pgTx) ListThemeGroups(ctx context.Context, sessionID string) ([]ThemeGroup, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+themeColumns+`
		FROM theme_groups
		WHERE session_id=$1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list theme groups: %w", err)
	}
	defer rows.Close()

	items := make([]ThemeGroup, 0)
	for rows.Next() {
		item, err := scanThemeGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan theme group: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate theme groups: %w", err)
	}
	return items, nil
}

func (t *pgTx) GetThemeGroup(ctx context.Context, id int64) (ThemeGroup, error) {
	item, err := scanThemeGroup(t.tx.QueryRowContext(ctx, `SELECT `+themeColumns+` FROM theme_groups WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ThemeGroup{}, ErrNotFound
	}
	if err != nil {
		return ThemeGroup{}, fmt.Errorf("get theme group: %w", err)
	}
	return item, nil
}

func (t *pgTx) UpdateThemeGroup(ctx context.Context, group ThemeGroup) error {
	contributors, responseIDs, err := encodeThemeLists(group)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE theme_groups
		SET title=$3, description=$4, primary_category=$5, contributors=$6::jsonb, response_ids=$7::jsonb, ai_generated=$8, updated_at=NOW()
		WHERE session_id=$1 AND id=$2
	`, group.SessionID, group.ID, group.Title, group.Description, string(group.PrimaryCategory), contributors, responseIDs, group.AIGenerated)
	if err != nil {
		return fmt.Errorf("update theme group: %w", err)
	}
	if ok, err := affectedOne(result, "update theme group"); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteThemeGroup(ctx context.Context, sessionID string, id int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM theme_groups WHERE session_id=$1 AND id=$2`, sessionID, id)
	if err != nil {
		return fmt.Errorf("delete theme group: %w", err)
	}
	if ok, err := affectedOne(result, "delete theme group"); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteThemeGroups(ctx context.Context, sessionID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM theme_groups WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete theme groups: %w", err)
	}
	return nil
}

// Voting

const votingColumns = `id, session_id, votes_per_member, min_votes_to_discuss, status, opened_at, closed_at`

func scanVotingSession(row rowScanner) (VotingSession, error) {
	var item VotingSession
	err := row.Scan(&item.ID, &item.SessionID, &item.VotesPerMember, &item.MinVotesToDiscuss, &item.Status, &item.OpenedAt, &item.ClosedAt)
	return item, err
}

func (t *pgTx) CreateVotingSession(ctx context.Context, voting VotingSession) (VotingSession, error) {
	status := voting.Status
	if status == "" {
		status = VotingOpen
	}
	opened := voting.OpenedAt
	if opened.IsZero() {
		opened = time.Now().UTC()
	}
	item, err := scanVotingSession(t.tx.QueryRowContext(ctx, `
		INSERT INTO voting_sessions (session_id, votes_per_member, min_votes_to_discuss, status, opened_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+votingColumns,
		voting.SessionID, voting.VotesPerMember, voting.MinVotesToDiscuss, string(status), opened))
	if err != nil {
		return VotingSession{}, fmt.Errorf("insert voting session: %w", err)
	}
	return item, nil
}

func (t *pgTx) GetVotingSession(ctx context.Context, sessionID string) (VotingSession, error) {
	item, err := scanVotingSession(t.tx.QueryRowContext(ctx, `SELECT `+votingColumns+` FROM voting_sessions WHERE session_id=$1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return VotingSession{}, ErrNotFound
	}
	if err != nil {
		return VotingSession{}, fmt.Errorf("get voting session: %w", err)
	}
	return item, nil
}

func (t *pgTx) LockVotingSession(ctx context.Context, votingID int64) (VotingSession, error) {
	item, err := scanVotingSession(t.tx.QueryRowContext(ctx, `SELECT `+votingColumns+` FROM voting_sessions WHERE id=$1 FOR SHARE`, votingID))
	if errors.Is(err, sql.ErrNoRows) {
		return VotingSession{}, ErrNotFound
	}
	if err != nil {
		return VotingSession{}, fmt.Errorf("lock voting session: %w", err)
	}
	return item, nil
}

func (t *pgTx) SetVotingStatus(ctx context.Context, votingID int64, from, to VotingStatus, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE voting_sessions
		SET status=$3, closed_at=CASE WHEN $3='closed' THEN $4::timestamptz ELSE NULL END
		WHERE id=$1 AND status=$2
	`, votingID, string(from), string(to), at)
	if err != nil {
		return false, fmt.Errorf("set voting status: %w", err)
	}
	return affectedOne(result, "set voting status")
}

// LockParticipantBudget serializes every allocation by one participant in one
// voting session until the surrounding transaction ends.
func (t *pgTx) LockParticipantBudget(ctx context.Context, votingID int64, participantID string) error {
	key := fmt.Sprintf("vote_budget:%d:%s", votingID, participantID)
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("lock participant budget: %w", err)
	}
	return nil
}

func (t *pgTx) queryAllocations(ctx context.Context, query string, args ...any) ([]VoteAllocation, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	items := make([]VoteAllocation, 0)
	for rows.Next() {
		var item VoteAllocation
		if err := rows.Scan(&item.VotingSessionID, &item.ThemeGroupID, &item.ParticipantID, &item.Votes, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return items, nil
}

func (t *pgTx) ListAllocations(ctx context.Context, votingID int64) ([]VoteAllocation, error) {
	return t.queryAllocations(ctx, `
		SELECT voting_session_id, theme_group_id, participant_id, votes, updated_at
		FROM vote_allocations
		WHERE voting_session_id=$1
		ORDER BY theme_group_id, participant_id
	`, votingID)
}

func (t *pgTx) ListParticipantAllocations(ctx context.Context, votingID int64, participantID string) ([]VoteAllocation, error) {
	return t.queryAllocations(ctx, `
		SELECT voting_session_id, theme_group_id, participant_id, votes, updated_at
		FROM vote_allocations
		WHERE voting_session_id=$1 AND participant_id=$2
		ORDER BY theme_group_id
	`, votingID, participantID)
}

func (t *pgTx) UpsertAllocation(ctx context.Context, allocation VoteAllocation) error {
	updated := allocation.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO vote_allocations (voting_session_id, theme_group_id, participant_id, votes, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (voting_session_id, theme_group_id, participant_id) DO UPDATE
		SET votes=EXCLUDED.votes, updated_at=EXCLUDED.updated_at
	`, allocation.VotingSessionID, allocation.ThemeGroupID, allocation.ParticipantID, allocation.Votes, updated)
	if err != nil {
		return fmt.Errorf("upsert allocation: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteVotingData(ctx context.Context, sessionID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM voting_sessions WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete voting session: %w", err)
	}
	return nil
}

// Discussion topics

func (t *pgTx) ReplaceTopics(ctx context.Context, sessionID string, topics []DiscussionTopic) ([]DiscussionTopic, error) {
	if err := t.DeleteTopics(ctx, sessionID); err != nil {
		return nil, err
	}
	stored := make([]DiscussionTopic, 0, len(topics))
	for _, topic := range topics {
		topic.SessionID = sessionID
		if topic.Status == "" {
			topic.Status = TopicPending
		}
		actionItems, err := encodeJSON(stringList(topic.ActionItems))
		if err != nil {
			return nil, fmt.Errorf("marshal action items: %w", err)
		}
		err = t.tx.QueryRowContext(ctx, `
			INSERT INTO discussion_topics (session_id, theme_group_id, title, total_votes, rank, time_allocated_minutes, status, notes, action_items)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
			RETURNING id
		`, sessionID, topic.ThemeGroupID, topic.Title, topic.TotalVotes, topic.Rank, topic.TimeAllocatedMinutes, string(topic.Status), topic.Notes, actionItems).Scan(&topic.ID)
		if err != nil {
			return nil, fmt.Errorf("insert discussion topic: %w", err)
		}
		stored = append(stored, topic)
	}
	return stored, nil
}

func (t *pgTx) ListTopics(ctx context.Context, sessionID string) ([]DiscussionTopic, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, session_id, theme_group_id, title, total_votes, rank, time_allocated_minutes, status, notes, action_items, discussed_at
		FROM discussion_topics
		WHERE session_id=$1
		ORDER BY rank
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list discussion topics: %w", err)
	}
	defer rows.Close()

	items := make([]DiscussionTopic, 0)
	for rows.Next() {
		var item DiscussionTopic
		var actionItemsRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.SessionID,
			&item.ThemeGroupID,
			&item.Title,
			&item.TotalVotes,
			&item.Rank,
			&item.TimeAllocatedMinutes,
			&item.Status,
			&item.Notes,
			&actionItemsRaw,
			&item.DiscussedAt,
		); err != nil {
			return nil, fmt.Errorf("scan discussion topic: %w", err)
		}
		if err := decodeJSON(actionItemsRaw, &item.ActionItems); err != nil {
			return nil, fmt.Errorf("decode action items: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discussion topics: %w", err)
	}
	return items, nil
}

func (t *pgTx) SetTopicOutcome(ctx context.Context, sessionID string, topicID int64, status TopicStatus, notes string, actionItems []string, at time.Time) (bool, error) {
	encoded, err := encodeJSON(stringList(actionItems))
	if err != nil {
		return false, fmt.Errorf("marshal action items: %w", err)
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE discussion_topics
		SET status=$3, notes=$4, action_items=$5::jsonb, discussed_at=$6
		WHERE session_id=$1 AND id=$2 AND status='pending'
	`, sessionID, topicID, string(status), notes, encoded, at)
	if err != nil {
		return false, fmt.Errorf("set topic outcome: %w", err)
	}
	return affectedOne(result, "set topic outcome")
}

func (t *pgTx) DeleteTopics(ctx context.Context, sessionID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM discussion_topics WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete discussion topics: %w", err)
	}
	return nil
}

// Summaries

func (t *pgTx) UpsertSummary(ctx context.Context, summary Summary) error {
	content, err := encodeJSON(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO retro_summaries (session_id, content, generated_at)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (session_id) DO UPDATE SET content=EXCLUDED.content, generated_at=EXCLUDED.generated_at
	`, summary.SessionID, content, summary.GeneratedAt)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

func (t *pgTx) GetSummary(ctx context.Context, sessionID string) (Summary, error) {
	var raw []byte
	err := t.tx.QueryRowContext(ctx, `SELECT content FROM retro_summaries WHERE session_id=$1`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("get summary: %w", err)
	}
	var summary Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return summary, nil
}

func (t *pgTx) DeleteSummary(ctx context.Context, sessionID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM retro_summaries WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete summary: %w", err)
	}
	return nil
}

// Reminders

const reminderColumns = `
	id, session_id, user_id, email, reminder_type, scheduled_for, status, subject, message,
	claimed_by, claimed_until, attempts, sent_at, last_error, created_at, updated_at`

func scanReminder(row rowScanner) (ScheduledReminder, error) {
	var item ScheduledReminder
	err := row.Scan(
		&item.ID,
		&item.SessionID,
		&item.UserID,
		&item.Email,
		&item.Type,
		&item.ScheduledFor,
		&item.Status,
		&item.Subject,
		&item.Message,
		&item.ClaimedBy,
		&item.ClaimedUntil,
		&item.Attempts,
		&item.SentAt,
		&item.LastError,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (t *pgTx) InsertReminder(ctx context.Context, reminder ScheduledReminder) (ScheduledReminder, bool, error) {
	status := reminder.Status
	if status == "" {
		status = ReminderPending
	}
	item, err := scanReminder(t.tx.QueryRowContext(ctx, `
		INSERT INTO scheduled_reminders (session_id, user_id, email, reminder_type, scheduled_for, status, subject, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, user_id, reminder_type) DO NOTHING
		RETURNING `+reminderColumns,
		reminder.SessionID, reminder.UserID, reminder.Email, string(reminder.Type), reminder.ScheduledFor, string(status), reminder.Subject, reminder.Message))
	if err == nil {
		return item, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ScheduledReminder{}, false, fmt.Errorf("insert reminder: %w", err)
	}

	existing, err := scanReminder(t.tx.QueryRowContext(ctx, `
		SELECT `+reminderColumns+`
		FROM scheduled_reminders
		WHERE session_id=$1 AND user_id=$2 AND reminder_type=$3
	`, reminder.SessionID, reminder.UserID, string(reminder.Type)))
	if err != nil {
		return ScheduledReminder{}, false, fmt.Errorf("load existing reminder: %w", err)
	}
	return existing, false, nil
}

func (t *pgTx) GetReminder(ctx context.Context, id int64) (ScheduledReminder, error) {
	item, err := scanReminder(t.tx.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM scheduled_reminders WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledReminder{}, ErrNotFound
	}
	if err != nil {
		return ScheduledReminder{}, fmt.Errorf("get reminder: %w", err)
	}
	return item, nil
}

func (t *pgTx) queryReminders(ctx context.Context, query string, args ...any) ([]ScheduledReminder, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	items := make([]ScheduledReminder, 0)
	for rows.Next() {
		item, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return items, nil
}

func (t *pgTx) ListReminders(ctx context.Context, sessionID string) ([]ScheduledReminder, error) {
	return t.queryReminders(ctx, `
		SELECT `+reminderColumns+`
		FROM scheduled_reminders
		WHERE session_id=$1
		ORDER BY scheduled_for, id
	`, sessionID)
}

func (t *pgTx) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]ScheduledReminder, error) {
	if limit <= 0 {
		limit = 100
	}
	return t.queryReminders(ctx, `
		SELECT `+reminderColumns+`
		FROM scheduled_reminders
		WHERE status='pending'
			AND scheduled_for <= $1
			AND (claimed_until IS NULL OR claimed_until < $1)
		ORDER BY scheduled_for, id
		LIMIT $2
	`, now, limit)
}

func (t *pgTx) ClaimReminder(ctx context.Context, id int64, owner string, now, until time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE scheduled_reminders
		SET claimed_by=$2, claimed_until=$4, attempts=attempts+1, updated_at=$3
		WHERE id=$1
			AND status='pending'
			AND (claimed_until IS NULL OR claimed_until < $3)
	`, id, owner, now, until)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	return affectedOne(result, "claim reminder")
}

func (t *pgTx) TransitionReminder(ctx context.Context, id int64, from, to ReminderStatus, at time.Time, lastError string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE scheduled_reminders
		SET status=$3,
			sent_at=CASE WHEN $3='sent' THEN $4::timestamptz ELSE sent_at END,
			last_error=$5,
			claimed_until=NULL,
			updated_at=$4
		WHERE id=$1 AND status=$2
	`, id, string(from), string(to), at, lastError)
	if err != nil {
		return false, fmt.Errorf("transition reminder: %w", err)
	}
	return affectedOne(result, "transition reminder")
}

func (t *pgTx) FinishClaimedReminder(ctx context.Context, id int64, owner string, to ReminderStatus, at time.Time, lastError string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE scheduled_reminders
		SET status=$3,
			sent_at=CASE WHEN $3='sent' THEN $4::timestamptz ELSE sent_at END,
			last_error=$5,
			claimed_until=NULL,
			updated_at=$4
		WHERE id=$1 AND status='pending' AND claimed_by=$2
	`, id, owner, string(to), at, lastError)
	if err != nil {
		return false, fmt.Errorf("finish reminder: %w", err)
	}
	return affectedOne(result, "finish reminder")
}

func (t *pgTx) CancelPendingReminders(ctx context.Context, sessionID string, at time.Time) (int, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE scheduled_reminders
		SET status='cancelled', claimed_until=NULL, updated_at=$2
		WHERE session_id=$1 AND status='pending'
	`, sessionID, at)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel reminders rows: %w", err)
	}
	return int(affected), nil
}
