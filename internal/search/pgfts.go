package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. Without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

const tsQuery = "plainto_tsquery('english', $1)"

// Search executes a UNION ALL query across theme groups, responses and
// summaries ranked with ts_rank, with ts_headline for snippets. The tsvector
// expressions match the GIN indexes of the schema.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	args := []any{q.Text, q.WorkspaceID}
	scope := "s.workspace_id = $2"
	if q.SessionID != "" {
		args = append(args, q.SessionID)
		scope += " AND s.id = $3"
	}

	var subQueries []string
	if q.wants(ResultTheme) {
		vector := "to_tsvector('english', tg.title || ' ' || tg.description)"
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'theme'::text AS type, tg.id::text AS id, tg.title,
				ts_headline('english', tg.description, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS session_id, s.workspace_id,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM theme_groups tg
			JOIN retro_sessions s ON s.id = tg.session_id
			WHERE %[2]s @@ %[1]s AND %[3]s`, tsQuery, vector, scope))
	}
	if q.wants(ResultResponse) {
		vector := "to_tsvector('english', r.body)"
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'response'::text AS type, r.id::text AS id, r.category AS title,
				ts_headline('english', r.body, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS session_id, s.workspace_id,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM retro_responses r
			JOIN retro_sessions s ON s.id = r.session_id
			WHERE %[2]s @@ %[1]s AND %[3]s`, tsQuery, vector, scope))
	}
	if q.wants(ResultSummary) {
		vector := "to_tsvector('english', rs.content::text)"
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'summary'::text AS type, s.id AS id, s.title,
				ts_headline('english', rs.content::text, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS session_id, s.workspace_id,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM retro_summaries rs
			JOIN retro_sessions s ON s.id = rs.session_id
			WHERE %[2]s @@ %[1]s AND %[3]s`, tsQuery, vector, scope))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, session_id, workspace_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, q.limit(), q.offset())

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SessionID, &r.WorkspaceID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns the searchable records of every completed session.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ThemeRecord, []ResponseRecord, []SummaryRecord, error) {
	themeRows, err := p.db.QueryContext(ctx, `
		SELECT tg.id::text, s.id, s.workspace_id, tg.title, tg.description, tg.primary_category
		FROM theme_groups tg
		JOIN retro_sessions s ON s.id = tg.session_id
		WHERE s.phase = 'completed'
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load themes: %w", err)
	}
	defer themeRows.Close()

	themes := make([]ThemeRecord, 0)
	for themeRows.Next() {
		var t ThemeRecord
		if err := themeRows.Scan(&t.ID, &t.SessionID, &t.WorkspaceID, &t.Title, &t.Description, &t.Category); err != nil {
			return nil, nil, nil, fmt.Errorf("scan theme: %w", err)
		}
		themes = append(themes, t)
	}
	if err := themeRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate themes: %w", err)
	}

	responseRows, err := p.db.QueryContext(ctx, `
		SELECT r.id::text, s.id, s.workspace_id, r.category, r.body
		FROM retro_responses r
		JOIN retro_sessions s ON s.id = r.session_id
		WHERE s.phase = 'completed'
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load responses: %w", err)
	}
	defer responseRows.Close()

	responses := make([]ResponseRecord, 0)
	for responseRows.Next() {
		var r ResponseRecord
		if err := responseRows.Scan(&r.ID, &r.SessionID, &r.WorkspaceID, &r.Category, &r.Body); err != nil {
			return nil, nil, nil, fmt.Errorf("scan response: %w", err)
		}
		responses = append(responses, r)
	}
	if err := responseRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate responses: %w", err)
	}

	summaryRows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.workspace_id, s.title, rs.content
		FROM retro_summaries rs
		JOIN retro_sessions s ON s.id = rs.session_id
		WHERE s.phase = 'completed'
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load summaries: %w", err)
	}
	defer summaryRows.Close()

	summaries := make([]SummaryRecord, 0)
	for summaryRows.Next() {
		var session store.RetroSession
		var content []byte
		if err := summaryRows.Scan(&session.ID, &session.WorkspaceID, &session.Title, &content); err != nil {
			return nil, nil, nil, fmt.Errorf("scan summary: %w", err)
		}
		var summary store.Summary
		if err := json.Unmarshal(content, &summary); err != nil {
			return nil, nil, nil, fmt.Errorf("decode summary %s: %w", session.ID, err)
		}
		summaries = append(summaries, SummaryRecordFor(session, summary))
	}
	if err := summaryRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate summaries: %w", err)
	}

	return themes, responses, summaries, nil
}
