package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

// openScratchDB connects to TEST_DATABASE_URL and drops the public schema,
// so it must only point at a throwaway database.
func openScratchDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping migration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db, ctx
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db, ctx := openScratchDB(t)

	if err := ApplyMigrations(ctx, db, migrationsDir, nil); err != nil {
		t.Fatalf("apply up migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir, nil); err != nil {
		t.Fatalf("re-apply up migrations: %v", err)
	}
	if got := countRows(t, ctx, db, `SELECT COUNT(*) FROM schema_migrations`); got != len(mustUpMigrations(t)) {
		t.Fatalf("expected one schema_migrations row per up file, got %d", got)
	}

	if err := applyDownMigrations(ctx, db); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if got := countRows(t, ctx, db, `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema='public' AND table_name <> 'schema_migrations'`); got != 0 {
		t.Fatalf("expected down migrations to drop every table, %d left", got)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir, nil); err != nil {
		t.Fatalf("apply up migrations after down: %v", err)
	}
}

func TestMigratedSchemaRejectsInvalidRows(t *testing.T) {
	db, ctx := openScratchDB(t)
	if err := ApplyMigrations(ctx, db, migrationsDir, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	mustExec(t, ctx, db, `INSERT INTO retro_sessions (id, workspace_id, title, facilitator_id, phase, votes_per_member, scheduled_for)
		VALUES ('rs_schema', 'ws_1', 'Sprint 12', 'u1', 'voting', 5, NOW())`)
	var themeID, votingID int64
	if err := db.QueryRowContext(ctx, `INSERT INTO theme_groups (session_id, title, primary_category)
		VALUES ('rs_schema', 'Release Cadence', 'lacked') RETURNING id`).Scan(&themeID); err != nil {
		t.Fatalf("insert theme: %v", err)
	}
	if err := db.QueryRowContext(ctx, `INSERT INTO voting_sessions (session_id, votes_per_member, min_votes_to_discuss)
		VALUES ('rs_schema', 5, 1) RETURNING id`).Scan(&votingID); err != nil {
		t.Fatalf("insert voting session: %v", err)
	}

	tests := []struct {
		name  string
		query string
		args  []any
		code  string
	}{
		{
			name:  "negative votes",
			query: `INSERT INTO vote_allocations (voting_session_id, theme_group_id, participant_id, votes) VALUES ($1, $2, 'u1', -1)`,
			args:  []any{votingID, themeID},
			code:  "23514",
		},
		{
			name:  "theme title differing only in case",
			query: `INSERT INTO theme_groups (session_id, title, primary_category) VALUES ('rs_schema', 'release cadence', 'liked')`,
			code:  "23505",
		},
		{
			name:  "zero vote budget",
			query: `INSERT INTO voting_sessions (session_id, votes_per_member, min_votes_to_discuss) VALUES ('rs_schema', 0, 1)`,
			code:  "23514",
		},
		{
			name:  "blank response body",
			query: `INSERT INTO retro_responses (session_id, author_id, category, body) VALUES ('rs_schema', 'u1', 'liked', '   ')`,
			code:  "23514",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.ExecContext(ctx, tt.query, tt.args...)
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				t.Fatalf("expected postgres error, got %v", err)
			}
			if pgErr.Code != tt.code {
				t.Fatalf("expected code %s, got %s (%s)", tt.code, pgErr.Code, pgErr.Message)
			}
		})
	}

	mustExec(t, ctx, db, `INSERT INTO theme_groups (session_id, title, primary_category) VALUES ('rs_schema', 'Onboarding', 'learned')`)
	mustExec(t, ctx, db, `INSERT INTO vote_allocations (voting_session_id, theme_group_id, participant_id, votes) VALUES ($1, $2, 'u1', 0)`, votingID, themeID)
}

func mustExec(t *testing.T, ctx context.Context, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func countRows(t *testing.T, ctx context.Context, db *sql.DB, query string) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

func mustUpMigrations(t *testing.T) []string {
	t.Helper()
	versions, err := upMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	return versions
}

func applyDownMigrations(ctx context.Context, db *sql.DB) error {
	versions, err := upMigrations(migrationsDir)
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	for _, version := range versions {
		down := strings.TrimSuffix(version, upSuffix) + ".down.sql"
		contents, err := os.ReadFile(filepath.Join(migrationsDir, down))
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return err
		}
	}
	return nil
}
