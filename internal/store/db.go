package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// pingAttempts bounds how long Open waits for a database that is still
// starting, as happens under docker compose.
const (
	pingAttempts = 5
	pingBackoff  = time.Second
)

// Open returns a pooled pgx connection that has answered a ping.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := pingWithRetry(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database connected", "max_open_conns", 20)
	return db, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == pingAttempts {
			break
		}
		logger.Warn("database not ready, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping db: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * pingBackoff):
		}
	}
	return fmt.Errorf("ping db after %d attempts: %w", pingAttempts, err)
}
