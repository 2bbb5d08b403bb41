package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaSteps lists the schema changes in order; the database's user_version
// pragma records how many have been applied. Append only.
var schemaSteps = [][]string{
	// 1: threads and their committed turns, plus the audit trail.
	{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id   TEXT PRIMARY KEY,
			budget      INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			thread_id   TEXT NOT NULL REFERENCES threads(thread_id) ON DELETE CASCADE,
			turn_index  INTEGER NOT NULL,
			role        TEXT NOT NULL,
			text        TEXT,
			result      TEXT,
			created_at  DATETIME NOT NULL,
			PRIMARY KEY (thread_id, turn_index)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			action      TEXT NOT NULL,
			tool_name   TEXT,
			result      TEXT,
			details     TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at)`,
	},
	// 2: correlate audit rows with the thread and request that caused them.
	{
		`ALTER TABLE audit_log ADD COLUMN thread_id TEXT DEFAULT ''`,
		`ALTER TABLE audit_log ADD COLUMN request_id TEXT DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS idx_audit_thread ON audit_log(thread_id, created_at)`,
	},
	// 3: chat users admitted through pairing.
	{
		`CREATE TABLE IF NOT EXISTS paired_users (
			channel     TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			paired_at   DATETIME NOT NULL,
			expires_at  DATETIME,
			PRIMARY KEY (channel, user_id)
		)`,
	},
}

// RunMigrations brings db up to the latest schema. Each step commits together
// with its version bump, so an interrupted upgrade resumes at the failed step.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > len(schemaSteps) {
		return fmt.Errorf("database schema v%d is newer than this build (v%d)", current, len(schemaSteps))
	}
	for v := current + 1; v <= len(schemaSteps); v++ {
		if err := applyStep(ctx, db, v, logger); err != nil {
			return err
		}
		logger.Info("schema migrated", "version", v)
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, version int, logger *slog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema v%d: %w", version, err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaSteps[version-1] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if isAlreadyApplied(err) {
				logger.Debug("schema statement already applied", "version", version, "error", err)
				continue
			}
			return fmt.Errorf("schema v%d: %w", version, err)
		}
	}
	// PRAGMA arguments cannot be bound.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("record schema v%d: %w", version, err)
	}
	return tx.Commit()
}

// isAlreadyApplied reports errors from a column or index that an older build
// created outside the version sequence.
func isAlreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// SchemaVersion returns the number of schema steps applied to db.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
