package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ThreadStore and domain.AuditLogger using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection serialises writers; appends rely on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) ensureThread(ctx context.Context, tx *sql.Tx, threadID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads (thread_id, budget) VALUES (?, 0)`, threadID)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, threadID string, turns ...domain.Turn) ([]domain.Turn, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureThread(ctx, tx, threadID); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	var last int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_index), 0) FROM turns WHERE thread_id = ?`, threadID,
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("next turn index: %w", err)
	}

	out := make([]domain.Turn, len(turns))
	for i, t := range turns {
		t.Index = last + i + 1
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now()
		}
		var result sql.NullString
		if t.Result != nil {
			b, err := json.Marshal(t.Result)
			if err != nil {
				return nil, fmt.Errorf("encode result: %w", err)
			}
			result = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (thread_id, turn_index, role, text, result, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			threadID, t.Index, string(t.Role), t.Text, result, t.Timestamp.UTC(),
		); err != nil {
			return nil, fmt.Errorf("insert turn: %w", err)
		}
		out[i] = t
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE thread_id = ?`, time.Now().UTC(), threadID,
	); err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) History(ctx context.Context, threadID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_index, role, text, result, created_at
		 FROM turns WHERE thread_id = ?
		 ORDER BY turn_index ASC`, threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := make([]domain.Turn, 0)
	for rows.Next() {
		var (
			t      domain.Turn
			role   string
			text   sql.NullString
			result sql.NullString
		)
		if err := rows.Scan(&t.Index, &role, &text, &result, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Role = domain.Role(role)
		t.Text = text.String
		if result.Valid {
			r, err := domain.DecodeResult([]byte(result.String))
			if err != nil {
				return nil, fmt.Errorf("decode turn %d result: %w", t.Index, err)
			}
			t.Result = &r
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ResetBudget(ctx context.Context, threadID string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, budget) VALUES (?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET budget = excluded.budget`,
		threadID, n,
	)
	return err
}

func (s *SQLiteStore) DecrementBudget(ctx context.Context, threadID string) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	var budget int
	err = tx.QueryRowContext(ctx, `SELECT budget FROM threads WHERE thread_id = ?`, threadID).Scan(&budget)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if budget <= 0 {
		return 0, false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET budget = budget - 1 WHERE thread_id = ?`, threadID); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return budget - 1, true, nil
}

func (s *SQLiteStore) Threads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT thread_id FROM turns ORDER BY thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, tool_name, result, details, thread_id, request_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Action, entry.Capability, string(entry.Kind), entry.Details, entry.ThreadID, entry.RequestID,
	)
	return err
}

// AuditRecord is one row of the audit trail.
type AuditRecord struct {
	domain.AuditEntry
	CreatedAt time.Time
}

// RecentAudit returns the newest audit entries first.
func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, tool_name, result, details, thread_id, request_id, created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			r                                  AuditRecord
			tool, kind, details, thread, reqID sql.NullString
		)
		if err := rows.Scan(&r.Action, &tool, &kind, &details, &thread, &reqID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Capability = tool.String
		r.Kind = domain.ErrorKind(kind.String)
		r.Details = details.String
		r.ThreadID = thread.String
		r.RequestID = reqID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) IsPaired(ctx context.Context, channel, userID string, now time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paired_users
		 WHERE channel = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		channel, userID, now.UTC(),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) Pair(ctx context.Context, channel, userID string, expiresAt *time.Time) error {
	var exp any
	if expiresAt != nil {
		exp = expiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO paired_users (channel, user_id, paired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		channel, userID, time.Now().UTC(), exp,
	)
	return err
}

func (s *SQLiteStore) Unpair(ctx context.Context, channel, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM paired_users WHERE channel = ? AND user_id = ?`, channel, userID)
	return err
}

// Snapshot writes a consistent copy of the database to dest, which must not
// exist. Writers may keep running.
func (s *SQLiteStore) Snapshot(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot to %s: %w", dest, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ domain.ThreadStore = (*SQLiteStore)(nil)
	_ domain.AuditLogger = (*SQLiteStore)(nil)
)
