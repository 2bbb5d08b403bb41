package memory

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db")+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestRunMigrations_FreshDatabaseReachesLatest(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	v, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, RunMigrations(ctx, db, testLogger()))
	v, err = SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(schemaSteps), v)

	for _, table := range []string{"threads", "turns", "audit_log", "paired_users"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestRunMigrations_SecondRunIsNoop(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, RunMigrations(ctx, db, testLogger()))
	require.NoError(t, RunMigrations(ctx, db, testLogger()))

	v, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(schemaSteps), v)
}

func TestRunMigrations_ToleratesColumnAddedOutOfBand(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	for _, stmt := range schemaSteps[0] {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	_, err := db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	_, err = db.Exec("ALTER TABLE audit_log ADD COLUMN thread_id TEXT DEFAULT ''")
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, db, testLogger()))
	_, err = db.Exec("INSERT INTO audit_log (action, thread_id, request_id) VALUES ('executed', 't1', 'r1')")
	assert.NoError(t, err, "step 2 columns present")
}

func TestRunMigrations_RefusesNewerSchema(t *testing.T) {
	db := testDB(t)
	_, err := db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)

	err = RunMigrations(context.Background(), db, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this build")
}

func TestRunMigrations_FailedStepLeavesVersionUnchanged(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, RunMigrations(ctx, db, testLogger()))

	schemaSteps = append(schemaSteps, []string{
		`CREATE TABLE extra (id INTEGER)`,
		`INSERT INTO no_such_table VALUES (1)`,
	})
	t.Cleanup(func() { schemaSteps = schemaSteps[:len(schemaSteps)-1] })

	require.Error(t, RunMigrations(ctx, db, testLogger()))
	v, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(schemaSteps)-1, v)

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='extra'").Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows, "partial step rolled back")
}

func TestIsAlreadyApplied(t *testing.T) {
	cases := map[string]bool{
		"duplicate column name: thread_id":      true,
		"SQL logic error: DUPLICATE COLUMN":     true,
		"index idx_audit_thread already exists": true,
		"no such table: audit_log":              false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, isAlreadyApplied(errors.New(msg)), msg)
	}
}
