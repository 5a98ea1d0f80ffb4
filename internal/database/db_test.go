package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, profile DatabaseProfile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "journal.db"),
		Profile: profile,
		Name:    "journal",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableNames(t *testing.T, db *DB) []string {
	t.Helper()
	rows, err := db.Conn().Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func TestMigrate_CreatesJournalSchema(t *testing.T) {
	db := newTestDB(t, ProfileLedger)

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate(), "migrations are idempotent")

	assert.Equal(t, []string{"accounts", "fills", "journal", "orders"}, tableNames(t, db))
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "x.db"), Name: "scratch"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())
	assert.Empty(t, tableNames(t, db))
}

func TestWithTransaction(t *testing.T) {
	db := newTestDB(t, ProfileStandard)
	require.NoError(t, db.Migrate())
	ctx := context.Background()

	insert := func(tx *sql.Tx, id string) error {
		_, err := tx.Exec(`INSERT INTO accounts (account_id, initial_cash, cash, version, opened_at, updated_at) VALUES (?, '1', '1', 1, 0, 0)`, id)
		return err
	}
	count := func() int {
		var n int
		require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n))
		return n
	}

	require.NoError(t, WithTransaction(ctx, db.Conn(), func(tx *sql.Tx) error {
		return insert(tx, "a")
	}))
	assert.Equal(t, 1, count())

	boom := errors.New("boom")
	err := WithTransaction(ctx, db.Conn(), func(tx *sql.Tx) error {
		require.NoError(t, insert(tx, "b"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count(), "rolled back on error")

	err = WithTransaction(ctx, db.Conn(), func(tx *sql.Tx) error {
		require.NoError(t, insert(tx, "c"))
		panic("kaboom")
	})
	assert.ErrorContains(t, err, "panic in transaction")
	assert.Equal(t, 1, count(), "rolled back on panic")

	assert.Error(t, WithTransaction(ctx, nil, func(*sql.Tx) error { return nil }))
}

func TestVacuumIntoAndStats(t *testing.T) {
	db := newTestDB(t, ProfileLedger)
	require.NoError(t, db.Migrate())

	dest := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, db.VacuumInto(context.Background(), dest))
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, db.VacuumInto(context.Background(), dest), "destination must not exist")

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Positive(t, stats.PageCount)
	assert.Positive(t, stats.PageSize)

	require.NoError(t, db.WALCheckpoint(""))
	require.NoError(t, db.HealthCheck(context.Background()))
}
