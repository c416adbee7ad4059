package db_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemux/telemux/internal/hub/db"
)

func TestOpen_InMemory(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	// Verify the connection works.
	err = sqlDB.Ping()
	require.NoError(t, err)

	// Verify foreign keys are enabled.
	var fkEnabled int
	err = sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled)
	require.NoError(t, err)
	assert.Equal(t, 1, fkEnabled)
}

func TestMigrate_Sessions(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	err = db.Migrate(sqlDB, db.SetSessions)
	require.NoError(t, err)

	// Verify tables exist by querying each one.
	for _, table := range []string{"sessions", "server_counters"} {
		var count int64
		err := sqlDB.QueryRow("SELECT count(*) FROM " + table).Scan(&count)
		assert.NoError(t, err, "table %q does not exist or is not queryable", table)
	}
}

func TestMigrate_DLQ(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	err = db.Migrate(sqlDB, db.SetDLQ)
	require.NoError(t, err)

	var count int64
	err = sqlDB.QueryRow("SELECT count(*) FROM dead_letters").Scan(&count)
	assert.NoError(t, err, "dead_letters table does not exist")
}

func TestMigrate_Idempotent(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	// The second run must be a no-op.
	err = db.Migrate(sqlDB, db.SetSessions)
	require.NoError(t, err)

	err = db.Migrate(sqlDB, db.SetSessions)
	require.NoError(t, err)
}

func TestCheckpoint(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	// In-memory databases have no WAL file; the pragma still succeeds.
	err = db.Checkpoint(sqlDB, "FULL")
	assert.NoError(t, err)
}
