package db

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	database, err := NewDatabase(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.AutoMigrate())
	return database
}

func TestNewDatabase_RequiresLocation(t *testing.T) {
	_, err := NewDatabase("  ")
	require.Error(t, err)
}

func TestNewDatabase_SQLiteByDefault(t *testing.T) {
	database := openTestDatabase(t)
	assert.Equal(t, SQLite, database.Dialect)
	assert.Equal(t, "sqlite", database.Dialect.String())
}

func TestAutoMigrate_Idempotent(t *testing.T) {
	database := openTestDatabase(t)
	require.NoError(t, database.AutoMigrate())
}

func TestRebind(t *testing.T) {
	query := "INSERT INTO messages (a, b, c) VALUES (?, ?, ?)"

	sqlite := &Database{Dialect: SQLite}
	assert.Equal(t, query, sqlite.Rebind(query))

	pg := &Database{Dialect: Postgres}
	assert.Equal(t, "INSERT INTO messages (a, b, c) VALUES ($1, $2, $3)", pg.Rebind(query))
}

func TestIsUniqueViolation(t *testing.T) {
	database := openTestDatabase(t)

	insert := "INSERT INTO messages (client_offset, content, username, room) VALUES (?, ?, ?, ?)"
	_, err := database.Conn.Exec(insert, "t1", "hi", "alice", "general")
	require.NoError(t, err)

	_, err = database.Conn.Exec(insert, "t1", "hi again", "alice", "general")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("disk I/O error")))
}

func TestNullOffsetsDoNotCollide(t *testing.T) {
	database := openTestDatabase(t)

	insert := "INSERT INTO messages (client_offset, content, username, room) VALUES (?, ?, ?, ?)"
	for i := 0; i < 3; i++ {
		_, err := database.Conn.Exec(insert, nil, "fire and forget", "alice", "general")
		require.NoError(t, err)
	}
}
