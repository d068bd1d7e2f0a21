package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Dialect selects the SQL flavour spoken by the underlying driver.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

type Database struct {
	Conn    *sql.DB
	Dialect Dialect
}

// NewDatabase opens the store at location. A postgres:// or postgresql://
// URL selects Postgres through pgx; anything else is treated as a SQLite
// file path.
func NewDatabase(location string) (*Database, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("storage path is required")
	}

	var (
		conn    *sql.DB
		dialect Dialect
		err     error
	)
	if isPostgresURL(location) {
		dialect = Postgres
		conn, err = sql.Open("pgx", location)
	} else {
		dialect = SQLite
		dsn := filepath.Clean(location) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		conn, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", dialect, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s db: %w", dialect, err)
	}

	if dialect == Postgres {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(25)
		conn.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY churn.
		conn.SetMaxOpenConns(1)
	}
	return &Database{Conn: conn, Dialect: dialect}, nil
}

func isPostgresURL(location string) bool {
	return strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://")
}

func (d *Database) AutoMigrate() error {
	var queries []string
	switch d.Dialect {
	case Postgres:
		queries = []string{
			`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            client_offset TEXT UNIQUE,
            content TEXT NOT NULL,
            username TEXT NOT NULL,
            room TEXT NOT NULL,
            created_at BIGINT NOT NULL DEFAULT 0
        )`,
			`CREATE INDEX IF NOT EXISTS messages_room_id_idx ON messages (room, id)`,
		}
	default:
		queries = []string{
			`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            client_offset TEXT UNIQUE,
            content TEXT NOT NULL,
            username TEXT NOT NULL,
            room TEXT NOT NULL,
            created_at INTEGER NOT NULL DEFAULT 0
        )`,
			`CREATE INDEX IF NOT EXISTS messages_room_id_idx ON messages (room, id)`,
		}
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Rebind rewrites ? placeholders into the dialect's positional form.
func (d *Database) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a unique or primary key constraint
// failure raised by either driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (d *Database) Close() error {
	if d == nil || d.Conn == nil {
		return nil
	}
	return d.Conn.Close()
}
