package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sessions/*.sql migrations/dlq/*.sql
var migrations embed.FS

// Set names an embedded migration set. Each database file gets its own
// set and its own goose version table.
type Set string

const (
	SetSessions Set = "migrations/sessions"
	SetDLQ      Set = "migrations/dlq"
)

// Migrate runs all pending migrations from the given set.
func Migrate(db *sql.DB, set Set) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, string(set)); err != nil {
		return fmt.Errorf("run migrations %s: %w", set, err)
	}

	return nil
}
