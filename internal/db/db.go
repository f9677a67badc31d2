// Package db opens and bootstraps the EchoBridge database.
//
// SQLite is the default store; PostgreSQL can be selected through
// configuration. All timestamps are stored as RFC 3339 UTC strings so the
// schema works unchanged on both drivers.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/echobridge/echobridge/internal/common/config"
)

const defaultBusyTimeout = 5 * time.Second

// Open opens the database selected by cfg and creates the schema if needed.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	var (
		database *sqlx.DB
		err      error
	)
	switch cfg.Driver {
	case "postgres":
		database, err = openPostgres(cfg)
	default:
		database, err = openSQLite(cfg.Path)
	}
	if err != nil {
		return nil, err
	}

	if err := initSchema(database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return database, nil
}

// openSQLite opens a SQLite database with WAL mode and a single writer
// connection to avoid SQLITE_BUSY on write contention.
func openSQLite(dbPath string) (*sqlx.DB, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	database, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)
	return database, nil
}

// openPostgres opens a PostgreSQL connection pool using pgx.
func openPostgres(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	database, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 25
	}
	database.SetMaxOpenConns(maxConns)
	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return database, nil
}

// OpenMemory opens an in-memory SQLite database with the schema applied.
// Intended for tests.
func OpenMemory() (*sqlx.DB, error) {
	database, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	database.SetMaxOpenConns(1)
	if err := initSchema(database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return database, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
