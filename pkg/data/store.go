package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"
)

const (
	DriverDuckDB = "duckdb"
	DriverSQLite = "sqlite"

	// MemoryPath opens a private in-memory database with either driver.
	MemoryPath = ":memory:"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// InitDB opens the database file at path with the given driver, creating
// parent directories as needed.
func InitDB(driver, path string) (*sql.DB, error) {
	dsn := path
	memory := path == MemoryPath || path == ""
	switch driver {
	case DriverDuckDB:
		if memory {
			dsn = ""
		}
	case DriverSQLite:
		if memory {
			dsn = MemoryPath
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if memory {
		// every new connection would see a fresh empty database
		db.SetMaxOpenConns(1)
	}

	if driver == DriverSQLite {
		pragmas := []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 10000",
			"PRAGMA synchronous = NORMAL",
		}
		if !memory {
			pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", p, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Store is the persisted library, reading progress, downloads and job queue.
// Every successful write publishes a change signal for the table it touched.
type Store struct {
	db     *sql.DB
	broker *Broker
	logger *slog.Logger
	now    func() time.Time
}

// Open opens and migrates the store at path.
func Open(ctx context.Context, driver, path string, logger *slog.Logger) (*Store, error) {
	db, err := InitDB(driver, path)
	if err != nil {
		return nil, err
	}
	s := newStore(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("store: opened", "driver", driver, "path", path)
	return s, nil
}

func newStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		broker: NewBroker(),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe listens for change signals on tables.
func (s *Store) Subscribe(tables ...Table) (<-chan Table, func()) {
	return s.broker.Subscribe(tables...)
}

func (s *Store) Close() error {
	s.broker.Close()
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, table Table, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if table != "" {
		s.broker.Publish(table)
	}
	return res, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func nullableMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
