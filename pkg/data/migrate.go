package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// migrations are applied in order; entry i brings the schema to version i+1.
// Only ever append: a released migration must not change.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS library (
			manga_id      TEXT PRIMARY KEY,
			title         TEXT NOT NULL DEFAULT '',
			cover_url     TEXT NOT NULL DEFAULT '',
			url           TEXT NOT NULL DEFAULT '',
			author        TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			is_favorite   BOOLEAN NOT NULL DEFAULT FALSE,
			added_at      BIGINT NOT NULL,
			last_read_at  BIGINT,
			chapter_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS reading_progress (
			chapter_id    TEXT PRIMARY KEY,
			manga_id      TEXT NOT NULL,
			chapter_title TEXT NOT NULL DEFAULT '',
			current_page  INTEGER NOT NULL,
			total_pages   INTEGER NOT NULL,
			last_read_at  BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS downloads (
			chapter_id    TEXT PRIMARY KEY,
			manga_id      TEXT NOT NULL,
			chapter_name  TEXT NOT NULL DEFAULT '',
			storage_path  TEXT NOT NULL,
			downloaded_at BIGINT NOT NULL
		)`,
	},
	{
		`CREATE TABLE IF NOT EXISTS jobs (
			id         TEXT PRIMARY KEY,
			queue      TEXT NOT NULL DEFAULT '',
			payload    BLOB,
			visible_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0
		)`,
	},
}

var managedTables = []string{"library", "reading_progress", "downloads", "jobs"}

// SchemaVersion is the version a fully migrated store reports.
func SchemaVersion() int { return len(migrations) }

// Migrate brings the schema up to date. A database written by a newer
// binary cannot be migrated down; its tables are dropped and recreated.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	if current > len(migrations) {
		s.logger.Warn("store: schema is newer than this binary, recreating tables",
			"stored_version", current, "known_version", len(migrations))
		if err := s.reset(ctx); err != nil {
			return err
		}
		current = 0
	}

	for i := current; i < len(migrations); i++ {
		for j, stmt := range migrations[i] {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate v%d stmt %d: %w", i+1, j, err)
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			i+1, millis(s.now()),
		); err != nil {
			return fmt.Errorf("migrate v%d: record version: %w", i+1, err)
		}
		s.logger.Debug("store: applied migration", "version", i+1)
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("migrate: read version: %w", err)
	}
	return int(v.Int64), nil
}

func (s *Store) reset(ctx context.Context) error {
	for _, t := range managedTables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("migrate: drop %s: %w", t, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		return fmt.Errorf("migrate: clear versions: %w", err)
	}
	return nil
}
