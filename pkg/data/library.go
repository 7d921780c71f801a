package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const libraryColumns = `manga_id, title, cover_url, url, author, description,
	is_favorite, added_at, last_read_at, chapter_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLibrary(row rowScanner) (*LibraryRecord, error) {
	var (
		r        LibraryRecord
		addedAt  int64
		lastRead sql.NullInt64
	)
	if err := row.Scan(&r.MangaID, &r.Title, &r.CoverURL, &r.URL, &r.Author, &r.Description,
		&r.IsFavorite, &addedAt, &lastRead, &r.ChapterCount); err != nil {
		return nil, err
	}
	r.AddedAt = fromMillis(addedAt)
	r.LastReadAt = nullableMillis(lastRead)
	return &r, nil
}

func (s *Store) queryLibrary(ctx context.Context, query string, args ...any) ([]*LibraryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LibraryRecord
	for rows.Next() {
		r, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveFavorite upserts rec as a favorite stamped with a fresh added time.
// An existing row keeps its last-read time and chapter baseline.
func (s *Store) SaveFavorite(ctx context.Context, rec *LibraryRecord) error {
	now := s.now()
	_, err := s.exec(ctx, TableLibrary, `
		INSERT INTO library (manga_id, title, cover_url, url, author, description,
			is_favorite, added_at, last_read_at, chapter_count)
		VALUES (?, ?, ?, ?, ?, ?, TRUE, ?, NULL, ?)
		ON CONFLICT (manga_id) DO UPDATE SET
			title = excluded.title,
			cover_url = excluded.cover_url,
			url = excluded.url,
			author = excluded.author,
			description = excluded.description,
			is_favorite = TRUE,
			added_at = excluded.added_at`,
		rec.MangaID, rec.Title, rec.CoverURL, rec.URL, rec.Author, rec.Description,
		millis(now), rec.ChapterCount,
	)
	if err != nil {
		return fmt.Errorf("save favorite %s: %w", rec.MangaID, err)
	}
	rec.IsFavorite = true
	rec.AddedAt = now
	return nil
}

// TouchLastRead stamps the last-read time of rec, inserting a non-favorite
// row when the item is not in the library yet.
func (s *Store) TouchLastRead(ctx context.Context, rec *LibraryRecord, at time.Time) error {
	_, err := s.exec(ctx, TableLibrary, `
		INSERT INTO library (manga_id, title, cover_url, url, author, description,
			is_favorite, added_at, last_read_at, chapter_count)
		VALUES (?, ?, ?, ?, ?, ?, FALSE, ?, ?, 0)
		ON CONFLICT (manga_id) DO UPDATE SET last_read_at = excluded.last_read_at`,
		rec.MangaID, rec.Title, rec.CoverURL, rec.URL, rec.Author, rec.Description,
		millis(at), millis(at),
	)
	if err != nil {
		return fmt.Errorf("touch last read %s: %w", rec.MangaID, err)
	}
	return nil
}

// EnsureLibrary creates a non-favorite row for rec unless one exists. An
// existing row is left as is.
func (s *Store) EnsureLibrary(ctx context.Context, rec *LibraryRecord) error {
	_, err := s.exec(ctx, TableLibrary, `
		INSERT INTO library (manga_id, title, cover_url, url, author, description,
			is_favorite, added_at, last_read_at, chapter_count)
		VALUES (?, ?, ?, ?, ?, ?, FALSE, ?, NULL, ?)
		ON CONFLICT (manga_id) DO NOTHING`,
		rec.MangaID, rec.Title, rec.CoverURL, rec.URL, rec.Author, rec.Description,
		millis(s.now()), rec.ChapterCount,
	)
	if err != nil {
		return fmt.Errorf("ensure library %s: %w", rec.MangaID, err)
	}
	return nil
}

// SetLastRead updates the last-read time of an existing row only.
func (s *Store) SetLastRead(ctx context.Context, mangaID string, at time.Time) error {
	_, err := s.exec(ctx, TableLibrary,
		`UPDATE library SET last_read_at = ? WHERE manga_id = ?`, millis(at), mangaID)
	if err != nil {
		return fmt.Errorf("set last read %s: %w", mangaID, err)
	}
	return nil
}

// SetChapterCount rewrites the cached chapter baseline of an existing row.
func (s *Store) SetChapterCount(ctx context.Context, mangaID string, count int) error {
	_, err := s.exec(ctx, TableLibrary,
		`UPDATE library SET chapter_count = ? WHERE manga_id = ?`, count, mangaID)
	if err != nil {
		return fmt.Errorf("set chapter count %s: %w", mangaID, err)
	}
	return nil
}

// Unfavorite clears the favorite flag, keeping the row.
func (s *Store) Unfavorite(ctx context.Context, mangaID string) error {
	_, err := s.exec(ctx, TableLibrary,
		`UPDATE library SET is_favorite = FALSE WHERE manga_id = ?`, mangaID)
	if err != nil {
		return fmt.Errorf("unfavorite %s: %w", mangaID, err)
	}
	return nil
}

func (s *Store) DeleteLibrary(ctx context.Context, mangaID string) error {
	_, err := s.exec(ctx, TableLibrary, `DELETE FROM library WHERE manga_id = ?`, mangaID)
	if err != nil {
		return fmt.Errorf("delete library %s: %w", mangaID, err)
	}
	return nil
}

// GetLibrary returns the row of mangaID or ErrNotFound.
func (s *Store) GetLibrary(ctx context.Context, mangaID string) (*LibraryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+` FROM library WHERE manga_id = ?`, mangaID)
	r, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get library %s: %w", mangaID, err)
	}
	return r, nil
}

func (s *Store) ListFavorites(ctx context.Context) ([]*LibraryRecord, error) {
	return s.queryLibrary(ctx, `SELECT `+libraryColumns+` FROM library
		WHERE is_favorite = TRUE ORDER BY added_at DESC, manga_id`)
}

// ListLibrary returns favorites and items that have at least one download.
func (s *Store) ListLibrary(ctx context.Context) ([]*LibraryRecord, error) {
	return s.queryLibrary(ctx, `SELECT `+libraryColumns+` FROM library
		WHERE is_favorite = TRUE
			OR manga_id IN (SELECT DISTINCT manga_id FROM downloads)
		ORDER BY added_at DESC, manga_id`)
}

// ListHistory returns rows with a last-read time, most recent first.
func (s *Store) ListHistory(ctx context.Context) ([]*LibraryRecord, error) {
	return s.queryLibrary(ctx, `SELECT `+libraryColumns+` FROM library
		WHERE last_read_at IS NOT NULL ORDER BY last_read_at DESC, manga_id`)
}
