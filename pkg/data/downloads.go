package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const downloadColumns = `chapter_id, manga_id, chapter_name, storage_path, downloaded_at`

func scanDownload(row rowScanner) (*DownloadRecord, error) {
	var (
		d  DownloadRecord
		at int64
	)
	if err := row.Scan(&d.ChapterID, &d.MangaID, &d.ChapterName, &d.StoragePath, &at); err != nil {
		return nil, err
	}
	d.DownloadedAt = fromMillis(at)
	return &d, nil
}

// InsertDownload records a completed chapter download. A chapter is recorded
// once; inserting it again leaves the first record untouched and reports
// false.
func (s *Store) InsertDownload(ctx context.Context, d *DownloadRecord) (bool, error) {
	if d.DownloadedAt.IsZero() {
		d.DownloadedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (`+downloadColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chapter_id) DO NOTHING`,
		d.ChapterID, d.MangaID, d.ChapterName, d.StoragePath, millis(d.DownloadedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert download %s: %w", d.ChapterID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.broker.Publish(TableDownloads)
	// the library view is a join over downloads
	s.broker.Publish(TableLibrary)
	return true, nil
}

// GetDownload returns the record of chapterID or ErrNotFound.
func (s *Store) GetDownload(ctx context.Context, chapterID string) (*DownloadRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE chapter_id = ?`, chapterID)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get download %s: %w", chapterID, err)
	}
	return d, nil
}

func (s *Store) ListDownloads(ctx context.Context, mangaID string) ([]*DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads
		WHERE manga_id = ? ORDER BY downloaded_at, chapter_id`, mangaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DownloadRecord
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CountDownloads(ctx context.Context, mangaID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads WHERE manga_id = ?`, mangaID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count downloads %s: %w", mangaID, err)
	}
	return n, nil
}

func (s *Store) DeleteDownload(ctx context.Context, chapterID string) error {
	if _, err := s.exec(ctx, TableDownloads,
		`DELETE FROM downloads WHERE chapter_id = ?`, chapterID); err != nil {
		return fmt.Errorf("delete download %s: %w", chapterID, err)
	}
	s.broker.Publish(TableLibrary)
	return nil
}
