package data

import (
	"context"
	"fmt"
)

const progressColumns = `chapter_id, manga_id, chapter_title, current_page, total_pages, last_read_at`

func scanProgress(row rowScanner) (*ProgressRecord, error) {
	var (
		p      ProgressRecord
		readAt int64
	)
	if err := row.Scan(&p.ChapterID, &p.MangaID, &p.ChapterTitle,
		&p.CurrentPage, &p.TotalPages, &readAt); err != nil {
		return nil, err
	}
	p.LastReadAt = fromMillis(readAt)
	return &p, nil
}

// SaveProgress upserts the progress of one chapter; last write wins.
func (s *Store) SaveProgress(ctx context.Context, p *ProgressRecord) error {
	if p.LastReadAt.IsZero() {
		p.LastReadAt = s.now()
	}
	_, err := s.exec(ctx, TableProgress, `
		INSERT INTO reading_progress (`+progressColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chapter_id) DO UPDATE SET
			manga_id = excluded.manga_id,
			chapter_title = excluded.chapter_title,
			current_page = excluded.current_page,
			total_pages = excluded.total_pages,
			last_read_at = excluded.last_read_at`,
		p.ChapterID, p.MangaID, p.ChapterTitle, p.CurrentPage, p.TotalPages, millis(p.LastReadAt),
	)
	if err != nil {
		return fmt.Errorf("save progress %s: %w", p.ChapterID, err)
	}
	return nil
}

// ListProgress returns the progress records of one item.
func (s *Store) ListProgress(ctx context.Context, mangaID string) ([]*ProgressRecord, error) {
	return s.queryProgress(ctx, `SELECT `+progressColumns+` FROM reading_progress
		WHERE manga_id = ? ORDER BY last_read_at DESC, chapter_id`, mangaID)
}

func (s *Store) ListAllProgress(ctx context.Context) ([]*ProgressRecord, error) {
	return s.queryProgress(ctx, `SELECT `+progressColumns+` FROM reading_progress
		ORDER BY last_read_at DESC, chapter_id`)
}

func (s *Store) queryProgress(ctx context.Context, query string, args ...any) ([]*ProgressRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProgressRecord
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
