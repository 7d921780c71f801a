package services

import (
	"context"
	"fmt"

	"github.com/kerbaras/mangashelf/pkg/data"
)

// watch emits load's result now and again after every write signal on
// tables, until ctx is done. A failed load is logged and skipped.
func (r *Repository) watch(ctx context.Context, tables []data.Table, load func(context.Context) ([]data.Manga, error)) <-chan []data.Manga {
	out := make(chan []data.Manga)
	// subscribe before the first load so no write slips in between
	signals, cancel := r.store.Subscribe(tables...)

	go func() {
		defer close(out)
		defer cancel()

		emit := func() bool {
			snapshot, err := load(ctx)
			if err != nil {
				r.logger.Warn("repository: stream reload failed", "tables", tables, "error", err)
				return ctx.Err() == nil
			}
			select {
			case out <- snapshot:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok || !emit() {
					return
				}
			}
		}
	}()
	return out
}

// buildHistory decorates history rows with the status of the most recently
// read chapter of each item. Rows keep their order.
func buildHistory(recs []*data.LibraryRecord, progress []*data.ProgressRecord) []data.Manga {
	latest := make(map[string]*data.ProgressRecord)
	for _, p := range progress {
		if cur, ok := latest[p.MangaID]; !ok || p.LastReadAt.After(cur.LastReadAt) {
			latest[p.MangaID] = p
		}
	}

	out := make([]data.Manga, len(recs))
	for i, rec := range recs {
		m := rec.ToManga()
		if p, ok := latest[rec.MangaID]; ok {
			text := historyText(p)
			m.HistoryText = &text
		}
		out[i] = m
	}
	return out
}

func historyText(p *data.ProgressRecord) string {
	pct := 0
	if p.TotalPages > 0 {
		pct = p.CurrentPage * 100 / p.TotalPages
	}
	return fmt.Sprintf("Ch. %s - Page %d/%d (%d%%)", p.ChapterTitle, p.CurrentPage, p.TotalPages, pct)
}
