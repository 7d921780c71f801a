package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/sources"
)

// DownloadQueueName is the durable queue download jobs are published on.
const DownloadQueueName = "downloads"

// DownloadJob is the payload of a download queue entry.
type DownloadJob struct {
	ChapterID   string `json:"chapter_id"`
	MangaID     string `json:"manga_id"`
	ChapterName string `json:"chapter_name"`
}

// Repository merges remote content with the persisted library, reading
// progress and downloads. It is safe for concurrent use.
type Repository struct {
	registry *sources.Registry
	store    *data.Store
	queue    *data.Queue
	dataDir  string
	logger   *slog.Logger
	now      func() time.Time
}

func NewRepository(registry *sources.Registry, store *data.Store, queue *data.Queue, dataDir string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		registry: registry,
		store:    store,
		queue:    queue,
		dataDir:  dataDir,
		logger:   logger,
		now:      time.Now,
	}
}

// DownloadsDir is where downloaded chapters are stored.
func (r *Repository) DownloadsDir() string {
	return filepath.Join(r.dataDir, data.DownloadsDirName)
}

// Popular lists popular items of the default source.
func (r *Repository) Popular(ctx context.Context, page int, genre string) ([]data.Manga, error) {
	mangas, err := r.registry.Default().Popular(ctx, page, genre)
	if err != nil {
		return nil, fail("popular", "Failed to load popular manga", err)
	}
	// Scraped sources are not blended into page 1; the default source
	// result is returned as is.
	return mangas, nil
}

// Search queries every source concurrently. A failing source contributes
// nothing; results keep registry order whatever finishes first.
func (r *Repository) Search(ctx context.Context, query string) ([]data.Manga, error) {
	srcs := r.registry.Sources()
	results := make([][]data.Manga, len(srcs))

	var g errgroup.Group
	for i, src := range srcs {
		g.Go(func() error {
			found, err := src.Search(ctx, query)
			if err != nil {
				r.logger.Warn("repository: search failed", "source", src.ID(), "query", query, "error", err)
				return nil
			}
			results[i] = found
			return nil
		})
	}
	_ = g.Wait()

	var out []data.Manga
	for _, found := range results {
		out = append(out, found...)
	}
	if len(out) == 0 {
		return nil, fail("search", fmt.Sprintf("No results for %q", query), ErrNoResults)
	}
	return out, nil
}

// Details fetches an item with its chapters merged with reading progress.
// The chapter count is written back as the update baseline of a library
// row.
func (r *Repository) Details(ctx context.Context, mangaID string) (data.Manga, error) {
	src := r.registry.Resolve(mangaID)
	manga, err := src.Details(ctx, mangaID)
	if err != nil {
		return data.Manga{}, fail("details", "Failed to load manga details", err)
	}
	if manga.Chapters == nil {
		chapters, err := src.Chapters(ctx, mangaID)
		if err != nil {
			return data.Manga{}, fail("details", "Failed to load chapters", err)
		}
		manga.Chapters = chapters
	}

	progress, err := r.store.ListProgress(ctx, mangaID)
	if err != nil {
		return data.Manga{}, fail("details", "Failed to load reading progress", err)
	}
	mergeProgress(&manga, progress)

	rec, err := r.store.GetLibrary(ctx, mangaID)
	switch {
	case err == nil:
		manga.IsFavorite = rec.IsFavorite
		if err := r.store.SetChapterCount(ctx, mangaID, len(manga.Chapters)); err != nil {
			r.logger.Warn("repository: baseline update failed", "manga", mangaID, "error", err)
		}
	case !errors.Is(err, data.ErrNotFound):
		r.logger.Warn("repository: library lookup failed", "manga", mangaID, "error", err)
	}
	return manga, nil
}

// mergeProgress left-joins the chapters of m with progress by chapter id
// and derives the read percentage.
func mergeProgress(m *data.Manga, progress []*data.ProgressRecord) {
	byChapter := make(map[string]*data.ProgressRecord, len(progress))
	for _, p := range progress {
		byChapter[p.ChapterID] = p
	}

	read := 0
	for i := range m.Chapters {
		ch := &m.Chapters[i]
		p, ok := byChapter[ch.ID]
		if !ok {
			ch.IsRead, ch.LastPageRead, ch.TotalPages = false, 0, 0
			continue
		}
		ch.IsRead = p.IsRead()
		ch.LastPageRead = p.CurrentPage
		ch.TotalPages = p.TotalPages
		if ch.IsRead {
			read++
		}
	}
	m.TotalProgress = 0
	if len(m.Chapters) > 0 {
		m.TotalProgress = read * 100 / len(m.Chapters)
	}
}

// ChapterPages serves downloaded pages from disk and falls back to the
// owning source.
func (r *Repository) ChapterPages(ctx context.Context, chapterID string) ([]data.Page, error) {
	if pages, ok := r.localPages(ctx, chapterID); ok {
		return pages, nil
	}
	pages, err := r.registry.Resolve(chapterID).Pages(ctx, chapterID)
	if err != nil {
		return nil, fail("pages", "Failed to load pages", err)
	}
	return pages, nil
}

func (r *Repository) localPages(ctx context.Context, chapterID string) ([]data.Page, bool) {
	rec, err := r.store.GetDownload(ctx, chapterID)
	if err != nil {
		if !errors.Is(err, data.ErrNotFound) {
			r.logger.Warn("repository: download lookup failed", "chapter", chapterID, "error", err)
		}
		return nil, false
	}
	files, err := data.OrderedPageFiles(filepath.Join(r.dataDir, rec.StoragePath))
	if err != nil || len(files) == 0 {
		r.logger.Warn("repository: downloaded chapter has no files, reading online",
			"chapter", chapterID, "path", rec.StoragePath, "error", err)
		return nil, false
	}
	pages := make([]data.Page, len(files))
	for i, f := range files {
		pages[i] = data.Page{Index: i, ImageURL: f, ChapterID: chapterID, Local: true}
	}
	return pages, true
}

func (r *Repository) ChapterMeta(ctx context.Context, chapterID string) (data.Chapter, error) {
	ch, err := r.registry.Resolve(chapterID).ChapterMeta(ctx, chapterID)
	if err != nil {
		return data.Chapter{}, fail("chapter", "Failed to load chapter", err)
	}
	return ch, nil
}

// AddToLibrary marks m as a favorite, replacing a history placeholder.
func (r *Repository) AddToLibrary(ctx context.Context, m *data.Manga) error {
	rec := data.NewLibraryRecord(m)
	rec.ChapterCount = len(m.Chapters)
	if err := r.store.SaveFavorite(ctx, rec); err != nil {
		return fail("add", "Failed to add to library", err)
	}
	m.IsFavorite = true
	return nil
}

// RemoveFromLibrary deletes the library row of an item. An item with
// downloads keeps its row, unfavorited, so its downloads stay listed.
func (r *Repository) RemoveFromLibrary(ctx context.Context, mangaID string) error {
	n, err := r.store.CountDownloads(ctx, mangaID)
	if err != nil {
		return fail("remove", "Failed to remove from library", err)
	}
	if n > 0 {
		err = r.store.Unfavorite(ctx, mangaID)
	} else {
		err = r.store.DeleteLibrary(ctx, mangaID)
	}
	if err != nil {
		return fail("remove", "Failed to remove from library", err)
	}
	return nil
}

// UpdateLastRead stamps the item as read now, creating a non-favorite
// history row when needed.
func (r *Repository) UpdateLastRead(ctx context.Context, m *data.Manga) error {
	if err := r.store.TouchLastRead(ctx, data.NewLibraryRecord(m), r.now()); err != nil {
		return fail("history", "Failed to update history", err)
	}
	return nil
}

// SaveReadingProgress records the page reached in a chapter, then stamps
// the item's last read time. page is clamped into [0, totalPages].
func (r *Repository) SaveReadingProgress(ctx context.Context, chapterID, mangaID, chapterTitle string, page, totalPages int) error {
	if totalPages < 0 {
		totalPages = 0
	}
	page = max(0, min(page, totalPages))

	now := r.now()
	err := r.store.SaveProgress(ctx, &data.ProgressRecord{
		ChapterID:    chapterID,
		MangaID:      mangaID,
		ChapterTitle: chapterTitle,
		CurrentPage:  page,
		TotalPages:   totalPages,
		LastReadAt:   now,
	})
	if err != nil {
		return fail("progress", "Failed to save progress", err)
	}
	if err := r.store.SetLastRead(ctx, mangaID, now); err != nil {
		return fail("progress", "Failed to save progress", err)
	}
	return nil
}

func (r *Repository) ReadingProgress(ctx context.Context, mangaID string) ([]*data.ProgressRecord, error) {
	progress, err := r.store.ListProgress(ctx, mangaID)
	if err != nil {
		return nil, fail("progress", "Failed to load reading progress", err)
	}
	return progress, nil
}

// EnqueueDownload publishes a download job for ch. It does not wait for
// the download nor deduplicate jobs.
func (r *Repository) EnqueueDownload(ctx context.Context, ch data.Chapter) (string, error) {
	payload, err := json.Marshal(DownloadJob{ChapterID: ch.ID, MangaID: ch.MangaID, ChapterName: ch.Name})
	if err != nil {
		return "", fail("download", "Failed to queue download", err)
	}
	id := uuid.NewString()
	if err := r.queue.Publish(ctx, id, payload); err != nil {
		return "", fail("download", "Failed to queue download", err)
	}
	r.logger.Info("repository: download queued", "job", id, "chapter", ch.ID, "manga", ch.MangaID)
	return id, nil
}

// DownloadStatus is a download job still in the queue.
type DownloadStatus struct {
	JobID string `json:"job_id"`
	DownloadJob
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	NextTryAt time.Time `json:"next_try_at"`
}

// QueuedDownload looks up a queued job. Jobs leave the queue once handled,
// so ErrNotFound means done or discarded.
func (r *Repository) QueuedDownload(ctx context.Context, jobID string) (*DownloadStatus, error) {
	job, err := r.queue.Get(ctx, jobID)
	if err != nil {
		return nil, fail("downloads", "Download job not found", err)
	}
	var dj DownloadJob
	if err := json.Unmarshal(job.Payload, &dj); err != nil {
		return nil, fail("downloads", "Malformed download job", err)
	}
	return &DownloadStatus{
		JobID:       job.ID,
		DownloadJob: dj,
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
		NextTryAt:   job.VisibleAt,
	}, nil
}

// PendingDownloads counts queued jobs, in-flight ones included.
func (r *Repository) PendingDownloads(ctx context.Context) (int, error) {
	n, err := r.queue.Len(ctx)
	if err != nil {
		return 0, fail("downloads", "Failed to read the download queue", err)
	}
	return n, nil
}

func (r *Repository) DownloadedChapters(ctx context.Context, mangaID string) ([]*data.DownloadRecord, error) {
	recs, err := r.store.ListDownloads(ctx, mangaID)
	if err != nil {
		return nil, fail("downloads", "Failed to load downloads", err)
	}
	return recs, nil
}

// RemoveDownload deletes the files and the record of a downloaded chapter.
func (r *Repository) RemoveDownload(ctx context.Context, chapterID string) error {
	rec, err := r.store.GetDownload(ctx, chapterID)
	if err != nil {
		return fail("downloads", "Download not found", err)
	}
	if err := r.store.DeleteDownload(ctx, chapterID); err != nil {
		return fail("downloads", "Failed to remove download", err)
	}
	if err := os.RemoveAll(filepath.Join(r.dataDir, rec.StoragePath)); err != nil {
		r.logger.Warn("repository: removing chapter files failed", "chapter", chapterID, "error", err)
	}
	return nil
}

// Favorites emits the favorite items now and after every library write
// until ctx is done.
func (r *Repository) Favorites(ctx context.Context) <-chan []data.Manga {
	return r.watch(ctx, []data.Table{data.TableLibrary}, func(ctx context.Context) ([]data.Manga, error) {
		recs, err := r.store.ListFavorites(ctx)
		return toMangas(recs), err
	})
}

// Library emits the favorite or downloaded items.
func (r *Repository) Library(ctx context.Context) <-chan []data.Manga {
	return r.watch(ctx, []data.Table{data.TableLibrary, data.TableDownloads}, func(ctx context.Context) ([]data.Manga, error) {
		recs, err := r.store.ListLibrary(ctx)
		return toMangas(recs), err
	})
}

// History emits the read items, most recent first, with the status of
// their latest read chapter.
func (r *Repository) History(ctx context.Context) <-chan []data.Manga {
	return r.watch(ctx, []data.Table{data.TableLibrary, data.TableProgress}, r.loadHistory)
}

func (r *Repository) loadHistory(ctx context.Context) ([]data.Manga, error) {
	recs, err := r.store.ListHistory(ctx)
	if err != nil {
		return nil, err
	}
	progress, err := r.store.ListAllProgress(ctx)
	if err != nil {
		return nil, err
	}
	return buildHistory(recs, progress), nil
}

// Snapshot helpers for callers that do not stream.

func (r *Repository) FavoritesSnapshot(ctx context.Context) ([]data.Manga, error) {
	recs, err := r.store.ListFavorites(ctx)
	if err != nil {
		return nil, fail("favorites", "Failed to load favorites", err)
	}
	return toMangas(recs), nil
}

func (r *Repository) LibrarySnapshot(ctx context.Context) ([]data.Manga, error) {
	recs, err := r.store.ListLibrary(ctx)
	if err != nil {
		return nil, fail("library", "Failed to load library", err)
	}
	return toMangas(recs), nil
}

func (r *Repository) HistorySnapshot(ctx context.Context) ([]data.Manga, error) {
	out, err := r.loadHistory(ctx)
	if err != nil {
		return nil, fail("history", "Failed to load history", err)
	}
	return out, nil
}

func toMangas(recs []*data.LibraryRecord) []data.Manga {
	out := make([]data.Manga, len(recs))
	for i, rec := range recs {
		out[i] = rec.ToManga()
	}
	return out
}
