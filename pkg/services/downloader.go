package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/sources"
	"github.com/kerbaras/mangashelf/pkg/utils"
)

const (
	StatusDownloading = "downloading"
	StatusComplete    = "complete"
	StatusSkipped     = "skipped"
	StatusError       = "error"
)

// DownloadProgress represents the progress of a download operation
type DownloadProgress struct {
	MangaID     string
	ChapterID   string
	ChapterName string
	CurrentPage int
	TotalPages  int
	Status      string // "downloading", "complete", "skipped", "error"
	Error       error
}

// Downloader stores the pages of a chapter under the data directory and
// records the chapter once every page is on disk.
type Downloader struct {
	registry     *sources.Registry
	store        *data.Store
	api          *utils.API
	dataDir      string
	rateLimiter  *time.Ticker
	progressChan chan DownloadProgress
	logger       *slog.Logger
	closeOnce    sync.Once
}

// NewDownloader creates a Downloader. A positive pageDelay throttles page
// requests to one per delay.
func NewDownloader(registry *sources.Registry, store *data.Store, api *utils.API, dataDir string, pageDelay time.Duration, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	if api == nil {
		api = utils.NewAPI("")
	}
	d := &Downloader{
		registry:     registry,
		store:        store,
		api:          api,
		dataDir:      dataDir,
		progressChan: make(chan DownloadProgress, 100),
		logger:       logger,
	}
	if pageDelay > 0 {
		d.rateLimiter = time.NewTicker(pageDelay)
	}
	return d
}

// GetProgressChannel returns the channel for receiving download progress updates
func (d *Downloader) GetProgressChannel() <-chan DownloadProgress {
	return d.progressChan
}

// DownloadChapter stores every page of the chapter of job. A chapter that
// is already recorded is left untouched. Pages already on disk are kept,
// so a retry only fetches what an earlier run missed.
func (d *Downloader) DownloadChapter(ctx context.Context, job DownloadJob) error {
	if job.ChapterID == "" || job.MangaID == "" {
		return fmt.Errorf("%w: chapter and manga ids are required", ErrBadJob)
	}
	rel, err := data.ChapterRelPath(job.MangaID, job.ChapterID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadJob, err)
	}

	progress := DownloadProgress{MangaID: job.MangaID, ChapterID: job.ChapterID, ChapterName: job.ChapterName}

	if _, err := d.store.GetDownload(ctx, job.ChapterID); err == nil {
		// an earlier run may have stopped between the two writes
		if err := d.ensureLibrary(ctx, job.MangaID); err != nil {
			return err
		}
		progress.Status = StatusSkipped
		d.sendProgress(progress)
		return nil
	} else if !errors.Is(err, data.ErrNotFound) {
		return fmt.Errorf("failed to check download record: %w", err)
	}

	resolver, ok := d.registry.Resolve(job.ChapterID).(sources.PageServerResolver)
	if !ok {
		return fmt.Errorf("chapter %s: %w", job.ChapterID, ErrNotDownloadable)
	}

	progress.Status = StatusDownloading
	d.sendProgress(progress)

	server, err := resolver.PageServer(ctx, job.ChapterID)
	if err != nil {
		return d.failed(progress, fmt.Errorf("failed to get pages: %w", err))
	}
	if len(server.Files) == 0 {
		return d.failed(progress, errors.New("no pages found for chapter"))
	}
	progress.TotalPages = len(server.Files)

	dir := filepath.Join(d.dataDir, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return d.failed(progress, fmt.Errorf("failed to create chapter directory: %w", err))
	}

	for i := range server.Files {
		target := filepath.Join(dir, data.PageFileName(i))
		if info, err := os.Stat(target); err == nil && info.Size() > 0 {
			continue
		}
		if err := d.throttle(ctx); err != nil {
			return d.failed(progress, err)
		}
		if err := d.downloadPage(ctx, server.PageURL(i), target); err != nil {
			return d.failed(progress, fmt.Errorf("failed to download page %d: %w", i, err))
		}

		progress.CurrentPage = i + 1
		d.sendProgress(progress)
	}

	inserted, err := d.store.InsertDownload(ctx, &data.DownloadRecord{
		ChapterID:   job.ChapterID,
		MangaID:     job.MangaID,
		ChapterName: job.ChapterName,
		StoragePath: rel,
	})
	if err != nil {
		return d.failed(progress, fmt.Errorf("failed to record download: %w", err))
	}
	if err := d.ensureLibrary(ctx, job.MangaID); err != nil {
		return d.failed(progress, err)
	}

	progress.CurrentPage = progress.TotalPages
	progress.Status = StatusComplete
	d.sendProgress(progress)
	d.logger.Info("downloader: chapter stored",
		"chapter", job.ChapterID, "manga", job.MangaID, "pages", progress.TotalPages, "recorded", inserted)
	return nil
}

// ensureLibrary gives a downloaded item a non-favorite library row so it
// is listed in the library. The title and cover come from the source when
// it answers, the id stands in otherwise.
func (d *Downloader) ensureLibrary(ctx context.Context, mangaID string) error {
	if _, err := d.store.GetLibrary(ctx, mangaID); err == nil {
		return nil
	} else if !errors.Is(err, data.ErrNotFound) {
		return fmt.Errorf("failed to check library row: %w", err)
	}

	manga, err := d.registry.Resolve(mangaID).Details(ctx, mangaID)
	if err != nil {
		d.logger.Warn("downloader: details unavailable for library row", "manga", mangaID, "error", err)
		manga = data.Manga{}
	}
	manga.ID = mangaID
	manga.Title = cmp.Or(manga.Title, mangaID)
	manga.IsFavorite = false

	rec := data.NewLibraryRecord(&manga)
	rec.ChapterCount = len(manga.Chapters)
	if err := d.store.EnsureLibrary(ctx, rec); err != nil {
		return fmt.Errorf("failed to add library row: %w", err)
	}
	return nil
}

// downloadPage streams url into target through a temporary file so a torn
// write never looks like a finished page.
func (d *Downloader) downloadPage(ctx context.Context, url, target string) error {
	tmp := target + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = d.api.Download(ctx, url, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

func (d *Downloader) throttle(ctx context.Context) error {
	if d.rateLimiter == nil {
		return ctx.Err()
	}
	select {
	case <-d.rateLimiter.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Downloader) failed(progress DownloadProgress, err error) error {
	progress.Status = StatusError
	progress.Error = err
	d.sendProgress(progress)
	return err
}

// sendProgress sends a progress update (non-blocking)
func (d *Downloader) sendProgress(progress DownloadProgress) {
	select {
	case d.progressChan <- progress:
	default:
		// Channel full, skip this update
	}
}

// Close stops the rate limiter and closes the progress channel. No
// download may run after Close.
func (d *Downloader) Close() {
	d.closeOnce.Do(func() {
		if d.rateLimiter != nil {
			d.rateLimiter.Stop()
		}
		close(d.progressChan)
	})
}
