package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/kerbaras/mangashelf/pkg/data"
)

// DownloadWorker consumes download jobs from the durable queue. Jobs that
// can never succeed are acked and logged; other failures are redelivered.
type DownloadWorker struct {
	queue      *data.Queue
	downloader *Downloader
	workers    int
	logger     *slog.Logger
}

func NewDownloadWorker(queue *data.Queue, downloader *Downloader, workers int, logger *slog.Logger) *DownloadWorker {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadWorker{queue: queue, downloader: downloader, workers: workers, logger: logger}
}

// Run starts the consumers and blocks until ctx is cancelled.
func (w *DownloadWorker) Run(ctx context.Context) {
	w.logger.Info("worker: starting download consumers", "workers", w.workers, "queue", w.queue.Name())

	var wg sync.WaitGroup
	for range w.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.queue.Run(ctx, w.Handle)
		}()
	}
	wg.Wait()
}

// Drain processes the visible jobs once and returns.
func (w *DownloadWorker) Drain(ctx context.Context) {
	w.queue.Drain(ctx, w.Handle)
}

// Handle processes one queue job. A nil return acks it.
func (w *DownloadWorker) Handle(ctx context.Context, job *data.Job) error {
	var dj DownloadJob
	if err := json.Unmarshal(job.Payload, &dj); err != nil {
		w.logger.Error("worker: dropping malformed job", "job", job.ID, "error", err)
		return nil
	}

	err := w.downloader.DownloadChapter(ctx, dj)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotDownloadable), errors.Is(err, ErrBadJob):
		w.logger.Warn("worker: dropping job", "job", job.ID, "chapter", dj.ChapterID, "error", err)
		return nil
	default:
		w.logger.Warn("worker: download failed, will retry",
			"job", job.ID, "chapter", dj.ChapterID, "attempts", job.Attempts, "error", err)
		return err
	}
}
