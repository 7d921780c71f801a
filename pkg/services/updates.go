package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/sources"
)

const updateTitle = "New Chapters Available!"

// titles listed by name in a multi-update notification
const maxNotifiedTitles = 3

type UpdateResult struct {
	Checked int
	Titles  []string
}

func (r *UpdateResult) Updated() int { return len(r.Titles) }

// UpdateChecker compares the chapter count of every favorite with its
// stored baseline and notifies once about all items that grew.
type UpdateChecker struct {
	registry *sources.Registry
	store    *data.Store
	notifier Notifier
	logger   *slog.Logger
}

func NewUpdateChecker(registry *sources.Registry, store *data.Store, notifier Notifier, logger *slog.Logger) *UpdateChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &UpdateChecker{registry: registry, store: store, notifier: notifier, logger: logger}
}

// Check scans the favorites once. Failures on single items are logged and
// skipped; only failing to read the favorites fails the scan, with
// ErrRetryable.
func (c *UpdateChecker) Check(ctx context.Context) (*UpdateResult, error) {
	favorites, err := c.store.ListFavorites(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load favorites: %w", ErrRetryable, err)
	}

	result := &UpdateResult{}
	for _, fav := range favorites {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: %w", ErrRetryable, ctx.Err())
		}
		counter, ok := c.registry.Resolve(fav.MangaID).(sources.ChapterCounter)
		if !ok {
			continue
		}
		result.Checked++

		remote, err := counter.ChapterCount(ctx, fav.MangaID)
		if err != nil {
			c.logger.Warn("updates: chapter count failed", "manga", fav.MangaID, "error", err)
			continue
		}
		if remote <= fav.ChapterCount {
			continue
		}
		if err := c.store.SetChapterCount(ctx, fav.MangaID, remote); err != nil {
			c.logger.Warn("updates: baseline update failed", "manga", fav.MangaID, "error", err)
			continue
		}
		c.logger.Info("updates: new chapters", "manga", fav.MangaID, "was", fav.ChapterCount, "now", remote)
		result.Titles = append(result.Titles, fav.Title)
	}

	if len(result.Titles) > 0 {
		if err := c.notifier.Notify(ctx, UpdateNotification(result.Titles)); err != nil {
			c.logger.Warn("updates: notify failed", "error", err)
		}
	}
	c.logger.Info("updates: scan finished", "checked", result.Checked, "updated", result.Updated())
	return result, nil
}

// UpdateNotification builds the single notification raised for a scan.
func UpdateNotification(titles []string) Notification {
	n := Notification{Title: updateTitle}
	if len(titles) == 1 {
		n.Body = titles[0] + " has a new chapter!"
		return n
	}
	shown := titles[:min(len(titles), maxNotifiedTitles)]
	n.Body = fmt.Sprintf("%d manga have new chapters: %s", len(titles), strings.Join(shown, ", "))
	if rest := len(titles) - len(shown); rest > 0 {
		n.Body += fmt.Sprintf(" and %d more", rest)
	}
	return n
}
