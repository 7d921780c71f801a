package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"

	"github.com/kerbaras/mangashelf/pkg/app/styles"
	"github.com/kerbaras/mangashelf/pkg/services"
)

// ProgressTracker keeps the latest progress of every chapter seen on a
// download progress channel, in arrival order.
type ProgressTracker struct {
	downloads map[string]*services.DownloadProgress
	order     []string
	bar       progress.Model
	width     int

	completed int
	skipped   int
	failed    int
}

func NewProgressTracker(width int) *ProgressTracker {
	p := &ProgressTracker{
		downloads: make(map[string]*services.DownloadProgress),
		bar:       progress.New(progress.WithDefaultGradient()),
	}
	p.SetWidth(width)
	return p
}

func (p *ProgressTracker) SetWidth(width int) {
	p.width = width
	p.bar.Width = max(width-4, 10)
}

// Update records an event. Finished chapters leave the active list and are
// only counted; failed ones stay visible until Clear.
func (p *ProgressTracker) Update(ev services.DownloadProgress) {
	key := ev.MangaID + ":" + ev.ChapterID
	switch ev.Status {
	case services.StatusComplete:
		p.completed++
		p.remove(key)
		return
	case services.StatusSkipped:
		p.skipped++
		p.remove(key)
		return
	case services.StatusError:
		p.failed++
	}

	if _, ok := p.downloads[key]; !ok {
		p.order = append(p.order, key)
	}
	prog := ev
	p.downloads[key] = &prog
}

func (p *ProgressTracker) remove(key string) {
	if _, ok := p.downloads[key]; !ok {
		return
	}
	delete(p.downloads, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Clear drops failed entries.
func (p *ProgressTracker) Clear() {
	for _, key := range append([]string(nil), p.order...) {
		if p.downloads[key].Status == services.StatusError {
			p.remove(key)
		}
	}
}

func (p *ProgressTracker) HasActive() bool {
	return len(p.downloads) > 0
}

// Counts returns how many chapters completed, were skipped and failed.
func (p *ProgressTracker) Counts() (completed, skipped, failed int) {
	return p.completed, p.skipped, p.failed
}

func (p *ProgressTracker) View() string {
	var b strings.Builder
	b.WriteString(styles.TitleStyle.Render("Active Downloads"))
	b.WriteString("\n")

	if len(p.downloads) == 0 {
		b.WriteString(styles.MutedStyle.Render("Waiting for download jobs..."))
		b.WriteString("\n")
	}

	for _, key := range p.order {
		ev := p.downloads[key]

		name := ev.ChapterName
		if name == "" {
			name = ev.ChapterID
		}
		b.WriteString(styles.TextStyle.Render(name))
		b.WriteString("\n")

		statusText := ev.Status
		if ev.TotalPages > 0 {
			b.WriteString(p.bar.ViewAs(Percent(ev.CurrentPage, ev.TotalPages)))
			b.WriteString("\n")
			statusText = fmt.Sprintf("%s (%d/%d pages)", ev.Status, ev.CurrentPage, ev.TotalPages)
		}
		b.WriteString(styles.StatusStyle(ev.Status).Render(statusText))
		b.WriteString("\n")

		if ev.Error != nil {
			b.WriteString(styles.StatusStyle(services.StatusError).Render(fmt.Sprintf("Error: %s", ev.Error)))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(styles.MutedStyle.Render(fmt.Sprintf("%d completed, %d skipped, %d failed",
		p.completed, p.skipped, p.failed)))
	return b.String()
}

// Percent returns current/total clamped to [0, 1].
func Percent(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	return min(max(float64(current)/float64(total), 0), 1)
}
