package integrations

import (
	"cmp"
	"errors"
	"fmt"
	"html"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-shiori/go-epub"
	_ "golang.org/x/image/webp"

	"github.com/kerbaras/mangashelf/pkg/data"
)

// ErrNoPages is returned when none of the chapters has a readable page.
var ErrNoPages = errors.New("no readable pages to export")

// EPubBuilder writes downloaded chapters as one EPUB per manga.
type EPubBuilder struct {
	outputDir string
	logger    *slog.Logger
}

func NewEPubBuilder(outputDir string, logger *slog.Logger) *EPubBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EPubBuilder{outputDir: outputDir, logger: logger}
}

// Export compiles chapters, in the given order, into <outputDir>/<title>.epub.
// Files that do not decode as an image are left out.
func (p *EPubBuilder) Export(manga data.Manga, chapters []ExportChapter) (string, error) {
	if len(chapters) == 0 {
		return "", fmt.Errorf("no chapters to compile")
	}

	// Ensure output directory exists
	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	title := manga.Title
	if title == "" {
		title = manga.ID
	}
	e, err := epub.NewEpub(title)
	if err != nil {
		return "", fmt.Errorf("failed to create EPub: %w", err)
	}
	if manga.Author != "" {
		e.SetAuthor(manga.Author)
	}
	if manga.Description != "" {
		e.SetDescription(manga.Description)
	}
	e.SetIdentifier(manga.ID)

	pages := 0
	for i, ch := range chapters {
		n, err := p.addChapter(e, i, ch)
		if err != nil {
			return "", fmt.Errorf("failed to add chapter %s: %w", ch.ID, err)
		}
		pages += n
	}
	if pages == 0 {
		return "", ErrNoPages
	}

	outputPath := filepath.Join(p.outputDir, sanitizeFilename(title)+".epub")
	if err := e.Write(outputPath); err != nil {
		return "", fmt.Errorf("failed to write EPub: %w", err)
	}
	p.logger.Info("export: epub written", "manga", manga.ID, "chapters", len(chapters), "pages", pages, "path", outputPath)
	return outputPath, nil
}

// addChapter adds the readable pages of ch as one section and returns how
// many were added. A chapter without readable pages adds nothing.
func (p *EPubBuilder) addChapter(e *epub.Epub, index int, ch ExportChapter) (int, error) {
	files, err := data.OrderedPageFiles(ch.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read chapter directory: %w", err)
	}

	chapterTitle := ch.Name
	if chapterTitle == "" {
		chapterTitle = fmt.Sprintf("Chapter %d", index+1)
	}

	var htmlContent strings.Builder
	fmt.Fprintf(&htmlContent, "<h1>%s</h1>\n", html.EscapeString(chapterTitle))

	added := 0
	for i, path := range files {
		format, err := imageFormat(path)
		if err != nil {
			p.logger.Warn("export: skipping unreadable page", "chapter", ch.ID, "file", path, "error", err)
			continue
		}

		name := fmt.Sprintf("c%04d-p%04d.%s", index, i, extension(format))
		internalPath, err := e.AddImage(path, name)
		if err != nil {
			return 0, fmt.Errorf("failed to add image %s: %w", filepath.Base(path), err)
		}
		fmt.Fprintf(&htmlContent,
			`<div class="page"><img src="%s" alt="Page %d" style="width:100%%;height:auto;"/></div>`+"\n",
			internalPath, i+1)
		added++
	}
	if added == 0 {
		p.logger.Warn("export: chapter has no readable pages", "chapter", ch.ID, "dir", ch.Dir)
		return 0, nil
	}

	if _, err := e.AddSection(htmlContent.String(), chapterTitle, "", ""); err != nil {
		return 0, fmt.Errorf("failed to add section: %w", err)
	}
	return added, nil
}

// imageFormat decodes the header of the image at path. Pages are stored
// with a .jpg name whatever the source served, so the content decides.
func imageFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, format, err := image.DecodeConfig(f)
	return format, err
}

func extension(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

// ChaptersFromDownloads turns download records into export chapters under
// dataDir. Records follow the position of their chapter in order; records
// of chapters missing from order come last, in record order.
func ChaptersFromDownloads(dataDir string, recs []*data.DownloadRecord, order []data.Chapter) []ExportChapter {
	pos := make(map[string]int, len(order))
	for i, ch := range order {
		pos[ch.ID] = i
	}
	sorted := slices.Clone(recs)
	slices.SortStableFunc(sorted, func(a, b *data.DownloadRecord) int {
		pa, oka := pos[a.ChapterID]
		pb, okb := pos[b.ChapterID]
		switch {
		case oka && okb:
			return cmp.Compare(pa, pb)
		case oka:
			return -1
		case okb:
			return 1
		}
		return 0
	})

	out := make([]ExportChapter, len(sorted))
	for i, rec := range sorted {
		out[i] = ExportChapter{
			ID:   rec.ChapterID,
			Name: rec.ChapterName,
			Dir:  filepath.Join(dataDir, rec.StoragePath),
		}
	}
	return out
}

// sanitizeFilename removes characters that are invalid in filenames
func sanitizeFilename(name string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := name
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}
	result = strings.TrimSpace(result)
	result = strings.Trim(result, ".")
	if result == "" {
		result = "manga"
	}
	return result
}
