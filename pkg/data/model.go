package data

import "time"

// Manga is a content item as presented to callers. It is rebuilt on every
// request from a source response merged with the persisted state.
type Manga struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	CoverURL    string    `json:"coverUrl"`
	URL         string    `json:"url"`
	Author      string    `json:"author"`
	Description string    `json:"description"`
	Genres      []string  `json:"genres,omitempty"`
	Chapters    []Chapter `json:"chapters,omitempty"`
	IsFavorite  bool      `json:"isFavorite"`

	// HistoryText is nil when the item has no reading progress.
	HistoryText   *string `json:"historyText,omitempty"`
	TotalProgress int     `json:"totalProgress"`
}

type Chapter struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	MangaID      string `json:"mangaId"`
	IsRead       bool   `json:"isRead"`
	LastPageRead int    `json:"lastPageRead"`
	TotalPages   int    `json:"totalPages"`
}

// Page is a single image of a chapter. ImageURL is a remote URL, or an
// absolute file path when Local is set.
type Page struct {
	Index     int    `json:"index"`
	ImageURL  string `json:"imageUrl"`
	ChapterID string `json:"chapterId"`
	Local     bool   `json:"local"`
}

// LibraryRecord is a persisted library row. Rows exist for favorites and
// for items that were only read (history placeholders).
type LibraryRecord struct {
	MangaID      string
	Title        string
	CoverURL     string
	URL          string
	Author       string
	Description  string
	IsFavorite   bool
	AddedAt      time.Time
	LastReadAt   *time.Time
	ChapterCount int
}

// ToManga maps a library row back to a content item without chapters.
func (r *LibraryRecord) ToManga() Manga {
	return Manga{
		ID:          r.MangaID,
		Title:       r.Title,
		CoverURL:    r.CoverURL,
		URL:         r.URL,
		Author:      r.Author,
		Description: r.Description,
		IsFavorite:  r.IsFavorite,
	}
}

// NewLibraryRecord snapshots the metadata of m into a library row.
func NewLibraryRecord(m *Manga) *LibraryRecord {
	return &LibraryRecord{
		MangaID:     m.ID,
		Title:       m.Title,
		CoverURL:    m.CoverURL,
		URL:         m.URL,
		Author:      m.Author,
		Description: m.Description,
		IsFavorite:  m.IsFavorite,
	}
}

type ProgressRecord struct {
	ChapterID    string    `json:"chapterId"`
	MangaID      string    `json:"mangaId"`
	ChapterTitle string    `json:"chapterTitle"`
	CurrentPage  int       `json:"currentPage"`
	TotalPages   int       `json:"totalPages"`
	LastReadAt   time.Time `json:"lastReadAt"`
}

// IsRead reports whether the last page of the chapter was reached.
func (p *ProgressRecord) IsRead() bool {
	return p.CurrentPage >= p.TotalPages-1
}

type DownloadRecord struct {
	ChapterID    string    `json:"chapterId"`
	MangaID      string    `json:"mangaId"`
	ChapterName  string    `json:"chapterName"`
	StoragePath  string    `json:"storagePath"` // relative to the data directory
	DownloadedAt time.Time `json:"downloadedAt"`
}
