package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/utils"
)

const (
	MangaDexID         = "mangadex"
	MangaDexAPIURL     = "https://api.mangadex.org"
	MangaDexUploadsURL = "https://uploads.mangadex.org"
	mangaDexSiteURL    = "https://mangadex.org"

	mangaDexPageSize = 20
	// largest page the chapter feed serves
	mangaDexFeedLimit = 500
)

var mangaDexIncludes = []string{"cover_art", "author"}

type Relationship struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes *struct {
		FileName string `json:"fileName"`
		Name     string `json:"name"`
	} `json:"attributes"`
}

type Manga struct {
	ID         string `json:"id"`
	Attributes struct {
		Title       map[string]string `json:"title"`
		Description map[string]string `json:"description"`
		Tags        []struct {
			Attributes struct {
				Name map[string]string `json:"name"`
			} `json:"attributes"`
		} `json:"tags"`
	} `json:"attributes"`
	Relationships []Relationship `json:"relationships"`
}

// localized returns the English value of m, else the value of the first
// language in key order, else fallback.
func localized(m map[string]string, fallback string) string {
	if v := m["en"]; v != "" {
		return v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m[k] != "" {
			return m[k]
		}
	}
	return fallback
}

func (m *Manga) relationship(kind string) *Relationship {
	for i := range m.Relationships {
		if m.Relationships[i].Type == kind {
			return &m.Relationships[i]
		}
	}
	return nil
}

func (m *Manga) ToManga(uploadsURL string) *data.Manga {
	out := &data.Manga{
		ID:          m.ID,
		Title:       localized(m.Attributes.Title, "No Title"),
		URL:         mangaDexSiteURL + "/title/" + m.ID,
		Author:      "Unknown",
		Description: cleanText(localized(m.Attributes.Description, "No Description")),
	}
	if rel := m.relationship("cover_art"); rel != nil && rel.Attributes != nil && rel.Attributes.FileName != "" {
		out.CoverURL = fmt.Sprintf("%s/covers/%s/%s.256.jpg", uploadsURL, m.ID, rel.Attributes.FileName)
	}
	if rel := m.relationship("author"); rel != nil && rel.Attributes != nil && rel.Attributes.Name != "" {
		out.Author = rel.Attributes.Name
	}
	for _, tag := range m.Attributes.Tags {
		if name := localized(tag.Attributes.Name, ""); name != "" {
			out.Genres = append(out.Genres, name)
		}
	}
	return out
}

type Chapter struct {
	ID         string `json:"id"`
	Attributes struct {
		Title    *string `json:"title"`
		Language *string `json:"translatedLanguage"`
		Number   *string `json:"chapter"`
		Pages    int     `json:"pages"`
	} `json:"attributes"`
	Relationships []Relationship `json:"relationships"`
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

// ToChapter maps a feed entry; the name carries the language.
func (c *Chapter) ToChapter(mangaID string) *data.Chapter {
	lang := strings.ToUpper(deref(c.Attributes.Language, "en"))
	return &data.Chapter{
		ID:      c.ID,
		Name:    fmt.Sprintf("Ch. %s (%s) - %s", deref(c.Attributes.Number, "?"), lang, deref(c.Attributes.Title, "")),
		URL:     mangaDexSiteURL + "/chapter/" + c.ID,
		MangaID: mangaID,
	}
}

type chapterFeed struct {
	Data   []json.RawMessage `json:"data"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
	Total  int               `json:"total"`
}

type MangaDexConfig struct {
	BaseURL    string
	UploadsURL string
	// Languages filters the chapter feed. Default: id, en.
	Languages []string
	HTTP      utils.Options
	Logger    *slog.Logger
}

// MangaDex is the structured JSON API source. It owns every id without a
// registered prefix.
type MangaDex struct {
	api        *utils.API
	uploadsURL string
	languages  []string
	logger     *slog.Logger
}

func NewMangaDex(cfg MangaDexConfig) *MangaDex {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MangaDexAPIURL
	}
	if cfg.UploadsURL == "" {
		cfg.UploadsURL = MangaDexUploadsURL
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"id", "en"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.HTTP.BaseURL = cfg.BaseURL
	if cfg.HTTP.Logger == nil {
		cfg.HTTP.Logger = cfg.Logger
	}
	return &MangaDex{
		api:        utils.NewAPIWithOptions(cfg.HTTP),
		uploadsURL: strings.TrimRight(cfg.UploadsURL, "/"),
		languages:  cfg.Languages,
		logger:     cfg.Logger,
	}
}

func (m *MangaDex) ID() string      { return MangaDexID }
func (m *MangaDex) BaseURL() string { return mangaDexSiteURL }

func (m *MangaDex) get(ctx context.Context, path string, params url.Values, v any) error {
	return m.api.Get(ctx, path, params, v)
}

func (m *MangaDex) list(ctx context.Context, params url.Values) ([]data.Manga, error) {
	params.Set("limit", strconv.Itoa(mangaDexPageSize))
	params["includes[]"] = mangaDexIncludes

	var mangas struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := m.get(ctx, "/manga", params, &mangas); err != nil {
		return nil, err
	}
	out := make([]data.Manga, 0, len(mangas.Data))
	for _, raw := range mangas.Data {
		var manga Manga
		if err := json.Unmarshal(raw, &manga); err != nil || manga.ID == "" {
			m.logger.Debug("mangadex: dropping malformed manga entry", "error", err)
			continue
		}
		out = append(out, *manga.ToManga(m.uploadsURL))
	}
	return out, nil
}

// Popular lists items by follower count, optionally restricted to one tag
// id. Pages start at 1.
func (m *MangaDex) Popular(ctx context.Context, page int, genre string) ([]data.Manga, error) {
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("offset", strconv.Itoa((page-1)*mangaDexPageSize))
	params.Set("order[followedCount]", "desc")
	if genre != "" {
		params.Set("includedTags[]", genre)
	}
	return m.list(ctx, params)
}

func (m *MangaDex) Search(ctx context.Context, query string) ([]data.Manga, error) {
	params := url.Values{}
	params.Set("title", query)
	return m.list(ctx, params)
}

// Details returns the item header with its chapter list, empty but not nil
// when nothing is readable.
func (m *MangaDex) Details(ctx context.Context, mangaID string) (data.Manga, error) {
	var manga struct {
		Data Manga `json:"data"`
	}
	params := url.Values{"includes[]": mangaDexIncludes}
	if err := m.get(ctx, "/manga/"+url.PathEscape(mangaID), params, &manga); err != nil {
		return data.Manga{}, err
	}
	if manga.Data.ID == "" {
		return data.Manga{}, fmt.Errorf("manga %s: %w: empty response", mangaID, ErrParse)
	}
	out := manga.Data.ToManga(m.uploadsURL)

	chapters, err := m.Chapters(ctx, mangaID)
	if err != nil {
		return data.Manga{}, err
	}
	out.Chapters = chapters
	return *out, nil
}

func (m *MangaDex) feed(ctx context.Context, mangaID string, limit, offset int) (*chapterFeed, error) {
	params := url.Values{}
	params["translatedLanguage[]"] = m.languages
	params.Set("order[chapter]", "desc")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	var feed chapterFeed
	if err := m.get(ctx, "/manga/"+url.PathEscape(mangaID)+"/feed", params, &feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

// Chapters walks the whole feed and returns the readable chapters, lowest
// chapter number first. The result is never nil.
func (m *MangaDex) Chapters(ctx context.Context, mangaID string) ([]data.Chapter, error) {
	out := []data.Chapter{}
	for offset := 0; ; {
		feed, err := m.feed(ctx, mangaID, mangaDexFeedLimit, offset)
		if err != nil {
			return nil, err
		}
		for _, raw := range feed.Data {
			var chapter Chapter
			if err := json.Unmarshal(raw, &chapter); err != nil || chapter.ID == "" {
				m.logger.Debug("mangadex: dropping malformed feed entry", "manga", mangaID, "error", err)
				continue
			}
			// external or empty uploads have no pages to read
			if chapter.Attributes.Pages <= 0 {
				continue
			}
			out = append(out, *chapter.ToChapter(mangaID))
		}
		offset += len(feed.Data)
		if len(feed.Data) == 0 || offset >= feed.Total {
			break
		}
	}
	slices.Reverse(out)
	m.logger.Debug("mangadex: fetched chapter feed", "manga", mangaID, "chapters", len(out))
	return out, nil
}

// ChapterCount counts the readable chapters, the same list Details
// returns. The feed total alone would include chapters without pages.
func (m *MangaDex) ChapterCount(ctx context.Context, mangaID string) (int, error) {
	chapters, err := m.Chapters(ctx, mangaID)
	if err != nil {
		return 0, err
	}
	return len(chapters), nil
}

func (m *MangaDex) PageServer(ctx context.Context, chapterID string) (*PageServer, error) {
	var server struct {
		BaseURL string `json:"baseUrl"`
		Chapter struct {
			Hash string   `json:"hash"`
			Data []string `json:"data"`
		} `json:"chapter"`
	}
	if err := m.get(ctx, "/at-home/server/"+url.PathEscape(chapterID), nil, &server); err != nil {
		return nil, err
	}
	if server.BaseURL == "" || server.Chapter.Hash == "" {
		return nil, fmt.Errorf("page server %s: %w: missing base url or hash", chapterID, ErrParse)
	}
	return &PageServer{
		BaseURL: strings.TrimRight(server.BaseURL, "/"),
		Hash:    server.Chapter.Hash,
		Files:   server.Chapter.Data,
	}, nil
}

func (m *MangaDex) Pages(ctx context.Context, chapterID string) ([]data.Page, error) {
	server, err := m.PageServer(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	pages := make([]data.Page, len(server.Files))
	for i := range server.Files {
		pages[i] = data.Page{Index: i, ImageURL: server.PageURL(i), ChapterID: chapterID}
	}
	return pages, nil
}

func (m *MangaDex) ChapterMeta(ctx context.Context, chapterID string) (data.Chapter, error) {
	var chapter struct {
		Data Chapter `json:"data"`
	}
	if err := m.get(ctx, "/chapter/"+url.PathEscape(chapterID), nil, &chapter); err != nil {
		return data.Chapter{}, err
	}
	dto := chapter.Data
	mangaID := "unknown"
	for _, rel := range dto.Relationships {
		if rel.Type == "manga" && rel.ID != "" {
			mangaID = rel.ID
			break
		}
	}
	return data.Chapter{
		ID:      chapterID,
		Name:    fmt.Sprintf("Ch. %s - %s", deref(dto.Attributes.Number, "?"), deref(dto.Attributes.Title, "")),
		URL:     mangaDexSiteURL + "/chapter/" + chapterID,
		MangaID: mangaID,
	}, nil
}
