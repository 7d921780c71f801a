package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/utils"
)

const (
	KomikCastID      = "komikcast"
	KomikCastBaseURL = "https://komikcast.cz"
	// KomikCastPrefix marks ids owned by the KomikCast source.
	KomikCastPrefix = "kc-"
)

// Selector lists are tried in order; the first non-empty match wins. The
// site has served more than one layout for every page type.
var (
	kcListItems     = []string{"div.list-update_item", "div.list-content", ".bs"}
	kcListTitle     = []string{".title", ".tt"}
	kcDetailTitle   = []string{".komik_info-content-body-title", "h1.entry-title", "title"}
	kcDetailDesc    = []string{".komik_info-description-sinopsis", ".entry-content[itemprop=description]"}
	kcDetailCover   = []string{".komik_info-content-thumbnail img", ".thumb img"}
	kcDetailAuthor  = []string{`.komik_info-content-info:contains("Author")`, `.fmed:contains("Author")`}
	kcDetailGenres  = []string{".komik_info-content-genre a", ".mgen a"}
	kcChapterItems  = []string{"div.komik_info-chapters-item", "#chapter-wrapper li", ".cl li", "#chapterlist li"}
	kcReaderImages  = []string{"#readerarea img", ".main-reading-area img"}
	kcBackToManga   = []string{".allc a", `.breadcrumb a[href*="/komik/"]`}
	kcChapterHeader = []string{".chapter_headpost h1", "h1.entry-title", "title"}
)

// firstText returns the trimmed text of the first selector matching a
// non-blank element.
func firstText(s *goquery.Selection, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(s.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

// firstAttr returns the first non-empty value among attrs of the first
// element matching each selector in turn.
func firstAttr(s *goquery.Selection, selectors []string, attrs ...string) string {
	for _, sel := range selectors {
		node := s.Find(sel).First()
		for _, attr := range attrs {
			if v := strings.TrimSpace(node.AttrOr(attr, "")); v != "" {
				return v
			}
		}
	}
	return ""
}

// firstMatch returns the first selector result that is not empty.
func firstMatch(s *goquery.Selection, selectors ...string) *goquery.Selection {
	for _, sel := range selectors {
		if found := s.Find(sel); found.Length() > 0 {
			return found
		}
	}
	return s.Find(selectors[0])
}

func lastSegment(href string) string {
	href = strings.TrimRight(href, "/")
	if i := strings.LastIndex(href, "/"); i >= 0 {
		return href[i+1:]
	}
	return href
}

func realID(id string) string { return strings.TrimPrefix(id, KomikCastPrefix) }

type KomikCastConfig struct {
	BaseURL   string
	UserAgent string
	HTTP      utils.Options
	Logger    *slog.Logger
}

// KomikCast scrapes the KomikCast site. Failing list calls degrade to an
// empty result.
type KomikCast struct {
	api     *utils.API
	baseURL string
	logger  *slog.Logger
}

func NewKomikCast(cfg KomikCastConfig) *KomikCast {
	if cfg.BaseURL == "" {
		cfg.BaseURL = KomikCastBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = utils.BrowserUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.HTTP.BaseURL = cfg.BaseURL
	cfg.HTTP.UserAgent = cfg.UserAgent
	if cfg.HTTP.Logger == nil {
		cfg.HTTP.Logger = cfg.Logger
	}
	return &KomikCast{
		api:     utils.NewAPIWithOptions(cfg.HTTP),
		baseURL: cfg.BaseURL,
		logger:  cfg.Logger,
	}
}

func (k *KomikCast) ID() string      { return KomikCastID }
func (k *KomikCast) BaseURL() string { return k.baseURL }

func (k *KomikCast) parseList(doc *goquery.Document) []data.Manga {
	out := []data.Manga{}
	firstMatch(doc.Selection, kcListItems...).Each(func(_ int, item *goquery.Selection) {
		href := firstAttr(item, []string{"a"}, "href")
		id := lastSegment(href)
		if href == "" || id == "" {
			return
		}
		title := firstText(item, kcListTitle...)
		if title == "" {
			title = "No Title"
		}
		out = append(out, data.Manga{
			ID:       KomikCastPrefix + id,
			Title:    title,
			CoverURL: firstAttr(item, []string{"img"}, "src", "data-src"),
			URL:      href,
			Author:   "Unknown",
		})
	})
	return out
}

// Popular lists recently updated titles. page starts at 1.
func (k *KomikCast) Popular(ctx context.Context, page int, genre string) ([]data.Manga, error) {
	path := "/daftar-komik/"
	if page > 1 {
		path = fmt.Sprintf("/daftar-komik/page/%d/", page)
	}
	params := url.Values{}
	params.Set("order", "update")
	if genre != "" {
		params.Set("genre[]", genre)
	}
	doc, err := k.api.GetDocument(ctx, path, params)
	if err != nil {
		k.logger.Warn("komikcast: popular failed", "page", page, "error", err)
		return []data.Manga{}, nil
	}
	return k.parseList(doc), nil
}

func (k *KomikCast) Search(ctx context.Context, query string) ([]data.Manga, error) {
	doc, err := k.api.GetDocument(ctx, "/", url.Values{"s": {query}})
	if err != nil {
		k.logger.Warn("komikcast: search failed", "query", query, "error", err)
		return []data.Manga{}, nil
	}
	return k.parseList(doc), nil
}

func (k *KomikCast) mangaPath(mangaID string) string {
	return "/komik/" + url.PathEscape(realID(mangaID)) + "/"
}

func (k *KomikCast) chapterPath(chapterID string) string {
	return "/chapter/" + url.PathEscape(realID(chapterID)) + "/"
}

// Details returns the header of an item; chapters are listed separately.
func (k *KomikCast) Details(ctx context.Context, mangaID string) (data.Manga, error) {
	path := k.mangaPath(mangaID)
	doc, err := k.api.GetDocument(ctx, path, nil)
	if err != nil {
		return data.Manga{}, fmt.Errorf("komikcast details %s: %w", mangaID, err)
	}

	m := data.Manga{
		ID:          mangaID,
		Title:       firstText(doc.Selection, kcDetailTitle...),
		CoverURL:    firstAttr(doc.Selection, kcDetailCover, "src", "data-src"),
		URL:         k.baseURL + path,
		Author:      "Unknown",
		Description: cleanText(firstText(doc.Selection, kcDetailDesc...)),
	}
	if m.Title == "" {
		m.Title = "No Title"
	}
	if author := firstText(doc.Selection, kcDetailAuthor...); author != "" {
		author = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(author, "Author"), ":"))
		if author != "" {
			m.Author = author
		}
	}
	firstMatch(doc.Selection, kcDetailGenres...).Each(func(_ int, s *goquery.Selection) {
		if g := strings.TrimSpace(s.Text()); g != "" {
			m.Genres = append(m.Genres, g)
		}
	})
	return m, nil
}

func (k *KomikCast) chapters(ctx context.Context, mangaID string) ([]data.Chapter, error) {
	doc, err := k.api.GetDocument(ctx, k.mangaPath(mangaID), nil)
	if err != nil {
		return nil, err
	}
	out := []data.Chapter{}
	firstMatch(doc.Selection, kcChapterItems...).Each(func(_ int, item *goquery.Selection) {
		link := item.Find("a").First()
		href := strings.TrimSpace(link.AttrOr("href", ""))
		id := lastSegment(href)
		if href == "" || id == "" {
			return
		}
		name := strings.Join(strings.Fields(link.Text()), " ")
		if name == "" {
			name = "Unknown Chapter"
		}
		out = append(out, data.Chapter{
			ID:      KomikCastPrefix + id,
			Name:    name,
			URL:     href,
			MangaID: mangaID,
		})
	})
	return out, nil
}

// Chapters returns the chapter list in page order.
func (k *KomikCast) Chapters(ctx context.Context, mangaID string) ([]data.Chapter, error) {
	out, err := k.chapters(ctx, mangaID)
	if err != nil {
		k.logger.Warn("komikcast: chapters failed", "manga", mangaID, "error", err)
		return []data.Chapter{}, nil
	}
	return out, nil
}

// ChapterCount counts the scraped chapter list. Unlike Chapters it reports
// failures so a broken page is not mistaken for zero chapters.
func (k *KomikCast) ChapterCount(ctx context.Context, mangaID string) (int, error) {
	out, err := k.chapters(ctx, mangaID)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

func (k *KomikCast) Pages(ctx context.Context, chapterID string) ([]data.Page, error) {
	doc, err := k.api.GetDocument(ctx, k.chapterPath(chapterID), nil)
	if err != nil {
		k.logger.Warn("komikcast: pages failed", "chapter", chapterID, "error", err)
		return []data.Page{}, nil
	}
	pages := []data.Page{}
	firstMatch(doc.Selection, kcReaderImages...).Each(func(_ int, img *goquery.Selection) {
		src := strings.TrimSpace(img.AttrOr("src", ""))
		if src == "" {
			src = strings.TrimSpace(img.AttrOr("data-src", ""))
		}
		if src == "" {
			return
		}
		pages = append(pages, data.Page{Index: len(pages), ImageURL: src, ChapterID: chapterID})
	})
	return pages, nil
}

func (k *KomikCast) ChapterMeta(ctx context.Context, chapterID string) (data.Chapter, error) {
	path := k.chapterPath(chapterID)
	doc, err := k.api.GetDocument(ctx, path, nil)
	if err != nil {
		return data.Chapter{}, fmt.Errorf("komikcast chapter %s: %w", chapterID, err)
	}

	mangaID := "unknown"
	if id := lastSegment(firstAttr(doc.Selection, kcBackToManga, "href")); id != "" {
		mangaID = KomikCastPrefix + id
	}
	name := strings.TrimSpace(strings.ReplaceAll(firstText(doc.Selection, kcChapterHeader...), "KomikCast", ""))
	name = strings.TrimRight(name, " -")
	return data.Chapter{
		ID:      chapterID,
		Name:    name,
		URL:     k.baseURL + path,
		MangaID: mangaID,
	}, nil
}
