package services

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/sources"
)

// Mock implementations for testing

type mockSource struct {
	id               string
	popularFunc      func(page int, genre string) ([]data.Manga, error)
	searchFunc       func(query string) ([]data.Manga, error)
	detailsFunc      func(id string) (data.Manga, error)
	chaptersFunc     func(id string) ([]data.Chapter, error)
	pagesFunc        func(chapterID string) ([]data.Page, error)
	chapterMetaFunc  func(chapterID string) (data.Chapter, error)
	chapterCountFunc func(id string) (int, error)
}

func (m *mockSource) ID() string      { return m.id }
func (m *mockSource) BaseURL() string { return "https://" + m.id + ".example" }

func (m *mockSource) Popular(ctx context.Context, page int, genre string) ([]data.Manga, error) {
	if m.popularFunc != nil {
		return m.popularFunc(page, genre)
	}
	return nil, nil
}

func (m *mockSource) Search(ctx context.Context, query string) ([]data.Manga, error) {
	if m.searchFunc != nil {
		return m.searchFunc(query)
	}
	return nil, nil
}

func (m *mockSource) Details(ctx context.Context, id string) (data.Manga, error) {
	if m.detailsFunc != nil {
		return m.detailsFunc(id)
	}
	return data.Manga{ID: id}, nil
}

func (m *mockSource) Chapters(ctx context.Context, id string) ([]data.Chapter, error) {
	if m.chaptersFunc != nil {
		return m.chaptersFunc(id)
	}
	return nil, nil
}

func (m *mockSource) Pages(ctx context.Context, chapterID string) ([]data.Page, error) {
	if m.pagesFunc != nil {
		return m.pagesFunc(chapterID)
	}
	return nil, nil
}

func (m *mockSource) ChapterMeta(ctx context.Context, chapterID string) (data.Chapter, error) {
	if m.chapterMetaFunc != nil {
		return m.chapterMetaFunc(chapterID)
	}
	return data.Chapter{ID: chapterID}, nil
}

func (m *mockSource) ChapterCount(ctx context.Context, id string) (int, error) {
	if m.chapterCountFunc != nil {
		return m.chapterCountFunc(id)
	}
	return 0, nil
}

// mockPagedSource also resolves page servers, which makes its chapters
// downloadable.
type mockPagedSource struct {
	mockSource
	pageServerFunc func(chapterID string) (*sources.PageServer, error)
}

func (m *mockPagedSource) PageServer(ctx context.Context, chapterID string) (*sources.PageServer, error) {
	if m.pageServerFunc != nil {
		return m.pageServerFunc(chapterID)
	}
	return &sources.PageServer{}, nil
}

// testRegistry routes kc- ids to scraped and everything else to def.
func testRegistry(def sources.Source, scraped sources.Source) *sources.Registry {
	return sources.NewRegistry(def).Register(sources.KomikCastPrefix, scraped)
}

func newTestStore(t *testing.T) *data.Store {
	t.Helper()
	s, err := data.Open(context.Background(), data.DriverSQLite, data.MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Test helpers

func createTestPNG() []byte {
	// Minimal 1x1 transparent PNG
	var buf bytes.Buffer
	buf.Write([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	buf.Write([]byte{
		0x00, 0x00, 0x00, 0x0D,
		0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x01,
		0x08, 0x00, 0x00, 0x00, 0x00,
		0x3A, 0x7E, 0x9B, 0x55,
	})
	buf.Write([]byte{
		0x00, 0x00, 0x00, 0x0A,
		0x49, 0x44, 0x41, 0x54,
		0x08, 0xD7, 0x63, 0x60, 0x00, 0x00, 0x00, 0x02, 0x00, 0x01,
		0xE2, 0x21, 0xBC, 0x33,
	})
	buf.Write([]byte{
		0x00, 0x00, 0x00, 0x00,
		0x49, 0x45, 0x4E, 0x44,
		0xAE, 0x42, 0x60, 0x82,
	})
	return buf.Bytes()
}
