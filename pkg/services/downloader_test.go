package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/sources"
	"github.com/kerbaras/mangashelf/pkg/utils"
)

// pageServer serves /data/<hash>/<file> with a PNG body and can be told
// to fail single files.
type pageServer struct {
	*httptest.Server
	mu      sync.Mutex
	hits    map[string]int
	failing map[string]bool
}

func newPageServer(t *testing.T) *pageServer {
	t.Helper()
	ps := &pageServer{hits: map[string]int{}, failing: map[string]bool{}}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file := filepath.Base(r.URL.Path)
		ps.mu.Lock()
		ps.hits[file]++
		fail := ps.failing[file]
		ps.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(createTestPNG())
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pageServer) setFailing(file string, fail bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.failing[file] = fail
}

func (ps *pageServer) hitCount(file string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits[file]
}

type downloaderFixture struct {
	downloader *Downloader
	store      *data.Store
	dex        *mockPagedSource
	pages      *pageServer
	dataDir    string
}

func newDownloaderFixture(t *testing.T, files ...string) *downloaderFixture {
	t.Helper()
	store := newTestStore(t)
	pages := newPageServer(t)
	dex := &mockPagedSource{mockSource: mockSource{id: "dex"}}
	dex.pageServerFunc = func(string) (*sources.PageServer, error) {
		return &sources.PageServer{BaseURL: pages.URL, Hash: "h", Files: files}, nil
	}
	dir := t.TempDir()
	api := utils.NewAPIWithOptions(utils.Options{Timeout: 5 * time.Second})
	d := NewDownloader(testRegistry(dex, &mockSource{id: "kc"}), store, api, dir, 0, nil)
	t.Cleanup(d.Close)
	return &downloaderFixture{downloader: d, store: store, dex: dex, pages: pages, dataDir: dir}
}

func drainProgress(d *Downloader) []DownloadProgress {
	var out []DownloadProgress
	for {
		select {
		case p := <-d.GetProgressChannel():
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestDownloadChapter(t *testing.T) {
	ctx := context.Background()
	job := DownloadJob{ChapterID: "c1", MangaID: "m1", ChapterName: "Ch. 1"}

	t.Run("stores every page and records the chapter", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png", "b.png", "c.png")
		require.NoError(t, f.downloader.DownloadChapter(ctx, job))

		dir := filepath.Join(f.dataDir, "downloads", "m1", "c1")
		for i := range 3 {
			content, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("%d.jpg", i)))
			require.NoError(t, err)
			assert.Equal(t, createTestPNG(), content)
		}
		leftovers, _ := filepath.Glob(filepath.Join(dir, "*.part"))
		assert.Empty(t, leftovers)

		rec, err := f.store.GetDownload(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "m1", rec.MangaID)
		assert.Equal(t, "Ch. 1", rec.ChapterName)
		assert.Equal(t, filepath.Join("downloads", "m1", "c1"), rec.StoragePath)

		progress := drainProgress(f.downloader)
		require.NotEmpty(t, progress)
		assert.Equal(t, StatusDownloading, progress[0].Status)
		last := progress[len(progress)-1]
		assert.Equal(t, StatusComplete, last.Status)
		assert.Equal(t, 3, last.CurrentPage)
		assert.Equal(t, 3, last.TotalPages)
	})

	t.Run("a recorded chapter is skipped", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png")
		require.NoError(t, f.downloader.DownloadChapter(ctx, job))
		drainProgress(f.downloader)

		require.NoError(t, f.downloader.DownloadChapter(ctx, job))
		assert.Equal(t, 1, f.pages.hitCount("a.png"))

		progress := drainProgress(f.downloader)
		require.Len(t, progress, 1)
		assert.Equal(t, StatusSkipped, progress[0].Status)

		recs, err := f.store.ListDownloads(ctx, "m1")
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("a download adds the item to the library", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png")
		f.dex.detailsFunc = func(id string) (data.Manga, error) {
			return data.Manga{ID: id, Title: "Naruto", CoverURL: "https://img.example/m1.jpg"}, nil
		}
		repo := NewRepository(f.downloader.registry, f.store, nil, f.dataDir, nil)

		lib, err := repo.LibrarySnapshot(ctx)
		require.NoError(t, err)
		require.Empty(t, lib)

		require.NoError(t, f.downloader.DownloadChapter(ctx, job))

		lib, err = repo.LibrarySnapshot(ctx)
		require.NoError(t, err)
		require.Len(t, lib, 1)
		assert.Equal(t, "m1", lib[0].ID)
		assert.Equal(t, "Naruto", lib[0].Title)
		assert.Equal(t, "https://img.example/m1.jpg", lib[0].CoverURL)
		assert.False(t, lib[0].IsFavorite)

		rec, err := f.store.GetLibrary(ctx, "m1")
		require.NoError(t, err)
		assert.Nil(t, rec.LastReadAt)
	})

	t.Run("the library row falls back to the id without details", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png")
		f.dex.detailsFunc = func(id string) (data.Manga, error) {
			return data.Manga{}, errors.New("details down")
		}
		require.NoError(t, f.downloader.DownloadChapter(ctx, job))

		rec, err := f.store.GetLibrary(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "m1", rec.Title)
		assert.False(t, rec.IsFavorite)
	})

	t.Run("a favorite stays a favorite", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png")
		require.NoError(t, f.store.SaveFavorite(ctx, &data.LibraryRecord{MangaID: "m1", Title: "Fav"}))
		f.dex.detailsFunc = func(id string) (data.Manga, error) {
			t.Errorf("details fetched for existing row %s", id)
			return data.Manga{ID: id}, nil
		}
		require.NoError(t, f.downloader.DownloadChapter(ctx, job))

		rec, err := f.store.GetLibrary(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, rec.IsFavorite)
		assert.Equal(t, "Fav", rec.Title)
	})

	t.Run("a skipped chapter still gets its library row", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png")
		_, err := f.store.InsertDownload(ctx, &data.DownloadRecord{
			ChapterID: "c1", MangaID: "m1", StoragePath: filepath.Join("downloads", "m1", "c1"),
		})
		require.NoError(t, err)

		require.NoError(t, f.downloader.DownloadChapter(ctx, job))
		assert.Zero(t, f.pages.hitCount("a.png"))
		_, err = f.store.GetLibrary(ctx, "m1")
		assert.NoError(t, err)
	})

	t.Run("a failed page aborts and a retry fetches only what is missing", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png", "b.png", "c.png")
		f.pages.setFailing("b.png", true)

		err := f.downloader.DownloadChapter(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "page 1")

		_, err = f.store.GetDownload(ctx, "c1")
		assert.ErrorIs(t, err, data.ErrNotFound)

		progress := drainProgress(f.downloader)
		last := progress[len(progress)-1]
		assert.Equal(t, StatusError, last.Status)
		assert.Error(t, last.Error)

		f.pages.setFailing("b.png", false)
		require.NoError(t, f.downloader.DownloadChapter(ctx, job))

		assert.Equal(t, 1, f.pages.hitCount("a.png"))
		assert.Equal(t, 2, f.pages.hitCount("b.png"))
		assert.Equal(t, 1, f.pages.hitCount("c.png"))
		_, err = f.store.GetDownload(ctx, "c1")
		assert.NoError(t, err)
	})

	t.Run("page server failure", func(t *testing.T) {
		f := newDownloaderFixture(t)
		f.dex.pageServerFunc = func(string) (*sources.PageServer, error) {
			return nil, errors.New("at-home down")
		}
		err := f.downloader.DownloadChapter(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get pages")
	})

	t.Run("no pages", func(t *testing.T) {
		f := newDownloaderFixture(t)
		err := f.downloader.DownloadChapter(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no pages found")
	})

	t.Run("scraped chapters are not downloadable", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png")
		err := f.downloader.DownloadChapter(ctx, DownloadJob{ChapterID: "kc-ch-1", MangaID: "kc-one"})
		assert.ErrorIs(t, err, ErrNotDownloadable)
		assert.Zero(t, f.pages.hitCount("a.png"))
	})

	t.Run("bad ids", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png")
		for _, j := range []DownloadJob{
			{ChapterID: "", MangaID: "m1"},
			{ChapterID: "c1", MangaID: ""},
			{ChapterID: "../c1", MangaID: "m1"},
			{ChapterID: "c1", MangaID: "a/b"},
		} {
			err := f.downloader.DownloadChapter(ctx, j)
			assert.ErrorIs(t, err, ErrBadJob, "%+v", j)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newDownloaderFixture(t, "a.png")
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := f.downloader.DownloadChapter(cctx, job)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDownloaderThrottle(t *testing.T) {
	store := newTestStore(t)
	pages := newPageServer(t)
	dex := &mockPagedSource{mockSource: mockSource{id: "dex"}}
	dex.pageServerFunc = func(string) (*sources.PageServer, error) {
		return &sources.PageServer{BaseURL: pages.URL, Hash: "h", Files: []string{"a", "b", "c"}}, nil
	}
	d := NewDownloader(testRegistry(dex, &mockSource{id: "kc"}), store, nil, t.TempDir(), 20*time.Millisecond, nil)
	defer d.Close()

	start := time.Now()
	require.NoError(t, d.DownloadChapter(context.Background(), DownloadJob{ChapterID: "c", MangaID: "m"}))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDownloaderClose(t *testing.T) {
	d := NewDownloader(testRegistry(&mockPagedSource{}, &mockSource{}), nil, nil, t.TempDir(), time.Second, nil)
	d.Close()
	d.Close()

	_, ok := <-d.GetProgressChannel()
	assert.False(t, ok)
}

func TestSendProgressDoesNotBlock(t *testing.T) {
	d := NewDownloader(testRegistry(&mockPagedSource{}, &mockSource{}), nil, nil, t.TempDir(), 0, nil)
	defer d.Close()

	done := make(chan struct{})
	go func() {
		for i := range 500 {
			d.sendProgress(DownloadProgress{CurrentPage: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sendProgress blocked on a full channel")
	}
}
