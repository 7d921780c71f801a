package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbaras/mangashelf/pkg/data"
)

type repoFixture struct {
	repo    *Repository
	store   *data.Store
	queue   *data.Queue
	dex     *mockPagedSource
	kc      *mockSource
	dataDir string
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()
	store := newTestStore(t)
	queue := store.Queue(data.QueueOptions{Name: DownloadQueueName})
	dex := &mockPagedSource{mockSource: mockSource{id: "dex"}}
	kc := &mockSource{id: "kc"}
	dir := t.TempDir()
	return &repoFixture{
		repo:    NewRepository(testRegistry(dex, kc), store, queue, dir, nil),
		store:   store,
		queue:   queue,
		dex:     dex,
		kc:      kc,
		dataDir: dir,
	}
}

func chapters(mangaID string, ids ...string) []data.Chapter {
	out := make([]data.Chapter, len(ids))
	for i, id := range ids {
		out[i] = data.Chapter{ID: id, Name: "Chapter " + id, MangaID: mangaID}
	}
	return out
}

func TestRepositoryPopular(t *testing.T) {
	f := newRepoFixture(t)
	f.dex.popularFunc = func(page int, genre string) ([]data.Manga, error) {
		assert.Equal(t, 2, page)
		assert.Equal(t, "action", genre)
		return []data.Manga{{ID: "m1"}}, nil
	}
	f.kc.popularFunc = func(int, string) ([]data.Manga, error) {
		t.Error("scraped source must not be queried for popular")
		return nil, nil
	}

	got, err := f.repo.Popular(context.Background(), 2, "action")
	require.NoError(t, err)
	assert.Equal(t, []data.Manga{{ID: "m1"}}, got)

	f.dex.popularFunc = func(int, string) ([]data.Manga, error) { return nil, errors.New("down") }
	_, err = f.repo.Popular(context.Background(), 1, "")
	var repoErr *Error
	require.ErrorAs(t, err, &repoErr)
	assert.Equal(t, "Failed to load popular manga", repoErr.Msg)
}

func TestRepositorySearch(t *testing.T) {
	ctx := context.Background()

	t.Run("scraped results come first", func(t *testing.T) {
		f := newRepoFixture(t)
		f.dex.searchFunc = func(string) ([]data.Manga, error) {
			return []data.Manga{{ID: "d1"}, {ID: "d2"}}, nil
		}
		f.kc.searchFunc = func(string) ([]data.Manga, error) {
			// finish last to show order does not depend on timing
			time.Sleep(20 * time.Millisecond)
			return []data.Manga{{ID: "kc-1"}}, nil
		}

		got, err := f.repo.Search(ctx, "q")
		require.NoError(t, err)
		var ids []string
		for _, m := range got {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []string{"kc-1", "d1", "d2"}, ids)
	})

	t.Run("one failing source yields the other's results", func(t *testing.T) {
		f := newRepoFixture(t)
		f.dex.searchFunc = func(string) ([]data.Manga, error) { return nil, errors.New("boom") }
		f.kc.searchFunc = func(string) ([]data.Manga, error) {
			return []data.Manga{{ID: "kc-1"}, {ID: "kc-2"}}, nil
		}

		got, err := f.repo.Search(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []data.Manga{{ID: "kc-1"}, {ID: "kc-2"}}, got)
	})

	t.Run("nothing found is an error", func(t *testing.T) {
		f := newRepoFixture(t)
		f.dex.searchFunc = func(string) ([]data.Manga, error) { return nil, errors.New("boom") }

		_, err := f.repo.Search(ctx, "q")
		assert.ErrorIs(t, err, ErrNoResults)
		assert.Equal(t, `No results for "q"`, Message(err))
	})
}

func TestRepositoryDetails(t *testing.T) {
	ctx := context.Background()

	t.Run("merges progress and derives totals", func(t *testing.T) {
		f := newRepoFixture(t)
		f.dex.detailsFunc = func(id string) (data.Manga, error) {
			return data.Manga{ID: id, Title: "T", Chapters: chapters(id, "c1", "c2", "c3")}, nil
		}

		require.NoError(t, f.repo.SaveReadingProgress(ctx, "c1", "m1", "Chapter c1", 9, 10))
		require.NoError(t, f.repo.SaveReadingProgress(ctx, "c2", "m1", "Chapter c2", 4, 10))

		m, err := f.repo.Details(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, m.Chapters, 3)

		assert.True(t, m.Chapters[0].IsRead)
		assert.Equal(t, 9, m.Chapters[0].LastPageRead)
		assert.False(t, m.Chapters[1].IsRead)
		assert.Equal(t, 4, m.Chapters[1].LastPageRead)
		assert.Equal(t, 10, m.Chapters[1].TotalPages)
		assert.False(t, m.Chapters[2].IsRead)
		assert.Zero(t, m.Chapters[2].TotalPages)
		assert.Equal(t, 33, m.TotalProgress)
		assert.False(t, m.IsFavorite)
	})

	t.Run("progress round trip", func(t *testing.T) {
		for _, tc := range []struct{ page, total int }{{0, 5}, {3, 5}, {4, 5}, {5, 5}} {
			f := newRepoFixture(t)
			f.dex.detailsFunc = func(id string) (data.Manga, error) {
				return data.Manga{ID: id, Chapters: chapters(id, "c")}, nil
			}
			require.NoError(t, f.repo.SaveReadingProgress(ctx, "c", "m", "T", tc.page, tc.total))
			m, err := f.repo.Details(ctx, "m")
			require.NoError(t, err)
			assert.Equal(t, tc.page, m.Chapters[0].LastPageRead)
			assert.Equal(t, tc.page >= tc.total-1, m.Chapters[0].IsRead, "page %d of %d", tc.page, tc.total)
		}
	})

	t.Run("no chapters means zero progress", func(t *testing.T) {
		f := newRepoFixture(t)
		m, err := f.repo.Details(ctx, "m1")
		require.NoError(t, err)
		assert.Zero(t, m.TotalProgress)
	})

	t.Run("fetches chapters when the header has none", func(t *testing.T) {
		f := newRepoFixture(t)
		f.kc.detailsFunc = func(id string) (data.Manga, error) { return data.Manga{ID: id}, nil }
		f.kc.chaptersFunc = func(id string) ([]data.Chapter, error) {
			assert.Equal(t, "kc-one", id)
			return chapters(id, "kc-c1", "kc-c2"), nil
		}

		m, err := f.repo.Details(ctx, "kc-one")
		require.NoError(t, err)
		assert.Len(t, m.Chapters, 2)
	})

	t.Run("an empty chapter list from details is final", func(t *testing.T) {
		f := newRepoFixture(t)
		f.dex.detailsFunc = func(id string) (data.Manga, error) {
			return data.Manga{ID: id, Chapters: []data.Chapter{}}, nil
		}
		f.dex.chaptersFunc = func(id string) ([]data.Chapter, error) {
			t.Errorf("chapters refetched for %s", id)
			return nil, nil
		}

		m, err := f.repo.Details(ctx, "m1")
		require.NoError(t, err)
		assert.Empty(t, m.Chapters)
	})

	t.Run("writes the baseline of a library row only", func(t *testing.T) {
		f := newRepoFixture(t)
		f.dex.detailsFunc = func(id string) (data.Manga, error) {
			return data.Manga{ID: id, Chapters: chapters(id, "c1", "c2")}, nil
		}

		_, err := f.repo.Details(ctx, "m1")
		require.NoError(t, err)
		_, err = f.store.GetLibrary(ctx, "m1")
		assert.ErrorIs(t, err, data.ErrNotFound, "details must not create library rows")

		require.NoError(t, f.repo.AddToLibrary(ctx, &data.Manga{ID: "m1", Title: "T"}))
		m, err := f.repo.Details(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, m.IsFavorite)

		rec, err := f.store.GetLibrary(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.ChapterCount)
	})

	t.Run("source failure", func(t *testing.T) {
		f := newRepoFixture(t)
		f.dex.detailsFunc = func(string) (data.Manga, error) { return data.Manga{}, errors.New("boom") }
		_, err := f.repo.Details(ctx, "m1")
		assert.Equal(t, "Failed to load manga details", Message(err))
	})
}

func TestRepositoryChapterPages(t *testing.T) {
	ctx := context.Background()

	t.Run("downloaded pages are read from disk in index order", func(t *testing.T) {
		f := newRepoFixture(t)
		f.dex.pagesFunc = func(string) ([]data.Page, error) {
			t.Error("remote pages must not be fetched for a downloaded chapter")
			return nil, nil
		}
		rel, err := data.ChapterRelPath("m1", "c1")
		require.NoError(t, err)
		dir := filepath.Join(f.dataDir, rel)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for _, name := range []string{"1.jpg", "0.jpg", "x.jpg"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), createTestPNG(), 0o644))
		}
		_, err = f.store.InsertDownload(ctx, &data.DownloadRecord{ChapterID: "c1", MangaID: "m1", StoragePath: rel})
		require.NoError(t, err)

		pages, err := f.repo.ChapterPages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, pages, 3)
		assert.Equal(t, filepath.Join(dir, "0.jpg"), pages[0].ImageURL)
		assert.Equal(t, filepath.Join(dir, "1.jpg"), pages[1].ImageURL)
		assert.Equal(t, filepath.Join(dir, "x.jpg"), pages[2].ImageURL)
		for i, p := range pages {
			assert.Equal(t, i, p.Index)
			assert.True(t, p.Local)
		}
	})

	t.Run("empty download directory falls back to the source", func(t *testing.T) {
		f := newRepoFixture(t)
		rel, _ := data.ChapterRelPath("m1", "c1")
		require.NoError(t, os.MkdirAll(filepath.Join(f.dataDir, rel), 0o755))
		_, err := f.store.InsertDownload(ctx, &data.DownloadRecord{ChapterID: "c1", MangaID: "m1", StoragePath: rel})
		require.NoError(t, err)

		f.dex.pagesFunc = func(id string) ([]data.Page, error) {
			return []data.Page{{Index: 0, ImageURL: "https://x/0.jpg", ChapterID: id}}, nil
		}
		pages, err := f.repo.ChapterPages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, pages, 1)
		assert.False(t, pages[0].Local)
	})

	t.Run("routes by id prefix", func(t *testing.T) {
		f := newRepoFixture(t)
		f.kc.pagesFunc = func(id string) ([]data.Page, error) {
			return []data.Page{{Index: 0, ChapterID: id}, {Index: 1, ChapterID: id}}, nil
		}
		pages, err := f.repo.ChapterPages(ctx, "kc-ch")
		require.NoError(t, err)
		assert.Len(t, pages, 2)
	})
}

func TestRepositoryLibrary(t *testing.T) {
	ctx := context.Background()

	t.Run("remove deletes a row without downloads", func(t *testing.T) {
		f := newRepoFixture(t)
		require.NoError(t, f.repo.AddToLibrary(ctx, &data.Manga{ID: "m1", Title: "T"}))
		require.NoError(t, f.repo.RemoveFromLibrary(ctx, "m1"))
		_, err := f.store.GetLibrary(ctx, "m1")
		assert.ErrorIs(t, err, data.ErrNotFound)
	})

	t.Run("remove keeps the row of a downloaded item", func(t *testing.T) {
		f := newRepoFixture(t)
		require.NoError(t, f.repo.AddToLibrary(ctx, &data.Manga{ID: "m1", Title: "T"}))
		_, err := f.store.InsertDownload(ctx, &data.DownloadRecord{ChapterID: "c1", MangaID: "m1", StoragePath: "p"})
		require.NoError(t, err)

		require.NoError(t, f.repo.RemoveFromLibrary(ctx, "m1"))

		favs, err := f.repo.FavoritesSnapshot(ctx)
		require.NoError(t, err)
		assert.Empty(t, favs)

		lib, err := f.repo.LibrarySnapshot(ctx)
		require.NoError(t, err)
		require.Len(t, lib, 1)
		assert.Equal(t, "T", lib[0].Title)
	})

	t.Run("add overwrites a history placeholder", func(t *testing.T) {
		f := newRepoFixture(t)
		m := &data.Manga{ID: "m1", Title: "T"}
		require.NoError(t, f.repo.UpdateLastRead(ctx, m))

		favs, err := f.repo.FavoritesSnapshot(ctx)
		require.NoError(t, err)
		assert.Empty(t, favs)

		require.NoError(t, f.repo.AddToLibrary(ctx, m))
		assert.True(t, m.IsFavorite)
		favs, err = f.repo.FavoritesSnapshot(ctx)
		require.NoError(t, err)
		require.Len(t, favs, 1)

		hist, err := f.repo.HistorySnapshot(ctx)
		require.NoError(t, err)
		assert.Len(t, hist, 1, "favoriting keeps the last read time")
	})
}

func TestRepositoryHistory(t *testing.T) {
	ctx := context.Background()
	f := newRepoFixture(t)
	clock := time.UnixMilli(1_700_000_000_000)
	f.repo.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	require.NoError(t, f.repo.UpdateLastRead(ctx, &data.Manga{ID: "a", Title: "A"}))
	require.NoError(t, f.repo.UpdateLastRead(ctx, &data.Manga{ID: "b", Title: "B"}))
	require.NoError(t, f.repo.SaveReadingProgress(ctx, "a1", "a", "1", 3, 20))
	require.NoError(t, f.repo.SaveReadingProgress(ctx, "a2", "a", "2", 5, 20))

	hist, err := f.repo.HistorySnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	assert.Equal(t, "a", hist[0].ID, "progress stamps the item as read")
	require.NotNil(t, hist[0].HistoryText)
	assert.Equal(t, "Ch. 2 - Page 5/20 (25%)", *hist[0].HistoryText)
	assert.Equal(t, "b", hist[1].ID)
	assert.Nil(t, hist[1].HistoryText)
}

func TestBuildHistory(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	recs := []*data.LibraryRecord{{MangaID: "x", Title: "X"}, {MangaID: "y", Title: "Y"}}
	progress := []*data.ProgressRecord{
		{ChapterID: "x1", MangaID: "x", ChapterTitle: "One", CurrentPage: 1, TotalPages: 3, LastReadAt: base},
		{ChapterID: "x2", MangaID: "x", ChapterTitle: "Two", CurrentPage: 0, TotalPages: 0, LastReadAt: base.Add(time.Second)},
	}

	out := buildHistory(recs, progress)
	require.Len(t, out, 2)
	require.NotNil(t, out[0].HistoryText)
	assert.Equal(t, "Ch. Two - Page 0/0 (0%)", *out[0].HistoryText)
	assert.Nil(t, out[1].HistoryText)
}

func TestRepositorySaveReadingProgressClamps(t *testing.T) {
	ctx := context.Background()
	f := newRepoFixture(t)

	require.NoError(t, f.repo.SaveReadingProgress(ctx, "c1", "m1", "T", 42, 10))
	list, err := f.repo.ReadingProgress(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 10, list[0].CurrentPage)

	require.NoError(t, f.repo.SaveReadingProgress(ctx, "c1", "m1", "T", -3, 10))
	list, err = f.repo.ReadingProgress(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Zero(t, list[0].CurrentPage)
}

func TestRepositoryStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newRepoFixture(t)

	next := func(ch <-chan []data.Manga) []data.Manga {
		t.Helper()
		select {
		case v, ok := <-ch:
			require.True(t, ok, "stream closed")
			return v
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a snapshot")
			return nil
		}
	}

	favorites := f.repo.Favorites(ctx)
	library := f.repo.Library(ctx)
	assert.Empty(t, next(favorites))
	assert.Empty(t, next(library))

	require.NoError(t, f.repo.AddToLibrary(ctx, &data.Manga{ID: "m1", Title: "T"}))
	favs := next(favorites)
	require.Len(t, favs, 1)
	assert.Equal(t, "m1", favs[0].ID)
	assert.True(t, favs[0].IsFavorite)
	assert.Len(t, next(library), 1)

	_, err := f.store.InsertDownload(ctx, &data.DownloadRecord{ChapterID: "c1", MangaID: "m1", StoragePath: "p"})
	require.NoError(t, err)
	assert.Len(t, next(library), 1)

	history := f.repo.History(ctx)
	assert.Empty(t, next(history))
	require.NoError(t, f.repo.SaveReadingProgress(ctx, "c1", "m1", "1", 1, 2))
	hist := next(history)
	for len(hist) == 0 || hist[0].HistoryText == nil {
		// progress and the last-read stamp are separate writes
		hist = next(history)
	}
	assert.Equal(t, "Ch. 1 - Page 1/2 (50%)", *hist[0].HistoryText)

	cancel()
	for range favorites {
	}
	_, ok := <-favorites
	assert.False(t, ok)
}

func TestRepositoryEnqueueDownload(t *testing.T) {
	ctx := context.Background()
	f := newRepoFixture(t)

	id, err := f.repo.EnqueueDownload(ctx, data.Chapter{ID: "c1", MangaID: "m1", Name: "Ch. 1"})
	require.NoError(t, err)
	_, err = f.repo.EnqueueDownload(ctx, data.Chapter{ID: "c1", MangaID: "m1", Name: "Ch. 1"})
	require.NoError(t, err)

	n, err := f.repo.PendingDownloads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "enqueueing does not deduplicate")

	status, err := f.repo.QueuedDownload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, status.JobID)
	assert.Equal(t, DownloadJob{ChapterID: "c1", MangaID: "m1", ChapterName: "Ch. 1"}, status.DownloadJob)
	assert.Zero(t, status.Attempts)

	_, err = f.repo.QueuedDownload(ctx, "gone")
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestRepositoryRemoveDownload(t *testing.T) {
	ctx := context.Background()
	f := newRepoFixture(t)

	rel, _ := data.ChapterRelPath("m1", "c1")
	dir := filepath.Join(f.dataDir, rel)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0.jpg"), createTestPNG(), 0o644))
	_, err := f.store.InsertDownload(ctx, &data.DownloadRecord{ChapterID: "c1", MangaID: "m1", StoragePath: rel})
	require.NoError(t, err)

	recs, err := f.repo.DownloadedChapters(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, f.repo.RemoveDownload(ctx, "c1"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	err = f.repo.RemoveDownload(ctx, "c1")
	assert.ErrorIs(t, err, data.ErrNotFound)
	assert.Equal(t, filepath.Join(f.dataDir, "downloads"), f.repo.DownloadsDir())
}
