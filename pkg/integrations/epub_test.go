package integrations

import (
	"archive/zip"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbaras/mangashelf/pkg/data"
)

// 1x1 lossless webp
const webpPage = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

func createTestImage(t *testing.T, dir string, filename string) {
	t.Helper()

	// Create a simple 1x1 PNG
	pngData := []byte{
		0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, // PNG signature
		0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52, // IHDR chunk
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, // 1x1 dimensions
		0x08, 0x02, 0x00, 0x00, 0x00, 0x90, 0x77, 0x53,
		0xDE, 0x00, 0x00, 0x00, 0x0C, 0x49, 0x44, 0x41, // IDAT chunk
		0x54, 0x08, 0x99, 0x63, 0xF8, 0x0F, 0x00, 0x00,
		0x01, 0x01, 0x00, 0x05, 0x18, 0x0D, 0xA3, 0xD2,
		0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, // IEND chunk
		0xAE, 0x42, 0x60, 0x82,
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), pngData, 0o644))
}

func createWebPImage(t *testing.T, dir string, filename string) {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(webpPage)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), raw, 0o644))
}

func epubEntries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

func images(entries []string) []string {
	var out []string
	for _, name := range entries {
		if strings.Contains(name, "/images/") {
			out = append(out, filepath.Base(name))
		}
	}
	return out
}

func TestExport(t *testing.T) {
	t.Run("one section per chapter", func(t *testing.T) {
		outputDir := t.TempDir()
		root := t.TempDir()
		ch1 := filepath.Join(root, "ch1")
		ch2 := filepath.Join(root, "ch2")
		createTestImage(t, ch1, "0.jpg")
		createTestImage(t, ch1, "1.jpg")
		createWebPImage(t, ch2, "0.jpg")

		builder := NewEPubBuilder(outputDir, nil)
		path, err := builder.Export(
			data.Manga{ID: "m1", Title: "Test: Manga", Author: "Oda", Description: "Pirates"},
			[]ExportChapter{{ID: "c1", Name: "Ch. 1", Dir: ch1}, {ID: "c2", Name: "Ch. 2", Dir: ch2}},
		)
		require.NoError(t, err)

		assert.Equal(t, outputDir, filepath.Dir(path))
		assert.Equal(t, "Test_ Manga.epub", filepath.Base(path))
		assert.ElementsMatch(t, []string{"c0000-p0000.png", "c0000-p0001.png", "c0001-p0000.webp"},
			images(epubEntries(t, path)))
	})

	t.Run("unreadable pages are skipped", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "ch")
		createTestImage(t, dir, "0.jpg")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "1.jpg"), []byte("<html>403</html>"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "2.jpg.part"), []byte("partial"), 0o644))

		path, err := NewEPubBuilder(t.TempDir(), nil).Export(data.Manga{ID: "m1"},
			[]ExportChapter{{ID: "c1", Dir: dir}})
		require.NoError(t, err)
		assert.Equal(t, "m1.epub", filepath.Base(path), "the id stands in for a missing title")
		assert.Equal(t, []string{"c0000-p0000.png"}, images(epubEntries(t, path)))
	})

	t.Run("no chapters", func(t *testing.T) {
		_, err := NewEPubBuilder(t.TempDir(), nil).Export(data.Manga{ID: "m1", Title: "Empty"}, nil)
		assert.Error(t, err)
	})

	t.Run("no readable pages", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "0.jpg"), []byte("junk"), 0o644))
		_, err := NewEPubBuilder(t.TempDir(), nil).Export(data.Manga{ID: "m1", Title: "Junk"},
			[]ExportChapter{{ID: "c1", Dir: dir}})
		assert.ErrorIs(t, err, ErrNoPages)
	})

	t.Run("missing chapter directory", func(t *testing.T) {
		_, err := NewEPubBuilder(t.TempDir(), nil).Export(data.Manga{ID: "m1", Title: "Gone"},
			[]ExportChapter{{ID: "c1", Dir: filepath.Join(t.TempDir(), "nope")}})
		assert.Error(t, err)
	})
}

func TestChaptersFromDownloads(t *testing.T) {
	now := time.Now()
	recs := []*data.DownloadRecord{
		{ChapterID: "x", ChapterName: "X", StoragePath: "downloads/m/x", DownloadedAt: now},
		{ChapterID: "b", ChapterName: "B", StoragePath: "downloads/m/b", DownloadedAt: now},
		{ChapterID: "a", ChapterName: "A", StoragePath: "downloads/m/a", DownloadedAt: now},
	}
	order := []data.Chapter{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	got := ChaptersFromDownloads("/data", recs, order)
	require.Len(t, got, 3)
	assert.Equal(t, ExportChapter{ID: "a", Name: "A", Dir: filepath.Join("/data", "downloads/m/a")}, got[0])
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "x", got[2].ID, "unknown chapters go last")
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"Plain":         "Plain",
		"a/b\\c:d":      "a_b_c_d",
		"  ..dots..  ":  "dots",
		"Who?<What>|\"": "Who__What___",
		"...":           "manga",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeFilename(in), in)
	}
}
