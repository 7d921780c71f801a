package data

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DownloadsDirName is the directory under the data directory holding
// downloaded chapters as downloads/<mangaID>/<chapterID>/<index>.jpg.
const DownloadsDirName = "downloads"

const pageExt = ".jpg"

// ValidateID rejects ids that cannot be used as a single path segment.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

// ChapterRelPath is the storage path of a chapter relative to the data
// directory.
func ChapterRelPath(mangaID, chapterID string) (string, error) {
	if err := ValidateID(mangaID); err != nil {
		return "", err
	}
	if err := ValidateID(chapterID); err != nil {
		return "", err
	}
	return filepath.Join(DownloadsDirName, mangaID, chapterID), nil
}

// PageFileName returns the file name of page index.
func PageFileName(index int) string {
	return strconv.Itoa(index) + pageExt
}

// OrderedPageFiles lists the regular files of dir ordered by the integer
// parsed from their base name. Names that do not parse come last, by name.
func OrderedPageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type pageFile struct {
		name  string
		index int
		ok    bool
	}
	files := make([]pageFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		name := e.Name()
		n, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
		files = append(files, pageFile{name: name, index: n, ok: err == nil})
	}

	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.ok != b.ok {
			return a.ok
		}
		if a.ok && a.index != b.index {
			return a.index < b.index
		}
		return a.name < b.name
	})

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = filepath.Join(dir, f.name)
	}
	return out, nil
}
