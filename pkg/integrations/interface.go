package integrations

import "github.com/kerbaras/mangashelf/pkg/data"

// ExportChapter is a downloaded chapter whose page images live in Dir.
type ExportChapter struct {
	ID   string
	Name string
	Dir  string
}

// Exporter bundles downloaded chapters of manga into a single file and
// returns its path.
type Exporter interface {
	Export(manga data.Manga, chapters []ExportChapter) (string, error)
}
