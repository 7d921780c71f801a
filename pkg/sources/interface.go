package sources

import (
	"context"
	"strings"

	"github.com/kerbaras/mangashelf/pkg/data"
)

// Source is a remote content provider. Ids it returns are routable back to
// it through a Registry.
//
// Details may leave Chapters nil, in which case callers fetch them with
// Chapters. A non-nil list, even an empty one, is final.
type Source interface {
	ID() string
	BaseURL() string

	Popular(ctx context.Context, page int, genre string) ([]data.Manga, error)
	Search(ctx context.Context, query string) ([]data.Manga, error)
	Details(ctx context.Context, mangaID string) (data.Manga, error)
	Chapters(ctx context.Context, mangaID string) ([]data.Chapter, error)
	Pages(ctx context.Context, chapterID string) ([]data.Page, error)
	ChapterMeta(ctx context.Context, chapterID string) (data.Chapter, error)
}

// ChapterCounter is implemented by sources polled for new chapters. The
// count must match len(Chapters).
type ChapterCounter interface {
	ChapterCount(ctx context.Context, mangaID string) (int, error)
}

// PageServer locates the page images of a chapter: page i lives at
// <BaseURL>/data/<Hash>/<Files[i]>.
type PageServer struct {
	BaseURL string
	Hash    string
	Files   []string
}

func (p *PageServer) PageURL(i int) string {
	return p.BaseURL + "/data/" + p.Hash + "/" + p.Files[i]
}

type PageServerResolver interface {
	PageServer(ctx context.Context, chapterID string) (*PageServer, error)
}

// Registry routes ids to their owning source by prefix only. Ids without a
// registered prefix belong to the default source.
type Registry struct {
	def      Source
	prefixed []prefixedSource
}

type prefixedSource struct {
	prefix string
	source Source
}

func NewRegistry(def Source) *Registry {
	return &Registry{def: def}
}

// Register routes every id starting with prefix to s.
func (r *Registry) Register(prefix string, s Source) *Registry {
	r.prefixed = append(r.prefixed, prefixedSource{prefix: prefix, source: s})
	return r
}

func (r *Registry) Resolve(id string) Source {
	for _, p := range r.prefixed {
		if strings.HasPrefix(id, p.prefix) {
			return p.source
		}
	}
	return r.def
}

func (r *Registry) Default() Source { return r.def }

// Sources returns the prefixed sources in registration order followed by
// the default one.
func (r *Registry) Sources() []Source {
	out := make([]Source, 0, len(r.prefixed)+1)
	for _, p := range r.prefixed {
		out = append(out, p.source)
	}
	return append(out, r.def)
}
