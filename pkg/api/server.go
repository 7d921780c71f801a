package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/services"
	"github.com/kerbaras/mangashelf/pkg/sources"
)

// Server exposes the repository over JSON and server-sent events.
type Server struct {
	repo   *services.Repository
	logger *slog.Logger
	router chi.Router
}

func NewServer(repo *services.Repository, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{repo: repo, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/popular", s.popular)
		r.Get("/search", s.search)
		r.Get("/manga/{id}", s.details)
		r.Get("/manga/{id}/downloads", s.downloads)

		r.Get("/chapters/{id}", s.chapter)
		r.Get("/chapters/{id}/pages", s.pages)
		r.Get("/chapters/{id}/pages/{index}/image", s.pageImage)

		r.Get("/library", s.snapshot(s.repo.LibrarySnapshot))
		r.Get("/favorites", s.snapshot(s.repo.FavoritesSnapshot))
		r.Get("/history", s.snapshot(s.repo.HistorySnapshot))
		r.Post("/library", s.addToLibrary)
		r.Delete("/library/{id}", s.removeFromLibrary)
		r.Post("/history", s.updateLastRead)
		r.Post("/progress", s.saveProgress)

		r.Post("/downloads", s.enqueueDownload)
		r.Get("/downloads/pending", s.pendingDownloads)
		r.Get("/downloads/jobs/{jobId}", s.queuedDownload)
		r.Delete("/downloads/{chapterId}", s.removeDownload)

		r.Get("/events/{view}", s.events)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api: listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("api: stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()))
	})
}

func (s *Server) popular(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	mangas, err := s.repo.Popular(r.Context(), page, r.URL.Query().Get("genre"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(mangas))
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeMessage(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	mangas, err := s.repo.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mangas)
}

func (s *Server) details(w http.ResponseWriter, r *http.Request) {
	manga, err := s.repo.Details(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manga)
}

func (s *Server) chapter(w http.ResponseWriter, r *http.Request) {
	ch, err := s.repo.ChapterMeta(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// pages lists the pages of a chapter. Downloaded pages point back at this
// server instead of a file path.
func (s *Server) pages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pages, err := s.repo.ChapterPages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for i := range pages {
		if pages[i].Local {
			pages[i].ImageURL = fmt.Sprintf("/api/chapters/%s/pages/%d/image", id, pages[i].Index)
		}
	}
	writeJSON(w, http.StatusOK, nonNil(pages))
}

func (s *Server) pageImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeMessage(w, http.StatusBadRequest, "invalid page index")
		return
	}
	pages, err := s.repo.ChapterPages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if index >= len(pages) || !pages[index].Local {
		writeMessage(w, http.StatusNotFound, "page is not downloaded")
		return
	}
	http.ServeFile(w, r, pages[index].ImageURL)
}

func (s *Server) snapshot(load func(context.Context) ([]data.Manga, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mangas, err := load(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(mangas))
	}
}

// addToLibrary favorites the posted item. A body carrying only an id is
// completed from the owning source first.
func (s *Server) addToLibrary(w http.ResponseWriter, r *http.Request) {
	var m data.Manga
	if !decode(w, r, &m) {
		return
	}
	if m.ID == "" {
		writeMessage(w, http.StatusBadRequest, "id is required")
		return
	}
	if m.Title == "" {
		full, err := s.repo.Details(r.Context(), m.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		m = full
	}
	if err := s.repo.AddToLibrary(r.Context(), &m); err != nil {
		s.writeError(w, err)
		return
	}
	m.Chapters = nil
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) removeFromLibrary(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.RemoveFromLibrary(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateLastRead(w http.ResponseWriter, r *http.Request) {
	var m data.Manga
	if !decode(w, r, &m) {
		return
	}
	if m.ID == "" {
		writeMessage(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.repo.UpdateLastRead(r.Context(), &m); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type progressRequest struct {
	ChapterID    string `json:"chapterId"`
	MangaID      string `json:"mangaId"`
	ChapterTitle string `json:"chapterTitle"`
	Page         int    `json:"page"`
	TotalPages   int    `json:"totalPages"`
}

func (s *Server) saveProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ChapterID == "" || req.MangaID == "" {
		writeMessage(w, http.StatusBadRequest, "chapterId and mangaId are required")
		return
	}
	err := s.repo.SaveReadingProgress(r.Context(), req.ChapterID, req.MangaID, req.ChapterTitle, req.Page, req.TotalPages)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enqueueDownload(w http.ResponseWriter, r *http.Request) {
	var ch data.Chapter
	if !decode(w, r, &ch) {
		return
	}
	if ch.ID == "" || ch.MangaID == "" {
		writeMessage(w, http.StatusBadRequest, "id and mangaId are required")
		return
	}
	jobID, err := s.repo.EnqueueDownload(r.Context(), ch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) pendingDownloads(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.PendingDownloads(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

func (s *Server) queuedDownload(w http.ResponseWriter, r *http.Request) {
	status, err := s.repo.QueuedDownload(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) downloads(w http.ResponseWriter, r *http.Request) {
	recs, err := s.repo.DownloadedChapters(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) removeDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.RemoveDownload(r.Context(), chi.URLParam(r, "chapterId")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams a view as server-sent events: one "snapshot" event now
// and one after every change, until the client goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	var stream func(context.Context) <-chan []data.Manga
	view := chi.URLParam(r, "view")
	switch view {
	case "library":
		stream = s.repo.Library
	case "favorites":
		stream = s.repo.Favorites
	case "history":
		stream = s.repo.History
	default:
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("unknown view %q", view))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("api: event stream opened", "view", view)
	for snapshot := range stream(r.Context()) {
		payload, err := json.Marshal(nonNil(snapshot))
		if err != nil {
			s.logger.Error("api: encode snapshot", "view", view, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
	s.logger.Debug("api: event stream closed", "view", view)
}

// --- Helpers ---

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("api: request failed", "error", err)
	}
	writeMessage(w, code, services.Message(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNoResults), errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sources.ErrTransport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
