package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
)

const (
	defaultChapterLimit = 100
	maxChapterLimit     = 1000
	defaultFictionLimit = 18
	maxFictionLimit     = 100
)

// listFictions handles GET /v1/fictions?limit=&offset=. Fictions come back
// most recently updated first, each with its cache progress.
func (s *Server) listFictions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultFictionLimit, maxFictionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.catalog.ListFictions(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, "list fictions", err)
		return
	}
	out := make([]fictionDTO, 0, len(page.Fictions))
	for _, item := range page.Fictions {
		out = append(out, fictionDTO{
			Fiction:    item.Fiction,
			Cached:     item.Progress.Cached,
			Percentage: item.Progress.Percentage(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    page.Total,
		"fictions": out,
	})
}

// deleteFiction handles DELETE /v1/fictions/{fiction_id}.
func (s *Server) deleteFiction(w http.ResponseWriter, r *http.Request) {
	id, err := parseFictionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.catalog.DeleteFiction(r.Context(), id); err != nil {
		s.writeServiceError(w, "delete fiction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// progress handles GET /v1/fictions/{fiction_id}/progress. It returns the
// cached and listed counts plus the cached percentage, 404 for unknown
// fictions, or 400 for malformed IDs.
func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	id, err := parseFictionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.catalog.Progress(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "load progress", err)
		return
	}
	writeJSON(w, http.StatusOK, progressDTO{
		FictionID:  p.FictionID,
		Cached:     p.Cached,
		Total:      p.Total,
		Percentage: p.Percentage(),
	})
}

// chapters handles GET /v1/fictions/{fiction_id}/chapters?limit=&offset=&content=.
// Chapters come back in reading order; bodies are omitted unless content=true.
func (s *Server) chapters(w http.ResponseWriter, r *http.Request) {
	id, err := parseFictionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultChapterLimit, maxChapterLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	withContent := r.URL.Query().Get("content") == "true"

	all, err := s.catalog.Chapters(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "list chapters", err)
		return
	}
	page := paginate(all, limit, offset)
	out := make([]chapterDTO, 0, len(page))
	for _, ch := range page {
		dto := chapterDTO{
			OriginID:  ch.OriginID,
			Title:     ch.Title,
			Order:     ch.Order,
			SourceURL: ch.SourceURL,
			CachedAt:  ch.CachedAt,
		}
		if withContent {
			dto.Content = ch.Content
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(all),
		"chapters": out,
	})
}

func parseFictionID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "fiction_id")
	if raw == "" {
		return 0, errors.New("fiction_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid fiction_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func paginate(in []fiction.CachedChapter, limit, offset int) []fiction.CachedChapter {
	if offset >= len(in) {
		return nil
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}
