package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/serial-crawler/internal/catalog"
	"github.com/JakeFAU/serial-crawler/internal/config"
	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/metrics"
)

// Catalog is the slice of the catalog service the API drives.
type Catalog interface {
	Search(ctx context.Context, name string) []fiction.SearchResult
	RegisterFiction(ctx context.Context, f fiction.Fiction) (fiction.Fiction, error)
	Refresh(ctx context.Context, fictionID int64) (catalog.RefreshResult, error)
	Progress(ctx context.Context, fictionID int64) (fiction.Progress, error)
	Chapters(ctx context.Context, fictionID int64) ([]fiction.CachedChapter, error)
	ListFictions(ctx context.Context, limit, offset int) (catalog.FictionPage, error)
	DeleteFiction(ctx context.Context, fictionID int64) error
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the catalog and adapter config store.
type Server struct {
	router   chi.Router
	catalog  Catalog
	adapters fiction.AdapterConfigStore
	ready    ReadyFunc
	cfg      config.Config
	logger   *zap.Logger
}

const defaultRequestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	svc Catalog,
	adapters fiction.AdapterConfigStore,
	ready ReadyFunc,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		catalog:  svc,
		adapters: adapters,
		ready:    ready,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	timeout := defaultRequestTimeout
	if cfg.Server.RequestTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/search", s.search)
		r.Route("/fictions", func(r chi.Router) {
			r.Get("/", s.listFictions)
			r.Post("/", s.registerFiction)
			r.Route("/{fiction_id}", func(r chi.Router) {
				r.Delete("/", s.deleteFiction)
				r.Post("/refresh", s.refresh)
				r.Get("/progress", s.progress)
				r.Get("/chapters", s.chapters)
			})
		})
		r.Route("/adapters", func(r chi.Router) {
			r.Get("/", s.listAdapters)
			r.Put("/{adapter_name}", s.updateAdapter)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchRequest struct {
	Name string `json:"name"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	results := s.catalog.Search(r.Context(), name)
	if results == nil {
		results = []fiction.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) registerFiction(w http.ResponseWriter, r *http.Request) {
	var req fiction.Fiction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.ID = 0
	req.ChaptersTotal = 0
	f, err := s.catalog.RegisterFiction(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "register fiction", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"fiction": f})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	id, err := parseFictionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.catalog.Refresh(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "refresh fiction", err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

type adapterUpdateRequest struct {
	Domain  string `json:"domain"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) listAdapters(w http.ResponseWriter, r *http.Request) {
	configs, err := s.adapters.AdapterConfigs(r.Context(), false)
	if err != nil {
		s.writeServiceError(w, "list adapters", err)
		return
	}
	if configs == nil {
		configs = []fiction.AdapterConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": configs})
}

// updateAdapter edits a config row. Running processes keep the registry they
// were built with; the change applies on the next start.
func (s *Server) updateAdapter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "adapter_name")
	var req adapterUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled required")
		return
	}
	if err := s.adapters.UpdateAdapterConfig(r.Context(), name, req.Domain, *req.Enabled); err != nil {
		s.writeServiceError(w, "update adapter", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"adapter_name": name,
		"domain":       req.Domain,
		"enabled":      *req.Enabled,
	})
}

func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, fiction.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fiction.ErrUnknownSite):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, fiction.ErrListingFailed):
		s.logger.Warn("Upstream listing failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
