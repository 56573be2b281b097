// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/crawl"
	"github.com/ragline/ragline/internal/ingest"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/router"
)

// Config controls server defaults applied to incoming requests.
type Config struct {
	APIKey          string
	RequestTimeout  time.Duration
	MaxDepthDefault int
	MaxPagesDefault int
	DelayDefault    time.Duration
}

// Server wires HTTP handlers to the orchestrators and stores.
type Server struct {
	mux      chi.Router
	crawls   ingest.CrawlStore
	docs     ingest.DocumentStore
	crawler  *crawl.Orchestrator
	content  *router.Router
	pipeline *pipeline.Orchestrator
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	crawls ingest.CrawlStore,
	docs ingest.DocumentStore,
	crawler *crawl.Orchestrator,
	content *router.Router,
	pl *pipeline.Orchestrator,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxDepthDefault <= 0 {
		cfg.MaxDepthDefault = 3
	}
	if cfg.MaxPagesDefault <= 0 {
		cfg.MaxPagesDefault = 500
	}
	if cfg.DelayDefault <= 0 {
		cfg.DelayDefault = time.Second
	}
	s := &Server{
		crawls:   crawls,
		docs:     docs,
		crawler:  crawler,
		content:  content,
		pipeline: pl,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Route("/{crawl_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Get("/progress", s.getCrawlProgress)
				r.Post("/pause", s.pauseCrawl)
				r.Post("/resume", s.resumeCrawl)
				r.Post("/cancel", s.cancelCrawl)
			})
		})
		r.Post("/uploads", s.routeUpload)
		r.Route("/documents/{document_id}", func(r chi.Router) {
			r.Get("/", s.getDocument)
			r.Get("/chunks", s.listChunks)
			r.Post("/advance", s.advanceDocument)
		})
	})

	s.mux = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.crawls.CountEntries(r.Context(), "readiness-probe"); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startCrawlRequest struct {
	AgentID         string            `json:"agent_id"`
	StartURL        string            `json:"start_url"`
	MaxDepth        *int              `json:"max_depth"`
	MaxPages        *int              `json:"max_pages"`
	DelayMs         *int64            `json:"delay_ms"`
	AllowedDomains  []string          `json:"allowed_domains"`
	IncludePatterns []string          `json:"include_patterns"`
	ExcludePatterns []string          `json:"exclude_patterns"`
	PatternMode     string            `json:"pattern_mode"`
	RespectRobots   *bool             `json:"respect_robots"`
	Auth            *ingest.FetchAuth `json:"auth"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AgentID == "" || req.StartURL == "" {
		writeError(w, http.StatusBadRequest, "agent_id and start_url are required")
		return
	}
	spec := ingest.Crawl{
		AgentID:         req.AgentID,
		StartURL:        req.StartURL,
		MaxDepth:        valueOrDefault(req.MaxDepth, s.cfg.MaxDepthDefault),
		MaxPages:        valueOrDefault(req.MaxPages, s.cfg.MaxPagesDefault),
		Delay:           s.cfg.DelayDefault,
		AllowedDomains:  req.AllowedDomains,
		IncludePatterns: req.IncludePatterns,
		ExcludePatterns: req.ExcludePatterns,
		PatternMode:     ingest.PatternMode(req.PatternMode),
		RespectRobots:   valueOrDefault(req.RespectRobots, true),
		Auth:            req.Auth,
	}
	if req.DelayMs != nil {
		spec.Delay = time.Duration(*req.DelayMs) * time.Millisecond
	}
	started, err := s.crawler.Start(r.Context(), spec)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"crawl": started})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	c, err := s.crawls.GetCrawl(r.Context(), crawlID)
	if err != nil {
		writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl": c})
}

func (s *Server) getCrawlProgress(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	c, err := s.crawls.GetCrawl(r.Context(), crawlID)
	if err != nil {
		writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	total, err := s.crawls.CountEntries(r.Context(), crawlID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count entries")
		return
	}
	open, err := s.crawls.CountOpenEntries(r.Context(), crawlID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count open entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"crawl_id":      crawlID,
		"status":        c.Status,
		"counters":      c.Counters,
		"total_entries": total,
		"open_entries":  open,
	})
}

func (s *Server) pauseCrawl(w http.ResponseWriter, r *http.Request) {
	s.transitionCrawl(w, r, s.crawler.Pause, ingest.CrawlStatusPaused)
}

func (s *Server) resumeCrawl(w http.ResponseWriter, r *http.Request) {
	s.transitionCrawl(w, r, s.crawler.Resume, ingest.CrawlStatusRunning)
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	s.transitionCrawl(w, r, s.crawler.Cancel, ingest.CrawlStatusCancelled)
}

func (s *Server) transitionCrawl(
	w http.ResponseWriter,
	r *http.Request,
	transition func(context.Context, string) error,
	target ingest.CrawlStatus,
) {
	crawlID := chi.URLParam(r, "crawl_id")
	if err := transition(r.Context(), crawlID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"crawl_id": crawlID,
		"status":   string(target),
	})
}

type uploadRequest struct {
	AgentID     string `json:"agent_id"`
	StoragePath string `json:"storage_path"`
	ContentType string `json:"content_type"`
}

func (s *Server) routeUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AgentID == "" || req.StoragePath == "" || req.ContentType == "" {
		writeError(w, http.StatusBadRequest, "agent_id, storage_path, and content_type are required")
		return
	}
	doc, err := s.content.RouteUpload(r.Context(), req.AgentID, req.StoragePath, req.ContentType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"document": doc})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "document_id")
	doc, err := s.docs.GetDocument(r.Context(), docID)
	if err != nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

func (s *Server) listChunks(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "document_id")
	if _, err := s.docs.GetDocument(r.Context(), docID); err != nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	chunks, err := s.docs.ListChunks(r.Context(), docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list chunks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": docID,
		"chunks":      chunks,
	})
}

func (s *Server) advanceDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "document_id")
	if err := s.pipeline.Advance(r.Context(), docID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": docID})
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already written; an encode failure here has nowhere to go.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
