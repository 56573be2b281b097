package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/clock/system"
	"github.com/ragline/ragline/internal/crawl"
	"github.com/ragline/ragline/internal/hash/sha256"
	"github.com/ragline/ragline/internal/id/uuid"
	"github.com/ragline/ragline/internal/ingest"
	"github.com/ragline/ragline/internal/pipeline"
	queuemem "github.com/ragline/ragline/internal/queue/memory"
	"github.com/ragline/ragline/internal/router"
	storagemem "github.com/ragline/ragline/internal/storage/memory"
	storemem "github.com/ragline/ragline/internal/store/memory"
)

type apiWorld struct {
	server *Server
	crawls *storemem.CrawlStore
	docs   *storemem.DocumentStore
	queue  *queuemem.Queue
}

type allowAllRobots struct{}

func (allowAllRobots) Allowed(context.Context, string) bool              { return true }
func (allowAllRobots) CrawlDelay(context.Context, string) time.Duration { return 0 }
func (allowAllRobots) Sitemaps(context.Context, string) []string        { return nil }

type stubFetcher struct{}

func (stubFetcher) Fetch(context.Context, ingest.FetchRequest) (ingest.FetchResponse, error) {
	return ingest.FetchResponse{StatusCode: http.StatusOK, ContentType: "text/html"}, nil
}

func newAPIWorld(t *testing.T, cfg Config) *apiWorld {
	t.Helper()
	crawls := storemem.NewCrawlStore()
	docs := storemem.NewDocumentStore()
	blobs := storagemem.New()
	queue := queuemem.NewQueue(64)
	ids := uuid.NewUUIDGenerator()
	clock := system.New()
	logger := zap.NewNop()

	crawler := crawl.New(
		crawls, docs, blobs, queue,
		stubFetcher{}, nil,
		func(ingest.Crawl) ingest.RobotsPolicy { return allowAllRobots{} },
		sha256.New(), clock, ids,
		crawl.Config{UserAgent: "ragline-test/1.0"},
		logger,
	)
	content := router.New(crawls, docs, queue, ids, clock, logger)
	pl := pipeline.New(docs, queue, clock, nil, logger)

	return &apiWorld{
		server: NewServer(crawls, docs, crawler, content, pl, cfg, logger),
		crawls: crawls,
		docs:   docs,
		queue:  queue,
	}
}

func (w *apiWorld) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	w.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	w := newAPIWorld(t, Config{})

	rec := w.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = w.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartCrawlAcceptsAndSeeds(t *testing.T) {
	t.Parallel()
	w := newAPIWorld(t, Config{})

	rec := w.do(t, http.MethodPost, "/v1/crawls", map[string]any{
		"agent_id":  "agent-1",
		"start_url": "https://docs.example.com/",
		"max_depth": 2,
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	crawlBody, ok := body["crawl"].(map[string]any)
	require.True(t, ok)
	crawlID, _ := crawlBody["id"].(string)
	require.NotEmpty(t, crawlID)
	assert.Equal(t, string(ingest.CrawlStatusRunning), crawlBody["status"])

	// A fetch task was queued for the seed entry.
	assert.Equal(t, 1, w.queue.Len())

	rec = w.do(t, http.MethodGet, "/v1/crawls/"+crawlID+"/progress", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decodeBody(t, rec)
	assert.Equal(t, float64(1), progress["total_entries"])
	assert.Equal(t, float64(1), progress["open_entries"])
}

func TestStartCrawlValidation(t *testing.T) {
	t.Parallel()
	w := newAPIWorld(t, Config{})

	rec := w.do(t, http.MethodPost, "/v1/crawls", map[string]any{"agent_id": "agent-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = w.do(t, http.MethodPost, "/v1/crawls", map[string]any{
		"agent_id":  "agent-1",
		"start_url": "ftp://example.com/archive",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrawlLifecycleTransitions(t *testing.T) {
	t.Parallel()
	w := newAPIWorld(t, Config{})

	rec := w.do(t, http.MethodPost, "/v1/crawls", map[string]any{
		"agent_id":  "agent-1",
		"start_url": "https://docs.example.com/",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	crawlID := decodeBody(t, rec)["crawl"].(map[string]any)["id"].(string)

	rec = w.do(t, http.MethodPost, "/v1/crawls/"+crawlID+"/pause", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = w.do(t, http.MethodPost, "/v1/crawls/"+crawlID+"/pause", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "pause is not repeatable")

	rec = w.do(t, http.MethodPost, "/v1/crawls/"+crawlID+"/resume", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = w.do(t, http.MethodPost, "/v1/crawls/"+crawlID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	c, err := w.crawls.GetCrawl(context.Background(), crawlID)
	require.NoError(t, err)
	assert.Equal(t, ingest.CrawlStatusCancelled, c.Status)
}

func TestGetCrawlNotFound(t *testing.T) {
	t.Parallel()
	w := newAPIWorld(t, Config{})

	rec := w.do(t, http.MethodGet, "/v1/crawls/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteUploadCreatesDocument(t *testing.T) {
	t.Parallel()
	w := newAPIWorld(t, Config{})
	w.docs.PutAgent(ingest.Agent{
		ID:         "agent-1",
		Collection: "agent_1_docs",
	})

	rec := w.do(t, http.MethodPost, "/v1/uploads", map[string]any{
		"agent_id":     "agent-1",
		"storage_path": "uploads/report.pdf",
		"content_type": "application/pdf",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	doc := decodeBody(t, rec)["document"].(map[string]any)
	docID := doc["id"].(string)
	assert.Equal(t, string(ingest.DocTypePDF), doc["document_type"])

	rec = w.do(t, http.MethodGet, "/v1/documents/"+docID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = w.do(t, http.MethodGet, "/v1/documents/"+docID+"/chunks", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouteUploadUnknownContentType(t *testing.T) {
	t.Parallel()
	w := newAPIWorld(t, Config{})
	w.docs.PutAgent(ingest.Agent{ID: "agent-1", Collection: "agent_1_docs"})

	rec := w.do(t, http.MethodPost, "/v1/uploads", map[string]any{
		"agent_id":     "agent-1",
		"storage_path": "uploads/archive.zip",
		"content_type": "application/zip",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()
	w := newAPIWorld(t, Config{APIKey: "secret"})

	rec := w.do(t, http.MethodGet, "/v1/crawls/some-id", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = w.do(t, http.MethodGet, "/v1/crawls/some-id", nil, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "authorized request reaches the handler")

	rec = w.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays unauthenticated")
}
