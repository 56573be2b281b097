package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Recording after Init must not panic.
	RecordPage("fetched")
	RecordPage("skipped")
	AddBytes(1024)
	ObserveStep("html_to_markdown", "success", 50*time.Millisecond)
	RecordVectorOp("upsert", "ok")
	RecordEmbedding()
	RecordChunkIndexed()
	RecordDocument("indexed")
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	RecordPage("fetched")

	srv := httptest.NewServer(Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecordBeforeInitDoesNotPanic(t *testing.T) {
	// Collectors are nil-guarded; package users may record before Init in
	// tests that never wire the ops server.
	RecordPage("error")
	AddBytes(0)
}
