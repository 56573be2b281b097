package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/clock/system"
	"github.com/ragline/ragline/internal/id/uuid"
	"github.com/ragline/ragline/internal/ingest"
	queuemem "github.com/ragline/ragline/internal/queue/memory"
	storemem "github.com/ragline/ragline/internal/store/memory"
)

type fixture struct {
	router *Router
	crawls *storemem.CrawlStore
	docs   *storemem.DocumentStore
	queue  *queuemem.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		crawls: storemem.NewCrawlStore(),
		docs:   storemem.NewDocumentStore(),
		queue:  queuemem.NewQueue(64),
	}
	f.router = New(f.crawls, f.docs, f.queue, uuid.NewUUIDGenerator(), system.New(), zap.NewNop())
	return f
}

// seed creates a running campaign with one fetched entry over a crawled URL
// of the given content type and returns the route task for it.
func (f *fixture) seed(t *testing.T, contentType string) ingest.Task {
	t.Helper()
	ctx := context.Background()

	f.docs.PutAgent(ingest.Agent{
		ID:            "agent-1",
		Collection:    "agent_1_docs",
		Extraction:    ingest.ExtractMarkdown,
		ChunkStrategy: ingest.ChunkByMarkdown,
		ChunkSize:     512,
		VectorSize:    1536,
	})
	require.NoError(t, f.crawls.CreateCrawl(ctx, ingest.Crawl{
		ID:       "crawl-1",
		AgentID:  "agent-1",
		StartURL: "https://example.com/",
		Status:   ingest.CrawlStatusRunning,
	}))
	_, err := f.crawls.UpsertCrawledURL(ctx, ingest.CrawledURL{
		ID:          "cu-1",
		URL:         "https://example.com/page",
		URLHash:     "hash-1",
		HTTPStatus:  200,
		ContentType: contentType,
		StoragePath: "pages/hash-1/abc.bin",
	})
	require.NoError(t, err)
	created, err := f.crawls.CreateEntry(ctx, ingest.CrawlEntry{
		ID:      "entry-1",
		CrawlID: "crawl-1",
		URL:     "https://example.com/page",
		URLHash: "hash-1",
		Status:  ingest.EntryStatusFetched,
	})
	require.NoError(t, err)
	require.True(t, created)

	task, err := ingest.NewTask(ingest.TaskRouteContent, ingest.RouteContentPayload{
		CrawlID:      "crawl-1",
		EntryID:      "entry-1",
		CrawledURLID: "cu-1",
		AgentID:      "agent-1",
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) pipelineTasks(t *testing.T) []ingest.PipelineStepPayload {
	t.Helper()
	var out []ingest.PipelineStepPayload
	for f.queue.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		task, err := f.queue.Dequeue(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, ingest.TaskPipelineStep, task.Type)
		var payload ingest.PipelineStepPayload
		require.NoError(t, task.DecodePayload(&payload))
		out = append(out, payload)
	}
	return out
}

func TestRouteCreatesDocumentAndStartsPipeline(t *testing.T) {
	f := newFixture(t)
	task := f.seed(t, "text/html")

	require.NoError(t, f.router.HandleRoute(context.Background(), task))

	docs, err := f.docs.ListDocumentsByCrawledURL(context.Background(), "cu-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc := docs[0]
	assert.Equal(t, "agent-1", doc.AgentID)
	assert.Equal(t, ingest.DocTypeHTML, doc.Type)
	assert.Equal(t, ingest.ExtractMarkdown, doc.Extraction)
	assert.Equal(t, ingest.ExtractionPending, doc.Status)
	assert.Equal(t, "pages/hash-1/abc.bin", doc.StoragePath)
	require.Len(t, doc.Pipeline.Steps, 2)
	assert.Equal(t, ingest.StepHTMLToMarkdown, doc.Pipeline.Steps[0].Name)
	assert.Equal(t, ingest.StepMarkdownToQR, doc.Pipeline.Steps[1].Name)

	tasks := f.pipelineTasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, doc.ID, tasks[0].DocumentID)
	assert.Zero(t, tasks[0].StepIndex)

	entry, err := f.crawls.GetEntry(context.Background(), "entry-1")
	require.NoError(t, err)
	assert.Equal(t, ingest.EntryStatusIndexed, entry.Status)

	crawl, err := f.crawls.GetCrawl(context.Background(), "crawl-1")
	require.NoError(t, err)
	assert.Equal(t, 1, crawl.Counters.PagesIndexed)
	assert.Equal(t, ingest.CrawlStatusCompleted, crawl.Status, "last settled entry completes the campaign")
}

func TestRouteRefreshesExistingDocument(t *testing.T) {
	f := newFixture(t)
	task := f.seed(t, "text/html")

	now := time.Now()
	require.NoError(t, f.docs.CreateDocument(context.Background(), ingest.Document{
		ID:           "doc-1",
		AgentID:      "agent-1",
		CrawledURLID: "cu-1",
		Type:         ingest.DocTypeHTML,
		Status:       ingest.ExtractionCompleted,
		Indexed:      true,
		IndexedAt:    &now,
		Pipeline: ingest.PipelineState{
			Status: ingest.StepSuccess,
			Steps: []ingest.PipelineStep{
				{Name: ingest.StepHTMLToMarkdown, Status: ingest.StepSuccess},
				{Name: ingest.StepMarkdownToQR, Status: ingest.StepSuccess},
			},
		},
	}))

	require.NoError(t, f.router.HandleRoute(context.Background(), task))

	doc, err := f.docs.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.False(t, doc.Indexed, "re-crawl restarts processing")
	assert.Nil(t, doc.IndexedAt)
	assert.Equal(t, ingest.ExtractionPending, doc.Status)
	for _, step := range doc.Pipeline.Steps {
		assert.Equal(t, ingest.StepPending, step.Status)
	}

	docs, err := f.docs.ListDocumentsByCrawledURL(context.Background(), "cu-1")
	require.NoError(t, err)
	assert.Len(t, docs, 1, "no second document for the same (url, agent) pair")
}

func TestRouteFansOutToSiblingAgents(t *testing.T) {
	f := newFixture(t)
	task := f.seed(t, "text/html")

	f.docs.PutAgent(ingest.Agent{ID: "agent-2", Collection: "agent_2_docs"})
	require.NoError(t, f.docs.CreateDocument(context.Background(), ingest.Document{
		ID:           "doc-sibling",
		AgentID:      "agent-2",
		CrawledURLID: "cu-1",
		Type:         ingest.DocTypeHTML,
		Status:       ingest.ExtractionCompleted,
		Indexed:      true,
	}))

	require.NoError(t, f.router.HandleRoute(context.Background(), task))

	sibling, err := f.docs.GetDocument(context.Background(), "doc-sibling")
	require.NoError(t, err)
	assert.False(t, sibling.Indexed, "re-crawl reaches every consumer")
	assert.Equal(t, ingest.ExtractionPending, sibling.Status)

	tasks := f.pipelineTasks(t)
	require.Len(t, tasks, 2, "one pipeline start per document")
	ids := []string{tasks[0].DocumentID, tasks[1].DocumentID}
	assert.Contains(t, ids, "doc-sibling")
}

func TestRouteForcesOCRForImages(t *testing.T) {
	f := newFixture(t)
	task := f.seed(t, "image/png")

	require.NoError(t, f.router.HandleRoute(context.Background(), task))

	docs, err := f.docs.ListDocumentsByCrawledURL(context.Background(), "cu-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, ingest.DocTypeImage, docs[0].Type)
	assert.Equal(t, ingest.ExtractOCR, docs[0].Extraction)
	require.Len(t, docs[0].Pipeline.Steps, 2)
	assert.Equal(t, ingest.StepImagesToMarkdown, docs[0].Pipeline.Steps[0].Name)
}

func TestRouteUpload(t *testing.T) {
	f := newFixture(t)
	f.docs.PutAgent(ingest.Agent{ID: "agent-1", Collection: "agent_1_docs"})

	doc, err := f.router.RouteUpload(context.Background(), "agent-1", "uploads/report.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, ingest.DocTypePDF, doc.Type)
	assert.Empty(t, doc.CrawledURLID)
	require.Len(t, doc.Pipeline.Steps, 3)
	assert.Equal(t, ingest.StepPDFToImages, doc.Pipeline.Steps[0].Name)

	tasks := f.pipelineTasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, doc.ID, tasks[0].DocumentID)
}

func TestTypeForContent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		contentType string
		want        ingest.DocumentType
	}{
		{"text/html", ingest.DocTypeHTML},
		{"text/html; charset=utf-8", ingest.DocTypeHTML},
		{"application/xhtml+xml", ingest.DocTypeHTML},
		{"application/pdf", ingest.DocTypePDF},
		{"image/jpeg", ingest.DocTypeImage},
		{"text/markdown", ingest.DocTypeMarkdown},
		{"text/plain", ingest.DocTypeText},
	}
	for _, tc := range cases {
		got, err := TypeForContent(tc.contentType)
		require.NoError(t, err, tc.contentType)
		assert.Equal(t, tc.want, got)
	}

	_, err := TypeForContent("application/zip")
	assert.Error(t, err)
}
