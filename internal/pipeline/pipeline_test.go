package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/clock/system"
	embedmock "github.com/ragline/ragline/internal/embed/mock"
	"github.com/ragline/ragline/internal/hash/sha256"
	"github.com/ragline/ragline/internal/id/uuid"
	"github.com/ragline/ragline/internal/ingest"
	queuemem "github.com/ragline/ragline/internal/queue/memory"
	storagemem "github.com/ragline/ragline/internal/storage/memory"
	storemem "github.com/ragline/ragline/internal/store/memory"
	"github.com/ragline/ragline/internal/vectorsync"
	vectormem "github.com/ragline/ragline/internal/vectorstore/memory"
)

const sampleHTML = `<html><body>
<h1>Install Guide</h1>
<p>Download the binary and place it on your PATH. Verify the checksum
before running it in production environments.</p>
<h2>Configuration</h2>
<p>The service reads its settings from environment variables. Every value
has a default suitable for local development.</p>
</body></html>`

type pipelineWorld struct {
	orch  *Orchestrator
	docs  *storemem.DocumentStore
	blobs *storagemem.BlobStore
	index *vectormem.Index
	embed *embedmock.Embedder
	queue *queuemem.Queue
	pub   *capturePublisher
}

type capturePublisher struct {
	topics   []string
	payloads []any
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return fmt.Sprintf("msg-%d", len(p.topics)), nil
}

func newPipelineWorld(t *testing.T) *pipelineWorld {
	t.Helper()
	w := &pipelineWorld{
		docs:  storemem.NewDocumentStore(),
		blobs: storagemem.New(),
		index: vectormem.New(),
		embed: embedmock.New(8),
		queue: queuemem.NewQueue(64),
		pub:   &capturePublisher{},
	}
	ids := uuid.NewUUIDGenerator()
	syncer := vectorsync.New(w.docs, w.index, w.embed, ids, zap.NewNop())
	chunkEmbed, err := NewChunkEmbed(w.docs, w.blobs, w.index, w.embed, syncer, sha256.New(), ids, 2, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(chunkEmbed.Release)

	w.orch = New(w.docs, w.queue, system.New(), w.pub, zap.NewNop(),
		NewHTMLToMarkdown(w.blobs),
		NewImagesToMarkdown(w.blobs, nil),
		chunkEmbed,
	)
	return w
}

// seedHTMLDocument stores sample HTML and a pending two-step document.
func (w *pipelineWorld) seedHTMLDocument(t *testing.T) ingest.Document {
	t.Helper()
	ctx := context.Background()
	w.docs.PutAgent(ingest.Agent{
		ID:            "agent-1",
		Collection:    "agent_1_docs",
		ChunkStrategy: ingest.ChunkByMarkdown,
		ChunkSize:     200,
		VectorSize:    8,
	})
	_, err := w.blobs.Put(ctx, "pages/h/abc.html", "text/html", []byte(sampleHTML))
	require.NoError(t, err)
	doc := ingest.Document{
		ID:            "doc-1",
		AgentID:       "agent-1",
		SourceURL:     "https://example.com/guide",
		StoragePath:   "pages/h/abc.html",
		Type:          ingest.DocTypeHTML,
		Extraction:    ingest.ExtractMarkdown,
		ChunkStrategy: ingest.ChunkByMarkdown,
		Status:        ingest.ExtractionPending,
		Pipeline: ingest.PipelineState{
			Status: ingest.StepPending,
			Steps: []ingest.PipelineStep{
				{Name: ingest.StepHTMLToMarkdown, Status: ingest.StepPending},
				{Name: ingest.StepMarkdownToQR, Status: ingest.StepPending},
			},
		},
	}
	require.NoError(t, w.docs.CreateDocument(ctx, doc))
	return doc
}

func (w *pipelineWorld) stepTask(t *testing.T, docID string, index int) ingest.Task {
	t.Helper()
	task, err := ingest.NewTask(ingest.TaskPipelineStep, ingest.PipelineStepPayload{
		DocumentID: docID,
		StepIndex:  index,
	})
	require.NoError(t, err)
	return task
}

// runAll drains the queue, executing every pipeline step task.
func (w *pipelineWorld) runAll(t *testing.T) {
	t.Helper()
	for w.queue.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		task, err := w.queue.Dequeue(ctx)
		cancel()
		require.NoError(t, err)
		require.NoError(t, w.orch.HandleStep(context.Background(), task))
	}
}

func TestPipelineHTMLToIndexed(t *testing.T) {
	w := newPipelineWorld(t)
	w.seedHTMLDocument(t)
	ctx := context.Background()

	require.NoError(t, w.orch.HandleStep(ctx, w.stepTask(t, "doc-1", 0)))
	w.runAll(t)

	doc, err := w.docs.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, ingest.ExtractionCompleted, doc.Status)
	assert.True(t, doc.Indexed)
	require.NotNil(t, doc.IndexedAt)
	assert.Equal(t, ingest.StepSuccess, doc.Pipeline.Status)
	require.NotNil(t, doc.Pipeline.CompletedAt)

	first := doc.Pipeline.Steps[0]
	assert.Equal(t, ingest.StepSuccess, first.Status)
	assert.Equal(t, "html-to-markdown", first.Tool)
	assert.NotEmpty(t, first.OutputPath)
	assert.Contains(t, first.InputSummary, doc.StoragePath)

	second := doc.Pipeline.Steps[1]
	assert.Equal(t, ingest.StepSuccess, second.Status)
	assert.Contains(t, second.InputSummary, first.OutputPath)

	chunks, err := w.docs.ListChunks(ctx, "doc-1")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, len(chunks), doc.ChunkCount)
	for _, chunk := range chunks {
		assert.True(t, chunk.Useful)
		assert.True(t, chunk.Indexed)
		require.Len(t, chunk.VectorPointIDs, 1)
		assert.NotEmpty(t, chunk.ContentHash)
		assert.Positive(t, chunk.TokenEstimate)
	}
	assert.Len(t, w.index.Points("agent_1_docs"), len(chunks))

	require.Len(t, w.pub.topics, 1)
	assert.Equal(t, IndexedTopic, w.pub.topics[0])
	event, ok := w.pub.payloads[0].(IndexedEvent)
	require.True(t, ok)
	assert.Equal(t, "doc-1", event.DocumentID)
	assert.Equal(t, len(chunks), event.ChunkCount)
}

func TestPipelineTerminalStepFailureLeavesDocumentUnindexed(t *testing.T) {
	w := newPipelineWorld(t)
	doc := w.seedHTMLDocument(t)
	ctx := context.Background()

	// Break the terminal step only: every embedding call fails.
	w.embed.EmbedFunc = func(context.Context, string) ([]float32, error) {
		return nil, fmt.Errorf("provider unavailable")
	}

	require.NoError(t, w.orch.HandleStep(ctx, w.stepTask(t, doc.ID, 0)))
	w.runAll(t)

	doc, err := w.docs.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StepSuccess, doc.Pipeline.Steps[0].Status)
	assert.Equal(t, ingest.StepSuccess, doc.Pipeline.Steps[1].Status, "embed failures are per-chunk, not a step crash")
	assert.False(t, doc.Indexed, "fatal chunk errors keep the document unindexed")

	chunks, err := w.docs.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.False(t, chunk.Indexed)
		assert.False(t, chunk.Useful)
		assert.Empty(t, chunk.VectorPointIDs)
	}
}

func TestPipelineStepErrorRecordedAndNotAdvanced(t *testing.T) {
	w := newPipelineWorld(t)
	doc := w.seedHTMLDocument(t)
	ctx := context.Background()

	// Remove the agent's collection so the terminal step itself errors.
	w.docs.PutAgent(ingest.Agent{ID: "agent-1", VectorSize: 8})

	require.NoError(t, w.orch.HandleStep(ctx, w.stepTask(t, doc.ID, 0)))

	// Next queued task is the terminal step; it must fail.
	dctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	task, err := w.queue.Dequeue(dctx)
	cancel()
	require.NoError(t, err)
	require.Error(t, w.orch.HandleStep(ctx, task))

	doc, err = w.docs.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StepSuccess, doc.Pipeline.Steps[0].Status)
	assert.Equal(t, ingest.StepError, doc.Pipeline.Steps[1].Status)
	assert.NotEmpty(t, doc.Pipeline.Steps[1].ErrorMessage)
	assert.Equal(t, ingest.ExtractionFailed, doc.Status)
	assert.False(t, doc.Indexed)
	assert.Zero(t, w.queue.Len(), "an errored step never dispatches a successor")
}

func TestPipelineTerminalStepIsIdempotent(t *testing.T) {
	w := newPipelineWorld(t)
	doc := w.seedHTMLDocument(t)
	ctx := context.Background()

	require.NoError(t, w.orch.HandleStep(ctx, w.stepTask(t, doc.ID, 0)))
	w.runAll(t)

	first, err := w.docs.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	firstCount := first.ChunkCount

	// Re-run the terminal step on the same Markdown.
	require.NoError(t, w.orch.HandleStep(ctx, w.stepTask(t, doc.ID, 1)))

	second, err := w.docs.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, firstCount, second.ChunkCount)

	chunks, err := w.docs.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, firstCount, "no duplicate (document, index) rows")
	seen := make(map[int]bool)
	for _, chunk := range chunks {
		assert.False(t, seen[chunk.Index])
		seen[chunk.Index] = true
	}
	assert.Len(t, w.index.Points("agent_1_docs"), firstCount, "old points removed before re-upsert")
	assert.NotEmpty(t, w.index.DeleteCalls(), "re-run cleans up the previous run's points")
}

func TestPipelineManualAdvance(t *testing.T) {
	w := newPipelineWorld(t)
	doc := w.seedHTMLDocument(t)
	ctx := context.Background()

	doc.ManualAdvance = true
	require.NoError(t, w.docs.UpdateDocument(ctx, doc))

	require.NoError(t, w.orch.HandleStep(ctx, w.stepTask(t, doc.ID, 0)))
	assert.Zero(t, w.queue.Len(), "manual documents stop after each step")

	require.NoError(t, w.orch.Advance(ctx, doc.ID))
	assert.Equal(t, 1, w.queue.Len())
	w.runAll(t)

	doc, err := w.docs.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, doc.Indexed)
}

func TestPipelineRejectsOutOfOrderStep(t *testing.T) {
	w := newPipelineWorld(t)
	doc := w.seedHTMLDocument(t)
	ctx := context.Background()

	err := w.orch.HandleStep(ctx, w.stepTask(t, doc.ID, 1))
	require.Error(t, err, "step one cannot run before step zero succeeded")

	doc, getErr := w.docs.GetDocument(ctx, doc.ID)
	require.NoError(t, getErr)
	assert.Equal(t, ingest.StepPending, doc.Pipeline.Steps[1].Status)
}

func TestPipelineUnknownStepExecutor(t *testing.T) {
	w := newPipelineWorld(t)
	ctx := context.Background()
	w.docs.PutAgent(ingest.Agent{ID: "agent-1", Collection: "c", VectorSize: 8})
	require.NoError(t, w.docs.CreateDocument(ctx, ingest.Document{
		ID:      "doc-x",
		AgentID: "agent-1",
		Pipeline: ingest.PipelineState{
			Steps: []ingest.PipelineStep{{Name: "no_such_step", Status: ingest.StepPending}},
		},
	}))

	err := w.orch.HandleStep(ctx, w.stepTask(t, "doc-x", 0))
	require.Error(t, err)

	doc, getErr := w.docs.GetDocument(ctx, "doc-x")
	require.NoError(t, getErr)
	assert.Equal(t, ingest.StepError, doc.Pipeline.Steps[0].Status)
}

func TestSplitChunksFiltersEmptyPieces(t *testing.T) {
	t.Parallel()

	pieces, err := splitChunks(ingest.ChunkByMarkdown, "# Heading\n\nBody text under the heading.\n\n\n", 100)
	require.NoError(t, err)
	require.NotEmpty(t, pieces)
	for _, piece := range pieces {
		assert.NotEmpty(t, piece)
		assert.Equal(t, piece, strings.TrimSpace(piece))
	}
}
