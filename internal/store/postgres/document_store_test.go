package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/ingest"
)

func newDocumentStore(t *testing.T) (*DocumentStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func documentRowColumns() []string {
	return []string{
		"id", "agent_id", "crawled_url_id", "source_url", "storage_path",
		"document_type", "extraction_method", "chunk_strategy", "extraction_status",
		"pipeline", "chunk_count", "is_indexed", "indexed_at", "manual_advance",
	}
}

func TestGetDocumentUnmarshalsPipeline(t *testing.T) {
	t.Parallel()

	store, mock := newDocumentStore(t)
	now := time.Unix(1700000000, 0).UTC()

	pipeline := []byte(`{"status":"success","steps":[` +
		`{"step_name":"html_to_markdown","status":"success"},` +
		`{"step_name":"markdown_to_qr","status":"success"}]}`)

	rows := pgxmock.NewRows(documentRowColumns()).AddRow(
		"doc-1", "agent-1", "cu-1", "https://example.com", "raw/doc-1.html",
		ingest.DocTypeHTML, ingest.ExtractMarkdown, ingest.ChunkByMarkdown, ingest.ExtractionCompleted,
		pipeline, 4, true, &now, false,
	)

	mock.ExpectQuery("FROM documents WHERE id").
		WithArgs("doc-1").
		WillReturnRows(rows)

	doc, err := store.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Equal(t, ingest.StepSuccess, doc.Pipeline.Status)
	require.Len(t, doc.Pipeline.Steps, 2)
	require.Equal(t, "html_to_markdown", doc.Pipeline.Steps[0].Name)
	require.True(t, doc.Indexed)
	require.NotNil(t, doc.IndexedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDocumentMissReturnsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newDocumentStore(t)

	mock.ExpectQuery("FROM documents WHERE crawled_url_id").
		WithArgs("cu-1", "agent-2").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.FindDocument(context.Background(), "cu-1", "agent-2")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDocumentsByCrawledURL(t *testing.T) {
	t.Parallel()

	store, mock := newDocumentStore(t)

	rows := pgxmock.NewRows(documentRowColumns()).
		AddRow(
			"doc-1", "agent-1", "cu-1", "https://example.com", "raw/doc-1.html",
			ingest.DocTypeHTML, ingest.ExtractMarkdown, ingest.ChunkByMarkdown, ingest.ExtractionPending,
			[]byte(`{}`), 0, false, nil, false,
		).
		AddRow(
			"doc-2", "agent-2", "cu-1", "https://example.com", "raw/doc-1.html",
			ingest.DocTypeHTML, ingest.ExtractMarkdown, ingest.ChunkBySize, ingest.ExtractionPending,
			[]byte(`{}`), 0, false, nil, false,
		)

	mock.ExpectQuery("FROM documents WHERE crawled_url_id").
		WithArgs("cu-1").
		WillReturnRows(rows)

	docs, err := store.ListDocumentsByCrawledURL(context.Background(), "cu-1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "agent-1", docs[0].AgentID)
	require.Equal(t, "agent-2", docs[1].AgentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDocumentPersistsPipeline(t *testing.T) {
	t.Parallel()

	store, mock := newDocumentStore(t)

	doc := ingest.Document{
		ID:            "doc-1",
		AgentID:       "agent-1",
		Type:          ingest.DocTypeHTML,
		Extraction:    ingest.ExtractMarkdown,
		ChunkStrategy: ingest.ChunkByMarkdown,
		Status:        ingest.ExtractionProcessing,
		Pipeline: ingest.PipelineState{
			Status: ingest.StepRunning,
			Steps:  []ingest.PipelineStep{{Name: "html_to_markdown", Status: ingest.StepRunning}},
		},
	}

	mock.ExpectExec("UPDATE documents").
		WithArgs(
			doc.ID, doc.AgentID, doc.CrawledURLID, doc.SourceURL, doc.StoragePath,
			doc.Type, doc.Extraction, doc.ChunkStrategy, doc.Status,
			pgxmock.AnyArg(), doc.ChunkCount, doc.Indexed, doc.IndexedAt, doc.ManualAdvance,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateDocument(context.Background(), doc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDocumentMissing(t *testing.T) {
	t.Parallel()

	store, mock := newDocumentStore(t)

	mock.ExpectExec("DELETE FROM documents").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := store.DeleteDocument(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChunkReplacesByIndex(t *testing.T) {
	t.Parallel()

	store, mock := newDocumentStore(t)

	chunk := ingest.Chunk{
		ID:             "chunk-1",
		DocumentID:     "doc-1",
		Index:          0,
		Content:        "# Title",
		ContentHash:    "abc",
		TokenEstimate:  2,
		VectorPointIDs: []string{"p1"},
		Indexed:        true,
		Useful:         true,
	}

	mock.ExpectExec("INSERT INTO chunks").
		WithArgs(
			chunk.ID, chunk.DocumentID, chunk.Index, chunk.Content, chunk.ContentHash,
			chunk.TokenEstimate, []byte(`["p1"]`), chunk.Indexed, chunk.Useful, chunk.CategoryID,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertChunk(context.Background(), chunk))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListChunksDecodesPointIDs(t *testing.T) {
	t.Parallel()

	store, mock := newDocumentStore(t)

	rows := pgxmock.NewRows([]string{
		"id", "document_id", "chunk_index", "content", "content_hash",
		"token_estimate", "vector_point_ids", "is_indexed", "is_useful", "category_id",
	}).
		AddRow("chunk-1", "doc-1", 0, "# Title", "abc", 2, []byte(`["p1"]`), true, true, "").
		AddRow("chunk-2", "doc-1", 1, "body", "def", 1, []byte(`[]`), false, false, "")

	mock.ExpectQuery("FROM chunks").
		WithArgs("doc-1").
		WillReturnRows(rows)

	chunks, err := store.ListChunks(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, []string{"p1"}, chunks[0].VectorPointIDs)
	require.Empty(t, chunks[1].VectorPointIDs)
	require.False(t, chunks[1].Useful)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgent(t *testing.T) {
	t.Parallel()

	store, mock := newDocumentStore(t)

	rows := pgxmock.NewRows([]string{
		"id", "name", "collection", "extraction_method", "chunk_strategy",
		"chunk_size", "vector_size",
	}).AddRow("agent-1", "support", "agent_1_docs", ingest.ExtractMarkdown, ingest.ChunkByMarkdown, 512, 1536)

	mock.ExpectQuery("FROM agents").
		WithArgs("agent-1").
		WillReturnRows(rows)

	agent, err := store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, "agent_1_docs", agent.Collection)
	require.Equal(t, 512, agent.ChunkSize)
	require.NoError(t, mock.ExpectationsWereMet())
}
