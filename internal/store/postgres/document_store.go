package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/internal/ingest"
)

// DocumentStore implements ingest.DocumentStore on Postgres. The pipeline
// step ledger is stored as a JSONB column so a document and its processing
// state always move together.
type DocumentStore struct {
	db querier
}

// NewDocumentStore connects a pool from the DSN and wraps it in a
// DocumentStore.
func NewDocumentStore(ctx context.Context, dsn string) (*DocumentStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DocumentStore{db: pool}, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewDocumentStoreWithPool(db querier) (*DocumentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DocumentStore{db: db}, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

const documentColumns = `id, agent_id, crawled_url_id, source_url, storage_path,
	document_type, extraction_method, chunk_strategy, extraction_status,
	pipeline, chunk_count, is_indexed, indexed_at, manual_advance`

// CreateDocument inserts a new document row.
func (s *DocumentStore) CreateDocument(ctx context.Context, doc ingest.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	pipeline, err := json.Marshal(doc.Pipeline)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);
	`
	_, err = s.db.Exec(ctx, query,
		doc.ID,
		doc.AgentID,
		doc.CrawledURLID,
		doc.SourceURL,
		doc.StoragePath,
		doc.Type,
		doc.Extraction,
		doc.ChunkStrategy,
		doc.Status,
		pipeline,
		doc.ChunkCount,
		doc.Indexed,
		doc.IndexedAt,
		doc.ManualAdvance,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument loads a document by ID.
func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (ingest.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1;`
	doc, err := scanDocument(s.db.QueryRow(ctx, query, docID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Document{}, ErrNotFound
		}
		return ingest.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// UpdateDocument replaces a document row, pipeline ledger included.
func (s *DocumentStore) UpdateDocument(ctx context.Context, doc ingest.Document) error {
	pipeline, err := json.Marshal(doc.Pipeline)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	query := `
		UPDATE documents
		SET agent_id = $2,
			crawled_url_id = $3,
			source_url = $4,
			storage_path = $5,
			document_type = $6,
			extraction_method = $7,
			chunk_strategy = $8,
			extraction_status = $9,
			pipeline = $10,
			chunk_count = $11,
			is_indexed = $12,
			indexed_at = $13,
			manual_advance = $14
		WHERE id = $1;
	`
	tag, err := s.db.Exec(ctx, query,
		doc.ID,
		doc.AgentID,
		doc.CrawledURLID,
		doc.SourceURL,
		doc.StoragePath,
		doc.Type,
		doc.Extraction,
		doc.ChunkStrategy,
		doc.Status,
		pipeline,
		doc.ChunkCount,
		doc.Indexed,
		doc.IndexedAt,
		doc.ManualAdvance,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes a document and, via the chunks foreign key cascade,
// its chunk rows.
func (s *DocumentStore) DeleteDocument(ctx context.Context, docID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1;`, docID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindDocument locates the document for a (crawled URL, agent) pair.
func (s *DocumentStore) FindDocument(ctx context.Context, crawledURLID, agentID string) (ingest.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE crawled_url_id = $1 AND agent_id = $2;`
	doc, err := scanDocument(s.db.QueryRow(ctx, query, crawledURLID, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Document{}, ErrNotFound
		}
		return ingest.Document{}, fmt.Errorf("find document: %w", err)
	}
	return doc, nil
}

// ListDocumentsByCrawledURL returns every agent's document for the URL.
func (s *DocumentStore) ListDocumentsByCrawledURL(ctx context.Context, crawledURLID string) ([]ingest.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE crawled_url_id = $1 ORDER BY agent_id;`
	rows, err := s.db.Query(ctx, query, crawledURLID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []ingest.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// UpsertChunk inserts or replaces the row keyed by (document, index), so
// reprocessing a document never duplicates chunk rows.
func (s *DocumentStore) UpsertChunk(ctx context.Context, chunk ingest.Chunk) error {
	pointIDs, err := json.Marshal(chunk.VectorPointIDs)
	if err != nil {
		return fmt.Errorf("marshal point ids: %w", err)
	}
	query := `
		INSERT INTO chunks (
			id, document_id, chunk_index, content, content_hash,
			token_estimate, vector_point_ids, is_indexed, is_useful, category_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (document_id, chunk_index) DO UPDATE SET
			id = EXCLUDED.id,
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			token_estimate = EXCLUDED.token_estimate,
			vector_point_ids = EXCLUDED.vector_point_ids,
			is_indexed = EXCLUDED.is_indexed,
			is_useful = EXCLUDED.is_useful,
			category_id = EXCLUDED.category_id;
	`
	_, err = s.db.Exec(ctx, query,
		chunk.ID,
		chunk.DocumentID,
		chunk.Index,
		chunk.Content,
		chunk.ContentHash,
		chunk.TokenEstimate,
		pointIDs,
		chunk.Indexed,
		chunk.Useful,
		chunk.CategoryID,
	)
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}
	return nil
}

// ListChunks returns a document's chunks in index order.
func (s *DocumentStore) ListChunks(ctx context.Context, docID string) ([]ingest.Chunk, error) {
	query := `
		SELECT id, document_id, chunk_index, content, content_hash,
			token_estimate, vector_point_ids, is_indexed, is_useful, category_id
		FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index;
	`
	rows, err := s.db.Query(ctx, query, docID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ingest.Chunk
	for rows.Next() {
		var (
			chunk    ingest.Chunk
			pointIDs []byte
		)
		err := rows.Scan(
			&chunk.ID,
			&chunk.DocumentID,
			&chunk.Index,
			&chunk.Content,
			&chunk.ContentHash,
			&chunk.TokenEstimate,
			&pointIDs,
			&chunk.Indexed,
			&chunk.Useful,
			&chunk.CategoryID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		if err := unmarshalList(pointIDs, &chunk.VectorPointIDs); err != nil {
			return nil, fmt.Errorf("unmarshal point ids: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return chunks, nil
}

// DeleteChunks removes every chunk row for a document.
func (s *DocumentStore) DeleteChunks(ctx context.Context, docID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1;`, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// GetAgent loads an agent's processing defaults.
func (s *DocumentStore) GetAgent(ctx context.Context, agentID string) (ingest.Agent, error) {
	query := `
		SELECT id, name, collection, extraction_method, chunk_strategy,
			chunk_size, vector_size
		FROM agents
		WHERE id = $1;
	`
	var agent ingest.Agent
	err := s.db.QueryRow(ctx, query, agentID).Scan(
		&agent.ID,
		&agent.Name,
		&agent.Collection,
		&agent.Extraction,
		&agent.ChunkStrategy,
		&agent.ChunkSize,
		&agent.VectorSize,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Agent{}, ErrNotFound
		}
		return ingest.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func scanDocument(row pgx.Row) (ingest.Document, error) {
	var (
		doc      ingest.Document
		pipeline []byte
	)
	err := row.Scan(
		&doc.ID,
		&doc.AgentID,
		&doc.CrawledURLID,
		&doc.SourceURL,
		&doc.StoragePath,
		&doc.Type,
		&doc.Extraction,
		&doc.ChunkStrategy,
		&doc.Status,
		&pipeline,
		&doc.ChunkCount,
		&doc.Indexed,
		&doc.IndexedAt,
		&doc.ManualAdvance,
	)
	if err != nil {
		return ingest.Document{}, err
	}
	if len(pipeline) > 0 {
		if err := json.Unmarshal(pipeline, &doc.Pipeline); err != nil {
			return ingest.Document{}, fmt.Errorf("unmarshal pipeline: %w", err)
		}
	}
	return doc, nil
}
