package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/ingest"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/vectorsync"
)

const (
	defaultChunkSize  = 512
	defaultVectorSize = 1536
)

// IDSource mints chunk row ids and vector point ids.
type IDSource interface {
	NewID() (string, error)
	NewPointID() (string, error)
}

// ChunkEmbed is the terminal markdown_to_qr step: it clears the document's
// prior chunks and points, re-chunks the Markdown, embeds each chunk through
// a worker pool, and mirrors the points into the agent's collection.
type ChunkEmbed struct {
	docs     ingest.DocumentStore
	blobs    ingest.BlobStore
	index    ingest.VectorIndex
	embedder ingest.Embedder
	syncer   *vectorsync.Syncer
	hasher   ingest.Hasher
	ids      IDSource
	pool     *ants.Pool
	encoding *tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewChunkEmbed constructs the executor with a pool of poolSize concurrent
// embedding calls.
func NewChunkEmbed(
	docs ingest.DocumentStore,
	blobs ingest.BlobStore,
	index ingest.VectorIndex,
	embedder ingest.Embedder,
	syncer *vectorsync.Syncer,
	hasher ingest.Hasher,
	ids IDSource,
	poolSize int,
	logger *zap.Logger,
) (*ChunkEmbed, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	// Token counts are an estimate; fall back to a byte heuristic when the
	// encoding is unavailable.
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken encoding unavailable; using byte heuristic", zap.Error(err))
		encoding = nil
	}
	return &ChunkEmbed{
		docs:     docs,
		blobs:    blobs,
		index:    index,
		embedder: embedder,
		syncer:   syncer,
		hasher:   hasher,
		ids:      ids,
		pool:     pool,
		encoding: encoding,
		logger:   logger,
	}, nil
}

// Name implements StepExecutor.
func (e *ChunkEmbed) Name() string { return ingest.StepMarkdownToQR }

// Release frees the embedding pool.
func (e *ChunkEmbed) Release() {
	e.pool.Release()
}

// Execute re-chunks and re-embeds the document's Markdown. Safe to re-run:
// prior chunks and points are removed first and rows upsert by
// (document, index). The document is indexable only when no chunk hit a
// fatal embedding error; a chunk that produced no point is merely tagged not
// useful.
func (e *ChunkEmbed) Execute(ctx context.Context, doc ingest.Document, prev ingest.PipelineStep) (StepResult, error) {
	agent, err := e.docs.GetAgent(ctx, doc.AgentID)
	if err != nil {
		return StepResult{}, fmt.Errorf("load agent %s: %w", doc.AgentID, err)
	}
	if agent.Collection == "" {
		return StepResult{}, fmt.Errorf("agent %s has no collection", agent.ID)
	}

	srcPath := prev.OutputPath
	if srcPath == "" {
		srcPath = doc.StoragePath
	}
	markdown, err := e.blobs.Get(ctx, srcPath)
	if err != nil {
		return StepResult{}, fmt.Errorf("read markdown: %w", err)
	}

	if err = e.syncer.OnDocumentReprocess(ctx, doc); err != nil {
		return StepResult{}, fmt.Errorf("clear prior chunks: %w", err)
	}

	pieces, err := splitChunks(doc.ChunkStrategy, string(markdown), agent.ChunkSize)
	if err != nil {
		return StepResult{}, err
	}
	if len(pieces) == 0 {
		return StepResult{}, fmt.Errorf("no chunks produced from %s", srcPath)
	}

	vectorSize := agent.VectorSize
	if vectorSize <= 0 {
		vectorSize = defaultVectorSize
	}
	if err = vectorsync.EnsureCollection(ctx, e.index, agent.Collection, vectorSize); err != nil {
		return StepResult{}, err
	}

	vectors, embedErrs := e.embedAll(ctx, pieces)

	var points []ingest.Point
	fatal := 0
	for i, piece := range pieces {
		chunk, point, chunkErr := e.buildChunk(doc, i, piece, vectors[i], embedErrs[i])
		if chunkErr != nil {
			return StepResult{}, chunkErr
		}
		if embedErrs[i] != nil {
			fatal++
			e.logger.Warn("chunk embedding failed",
				zap.String("document_id", doc.ID),
				zap.Int("chunk_index", i),
				zap.Error(embedErrs[i]),
			)
		}
		if point != nil {
			points = append(points, *point)
		}
		if err = e.docs.UpsertChunk(ctx, chunk); err != nil {
			return StepResult{}, fmt.Errorf("upsert chunk %d: %w", i, err)
		}
	}

	if len(points) > 0 {
		if err = e.index.Upsert(ctx, agent.Collection, points); err != nil {
			metrics.RecordVectorOp("upsert", "error")
			e.logger.Warn("vector upsert failed",
				zap.String("collection", agent.Collection),
				zap.Int("points", len(points)),
				zap.Error(err),
			)
		} else {
			metrics.RecordVectorOp("upsert", "ok")
		}
	}

	return StepResult{
		Tool:          "embedder",
		OutputSummary: fmt.Sprintf("%d chunks, %d points, %d embed failures", len(pieces), len(points), fatal),
		ChunkCount:    len(pieces),
		Indexed:       fatal == 0,
	}, nil
}

// embedAll fans the chunk texts out over the worker pool.
func (e *ChunkEmbed) embedAll(ctx context.Context, pieces []string) ([][]float32, []error) {
	vectors := make([][]float32, len(pieces))
	errs := make([]error, len(pieces))
	var wg sync.WaitGroup
	for i, piece := range pieces {
		wg.Add(1)
		i, piece := i, piece
		submitErr := e.pool.Submit(func() {
			defer wg.Done()
			vectors[i], errs[i] = e.embedder.Embed(ctx, piece)
			if errs[i] == nil {
				metrics.RecordEmbedding()
			}
		})
		if submitErr != nil {
			errs[i] = submitErr
			wg.Done()
		}
	}
	wg.Wait()
	return vectors, errs
}

func (e *ChunkEmbed) buildChunk(doc ingest.Document, index int, content string, vector []float32, embedErr error) (ingest.Chunk, *ingest.Point, error) {
	chunkID, err := e.ids.NewID()
	if err != nil {
		return ingest.Chunk{}, nil, err
	}
	contentHash, err := e.hasher.Hash([]byte(content))
	if err != nil {
		return ingest.Chunk{}, nil, fmt.Errorf("hash chunk %d: %w", index, err)
	}
	chunk := ingest.Chunk{
		ID:            chunkID,
		DocumentID:    doc.ID,
		Index:         index,
		Content:       content,
		ContentHash:   contentHash,
		TokenEstimate: e.tokenEstimate(content),
	}
	if embedErr != nil || len(vector) == 0 {
		return chunk, nil, nil
	}

	pointID, err := e.ids.NewPointID()
	if err != nil {
		return ingest.Chunk{}, nil, err
	}
	chunk.VectorPointIDs = []string{pointID}
	chunk.Indexed = true
	chunk.Useful = true
	metrics.RecordChunkIndexed()
	point := ingest.Point{
		ID:     pointID,
		Vector: vector,
		Payload: map[string]any{
			"document_id": doc.ID,
			"agent_id":    doc.AgentID,
			"chunk_index": index,
			"content":     content,
			"source_url":  doc.SourceURL,
		},
	}
	return chunk, &point, nil
}

func (e *ChunkEmbed) tokenEstimate(text string) int {
	if e.encoding != nil {
		return len(e.encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// splitChunks slices Markdown by the configured strategy: structure-aware
// for markdown, plain recursive character splitting for size.
func splitChunks(strategy ingest.ChunkStrategy, text string, chunkSize int) ([]string, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	overlap := chunkSize / 10

	var splitter textsplitter.TextSplitter
	switch strategy {
	case ingest.ChunkBySize:
		splitter = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(overlap),
		)
	default:
		splitter = textsplitter.NewMarkdownTextSplitter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(overlap),
		)
	}
	raw, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	pieces := make([]string, 0, len(raw))
	for _, piece := range raw {
		if trimmed := strings.TrimSpace(piece); trimmed != "" {
			pieces = append(pieces, trimmed)
		}
	}
	return pieces, nil
}
