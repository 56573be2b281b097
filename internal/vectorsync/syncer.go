// Package vectorsync keeps the relational chunk store and the external
// vector index coherent. The relational store is the source of truth; every
// vector-index call here is best-effort and failures only log, so a
// reconciliation pass can repair drift later.
package vectorsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/ingest"
	"github.com/ragline/ragline/internal/metrics"
)

// LearnedCollection holds question/answer points, independently keyed from
// document chunks.
const LearnedCollection = "learned_responses"

// Syncer mirrors chunk and document lifecycle events into the vector index.
// Callers invoke it explicitly at the write path that mutates relational
// state; there is no implicit hook dispatch.
type Syncer struct {
	docs   ingest.DocumentStore
	index  ingest.VectorIndex
	embed  ingest.Embedder
	ids    ingest.IDGenerator
	logger *zap.Logger
}

// New constructs a Syncer.
func New(
	docs ingest.DocumentStore,
	index ingest.VectorIndex,
	embed ingest.Embedder,
	ids ingest.IDGenerator,
	logger *zap.Logger,
) *Syncer {
	return &Syncer{
		docs:   docs,
		index:  index,
		embed:  embed,
		ids:    ids,
		logger: logger,
	}
}

// OnChunkDelete removes a chunk's points from the collection. Call it before
// the relational row disappears so no orphaned point survives the delete.
func (s *Syncer) OnChunkDelete(ctx context.Context, collection string, chunk ingest.Chunk) {
	s.deletePoints(ctx, collection, dedupe(chunk.VectorPointIDs))
}

// OnDocumentReprocess clears the document's chunks and their points ahead of
// a re-run. Point cleanup happens before the chunk rows are removed.
func (s *Syncer) OnDocumentReprocess(ctx context.Context, doc ingest.Document) error {
	collection, err := s.collectionFor(ctx, doc)
	if err != nil {
		return err
	}
	chunks, err := s.docs.ListChunks(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list chunks for %s: %w", doc.ID, err)
	}
	s.deletePoints(ctx, collection, collectPointIDs(chunks))
	if err = s.docs.DeleteChunks(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteDocument cascades a document delete: points first, then chunk rows,
// then the document itself.
func (s *Syncer) DeleteDocument(ctx context.Context, docID string) error {
	doc, err := s.docs.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	if err = s.OnDocumentReprocess(ctx, doc); err != nil {
		return err
	}
	if err = s.docs.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	return nil
}

// OnAgentChange removes the document's points from the previous agent's
// collection. The next pipeline run writes them into the new collection.
func (s *Syncer) OnAgentChange(ctx context.Context, doc ingest.Document, oldCollection string) {
	chunks, err := s.docs.ListChunks(ctx, doc.ID)
	if err != nil {
		s.logger.Warn("list chunks for agent change failed", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}
	s.deletePoints(ctx, oldCollection, collectPointIDs(chunks))
}

// SaveLearnedResponse mirrors a learned Q&A pair into its collection. A new
// response or a changed question is re-embedded; a metadata-only change is a
// payload update, falling back to re-upsert when the store rejects it.
func (s *Syncer) SaveLearnedResponse(ctx context.Context, prev *ingest.LearnedResponse, next ingest.LearnedResponse) (ingest.LearnedResponse, error) {
	questionChanged := prev == nil || prev.Question != next.Question || next.PointID == ""
	if !questionChanged {
		err := s.index.UpdatePayload(ctx, LearnedCollection, []string{next.PointID}, learnedPayload(next))
		if err == nil {
			metrics.RecordVectorOp("update_payload", "ok")
			return next, nil
		}
		metrics.RecordVectorOp("update_payload", "error")
		s.logger.Warn("payload-only update failed; re-upserting",
			zap.String("learned_response_id", next.ID),
			zap.Error(err),
		)
	}

	vector, err := s.embed.Embed(ctx, next.Question)
	if err != nil {
		return ingest.LearnedResponse{}, fmt.Errorf("embed question: %w", err)
	}
	metrics.RecordEmbedding()
	if next.PointID == "" {
		next.PointID, err = s.ids.NewID()
		if err != nil {
			return ingest.LearnedResponse{}, err
		}
	}
	point := ingest.Point{ID: next.PointID, Vector: vector, Payload: learnedPayload(next)}
	if err = s.index.Upsert(ctx, LearnedCollection, []ingest.Point{point}); err != nil {
		metrics.RecordVectorOp("upsert", "error")
		s.logger.Warn("learned response upsert failed", zap.String("learned_response_id", next.ID), zap.Error(err))
		return next, nil
	}
	metrics.RecordVectorOp("upsert", "ok")
	return next, nil
}

// DeleteLearnedResponse removes the response's point from its collection.
func (s *Syncer) DeleteLearnedResponse(ctx context.Context, lr ingest.LearnedResponse) {
	if lr.PointID == "" {
		return
	}
	s.deletePoints(ctx, LearnedCollection, []string{lr.PointID})
}

// EnsureCollection creates the collection if it does not exist yet.
func EnsureCollection(ctx context.Context, index ingest.VectorIndex, name string, vectorSize int) error {
	exists, err := index.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if err = index.CreateCollection(ctx, name, vectorSize); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func (s *Syncer) collectionFor(ctx context.Context, doc ingest.Document) (string, error) {
	agent, err := s.docs.GetAgent(ctx, doc.AgentID)
	if err != nil {
		return "", fmt.Errorf("load agent %s: %w", doc.AgentID, err)
	}
	return agent.Collection, nil
}

func (s *Syncer) deletePoints(ctx context.Context, collection string, ids []string) {
	if len(ids) == 0 || collection == "" {
		return
	}
	if err := s.index.Delete(ctx, collection, ids); err != nil {
		metrics.RecordVectorOp("delete", "error")
		s.logger.Warn("vector delete failed",
			zap.String("collection", collection),
			zap.Int("points", len(ids)),
			zap.Error(err),
		)
		return
	}
	metrics.RecordVectorOp("delete", "ok")
}

func collectPointIDs(chunks []ingest.Chunk) []string {
	var all []string
	for _, chunk := range chunks {
		all = append(all, chunk.VectorPointIDs...)
	}
	return dedupe(all)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func learnedPayload(lr ingest.LearnedResponse) map[string]any {
	payload := map[string]any{
		"learned_response_id": lr.ID,
		"agent_id":            lr.AgentID,
		"question":            lr.Question,
		"answer":              lr.Answer,
	}
	for k, v := range lr.Metadata {
		payload[k] = v
	}
	return payload
}
