package memory

import (
	"context"
	"sync"

	"github.com/ragline/ragline/internal/ingest"
)

// DocumentStore is an in-memory ingest.DocumentStore.
type DocumentStore struct {
	mu     sync.RWMutex
	docs   map[string]ingest.Document
	chunks map[string]map[int]ingest.Chunk // docID -> chunk index -> chunk
	agents map[string]ingest.Agent
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:   make(map[string]ingest.Document),
		chunks: make(map[string]map[int]ingest.Chunk),
		agents: make(map[string]ingest.Agent),
	}
}

// CreateDocument stores a new document.
func (s *DocumentStore) CreateDocument(_ context.Context, doc ingest.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return ErrAlreadyExists
	}
	s.docs[doc.ID] = doc
	return nil
}

// GetDocument fetches a document by ID.
func (s *DocumentStore) GetDocument(_ context.Context, docID string) (ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return ingest.Document{}, ErrNotFound
	}
	return doc, nil
}

// UpdateDocument replaces a document row.
func (s *DocumentStore) UpdateDocument(_ context.Context, doc ingest.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; !ok {
		return ErrNotFound
	}
	s.docs[doc.ID] = doc
	return nil
}

// DeleteDocument removes a document and its chunks.
func (s *DocumentStore) DeleteDocument(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; !ok {
		return ErrNotFound
	}
	delete(s.docs, docID)
	delete(s.chunks, docID)
	return nil
}

// FindDocument locates the document for a (crawled URL, agent) pair.
func (s *DocumentStore) FindDocument(_ context.Context, crawledURLID, agentID string) (ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.docs {
		if doc.CrawledURLID == crawledURLID && doc.AgentID == agentID {
			return doc, nil
		}
	}
	return ingest.Document{}, ErrNotFound
}

// ListDocumentsByCrawledURL returns every agent's document for the URL.
func (s *DocumentStore) ListDocumentsByCrawledURL(_ context.Context, crawledURLID string) ([]ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Document
	for _, doc := range s.docs {
		if doc.CrawledURLID == crawledURLID {
			out = append(out, doc)
		}
	}
	return out, nil
}

// UpsertChunk inserts or replaces the chunk keyed by (document, index).
func (s *DocumentStore) UpsertChunk(_ context.Context, chunk ingest.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.chunks[chunk.DocumentID]
	if !ok {
		byIndex = make(map[int]ingest.Chunk)
		s.chunks[chunk.DocumentID] = byIndex
	}
	byIndex[chunk.Index] = chunk
	return nil
}

// ListChunks returns all chunks for a document.
func (s *DocumentStore) ListChunks(_ context.Context, docID string) ([]ingest.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byIndex := s.chunks[docID]
	out := make([]ingest.Chunk, 0, len(byIndex))
	for _, chunk := range byIndex {
		out = append(out, chunk)
	}
	return out, nil
}

// DeleteChunks removes all chunk rows for a document.
func (s *DocumentStore) DeleteChunks(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, docID)
	return nil
}

// GetAgent fetches an agent by ID.
func (s *DocumentStore) GetAgent(_ context.Context, agentID string) (ingest.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return ingest.Agent{}, ErrNotFound
	}
	return agent, nil
}

// PutAgent stores an agent (setup helper for development and tests).
func (s *DocumentStore) PutAgent(agent ingest.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
}
