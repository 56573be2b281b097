// Package memory provides an in-memory BlobStore for development and
// testing.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// BlobStore keeps blobs in a map guarded by a mutex.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// New creates an empty in-memory blob store.
func New() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data under path and returns a memory:// URI.
func (s *BlobStore) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.blobs[path] = cp
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Get returns a copy of the blob stored under path.
func (s *BlobStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s not found", path)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Exists reports whether a blob is stored under path.
func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	_, ok := s.blobs[path]
	s.mu.RUnlock()
	return ok, nil
}

// Delete removes the blob under path; missing blobs are ignored.
func (s *BlobStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.blobs, path)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
