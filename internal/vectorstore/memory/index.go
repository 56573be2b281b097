// Package memory provides an in-memory ingest.VectorIndex for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ragline/ragline/internal/ingest"
)

// Index stores points per collection in maps. It records delete calls so
// tests can assert cleanup behavior.
type Index struct {
	mu          sync.RWMutex
	collections map[string]int
	points      map[string]map[string]ingest.Point
	deleteCalls [][]string
}

// New creates an empty in-memory vector index.
func New() *Index {
	return &Index{
		collections: make(map[string]int),
		points:      make(map[string]map[string]ingest.Point),
	}
}

// CollectionExists reports whether the collection was created.
func (x *Index) CollectionExists(_ context.Context, name string) (bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.collections[name]
	return ok, nil
}

// CreateCollection registers a collection with its vector size.
func (x *Index) CreateCollection(_ context.Context, name string, vectorSize int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.collections[name]; ok {
		return fmt.Errorf("collection %s already exists", name)
	}
	x.collections[name] = vectorSize
	x.points[name] = make(map[string]ingest.Point)
	return nil
}

// Upsert inserts or replaces points in a collection.
func (x *Index) Upsert(_ context.Context, collection string, points []ingest.Point) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	bucket, ok := x.points[collection]
	if !ok {
		bucket = make(map[string]ingest.Point)
		x.points[collection] = bucket
	}
	for _, p := range points {
		bucket[p.ID] = p
	}
	return nil
}

// Delete removes points by id. Missing ids are ignored, matching the
// semantics of real vector stores.
func (x *Index) Delete(_ context.Context, collection string, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deleteCalls = append(x.deleteCalls, append([]string(nil), ids...))
	bucket, ok := x.points[collection]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(bucket, id)
	}
	return nil
}

// UpdatePayload merges payload fields into the given points.
func (x *Index) UpdatePayload(_ context.Context, collection string, ids []string, payload map[string]any) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	bucket, ok := x.points[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}
	for _, id := range ids {
		point, ok := bucket[id]
		if !ok {
			return fmt.Errorf("point %s not found in %s", id, collection)
		}
		if point.Payload == nil {
			point.Payload = make(map[string]any, len(payload))
		}
		for k, v := range payload {
			point.Payload[k] = v
		}
		bucket[id] = point
	}
	return nil
}

// Points returns every point in the collection. Test helper.
func (x *Index) Points(collection string) []ingest.Point {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]ingest.Point, 0, len(x.points[collection]))
	for _, p := range x.points[collection] {
		out = append(out, p)
	}
	return out
}

// DeleteCalls returns the id batches passed to Delete, in order. Test helper.
func (x *Index) DeleteCalls() [][]string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([][]string, len(x.deleteCalls))
	copy(out, x.deleteCalls)
	return out
}
