// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ragline/ragline/internal/ingest"
)

// Store errors shared by the memory implementations.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// CrawlStore is an in-memory ingest.CrawlStore.
type CrawlStore struct {
	mu      sync.RWMutex
	crawls  map[string]ingest.Crawl
	urls    map[string]ingest.CrawledURL // keyed by url hash
	entries map[string]ingest.CrawlEntry // keyed by entry id
	byPair  map[string]string            // crawlID+urlHash -> entry id
}

// NewCrawlStore constructs a CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{
		crawls:  make(map[string]ingest.Crawl),
		urls:    make(map[string]ingest.CrawledURL),
		entries: make(map[string]ingest.CrawlEntry),
		byPair:  make(map[string]string),
	}
}

// CreateCrawl stores a new campaign.
func (s *CrawlStore) CreateCrawl(_ context.Context, crawl ingest.Crawl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.crawls[crawl.ID]; exists {
		return ErrAlreadyExists
	}
	s.crawls[crawl.ID] = crawl
	return nil
}

// GetCrawl fetches a campaign by ID.
func (s *CrawlStore) GetCrawl(_ context.Context, crawlID string) (ingest.Crawl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	crawl, ok := s.crawls[crawlID]
	if !ok {
		return ingest.Crawl{}, ErrNotFound
	}
	return crawl, nil
}

// UpdateCrawlStatus updates campaign status, stamping start/finish times.
func (s *CrawlStore) UpdateCrawlStatus(_ context.Context, crawlID string, status ingest.CrawlStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[crawlID]
	if !ok {
		return ErrNotFound
	}
	crawl.Status = status
	crawl.ErrorText = errText
	now := time.Now().UTC()
	if status == ingest.CrawlStatusRunning && crawl.Started == nil {
		crawl.Started = &now
	}
	if status.IsTerminal() {
		crawl.Finished = &now
	}
	s.crawls[crawlID] = crawl
	return nil
}

// CompleteCrawl performs the running -> completed compare-and-swap.
func (s *CrawlStore) CompleteCrawl(_ context.Context, crawlID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[crawlID]
	if !ok {
		return false, ErrNotFound
	}
	if crawl.Status != ingest.CrawlStatusRunning {
		return false, nil
	}
	crawl.Status = ingest.CrawlStatusCompleted
	now := time.Now().UTC()
	crawl.Finished = &now
	s.crawls[crawlID] = crawl
	return true, nil
}

// IncrementCounters applies the delta under the store lock.
func (s *CrawlStore) IncrementCounters(_ context.Context, crawlID string, delta ingest.CrawlCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[crawlID]
	if !ok {
		return ErrNotFound
	}
	crawl.Counters.PagesDiscovered += delta.PagesDiscovered
	crawl.Counters.PagesCrawled += delta.PagesCrawled
	crawl.Counters.PagesIndexed += delta.PagesIndexed
	crawl.Counters.PagesSkipped += delta.PagesSkipped
	crawl.Counters.PagesErrored += delta.PagesErrored
	crawl.Counters.BytesFetched += delta.BytesFetched
	s.crawls[crawlID] = crawl
	return nil
}

// UpsertCrawledURL inserts or replaces the shared fetch cache row.
func (s *CrawlStore) UpsertCrawledURL(_ context.Context, cu ingest.CrawledURL) (ingest.CrawledURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.urls[cu.URLHash]; ok && cu.ID == "" {
		cu.ID = existing.ID
	}
	s.urls[cu.URLHash] = cu
	return cu, nil
}

// GetCrawledURL fetches the cache row for a normalized URL hash.
func (s *CrawlStore) GetCrawledURL(_ context.Context, urlHash string) (ingest.CrawledURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cu, ok := s.urls[urlHash]
	if !ok {
		return ingest.CrawledURL{}, ErrNotFound
	}
	return cu, nil
}

// CreateEntry inserts the entry unless the (crawl, url) pair exists.
func (s *CrawlStore) CreateEntry(_ context.Context, entry ingest.CrawlEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry.CrawlID + "|" + entry.URLHash
	if _, exists := s.byPair[key]; exists {
		return false, nil
	}
	s.entries[entry.ID] = entry
	s.byPair[key] = entry.ID
	return true, nil
}

// GetEntry fetches an entry by ID.
func (s *CrawlStore) GetEntry(_ context.Context, entryID string) (ingest.CrawlEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return ingest.CrawlEntry{}, ErrNotFound
	}
	return entry, nil
}

// UpdateEntry replaces an entry row.
func (s *CrawlStore) UpdateEntry(_ context.Context, entry ingest.CrawlEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return ErrNotFound
	}
	s.entries[entry.ID] = entry
	return nil
}

// ListEntries returns a campaign's entries in the given state.
func (s *CrawlStore) ListEntries(_ context.Context, crawlID string, status ingest.EntryStatus) ([]ingest.CrawlEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []ingest.CrawlEntry
	for _, entry := range s.entries {
		if entry.CrawlID == crawlID && entry.Status == status {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// CountEntries returns the number of entries discovered for a campaign.
func (s *CrawlStore) CountEntries(_ context.Context, crawlID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, entry := range s.entries {
		if entry.CrawlID == crawlID {
			count++
		}
	}
	return count, nil
}

// CountOpenEntries returns entries still in pending/fetching/fetched.
func (s *CrawlStore) CountOpenEntries(_ context.Context, crawlID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, entry := range s.entries {
		if entry.CrawlID == crawlID && entry.Status.Open() {
			count++
		}
	}
	return count, nil
}

// Entries returns a snapshot of all entries for a campaign (test helper).
func (s *CrawlStore) Entries(crawlID string) []ingest.CrawlEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.CrawlEntry
	for _, entry := range s.entries {
		if entry.CrawlID == crawlID {
			out = append(out, entry)
		}
	}
	return out
}
