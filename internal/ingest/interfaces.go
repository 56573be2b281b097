package ingest

import (
	"context"
	"time"
)

// CrawlStore persists campaigns, the shared URL cache, and per-campaign
// entries. It is the single source of truth for crawl state.
type CrawlStore interface {
	CreateCrawl(ctx context.Context, crawl Crawl) error
	GetCrawl(ctx context.Context, crawlID string) (Crawl, error)
	UpdateCrawlStatus(ctx context.Context, crawlID string, status CrawlStatus, errText string) error
	// CompleteCrawl transitions running -> completed and reports whether this
	// caller won the transition. Safe to invoke from concurrent workers.
	CompleteCrawl(ctx context.Context, crawlID string) (bool, error)
	// IncrementCounters applies the delta atomically in the store.
	IncrementCounters(ctx context.Context, crawlID string, delta CrawlCounters) error

	UpsertCrawledURL(ctx context.Context, cu CrawledURL) (CrawledURL, error)
	GetCrawledURL(ctx context.Context, urlHash string) (CrawledURL, error)

	// CreateEntry inserts the entry unless one already exists for the
	// (crawl, url) pair, reporting whether a row was created.
	CreateEntry(ctx context.Context, entry CrawlEntry) (bool, error)
	GetEntry(ctx context.Context, entryID string) (CrawlEntry, error)
	UpdateEntry(ctx context.Context, entry CrawlEntry) error
	// ListEntries returns a campaign's entries in the given state.
	ListEntries(ctx context.Context, crawlID string, status EntryStatus) ([]CrawlEntry, error)
	CountEntries(ctx context.Context, crawlID string) (int, error)
	CountOpenEntries(ctx context.Context, crawlID string) (int, error)
}

// DocumentStore persists documents and their chunks.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, docID string) (Document, error)
	UpdateDocument(ctx context.Context, doc Document) error
	DeleteDocument(ctx context.Context, docID string) error
	// FindDocument locates the document for a (crawled URL, agent) pair.
	FindDocument(ctx context.Context, crawledURLID, agentID string) (Document, error)
	// ListDocumentsByCrawledURL returns every agent's document for the URL.
	ListDocumentsByCrawledURL(ctx context.Context, crawledURLID string) ([]Document, error)

	// UpsertChunk inserts or replaces the row keyed by (document, index).
	UpsertChunk(ctx context.Context, chunk Chunk) error
	ListChunks(ctx context.Context, docID string) ([]Chunk, error)
	DeleteChunks(ctx context.Context, docID string) error

	GetAgent(ctx context.Context, agentID string) (Agent, error)
}

// BlobStore holds raw fetched content and pipeline artifacts, addressed by
// opaque string paths.
type BlobStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
}

// VectorIndex is the external vector store. It is an eventually consistent
// mirror: written to, never read for control flow.
type VectorIndex interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string, vectorSize int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Delete(ctx context.Context, collection string, ids []string) error
	UpdatePayload(ctx context.Context, collection string, ids []string, payload map[string]any) error
}

// Embedder produces a vector embedding for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VisionModel turns images into text via a multimodal LLM.
type VisionModel interface {
	Describe(ctx context.Context, prompt string, images [][]byte) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsPolicy answers allow/deny and crawl-delay queries for a campaign.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
	CrawlDelay(ctx context.Context, rawURL string) time.Duration
	Sitemaps(ctx context.Context, rawURL string) []string
}

// TaskQueue schedules asynchronous tasks for the worker pool, optionally
// delayed for politeness spacing.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
