package ingest

import (
	"net/http"
	"time"
)

// PatternMode selects how URL pattern filters are interpreted.
type PatternMode string

// Pattern filter modes. Include keeps only matching URLs, exclude drops them.
const (
	PatternModeInclude PatternMode = "include"
	PatternModeExclude PatternMode = "exclude"
)

// FetchAuth carries optional credentials for fetching protected sites.
// Values are stored encrypted at rest; in memory they are plain.
type FetchAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Cookie   string `json:"cookie,omitempty"`
}

// CrawlCounters tracks per-campaign totals. All mutations go through the
// store's atomic increment, never read-modify-write.
type CrawlCounters struct {
	PagesDiscovered int   `json:"pages_discovered"`
	PagesCrawled    int   `json:"pages_crawled"`
	PagesIndexed    int   `json:"pages_indexed"`
	PagesSkipped    int   `json:"pages_skipped"`
	PagesErrored    int   `json:"pages_errored"`
	BytesFetched    int64 `json:"bytes_fetched"`
}

// Crawl is one crawl campaign: a start URL plus the limits and filters that
// bound its frontier.
type Crawl struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	StartURL        string        `json:"start_url"`
	MaxDepth        int           `json:"max_depth"`
	MaxPages        int           `json:"max_pages"`
	Delay           time.Duration `json:"delay"`
	AllowedDomains  []string      `json:"allowed_domains"`
	IncludePatterns []string      `json:"include_patterns,omitempty"`
	ExcludePatterns []string      `json:"exclude_patterns,omitempty"`
	PatternMode     PatternMode   `json:"pattern_mode,omitempty"`
	RespectRobots   bool          `json:"respect_robots"`
	Auth            *FetchAuth    `json:"auth,omitempty"`
	Status          CrawlStatus   `json:"status"`
	Counters        CrawlCounters `json:"counters"`
	ErrorText       string        `json:"error_text,omitempty"`
	Created         time.Time     `json:"created_at"`
	Started         *time.Time    `json:"started_at,omitempty"`
	Finished        *time.Time    `json:"finished_at,omitempty"`
}

// CrawledURL is the campaign-independent fetch cache for one normalized URL,
// keyed by the hash of the normalized string. One fetch, many consumers.
type CrawledURL struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	URLHash       string    `json:"url_hash"`
	HTTPStatus    int       `json:"http_status"`
	ContentType   string    `json:"content_type"`
	ContentLength int64     `json:"content_length"`
	ETag          string    `json:"etag,omitempty"`
	LastModified  string    `json:"last_modified,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
	StoragePath   string    `json:"storage_path,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// CrawlEntry is the pivot between a campaign and a CrawledURL, recording the
// per-campaign state of that URL. At most one entry exists per (crawl, url).
type CrawlEntry struct {
	ID         string      `json:"id"`
	CrawlID    string      `json:"crawl_id"`
	URL        string      `json:"url"`
	URLHash    string      `json:"url_hash"`
	Depth      int         `json:"depth"`
	ParentURL  string      `json:"parent_url,omitempty"`
	Status     EntryStatus `json:"status"`
	SkipReason SkipReason  `json:"skip_reason,omitempty"`
	RetryCount int         `json:"retry_count"`
}

// DocumentType classifies indexable content.
type DocumentType string

// Document types derived from content type at route time.
const (
	DocTypeHTML     DocumentType = "html"
	DocTypePDF      DocumentType = "pdf"
	DocTypeImage    DocumentType = "image"
	DocTypeMarkdown DocumentType = "markdown"
	DocTypeText     DocumentType = "text"
)

// ExtractionMethod names how text is pulled out of the raw content.
type ExtractionMethod string

// Extraction methods.
const (
	ExtractMarkdown ExtractionMethod = "markdown"
	ExtractOCR      ExtractionMethod = "ocr"
)

// ChunkStrategy names how normalized Markdown is sliced for embedding.
type ChunkStrategy string

// Chunk strategies.
const (
	ChunkByMarkdown ChunkStrategy = "markdown"
	ChunkBySize     ChunkStrategy = "size"
)

// Agent is a consumer of indexed content. Each agent owns one vector
// collection and supplies processing defaults.
type Agent struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Collection    string           `json:"collection"`
	Extraction    ExtractionMethod `json:"extraction"`
	ChunkStrategy ChunkStrategy    `json:"chunk_strategy"`
	ChunkSize     int              `json:"chunk_size"`
	VectorSize    int              `json:"vector_size"`
}

// PipelineStep is one stage record embedded in a document's pipeline state.
// Steps execute strictly in array order.
type PipelineStep struct {
	Name          string         `json:"step_name"`
	Tool          string         `json:"tool_used,omitempty"`
	Config        map[string]any `json:"tool_config,omitempty"`
	Status        StepStatus     `json:"status"`
	InputSummary  string         `json:"input_summary,omitempty"`
	OutputSummary string         `json:"output_summary,omitempty"`
	OutputPath    string         `json:"output_path,omitempty"`
	OutputData    []string       `json:"output_data,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// PipelineState is the ordered step ledger persisted per document.
type PipelineState struct {
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Steps       []PipelineStep `json:"steps"`
}

// Document is a unit of indexable content owned by exactly one agent.
// Multiple documents may reference the same CrawledURL for different agents.
type Document struct {
	ID            string           `json:"id"`
	AgentID       string           `json:"agent_id"`
	CrawledURLID  string           `json:"crawled_url_id,omitempty"`
	SourceURL     string           `json:"source_url,omitempty"`
	StoragePath   string           `json:"storage_path,omitempty"`
	Type          DocumentType     `json:"document_type"`
	Extraction    ExtractionMethod `json:"extraction_method"`
	ChunkStrategy ChunkStrategy    `json:"chunk_strategy"`
	Status        ExtractionStatus `json:"extraction_status"`
	Pipeline      PipelineState    `json:"pipeline_steps"`
	ChunkCount    int              `json:"chunk_count"`
	Indexed       bool             `json:"is_indexed"`
	IndexedAt     *time.Time       `json:"indexed_at,omitempty"`
	ManualAdvance bool             `json:"manual_advance,omitempty"`
}

// Chunk is a bounded slice of a document's Markdown, the unit of embedding.
// VectorPointIDs holds every point the chunk produced in the vector index;
// points are referenced, never owned.
type Chunk struct {
	ID             string   `json:"id"`
	DocumentID     string   `json:"document_id"`
	Index          int      `json:"chunk_index"`
	Content        string   `json:"content"`
	ContentHash    string   `json:"content_hash"`
	TokenEstimate  int      `json:"token_estimate"`
	VectorPointIDs []string `json:"vector_point_ids"`
	Indexed        bool     `json:"is_indexed"`
	Useful         bool     `json:"is_useful"`
	CategoryID     string   `json:"category_id,omitempty"`
}

// LearnedResponse is a curated Q&A pair mirrored into its own vector
// collection, independently keyed from document chunks.
type LearnedResponse struct {
	ID       string            `json:"id"`
	AgentID  string            `json:"agent_id"`
	Question string            `json:"question"`
	Answer   string            `json:"answer"`
	PointID  string            `json:"point_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL          string
	UserAgent    string
	Auth         *FetchAuth
	ETag         string
	LastModified string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL           string
	StatusCode    int
	Headers       http.Header
	Body          []byte
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  string
	NotModified   bool
	Duration      time.Duration
}

// Point is one vector plus payload destined for the vector index.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}
