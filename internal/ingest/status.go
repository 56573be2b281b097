package ingest

// CrawlStatus represents the lifecycle state of a crawl campaign.
type CrawlStatus string

// Crawl status values persisted in the crawl store.
const (
	CrawlStatusPending   CrawlStatus = "pending"
	CrawlStatusRunning   CrawlStatus = "running"
	CrawlStatusPaused    CrawlStatus = "paused"
	CrawlStatusCompleted CrawlStatus = "completed"
	CrawlStatusFailed    CrawlStatus = "failed"
	CrawlStatusCancelled CrawlStatus = "cancelled"
)

// IsTerminal reports whether the status ends the campaign.
func (s CrawlStatus) IsTerminal() bool {
	switch s {
	case CrawlStatusCompleted, CrawlStatusFailed, CrawlStatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether fetch tasks for the campaign may proceed.
func (s CrawlStatus) Active() bool {
	return s == CrawlStatusRunning || s == CrawlStatusPending
}

// EntryStatus is the per-campaign state of one discovered URL.
type EntryStatus string

// Entry status values. An entry moves pending -> fetching -> one of
// fetched/skipped/error, and fetched -> indexed once the pipeline has it.
const (
	EntryStatusPending  EntryStatus = "pending"
	EntryStatusFetching EntryStatus = "fetching"
	EntryStatusFetched  EntryStatus = "fetched"
	EntryStatusIndexed  EntryStatus = "indexed"
	EntryStatusSkipped  EntryStatus = "skipped"
	EntryStatusError    EntryStatus = "error"
)

// Open reports whether the entry still counts toward campaign completion.
func (s EntryStatus) Open() bool {
	switch s {
	case EntryStatusPending, EntryStatusFetching, EntryStatusFetched:
		return true
	default:
		return false
	}
}

// SkipReason explains a policy rejection. Skips are outcomes, not failures.
type SkipReason string

// Skip reason codes recorded on entries.
const (
	SkipRobotsDisallowed SkipReason = "robots_disallowed"
	SkipDomainNotAllowed SkipReason = "domain_not_allowed"
	SkipUnsupportedType  SkipReason = "unsupported_content_type"
	SkipContentTooLarge  SkipReason = "content_too_large"
	SkipPatternExcluded  SkipReason = "url_pattern_excluded"
	SkipRedirect         SkipReason = "redirect"
	SkipNotModified      SkipReason = "not_modified"
)

// ExtractionStatus is the processing state of a document.
type ExtractionStatus string

// Extraction status values.
const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionProcessing ExtractionStatus = "processing"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionFailed     ExtractionStatus = "failed"
)

// StepStatus is the state of one pipeline step.
type StepStatus string

// Step status values.
const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
)

// Pipeline step names. Steps run in array order and markdown_to_qr is always
// the terminal chunk-and-embed step.
const (
	StepHTMLToMarkdown   = "html_to_markdown"
	StepPDFToImages      = "pdf_to_images"
	StepImagesToMarkdown = "images_to_markdown"
	StepMarkdownToQR     = "markdown_to_qr"
)
