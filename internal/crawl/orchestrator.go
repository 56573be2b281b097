// Package crawl implements the breadth-first frontier walker: one fetch task
// per discovered URL, bounded by depth, page count, and politeness limits.
package crawl

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/ingest"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/progress"
	"github.com/ragline/ragline/internal/urlnorm"
)

const defaultMaxContentBytes = 10 << 20

// Content types the pipeline can process. Anything else is skipped.
var supportedContentTypes = map[string]struct{}{
	"text/html":             {},
	"application/xhtml+xml": {},
	"application/pdf":       {},
	"image/png":             {},
	"image/jpeg":            {},
	"image/webp":            {},
	"image/gif":             {},
	"text/plain":            {},
	"text/markdown":         {},
}

// Config controls orchestrator behavior.
type Config struct {
	UserAgent          string
	MaxContentBytes    int64
	RetryBudget        int
	RetryBackoff       time.Duration
	ForbiddenThreshold int
	SitemapSeedLimit   int
}

// RobotsFactory builds a robots policy honoring the campaign's compliance flag.
type RobotsFactory func(crawl ingest.Crawl) ingest.RobotsPolicy

// Orchestrator drives the per-entry fetch state machine. All coordination
// happens through the crawl store; orchestrator instances on different
// workers share nothing but the database.
type Orchestrator struct {
	crawls  ingest.CrawlStore
	docs    ingest.DocumentStore
	blobs   ingest.BlobStore
	queue   ingest.TaskQueue
	fetcher ingest.Fetcher
	bypass  ingest.Fetcher
	robots  RobotsFactory
	hasher  ingest.Hasher
	clock   ingest.Clock
	ids     ingest.IDGenerator
	pauser  pauseController
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger

	mu          sync.Mutex
	robotsCache map[string]ingest.RobotsPolicy
	blockers    map[string]*thresholdDomainBlocker
}

// New constructs an Orchestrator. The bypass fetcher may be nil when no
// headless browser is deployed.
func New(
	crawls ingest.CrawlStore,
	docs ingest.DocumentStore,
	blobs ingest.BlobStore,
	queue ingest.TaskQueue,
	fetcher ingest.Fetcher,
	bypass ingest.Fetcher,
	robots RobotsFactory,
	hasher ingest.Hasher,
	clock ingest.Clock,
	ids ingest.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.SitemapSeedLimit <= 0 {
		cfg.SitemapSeedLimit = 200
	}
	return &Orchestrator{
		crawls:      crawls,
		docs:        docs,
		blobs:       blobs,
		queue:       queue,
		fetcher:     fetcher,
		bypass:      bypass,
		robots:      robots,
		hasher:      hasher,
		clock:       clock,
		ids:         ids,
		pauser:      &timerPauseController{},
		cfg:         cfg,
		logger:      logger,
		robotsCache: make(map[string]ingest.RobotsPolicy),
		blockers:    make(map[string]*thresholdDomainBlocker),
	}
}

// SetProgress attaches an optional progress emitter. Attach before any task
// flows; the field is not guarded.
func (o *Orchestrator) SetProgress(emitter progress.Emitter) {
	o.emitter = emitter
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	o.emitter.Emit(evt)
}

// Start validates the campaign, persists it, seeds the frontier with the
// start URL (and any sitemap URLs robots.txt volunteers), and enqueues the
// first fetch task.
func (o *Orchestrator) Start(ctx context.Context, crawl ingest.Crawl) (ingest.Crawl, error) {
	normalized, err := urlnorm.Normalize(crawl.StartURL)
	if err != nil {
		return ingest.Crawl{}, fmt.Errorf("normalize start url: %w", err)
	}
	if !urlnorm.IsValid(normalized) {
		return ingest.Crawl{}, fmt.Errorf("start url %q is not crawlable", crawl.StartURL)
	}
	crawl.StartURL = normalized
	if len(crawl.AllowedDomains) == 0 {
		parsed, parseErr := url.Parse(normalized)
		if parseErr != nil {
			return ingest.Crawl{}, fmt.Errorf("parse start url: %w", parseErr)
		}
		crawl.AllowedDomains = []string{parsed.Hostname()}
	}
	if _, err = NewPatternFilter(crawl); err != nil {
		return ingest.Crawl{}, err
	}
	if crawl.ID == "" {
		crawl.ID, err = o.ids.NewID()
		if err != nil {
			return ingest.Crawl{}, err
		}
	}
	crawl.Status = ingest.CrawlStatusPending
	crawl.Created = o.clock.Now()
	if err = o.crawls.CreateCrawl(ctx, crawl); err != nil {
		return ingest.Crawl{}, fmt.Errorf("create crawl: %w", err)
	}

	entryID, err := o.seedEntry(ctx, crawl, normalized, 0, "")
	if err != nil {
		return ingest.Crawl{}, err
	}
	o.seedSitemaps(ctx, crawl)

	if err = o.crawls.UpdateCrawlStatus(ctx, crawl.ID, ingest.CrawlStatusRunning, ""); err != nil {
		return ingest.Crawl{}, fmt.Errorf("mark crawl running: %w", err)
	}
	crawl.Status = ingest.CrawlStatusRunning

	if err = o.enqueueFetch(ctx, crawl.ID, entryID, 0); err != nil {
		return ingest.Crawl{}, err
	}
	o.logger.Info("crawl started",
		zap.String("crawl_id", crawl.ID),
		zap.String("start_url", normalized),
		zap.Int("max_depth", crawl.MaxDepth),
		zap.Int("max_pages", crawl.MaxPages),
	)
	o.emit(progress.Event{CrawlID: crawl.ID, Stage: progress.StageCrawlStart, URL: normalized})
	return crawl, nil
}

// Pause suspends a running campaign. Queued fetch tasks for it are dropped
// when dequeued; Resume reseeds them from the store.
func (o *Orchestrator) Pause(ctx context.Context, crawlID string) error {
	crawl, err := o.crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("load crawl %s: %w", crawlID, err)
	}
	if crawl.Status != ingest.CrawlStatusRunning {
		return fmt.Errorf("crawl %s is %s, not running", crawlID, crawl.Status)
	}
	if err := o.crawls.UpdateCrawlStatus(ctx, crawlID, ingest.CrawlStatusPaused, ""); err != nil {
		return fmt.Errorf("pause crawl: %w", err)
	}
	o.logger.Info("crawl paused", zap.String("crawl_id", crawlID))
	return nil
}

// Resume reactivates a paused campaign and re-enqueues a fetch task for
// every entry still pending.
func (o *Orchestrator) Resume(ctx context.Context, crawlID string) error {
	crawl, err := o.crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("load crawl %s: %w", crawlID, err)
	}
	if crawl.Status != ingest.CrawlStatusPaused {
		return fmt.Errorf("crawl %s is %s, not paused", crawlID, crawl.Status)
	}
	if err := o.crawls.UpdateCrawlStatus(ctx, crawlID, ingest.CrawlStatusRunning, ""); err != nil {
		return fmt.Errorf("resume crawl: %w", err)
	}
	pending, err := o.crawls.ListEntries(ctx, crawlID, ingest.EntryStatusPending)
	if err != nil {
		return fmt.Errorf("list pending entries: %w", err)
	}
	for _, entry := range pending {
		if err := o.enqueueFetch(ctx, crawlID, entry.ID, 0); err != nil {
			return err
		}
	}
	o.logger.Info("crawl resumed",
		zap.String("crawl_id", crawlID),
		zap.Int("pending_entries", len(pending)),
	)
	return o.maybeComplete(ctx, crawlID)
}

// Cancel terminates a campaign. In-flight fetches finish; everything still
// queued is dropped.
func (o *Orchestrator) Cancel(ctx context.Context, crawlID string) error {
	crawl, err := o.crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("load crawl %s: %w", crawlID, err)
	}
	if crawl.Status.IsTerminal() {
		return fmt.Errorf("crawl %s is already %s", crawlID, crawl.Status)
	}
	if err := o.crawls.UpdateCrawlStatus(ctx, crawlID, ingest.CrawlStatusCancelled, ""); err != nil {
		return fmt.Errorf("cancel crawl: %w", err)
	}
	o.logger.Info("crawl cancelled", zap.String("crawl_id", crawlID))
	return nil
}

// HandleFetch executes one crawl_fetch task: the pending -> fetching ->
// fetched/skipped/error transition for a single entry.
func (o *Orchestrator) HandleFetch(ctx context.Context, task ingest.Task) error {
	var payload ingest.CrawlFetchPayload
	if err := task.DecodePayload(&payload); err != nil {
		return err
	}

	crawl, err := o.crawls.GetCrawl(ctx, payload.CrawlID)
	if err != nil {
		return fmt.Errorf("load crawl %s: %w", payload.CrawlID, err)
	}
	// Cooperative cancellation: status is polled at task start only; in-flight
	// fetches complete before a pause or cancel takes effect.
	if !crawl.Status.Active() {
		o.logger.Info("crawl inactive; dropping fetch task",
			zap.String("crawl_id", crawl.ID),
			zap.String("status", string(crawl.Status)),
		)
		return nil
	}

	entry, err := o.crawls.GetEntry(ctx, payload.EntryID)
	if err != nil {
		return fmt.Errorf("load entry %s: %w", payload.EntryID, err)
	}
	if entry.Status != ingest.EntryStatusPending {
		return nil
	}

	policy := o.robotsPolicy(crawl)
	if !policy.Allowed(ctx, entry.URL) {
		return o.skipEntry(ctx, crawl, entry, ingest.SkipRobotsDisallowed)
	}
	if !urlnorm.IsAllowedDomain(entry.URL, crawl.AllowedDomains) {
		return o.skipEntry(ctx, crawl, entry, ingest.SkipDomainNotAllowed)
	}
	if o.blocker(crawl.ID).IsBlocked(hostOf(entry.URL)) {
		return o.skipEntry(ctx, crawl, entry, ingest.SkipDomainNotAllowed)
	}

	delay := crawl.Delay
	if robotsDelay := policy.CrawlDelay(ctx, entry.URL); robotsDelay > delay {
		delay = robotsDelay
	}
	o.pauser.Pause(ctx, delay)

	entry.Status = ingest.EntryStatusFetching
	if err = o.crawls.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("mark entry fetching: %w", err)
	}

	existing, haveCache := o.cachedURL(ctx, entry.URLHash)
	request := ingest.FetchRequest{
		URL:       entry.URL,
		UserAgent: o.cfg.UserAgent,
		Auth:      crawl.Auth,
	}
	if haveCache {
		request.ETag = existing.ETag
		request.LastModified = existing.LastModified
	}

	fetchStart := o.clock.Now()
	resp, err := o.fetcher.Fetch(ctx, request)
	if err != nil {
		return o.retryOrFail(ctx, crawl, entry, err)
	}

	if resp.StatusCode == http.StatusForbidden && o.bypass != nil {
		if bypassed, ok := o.tryBypass(ctx, request); ok {
			resp = bypassed
		}
	}

	return o.handleResponse(ctx, crawl, entry, existing, haveCache, resp, o.clock.Now().Sub(fetchStart))
}

func (o *Orchestrator) handleResponse(
	ctx context.Context,
	crawl ingest.Crawl,
	entry ingest.CrawlEntry,
	existing ingest.CrawledURL,
	haveCache bool,
	resp ingest.FetchResponse,
	dur time.Duration,
) error {
	switch {
	case resp.NotModified && haveCache:
		return o.handleNotModified(ctx, crawl, entry, existing)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// Redirects are recorded, not followed.
		return o.skipEntry(ctx, crawl, entry, ingest.SkipRedirect)
	case resp.StatusCode >= 500:
		// Server errors are transient: burn the retry budget before erroring.
		return o.retryOrFail(ctx, crawl, entry, fmt.Errorf("http status %d for %s", resp.StatusCode, entry.URL))
	case resp.StatusCode >= 400:
		if resp.StatusCode == http.StatusForbidden {
			o.blocker(crawl.ID).MarkForbidden(hostOf(entry.URL))
		}
		return o.failEntry(ctx, crawl, entry, fmt.Errorf("http status %d for %s", resp.StatusCode, entry.URL))
	}

	if _, supported := supportedContentTypes[resp.ContentType]; !supported {
		return o.skipEntry(ctx, crawl, entry, ingest.SkipUnsupportedType)
	}
	if int64(len(resp.Body)) > o.cfg.MaxContentBytes {
		return o.skipEntry(ctx, crawl, entry, ingest.SkipContentTooLarge)
	}

	// Frontier expansion happens before the pattern filter: an excluded page
	// still links to pages that may be indexable.
	if isHTML(resp.ContentType) && entry.Depth < crawl.MaxDepth {
		o.discoverLinks(ctx, crawl, entry, resp.Body)
	}

	filter, err := NewPatternFilter(crawl)
	if err != nil {
		return err
	}
	if !filter.Allowed(entry.URL) {
		return o.skipEntry(ctx, crawl, entry, ingest.SkipPatternExcluded)
	}

	contentHash, err := o.hasher.Hash(resp.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	storagePath := blobPath(entry.URLHash, contentHash, resp.ContentType)
	if _, err = o.blobs.Put(ctx, storagePath, resp.ContentType, resp.Body); err != nil {
		return fmt.Errorf("store content: %w", err)
	}

	record := ingest.CrawledURL{
		URL:           entry.URL,
		URLHash:       entry.URLHash,
		HTTPStatus:    resp.StatusCode,
		ContentType:   resp.ContentType,
		ContentLength: int64(len(resp.Body)),
		ETag:          resp.ETag,
		LastModified:  resp.LastModified,
		ContentHash:   contentHash,
		StoragePath:   storagePath,
		FetchedAt:     o.clock.Now(),
	}
	if haveCache {
		record.ID = existing.ID
	} else {
		record.ID, err = o.ids.NewID()
		if err != nil {
			return err
		}
	}
	saved, err := o.crawls.UpsertCrawledURL(ctx, record)
	if err != nil {
		return fmt.Errorf("upsert crawled url: %w", err)
	}

	delta := ingest.CrawlCounters{PagesCrawled: 1, BytesFetched: int64(len(resp.Body))}
	if err = o.crawls.IncrementCounters(ctx, crawl.ID, delta); err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	metrics.RecordPage("fetched")
	metrics.AddBytes(int64(len(resp.Body)))
	o.emit(progress.Event{
		CrawlID:     crawl.ID,
		Stage:       progress.StageFetchDone,
		Site:        hostOf(entry.URL),
		URL:         entry.URL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         dur,
	})

	entry.Status = ingest.EntryStatusFetched
	entry.SkipReason = ""
	if err = o.crawls.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("mark entry fetched: %w", err)
	}

	route, err := ingest.NewTask(ingest.TaskRouteContent, ingest.RouteContentPayload{
		CrawlID:      crawl.ID,
		EntryID:      entry.ID,
		CrawledURLID: saved.ID,
		AgentID:      crawl.AgentID,
	})
	if err != nil {
		return err
	}
	if err = o.queue.Enqueue(ctx, route); err != nil {
		return fmt.Errorf("enqueue route task: %w", err)
	}
	return o.maybeComplete(ctx, crawl.ID)
}

// discoverLinks expands the frontier from an HTML page: same-scope links are
// normalized, deduplicated against this campaign's entries, and enqueued,
// bounded by max_pages.
func (o *Orchestrator) discoverLinks(ctx context.Context, crawl ingest.Crawl, parent ingest.CrawlEntry, body []byte) {
	links, err := ExtractLinks(parent.URL, body)
	if err != nil {
		o.logger.Warn("link extraction failed", zap.String("url", parent.URL), zap.Error(err))
		return
	}
	for _, link := range links {
		if !urlnorm.IsAllowedDomain(link, crawl.AllowedDomains) {
			continue
		}
		total, err := o.crawls.CountEntries(ctx, crawl.ID)
		if err != nil {
			o.logger.Warn("count entries failed", zap.String("crawl_id", crawl.ID), zap.Error(err))
			return
		}
		if crawl.MaxPages > 0 && total >= crawl.MaxPages {
			return
		}
		entryID, err := o.seedEntry(ctx, crawl, link, parent.Depth+1, parent.URL)
		if err != nil {
			o.logger.Warn("seed entry failed", zap.String("url", link), zap.Error(err))
			continue
		}
		if entryID == "" {
			continue // already discovered in this campaign
		}
		if err = o.enqueueFetch(ctx, crawl.ID, entryID, crawl.Delay); err != nil {
			o.logger.Warn("enqueue fetch failed", zap.String("url", link), zap.Error(err))
		}
	}
}

// seedEntry creates a campaign entry unless the URL is already known to this
// campaign. Returns the new entry's ID, or "" when deduplicated.
func (o *Orchestrator) seedEntry(ctx context.Context, crawl ingest.Crawl, normalizedURL string, depth int, parentURL string) (string, error) {
	urlHash, err := urlnorm.Hash(normalizedURL)
	if err != nil {
		return "", err
	}
	entryID, err := o.ids.NewID()
	if err != nil {
		return "", err
	}
	created, err := o.crawls.CreateEntry(ctx, ingest.CrawlEntry{
		ID:        entryID,
		CrawlID:   crawl.ID,
		URL:       normalizedURL,
		URLHash:   urlHash,
		Depth:     depth,
		ParentURL: parentURL,
		Status:    ingest.EntryStatusPending,
	})
	if err != nil {
		return "", fmt.Errorf("create entry: %w", err)
	}
	if !created {
		return "", nil
	}
	if err = o.crawls.IncrementCounters(ctx, crawl.ID, ingest.CrawlCounters{PagesDiscovered: 1}); err != nil {
		return "", fmt.Errorf("increment discovered: %w", err)
	}
	return entryID, nil
}

func (o *Orchestrator) enqueueFetch(ctx context.Context, crawlID, entryID string, delay time.Duration) error {
	task, err := ingest.NewTask(ingest.TaskCrawlFetch, ingest.CrawlFetchPayload{
		CrawlID: crawlID,
		EntryID: entryID,
	})
	if err != nil {
		return err
	}
	task.Delay = delay
	if err = o.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue fetch task: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleNotModified(ctx context.Context, crawl ingest.Crawl, entry ingest.CrawlEntry, existing ingest.CrawledURL) error {
	// Keep the cached content and storage path; only the observed status moves.
	existing.HTTPStatus = http.StatusNotModified
	existing.FetchedAt = o.clock.Now()
	if _, err := o.crawls.UpsertCrawledURL(ctx, existing); err != nil {
		return fmt.Errorf("update cached url: %w", err)
	}

	status := ingest.EntryStatusSkipped
	if doc, err := o.docs.FindDocument(ctx, existing.ID, crawl.AgentID); err == nil && doc.Indexed {
		status = ingest.EntryStatusIndexed
	}
	entry.Status = status
	entry.SkipReason = ingest.SkipNotModified
	if err := o.crawls.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("mark entry from cache: %w", err)
	}
	if err := o.crawls.IncrementCounters(ctx, crawl.ID, ingest.CrawlCounters{PagesSkipped: 1}); err != nil {
		return err
	}
	metrics.RecordPage("not_modified")
	return o.maybeComplete(ctx, crawl.ID)
}

func (o *Orchestrator) skipEntry(ctx context.Context, crawl ingest.Crawl, entry ingest.CrawlEntry, reason ingest.SkipReason) error {
	entry.Status = ingest.EntryStatusSkipped
	entry.SkipReason = reason
	if err := o.crawls.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("mark entry skipped: %w", err)
	}
	if err := o.crawls.IncrementCounters(ctx, crawl.ID, ingest.CrawlCounters{PagesSkipped: 1}); err != nil {
		return err
	}
	metrics.RecordPage("skipped")
	o.emit(progress.Event{
		CrawlID: crawl.ID,
		Stage:   progress.StagePageSkip,
		Site:    hostOf(entry.URL),
		URL:     entry.URL,
		Note:    string(reason),
	})
	o.logger.Debug("entry skipped",
		zap.String("crawl_id", crawl.ID),
		zap.String("url", entry.URL),
		zap.String("reason", string(reason)),
	)
	return o.maybeComplete(ctx, crawl.ID)
}

// retryOrFail re-enqueues transient fetch failures with a fixed backoff until
// the retry budget is spent, then records the entry as errored.
func (o *Orchestrator) retryOrFail(ctx context.Context, crawl ingest.Crawl, entry ingest.CrawlEntry, fetchErr error) error {
	if entry.RetryCount < o.cfg.RetryBudget {
		entry.RetryCount++
		entry.Status = ingest.EntryStatusPending
		if err := o.crawls.UpdateEntry(ctx, entry); err != nil {
			return fmt.Errorf("record retry: %w", err)
		}
		o.logger.Warn("fetch failed; retrying",
			zap.String("url", entry.URL),
			zap.Int("attempt", entry.RetryCount),
			zap.Error(fetchErr),
		)
		return o.enqueueFetch(ctx, crawl.ID, entry.ID, o.cfg.RetryBackoff)
	}
	return o.failEntry(ctx, crawl, entry, fetchErr)
}

func (o *Orchestrator) failEntry(ctx context.Context, crawl ingest.Crawl, entry ingest.CrawlEntry, cause error) error {
	entry.Status = ingest.EntryStatusError
	if err := o.crawls.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("mark entry errored: %w", err)
	}
	if err := o.crawls.IncrementCounters(ctx, crawl.ID, ingest.CrawlCounters{PagesErrored: 1}); err != nil {
		return err
	}
	metrics.RecordPage("error")
	o.emit(progress.Event{
		CrawlID: crawl.ID,
		Stage:   progress.StagePageError,
		Site:    hostOf(entry.URL),
		URL:     entry.URL,
		Note:    cause.Error(),
	})
	if err := o.maybeComplete(ctx, crawl.ID); err != nil {
		return err
	}
	return fmt.Errorf("fetch %s: %w", entry.URL, cause)
}

func (o *Orchestrator) maybeComplete(ctx context.Context, crawlID string) error {
	return CheckCompletion(ctx, o.crawls, o.logger, o.emitter, crawlID)
}

// CheckCompletion closes the campaign once no open entries remain. The check
// is eventually consistent; the store's compare-and-swap makes the transition
// idempotent when two workers observe zero simultaneously. Every task that
// settles an entry calls this, including the router after indexing. The
// emitter may be nil.
func CheckCompletion(ctx context.Context, crawls ingest.CrawlStore, logger *zap.Logger, emitter progress.Emitter, crawlID string) error {
	open, err := crawls.CountOpenEntries(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("count open entries: %w", err)
	}
	if open > 0 {
		return nil
	}
	crawl, err := crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		return err
	}
	if crawl.Counters.PagesCrawled == 0 && crawl.Counters.PagesErrored > 0 {
		if err = crawls.UpdateCrawlStatus(ctx, crawlID, ingest.CrawlStatusFailed, "no pages could be fetched"); err != nil {
			return fmt.Errorf("mark crawl failed: %w", err)
		}
		logger.Warn("crawl failed", zap.String("crawl_id", crawlID))
		if emitter != nil {
			emitter.Emit(progress.Event{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlError})
		}
		return nil
	}
	won, err := crawls.CompleteCrawl(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("complete crawl: %w", err)
	}
	if won {
		logger.Info("crawl completed", zap.String("crawl_id", crawlID))
		if emitter != nil {
			emitter.Emit(progress.Event{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlDone})
		}
	}
	return nil
}

func (o *Orchestrator) tryBypass(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, bool) {
	resp, err := o.bypass.Fetch(ctx, request)
	if err != nil {
		o.logger.Warn("challenge bypass failed", zap.String("url", request.URL), zap.Error(err))
		return ingest.FetchResponse{}, false
	}
	if resp.StatusCode >= 400 {
		return ingest.FetchResponse{}, false
	}
	o.logger.Info("challenge bypass succeeded", zap.String("url", request.URL))
	return resp, true
}

func (o *Orchestrator) cachedURL(ctx context.Context, urlHash string) (ingest.CrawledURL, bool) {
	cu, err := o.crawls.GetCrawledURL(ctx, urlHash)
	if err != nil {
		return ingest.CrawledURL{}, false
	}
	return cu, true
}

func (o *Orchestrator) robotsPolicy(crawl ingest.Crawl) ingest.RobotsPolicy {
	o.mu.Lock()
	defer o.mu.Unlock()
	if policy, ok := o.robotsCache[crawl.ID]; ok {
		return policy
	}
	policy := o.robots(crawl)
	o.robotsCache[crawl.ID] = policy
	return policy
}

func (o *Orchestrator) blocker(crawlID string) *thresholdDomainBlocker {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.blockers[crawlID]
	if !ok {
		b = newThresholdDomainBlocker(o.cfg.ForbiddenThreshold)
		o.blockers[crawlID] = b
	}
	return b
}

// seedSitemaps fetches sitemap URLs volunteered by robots.txt and seeds their
// page URLs at depth 1. Best-effort: failures only log.
func (o *Orchestrator) seedSitemaps(ctx context.Context, crawl ingest.Crawl) {
	policy := o.robotsPolicy(crawl)
	for _, sitemapURL := range policy.Sitemaps(ctx, crawl.StartURL) {
		if !urlnorm.IsAllowedDomain(sitemapURL, crawl.AllowedDomains) {
			continue
		}
		resp, err := o.fetcher.Fetch(ctx, ingest.FetchRequest{URL: sitemapURL, UserAgent: o.cfg.UserAgent})
		if err != nil || resp.StatusCode != http.StatusOK {
			o.logger.Debug("sitemap fetch failed", zap.String("sitemap", sitemapURL), zap.Error(err))
			continue
		}
		seeded := 0
		for _, loc := range parseSitemapLocs(resp.Body) {
			if seeded >= o.cfg.SitemapSeedLimit {
				break
			}
			normalized, err := urlnorm.Normalize(loc)
			if err != nil || !urlnorm.IsValid(normalized) {
				continue
			}
			if !urlnorm.IsAllowedDomain(normalized, crawl.AllowedDomains) {
				continue
			}
			total, err := o.crawls.CountEntries(ctx, crawl.ID)
			if err != nil || (crawl.MaxPages > 0 && total >= crawl.MaxPages) {
				return
			}
			entryID, err := o.seedEntry(ctx, crawl, normalized, 1, crawl.StartURL)
			if err != nil || entryID == "" {
				continue
			}
			if err = o.enqueueFetch(ctx, crawl.ID, entryID, crawl.Delay); err != nil {
				o.logger.Warn("enqueue sitemap entry failed", zap.String("url", normalized), zap.Error(err))
			}
			seeded++
		}
	}
}

type sitemapDoc struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

func parseSitemapLocs(body []byte) []string {
	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil
	}
	locs := make([]string, 0, len(doc.URLs))
	for _, u := range doc.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			locs = append(locs, loc)
		}
	}
	return locs
}

func blobPath(urlHash, contentHash, contentType string) string {
	return path.Join("pages", urlHash, contentHash+extensionFor(contentType))
}

func extensionFor(contentType string) string {
	switch contentType {
	case "text/html", "application/xhtml+xml":
		return ".html"
	case "application/pdf":
		return ".pdf"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "text/markdown":
		return ".md"
	default:
		return ".txt"
	}
}

func isHTML(contentType string) bool {
	return contentType == "text/html" || contentType == "application/xhtml+xml"
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
