// Package postgres provides Postgres-backed persistence for crawls and
// documents using pgx connection pools.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/internal/ingest"
)

// ErrNotFound signals that the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// querier is the subset of pgxpool.Pool the stores need. pgxmock pools
// satisfy it too, which keeps the tests off a live database.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// CrawlStore implements ingest.CrawlStore on Postgres.
type CrawlStore struct {
	db querier
}

// NewCrawlStore connects a pool from the DSN and wraps it in a CrawlStore.
func NewCrawlStore(ctx context.Context, dsn string) (*CrawlStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CrawlStore{db: pool}, nil
}

// NewCrawlStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewCrawlStoreWithPool(db querier) (*CrawlStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CrawlStore{db: db}, nil
}

// Close releases the underlying pool resources.
func (s *CrawlStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

const crawlColumns = `id, agent_id, start_url, max_depth, max_pages, delay_ms,
	allowed_domains, include_patterns, exclude_patterns, pattern_mode,
	respect_robots, auth, status, error_text,
	pages_discovered, pages_crawled, pages_indexed, pages_skipped,
	pages_errored, bytes_fetched, created_at, started_at, finished_at`

// CreateCrawl inserts a new campaign row.
func (s *CrawlStore) CreateCrawl(ctx context.Context, crawl ingest.Crawl) error {
	if crawl.ID == "" {
		return fmt.Errorf("crawl id is required")
	}
	domains, err := json.Marshal(crawl.AllowedDomains)
	if err != nil {
		return fmt.Errorf("marshal allowed domains: %w", err)
	}
	include, err := json.Marshal(crawl.IncludePatterns)
	if err != nil {
		return fmt.Errorf("marshal include patterns: %w", err)
	}
	exclude, err := json.Marshal(crawl.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("marshal exclude patterns: %w", err)
	}
	var auth []byte
	if crawl.Auth != nil {
		auth, err = json.Marshal(crawl.Auth)
		if err != nil {
			return fmt.Errorf("marshal auth: %w", err)
		}
	}
	query := `
		INSERT INTO crawls (` + crawlColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23);
	`
	_, err = s.db.Exec(ctx, query,
		crawl.ID,
		crawl.AgentID,
		crawl.StartURL,
		crawl.MaxDepth,
		crawl.MaxPages,
		crawl.Delay.Milliseconds(),
		domains,
		include,
		exclude,
		crawl.PatternMode,
		crawl.RespectRobots,
		auth,
		crawl.Status,
		crawl.ErrorText,
		crawl.Counters.PagesDiscovered,
		crawl.Counters.PagesCrawled,
		crawl.Counters.PagesIndexed,
		crawl.Counters.PagesSkipped,
		crawl.Counters.PagesErrored,
		crawl.Counters.BytesFetched,
		crawl.Created,
		crawl.Started,
		crawl.Finished,
	)
	if err != nil {
		return fmt.Errorf("insert crawl: %w", err)
	}
	return nil
}

// GetCrawl loads a campaign by ID.
func (s *CrawlStore) GetCrawl(ctx context.Context, crawlID string) (ingest.Crawl, error) {
	query := `SELECT ` + crawlColumns + ` FROM crawls WHERE id = $1;`
	var (
		crawl   ingest.Crawl
		delayMs int64
		domains []byte
		include []byte
		exclude []byte
		auth    []byte
	)
	err := s.db.QueryRow(ctx, query, crawlID).Scan(
		&crawl.ID,
		&crawl.AgentID,
		&crawl.StartURL,
		&crawl.MaxDepth,
		&crawl.MaxPages,
		&delayMs,
		&domains,
		&include,
		&exclude,
		&crawl.PatternMode,
		&crawl.RespectRobots,
		&auth,
		&crawl.Status,
		&crawl.ErrorText,
		&crawl.Counters.PagesDiscovered,
		&crawl.Counters.PagesCrawled,
		&crawl.Counters.PagesIndexed,
		&crawl.Counters.PagesSkipped,
		&crawl.Counters.PagesErrored,
		&crawl.Counters.BytesFetched,
		&crawl.Created,
		&crawl.Started,
		&crawl.Finished,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Crawl{}, ErrNotFound
		}
		return ingest.Crawl{}, fmt.Errorf("get crawl: %w", err)
	}
	crawl.Delay = time.Duration(delayMs) * time.Millisecond
	if err := unmarshalList(domains, &crawl.AllowedDomains); err != nil {
		return ingest.Crawl{}, fmt.Errorf("unmarshal allowed domains: %w", err)
	}
	if err := unmarshalList(include, &crawl.IncludePatterns); err != nil {
		return ingest.Crawl{}, fmt.Errorf("unmarshal include patterns: %w", err)
	}
	if err := unmarshalList(exclude, &crawl.ExcludePatterns); err != nil {
		return ingest.Crawl{}, fmt.Errorf("unmarshal exclude patterns: %w", err)
	}
	if len(auth) > 0 {
		crawl.Auth = &ingest.FetchAuth{}
		if err := json.Unmarshal(auth, crawl.Auth); err != nil {
			return ingest.Crawl{}, fmt.Errorf("unmarshal auth: %w", err)
		}
	}
	return crawl, nil
}

// UpdateCrawlStatus sets the campaign status, stamping started_at on the
// first transition to running and finished_at on terminal states.
func (s *CrawlStore) UpdateCrawlStatus(ctx context.Context, crawlID string, status ingest.CrawlStatus, errText string) error {
	query := `
		UPDATE crawls
		SET status = $2,
			error_text = $3,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $4 ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN $4 ELSE finished_at END
		WHERE id = $1;
	`
	tag, err := s.db.Exec(ctx, query, crawlID, status, errText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update crawl status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteCrawl transitions running -> completed. The WHERE clause makes the
// transition a compare-and-swap, so exactly one concurrent caller wins.
func (s *CrawlStore) CompleteCrawl(ctx context.Context, crawlID string) (bool, error) {
	query := `
		UPDATE crawls
		SET status = 'completed', finished_at = $2
		WHERE id = $1 AND status = 'running';
	`
	tag, err := s.db.Exec(ctx, query, crawlID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("complete crawl: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementCounters applies the delta in a single UPDATE so concurrent
// workers never lose increments.
func (s *CrawlStore) IncrementCounters(ctx context.Context, crawlID string, delta ingest.CrawlCounters) error {
	query := `
		UPDATE crawls
		SET pages_discovered = pages_discovered + $2,
			pages_crawled = pages_crawled + $3,
			pages_indexed = pages_indexed + $4,
			pages_skipped = pages_skipped + $5,
			pages_errored = pages_errored + $6,
			bytes_fetched = bytes_fetched + $7
		WHERE id = $1;
	`
	tag, err := s.db.Exec(ctx, query, crawlID,
		delta.PagesDiscovered,
		delta.PagesCrawled,
		delta.PagesIndexed,
		delta.PagesSkipped,
		delta.PagesErrored,
		delta.BytesFetched,
	)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertCrawledURL inserts the fetch-cache row or refreshes it in place,
// keyed by the normalized URL hash. The stored row's ID is returned so a
// refresh keeps the identity existing documents point at.
func (s *CrawlStore) UpsertCrawledURL(ctx context.Context, cu ingest.CrawledURL) (ingest.CrawledURL, error) {
	query := `
		INSERT INTO crawled_urls (
			id, url, url_hash, http_status, content_type, content_length,
			etag, last_modified, content_hash, storage_path, fetched_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (url_hash) DO UPDATE SET
			http_status = EXCLUDED.http_status,
			content_type = EXCLUDED.content_type,
			content_length = EXCLUDED.content_length,
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified,
			content_hash = EXCLUDED.content_hash,
			storage_path = EXCLUDED.storage_path,
			fetched_at = EXCLUDED.fetched_at
		RETURNING id;
	`
	err := s.db.QueryRow(ctx, query,
		cu.ID,
		cu.URL,
		cu.URLHash,
		cu.HTTPStatus,
		cu.ContentType,
		cu.ContentLength,
		cu.ETag,
		cu.LastModified,
		cu.ContentHash,
		cu.StoragePath,
		cu.FetchedAt,
	).Scan(&cu.ID)
	if err != nil {
		return ingest.CrawledURL{}, fmt.Errorf("upsert crawled url: %w", err)
	}
	return cu, nil
}

// GetCrawledURL loads the fetch-cache row for a URL hash.
func (s *CrawlStore) GetCrawledURL(ctx context.Context, urlHash string) (ingest.CrawledURL, error) {
	query := `
		SELECT id, url, url_hash, http_status, content_type, content_length,
			etag, last_modified, content_hash, storage_path, fetched_at
		FROM crawled_urls
		WHERE url_hash = $1;
	`
	var cu ingest.CrawledURL
	err := s.db.QueryRow(ctx, query, urlHash).Scan(
		&cu.ID,
		&cu.URL,
		&cu.URLHash,
		&cu.HTTPStatus,
		&cu.ContentType,
		&cu.ContentLength,
		&cu.ETag,
		&cu.LastModified,
		&cu.ContentHash,
		&cu.StoragePath,
		&cu.FetchedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.CrawledURL{}, ErrNotFound
		}
		return ingest.CrawledURL{}, fmt.Errorf("get crawled url: %w", err)
	}
	return cu, nil
}

// CreateEntry inserts the entry unless one already exists for the
// (crawl, url) pair. The unique index on (crawl_id, url_hash) is what makes
// frontier deduplication safe under concurrency.
func (s *CrawlStore) CreateEntry(ctx context.Context, entry ingest.CrawlEntry) (bool, error) {
	query := `
		INSERT INTO crawl_entries (
			id, crawl_id, url, url_hash, depth, parent_url,
			status, skip_reason, retry_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (crawl_id, url_hash) DO NOTHING;
	`
	tag, err := s.db.Exec(ctx, query,
		entry.ID,
		entry.CrawlID,
		entry.URL,
		entry.URLHash,
		entry.Depth,
		entry.ParentURL,
		entry.Status,
		entry.SkipReason,
		entry.RetryCount,
	)
	if err != nil {
		return false, fmt.Errorf("insert crawl entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetEntry loads an entry by ID.
func (s *CrawlStore) GetEntry(ctx context.Context, entryID string) (ingest.CrawlEntry, error) {
	query := `
		SELECT id, crawl_id, url, url_hash, depth, parent_url,
			status, skip_reason, retry_count
		FROM crawl_entries
		WHERE id = $1;
	`
	var entry ingest.CrawlEntry
	err := s.db.QueryRow(ctx, query, entryID).Scan(
		&entry.ID,
		&entry.CrawlID,
		&entry.URL,
		&entry.URLHash,
		&entry.Depth,
		&entry.ParentURL,
		&entry.Status,
		&entry.SkipReason,
		&entry.RetryCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.CrawlEntry{}, ErrNotFound
		}
		return ingest.CrawlEntry{}, fmt.Errorf("get crawl entry: %w", err)
	}
	return entry, nil
}

// UpdateEntry replaces the mutable fields of an entry row.
func (s *CrawlStore) UpdateEntry(ctx context.Context, entry ingest.CrawlEntry) error {
	query := `
		UPDATE crawl_entries
		SET status = $2, skip_reason = $3, retry_count = $4
		WHERE id = $1;
	`
	tag, err := s.db.Exec(ctx, query, entry.ID, entry.Status, entry.SkipReason, entry.RetryCount)
	if err != nil {
		return fmt.Errorf("update crawl entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEntries returns a campaign's entries in the given state.
func (s *CrawlStore) ListEntries(ctx context.Context, crawlID string, status ingest.EntryStatus) ([]ingest.CrawlEntry, error) {
	query := `
		SELECT id, crawl_id, url, url_hash, depth, parent_url,
			status, skip_reason, retry_count
		FROM crawl_entries
		WHERE crawl_id = $1 AND status = $2
		ORDER BY depth, url;
	`
	rows, err := s.db.Query(ctx, query, crawlID, status)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []ingest.CrawlEntry
	for rows.Next() {
		var entry ingest.CrawlEntry
		err := rows.Scan(
			&entry.ID,
			&entry.CrawlID,
			&entry.URL,
			&entry.URLHash,
			&entry.Depth,
			&entry.ParentURL,
			&entry.Status,
			&entry.SkipReason,
			&entry.RetryCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

// CountEntries returns the total number of entries for a campaign.
func (s *CrawlStore) CountEntries(ctx context.Context, crawlID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM crawl_entries WHERE crawl_id = $1;`, crawlID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// CountOpenEntries returns the number of entries still in flight, the value
// completion detection hinges on.
func (s *CrawlStore) CountOpenEntries(ctx context.Context, crawlID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM crawl_entries
		WHERE crawl_id = $1 AND status IN ('pending','fetching','fetched');
	`
	var count int
	if err := s.db.QueryRow(ctx, query, crawlID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open entries: %w", err)
	}
	return count, nil
}

func unmarshalList(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
