package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/ingest"
)

func newCrawlStore(t *testing.T) (*CrawlStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewCrawlStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateCrawlInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	now := time.Unix(1700000000, 0).UTC()

	crawl := ingest.Crawl{
		ID:             "crawl-1",
		AgentID:        "agent-1",
		StartURL:       "https://example.com",
		MaxDepth:       2,
		MaxPages:       100,
		Delay:          2 * time.Second,
		AllowedDomains: []string{"example.com"},
		RespectRobots:  true,
		Status:         ingest.CrawlStatusPending,
		Created:        now,
	}

	mock.ExpectExec("INSERT INTO crawls").
		WithArgs(
			crawl.ID,
			crawl.AgentID,
			crawl.StartURL,
			crawl.MaxDepth,
			crawl.MaxPages,
			int64(2000),
			[]byte(`["example.com"]`),
			[]byte(`null`),
			[]byte(`null`),
			crawl.PatternMode,
			crawl.RespectRobots,
			[]byte(nil),
			crawl.Status,
			crawl.ErrorText,
			0, 0, 0, 0, 0, int64(0),
			crawl.Created,
			crawl.Started,
			crawl.Finished,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateCrawl(context.Background(), crawl))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCrawlScansRow(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"id", "agent_id", "start_url", "max_depth", "max_pages", "delay_ms",
		"allowed_domains", "include_patterns", "exclude_patterns", "pattern_mode",
		"respect_robots", "auth", "status", "error_text",
		"pages_discovered", "pages_crawled", "pages_indexed", "pages_skipped",
		"pages_errored", "bytes_fetched", "created_at", "started_at", "finished_at",
	}).AddRow(
		"crawl-1", "agent-1", "https://example.com", 2, 100, int64(1500),
		[]byte(`["example.com"]`), []byte(`["^https://example"]`), []byte(`null`), ingest.PatternModeInclude,
		true, []byte(`{"username":"u","password":"p"}`), ingest.CrawlStatusRunning, "",
		5, 4, 3, 1, 0, int64(2048), now, &now, nil,
	)

	mock.ExpectQuery("FROM crawls WHERE id").
		WithArgs("crawl-1").
		WillReturnRows(rows)

	crawl, err := store.GetCrawl(context.Background(), "crawl-1")
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, crawl.Delay)
	require.Equal(t, []string{"example.com"}, crawl.AllowedDomains)
	require.Equal(t, []string{"^https://example"}, crawl.IncludePatterns)
	require.Empty(t, crawl.ExcludePatterns)
	require.NotNil(t, crawl.Auth)
	require.Equal(t, "u", crawl.Auth.Username)
	require.Equal(t, ingest.CrawlStatusRunning, crawl.Status)
	require.Equal(t, 5, crawl.Counters.PagesDiscovered)
	require.Equal(t, int64(2048), crawl.Counters.BytesFetched)
	require.NotNil(t, crawl.Started)
	require.Nil(t, crawl.Finished)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCrawlNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)

	mock.ExpectQuery("FROM crawls WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetCrawl(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteCrawlIsCompareAndSwap(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)

	mock.ExpectExec("UPDATE crawls").
		WithArgs("crawl-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawls").
		WithArgs("crawl-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	won, err := store.CompleteCrawl(context.Background(), "crawl-1")
	require.NoError(t, err)
	require.True(t, won)

	won, err = store.CompleteCrawl(context.Background(), "crawl-1")
	require.NoError(t, err)
	require.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCountersAppliesDelta(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)

	mock.ExpectExec("UPDATE crawls").
		WithArgs("crawl-1", 1, 1, 0, 0, 0, int64(512)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.IncrementCounters(context.Background(), "crawl-1", ingest.CrawlCounters{
		PagesDiscovered: 1,
		PagesCrawled:    1,
		BytesFetched:    512,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCountersMissingCrawl(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)

	mock.ExpectExec("UPDATE crawls").
		WithArgs("missing", 0, 0, 0, 1, 0, int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.IncrementCounters(context.Background(), "missing", ingest.CrawlCounters{PagesSkipped: 1})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCrawledURLKeepsExistingID(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	now := time.Unix(1700000000, 0).UTC()

	cu := ingest.CrawledURL{
		ID:          "cu-new",
		URL:         "https://example.com/page",
		URLHash:     "hash-1",
		HTTPStatus:  200,
		ContentType: "text/html",
		FetchedAt:   now,
	}

	mock.ExpectQuery("INSERT INTO crawled_urls").
		WithArgs(
			cu.ID, cu.URL, cu.URLHash, cu.HTTPStatus, cu.ContentType,
			cu.ContentLength, cu.ETag, cu.LastModified, cu.ContentHash,
			cu.StoragePath, cu.FetchedAt,
		).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("cu-old"))

	stored, err := store.UpsertCrawledURL(context.Background(), cu)
	require.NoError(t, err)
	require.Equal(t, "cu-old", stored.ID)
	require.Equal(t, cu.URLHash, stored.URLHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEntryDeduplicates(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)

	entry := ingest.CrawlEntry{
		ID:      "entry-1",
		CrawlID: "crawl-1",
		URL:     "https://example.com/page",
		URLHash: "hash-1",
		Depth:   1,
		Status:  ingest.EntryStatusPending,
	}

	mock.ExpectExec("INSERT INTO crawl_entries").
		WithArgs(
			entry.ID, entry.CrawlID, entry.URL, entry.URLHash, entry.Depth,
			entry.ParentURL, entry.Status, entry.SkipReason, entry.RetryCount,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_entries").
		WithArgs(
			entry.ID, entry.CrawlID, entry.URL, entry.URLHash, entry.Depth,
			entry.ParentURL, entry.Status, entry.SkipReason, entry.RetryCount,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := store.CreateEntry(context.Background(), entry)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.CreateEntry(context.Background(), entry)
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEntryMissing(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)

	mock.ExpectExec("UPDATE crawl_entries").
		WithArgs("missing", ingest.EntryStatusIndexed, ingest.SkipReason(""), 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateEntry(context.Background(), ingest.CrawlEntry{
		ID:     "missing",
		Status: ingest.EntryStatusIndexed,
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountOpenEntriesFiltersByStatus(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)

	mock.ExpectQuery("FROM crawl_entries").
		WithArgs("crawl-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	count, err := store.CountOpenEntries(context.Background(), "crawl-1")
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
