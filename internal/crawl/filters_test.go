package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/ingest"
)

func TestPatternFilterIncludeMode(t *testing.T) {
	t.Parallel()

	filter, err := NewPatternFilter(ingest.Crawl{
		IncludePatterns: []string{`/docs/`, `/blog/\d{4}/`},
		PatternMode:     ingest.PatternModeInclude,
	})
	require.NoError(t, err)

	assert.True(t, filter.Allowed("https://example.com/docs/setup"))
	assert.True(t, filter.Allowed("https://example.com/blog/2024/release"))
	assert.False(t, filter.Allowed("https://example.com/pricing"))
	assert.False(t, filter.Allowed("https://example.com/blog/drafts"))
}

func TestPatternFilterExcludeMode(t *testing.T) {
	t.Parallel()

	filter, err := NewPatternFilter(ingest.Crawl{
		ExcludePatterns: []string{`\.(css|js)$`, `/login`},
		PatternMode:     ingest.PatternModeExclude,
	})
	require.NoError(t, err)

	assert.True(t, filter.Allowed("https://example.com/docs/setup"))
	assert.False(t, filter.Allowed("https://example.com/static/app.js"))
	assert.False(t, filter.Allowed("https://example.com/login?next=/home"))
}

func TestPatternFilterDefaults(t *testing.T) {
	t.Parallel()

	// No patterns and no mode allows everything.
	filter, err := NewPatternFilter(ingest.Crawl{})
	require.NoError(t, err)
	assert.True(t, filter.Allowed("https://example.com/anything"))

	// Include mode with no patterns is also permissive.
	filter, err = NewPatternFilter(ingest.Crawl{PatternMode: ingest.PatternModeInclude})
	require.NoError(t, err)
	assert.True(t, filter.Allowed("https://example.com/anything"))
}

func TestPatternFilterRejectsBadRegexp(t *testing.T) {
	t.Parallel()

	_, err := NewPatternFilter(ingest.Crawl{ExcludePatterns: []string{`[unclosed`}})
	assert.Error(t, err)
}

func TestThresholdDomainBlocker(t *testing.T) {
	t.Parallel()

	blocker := newThresholdDomainBlocker(3)

	assert.False(t, blocker.MarkForbidden("Host.Example.com"))
	assert.False(t, blocker.MarkForbidden("host.example.com"))
	assert.False(t, blocker.IsBlocked("host.example.com"))

	assert.True(t, blocker.MarkForbidden("host.example.com"), "third strike blocks")
	assert.True(t, blocker.IsBlocked("host.example.com"))
	assert.True(t, blocker.IsBlocked("HOST.EXAMPLE.COM"), "host matching is case-insensitive")

	assert.False(t, blocker.IsBlocked("other.example.com"))
	assert.False(t, blocker.IsBlocked(""))
}
