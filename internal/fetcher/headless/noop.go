package headless

import (
	"context"
	"fmt"

	"github.com/ragline/ragline/internal/ingest"
)

// Noop is used in deployments without a headless browser; every fetch fails
// so callers fall back to recording the direct-fetch outcome.
type Noop struct{}

// NewNoop returns a Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (Noop) Fetch(_ context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	return ingest.FetchResponse{}, fmt.Errorf("headless fetching is not available for %s", request.URL)
}
