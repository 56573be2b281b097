// Package promote composes the plain HTTP fetch path with a headless
// renderer: the probe runs first, and script-shell responses are refetched
// through the browser.
package promote

import (
	"context"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/ingest"
)

// Detector decides whether a probe response needs a headless render.
type Detector interface {
	NeedsRender(resp ingest.FetchResponse) bool
}

// Fetcher implements ingest.Fetcher by probing with a cheap fetcher and
// promoting to a headless one when the detector fires. Promotion failures
// fall back to the probe response rather than failing the fetch.
type Fetcher struct {
	probe    ingest.Fetcher
	headless ingest.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New constructs a promoting fetcher. With a nil headless fetcher or nil
// detector it degrades to the probe alone.
func New(probe, headless ingest.Fetcher, detector Detector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		probe:    probe,
		headless: headless,
		detector: detector,
		logger:   logger,
	}
}

// Fetch retrieves the URL, transparently upgrading to a headless render when
// the plain response looks like an empty JavaScript shell.
func (f *Fetcher) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	resp, err := f.probe.Fetch(ctx, request)
	if err != nil {
		return ingest.FetchResponse{}, err
	}
	if f.headless == nil || f.detector == nil || !f.detector.NeedsRender(resp) {
		return resp, nil
	}

	rendered, err := f.headless.Fetch(ctx, request)
	if err != nil {
		f.logger.Warn("headless promotion failed; keeping probe response",
			zap.String("url", request.URL),
			zap.Error(err),
		)
		return resp, nil
	}
	f.logger.Debug("headless promotion applied", zap.String("url", request.URL))
	return rendered, nil
}
