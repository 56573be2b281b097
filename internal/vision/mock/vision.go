// Package mock provides a test double for ingest.VisionModel.
package mock

import (
	"context"
	"fmt"
	"sync"
)

// Vision returns canned text per call. DescribeFunc, when set, overrides the
// default behavior.
type Vision struct {
	Text         string
	DescribeFunc func(ctx context.Context, prompt string, images [][]byte) (string, error)

	mu    sync.Mutex
	calls int
}

// New creates a mock vision model that always answers with text.
func New(text string) *Vision {
	return &Vision{Text: text}
}

// Describe returns the configured text.
func (v *Vision) Describe(ctx context.Context, prompt string, images [][]byte) (string, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.DescribeFunc != nil {
		return v.DescribeFunc(ctx, prompt, images)
	}
	if len(images) == 0 {
		return "", fmt.Errorf("no images supplied")
	}
	return v.Text, nil
}

// Calls reports how many times Describe ran.
func (v *Vision) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}
