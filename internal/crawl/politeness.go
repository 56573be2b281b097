package crawl

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultForbiddenThreshold = 3

// domainBlocker tracks repeated forbidden responses and blocks hosts on excess.
type domainBlocker interface {
	IsBlocked(host string) bool
	MarkForbidden(host string) bool
}

type thresholdDomainBlocker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

func newThresholdDomainBlocker(threshold int) *thresholdDomainBlocker {
	if threshold <= 0 {
		threshold = defaultForbiddenThreshold
	}
	return &thresholdDomainBlocker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

func (b *thresholdDomainBlocker) IsBlocked(host string) bool {
	if host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[key]
	return ok
}

// MarkForbidden increments the counter for host and returns true once blocked.
func (b *thresholdDomainBlocker) MarkForbidden(host string) bool {
	if host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.blocked[key]; blocked {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}

// pauseController abstracts how the crawler waits out the politeness delay.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
