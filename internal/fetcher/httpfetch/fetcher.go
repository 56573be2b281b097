// Package httpfetch implements ingest.Fetcher using gocolly.
package httpfetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ragline/ragline/internal/ingest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxBody   int64
}

// Fetcher performs a single conditional HTTP GET with a browser-like header
// set. Redirects are not followed: 3xx responses are returned as-is so the
// orchestrator can record them.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Any HTTP-level response, including 304,
// 3xx, and 4xx/5xx, is returned with a nil error; only transport failures
// produce an error.
func (f *Fetcher) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	var (
		result   ingest.FetchResponse
		captured bool
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true // robots policy is enforced by the orchestrator
	collector.UserAgent = f.userAgent(request)
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.MaxBody > 0 {
		collector.MaxBodySize = int(f.cfg.MaxBody)
	}
	collector.SetRedirectHandler(func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	})

	collector.OnRequest(func(r *colly.Request) {
		f.applyHeaders(request, r)
	})
	collector.OnResponse(func(r *colly.Response) {
		result = responseFrom(r, start)
		captured = true
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result = responseFrom(r, start)
			captured = true
			return
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, request.URL); err != nil {
		if captured {
			return result, nil
		}
		return ingest.FetchResponse{}, err
	}
	if !captured {
		if fetchErr != nil {
			return ingest.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, fetchErr)
		}
		return ingest.FetchResponse{}, fmt.Errorf("fetch %s: no response captured", request.URL)
	}
	return result, nil
}

func (f *Fetcher) userAgent(request ingest.FetchRequest) string {
	if request.UserAgent != "" {
		return request.UserAgent
	}
	if f.cfg.UserAgent != "" {
		return f.cfg.UserAgent
	}
	return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
}

func (f *Fetcher) applyHeaders(request ingest.FetchRequest, r *colly.Request) {
	// Browser-like headers reduce anti-bot blocking on plain GETs.
	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	r.Headers.Set("Upgrade-Insecure-Requests", "1")
	r.Headers.Set("Sec-Fetch-Dest", "document")
	r.Headers.Set("Sec-Fetch-Mode", "navigate")

	if request.ETag != "" {
		r.Headers.Set("If-None-Match", request.ETag)
	}
	if request.LastModified != "" {
		r.Headers.Set("If-Modified-Since", request.LastModified)
	}
	if auth := request.Auth; auth != nil {
		switch {
		case auth.Cookie != "":
			r.Headers.Set("Cookie", auth.Cookie)
		case auth.Username != "":
			creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
			r.Headers.Set("Authorization", "Basic "+creds)
		}
	}
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		return nil
	}
}

func responseFrom(r *colly.Response, start time.Time) ingest.FetchResponse {
	headers := http.Header{}
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	contentLength := int64(len(r.Body))
	if declared := headers.Get("Content-Length"); declared != "" {
		if n, err := strconv.ParseInt(declared, 10, 64); err == nil {
			contentLength = n
		}
	}
	return ingest.FetchResponse{
		URL:           r.Request.URL.String(),
		StatusCode:    r.StatusCode,
		Headers:       headers,
		Body:          append([]byte(nil), r.Body...),
		ContentType:   contentTypeOf(headers),
		ContentLength: contentLength,
		ETag:          headers.Get("ETag"),
		LastModified:  headers.Get("Last-Modified"),
		NotModified:   r.StatusCode == http.StatusNotModified,
		Duration:      time.Since(start),
	}
}

func contentTypeOf(headers http.Header) string {
	ct := headers.Get("Content-Type")
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
