package crawl

import (
	"fmt"
	"regexp"

	"github.com/ragline/ragline/internal/ingest"
)

// PatternFilter decides whether a URL should be indexed based on the
// campaign's include/exclude patterns. Filters gate indexing only; link
// discovery happens before filtering.
type PatternFilter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	mode    ingest.PatternMode
}

// NewPatternFilter compiles the campaign's URL patterns.
func NewPatternFilter(crawl ingest.Crawl) (*PatternFilter, error) {
	mode := crawl.PatternMode
	if mode == "" {
		mode = ingest.PatternModeExclude
	}
	include, err := compileAll(crawl.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	exclude, err := compileAll(crawl.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}
	return &PatternFilter{include: include, exclude: exclude, mode: mode}, nil
}

// Allowed reports whether the URL passes the filter. In include mode the URL
// must match one of the include patterns; in exclude mode it must match none
// of the exclude patterns. An empty pattern list allows everything.
func (f *PatternFilter) Allowed(url string) bool {
	switch f.mode {
	case ingest.PatternModeInclude:
		if len(f.include) == 0 {
			return true
		}
		for _, re := range f.include {
			if re.MatchString(url) {
				return true
			}
		}
		return false
	default:
		for _, re := range f.exclude {
			if re.MatchString(url) {
				return false
			}
		}
		return true
	}
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
