package crawl

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ragline/ragline/internal/urlnorm"
)

// ExtractLinks pulls outbound references from an HTML page: anchors, images,
// embeds, and the canonical link. Results are resolved against the page URL,
// normalized, and deduplicated; anything invalid or non-http(s) is dropped.
func ExtractLinks(pageURL string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var refs []string
	collect := func(_ int, sel *goquery.Selection) {
		for _, attr := range []string{"href", "src", "data"} {
			if val, ok := sel.Attr(attr); ok {
				refs = append(refs, val)
				return
			}
		}
	}
	doc.Find("a[href]").Each(collect)
	doc.Find("img[src]").Each(collect)
	doc.Find("iframe[src], embed[src], object[data]").Each(collect)
	doc.Find(`link[rel="canonical"]`).Each(collect)

	seen := make(map[string]struct{}, len(refs))
	links := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "#") ||
			strings.HasPrefix(strings.ToLower(ref), "javascript:") ||
			strings.HasPrefix(strings.ToLower(ref), "mailto:") ||
			strings.HasPrefix(strings.ToLower(ref), "tel:") ||
			strings.HasPrefix(ref, "data:") {
			continue
		}
		absolute, err := urlnorm.Resolve(ref, pageURL)
		if err != nil {
			continue
		}
		if !urlnorm.IsValid(absolute) {
			continue
		}
		normalized, err := urlnorm.Normalize(absolute)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	}
	return links, nil
}
