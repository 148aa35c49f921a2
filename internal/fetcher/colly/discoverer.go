package collyfetcher

import (
	"context"
	"net/http"
	"strings"

	"github.com/gocolly/colly/v2"
)

// DefaultLinkSuffix selects the anchors treated as data files.
const DefaultLinkSuffix = ".csv"

// Discoverer implements ingest.LinkDiscoverer by scraping anchors from a page.
type Discoverer struct {
	base
	suffix string
}

// NewDiscoverer builds a Discoverer keeping hrefs that end with suffix.
func NewDiscoverer(cfg Config, suffix string, transport http.RoundTripper) *Discoverer {
	if suffix == "" {
		suffix = DefaultLinkSuffix
	}
	return &Discoverer{base: newBase(cfg, transport), suffix: suffix}
}

// Discover fetches pageURL and returns the absolute, de-duplicated file links
// in document order.
func (d *Discoverer) Discover(ctx context.Context, pageURL string) ([]string, error) {
	var (
		links    []string
		fetchErr error
	)
	seen := make(map[string]struct{})
	collector := d.clone()
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if !strings.HasSuffix(href, d.suffix) {
			return
		}
		link := e.Request.AbsoluteURL(href)
		if link == "" {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := runCollector(ctx, collector, pageURL, &fetchErr); err != nil {
		return nil, err
	}
	return links, nil
}
