// Package collyfetcher implements page link discovery and file downloads using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultMaxBodyBytes = 256 << 20
)

// Config controls collector behavior shared by the Fetcher and the Discoverer.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps a single response. Bodies that reach the cap are rejected
	// instead of being silently truncated.
	MaxBodyBytes int
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c Config) maxBodyBytes() int {
	if c.MaxBodyBytes <= 0 {
		return defaultMaxBodyBytes
	}
	return c.MaxBodyBytes
}

// base holds the root collector every request clones from.
type base struct {
	cfg       Config
	collector *colly.Collector
}

func newBase(cfg Config, transport http.RoundTripper) base {
	c := colly.NewCollector(colly.Async(false))
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	return base{cfg: cfg, collector: c}
}

// clone returns a collector for one request. Clones share the visited-URL
// store, so revisits must be allowed for the same file to be fetched again
// in a later cycle.
func (b base) clone() *colly.Collector {
	collector := b.collector.Clone()
	collector.AllowURLRevisit = true
	if b.cfg.UserAgent != "" {
		collector.UserAgent = b.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !b.cfg.RespectRobots
	collector.MaxBodySize = b.cfg.maxBodyBytes()
	collector.SetRequestTimeout(b.cfg.timeout())
	return collector
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
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
