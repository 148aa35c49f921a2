// Package registry keeps the set of monitored pages and the store each one feeds.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
)

var (
	// ErrSourceExists is returned when adding a page URL that is already monitored.
	ErrSourceExists = errors.New("source already registered")
	// ErrSourceNotFound is returned when removing a page URL that is not monitored.
	ErrSourceNotFound = errors.New("source not registered")
	// ErrInvalidSource is returned for unusable page URLs or store names.
	ErrInvalidSource = errors.New("invalid source")
)

// Registry is a concurrency-safe, insertion-ordered set of sources keyed by page URL.
type Registry struct {
	mu      sync.RWMutex
	sources []ingest.Source
}

// New builds a registry seeded with sources. Seeds go through Add, so a
// duplicate or invalid seed is an error.
func New(seed []ingest.Source) (*Registry, error) {
	r := &Registry{}
	for _, src := range seed {
		if _, err := r.Add(src.PageURL, src.StoreName); err != nil {
			return nil, fmt.Errorf("seed %s: %w", src.PageURL, err)
		}
	}
	return r, nil
}

// Add registers pageURL. An empty storeName is derived from the URL.
func (r *Registry) Add(pageURL, storeName string) (ingest.Source, error) {
	pageURL = strings.TrimSpace(pageURL)
	if err := validatePageURL(pageURL); err != nil {
		return ingest.Source{}, err
	}
	storeName = strings.TrimSpace(storeName)
	if storeName == "" {
		derived, err := StoreNameFromURL(pageURL)
		if err != nil {
			return ingest.Source{}, err
		}
		storeName = derived
	}
	if err := ingest.ValidateStoreName(storeName); err != nil {
		return ingest.Source{}, fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}

	src := ingest.Source{PageURL: pageURL, StoreName: storeName}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(pageURL) >= 0 {
		return ingest.Source{}, fmt.Errorf("%w: %s", ErrSourceExists, pageURL)
	}
	r.sources = append(r.sources, src)
	return src, nil
}

// Remove stops monitoring pageURL.
func (r *Registry) Remove(pageURL string) error {
	pageURL = strings.TrimSpace(pageURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(pageURL)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, pageURL)
	}
	r.sources = append(r.sources[:i:i], r.sources[i+1:]...)
	return nil
}

// List returns the sources in registration order.
func (r *Registry) List() []ingest.Source {
	return r.Snapshot()
}

// Snapshot returns a copy that later registry changes do not affect.
func (r *Registry) Snapshot() []ingest.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ingest.Source(nil), r.sources...)
}

// Len reports how many sources are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

func (r *Registry) indexLocked(pageURL string) int {
	for i, src := range r.sources {
		if src.PageURL == pageURL {
			return i
		}
	}
	return -1
}

func validatePageURL(pageURL string) error {
	if pageURL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidSource)
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidSource, pageURL)
	}
	return nil
}

// StoreNameFromURL derives a store name from the last path segment of a page
// URL: separators become underscores, the text is lowercased and the words
// "dataset" and ".csv" are dropped.
func StoreNameFromURL(pageURL string) (string, error) {
	segment := pageURL
	if i := strings.LastIndex(segment, "/"); i >= 0 {
		segment = segment[i+1:]
	}
	name := strings.NewReplacer("-", " ", "_", " ").Replace(segment)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, ".csv", "")
	name = strings.ReplaceAll(name, "dataset", "")
	name = strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
	if name == "" {
		return "", fmt.Errorf("%w: cannot derive a store name from %q", ErrInvalidSource, pageURL)
	}
	return name, nil
}
