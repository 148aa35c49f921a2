package ingest

import (
	"net/http"
	"time"
)

// Field names attached to every normalized record.
const (
	FieldYear       = "ano"
	FieldMonth      = "mes"
	FieldDay        = "dia"
	FieldSourceLink = "source_link"
	FieldUniqueID   = "unique_id"
)

// Source is a monitored page paired with the store its files are ingested into.
type Source struct {
	PageURL   string `json:"url" mapstructure:"url"`
	StoreName string `json:"store" mapstructure:"store"`
}

// Task is one discovered file link scheduled for ingestion.
type Task struct {
	CycleID   string
	PageURL   string
	StoreName string
	Link      string
}

// Record is one normalized row persisted as a flat document.
type Record map[string]any

// UniqueID returns the content identifier the record was tagged with.
func (r Record) UniqueID() string {
	id, _ := r[FieldUniqueID].(string)
	return id
}

// FetchRequest captures everything needed to download a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Outcome classifies how a single task ended.
type Outcome string

// Outcome values reported by the worker.
const (
	OutcomeIngested       Outcome = "ingested"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeNoIdentifier   Outcome = "no_identifier"
	OutcomeDownloadFailed Outcome = "download_failed"
	OutcomeParseFailed    Outcome = "parse_failed"
	OutcomeStoreFailed    Outcome = "store_failed"
	OutcomeEmpty          Outcome = "empty"
	OutcomeCanceled       Outcome = "canceled"
)

// Failed reports whether the task ended without its data landing or being
// skipped on purpose.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeDownloadFailed, OutcomeParseFailed, OutcomeStoreFailed, OutcomeCanceled:
		return true
	}
	return false
}

// Tally counts task outcomes over a cycle.
type Tally map[Outcome]int

// Total returns the number of tasks counted.
func (t Tally) Total() int {
	total := 0
	for _, n := range t {
		total += n
	}
	return total
}

// Default store caps; the oldest records are evicted past either one.
const (
	DefaultMaxStoreBytes   int64 = 500 << 20
	DefaultMaxStoreRecords       = 1_000_000
)

// Caps bounds the size of a single store.
type Caps struct {
	MaxBytes   int64 `mapstructure:"max_bytes"`
	MaxRecords int   `mapstructure:"max_records"`
}

// DefaultCaps returns the caps applied when none are configured.
func DefaultCaps() Caps {
	return Caps{MaxBytes: DefaultMaxStoreBytes, MaxRecords: DefaultMaxStoreRecords}
}
