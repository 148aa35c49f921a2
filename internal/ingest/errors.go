package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoIdentifier is returned when a link does not carry dataset/resource codes.
var ErrNoIdentifier = errors.New("no content identifier in link")

// Ingestion stages reported by IngestionFailure.
const (
	StageEnsureStore = "ensure_store"
	StageExists      = "exists"
	StageDownload    = "download"
	StageNormalize   = "normalize"
	StageInsert      = "insert"
	StageArchive     = "archive"
	StagePublish     = "publish"
)

// IngestionFailure records why a single link could not be ingested.
type IngestionFailure struct {
	Stage string
	Store string
	Link  string
	Err   error
}

func (f *IngestionFailure) Error() string {
	return fmt.Sprintf("%s %s (store %s): %v", f.Stage, f.Link, f.Store, f.Err)
}

func (f *IngestionFailure) Unwrap() error {
	return f.Err
}

// NewFailure wraps err with the task context.
func NewFailure(stage string, task Task, err error) *IngestionFailure {
	return &IngestionFailure{Stage: stage, Store: task.StoreName, Link: task.Link, Err: err}
}

// ErrInvalidStoreName is returned for store names no backend can address.
var ErrInvalidStoreName = errors.New("invalid store name")

// maxStoreNameBytes matches the Postgres identifier limit.
const maxStoreNameBytes = 63

// ValidateStoreName rejects empty, oversized or NUL-bearing store names.
// Names starting with an underscore are reserved for backend bookkeeping.
func ValidateStoreName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidStoreName)
	case strings.HasPrefix(name, "_"):
		return fmt.Errorf("%w: %q starts with a reserved underscore", ErrInvalidStoreName, name)
	case len(name) > maxStoreNameBytes:
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidStoreName, name, maxStoreNameBytes)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidStoreName, name)
	}
	return nil
}

// ErrQueueClosed is returned by Dequeue once a closed queue is drained.
var ErrQueueClosed = errors.New("queue closed")
