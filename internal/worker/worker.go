// Package worker ingests a single discovered file: identify, deduplicate,
// download, normalize and store.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
	"github.com/JakeFAU/opendata-ingest/internal/metrics"
	"github.com/JakeFAU/opendata-ingest/internal/normalize"
	"github.com/JakeFAU/opendata-ingest/internal/telemetry"
)

// EventIngested is the event type published after a successful insert.
const EventIngested = "file.ingested"

// Config controls Worker behavior.
type Config struct {
	// ContentType is attached to archived payloads.
	ContentType string
	// Topic receives an event per ingested file; empty disables publishing.
	Topic string
	// FetchTimeout bounds one download, including the rate-limit wait.
	FetchTimeout time.Duration
}

// Normalizer turns a raw payload into records.
type Normalizer interface {
	Normalize(payload []byte, pageURL, uniqueID string) (normalize.Result, error)
}

// IngestedEvent is published once a file's records are stored.
type IngestedEvent struct {
	Event         string    `json:"event"`
	CycleID       string    `json:"cycle_id"`
	Store         string    `json:"store"`
	PageURL       string    `json:"page_url"`
	Link          string    `json:"link"`
	UniqueID      string    `json:"unique_id"`
	Rows          int       `json:"rows"`
	SkippedNoDate int       `json:"skipped_no_date"`
	BlobURI       string    `json:"blob_uri,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Attributes are attached to the published message for subscription filters.
func (e IngestedEvent) Attributes() map[string]string {
	return map[string]string{"event": e.Event, "store": e.Store}
}

// Worker runs the per-file ingestion pipeline.
type Worker struct {
	store      ingest.RecordStore
	fetcher    ingest.Fetcher
	normalizer Normalizer
	blobStore  ingest.BlobStore
	publisher  ingest.Publisher
	limiter    ingest.Limiter
	hasher     ingest.Hasher
	clock      ingest.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. blobStore, publisher and limiter are optional.
func New(
	store ingest.RecordStore,
	fetcher ingest.Fetcher,
	normalizer Normalizer,
	blobStore ingest.BlobStore,
	publisher ingest.Publisher,
	limiter ingest.Limiter,
	hasher ingest.Hasher,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/csv; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:      store,
		fetcher:    fetcher,
		normalizer: normalizer,
		blobStore:  blobStore,
		publisher:  publisher,
		limiter:    limiter,
		hasher:     hasher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Process ingests one task and reports its outcome. Failures are logged and
// classified, never returned: one bad file must not affect its siblings.
func (w *Worker) Process(ctx context.Context, task ingest.Task) ingest.Outcome {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.Tracer().Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("cycle.id", task.CycleID),
		attribute.String("ingest.store", task.StoreName),
		attribute.String("ingest.link", task.Link),
	)

	outcome := w.process(ctx, task)
	metrics.ObserveFile(task.StoreName, string(outcome))
	span.SetAttributes(attribute.String("ingest.outcome", string(outcome)))
	if outcome.Failed() {
		span.SetStatus(codes.Error, string(outcome))
	}
	return outcome
}

func (w *Worker) process(ctx context.Context, task ingest.Task) ingest.Outcome {
	logger := w.logger.With(
		zap.String("cycle_id", task.CycleID),
		zap.String("store", task.StoreName),
		zap.String("link", task.Link),
	)
	if ctx.Err() != nil {
		return ingest.OutcomeCanceled
	}

	id, err := ingest.DeriveIdentifier(task.Link)
	if err != nil {
		logger.Error("cannot derive content identifier", zap.Error(err))
		return ingest.OutcomeNoIdentifier
	}
	logger = logger.With(zap.String("unique_id", id))

	if err := w.store.EnsureCreated(ctx, task.StoreName); err != nil {
		return w.fail(ctx, logger, ingest.StageEnsureStore, task, err, ingest.OutcomeStoreFailed)
	}

	exists, err := w.store.Exists(ctx, task.StoreName, id)
	if err != nil {
		return w.fail(ctx, logger, ingest.StageExists, task, err, ingest.OutcomeStoreFailed)
	}
	if exists {
		logger.Info("file already present, skipping")
		return ingest.OutcomeDuplicate
	}

	resp, err := w.download(ctx, task.Link)
	if err != nil {
		return w.fail(ctx, logger, ingest.StageDownload, task, err, ingest.OutcomeDownloadFailed)
	}
	metrics.ObserveDownload(task.Link, len(resp.Body))
	logger.Debug("file downloaded",
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("duration", resp.Duration),
	)

	blobURI := w.archive(ctx, logger, task, id, resp.Body)

	result, err := w.normalizer.Normalize(resp.Body, task.PageURL, id)
	if err != nil {
		return w.fail(ctx, logger, ingest.StageNormalize, task, err, ingest.OutcomeParseFailed)
	}
	if len(result.Records) == 0 {
		logger.Warn("no rows with a usable date",
			zap.Int("rows", result.Rows),
			zap.Int("skipped_no_date", result.SkippedNoDate),
		)
		metrics.ObserveRows(task.StoreName, 0, result.SkippedNoDate)
		return ingest.OutcomeEmpty
	}

	inserted, err := w.store.InsertIfAbsent(ctx, task.StoreName, id, result.Records)
	if err != nil {
		return w.fail(ctx, logger, ingest.StageInsert, task, err, ingest.OutcomeStoreFailed)
	}
	if !inserted {
		logger.Info("file ingested concurrently, skipping")
		return ingest.OutcomeDuplicate
	}
	metrics.ObserveRows(task.StoreName, len(result.Records), result.SkippedNoDate)
	logger.Info("file ingested",
		zap.Int("records", len(result.Records)),
		zap.Int("skipped_no_date", result.SkippedNoDate),
	)

	w.publish(ctx, logger, IngestedEvent{
		Event:         EventIngested,
		CycleID:       task.CycleID,
		Store:         task.StoreName,
		PageURL:       task.PageURL,
		Link:          task.Link,
		UniqueID:      id,
		Rows:          len(result.Records),
		SkippedNoDate: result.SkippedNoDate,
		BlobURI:       blobURI,
		Timestamp:     w.now(),
	})
	return ingest.OutcomeIngested
}

func (w *Worker) download(ctx context.Context, link string) (ingest.FetchResponse, error) {
	fetchCtx := ctx
	if w.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(fetchCtx, link); err != nil {
			return ingest.FetchResponse{}, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}
	resp, err := w.fetcher.Fetch(fetchCtx, ingest.FetchRequest{URL: link})
	if err != nil {
		return ingest.FetchResponse{}, fmt.Errorf("fetch: %w", err)
	}
	return resp, nil
}

// archive stores the raw payload under <store>/<id>/<sha256>.csv. Failures are
// logged only.
func (w *Worker) archive(ctx context.Context, logger *zap.Logger, task ingest.Task, id string, body []byte) string {
	if w.blobStore == nil || w.hasher == nil {
		return ""
	}
	digest, err := w.hasher.Hash(body)
	if err != nil {
		logger.Warn("hash payload failed", zap.Error(ingest.NewFailure(ingest.StageArchive, task, err)))
		return ""
	}
	path := fmt.Sprintf("%s/%s/%s.csv", task.StoreName, id, digest)
	uri, err := w.blobStore.PutObject(ctx, path, w.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive payload failed", zap.Error(ingest.NewFailure(ingest.StageArchive, task, err)))
		return ""
	}
	logger.Debug("payload archived", zap.String("blob_uri", uri))
	return uri
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, event IngestedEvent) {
	if strings.TrimSpace(w.cfg.Topic) == "" || w.publisher == nil {
		return
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish event failed", zap.Error(fmt.Errorf("%s: %w", ingest.StagePublish, err)))
		return
	}
	logger.Debug("event published", zap.String("message_id", id), zap.String("topic", w.cfg.Topic))
}

func (w *Worker) fail(
	ctx context.Context,
	logger *zap.Logger,
	stage string,
	task ingest.Task,
	err error,
	outcome ingest.Outcome,
) ingest.Outcome {
	if ctx.Err() != nil {
		logger.Warn("ingestion canceled", zap.String("stage", stage))
		return ingest.OutcomeCanceled
	}
	logger.Error("ingestion failed", zap.Error(ingest.NewFailure(stage, task, err)))
	return outcome
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}
