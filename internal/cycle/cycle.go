// Package cycle runs one ingestion cycle: discover file links on every
// monitored page and fan them out to a bounded worker pool.
package cycle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-ingest/internal/dispatcher"
	"github.com/JakeFAU/opendata-ingest/internal/ingest"
	"github.com/JakeFAU/opendata-ingest/internal/metrics"
	"github.com/JakeFAU/opendata-ingest/internal/queue/memory"
	"github.com/JakeFAU/opendata-ingest/internal/telemetry"
)

// Cycle results recorded in metrics.
const (
	ResultRan      = "ran"
	ResultNoLinks  = "no_links"
	ResultCanceled = "canceled"
)

// Config controls the worker pool of a cycle.
type Config struct {
	Concurrency int
	QueueDepth  int
}

// Summary describes a finished cycle.
type Summary struct {
	CycleID    string       `json:"cycle_id"`
	Sources    int          `json:"sources"`
	Links      int          `json:"links"`
	Ran        bool         `json:"ran"`
	Outcomes   ingest.Tally `json:"outcomes"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Orchestrator runs cycles over a source registry.
type Orchestrator struct {
	sources    ingest.SourceLister
	discoverer ingest.LinkDiscoverer
	processor  dispatcher.Processor
	ids        ingest.IDGenerator
	clock      ingest.Clock
	cfg        Config
	logger     *zap.Logger
}

// New builds an Orchestrator.
func New(
	sources ingest.SourceLister,
	discoverer ingest.LinkDiscoverer,
	processor dispatcher.Processor,
	ids ingest.IDGenerator,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sources:    sources,
		discoverer: discoverer,
		processor:  processor,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// RunCycle visits every source in a registry snapshot, enqueues one task per
// discovered link and blocks until every task has finished. Link and page
// failures are logged and counted; only cancellation is returned as an error.
func (o *Orchestrator) RunCycle(ctx context.Context) (Summary, error) {
	cycleID, err := o.ids.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("new cycle id: %w", err)
	}
	snapshot := o.sources.Snapshot()
	ctx, span := telemetry.Tracer().Start(ctx, "cycle.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("cycle.id", cycleID),
		attribute.Int("cycle.sources", len(snapshot)),
	)
	summary := Summary{
		CycleID:   cycleID,
		Sources:   len(snapshot),
		StartedAt: o.clock.Now(),
	}
	logger := o.logger.With(zap.String("cycle_id", cycleID))
	logger.Info("cycle started", zap.Int("sources", len(snapshot)))

	queue := memory.NewQueue(o.cfg.QueueDepth)
	pool := dispatcher.New(queue, o.processor, o.cfg.Concurrency, logger)
	done := make(chan ingest.Tally, 1)
	go func() {
		done <- pool.Run(ctx)
	}()

	enqueueErr := o.enqueueAll(ctx, logger, pool, cycleID, snapshot, &summary)
	queue.Close()
	summary.Outcomes = <-done
	summary.Ran = summary.Links > 0
	summary.FinishedAt = o.clock.Now()
	duration := summary.FinishedAt.Sub(summary.StartedAt)
	span.SetAttributes(attribute.Int("cycle.links", summary.Links))
	for outcome, n := range summary.Outcomes {
		span.SetAttributes(attribute.Int("cycle.outcome."+string(outcome), n))
	}

	fields := []zap.Field{
		zap.Int("sources", summary.Sources),
		zap.Int("links", summary.Links),
		zap.Any("outcomes", summary.Outcomes),
		zap.Duration("duration", duration),
	}
	switch {
	case enqueueErr != nil || ctx.Err() != nil:
		metrics.ObserveCycle(ResultCanceled, duration)
		logger.Warn("cycle canceled", fields...)
		if enqueueErr == nil {
			enqueueErr = ctx.Err()
		}
		cancelErr := fmt.Errorf("cycle %s canceled: %w", cycleID, enqueueErr)
		telemetry.Fail(span, cancelErr)
		return summary, cancelErr
	case !summary.Ran:
		metrics.ObserveCycle(ResultNoLinks, duration)
		logger.Info("no CSV links found", fields...)
	default:
		metrics.ObserveCycle(ResultRan, duration)
		logger.Info("cycle finished", fields...)
	}
	return summary, nil
}

func (o *Orchestrator) enqueueAll(
	ctx context.Context,
	logger *zap.Logger,
	pool *dispatcher.Dispatcher,
	cycleID string,
	sources []ingest.Source,
	summary *Summary,
) error {
	for _, src := range sources {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		links, err := o.discover(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("link discovery failed",
				zap.String("page_url", src.PageURL),
				zap.String("store", src.StoreName),
				zap.Error(err),
			)
			continue
		}
		logger.Info("links discovered",
			zap.String("page_url", src.PageURL),
			zap.String("store", src.StoreName),
			zap.Int("links", len(links)),
		)
		metrics.ObserveLinks(src.StoreName, len(links))
		for _, link := range links {
			task := ingest.Task{
				CycleID:   cycleID,
				PageURL:   src.PageURL,
				StoreName: src.StoreName,
				Link:      link,
			}
			if err := pool.Enqueue(ctx, task); err != nil {
				return err
			}
			summary.Links++
		}
	}
	return nil
}

func (o *Orchestrator) discover(ctx context.Context, src ingest.Source) ([]string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "cycle.discover")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.page_url", src.PageURL),
		attribute.String("source.store", src.StoreName),
	)
	links, err := o.discoverer.Discover(ctx, src.PageURL)
	if err != nil {
		telemetry.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("source.links", len(links)))
	return links, nil
}
