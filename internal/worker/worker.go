// Package worker implements the fetch job consume loop.
package worker

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/metrics"
	"github.com/JakeFAU/serial-crawler/internal/queue"
)

// Outcome labels how a delivery was resolved.
type Outcome string

// Outcomes recorded per delivery. Every outcome acknowledges the message.
const (
	OutcomeCached        Outcome = "cached"
	OutcomeFetchFailed   Outcome = "fetch_failed"
	OutcomeUnknownSite   Outcome = "unknown_site"
	OutcomeDecodeFailed  Outcome = "decode_failed"
	OutcomePersistFailed Outcome = "persist_failed"
)

// Registry resolves the adapter for a site.
type Registry interface {
	Lookup(site string) (fiction.Adapter, bool)
}

const tracerName = "github.com/JakeFAU/serial-crawler/internal/worker"

// Worker consumes fetch jobs one at a time, downloads each chapter through
// the site's adapter and stores the result.
type Worker struct {
	subscriber fiction.JobSubscriber
	registry   Registry
	store      fiction.ChapterStore
	clock      fiction.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Option customizes a Worker.
type Option func(*Worker)

// WithTracerProvider traces deliveries with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *Worker) { w.tracer = tp.Tracer(tracerName) }
}

// New constructs a Worker.
func New(
	subscriber fiction.JobSubscriber,
	registry Registry,
	store fiction.ChapterStore,
	clock fiction.Clock,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		subscriber: subscriber,
		registry:   registry,
		store:      store,
		clock:      clock,
		logger:     logger.Named("worker"),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks, consuming deliveries until the context finishes. A message
// already being processed when ctx ends is completed first.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker consuming")
	err := w.subscriber.Receive(ctx, func(ctx context.Context, d fiction.Delivery) {
		w.Process(context.WithoutCancel(ctx), d)
	})
	if ctx.Err() != nil {
		w.logger.Info("Worker stopped")
		return nil
	}
	return err
}

// Process handles one delivery. It always acknowledges the message; failures
// are logged and the job dropped.
func (w *Worker) Process(ctx context.Context, d fiction.Delivery) Outcome {
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	ctx, span := w.tracer.Start(ctx, "worker.Process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message_id", d.ID())),
	)
	defer span.End()

	outcome := w.process(ctx, span, d)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome != OutcomeCached {
		span.SetStatus(codes.Error, string(outcome))
	}
	return outcome
}

func (w *Worker) process(ctx context.Context, span trace.Span, d fiction.Delivery) Outcome {
	logger := w.logger.With(zap.String("message_id", d.ID()))
	job, err := queue.Decode(d.Body())
	if err != nil {
		logger.Error("Dropping undecodable message", zap.Error(err))
		w.ack(logger, d)
		return w.record("unknown", OutcomeDecodeFailed, 0)
	}
	logger = logger.With(
		zap.String("site", job.Site),
		zap.Int64("fiction_id", job.FictionID),
		zap.String("origin_id", job.OriginID),
	)
	span.SetAttributes(
		attribute.String("site", job.Site),
		attribute.Int64("fiction_id", job.FictionID),
		attribute.String("origin_id", job.OriginID),
	)

	adapter, ok := w.registry.Lookup(job.Site)
	if !ok {
		logger.Error("Dropping job for unregistered site", zap.Error(fiction.ErrUnknownSite))
		w.ack(logger, d)
		return w.record(job.Site, OutcomeUnknownSite, 0)
	}

	fetched, fetchErr := adapter.FetchChapter(ctx, job)
	// The message is acknowledged once the fetch resolves, before persistence.
	w.ack(logger, d)
	if fetchErr != nil {
		span.RecordError(fetchErr)
		if errors.Is(fetchErr, fiction.ErrFetchFailed) {
			logger.Error("Chapter fetch exhausted retries", zap.Error(fetchErr))
		} else {
			logger.Error("Chapter fetch failed", zap.Error(fetchErr))
		}
		return w.record(job.Site, OutcomeFetchFailed, 0)
	}

	chapter := fiction.NewCachedChapter(fetched, w.clock.Now())
	if err := w.store.InsertChapter(ctx, chapter); err != nil {
		span.RecordError(err)
		logger.Error("Persisting chapter failed", zap.Error(err))
		return w.record(job.Site, OutcomePersistFailed, 0)
	}
	logger.Info("Chapter cached", zap.String("title", chapter.Title), zap.Int("order", chapter.Order))
	return w.record(job.Site, OutcomeCached, len(chapter.Content))
}

func (w *Worker) ack(logger *zap.Logger, d fiction.Delivery) {
	if err := d.Ack(); err != nil {
		logger.Warn("Ack failed", zap.Error(err))
	}
}

func (w *Worker) record(site string, outcome Outcome, contentBytes int) Outcome {
	metrics.ObserveJob(site, string(outcome), contentBytes)
	return outcome
}
