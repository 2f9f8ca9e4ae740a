// Package catalog hosts the operations that feed the pipeline: multi-site
// search, fiction registration, chapter refresh (list, diff, enqueue) and
// progress reporting.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/serial-crawler/internal/diff"
	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/serial-crawler/internal/catalog")

// Registry exposes the configured adapters.
type Registry interface {
	Lookup(site string) (fiction.Adapter, bool)
	Adapters() []fiction.Adapter
}

// Store is the persistence the catalog needs.
type Store interface {
	fiction.ChapterStore
	fiction.FictionStore
}

// RefreshResult summarizes one refresh.
type RefreshResult struct {
	FictionID     int64 `json:"fiction_id"`
	ChaptersTotal int   `json:"chapters_total"`
	Enqueued      int   `json:"enqueued"`
}

// Service coordinates adapters, the store and the job publisher.
type Service struct {
	registry  Registry
	store     Store
	publisher fiction.JobPublisher
	clock     fiction.Clock
	logger    *zap.Logger
}

// New constructs a Service.
func New(registry Registry, store Store, publisher fiction.JobPublisher, clock fiction.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:  registry,
		store:     store,
		publisher: publisher,
		clock:     clock,
		logger:    logger.Named("catalog"),
	}
}

// Search queries every adapter in registry order. A failing adapter is logged
// and contributes no results.
func (s *Service) Search(ctx context.Context, name string) []fiction.SearchResult {
	var results []fiction.SearchResult
	for _, a := range s.registry.Adapters() {
		found, err := a.SearchByName(ctx, name)
		if errors.Is(err, fiction.ErrUnsupported) {
			continue
		}
		if err != nil {
			metrics.ObserveAdapterError(a.Site(), "search")
			s.logger.Error("Adapter search failed",
				zap.String("site", a.Site()), zap.String("query", name), zap.Error(err))
			continue
		}
		results = append(results, found...)
	}
	return results
}

// RegisterFiction stores a fiction found by search, keyed by site and origin id.
func (s *Service) RegisterFiction(ctx context.Context, f fiction.Fiction) (fiction.Fiction, error) {
	if f.Site == "" || f.OriginID == "" {
		return fiction.Fiction{}, fmt.Errorf("site and origin_id are required")
	}
	if _, ok := s.registry.Lookup(f.Site); !ok {
		return fiction.Fiction{}, fmt.Errorf("site %q: %w", f.Site, fiction.ErrUnknownSite)
	}
	f.UpdatedAt = s.clock.Now()
	stored, err := s.store.UpsertFiction(ctx, f)
	if err != nil {
		return fiction.Fiction{}, err
	}
	return stored, nil
}

// EnqueueListing diffs a fresh listing against the cache and publishes every
// missing chapter. The first publish failure aborts the batch; the count
// returned is what was confirmed before it.
func (s *Service) EnqueueListing(ctx context.Context, owner fiction.Fiction, listing []fiction.ChapterSummary) (int, error) {
	cached, err := s.store.CachedOriginIDs(ctx, owner.ID)
	if err != nil {
		return 0, fmt.Errorf("load cached chapters: %w", err)
	}
	jobs := diff.Diff(owner, listing, cached)

	published := 0
	defer func() { metrics.ObserveEnqueued(owner.Site, published) }()
	for _, job := range jobs {
		if err := s.publisher.Publish(ctx, job); err != nil {
			return published, fmt.Errorf("publish chapter %s: %w", job.OriginID, err)
		}
		published++
	}
	s.logger.Info("Chapters enqueued",
		zap.Int64("fiction_id", owner.ID),
		zap.Int("listed", len(listing)),
		zap.Int("cached", len(cached)),
		zap.Int("enqueued", published),
	)
	return published, nil
}

// Refresh lists the fiction's chapters, records the total and enqueues what
// is missing. A listing failure leaves the stored total untouched.
func (s *Service) Refresh(ctx context.Context, fictionID int64) (result RefreshResult, err error) {
	ctx, span := tracer.Start(ctx, "catalog.Refresh")
	span.SetAttributes(attribute.Int64("fiction_id", fictionID))
	defer func() {
		span.SetAttributes(
			attribute.Int("chapters_total", result.ChaptersTotal),
			attribute.Int("enqueued", result.Enqueued),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	f, err := s.store.GetFiction(ctx, fictionID)
	if err != nil {
		return RefreshResult{}, err
	}
	adapter, ok := s.registry.Lookup(f.Site)
	if !ok {
		return RefreshResult{}, fmt.Errorf("site %q: %w", f.Site, fiction.ErrUnknownSite)
	}

	listing, err := adapter.ListChapters(ctx, f.SourceURL, f.Name)
	if err != nil {
		metrics.ObserveAdapterError(f.Site, "list")
		return RefreshResult{}, fmt.Errorf("%w: %w", fiction.ErrListingFailed, err)
	}
	if err := s.store.UpdateChapterTotal(ctx, f.ID, len(listing), s.clock.Now()); err != nil {
		return RefreshResult{}, err
	}

	result = RefreshResult{FictionID: f.ID, ChaptersTotal: len(listing)}
	result.Enqueued, err = s.EnqueueListing(ctx, f, listing)
	return result, err
}

// Progress reports how many of the fiction's listed chapters are cached.
func (s *Service) Progress(ctx context.Context, fictionID int64) (fiction.Progress, error) {
	f, err := s.store.GetFiction(ctx, fictionID)
	if err != nil {
		return fiction.Progress{}, err
	}
	n, err := s.store.CountChapters(ctx, fictionID)
	if err != nil {
		return fiction.Progress{}, err
	}
	return fiction.Progress{FictionID: fictionID, Cached: n, Total: f.ChaptersTotal}, nil
}

// Chapters returns the cached chapters of a fiction in reading order.
func (s *Service) Chapters(ctx context.Context, fictionID int64) ([]fiction.CachedChapter, error) {
	if _, err := s.store.GetFiction(ctx, fictionID); err != nil {
		return nil, err
	}
	return s.store.ListChapters(ctx, fictionID)
}

// FictionSummary is a tracked fiction together with its cache progress.
type FictionSummary struct {
	Fiction  fiction.Fiction
	Progress fiction.Progress
}

// FictionPage is one page of tracked fictions plus the overall count.
type FictionPage struct {
	Fictions []FictionSummary
	Total    int
}

// ListFictions pages through tracked fictions, most recently updated first,
// reporting how much of each is cached.
func (s *Service) ListFictions(ctx context.Context, limit, offset int) (FictionPage, error) {
	fictions, err := s.store.ListFictions(ctx, limit, offset)
	if err != nil {
		return FictionPage{}, err
	}
	total, err := s.store.CountFictions(ctx)
	if err != nil {
		return FictionPage{}, err
	}
	page := FictionPage{Fictions: make([]FictionSummary, 0, len(fictions)), Total: total}
	for _, f := range fictions {
		n, err := s.store.CountChapters(ctx, f.ID)
		if err != nil {
			return FictionPage{}, err
		}
		page.Fictions = append(page.Fictions, FictionSummary{
			Fiction:  f,
			Progress: fiction.Progress{FictionID: f.ID, Cached: n, Total: f.ChaptersTotal},
		})
	}
	return page, nil
}

// DeleteFiction stops tracking a fiction and drops its cached chapters. Jobs
// already queued for it still run and store orphaned chapters.
func (s *Service) DeleteFiction(ctx context.Context, fictionID int64) error {
	if err := s.store.DeleteFiction(ctx, fictionID); err != nil {
		return err
	}
	s.logger.Info("Fiction deleted", zap.Int64("fiction_id", fictionID))
	return nil
}
