package fiction

import (
	"context"
	"time"
)

// Adapter performs site-specific extraction against one origin website.
// FetchChapter applies its own bounded retry; SearchByName and ListChapters
// return errors and leave the fail-soft decision to the caller.
type Adapter interface {
	Site() string
	Domain() string
	SearchByName(ctx context.Context, name string) ([]SearchResult, error)
	ListChapters(ctx context.Context, fictionURL, fictionName string) ([]ChapterSummary, error)
	FetchChapter(ctx context.Context, job FetchJob) (FetchJob, error)
}

// ChapterStore persists fetched chapters.
type ChapterStore interface {
	InsertChapter(ctx context.Context, chapter CachedChapter) error
	CachedOriginIDs(ctx context.Context, fictionID int64) (map[string]struct{}, error)
	CountChapters(ctx context.Context, fictionID int64) (int, error)
	ListChapters(ctx context.Context, fictionID int64) ([]CachedChapter, error)
}

// AdapterConfigStore reads and maintains adapter configuration rows.
type AdapterConfigStore interface {
	AdapterConfigs(ctx context.Context, enabledOnly bool) ([]AdapterConfig, error)
	InsertAdapterConfig(ctx context.Context, cfg AdapterConfig) error
	UpdateAdapterConfig(ctx context.Context, adapterName, domain string, enabled bool) error
}

// FictionStore maintains tracked fictions.
type FictionStore interface {
	GetFiction(ctx context.Context, id int64) (Fiction, error)
	UpsertFiction(ctx context.Context, f Fiction) (Fiction, error)
	UpdateChapterTotal(ctx context.Context, id int64, total int, at time.Time) error
	// ListFictions pages through fictions, most recently updated first.
	ListFictions(ctx context.Context, limit, offset int) ([]Fiction, error)
	CountFictions(ctx context.Context) (int, error)
	// DeleteFiction removes the fiction and its cached chapters.
	DeleteFiction(ctx context.Context, id int64) error
}

// Store is the full persistence collaborator.
type Store interface {
	ChapterStore
	AdapterConfigStore
	FictionStore
	Ping(ctx context.Context) error
	Close() error
}

// JobPublisher enqueues fetch jobs. Publish returns only after the broker has
// confirmed the message.
type JobPublisher interface {
	Publish(ctx context.Context, job FetchJob) error
}

// Delivery is one message handed to a consumer. It must be acknowledged
// explicitly; unacknowledged deliveries may be redelivered.
type Delivery interface {
	ID() string
	Body() []byte
	Ack() error
}

// DeliveryHandler processes a single delivery.
type DeliveryHandler func(ctx context.Context, d Delivery)

// JobSubscriber delivers queued messages one at a time. Receive blocks until
// ctx ends or the subscription fails.
type JobSubscriber interface {
	Receive(ctx context.Context, handler DeliveryHandler) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
