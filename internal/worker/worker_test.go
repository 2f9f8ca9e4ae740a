package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/queue"
	queuememory "github.com/JakeFAU/serial-crawler/internal/queue/memory"
	"github.com/JakeFAU/serial-crawler/internal/retry"
	storememory "github.com/JakeFAU/serial-crawler/internal/storage/memory"
)

// events records acks and inserts in the order they happen.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeDelivery struct {
	id     string
	body   []byte
	events *events
}

func (d *fakeDelivery) ID() string   { return d.id }
func (d *fakeDelivery) Body() []byte { return d.body }
func (d *fakeDelivery) Ack() error {
	d.events.add("ack:" + d.id)
	return nil
}

type fakeAdapter struct {
	site  string
	fetch func(ctx context.Context, job fiction.FetchJob) (fiction.FetchJob, error)
}

func (a *fakeAdapter) Site() string   { return a.site }
func (a *fakeAdapter) Domain() string { return "fake.example" }
func (a *fakeAdapter) SearchByName(context.Context, string) ([]fiction.SearchResult, error) {
	return nil, fiction.ErrUnsupported
}
func (a *fakeAdapter) ListChapters(context.Context, string, string) ([]fiction.ChapterSummary, error) {
	return nil, fiction.ErrUnsupported
}
func (a *fakeAdapter) FetchChapter(ctx context.Context, job fiction.FetchJob) (fiction.FetchJob, error) {
	return a.fetch(ctx, job)
}

type fakeRegistry map[string]fiction.Adapter

func (r fakeRegistry) Lookup(site string) (fiction.Adapter, bool) {
	a, ok := r[site]
	return a, ok
}

type fakeStore struct {
	mu       sync.Mutex
	chapters []fiction.CachedChapter
	err      error
	events   *events
}

func (s *fakeStore) InsertChapter(_ context.Context, ch fiction.CachedChapter) error {
	if s.events != nil {
		s.events.add("insert:" + ch.OriginID)
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chapters = append(s.chapters, ch)
	return nil
}

func (s *fakeStore) CachedOriginIDs(context.Context, int64) (map[string]struct{}, error) {
	return nil, nil
}
func (s *fakeStore) CountChapters(context.Context, int64) (int, error) { return 0, nil }
func (s *fakeStore) ListChapters(context.Context, int64) ([]fiction.CachedChapter, error) {
	return nil, nil
}

func (s *fakeStore) stored() []fiction.CachedChapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fiction.CachedChapter(nil), s.chapters...)
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func encodeJob(t *testing.T, job fiction.FetchJob) []byte {
	t.Helper()
	body, err := queue.Encode(job)
	require.NoError(t, err)
	return body
}

func chapter42() fiction.FetchJob {
	return fiction.FetchJob{
		OriginID:         "42",
		Title:            "Ch42",
		SourceURL:        "https://www.zwda.com/book/7/42.html",
		Order:            41,
		FictionID:        7,
		Site:             "E小说",
		FictionSourceURL: "https://www.zwda.com/book/7/",
	}
}

func bodyText(_ context.Context, job fiction.FetchJob) (fiction.FetchJob, error) {
	job.Content = "body text"
	return job, nil
}

func TestProcessSuccessAcksThenPersists(t *testing.T) {
	t.Parallel()

	ev := &events{}
	store := &fakeStore{events: ev}
	w := New(nil, fakeRegistry{"E小说": &fakeAdapter{site: "E小说", fetch: bodyText}}, store, fakeClock{testNow}, zap.NewNop())

	outcome := w.Process(context.Background(), &fakeDelivery{id: "m1", body: encodeJob(t, chapter42()), events: ev})

	require.Equal(t, OutcomeCached, outcome)
	require.Equal(t, []string{"ack:m1", "insert:42"}, ev.all())
	require.Equal(t, []fiction.CachedChapter{{
		FictionID: 7,
		Title:     "Ch42",
		Content:   "body text",
		Order:     41,
		SourceURL: "https://www.zwda.com/book/7/42.html",
		OriginID:  "42",
		CachedAt:  testNow,
	}}, store.stored())
}

func TestProcessPermanentFetchFailureAcksAndPersistsNothing(t *testing.T) {
	t.Parallel()

	ev := &events{}
	store := &fakeStore{events: ev}
	attempts := 0
	policy := retry.Policy{MaxAttempts: 3, Delay: 2 * time.Second, Sleep: func(context.Context, time.Duration) error { return nil }}
	adapter := &fakeAdapter{site: "E小说", fetch: func(ctx context.Context, job fiction.FetchJob) (fiction.FetchJob, error) {
		err := policy.Do(ctx, func(context.Context, int) error {
			attempts++
			return errors.New("connection reset")
		})
		return job, err
	}}
	w := New(nil, fakeRegistry{"E小说": adapter}, store, fakeClock{testNow}, nil)

	outcome := w.Process(context.Background(), &fakeDelivery{id: "m1", body: encodeJob(t, chapter42()), events: ev})

	require.Equal(t, OutcomeFetchFailed, outcome)
	require.Equal(t, 3, attempts)
	require.Equal(t, []string{"ack:m1"}, ev.all())
	require.Empty(t, store.stored())
}

func TestProcessUnknownSite(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	ev := &events{}
	store := &fakeStore{events: ev}
	w := New(nil, fakeRegistry{}, store, fakeClock{testNow}, zap.New(core))

	outcome := w.Process(context.Background(), &fakeDelivery{id: "m1", body: encodeJob(t, chapter42()), events: ev})

	require.Equal(t, OutcomeUnknownSite, outcome)
	require.Equal(t, []string{"ack:m1"}, ev.all())
	require.Equal(t, 1, logs.FilterMessage("Dropping job for unregistered site").Len())
}

func TestProcessUndecodableMessage(t *testing.T) {
	t.Parallel()

	ev := &events{}
	w := New(nil, fakeRegistry{}, &fakeStore{}, fakeClock{testNow}, nil)

	outcome := w.Process(context.Background(), &fakeDelivery{id: "bad", body: []byte("{not json"), events: ev})

	require.Equal(t, OutcomeDecodeFailed, outcome)
	require.Equal(t, []string{"ack:bad"}, ev.all())
}

func TestProcessPersistFailureIsDropped(t *testing.T) {
	t.Parallel()

	ev := &events{}
	store := &fakeStore{events: ev, err: errors.New("db down")}
	w := New(nil, fakeRegistry{"E小说": &fakeAdapter{site: "E小说", fetch: bodyText}}, store, fakeClock{testNow}, nil)

	outcome := w.Process(context.Background(), &fakeDelivery{id: "m1", body: encodeJob(t, chapter42()), events: ev})

	require.Equal(t, OutcomePersistFailed, outcome)
	require.Equal(t, []string{"ack:m1", "insert:42"}, ev.all())
	require.Empty(t, store.stored())
}

func TestProcessRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ev := &events{}
	reg := fakeRegistry{"E小说": &fakeAdapter{site: "E小说", fetch: bodyText}}
	w := New(nil, reg, &fakeStore{events: ev}, fakeClock{testNow}, nil, WithTracerProvider(tp))

	w.Process(context.Background(), &fakeDelivery{id: "ok", body: encodeJob(t, chapter42()), events: ev})
	w.Process(context.Background(), &fakeDelivery{id: "bad", body: []byte("nope"), events: ev})

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "worker.Process", spans[0].Name())
	require.Contains(t, spans[0].Attributes(), attribute.String("site", "E小说"))
	require.Contains(t, spans[0].Attributes(), attribute.String("outcome", string(OutcomeCached)))
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Contains(t, spans[1].Attributes(), attribute.String("outcome", string(OutcomeDecodeFailed)))
	require.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestRunSurvivesFailuresAndCachesTheRest(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue()
	store := storememory.NewStore()
	adapter := &fakeAdapter{site: "E小说", fetch: func(ctx context.Context, job fiction.FetchJob) (fiction.FetchJob, error) {
		if job.OriginID == "bad" {
			return job, fiction.ErrFetchFailed
		}
		return bodyText(ctx, job)
	}}
	w := New(q, fakeRegistry{"E小说": adapter}, store, fakeClock{testNow}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bad := chapter42()
	bad.OriginID = "bad"
	orphan := chapter42()
	orphan.Site = "nowhere"
	orphan.OriginID = "orphan"
	require.NoError(t, q.Publish(ctx, bad))
	require.NoError(t, q.Publish(ctx, orphan))
	require.NoError(t, q.PublishRaw([]byte("garbage")))
	require.NoError(t, q.Publish(ctx, chapter42()))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return q.Acked() == 4 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	chapters, err := store.ListChapters(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	require.Equal(t, "42", chapters[0].OriginID)
	require.Equal(t, "Ch42", chapters[0].Title)
	require.Equal(t, 41, chapters[0].Order)
	require.Equal(t, "body text", chapters[0].Content)
	require.Equal(t, 0, q.Len())
}

func TestRunFinishesInFlightMessageOnShutdown(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue()
	store := storememory.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	adapter := &fakeAdapter{site: "E小说", fetch: func(fetchCtx context.Context, job fiction.FetchJob) (fiction.FetchJob, error) {
		close(started)
		<-release
		if err := fetchCtx.Err(); err != nil {
			return job, err
		}
		return bodyText(fetchCtx, job)
	}}
	w := New(q, fakeRegistry{"E小说": adapter}, store, fakeClock{testNow}, nil)
	require.NoError(t, q.Publish(ctx, chapter42()))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	cancel()
	close(release)
	require.NoError(t, <-done)

	n, err := store.CountChapters(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, q.Acked())
}

type failingSubscriber struct{ err error }

func (s failingSubscriber) Receive(context.Context, fiction.DeliveryHandler) error { return s.err }

func TestRunReturnsSubscriberError(t *testing.T) {
	t.Parallel()

	w := New(failingSubscriber{err: errors.New("broker gone")}, fakeRegistry{}, &fakeStore{}, fakeClock{testNow}, nil)
	require.ErrorContains(t, w.Run(context.Background()), "broker gone")
}
