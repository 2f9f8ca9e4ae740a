package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/JakeFAU/serial-crawler/internal/adapter"
	"github.com/JakeFAU/serial-crawler/internal/adapter/zwda"
	collyfetcher "github.com/JakeFAU/serial-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/queue"
	queuememory "github.com/JakeFAU/serial-crawler/internal/queue/memory"
	"github.com/JakeFAU/serial-crawler/internal/retry"
	storememory "github.com/JakeFAU/serial-crawler/internal/storage/memory"
	"github.com/JakeFAU/serial-crawler/internal/worker"
)

type fakeAdapter struct {
	site    string
	results []fiction.SearchResult
	listing []fiction.ChapterSummary
	err     error
}

func (a *fakeAdapter) Site() string   { return a.site }
func (a *fakeAdapter) Domain() string { return a.site + ".example" }
func (a *fakeAdapter) SearchByName(context.Context, string) ([]fiction.SearchResult, error) {
	return a.results, a.err
}
func (a *fakeAdapter) ListChapters(context.Context, string, string) ([]fiction.ChapterSummary, error) {
	return a.listing, a.err
}
func (a *fakeAdapter) FetchChapter(_ context.Context, job fiction.FetchJob) (fiction.FetchJob, error) {
	return job, nil
}

type fakeRegistry struct {
	adapters []fiction.Adapter
}

func (r fakeRegistry) Lookup(site string) (fiction.Adapter, bool) {
	for _, a := range r.adapters {
		if a.Site() == site {
			return a, true
		}
	}
	return nil, false
}

func (r fakeRegistry) Adapters() []fiction.Adapter { return r.adapters }

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// flakyPublisher fails every publish after the first n.
type flakyPublisher struct {
	n    int
	jobs []fiction.FetchJob
}

func (p *flakyPublisher) Publish(_ context.Context, job fiction.FetchJob) error {
	if len(p.jobs) >= p.n {
		return errors.New("broker unavailable")
	}
	p.jobs = append(p.jobs, job)
	return nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func listing(n int) []fiction.ChapterSummary {
	out := make([]fiction.ChapterSummary, n)
	for i := range out {
		out[i] = fiction.ChapterSummary{
			OriginID:  fmt.Sprint(i + 1),
			Title:     fmt.Sprintf("Ch%d", i+1),
			SourceURL: fmt.Sprintf("https://a.example/7/%d.html", i+1),
			Order:     i,
		}
	}
	return out
}

func seedFiction(t *testing.T, store *storememory.Store, site string) fiction.Fiction {
	t.Helper()
	f, err := store.UpsertFiction(context.Background(), fiction.Fiction{Site: site, OriginID: "7", Name: "Book", SourceURL: "https://a.example/7/"})
	require.NoError(t, err)
	return f
}

func TestSearchIsFailSoft(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	reg := fakeRegistry{adapters: []fiction.Adapter{
		&fakeAdapter{site: "a", results: []fiction.SearchResult{{Name: "A1", Site: "a"}}},
		&fakeAdapter{site: "broken", err: errors.New("timeout")},
		&fakeAdapter{site: "nosearch", err: fiction.ErrUnsupported},
		&fakeAdapter{site: "b", results: []fiction.SearchResult{{Name: "B1", Site: "b"}, {Name: "B2", Site: "b"}}},
	}}
	svc := New(reg, storememory.NewStore(), &flakyPublisher{}, fakeClock{testNow}, zap.New(core))

	results := svc.Search(context.Background(), "book")

	require.Equal(t, []string{"A1", "B1", "B2"}, []string{results[0].Name, results[1].Name, results[2].Name})
	require.Equal(t, 1, logs.FilterMessage("Adapter search failed").Len())
}

func TestRegisterFiction(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	svc := New(fakeRegistry{adapters: []fiction.Adapter{&fakeAdapter{site: "a"}}}, store, &flakyPublisher{}, fakeClock{testNow}, nil)

	f, err := svc.RegisterFiction(context.Background(), fiction.Fiction{Site: "a", OriginID: "7", Name: "Book"})
	require.NoError(t, err)
	require.NotZero(t, f.ID)
	require.Equal(t, testNow, f.UpdatedAt)

	_, err = svc.RegisterFiction(context.Background(), fiction.Fiction{Site: "zzz", OriginID: "7"})
	require.ErrorIs(t, err, fiction.ErrUnknownSite)

	_, err = svc.RegisterFiction(context.Background(), fiction.Fiction{Site: "a"})
	require.Error(t, err)
}

func TestEnqueueListingPublishesOnlyMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := storememory.NewStore()
	f := seedFiction(t, store, "a")
	require.NoError(t, store.InsertChapter(ctx, fiction.CachedChapter{FictionID: f.ID, OriginID: "2"}))

	q := queuememory.NewQueue()
	svc := New(fakeRegistry{}, store, q, fakeClock{testNow}, nil)

	n, err := svc.EnqueueListing(ctx, f, listing(3))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var ids []string
	for _, body := range q.Bodies() {
		job, err := queue.Decode(body)
		require.NoError(t, err)
		require.Equal(t, f.ID, job.FictionID)
		require.Equal(t, "a", job.Site)
		require.Empty(t, job.Content)
		ids = append(ids, job.OriginID)
	}
	require.Equal(t, []string{"1", "3"}, ids)
}

func TestEnqueueListingAbortsOnPublishFailure(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	f := seedFiction(t, store, "a")
	pub := &flakyPublisher{n: 2}
	svc := New(fakeRegistry{}, store, pub, fakeClock{testNow}, nil)

	n, err := svc.EnqueueListing(context.Background(), f, listing(5))
	require.ErrorContains(t, err, "broker unavailable")
	require.Equal(t, 2, n)
	require.Len(t, pub.jobs, 2)
}

func TestRefreshRecordsTotalAndEnqueues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := storememory.NewStore()
	f := seedFiction(t, store, "a")
	q := queuememory.NewQueue()
	reg := fakeRegistry{adapters: []fiction.Adapter{&fakeAdapter{site: "a", listing: listing(4)}}}
	svc := New(reg, store, q, fakeClock{testNow}, nil)

	res, err := svc.Refresh(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, RefreshResult{FictionID: f.ID, ChaptersTotal: 4, Enqueued: 4}, res)

	got, err := store.GetFiction(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, 4, got.ChaptersTotal)
	require.Equal(t, testNow, got.UpdatedAt)
}

func TestRefreshListingFailureKeepsTotal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := storememory.NewStore()
	f := seedFiction(t, store, "a")
	require.NoError(t, store.UpdateChapterTotal(ctx, f.ID, 10, testNow))
	reg := fakeRegistry{adapters: []fiction.Adapter{&fakeAdapter{site: "a", err: errors.New("503")}}}
	q := queuememory.NewQueue()
	svc := New(reg, store, q, fakeClock{testNow.Add(time.Hour)}, nil)

	_, err := svc.Refresh(ctx, f.ID)
	require.ErrorIs(t, err, fiction.ErrListingFailed)

	got, err := store.GetFiction(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, 10, got.ChaptersTotal)
	require.Zero(t, q.Len())
}

func TestRefreshEmptyListingEnqueuesNothing(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	f := seedFiction(t, store, "a")
	q := queuememory.NewQueue()
	reg := fakeRegistry{adapters: []fiction.Adapter{&fakeAdapter{site: "a", listing: []fiction.ChapterSummary{}}}}
	svc := New(reg, store, q, fakeClock{testNow}, nil)

	res, err := svc.Refresh(context.Background(), f.ID)
	require.NoError(t, err)
	require.Zero(t, res.Enqueued)
	require.Zero(t, q.Len())
}

func TestRefreshUnknownFictionAndSite(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	svc := New(fakeRegistry{}, store, queuememory.NewQueue(), fakeClock{testNow}, nil)

	_, err := svc.Refresh(context.Background(), 99)
	require.ErrorIs(t, err, fiction.ErrNotFound)

	f := seedFiction(t, store, "gone")
	_, err = svc.Refresh(context.Background(), f.ID)
	require.ErrorIs(t, err, fiction.ErrUnknownSite)
}

func TestProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := storememory.NewStore()
	f := seedFiction(t, store, "a")
	require.NoError(t, store.UpdateChapterTotal(ctx, f.ID, 4, testNow))
	require.NoError(t, store.InsertChapter(ctx, fiction.CachedChapter{FictionID: f.ID, OriginID: "1"}))
	svc := New(fakeRegistry{}, store, queuememory.NewQueue(), fakeClock{testNow}, nil)

	p, err := svc.Progress(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, fiction.Progress{FictionID: f.ID, Cached: 1, Total: 4}, p)
	require.InDelta(t, 25.0, p.Percentage(), 0.001)
}

func TestListFictionsReportsProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := storememory.NewStore()
	older, err := store.UpsertFiction(ctx, fiction.Fiction{Site: "a", OriginID: "1", Name: "Older", UpdatedAt: testNow})
	require.NoError(t, err)
	newer, err := store.UpsertFiction(ctx, fiction.Fiction{Site: "a", OriginID: "2", Name: "Newer", UpdatedAt: testNow.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, store.UpdateChapterTotal(ctx, older.ID, 2, testNow))
	require.NoError(t, store.InsertChapter(ctx, fiction.CachedChapter{FictionID: older.ID, OriginID: "1"}))
	svc := New(fakeRegistry{}, store, queuememory.NewQueue(), fakeClock{testNow}, nil)

	page, err := svc.ListFictions(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Len(t, page.Fictions, 2)
	require.Equal(t, newer.ID, page.Fictions[0].Fiction.ID)
	require.Equal(t, fiction.Progress{FictionID: older.ID, Cached: 1, Total: 2}, page.Fictions[1].Progress)

	page, err = svc.ListFictions(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Len(t, page.Fictions, 1)
}

func TestDeleteFictionDropsChapters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := storememory.NewStore()
	f := seedFiction(t, store, "a")
	require.NoError(t, store.InsertChapter(ctx, fiction.CachedChapter{FictionID: f.ID, OriginID: "1"}))
	svc := New(fakeRegistry{}, store, queuememory.NewQueue(), fakeClock{testNow}, nil)

	require.NoError(t, svc.DeleteFiction(ctx, f.ID))
	_, err := svc.Progress(ctx, f.ID)
	require.ErrorIs(t, err, fiction.ErrNotFound)
	n, err := store.CountChapters(ctx, f.ID)
	require.NoError(t, err)
	require.Zero(t, n)
	require.ErrorIs(t, svc.DeleteFiction(ctx, f.ID), fiction.ErrNotFound)
}

// TestPipelineEndToEnd drives the real site adapter against a local server:
// refresh lists and enqueues, the worker downloads and caches, and a second
// refresh finds nothing left to do.
func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gbk := func(s string) []byte {
		b, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(s))
		require.NoError(t, err)
		return b
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/book/7/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/book/7/":
			_, _ = w.Write(gbk(`<div id="list"><a href="41.html">第四十一章</a><a href="42.html">第四十二章</a></div>`))
		default:
			_, _ = w.Write(gbk(`<div id="content">正文<br>内容</div>`))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	noSleep := retry.Policy{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}
	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second}, nil)
	table := map[string]adapter.Registration{
		zwda.Name: {Site: zwda.Site, Factory: func(cfg fiction.AdapterConfig, deps adapter.Deps) fiction.Adapter {
			return zwda.New(cfg.Site, cfg.Domain, deps.Fetcher, nil, zwda.WithBaseURL(srv.URL), zwda.WithRetry(deps.Retry))
		}},
	}
	reg := adapter.Build([]fiction.AdapterConfig{{Site: zwda.Site, AdapterName: zwda.Name, Enabled: true}}, table,
		adapter.Deps{Fetcher: fetcher, Retry: noSleep}, nil)

	store := storememory.NewStore()
	q := queuememory.NewQueue()
	clock := fakeClock{testNow}
	svc := New(reg, store, q, clock, nil)

	f, err := svc.RegisterFiction(ctx, fiction.Fiction{Site: zwda.Site, OriginID: "7", Name: "书", SourceURL: srv.URL + "/book/7/"})
	require.NoError(t, err)

	res, err := svc.Refresh(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Enqueued)

	w := worker.New(q, reg, store, clock, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return q.Acked() == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	chapters, err := svc.Chapters(context.Background(), f.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	require.Equal(t, "第四十一章", chapters[0].Title)
	require.Equal(t, "正文\n内容", chapters[1].Content)

	p, err := svc.Progress(context.Background(), f.ID)
	require.NoError(t, err)
	require.Equal(t, 100.0, p.Percentage())

	again, err := svc.Refresh(context.Background(), f.ID)
	require.NoError(t, err)
	require.Zero(t, again.Enqueued)
}
