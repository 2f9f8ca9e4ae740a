package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestInsertChapterCommits(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	at := time.Unix(1700000000, 0).UTC()
	ch := fiction.CachedChapter{FictionID: 7, Title: "Ch42", Content: "body text", Order: 41, SourceURL: "https://x/42", OriginID: "42", CachedAt: at}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chapters").
		WithArgs(int64(7), "42", "Ch42", "body text", 41, "https://x/42", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.InsertChapter(context.Background(), ch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChapterRollsBackOnError(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chapters").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.InsertChapter(context.Background(), fiction.CachedChapter{FictionID: 1, OriginID: "1"})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedOriginIDs(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT origin_id FROM chapters").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"origin_id"}).AddRow("1").AddRow("2").AddRow("2"))

	ids, err := store.CachedOriginIDs(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"1": {}, "2": {}}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountChapters(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(12))

	n, err := store.CountChapters(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 12, n)
}

func TestListChaptersOrdered(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("ORDER BY chapter_order").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"fiction_id", "title", "content", "chapter_order", "source_url", "origin_id", "cached_at"}).
			AddRow(int64(7), "A", "a", 0, "u0", "0", at).
			AddRow(int64(7), "B", "b", 1, "u1", "1", at))

	chapters, err := store.ListChapters(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	require.Equal(t, "A", chapters[0].Title)
	require.Equal(t, 1, chapters[1].Order)
}

func TestAdapterConfigsEnabledOnly(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM adapter_configs WHERE enabled").
		WillReturnRows(pgxmock.NewRows([]string{"site", "domain", "adapter_name", "enabled"}).
			AddRow("E小说", "www.zwda.com", "ZwdaAdapter", true))

	cfgs, err := store.AdapterConfigs(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, []fiction.AdapterConfig{{Site: "E小说", Domain: "www.zwda.com", AdapterName: "ZwdaAdapter", Enabled: true}}, cfgs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAdapterConfigNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE adapter_configs").
		WithArgs("www.zwda.com", false, "Missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateAdapterConfig(context.Background(), "Missing", "www.zwda.com", false)
	require.ErrorIs(t, err, fiction.ErrNotFound)
}

func TestInsertAdapterConfig(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO adapter_configs").
		WithArgs("E小说", "www.zwda.com", "ZwdaAdapter", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertAdapterConfig(context.Background(), fiction.AdapterConfig{
		Site: "E小说", Domain: "www.zwda.com", AdapterName: "ZwdaAdapter", Enabled: true,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFictionNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM fictions WHERE id").
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetFiction(context.Background(), 99)
	require.ErrorIs(t, err, fiction.ErrNotFound)
}

func TestUpsertFictionReturnsID(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	at := time.Unix(1700000000, 0).UTC()
	in := fiction.Fiction{Site: "E小说", OriginID: "7", Name: "Book", Author: "A", SourceURL: "https://x/7/", UpdatedAt: at}
	mock.ExpectQuery("INSERT INTO fictions").
		WithArgs("E小说", "7", "Book", "A", "https://x/7/", "", at).
		WillReturnRows(pgxmock.NewRows([]string{"id", "chapters_total"}).AddRow(int64(7), 3))

	out, err := store.UpsertFiction(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int64(7), out.ID)
	require.Equal(t, 3, out.ChaptersTotal)
	require.Equal(t, "Book", out.Name)
}

func TestUpdateChapterTotal(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE fictions SET chapters_total").
		WithArgs(20, at, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateChapterTotal(context.Background(), 7, 20, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fictions").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	_, err = NewWithPool(nil)
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFictionsNewestFirst(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	newer := time.Unix(1700000100, 0).UTC()
	older := time.Unix(1700000000, 0).UTC()
	cols := []string{"id", "site", "origin_id", "name", "author", "source_url", "cover_url", "chapters_total", "updated_at"}
	mock.ExpectQuery("FROM fictions ORDER BY updated_at DESC").
		WithArgs(18, 0).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(2), "E小说", "9", "Later", "B", "https://x/9/", "", 5, newer).
			AddRow(int64(1), "E小说", "7", "Book", "A", "https://x/7/", "", 3, older))

	got, err := store.ListFictions(context.Background(), 18, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(2), got[0].ID)
	require.Equal(t, 3, got[1].ChaptersTotal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountFictions(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))
	n, err := store.CountFictions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestDeleteFiction(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM fictions").
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM fictions").
		WithArgs(int64(8)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, store.DeleteFiction(context.Background(), 7))
	require.ErrorIs(t, store.DeleteFiction(context.Background(), 8), fiction.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
