// Package postgres provides the Postgres-backed fiction store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists fictions, chapters and adapter configs in Postgres.
type Store struct {
	pool pool
}

var _ fiction.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks that a connection can be acquired.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// InsertChapter writes one chapter in its own transaction.
func (s *Store) InsertChapter(ctx context.Context, ch fiction.CachedChapter) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin chapter insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
INSERT INTO chapters (fiction_id, origin_id, title, content, chapter_order, source_url, cached_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ch.FictionID, ch.OriginID, ch.Title, ch.Content, ch.Order, ch.SourceURL, ch.CachedAt)
	if err != nil {
		return fmt.Errorf("insert chapter: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chapter insert: %w", err)
	}
	return nil
}

// CachedOriginIDs returns the origin ids already stored for a fiction.
func (s *Store) CachedOriginIDs(ctx context.Context, fictionID int64) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT origin_id FROM chapters WHERE fiction_id = $1`, fictionID)
	if err != nil {
		return nil, fmt.Errorf("query cached origin ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan origin id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate origin ids: %w", err)
	}
	return ids, nil
}

// CountChapters returns how many chapters are stored for a fiction.
func (s *Store) CountChapters(ctx context.Context, fictionID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chapters WHERE fiction_id = $1`, fictionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chapters: %w", err)
	}
	return n, nil
}

// ListChapters returns the stored chapters of a fiction sorted by order.
func (s *Store) ListChapters(ctx context.Context, fictionID int64) ([]fiction.CachedChapter, error) {
	rows, err := s.pool.Query(ctx, `
SELECT fiction_id, title, content, chapter_order, source_url, origin_id, cached_at
FROM chapters WHERE fiction_id = $1 ORDER BY chapter_order, id`, fictionID)
	if err != nil {
		return nil, fmt.Errorf("query chapters: %w", err)
	}
	defer rows.Close()

	var out []fiction.CachedChapter
	for rows.Next() {
		var ch fiction.CachedChapter
		if err := rows.Scan(&ch.FictionID, &ch.Title, &ch.Content, &ch.Order, &ch.SourceURL, &ch.OriginID, &ch.CachedAt); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return out, nil
}

// AdapterConfigs lists adapter rows in insertion order.
func (s *Store) AdapterConfigs(ctx context.Context, enabledOnly bool) ([]fiction.AdapterConfig, error) {
	query := `SELECT site, domain, adapter_name, enabled FROM adapter_configs ORDER BY id`
	if enabledOnly {
		query = `SELECT site, domain, adapter_name, enabled FROM adapter_configs WHERE enabled ORDER BY id`
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query adapter configs: %w", err)
	}
	defer rows.Close()

	var out []fiction.AdapterConfig
	for rows.Next() {
		var cfg fiction.AdapterConfig
		if err := rows.Scan(&cfg.Site, &cfg.Domain, &cfg.AdapterName, &cfg.Enabled); err != nil {
			return nil, fmt.Errorf("scan adapter config: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate adapter configs: %w", err)
	}
	return out, nil
}

// InsertAdapterConfig adds a row unless one exists for the adapter name.
func (s *Store) InsertAdapterConfig(ctx context.Context, cfg fiction.AdapterConfig) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO adapter_configs (site, domain, adapter_name, enabled)
VALUES ($1, $2, $3, $4)
ON CONFLICT (adapter_name) DO NOTHING`, cfg.Site, cfg.Domain, cfg.AdapterName, cfg.Enabled)
	if err != nil {
		return fmt.Errorf("insert adapter config: %w", err)
	}
	return nil
}

// UpdateAdapterConfig changes the domain and enabled flag of an adapter row.
func (s *Store) UpdateAdapterConfig(ctx context.Context, adapterName, domain string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE adapter_configs SET domain = $1, enabled = $2 WHERE adapter_name = $3`,
		domain, enabled, adapterName)
	if err != nil {
		return fmt.Errorf("update adapter config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adapter %q: %w", adapterName, fiction.ErrNotFound)
	}
	return nil
}

// GetFiction loads a fiction by id.
func (s *Store) GetFiction(ctx context.Context, id int64) (fiction.Fiction, error) {
	var f fiction.Fiction
	err := s.pool.QueryRow(ctx, `
SELECT id, site, origin_id, name, author, source_url, cover_url, chapters_total, updated_at
FROM fictions WHERE id = $1`, id).Scan(
		&f.ID, &f.Site, &f.OriginID, &f.Name, &f.Author, &f.SourceURL, &f.CoverURL, &f.ChaptersTotal, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fiction.Fiction{}, fmt.Errorf("fiction %d: %w", id, fiction.ErrNotFound)
	}
	if err != nil {
		return fiction.Fiction{}, fmt.Errorf("get fiction: %w", err)
	}
	return f, nil
}

// UpsertFiction inserts or updates a fiction keyed by site and origin id and
// returns the stored row.
func (s *Store) UpsertFiction(ctx context.Context, f fiction.Fiction) (fiction.Fiction, error) {
	err := s.pool.QueryRow(ctx, `
INSERT INTO fictions (site, origin_id, name, author, source_url, cover_url, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (site, origin_id) DO UPDATE SET
	name = EXCLUDED.name,
	author = EXCLUDED.author,
	source_url = EXCLUDED.source_url,
	cover_url = EXCLUDED.cover_url,
	updated_at = EXCLUDED.updated_at
RETURNING id, chapters_total`,
		f.Site, f.OriginID, f.Name, f.Author, f.SourceURL, f.CoverURL, f.UpdatedAt).Scan(&f.ID, &f.ChaptersTotal)
	if err != nil {
		return fiction.Fiction{}, fmt.Errorf("upsert fiction: %w", err)
	}
	return f, nil
}

// UpdateChapterTotal records the latest listing size for a fiction.
func (s *Store) UpdateChapterTotal(ctx context.Context, id int64, total int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE fictions SET chapters_total = $1, updated_at = $2 WHERE id = $3`, total, at, id)
	if err != nil {
		return fmt.Errorf("update chapter total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fiction %d: %w", id, fiction.ErrNotFound)
	}
	return nil
}

// ListFictions pages through fictions, most recently updated first. A
// non-positive limit returns every row from offset on.
func (s *Store) ListFictions(ctx context.Context, limit, offset int) ([]fiction.Fiction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, site, origin_id, name, author, source_url, cover_url, chapters_total, updated_at
FROM fictions ORDER BY updated_at DESC, id DESC LIMIT $1 OFFSET $2`, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("list fictions: %w", err)
	}
	defer rows.Close()

	out := []fiction.Fiction{}
	for rows.Next() {
		var f fiction.Fiction
		if err := rows.Scan(&f.ID, &f.Site, &f.OriginID, &f.Name, &f.Author, &f.SourceURL, &f.CoverURL,
			&f.ChaptersTotal, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fiction: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fictions: %w", err)
	}
	return out, nil
}

// CountFictions returns how many fictions are tracked.
func (s *Store) CountFictions(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fictions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fictions: %w", err)
	}
	return n, nil
}

// DeleteFiction removes a fiction; its chapters go with it through the
// ON DELETE CASCADE foreign key.
func (s *Store) DeleteFiction(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fictions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete fiction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fiction %d: %w", id, fiction.ErrNotFound)
	}
	return nil
}
