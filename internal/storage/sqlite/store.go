// Package sqlite provides a single-file fiction store for single-node
// deployments. Timestamps are stored as unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
)

//go:embed schema.sql
var schema string

// Store persists fictions, chapters and adapter configs in SQLite.
type Store struct {
	db *sql.DB
}

var _ fiction.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema. Pass
// ":memory:" for an in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection avoids "database is locked" and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertChapter writes one chapter in its own transaction.
func (s *Store) InsertChapter(ctx context.Context, ch fiction.CachedChapter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chapter insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO chapters (fiction_id, origin_id, title, content, chapter_order, source_url, cached_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.FictionID, ch.OriginID, ch.Title, ch.Content, ch.Order, ch.SourceURL, ch.CachedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert chapter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chapter insert: %w", err)
	}
	return nil
}

// CachedOriginIDs returns the origin ids already stored for a fiction.
func (s *Store) CachedOriginIDs(ctx context.Context, fictionID int64) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT origin_id FROM chapters WHERE fiction_id = ?`, fictionID)
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
	return ids, rows.Err()
}

// CountChapters returns how many chapters are stored for a fiction.
func (s *Store) CountChapters(ctx context.Context, fictionID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chapters WHERE fiction_id = ?`, fictionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chapters: %w", err)
	}
	return n, nil
}

// ListChapters returns the stored chapters of a fiction sorted by order.
func (s *Store) ListChapters(ctx context.Context, fictionID int64) ([]fiction.CachedChapter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT fiction_id, title, content, chapter_order, source_url, origin_id, cached_at
FROM chapters WHERE fiction_id = ? ORDER BY chapter_order, id`, fictionID)
	if err != nil {
		return nil, fmt.Errorf("query chapters: %w", err)
	}
	defer rows.Close()

	var out []fiction.CachedChapter
	for rows.Next() {
		var (
			ch       fiction.CachedChapter
			cachedAt int64
		)
		if err := rows.Scan(&ch.FictionID, &ch.Title, &ch.Content, &ch.Order, &ch.SourceURL, &ch.OriginID, &cachedAt); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		ch.CachedAt = time.Unix(0, cachedAt).UTC()
		out = append(out, ch)
	}
	return out, rows.Err()
}

// AdapterConfigs lists adapter rows in insertion order.
func (s *Store) AdapterConfigs(ctx context.Context, enabledOnly bool) ([]fiction.AdapterConfig, error) {
	query := `SELECT site, domain, adapter_name, enabled FROM adapter_configs ORDER BY id`
	if enabledOnly {
		query = `SELECT site, domain, adapter_name, enabled FROM adapter_configs WHERE enabled = 1 ORDER BY id`
	}
	rows, err := s.db.QueryContext(ctx, query)
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
	return out, rows.Err()
}

// InsertAdapterConfig adds a row unless one exists for the adapter name.
func (s *Store) InsertAdapterConfig(ctx context.Context, cfg fiction.AdapterConfig) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO adapter_configs (site, domain, adapter_name, enabled) VALUES (?, ?, ?, ?)
ON CONFLICT (adapter_name) DO NOTHING`, cfg.Site, cfg.Domain, cfg.AdapterName, cfg.Enabled)
	if err != nil {
		return fmt.Errorf("insert adapter config: %w", err)
	}
	return nil
}

// UpdateAdapterConfig changes the domain and enabled flag of an adapter row.
func (s *Store) UpdateAdapterConfig(ctx context.Context, adapterName, domain string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE adapter_configs SET domain = ?, enabled = ? WHERE adapter_name = ?`,
		domain, enabled, adapterName)
	if err != nil {
		return fmt.Errorf("update adapter config: %w", err)
	}
	return requireRow(res, fmt.Sprintf("adapter %q", adapterName))
}

// GetFiction loads a fiction by id.
func (s *Store) GetFiction(ctx context.Context, id int64) (fiction.Fiction, error) {
	var (
		f         fiction.Fiction
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, site, origin_id, name, author, source_url, cover_url, chapters_total, updated_at
FROM fictions WHERE id = ?`, id).Scan(
		&f.ID, &f.Site, &f.OriginID, &f.Name, &f.Author, &f.SourceURL, &f.CoverURL, &f.ChaptersTotal, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fiction.Fiction{}, fmt.Errorf("fiction %d: %w", id, fiction.ErrNotFound)
	}
	if err != nil {
		return fiction.Fiction{}, fmt.Errorf("get fiction: %w", err)
	}
	f.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return f, nil
}

// UpsertFiction inserts or updates a fiction keyed by site and origin id.
func (s *Store) UpsertFiction(ctx context.Context, f fiction.Fiction) (fiction.Fiction, error) {
	err := s.db.QueryRowContext(ctx, `
INSERT INTO fictions (site, origin_id, name, author, source_url, cover_url, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (site, origin_id) DO UPDATE SET
	name = excluded.name,
	author = excluded.author,
	source_url = excluded.source_url,
	cover_url = excluded.cover_url,
	updated_at = excluded.updated_at
RETURNING id, chapters_total`,
		f.Site, f.OriginID, f.Name, f.Author, f.SourceURL, f.CoverURL, f.UpdatedAt.UnixNano()).Scan(&f.ID, &f.ChaptersTotal)
	if err != nil {
		return fiction.Fiction{}, fmt.Errorf("upsert fiction: %w", err)
	}
	return f, nil
}

// UpdateChapterTotal records the latest listing size for a fiction.
func (s *Store) UpdateChapterTotal(ctx context.Context, id int64, total int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE fictions SET chapters_total = ?, updated_at = ? WHERE id = ?`,
		total, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update chapter total: %w", err)
	}
	return requireRow(res, fmt.Sprintf("fiction %d", id))
}

// ListFictions pages through fictions, most recently updated first. A
// non-positive limit returns every row from offset on.
func (s *Store) ListFictions(ctx context.Context, limit, offset int) ([]fiction.Fiction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, site, origin_id, name, author, source_url, cover_url, chapters_total, updated_at
FROM fictions ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list fictions: %w", err)
	}
	defer rows.Close()

	out := []fiction.Fiction{}
	for rows.Next() {
		var (
			f         fiction.Fiction
			updatedAt int64
		)
		if err := rows.Scan(&f.ID, &f.Site, &f.OriginID, &f.Name, &f.Author, &f.SourceURL, &f.CoverURL,
			&f.ChaptersTotal, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan fiction: %w", err)
		}
		f.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFictions returns how many fictions are tracked.
func (s *Store) CountFictions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fictions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fictions: %w", err)
	}
	return n, nil
}

// DeleteFiction removes a fiction and its chapters in one transaction.
func (s *Store) DeleteFiction(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chapters WHERE fiction_id = ?`, id); err != nil {
		return fmt.Errorf("delete chapters: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM fictions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete fiction: %w", err)
	}
	if err := requireRow(res, fmt.Sprintf("fiction %d", id)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, fiction.ErrNotFound)
	}
	return nil
}
