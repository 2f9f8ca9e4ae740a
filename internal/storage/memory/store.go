// Package memory provides an in-memory fiction store for development and
// testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
)

// Store keeps fictions, chapters and adapter configs in maps.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	fictions map[int64]fiction.Fiction
	byOrigin map[fiction.SourceIdentity]int64
	chapters map[int64][]fiction.CachedChapter
	configs  []fiction.AdapterConfig
}

var _ fiction.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		fictions: make(map[int64]fiction.Fiction),
		byOrigin: make(map[fiction.SourceIdentity]int64),
		chapters: make(map[int64][]fiction.CachedChapter),
	}
}

// InsertChapter appends a chapter. Duplicates are kept, as in the SQL stores.
func (s *Store) InsertChapter(_ context.Context, ch fiction.CachedChapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chapters[ch.FictionID] = append(s.chapters[ch.FictionID], ch)
	return nil
}

// CachedOriginIDs returns the origin ids stored for a fiction.
func (s *Store) CachedOriginIDs(_ context.Context, fictionID int64) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{}, len(s.chapters[fictionID]))
	for _, ch := range s.chapters[fictionID] {
		ids[ch.OriginID] = struct{}{}
	}
	return ids, nil
}

// CountChapters returns how many chapters are stored for a fiction.
func (s *Store) CountChapters(_ context.Context, fictionID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chapters[fictionID]), nil
}

// ListChapters returns a copy of the fiction's chapters sorted by order.
func (s *Store) ListChapters(_ context.Context, fictionID int64) ([]fiction.CachedChapter, error) {
	s.mu.RLock()
	out := append([]fiction.CachedChapter(nil), s.chapters[fictionID]...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// AdapterConfigs lists adapter rows in insertion order.
func (s *Store) AdapterConfigs(_ context.Context, enabledOnly bool) ([]fiction.AdapterConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fiction.AdapterConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		if enabledOnly && !cfg.Enabled {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// InsertAdapterConfig adds a row unless one exists for the adapter name.
func (s *Store) InsertAdapterConfig(_ context.Context, cfg fiction.AdapterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.configs {
		if existing.AdapterName == cfg.AdapterName {
			return nil
		}
	}
	s.configs = append(s.configs, cfg)
	return nil
}

// UpdateAdapterConfig changes the domain and enabled flag of an adapter row.
func (s *Store) UpdateAdapterConfig(_ context.Context, adapterName, domain string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.configs {
		if s.configs[i].AdapterName == adapterName {
			s.configs[i].Domain = domain
			s.configs[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("adapter %q: %w", adapterName, fiction.ErrNotFound)
}

// GetFiction loads a fiction by id.
func (s *Store) GetFiction(_ context.Context, id int64) (fiction.Fiction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fictions[id]
	if !ok {
		return fiction.Fiction{}, fmt.Errorf("fiction %d: %w", id, fiction.ErrNotFound)
	}
	return f, nil
}

// UpsertFiction inserts or updates a fiction keyed by site and origin id.
func (s *Store) UpsertFiction(_ context.Context, f fiction.Fiction) (fiction.Fiction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byOrigin[f.Identity()]; ok {
		f.ID = id
		f.ChaptersTotal = s.fictions[id].ChaptersTotal
	} else {
		s.nextID++
		f.ID = s.nextID
		f.ChaptersTotal = 0
		s.byOrigin[f.Identity()] = f.ID
	}
	s.fictions[f.ID] = f
	return f, nil
}

// UpdateChapterTotal records the latest listing size for a fiction.
func (s *Store) UpdateChapterTotal(_ context.Context, id int64, total int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fictions[id]
	if !ok {
		return fmt.Errorf("fiction %d: %w", id, fiction.ErrNotFound)
	}
	f.ChaptersTotal = total
	f.UpdatedAt = at
	s.fictions[id] = f
	return nil
}

// ListFictions pages through fictions, most recently updated first. Ties
// fall back to the newest id.
func (s *Store) ListFictions(_ context.Context, limit, offset int) ([]fiction.Fiction, error) {
	s.mu.RLock()
	out := make([]fiction.Fiction, 0, len(s.fictions))
	for _, f := range s.fictions {
		out = append(out, f)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if offset >= len(out) {
		return []fiction.Fiction{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// CountFictions returns how many fictions are tracked.
func (s *Store) CountFictions(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fictions), nil
}

// DeleteFiction removes a fiction and its chapters.
func (s *Store) DeleteFiction(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fictions[id]
	if !ok {
		return fmt.Errorf("fiction %d: %w", id, fiction.ErrNotFound)
	}
	delete(s.fictions, id)
	delete(s.byOrigin, f.Identity())
	delete(s.chapters, id)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
