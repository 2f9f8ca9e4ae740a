// Package adapter builds the site → adapter registry from configuration rows
// and a static table of adapter factories.
package adapter

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/serial-crawler/internal/adapter/zwda"
	collyfetcher "github.com/JakeFAU/serial-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/retry"
)

// Deps carries the shared collaborators adapters are built with.
type Deps struct {
	Fetcher *collyfetcher.Fetcher
	Retry   retry.Policy
	Logger  *zap.Logger
}

// Factory constructs an adapter for one configuration row.
type Factory func(cfg fiction.AdapterConfig, deps Deps) fiction.Adapter

// Registration describes a built-in adapter and the defaults used to seed its
// configuration row.
type Registration struct {
	Site    string
	Domain  string
	Factory Factory
}

// Builtin returns the static adapter table keyed by adapter name.
func Builtin() map[string]Registration {
	return map[string]Registration{
		zwda.Name: {
			Site:   zwda.Site,
			Domain: zwda.Domain,
			Factory: func(cfg fiction.AdapterConfig, deps Deps) fiction.Adapter {
				var opts []zwda.Option
				if deps.Retry.MaxAttempts > 0 {
					opts = append(opts, zwda.WithRetry(deps.Retry))
				}
				return zwda.New(cfg.Site, cfg.Domain, deps.Fetcher, deps.Logger, opts...)
			},
		},
	}
}

// Registry maps site labels to adapters. It is immutable once built and safe
// for concurrent reads.
type Registry struct {
	bySite  map[string]fiction.Adapter
	order   []string
	skipped []string
}

// Build creates one adapter per enabled config. Rows naming an unknown adapter
// are skipped with a warning; Build never fails.
func Build(configs []fiction.AdapterConfig, table map[string]Registration, deps Deps, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{bySite: make(map[string]fiction.Adapter, len(configs))}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		reg, ok := table[cfg.AdapterName]
		if !ok {
			logger.Warn("Skipping adapter config with unknown adapter",
				zap.String("adapter", cfg.AdapterName), zap.String("site", cfg.Site))
			r.skipped = append(r.skipped, cfg.AdapterName)
			continue
		}
		if _, dup := r.bySite[cfg.Site]; dup {
			logger.Warn("Replacing adapter for duplicate site",
				zap.String("adapter", cfg.AdapterName), zap.String("site", cfg.Site))
		} else {
			r.order = append(r.order, cfg.Site)
		}
		r.bySite[cfg.Site] = reg.Factory(cfg, deps)
	}
	logger.Info("Adapter registry built", zap.Strings("sites", r.order), zap.Int("skipped", len(r.skipped)))
	return r
}

// Lookup returns the adapter for a site.
func (r *Registry) Lookup(site string) (fiction.Adapter, bool) {
	a, ok := r.bySite[site]
	return a, ok
}

// Sites returns the registered site labels in configuration order.
func (r *Registry) Sites() []string {
	return append([]string(nil), r.order...)
}

// Adapters returns the registered adapters in configuration order.
func (r *Registry) Adapters() []fiction.Adapter {
	out := make([]fiction.Adapter, 0, len(r.order))
	for _, site := range r.order {
		out = append(out, r.bySite[site])
	}
	return out
}

// Skipped returns adapter names that could not be resolved.
func (r *Registry) Skipped() []string {
	return append([]string(nil), r.skipped...)
}

// SeedConfigs inserts a configuration row for every table entry that has none
// yet and returns the names it added.
func SeedConfigs(ctx context.Context, store fiction.AdapterConfigStore, table map[string]Registration) ([]string, error) {
	existing, err := store.AdapterConfigs(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("load adapter configs: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, cfg := range existing {
		known[cfg.AdapterName] = struct{}{}
	}

	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	var added []string
	for _, name := range names {
		if _, ok := known[name]; ok {
			continue
		}
		reg := table[name]
		err := store.InsertAdapterConfig(ctx, fiction.AdapterConfig{
			Site:        reg.Site,
			Domain:      reg.Domain,
			AdapterName: name,
			Enabled:     true,
		})
		if err != nil {
			return added, fmt.Errorf("seed adapter %q: %w", name, err)
		}
		added = append(added, name)
	}
	return added, nil
}
