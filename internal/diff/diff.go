// Package diff computes which chapters of a fresh listing still need fetching.
package diff

import "github.com/JakeFAU/serial-crawler/internal/fiction"

// Diff returns a FetchJob for every listing entry whose origin id is absent
// from cached, in listing order. It has no side effects; everything it emits is
// treated downstream as not yet cached.
func Diff(owner fiction.Fiction, listing []fiction.ChapterSummary, cached map[string]struct{}) []fiction.FetchJob {
	jobs := make([]fiction.FetchJob, 0, len(listing))
	for _, ch := range listing {
		if _, ok := cached[ch.OriginID]; ok {
			continue
		}
		jobs = append(jobs, fiction.FetchJob{
			OriginID:         ch.OriginID,
			Title:            ch.Title,
			SourceURL:        ch.SourceURL,
			Order:            ch.Order,
			FictionID:        owner.ID,
			Site:             owner.Site,
			FictionSourceURL: owner.SourceURL,
		})
	}
	return jobs
}

// OriginIDSet builds a lookup set from a slice of origin ids.
func OriginIDSet(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
