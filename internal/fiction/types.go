package fiction

import "time"

// SourceIdentity identifies a fiction or chapter on its origin site. OriginID is
// only unique in combination with Site.
type SourceIdentity struct {
	Site     string `json:"site"`
	OriginID string `json:"origin_id"`
}

// SearchResult is one hit returned by an adapter's name search.
type SearchResult struct {
	Name          string `json:"fiction_name"`
	Author        string `json:"author"`
	Kind          string `json:"fiction_kind"`
	CoverURL      string `json:"image_url"`
	UpdateDate    string `json:"update_date"`
	LatestChapter string `json:"latest_chapter"`
	Introduction  string `json:"introduction"`
	Site          string `json:"site"`
	OriginURL     string `json:"origin_url"`
	OriginID      string `json:"origin_id"`
}

// ChapterSummary is one entry of a fresh chapter listing. Order is the source's
// native position (smaller is earlier). Summaries are never persisted.
type ChapterSummary struct {
	OriginID  string `json:"origin_id"`
	Title     string `json:"title"`
	SourceURL string `json:"source_url"`
	Order     int    `json:"order"`
}

// FetchJob is the unit of work carried on the job queue. Content is empty on the
// wire and only populated in memory by a successful fetch.
type FetchJob struct {
	OriginID         string `json:"origin_id"`
	Title            string `json:"title"`
	SourceURL        string `json:"source_url"`
	Order            int    `json:"order"`
	FictionID        int64  `json:"fiction_id"`
	Site             string `json:"site"`
	FictionSourceURL string `json:"fiction_source_url"`
	Content          string `json:"content"`
}

// Identity returns the chapter's source identity.
func (j FetchJob) Identity() SourceIdentity {
	return SourceIdentity{Site: j.Site, OriginID: j.OriginID}
}

// CachedChapter is the persisted record of a fetched chapter. It is inserted
// once and never updated by the pipeline.
type CachedChapter struct {
	FictionID int64     `json:"fiction_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Order     int       `json:"order"`
	SourceURL string    `json:"source_url"`
	OriginID  string    `json:"origin_id"`
	CachedAt  time.Time `json:"cached_at"`
}

// NewCachedChapter converts a fetched job into the row the worker persists.
func NewCachedChapter(job FetchJob, at time.Time) CachedChapter {
	return CachedChapter{
		FictionID: job.FictionID,
		Title:     job.Title,
		Content:   job.Content,
		Order:     job.Order,
		SourceURL: job.SourceURL,
		OriginID:  job.OriginID,
		CachedAt:  at,
	}
}

// AdapterConfig is the operator-controlled row describing one adapter. It is
// read when the registry is built; later edits only affect new processes.
type AdapterConfig struct {
	Site        string `json:"site"`
	Domain      string `json:"domain"`
	AdapterName string `json:"adapter_name"`
	Enabled     bool   `json:"enabled"`
}

// Fiction is a tracked work on one origin site.
type Fiction struct {
	ID            int64     `json:"id"`
	Site          string    `json:"site"`
	OriginID      string    `json:"origin_id"`
	Name          string    `json:"fiction_name"`
	Author        string    `json:"fiction_author"`
	SourceURL     string    `json:"fiction_url"`
	CoverURL      string    `json:"image_url"`
	ChaptersTotal int       `json:"fiction_chapters_total"`
	UpdatedAt     time.Time `json:"update_time"`
}

// Identity returns the fiction's source identity.
func (f Fiction) Identity() SourceIdentity {
	return SourceIdentity{Site: f.Site, OriginID: f.OriginID}
}

// Progress reports how much of a fiction is cached.
type Progress struct {
	FictionID int64 `json:"fiction_id"`
	Cached    int   `json:"cached_number"`
	Total     int   `json:"total_number"`
}

// Percentage returns the cached share in [0, 100]. A fiction with no known
// chapters counts as fully cached.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 100
	}
	pct := float64(p.Cached) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
