package api

import (
	"time"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
)

type progressDTO struct {
	FictionID  int64   `json:"fiction_id"`
	Cached     int     `json:"cached_number"`
	Total      int     `json:"total_number"`
	Percentage float64 `json:"percentage"`
}

type chapterDTO struct {
	OriginID  string    `json:"origin_id"`
	Title     string    `json:"title"`
	Order     int       `json:"order"`
	SourceURL string    `json:"source_url"`
	CachedAt  time.Time `json:"cached_at"`
	Content   string    `json:"content,omitempty"`
}

type fictionDTO struct {
	fiction.Fiction
	Cached     int     `json:"cached_chapters_number"`
	Percentage float64 `json:"cached_percentage"`
}
