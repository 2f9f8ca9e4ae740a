package fiction

import "errors"

var (
	// ErrUnsupported is returned by adapters for capabilities they do not offer.
	ErrUnsupported = errors.New("capability not supported by adapter")
	// ErrFetchFailed marks a chapter fetch that exhausted its retry budget.
	ErrFetchFailed = errors.New("chapter fetch failed")
	// ErrUnknownSite is returned when no enabled adapter serves a site.
	ErrUnknownSite = errors.New("no adapter registered for site")
	// ErrListingFailed marks a chapter listing that could not be retrieved, as
	// opposed to a listing that is legitimately empty.
	ErrListingFailed = errors.New("chapter listing failed")
	// ErrNotFound is returned by stores for missing rows.
	ErrNotFound = errors.New("not found")
)
