package models

import "time"

// URL represents a short code mapped to its original URL.
// The struct is JSON-tagged because degraded writes and cache
// repopulation store it verbatim in the fast cache.
type URL struct {
	// ID is the unique identifier for the record in the persistent store.
	// Zero for mappings that only exist in the cache so far.
	ID int64 `json:"id,omitempty"`
	// ShortCode is the short code associated with the original URL.
	ShortCode string `json:"short_code"`
	// OriginalURL is the full-length URL that the short code resolves to.
	OriginalURL string `json:"original_url"`
	// ClickCount tracks how many times the mapping has been resolved.
	// It never decreases.
	ClickCount int64 `json:"click_count"`
	// OwnerID optionally identifies the caller that created the mapping.
	OwnerID string `json:"owner_id,omitempty"`
	// CreatedAt is the timestamp indicating when the mapping was created.
	CreatedAt time.Time `json:"created_at"`
}

// URLStats aggregates click analytics for a single short code.
// The per-day counters are cache-resident and best-effort.
type URLStats struct {
	ShortCode   string           `json:"short_code"`
	OriginalURL string           `json:"original_url"`
	TotalClicks int64            `json:"total_clicks"`
	ClicksByDay map[string]int64 `json:"clicks_by_day,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
