package models

// FetchStatus classifies the outcome of a fetch for callers, so they can
// branch without parsing error messages.
type FetchStatus string

const (
	// FetchOK means usable content was retrieved.
	FetchOK FetchStatus = "ok"

	// FetchRetryable means the fetch failed transiently (timeout,
	// connection error, HTTP error status) and may succeed elsewhere.
	FetchRetryable FetchStatus = "retryable"

	// FetchBlocked means a protection was detected and could not be
	// solved for free; retrying the same technique is pointless.
	FetchBlocked FetchStatus = "blocked"
)

// FetchResponse is the response for POST /api/v1/fetch.
type FetchResponse struct {
	// Success indicates whether the fetch produced usable content.
	Success bool `json:"success"`

	// Status is the typed outcome: "ok", "retryable", or "blocked".
	Status FetchStatus `json:"status"`

	// HTML is the final page markup (post-render, post-solve).
	HTML string `json:"html,omitempty"`

	// FinalURL is the URL after following all redirects.
	FinalURL string `json:"final_url,omitempty"`

	// StatusCode is the HTTP status code of the fetched page, when known.
	StatusCode int `json:"status_code,omitempty"`

	// Engine records how the page was fetched: "static" or "browser".
	Engine string `json:"engine,omitempty"`

	// Protection reports the detected protection, if any.
	Protection *ProtectionInfo `json:"protection,omitempty"`

	// CacheStatus indicates whether the response was served from cache.
	// Values: "hit", "miss", or empty (caching bypassed).
	CacheStatus string `json:"cache_status,omitempty"`

	// ElapsedMs is the end-to-end duration in milliseconds.
	ElapsedMs int64 `json:"elapsed_ms"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ProtectionInfo is the API-facing view of a detected protection.
type ProtectionInfo struct {
	Kind       string   `json:"kind"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
	Solved     bool     `json:"solved"`
}

// BatchFetchResponse is the response for POST /api/v1/fetch/batch.
type BatchFetchResponse struct {
	Results []*FetchResponse `json:"results"`
}

// JobResponse is the immediate response for async job creation.
type JobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CrawlStatusResponse is the response for GET /api/v1/crawl/:id.
type CrawlStatusResponse struct {
	ID      string           `json:"id"`
	Status  string           `json:"status"`
	Stats   CrawlStats       `json:"stats"`
	Records []map[string]any `json:"records,omitempty"`
	Error   *ErrorDetail     `json:"error,omitempty"`
}

// CrawlStats summarises a crawl or pagination run.
type CrawlStats struct {
	PagesCrawled  int `json:"pages_crawled"`
	URLsFound     int `json:"urls_found"`
	DataExtracted int `json:"data_extracted"`
	Errors        int `json:"errors"`
}

// CrawlJob tracks an in-progress crawl or pagination operation.
type CrawlJob struct {
	ID        string
	Status    string // "processing", "completed", "failed", "partial"
	Stats     CrawlStats
	Records   []map[string]any
	Error     *ErrorDetail
	CreatedAt int64 // unix timestamp
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status    string    `json:"status"` // "healthy" or "degraded"
	Uptime    string    `json:"uptime"`
	PoolStats PoolStats `json:"pool_stats"`
	Version   string    `json:"version"`
}

// PoolStats reports the state of the browser page pool.
type PoolStats struct {
	MaxPages    int `json:"max_pages"`
	ActivePages int `json:"active_pages"`
}

// CacheStatsResponse is the response for GET /api/v1/admin/cache.
type CacheStatsResponse struct {
	MemoryItems      int  `json:"memory_items"`
	MemoryMax        int  `json:"memory_max"`
	MemoryStale      int  `json:"memory_stale"`
	DurableConnected bool `json:"durable_connected"`
	DurableItems     int  `json:"durable_items,omitempty"`
}
