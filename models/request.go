package models

// FetchRequest is the payload for POST /api/v1/fetch.
type FetchRequest struct {
	// URL is the target page. Required.
	URL string `json:"url" binding:"required,url"`

	// Timeout is the maximum duration in seconds for the entire fetch
	// (navigation + solving). Default: 30. Max: 120.
	Timeout int `json:"timeout,omitempty" binding:"omitempty,min=1,max=120"`

	// ForceRender skips the strategy resolver and always renders.
	ForceRender bool `json:"force_render,omitempty"`

	// NoCache bypasses the hybrid cache for this request.
	NoCache bool `json:"no_cache,omitempty"`
}

// Defaults applies default values to unset fields.
func (r *FetchRequest) Defaults() {
	if r.Timeout == 0 {
		r.Timeout = 30
	}
}

// BatchFetchRequest is the payload for POST /api/v1/fetch/batch.
type BatchFetchRequest struct {
	// URLs is the list of targets. Required, max 100.
	URLs []string `json:"urls" binding:"required,min=1,dive,url"`

	// MaxConcurrent bounds concurrent fetches within the batch.
	// Default: 3. Max: 10.
	MaxConcurrent int `json:"max_concurrent,omitempty" binding:"omitempty,min=1,max=10"`

	// Timeout is the per-URL timeout in seconds. Default: 30.
	Timeout int `json:"timeout,omitempty" binding:"omitempty,min=1,max=120"`
}

// Defaults applies default values to unset fields.
func (r *BatchFetchRequest) Defaults() {
	if r.MaxConcurrent == 0 {
		r.MaxConcurrent = 3
	}
	if r.Timeout == 0 {
		r.Timeout = 30
	}
}

// CrawlRequest is the payload for POST /api/v1/crawl.
type CrawlRequest struct {
	// URL is the starting page. Required.
	URL string `json:"url" binding:"required,url"`

	// MaxDepth limits the crawl depth from the starting URL.
	// Default: 2. Max: 10.
	MaxDepth *int `json:"max_depth,omitempty" binding:"omitempty,min=0,max=10"`

	// MaxPages limits the total number of pages to crawl.
	// Default: 100. Max: 500.
	MaxPages int `json:"max_pages,omitempty" binding:"omitempty,min=1,max=500"`

	// LinkSelector is an optional CSS selector for links to follow.
	// When empty, links are classified automatically.
	LinkSelector string `json:"link_selector,omitempty"`

	// SameDomainOnly restricts the crawl to the start domain.
	// Default: true.
	SameDomainOnly *bool `json:"same_domain_only,omitempty"`
}

// PaginateRequest is the payload for POST /api/v1/paginate.
type PaginateRequest struct {
	// URL is the first listing page. Required.
	URL string `json:"url" binding:"required,url"`

	// MaxPages limits the pagination sequence. Default: 50.
	MaxPages int `json:"max_pages,omitempty" binding:"omitempty,min=1,max=200"`

	// StopIfEmpty stops when a page yields zero records. Default: true.
	StopIfEmpty *bool `json:"stop_if_empty,omitempty"`

	// ItemSelector selects the repeated record element on each page.
	// Required; the built-in extractor returns one record per match.
	ItemSelector string `json:"item_selector" binding:"required"`

	// Fields maps output field names to CSS selectors inside each item.
	Fields map[string]string `json:"fields,omitempty"`
}
