package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Browser    BrowserConfig
	Fetch      FetchConfig
	Crawl      CrawlConfig
	Pagination PaginationConfig
	Cache      CacheConfig
	Learner    LearnerConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// MaxPages is the page pool capacity (max concurrent tabs).
	MaxPages int // default: 10

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// DefaultProxy is the default proxy URL for all requests.
	DefaultProxy string
}

// FetchConfig controls the adaptive fetch pipeline.
type FetchConfig struct {
	// DefaultTimeout is the per-fetch deadline (navigation + solving).
	DefaultTimeout time.Duration // default: 30s

	// MaxTimeout is the maximum allowed timeout from the client.
	MaxTimeout time.Duration // default: 120s

	// StaticTimeout is the deadline for the plain HTTP fetch.
	StaticTimeout time.Duration // default: 10s

	// MaxConcurrentRenders bounds concurrent browser renders.
	// Rendering is resource-heavy, so this is typically lower than
	// MaxConcurrentStatic.
	MaxConcurrentRenders int // default: 3

	// MaxConcurrentStatic bounds concurrent plain HTTP fetches.
	MaxConcurrentStatic int // default: 10

	// MaxAttempts is the retry ceiling per URL before the learner's
	// give-up rules even apply.
	MaxAttempts int // default: 5

	// BlockedResourceTypes lists browser resource types to block while
	// rendering. default: ["Image", "Stylesheet", "Font", "Media"]
	BlockedResourceTypes []string

	// AutoSolve toggles the free-tier protection solver.
	AutoSolve bool // default: true
}

// CrawlConfig controls the BFS crawler defaults.
type CrawlConfig struct {
	// MaxDepth limits crawl depth from the starting URL.
	MaxDepth int // default: 2. Max: 10.

	// MaxPages limits total pages per crawl.
	MaxPages int // default: 100. Max: 500.

	// Delay is the polite delay between page fetches.
	Delay time.Duration // default: 1s

	// SameDomainOnly restricts the crawl to the start domain.
	SameDomainOnly bool // default: true

	// MaxLinksPerPage caps newly queued links per crawled page.
	MaxLinksPerPage int // default: 50

	// MaxListLinks caps list-page links followed from the start page.
	MaxListLinks int // default: 10
}

// PaginationConfig controls the pagination scraper defaults.
type PaginationConfig struct {
	// MaxPages limits pages per pagination sequence.
	MaxPages int // default: 50

	// Delay is the polite delay between page fetches.
	Delay time.Duration // default: 1s

	// StopIfEmpty stops the sequence when a page yields zero records.
	StopIfEmpty bool // default: true

	// PageParams is the ordered set of URL query parameter names that
	// are treated as page counters.
	PageParams []string // default: page,p,pg,pageNum,pageNumber,offset,start,from,skip,index
}

// CacheConfig controls the hybrid cache.
type CacheConfig struct {
	// MemoryMaxItems is the Tier-1 in-memory capacity.
	MemoryMaxItems int // default: 1000

	// MemoryTTL is the Tier-1 entry lifetime.
	MemoryTTL time.Duration // default: 1h

	// DurableTTL is the Tier-2 entry lifetime.
	DurableTTL time.Duration // default: 24h

	// DurablePath is the SQLite file backing Tier 2 and the learner
	// blob. Empty disables the durable tier (memory-only caching,
	// cold-start learner).
	DurablePath string // default: "harvest.db"
}

// LearnerConfig controls the adaptive learner.
type LearnerConfig struct {
	// BaseRate is the neutral success-rate prior for unseen domains.
	BaseRate float64 // default: 0.5

	// HalfLife is the exponential-decay half-life for the
	// time-weighted success rate.
	HalfLife time.Duration // default: 168h (7 days)

	// Window restricts domain stats to attempts younger than this.
	Window time.Duration // default: 720h (30 days)

	// MinWait is the floor for recommended wait times.
	MinWait time.Duration // default: 1500ms
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("HARVEST_HOST", "0.0.0.0"),
			Port: envIntOr("HARVEST_PORT", 8080),
			Mode: envOr("HARVEST_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:     envBoolOr("HARVEST_HEADLESS", true),
			MaxPages:     envIntOr("HARVEST_MAX_PAGES", 10),
			NoSandbox:    envBoolOr("HARVEST_NO_SANDBOX", false),
			BrowserBin:   os.Getenv("HARVEST_BROWSER_BIN"),
			DefaultProxy: os.Getenv("HARVEST_PROXY"),
		},
		Fetch: FetchConfig{
			DefaultTimeout:       envDurationOr("HARVEST_DEFAULT_TIMEOUT", 30*time.Second),
			MaxTimeout:           envDurationOr("HARVEST_MAX_TIMEOUT", 120*time.Second),
			StaticTimeout:        envDurationOr("HARVEST_STATIC_TIMEOUT", 10*time.Second),
			MaxConcurrentRenders: envIntOr("HARVEST_MAX_RENDERS", 3),
			MaxConcurrentStatic:  envIntOr("HARVEST_MAX_STATIC", 10),
			MaxAttempts:          envIntOr("HARVEST_MAX_ATTEMPTS", 5),
			BlockedResourceTypes: envSliceOr("HARVEST_BLOCKED_RESOURCES", []string{
				"Image", "Stylesheet", "Font", "Media",
			}),
			AutoSolve: envBoolOr("HARVEST_AUTO_SOLVE", true),
		},
		Crawl: CrawlConfig{
			MaxDepth:        envIntOr("HARVEST_CRAWL_DEPTH", 2),
			MaxPages:        envIntOr("HARVEST_CRAWL_PAGES", 100),
			Delay:           envDurationOr("HARVEST_CRAWL_DELAY", 1*time.Second),
			SameDomainOnly:  envBoolOr("HARVEST_CRAWL_SAME_DOMAIN", true),
			MaxLinksPerPage: envIntOr("HARVEST_CRAWL_LINKS_PER_PAGE", 50),
			MaxListLinks:    envIntOr("HARVEST_CRAWL_LIST_LINKS", 10),
		},
		Pagination: PaginationConfig{
			MaxPages:    envIntOr("HARVEST_PAGINATE_PAGES", 50),
			Delay:       envDurationOr("HARVEST_PAGINATE_DELAY", 1*time.Second),
			StopIfEmpty: envBoolOr("HARVEST_PAGINATE_STOP_IF_EMPTY", true),
			PageParams: envSliceOr("HARVEST_PAGE_PARAMS", []string{
				"page", "p", "pg", "pageNum", "pageNumber",
				"offset", "start", "from", "skip", "index",
			}),
		},
		Cache: CacheConfig{
			MemoryMaxItems: envIntOr("HARVEST_CACHE_MAX_ITEMS", 1000),
			MemoryTTL:      envDurationOr("HARVEST_CACHE_MEMORY_TTL", 1*time.Hour),
			DurableTTL:     envDurationOr("HARVEST_CACHE_DURABLE_TTL", 24*time.Hour),
			DurablePath:    envOr("HARVEST_DB_PATH", "harvest.db"),
		},
		Learner: LearnerConfig{
			BaseRate: envFloatOr("HARVEST_LEARNER_BASE_RATE", 0.5),
			HalfLife: envDurationOr("HARVEST_LEARNER_HALF_LIFE", 7*24*time.Hour),
			Window:   envDurationOr("HARVEST_LEARNER_WINDOW", 30*24*time.Hour),
			MinWait:  envDurationOr("HARVEST_LEARNER_MIN_WAIT", 1500*time.Millisecond),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("HARVEST_AUTH_ENABLED", true),
			APIKeys: envSliceOr("HARVEST_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("HARVEST_RATE_RPS", 5.0),
			Burst:             envIntOr("HARVEST_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  envOr("HARVEST_LOG_LEVEL", "info"),
			Format: envOr("HARVEST_LOG_FORMAT", "json"),
		},
	}
}

// Validate rejects nonsensical limits. Configuration errors are fatal at
// startup, never per request.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Browser.MaxPages < 1 {
		return fmt.Errorf("config: browser max pages must be >= 1, got %d", c.Browser.MaxPages)
	}
	if c.Fetch.MaxConcurrentRenders < 1 || c.Fetch.MaxConcurrentStatic < 1 {
		return fmt.Errorf("config: concurrency limits must be >= 1")
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("config: max attempts must be >= 1, got %d", c.Fetch.MaxAttempts)
	}
	if c.Crawl.MaxDepth < 0 || c.Crawl.MaxDepth > 10 {
		return fmt.Errorf("config: crawl depth must be in [0,10], got %d", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages < 1 || c.Crawl.MaxPages > 500 {
		return fmt.Errorf("config: crawl pages must be in [1,500], got %d", c.Crawl.MaxPages)
	}
	if c.Pagination.MaxPages < 1 {
		return fmt.Errorf("config: pagination pages must be >= 1, got %d", c.Pagination.MaxPages)
	}
	if c.Cache.MemoryMaxItems < 1 {
		return fmt.Errorf("config: cache capacity must be >= 1, got %d", c.Cache.MemoryMaxItems)
	}
	if c.Learner.BaseRate < 0 || c.Learner.BaseRate > 1 {
		return fmt.Errorf("config: learner base rate must be in [0,1], got %f", c.Learner.BaseRate)
	}
	if c.Learner.HalfLife <= 0 || c.Learner.Window <= 0 {
		return fmt.Errorf("config: learner half-life and window must be positive")
	}
	return nil
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
