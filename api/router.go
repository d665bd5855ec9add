// Package api assembles the HTTP surface over the fetch engine.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/harvest/api/handler"
	"github.com/use-agent/harvest/api/middleware"
	"github.com/use-agent/harvest/cache"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/engine"
	"github.com/use-agent/harvest/learner"
	"github.com/use-agent/harvest/scraper"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health endpoint is intentionally outside auth so monitoring probes
// always work.
func NewRouter(eng *engine.Engine, b *scraper.Browser, lrn *learner.Learner, cc *cache.HybridCache, cfg *config.Config, logger *slog.Logger, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")

	// Health is reachable without auth.
	v1.GET("/health", handler.Health(b, startTime))

	// Everything else goes through auth and rate limiting.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit))

	// Fetch
	protected.POST("/fetch", handler.Fetch(eng))
	protected.POST("/fetch/batch", handler.FetchBatch(eng))

	// Async jobs share one store; crawl and paginate IDs never collide.
	jobs := handler.NewJobs()

	// Crawl
	protected.POST("/crawl", handler.PostCrawl(eng, jobs, cfg.Crawl, logger))
	protected.GET("/crawl/:id", handler.GetCrawl(jobs))

	// Pagination
	protected.POST("/paginate", handler.PostPaginate(eng, jobs, cfg.Pagination, logger))
	protected.GET("/paginate/:id", handler.GetPaginate(jobs))

	// Admin
	protected.GET("/admin/learner", handler.LearnerGlobalReport(lrn))
	protected.GET("/admin/learner/:domain", handler.LearnerDomainReport(lrn))
	protected.GET("/admin/cache", handler.CacheStats(cc))
	protected.DELETE("/admin/cache/:namespace", handler.CacheClear(cc))

	return r
}
