package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/crawl"
	"github.com/use-agent/harvest/engine"
	"github.com/use-agent/harvest/models"
)

const (
	// jobTTL is how long a finished or abandoned job stays queryable.
	jobTTL = time.Hour

	jobSweepInterval = 5 * time.Minute

	// jobDeadline bounds a background crawl or pagination run.
	jobDeadline = 30 * time.Minute
)

// Jobs holds all in-flight and completed crawl and pagination jobs,
// keyed by job ID. One instance is wired into the router; expired jobs
// are swept in the background.
type Jobs struct {
	entries sync.Map
	stopCh  chan struct{}
}

// NewJobs builds a job store and starts its expiry sweeper.
func NewJobs() *Jobs {
	j := &Jobs{stopCh: make(chan struct{})}
	go j.sweepLoop()
	return j
}

// Close stops the expiry sweeper.
func (j *Jobs) Close() {
	close(j.stopCh)
}

func (j *Jobs) sweepLoop() {
	ticker := time.NewTicker(jobSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.sweep(time.Now().Add(-jobTTL).Unix())
		case <-j.stopCh:
			return
		}
	}
}

// sweep drops every job created before cutoff.
func (j *Jobs) sweep(cutoff int64) {
	j.entries.Range(func(key, value any) bool {
		e := value.(*jobEntry)
		e.mu.Lock()
		old := e.job.CreatedAt < cutoff
		e.mu.Unlock()
		if old {
			j.entries.Delete(key)
		}
		return true
	})
}

// create registers a new processing job under a fresh prefixed ID.
func (j *Jobs) create(prefix string) *jobEntry {
	e := &jobEntry{job: models.CrawlJob{
		ID:        prefix + "-" + uuid.NewString(),
		Status:    "processing",
		CreatedAt: time.Now().Unix(),
	}}
	j.entries.Store(e.job.ID, e)
	return e
}

func (j *Jobs) get(id string) (*jobEntry, bool) {
	val, ok := j.entries.Load(id)
	if !ok {
		return nil, false
	}
	return val.(*jobEntry), true
}

type jobEntry struct {
	mu  sync.Mutex
	job models.CrawlJob
}

func (e *jobEntry) finish(records []map[string]any, stats models.CrawlStats, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.job.Records = records
	e.job.Stats = stats
	switch {
	case err != nil && len(records) > 0:
		e.job.Status = "partial"
		e.job.Error = models.Categorize(err).ToDetail()
	case err != nil:
		e.job.Status = "failed"
		e.job.Error = models.Categorize(err).ToDetail()
	default:
		e.job.Status = "completed"
	}
}

func (e *jobEntry) snapshot() models.CrawlStatusResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.CrawlStatusResponse{
		ID:      e.job.ID,
		Status:  e.job.Status,
		Stats:   e.job.Stats,
		Records: e.job.Records,
		Error:   e.job.Error,
	}
}

// fetchViaEngine adapts the engine to the crawler's FetchFunc.
func fetchViaEngine(eng *engine.Engine) crawl.FetchFunc {
	return func(ctx context.Context, url string) (string, error) {
		res := eng.Fetch(ctx, url, engine.Options{})
		if res.Err != nil {
			return "", res.Err
		}
		return res.HTML, nil
	}
}

// PostCrawl returns a handler for POST /api/v1/crawl. The traversal
// runs in the background; the handler returns a job ID immediately.
func PostCrawl(eng *engine.Engine, jobs *Jobs, cfg config.CrawlConfig, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.CrawlRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": models.ErrorDetail{Code: models.ErrCodeInvalidInput, Message: err.Error()},
			})
			return
		}

		runCfg := cfg
		if req.MaxDepth != nil {
			runCfg.MaxDepth = *req.MaxDepth
		}
		if req.MaxPages > 0 {
			runCfg.MaxPages = req.MaxPages
		}
		if req.SameDomainOnly != nil {
			runCfg.SameDomainOnly = *req.SameDomainOnly
		}

		entry := jobs.create("crawl")

		go func() {
			// Detached from the request context; crawls outlive it.
			ctx, cancel := context.WithTimeout(context.Background(), jobDeadline)
			defer cancel()

			crawler := crawl.NewCrawler(runCfg, fetchViaEngine(eng), pageSummaryExtractor(), logger)
			crawler.LinkSelector = req.LinkSelector
			records, err := crawler.Run(ctx, req.URL)
			st := crawler.Stats()
			entry.finish(records, models.CrawlStats{
				PagesCrawled:  st.PagesCrawled,
				URLsFound:     st.URLsFound,
				DataExtracted: st.DataExtracted,
				Errors:        st.Errors,
			}, err)
		}()

		c.JSON(http.StatusOK, models.JobResponse{ID: entry.job.ID, Status: "processing"})
	}
}

// pageSummaryExtractor records page-level metadata for each crawled
// URL. Structured field extraction is a separate concern; the crawl
// result is the page inventory.
func pageSummaryExtractor() crawl.ExtractFunc {
	return func(html, url string) ([]map[string]any, error) {
		return []map[string]any{{
			"url":       url,
			"html_size": len(html),
		}}, nil
	}
}

// GetCrawl returns a handler for GET /api/v1/crawl/:id. Also serves
// pagination jobs; IDs are unique across both.
func GetCrawl(jobs *Jobs) gin.HandlerFunc {
	return getJob(jobs)
}

// GetPaginate returns a handler for GET /api/v1/paginate/:id.
func GetPaginate(jobs *Jobs) gin.HandlerFunc {
	return getJob(jobs)
}

func getJob(jobs *Jobs) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, ok := jobs.get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error": models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: "job not found",
				},
			})
			return
		}
		c.JSON(http.StatusOK, entry.snapshot())
	}
}

// PostPaginate returns a handler for POST /api/v1/paginate.
func PostPaginate(eng *engine.Engine, jobs *Jobs, cfg config.PaginationConfig, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.PaginateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": models.ErrorDetail{Code: models.ErrCodeInvalidInput, Message: err.Error()},
			})
			return
		}

		runCfg := cfg
		if req.MaxPages > 0 {
			runCfg.MaxPages = req.MaxPages
		}
		if req.StopIfEmpty != nil {
			runCfg.StopIfEmpty = *req.StopIfEmpty
		}

		entry := jobs.create("paginate")

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobDeadline)
			defer cancel()

			scraper := crawl.NewPaginationScraper(runCfg, fetchViaEngine(eng), logger)
			extract := crawl.SelectorExtractor(req.ItemSelector, req.Fields)
			records, _, err := scraper.ScrapeAll(ctx, req.URL, extract)
			entry.finish(records, models.CrawlStats{
				DataExtracted: len(records),
			}, err)
		}()

		c.JSON(http.StatusOK, models.JobResponse{ID: entry.job.ID, Status: "processing"})
	}
}
