package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/use-agent/harvest/cache"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/learner"
	"github.com/use-agent/harvest/models"
)

// cacheNamespace groups fetched pages in the hybrid cache.
const cacheNamespace = "pages"

// OutcomeStatus is the typed verdict of one fetch.
type OutcomeStatus int

const (
	// OutcomeOK means usable content was retrieved.
	OutcomeOK OutcomeStatus = iota

	// OutcomeRetryable means the failure was transient; a later
	// attempt may succeed.
	OutcomeRetryable

	// OutcomeBlocked means a protection could not be solved; retrying
	// the same way will not help.
	OutcomeBlocked
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeBlocked:
		return "blocked"
	}
	return "unknown"
}

// Options tune a single fetch.
type Options struct {
	// Timeout overrides the configured default when positive.
	Timeout time.Duration

	// ForceRender skips the static tier entirely.
	ForceRender bool

	// NoCache bypasses the cache for both read and write.
	NoCache bool
}

// Result is the outcome of one adaptive fetch.
type Result struct {
	Status      OutcomeStatus
	HTML        string
	Title       string
	FinalURL    string
	StatusCode  int
	Engine      string // "static" or "browser"
	Protection  *Signal
	Solved      bool
	CacheStatus string // "hit", "miss", or ""
	Elapsed     time.Duration
	Err         *models.FetchError
}

// cachedPage is the serialized form stored in the cache.
type cachedPage struct {
	HTML       string `json:"html"`
	Title      string `json:"title"`
	FinalURL   string `json:"final_url"`
	StatusCode int    `json:"status_code"`
	Engine     string `json:"engine"`
}

// RenderRequest describes a browser render.
type RenderRequest struct {
	URL            string
	Wait           time.Duration
	Stealth        bool
	BlockResources bool
}

// RenderedPage is a live browser page produced by a Renderer. It stays
// open so the solver can interact with challenges; callers must Close.
type RenderedPage interface {
	ChallengePage
	FinalURL() string
	StatusCode() int
	Close() error
}

// Renderer turns a RenderRequest into a live page. Implemented by the
// scraper package.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderedPage, error)
}

// Engine is the adaptive fetch pipeline: cache, static tier, strategy
// resolution, browser escalation, protection detection and solving,
// and outcome learning.
type Engine struct {
	cfg      config.FetchConfig
	resolver *Resolver
	detector *Detector
	solver   *Solver
	learner  *learner.Learner
	cache    *cache.HybridCache
	static   *StaticFetcher
	renderer Renderer
	logger   *slog.Logger

	renderSem chan struct{}
	staticSem chan struct{}
}

// New wires the pipeline. cache and renderer may be nil; the engine
// degrades to uncached static-only fetching.
func New(cfg config.FetchConfig, lrn *learner.Learner, c *cache.HybridCache, renderer Renderer, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		resolver:  NewResolver(),
		detector:  NewDetector(),
		solver:    NewSolver(logger),
		learner:   lrn,
		cache:     c,
		static:    NewStaticFetcher(cfg.StaticTimeout),
		renderer:  renderer,
		logger:    logger,
		renderSem: make(chan struct{}, cfg.MaxConcurrentRenders),
		staticSem: make(chan struct{}, cfg.MaxConcurrentStatic),
	}
}

// Fetch retrieves one URL adaptively. The static tier runs first
// unless ForceRender is set; its markup decides whether the browser is
// needed. Protections found along the way are solved when the free
// solver can, with retry pacing delegated to the learner.
func (e *Engine) Fetch(ctx context.Context, rawURL string, opts Options) *Result {
	start := time.Now()

	timeout := e.cfg.DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := cache.Key(cacheNamespace, rawURL)
	if !opts.NoCache && e.cache != nil {
		if data, ok := e.cache.Get(ctx, key); ok {
			var page cachedPage
			if err := json.Unmarshal(data, &page); err == nil {
				e.logger.Debug("cache hit", "url", rawURL)
				return &Result{
					Status:      OutcomeOK,
					HTML:        page.HTML,
					Title:       page.Title,
					FinalURL:    page.FinalURL,
					StatusCode:  page.StatusCode,
					Engine:      page.Engine,
					CacheStatus: "hit",
					Elapsed:     time.Since(start),
				}
			}
		}
	}

	res := e.fetchLive(ctx, rawURL, opts)
	res.Elapsed = time.Since(start)
	if !opts.NoCache {
		res.CacheStatus = "miss"
	}

	if res.Status == OutcomeOK && !opts.NoCache && e.cache != nil {
		data, err := json.Marshal(cachedPage{
			HTML:       res.HTML,
			Title:      res.Title,
			FinalURL:   res.FinalURL,
			StatusCode: res.StatusCode,
			Engine:     res.Engine,
		})
		if err == nil {
			e.cache.Set(ctx, key, data)
		}
	}
	return res
}

func (e *Engine) fetchLive(ctx context.Context, rawURL string, opts Options) *Result {
	var strategy FetchStrategy

	if !opts.ForceRender {
		select {
		case e.staticSem <- struct{}{}:
		case <-ctx.Done():
			return &Result{Status: OutcomeRetryable, Err: models.NewFetchError(models.ErrCodeTimeout, "fetch cancelled", ctx.Err())}
		}
		sr, err := e.static.Fetch(ctx, rawURL)
		<-e.staticSem
		if err != nil {
			e.logger.Debug("static fetch failed, escalating to browser", "url", rawURL, "error", err)
			strategy = FetchStrategy{NeedsRendering: true, Wait: DefaultWait, BlockResources: true, Reason: "static tier failed"}
		} else {
			strategy = e.resolver.Resolve(rawURL, sr.HTML)
			sig := e.detector.Detect(rawURL, sr.HTML, sr.StatusCode, sr.Header, sr.Cookies, sr.Elapsed)
			if sig.Kind != KindNone {
				e.logger.Info("protection detected on static tier",
					"url", rawURL, "kind", sig.Kind.String(), "confidence", sig.Confidence)
				strategy.NeedsRendering = true
				strategy.Stealth = true
				return e.renderAndSolve(ctx, rawURL, strategy, &sig)
			}
			if !strategy.NeedsRendering && sr.IsHTML() && sr.StatusCode < 400 {
				return &Result{
					Status:     OutcomeOK,
					HTML:       sr.HTML,
					Title:      sr.Title,
					FinalURL:   sr.FinalURL,
					StatusCode: sr.StatusCode,
					Engine:     "static",
				}
			}
			if !strategy.NeedsRendering {
				// Non-HTML or error status with no protection markers.
				strategy.NeedsRendering = true
				strategy.Reason = "static response unusable"
			}
		}
	} else {
		strategy = FetchStrategy{NeedsRendering: true, Wait: DefaultWait, BlockResources: true, Reason: "render forced"}
	}

	e.logger.Debug("escalating to browser", "url", rawURL, "reason", strategy.Reason)
	return e.renderAndSolve(ctx, rawURL, strategy, nil)
}

// renderAndSolve runs the browser tier, detects protections on the
// rendered DOM, and drives the solver with learner guidance.
func (e *Engine) renderAndSolve(ctx context.Context, rawURL string, strategy FetchStrategy, staticSig *Signal) *Result {
	if e.renderer == nil {
		return &Result{
			Status:     OutcomeRetryable,
			Protection: staticSig,
			Err:        models.NewFetchError(models.ErrCodeInternal, "rendering required but no browser available", nil),
		}
	}

	select {
	case e.renderSem <- struct{}{}:
	case <-ctx.Done():
		return &Result{Status: OutcomeRetryable, Err: models.NewFetchError(models.ErrCodeTimeout, "render slot wait cancelled", ctx.Err())}
	}
	defer func() { <-e.renderSem }()

	renderStart := time.Now()
	page, err := e.renderer.Render(ctx, RenderRequest{
		URL:            rawURL,
		Wait:           strategy.Wait,
		Stealth:        strategy.Stealth,
		BlockResources: strategy.BlockResources,
	})
	if err != nil {
		return &Result{Status: OutcomeRetryable, Protection: staticSig, Err: models.Categorize(err)}
	}
	defer page.Close()

	html, err := page.HTML()
	if err != nil {
		return &Result{Status: OutcomeRetryable, Err: models.Categorize(err)}
	}

	domain := domainFromURL(rawURL)
	sig := e.detector.Detect(rawURL, html, page.StatusCode(), nil, nil, 0)
	if sig.Kind == KindNone {
		if staticSig != nil {
			// Protection seen statically but gone after render: record
			// the render itself as the winning technique.
			e.learner.RecordAttempt(domain, staticSig.Kind.String(), TechniqueChallengeWait, true, time.Since(renderStart))
		}
		return e.renderedOK(page, html)
	}

	if !e.cfg.AutoSolve || !e.solver.Solvable(sig.Kind) {
		e.learner.RecordAttempt(domain, sig.Kind.String(), "", false, time.Since(renderStart))
		return &Result{
			Status:     OutcomeBlocked,
			HTML:       html,
			FinalURL:   page.FinalURL(),
			StatusCode: page.StatusCode(),
			Engine:     "browser",
			Protection: &sig,
			Err:        models.NewFetchError(models.ErrCodeBlocked, "protection not solvable: "+sig.Kind.String(), nil),
		}
	}

	kindName := sig.Kind.String()
	for attempt := 0; ; attempt++ {
		if retry, reason := e.learner.ShouldRetry(domain, kindName, attempt, e.cfg.MaxAttempts); attempt > 0 && !retry {
			e.logger.Info("giving up on protection", "url", rawURL, "kind", kindName, "reason", reason)
			return &Result{
				Status:     OutcomeBlocked,
				Protection: &sig,
				Engine:     "browser",
				Err:        models.NewFetchError(models.ErrCodeBlocked, "solver gave up: "+reason, nil),
			}
		}
		if attempt > 0 {
			wait := e.learner.RecommendedWait(domain, kindName, attempt)
			if err := sleepWithContext(ctx, wait); err != nil {
				return &Result{Status: OutcomeRetryable, Protection: &sig, Err: models.NewFetchError(models.ErrCodeTimeout, "retry wait cancelled", err)}
			}
		}

		technique, solved := e.solver.Solve(ctx, page, sig.Kind)
		if technique == "" {
			technique = e.learner.BestTechnique(domain, kindName, e.solver.DefaultTechnique(sig.Kind))
		}
		e.learner.RecordAttempt(domain, kindName, technique, solved, time.Since(renderStart))
		if solved {
			finalHTML, err := page.HTML()
			if err != nil {
				return &Result{Status: OutcomeRetryable, Err: models.Categorize(err)}
			}
			res := e.renderedOK(page, finalHTML)
			res.Protection = &sig
			res.Solved = true
			return res
		}
		if ctx.Err() != nil {
			return &Result{Status: OutcomeRetryable, Protection: &sig, Err: models.NewFetchError(models.ErrCodeTimeout, "solve deadline exceeded", ctx.Err())}
		}
	}
}

func (e *Engine) renderedOK(page RenderedPage, html string) *Result {
	return &Result{
		Status:     OutcomeOK,
		HTML:       html,
		Title:      extractTitle(html),
		FinalURL:   page.FinalURL(),
		StatusCode: page.StatusCode(),
		Engine:     "browser",
	}
}

// FetchMany fetches URLs concurrently, at most maxConcurrent at a
// time, preserving input order in the results.
func (e *Engine) FetchMany(ctx context.Context, urls []string, maxConcurrent int, opts Options) []*Result {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	results := make([]*Result, len(urls))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.Fetch(ctx, u, opts)
		}(i, u)
	}
	wg.Wait()
	return results
}
