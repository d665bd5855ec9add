package engine

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/use-agent/harvest/cache"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/learner"
	"github.com/use-agent/harvest/models"
)

type fakeRenderedPage struct {
	fakePage
	finalURL string
	status   int
	closed   bool
}

func (p *fakeRenderedPage) FinalURL() string { return p.finalURL }
func (p *fakeRenderedPage) StatusCode() int  { return p.status }
func (p *fakeRenderedPage) Close() error {
	p.closed = true
	return nil
}

type fakeRenderer struct {
	page  *fakeRenderedPage
	err   error
	calls int
}

func (r *fakeRenderer) Render(_ context.Context, _ RenderRequest) (RenderedPage, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.page, nil
}

func testFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		DefaultTimeout:       30 * time.Second,
		MaxTimeout:           120 * time.Second,
		StaticTimeout:        10 * time.Second,
		MaxConcurrentRenders: 2,
		MaxConcurrentStatic:  5,
		MaxAttempts:          5,
		AutoSolve:            true,
	}
}

func testLearner() *learner.Learner {
	return learner.New(config.LearnerConfig{
		BaseRate: 0.5,
		HalfLife: 168 * time.Hour,
		Window:   720 * time.Hour,
		MinWait:  time.Millisecond,
	}, nil, slog.New(slog.DiscardHandler))
}

func newTestEngine(cfg config.FetchConfig, c *cache.HybridCache, r Renderer) (*Engine, *learner.Learner) {
	lrn := testLearner()
	return New(cfg, lrn, c, r, slog.New(slog.DiscardHandler)), lrn
}

func serveHTML(t *testing.T, html string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(html))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_StaticSufficientSkipsBrowser(t *testing.T) {
	srv := serveHTML(t, "<html><head><title>Listings</title></head><body>"+contentRichHTML()+"</body></html>")
	r := &fakeRenderer{}
	eng, _ := newTestEngine(testFetchConfig(), nil, r)

	res := eng.Fetch(context.Background(), srv.URL, Options{})
	if res.Status != OutcomeOK {
		t.Fatalf("status %v err %v", res.Status, res.Err)
	}
	if res.Engine != "static" {
		t.Fatalf("engine %q", res.Engine)
	}
	if res.Title != "Listings" {
		t.Fatalf("title %q", res.Title)
	}
	if r.calls != 0 {
		t.Fatal("browser should not have been used")
	}
}

func TestFetch_CacheHitOnSecondFetch(t *testing.T) {
	srv := serveHTML(t, contentRichHTML())
	c := cache.New(config.CacheConfig{
		MemoryMaxItems: 10,
		MemoryTTL:      time.Hour,
		DurableTTL:     time.Hour,
	}, nil, slog.New(slog.DiscardHandler))
	t.Cleanup(c.Close)

	eng, _ := newTestEngine(testFetchConfig(), c, nil)
	ctx := context.Background()

	first := eng.Fetch(ctx, srv.URL, Options{})
	if first.Status != OutcomeOK || first.CacheStatus != "miss" {
		t.Fatalf("first: %+v", first)
	}
	second := eng.Fetch(ctx, srv.URL, Options{})
	if second.CacheStatus != "hit" {
		t.Fatalf("second fetch cache status %q", second.CacheStatus)
	}
	if second.HTML != first.HTML {
		t.Fatal("cached HTML differs")
	}

	bypass := eng.Fetch(ctx, srv.URL, Options{NoCache: true})
	if bypass.CacheStatus != "" {
		t.Fatalf("NoCache fetch reported cache status %q", bypass.CacheStatus)
	}
}

func TestFetch_RenderRequiredWithoutBrowser(t *testing.T) {
	srv := serveHTML(t, "<html><body>shell</body></html>")
	eng, _ := newTestEngine(testFetchConfig(), nil, nil)

	res := eng.Fetch(context.Background(), srv.URL, Options{})
	if res.Status != OutcomeRetryable {
		t.Fatalf("status %v", res.Status)
	}
	if res.Err == nil || res.Err.Code != models.ErrCodeInternal {
		t.Fatalf("err %+v", res.Err)
	}
}

func TestFetch_ShortMarkupEscalatesToBrowser(t *testing.T) {
	srv := serveHTML(t, "<html><body>shell</body></html>")
	page := &fakeRenderedPage{
		fakePage: fakePage{html: contentRichHTML()},
		finalURL: "https://final.test/page",
		status:   200,
	}
	r := &fakeRenderer{page: page}
	eng, _ := newTestEngine(testFetchConfig(), nil, r)

	res := eng.Fetch(context.Background(), srv.URL, Options{})
	if res.Status != OutcomeOK {
		t.Fatalf("status %v err %v", res.Status, res.Err)
	}
	if res.Engine != "browser" {
		t.Fatalf("engine %q", res.Engine)
	}
	if res.FinalURL != "https://final.test/page" {
		t.Fatalf("final url %q", res.FinalURL)
	}
	if !page.closed {
		t.Fatal("rendered page must be closed")
	}
}

func TestFetch_SmallBenignRenderedPageNotMisclassified(t *testing.T) {
	// The static shell seeds the domain's timing baseline; the rendered
	// DOM check has no latency measurement and must not manufacture a
	// protection verdict for a short page.
	srv := serveHTML(t, "<html><body>shell</body></html>")
	page := &fakeRenderedPage{
		fakePage: fakePage{html: "<html><body><p>tiny but real</p></body></html>"},
		status:   200,
	}
	eng, lrn := newTestEngine(testFetchConfig(), nil, &fakeRenderer{page: page})

	start := time.Now()
	res := eng.Fetch(context.Background(), srv.URL, Options{})
	if res.Status != OutcomeOK {
		t.Fatalf("status %v err %v", res.Status, res.Err)
	}
	if res.Protection != nil {
		t.Fatalf("phantom protection %v %.2f %v",
			res.Protection.Kind, res.Protection.Confidence, res.Protection.Evidence)
	}
	if res.Solved {
		t.Fatal("nothing to solve on a benign page")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("benign page stalled in the solver")
	}
	if rate := lrn.SuccessRate("127.0.0.1", KindCfBrowserCheck.String()); rate != 0.5 {
		t.Fatalf("learner recorded a phantom attempt, rate %v", rate)
	}
}

func TestFetch_StaticProtectionGoneAfterRender(t *testing.T) {
	srv := serveHTML(t, "<html><body>Checking your browser before accessing</body></html>")
	page := &fakeRenderedPage{fakePage: fakePage{html: contentRichHTML()}, status: 200}
	eng, lrn := newTestEngine(testFetchConfig(), nil, &fakeRenderer{page: page})

	res := eng.Fetch(context.Background(), srv.URL, Options{})
	if res.Status != OutcomeOK {
		t.Fatalf("status %v err %v", res.Status, res.Err)
	}
	// The render itself cleared the challenge; that outcome must be
	// credited so future fetches on the domain retry confidently.
	if rate := lrn.SuccessRate("127.0.0.1", KindCfBrowserCheck.String()); rate != 1.0 {
		t.Fatalf("recorded success rate %v", rate)
	}
}

func TestFetch_UnsolvableProtectionBlocks(t *testing.T) {
	srv := serveHTML(t, "<html><body>shell</body></html>")
	page := &fakeRenderedPage{
		fakePage: fakePage{html: `<script src="https://client-api.arkoselabs.com/v2/api.js"></script> funcaptcha challenge`},
		status:   403,
	}
	eng, _ := newTestEngine(testFetchConfig(), nil, &fakeRenderer{page: page})

	res := eng.Fetch(context.Background(), srv.URL, Options{})
	if res.Status != OutcomeBlocked {
		t.Fatalf("status %v", res.Status)
	}
	if res.Err == nil || res.Err.Code != models.ErrCodeBlocked {
		t.Fatalf("err %+v", res.Err)
	}
	if res.Protection == nil || res.Protection.Kind != KindFunCaptcha {
		t.Fatalf("protection %+v", res.Protection)
	}
}

func TestFetch_AutoSolveDisabledBlocks(t *testing.T) {
	srv := serveHTML(t, "<html><body>shell</body></html>")
	page := &fakeRenderedPage{
		fakePage: fakePage{html: `<div>Checking your browser before accessing</div>`},
		status:   503,
	}
	cfg := testFetchConfig()
	cfg.AutoSolve = false
	eng, _ := newTestEngine(cfg, nil, &fakeRenderer{page: page})

	res := eng.Fetch(context.Background(), srv.URL, Options{})
	if res.Status != OutcomeBlocked {
		t.Fatalf("status %v", res.Status)
	}
}

func TestFetch_SolvedProtectionReturnsContent(t *testing.T) {
	srv := serveHTML(t, "<html><body>shell</body></html>")
	// DataDome interstitial that settles into real content: the solver
	// only needs the body to grow past the thin-page floor.
	page := &fakeRenderedPage{
		fakePage: fakePage{html: "<html><body>datadome " + strings.Repeat("content ", 1000) + "</body></html>"},
		status:   200,
	}
	eng, lrn := newTestEngine(testFetchConfig(), nil, &fakeRenderer{page: page})

	res := eng.Fetch(context.Background(), srv.URL, Options{})
	if res.Status != OutcomeOK {
		t.Fatalf("status %v err %v", res.Status, res.Err)
	}
	if !res.Solved {
		t.Fatal("solve not reported")
	}
	if res.Protection == nil || res.Protection.Kind != KindDataDomeCookie {
		t.Fatalf("protection %+v", res.Protection)
	}
	if rate := lrn.SuccessRate("127.0.0.1", KindDataDomeCookie.String()); rate != 1.0 {
		t.Fatalf("recorded success rate %v", rate)
	}
}

func TestFetchMany_PreservesOrder(t *testing.T) {
	srv := serveHTML(t, contentRichHTML())
	eng, _ := newTestEngine(testFetchConfig(), nil, nil)

	urls := []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c"}
	results := eng.FetchMany(context.Background(), urls, 2, Options{})
	if len(results) != len(urls) {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res == nil || res.Status != OutcomeOK {
			t.Fatalf("result %d: %+v", i, res)
		}
	}
}
