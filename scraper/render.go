package scraper

import (
	"context"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/harvest/engine"
	"github.com/use-agent/harvest/models"
	"github.com/ysmood/gson"
)

// Smart wait tuning. After navigation the page gets the strategy's
// settle time, then the body text is sampled; thin pages get one
// extension before extraction proceeds with whatever is there.
const (
	thinBodyTextLen = 200
	smartWaitExtend = 2 * time.Second
	domStableWindow = 300 * time.Millisecond
	domStableDiff   = 0.1
)

// Session is a live rendered page. It stays open so the protection
// solver can interact with challenge widgets; Close returns the tab to
// the pool.
type Session struct {
	browser *Browser
	page    *rod.Page // pool reference, no request context
	ctx     context.Context
	status  int
	reqURL  string
}

// Render navigates a pooled page to the requested URL with the
// strategy's stealth, blocking, and wait settings applied.
//
// Order matters: stealth JS and the hijack router only affect
// navigations that happen after they are installed, so both are set up
// before Navigate.
func (b *Browser) Render(ctx context.Context, req engine.RenderRequest) (engine.RenderedPage, error) {
	browser, err := b.acquire()
	if err != nil {
		return nil, err
	}

	b.activePages.Add(1)
	page, acquireErr := b.pagePool.Get(func() (*rod.Page, error) {
		return browser.Page(proto.TargetCreateTarget{})
	})
	if acquireErr != nil {
		b.activePages.Add(-1)
		return nil, models.NewFetchError(models.ErrCodeBrowserCrash, "failed to acquire page from pool", acquireErr)
	}

	s := &Session{browser: b, page: page, ctx: ctx, reqURL: req.URL}
	if err := s.navigate(req); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) navigate(req engine.RenderRequest) error {
	page := s.page

	if req.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			s.browser.logger.Warn("stealth injection failed, proceeding without stealth", "error", err)
		}
	}

	// A Google search referer makes direct hits look organic.
	if u, err := url.Parse(req.URL); err == nil {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: proto.NetworkHeaders{
				"Referer": gson.New("https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())),
			},
		}.Call(page)
	}

	if req.BlockResources {
		router := setupHijack(page, s.browser.fetchCfg.BlockedResourceTypes)
		if router != nil {
			// Stopped when the page is recycled; hijack routers do not
			// survive the about:blank navigation anyway.
			context.AfterFunc(s.ctx, func() { _ = router.Stop() })
		}
	}

	p := page.Context(s.ctx)
	if err := p.Navigate(req.URL); err != nil {
		return models.Categorize(err)
	}

	if err := p.WaitDOMStable(domStableWindow, domStableDiff); err != nil {
		s.browser.logger.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
	}

	// Settle time from the strategy, then one extension if the body is
	// still thin (lazy-loaded listings).
	if req.Wait > 0 {
		if err := sleepCtx(s.ctx, req.Wait); err != nil {
			return models.Categorize(err)
		}
	}
	if s.bodyTextLen(p) < thinBodyTextLen {
		if err := sleepCtx(s.ctx, smartWaitExtend); err != nil {
			return models.Categorize(err)
		}
	}

	// Status via the Performance API: CDP Network events conflict with
	// the Fetch domain used by the hijack router on Chromium 145+.
	if res, err := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`); err == nil {
		s.status = res.Value.Int()
	}
	return nil
}

func (s *Session) bodyTextLen(p *rod.Page) int {
	res, err := p.Eval(`() => (document.body && document.body.innerText || "").length`)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

// HTML serializes the current DOM.
func (s *Session) HTML() (string, error) {
	html, err := s.page.Context(s.ctx).HTML()
	if err != nil {
		return "", models.Categorize(err)
	}
	return html, nil
}

// FinalURL returns the page URL after redirects.
func (s *Session) FinalURL() string {
	res, err := s.page.Context(s.ctx).Eval(`() => window.location.href`)
	if err != nil {
		return s.reqURL
	}
	if u := res.Value.Str(); u != "" {
		return u
	}
	return s.reqURL
}

// StatusCode returns the navigation response status, 0 when unknown.
func (s *Session) StatusCode() int {
	return s.status
}

// WaitChallengeFrame blocks until an iframe whose src contains
// urlSubstr attaches, or the timeout elapses.
func (s *Session) WaitChallengeFrame(ctx context.Context, urlSubstr string, timeout time.Duration) error {
	p := s.page.Context(ctx).Timeout(timeout)
	_, err := p.Element(`iframe[src*="` + urlSubstr + `"]`)
	if err != nil {
		return models.Categorize(err)
	}
	return nil
}

// ClickChallengeCheckbox clicks the checkbox inside the challenge
// iframe matching urlSubstr.
func (s *Session) ClickChallengeCheckbox(ctx context.Context, urlSubstr string) error {
	p := s.page.Context(ctx)
	iframe, err := p.Element(`iframe[src*="` + urlSubstr + `"]`)
	if err != nil {
		return models.Categorize(err)
	}
	frame, err := iframe.Frame()
	if err != nil {
		return models.Categorize(err)
	}
	checkbox, err := frame.Element(`input[type="checkbox"]`)
	if err != nil {
		return models.Categorize(err)
	}
	if err := checkbox.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return models.Categorize(err)
	}
	return nil
}

// Close returns the tab to the pool after navigating it away from the
// target, which releases the page's DOM memory. The pool reference is
// used here, not the context-bound one, so cleanup succeeds even after
// the request context has expired.
func (s *Session) Close() error {
	if err := s.page.Navigate("about:blank"); err != nil {
		s.browser.logger.Warn("cleanup: failed to navigate to about:blank", "error", err)
	}
	s.browser.pagePool.Put(s.page)
	s.browser.activePages.Add(-1)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
