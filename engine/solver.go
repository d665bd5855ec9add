package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// Solve technique names. Recorded by the learner, so they must stay
// stable across releases.
const (
	TechniqueDirect        = "direct_access"
	TechniqueBackoff       = "exponential_backoff"
	TechniqueChallengeWait = "challenge_wait"
	TechniqueAutoSolve     = "turnstile_auto_solve"
	TechniqueClickCheckbox = "turnstile_click_checkbox"
	TechniqueCookieSettle  = "cookie_persistence"
	TechniqueInvisibleWait = "invisible_trigger_wait"
)

// Solve timings.
const (
	cfBrowserCheckWait    = 6 * time.Second
	turnstileFrameTimeout = 5 * time.Second
	turnstileSettleWait   = 3 * time.Second
	cookieSettleWait      = 2 * time.Second
	rateLimitWait         = 5 * time.Second
	invisibleCaptchaWait  = 5 * time.Second

	// cookieContentFloor is the smallest body considered real content
	// after a cookie challenge.
	cookieContentFloor = 5000
)

const turnstileFrameURL = "challenges.cloudflare.com"

// ChallengePage is the browser surface the solver drives. Implemented
// by scraper sessions; tests substitute fakes.
type ChallengePage interface {
	// HTML returns the current serialized DOM.
	HTML() (string, error)

	// WaitChallengeFrame blocks until an iframe whose URL contains
	// urlSubstr attaches, or the timeout elapses.
	WaitChallengeFrame(ctx context.Context, urlSubstr string, timeout time.Duration) error

	// ClickChallengeCheckbox clicks the checkbox inside the challenge
	// iframe matching urlSubstr.
	ClickChallengeCheckbox(ctx context.Context, urlSubstr string) error
}

// Solver attempts to pass protections using only free techniques:
// waiting out JS challenges, letting widgets auto-solve, simulated
// checkbox clicks, and cookie settling. Anything needing a paid
// solving service is reported unsolvable.
type Solver struct {
	logger *slog.Logger
}

// NewSolver builds a Solver.
func NewSolver(logger *slog.Logger) *Solver {
	return &Solver{logger: logger}
}

// Solvable reports whether kind can be attempted without a paid
// solving service.
func (s *Solver) Solvable(kind ProtectionKind) bool {
	switch kind {
	case KindCfTurnstileHard, KindRecaptchaV2Checkbox, KindHCaptchaHard,
		KindFunCaptcha, KindManualVerification, KindBlockedPermanently:
		return false
	}
	return true
}

// DefaultTechnique is the technique tried first for a protection when
// the learner has no better recommendation.
func (s *Solver) DefaultTechnique(kind ProtectionKind) string {
	switch kind {
	case KindNone:
		return TechniqueDirect
	case KindBasicRateLimit:
		return TechniqueBackoff
	case KindCfBrowserCheck, KindCfManagedChallenge:
		return TechniqueChallengeWait
	case KindCfTurnstileInvisible:
		return TechniqueAutoSolve
	case KindCfTurnstileVisible:
		return TechniqueClickCheckbox
	case KindDataDomeCookie, KindPxCookie:
		return TechniqueCookieSettle
	case KindRecaptchaV2Invisible, KindRecaptchaV3, KindHCaptchaEasy:
		return TechniqueInvisibleWait
	}
	return ""
}

// Solve attempts to pass the detected protection on a live page.
// Returns the technique used and whether the page now looks clear.
// Unsolvable kinds return immediately with solved=false.
func (s *Solver) Solve(ctx context.Context, page ChallengePage, kind ProtectionKind) (string, bool) {
	if !s.Solvable(kind) {
		s.logger.Info("protection unsolvable without paid service", "kind", kind.String())
		return "", false
	}

	switch kind {
	case KindNone:
		return TechniqueDirect, true

	case KindBasicRateLimit:
		if err := sleepWithContext(ctx, rateLimitWait); err != nil {
			return TechniqueBackoff, false
		}
		return TechniqueBackoff, true

	case KindCfBrowserCheck, KindCfManagedChallenge:
		return TechniqueChallengeWait, s.solveBrowserCheck(ctx, page)

	case KindCfTurnstileInvisible:
		return TechniqueAutoSolve, s.solveTurnstileInvisible(ctx, page)

	case KindCfTurnstileVisible:
		return TechniqueClickCheckbox, s.solveTurnstileVisible(ctx, page)

	case KindDataDomeCookie, KindPxCookie, KindDataDomeCaptcha, KindPxCaptcha:
		return TechniqueCookieSettle, s.solveCookieChallenge(ctx, page)

	case KindRecaptchaV2Invisible, KindRecaptchaV3, KindHCaptchaEasy:
		return TechniqueInvisibleWait, s.solveInvisibleCaptcha(ctx, page)
	}
	return "", false
}

// solveBrowserCheck waits out the Cloudflare JS challenge, then checks
// the verification marker is gone.
func (s *Solver) solveBrowserCheck(ctx context.Context, page ChallengePage) bool {
	if err := sleepWithContext(ctx, cfBrowserCheckWait); err != nil {
		return false
	}
	html, err := page.HTML()
	if err != nil {
		return false
	}
	return !strings.Contains(html, "cf-browser-verification")
}

func (s *Solver) solveTurnstileInvisible(ctx context.Context, page ChallengePage) bool {
	if err := page.WaitChallengeFrame(ctx, turnstileFrameURL, turnstileFrameTimeout); err != nil {
		return false
	}
	if err := sleepWithContext(ctx, turnstileSettleWait); err != nil {
		return false
	}
	html, err := page.HTML()
	if err != nil {
		return false
	}
	return !strings.Contains(strings.ToLower(html), "turnstile")
}

// solveTurnstileVisible clicks the widget checkbox after a short
// randomized delay so the interaction timing looks human.
func (s *Solver) solveTurnstileVisible(ctx context.Context, page ChallengePage) bool {
	delay := time.Second + time.Duration(rand.Int63n(int64(time.Second)))
	if err := sleepWithContext(ctx, delay); err != nil {
		return false
	}
	if err := page.ClickChallengeCheckbox(ctx, turnstileFrameURL); err != nil {
		s.logger.Debug("turnstile checkbox click failed", "error", err)
		return false
	}
	if err := sleepWithContext(ctx, turnstileSettleWait); err != nil {
		return false
	}
	html, err := page.HTML()
	if err != nil {
		return false
	}
	return !strings.Contains(strings.ToLower(html), "turnstile")
}

// solveCookieChallenge lets the challenge script set its cookies, then
// checks whether real content arrived.
func (s *Solver) solveCookieChallenge(ctx context.Context, page ChallengePage) bool {
	if err := sleepWithContext(ctx, cookieSettleWait); err != nil {
		return false
	}
	html, err := page.HTML()
	if err != nil {
		return false
	}
	return len(html) >= cookieContentFloor
}

func (s *Solver) solveInvisibleCaptcha(ctx context.Context, page ChallengePage) bool {
	if err := sleepWithContext(ctx, invisibleCaptchaWait); err != nil {
		return false
	}
	html, err := page.HTML()
	if err != nil {
		return false
	}
	lower := strings.ToLower(html)
	return !strings.Contains(lower, "recaptcha") && !strings.Contains(lower, "hcaptcha")
}

// sleepWithContext sleeps for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
