package engine

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ProtectionKind enumerates the anti-bot systems the detector can
// distinguish. Granularity matters: a visible Turnstile and an
// invisible one need different handling.
type ProtectionKind int

const (
	KindNone ProtectionKind = iota
	KindBasicRateLimit
	KindCfBrowserCheck
	KindCfManagedChallenge
	KindCfTurnstileInvisible
	KindCfTurnstileVisible
	KindCfTurnstileHard
	KindDataDomeCookie
	KindDataDomeCaptcha
	KindPxCookie
	KindPxCaptcha
	KindRecaptchaV2Invisible
	KindRecaptchaV2Checkbox
	KindRecaptchaV3
	KindHCaptchaEasy
	KindHCaptchaHard
	KindFunCaptcha
	KindManualVerification
	KindBlockedPermanently
)

var kindNames = map[ProtectionKind]string{
	KindNone:                 "none",
	KindBasicRateLimit:       "basic_rate_limit",
	KindCfBrowserCheck:       "cf_browser_check",
	KindCfManagedChallenge:   "cf_managed_challenge",
	KindCfTurnstileInvisible: "cf_turnstile_invisible",
	KindCfTurnstileVisible:   "cf_turnstile_visible",
	KindCfTurnstileHard:      "cf_turnstile_hard",
	KindDataDomeCookie:       "datadome_cookie",
	KindDataDomeCaptcha:      "datadome_captcha",
	KindPxCookie:             "px_cookie",
	KindPxCaptcha:            "px_captcha",
	KindRecaptchaV2Invisible: "recaptcha_v2_invisible",
	KindRecaptchaV2Checkbox:  "recaptcha_v2_checkbox",
	KindRecaptchaV3:          "recaptcha_v3",
	KindHCaptchaEasy:         "hcaptcha_easy",
	KindHCaptchaHard:         "hcaptcha_hard",
	KindFunCaptcha:           "funcaptcha",
	KindManualVerification:   "manual_verification",
	KindBlockedPermanently:   "blocked_permanently",
}

func (k ProtectionKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Signal is one detection verdict with its supporting evidence.
type Signal struct {
	Kind       ProtectionKind
	Confidence float64
	Evidence   []string
	Metadata   map[string]string
}

// Hard sitekeys are long. Heuristic, but it separates managed
// challenges from the plain widget well enough in practice.
const turnstileHardSitekeyLen = 50

// Timing anomaly thresholds.
const (
	instantResponse     = 100 * time.Millisecond
	instantMaxSize      = 2000
	cfChallengeWindowLo = 4800 * time.Millisecond
	cfChallengeWindowHi = 5500 * time.Millisecond
	slowFactor          = 3.0
	slowFloor           = 2 * time.Second
)

var sitekeyRe = regexp.MustCompile(`data-sitekey="([^"]+)"`)

var cfBrowserCheckSigns = []string{
	"checking your browser",
	"please wait while we check your browser",
	"cf-browser-verification",
}

var manualVerificationSigns = []string{
	"verify your phone number",
	"verify your email",
	"enter the code sent to",
	"sms verification",
}

var rateLimitHeaders = []string{
	"X-Ratelimit-Remaining",
	"X-Ratelimit-Limit",
	"Retry-After",
	"X-Rate-Limit-Remaining",
}

// historyPerDomain bounds the rolling signal history kept per domain.
const historyPerDomain = 50

// Detector combines markup, header/cookie, and timing signals into a
// single best verdict per response. It keeps a per-domain timing
// baseline and a rolling history of observed signals, so it is
// stateful and safe for concurrent use.
type Detector struct {
	mu       sync.Mutex
	baseline map[string]time.Duration
	history  map[string][]Signal
}

// NewDetector builds an empty Detector.
func NewDetector() *Detector {
	return &Detector{
		baseline: make(map[string]time.Duration),
		history:  make(map[string][]Signal),
	}
}

// Detect inspects one response and returns the strongest signal.
// Markup evidence outranks header evidence, which outranks timing, so
// ties are broken by collection order. With no evidence at all the
// verdict is KindNone at high confidence.
func (d *Detector) Detect(rawURL, html string, status int, headers http.Header, cookies []*http.Cookie, elapsed time.Duration) Signal {
	domain := domainFromURL(rawURL)

	var signals []Signal
	signals = append(signals, detectMarkup(html)...)
	signals = append(signals, detectHeaders(headers, cookies)...)
	signals = append(signals, d.detectTiming(domain, elapsed, len(html))...)

	if len(signals) == 0 {
		signals = []Signal{{
			Kind:       KindNone,
			Confidence: 0.95,
			Evidence:   []string{"no_protection_detected"},
		}}
	}
	d.recordHistory(domain, signals)

	best := signals[0]
	for _, s := range signals[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	return best
}

// recordHistory appends every candidate signal from one fetch to the
// domain's rolling history, keeping only the most recent entries.
func (d *Detector) recordHistory(domain string, signals []Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := append(d.history[domain], signals...)
	if len(h) > historyPerDomain {
		h = h[len(h)-historyPerDomain:]
	}
	d.history[domain] = h
}

// History returns a copy of the domain's recorded signals, oldest
// first.
func (d *Detector) History(domain string) []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Signal(nil), d.history[domain]...)
}

func domainFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

func detectMarkup(html string) []Signal {
	var signals []Signal
	lower := strings.ToLower(html)

	hasCaptchaWord := strings.Contains(lower, "captcha")
	cfCheck := false
	for _, s := range cfBrowserCheckSigns {
		if strings.Contains(lower, s) {
			cfCheck = true
			break
		}
	}
	if cfCheck && !hasCaptchaWord {
		signals = append(signals, Signal{
			Kind:       KindCfBrowserCheck,
			Confidence: 0.95,
			Evidence:   []string{"html_cf_browser_check"},
			Metadata:   map[string]string{"challenge_type": "javascript"},
		})
	}

	if strings.Contains(lower, "turnstile") || strings.Contains(lower, "cf-turnstile") {
		if strings.Contains(lower, "challenges.cloudflare.com/turnstile") {
			kind, conf := KindCfTurnstileInvisible, 0.75
			if strings.Contains(lower, "data-sitekey") {
				if m := sitekeyRe.FindStringSubmatch(html); m != nil {
					if len(m[1]) > turnstileHardSitekeyLen {
						kind, conf = KindCfTurnstileHard, 0.85
					} else {
						kind, conf = KindCfTurnstileVisible, 0.90
					}
				} else {
					kind, conf = KindCfTurnstileInvisible, 0.80
				}
			}
			signals = append(signals, Signal{
				Kind:       kind,
				Confidence: conf,
				Evidence:   []string{"html_turnstile"},
			})
		}
	}

	if strings.Contains(lower, "datadome") {
		kind, conf := KindDataDomeCookie, 0.85
		if hasCaptchaWord || strings.Contains(lower, "geo.captcha-delivery") {
			kind, conf = KindDataDomeCaptcha, 0.90
		}
		signals = append(signals, Signal{
			Kind:       kind,
			Confidence: conf,
			Evidence:   []string{"html_datadome"},
		})
	}

	if strings.Contains(lower, "perimeterx") || strings.Contains(lower, "px-captcha") || strings.Contains(lower, "_pxhd") {
		kind, conf := KindPxCookie, 0.85
		if hasCaptchaWord {
			kind, conf = KindPxCaptcha, 0.90
		}
		signals = append(signals, Signal{
			Kind:       kind,
			Confidence: conf,
			Evidence:   []string{"html_perimeterx"},
		})
	}

	if strings.Contains(lower, "recaptcha") {
		var kind ProtectionKind
		var conf float64
		switch {
		case strings.Contains(lower, "g-recaptcha"):
			kind, conf = KindRecaptchaV2Checkbox, 0.95
		case strings.Contains(lower, "grecaptcha.execute") || strings.Contains(lower, "data-action"):
			kind, conf = KindRecaptchaV3, 0.90
		default:
			kind, conf = KindRecaptchaV2Invisible, 0.85
		}
		signals = append(signals, Signal{
			Kind:       kind,
			Confidence: conf,
			Evidence:   []string{"html_recaptcha"},
			Metadata:   map[string]string{"version": kind.String()},
		})
	}

	if strings.Contains(lower, "hcaptcha") {
		kind, conf := KindHCaptchaEasy, 0.85
		if strings.Contains(lower, "data-sitekey") && strings.Contains(lower, "enterprise") {
			kind, conf = KindHCaptchaHard, 0.90
		}
		signals = append(signals, Signal{
			Kind:       kind,
			Confidence: conf,
			Evidence:   []string{"html_hcaptcha"},
		})
	}

	if strings.Contains(lower, "funcaptcha") || strings.Contains(lower, "arkoselabs") {
		signals = append(signals, Signal{
			Kind:       KindFunCaptcha,
			Confidence: 0.95,
			Evidence:   []string{"html_funcaptcha"},
		})
	}

	for _, s := range manualVerificationSigns {
		if strings.Contains(lower, s) {
			signals = append(signals, Signal{
				Kind:       KindManualVerification,
				Confidence: 0.99,
				Evidence:   []string{"html_manual_verification"},
			})
			break
		}
	}

	return signals
}

func detectHeaders(headers http.Header, cookies []*http.Cookie) []Signal {
	var signals []Signal

	cookieNames := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		cookieNames[c.Name] = true
	}

	if headers.Get("Cf-Ray") != "" {
		if cookieNames["__cf_bm"] || cookieNames["cf_clearance"] {
			signals = append(signals, Signal{
				Kind:       KindCfBrowserCheck,
				Confidence: 0.70,
				Evidence:   []string{"header_cf_cookies"},
			})
		}
	}

	ddCookie := false
	for name := range cookieNames {
		if strings.Contains(strings.ToLower(name), "datadome") {
			ddCookie = true
			break
		}
	}
	if headers.Get("X-Datadome-Cid") != "" || ddCookie {
		signals = append(signals, Signal{
			Kind:       KindDataDomeCookie,
			Confidence: 0.85,
			Evidence:   []string{"header_datadome"},
		})
	}

	for name := range cookieNames {
		if strings.HasPrefix(name, "_px") {
			signals = append(signals, Signal{
				Kind:       KindPxCookie,
				Confidence: 0.80,
				Evidence:   []string{"header_px_cookies"},
			})
			break
		}
	}

	for _, h := range rateLimitHeaders {
		if headers.Get(h) != "" {
			signals = append(signals, Signal{
				Kind:       KindBasicRateLimit,
				Confidence: 0.90,
				Evidence:   []string{"header_rate_limit"},
				Metadata:   map[string]string{"header": h},
			})
			break
		}
	}

	return signals
}

// detectTiming flags responses whose latency profile matches known
// challenge behavior. The first response per domain only seeds the
// baseline and produces no signals. A non-positive elapsed means the
// caller has no timing measurement (rendered DOM checks); it produces
// no signals and does not touch the baseline.
func (d *Detector) detectTiming(domain string, elapsed time.Duration, htmlSize int) []Signal {
	if elapsed <= 0 {
		return nil
	}
	d.mu.Lock()
	baseline, ok := d.baseline[domain]
	if !ok {
		d.baseline[domain] = elapsed
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	var signals []Signal

	if elapsed < instantResponse && htmlSize < instantMaxSize {
		signals = append(signals, Signal{
			Kind:       KindCfBrowserCheck,
			Confidence: 0.60,
			Evidence:   []string{"timing_instant_small"},
		})
	}
	if elapsed >= cfChallengeWindowLo && elapsed <= cfChallengeWindowHi {
		signals = append(signals, Signal{
			Kind:       KindCfBrowserCheck,
			Confidence: 0.80,
			Evidence:   []string{"timing_five_second_challenge"},
		})
	}
	if elapsed > time.Duration(float64(baseline)*slowFactor) && elapsed > slowFloor {
		signals = append(signals, Signal{
			Kind:       KindCfManagedChallenge,
			Confidence: 0.65,
			Evidence:   []string{"timing_slow_challenge"},
		})
	}
	return signals
}
