// Package engine implements the adaptive fetch pipeline: deciding how
// to fetch a page, detecting anti-bot protections, attempting free-tier
// challenge solves, and orchestrating static and browser fetches.
package engine

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Rendering heuristics. All thresholds are overridable per Resolver.
const (
	// MinStaticHTMLLen is the length below which static HTML is assumed
	// to be a shell that needs rendering.
	MinStaticHTMLLen = 1000

	// FrameworkContentLen is the length below which framework pages are
	// rendered even when content indicators are present.
	FrameworkContentLen = 8000

	// LowTextRatio flags pages that are nearly all markup and script.
	LowTextRatio = 0.05

	// ScriptCountWithLowText pairs with LowTextRatio.
	ScriptCountWithLowText = 10

	// ScriptCountNoContent triggers rendering on script-heavy pages
	// with no content indicators.
	ScriptCountNoContent = 15

	// ContentScoreThreshold is the indicator score at or above which a
	// page counts as having real content.
	ContentScoreThreshold = 5

	// DefaultDomainThreshold applies to known JS-heavy domains with no
	// explicit threshold.
	DefaultDomainThreshold = 5000

	// DefaultWait is the render settle time when nothing more specific
	// is known.
	DefaultWait = 1500 * time.Millisecond
)

// DomainRule tunes rendering for a known JS-heavy domain.
type DomainRule struct {
	// Threshold is the static HTML length below which the domain is
	// rendered.
	Threshold int

	// Wait is the settle time after navigation.
	Wait time.Duration

	// Reason is surfaced in the strategy for observability.
	Reason string
}

// defaultDomainRules covers domains whose listings are known to be
// JS-rendered or lazy-loaded.
var defaultDomainRules = map[string]DomainRule{
	"olx.com.pk":    {Threshold: 5000, Wait: 3 * time.Second, Reason: "lazy-loaded listings"},
	"zameen.com":    {Threshold: 4000, Wait: 2500 * time.Millisecond, Reason: "JS-rendered property listings"},
	"daraz.pk":      {Threshold: 6000, Wait: 2 * time.Second, Reason: "React product data"},
	"graana.com":    {Threshold: 4000, Wait: 2 * time.Second, Reason: "JS-heavy real estate"},
	"lamudi.pk":     {Threshold: 4000, Wait: 2 * time.Second, Reason: "JS-rendered property listings"},
	"pakwheels.com": {Threshold: 5000, Wait: 2 * time.Second, Reason: "lazy-loaded car listings"},
	"amazon.com":    {Threshold: 8000, Wait: 2 * time.Second, Reason: "dynamic product loading"},
	"ebay.com":      {Threshold: 7000, Wait: 2 * time.Second, Reason: "JS-rendered listings"},
	"zillow.com":    {Threshold: 6000, Wait: 2500 * time.Millisecond, Reason: "JS-heavy real estate"},
	"realtor.com":   {Threshold: 6000, Wait: 2500 * time.Millisecond, Reason: "JS-loaded property data"},
	"airbnb.com":    {Threshold: 5000, Wait: 3 * time.Second, Reason: "React listings"},
	"unstop.com":    {Threshold: 5000, Wait: 3 * time.Second, Reason: "React app, JS required"},
}

// frameworkSignatures maps a framework name to markup fingerprints.
var frameworkSignatures = map[string][]string{
	"Next.js": {`id="__next"`, "__NEXT_DATA__", "/_next/static/", "next-route-announcer"},
	"React":   {"data-reactroot", "data-react-helmet", "react-dom", "ReactDOM"},
	"Vue":     {"data-vue-ssr", "__NUXT__", "data-v-", "vue-router"},
	"Angular": {"ng-version", "ng-app", "ng-controller", "<app-root"},
	"Svelte":  {"data-svelte"},
}

// frameworkWaits is the settle time per framework once rendering is
// chosen and no domain rule applies.
var frameworkWaits = map[string]time.Duration{
	"Next.js": 2 * time.Second,
	"React":   2 * time.Second,
	"Vue":     1500 * time.Millisecond,
	"Angular": 2500 * time.Millisecond,
	"Svelte":  1500 * time.Millisecond,
}

var placeholderSigns = []string{
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div id="__next"></div>`,
	"<app-root></app-root>",
	`class="skeleton`,
	`class="loading`,
	`class="loader`,
	"home-loader-screen",
	"Loading...",
	"Please wait",
	"Please Wait",
}

var strongContentIndicators = []string{
	"<article",
	"<main",
	`itemprop="name"`,
	`itemprop="description"`,
	"schema.org/product",
	"schema.org/article",
	"<table",
	`class="product-detail`,
	`class="item-detail`,
	`class="post-content`,
	`class="article-body`,
}

var weakContentIndicators = []string{
	`class="content"`,
	`class="product`,
	`class="item"`,
	`class="listing"`,
	`class="card"`,
	"<h1",
	"<h2",
	"<p",
}

var loadingIndicators = []string{
	"Please Wait",
	"Loading...",
	"Cookies are disabled",
	`class="loader`,
	`class="loading`,
}

var protectionSigns = []string{
	"cf-browser-verification",
	"Just a moment",
	"Checking your browser",
	"DDoS protection",
	"Verifying you are human",
	"Please wait while we verify",
}

var stealthVendorSigns = []string{
	"cloudflare", "imperva", "datadome",
	"recaptcha", "hcaptcha", "turnstile",
}

var stealthDomains = []string{
	"amazon", "ebay", "walmart", "target", "alibaba", "flipkart",
}

var tagRe = regexp.MustCompile(`<[^>]+>`)

// PageMetrics are the markup signals the resolver's decision tree runs
// on. Exported so callers can log them.
type PageMetrics struct {
	Length        int
	ScriptCount   int
	Framework     string
	IsPlaceholder bool
	HasContent    bool
	HasProtection bool
	TextRatio     float64
}

// FetchStrategy is the resolver's verdict for one URL and HTML sample.
type FetchStrategy struct {
	NeedsRendering bool
	Wait           time.Duration
	Stealth        bool
	BlockResources bool
	Domain         string
	Reason         string
	Metrics        PageMetrics
}

// Resolver decides whether a page needs browser rendering, how long to
// wait after navigation, and whether stealth is warranted. Pure and
// stateless: it never performs I/O.
type Resolver struct {
	// DomainRules can be replaced to tune or extend the built-in set.
	DomainRules map[string]DomainRule
}

// NewResolver builds a Resolver with the built-in domain rules.
func NewResolver() *Resolver {
	return &Resolver{DomainRules: defaultDomainRules}
}

// domainOf extracts the bare host from a URL and matches it against
// the rule table, first exactly, then as a suffix for subdomains.
func (r *Resolver) domainOf(rawURL string) (string, DomainRule, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", DomainRule{}, false
	}
	domain := strings.TrimPrefix(u.Hostname(), "www.")
	if rule, ok := r.DomainRules[domain]; ok {
		return domain, rule, true
	}
	for known, rule := range r.DomainRules {
		if strings.Contains(domain, known) {
			return known, rule, true
		}
	}
	return domain, DomainRule{}, false
}

// AnalyzeMarkup computes the signals the decision tree consumes.
func AnalyzeMarkup(html string) PageMetrics {
	m := PageMetrics{
		Length:      len(html),
		ScriptCount: strings.Count(html, "<script"),
	}
	for fw, sigs := range frameworkSignatures {
		for _, sig := range sigs {
			if strings.Contains(html, sig) {
				m.Framework = fw
				break
			}
		}
		if m.Framework != "" {
			break
		}
	}
	for _, sign := range placeholderSigns {
		if strings.Contains(html, sign) {
			m.IsPlaceholder = true
			break
		}
	}

	lower := strings.ToLower(html)
	score := 0
	for _, ind := range strongContentIndicators {
		if strings.Contains(lower, ind) {
			score += 3
		}
	}
	for _, ind := range weakContentIndicators {
		if strings.Contains(lower, ind) {
			score++
		}
	}
	loading := 0
	for _, ind := range loadingIndicators {
		if strings.Contains(html, ind) {
			loading++
		}
	}
	m.HasContent = score >= ContentScoreThreshold && loading == 0

	if m.Length > 0 {
		text := strings.TrimSpace(tagRe.ReplaceAllString(html, ""))
		m.TextRatio = float64(len(text)) / float64(m.Length)
	}
	for _, sign := range protectionSigns {
		if strings.Contains(html, sign) {
			m.HasProtection = true
			break
		}
	}
	return m
}

// Resolve runs the decision tree over a static HTML sample. The check
// order matters: protection markers outrank domain rules, which
// outrank the generic heuristics.
func (r *Resolver) Resolve(rawURL, html string) FetchStrategy {
	domain, rule, hasRule := r.domainOf(rawURL)
	m := AnalyzeMarkup(html)

	s := FetchStrategy{
		Wait:           r.waitFor(rule, hasRule, m),
		Stealth:        r.needsStealth(rawURL, html),
		BlockResources: true,
		Domain:         domain,
		Metrics:        m,
	}

	switch {
	case m.HasProtection:
		s.NeedsRendering = true
		s.Reason = "protection markers present"
	case hasRule && m.Length < thresholdOf(rule):
		s.NeedsRendering = true
		s.Reason = rule.Reason
	case m.IsPlaceholder:
		s.NeedsRendering = true
		s.Reason = "placeholder markup"
	case m.Length < MinStaticHTMLLen:
		s.NeedsRendering = true
		s.Reason = fmt.Sprintf("markup too short (%d chars)", m.Length)
	case m.Framework != "" && !m.HasContent:
		s.NeedsRendering = true
		s.Reason = m.Framework + " detected without content"
	case m.Framework != "" && m.Length < FrameworkContentLen:
		s.NeedsRendering = true
		s.Reason = fmt.Sprintf("%s with short markup (%d chars)", m.Framework, m.Length)
	case m.TextRatio < LowTextRatio && m.ScriptCount > ScriptCountWithLowText:
		s.NeedsRendering = true
		s.Reason = fmt.Sprintf("low text ratio (%.2f) with %d scripts", m.TextRatio, m.ScriptCount)
	case m.ScriptCount > ScriptCountNoContent && !m.HasContent:
		s.NeedsRendering = true
		s.Reason = fmt.Sprintf("%d scripts without content", m.ScriptCount)
	default:
		s.Reason = "static markup sufficient"
	}
	return s
}

func thresholdOf(rule DomainRule) int {
	if rule.Threshold > 0 {
		return rule.Threshold
	}
	return DefaultDomainThreshold
}

func (r *Resolver) waitFor(rule DomainRule, hasRule bool, m PageMetrics) time.Duration {
	if hasRule && rule.Wait > 0 {
		return rule.Wait
	}
	if m.Framework != "" {
		if w, ok := frameworkWaits[m.Framework]; ok {
			return w
		}
		return 2 * time.Second
	}
	return DefaultWait
}

// needsStealth reports whether stealth patches should be applied.
// Stealth adds startup cost, so it is reserved for pages naming a
// protection vendor and for domains known to fingerprint aggressively.
func (r *Resolver) needsStealth(rawURL, html string) bool {
	lower := strings.ToLower(html)
	for _, sign := range stealthVendorSigns {
		if strings.Contains(lower, sign) {
			return true
		}
	}
	lowerURL := strings.ToLower(rawURL)
	for _, d := range stealthDomains {
		if strings.Contains(lowerURL, d) {
			return true
		}
	}
	return false
}
