package engine

import (
	"strings"
	"testing"
	"time"
)

// contentRichHTML builds a page that should not need rendering: long,
// content-indicator heavy, decent text ratio, few scripts.
func contentRichHTML() string {
	var b strings.Builder
	b.WriteString("<html><head><title>Listings</title></head><body>")
	b.WriteString("<main><article><h1>Used Excavators</h1>")
	for i := 0; i < 60; i++ {
		b.WriteString("<p>A well maintained 20 ton excavator with low hours, full service history and new tracks. Contact the dealer for inspection and delivery options.</p>")
	}
	b.WriteString("</article></main></body></html>")
	return b.String()
}

func TestResolve_ShortHTMLNeedsRendering(t *testing.T) {
	r := NewResolver()
	s := r.Resolve("https://example.com/listing", "<html><body>hi</body></html>")
	if !s.NeedsRendering {
		t.Fatal("expected rendering for markup under the length floor")
	}
}

func TestResolve_ContentRichStaticSufficient(t *testing.T) {
	r := NewResolver()
	s := r.Resolve("https://example.com/items", contentRichHTML())
	if s.NeedsRendering {
		t.Fatalf("expected static to suffice, got reason %q", s.Reason)
	}
}

func TestResolve_ProtectionMarkersAlwaysRender(t *testing.T) {
	html := contentRichHTML() + "<div>Checking your browser before accessing</div>"
	r := NewResolver()
	s := r.Resolve("https://example.com/", html)
	if !s.NeedsRendering {
		t.Fatal("protection markers must force rendering")
	}
	if s.Reason != "protection markers present" {
		t.Fatalf("wrong reason: %q", s.Reason)
	}
}

func TestResolve_DomainRuleBeatsGenericHeuristics(t *testing.T) {
	// Content-rich but below amazon.com's 8000-char threshold.
	html := "<main><article><h1>Item</h1><p>Short but real content page.</p></article></main><table></table>"
	r := NewResolver()
	s := r.Resolve("https://www.amazon.com/dp/B000", html)
	if !s.NeedsRendering {
		t.Fatal("domain rule should force rendering below its threshold")
	}
	if s.Wait != 2*time.Second {
		t.Fatalf("expected domain rule wait 2s, got %v", s.Wait)
	}
	if !s.Stealth {
		t.Fatal("amazon should get stealth")
	}
}

func TestResolve_SubdomainMatchesDomainRule(t *testing.T) {
	r := NewResolver()
	s := r.Resolve("https://deals.olx.com.pk/mobiles", "<html><body>tiny</body></html>")
	if s.Domain != "olx.com.pk" {
		t.Fatalf("expected subdomain to match olx.com.pk rule, got %q", s.Domain)
	}
	if s.Wait != 3*time.Second {
		t.Fatalf("expected 3s wait from the rule, got %v", s.Wait)
	}
}

func TestResolve_FrameworkWithoutContent(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<html><body><div id="__next"><span>x</span></div>`)
	b.WriteString(strings.Repeat("<span>filler text for length padding here</span>", 40))
	b.WriteString("</body></html>")

	r := NewResolver()
	s := r.Resolve("https://example.com/app", b.String())
	if !s.NeedsRendering {
		t.Fatal("framework page without content indicators should render")
	}
	if s.Metrics.Framework != "Next.js" {
		t.Fatalf("expected Next.js detection, got %q", s.Metrics.Framework)
	}
	if s.Wait != 2*time.Second {
		t.Fatalf("expected Next.js wait 2s, got %v", s.Wait)
	}
}

func TestResolve_ScriptHeavyLowTextRatio(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 12; i++ {
		b.WriteString(`<script src="/bundle.js"></script>`)
	}
	// Bulk the page up with markup, not text, so the ratio stays low.
	b.WriteString(strings.Repeat("<div><span></span></div>", 100))
	b.WriteString("</body></html>")

	r := NewResolver()
	s := r.Resolve("https://example.com/", b.String())
	if !s.NeedsRendering {
		t.Fatal("low text ratio with many scripts should render")
	}
}

func TestAnalyzeMarkup_LoadingIndicatorsBlockContent(t *testing.T) {
	html := contentRichHTML() + `<div class="loader">Loading...</div>`
	m := AnalyzeMarkup(html)
	if m.HasContent {
		t.Fatal("loading indicators must zero out content detection")
	}
}

func TestNeedsStealth_VendorMarkup(t *testing.T) {
	r := NewResolver()
	if !r.needsStealth("https://example.com", "<script src='https://challenges.cloudflare.com/turnstile/v0/api.js'></script>") {
		t.Fatal("cloudflare markup should trigger stealth")
	}
	if r.needsStealth("https://example.com", "<html><body>plain</body></html>") {
		t.Fatal("plain page should not trigger stealth")
	}
}
