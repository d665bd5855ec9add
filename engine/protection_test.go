package engine

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func detect(d *Detector, html string, headers http.Header, cookies []*http.Cookie, elapsed time.Duration) Signal {
	if headers == nil {
		headers = http.Header{}
	}
	return d.Detect("https://example.com/page", html, 200, headers, cookies, elapsed)
}

func TestDetect_CfBrowserCheckMarkup(t *testing.T) {
	d := NewDetector()
	sig := detect(d, "<html><body>Checking your browser before accessing example.com</body></html>", nil, nil, 300*time.Millisecond)
	if sig.Kind != KindCfBrowserCheck {
		t.Fatalf("got %v, want cf_browser_check", sig.Kind)
	}
	if sig.Confidence < 0.90 {
		t.Fatalf("confidence %v too low", sig.Confidence)
	}
}

func TestDetect_CfBrowserCheckSuppressedByCaptchaWord(t *testing.T) {
	d := NewDetector()
	sig := detect(d, "<body>Checking your browser. Solve the captcha below.</body>", nil, nil, time.Second)
	if sig.Kind == KindCfBrowserCheck {
		t.Fatal("captcha mention should suppress the plain browser-check verdict")
	}
}

func TestDetect_TurnstileSitekeyLength(t *testing.T) {
	d := NewDetector()

	short := `<script src="https://challenges.cloudflare.com/turnstile/v0/api.js"></script><div class="cf-turnstile" data-sitekey="0x4AAAAAAA"></div>`
	sig := detect(d, short, nil, nil, time.Second)
	if sig.Kind != KindCfTurnstileVisible || sig.Confidence != 0.90 {
		t.Fatalf("short sitekey: got %v %.2f", sig.Kind, sig.Confidence)
	}

	long := `<script src="https://challenges.cloudflare.com/turnstile/v0/api.js"></script><div class="cf-turnstile" data-sitekey="` + strings.Repeat("x", 60) + `"></div>`
	sig = detect(d, long, nil, nil, time.Second)
	if sig.Kind != KindCfTurnstileHard || sig.Confidence != 0.85 {
		t.Fatalf("long sitekey: got %v %.2f", sig.Kind, sig.Confidence)
	}

	invisible := `<script src="https://challenges.cloudflare.com/turnstile/v0/api.js"></script>`
	sig = detect(d, invisible, nil, nil, time.Second)
	if sig.Kind != KindCfTurnstileInvisible || sig.Confidence != 0.75 {
		t.Fatalf("no sitekey: got %v %.2f", sig.Kind, sig.Confidence)
	}
}

func TestDetect_RecaptchaVariants(t *testing.T) {
	d := NewDetector()

	sig := detect(d, `<div class="g-recaptcha" data-sitekey="k"></div>`, nil, nil, time.Second)
	if sig.Kind != KindRecaptchaV2Checkbox || sig.Confidence != 0.95 {
		t.Fatalf("checkbox: got %v %.2f", sig.Kind, sig.Confidence)
	}

	sig = detect(d, `<script>grecaptcha.execute("k", {action: "login"})</script>`, nil, nil, time.Second)
	if sig.Kind != KindRecaptchaV3 {
		t.Fatalf("v3: got %v", sig.Kind)
	}

	sig = detect(d, `<script src="https://www.google.com/recaptcha/api.js"></script>`, nil, nil, time.Second)
	if sig.Kind != KindRecaptchaV2Invisible {
		t.Fatalf("invisible: got %v", sig.Kind)
	}
}

func TestDetect_HeaderAndCookieSignals(t *testing.T) {
	d := NewDetector()

	h := http.Header{}
	h.Set("Cf-Ray", "8c1a2b3c4d5e6f70-FRA")
	cookies := []*http.Cookie{{Name: "__cf_bm", Value: "v"}}
	sig := detect(d, "<html><body>ok page with nothing suspicious in markup</body></html>", h, cookies, time.Second)
	if sig.Kind != KindCfBrowserCheck || sig.Confidence != 0.70 {
		t.Fatalf("cf headers: got %v %.2f", sig.Kind, sig.Confidence)
	}

	h = http.Header{}
	h.Set("X-Datadome-Cid", "abc")
	sig = detect(d, "<html></html>", h, nil, time.Second)
	if sig.Kind != KindDataDomeCookie {
		t.Fatalf("datadome header: got %v", sig.Kind)
	}

	h = http.Header{}
	h.Set("Retry-After", "30")
	sig = detect(d, "<html></html>", h, nil, time.Second)
	if sig.Kind != KindBasicRateLimit || sig.Confidence != 0.90 {
		t.Fatalf("rate limit header: got %v %.2f", sig.Kind, sig.Confidence)
	}
}

func TestDetect_TimingFirstResponseSeedsBaseline(t *testing.T) {
	d := NewDetector()

	// First response per domain must not produce timing signals, even
	// inside the five second challenge window.
	sig := detect(d, "<html><body>plain page</body></html>", nil, nil, 5*time.Second)
	if sig.Kind != KindNone {
		t.Fatalf("first response: got %v, want none", sig.Kind)
	}

	sig = detect(d, "<html><body>plain page</body></html>", nil, nil, 5*time.Second)
	if sig.Kind != KindCfBrowserCheck || sig.Confidence != 0.80 {
		t.Fatalf("second response in challenge window: got %v %.2f", sig.Kind, sig.Confidence)
	}
}

func TestDetect_TimingSlowVsBaseline(t *testing.T) {
	d := NewDetector()
	detect(d, "<html></html>", nil, nil, time.Second) // seed baseline at 1s

	sig := detect(d, "<html><body>slow plain page response body</body></html>", nil, nil, 4*time.Second)
	if sig.Kind != KindCfManagedChallenge || sig.Confidence != 0.65 {
		t.Fatalf("slow response: got %v %.2f", sig.Kind, sig.Confidence)
	}
}

func TestDetect_NoEvidenceReturnsNone(t *testing.T) {
	d := NewDetector()
	sig := detect(d, "<html><body>a perfectly ordinary page</body></html>", nil, nil, 800*time.Millisecond)
	if sig.Kind != KindNone {
		t.Fatalf("got %v, want none", sig.Kind)
	}
	if sig.Confidence != 0.95 {
		t.Fatalf("confidence %v", sig.Confidence)
	}
}

func TestDetect_MarkupOutranksTiming(t *testing.T) {
	d := NewDetector()
	detect(d, "<html></html>", nil, nil, time.Second) // seed baseline

	// Markup says v2 invisible at 0.85; timing alone would say managed
	// challenge. The markup verdict must win because ties break on
	// collection order and 0.85 > 0.65.
	html := `<script src="https://www.google.com/recaptcha/api.js"></script>`
	sig := detect(d, html, nil, nil, 4*time.Second)
	if sig.Kind != KindRecaptchaV2Invisible {
		t.Fatalf("got %v, want markup verdict", sig.Kind)
	}
}

func TestDetect_NoTimingMeasurementProducesNoTimingSignals(t *testing.T) {
	d := NewDetector()
	// A static response seeds the domain's baseline.
	detect(d, "<html><body>plain page</body></html>", nil, nil, 900*time.Millisecond)

	// Rendered DOM checks carry no latency measurement. A small benign
	// page must not trip the instant-response heuristic.
	sig := detect(d, "<html><body><p>tiny but real</p></body></html>", nil, nil, 0)
	if sig.Kind != KindNone {
		t.Fatalf("got %v %.2f %v, want none", sig.Kind, sig.Confidence, sig.Evidence)
	}
}

func TestHistory_RetainsCandidateSignals(t *testing.T) {
	d := NewDetector()
	detect(d, "<html><body>plain page</body></html>", nil, nil, time.Second)
	detect(d, `<div class="g-recaptcha" data-sitekey="k"></div>`, nil, nil, time.Second)

	h := d.History("example.com")
	if len(h) != 2 {
		t.Fatalf("history length %d, want one entry per fetch", len(h))
	}
	if h[0].Kind != KindNone || h[1].Kind != KindRecaptchaV2Checkbox {
		t.Fatalf("history %v, %v", h[0].Kind, h[1].Kind)
	}
	if len(d.History("other.test")) != 0 {
		t.Fatal("history must be scoped per domain")
	}
}

func TestHistory_BoundedPerDomain(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 60; i++ {
		detect(d, "<html><body>plain page</body></html>", nil, nil, time.Second)
	}
	if got := len(d.History("example.com")); got != 50 {
		t.Fatalf("history length %d, want the 50-entry bound", got)
	}
}

func TestDetect_ManualVerificationHighestConfidence(t *testing.T) {
	d := NewDetector()
	sig := detect(d, "<body>Please enter the code sent to your phone.</body>", nil, nil, time.Second)
	if sig.Kind != KindManualVerification || sig.Confidence != 0.99 {
		t.Fatalf("got %v %.2f", sig.Kind, sig.Confidence)
	}
}
