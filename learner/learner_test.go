package learner

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/use-agent/harvest/config"
)

// memStore is an in-memory blob store for persistence tests.
type memStore struct {
	blobs   map[string][]byte
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (s *memStore) LoadBlob(_ context.Context, name string) ([]byte, bool, error) {
	if s.loadErr != nil {
		return nil, false, s.loadErr
	}
	b, ok := s.blobs[name]
	return b, ok, nil
}

func (s *memStore) SaveBlob(_ context.Context, name string, data []byte) error {
	s.blobs[name] = append([]byte(nil), data...)
	return nil
}

func testConfig() config.LearnerConfig {
	return config.LearnerConfig{
		BaseRate: 0.5,
		HalfLife: 168 * time.Hour,
		Window:   720 * time.Hour,
		MinWait:  1500 * time.Millisecond,
	}
}

func newTestLearner(cfg config.LearnerConfig, store Store) *Learner {
	return New(cfg, store, slog.New(slog.DiscardHandler))
}

func TestSuccessRate_NoHistoryReturnsBaseRate(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	if got := l.SuccessRate("example.com", "cf_browser_check"); got != 0.5 {
		t.Fatalf("got %v, want base rate 0.5", got)
	}
}

func TestSuccessRate_DomainHistoryOutranksGlobal(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	l.RecordAttempt("other.com", "cf_browser_check", "challenge_wait", false, 0)
	l.RecordAttempt("other.com", "cf_browser_check", "challenge_wait", false, 0)
	l.RecordAttempt("example.com", "cf_browser_check", "challenge_wait", true, 0)

	if got := l.SuccessRate("example.com", "cf_browser_check"); got != 1.0 {
		t.Fatalf("domain rate: got %v, want 1.0", got)
	}
	// A domain with no history falls back to the global counter.
	global := l.SuccessRate("fresh.com", "cf_browser_check")
	if math.Abs(global-1.0/3.0) > 1e-9 {
		t.Fatalf("global fallback: got %v, want 1/3", global)
	}
}

func TestDecayWeight_HalvesPerHalfLife(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base.Add(2 * 168 * time.Hour) }

	w := l.decayWeight(base)
	if math.Abs(w-0.25) > 0.01 {
		t.Fatalf("weight at two half-lives: got %v, want ~0.25", w)
	}
}

func TestSuccessRate_OldFailuresDecayAway(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return base }
	l.RecordAttempt("example.com", "cf_browser_check", "challenge_wait", false, 0)

	l.now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	l.RecordAttempt("example.com", "cf_browser_check", "challenge_wait", true, 0)

	// The recent success should dominate the decayed failure.
	if got := l.SuccessRate("example.com", "cf_browser_check"); got <= 0.5 {
		t.Fatalf("got %v, want recent success to dominate", got)
	}
}

func TestRecordAttempt_WindowPrunesOldRecords(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return base }
	l.RecordAttempt("example.com", "cf_browser_check", "challenge_wait", true, 0)

	l.now = func() time.Time { return base.Add(800 * time.Hour) }
	l.RecordAttempt("example.com", "cf_browser_check", "challenge_wait", false, 0)

	rep, ok := l.ReportDomain("example.com")
	if !ok {
		t.Fatal("expected domain history")
	}
	if rep.Attempts != 1 {
		t.Fatalf("got %d attempts, want the record outside the window pruned", rep.Attempts)
	}
}

func TestReportDomain_AverageResponseTime(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	l.RecordAttempt("example.com", "none", "direct_access", true, 2*time.Second)
	l.RecordAttempt("example.com", "none", "direct_access", true, 4*time.Second)
	// Attempts without a measurement must not drag the average down.
	l.RecordAttempt("example.com", "none", "direct_access", false, 0)

	rep, ok := l.ReportDomain("example.com")
	if !ok {
		t.Fatal("expected domain history")
	}
	if rep.AvgResponseTimeMs != 3000 {
		t.Fatalf("avg response time %dms, want 3000", rep.AvgResponseTimeMs)
	}
}

func TestShouldRetry_AttemptLimit(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	ok, reason := l.ShouldRetry("example.com", "cf_browser_check", 5, 5)
	if ok {
		t.Fatal("at the attempt limit retries must stop")
	}
	if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestShouldRetry_LowRateAfterTwoAttempts(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	for i := 0; i < 5; i++ {
		l.RecordAttempt("example.com", "datadome_captcha", "cookie_persistence", false, 0)
	}
	if ok, _ := l.ShouldRetry("example.com", "datadome_captcha", 2, 5); ok {
		t.Fatal("near-zero success rate after two attempts should stop retries")
	}
	// One attempt in, the rate alone is not disqualifying.
	if ok, _ := l.ShouldRetry("example.com", "datadome_captcha", 1, 5); !ok {
		t.Fatal("a single attempt should still be allowed a retry")
	}
}

func TestShouldRetry_DomainWithoutAnySuccess(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	// Keep the global rate healthy so only the domain check can trip.
	l.RecordAttempt("other.com", "cf_browser_check", "challenge_wait", true, 0)
	l.RecordAttempt("other.com", "cf_browser_check", "challenge_wait", true, 0)
	l.RecordAttempt("example.com", "cf_browser_check", "challenge_wait", false, 0)

	if ok, _ := l.ShouldRetry("example.com", "cf_browser_check", 3, 10); ok {
		t.Fatal("three attempts with zero domain successes should stop retries")
	}
}

func TestRecommendedWait_FloorAndGrowth(t *testing.T) {
	cfg := testConfig()
	cfg.BaseRate = 0.9 // keep the multiplier at 1.0 with no history
	l := newTestLearner(cfg, nil)

	if got := l.RecommendedWait("example.com", "cf_browser_check", 0); got != cfg.MinWait {
		t.Fatalf("attempt 0: got %v, want floor %v", got, cfg.MinWait)
	}
	if got := l.RecommendedWait("example.com", "cf_browser_check", 3); got != 8*time.Second {
		t.Fatalf("attempt 3: got %v, want 8s", got)
	}
	if got := l.RecommendedWait("example.com", "cf_browser_check", 10); got != 30*time.Second {
		t.Fatalf("attempt 10: got %v, want the 30s cap", got)
	}
}

func TestRecommendedWait_PoorRateStretchesBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BaseRate = 0.2
	l := newTestLearner(cfg, nil)

	if got := l.RecommendedWait("example.com", "cf_browser_check", 3); got != 16*time.Second {
		t.Fatalf("got %v, want 8s doubled for a poor rate", got)
	}
}

func TestBestTechnique_DomainEvidenceWins(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	for i := 0; i < 3; i++ {
		l.RecordAttempt("example.com", "cf_turnstile_visible", "turnstile_click_checkbox", true, 0)
		l.RecordAttempt("example.com", "cf_turnstile_visible", "challenge_wait", false, 0)
	}
	got := l.BestTechnique("example.com", "cf_turnstile_visible", "fallback")
	if got != "turnstile_click_checkbox" {
		t.Fatalf("got %q", got)
	}
}

func TestBestTechnique_GlobalThenFallback(t *testing.T) {
	l := newTestLearner(testConfig(), nil)
	// A single sample on another domain: not enough for domain-local
	// evidence anywhere, but the global average is strong.
	l.RecordAttempt("other.com", "cf_browser_check", "challenge_wait", true, 0)

	got := l.BestTechnique("example.com", "cf_browser_check", "fallback")
	if got != "challenge_wait" {
		t.Fatalf("global average: got %q", got)
	}

	if got := l.BestTechnique("example.com", "px_cookie", "fallback"); got != "fallback" {
		t.Fatalf("unknown protection: got %q", got)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	store := newMemStore()
	l := newTestLearner(testConfig(), store)
	l.RecordAttempt("example.com", "cf_browser_check", "challenge_wait", true, 0)
	l.RecordAttempt("example.com", "cf_browser_check", "challenge_wait", false, 0)

	reloaded := newTestLearner(testConfig(), store)
	rep, ok := reloaded.ReportDomain("example.com")
	if !ok {
		t.Fatal("reloaded learner lost domain history")
	}
	if rep.Attempts != 2 || rep.Successes != 1 {
		t.Fatalf("got %d/%d, want 1 success of 2 attempts", rep.Successes, rep.Attempts)
	}
}

func TestPersistence_CorruptBlobStartsCold(t *testing.T) {
	store := newMemStore()
	store.blobs["learner_state"] = []byte("{not json")

	l := newTestLearner(testConfig(), store)
	if got := l.SuccessRate("example.com", "cf_browser_check"); got != 0.5 {
		t.Fatalf("corrupt state must start cold, got rate %v", got)
	}
}

func TestPersistence_VersionMismatchStartsCold(t *testing.T) {
	store := newMemStore()
	store.blobs["learner_state"] = []byte(`{"version":99,"domains":{"example.com":[{"protection":"cf_browser_check","technique":"challenge_wait","success":true,"timestamp":"2026-01-01T00:00:00Z"}]}}`)

	l := newTestLearner(testConfig(), store)
	if _, ok := l.ReportDomain("example.com"); ok {
		t.Fatal("unknown snapshot version must not load")
	}
}

func TestPersistence_LoadErrorStartsCold(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("disk gone")

	l := newTestLearner(testConfig(), store)
	if got := l.SuccessRate("example.com", "cf_browser_check"); got != 0.5 {
		t.Fatalf("load error must start cold, got rate %v", got)
	}
}
