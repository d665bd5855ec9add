// Package learner tracks fetch outcomes per domain and protection kind
// and turns them into retry, technique, and backoff recommendations.
// State is persisted after every mutation and reloaded at startup; a
// corrupt snapshot is discarded and the learner starts cold.
package learner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/use-agent/harvest/config"
)

// snapshotVersion guards the persisted format. Bump on incompatible
// layout changes; older or unknown versions load as cold state.
const snapshotVersion = 1

// blobName is the key under which the snapshot is stored.
const blobName = "learner_state"

const (
	// historyFallback is how many recent records to keep when the
	// window would leave a domain with nothing.
	historyFallback = 50

	// emaAlpha is the weight of a new observation in the technique
	// effectiveness moving average.
	emaAlpha = 0.1

	// minDomainSamples is how many records a domain/technique pair
	// needs before its own rate outranks the global one.
	minDomainSamples = 3

	// globalFloor is the minimum global effectiveness for a technique
	// to be recommended over the default.
	globalFloor = 0.3

	// maxBackoff caps exponential backoff growth.
	maxBackoff = 30 * time.Second
)

// AttemptRecord is one observed fetch outcome.
type AttemptRecord struct {
	Protection   string        `json:"protection"`
	Technique    string        `json:"technique"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Store persists learner snapshots.
type Store interface {
	LoadBlob(ctx context.Context, name string) ([]byte, bool, error)
	SaveBlob(ctx context.Context, name string, data []byte) error
}

type protectionCounter struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

type snapshot struct {
	Version    int                           `json:"version"`
	Domains    map[string][]AttemptRecord    `json:"domains"`
	Protection map[string]protectionCounter  `json:"protection"`
	Techniques map[string]map[string]float64 `json:"techniques"`
}

// Learner accumulates attempt history and answers strategy questions.
// All methods are safe for concurrent use.
type Learner struct {
	mu         sync.Mutex
	domains    map[string][]AttemptRecord
	protection map[string]protectionCounter
	techniques map[string]map[string]float64
	cfg        config.LearnerConfig
	store      Store
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a Learner, loading any persisted state from store. store
// may be nil for an ephemeral learner.
func New(cfg config.LearnerConfig, store Store, logger *slog.Logger) *Learner {
	l := &Learner{
		domains:    make(map[string][]AttemptRecord),
		protection: make(map[string]protectionCounter),
		techniques: make(map[string]map[string]float64),
		cfg:        cfg,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
	l.load()
	return l
}

func (l *Learner) load() {
	if l.store == nil {
		return
	}
	data, ok, err := l.store.LoadBlob(context.Background(), blobName)
	if err != nil {
		l.logger.Warn("learner state load failed, starting cold", "error", err)
		return
	}
	if !ok {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		l.logger.Warn("learner state corrupt, starting cold", "error", err)
		return
	}
	if snap.Version != snapshotVersion {
		l.logger.Warn("learner state version mismatch, starting cold",
			"have", snap.Version, "want", snapshotVersion)
		return
	}
	if snap.Domains != nil {
		l.domains = snap.Domains
	}
	if snap.Protection != nil {
		l.protection = snap.Protection
	}
	if snap.Techniques != nil {
		l.techniques = snap.Techniques
	}
	l.logger.Info("learner state loaded", "domains", len(l.domains))
}

// saveLocked persists the current state. Caller holds l.mu. Persistence
// failures are logged; in-memory state remains authoritative.
func (l *Learner) saveLocked() {
	if l.store == nil {
		return
	}
	data, err := json.Marshal(snapshot{
		Version:    snapshotVersion,
		Domains:    l.domains,
		Protection: l.protection,
		Techniques: l.techniques,
	})
	if err != nil {
		l.logger.Error("learner state marshal failed", "error", err)
		return
	}
	if err := l.store.SaveBlob(context.Background(), blobName, data); err != nil {
		l.logger.Warn("learner state save failed", "error", err)
	}
}

// RecordAttempt adds one outcome and updates all derived statistics.
// responseTime may be zero when the caller has no measurement.
func (l *Learner) RecordAttempt(domain, protection, technique string, success bool, responseTime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := AttemptRecord{
		Protection:   protection,
		Technique:    technique,
		Success:      success,
		ResponseTime: responseTime,
		Timestamp:    l.now(),
	}
	l.domains[domain] = l.pruneLocked(append(l.domains[domain], rec))

	pc := l.protection[protection]
	pc.Attempts++
	if success {
		pc.Successes++
	}
	l.protection[protection] = pc

	if technique != "" {
		byTech := l.techniques[protection]
		if byTech == nil {
			byTech = make(map[string]float64)
			l.techniques[protection] = byTech
		}
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		if prev, seen := byTech[technique]; seen {
			byTech[technique] = prev*(1-emaAlpha) + outcome*emaAlpha
		} else {
			byTech[technique] = outcome
		}
	}

	l.saveLocked()
}

// pruneLocked drops records older than the window, keeping the most
// recent historyFallback records when the window would empty the list.
func (l *Learner) pruneLocked(recs []AttemptRecord) []AttemptRecord {
	cutoff := l.now().Add(-l.cfg.Window)
	kept := recs[:0:0]
	for _, r := range recs {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) > 0 {
		return kept
	}
	if len(recs) > historyFallback {
		return append([]AttemptRecord(nil), recs[len(recs)-historyFallback:]...)
	}
	return recs
}

// decayWeight weights a record by its age, halving every HalfLife.
func (l *Learner) decayWeight(t time.Time) float64 {
	age := l.now().Sub(t)
	if age < 0 {
		age = 0
	}
	return math.Exp(-float64(age) / float64(l.cfg.HalfLife) * math.Ln2)
}

// SuccessRate estimates the chance of success against a protection on
// a domain. Falls back from domain history to the global rate for the
// protection, then to the configured base rate.
func (l *Learner) SuccessRate(domain, protection string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.successRateLocked(domain, protection)
}

func (l *Learner) successRateLocked(domain, protection string) float64 {
	var wSum, wHit float64
	for _, r := range l.domains[domain] {
		if r.Protection != protection {
			continue
		}
		w := l.decayWeight(r.Timestamp)
		wSum += w
		if r.Success {
			wHit += w
		}
	}
	if wSum > 0 {
		return wHit / wSum
	}
	if pc, ok := l.protection[protection]; ok && pc.Attempts > 0 {
		return float64(pc.Successes) / float64(pc.Attempts)
	}
	return l.cfg.BaseRate
}

// BestTechnique recommends a technique for the protection on the
// domain. Domain-local evidence wins when there is enough of it,
// otherwise the global moving average, otherwise fallback.
func (l *Learner) BestTechnique(domain, protection, fallback string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	type acc struct {
		wSum, wHit float64
		n          int
	}
	local := make(map[string]*acc)
	for _, r := range l.domains[domain] {
		if r.Protection != protection || r.Technique == "" {
			continue
		}
		a := local[r.Technique]
		if a == nil {
			a = &acc{}
			local[r.Technique] = a
		}
		w := l.decayWeight(r.Timestamp)
		a.wSum += w
		a.n++
		if r.Success {
			a.wHit += w
		}
	}
	best, bestRate := "", -1.0
	for tech, a := range local {
		if a.n < minDomainSamples || a.wSum == 0 {
			continue
		}
		if rate := a.wHit / a.wSum; rate > bestRate {
			best, bestRate = tech, rate
		}
	}
	if best != "" {
		return best
	}

	bestRate = globalFloor
	for tech, score := range l.techniques[protection] {
		if score > bestRate {
			best, bestRate = tech, score
		}
	}
	if best != "" {
		return best
	}
	return fallback
}

// ShouldRetry reports whether another attempt against domain/protection
// is worthwhile, with a human-readable reason when it is not.
func (l *Learner) ShouldRetry(domain, protection string, attempts, maxAttempts int) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if attempts >= maxAttempts {
		return false, fmt.Sprintf("attempt limit reached (%d)", maxAttempts)
	}
	rate := l.successRateLocked(domain, protection)
	if rate < 0.1 && attempts >= 2 {
		return false, fmt.Sprintf("success rate %.2f too low after %d attempts", rate, attempts)
	}
	if attempts >= 3 && l.domainSuccessesLocked(domain) == 0 {
		return false, "no successes ever recorded for domain"
	}
	return true, ""
}

func (l *Learner) domainSuccessesLocked(domain string) int {
	n := 0
	for _, r := range l.domains[domain] {
		if r.Success {
			n++
		}
	}
	return n
}

// RecommendedWait returns the backoff before the next attempt:
// exponential in the attempt number, stretched when the success rate
// is poor, and never below the configured minimum.
func (l *Learner) RecommendedWait(domain, protection string, attempt int) time.Duration {
	l.mu.Lock()
	rate := l.successRateLocked(domain, protection)
	l.mu.Unlock()

	if attempt < 0 {
		attempt = 0
	}
	base := time.Duration(math.Min(math.Pow(2, float64(attempt)), maxBackoff.Seconds())) * time.Second
	mult := 1.0
	switch {
	case rate < 0.3:
		mult = 2.0
	case rate < 0.6:
		mult = 1.5
	}
	wait := time.Duration(float64(base) * mult)
	if wait < l.cfg.MinWait {
		wait = l.cfg.MinWait
	}
	if wait > time.Duration(float64(maxBackoff)*2.0) {
		wait = time.Duration(float64(maxBackoff) * 2.0)
	}
	return wait
}

// DomainReport summarises what the learner knows about one domain.
type DomainReport struct {
	Domain            string             `json:"domain"`
	Attempts          int                `json:"attempts"`
	Successes         int                `json:"successes"`
	SuccessRate       float64            `json:"success_rate"`
	AvgResponseTimeMs int64              `json:"avg_response_time_ms"`
	Protections       map[string]float64 `json:"protections"`
}

// GlobalReport summarises the learner's aggregate state.
type GlobalReport struct {
	Domains         int                           `json:"domains"`
	TotalAttempts   int                           `json:"total_attempts"`
	TotalSuccesses  int                           `json:"total_successes"`
	ProtectionRates map[string]float64            `json:"protection_rates"`
	Techniques      map[string]map[string]float64 `json:"techniques"`
}

// ReportDomain builds a report for one domain. ok is false when the
// domain has no history.
func (l *Learner) ReportDomain(domain string) (DomainReport, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.domains[domain]
	if len(recs) == 0 {
		return DomainReport{}, false
	}
	rep := DomainReport{Domain: domain, Protections: make(map[string]float64)}
	seen := make(map[string]bool)
	var timed int
	var totalTime time.Duration
	for _, r := range recs {
		rep.Attempts++
		if r.Success {
			rep.Successes++
		}
		if r.ResponseTime > 0 {
			timed++
			totalTime += r.ResponseTime
		}
		seen[r.Protection] = true
	}
	rep.SuccessRate = float64(rep.Successes) / float64(rep.Attempts)
	if timed > 0 {
		rep.AvgResponseTimeMs = (totalTime / time.Duration(timed)).Milliseconds()
	}
	for p := range seen {
		rep.Protections[p] = l.successRateLocked(domain, p)
	}
	return rep, true
}

// ReportGlobal builds the aggregate report.
func (l *Learner) ReportGlobal() GlobalReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	rep := GlobalReport{
		Domains:         len(l.domains),
		ProtectionRates: make(map[string]float64),
		Techniques:      make(map[string]map[string]float64),
	}
	for _, pc := range l.protection {
		rep.TotalAttempts += pc.Attempts
		rep.TotalSuccesses += pc.Successes
	}
	for p, pc := range l.protection {
		if pc.Attempts > 0 {
			rep.ProtectionRates[p] = float64(pc.Successes) / float64(pc.Attempts)
		}
	}
	for p, byTech := range l.techniques {
		cp := make(map[string]float64, len(byTech))
		for t, s := range byTech {
			cp[t] = s
		}
		rep.Techniques[p] = cp
	}
	return rep
}
