// Package intel accumulates per-domain failure evidence and turns it into
// actionable state: a browser-rendering recommendation, learned URL
// templates, and fatal conditions that stop the worker for good.
package intel

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/types"
)

// PuppeteerReason is the canonical explanation attached to a rendering
// recommendation triggered by connection resets.
const PuppeteerReason = "persistent connection resets suggest JS/anti-bot rendering"

// Tracker is the per-domain intelligence accumulator. All methods are
// safe for concurrent use; the worker records, the HTTP surface reads.
type Tracker struct {
	cfg    config.IntelConfig
	logger *slog.Logger

	mu    sync.Mutex
	state types.IntelligenceState

	resetTimes []time.Time // tcp_reset sightings inside the sliding window

	connStreak int       // consecutive dns/tls failures
	connFirst  time.Time // start of the current connectivity streak

	// Ring of recent fetch outcomes for the blocked-or-empty check.
	outcomes    []bool // true = blocked (4xx or empty body)
	outcomeHead int
	outcomeLen  int

	templateObs map[string]int // pattern -> successful 2xx sightings
	templateK   int            // sightings needed to promote a pattern

	now func() time.Time
}

// New builds a tracker for domain. templateK is the number of confirmed
// sightings a URL pattern needs before promotion (the analyzer's k).
func New(cfg config.IntelConfig, templateK int, domain string, logger *slog.Logger) *Tracker {
	if templateK <= 0 {
		templateK = 3
	}
	return &Tracker{
		cfg:       cfg,
		templateK: templateK,
		logger:    logger.With("component", "intel"),
		state: types.IntelligenceState{
			Domain:        domain,
			FailureCounts: make(map[string]int64),
		},
		outcomes:    make([]bool, cfg.BlockedSample),
		templateObs: make(map[string]int),
		now:         time.Now,
	}
}

// Restore seeds the tracker from a persisted snapshot, merging rather
// than overwriting so restarts never lose evidence.
func (t *Tracker) Restore(saved *types.IntelligenceState) {
	if saved == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = merge(t.state, *saved)
	for _, tpl := range t.state.Templates {
		if t.templateObs[tpl.Pattern] < tpl.Verified {
			t.templateObs[tpl.Pattern] = tpl.Verified
		}
	}
}

// RecordFailure ingests one failed fetch attempt.
func (t *Tracker) RecordFailure(kind types.ErrorKind) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.FailureCounts[string(kind)]++
	t.state.LastUpdatedAt = now

	switch kind {
	case types.KindTCPReset:
		t.state.EconnresetCount++
		t.resetTimes = append(t.resetTimes, now)
		t.pruneResets(now)
		if !t.state.PuppeteerRecommended && len(t.resetTimes) > t.cfg.ResetThreshold {
			t.state.PuppeteerRecommended = true
			t.state.PuppeteerReason = PuppeteerReason
			t.logger.Warn("recommending browser rendering",
				"resets_in_window", len(t.resetTimes), "window", t.cfg.ResetWindow)
		}
	case types.KindDNS, types.KindTLS:
		if t.connStreak == 0 {
			t.connFirst = now
		}
		t.connStreak++
		if t.state.Fatal == nil &&
			t.connStreak >= t.cfg.ConnectivityTries &&
			now.Sub(t.connFirst) >= t.cfg.ConnectivityAfter {
			t.setFatalLocked(types.FatalConnectivity, fmt.Sprintf(
				"dns/tls failing for %s across %d attempts", now.Sub(t.connFirst).Round(time.Second), t.connStreak), now)
		}
	}

	t.recordOutcomeLocked(false, now)
}

// RecordHTTPStatus ingests the status of a completed HTTP exchange.
// 2xx clears the connectivity streak; 4xx feeds the blocked detector.
func (t *Tracker) RecordHTTPStatus(status int, emptyBody bool) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.LastUpdatedAt = now
	if status >= 200 && status < 300 {
		t.connStreak = 0
		t.recordOutcomeLocked(emptyBody, now)
		return
	}
	if status >= 400 && status < 500 {
		t.state.FailureCounts[string(types.KindHTTP4xx)]++
	}
	t.recordOutcomeLocked(status >= 400 && status < 500, now)
}

func (t *Tracker) recordOutcomeLocked(blocked bool, now time.Time) {
	if len(t.outcomes) == 0 {
		return
	}
	t.outcomes[t.outcomeHead] = blocked
	t.outcomeHead = (t.outcomeHead + 1) % len(t.outcomes)
	if t.outcomeLen < len(t.outcomes) {
		t.outcomeLen++
	}

	// The detector only fires once the sample is full, so a handful of
	// early 404s cannot kill a fresh crawl.
	if t.state.Fatal != nil || t.outcomeLen < len(t.outcomes) {
		return
	}
	blockedCount := 0
	for _, b := range t.outcomes {
		if b {
			blockedCount++
		}
	}
	ratio := float64(blockedCount) / float64(len(t.outcomes))
	if ratio > t.cfg.BlockedRatio {
		t.setFatalLocked(types.FatalBlockedOrEmpty, fmt.Sprintf(
			"%.0f%% of the last %d fetches were blocked or empty", ratio*100, len(t.outcomes)), now)
	}
}

// ObserveTemplate counts a successful 2xx page whose path generalized to
// pattern; at the promotion threshold the pattern becomes a verified
// template shared with the fleet.
func (t *Tracker) ObserveTemplate(pattern string) {
	if pattern == "" {
		return
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.templateObs[pattern]++
	n := t.templateObs[pattern]
	if n < t.templateK {
		return
	}

	for i := range t.state.Templates {
		if t.state.Templates[i].Pattern == pattern {
			t.state.Templates[i].Verified = n
			t.state.Templates[i].Confidence = confidence(n)
			t.state.LastUpdatedAt = now
			return
		}
	}
	t.state.Templates = append(t.state.Templates, types.Template{
		Pattern:    pattern,
		Verified:   n,
		Confidence: confidence(n),
	})
	t.state.LastUpdatedAt = now
	t.logger.Info("template promoted", "pattern", pattern, "verified", n)
}

func confidence(verified int) float64 {
	c := float64(verified) / 10
	if c > 1 {
		c = 1
	}
	return c
}

// SetFatal forces a fatal state, used by the watchdog when its restart
// budget runs out. A more severe existing reason is kept.
func (t *Tracker) SetFatal(reason types.FatalReason, message string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Fatal != nil && t.state.Fatal.Reason.Severity() >= reason.Severity() {
		return
	}
	t.setFatalLocked(reason, message, now)
}

func (t *Tracker) setFatalLocked(reason types.FatalReason, message string, now time.Time) {
	t.state.Fatal = &types.FatalState{
		Reason:     reason,
		Message:    message,
		DetectedAt: now,
	}
	t.state.LastUpdatedAt = now
	t.logger.Error("fatal state", "reason", reason, "message", message)
}

// Fatal returns the current fatal state, or nil.
func (t *Tracker) Fatal() *types.FatalState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Fatal == nil {
		return nil
	}
	f := *t.state.Fatal
	return &f
}

// PuppeteerRecommended reports whether fetches should render in a browser.
func (t *Tracker) PuppeteerRecommended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.PuppeteerRecommended
}

// VerifiedTemplates returns the promoted URL patterns.
func (t *Tracker) VerifiedTemplates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.state.Templates))
	for _, tpl := range t.state.Templates {
		out = append(out, tpl.Pattern)
	}
	return out
}

// Snapshot deep-copies the current state for persistence or export.
func (t *Tracker) Snapshot() types.IntelligenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyState(t.state)
}

// MergeRemote folds a peer worker's state into this tracker.
func (t *Tracker) MergeRemote(remote types.IntelligenceState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = merge(t.state, remote)
	for _, tpl := range t.state.Templates {
		if t.templateObs[tpl.Pattern] < tpl.Verified {
			t.templateObs[tpl.Pattern] = tpl.Verified
		}
	}
}

func (t *Tracker) pruneResets(now time.Time) {
	cut := now.Add(-t.cfg.ResetWindow)
	i := 0
	for i < len(t.resetTimes) && t.resetTimes[i].Before(cut) {
		i++
	}
	t.resetTimes = t.resetTimes[i:]
}
