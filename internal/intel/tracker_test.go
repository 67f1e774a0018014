package intel

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/types"
)

func newTracker(mutate func(*config.IntelConfig)) (*Tracker, *time.Time) {
	cfg := config.DefaultConfig().Intel
	if mutate != nil {
		mutate(&cfg)
	}
	t := New(cfg, 3, "example.com", slog.Default())
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	t.now = func() time.Time { return clock }
	return t, &clock
}

func TestPuppeteerRecommendation(t *testing.T) {
	tr, clock := newTracker(nil)

	// Three resets inside ten minutes: still below the trigger.
	for i := 0; i < 3; i++ {
		tr.RecordFailure(types.KindTCPReset)
		*clock = clock.Add(time.Minute)
	}
	assert.False(t, tr.PuppeteerRecommended())

	// The fourth crosses the threshold.
	tr.RecordFailure(types.KindTCPReset)
	assert.True(t, tr.PuppeteerRecommended())

	snap := tr.Snapshot()
	assert.Equal(t, PuppeteerReason, snap.PuppeteerReason)
	assert.Equal(t, int64(4), snap.EconnresetCount)
	assert.Equal(t, int64(4), snap.FailureCounts[string(types.KindTCPReset)])
}

func TestPuppeteerWindowExpires(t *testing.T) {
	tr, clock := newTracker(nil)

	// Resets spread further apart than the window never accumulate.
	for i := 0; i < 6; i++ {
		tr.RecordFailure(types.KindTCPReset)
		*clock = clock.Add(11 * time.Minute)
	}
	assert.False(t, tr.PuppeteerRecommended())
}

func TestConnectivityFatal(t *testing.T) {
	tr, clock := newTracker(nil)

	for i := 0; i < 4; i++ {
		tr.RecordFailure(types.KindDNS)
		*clock = clock.Add(20 * time.Second)
	}
	assert.Nil(t, tr.Fatal(), "four failures over 80s: tries not yet met")

	tr.RecordFailure(types.KindTLS)
	fatal := tr.Fatal()
	require.NotNil(t, fatal)
	assert.Equal(t, types.FatalConnectivity, fatal.Reason)
}

func TestConnectivityStreakResetsOnSuccess(t *testing.T) {
	tr, clock := newTracker(nil)

	for i := 0; i < 4; i++ {
		tr.RecordFailure(types.KindDNS)
		*clock = clock.Add(20 * time.Second)
	}
	tr.RecordHTTPStatus(200, false)

	tr.RecordFailure(types.KindDNS)
	assert.Nil(t, tr.Fatal(), "a success must restart the streak")
}

func TestBlockedOrEmptyFatal(t *testing.T) {
	tr, _ := newTracker(func(c *config.IntelConfig) { c.BlockedSample = 10 })

	// Early 404s on a fresh crawl must not kill it.
	for i := 0; i < 5; i++ {
		tr.RecordHTTPStatus(404, false)
	}
	assert.Nil(t, tr.Fatal())

	// A full window at >90% blocked does.
	for i := 0; i < 10; i++ {
		tr.RecordHTTPStatus(403, false)
	}
	fatal := tr.Fatal()
	require.NotNil(t, fatal)
	assert.Equal(t, types.FatalBlockedOrEmpty, fatal.Reason)
}

func TestBlockedRatioBelowThresholdSurvives(t *testing.T) {
	tr, _ := newTracker(func(c *config.IntelConfig) { c.BlockedSample = 10 })

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			tr.RecordHTTPStatus(404, false)
		} else {
			tr.RecordHTTPStatus(200, false)
		}
	}
	assert.Nil(t, tr.Fatal())
}

func TestTemplatePromotion(t *testing.T) {
	tr, _ := newTracker(nil)

	tr.ObserveTemplate("/world/{slug}")
	tr.ObserveTemplate("/world/{slug}")
	assert.Empty(t, tr.VerifiedTemplates(), "below k")

	tr.ObserveTemplate("/world/{slug}")
	assert.Equal(t, []string{"/world/{slug}"}, tr.VerifiedTemplates())

	// Further sightings raise the evidence, not the count of templates.
	tr.ObserveTemplate("/world/{slug}")
	snap := tr.Snapshot()
	require.Len(t, snap.Templates, 1)
	assert.Equal(t, 4, snap.Templates[0].Verified)
}

func TestSetFatalKeepsMoreSevere(t *testing.T) {
	tr, _ := newTracker(nil)

	tr.SetFatal(types.FatalConnectivity, "no route")
	tr.SetFatal(types.FatalWatchdogExhausted, "restart budget spent")

	fatal := tr.Fatal()
	require.NotNil(t, fatal)
	assert.Equal(t, types.FatalConnectivity, fatal.Reason, "lower severity must not override")
}

func TestMergeCommutativeIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	a := types.IntelligenceState{
		Domain:          "example.com",
		FailureCounts:   map[string]int64{"tcp_reset": 4, "timeout": 1},
		EconnresetCount: 4,
		Templates:       []types.Template{{Pattern: "/world/{slug}", Verified: 3, Confidence: 0.3}},
		LastUpdatedAt:   now,
	}
	b := types.IntelligenceState{
		Domain:               "example.com",
		FailureCounts:        map[string]int64{"tcp_reset": 2, "dns": 7},
		EconnresetCount:      2,
		PuppeteerRecommended: true,
		PuppeteerReason:      PuppeteerReason,
		Templates: []types.Template{
			{Pattern: "/world/{slug}", Verified: 5, Confidence: 0.5},
			{Pattern: "/news/{date}/{slug}", Verified: 3, Confidence: 0.3},
		},
		Fatal:         &types.FatalState{Reason: types.FatalBlockedOrEmpty, Message: "blocked", DetectedAt: now},
		LastUpdatedAt: now.Add(time.Minute),
	}

	ab := merge(a, b)
	ba := merge(b, a)
	assert.Equal(t, ab, ba, "merge must be commutative")

	assert.Equal(t, int64(4), ab.FailureCounts["tcp_reset"], "counters take the max")
	assert.Equal(t, int64(7), ab.FailureCounts["dns"])
	assert.Equal(t, int64(4), ab.EconnresetCount)
	assert.True(t, ab.PuppeteerRecommended)
	require.Len(t, ab.Templates, 2)
	for _, tpl := range ab.Templates {
		if tpl.Pattern == "/world/{slug}" {
			assert.Equal(t, 5, tpl.Verified, "strongest evidence wins")
		}
	}
	require.NotNil(t, ab.Fatal)
	assert.Equal(t, types.FatalBlockedOrEmpty, ab.Fatal.Reason)

	assert.Equal(t, ab, merge(ab, ab), "merge must be idempotent")
	assert.Equal(t, ab, merge(ab, b), "re-delivery must not inflate counters")
}

func TestMergeFatalSeverity(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	watchdog := &types.FatalState{Reason: types.FatalWatchdogExhausted, DetectedAt: now}
	connectivity := &types.FatalState{Reason: types.FatalConnectivity, DetectedAt: now.Add(time.Hour)}

	got := mergeFatal(watchdog, connectivity)
	require.NotNil(t, got)
	assert.Equal(t, types.FatalConnectivity, got.Reason)

	got = mergeFatal(connectivity, watchdog)
	require.NotNil(t, got)
	assert.Equal(t, types.FatalConnectivity, got.Reason)

	// Same reason: earliest detection is authoritative.
	early := &types.FatalState{Reason: types.FatalConnectivity, DetectedAt: now}
	late := &types.FatalState{Reason: types.FatalConnectivity, DetectedAt: now.Add(time.Hour)}
	assert.Equal(t, now, mergeFatal(early, late).DetectedAt)
	assert.Equal(t, now, mergeFatal(late, early).DetectedAt)
}

func TestRestoreMerges(t *testing.T) {
	tr, _ := newTracker(nil)
	tr.RecordFailure(types.KindTimeout)

	tr.Restore(&types.IntelligenceState{
		Domain:               "example.com",
		FailureCounts:        map[string]int64{"timeout": 5},
		PuppeteerRecommended: true,
		PuppeteerReason:      PuppeteerReason,
		Templates:            []types.Template{{Pattern: "/world/{slug}", Verified: 3, Confidence: 0.3}},
	})

	snap := tr.Snapshot()
	assert.Equal(t, int64(5), snap.FailureCounts["timeout"])
	assert.True(t, tr.PuppeteerRecommended())
	assert.Equal(t, []string{"/world/{slug}"}, tr.VerifiedTemplates())
}
