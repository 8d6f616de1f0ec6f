package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsafe/backend/internal/device"
)

func TestScoreCandidateWeights(t *testing.T) {
	target := device.New("fp-t", testNow)
	target.LastSeen = testNow
	target.Network.IPHash = "aaaa"
	target.Network.ISP = "GrameenNet"
	target.Signature.UserAgent = "Mozilla/5.0"
	target.Signature.ScreenResolution = "1920x1080"
	target.Behavior.HumanScore = 40
	target.Location.LastKnown = &device.GeoPoint{Lng: 90.4125, Lat: 23.8103, At: testNow}

	t.Run("full overlap", func(t *testing.T) {
		c := device.New("fp-c", testNow)
		c.LastSeen = testNow.Add(time.Minute) // inside the co-active window
		c.Network.IPHash = "aaaa"
		c.Network.ISP = "GrameenNet"
		c.Signature.UserAgent = "Mozilla/5.0"
		c.Signature.ScreenResolution = "1920x1080"
		c.Behavior.HumanScore = 45
		c.Location.LastKnown = &device.GeoPoint{Lng: 90.4125, Lat: 23.8103, At: testNow}

		score, shared := scoreCandidate(target, c)
		// 40 + 10 + 20 + 10 + 15 + 15 (zero distance) + 10 = 120
		assert.Equal(t, 120, score)
		assert.ElementsMatch(t, []string{
			"ip_hash", "isp", "user_agent", "screen_resolution",
			"behavior", "proximity", "co_active",
		}, shared)
	})

	t.Run("no overlap", func(t *testing.T) {
		c := device.New("fp-far", testNow)
		c.LastSeen = testNow.Add(-time.Hour)
		c.Network.IPHash = "bbbb"
		c.Behavior.HumanScore = 90
		score, shared := scoreCandidate(target, c)
		assert.Equal(t, 0, score)
		assert.Empty(t, shared)
	})

	t.Run("proximity decays with distance", func(t *testing.T) {
		c := device.New("fp-near", testNow)
		c.LastSeen = testNow.Add(-time.Hour)
		c.Behavior.HumanScore = 90
		// ~1.1 km away: contribution 15 - 11 = 4.
		c.Location.LastKnown = &device.GeoPoint{Lng: 90.4125, Lat: 23.8103 + 0.01, At: testNow}
		score, shared := scoreCandidate(target, c)
		assert.Equal(t, 4, score)
		assert.Equal(t, []string{"proximity"}, shared)
	})

	t.Run("behavior delta boundary", func(t *testing.T) {
		c := device.New("fp-b", testNow)
		c.LastSeen = testNow.Add(-time.Hour)
		c.Behavior.HumanScore = 50 // delta exactly 10 does not count
		score, _ := scoreCandidate(target, c)
		assert.Equal(t, 0, score)

		c.Behavior.HumanScore = 49
		score, _ = scoreCandidate(target, c)
		assert.Equal(t, 15, score)
	})
}

func TestCorrelateFiltersAndSorts(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	target := device.New("fp-target", testNow)
	target.LastSeen = testNow
	target.Network.IPHash = "aaaa"
	target.Behavior.HumanScore = 40

	// Strong candidate: same IP, close behavior, co-active.
	strong := device.New("fp-strong", testNow)
	strong.LastSeen = testNow
	strong.Network.IPHash = "aaaa"
	strong.Behavior.HumanScore = 42
	require.NoError(t, s.SaveDevice(ctx, strong))

	// Weak candidate: behavior similarity alone (15 + 10 co-active = 25 ≤ 30).
	weak := device.New("fp-weak", testNow)
	weak.LastSeen = testNow
	weak.Network.IPHash = "cccc"
	weak.Behavior.HumanScore = 38
	require.NoError(t, s.SaveDevice(ctx, weak))

	candidates := e.Correlate(ctx, target, testNow)
	require.Len(t, candidates, 1)
	assert.Equal(t, "fp-strong", candidates[0].FingerprintID)
	// 40 (ip) + 15 (behavior) + 10 (co-active) = 65
	assert.Equal(t, 65, candidates[0].Score)
}

func TestCorrelateServesFromCache(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	target := device.New("fp-target", testNow)
	target.LastSeen = testNow
	target.Network.IPHash = "aaaa"
	target.Behavior.HumanScore = 40

	peer := device.New("fp-peer", testNow)
	peer.LastSeen = testNow
	peer.Network.IPHash = "aaaa"
	peer.Behavior.HumanScore = 40
	require.NoError(t, s.SaveDevice(ctx, peer))

	first := e.Correlate(ctx, target, testNow)
	require.Len(t, first, 1)

	// A new peer appears, but the cached result still answers.
	late := device.New("fp-late", testNow)
	late.LastSeen = testNow
	late.Network.IPHash = "aaaa"
	late.Behavior.HumanScore = 40
	require.NoError(t, s.SaveDevice(ctx, late))

	second := e.Correlate(ctx, target, testNow)
	assert.Len(t, second, 1)
}

func TestApplyCorrelationAggregates(t *testing.T) {
	d := device.New("fp", testNow)
	applyCorrelation(d, []Candidate{
		{FingerprintID: "fp-a", Score: 75, Shared: []string{"ip_hash", "behavior"}, TrustScore: 20},
		{FingerprintID: "fp-b", Score: 40, Shared: []string{"behavior"}, TrustScore: 60},
	}, testNow)

	assert.Equal(t, []string{"fp-a", "fp-b"}, d.Correlation.RelatedDevices)
	assert.Equal(t, 75, d.Correlation.Confidence)
	assert.Equal(t, 40.0, d.Correlation.RelatedAverageTrust)
	assert.Equal(t, []string{"behavior", "ip_hash"}, d.Correlation.SharedCharacteristics)

	applyCorrelation(d, nil, testNow)
	assert.Empty(t, d.Correlation.RelatedDevices)
	assert.Equal(t, 0, d.Correlation.Confidence)
}
