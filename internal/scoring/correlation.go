package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/civicsafe/backend/internal/device"
)

// Correlation scoring weights for shared characteristics.
const (
	corrSameIPHash     = 40
	corrSameISP        = 10
	corrSameUserAgent  = 20
	corrSameResolution = 10
	corrCloseBehavior  = 15
	corrCoActive       = 10

	corrMinScore      = 30
	corrMaxCandidates = 20
	corrQueryLimit    = 50

	behaviorDeltaMax = 10
	coActiveWindow   = 5 * time.Minute

	correlationCacheTTL = 30 * time.Minute
)

// Candidate is a device likely operated alongside the target.
type Candidate struct {
	FingerprintID string   `json:"fingerprint_id"`
	Score         int      `json:"score"`
	Shared        []string `json:"shared"`
	TrustScore    int      `json:"trust_score"`
}

func correlationCacheKey(fingerprintID string) string {
	return "correlation:" + fingerprintID
}

// Correlate collects candidates through four independent bounded queries,
// unions them by fingerprint, and scores each against the target. Results
// are cached for 30 minutes per target.
func (e *Engine) Correlate(ctx context.Context, d *device.Device, now time.Time) []Candidate {
	var cached []Candidate
	if e.cache.GetJSON(ctx, correlationCacheKey(d.FingerprintID), &cached) {
		return cached
	}

	store := e.devices.Store()
	union := make(map[string]*device.Device)
	merge := func(list []*device.Device, err error) {
		if err != nil {
			return // a failed axis narrows the union, never fails analysis
		}
		for _, c := range list {
			if c.FingerprintID != d.FingerprintID {
				union[c.FingerprintID] = c
			}
		}
	}

	if d.Network.IPHash != "" {
		merge(store.ListDevicesByIPHash(ctx, d.Network.IPHash, corrQueryLimit))
	}
	if d.Signature.UserAgentHash != "" || d.Signature.ScreenResolution != "" {
		merge(store.ListDevicesBySignature(ctx, d.Signature.UserAgentHash, d.Signature.ScreenResolution, corrQueryLimit))
	}
	if p := d.Location.LastKnown; p != nil {
		merge(store.ListDevicesNear(ctx, p.Lng, p.Lat, e.proximityRadiusM, corrQueryLimit))
	}
	merge(store.ListDevicesByBehavior(ctx,
		d.Behavior.HumanScore-behaviorDeltaMax, d.Behavior.HumanScore+behaviorDeltaMax,
		now.Add(-24*time.Hour), corrQueryLimit))

	candidates := make([]Candidate, 0, len(union))
	for _, c := range union {
		score, shared := scoreCandidate(d, c)
		if score > corrMinScore {
			candidates = append(candidates, Candidate{
				FingerprintID: c.FingerprintID,
				Score:         score,
				Shared:        shared,
				TrustScore:    c.Security.TrustScore,
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > corrMaxCandidates {
		candidates = candidates[:corrMaxCandidates]
	}

	e.cache.SetJSON(ctx, correlationCacheKey(d.FingerprintID), candidates, correlationCacheTTL)
	return candidates
}

// scoreCandidate sums the weighted shared-characteristic contributions.
func scoreCandidate(target, c *device.Device) (int, []string) {
	score := 0
	var shared []string

	if target.Network.IPHash != "" && target.Network.IPHash == c.Network.IPHash {
		score += corrSameIPHash
		shared = append(shared, "ip_hash")
	}
	if target.Network.ISP != "" && target.Network.ISP == c.Network.ISP {
		score += corrSameISP
		shared = append(shared, "isp")
	}
	if target.Signature.UserAgent != "" && target.Signature.UserAgent == c.Signature.UserAgent {
		score += corrSameUserAgent
		shared = append(shared, "user_agent")
	}
	if target.Signature.ScreenResolution != "" && target.Signature.ScreenResolution == c.Signature.ScreenResolution {
		score += corrSameResolution
		shared = append(shared, "screen_resolution")
	}
	if delta := target.Behavior.HumanScore - c.Behavior.HumanScore; delta > -behaviorDeltaMax && delta < behaviorDeltaMax {
		score += corrCloseBehavior
		shared = append(shared, "behavior")
	}
	if tp, cp := target.Location.LastKnown, c.Location.LastKnown; tp != nil && cp != nil {
		dist := device.HaversineMeters(tp.Lng, tp.Lat, cp.Lng, cp.Lat)
		if contribution := 15 - int(dist/100); contribution > 0 {
			score += contribution
			shared = append(shared, "proximity")
		}
	}
	if gap := target.LastSeen.Sub(c.LastSeen); gap > -coActiveWindow && gap < coActiveWindow {
		score += corrCoActive
		shared = append(shared, "co_active")
	}

	return score, shared
}

// applyCorrelation merges the correlation result onto the device profile.
func applyCorrelation(d *device.Device, candidates []Candidate, now time.Time) {
	related := make([]string, 0, len(candidates))
	sharedSet := make(map[string]bool)
	trustSum := 0
	confidence := 0
	for _, c := range candidates {
		related = append(related, c.FingerprintID)
		trustSum += c.TrustScore
		if c.Score > confidence {
			confidence = c.Score
		}
		for _, s := range c.Shared {
			sharedSet[s] = true
		}
	}
	if confidence > 100 {
		confidence = 100
	}

	d.Correlation.RelatedDevices = related
	d.Correlation.Confidence = confidence
	d.Correlation.UpdatedAt = now
	if len(candidates) > 0 {
		d.Correlation.RelatedAverageTrust = float64(trustSum) / float64(len(candidates))
	} else {
		d.Correlation.RelatedAverageTrust = 0
	}

	shared := make([]string, 0, len(sharedSet))
	for s := range sharedSet {
		shared = append(shared, s)
	}
	sort.Strings(shared)
	d.Correlation.SharedCharacteristics = shared
}
