package scoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/notify"
	"github.com/civicsafe/backend/internal/report"
)

// Deep-analysis rubric weights. The fast path reacts only to cheap flags;
// this is the fuller documented target evaluated off the request path.
const (
	weightSignature = 0.30
	weightNetwork   = 0.25
	weightBehavior  = 0.20
	weightLocation  = 0.15
	weightTemporal  = 0.10
)

// deepAnalysisInterval schedules the next routine pass for a device.
const deepAnalysisInterval = 6 * time.Hour

// AnalyzeDevice runs the full deep analysis for one device: cross-device
// correlation, the complete anomaly rubric, and the threat-intelligence
// assessment, then persists through the optimistic-write loop.
func (e *Engine) AnalyzeDevice(ctx context.Context, fingerprintID string, now time.Time) error {
	d, err := e.devices.FindByFingerprint(ctx, fingerprintID)
	if err != nil {
		return fmt.Errorf("deep analysis load %s: %w", fingerprintID, err)
	}

	// Candidate queries run outside the write loop; only the merge happens
	// under optimistic concurrency.
	correlation := e.Correlate(ctx, d, now)
	recent, err := e.reports.ListReports(ctx, report.Filter{DeviceID: fingerprintID, Limit: 50})
	if err != nil {
		recent = nil // threat assessment degrades to device-only signals
	}

	updated, err := e.devices.Update(ctx, fingerprintID, false, func(d *device.Device) error {
		applyCorrelation(d, correlation, now)
		assessThreat(d, recent, now)

		target := deepAnomalyScore(d, now)
		d.BumpAnomaly(target - d.Anomaly.Score)

		d.Anomaly.NeedsDetailedAnalysis = false
		d.Anomaly.ProcessingInProgress = false
		last := now
		d.Anomaly.LastDeepAnalysis = &last
		next := now.Add(deepAnalysisInterval)
		d.Anomaly.NextScheduledAnalysis = &next
		return nil
	})
	if err != nil {
		return err
	}

	if updated.ShouldQuarantine() && !updated.Security.Quarantine.Active {
		if _, err := e.devices.Update(ctx, fingerprintID, false, func(d *device.Device) error {
			d.ScheduleQuarantineReview(now, "deep analysis risk assessment")
			return nil
		}); err != nil {
			return fmt.Errorf("quarantine after deep analysis: %w", err)
		}
		if e.metrics != nil {
			e.metrics.QuarantinesTriggered.WithLabelValues("device").Inc()
		}
	}

	if updated.Security.RiskTier == device.RiskHigh || updated.Security.RiskTier == device.RiskCritical {
		e.emit(ctx, notify.Event{
			Type: notify.EventHighRiskDevice,
			At:   now,
			Payload: map[string]any{
				"fingerprint": updated.FingerprintID,
				"risk_tier":   updated.Security.RiskTier,
				"trust":       updated.Security.TrustScore,
				"anomaly":     updated.Anomaly.Score,
			},
		})
	}
	return nil
}

// deepAnomalyScore evaluates the full rubric, 0-100. Each component scores
// how anomalous that axis currently looks.
func deepAnomalyScore(d *device.Device, now time.Time) int {
	score := weightSignature*signatureConsistency(d) +
		weightNetwork*networkSuspicion(d) +
		weightBehavior*behaviorSuspicion(d) +
		weightLocation*locationSuspicion(d) +
		weightTemporal*temporalSuspicion(d)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(score)
}

// signatureConsistency checks the fingerprint surface for internal
// contradictions and recent drift.
func signatureConsistency(d *device.Device) float64 {
	score := 0.0
	sig := d.Signature

	if d.PreviousSignature != nil {
		score += 30 // identifying fields changed at least once
	}
	if sig.Platform != "" && sig.UserAgent != "" && !strings.Contains(strings.ToLower(sig.UserAgent), strings.ToLower(sig.Platform)) {
		score += 25
	}
	if !timezoneLanguagePlausible(sig.Timezone, sig.Languages) {
		score += 25
	}
	if sig.HardwareConcurrency > 64 || (sig.DeviceMemoryGB > 0 && sig.DeviceMemoryGB < 0.5) {
		score += 20 // headless or spoofed hardware values
	}
	return score
}

// timezoneLanguagePlausible accepts the empty case; only a populated,
// contradictory pair counts against the device.
func timezoneLanguagePlausible(timezone string, languages []string) bool {
	if timezone == "" || len(languages) == 0 {
		return true
	}
	if !strings.HasPrefix(timezone, "Asia/") {
		// Outside the region: any language set is as plausible as another.
		return true
	}
	for _, lang := range languages {
		l := strings.ToLower(lang)
		if strings.HasPrefix(l, "bn") || strings.HasPrefix(l, "en") || strings.HasPrefix(l, "hi") || strings.HasPrefix(l, "ur") {
			return true
		}
	}
	return false
}

func networkSuspicion(d *device.Device) float64 {
	score := 0.0
	if d.Network.Tor {
		score += 50
	}
	if d.Network.VPN {
		score += 35
	}
	if d.Network.Proxy {
		score += 30
	}
	score += float64(len(d.Network.SuspiciousHeaders)) * 10
	if score > 100 {
		score = 100
	}
	return score
}

func behaviorSuspicion(d *device.Device) float64 {
	// HumanScore is human-likeness; invert it.
	return float64(100 - d.Behavior.HumanScore)
}

// locationSuspicion buckets GPS accuracy and counts jumps.
func locationSuspicion(d *device.Device) float64 {
	score := 0.0
	switch acc := d.Location.GPSAccuracyM; {
	case acc == 0:
		// no GPS data, neutral
	case acc < 5:
		score += 20 // implausibly perfect, often synthesized
	case acc > 5000:
		score += 30
	case acc > 1000:
		score += 15
	}
	if d.Location.GPSSpoofSuspected {
		score += 40
	}
	if d.Location.CrossBorderActivity {
		score += 25
	}
	score += float64(d.Location.LocationJumps) * 5
	if score > 100 {
		score = 100
	}
	return score
}

// temporalSuspicion looks for histogram outliers: submissions funneled
// through a narrow time slice.
func temporalSuspicion(d *device.Device) float64 {
	total := d.Submissions.Total
	if total < 10 {
		return 0
	}
	max := 0
	for _, n := range d.Submissions.Hourly {
		if n > max {
			max = n
		}
	}
	concentration := float64(max) / float64(total)
	score := 0.0
	if concentration > 0.5 {
		score += 60
	} else if concentration > 0.3 {
		score += 30
	}
	if d.Submissions.SuspiciousTimePattern {
		score += 40
	}
	if score > 100 {
		score = 100
	}
	return score
}

// assessThreat rebuilds the threat-intelligence profile from the device's
// current signals and its recent report history.
func assessThreat(d *device.Device, recent []*report.Report, now time.Time) {
	var patterns []string
	confidence := 0

	similarity := contentSimilarity(recent)
	d.Threat.ContentSimilarity = similarity
	if similarity > 70 {
		patterns = append(patterns, "duplicate_content")
		confidence += 30
	}

	d.Threat.ReportingFrequency = frequencyLabel(d.Behavior.ReportsPerDay)
	if d.Behavior.ReportsPerDay > 20 {
		patterns = append(patterns, "extreme_reporting_rate")
		confidence += 25
	}

	if d.Location.CrossBorderActivity {
		cb := d.Threat.CrossBorderSuspicion
		if cb < 50 {
			cb = 50
		}
		cb += d.Location.LocationJumps * 5
		if cb > 100 {
			cb = 100
		}
		d.Threat.CrossBorderSuspicion = cb
		patterns = append(patterns, "cross_border_activity")
		confidence += 20
	}

	if d.Security.CoordinatedAttack {
		d.Threat.MassCampaign = true
		patterns = append(patterns, "coordinated_campaign")
		confidence += 35
	}

	if d.Behavior.HumanScore < 20 && d.Submissions.Total > 10 {
		d.Threat.Botnet = true
		patterns = append(patterns, "automation_signature")
		confidence += 40
	}

	if confidence > 100 {
		confidence = 100
	}
	d.Threat.Patterns = patterns
	d.Threat.Confidence = confidence
	d.Threat.LastAssessment = now
	if confidence > 0 {
		d.Threat.Sources = appendUnique(d.Threat.Sources, "deep_analysis")
	}
	if d.Threat.Botnet || confidence > 85 {
		d.Threat.Mitigations = appendUnique(d.Threat.Mitigations, "quarantine_review")
	}
}

// contentSimilarity measures how much of the device's recent output is the
// same text: the share of reports whose content hash repeats, 0-100.
func contentSimilarity(recent []*report.Report) int {
	if len(recent) < 2 {
		return 0
	}
	counts := make(map[string]int)
	for _, r := range recent {
		if r.Dedup.ContentHash != "" {
			counts[r.Dedup.ContentHash]++
		}
	}
	dupes := 0
	for _, n := range counts {
		if n > 1 {
			dupes += n
		}
	}
	return dupes * 100 / len(recent)
}

func frequencyLabel(perDay float64) string {
	switch {
	case perDay > 20:
		return "extreme"
	case perDay > 5:
		return "high"
	case perDay > 0.5:
		return "normal"
	default:
		return "low"
	}
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

// BatchReassess re-runs trust and risk for a set of devices through the
// save pipeline. Used by analytics-tier batch jobs.
func (e *Engine) BatchReassess(ctx context.Context, fingerprints []string) (updated int, firstErr error) {
	for _, fp := range fingerprints {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		if _, err := e.devices.Update(ctx, fp, false, func(*device.Device) error { return nil }); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("reassess %s: %w", fp, err)
			}
			continue
		}
		updated++
	}
	return updated, firstErr
}
