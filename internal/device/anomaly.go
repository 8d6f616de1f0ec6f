package device

// Anomaly fast path
//
// Synchronous, CPU-only scoring run inside the save hook chain. The full
// rubric (signature consistency, timezone plausibility, GPS bucketing,
// histogram outliers) is deliberately left to the asynchronous deep
// analysis; the fast path only reacts to cheap, already-known flags.

// ApplyFastPathAnomaly recomputes the anomaly score from the current flags,
// anchored on the previous score and clamped to ±MaxAnomalyDelta per save.
// It marks the device for detailed analysis and records the queue priority.
func (d *Device) ApplyFastPathAnomaly() {
	prev := d.Anomaly.PreviousScore
	score := prev

	if d.Network.VPN || d.Network.Proxy || d.Network.Tor {
		score += 20
	}
	if d.Behavior.HumanScore < 30 {
		score += 15
	}
	if d.Location.CrossBorderActivity {
		score += 25
	}
	if d.Security.SpamSuspected {
		score += 10
	}
	if d.Security.SpoofingSuspected {
		score += 15
	}

	score = clampScore(score)
	score = smoothAnomaly(prev, score)

	d.Anomaly.Score = score
	d.Anomaly.PreviousScore = score
	d.Anomaly.NeedsDetailedAnalysis = true
	d.Anomaly.AnalysisPriority = d.analysisPriority()
}

// smoothAnomaly enforces the |Δ| ≤ MaxAnomalyDelta invariant.
func smoothAnomaly(prev, next int) int {
	if next > prev+MaxAnomalyDelta {
		return prev + MaxAnomalyDelta
	}
	if next < prev-MaxAnomalyDelta {
		return prev - MaxAnomalyDelta
	}
	return next
}

func (d *Device) analysisPriority() AnalysisPriority {
	if d.Security.RiskTier == RiskCritical {
		return PriorityCritical
	}
	if d.Anomaly.Score > 70 {
		return PriorityHigh
	}
	return PriorityMedium
}

// BumpAnomaly raises the anomaly score directly (signature drift, deep
// analysis findings). The per-save smoothing invariant still holds: the
// applied delta is clamped to MaxAnomalyDelta, and score and anchor move
// together so the jump is visible immediately.
func (d *Device) BumpAnomaly(delta int) {
	score := smoothAnomaly(d.Anomaly.Score, clampScore(d.Anomaly.Score+delta))
	d.Anomaly.Score = score
	d.Anomaly.PreviousScore = score
}
