package device

import (
	"fmt"
	"time"
)

// Trust scoring
//
// Additive signal composition in the style of a SOC risk verdict: start
// neutral, add earned reliability, subtract observed abuse, then blend with
// correlated devices when the correlation is confident enough.

// TrustScore computes the device trust score (0-100) from the current
// profiles. It is pure and is re-evaluated on every save.
func (d *Device) TrustScore(now time.Time) int {
	score := 50.0

	abuse := d.Security.Abuse
	approvalRate := 0.0
	if abuse.Submitted > 0 {
		approvalRate = float64(abuse.Approved) / float64(abuse.Submitted)
		score += approvalRate * 30
	}

	if d.Security.Validation.AccuracyRate > 80 {
		score += 20
	}
	if d.Behavior.HumanScore > 70 {
		score += 15
	}
	if d.likelyFromBangladesh() && !d.Network.VPN {
		score += 10
	}

	// Long-term reliability: only devices with real history earn it.
	accountAge := now.Sub(d.CreatedAt)
	if accountAge >= 30*24*time.Hour && abuse.Submitted >= 10 {
		score += approvalRate * 15
	}

	if abuse.Spam > 2 {
		score -= 30
	}
	if d.Security.CoordinatedAttack {
		score -= 40
	}
	if d.Threat.CrossBorderSuspicion > 70 {
		score -= 25
	}
	if d.Threat.Botnet {
		score -= 50
	}
	score -= float64(d.Anomaly.Score) * 0.5
	if d.Security.ShadowBan {
		score -= 10
	}

	// Confident cross-device correlation pulls the score toward the
	// related devices' average.
	if d.Correlation.Confidence > 70 && len(d.Correlation.RelatedDevices) > 0 {
		score = (score + d.Correlation.RelatedAverageTrust) / 2
	}

	return clampScore(int(score))
}

func (d *Device) likelyFromBangladesh() bool {
	return d.Network.Country == "BD"
}

// AssessRiskTier classifies the device from trust, threat, and anomaly.
// Tiers are evaluated in strict priority order.
func (d *Device) AssessRiskTier() RiskTier {
	trust := d.Security.TrustScore
	threat := d.Threat.Confidence
	anomaly := d.Anomaly.Score
	crossBorder := d.Threat.CrossBorderSuspicion

	switch {
	case threat > 80 || trust < 20 || d.Threat.Botnet || anomaly > 80:
		return RiskCritical
	case threat > 60 || trust < 40 || crossBorder > 70 || anomaly > 60:
		return RiskHigh
	case threat > 40 || trust < 60 || crossBorder > 40 || anomaly > 40:
		return RiskMedium
	case trust > 80 && threat < 20 && anomaly < 20:
		return RiskVeryLow
	default:
		return RiskLow
	}
}

// RebuildModeratorAlerts recomputes the dashboard alert strings from the
// current flags. Called at the end of every assessment so stale alerts
// never survive a save.
func (d *Device) RebuildModeratorAlerts() {
	alerts := d.ModeratorAlerts[:0]

	switch d.Security.RiskTier {
	case RiskCritical:
		alerts = append(alerts, "Critical Risk Device")
	case RiskHigh:
		alerts = append(alerts, "High Risk Device")
	}
	if d.Network.VPN {
		alerts = append(alerts, "VPN Detected")
	}
	if d.Network.Tor {
		alerts = append(alerts, "Tor Exit Node")
	}
	if d.Location.GPSSpoofSuspected {
		alerts = append(alerts, "GPS Spoofing Suspected")
	}
	if d.Threat.Botnet {
		alerts = append(alerts, "Botnet Participant")
	}
	if d.Security.ShadowBan {
		alerts = append(alerts, "Shadow Banned")
	}
	if d.Correlation.Confidence > 80 {
		alerts = append(alerts, "Multi-Device User")
	}

	d.ModeratorAlerts = alerts
}

// ShouldQuarantine is the auto-quarantine predicate.
func (d *Device) ShouldQuarantine() bool {
	return d.Security.RiskTier == RiskCritical ||
		d.Threat.Confidence > 85 ||
		d.Security.Abuse.Spam > 5 ||
		d.Location.GPSSpoofSuspected ||
		(d.Anomaly.Score > 90 && d.Security.TrustScore < 30)
}

// ScheduleQuarantineReview quarantines the device for the default duration
// and records a history entry flagged for automatic release.
func (d *Device) ScheduleQuarantineReview(now time.Time, reason string) {
	until := now.Add(DefaultQuarantineHr * time.Hour)
	d.Security.Quarantine = QuarantineState{
		Active: true,
		Until:  &until,
		Reason: reason,
	}
	d.AddQuarantineEvent(QuarantineEvent{
		At:          now,
		Action:      "quarantined",
		Reason:      reason,
		TriggeredBy: "auto",
		AutoRelease: true,
		Until:       &until,
	})
}

// ReleaseQuarantine clears an active quarantine on behalf of a moderator.
func (d *Device) ReleaseQuarantine(now time.Time, moderator string) {
	if !d.Security.Quarantine.Active {
		return
	}
	d.Security.Quarantine = QuarantineState{}
	d.AddQuarantineEvent(QuarantineEvent{
		At:          now,
		Action:      "released",
		Reason:      fmt.Sprintf("released by %s", moderator),
		TriggeredBy: "moderator",
	})
}

// CheckQuarantineExpiry lazily lifts an expired quarantine. Returns true
// when the device is currently quarantined.
func (d *Device) CheckQuarantineExpiry(now time.Time) bool {
	q := d.Security.Quarantine
	if !q.Active {
		return false
	}
	if q.Until != nil && !q.Until.After(now) {
		d.Security.Quarantine = QuarantineState{}
		d.AddQuarantineEvent(QuarantineEvent{
			At:          now,
			Action:      "released",
			Reason:      "quarantine deadline passed",
			TriggeredBy: "auto",
		})
		return false
	}
	return true
}

// AddQuarantineEvent prepends a history entry, evicting the oldest past the cap.
func (d *Device) AddQuarantineEvent(ev QuarantineEvent) {
	d.Security.QuarantineHistory = append([]QuarantineEvent{ev}, d.Security.QuarantineHistory...)
	if len(d.Security.QuarantineHistory) > QuarantineEventCap {
		d.Security.QuarantineHistory = d.Security.QuarantineHistory[:QuarantineEventCap]
	}
}
