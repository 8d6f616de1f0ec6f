package device

import "time"

// Save hook chain
//
// Mirrors the persistence layer's pre-save hooks as pure functions so every
// invariant is unit-testable without a store. Order is fixed: trust → risk →
// anomaly smoothing → alerts rebuild.

// SaveContext tells the hook chain what changed since the last save.
type SaveContext struct {
	Now time.Time
	// IsNew marks a device being persisted for the first time.
	IsNew bool
	// ProfilesModified is set when security, network, behavior, location, or
	// signature state changed; the anomaly fast path only runs then.
	ProfilesModified bool
}

// RunSaveHooks executes the full pre-save chain. Callers persist the device
// immediately afterwards.
func (d *Device) RunSaveHooks(sc SaveContext) {
	now := sc.Now
	if now.IsZero() {
		now = time.Now()
	}

	d.Security.TrustScore = d.TrustScore(now)
	d.Security.RiskTier = d.AssessRiskTier()

	if sc.IsNew || sc.ProfilesModified {
		d.ApplyFastPathAnomaly()
		// Anomaly feeds the tier; reassess so the persisted tier is consistent.
		d.Security.RiskTier = d.AssessRiskTier()
	}

	d.TrimValidationHistory()
	d.CheckQuarantineExpiry(now)
	d.RebuildModeratorAlerts()
}
