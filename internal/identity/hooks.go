package identity

import "time"

// SaveContext tells the save pipeline what changed since the last save.
type SaveContext struct {
	Now time.Time
	// PrimaryDeviceChanged triggers a security-profile refresh.
	PrimaryDeviceChanged bool
	// PrimaryDeviceTrust is the current trust score of the primary device,
	// looked up by the caller when PrimaryDeviceChanged is set.
	PrimaryDeviceTrust int
}

// RunSaveHooks executes the pre-save pipeline: refresh the security profile
// when the primary device changed, prune associations, clear expired
// quarantine, touch timestamps.
func (p *Principal) RunSaveHooks(sc SaveContext) {
	now := sc.Now
	if now.IsZero() {
		now = time.Now()
	}

	if sc.PrimaryDeviceChanged {
		p.RefreshSecurityProfile(sc.PrimaryDeviceTrust)
	}
	p.PruneDeviceAssociations()
	p.IsQuarantined(now) // lazy clear; idempotent
	p.Activity.LastSeen = now
	p.UpdatedAt = now
}

// RecordSession folds a finished session into the activity profile.
func (p *Principal) RecordSession(now time.Time, minutes float64) {
	p.Activity.Sessions++
	p.Activity.ActiveMinutes += minutes
	if p.Activity.AvgSessionMinutes == 0 {
		p.Activity.AvgSessionMinutes = minutes
	} else {
		p.Activity.AvgSessionMinutes = 0.3*minutes + 0.7*p.Activity.AvgSessionMinutes
	}
	p.Activity.LastSeen = now
}

// RecordFeatureUse bumps a feature-usage counter.
func (p *Principal) RecordFeatureUse(feature string) {
	if p.Activity.FeatureUsage == nil {
		p.Activity.FeatureUsage = map[string]int{}
	}
	p.Activity.FeatureUsage[feature]++
}
