package identity

import "github.com/civicsafe/backend/internal/device"

// Principal trust blend weights: the primary device's trust dominates, with
// engagement and contribution filling out the rest.
const (
	deviceTrustWeight  = 0.4
	activityWeight     = 0.3
	contributionWeight = 0.3
)

// Engagement sweet spots. Sessions much shorter look scripted, much longer
// look like an idle tab; likewise for daily frequency.
const (
	sessionSweetMin = 5.0  // minutes
	sessionSweetMax = 30.0 // minutes
	freqSweetMin    = 0.1  // sessions/day
	freqSweetMax    = 5.0  // sessions/day
)

// RefreshSecurityProfile recomputes the principal trust score as a weighted
// blend of the primary device trust, activity quality, and contribution
// quality, then reclassifies the risk tier.
func (p *Principal) RefreshSecurityProfile(primaryDeviceTrust int) {
	score := deviceTrustWeight*float64(primaryDeviceTrust) +
		activityWeight*p.ActivityQuality() +
		contributionWeight*p.ContributionQuality()

	p.Security.TrustScore = clampScore(int(score))
	p.Security.RiskTier = tierFromTrust(p.Security.TrustScore)
}

// ActivityQuality scores engagement 0-100. Accounts with no history score a
// neutral 50; established accounts earn points for human-looking session
// lengths and usage frequency.
func (p *Principal) ActivityQuality() float64 {
	if p.Activity.Sessions == 0 {
		return 50
	}

	score := 50.0

	if s := p.Activity.AvgSessionMinutes; s > 0 {
		if s >= sessionSweetMin && s <= sessionSweetMax {
			score += 25
		} else if s < sessionSweetMin {
			score -= 15 // rapid-fire sessions
		} else {
			score += 5 // long sessions are only mildly unusual
		}
	}

	ageDays := p.Activity.LastSeen.Sub(p.Activity.FirstSeen).Hours() / 24
	if ageDays >= 1 {
		freq := float64(p.Activity.Sessions) / ageDays
		if freq >= freqSweetMin && freq <= freqSweetMax {
			score += 25
		} else if freq > freqSweetMax {
			score -= 20 // hammering the platform
		}
	}

	return clampFloat(score)
}

// ContributionQuality scores what the principal has given back, 0-100.
// Neutral 50 until there is a track record.
func (p *Principal) ContributionQuality() float64 {
	c := p.Activity.Contribution
	if c.ReportsSubmitted == 0 && c.ValidationsGiven == 0 {
		return 50
	}

	score := 0.0
	if c.ReportsSubmitted > 0 {
		score += float64(c.ReportsApproved) / float64(c.ReportsSubmitted) * 60
	} else {
		score += 30 // validators without submissions start mid-range
	}
	score += c.ValidationAccuracy * 0.25
	if c.ValidationsGiven >= 10 {
		score += 15 // sustained participation
	}

	return clampFloat(score)
}

func tierFromTrust(trust int) device.RiskTier {
	switch {
	case trust < 20:
		return device.RiskCritical
	case trust < 40:
		return device.RiskHigh
	case trust < 60:
		return device.RiskMedium
	case trust > 80:
		return device.RiskVeryLow
	default:
		return device.RiskLow
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clampFloat(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
