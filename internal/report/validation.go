package report

import "time"

// Community validation promotion thresholds.
const (
	verifyTrustThreshold = 80.0
	reviewTrustThreshold = 20.0
)

// RequirementsFor computes how many community validators a report needs
// before automatic promotion. The minimum scales with severity and
// female-sensitive types raise it by one (and require female validators).
func RequirementsFor(t Type, severity int) ValidatorRequirements {
	var minimum int
	switch {
	case severity >= 5:
		minimum = 5
	case severity >= 3:
		minimum = 4
	default:
		minimum = 3
	}
	req := ValidatorRequirements{Minimum: minimum}
	if FemaleSensitive(t) {
		req.Minimum++
		req.FemaleRequired = true
	}
	return req
}

// AddCommunityValidation records one validator's verdict, recomputes the
// weighted trust score, and applies the automatic status transitions on
// approved reports. Returns the status the report moved to, or the current
// status when nothing changed.
func (r *Report) AddCommunityValidation(positive bool, now time.Time) Status {
	if positive {
		r.Validation.Positive++
	} else {
		r.Validation.Negative++
	}
	r.Validation.Validators++
	r.recomputeValidationTrust()
	r.UpdatedAt = now

	if r.Moderation.Status != StatusApproved {
		return r.Moderation.Status
	}

	min := r.Validation.Requirements.Minimum
	switch {
	case r.Validation.Positive >= min && r.Validation.TrustScore >= verifyTrustThreshold:
		r.Moderation.Status = StatusVerified
		r.Moderation.Reason = "community verified"
		r.Moderation.DecidedAt = &now
	case r.Validation.Negative >= min || r.Validation.TrustScore < reviewTrustThreshold:
		r.Moderation.Status = StatusUnderReview
		r.Moderation.Reason = "community confidence lost"
		r.Moderation.DecidedAt = &now
	}
	return r.Moderation.Status
}

// recomputeValidationTrust sets trust = positive/(positive+negative) × 100,
// dampened toward neutral while the validator pool is small so two early
// votes cannot swing the score to an extreme.
func (r *Report) recomputeValidationTrust() {
	total := r.Validation.Positive + r.Validation.Negative
	if total == 0 {
		r.Validation.TrustScore = 50
		return
	}
	raw := float64(r.Validation.Positive) / float64(total) * 100

	min := r.Validation.Requirements.Minimum
	if min > 0 && total < min {
		// Weight by validator count: pull toward 50 proportionally to how
		// far short of the minimum the pool is.
		weight := float64(total) / float64(min)
		raw = 50 + (raw-50)*weight
	}
	r.Validation.TrustScore = raw
}
