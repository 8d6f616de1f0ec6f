package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func TestLooksLikeSpam(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"too short", "short", true},
		{"keyboard mash run", "aaaaaaaaaaaaa help", true},
		{"no letters", "1234567890 !!!", true},
		{"legitimate", "A man on a motorbike snatched a phone near the market gate", false},
		{"run just under the limit", strings.Repeat("a", 10) + " something happened here", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LooksLikeSpam(tc.text))
		})
	}
}

func TestWithinBangladesh(t *testing.T) {
	assert.True(t, WithinBangladesh(90.4125, 23.8103))  // Dhaka
	assert.True(t, WithinBangladesh(91.8123, 22.3569))  // Chittagong
	assert.False(t, WithinBangladesh(77.2090, 28.6139)) // Delhi
	assert.False(t, WithinBangladesh(0, 0))
}

func TestTransitionStateMachine(t *testing.T) {
	r := New(TypeTheft, "phone snatched near the market", 3, testNow)
	require.Equal(t, StatusPending, r.Moderation.Status)

	require.NoError(t, r.Transition(StatusApproved, "mod-1", "looks real", testNow))
	assert.Equal(t, "mod-1", r.Moderation.Moderator)

	// approved → pending is illegal.
	err := r.Transition(StatusPending, "mod-1", "", testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, r.Transition(StatusVerified, "mod-1", "", testNow))
	require.NoError(t, r.Transition(StatusDeleted, "mod-1", "cleanup", testNow))

	// deleted is terminal.
	for _, to := range []Status{StatusPending, StatusApproved, StatusArchived} {
		assert.ErrorIs(t, r.Transition(to, "mod-1", "", testNow), ErrInvalidTransition)
	}
}

func TestDetermineProcessingTier(t *testing.T) {
	emergency := New(TypeHarassment, "severe incident near the school gate", 5, testNow)
	assert.Equal(t, TierEmergency, emergency.DetermineProcessingTier())

	// Severity 5 but not female-sensitive goes standard.
	theft := New(TypeRobbery, "armed robbery at the bus stand", 5, testNow)
	assert.Equal(t, TierStandard, theft.DetermineProcessingTier())

	minor := New(TypeVandalism, "wall defaced with paint overnight", 2, testNow)
	assert.Equal(t, TierBackground, minor.DetermineProcessingTier())
}

func TestRequirementsScaleWithSeverityAndType(t *testing.T) {
	assert.Equal(t, ValidatorRequirements{Minimum: 3}, RequirementsFor(TypeTheft, 1))
	assert.Equal(t, ValidatorRequirements{Minimum: 4}, RequirementsFor(TypeTheft, 3))
	assert.Equal(t, ValidatorRequirements{Minimum: 5}, RequirementsFor(TypeTheft, 5))

	// Female-sensitive types add one and require female validators.
	req := RequirementsFor(TypeEveTeasing, 3)
	assert.Equal(t, ValidatorRequirements{Minimum: 5, FemaleRequired: true}, req)
}

func TestCommunityValidationPromotesToVerified(t *testing.T) {
	r := New(TypeTheft, "phone snatched near the market", 2, testNow)
	r.Validation.Requirements = RequirementsFor(r.Type, r.Severity) // minimum 3
	require.NoError(t, r.Transition(StatusApproved, "mod-1", "", testNow))

	r.AddCommunityValidation(true, testNow)
	r.AddCommunityValidation(true, testNow)
	assert.Equal(t, StatusApproved, r.Moderation.Status, "below minimum stays approved")

	status := r.AddCommunityValidation(true, testNow)
	assert.Equal(t, StatusVerified, status)
	assert.Equal(t, float64(100), r.Validation.TrustScore)
}

func TestCommunityValidationDemotesToUnderReview(t *testing.T) {
	r := New(TypeTheft, "phone snatched near the market", 2, testNow)
	r.Validation.Requirements = RequirementsFor(r.Type, r.Severity)
	require.NoError(t, r.Transition(StatusApproved, "mod-1", "", testNow))

	r.AddCommunityValidation(false, testNow)
	r.AddCommunityValidation(false, testNow)
	status := r.AddCommunityValidation(false, testNow)
	assert.Equal(t, StatusUnderReview, status)
	assert.Equal(t, "community confidence lost", r.Moderation.Reason)
}

func TestValidationTrustDampenedWhileSmall(t *testing.T) {
	r := New(TypeTheft, "phone snatched near the market", 2, testNow)
	r.Validation.Requirements = ValidatorRequirements{Minimum: 4}

	// One positive vote out of a 4-minimum pool: raw 100 pulled toward 50.
	r.AddCommunityValidation(true, testNow)
	assert.Equal(t, 62.5, r.Validation.TrustScore)
}

func TestValidationIgnoredOutsideApproved(t *testing.T) {
	r := New(TypeTheft, "phone snatched near the market", 2, testNow)
	r.Validation.Requirements = ValidatorRequirements{Minimum: 1}

	status := r.AddCommunityValidation(true, testNow)
	assert.Equal(t, StatusPending, status, "pending reports collect votes but never auto-promote")
	assert.Equal(t, 1, r.Validation.Positive)
}

func TestObfuscateLocationDeterministicAndBounded(t *testing.T) {
	r := New(TypeTheft, "phone snatched near the market", 2, testNow)
	r.Location.OriginalLng = 90.4125
	r.Location.OriginalLat = 23.8103

	r.ObfuscateLocation()
	lng1, lat1 := r.Location.PublicLng, r.Location.PublicLat
	r.ObfuscateLocation()
	assert.Equal(t, lng1, r.Location.PublicLng, "jitter is keyed on the id")
	assert.Equal(t, lat1, r.Location.PublicLat)

	assert.NotEqual(t, r.Location.OriginalLat, lat1)
	assert.InDelta(t, r.Location.OriginalLat, lat1, 0.00225)
	assert.InDelta(t, r.Location.OriginalLng, lng1, 0.0025)
}

func TestDedupHashesCollideWithinHour(t *testing.T) {
	a := New(TypeTheft, "Phone  snatched NEAR the market", 2, testNow)
	b := New(TypeTheft, "phone snatched near the market", 2, testNow.Add(10*time.Minute))
	a.ComputeDedupHashes()
	b.ComputeDedupHashes()

	assert.Equal(t, a.Dedup.ContentHash, b.Dedup.ContentHash, "whitespace and case normalize away")
	assert.Equal(t, a.Dedup.TemporalHash, b.Dedup.TemporalHash, "same hour bucket")

	c := New(TypeTheft, "phone snatched near the market", 2, testNow.Add(2*time.Hour))
	c.ComputeDedupHashes()
	assert.Equal(t, a.Dedup.ContentHash, c.Dedup.ContentHash)
	assert.NotEqual(t, a.Dedup.TemporalHash, c.Dedup.TemporalHash)
}

func TestComputeSecurityFlags(t *testing.T) {
	r := New(TypeEveTeasing, "aaaaaaaaaaaaaaaa", 3, testNow)
	r.Location.OriginalLng = 77.2090
	r.Location.OriginalLat = 28.6139
	r.Location.WithinBangladesh = false
	r.SubmittedBy.Anonymous = true

	r.ComputeSecurityFlags()
	assert.True(t, r.Flags.PotentialSpam)
	assert.True(t, r.Flags.CrossBorderReport)
	assert.True(t, r.Flags.SuspiciousLocation)
	assert.True(t, r.Flags.RequiresFemaleValidation)
	// 100 - 40 - 25 - 20 - 10 = 5
	assert.Equal(t, 5, r.Flags.SecurityScore)
}
