package identity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsafe/backend/internal/device"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func TestNewAnonymousFromDevice(t *testing.T) {
	p := NewAnonymousFromDevice("fp-1", testNow)

	assert.Equal(t, RoleAnonymous, p.Role)
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.Ephemeral)
	assert.Equal(t, 50, p.Security.TrustScore)
	assert.Equal(t, device.RiskMedium, p.Security.RiskTier)
	assert.Equal(t, "fp-1", p.Security.PrimaryDeviceID)
	require.Len(t, p.Security.Devices, 1)
	assert.True(t, p.Security.Devices[0].Primary)
}

func TestRoleVariantPayloads(t *testing.T) {
	admin := NewAdmin("mod1", "mod1@example.org", 3, []string{"view_reports"}, testNow)
	assert.Equal(t, RoleAdmin, admin.Role)
	require.NotNil(t, admin.Admin)
	assert.Nil(t, admin.Officer)
	assert.Nil(t, admin.Researcher)

	officer := NewOfficer("B-1701", "DMP", testNow)
	assert.Equal(t, RoleOfficer, officer.Role)
	require.NotNil(t, officer.Officer)
	assert.Nil(t, officer.Admin)

	researcher := NewResearcher("BUET", "urban safety study", testNow)
	assert.Equal(t, RoleResearcher, researcher.Role)
	require.NotNil(t, researcher.Researcher)
}

func TestHasPermission(t *testing.T) {
	anon := NewAnonymousFromDevice("fp", testNow)
	assert.True(t, anon.HasPermission("submit_report"))
	assert.True(t, anon.HasPermission("validate_report"))
	assert.False(t, anon.HasPermission("view_reports"))

	scoped := NewAdmin("a", "a@x", 2, []string{"view_reports"}, testNow)
	assert.True(t, scoped.HasPermission("view_reports"))
	assert.False(t, scoped.HasPermission("delete_report"))

	super := NewAdmin("root", "r@x", 10, []string{SuperAdminPermission}, testNow)
	assert.True(t, super.HasPermission("delete_report"))
	assert.True(t, super.HasPermission("anything_at_all"))

	officer := NewOfficer("B-1", "DMP", testNow)
	// Unverified officers only see the public feed.
	assert.False(t, officer.HasPermission("view_reports"))
	assert.True(t, officer.HasPermission("view_public_feed"))
	officer.Officer.Verified = true
	assert.True(t, officer.HasPermission("verify_reports"))
	assert.False(t, officer.HasPermission("export_datasets"))

	researcher := NewResearcher("BUET", "", testNow)
	researcher.Researcher.Approved = true
	assert.True(t, researcher.HasPermission("export_datasets"))
	assert.False(t, researcher.HasPermission("verify_reports"))
}

func TestPasswordRoundTrip(t *testing.T) {
	admin := NewAdmin("mod1", "m@x", 3, nil, testNow)
	require.NoError(t, admin.SetPassword("correct horse battery"))
	assert.NotEmpty(t, admin.Admin.PasswordHash)
	assert.NotContains(t, admin.Admin.PasswordHash, "correct horse")

	assert.True(t, admin.ComparePassword("correct horse battery"))
	assert.False(t, admin.ComparePassword("wrong"))

	anon := NewAnonymousFromDevice("fp", testNow)
	assert.ErrorIs(t, anon.SetPassword("pw"), ErrNotAdmin)
	assert.False(t, anon.ComparePassword("pw"))
}

func TestLoginLockoutAtFiveWithinWindow(t *testing.T) {
	admin := NewAdmin("mod1", "m@x", 3, nil, testNow)

	for i := 0; i < 4; i++ {
		locked := admin.RecordFailedLogin(testNow.Add(time.Duration(i) * time.Minute))
		assert.False(t, locked, "attempt %d must not lock", i+1)
	}
	assert.False(t, admin.IsLocked(testNow.Add(4*time.Minute)))

	// Exactly the fifth attempt inside the window locks for 30 minutes.
	locked := admin.RecordFailedLogin(testNow.Add(5 * time.Minute))
	assert.True(t, locked)
	assert.True(t, admin.IsLocked(testNow.Add(10*time.Minute)))
	assert.True(t, admin.IsLocked(testNow.Add(34*time.Minute)))
	assert.False(t, admin.IsLocked(testNow.Add(36*time.Minute)))

	// The lockout left a high-severity event in the log.
	require.NotEmpty(t, admin.Security.Events)
	assert.Equal(t, "login_lockout", admin.Security.Events[0].Kind)
	assert.Equal(t, SeverityHigh, admin.Security.Events[0].Severity)
}

func TestLoginWindowResets(t *testing.T) {
	admin := NewAdmin("mod1", "m@x", 3, nil, testNow)

	for i := 0; i < 4; i++ {
		admin.RecordFailedLogin(testNow.Add(time.Duration(i) * time.Minute))
	}
	// 20 minutes of silence expires the window; the next failure starts over.
	locked := admin.RecordFailedLogin(testNow.Add(24 * time.Minute))
	assert.False(t, locked)
	assert.Equal(t, 1, admin.Admin.LoginAttempts)
}

func TestResetLoginAttempts(t *testing.T) {
	admin := NewAdmin("mod1", "m@x", 3, nil, testNow)
	for i := 0; i < 5; i++ {
		admin.RecordFailedLogin(testNow)
	}
	require.True(t, admin.IsLocked(testNow))

	admin.ResetLoginAttempts()
	assert.False(t, admin.IsLocked(testNow))
	assert.Zero(t, admin.Admin.LoginAttempts)
}

func TestSecurityEventCapAndCriticalQuarantine(t *testing.T) {
	p := NewAnonymousFromDevice("fp", testNow)
	for i := 0; i < SecurityEventCap+10; i++ {
		p.AddSecurityEvent(SecurityEvent{
			At:       testNow,
			Kind:     fmt.Sprintf("probe-%d", i),
			Severity: SeverityLow,
		})
	}
	assert.Len(t, p.Security.Events, SecurityEventCap)
	assert.Equal(t, fmt.Sprintf("probe-%d", SecurityEventCap+9), p.Security.Events[0].Kind)
	assert.False(t, p.IsQuarantined(testNow))

	p.AddSecurityEvent(SecurityEvent{At: testNow, Kind: "credential_stuffing", Severity: SeverityCritical})
	assert.True(t, p.IsQuarantined(testNow))
	require.NotNil(t, p.Security.Quarantine.Until)
	assert.Equal(t, testNow.Add(24*time.Hour), *p.Security.Quarantine.Until)
}

func TestIsQuarantinedLazyExpiry(t *testing.T) {
	p := NewAnonymousFromDevice("fp", testNow)
	p.Quarantine(testNow, time.Hour, "suspicious burst")

	assert.True(t, p.IsQuarantined(testNow.Add(30*time.Minute)))
	assert.False(t, p.IsQuarantined(testNow.Add(2*time.Hour)))
	// Cleared in place: a second check stays false.
	assert.False(t, p.IsQuarantined(testNow.Add(2*time.Hour)))
	assert.False(t, p.Security.Quarantine.Active)
}

func TestDeviceAssociationUpsertAndCap(t *testing.T) {
	p := NewAnonymousFromDevice("fp-primary", testNow)

	// Upsert refreshes last-used instead of duplicating.
	changed := p.AddDeviceAssociation(DeviceAssociation{DeviceID: "fp-primary", LastUsed: testNow.Add(time.Hour)}, false)
	assert.False(t, changed)
	assert.Len(t, p.Security.Devices, 1)
	assert.Equal(t, testNow.Add(time.Hour), p.Security.Devices[0].LastUsed)

	// Flood with newer devices; the primary survives eviction.
	for i := 0; i < DeviceAssociationCap+5; i++ {
		p.AddDeviceAssociation(DeviceAssociation{
			DeviceID: fmt.Sprintf("fp-%d", i),
			LastUsed: testNow.Add(time.Duration(i+2) * time.Hour),
		}, false)
	}
	assert.Len(t, p.Security.Devices, DeviceAssociationCap)
	assert.True(t, p.HasDevice("fp-primary"))
	assert.False(t, p.HasDevice("fp-0")) // oldest non-primary evicted

	// Switching primaries reports the change and re-flags.
	changed = p.AddDeviceAssociation(DeviceAssociation{DeviceID: "fp-14", LastUsed: testNow.Add(48 * time.Hour)}, true)
	assert.True(t, changed)
	assert.Equal(t, "fp-14", p.Security.PrimaryDeviceID)
	for _, d := range p.Security.Devices {
		assert.Equal(t, d.DeviceID == "fp-14", d.Primary)
	}
}

func TestRefreshSecurityProfileBlend(t *testing.T) {
	p := NewAnonymousFromDevice("fp", testNow)
	// No activity, no contributions: both qualities are neutral 50.
	p.RefreshSecurityProfile(100)

	// 0.4*100 + 0.3*50 + 0.3*50 = 70
	assert.Equal(t, 70, p.Security.TrustScore)
	assert.Equal(t, device.RiskLow, p.Security.RiskTier)

	p.RefreshSecurityProfile(0)
	// 0.3*50 + 0.3*50 = 30
	assert.Equal(t, 30, p.Security.TrustScore)
	assert.Equal(t, device.RiskHigh, p.Security.RiskTier)
}

func TestActivityQualitySweetSpots(t *testing.T) {
	p := NewAnonymousFromDevice("fp", testNow)
	assert.Equal(t, 50.0, p.ActivityQuality())

	// 20-minute sessions about twice a day: both sweet spots hit.
	p.Activity.FirstSeen = testNow.Add(-10 * 24 * time.Hour)
	p.Activity.LastSeen = testNow
	p.Activity.Sessions = 20
	p.Activity.AvgSessionMinutes = 20
	assert.Equal(t, 100.0, p.ActivityQuality())

	// One-minute sessions hundreds of times a day read as scripted.
	p.Activity.Sessions = 2000
	p.Activity.AvgSessionMinutes = 1
	assert.Equal(t, 15.0, p.ActivityQuality())
}

func TestContributionQuality(t *testing.T) {
	p := NewAnonymousFromDevice("fp", testNow)
	assert.Equal(t, 50.0, p.ContributionQuality())

	p.Activity.Contribution = ContributionMetrics{
		ReportsSubmitted:   10,
		ReportsApproved:    9,
		ValidationsGiven:   20,
		ValidationAccuracy: 80,
	}
	// 0.9*60 + 80*0.25 + 15 = 89
	assert.InDelta(t, 89, p.ContributionQuality(), 0.01)

	p.Activity.Contribution = ContributionMetrics{ReportsSubmitted: 10}
	assert.Equal(t, 0.0, p.ContributionQuality()) // everything rejected
}

func TestSaveHooks(t *testing.T) {
	p := NewAnonymousFromDevice("fp", testNow)
	p.Quarantine(testNow.Add(-48*time.Hour), time.Hour, "old")

	p.RunSaveHooks(SaveContext{Now: testNow, PrimaryDeviceChanged: true, PrimaryDeviceTrust: 90})

	assert.False(t, p.Security.Quarantine.Active) // expired quarantine cleared
	assert.Equal(t, testNow, p.Activity.LastSeen)
	assert.Equal(t, testNow, p.UpdatedAt)
	// 0.4*90 + 0.3*50 + 0.3*50 = 66
	assert.Equal(t, 66, p.Security.TrustScore)
}
