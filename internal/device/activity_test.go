package device

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordActivitySessions(t *testing.T) {
	d := New("fp", testNow)
	d.LastSeen = time.Time{}

	d.RecordActivity(testNow, false)
	assert.Equal(t, 1, d.Sessions)

	// Ten minutes later: same session, EMA seeded with the gap.
	d.RecordActivity(testNow.Add(10*time.Minute), false)
	assert.Equal(t, 1, d.Sessions)
	assert.InDelta(t, 10, d.Behavior.AvgSessionMinutes, 0.01)

	// An hour of silence opens a new session.
	d.RecordActivity(testNow.Add(90*time.Minute), false)
	assert.Equal(t, 2, d.Sessions)
}

func TestSubmissionPatternFlagsConcentratedHours(t *testing.T) {
	d := New("fp", testNow.Add(-48*time.Hour))

	// 25 submissions all at 03:00 — a two-hour-or-fewer peak past 20 total.
	at := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		d.RecordActivity(at.Add(time.Duration(i)*time.Second), true)
	}

	assert.Equal(t, 25, d.Submissions.Total)
	assert.Equal(t, []int{3}, d.Submissions.PeakHours)
	assert.True(t, d.Submissions.SuspiciousTimePattern)

	// Comparable volume in three more hours clears the flag.
	for _, h := range []int{10, 14, 18} {
		for i := 0; i < 20; i++ {
			d.RecordActivity(time.Date(2026, 8, 25, h, 0, i, 0, time.UTC), true)
		}
	}
	assert.False(t, d.Submissions.SuspiciousTimePattern)
}

func TestSubmissionPatternQuietBelowThreshold(t *testing.T) {
	d := New("fp", testNow)
	for i := 0; i < 5; i++ {
		d.RecordActivity(testNow.Add(time.Duration(i)*time.Hour), true)
	}
	// Few submissions never look suspicious no matter how peaked.
	assert.False(t, d.Submissions.SuspiciousTimePattern)
}

func TestValidationLogCapAndLookup(t *testing.T) {
	d := New("fp", testNow)
	for i := 0; i < ValidationLogCap+20; i++ {
		d.AddValidationRecord(ValidationRecord{
			ReportID:   fmt.Sprintf("r-%d", i),
			IsPositive: true,
			At:         testNow,
		})
	}

	assert.Len(t, d.Security.ValidationLog, ValidationLogCap)
	assert.Equal(t, ValidationLogCap+20, d.Security.Validation.Given)

	// Newest entries survive the trim.
	assert.True(t, d.HasValidated(fmt.Sprintf("r-%d", ValidationLogCap+19)))
	assert.False(t, d.HasValidated("r-0"))
	assert.False(t, d.HasValidated("never-seen"))
}

func TestRecordLocationJumpsAndCap(t *testing.T) {
	d := New("fp", testNow)
	dhaka := GeoPoint{Lng: 90.4125, Lat: 23.8103, At: testNow}
	chittagong := GeoPoint{Lng: 91.7832, Lat: 22.3569, At: testNow.Add(time.Hour)}

	d.RecordLocation(dhaka, true)
	assert.Equal(t, 0, d.Location.LocationJumps)
	assert.False(t, d.Location.CrossBorderActivity)

	// Dhaka → Chittagong is roughly 215 km: counts as a jump.
	d.RecordLocation(chittagong, true)
	assert.Equal(t, 1, d.Location.LocationJumps)

	// Outside the home boxes the cross-border flag latches.
	d.RecordLocation(GeoPoint{Lng: 77.2090, Lat: 28.6139, At: testNow.Add(2 * time.Hour)}, false)
	assert.True(t, d.Location.CrossBorderActivity)

	for i := 0; i < LocationHistoryCap+5; i++ {
		d.RecordLocation(dhaka, true)
	}
	assert.Len(t, d.Location.History, LocationHistoryCap)
	require.NotNil(t, d.Location.LastKnown)
	assert.Equal(t, dhaka.Lng, d.Location.LastKnown.Lng)
}

func TestHaversineMeters(t *testing.T) {
	// Dhaka to Chittagong, ~215 km.
	dist := HaversineMeters(90.4125, 23.8103, 91.7832, 22.3569)
	assert.InDelta(t, 215_000, dist, 10_000)

	assert.Zero(t, HaversineMeters(90.4, 23.8, 90.4, 23.8))
}

func TestUpdateSignatureDrift(t *testing.T) {
	d := New("fp", testNow)
	d.UpdateSignature(SignatureProfile{
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64)",
		ScreenResolution: "1920x1080",
		Timezone:         "Asia/Dhaka",
		Platform:         "Linux",
	}, testNow)

	// First observation: nothing to diff against.
	assert.Nil(t, d.PreviousSignature)
	assert.Equal(t, 0, d.Anomaly.Score)
	assert.NotEmpty(t, d.Signature.UserAgentHash)

	changes := d.UpdateSignature(SignatureProfile{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64)",
	}, testNow.Add(time.Hour))

	assert.Equal(t, []string{"user_agent"}, changes)
	require.NotNil(t, d.PreviousSignature)
	assert.Equal(t, "Mozilla/5.0 (X11; Linux x86_64)", d.PreviousSignature.UserAgent)
	assert.Equal(t, 10, d.Anomaly.Score)
	assert.True(t, d.Anomaly.NeedsDetailedAnalysis)
	assert.Equal(t, PriorityHigh, d.Anomaly.AnalysisPriority)

	// Sparse payloads keep previously known fields.
	assert.Equal(t, "1920x1080", d.Signature.ScreenResolution)
	assert.Equal(t, "Asia/Dhaka", d.Signature.Timezone)
}

func TestUpdateSignatureMultipleChangesStaySmoothed(t *testing.T) {
	d := New("fp", testNow)
	d.UpdateSignature(SignatureProfile{
		UserAgent:        "ua-1",
		ScreenResolution: "1920x1080",
		Timezone:         "Asia/Dhaka",
	}, testNow)

	changes := d.UpdateSignature(SignatureProfile{
		UserAgent:        "ua-2",
		ScreenResolution: "1366x768",
		Timezone:         "Europe/London",
	}, testNow.Add(time.Hour))

	assert.Len(t, changes, 3)
	// Raw bump would be +30; the per-save smoothing caps it.
	assert.Equal(t, MaxAnomalyDelta, d.Anomaly.Score)
}

func TestHashIPTruncation(t *testing.T) {
	h := HashIP("203.0.113.7")
	assert.Len(t, h, 16)
	assert.Equal(t, h, HashIP("203.0.113.7"))
	assert.NotEqual(t, h, HashIP("203.0.113.8"))
}
