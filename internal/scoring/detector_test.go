package scoring

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsafe/backend/internal/cache"
	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/notify"
	"github.com/civicsafe/backend/internal/store"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *notify.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(rdb, "test:")
	t.Cleanup(func() { _ = c.Shutdown() })

	s := store.NewMemoryStore()
	bus := notify.NewBus()
	t.Cleanup(bus.Close)
	e := NewEngine(c, device.NewRepository(s, c), s, bus, nil, 0)
	return e, s, bus
}

// scriptedDevice builds a group member sharing the clustering pattern.
func scriptedDevice(id string, trust, anomaly, submissions int, now time.Time) *device.Device {
	d := device.New(id, now)
	d.LastSeen = now
	d.Network.Country = "BD"
	d.Network.IPHash = "aabbccdd00112233"
	d.Signature.ScreenResolution = "1920x1080"
	d.Behavior.HumanScore = 35
	d.Security.TrustScore = trust
	d.Anomaly.Score = anomaly
	d.Submissions.Total = submissions
	return d
}

func TestSweepIgnoresSmallGroups(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.SaveDevice(ctx, scriptedDevice(fmt.Sprintf("fp-%d", i), 20, 70, 1, testNow)))
	}

	records, err := e.RunCoordinatedSweep(ctx, time.Hour, testNow)
	require.NoError(t, err)
	assert.Empty(t, records, "two devices never form a group")
}

func TestSweepFlagsLowTrustGroup(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveDevice(ctx, scriptedDevice(fmt.Sprintf("fp-%d", i), 39, 10, 2, testNow)))
	}

	records, err := e.RunCoordinatedSweep(ctx, time.Hour, testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "BD_1920x1080_35_aabbccdd00112233", rec.PatternKey)
	assert.Equal(t, 3, rec.UniqueDevices)
	assert.Equal(t, 6, rec.DeviceCount, "device count sums submissions across the group")
	assert.Equal(t, 39.0, rec.MeanTrust)
	assert.Equal(t, "high", rec.Suspicion)
	assert.Len(t, rec.Fingerprints, 3)
}

func TestSweepFlagsHighAnomalyGroup(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	// Trust is fine at 41 but anomaly 61 trips the disjunction.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveDevice(ctx, scriptedDevice(fmt.Sprintf("fp-%d", i), 41, 61, 1, testNow)))
	}

	records, err := e.RunCoordinatedSweep(ctx, time.Hour, testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "high", records[0].Suspicion)
}

func TestSweepPassesHealthyGroup(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	// Trust 41 and anomaly 60 both sit on the safe side of the thresholds.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveDevice(ctx, scriptedDevice(fmt.Sprintf("fp-%d", i), 41, 60, 1, testNow)))
	}

	records, err := e.RunCoordinatedSweep(ctx, time.Hour, testNow)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSweepCriticalOnExtremeAnomaly(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveDevice(ctx, scriptedDevice(fmt.Sprintf("fp-%d", i), 30, 85, 1, testNow)))
	}

	records, err := e.RunCoordinatedSweep(ctx, time.Hour, testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "critical", records[0].Suspicion)
}

func TestSweepEscalatesCorrelatedGroupAndMarksDevices(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	// Same IP hash (+40), same resolution (+10), behavior delta 0 (+15),
	// co-active (+10): correlation well over the escalation threshold.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveDevice(ctx, scriptedDevice(fmt.Sprintf("fp-%d", i), 20, 70, 1, testNow)))
	}

	records, err := e.RunCoordinatedSweep(ctx, time.Hour, testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].CorrelatedDevices)

	d, err := s.GetDevice(ctx, "fp-0")
	require.NoError(t, err)
	assert.True(t, d.Security.CoordinatedAttack)
	assert.NotEmpty(t, d.Correlation.RelatedDevices)
	assert.GreaterOrEqual(t, d.Correlation.Confidence, escalateCorrelation)
}

func TestSweepSkipsDevicesOutsideWindow(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	old := testNow.Add(-2 * time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveDevice(ctx, scriptedDevice(fmt.Sprintf("fp-%d", i), 20, 70, 1, old)))
	}

	records, err := e.RunCoordinatedSweep(ctx, time.Hour, testNow)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSweepEmitsNotification(t *testing.T) {
	e, s, bus := newTestEngine(t)
	ctx := context.Background()

	ch := bus.Subscribe(notify.EventCoordinatedAttackDetected)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveDevice(ctx, scriptedDevice(fmt.Sprintf("fp-%d", i), 20, 70, 1, testNow)))
	}

	_, err := e.RunCoordinatedSweep(ctx, time.Hour, testNow)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, notify.EventCoordinatedAttackDetected, ev.Type)
	default:
		t.Fatal("expected a coordinated_attack_detected event")
	}
}

func TestBehaviorBucketRounding(t *testing.T) {
	assert.Equal(t, 35, behaviorBucket(33))
	assert.Equal(t, 35, behaviorBucket(35))
	assert.Equal(t, 35, behaviorBucket(37))
	assert.Equal(t, 40, behaviorBucket(38))
	assert.Equal(t, 0, behaviorBucket(2))
	assert.Equal(t, 100, behaviorBucket(99))
}
