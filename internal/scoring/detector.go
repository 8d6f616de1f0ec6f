package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/notify"
)

// Coordinated-attack detection thresholds.
const (
	detectorLockKey    = "analysis:coordinated"
	detectorLockTTL    = 30 * time.Second
	detectorQueryLimit = 500

	minGroupDevices    = 3
	flagMeanTrustBelow = 40.0
	flagMeanAnomalyOver = 60.0
	criticalMeanAnomaly = 80.0
	escalateCorrelation = 50

	suspicionRecordTTL = 10 * time.Minute
)

// SuspicionRecord is the detector's output for one flagged device group.
type SuspicionRecord struct {
	PatternKey        string    `json:"pattern_key"`
	DeviceCount       int       `json:"device_count"` // submissions across the group
	UniqueDevices     int       `json:"unique_devices"`
	MeanTrust         float64   `json:"mean_trust"`
	MeanAnomaly       float64   `json:"mean_anomaly"`
	CorrelatedDevices int       `json:"correlated_devices"`
	Suspicion         string    `json:"suspicion"` // high | critical
	Fingerprints      []string  `json:"fingerprints"`
	DetectedAt        time.Time `json:"detected_at"`
}

func suspicionRecordKey(patternKey string) string {
	return "analysis:coordinated:" + patternKey
}

// RunCoordinatedSweep looks for clusters of devices sharing network,
// signature, and behavior characteristics that submitted recently. A
// distributed lock keeps replicas from duplicating the sweep; when the
// cache is down the sweep runs anyway (fail-open, the work is idempotent).
func (e *Engine) RunCoordinatedSweep(ctx context.Context, window time.Duration, now time.Time) ([]SuspicionRecord, error) {
	token, acquired := e.cache.AcquireLock(ctx, detectorLockKey, detectorLockTTL, 0)
	if !acquired && e.cache.Connected() {
		return nil, nil // another replica holds the sweep
	}
	if acquired {
		defer e.cache.ReleaseLock(ctx, detectorLockKey, token)
	}

	if e.metrics != nil {
		e.metrics.DetectorSweeps.Inc()
	}

	devices, err := e.devices.Store().ListActiveDevices(ctx, now.Add(-window), 1, detectorQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("detector: list active devices: %w", err)
	}

	groups := make(map[string][]*device.Device)
	for _, d := range devices {
		groups[patternKey(d)] = append(groups[patternKey(d)], d)
	}

	var records []SuspicionRecord
	for key, group := range groups {
		if len(group) < minGroupDevices {
			continue
		}

		trustSum, anomalySum, submissions := 0, 0, 0
		for _, d := range group {
			trustSum += d.Security.TrustScore
			anomalySum += d.Anomaly.Score
			submissions += d.Submissions.Total
		}
		meanTrust := float64(trustSum) / float64(len(group))
		meanAnomaly := float64(anomalySum) / float64(len(group))

		if meanTrust >= flagMeanTrustBelow && meanAnomaly <= flagMeanAnomalyOver {
			continue
		}

		rec := SuspicionRecord{
			PatternKey:    key,
			DeviceCount:   submissions,
			UniqueDevices: len(group),
			MeanTrust:     meanTrust,
			MeanAnomaly:   meanAnomaly,
			Suspicion:     "high",
			DetectedAt:    now,
		}
		if meanAnomaly > criticalMeanAnomaly {
			rec.Suspicion = "critical"
		}

		for _, d := range group {
			rec.Fingerprints = append(rec.Fingerprints, d.FingerprintID)
			candidates := e.Correlate(ctx, d, now)
			confident := 0
			for _, c := range candidates {
				if c.Score > confident {
					confident = c.Score
				}
			}
			if confident > escalateCorrelation {
				rec.CorrelatedDevices++
				e.markCoordinated(ctx, d.FingerprintID, candidates)
			}
		}
		sort.Strings(rec.Fingerprints)

		e.cache.SetJSON(ctx, suspicionRecordKey(key), rec, suspicionRecordTTL)
		if e.metrics != nil {
			e.metrics.CoordinatedGroupsFlagged.Inc()
		}
		e.emit(ctx, notify.Event{
			Type: notify.EventCoordinatedAttackDetected,
			At:   now,
			Payload: map[string]any{
				"pattern_key":        rec.PatternKey,
				"device_count":       rec.DeviceCount,
				"unique_devices":     rec.UniqueDevices,
				"mean_trust":         rec.MeanTrust,
				"mean_anomaly":       rec.MeanAnomaly,
				"correlated_devices": rec.CorrelatedDevices,
				"suspicion":          rec.Suspicion,
			},
		})
		records = append(records, rec)
	}

	if len(records) > 0 {
		slog.Warn("detector: coordinated activity flagged", "groups", len(records))
	}
	return records, nil
}

// patternKey is the composite clustering key:
// country_resolution_behaviorBucket_ipHash.
func patternKey(d *device.Device) string {
	return fmt.Sprintf("%s_%s_%d_%s",
		d.Network.Country,
		d.Signature.ScreenResolution,
		behaviorBucket(d.Behavior.HumanScore),
		d.Network.IPHash,
	)
}

// behaviorBucket rounds the human-behavior score to the nearest 5 so
// near-identical scripted profiles cluster together.
func behaviorBucket(score int) int {
	return int(math.Round(float64(score)/5)) * 5
}

// markCoordinated flags a device as a coordinated-attack participant and
// records its correlation findings. Trust drops on the next save.
func (e *Engine) markCoordinated(ctx context.Context, fingerprintID string, candidates []Candidate) {
	if _, err := e.devices.Update(ctx, fingerprintID, true, func(d *device.Device) error {
		d.Security.CoordinatedAttack = true
		applyCorrelation(d, candidates, time.Now())
		return nil
	}); err != nil {
		slog.Warn("detector: marking coordinated participant failed", "fingerprint", fingerprintID, "error", err)
	}
}
