package scoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/metrics"
)

// Reaper clears expired quarantines in bulk. Quarantine expiry is also
// checked lazily on access; the periodic sweep keeps dormant devices and
// principals from staying marked long after their deadline.
type Reaper struct {
	devices    *device.Repository
	principals identity.Store
	metrics    *metrics.Metrics
}

func NewReaper(devices *device.Repository, principals identity.Store, m *metrics.Metrics) *Reaper {
	return &Reaper{devices: devices, principals: principals, metrics: m}
}

// Sweep releases every expired quarantine it finds. Returns the number of
// entities released.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) int {
	released := 0
	quarantined := true

	devs, err := r.devices.Store().ListDevices(ctx, device.DeviceFilter{Quarantined: &quarantined})
	if err != nil {
		slog.Warn("reaper: listing quarantined devices failed", "error", err)
	}
	for _, d := range devs {
		q := d.Security.Quarantine
		if q.Until == nil || q.Until.After(now) {
			continue
		}
		// The save hooks run CheckQuarantineExpiry and lift the quarantine.
		if _, err := r.devices.Update(ctx, d.FingerprintID, false, func(*device.Device) error { return nil }); err != nil {
			slog.Warn("reaper: releasing device failed", "fingerprint", d.FingerprintID, "error", err)
			continue
		}
		released++
		if r.metrics != nil {
			r.metrics.QuarantinesLifted.WithLabelValues("auto").Inc()
		}
	}

	principals, err := r.principals.ListPrincipals(ctx, identity.PrincipalFilter{Quarantined: &quarantined})
	if err != nil {
		slog.Warn("reaper: listing quarantined principals failed", "error", err)
	}
	for _, p := range principals {
		q := p.Security.Quarantine
		if q.Until == nil || q.Until.After(now) {
			continue
		}
		if p.IsQuarantined(now) {
			continue // still active, deadline in the future
		}
		p.RunSaveHooks(identity.SaveContext{Now: now})
		if err := r.principals.SavePrincipal(ctx, p); err != nil {
			slog.Warn("reaper: releasing principal failed", "principal", p.ID, "error", err)
			continue
		}
		released++
		if r.metrics != nil {
			r.metrics.QuarantinesLifted.WithLabelValues("auto").Inc()
		}
	}

	if released > 0 {
		slog.Info("reaper: expired quarantines released", "count", released)
	}
	return released
}
