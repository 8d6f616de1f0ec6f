// Package gate is the ingest path of the core: it resolves every request to
// a principal and a device, promotes ephemeral identities to persistent
// ones on their first durable write, stamps reports with security metadata,
// refuses quarantined sources, and drives the post-save side effects
// (cache invalidation, queueing, notification).
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/civicsafe/backend/internal/auth"
	"github.com/civicsafe/backend/internal/cache"
	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/metrics"
	"github.com/civicsafe/backend/internal/notify"
	"github.com/civicsafe/backend/internal/report"
	"github.com/civicsafe/backend/internal/scoring"
)

var (
	// ErrQuarantined refuses requests from a quarantined principal or device.
	ErrQuarantined = errors.New("source is quarantined")
	// ErrSelfValidation rejects a device validating its own report.
	ErrSelfValidation = errors.New("cannot validate own report")
	// ErrMissingField reports an incomplete submission.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidValue reports an out-of-range submission field.
	ErrInvalidValue = errors.New("invalid field value")
)

// Named cache keys invalidated on every accepted submission.
var dashboardKeys = []string{
	"admin-dashboard",
	"admin-security-analytics",
	"flagged-reports",
}

// Namespaces bumped on report writes.
const (
	nsReports = "reports"
	nsAdmin   = "admin"
)

// Gate wires the ingest dependencies. One per process.
type Gate struct {
	principals identity.Store
	devices    *device.Repository
	reports    report.Store
	cache      *cache.Facade
	engine     *scoring.Engine
	notifier   notify.Notifier
	auth       *auth.Service
	metrics    *metrics.Metrics
}

func New(
	principals identity.Store,
	devices *device.Repository,
	reports report.Store,
	c *cache.Facade,
	engine *scoring.Engine,
	notifier notify.Notifier,
	authSvc *auth.Service,
	m *metrics.Metrics,
) *Gate {
	return &Gate{
		principals: principals,
		devices:    devices,
		reports:    reports,
		cache:      c,
		engine:     engine,
		notifier:   notifier,
		auth:       authSvc,
		metrics:    m,
	}
}

// emit forwards an event and counts it.
func (g *Gate) emit(ctx context.Context, ev notify.Event) {
	if g.metrics != nil {
		g.metrics.EventsEmitted.WithLabelValues(ev.Type).Inc()
	}
	if g.notifier != nil {
		g.notifier.Notify(ctx, ev)
	}
}

// invalidateReportCaches drops the dashboard keys and logically invalidates
// the report namespaces. Never fails the request.
func (g *Gate) invalidateReportCaches(ctx context.Context) {
	g.cache.Delete(ctx, dashboardKeys...)
	g.cache.BumpNamespace(ctx, nsReports)
	g.cache.BumpNamespace(ctx, nsAdmin)
}

// saveReportWithRetry runs mutate under the optimistic-write loop, capped
// at three attempts like the device path.
func (g *Gate) saveReportWithRetry(ctx context.Context, id string, mutate func(*report.Report) error) (*report.Report, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		r, err := g.reports.GetReport(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(r); err != nil {
			return nil, err
		}
		if err := g.reports.SaveReport(ctx, r); err != nil {
			if errors.Is(err, report.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return r, nil
	}
	return nil, lastErr
}

func obfuscatedPayload(r *report.Report) map[string]any {
	return map[string]any{
		"id":       r.ID,
		"type":     r.Type,
		"severity": r.Severity,
		"location": map[string]any{
			"lng": r.Location.PublicLng,
			"lat": r.Location.PublicLat,
		},
		"priority":       r.Moderation.Priority,
		"security_score": r.Flags.SecurityScore,
	}
}

// touchQuarantineState re-checks both halves of the resolved identity and
// persists any lazy expiry it observes, so an expired quarantine self-heals
// on first access.
func (g *Gate) touchQuarantineState(ctx context.Context, p *identity.Principal, d *device.Device, now time.Time) error {
	if d != nil {
		wasActive := d.Security.Quarantine.Active
		stillQuarantined := d.CheckQuarantineExpiry(now)
		if wasActive && !stillQuarantined {
			// The expiry check inside the mutate re-runs against the stored
			// copy; the caller's clock decides, not the save hooks'.
			if _, err := g.devices.Update(ctx, d.FingerprintID, false, func(dd *device.Device) error {
				dd.CheckQuarantineExpiry(now)
				return nil
			}); err == nil {
				if g.metrics != nil {
					g.metrics.QuarantinesLifted.WithLabelValues("auto").Inc()
				}
			}
		}
		if stillQuarantined || d.Security.PermanentBan {
			return ErrQuarantined
		}
	}

	if p != nil && !p.Ephemeral {
		wasActive := p.Security.Quarantine.Active
		stillQuarantined := p.IsQuarantined(now)
		if wasActive && !stillQuarantined {
			p.RunSaveHooks(identity.SaveContext{Now: now})
			_ = g.principals.SavePrincipal(ctx, p)
		}
		if stillQuarantined || p.Security.PermanentBan {
			return ErrQuarantined
		}
	}
	return nil
}
