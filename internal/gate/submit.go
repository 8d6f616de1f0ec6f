package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/notify"
	"github.com/civicsafe/backend/internal/report"
	"github.com/civicsafe/backend/internal/scoring"
)

// SubmitInput is one incoming report submission, already decoded from the
// transport layer.
type SubmitInput struct {
	Type        report.Type
	Description string
	Severity    int
	Lng, Lat    float64
	Address     string
	Source      string // gps | manual | geocoded
	Anonymous   bool

	// Optional client fingerprint surface, merged into the device profile.
	Signature device.SignatureProfile
	AccuracyM float64
}

func (in *SubmitInput) validate() error {
	if in.Type == "" {
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	if in.Description == "" {
		return fmt.Errorf("%w: description", ErrMissingField)
	}
	if in.Lng == 0 && in.Lat == 0 {
		return fmt.Errorf("%w: location", ErrMissingField)
	}
	if in.Severity < 1 || in.Severity > 5 {
		return fmt.Errorf("%w: severity must be 1-5", ErrInvalidValue)
	}
	if in.Lng < -180 || in.Lng > 180 || in.Lat < -90 || in.Lat > 90 {
		return fmt.Errorf("%w: coordinates", ErrInvalidValue)
	}
	return nil
}

// moderationPriority ranks the moderation queue, 1 highest. Female-sensitive
// severity-5 incidents jump to the top.
func moderationPriority(t report.Type, severity int) int {
	switch {
	case severity == 5 && report.FemaleSensitive(t):
		return 1
	case severity >= 4:
		return 2
	case severity >= 3:
		return 3
	default:
		return 4
	}
}

// SubmitReport runs the full ingest path: resolve, quarantine gate, promote,
// stamp, pre-save pipeline, persist, then the non-fatal post-save effects.
func (g *Gate) SubmitReport(ctx context.Context, req Request, in SubmitInput, now time.Time) (*report.Report, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		if g.metrics != nil {
			g.metrics.ReportsIngested.WithLabelValues(outcome).Inc()
			g.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if err := in.validate(); err != nil {
		outcome = "rejected"
		return nil, err
	}

	res, err := g.Resolve(ctx, req, now)
	if err != nil {
		return nil, err
	}
	if err := g.touchQuarantineState(ctx, res.Principal, res.Device, now); err != nil {
		outcome = "quarantined"
		return nil, err
	}

	// Submissions always come from a persistent identity pair.
	if err := g.promote(ctx, res, req, now); err != nil {
		return nil, err
	}
	// The promoted device may carry a quarantine the ephemeral path missed.
	if err := g.touchQuarantineState(ctx, res.Principal, res.Device, now); err != nil {
		outcome = "quarantined"
		return nil, err
	}

	r := report.New(in.Type, in.Description, in.Severity, now)
	r.Location = report.Location{
		OriginalLng:      in.Lng,
		OriginalLat:      in.Lat,
		Address:          in.Address,
		Source:           in.Source,
		WithinBangladesh: report.WithinBangladesh(in.Lng, in.Lat),
	}
	r.SubmittedBy = report.SubmittedBy{
		PrincipalID:      res.Principal.ID,
		PrincipalVariant: string(res.Principal.Role),
		DeviceID:         res.Device.FingerprintID,
		IPHash:           device.HashIP(req.IP),
		Anonymous:        in.Anonymous || res.Principal.Role == identity.RoleAnonymous,
	}

	// Pre-save pipeline: flags, requirements, hashes, obfuscation, placement.
	r.ComputeSecurityFlags()
	r.Validation.Requirements = report.RequirementsFor(r.Type, r.Severity)
	r.Moderation.Priority = moderationPriority(r.Type, r.Severity)
	r.Moderation.FemaleModeratorRequired = report.FemaleSensitive(r.Type)
	r.ComputeDedupHashes()
	r.ObfuscateLocation()
	scoring.PlaceReport(r)

	if err := g.reports.SaveReport(ctx, r); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	outcome = "accepted"

	// Everything past the save is a warning, never a failure: the report is
	// durable.
	g.afterSubmit(ctx, req, in, res, r, now)
	return r, nil
}

// afterSubmit applies the post-save side effects: device profile update,
// principal contribution, queueing, cache invalidation, notification.
func (g *Gate) afterSubmit(ctx context.Context, req Request, in SubmitInput, res *Resolved, r *report.Report, now time.Time) {
	updated, err := g.devices.Update(ctx, res.Device.FingerprintID, true, func(d *device.Device) error {
		sig := in.Signature
		if sig.UserAgent == "" {
			sig.UserAgent = req.UserAgent
		}
		if drift := d.UpdateSignature(sig, now); len(drift) > 0 {
			slog.Info("gate: signature drift on submission",
				"fingerprint", d.FingerprintID, "changed", drift)
		}
		d.Network.IPHash = device.HashIP(req.IP)
		d.RecordActivity(now, true)
		d.RecordLocation(device.GeoPoint{
			Lng: in.Lng, Lat: in.Lat, At: now, AccuracyM: in.AccuracyM,
		}, r.Location.WithinBangladesh)

		d.Security.Abuse.Submitted++
		if r.Flags.PotentialSpam {
			d.Security.Abuse.Spam++
			d.Security.SpamSuspected = true
		}
		if d.PrincipalID == "" {
			d.PrincipalID = res.Principal.ID
		}
		return nil
	})
	if err != nil {
		slog.Warn("gate: device update after submission failed",
			"fingerprint", res.Device.FingerprintID, "error", err)
		updated = res.Device
	} else {
		res.Device = updated
	}

	if updated.ShouldQuarantine() && !updated.Security.Quarantine.Active {
		if _, err := g.devices.Update(ctx, updated.FingerprintID, false, func(d *device.Device) error {
			d.ScheduleQuarantineReview(now, "auto: abuse thresholds exceeded")
			return nil
		}); err != nil {
			slog.Warn("gate: auto-quarantine failed", "fingerprint", updated.FingerprintID, "error", err)
		} else if g.metrics != nil {
			g.metrics.QuarantinesTriggered.WithLabelValues("device").Inc()
		}
	}

	if !res.Principal.Ephemeral {
		p := res.Principal
		p.Activity.Contribution.ReportsSubmitted++
		p.AddDeviceAssociation(identity.DeviceAssociation{
			DeviceID: updated.FingerprintID,
			LastUsed: now,
		}, p.Security.PrimaryDeviceID == "")
		p.RunSaveHooks(identity.SaveContext{Now: now})
		if err := g.principals.SavePrincipal(ctx, p); err != nil {
			slog.Warn("gate: principal update after submission failed",
				"principal", p.ID, "error", err)
		}
	}

	if g.engine != nil {
		g.engine.EnqueueDeviceAnalysis(ctx, updated, now)
		g.engine.EnqueueReportProcessing(ctx, r, now)
	}

	g.invalidateReportCaches(ctx)
	g.emit(ctx, notify.Event{
		Type:    notify.EventNewPendingReport,
		At:      now,
		Payload: obfuscatedPayload(r),
	})
}
