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
)

// ValidateReport records one community verdict on a report. The submitting
// device cannot validate its own report, and a device validates a given
// report at most once. Automatic promotion transitions (verified,
// under_review) are applied by the report entity and announced here.
func (g *Gate) ValidateReport(ctx context.Context, req Request, reportID string, positive bool, now time.Time) (*report.Report, error) {
	res, err := g.Resolve(ctx, req, now)
	if err != nil {
		return nil, err
	}
	if err := g.touchQuarantineState(ctx, res.Principal, res.Device, now); err != nil {
		return nil, err
	}
	if err := g.promote(ctx, res, req, now); err != nil {
		return nil, err
	}

	target, err := g.reports.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if target.SubmittedBy.DeviceID == res.Device.FingerprintID {
		return nil, ErrSelfValidation
	}
	if res.Device.HasValidated(reportID) {
		return nil, report.ErrAlreadyValidated
	}

	from := target.Moderation.Status
	saved, err := g.saveReportWithRetry(ctx, reportID, func(r *report.Report) error {
		if r.SubmittedBy.DeviceID == res.Device.FingerprintID {
			return ErrSelfValidation
		}
		r.AddCommunityValidation(positive, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record validation: %w", err)
	}

	// Post-save bookkeeping on the validator's device; warnings only.
	if _, err := g.devices.Update(ctx, res.Device.FingerprintID, false, func(d *device.Device) error {
		if d.HasValidated(reportID) {
			return report.ErrAlreadyValidated
		}
		d.AddValidationRecord(device.ValidationRecord{
			ReportID:   reportID,
			IsPositive: positive,
			At:         now,
		})
		d.RecordActivity(now, false)
		return nil
	}); err != nil {
		slog.Warn("gate: validator device update failed",
			"fingerprint", res.Device.FingerprintID, "error", err)
	}

	if !res.Principal.Ephemeral {
		res.Principal.Activity.Contribution.ValidationsGiven++
		res.Principal.RunSaveHooks(identity.SaveContext{Now: now})
		if err := g.principals.SavePrincipal(ctx, res.Principal); err != nil {
			slog.Warn("gate: validator principal update failed",
				"principal", res.Principal.ID, "error", err)
		}
	}

	g.invalidateReportCaches(ctx)
	if saved.Moderation.Status != from {
		switch saved.Moderation.Status {
		case report.StatusVerified:
			g.emit(ctx, notify.Event{Type: notify.EventReportVerified, At: now, Payload: obfuscatedPayload(saved)})
		case report.StatusUnderReview:
			g.emit(ctx, notify.Event{Type: notify.EventReportFlaggedForReview, At: now, Payload: obfuscatedPayload(saved)})
		}
	}
	return saved, nil
}
