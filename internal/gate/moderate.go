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

// Moderate applies a moderator decision to a report. The state machine is
// enforced by the entity; an illegal move fails loudly with the transition
// named. Device abuse counters follow the decision.
func (g *Gate) Moderate(ctx context.Context, moderator *identity.Principal, reportID string, to report.Status, reason string, now time.Time) (*report.Report, error) {
	if moderator == nil || moderator.Role != identity.RoleAdmin {
		return nil, identity.ErrNotAdmin
	}

	var from report.Status
	moderatorName := moderator.ID
	if moderator.Admin != nil {
		moderatorName = moderator.Admin.Username
	}

	saved, err := g.saveReportWithRetry(ctx, reportID, func(r *report.Report) error {
		from = r.Moderation.Status
		if err := r.Transition(to, moderatorName, reason, now); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, from, to)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.recordModerationOutcome(ctx, saved, from, to, now)
	g.invalidateReportCaches(ctx)

	switch to {
	case report.StatusApproved:
		g.emit(ctx, notify.Event{Type: notify.EventReportApproved, At: now, Payload: obfuscatedPayload(saved)})
	case report.StatusFlagged, report.StatusUnderReview:
		g.emit(ctx, notify.Event{Type: notify.EventReportFlaggedForReview, At: now, Payload: obfuscatedPayload(saved)})
	case report.StatusVerified:
		g.emit(ctx, notify.Event{Type: notify.EventReportVerified, At: now, Payload: obfuscatedPayload(saved)})
	case report.StatusDeleted:
		g.emit(ctx, notify.Event{Type: notify.EventReportDeleted, At: now, Payload: map[string]any{"id": saved.ID}})
	}
	return saved, nil
}

// recordModerationOutcome folds a decision into the submitting device's abuse
// counters. Failures are warnings; the decision itself is already durable.
func (g *Gate) recordModerationOutcome(ctx context.Context, r *report.Report, from, to report.Status, now time.Time) {
	fp := r.SubmittedBy.DeviceID
	if fp == "" || from == to {
		return
	}
	if _, err := g.devices.Update(ctx, fp, true, func(d *device.Device) error {
		switch to {
		case report.StatusApproved, report.StatusVerified:
			d.Security.Abuse.Approved++
		case report.StatusRejected:
			d.Security.Abuse.Rejected++
		case report.StatusFlagged:
			d.Security.Abuse.Flagged++
		}
		return nil
	}); err != nil {
		slog.Warn("gate: abuse counter update failed", "fingerprint", fp, "status", to, "error", err)
	}
}
