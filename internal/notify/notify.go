// Package notify is the logical event surface of the core. Components emit
// events through the Notifier interface; transports (the in-process bus,
// the websocket hub) decide how to deliver them. Payloads carry obfuscated
// coordinates only.
package notify

import (
	"context"
	"time"
)

// Logical event types emitted by the core.
const (
	EventNewPendingReport         = "new_pending_report"
	EventReportApproved           = "report_approved"
	EventReportVerified           = "report_verified"
	EventReportFlaggedForReview   = "report_flagged_for_review"
	EventReportDeleted            = "report_deleted"
	EventHighRiskDevice           = "high_risk_device"
	EventCoordinatedAttackDetected = "coordinated_attack_detected"
)

// Event is one logical notification.
type Event struct {
	Type    string         `json:"type"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Notifier delivers logical events. Implementations must not block the
// caller: emission happens on hot save paths and failure is never fatal.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(ctx context.Context, ev Event) {}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}
