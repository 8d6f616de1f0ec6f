// Package audit defines the sink every mutating operator call reports to.
// Storage of the audit trail is an external collaborator; the core only
// needs the interface and a default structured-log sink.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Outcome of an audited action.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Entry is one audited operator action.
type Entry struct {
	At         time.Time      `json:"at"`
	Actor      string         `json:"actor"`
	ActionType string         `json:"action_type"`
	Target     string         `json:"target"`
	Details    map[string]any `json:"details,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
}

// Sink receives audit entries. Implementations must not fail the calling
// operation; delivery problems are their own to log.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// SlogSink writes entries to the process log. The default when no external
// audit collaborator is wired.
type SlogSink struct{}

func (SlogSink) Record(ctx context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	slog.Info("audit",
		"actor", e.Actor,
		"action", e.ActionType,
		"target", e.Target,
		"outcome", e.Outcome,
		"severity", e.Severity,
		"details", e.Details,
	)
}

// Nop discards entries. Used in tests.
type Nop struct{}

func (Nop) Record(ctx context.Context, e Entry) {}
