// Package store provides the authoritative document store behind the
// principal, device, and report aggregates. Two implementations exist: a
// Postgres JSONB store for production and an in-memory store for tests and
// infrastructure-free development. Both enforce optimistic concurrency
// through a per-document revision counter.
package store

import (
	"context"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/report"
)

// DocumentStore is the full persistence surface of the core. The entity
// packages each declare the slice they need; this interface is their union
// plus lifecycle hooks, so main can wire a single store everywhere.
type DocumentStore interface {
	identity.Store
	device.Store
	report.Store

	Ping(ctx context.Context) error
	Close()
}
