// Package api exposes the core over JSON/HTTP: public report submission and
// feed, community validation, and the role-gated operator surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/civicsafe/backend/internal/auth"
	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/gate"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/report"
)

// Stable machine-readable error kinds.
const (
	KindMissingField        = "missing_field"
	KindInvalidValue        = "invalid_value"
	KindUnauthenticated     = "unauthenticated"
	KindForbiddenRole       = "forbidden_role"
	KindQuarantined         = "quarantined"
	KindAccountLocked       = "account_locked"
	KindRateLimited         = "rate_limited"
	KindDuplicateValidation = "duplicate_validation"
	KindSelfValidation      = "self_validation"
	KindNotFound            = "not_found"
	KindConflict            = "conflict"
	KindInternal            = "internal"
)

// errorBody is the envelope every error response carries. Context holds the
// underlying error text and is stripped in production builds.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

// classify maps a domain error onto an HTTP status and error kind.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, gate.ErrMissingField):
		return http.StatusBadRequest, KindMissingField, "a required field is missing"
	case errors.Is(err, gate.ErrInvalidValue), errors.Is(err, report.ErrInvalidTransition):
		return http.StatusBadRequest, KindInvalidValue, "a field value is out of range"
	case errors.Is(err, gate.ErrQuarantined):
		return http.StatusLocked, KindQuarantined, "source is quarantined"
	case errors.Is(err, identity.ErrAccountLocked):
		return http.StatusLocked, KindAccountLocked, "account is locked"
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, KindUnauthenticated, "authentication failed"
	case errors.Is(err, identity.ErrNotAdmin):
		return http.StatusForbidden, KindForbiddenRole, "operation requires an operator role"
	case errors.Is(err, report.ErrAlreadyValidated):
		return http.StatusConflict, KindDuplicateValidation, "device already validated this report"
	case errors.Is(err, gate.ErrSelfValidation):
		return http.StatusConflict, KindSelfValidation, "cannot validate own report"
	case errors.Is(err, report.ErrNotFound),
		errors.Is(err, device.ErrNotFound),
		errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound, KindNotFound, "resource not found"
	case errors.Is(err, report.ErrConflict),
		errors.Is(err, device.ErrConflict),
		errors.Is(err, identity.ErrConflict):
		return http.StatusConflict, KindConflict, "stale write, retry"
	default:
		return http.StatusInternalServerError, KindInternal, "internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind, message := classify(err)
	body := errorBody{Kind: kind, Message: message}
	if !s.production {
		body.Context = err.Error()
	}
	writeJSON(w, status, body)
}

func (s *Server) writeKind(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Kind: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
