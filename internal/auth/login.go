package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicsafe/backend/internal/identity"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Service runs the admin login flow against the principal store, enforcing
// the lockout policy the identity entity implements.
type Service struct {
	store  identity.Store
	broker *Broker
}

func NewService(store identity.Store, broker *Broker) *Service {
	return &Service{store: store, broker: broker}
}

// Login verifies the password, applying the lockout rules. A locked account
// refuses even the correct password until the lock passes.
func (s *Service) Login(ctx context.Context, username, password string, now time.Time) (string, error) {
	p, err := s.store.FindAdminByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("look up admin %q: %w", username, err)
	}

	if p.IsLocked(now) {
		return "", identity.ErrAccountLocked
	}

	if !p.ComparePassword(password) {
		locked := p.RecordFailedLogin(now)
		if err := s.save(ctx, p, now); err != nil {
			slog.Warn("auth: persisting failed-login counter failed", "username", username, "error", err)
		}
		if locked {
			slog.Warn("auth: account locked after repeated failures", "username", username)
		}
		return "", ErrInvalidCredentials
	}

	p.ResetLoginAttempts()
	if err := s.save(ctx, p, now); err != nil {
		slog.Warn("auth: resetting login attempts failed", "username", username, "error", err)
	}

	return s.broker.Issue(p.ID, string(p.Role), now)
}

// Verify resolves a bearer token to its principal. Locked or quarantined
// admins are refused.
func (s *Service) Verify(ctx context.Context, token string, now time.Time) (*identity.Principal, error) {
	claims, err := s.broker.Verify(token, now)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPrincipal(ctx, claims.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("resolve token principal: %w", err)
	}
	if p.IsLocked(now) {
		return nil, identity.ErrAccountLocked
	}
	return p, nil
}

func (s *Service) save(ctx context.Context, p *identity.Principal, now time.Time) error {
	p.RunSaveHooks(identity.SaveContext{Now: now})
	return s.store.SavePrincipal(ctx, p)
}
