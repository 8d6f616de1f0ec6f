package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/identity"
)

// Request carries the identity material of one incoming call.
type Request struct {
	BearerToken string
	Fingerprint string
	IP          string
	UserAgent   string
}

// Resolved is the identity the gate settled on: a principal (possibly
// ephemeral) and, when a fingerprint is known, its device.
type Resolved struct {
	Principal *identity.Principal
	Device    *device.Device
}

// Resolve yields the principal and device for a request. Resolution order:
// a valid bearer of an unlocked admin wins; then the principal linked to a
// persisted device; otherwise an in-memory ephemeral anonymous principal.
func (g *Gate) Resolve(ctx context.Context, req Request, now time.Time) (*Resolved, error) {
	res := &Resolved{}

	if req.Fingerprint != "" {
		d, err := g.devices.FindByFingerprint(ctx, req.Fingerprint)
		if err != nil && !errors.Is(err, device.ErrNotFound) {
			return nil, fmt.Errorf("resolve device: %w", err)
		}
		res.Device = d // nil when not yet persisted
	}

	if req.BearerToken != "" {
		p, err := g.auth.Verify(ctx, req.BearerToken, now)
		if err == nil && p.Role == identity.RoleAdmin {
			res.Principal = p
			return res, nil
		}
		if err != nil && errors.Is(err, identity.ErrAccountLocked) {
			return nil, err
		}
		// Invalid or expired token degrades to the anonymous paths.
	}

	if res.Device != nil && res.Device.PrincipalID != "" {
		p, err := g.principals.GetPrincipal(ctx, res.Device.PrincipalID)
		if err == nil {
			res.Principal = p
			return res, nil
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return nil, fmt.Errorf("resolve device principal: %w", err)
		}
		// Broken back-reference; promotion heals it on the next write.
		slog.Warn("gate: device links missing principal", "fingerprint", res.Device.FingerprintID)
	}

	res.Principal = identity.NewEphemeral(ephemeralID(now), now)
	return res, nil
}

func ephemeralID(now time.Time) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("ephemeral_anon_%d_0", now.UnixNano())
	}
	return fmt.Sprintf("ephemeral_anon_%d_%s", now.UnixNano(), hex.EncodeToString(b))
}

// effectiveFingerprint falls back to a derived identity when a client sends
// no fingerprint header, so every submission still resolves to a device.
func effectiveFingerprint(req Request) string {
	if req.Fingerprint != "" {
		if len(req.Fingerprint) > device.MaxFingerprintLen {
			return req.Fingerprint[:device.MaxFingerprintLen]
		}
		return req.Fingerprint
	}
	return "ipua_" + device.HashIP(req.IP+"|"+req.UserAgent)
}

// promote atomically ensures a persistent principal and device exist for a
// submitting ephemeral identity and that they reference each other.
func (g *Gate) promote(ctx context.Context, res *Resolved, req Request, now time.Time) error {
	fp := effectiveFingerprint(req)

	// Device first: it is the promotion key.
	if res.Device == nil {
		d, err := g.devices.FindByFingerprint(ctx, fp)
		if err != nil {
			if !errors.Is(err, device.ErrNotFound) {
				return fmt.Errorf("promotion device lookup: %w", err)
			}
			d = device.New(fp, now)
			d.Network.IPHash = device.HashIP(req.IP)
			if req.UserAgent != "" {
				d.Signature.UserAgent = req.UserAgent
				d.Signature.UserAgentHash = device.HashUserAgent(req.UserAgent)
			}
			if err := g.devices.Create(ctx, d, now); err != nil {
				// Lost a create race: the other writer's device wins.
				existing, findErr := g.devices.FindByFingerprint(ctx, fp)
				if findErr != nil {
					return fmt.Errorf("promotion device create: %w", err)
				}
				d = existing
			}
		}
		res.Device = d
	}

	if !res.Principal.Ephemeral {
		return nil
	}

	// Find-or-create the persistent anonymous principal keyed by device.
	p, err := g.principals.FindPrincipalByDevice(ctx, res.Device.FingerprintID)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			return fmt.Errorf("promotion principal lookup: %w", err)
		}
		p = identity.NewAnonymousFromDevice(res.Device.FingerprintID, now)
		if err := g.principals.SavePrincipal(ctx, p); err != nil {
			if !errors.Is(err, identity.ErrConflict) {
				return fmt.Errorf("promotion principal create: %w", err)
			}
			// Concurrent promotion of the same device; take theirs.
			p, err = g.principals.FindPrincipalByDevice(ctx, res.Device.FingerprintID)
			if err != nil {
				return fmt.Errorf("promotion principal re-lookup: %w", err)
			}
		}
	}
	res.Principal = p

	// Heal the back-reference.
	if res.Device.PrincipalID != p.ID {
		updated, err := g.devices.Update(ctx, res.Device.FingerprintID, false, func(d *device.Device) error {
			d.PrincipalID = p.ID
			return nil
		})
		if err != nil {
			return fmt.Errorf("promotion link heal: %w", err)
		}
		res.Device = updated
	}
	return nil
}
