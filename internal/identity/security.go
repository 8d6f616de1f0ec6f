package identity

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// SetPassword hashes and stores the password. Admin variant only.
func (p *Principal) SetPassword(password string) error {
	if p.Role != RoleAdmin || p.Admin == nil {
		return ErrNotAdmin
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	p.Admin.PasswordHash = string(hash)
	return nil
}

// ComparePassword checks a candidate against the stored hash.
func (p *Principal) ComparePassword(password string) bool {
	if p.Role != RoleAdmin || p.Admin == nil || p.Admin.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(p.Admin.PasswordHash), []byte(password)) == nil
}

// RecordFailedLogin counts a failed attempt inside the rolling window and
// locks the account once the threshold is reached. Returns true when the
// account is now locked.
func (p *Principal) RecordFailedLogin(now time.Time) bool {
	if p.Role != RoleAdmin || p.Admin == nil {
		return false
	}
	a := p.Admin
	if a.FirstFailedAt == nil || now.Sub(*a.FirstFailedAt) > LoginWindow {
		// Window expired: this attempt starts a fresh one.
		first := now
		a.FirstFailedAt = &first
		a.LoginAttempts = 0
	}
	a.LoginAttempts++
	if a.LoginAttempts >= MaxLoginAttempts {
		until := now.Add(LockDuration)
		a.LockedUntil = &until
		p.AddSecurityEvent(SecurityEvent{
			At:       now,
			Kind:     "login_lockout",
			Severity: SeverityHigh,
			Detail:   fmt.Sprintf("%d failed logins within %s", a.LoginAttempts, LoginWindow),
		})
		return true
	}
	return false
}

// ResetLoginAttempts clears the failure counter after a successful login.
func (p *Principal) ResetLoginAttempts() {
	if p.Admin == nil {
		return
	}
	p.Admin.LoginAttempts = 0
	p.Admin.FirstFailedAt = nil
	p.Admin.LockedUntil = nil
}

// IsLocked reports whether the admin account is inside a lockout window.
func (p *Principal) IsLocked(now time.Time) bool {
	if p.Admin == nil || p.Admin.LockedUntil == nil {
		return false
	}
	if p.Admin.LockedUntil.After(now) {
		return true
	}
	// Lock expired: clear it lazily, keep the attempt history window.
	p.Admin.LockedUntil = nil
	p.Admin.LoginAttempts = 0
	p.Admin.FirstFailedAt = nil
	return false
}

// AddSecurityEvent prepends to the bounded event log. A critical event
// auto-quarantines the principal for the default duration.
func (p *Principal) AddSecurityEvent(ev SecurityEvent) {
	p.Security.Events = append([]SecurityEvent{ev}, p.Security.Events...)
	if len(p.Security.Events) > SecurityEventCap {
		p.Security.Events = p.Security.Events[:SecurityEventCap]
	}
	if ev.Severity == SeverityCritical {
		p.Quarantine(ev.At, DefaultQuarantine, "critical security event: "+ev.Kind)
	}
}

// Quarantine places the principal under quarantine until now+d.
func (p *Principal) Quarantine(now time.Time, d time.Duration, reason string) {
	until := now.Add(d)
	p.Security.Quarantine = QuarantineState{
		Active: true,
		Until:  &until,
		Reason: reason,
	}
}

// ReleaseQuarantine clears an active quarantine.
func (p *Principal) ReleaseQuarantine() {
	p.Security.Quarantine = QuarantineState{}
}

// IsQuarantined lazily clears an expired quarantine and reports the current
// state. Callers that observe a transition should persist the principal.
func (p *Principal) IsQuarantined(now time.Time) bool {
	q := p.Security.Quarantine
	if !q.Active {
		return false
	}
	if q.Until != nil && !q.Until.After(now) {
		p.Security.Quarantine = QuarantineState{}
		return false
	}
	return true
}

// AddDeviceAssociation upserts a device link, optionally making it primary,
// and prunes to the most recent associations by last-used. Returns true when
// the primary device changed.
func (p *Principal) AddDeviceAssociation(assoc DeviceAssociation, setPrimary bool) bool {
	found := false
	for i := range p.Security.Devices {
		if p.Security.Devices[i].DeviceID == assoc.DeviceID {
			existing := &p.Security.Devices[i]
			existing.LastUsed = assoc.LastUsed
			if assoc.DeviceType != "" {
				existing.DeviceType = assoc.DeviceType
			}
			if assoc.TrustTier != "" {
				existing.TrustTier = assoc.TrustTier
			}
			found = true
			break
		}
	}
	if !found {
		p.Security.Devices = append(p.Security.Devices, assoc)
	}

	p.PruneDeviceAssociations()

	if setPrimary && p.Security.PrimaryDeviceID != assoc.DeviceID {
		p.Security.PrimaryDeviceID = assoc.DeviceID
		for i := range p.Security.Devices {
			p.Security.Devices[i].Primary = p.Security.Devices[i].DeviceID == assoc.DeviceID
		}
		return true
	}
	return false
}

// PruneDeviceAssociations keeps the most recent associations by last-used.
// The primary device is never evicted.
func (p *Principal) PruneDeviceAssociations() {
	if len(p.Security.Devices) <= DeviceAssociationCap {
		return
	}
	sort.SliceStable(p.Security.Devices, func(i, j int) bool {
		a, b := p.Security.Devices[i], p.Security.Devices[j]
		if a.DeviceID == p.Security.PrimaryDeviceID {
			return true
		}
		if b.DeviceID == p.Security.PrimaryDeviceID {
			return false
		}
		return a.LastUsed.After(b.LastUsed)
	})
	p.Security.Devices = p.Security.Devices[:DeviceAssociationCap]
}

// HasDevice reports whether the fingerprint is currently associated.
func (p *Principal) HasDevice(fingerprintID string) bool {
	for _, d := range p.Security.Devices {
		if d.DeviceID == fingerprintID {
			return true
		}
	}
	return false
}
