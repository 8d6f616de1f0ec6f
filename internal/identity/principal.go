// Package identity models principals: the humans (or scripted actors
// pretending to be humans) behind devices. A principal is one of four role
// variants; anonymous principals are created implicitly when an ephemeral
// request first persists something, operator variants are provisioned
// explicitly. Principals are never hard-deleted.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/civicsafe/backend/internal/device"
)

// Role is the principal variant tag. Exactly one role payload is populated.
type Role string

const (
	RoleAnonymous  Role = "anonymous"
	RoleAdmin      Role = "admin"
	RoleOfficer    Role = "officer"
	RoleResearcher Role = "researcher"
)

// Severity grades security events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Bounds on the principal's security profile.
const (
	SecurityEventCap     = 50
	DeviceAssociationCap = 10
	DefaultQuarantine    = 24 * time.Hour
)

// Login lockout policy for admin variants.
const (
	MaxLoginAttempts = 5
	LoginWindow      = 15 * time.Minute
	LockDuration     = 30 * time.Minute
)

var (
	ErrNotFound      = errors.New("principal not found")
	ErrConflict      = errors.New("principal revision conflict")
	ErrNotAdmin      = errors.New("operation requires the admin variant")
	ErrAccountLocked = errors.New("account locked")
)

// AdminPayload is the operator variant with credentials and a permission set.
type AdminPayload struct {
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	PasswordHash     string     `json:"password_hash,omitempty"`
	Permissions      []string   `json:"permissions,omitempty"`
	AdminLevel       int        `json:"admin_level"` // 1-10
	TwoFactorEnabled bool       `json:"two_factor_enabled,omitempty"`
	EmailVerified    bool       `json:"email_verified,omitempty"`
	LoginAttempts    int        `json:"login_attempts,omitempty"`
	FirstFailedAt    *time.Time `json:"first_failed_at,omitempty"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	ResetToken       string     `json:"reset_token,omitempty"`
	ResetTokenExpiry *time.Time `json:"reset_token_expiry,omitempty"`
}

// OfficerPayload identifies a verified law-enforcement or agency account.
type OfficerPayload struct {
	Badge      string `json:"badge"`
	Department string `json:"department"`
	Verified   bool   `json:"verified"`
	AccessTier string `json:"access_tier,omitempty"`
}

// ResearcherPayload identifies an approved research account.
type ResearcherPayload struct {
	Institution string `json:"institution"`
	Proposal    string `json:"proposal,omitempty"`
	Approved    bool   `json:"approved"`
	AccessTier  string `json:"access_tier,omitempty"`
}

// DeviceAssociation links a principal to a fingerprint it has used.
type DeviceAssociation struct {
	DeviceID   string    `json:"device_id"`
	DeviceType string    `json:"device_type,omitempty"`
	LastUsed   time.Time `json:"last_used"`
	TrustTier  string    `json:"trust_tier,omitempty"`
	Primary    bool      `json:"primary,omitempty"`
}

// SecurityEvent is one entry in the bounded event log.
type SecurityEvent struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Severity Severity  `json:"severity"`
	Detail   string    `json:"detail,omitempty"`
}

// QuarantineState mirrors the device-side shape.
type QuarantineState struct {
	Active bool       `json:"active"`
	Until  *time.Time `json:"until,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// SecurityProfile is the principal's trust and containment state.
type SecurityProfile struct {
	Devices         []DeviceAssociation `json:"devices,omitempty"` // cap 10 by last-used
	PrimaryDeviceID string              `json:"primary_device_id,omitempty"`
	TrustScore      int                 `json:"trust_score"` // 0-100
	RiskTier        device.RiskTier     `json:"risk_tier"`
	Quarantine      QuarantineState     `json:"quarantine"`
	Events          []SecurityEvent     `json:"events,omitempty"` // newest first, cap 50
	PermanentBan    bool                `json:"permanent_ban,omitempty"`
}

// ContributionMetrics track what the principal has given the platform.
type ContributionMetrics struct {
	ReportsSubmitted   int     `json:"reports_submitted"`
	ReportsApproved    int     `json:"reports_approved"`
	ValidationsGiven   int     `json:"validations_given"`
	ValidationAccuracy float64 `json:"validation_accuracy"` // percent
	Reputation         int     `json:"reputation"`
}

// ActivityProfile tracks engagement over the account's lifetime.
type ActivityProfile struct {
	FirstSeen         time.Time           `json:"first_seen"`
	LastSeen          time.Time           `json:"last_seen"`
	Sessions          int                 `json:"sessions"`
	ActiveMinutes     float64             `json:"active_minutes"`
	AvgSessionMinutes float64             `json:"avg_session_minutes,omitempty"`
	FeatureUsage      map[string]int      `json:"feature_usage,omitempty"`
	Contribution      ContributionMetrics `json:"contribution"`
}

// Preferences hold user-facing settings the core never interprets beyond
// female-safety mode.
type Preferences struct {
	Language             string   `json:"language,omitempty"`
	Theme                string   `json:"theme,omitempty"`
	NotificationChannels []string `json:"notification_channels,omitempty"`
	MapDisplay           string   `json:"map_display,omitempty"`
	FemaleSafetyMode     bool     `json:"female_safety_mode,omitempty"`
}

// Principal is the persistent aggregate.
type Principal struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	Revision int64  `json:"revision"`

	Admin      *AdminPayload      `json:"admin,omitempty"`
	Officer    *OfficerPayload    `json:"officer,omitempty"`
	Researcher *ResearcherPayload `json:"researcher,omitempty"`

	Security    SecurityProfile `json:"security"`
	Activity    ActivityProfile `json:"activity"`
	Preferences Preferences     `json:"preferences"`

	// Ephemeral principals exist in memory only and are never persisted.
	Ephemeral bool `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newPrincipal(role Role, now time.Time) *Principal {
	return &Principal{
		ID:   uuid.NewString(),
		Role: role,
		Security: SecurityProfile{
			TrustScore: 50,
			RiskTier:   device.RiskMedium,
		},
		Activity: ActivityProfile{
			FirstSeen: now,
			LastSeen:  now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewAnonymousFromDevice creates the persistent anonymous principal for a
// fingerprint, with the device pre-associated as primary.
func NewAnonymousFromDevice(fingerprintID string, now time.Time) *Principal {
	p := newPrincipal(RoleAnonymous, now)
	p.AddDeviceAssociation(DeviceAssociation{
		DeviceID: fingerprintID,
		LastUsed: now,
	}, true)
	return p
}

// NewAdmin provisions an admin-variant principal. The password is set
// separately through SetPassword.
func NewAdmin(username, email string, level int, permissions []string, now time.Time) *Principal {
	p := newPrincipal(RoleAdmin, now)
	p.Admin = &AdminPayload{
		Username:    username,
		Email:       email,
		AdminLevel:  level,
		Permissions: permissions,
	}
	return p
}

// NewOfficer provisions an officer-variant principal.
func NewOfficer(badge, department string, now time.Time) *Principal {
	p := newPrincipal(RoleOfficer, now)
	p.Officer = &OfficerPayload{Badge: badge, Department: department}
	return p
}

// NewResearcher provisions a researcher-variant principal.
func NewResearcher(institution, proposal string, now time.Time) *Principal {
	p := newPrincipal(RoleResearcher, now)
	p.Researcher = &ResearcherPayload{Institution: institution, Proposal: proposal}
	return p
}

// NewEphemeral synthesizes the in-memory-only principal the gate uses for
// requests with no resolvable identity. Never persisted.
func NewEphemeral(id string, now time.Time) *Principal {
	p := newPrincipal(RoleAnonymous, now)
	p.ID = id
	p.Ephemeral = true
	return p
}

// SuperAdminPermission grants every permission when present on an admin.
const SuperAdminPermission = "super_admin"

// Role permission matrices for the non-admin variants. Admin permissions
// live on the payload so operators can be scoped individually.
var (
	anonymousPermissions = map[string]bool{
		"submit_report":    true,
		"validate_report":  true,
		"view_public_feed": true,
	}
	officerPermissions = map[string]bool{
		"view_reports":    true,
		"verify_reports":  true,
		"view_analytics":  true,
		"view_public_feed": true,
	}
	researcherPermissions = map[string]bool{
		"view_reports":    true,
		"view_analytics":  true,
		"export_datasets": true,
		"view_public_feed": true,
	}
)

// HasPermission dispatches on the role variant. Admin principals carry their
// own permission set; super_admin short-circuits everything.
func (p *Principal) HasPermission(perm string) bool {
	switch p.Role {
	case RoleAdmin:
		if p.Admin == nil {
			return false
		}
		for _, have := range p.Admin.Permissions {
			if have == SuperAdminPermission || have == perm {
				return true
			}
		}
		return false
	case RoleOfficer:
		if p.Officer == nil || !p.Officer.Verified {
			return perm == "view_public_feed"
		}
		return officerPermissions[perm]
	case RoleResearcher:
		if p.Researcher == nil || !p.Researcher.Approved {
			return perm == "view_public_feed"
		}
		return researcherPermissions[perm]
	default:
		return anonymousPermissions[perm]
	}
}

// Store is the persistence surface the identity component needs.
type Store interface {
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	FindPrincipalByDevice(ctx context.Context, fingerprintID string) (*Principal, error)
	FindAdminByUsername(ctx context.Context, username string) (*Principal, error)
	SavePrincipal(ctx context.Context, p *Principal) error
	ListPrincipals(ctx context.Context, filter PrincipalFilter) ([]*Principal, error)
}

// PrincipalFilter narrows admin principal listings.
type PrincipalFilter struct {
	Role        Role
	Quarantined *bool
	Limit       int
}
