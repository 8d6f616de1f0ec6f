// Package report models an incident report through its moderation lifecycle:
// submitted pending, validated by the community, approved or rejected by
// moderators, possibly escalated, and eventually archived or deleted.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MinDescriptionLen is the non-spam floor for the free-text description.
const MinDescriptionLen = 10

var (
	ErrNotFound          = errors.New("report not found")
	ErrConflict          = errors.New("report revision conflict")
	ErrInvalidTransition = errors.New("invalid moderation transition")
	ErrAlreadyValidated  = errors.New("device already validated this report")
)

// Type is the incident taxonomy, limited to what scoring needs.
type Type string

const (
	TypeHarassment       Type = "harassment"
	TypeEveTeasing       Type = "eve_teasing"
	TypeStalking         Type = "stalking"
	TypeDomesticViolence Type = "domestic_violence"
	TypeTheft            Type = "theft"
	TypeRobbery          Type = "robbery"
	TypeAssault          Type = "assault"
	TypeVandalism        Type = "vandalism"
	TypeAccident         Type = "accident"
	TypeOther            Type = "other"
)

// femaleSensitiveTypes require female validators and raise the validation
// minimum by one.
var femaleSensitiveTypes = map[Type]bool{
	TypeHarassment:       true,
	TypeEveTeasing:       true,
	TypeStalking:         true,
	TypeDomesticViolence: true,
}

// FemaleSensitive reports whether the incident type is female-sensitive.
func FemaleSensitive(t Type) bool { return femaleSensitiveTypes[t] }

// Status is the moderation state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusFlagged     Status = "flagged"
	StatusUnderReview Status = "under_review"
	StatusVerified    Status = "verified"
	StatusArchived    Status = "archived"
	StatusDeleted     Status = "deleted"
)

// validTransitions is the moderation state machine. Deleted is terminal.
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusApproved, StatusRejected, StatusFlagged, StatusUnderReview, StatusDeleted},
	StatusApproved:    {StatusVerified, StatusUnderReview, StatusFlagged, StatusArchived, StatusDeleted},
	StatusRejected:    {StatusUnderReview, StatusArchived, StatusDeleted},
	StatusFlagged:     {StatusApproved, StatusRejected, StatusUnderReview, StatusDeleted},
	StatusUnderReview: {StatusApproved, StatusRejected, StatusFlagged, StatusDeleted},
	StatusVerified:    {StatusArchived, StatusFlagged, StatusDeleted},
	StatusArchived:    {StatusDeleted},
	StatusDeleted:     nil,
}

// CanTransition reports whether from → to is a legal moderation move.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProcessingTier routes a report into the distributed-processing queues.
type ProcessingTier string

const (
	TierEmergency ProcessingTier = "emergency"
	TierStandard  ProcessingTier = "standard"
	TierBackground ProcessingTier = "background"
	TierAnalytics ProcessingTier = "analytics"
)

// Location carries both the obfuscated public coordinates and the
// admin-only originals.
type Location struct {
	PublicLng        float64 `json:"public_lng"`
	PublicLat        float64 `json:"public_lat"`
	OriginalLng      float64 `json:"original_lng,omitempty"`
	OriginalLat      float64 `json:"original_lat,omitempty"`
	Address          string  `json:"address,omitempty"`
	Source           string  `json:"source,omitempty"` // gps | manual | geocoded
	WithinBangladesh bool    `json:"within_bangladesh"`
}

// SubmittedBy is the security stamp the gate applies at ingest.
type SubmittedBy struct {
	PrincipalID      string `json:"principal_id,omitempty"`
	PrincipalVariant string `json:"principal_variant,omitempty"`
	DeviceID         string `json:"device_id,omitempty"`
	IPHash           string `json:"ip_hash,omitempty"`
	Anonymous        bool   `json:"anonymous"`
}

// Moderation is the moderator-facing state.
type Moderation struct {
	Status                 Status     `json:"status"`
	Moderator              string     `json:"moderator,omitempty"`
	DecidedAt              *time.Time `json:"decided_at,omitempty"`
	Reason                 string     `json:"reason,omitempty"`
	Priority               int        `json:"priority,omitempty"` // 1 highest
	FemaleModeratorRequired bool      `json:"female_moderator_required,omitempty"`
}

// ValidatorRequirements state how much community confirmation this report
// needs before automatic promotion.
type ValidatorRequirements struct {
	Minimum        int  `json:"minimum"`
	FemaleRequired bool `json:"female_required,omitempty"`
}

// CommunityValidation aggregates crowd feedback.
type CommunityValidation struct {
	Positive     int                   `json:"positive"`
	Negative     int                   `json:"negative"`
	TrustScore   float64               `json:"trust_score"` // 0-100
	Validators   int                   `json:"validators"`
	Requirements ValidatorRequirements `json:"requirements"`
}

// SecurityFlags are computed at pre-save from content and location.
type SecurityFlags struct {
	PotentialSpam            bool `json:"potential_spam,omitempty"`
	CrossBorderReport        bool `json:"cross_border_report,omitempty"`
	SuspiciousLocation       bool `json:"suspicious_location,omitempty"`
	RequiresFemaleValidation bool `json:"requires_female_validation,omitempty"`
	SecurityScore            int  `json:"security_score"` // 0-100
}

// DistributedProcessing is the queue placement for async work.
type DistributedProcessing struct {
	Tier      ProcessingTier `json:"tier,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	QueueName string         `json:"queue_name,omitempty"`
}

// ProcessingStatus tracks the async pipeline for a report.
type ProcessingStatus struct {
	Overall            string                `json:"overall,omitempty"` // queued | processing | completed
	Mode               string                `json:"mode,omitempty"`
	Distributed        DistributedProcessing `json:"distributed"`
	AllPhasesCompleted bool                  `json:"all_phases_completed,omitempty"`
}

// Dedup holds content-identity hashes for duplicate suppression.
type Dedup struct {
	ContentHash  string `json:"content_hash,omitempty"`
	TemporalHash string `json:"temporal_hash,omitempty"`
}

// Report is the persistent aggregate.
type Report struct {
	ID          string `json:"id"`
	Revision    int64  `json:"revision"`
	Type        Type   `json:"type"`
	Description string `json:"description"`
	Severity    int    `json:"severity"` // 1-5

	Location    Location            `json:"location"`
	SubmittedBy SubmittedBy         `json:"submitted_by"`
	Moderation  Moderation          `json:"moderation"`
	Validation  CommunityValidation `json:"validation"`
	Flags       SecurityFlags       `json:"flags"`
	Processing  ProcessingStatus    `json:"processing"`
	Dedup       Dedup               `json:"dedup"`

	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// New creates a pending report. Pre-save hooks fill in flags, tier, and
// hashes before the first persist.
func New(t Type, description string, severity int, now time.Time) *Report {
	return &Report{
		ID:          uuid.NewString(),
		Type:        t,
		Description: description,
		Severity:    severity,
		Moderation:  Moderation{Status: StatusPending},
		OccurredAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition applies a moderator decision, enforcing the state machine.
func (r *Report) Transition(to Status, moderator, reason string, now time.Time) error {
	from := r.Moderation.Status
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	r.Moderation.Status = to
	r.Moderation.Moderator = moderator
	r.Moderation.Reason = reason
	r.Moderation.DecidedAt = &now
	r.UpdatedAt = now
	return nil
}

// DetermineProcessingTier classifies the report for the async pipeline.
// Severity-5 female-sensitive incidents jump the queue entirely.
func (r *Report) DetermineProcessingTier() ProcessingTier {
	switch {
	case r.Severity == 5 && FemaleSensitive(r.Type):
		return TierEmergency
	case r.Severity >= 3:
		return TierStandard
	default:
		return TierBackground
	}
}

// QueueScore computes the sorted-set score for distributed processing:
// a coarse priority bucket with the timestamp breaking ties, so older
// reports in the same bucket pop first.
func QueueScore(tier ProcessingTier, enqueued time.Time) float64 {
	bucket := map[ProcessingTier]float64{
		TierEmergency: 0,
		TierStandard:  1e12,
		TierBackground: 2e12,
		TierAnalytics: 3e12,
	}[tier]
	return bucket + float64(enqueued.Unix())
}

// Store is the persistence surface the report component needs.
type Store interface {
	GetReport(ctx context.Context, id string) (*Report, error)
	SaveReport(ctx context.Context, r *Report) error
	FindReportByContentHash(ctx context.Context, hash string) (*Report, error)
	ListReports(ctx context.Context, filter Filter) ([]*Report, error)
}

// Filter narrows report listings.
type Filter struct {
	Status   Status
	Type     Type
	DeviceID string
	Flagged  bool
	Since    time.Time
	Limit    int
}
