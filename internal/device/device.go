// Package device models a per-browser/app fingerprint identity and its
// continuously maintained trust, threat, and anomaly profiles.
//
// A device is created lazily on the first request that carries a fingerprint
// id and is never deleted. Every save recomputes trust and risk through the
// hook chain in hooks.go; the anomaly score is temporally smoothed so a
// single bad request cannot swing it by more than MaxAnomalyDelta.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// MaxFingerprintLen bounds the opaque fingerprint id.
const MaxFingerprintLen = 64

// MaxAnomalyDelta is the largest allowed anomaly change per save.
const MaxAnomalyDelta = 15

// Bounds for the per-device history logs.
const (
	ValidationLogCap    = 100
	QuarantineEventCap  = 50
	LocationHistoryCap  = 20
	DefaultQuarantineHr = 24
)

var (
	ErrNotFound = errors.New("device not found")
	ErrConflict = errors.New("device revision conflict")
)

// RiskTier is the coarse classification over the trust/threat/anomaly space.
type RiskTier string

const (
	RiskVeryLow  RiskTier = "very_low"
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// AnalysisPriority orders entries in the deep-analysis queue.
type AnalysisPriority string

const (
	PriorityLow      AnalysisPriority = "low"
	PriorityMedium   AnalysisPriority = "medium"
	PriorityHigh     AnalysisPriority = "high"
	PriorityCritical AnalysisPriority = "critical"
)

// SignatureProfile is the raw browser/app fingerprint surface.
type SignatureProfile struct {
	Canvas              string   `json:"canvas,omitempty"`
	WebGL               string   `json:"webgl,omitempty"`
	Audio               string   `json:"audio,omitempty"`
	ScreenResolution    string   `json:"screen_resolution,omitempty"`
	Timezone            string   `json:"timezone,omitempty"`
	Languages           []string `json:"languages,omitempty"`
	Platform            string   `json:"platform,omitempty"`
	UserAgent           string   `json:"user_agent,omitempty"`
	UserAgentHash       string   `json:"user_agent_hash,omitempty"`
	Fonts               []string `json:"fonts,omitempty"`
	Plugins             []string `json:"plugins,omitempty"`
	HardwareConcurrency int      `json:"hardware_concurrency,omitempty"`
	DeviceMemoryGB      float64  `json:"device_memory_gb,omitempty"`
	ColorDepth          int      `json:"color_depth,omitempty"`
	PixelRatio          float64  `json:"pixel_ratio,omitempty"`
}

// SignatureSnapshot records the identifying fields at the last significant
// signature change, for drift detection.
type SignatureSnapshot struct {
	UserAgent        string    `json:"user_agent,omitempty"`
	ScreenResolution string    `json:"screen_resolution,omitempty"`
	Timezone         string    `json:"timezone,omitempty"`
	Platform         string    `json:"platform,omitempty"`
	CapturedAt       time.Time `json:"captured_at"`
}

// BehaviorProfile aggregates interaction telemetry into a human-likeness view.
type BehaviorProfile struct {
	TypingSpeedWPM        float64 `json:"typing_speed_wpm,omitempty"`
	MousePatternHash      string  `json:"mouse_pattern_hash,omitempty"`
	KeyboardPatternHash   string  `json:"keyboard_pattern_hash,omitempty"`
	FormCompletionSeconds float64 `json:"form_completion_seconds,omitempty"`
	ScrollPattern         string  `json:"scroll_pattern,omitempty"`
	TouchPattern          string  `json:"touch_pattern,omitempty"`
	NavigationPattern     string  `json:"navigation_pattern,omitempty"`
	AvgSessionMinutes     float64 `json:"avg_session_minutes,omitempty"` // EMA
	ReportsPerDay         float64 `json:"reports_per_day,omitempty"`
	HumanScore            int     `json:"human_score"` // 0-100
}

// NetworkProfile is the estimated network origin of the device.
type NetworkProfile struct {
	Country           string   `json:"country,omitempty"`
	ISP               string   `json:"isp,omitempty"`
	ConnectionType    string   `json:"connection_type,omitempty"`
	DeviceType        string   `json:"device_type,omitempty"`
	VPN               bool     `json:"vpn,omitempty"`
	Proxy             bool     `json:"proxy,omitempty"`
	Tor               bool     `json:"tor,omitempty"`
	IPHash            string   `json:"ip_hash,omitempty"` // SHA-256 truncated to 16 hex
	SuspiciousHeaders []string `json:"suspicious_headers,omitempty"`
}

// AbuseCounters track submission outcomes for the device.
type AbuseCounters struct {
	Submitted int `json:"submitted"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Spam      int `json:"spam"`
	Flagged   int `json:"flagged"`
}

// ValidationStats track community-validation participation.
type ValidationStats struct {
	Given        int     `json:"given"`
	Correct      int     `json:"correct"`
	AccuracyRate float64 `json:"accuracy_rate"` // percent
}

// ValidationRecord is one community validation given by this device.
type ValidationRecord struct {
	ReportID   string    `json:"report_id"`
	IsPositive bool      `json:"is_positive"`
	At         time.Time `json:"at"`
}

// QuarantineState models an active or cleared quarantine.
type QuarantineState struct {
	Active bool       `json:"active"`
	Until  *time.Time `json:"until,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// QuarantineEvent is one entry in the quarantine history log.
type QuarantineEvent struct {
	At          time.Time `json:"at"`
	Action      string    `json:"action"` // quarantined | released
	Reason      string    `json:"reason,omitempty"`
	TriggeredBy string    `json:"triggered_by"` // auto | moderator
	AutoRelease bool      `json:"auto_release"`
	Until       *time.Time `json:"until,omitempty"`
}

// SecurityProfile is the device-side trust and abuse state.
type SecurityProfile struct {
	TrustScore        int                `json:"trust_score"` // 0-100
	RiskTier          RiskTier           `json:"risk_tier"`
	Abuse             AbuseCounters      `json:"abuse"`
	Validation        ValidationStats    `json:"validation"`
	ValidationLog     []ValidationRecord `json:"validation_log,omitempty"` // newest first, cap 100
	Violations        []string           `json:"violations,omitempty"`
	Quarantine        QuarantineState    `json:"quarantine"`
	QuarantineHistory []QuarantineEvent  `json:"quarantine_history,omitempty"` // cap 50
	PermanentBan      bool               `json:"permanent_ban,omitempty"`
	ShadowBan         bool               `json:"shadow_ban,omitempty"`
	SpamSuspected     bool               `json:"spam_suspected,omitempty"`
	SpoofingSuspected bool               `json:"spoofing_suspected,omitempty"`
	CoordinatedAttack bool               `json:"coordinated_attack,omitempty"`
}

// AnomalyProfile carries the smoothed anomaly score and deep-analysis state.
type AnomalyProfile struct {
	Score                 int              `json:"score"`          // 0-100
	PreviousScore         int              `json:"previous_score"` // smoothing anchor
	NeedsDetailedAnalysis bool             `json:"needs_detailed_analysis,omitempty"`
	AnalysisPriority      AnalysisPriority `json:"analysis_priority,omitempty"`
	QueuePosition         int              `json:"queue_position,omitempty"`
	ProcessingInProgress  bool             `json:"processing_in_progress,omitempty"`
	NextScheduledAnalysis *time.Time       `json:"next_scheduled_analysis,omitempty"`
	LastDeepAnalysis      *time.Time       `json:"last_deep_analysis,omitempty"`
}

// SubmissionPattern is the temporal histogram of the device's submissions.
type SubmissionPattern struct {
	Hourly                [24]int `json:"hourly"`
	Daily                 [7]int  `json:"daily"`
	PeakHours             []int   `json:"peak_hours,omitempty"`
	SuspiciousTimePattern bool    `json:"suspicious_time_pattern,omitempty"`
	Total                 int     `json:"total"`
}

// GeoPoint is a [lng, lat] observation with accuracy.
type GeoPoint struct {
	Lng       float64   `json:"lng"`
	Lat       float64   `json:"lat"`
	At        time.Time `json:"at"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
}

// LocationProfile tracks where the device reports from.
type LocationProfile struct {
	LastKnown          *GeoPoint  `json:"last_known,omitempty"`
	History            []GeoPoint `json:"history,omitempty"` // newest first, cap 20
	CrossBorderActivity bool      `json:"cross_border_activity,omitempty"`
	LocationJumps      int        `json:"location_jumps,omitempty"`
	GPSAccuracyM       float64    `json:"gps_accuracy_m,omitempty"`
	GPSSpoofSuspected  bool       `json:"gps_spoof_suspected,omitempty"`
}

// ThreatIntel is the slow-moving threat assessment maintained by deep analysis.
type ThreatIntel struct {
	Patterns            []string  `json:"patterns,omitempty"`
	CrossBorderSuspicion int      `json:"cross_border_suspicion"` // 0-100
	Botnet              bool      `json:"botnet,omitempty"`
	MassCampaign        bool      `json:"mass_campaign,omitempty"`
	Political           bool      `json:"political,omitempty"`
	ReportingFrequency  string    `json:"reporting_frequency,omitempty"`
	ContentSimilarity   int       `json:"content_similarity,omitempty"`
	Confidence          int       `json:"confidence"` // 0-100
	LastAssessment      time.Time `json:"last_assessment,omitempty"`
	Sources             []string  `json:"sources,omitempty"`
	Mitigations         []string  `json:"mitigations,omitempty"`
}

// CrossDeviceCorrelation links this device to likely-same-operator devices.
type CrossDeviceCorrelation struct {
	RelatedDevices        []string  `json:"related_devices,omitempty"`
	SharedCharacteristics []string  `json:"shared_characteristics,omitempty"`
	Confidence            int       `json:"confidence"` // 0-100
	RelatedAverageTrust   float64   `json:"related_average_trust,omitempty"`
	UpdatedAt             time.Time `json:"updated_at,omitempty"`
}

// Device is the persistent aggregate. PrincipalID is the optional back
// reference to the principal that owns this fingerprint.
type Device struct {
	FingerprintID string   `json:"fingerprint_id"`
	PrincipalID   string   `json:"principal_id,omitempty"`
	Revision      int64    `json:"revision"`

	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	Sessions  int       `json:"sessions"`

	Signature         SignatureProfile       `json:"signature"`
	PreviousSignature *SignatureSnapshot     `json:"previous_signature,omitempty"`
	Behavior          BehaviorProfile        `json:"behavior"`
	Network           NetworkProfile         `json:"network"`
	Security          SecurityProfile        `json:"security"`
	Anomaly           AnomalyProfile         `json:"anomaly"`
	Submissions       SubmissionPattern      `json:"submissions"`
	Location          LocationProfile        `json:"location"`
	Threat            ThreatIntel            `json:"threat"`
	Correlation       CrossDeviceCorrelation `json:"correlation"`
	ModeratorAlerts   []string               `json:"moderator_alerts,omitempty"`
}

// New creates a device for a fingerprint with neutral defaults.
func New(fingerprintID string, now time.Time) *Device {
	return &Device{
		FingerprintID: fingerprintID,
		CreatedAt:     now,
		LastSeen:      now,
		Behavior:      BehaviorProfile{HumanScore: 50}, // neutral until telemetry arrives
		Security: SecurityProfile{
			TrustScore: 50,
			RiskTier:   RiskMedium,
		},
	}
}

// Store is the persistence surface the device component needs. The Postgres
// and in-memory document stores both implement it.
type Store interface {
	GetDevice(ctx context.Context, fingerprintID string) (*Device, error)
	SaveDevice(ctx context.Context, d *Device) error

	// Detector and correlation queries (bounded).
	ListActiveDevices(ctx context.Context, since time.Time, minSubmissions, limit int) ([]*Device, error)
	ListDevicesByIPHash(ctx context.Context, ipHash string, limit int) ([]*Device, error)
	ListDevicesBySignature(ctx context.Context, userAgentHash, resolution string, limit int) ([]*Device, error)
	ListDevicesNear(ctx context.Context, lng, lat, radiusM float64, limit int) ([]*Device, error)
	ListDevicesByBehavior(ctx context.Context, minScore, maxScore int, activeSince time.Time, limit int) ([]*Device, error)
	ListDevices(ctx context.Context, filter DeviceFilter) ([]*Device, error)
}

// DeviceFilter narrows admin device listings.
type DeviceFilter struct {
	RiskTier    RiskTier
	Quarantined *bool
	MinAnomaly  int
	Limit       int
}

// HashIP returns the SHA-256 of an IP address truncated to 16 hex characters.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:16]
}

// HashUserAgent returns the full SHA-256 hex of a user-agent string.
func HashUserAgent(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
