package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/report"
)

// MemoryStore is the infrastructure-free DocumentStore. It applies the same
// revision semantics as the Postgres store so the optimistic-write retry
// loops behave identically in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]*identity.Principal
	devices    map[string]*device.Device
	reports    map[string]*report.Report
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]*identity.Principal),
		devices:    make(map[string]*device.Device),
		reports:    make(map[string]*report.Report),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close()                         {}

// clone deep-copies a document through JSON so callers never share memory
// with the stored copy.
func clone[T any](src *T) *T {
	data, err := json.Marshal(src)
	if err != nil {
		panic("store: unmarshalable document: " + err.Error())
	}
	dst := new(T)
	if err := json.Unmarshal(data, dst); err != nil {
		panic("store: round-trip failed: " + err.Error())
	}
	return dst
}

// =============================================================================
// Principals
// =============================================================================

func (s *MemoryStore) GetPrincipal(ctx context.Context, id string) (*identity.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) FindPrincipalByDevice(ctx context.Context, fingerprintID string) (*identity.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.principals {
		if p.HasDevice(fingerprintID) {
			return clone(p), nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *MemoryStore) FindAdminByUsername(ctx context.Context, username string) (*identity.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.principals {
		if p.Role == identity.RoleAdmin && p.Admin != nil && p.Admin.Username == username {
			return clone(p), nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *MemoryStore) SavePrincipal(ctx context.Context, p *identity.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.principals[p.ID]
	if !ok {
		if p.Revision != 0 {
			return identity.ErrConflict
		}
		p.Revision = 1
	} else {
		if existing.Revision != p.Revision {
			return identity.ErrConflict
		}
		p.Revision++
	}
	s.principals[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) ListPrincipals(ctx context.Context, filter identity.PrincipalFilter) ([]*identity.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*identity.Principal
	for _, p := range s.principals {
		if filter.Role != "" && p.Role != filter.Role {
			continue
		}
		if filter.Quarantined != nil && p.Security.Quarantine.Active != *filter.Quarantined {
			continue
		}
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Activity.LastSeen.After(out[j].Activity.LastSeen)
	})
	return limitPrincipals(out, filter.Limit), nil
}

func limitPrincipals(in []*identity.Principal, limit int) []*identity.Principal {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

// =============================================================================
// Devices
// =============================================================================

func (s *MemoryStore) GetDevice(ctx context.Context, fingerprintID string) (*device.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[fingerprintID]
	if !ok {
		return nil, device.ErrNotFound
	}
	return clone(d), nil
}

func (s *MemoryStore) SaveDevice(ctx context.Context, d *device.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.devices[d.FingerprintID]
	if !ok {
		if d.Revision != 0 {
			return device.ErrConflict
		}
		d.Revision = 1
	} else {
		if existing.Revision != d.Revision {
			return device.ErrConflict
		}
		d.Revision++
	}
	s.devices[d.FingerprintID] = clone(d)
	return nil
}

func (s *MemoryStore) ListActiveDevices(ctx context.Context, since time.Time, minSubmissions, limit int) ([]*device.Device, error) {
	return s.selectDevices(limit, func(d *device.Device) bool {
		return !d.LastSeen.Before(since) && d.Submissions.Total >= minSubmissions
	}), nil
}

func (s *MemoryStore) ListDevicesByIPHash(ctx context.Context, ipHash string, limit int) ([]*device.Device, error) {
	return s.selectDevices(limit, func(d *device.Device) bool {
		return ipHash != "" && d.Network.IPHash == ipHash
	}), nil
}

func (s *MemoryStore) ListDevicesBySignature(ctx context.Context, userAgentHash, resolution string, limit int) ([]*device.Device, error) {
	return s.selectDevices(limit, func(d *device.Device) bool {
		if userAgentHash != "" && d.Signature.UserAgentHash == userAgentHash {
			return true
		}
		return resolution != "" && d.Signature.ScreenResolution == resolution
	}), nil
}

func (s *MemoryStore) ListDevicesNear(ctx context.Context, lng, lat, radiusM float64, limit int) ([]*device.Device, error) {
	return s.selectDevices(limit, func(d *device.Device) bool {
		p := d.Location.LastKnown
		if p == nil {
			return false
		}
		return device.HaversineMeters(lng, lat, p.Lng, p.Lat) <= radiusM
	}), nil
}

func (s *MemoryStore) ListDevicesByBehavior(ctx context.Context, minScore, maxScore int, activeSince time.Time, limit int) ([]*device.Device, error) {
	return s.selectDevices(limit, func(d *device.Device) bool {
		score := d.Behavior.HumanScore
		return score >= minScore && score <= maxScore && !d.LastSeen.Before(activeSince)
	}), nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, filter device.DeviceFilter) ([]*device.Device, error) {
	return s.selectDevices(filter.Limit, func(d *device.Device) bool {
		if filter.RiskTier != "" && d.Security.RiskTier != filter.RiskTier {
			return false
		}
		if filter.Quarantined != nil && d.Security.Quarantine.Active != *filter.Quarantined {
			return false
		}
		if filter.MinAnomaly > 0 && d.Anomaly.Score < filter.MinAnomaly {
			return false
		}
		return true
	}), nil
}

func (s *MemoryStore) selectDevices(limit int, match func(*device.Device) bool) []*device.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*device.Device
	for _, d := range s.devices {
		if match(d) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// =============================================================================
// Reports
// =============================================================================

func (s *MemoryStore) GetReport(ctx context.Context, id string) (*report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) SaveReport(ctx context.Context, r *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.reports[r.ID]
	if !ok {
		if r.Revision != 0 {
			return report.ErrConflict
		}
		r.Revision = 1
	} else {
		if existing.Revision != r.Revision {
			return report.ErrConflict
		}
		r.Revision++
	}
	s.reports[r.ID] = clone(r)
	return nil
}

func (s *MemoryStore) FindReportByContentHash(ctx context.Context, hash string) (*report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reports {
		if r.Dedup.ContentHash == hash && r.Moderation.Status != report.StatusDeleted {
			return clone(r), nil
		}
	}
	return nil, report.ErrNotFound
}

func (s *MemoryStore) ListReports(ctx context.Context, filter report.Filter) ([]*report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*report.Report
	for _, r := range s.reports {
		if !matchReport(r, filter) {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchReport(r *report.Report, filter report.Filter) bool {
	if filter.Status != "" && r.Moderation.Status != filter.Status {
		return false
	}
	if filter.Type != "" && r.Type != filter.Type {
		return false
	}
	if filter.DeviceID != "" && r.SubmittedBy.DeviceID != filter.DeviceID {
		return false
	}
	if filter.Flagged && !anyFlag(r) {
		return false
	}
	if !filter.Since.IsZero() && r.CreatedAt.Before(filter.Since) {
		return false
	}
	return true
}

func anyFlag(r *report.Report) bool {
	f := r.Flags
	return f.PotentialSpam || f.CrossBorderReport || f.SuspiciousLocation
}

// ensure the compile-time contract holds
var _ DocumentStore = (*MemoryStore)(nil)
