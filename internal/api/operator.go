package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/identity"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" || in.Password == "" {
		s.writeKind(w, http.StatusBadRequest, KindMissingField, "username and password are required")
		return
	}

	token, err := s.auth.Login(r.Context(), in.Username, in.Password, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type createPrincipalRequest struct {
	Role        string   `json:"role" validate:"required,oneof=admin officer researcher"`
	Username    string   `json:"username"`
	Email       string   `json:"email" validate:"omitempty,email"`
	Password    string   `json:"password"`
	AdminLevel  int      `json:"adminLevel" validate:"omitempty,min=1,max=10"`
	Permissions []string `json:"permissions"`
	Badge       string   `json:"badge"`
	Department  string   `json:"department"`
	Institution string   `json:"institution"`
	Proposal    string   `json:"proposal"`
}

func (s *Server) handleCreatePrincipal(w http.ResponseWriter, r *http.Request, admin *identity.Principal) {
	var in createPrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeKind(w, http.StatusBadRequest, KindInvalidValue, "malformed JSON body")
		return
	}
	if err := s.validate.Struct(&in); err != nil {
		s.writeKind(w, http.StatusBadRequest, KindMissingField, "missing or invalid fields: "+err.Error())
		return
	}

	now := time.Now()
	var p *identity.Principal
	switch identity.Role(in.Role) {
	case identity.RoleAdmin:
		if in.Username == "" || in.Password == "" {
			s.writeKind(w, http.StatusBadRequest, KindMissingField, "admin variant requires username and password")
			return
		}
		p = identity.NewAdmin(in.Username, in.Email, in.AdminLevel, in.Permissions, now)
		if err := p.SetPassword(in.Password); err != nil {
			s.writeError(w, err)
			return
		}
	case identity.RoleOfficer:
		p = identity.NewOfficer(in.Badge, in.Department, now)
	case identity.RoleResearcher:
		p = identity.NewResearcher(in.Institution, in.Proposal, now)
	}

	p.RunSaveHooks(identity.SaveContext{Now: now})
	err := s.store.SavePrincipal(r.Context(), p)
	s.auditAction(r, admin, "principal_create", p.ID, map[string]any{"role": in.Role}, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, principalView(p))
}

// principalView strips credentials before a principal leaves the process.
func principalView(p *identity.Principal) map[string]any {
	v := map[string]any{
		"id":          p.ID,
		"role":        p.Role,
		"trust_score": p.Security.TrustScore,
		"risk_tier":   p.Security.RiskTier,
		"quarantined": p.Security.Quarantine.Active,
		"devices":     p.Security.Devices,
		"last_seen":   p.Activity.LastSeen,
		"created_at":  p.CreatedAt,
	}
	if p.Admin != nil {
		v["username"] = p.Admin.Username
		v["admin_level"] = p.Admin.AdminLevel
		v["permissions"] = p.Admin.Permissions
	}
	if p.Officer != nil {
		v["badge"] = p.Officer.Badge
		v["department"] = p.Officer.Department
		v["verified"] = p.Officer.Verified
	}
	if p.Researcher != nil {
		v["institution"] = p.Researcher.Institution
		v["approved"] = p.Researcher.Approved
	}
	return v
}

func (s *Server) handleListPrincipals(w http.ResponseWriter, r *http.Request, _ *identity.Principal) {
	q := r.URL.Query()
	filter := identity.PrincipalFilter{
		Role:  identity.Role(q.Get("role")),
		Limit: 200,
	}
	if v := q.Get("quarantined"); v != "" {
		quarantined := v == "true"
		filter.Quarantined = &quarantined
	}

	rows, err := s.store.ListPrincipals(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, p := range rows {
		out = append(out, principalView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"principals": out, "count": len(out)})
}

func (s *Server) handleGetPrincipal(w http.ResponseWriter, r *http.Request, _ *identity.Principal) {
	p, err := s.store.GetPrincipal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, principalView(p))
}

type quarantineRequest struct {
	Active bool   `json:"active"`
	Hours  int    `json:"hours" validate:"omitempty,min=1"`
	Reason string `json:"reason"`
}

func (s *Server) handlePrincipalQuarantine(w http.ResponseWriter, r *http.Request, admin *identity.Principal) {
	var in quarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeKind(w, http.StatusBadRequest, KindInvalidValue, "malformed JSON body")
		return
	}
	id := mux.Vars(r)["id"]
	now := time.Now()

	p, err := s.store.GetPrincipal(r.Context(), id)
	if err == nil {
		if in.Active {
			hours := in.Hours
			if hours == 0 {
				hours = 24
			}
			p.Quarantine(now, time.Duration(hours)*time.Hour, in.Reason)
			if s.metrics != nil {
				s.metrics.QuarantinesTriggered.WithLabelValues("principal").Inc()
			}
		} else {
			p.ReleaseQuarantine()
			if s.metrics != nil {
				s.metrics.QuarantinesLifted.WithLabelValues("moderator").Inc()
			}
		}
		p.RunSaveHooks(identity.SaveContext{Now: now})
		err = s.store.SavePrincipal(r.Context(), p)
	}
	s.auditAction(r, admin, "principal_quarantine", id, map[string]any{
		"active": in.Active, "reason": in.Reason,
	}, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, principalView(p))
}

// deviceView is the moderator projection of a device.
func deviceView(d *device.Device) map[string]any {
	return map[string]any{
		"fingerprint_id":  d.FingerprintID,
		"principal_id":    d.PrincipalID,
		"trust_score":     d.Security.TrustScore,
		"risk_tier":       d.Security.RiskTier,
		"anomaly_score":   d.Anomaly.Score,
		"human_score":     d.Behavior.HumanScore,
		"quarantined":     d.Security.Quarantine.Active,
		"abuse":           d.Security.Abuse,
		"submissions":     d.Submissions.Total,
		"moderator_alerts": d.ModeratorAlerts,
		"threat_confidence": d.Threat.Confidence,
		"last_seen":       d.LastSeen,
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request, _ *identity.Principal) {
	q := r.URL.Query()
	filter := device.DeviceFilter{
		RiskTier: device.RiskTier(q.Get("riskTier")),
		Limit:    200,
	}
	if v := q.Get("quarantined"); v != "" {
		quarantined := v == "true"
		filter.Quarantined = &quarantined
	}
	if v := q.Get("minAnomaly"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.MinAnomaly = n
		}
	}

	rows, err := s.store.ListDevices(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, d := range rows {
		out = append(out, deviceView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) quarantineDevice(r *http.Request, fingerprintID string, in quarantineRequest, now time.Time) (*device.Device, error) {
	return s.devices.Update(r.Context(), fingerprintID, false, func(d *device.Device) error {
		if in.Active {
			d.ScheduleQuarantineReview(now, in.Reason)
		} else {
			d.ReleaseQuarantine(now, "moderator")
		}
		return nil
	})
}

func (s *Server) handleDeviceQuarantine(w http.ResponseWriter, r *http.Request, admin *identity.Principal) {
	var in quarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeKind(w, http.StatusBadRequest, KindInvalidValue, "malformed JSON body")
		return
	}
	id := mux.Vars(r)["id"]

	d, err := s.quarantineDevice(r, id, in, time.Now())
	s.auditAction(r, admin, "device_quarantine", id, map[string]any{
		"active": in.Active, "reason": in.Reason,
	}, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		if in.Active {
			s.metrics.QuarantinesTriggered.WithLabelValues("device").Inc()
		} else {
			s.metrics.QuarantinesLifted.WithLabelValues("moderator").Inc()
		}
	}
	writeJSON(w, http.StatusOK, deviceView(d))
}

func (s *Server) handleBulkDeviceQuarantine(w http.ResponseWriter, r *http.Request, admin *identity.Principal) {
	var in struct {
		FingerprintIDs []string `json:"fingerprintIds" validate:"required,min=1"`
		quarantineRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.FingerprintIDs) == 0 {
		s.writeKind(w, http.StatusBadRequest, KindMissingField, "fingerprintIds is required")
		return
	}

	now := time.Now()
	results := make(map[string]string, len(in.FingerprintIDs))
	failed := 0
	for _, fp := range in.FingerprintIDs {
		if _, err := s.quarantineDevice(r, fp, in.quarantineRequest, now); err != nil {
			results[fp] = "error"
			failed++
			continue
		}
		results[fp] = "ok"
		if s.metrics != nil && in.Active {
			s.metrics.QuarantinesTriggered.WithLabelValues("device").Inc()
		}
	}
	s.auditAction(r, admin, "device_quarantine_bulk", "devices", map[string]any{
		"count": len(in.FingerprintIDs), "failed": failed, "active": in.Active,
	}, nil)
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "failed": failed})
}

func (s *Server) handleSecurityStats(w http.ResponseWriter, r *http.Request, _ *identity.Principal) {
	ctx := r.Context()
	quarantined := true

	qDevices, _ := s.store.ListDevices(ctx, device.DeviceFilter{Quarantined: &quarantined, Limit: 1000})
	highRisk, _ := s.store.ListDevices(ctx, device.DeviceFilter{RiskTier: device.RiskHigh, Limit: 1000})
	critical, _ := s.store.ListDevices(ctx, device.DeviceFilter{RiskTier: device.RiskCritical, Limit: 1000})
	anomalous, _ := s.store.ListDevices(ctx, device.DeviceFilter{MinAnomaly: 60, Limit: 1000})

	stats := map[string]any{
		"quarantined_devices": len(qDevices),
		"high_risk_devices":   len(highRisk) + len(critical),
		"anomalous_devices":   len(anomalous),
		"websocket_clients":   0,
	}
	if s.hub != nil {
		stats["websocket_clients"] = s.hub.ClientCount()
	}
	if s.engine != nil {
		depths := s.engine.QueueDepths(ctx)
		queues := make(map[string]int64, len(depths))
		for tier, n := range depths {
			queues[string(tier)] = n
		}
		stats["queues"] = queues
	}
	writeJSON(w, http.StatusOK, stats)
}
