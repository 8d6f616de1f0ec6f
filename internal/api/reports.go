package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/civicsafe/backend/internal/audit"
	"github.com/civicsafe/backend/internal/gate"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/report"
)

type submitRequest struct {
	Type        string   `json:"type" validate:"required"`
	Description string   `json:"description" validate:"required"`
	Severity    int      `json:"severity" validate:"required,min=1,max=5"`
	Anonymous   bool     `json:"anonymous"`
	Location    struct {
		Coordinates []float64 `json:"coordinates" validate:"required,len=2"`
		Address     string    `json:"address"`
		Source      string    `json:"source" validate:"omitempty,oneof=gps manual geocoded"`
		AccuracyM   float64   `json:"accuracy_m"`
	} `json:"location" validate:"required"`
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var in submitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeKind(w, http.StatusBadRequest, KindInvalidValue, "malformed JSON body")
		return
	}
	if err := s.validate.Struct(&in); err != nil {
		s.writeKind(w, http.StatusBadRequest, KindMissingField, "missing or invalid fields: "+err.Error())
		return
	}

	saved, err := s.gate.SubmitReport(r.Context(), gateRequest(r), gate.SubmitInput{
		Type:        report.Type(in.Type),
		Description: in.Description,
		Severity:    in.Severity,
		Lng:         in.Location.Coordinates[0],
		Lat:         in.Location.Coordinates[1],
		Address:     in.Location.Address,
		Source:      in.Location.Source,
		Anonymous:   in.Anonymous,
		AccuracyM:   in.Location.AccuracyM,
	}, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":             saved.ID,
		"requiresReview": saved.Moderation.Status == report.StatusPending,
	})
}

// reportView is the public projection: obfuscated coordinates only.
type reportView struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Severity    int       `json:"severity"`
	Status      string    `json:"status"`
	Location    []float64 `json:"location"` // [lng, lat], obfuscated
	Address     string    `json:"address,omitempty"`
	Validation  struct {
		Positive int     `json:"positive"`
		Negative int     `json:"negative"`
		Trust    float64 `json:"trust"`
	} `json:"validation"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`

	// Admin-only fields.
	OriginalLocation []float64 `json:"original_location,omitempty"`
	Priority         int       `json:"priority,omitempty"`
	SecurityScore    *int      `json:"security_score,omitempty"`
	Flagged          *bool     `json:"flagged,omitempty"`
	DeviceID         string    `json:"device_id,omitempty"`
}

func viewOf(r *report.Report, admin bool) reportView {
	v := reportView{
		ID:          r.ID,
		Type:        string(r.Type),
		Description: r.Description,
		Severity:    r.Severity,
		Status:      string(r.Moderation.Status),
		Location:    []float64{r.Location.PublicLng, r.Location.PublicLat},
		Address:     r.Location.Address,
		OccurredAt:  r.OccurredAt,
		CreatedAt:   r.CreatedAt,
	}
	v.Validation.Positive = r.Validation.Positive
	v.Validation.Negative = r.Validation.Negative
	v.Validation.Trust = r.Validation.TrustScore
	if admin {
		v.OriginalLocation = []float64{r.Location.OriginalLng, r.Location.OriginalLat}
		v.Priority = r.Moderation.Priority
		score := r.Flags.SecurityScore
		v.SecurityScore = &score
		flagged := r.Flags.PotentialSpam || r.Flags.SuspiciousLocation || r.Flags.CrossBorderReport
		v.Flagged = &flagged
		v.DeviceID = r.SubmittedBy.DeviceID
	}
	return v
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	admin := false
	if bearerToken(r) != "" {
		if _, err := s.adminFromRequest(r); err == nil {
			admin = true
		}
	}

	q := r.URL.Query()
	filter := report.Filter{
		Type:  report.Type(q.Get("type")),
		Limit: 200,
	}
	if status := q.Get("status"); status != "" {
		filter.Status = report.Status(status)
	}

	rows, err := s.store.ListReports(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	genderSensitive := q.Get("genderSensitive") == "true"
	out := make([]reportView, 0, len(rows))
	for _, rep := range rows {
		if !visibleTo(rep, admin) {
			continue
		}
		if genderSensitive && !report.FemaleSensitive(rep.Type) {
			continue
		}
		out = append(out, viewOf(rep, admin))
	}

	sortViews(out, q.Get("sortBy"), q.Get("sortOrder"))
	writeJSON(w, http.StatusOK, map[string]any{"reports": out, "count": len(out)})
}

// visibleTo applies the feed visibility rules: the public sees only approved
// and verified reports; admins see everything except archived by default.
func visibleTo(r *report.Report, admin bool) bool {
	status := r.Moderation.Status
	if admin {
		return status != report.StatusArchived
	}
	return status == report.StatusApproved || status == report.StatusVerified
}

func sortViews(views []reportView, by, order string) {
	desc := order != "asc"
	less := func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) }
	switch by {
	case "severity":
		less = func(i, j int) bool { return views[i].Severity > views[j].Severity }
	case "trust":
		less = func(i, j int) bool { return views[i].Validation.Trust > views[j].Validation.Trust }
	}
	if !desc {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(views, less)
}

func (s *Server) handleValidateReport(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IsPositive *bool `json:"isPositive" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.IsPositive == nil {
		s.writeKind(w, http.StatusBadRequest, KindMissingField, "isPositive is required")
		return
	}

	saved, err := s.gate.ValidateReport(r.Context(), gateRequest(r), mux.Vars(r)["id"], *in.IsPositive, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     saved.ID,
		"status": saved.Moderation.Status,
		"validation": map[string]any{
			"positive": saved.Validation.Positive,
			"negative": saved.Validation.Negative,
			"trust":    saved.Validation.TrustScore,
		},
	})
}

func (s *Server) handleModerateReport(w http.ResponseWriter, r *http.Request, admin *identity.Principal) {
	var in struct {
		Status           string `json:"status" validate:"required"`
		ModerationReason string `json:"moderationReason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Status == "" {
		s.writeKind(w, http.StatusBadRequest, KindMissingField, "status is required")
		return
	}

	id := mux.Vars(r)["id"]
	saved, err := s.gate.Moderate(r.Context(), admin, id, report.Status(in.Status), in.ModerationReason, time.Now())
	s.auditAction(r, admin, "report_status_change", id, map[string]any{
		"to":     in.Status,
		"reason": in.ModerationReason,
	}, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(saved, true))
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request, admin *identity.Principal) {
	id := mux.Vars(r)["id"]
	_, err := s.gate.Moderate(r.Context(), admin, id, report.StatusDeleted, "deleted by moderator", time.Now())
	s.auditAction(r, admin, "report_delete", id, nil, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(report.StatusDeleted)})
}

func (s *Server) auditAction(r *http.Request, admin *identity.Principal, action, target string, details map[string]any, err error) {
	outcome := audit.OutcomeSuccess
	severity := "info"
	if err != nil {
		outcome = audit.OutcomeFailure
		severity = "warning"
	}
	actor := admin.ID
	if admin.Admin != nil {
		actor = admin.Admin.Username
	}
	s.audit.Record(r.Context(), audit.Entry{
		At:         time.Now(),
		Actor:      actor,
		ActionType: action,
		Target:     target,
		Details:    details,
		Outcome:    outcome,
		Severity:   severity,
	})
}
