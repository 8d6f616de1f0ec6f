package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/report"
)

// schemaSQL is compiled into the binary so schema init works in runtime
// images that do not ship the source tree.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps each aggregate as a JSONB document with extracted
// columns backing the query indexes. Optimistic concurrency: every save
// carries the revision it read; a mismatch returns the entity's conflict
// sentinel and the caller's retry loop re-reads.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, uri string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Info("store: connected to postgres")
	return &PostgresStore{pool: pool}, nil
}

// InitSchema executes the embedded DDL. Idempotent.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// =============================================================================
// Principals
// =============================================================================

func (s *PostgresStore) GetPrincipal(ctx context.Context, id string) (*identity.Principal, error) {
	return scanPrincipal(s.pool.QueryRow(ctx,
		`SELECT doc, revision FROM principals WHERE id = $1`, id))
}

func (s *PostgresStore) FindPrincipalByDevice(ctx context.Context, fingerprintID string) (*identity.Principal, error) {
	return scanPrincipal(s.pool.QueryRow(ctx, `
		SELECT p.doc, p.revision FROM principals p
		JOIN principal_devices pd ON pd.principal_id = p.id
		WHERE pd.fingerprint_id = $1`, fingerprintID))
}

func (s *PostgresStore) FindAdminByUsername(ctx context.Context, username string) (*identity.Principal, error) {
	return scanPrincipal(s.pool.QueryRow(ctx,
		`SELECT doc, revision FROM principals WHERE admin_username = $1`, username))
}

func scanPrincipal(row pgx.Row) (*identity.Principal, error) {
	var doc []byte
	var revision int64
	if err := row.Scan(&doc, &revision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	var p identity.Principal
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode principal: %w", err)
	}
	p.Revision = revision
	return &p, nil
}

func (s *PostgresStore) SavePrincipal(ctx context.Context, p *identity.Principal) error {
	readRev := p.Revision
	nextRev := readRev + 1
	p.Revision = nextRev
	doc, err := json.Marshal(p)
	if err != nil {
		p.Revision = readRev
		return fmt.Errorf("encode principal: %w", err)
	}

	var username *string
	if p.Admin != nil && p.Admin.Username != "" {
		username = &p.Admin.Username
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		p.Revision = readRev
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var saveErr error
	if readRev == 0 {
		_, saveErr = tx.Exec(ctx, `
			INSERT INTO principals (id, doc, revision, role, risk_tier, quarantined, admin_username, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			p.ID, doc, nextRev, p.Role, p.Security.RiskTier,
			p.Security.Quarantine.Active, username, p.Activity.LastSeen)
		if saveErr == nil {
			// A no-op insert means another writer created the row first.
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT revision <> $2 FROM principals WHERE id = $1`, p.ID, nextRev).Scan(&exists); err == nil && exists {
				p.Revision = readRev
				return identity.ErrConflict
			}
		}
	} else {
		ct, err := tx.Exec(ctx, `
			UPDATE principals
			SET doc = $2, revision = $3, role = $4, risk_tier = $5,
			    quarantined = $6, admin_username = $7, last_seen = $8
			WHERE id = $1 AND revision = $9`,
			p.ID, doc, nextRev, p.Role, p.Security.RiskTier,
			p.Security.Quarantine.Active, username, p.Activity.LastSeen, readRev)
		saveErr = err
		if err == nil && ct.RowsAffected() == 0 {
			p.Revision = readRev
			return identity.ErrConflict
		}
	}
	if saveErr != nil {
		p.Revision = readRev
		return fmt.Errorf("save principal %s: %w", p.ID, saveErr)
	}

	// Rebuild the association rows so device-keyed lookups stay exact.
	if _, err := tx.Exec(ctx, `DELETE FROM principal_devices WHERE principal_id = $1`, p.ID); err != nil {
		p.Revision = readRev
		return fmt.Errorf("clear principal devices: %w", err)
	}
	for _, assoc := range p.Security.Devices {
		if _, err := tx.Exec(ctx, `
			INSERT INTO principal_devices (fingerprint_id, principal_id) VALUES ($1, $2)
			ON CONFLICT (fingerprint_id) DO UPDATE SET principal_id = EXCLUDED.principal_id`,
			assoc.DeviceID, p.ID); err != nil {
			p.Revision = readRev
			return fmt.Errorf("link principal device: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.Revision = readRev
		return fmt.Errorf("commit principal: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPrincipals(ctx context.Context, filter identity.PrincipalFilter) ([]*identity.Principal, error) {
	q := `SELECT doc, revision FROM principals WHERE 1=1`
	args := []any{}
	if filter.Role != "" {
		args = append(args, filter.Role)
		q += fmt.Sprintf(" AND role = $%d", len(args))
	}
	if filter.Quarantined != nil {
		args = append(args, *filter.Quarantined)
		q += fmt.Sprintf(" AND quarantined = $%d", len(args))
	}
	q += " ORDER BY last_seen DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	defer rows.Close()

	var out []*identity.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// Devices
// =============================================================================

func (s *PostgresStore) GetDevice(ctx context.Context, fingerprintID string) (*device.Device, error) {
	return scanDevice(s.pool.QueryRow(ctx,
		`SELECT doc, revision FROM devices WHERE fingerprint_id = $1`, fingerprintID))
}

func scanDevice(row pgx.Row) (*device.Device, error) {
	var doc []byte
	var revision int64
	if err := row.Scan(&doc, &revision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, device.ErrNotFound
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	var d device.Device
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	d.Revision = revision
	return &d, nil
}

func (s *PostgresStore) SaveDevice(ctx context.Context, d *device.Device) error {
	readRev := d.Revision
	nextRev := readRev + 1
	d.Revision = nextRev
	doc, err := json.Marshal(d)
	if err != nil {
		d.Revision = readRev
		return fmt.Errorf("encode device: %w", err)
	}

	var lng, lat *float64
	if p := d.Location.LastKnown; p != nil {
		lng, lat = &p.Lng, &p.Lat
	}

	if readRev == 0 {
		ct, err := s.pool.Exec(ctx, `
			INSERT INTO devices (fingerprint_id, doc, revision, risk_tier, ip_hash,
			    user_agent_hash, screen_resolution, human_score, trust_score,
			    anomaly_score, threat_confidence, cross_border, quarantined,
			    submissions_total, next_analysis, last_lng, last_lat, last_seen)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			ON CONFLICT (fingerprint_id) DO NOTHING`,
			d.FingerprintID, doc, nextRev, d.Security.RiskTier, d.Network.IPHash,
			d.Signature.UserAgentHash, d.Signature.ScreenResolution,
			d.Behavior.HumanScore, d.Security.TrustScore, d.Anomaly.Score,
			d.Threat.Confidence, d.Threat.CrossBorderSuspicion,
			d.Security.Quarantine.Active, d.Submissions.Total,
			d.Anomaly.NextScheduledAnalysis, lng, lat, d.LastSeen)
		if err != nil {
			d.Revision = readRev
			return fmt.Errorf("insert device %s: %w", d.FingerprintID, err)
		}
		if ct.RowsAffected() == 0 {
			d.Revision = readRev
			return device.ErrConflict
		}
		return nil
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET doc = $2, revision = $3, risk_tier = $4, ip_hash = $5,
		    user_agent_hash = $6, screen_resolution = $7, human_score = $8,
		    trust_score = $9, anomaly_score = $10, threat_confidence = $11,
		    cross_border = $12, quarantined = $13, submissions_total = $14,
		    next_analysis = $15, last_lng = $16, last_lat = $17, last_seen = $18
		WHERE fingerprint_id = $1 AND revision = $19`,
		d.FingerprintID, doc, nextRev, d.Security.RiskTier, d.Network.IPHash,
		d.Signature.UserAgentHash, d.Signature.ScreenResolution,
		d.Behavior.HumanScore, d.Security.TrustScore, d.Anomaly.Score,
		d.Threat.Confidence, d.Threat.CrossBorderSuspicion,
		d.Security.Quarantine.Active, d.Submissions.Total,
		d.Anomaly.NextScheduledAnalysis, lng, lat, d.LastSeen, readRev)
	if err != nil {
		d.Revision = readRev
		return fmt.Errorf("update device %s: %w", d.FingerprintID, err)
	}
	if ct.RowsAffected() == 0 {
		d.Revision = readRev
		return device.ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListActiveDevices(ctx context.Context, since time.Time, minSubmissions, limit int) ([]*device.Device, error) {
	return s.queryDevices(ctx, `
		SELECT doc, revision FROM devices
		WHERE last_seen >= $1 AND submissions_total >= $2
		ORDER BY last_seen DESC LIMIT $3`, since, minSubmissions, capLimit(limit))
}

func (s *PostgresStore) ListDevicesByIPHash(ctx context.Context, ipHash string, limit int) ([]*device.Device, error) {
	return s.queryDevices(ctx, `
		SELECT doc, revision FROM devices
		WHERE ip_hash = $1 ORDER BY last_seen DESC LIMIT $2`, ipHash, capLimit(limit))
}

func (s *PostgresStore) ListDevicesBySignature(ctx context.Context, userAgentHash, resolution string, limit int) ([]*device.Device, error) {
	return s.queryDevices(ctx, `
		SELECT doc, revision FROM devices
		WHERE (user_agent_hash = $1 AND $1 <> '')
		   OR (screen_resolution = $2 AND $2 <> '')
		ORDER BY last_seen DESC LIMIT $3`, userAgentHash, resolution, capLimit(limit))
}

func (s *PostgresStore) ListDevicesNear(ctx context.Context, lng, lat, radiusM float64, limit int) ([]*device.Device, error) {
	// Index-friendly bounding-box prefilter; exact Haversine cut afterwards.
	degLat := radiusM / 111_000
	degLng := degLat * 2 // generous at Bangladesh latitudes
	candidates, err := s.queryDevices(ctx, `
		SELECT doc, revision FROM devices
		WHERE last_lat BETWEEN $1 AND $2 AND last_lng BETWEEN $3 AND $4
		ORDER BY last_seen DESC LIMIT $5`,
		lat-degLat, lat+degLat, lng-degLng, lng+degLng, capLimit(limit)*4)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, d := range candidates {
		p := d.Location.LastKnown
		if p != nil && device.HaversineMeters(lng, lat, p.Lng, p.Lat) <= radiusM {
			out = append(out, d)
		}
		if len(out) == capLimit(limit) {
			break
		}
	}
	return out, nil
}

func (s *PostgresStore) ListDevicesByBehavior(ctx context.Context, minScore, maxScore int, activeSince time.Time, limit int) ([]*device.Device, error) {
	return s.queryDevices(ctx, `
		SELECT doc, revision FROM devices
		WHERE human_score BETWEEN $1 AND $2 AND last_seen >= $3
		ORDER BY last_seen DESC LIMIT $4`, minScore, maxScore, activeSince, capLimit(limit))
}

func (s *PostgresStore) ListDevices(ctx context.Context, filter device.DeviceFilter) ([]*device.Device, error) {
	q := `SELECT doc, revision FROM devices WHERE 1=1`
	args := []any{}
	if filter.RiskTier != "" {
		args = append(args, filter.RiskTier)
		q += fmt.Sprintf(" AND risk_tier = $%d", len(args))
	}
	if filter.Quarantined != nil {
		args = append(args, *filter.Quarantined)
		q += fmt.Sprintf(" AND quarantined = $%d", len(args))
	}
	if filter.MinAnomaly > 0 {
		args = append(args, filter.MinAnomaly)
		q += fmt.Sprintf(" AND anomaly_score >= $%d", len(args))
	}
	args = append(args, capLimit(filter.Limit))
	q += fmt.Sprintf(" ORDER BY last_seen DESC LIMIT $%d", len(args))
	return s.queryDevices(ctx, q, args...)
}

func (s *PostgresStore) queryDevices(ctx context.Context, q string, args ...any) ([]*device.Device, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []*device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const defaultQueryLimit = 200

func capLimit(limit int) int {
	if limit <= 0 || limit > defaultQueryLimit {
		return defaultQueryLimit
	}
	return limit
}

// =============================================================================
// Reports
// =============================================================================

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*report.Report, error) {
	return scanReport(s.pool.QueryRow(ctx,
		`SELECT doc, revision FROM reports WHERE id = $1`, id))
}

func scanReport(row pgx.Row) (*report.Report, error) {
	var doc []byte
	var revision int64
	if err := row.Scan(&doc, &revision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, report.ErrNotFound
		}
		return nil, fmt.Errorf("scan report: %w", err)
	}
	var r report.Report
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	r.Revision = revision
	return &r, nil
}

func (s *PostgresStore) SaveReport(ctx context.Context, r *report.Report) error {
	readRev := r.Revision
	nextRev := readRev + 1
	r.Revision = nextRev
	doc, err := json.Marshal(r)
	if err != nil {
		r.Revision = readRev
		return fmt.Errorf("encode report: %w", err)
	}

	flagged := r.Flags.PotentialSpam || r.Flags.CrossBorderReport || r.Flags.SuspiciousLocation

	if readRev == 0 {
		ct, err := s.pool.Exec(ctx, `
			INSERT INTO reports (id, doc, revision, status, type, severity, priority,
			    device_id, content_hash, job_id, queue_name, lng, lat, flagged, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (id) DO NOTHING`,
			r.ID, doc, nextRev, r.Moderation.Status, r.Type, r.Severity,
			r.Moderation.Priority, r.SubmittedBy.DeviceID, r.Dedup.ContentHash,
			r.Processing.Distributed.JobID, r.Processing.Distributed.QueueName,
			r.Location.PublicLng, r.Location.PublicLat, flagged, r.CreatedAt)
		if err != nil {
			r.Revision = readRev
			return fmt.Errorf("insert report %s: %w", r.ID, err)
		}
		if ct.RowsAffected() == 0 {
			r.Revision = readRev
			return report.ErrConflict
		}
		return nil
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET doc = $2, revision = $3, status = $4, priority = $5, device_id = $6,
		    content_hash = $7, job_id = $8, queue_name = $9, flagged = $10
		WHERE id = $1 AND revision = $11`,
		r.ID, doc, nextRev, r.Moderation.Status, r.Moderation.Priority,
		r.SubmittedBy.DeviceID, r.Dedup.ContentHash,
		r.Processing.Distributed.JobID, r.Processing.Distributed.QueueName,
		flagged, readRev)
	if err != nil {
		r.Revision = readRev
		return fmt.Errorf("update report %s: %w", r.ID, err)
	}
	if ct.RowsAffected() == 0 {
		r.Revision = readRev
		return report.ErrConflict
	}
	return nil
}

func (s *PostgresStore) FindReportByContentHash(ctx context.Context, hash string) (*report.Report, error) {
	return scanReport(s.pool.QueryRow(ctx, `
		SELECT doc, revision FROM reports
		WHERE content_hash = $1 AND status <> 'deleted'
		ORDER BY created_at DESC LIMIT 1`, hash))
}

func (s *PostgresStore) ListReports(ctx context.Context, filter report.Filter) ([]*report.Report, error) {
	q := `SELECT doc, revision FROM reports WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		q += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		q += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if filter.Flagged {
		q += " AND flagged"
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	args = append(args, capLimit(filter.Limit))
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []*report.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ DocumentStore = (*PostgresStore)(nil)
