package gate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsafe/backend/internal/auth"
	"github.com/civicsafe/backend/internal/cache"
	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/notify"
	"github.com/civicsafe/backend/internal/report"
	"github.com/civicsafe/backend/internal/scoring"
	"github.com/civicsafe/backend/internal/store"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type fixture struct {
	gate  *Gate
	store *store.MemoryStore
	bus   *notify.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(rdb, "test:")
	t.Cleanup(func() { _ = c.Shutdown() })

	s := store.NewMemoryStore()
	bus := notify.NewBus()
	t.Cleanup(bus.Close)

	devices := device.NewRepository(s, c)
	engine := scoring.NewEngine(c, devices, s, bus, nil, 0)
	authSvc := auth.NewService(s, auth.NewBroker("test-secret", 0))

	return &fixture{
		gate:  New(s, devices, s, c, engine, bus, authSvc, nil),
		store: s,
		bus:   bus,
	}
}

func anonRequest(fp string) Request {
	return Request{
		Fingerprint: fp,
		IP:          "203.0.113.7",
		UserAgent:   "Mozilla/5.0 (Android 14)",
	}
}

func validInput() SubmitInput {
	return SubmitInput{
		Type:        report.TypeTheft,
		Description: "phone snatched by two men on a motorbike near the market gate",
		Severity:    3,
		Lng:         90.4125,
		Lat:         23.8103,
		Source:      "gps",
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := validInput()
	in.Type = ""
	_, err := f.gate.SubmitReport(ctx, anonRequest("fp-1"), in, testNow)
	assert.ErrorIs(t, err, ErrMissingField)

	in = validInput()
	in.Severity = 6
	_, err = f.gate.SubmitReport(ctx, anonRequest("fp-1"), in, testNow)
	assert.ErrorIs(t, err, ErrInvalidValue)

	in = validInput()
	in.Lat = 123
	_, err = f.gate.SubmitReport(ctx, anonRequest("fp-1"), in, testNow)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestFirstSubmissionPromotesExactlyOnePair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch := f.bus.Subscribe(notify.EventNewPendingReport)

	r, err := f.gate.SubmitReport(ctx, anonRequest("fp-new"), validInput(), testNow)
	require.NoError(t, err)
	require.Equal(t, report.StatusPending, r.Moderation.Status)

	// Exactly one persistent device exists and points at its principal.
	d, err := f.store.GetDevice(ctx, "fp-new")
	require.NoError(t, err)
	require.NotEmpty(t, d.PrincipalID)

	p, err := f.store.GetPrincipal(ctx, d.PrincipalID)
	require.NoError(t, err)
	assert.Equal(t, identity.RoleAnonymous, p.Role)
	assert.True(t, p.HasDevice("fp-new"), "principal links back to the device")

	all, err := f.store.ListPrincipals(ctx, identity.PrincipalFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "promotion creates exactly one principal")

	// The report carries the full security stamp.
	assert.Equal(t, p.ID, r.SubmittedBy.PrincipalID)
	assert.Equal(t, "fp-new", r.SubmittedBy.DeviceID)
	assert.Equal(t, device.HashIP("203.0.113.7"), r.SubmittedBy.IPHash)
	assert.True(t, r.SubmittedBy.Anonymous)
	assert.NotZero(t, r.Location.PublicLat)
	assert.NotEqual(t, r.Location.OriginalLat, r.Location.PublicLat)
	assert.NotEmpty(t, r.Processing.Distributed.JobID)
	assert.Equal(t, report.TierStandard, r.Processing.Distributed.Tier)

	select {
	case ev := <-ch:
		assert.Equal(t, notify.EventNewPendingReport, ev.Type)
		payload := ev.Payload
		assert.NotContains(t, payload, "original_location")
	default:
		t.Fatal("expected a new_pending_report event")
	}
}

func TestSecondSubmissionReusesPrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.SubmitReport(ctx, anonRequest("fp-same"), validInput(), testNow)
	require.NoError(t, err)
	_, err = f.gate.SubmitReport(ctx, anonRequest("fp-same"), validInput(), testNow.Add(time.Hour))
	require.NoError(t, err)

	all, err := f.store.ListPrincipals(ctx, identity.PrincipalFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	d, err := f.store.GetDevice(ctx, "fp-same")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Submissions.Total)
	assert.Equal(t, 2, d.Security.Abuse.Submitted)
}

func TestSubmissionWithoutFingerprintDerivesDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := Request{IP: "203.0.113.9", UserAgent: "curl/8.0"}
	r, err := f.gate.SubmitReport(ctx, req, validInput(), testNow)
	require.NoError(t, err)

	require.NotEmpty(t, r.SubmittedBy.DeviceID)
	d, err := f.store.GetDevice(ctx, r.SubmittedBy.DeviceID)
	require.NoError(t, err)
	assert.NotEmpty(t, d.PrincipalID)
}

func TestQuarantinedDeviceRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := device.New("fp-q", testNow)
	d.ScheduleQuarantineReview(testNow, "spam")
	require.NoError(t, f.store.SaveDevice(ctx, d))

	_, err := f.gate.SubmitReport(ctx, anonRequest("fp-q"), validInput(), testNow.Add(time.Hour))
	assert.ErrorIs(t, err, ErrQuarantined)
}

func TestExpiredQuarantineSelfHeals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := device.New("fp-healed", testNow)
	d.ScheduleQuarantineReview(testNow, "spam")
	require.NoError(t, f.store.SaveDevice(ctx, d))

	// Past the 24h deadline the gate lets the request through and persists
	// the cleared state.
	later := testNow.Add(25 * time.Hour)
	_, err := f.gate.SubmitReport(ctx, anonRequest("fp-healed"), validInput(), later)
	require.NoError(t, err)

	fresh, err := f.store.GetDevice(ctx, "fp-healed")
	require.NoError(t, err)
	assert.False(t, fresh.Security.Quarantine.Active)
}

func TestSpamSubmissionMarksDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := validInput()
	in.Description = "aaaaaaaaaaaaaaaaaaaa"
	r, err := f.gate.SubmitReport(ctx, anonRequest("fp-spam"), in, testNow)
	require.NoError(t, err)
	assert.True(t, r.Flags.PotentialSpam)

	d, err := f.store.GetDevice(ctx, "fp-spam")
	require.NoError(t, err)
	assert.True(t, d.Security.SpamSuspected)
	assert.Equal(t, 1, d.Security.Abuse.Spam)
}

func TestValidateRejectsSelfAndDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.gate.SubmitReport(ctx, anonRequest("fp-author"), validInput(), testNow)
	require.NoError(t, err)

	// The author's own device cannot validate.
	_, err = f.gate.ValidateReport(ctx, anonRequest("fp-author"), r.ID, true, testNow)
	assert.ErrorIs(t, err, ErrSelfValidation)

	// Another device validates once, then is rejected on the repeat.
	other := anonRequest("fp-other")
	_, err = f.gate.ValidateReport(ctx, other, r.ID, true, testNow)
	require.NoError(t, err)
	_, err = f.gate.ValidateReport(ctx, other, r.ID, true, testNow)
	assert.ErrorIs(t, err, report.ErrAlreadyValidated)
}

func TestValidationPromotesApprovedReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin := newAdmin(t, f, "mod1")
	r, err := f.gate.SubmitReport(ctx, anonRequest("fp-author"), validInput(), testNow)
	require.NoError(t, err)
	require.Equal(t, report.ValidatorRequirements{Minimum: 4}, r.Validation.Requirements)

	_, err = f.gate.Moderate(ctx, admin, r.ID, report.StatusApproved, "credible", testNow)
	require.NoError(t, err)

	ch := f.bus.Subscribe(notify.EventReportVerified)
	var last *report.Report
	for i := 0; i < 4; i++ {
		last, err = f.gate.ValidateReport(ctx, anonRequest(validatorFP(i)), r.ID, true, testNow)
		require.NoError(t, err)
	}
	assert.Equal(t, report.StatusVerified, last.Moderation.Status)

	select {
	case ev := <-ch:
		assert.Equal(t, notify.EventReportVerified, ev.Type)
	default:
		t.Fatal("expected a report_verified event")
	}
}

func validatorFP(i int) string {
	return "fp-validator-" + string(rune('a'+i))
}

func newAdmin(t *testing.T, f *fixture, username string) *identity.Principal {
	t.Helper()
	p := identity.NewAdmin(username, username+"@example.org", 5, nil, testNow)
	require.NoError(t, p.SetPassword("correct horse battery staple"))
	require.NoError(t, f.store.SavePrincipal(context.Background(), p))
	return p
}

func TestModerateEnforcesStateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin := newAdmin(t, f, "mod1")
	r, err := f.gate.SubmitReport(ctx, anonRequest("fp-author"), validInput(), testNow)
	require.NoError(t, err)

	// pending → verified skips approval and is illegal.
	_, err = f.gate.Moderate(ctx, admin, r.ID, report.StatusVerified, "", testNow)
	assert.ErrorIs(t, err, report.ErrInvalidTransition)

	saved, err := f.gate.Moderate(ctx, admin, r.ID, report.StatusApproved, "credible", testNow)
	require.NoError(t, err)
	assert.Equal(t, report.StatusApproved, saved.Moderation.Status)
	assert.Equal(t, "mod1", saved.Moderation.Moderator)

	// The submitting device's approval counter follows.
	d, err := f.store.GetDevice(ctx, "fp-author")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Security.Abuse.Approved)
}

func TestModerateRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.gate.SubmitReport(ctx, anonRequest("fp-author"), validInput(), testNow)
	require.NoError(t, err)

	anon := identity.NewEphemeral("ephemeral_anon_1_x", testNow)
	_, err = f.gate.Moderate(ctx, anon, r.ID, report.StatusApproved, "", testNow)
	assert.ErrorIs(t, err, identity.ErrNotAdmin)
}

func TestResolveBearerAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin := newAdmin(t, f, "mod1")
	authSvc := f.gate.auth
	token, err := authSvc.Login(ctx, "mod1", "correct horse battery staple", testNow)
	require.NoError(t, err)

	res, err := f.gate.Resolve(ctx, Request{BearerToken: token}, testNow)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, res.Principal.ID)
	assert.False(t, res.Principal.Ephemeral)
}

func TestResolveFallsBackToEphemeral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gate.Resolve(ctx, Request{Fingerprint: "fp-unknown", IP: "203.0.113.1"}, testNow)
	require.NoError(t, err)
	assert.True(t, res.Principal.Ephemeral)
	assert.Equal(t, identity.RoleAnonymous, res.Principal.Role)
	assert.Contains(t, res.Principal.ID, "ephemeral_anon_")
	assert.Nil(t, res.Device)
}
