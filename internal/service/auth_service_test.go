package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"risk-auth-service/internal/audit"
	"risk-auth-service/internal/config"
	"risk-auth-service/internal/features"
	"risk-auth-service/internal/hashing"
	"risk-auth-service/internal/model"
	"risk-auth-service/internal/otp"
	"risk-auth-service/internal/repository/memory"
	"risk-auth-service/internal/risk"
	"risk-auth-service/internal/syncutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCode = "123456"

var (
	// 10:00 and 00:00 in Asia/Dubai.
	businessHours = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	offHours      = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
)

type env struct {
	svc     *AuthService
	devices *memory.DeviceStore
	sink    *audit.MemorySink
	factory *ServiceFactory
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Hashing:     config.HashingConfig{Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1, Peppers: []string{"p1"}},
		Risk: config.RiskConfig{
			ChallengeThreshold: 0.30,
			HighThreshold:      0.70,
			FallbackScore:      0.5,
			ModelTimeout:       100 * time.Millisecond,
			Timezone:           "Asia/Dubai",
			BusinessHourStart:  8,
			BusinessHourEnd:    18,
		},
		OTP: config.OTPConfig{CodeLength: 6, TTL: 5 * time.Minute, MaxAttempts: 3, NotifyTimeout: time.Second},
	}
}

func newEnv(t *testing.T, m risk.Model, limiter model.RateLimiter) *env {
	t.Helper()
	cfg := testConfig()
	hasher, err := hashing.NewHasher(cfg)
	require.NoError(t, err)

	e := &env{devices: memory.NewDeviceStore(), sink: audit.NewMemorySink()}
	e.factory, err = NewServiceFactory(cfg, Dependencies{
		Devices:    e.devices,
		Challenges: memory.NewChallengeStore(),
		Locker:     syncutil.NewKeyedMutex(),
		Limiter:    limiter,
		Digester:   hasher,
		Notifier:   otp.NotifierFunc(func(context.Context, otp.Notification) error { return nil }),
		Audit:      audit.NewRecorder(nil, time.Second, nil, e.sink),
		Model:      m,
		OTPOptions: []otp.Option{otp.WithCodeGenerator(func(int) (string, error) { return testCode, nil })},
	}, nil)
	require.NoError(t, err)
	e.svc = e.factory.AuthService()
	t.Cleanup(e.factory.Cleanup)
	return e
}

func loginAttempt(identity, location string, at time.Time) *model.LoginAttemptContext {
	return &model.LoginAttemptContext{
		Identity:          identity,
		CredentialValid:   true,
		Timestamp:         at,
		DeviceFingerprint: "fp-" + identity,
		NetworkAddress:    "203.0.113.7",
		Location:          location,
		UserAgent:         "Mozilla/5.0",
	}
}

func TestAuthenticate_ScenarioA_KnownDeviceInGulfIsAllowed(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.10), nil)
	ctx := context.Background()

	attempt := loginAttempt("alice", "Dubai, AE", businessHours)
	_, err := e.devices.RecordSighting(ctx, "alice", features.FingerprintHash(attempt.DeviceFingerprint), businessHours.Add(-24*time.Hour))
	require.NoError(t, err)

	res, err := e.svc.Authenticate(ctx, attempt)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAllow, res.Decision)
	assert.InDelta(t, 0.10, res.RiskScore, 1e-9)
	assert.Equal(t, []string{model.ReasonModel}, res.Reasons)
	assert.Nil(t, res.OTP)
}

func TestAuthenticate_ScenarioB_ForeignUnknownDeviceIsChallengedThenTrusted(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.40), nil)
	ctx := context.Background()

	attempt := loginAttempt("bob", "New York, US", businessHours)
	res, err := e.svc.Authenticate(ctx, attempt)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionChallenge, res.Decision)
	assert.InDelta(t, 0.40, res.RiskScore, 1e-9)
	require.NotNil(t, res.OTP)
	assert.False(t, res.OTP.Reused)

	v, err := e.svc.VerifyOTP(ctx, "bob", attempt.DeviceFingerprint, testCode)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, model.DecisionAllow, v.Decision)

	rec, err := e.devices.Lookup(ctx, "bob", features.FingerprintHash(attempt.DeviceFingerprint))
	require.NoError(t, err)
	assert.True(t, rec.Trusted)

	// Same device, same score: now trusted, so the middle band allows.
	res, err = e.svc.Authenticate(ctx, attempt)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAllow, res.Decision)

	assert.Equal(t, []model.AuditEventType{
		model.AuditDecision,
		model.AuditOTPIssued,
		model.AuditOTPVerified,
		model.AuditDevicePromoted,
		model.AuditDecision,
	}, e.sink.Types())
}

func TestAuthenticate_SharedChallengeTrustsNeitherDevice(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.40), nil)
	ctx := context.Background()

	fromA := loginAttempt("carol", "New York, US", businessHours)
	fromA.DeviceFingerprint = "device-a"
	fromB := loginAttempt("carol", "New York, US", businessHours)
	fromB.DeviceFingerprint = "device-b"

	res, err := e.svc.Authenticate(ctx, fromA)
	require.NoError(t, err)
	require.Equal(t, model.DecisionChallenge, res.Decision)

	res, err = e.svc.Authenticate(ctx, fromB)
	require.NoError(t, err)
	require.NotNil(t, res.OTP)
	assert.True(t, res.OTP.Reused)

	v, err := e.svc.VerifyOTP(ctx, "carol", fromB.DeviceFingerprint, testCode)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	for _, fp := range []string{"device-a", "device-b"} {
		rec, err := e.devices.Lookup(ctx, "carol", features.FingerprintHash(fp))
		require.NoError(t, err)
		assert.False(t, rec.Trusted, fp)
	}

	res, err = e.svc.Authenticate(ctx, fromA)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionChallenge, res.Decision)
}

func TestVerifyOTP_OtherDeviceIsNotTrusted(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.40), nil)
	ctx := context.Background()

	attempt := loginAttempt("dora", "New York, US", businessHours)
	_, err := e.svc.Authenticate(ctx, attempt)
	require.NoError(t, err)

	v, err := e.svc.VerifyOTP(ctx, "dora", "someone-else", testCode)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	rec, err := e.devices.Lookup(ctx, "dora", features.FingerprintHash(attempt.DeviceFingerprint))
	require.NoError(t, err)
	assert.False(t, rec.Trusted)
}

func TestAuthenticate_ScenarioC_HighRiskOffHoursEscalatesAfterExhaustion(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.80), nil)
	ctx := context.Background()

	res, err := e.svc.Authenticate(ctx, loginAttempt("carol", "Moscow, RU", offHours))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionChallenge, res.Decision, "score alone never denies")
	assert.InDelta(t, 0.95, res.RiskScore, 1e-9)
	assert.Equal(t, []string{model.ReasonModel, "high-risk-countries", "off-hours"}, res.Reasons)

	v, err := e.svc.VerifyOTP(ctx, "carol", "", "000000")
	require.NoError(t, err)
	assert.Equal(t, 2, v.AttemptsRemaining)
	assert.Equal(t, model.DecisionChallenge, v.Decision)

	_, err = e.svc.VerifyOTP(ctx, "carol", "", "000000")
	require.NoError(t, err)

	v, err = e.svc.VerifyOTP(ctx, "carol", "", "000000")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, model.StateExhausted, v.State)
	assert.Equal(t, model.DecisionDeny, v.Decision)

	v, err = e.svc.VerifyOTP(ctx, "carol", "", testCode)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDeny, v.Decision)
}

func TestAuthenticate_InvalidCredentialsSkipScoring(t *testing.T) {
	called := false
	e := newEnv(t, risk.ModelFunc(func(context.Context, *model.FeatureSet) (float64, error) {
		called = true
		return 0, nil
	}), nil)

	attempt := loginAttempt("dave", "Dubai, AE", businessHours)
	attempt.CredentialValid = false
	res, err := e.svc.Authenticate(context.Background(), attempt)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, model.DecisionDeny, res.Decision)
	assert.Equal(t, []string{ReasonCredentials}, res.Reasons)

	events := e.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.AuditDecision, events[0].Type)
	assert.Equal(t, "credentials", events[0].Detail)
}

func TestAuthenticate_ForcedOverride(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.01), nil)

	res, err := e.svc.Authenticate(context.Background(), loginAttempt("india_user", "Dubai, AE", businessHours))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionChallenge, res.Decision)
	assert.Equal(t, []string{"forced-2fa-identities"}, res.Reasons)
	assert.Equal(t, "override", e.sink.Events()[0].Detail)
}

func TestAuthenticate_ModelFailureDegradesToChallenge(t *testing.T) {
	e := newEnv(t, risk.ModelFunc(func(context.Context, *model.FeatureSet) (float64, error) {
		return 0, errors.New("inference down")
	}), nil)

	res, err := e.svc.Authenticate(context.Background(), loginAttempt("erin", "Dubai, AE", businessHours))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionChallenge, res.Decision)
	assert.True(t, res.Fallback)
	assert.Equal(t, risk.ReasonModelFallback, res.Reasons[0])

	ev := e.sink.Events()[0]
	assert.True(t, ev.Fallback)
	assert.Equal(t, "fallback", ev.Detail)
}

func TestAuthenticate_InvalidInput(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.1), nil)

	attempt := loginAttempt("frank", "Dubai, AE", businessHours)
	attempt.NetworkAddress = "not-an-ip"
	_, err := e.svc.Authenticate(context.Background(), attempt)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Empty(t, e.sink.Events())
}

func TestRequestOTP_CooldownAndRateLimit(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.1), memory.NewRateLimiter(2, time.Minute))
	ctx := context.Background()

	res, err := e.svc.RequestOTP(ctx, "grace", "device-1")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 5*time.Minute, res.ExpiresIn)

	res, err = e.svc.RequestOTP(ctx, "grace", "device-1")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Positive(t, res.CooldownRemaining)
	assert.Contains(t, res.Message, "recently sent")

	res, err = e.svc.RequestOTP(ctx, "grace", "device-1")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.False(t, res.Accepted)
	assert.Positive(t, res.CooldownRemaining)

	_, err = e.svc.RequestOTP(ctx, " ", "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestVerifyOTP_NoChallengeAndMalformedCode(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.1), nil)
	ctx := context.Background()

	v, err := e.svc.VerifyOTP(ctx, "henry", "", "123456")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, model.StateNone, v.State)

	_, err = e.svc.VerifyOTP(ctx, "henry", "", "12ab")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestOTPStatus(t *testing.T) {
	e := newEnv(t, risk.StaticModel(0.1), nil)
	ctx := context.Background()

	_, err := e.svc.RequestOTP(ctx, "ivy", "")
	require.NoError(t, err)

	st, err := e.svc.OTPStatus(ctx, "ivy")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, model.StateIssued, st.State)
	assert.Equal(t, 3, st.AttemptsRemaining)
}
