package otp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"risk-auth-service/internal/hashing"
	"risk-auth-service/internal/metrics"
	"risk-auth-service/internal/model"
	"risk-auth-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoActiveChallenge  = errors.New("no active otp challenge")
	ErrChallengeExpired   = errors.New("otp challenge expired")
	ErrChallengeExhausted = errors.New("otp attempts exhausted")
	ErrCodeMismatch       = errors.New("otp code does not match")
)

// Digester hashes and checks codes. *hashing.Hasher satisfies it.
type Digester interface {
	HashOTP(code string) (*hashing.HashResult, error)
	VerifyOTP(code string, stored *hashing.HashResult) (bool, error)
}

type Config struct {
	CodeLength    int
	TTL           time.Duration
	MaxAttempts   int
	NotifyTimeout time.Duration
}

// IssueResult describes a challenge after Issue. Reused is true when an
// active challenge already existed and no new code was minted.
type IssueResult struct {
	ChallengeID string
	Reused      bool
	ExpiresAt   time.Time
	ExpiresIn   time.Duration
	// CooldownRemaining is set only when Reused.
	CooldownRemaining time.Duration
	AttemptsRemaining int
}

type VerifyResult struct {
	Valid             bool
	State             model.ChallengeState
	AttemptsRemaining int
	// Escalate means the authentication attempt must now be denied.
	Escalate bool
}

type Status struct {
	Active            bool
	State             model.ChallengeState
	ExpiresIn         time.Duration
	AttemptsRemaining int
}

// Manager owns the challenge state machine:
//
//	NONE -> ISSUED -> VERIFIED | EXPIRED | EXHAUSTED
//
// Every transition for an identity happens under that identity's lock, and
// is committed only if the caller's context is still live when the write starts.
type Manager struct {
	store    model.ChallengeStore
	locker   model.IdentityLocker
	digester Digester
	devices  model.DeviceTrustStore
	notifier Notifier
	audit    model.AuditLog
	cfg      Config
	now      func() time.Time
	generate func(length int) (string, error)
	logger   *zap.Logger

	wg sync.WaitGroup
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCodeGenerator replaces the random generator; tests use it to know the code.
func WithCodeGenerator(gen func(length int) (string, error)) Option {
	return func(m *Manager) { m.generate = gen }
}

func NewManager(
	store model.ChallengeStore,
	locker model.IdentityLocker,
	digester Digester,
	devices model.DeviceTrustStore,
	notifier Notifier,
	audit model.AuditLog,
	cfg Config,
	opts ...Option,
) *Manager {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	m := &Manager{
		store:    store,
		locker:   locker,
		digester: digester,
		devices:  devices,
		notifier: notifier,
		audit:    audit,
		cfg:      cfg,
		now:      time.Now,
		generate: GenerateCode,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// Issue mints a code for identity unless an active challenge exists, in which
// case the existing one is reported with its remaining window. fingerprintHash
// names the device to trust on successful verification and may be empty.
func (m *Manager) Issue(ctx context.Context, identity, fingerprintHash string) (*IssueResult, error) {
	identity = util.NormalizeIdentity(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", model.ErrInvalidInput)
	}

	unlock, err := m.locker.Lock(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("otp issue: acquire lock: %w", err)
	}
	defer unlock()

	existing, err := m.load(ctx, identity)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if existing.IsActive(now) {
		detail := ""
		if fingerprintHash != "" && existing.FingerprintHash != "" && fingerprintHash != existing.FingerprintHash {
			// Two devices now share one code; neither may be trusted through it.
			next := *existing
			next.FingerprintHash = ""
			next.UpdatedAt = now
			if err := m.commit(ctx, &next); err != nil {
				return nil, err
			}
			existing = &next
			detail = "device binding cleared"
		}
		remaining := existing.Remaining(now)
		m.record(ctx, model.AuditOTPReused, existing, detail)
		return &IssueResult{
			ChallengeID:       existing.ID,
			Reused:            true,
			ExpiresAt:         existing.ExpiresAt,
			ExpiresIn:         remaining,
			CooldownRemaining: remaining,
			AttemptsRemaining: existing.AttemptsRemaining,
		}, nil
	}

	code, err := m.generate(m.cfg.CodeLength)
	if err != nil {
		return nil, err
	}
	digest, err := m.digester.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("otp issue: %w", err)
	}

	challenge := &model.OTPChallenge{
		ID:                uuid.NewString(),
		Identity:          identity,
		CodeHash:          digest.Hash,
		CodeSalt:          digest.Salt,
		PepperVersion:     digest.PepperVersion,
		Algorithm:         digest.Algorithm,
		FingerprintHash:   fingerprintHash,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.cfg.TTL),
		AttemptsRemaining: m.cfg.MaxAttempts,
		MaxAttempts:       m.cfg.MaxAttempts,
		State:             model.StateIssued,
		UpdatedAt:         now,
	}

	if err := m.commit(ctx, challenge); err != nil {
		return nil, err
	}
	m.record(ctx, model.AuditOTPIssued, challenge, "")
	m.dispatch(ctx, challenge, code)

	return &IssueResult{
		ChallengeID:       challenge.ID,
		ExpiresAt:         challenge.ExpiresAt,
		ExpiresIn:         m.cfg.TTL,
		AttemptsRemaining: challenge.AttemptsRemaining,
	}, nil
}

// Verify checks submittedCode against the identity's challenge. Negative
// outcomes return a VerifyResult together with one of the sentinel errors.
// fingerprintHash names the verifying device; when set, only a matching
// binding is promoted.
func (m *Manager) Verify(ctx context.Context, identity, fingerprintHash, submittedCode string) (*VerifyResult, error) {
	identity = util.NormalizeIdentity(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", model.ErrInvalidInput)
	}
	code, err := normalizeCode(submittedCode, m.cfg.CodeLength)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("otp verify: acquire lock: %w", err)
	}
	defer unlock()

	challenge, err := m.load(ctx, identity)
	if err != nil {
		return nil, err
	}
	if challenge == nil {
		m.record(ctx, model.AuditOTPNoChallenge, &model.OTPChallenge{Identity: identity}, "")
		return &VerifyResult{State: model.StateNone}, ErrNoActiveChallenge
	}

	switch challenge.State {
	case model.StateExhausted:
		m.record(ctx, model.AuditOTPExhausted, challenge, "verify after exhaustion")
		return &VerifyResult{State: model.StateExhausted, Escalate: true}, ErrChallengeExhausted
	case model.StateExpired:
		m.record(ctx, model.AuditOTPExpired, challenge, "verify after expiry")
		return &VerifyResult{State: model.StateExpired}, ErrChallengeExpired
	case model.StateIssued:
	default:
		m.record(ctx, model.AuditOTPNoChallenge, challenge, "challenge already "+string(challenge.State))
		return &VerifyResult{State: challenge.State}, ErrNoActiveChallenge
	}

	now := m.now()
	if challenge.Expired(now) {
		next := *challenge
		next.State = model.StateExpired
		next.UpdatedAt = now
		if err := m.commit(ctx, &next); err != nil {
			return nil, err
		}
		m.record(ctx, model.AuditOTPExpired, &next, "")
		return &VerifyResult{State: model.StateExpired}, ErrChallengeExpired
	}

	ok, err := m.digester.VerifyOTP(code, &hashing.HashResult{
		Hash:          challenge.CodeHash,
		Salt:          challenge.CodeSalt,
		PepperVersion: challenge.PepperVersion,
		Algorithm:     challenge.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("otp verify: %w", err)
	}

	next := *challenge
	next.UpdatedAt = now

	if ok {
		next.State = model.StateVerified
		if err := m.commit(ctx, &next); err != nil {
			return nil, err
		}
		m.record(ctx, model.AuditOTPVerified, &next, "")
		if fingerprintHash == "" || fingerprintHash == next.FingerprintHash {
			m.promote(ctx, &next, now)
		} else {
			m.logger.Warn("OTP verified from a different device; trust not granted",
				zap.String("identity", util.Redact(identity)),
				zap.String("challenge_id", next.ID))
		}
		return &VerifyResult{Valid: true, State: model.StateVerified, AttemptsRemaining: next.AttemptsRemaining}, nil
	}

	next.AttemptsRemaining--
	if next.AttemptsRemaining <= 0 {
		next.AttemptsRemaining = 0
		next.State = model.StateExhausted
		if err := m.commit(ctx, &next); err != nil {
			return nil, err
		}
		m.record(ctx, model.AuditOTPExhausted, &next, "")
		return &VerifyResult{State: model.StateExhausted, Escalate: true}, ErrChallengeExhausted
	}

	if err := m.commit(ctx, &next); err != nil {
		return nil, err
	}
	m.record(ctx, model.AuditOTPFailed, &next, "")
	return &VerifyResult{State: model.StateIssued, AttemptsRemaining: next.AttemptsRemaining}, ErrCodeMismatch
}

// Status reports the identity's challenge without changing it. Expiry is
// evaluated lazily, so an unexpired-looking ISSUED record past its deadline is
// reported as EXPIRED.
func (m *Manager) Status(ctx context.Context, identity string) (*Status, error) {
	identity = util.NormalizeIdentity(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", model.ErrInvalidInput)
	}
	challenge, err := m.load(ctx, identity)
	if err != nil {
		return nil, err
	}
	if challenge == nil {
		return &Status{State: model.StateNone}, nil
	}

	now := m.now()
	st := &Status{State: challenge.State, AttemptsRemaining: challenge.AttemptsRemaining}
	if challenge.State == model.StateIssued && challenge.Expired(now) {
		st.State = model.StateExpired
	}
	if challenge.IsActive(now) {
		st.Active = true
		st.ExpiresIn = challenge.Remaining(now)
	}
	return st, nil
}

// Wait blocks until in-flight notifications finish. Call during shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) load(ctx context.Context, identity string) (*model.OTPChallenge, error) {
	challenge, err := m.store.Get(ctx, identity)
	if errors.Is(err, model.ErrChallengeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("otp: load challenge: %w", err)
	}
	return challenge, nil
}

// commit refuses to start a write for a cancelled caller and otherwise
// finishes it even if the caller goes away mid-write.
func (m *Manager) commit(ctx context.Context, challenge *model.OTPChallenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.store.Save(context.WithoutCancel(ctx), challenge); err != nil {
		return fmt.Errorf("otp: save challenge: %w", err)
	}
	metrics.OTPTransitionsTotal.WithLabelValues(string(challenge.State)).Inc()
	return nil
}

func (m *Manager) promote(ctx context.Context, challenge *model.OTPChallenge, at time.Time) {
	if m.devices == nil || challenge.FingerprintHash == "" {
		return
	}
	err := m.devices.Promote(context.WithoutCancel(ctx), challenge.Identity, challenge.FingerprintHash, at)
	if err != nil {
		// The verification stands; the device simply stays untrusted.
		m.logger.Error("Failed to promote device after OTP verification",
			zap.String("identity", util.Redact(challenge.Identity)),
			zap.String("challenge_id", challenge.ID),
			zap.Error(err))
		m.record(ctx, model.AuditDevicePromoted, challenge, "promotion failed: "+err.Error())
		return
	}
	m.record(ctx, model.AuditDevicePromoted, challenge, "")
}

// dispatch delivers the code in the background. Issuance has already been
// committed, so delivery failures are only logged and audited.
func (m *Manager) dispatch(ctx context.Context, challenge *model.OTPChallenge, code string) {
	if m.notifier == nil {
		return
	}
	n := Notification{
		ChallengeID: challenge.ID,
		Identity:    challenge.Identity,
		Code:        code,
		ExpiresAt:   challenge.ExpiresAt,
	}
	snapshot := *challenge
	base := context.WithoutCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		nctx, cancel := context.WithTimeout(base, m.cfg.NotifyTimeout)
		defer cancel()

		if err := m.notifier.Notify(nctx, n); err != nil {
			metrics.NotifyFailuresTotal.Inc()
			m.logger.Warn("OTP notification failed",
				zap.String("identity", util.Redact(n.Identity)),
				zap.String("challenge_id", n.ChallengeID),
				zap.Error(err))
			m.record(base, model.AuditNotifyFailed, &snapshot, err.Error())
		}
	}()
}

func (m *Manager) record(ctx context.Context, typ model.AuditEventType, c *model.OTPChallenge, detail string) {
	if m.audit == nil {
		return
	}
	ev := &model.AuditEvent{
		Type:            typ,
		Identity:        c.Identity,
		OccurredAt:      m.now(),
		FingerprintHash: c.FingerprintHash,
		ChallengeID:     c.ID,
		ChallengeState:  c.State,
		Detail:          detail,
	}
	if c.ID != "" {
		ev.AttemptsRemaining = model.IntPtr(c.AttemptsRemaining)
	}
	if typ == model.AuditOTPNoChallenge && c.State == "" {
		ev.ChallengeState = model.StateNone
	}
	m.audit.Record(ctx, ev)
}
