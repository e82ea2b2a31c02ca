package model

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrDeviceNotFound    = errors.New("device record not found")
	ErrChallengeNotFound = errors.New("otp challenge not found")
)

// -------------------- DECISION --------------------
type Decision string

const (
	DecisionAllow     Decision = "ALLOW"
	DecisionChallenge Decision = "CHALLENGE"
	DecisionDeny      Decision = "DENY"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionChallenge, DecisionDeny:
		return true
	}
	return false
}

// -------------------- LOGIN ATTEMPT --------------------
// LoginAttemptContext is built per request and never persisted as-is.
type LoginAttemptContext struct {
	Identity          string
	CredentialValid   bool
	Timestamp         time.Time
	DeviceFingerprint string
	NetworkAddress    string
	Location          string
	UserAgent         string
}

// -------------------- FEATURES --------------------
type HourBucket string

const (
	HourBusiness HourBucket = "business"
	HourOff      HourBucket = "off"
)

// CountryUnknown is used when neither the location nor the address resolves.
const CountryUnknown = "XX"

type FeatureSet struct {
	Identity        string     `json:"identity"`
	CountryCode     string     `json:"country_code"`
	CountrySource   string     `json:"country_source"`
	Hour            int        `json:"hour"`
	HourBucket      HourBucket `json:"hour_bucket"`
	DeviceKnown     bool       `json:"device_known"`
	DeviceTrusted   bool       `json:"device_trusted"`
	FingerprintHash string     `json:"fingerprint_hash"`
	NetworkAddress  netip.Addr `json:"network_address"`
	PrivateNetwork  bool       `json:"private_network"`
	UserAgent       string     `json:"user_agent,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// -------------------- RISK ASSESSMENT --------------------
const ReasonModel = "model"

type RiskAssessment struct {
	Score          float64   `json:"score"`
	Reasons        []string  `json:"reasons"`
	ForcedDecision Decision  `json:"forced_decision,omitempty"`
	Fallback       bool      `json:"fallback"`
	Decision       Decision  `json:"decision"`
	AssessedAt     time.Time `json:"assessed_at"`
}

// Forced reports whether an override rule fixed the decision upstream.
func (a *RiskAssessment) Forced() bool {
	return a != nil && a.ForcedDecision != ""
}

// -------------------- DEVICE RECORD --------------------
type DeviceRecord struct {
	Identity        string    `json:"identity"`
	FingerprintHash string    `json:"fingerprint_hash"`
	Trusted         bool      `json:"trusted"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	TrustedAt       time.Time `json:"trusted_at,omitempty"`
}

// -------------------- OTP CHALLENGE --------------------
type ChallengeState string

const (
	StateNone      ChallengeState = "NONE"
	StateIssued    ChallengeState = "ISSUED"
	StateVerified  ChallengeState = "VERIFIED"
	StateExpired   ChallengeState = "EXPIRED"
	StateExhausted ChallengeState = "EXHAUSTED"
)

func (s ChallengeState) Terminal() bool {
	return s == StateVerified || s == StateExpired || s == StateExhausted
}

// OTPChallenge holds one issued code per identity. Only the digest is stored.
type OTPChallenge struct {
	ID                string         `json:"id"`
	Identity          string         `json:"identity"`
	CodeHash          string         `json:"code_hash"`
	CodeSalt          string         `json:"code_salt"`
	PepperVersion     int            `json:"pepper_version"`
	Algorithm         string         `json:"algorithm"`
	FingerprintHash   string         `json:"fingerprint_hash,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	AttemptsRemaining int            `json:"attempts_remaining"`
	MaxAttempts       int            `json:"max_attempts"`
	State             ChallengeState `json:"state"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Expired uses a strict comparison: a challenge is still valid at exactly ExpiresAt.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IsActive reports an ISSUED challenge that has not yet expired.
func (c *OTPChallenge) IsActive(now time.Time) bool {
	return c != nil && c.State == StateIssued && !c.Expired(now)
}

// Remaining returns the validity window left, never negative.
func (c *OTPChallenge) Remaining(now time.Time) time.Duration {
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// -------------------- AUDIT --------------------
type AuditEventType string

const (
	AuditDecision       AuditEventType = "decision"
	AuditOTPIssued      AuditEventType = "otp_issued"
	AuditOTPReused      AuditEventType = "otp_reused"
	AuditOTPVerified    AuditEventType = "otp_verified"
	AuditOTPFailed      AuditEventType = "otp_failed"
	AuditOTPExpired     AuditEventType = "otp_expired"
	AuditOTPExhausted   AuditEventType = "otp_exhausted"
	AuditOTPNoChallenge AuditEventType = "otp_no_challenge"
	AuditOTPRateLimited AuditEventType = "otp_rate_limited"
	AuditDevicePromoted AuditEventType = "device_promoted"
	AuditNotifyFailed   AuditEventType = "otp_notify_failed"
)

// AuditEvent is append-only; sinks must not mutate it.
type AuditEvent struct {
	ID                string         `json:"id"`
	Type              AuditEventType `json:"type"`
	Identity          string         `json:"identity"`
	OccurredAt        time.Time      `json:"occurred_at"`
	Decision          Decision       `json:"decision,omitempty"`
	Score             *float64       `json:"score,omitempty"`
	Reasons           []string       `json:"reasons,omitempty"`
	Fallback          bool           `json:"fallback,omitempty"`
	FingerprintHash   string         `json:"fingerprint_hash,omitempty"`
	CountryCode       string         `json:"country_code,omitempty"`
	NetworkAddress    string         `json:"network_address,omitempty"`
	ChallengeID       string         `json:"challenge_id,omitempty"`
	ChallengeState    ChallengeState `json:"challenge_state,omitempty"`
	AttemptsRemaining *int           `json:"attempts_remaining,omitempty"`
	Detail            string         `json:"detail,omitempty"`
	Bucket            int            `json:"bucket"`
	UserBucket        int            `json:"user_bucket"`
}

// -------------------- COLLABORATORS --------------------

// DeviceTrustStore persists (identity, fingerprint hash) device records.
type DeviceTrustStore interface {
	Lookup(ctx context.Context, identity, fingerprintHash string) (*DeviceRecord, error)
	RecordSighting(ctx context.Context, identity, fingerprintHash string, at time.Time) (*DeviceRecord, error)
	Promote(ctx context.Context, identity, fingerprintHash string, at time.Time) error
}

// ChallengeStore keeps at most one challenge record per identity.
type ChallengeStore interface {
	Get(ctx context.Context, identity string) (*OTPChallenge, error)
	Save(ctx context.Context, challenge *OTPChallenge) error
}

// IdentityLocker serializes work per identity. The returned func releases the lock.
type IdentityLocker interface {
	Lock(ctx context.Context, identity string) (func(), error)
}

// RateLimiter reports whether key may proceed, and if not, how long to wait.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// AuditLog receives every decision and OTP transition.
type AuditLog interface {
	Record(ctx context.Context, event *AuditEvent)
}

func Float(v float64) *float64 { return &v }

func IntPtr(v int) *int { return &v }
