package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"risk-auth-service/internal/features"
	"risk-auth-service/internal/metrics"
	"risk-auth-service/internal/model"
	"risk-auth-service/internal/otp"
	"risk-auth-service/internal/policy"
	"risk-auth-service/internal/risk"
	"risk-auth-service/internal/util"

	"go.uber.org/zap"
)

var ErrRateLimited = errors.New("too many otp requests")

const (
	ReasonCredentials = "credentials"

	driverCredentials = "credentials"
	driverOverride    = "override"
	driverFallback    = "fallback"
	driverModel       = "model"
)

// AuthResult is the outcome of one authentication attempt.
type AuthResult struct {
	Decision  model.Decision
	RiskScore float64
	Reasons   []string
	Fallback  bool
	Message   string
	// OTP is set when the decision is CHALLENGE and a code was issued or reused.
	OTP *otp.IssueResult
}

type OTPRequestResult struct {
	Accepted          bool
	ChallengeID       string
	ExpiresIn         time.Duration
	CooldownRemaining time.Duration
	Message           string
}

type OTPVerifyResult struct {
	Valid             bool
	AttemptsRemaining int
	State             model.ChallengeState
	// Decision is ALLOW after a successful verification and DENY once attempts
	// are exhausted; otherwise it stays CHALLENGE.
	Decision model.Decision
	Message  string
}

// AuthService runs the decision pipeline: validate, extract, score, decide,
// audit, and issue an OTP when the decision is CHALLENGE.
type AuthService struct {
	extractor *features.Extractor
	scorer    *risk.Scorer
	policy    *policy.DecisionPolicy
	devices   model.DeviceTrustStore
	otp       *otp.Manager
	limiter   model.RateLimiter
	audit     model.AuditLog
	logger    *zap.Logger
}

func NewAuthService(
	extractor *features.Extractor,
	scorer *risk.Scorer,
	decisionPolicy *policy.DecisionPolicy,
	devices model.DeviceTrustStore,
	otpManager *otp.Manager,
	limiter model.RateLimiter,
	audit model.AuditLog,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		extractor: extractor,
		scorer:    scorer,
		policy:    decisionPolicy,
		devices:   devices,
		otp:       otpManager,
		limiter:   limiter,
		audit:     audit,
		logger:    logger,
	}
}

// Authenticate decides ALLOW, CHALLENGE or DENY for an attempt. Only invalid
// input and caller cancellation are returned as errors; every other fault
// degrades to CHALLENGE.
func (s *AuthService) Authenticate(ctx context.Context, attempt *model.LoginAttemptContext) (*AuthResult, error) {
	if err := features.Validate(attempt); err != nil {
		return nil, err
	}
	identity := util.NormalizeIdentity(attempt.Identity)
	fingerprintHash := features.FingerprintHash(attempt.DeviceFingerprint)

	if !attempt.CredentialValid {
		s.recordDecision(ctx, &model.AuditEvent{
			Identity:        identity,
			Decision:        model.DecisionDeny,
			Reasons:         []string{ReasonCredentials},
			FingerprintHash: fingerprintHash,
			NetworkAddress:  attempt.NetworkAddress,
		}, driverCredentials)
		return &AuthResult{
			Decision: model.DecisionDeny,
			Reasons:  []string{ReasonCredentials},
			Message:  "Invalid credentials",
		}, nil
	}

	f, err := s.extractor.Extract(ctx, attempt)
	if err != nil {
		return nil, err
	}

	assessment := s.scorer.Score(ctx, f)

	device, err := s.devices.RecordSighting(ctx, f.Identity, f.FingerprintHash, f.Timestamp)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Warn("Failed to record device sighting",
			zap.String("identity", util.Redact(f.Identity)),
			zap.Error(err))
		device = &model.DeviceRecord{Identity: f.Identity, FingerprintHash: f.FingerprintHash, Trusted: f.DeviceTrusted}
	}

	decision := s.policy.Decide(assessment, device)
	assessment.Decision = decision

	s.recordDecision(ctx, &model.AuditEvent{
		Identity:        f.Identity,
		Decision:        decision,
		Score:           model.Float(assessment.Score),
		Reasons:         assessment.Reasons,
		Fallback:        assessment.Fallback,
		FingerprintHash: f.FingerprintHash,
		CountryCode:     f.CountryCode,
		NetworkAddress:  f.NetworkAddress.String(),
	}, driverFor(assessment))

	result := &AuthResult{
		Decision:  decision,
		RiskScore: assessment.Score,
		Reasons:   assessment.Reasons,
		Fallback:  assessment.Fallback,
	}

	switch decision {
	case model.DecisionAllow:
		result.Message = "Login successful"
	case model.DecisionDeny:
		result.Message = "Login denied"
	case model.DecisionChallenge:
		issued, err := s.otp.Issue(ctx, f.Identity, f.FingerprintHash)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Error("Failed to issue OTP for challenged login",
				zap.String("identity", util.Redact(f.Identity)),
				zap.Error(err))
			result.Message = "Additional verification required. Request a code to continue."
			break
		}
		result.OTP = issued
		result.Message = "Additional verification required. A code has been sent."
	}

	s.logger.Info("Authentication decided",
		zap.String("identity", util.Redact(f.Identity)),
		zap.String("decision", string(decision)),
		zap.Float64("risk_score", assessment.Score),
		zap.Strings("reasons", assessment.Reasons),
		zap.Bool("fallback", assessment.Fallback))

	return result, nil
}

// RequestOTP issues a code, or reports the active one's cooldown. The raw
// fingerprint is optional and names the device to trust on success.
func (s *AuthService) RequestOTP(ctx context.Context, identity, deviceFingerprint string) (*OTPRequestResult, error) {
	identity = util.NormalizeIdentity(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", model.ErrInvalidInput)
	}
	if util.ContainsSuspicious(identity) || util.ContainsSuspicious(deviceFingerprint) {
		return nil, fmt.Errorf("%w: request contains forbidden characters", model.ErrInvalidInput)
	}

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, "otp:"+identity)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Warn("OTP rate limiter unavailable; allowing request", zap.Error(err))
		case !allowed:
			metrics.RateLimitedTotal.Inc()
			s.audit.Record(ctx, &model.AuditEvent{
				Type:     model.AuditOTPRateLimited,
				Identity: identity,
				Detail:   "retry after " + retryAfter.Round(time.Second).String(),
			})
			return &OTPRequestResult{
				CooldownRemaining: retryAfter,
				Message:           fmt.Sprintf("Too many code requests. Try again in %d seconds.", seconds(retryAfter)),
			}, ErrRateLimited
		}
	}

	var fingerprintHash string
	if deviceFingerprint != "" {
		fingerprintHash = features.FingerprintHash(deviceFingerprint)
	}
	issued, err := s.otp.Issue(ctx, identity, fingerprintHash)
	if err != nil {
		return nil, err
	}

	if issued.Reused {
		return &OTPRequestResult{
			ChallengeID:       issued.ChallengeID,
			CooldownRemaining: issued.CooldownRemaining,
			Message:           fmt.Sprintf("A code was recently sent. Please wait %d seconds before requesting a new one.", seconds(issued.CooldownRemaining)),
		}, nil
	}
	return &OTPRequestResult{
		Accepted:    true,
		ChallengeID: issued.ChallengeID,
		ExpiresIn:   issued.ExpiresIn,
		Message:     "Verification code sent",
	}, nil
}

// VerifyOTP checks a submitted code. Negative outcomes from the challenge
// itself are results, not errors; only invalid input and infrastructure
// faults are returned as errors. deviceFingerprint, when given, must match the
// device the challenge was issued to for that device to become trusted.
func (s *AuthService) VerifyOTP(ctx context.Context, identity, deviceFingerprint, code string) (*OTPVerifyResult, error) {
	if util.ContainsSuspicious(deviceFingerprint) {
		return nil, fmt.Errorf("%w: request contains forbidden characters", model.ErrInvalidInput)
	}
	var fingerprintHash string
	if deviceFingerprint != "" {
		fingerprintHash = features.FingerprintHash(deviceFingerprint)
	}
	res, err := s.otp.Verify(ctx, identity, fingerprintHash, code)
	switch {
	case err == nil:
		return &OTPVerifyResult{
			Valid:             true,
			AttemptsRemaining: res.AttemptsRemaining,
			State:             res.State,
			Decision:          model.DecisionAllow,
			Message:           "Verification successful",
		}, nil
	case errors.Is(err, otp.ErrCodeMismatch):
		return &OTPVerifyResult{
			AttemptsRemaining: res.AttemptsRemaining,
			State:             res.State,
			Decision:          model.DecisionChallenge,
			Message:           fmt.Sprintf("Invalid code. %d attempts remaining.", res.AttemptsRemaining),
		}, nil
	case errors.Is(err, otp.ErrChallengeExhausted):
		metrics.DecisionsTotal.WithLabelValues(string(model.DecisionDeny), "otp_exhausted").Inc()
		return &OTPVerifyResult{
			State:    res.State,
			Decision: model.DecisionDeny,
			Message:  "Too many failed attempts. Login denied.",
		}, nil
	case errors.Is(err, otp.ErrChallengeExpired):
		return &OTPVerifyResult{
			State:    res.State,
			Decision: model.DecisionChallenge,
			Message:  "Code expired. Request a new one.",
		}, nil
	case errors.Is(err, otp.ErrNoActiveChallenge):
		return &OTPVerifyResult{
			State:    res.State,
			Decision: model.DecisionChallenge,
			Message:  "No active code. Request a new one.",
		}, nil
	default:
		return nil, err
	}
}

func (s *AuthService) OTPStatus(ctx context.Context, identity string) (*otp.Status, error) {
	return s.otp.Status(ctx, identity)
}

func (s *AuthService) recordDecision(ctx context.Context, ev *model.AuditEvent, driver string) {
	ev.Type = model.AuditDecision
	ev.Detail = driver
	metrics.DecisionsTotal.WithLabelValues(string(ev.Decision), driver).Inc()
	s.audit.Record(ctx, ev)
}

func driverFor(a *model.RiskAssessment) string {
	switch {
	case a.Forced():
		return driverOverride
	case a.Fallback:
		return driverFallback
	default:
		return driverModel
	}
}

// seconds rounds up so a client never retries a moment too early.
func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
