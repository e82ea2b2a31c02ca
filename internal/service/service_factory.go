package service

import (
	"fmt"

	"risk-auth-service/internal/config"
	"risk-auth-service/internal/features"
	"risk-auth-service/internal/model"
	"risk-auth-service/internal/otp"
	"risk-auth-service/internal/policy"
	"risk-auth-service/internal/risk"

	"go.uber.org/zap"
)

// Dependencies are the storage and delivery collaborators chosen by the
// composition root. Everything else is built from configuration.
type Dependencies struct {
	Devices    model.DeviceTrustStore
	Challenges model.ChallengeStore
	Locker     model.IdentityLocker
	Limiter    model.RateLimiter
	Digester   otp.Digester
	Notifier   otp.Notifier
	Audit      model.AuditLog
	Model      risk.Model
	Rules      *risk.RuleSet
	Geo        *features.GeoResolver

	// Options for tests, e.g. a fake clock or a known code generator.
	OTPOptions    []otp.Option
	ScorerOptions []risk.ScorerOption
}

// ServiceFactory creates and owns the decision engine components.
type ServiceFactory struct {
	otpManager  *otp.Manager
	authService *AuthService
	logger      *zap.Logger
}

func NewServiceFactory(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*ServiceFactory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	decisionPolicy, err := policy.New(policy.Thresholds{
		Challenge: cfg.Risk.ChallengeThreshold,
		High:      cfg.Risk.HighThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("decision policy: %w", err)
	}

	rules := deps.Rules
	if rules == nil {
		if rules, err = risk.NewRuleSet(risk.DefaultRules()); err != nil {
			return nil, err
		}
	}

	extractor := features.NewExtractor(deps.Devices, deps.Geo, features.BusinessHours{
		Location: cfg.Location(),
		Start:    cfg.Risk.BusinessHourStart,
		End:      cfg.Risk.BusinessHourEnd,
	}, logger.Named("features"))

	scorerOpts := append([]risk.ScorerOption{risk.WithLogger(logger.Named("scorer"))}, deps.ScorerOptions...)
	scorer := risk.NewScorer(deps.Model, rules, risk.ScorerConfig{
		FallbackScore: cfg.Risk.FallbackScore,
		ModelTimeout:  cfg.Risk.ModelTimeout,
	}, scorerOpts...)

	otpOpts := append([]otp.Option{otp.WithLogger(logger.Named("otp"))}, deps.OTPOptions...)
	otpManager := otp.NewManager(
		deps.Challenges,
		deps.Locker,
		deps.Digester,
		deps.Devices,
		deps.Notifier,
		deps.Audit,
		otp.Config{
			CodeLength:    cfg.OTP.CodeLength,
			TTL:           cfg.OTP.TTL,
			MaxAttempts:   cfg.OTP.MaxAttempts,
			NotifyTimeout: cfg.OTP.NotifyTimeout,
		},
		otpOpts...,
	)

	authService := NewAuthService(
		extractor,
		scorer,
		decisionPolicy,
		deps.Devices,
		otpManager,
		deps.Limiter,
		deps.Audit,
		logger.Named("auth"),
	)

	return &ServiceFactory{
		otpManager:  otpManager,
		authService: authService,
		logger:      logger,
	}, nil
}

func (f *ServiceFactory) AuthService() *AuthService {
	return f.authService
}

func (f *ServiceFactory) OTPManager() *otp.Manager {
	return f.otpManager
}

// Cleanup waits for in-flight OTP deliveries.
func (f *ServiceFactory) Cleanup() {
	f.otpManager.Wait()
	f.logger.Info("Service factory cleaned up")
}
