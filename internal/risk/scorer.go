package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"risk-auth-service/internal/metrics"
	"risk-auth-service/internal/model"
	"risk-auth-service/internal/util"

	"go.uber.org/zap"
)

const ReasonModelFallback = "model_fallback"

// Fallback causes, used as metric labels.
const (
	causeTimeout  = "timeout"
	causeError    = "error"
	causeInvalid  = "invalid_score"
	causeCanceled = "canceled"
)

// PinnedScores are the representative scores reported when a rule forces a decision.
var PinnedScores = map[model.Decision]float64{
	model.DecisionAllow:     0.10,
	model.DecisionChallenge: 0.50,
	model.DecisionDeny:      0.90,
}

type ScorerConfig struct {
	FallbackScore float64
	ModelTimeout  time.Duration
}

// Scorer combines the model estimate with override rules.
type Scorer struct {
	model  Model
	rules  *RuleSet
	cfg    ScorerConfig
	now    func() time.Time
	logger *zap.Logger
}

type ScorerOption func(*Scorer)

func WithClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) { s.now = now }
}

func WithLogger(l *zap.Logger) ScorerOption {
	return func(s *Scorer) { s.logger = l }
}

func NewScorer(m Model, rules *RuleSet, cfg ScorerConfig, opts ...ScorerOption) *Scorer {
	s := &Scorer{
		model:  m,
		rules:  rules,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ModelTimeout <= 0 {
		s.cfg.ModelTimeout = 300 * time.Millisecond
	}
	s.cfg.FallbackScore = clamp(s.cfg.FallbackScore)
	return s
}

// Score never fails: model problems degrade to the configured fallback score.
func (s *Scorer) Score(ctx context.Context, f *model.FeatureSet) *model.RiskAssessment {
	outcome := s.rules.Apply(f)
	assessment := &model.RiskAssessment{AssessedAt: s.now()}

	if outcome.Kind == ForceDecision {
		assessment.ForcedDecision = outcome.Decision
		assessment.Decision = outcome.Decision
		assessment.Score = PinnedScores[outcome.Decision]
		assessment.Reasons = []string{outcome.Rule}
		return assessment
	}

	score, err := s.predict(ctx, f)
	if err != nil {
		cause := fallbackCause(err)
		metrics.ModelFallbacksTotal.WithLabelValues(cause).Inc()
		s.logger.Warn("Risk model unavailable; using fallback score",
			zap.String("identity", util.Redact(f.Identity)),
			zap.String("cause", cause),
			zap.Float64("fallback_score", s.cfg.FallbackScore),
			zap.Error(err))
		score = s.cfg.FallbackScore
		assessment.Fallback = true
		assessment.Reasons = append(assessment.Reasons, ReasonModelFallback)
	} else {
		assessment.Reasons = append(assessment.Reasons, model.ReasonModel)
	}

	for _, adj := range outcome.Adjustments {
		if adj.Set != nil {
			score = *adj.Set
		} else {
			score += adj.Delta
		}
		score = clamp(score)
		assessment.Reasons = append(assessment.Reasons, adj.Rule)
	}

	assessment.Score = clamp(score)
	return assessment
}

// predict runs the model on its own goroutine so a model that ignores its
// context still cannot hold the decision path past the timeout.
func (s *Scorer) predict(ctx context.Context, f *model.FeatureSet) (float64, error) {
	if s.model == nil {
		return 0, ErrModelUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ModelTimeout)
	defer cancel()

	type result struct {
		score float64
		err   error
	}
	ch := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: model panicked: %v", ErrModelUnavailable, r)}
			}
		}()
		score, err := s.model.Predict(ctx, f)
		ch <- result{score: score, err: err}
	}()

	select {
	case r := <-ch:
		metrics.ModelLatency.Observe(time.Since(start).Seconds())
		if r.err != nil {
			if errors.Is(r.err, ErrModelUnavailable) {
				return 0, r.err
			}
			return 0, fmt.Errorf("%w: %w", ErrModelUnavailable, r.err)
		}
		if math.IsNaN(r.score) || r.score < 0 || r.score > 1 {
			return 0, fmt.Errorf("%w: %w: %v", ErrModelUnavailable, errInvalidScore, r.score)
		}
		return r.score, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrModelUnavailable, ctx.Err())
	}
}

var errInvalidScore = errors.New("score outside [0,1]")

func fallbackCause(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return causeTimeout
	case errors.Is(err, context.Canceled):
		return causeCanceled
	case errors.Is(err, errInvalidScore):
		return causeInvalid
	default:
		return causeError
	}
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
