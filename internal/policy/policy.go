package policy

import (
	"fmt"
	"math"

	"risk-auth-service/internal/model"
)

// Thresholds are inclusive lower bounds: Challenge starts the medium band and
// High starts the high band.
type Thresholds struct {
	Challenge float64
	High      float64
}

var DefaultThresholds = Thresholds{Challenge: 0.30, High: 0.70}

func (t Thresholds) Validate() error {
	if t.Challenge < 0 || t.High > 1 || t.Challenge >= t.High {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= challenge < high <= 1", model.ErrInvalidInput)
	}
	return nil
}

// DecisionPolicy maps an assessment and device trust to a decision. It never
// returns DENY from a score; DENY comes only from a forced rule or from OTP
// exhaustion.
type DecisionPolicy struct {
	thresholds Thresholds
}

func New(t Thresholds) (*DecisionPolicy, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &DecisionPolicy{thresholds: t}, nil
}

func (p *DecisionPolicy) Thresholds() Thresholds {
	return p.thresholds
}

// Decide applies the bands. A forced decision passes through untouched. A
// fallback assessment never earns the trusted-device allowance, so a model
// outage degrades to challenge.
func (p *DecisionPolicy) Decide(a *model.RiskAssessment, device *model.DeviceRecord) model.Decision {
	if a == nil {
		return model.DecisionChallenge
	}
	if a.Forced() {
		return a.ForcedDecision
	}

	score := a.Score
	trusted := device != nil && device.Trusted

	switch {
	case math.IsNaN(score):
		return model.DecisionChallenge
	case a.Fallback:
		return model.DecisionChallenge
	case score < p.thresholds.Challenge:
		return model.DecisionAllow
	case score < p.thresholds.High:
		if trusted {
			return model.DecisionAllow
		}
		return model.DecisionChallenge
	default:
		return model.DecisionChallenge
	}
}
