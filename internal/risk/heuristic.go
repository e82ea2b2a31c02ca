package risk

import (
	"context"
	"strings"

	"risk-auth-service/internal/model"
)

// Country tiers for the in-process heuristic.
var (
	GulfCountries       = []string{"AE", "SA", "QA", "KW", "OM", "BH"}
	RegionalCountries   = []string{"JO", "LB", "EG"}
	AcceptableCountries = []string{"US", "GB", "DE", "FR", "SG", "AU", "IN"}
	HighRiskCountries   = []string{"RU", "CN", "KP", "NG", "RO", "UA", "BR"}
)

var automationAgents = []string{"python", "curl", "wget", "bot", "headless", "phantom"}

// HeuristicModel is the built-in estimator used when no external model is
// configured. It scores by country tier and flags scripted user agents.
type HeuristicModel struct {
	tiers map[string]float64
}

func NewHeuristicModel() *HeuristicModel {
	h := &HeuristicModel{tiers: make(map[string]float64)}
	for _, c := range GulfCountries {
		h.tiers[c] = 0.10
	}
	for _, c := range RegionalCountries {
		h.tiers[c] = 0.35
	}
	for _, c := range AcceptableCountries {
		h.tiers[c] = 0.40
	}
	for _, c := range HighRiskCountries {
		h.tiers[c] = 0.80
	}
	return h
}

func (h *HeuristicModel) Predict(ctx context.Context, f *model.FeatureSet) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	score, ok := h.tiers[f.CountryCode]
	if !ok {
		score = 0.45
	}
	gulf := isGulf(f.CountryCode)
	if gulf && f.HourBucket == model.HourBusiness {
		score -= 0.05
	}

	if isAutomationAgent(f.UserAgent) {
		if gulf {
			score = max(score, 0.70)
		} else {
			score += 0.35
		}
	}

	return clamp(score), nil
}

func isGulf(cc string) bool {
	for _, c := range GulfCountries {
		if c == cc {
			return true
		}
	}
	return false
}

func isAutomationAgent(ua string) bool {
	ua = strings.ToLower(ua)
	if ua == "" {
		return false
	}
	for _, a := range automationAgents {
		if strings.Contains(ua, a) {
			return true
		}
	}
	return false
}
