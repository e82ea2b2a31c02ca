package risk

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"risk-auth-service/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultScorer(t *testing.T, m Model) *Scorer {
	t.Helper()
	rs, err := NewRuleSet(DefaultRules())
	require.NoError(t, err)
	return NewScorer(m, rs, ScorerConfig{FallbackScore: 0.5, ModelTimeout: 50 * time.Millisecond})
}

func TestScore_ModelOnly(t *testing.T) {
	s := defaultScorer(t, StaticModel(0.10))

	a := s.Score(context.Background(), features("AE", model.HourBusiness))
	assert.InDelta(t, 0.10, a.Score, 1e-9)
	assert.Equal(t, []string{model.ReasonModel}, a.Reasons)
	assert.False(t, a.Fallback)
	assert.False(t, a.Forced())
}

func TestScore_AdjustmentsAppliedAfterModel(t *testing.T) {
	s := defaultScorer(t, StaticModel(0.80))

	f := features("RU", model.HourOff)
	f.PrivateNetwork = true
	a := s.Score(context.Background(), f)

	assert.Equal(t, 1.0, a.Score)
	assert.Equal(t, []string{model.ReasonModel, "high-risk-countries", "private-network", "off-hours"}, a.Reasons)
}

func TestScore_ForceDecisionSkipsModel(t *testing.T) {
	called := false
	s := defaultScorer(t, ModelFunc(func(context.Context, *model.FeatureSet) (float64, error) {
		called = true
		return 0, nil
	}))

	a := s.Score(context.Background(), features("IN", model.HourBusiness))
	assert.False(t, called)
	assert.Equal(t, model.DecisionChallenge, a.ForcedDecision)
	assert.Equal(t, PinnedScores[model.DecisionChallenge], a.Score)
	assert.Equal(t, []string{"forced-2fa-countries"}, a.Reasons)
}

func TestScore_ForcedDecisionIgnoresAnyModelScore(t *testing.T) {
	rs, err := ParseRules([]byte(`
rules:
  - name: always-deny
    when: {identities: [mallory]}
    effect: {force_decision: DENY}
  - name: always-allow
    when: {identities: [trent]}
    effect: {force_decision: ALLOW}
`))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		score := rng.Float64()
		s := NewScorer(StaticModel(score), rs, ScorerConfig{FallbackScore: 0.5})

		f := features("AE", model.HourBusiness)
		f.Identity = "mallory"
		a := s.Score(context.Background(), f)
		require.Equal(t, model.DecisionDeny, a.ForcedDecision, "model score %v", score)

		f.Identity = "trent"
		a = s.Score(context.Background(), f)
		require.Equal(t, model.DecisionAllow, a.ForcedDecision, "model score %v", score)
	}
}

func TestScore_AlwaysClamped(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 300; i++ {
		var rules []Rule
		for j := 0; j < 1+rng.Intn(5); j++ {
			r := Rule{Name: string(rune('a' + j)), Priority: j}
			if rng.Intn(4) == 0 {
				r.Effect.ForceScore = ptr(rng.Float64())
			} else {
				r.Effect.Adjust = ptr(rng.Float64()*2 - 1)
			}
			rules = append(rules, r)
		}
		rs, err := NewRuleSet(rules)
		require.NoError(t, err)

		s := NewScorer(StaticModel(rng.Float64()), rs, ScorerConfig{FallbackScore: 0.5})
		a := s.Score(context.Background(), features("AE", model.HourBusiness))
		require.GreaterOrEqual(t, a.Score, 0.0)
		require.LessOrEqual(t, a.Score, 1.0)
		require.Len(t, a.Reasons, len(rules)+1)
	}
}

func TestScore_FallbackOnModelFailure(t *testing.T) {
	tests := []struct {
		name  string
		model Model
	}{
		{"error", ModelFunc(func(context.Context, *model.FeatureSet) (float64, error) {
			return 0, errors.New("inference server down")
		})},
		{"nan", StaticModel(math.NaN())},
		{"out of range", StaticModel(1.7)},
		{"negative", StaticModel(-0.2)},
		{"panic", ModelFunc(func(context.Context, *model.FeatureSet) (float64, error) {
			panic("boom")
		})},
		{"nil model", nil},
		{"timeout", ModelFunc(func(ctx context.Context, _ *model.FeatureSet) (float64, error) {
			time.Sleep(time.Second)
			return 0.01, nil
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultScorer(t, tt.model)

			start := time.Now()
			a := s.Score(context.Background(), features("AE", model.HourBusiness))
			assert.Less(t, time.Since(start), 500*time.Millisecond)

			assert.True(t, a.Fallback)
			assert.Equal(t, 0.5, a.Score)
			assert.Equal(t, []string{ReasonModelFallback}, a.Reasons)
		})
	}
}

func TestScore_FallbackStillAppliesRules(t *testing.T) {
	s := defaultScorer(t, ModelFunc(func(context.Context, *model.FeatureSet) (float64, error) {
		return 0, ErrModelUnavailable
	}))
	a := s.Score(context.Background(), features("RU", model.HourBusiness))
	assert.InDelta(t, 0.60, a.Score, 1e-9)
	assert.Equal(t, []string{ReasonModelFallback, "high-risk-countries"}, a.Reasons)
}

func TestHeuristicModel(t *testing.T) {
	h := NewHeuristicModel()
	ctx := context.Background()

	tests := []struct {
		name   string
		cc     string
		bucket model.HourBucket
		ua     string
		want   float64
	}{
		{"gulf business hours", "AE", model.HourBusiness, "", 0.05},
		{"gulf off hours", "SA", model.HourOff, "", 0.10},
		{"regional", "JO", model.HourOff, "", 0.35},
		{"acceptable", "US", model.HourBusiness, "", 0.40},
		{"unknown", "XX", model.HourBusiness, "", 0.45},
		{"high risk", "RU", model.HourBusiness, "", 0.80},
		{"bot abroad", "US", model.HourBusiness, "python-requests/2.31", 0.75},
		{"bot in gulf", "AE", model.HourBusiness, "curl/8.0", 0.70},
		{"bot from high risk clamps", "CN", model.HourOff, "HeadlessChrome", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := features(tt.cc, tt.bucket)
			f.UserAgent = tt.ua
			got, err := h.Predict(ctx, f)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestHTTPModel(t *testing.T) {
	var gotCountry string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotCountry, _ = body["country_code"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score": 0.42}`))
	}))
	defer srv.Close()

	m := NewHTTPModel(srv.URL, time.Second)
	score, err := m.Predict(context.Background(), features("GB", model.HourBusiness))
	require.NoError(t, err)
	assert.Equal(t, 0.42, score)
	assert.Equal(t, "GB", gotCountry)
}

func TestHTTPModel_Failures(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"missing score": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"label": "fraud"}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := NewHTTPModel(srv.URL, time.Second).Predict(context.Background(), features("GB", model.HourBusiness))
			assert.ErrorIs(t, err, ErrModelUnavailable)
		})
	}
}
