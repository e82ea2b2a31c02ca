package risk

import (
	"context"
	"errors"

	"risk-auth-service/internal/model"
)

// ErrModelUnavailable is recovered by the Scorer and never reaches callers.
var ErrModelUnavailable = errors.New("risk model unavailable")

// Model is the external risk estimator. Implementations may block; the Scorer
// bounds every call with a timeout.
type Model interface {
	Predict(ctx context.Context, features *model.FeatureSet) (float64, error)
}

// ModelFunc adapts a plain function to Model.
type ModelFunc func(ctx context.Context, features *model.FeatureSet) (float64, error)

func (f ModelFunc) Predict(ctx context.Context, features *model.FeatureSet) (float64, error) {
	return f(ctx, features)
}

// StaticModel always returns the same score. Useful in tests and local runs.
type StaticModel float64

func (s StaticModel) Predict(context.Context, *model.FeatureSet) (float64, error) {
	return float64(s), nil
}
