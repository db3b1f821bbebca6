package domain

import (
	"context"
)

// Classifier is the trained multiclass model.
// Implementations must be deterministic and safe for concurrent use.
type Classifier interface {
	Predict(ctx context.Context, v FeatureVector) (ClassCode, error)
}

// ClassifierFunc adapts a plain function to a Classifier.
type ClassifierFunc func(ctx context.Context, v FeatureVector) (ClassCode, error)

// Predict calls f.
func (f ClassifierFunc) Predict(ctx context.Context, v FeatureVector) (ClassCode, error) {
	return f(ctx, v)
}
