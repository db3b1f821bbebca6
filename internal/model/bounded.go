package model

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Bounded limits the number of concurrent Predict calls on a classifier.
type Bounded struct {
	next domain.Classifier
	sem  *semaphore.Weighted
}

// NewBounded wraps next. A limit <= 0 means GOMAXPROCS.
func NewBounded(next domain.Classifier, limit int) *Bounded {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	return &Bounded{
		next: next,
		sem:  semaphore.NewWeighted(int64(limit)),
	}
}

// Predict waits for a slot, honouring ctx, then delegates.
func (b *Bounded) Predict(ctx context.Context, v domain.FeatureVector) (domain.ClassCode, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer b.sem.Release(1)

	return b.next.Predict(ctx, v)
}
