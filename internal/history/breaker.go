package history

import (
	"errors"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
)

const breakerName = "history-store"

// newBreaker guards the history store. Not-found and malformed rows are
// answers from a healthy store, so they never count as failures.
func newBreaker(cfg domain.HistoryConfig, metrics *observability.Metrics) *gobreaker.CircuitBreaker {
	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := cfg.BreakerFailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.6
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= ratio
		},
		IsSuccessful: func(err error) bool {
			var malformed *domain.MalformedHistoryError
			return err == nil ||
				errors.Is(err, domain.ErrCustomerNotFound) ||
				errors.As(err, &malformed)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.SetBreakerState(name, int(to))
		},
	})
}
