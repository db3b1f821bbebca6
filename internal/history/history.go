// Package history resolves a customer's latest historical record in front
// of the history store: bounded timeout, known-customer filter, record
// cache, request collapsing and a circuit breaker.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
)

const (
	defaultLookupTimeout = 2 * time.Second
	cacheKeyPrefix       = "history:"
	cacheName            = "history"
)

// Service implements domain.HistoryLookup.
type Service struct {
	store   domain.HistoryStore
	cache   domain.Cache
	known   *KnownCustomers
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	metrics *observability.Metrics

	timeout         time.Duration
	ttl             time.Duration
	refreshInterval time.Duration
}

var _ domain.HistoryLookup = (*Service)(nil)

// Option configures optional Service collaborators.
type Option func(*Service)

// WithCache caches records in c for the configured TTL.
func WithCache(c domain.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithKnownCustomers rejects ids the filter has never seen.
func WithKnownCustomers(k *KnownCustomers) Option {
	return func(s *Service) { s.known = k }
}

// WithMetrics records lookup outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new history lookup service.
func NewService(store domain.HistoryStore, cfg domain.HistoryConfig, opts ...Option) *Service {
	s := &Service{
		store:           store,
		timeout:         cfg.LookupTimeout,
		ttl:             cfg.CacheTTL,
		refreshInterval: cfg.BloomRefreshInterval,
	}
	if s.timeout <= 0 {
		s.timeout = defaultLookupTimeout
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = newBreaker(cfg, s.metrics)
	return s
}

// Fetch returns the customer's latest historical record.
func (s *Service) Fetch(ctx context.Context, customerID string) (*domain.HistoricalRecord, error) {
	if customerID == "" {
		return nil, &domain.InvalidRequestError{Reason: "customer_id is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.known != nil && !s.known.MayContain(customerID) {
		s.metrics.RecordLookup("filtered")
		return nil, domain.ErrCustomerNotFound
	}

	if rec := s.fromCache(ctx, customerID); rec != nil {
		s.metrics.RecordLookup("cache_hit")
		return rec, nil
	}

	ch := s.group.DoChan(customerID, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.load(lookupCtx, customerID)
	})

	select {
	case <-ctx.Done():
		s.metrics.RecordLookup("timeout")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.ErrHistoryLookupTimeout
		}
		return nil, ctx.Err()

	case res := <-ch:
		if res.Err != nil {
			s.metrics.RecordLookup(string(domain.ErrorKind(res.Err)))
			return nil, res.Err
		}
		s.metrics.RecordLookup("store")
		// Copy so callers never share a record.
		rec := *res.Val.(*domain.HistoricalRecord)
		return &rec, nil
	}
}

// load reads through the breaker and populates the cache.
func (s *Service) load(ctx context.Context, customerID string) (*domain.HistoricalRecord, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		return s.store.LatestHistory(ctx, customerID)
	})
	if err != nil {
		return nil, classify(err)
	}

	rec := out.(*domain.HistoricalRecord)
	s.toCache(ctx, customerID, rec)
	return rec, nil
}

// classify maps store and breaker failures onto the domain error kinds.
func classify(err error) error {
	var malformed *domain.MalformedHistoryError
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound), errors.As(err, &malformed):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrHistoryLookupTimeout, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit breaker %s", domain.ErrHistoryUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrHistoryUnavailable, err)
	}
}

func (s *Service) fromCache(ctx context.Context, customerID string) *domain.HistoricalRecord {
	if s.cache == nil {
		return nil
	}

	data, err := s.cache.Get(ctx, cacheKeyPrefix+customerID)
	if err != nil {
		slog.Warn("history cache read failed",
			"customer_id", customerID,
			"error", err,
		)
		s.metrics.IncrCacheMiss(cacheName)
		return nil
	}
	if data == nil {
		s.metrics.IncrCacheMiss(cacheName)
		return nil
	}

	var rec domain.HistoricalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("discarding undecodable cached history",
			"customer_id", customerID,
			"error", err,
		)
		_ = s.cache.Delete(ctx, cacheKeyPrefix+customerID)
		s.metrics.IncrCacheMiss(cacheName)
		return nil
	}

	s.metrics.IncrCacheHit(cacheName)
	return &rec
}

func (s *Service) toCache(ctx context.Context, customerID string, rec *domain.HistoricalRecord) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKeyPrefix+customerID, data, s.ttl); err != nil {
		slog.Warn("history cache write failed",
			"customer_id", customerID,
			"error", err,
		)
	}
}

// Invalidate drops a customer's cached record, e.g. after an import.
func (s *Service) Invalidate(ctx context.Context, customerID string) error {
	if s.known != nil {
		s.known.Add(customerID)
	}
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, cacheKeyPrefix+customerID)
}

// RefreshKnown rebuilds the known-customer filter from the store.
func (s *Service) RefreshKnown(ctx context.Context) error {
	if s.known == nil {
		return nil
	}
	n, err := s.known.Refresh(ctx, s.store)
	if err != nil {
		return err
	}
	slog.Info("known customer filter refreshed", "customers", n)
	return nil
}

// Run refreshes the known-customer filter now and then on every interval
// until ctx is done. It returns immediately when no filter is configured.
func (s *Service) Run(ctx context.Context) {
	if s.known == nil {
		return
	}

	if err := s.RefreshKnown(ctx); err != nil {
		slog.Error("known customer filter refresh failed", "error", err)
	}
	if s.refreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshKnown(ctx); err != nil {
				slog.Error("known customer filter refresh failed", "error", err)
			}
		}
	}
}

// BreakerState returns the current circuit breaker state.
func (s *Service) BreakerState() gobreaker.State {
	return s.breaker.State()
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
