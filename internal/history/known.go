package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// KnownCustomers is a bloom filter over customer ids with history.
// A negative answer is definitive; a positive one may be a false positive.
// Until the first successful Refresh every id is reported as possibly known.
type KnownCustomers struct {
	mu            sync.RWMutex
	filter        *bloom.BloomFilter
	expectedItems uint
	falsePositive float64
}

// NewKnownCustomers sizes a filter for expectedItems at the given rate.
func NewKnownCustomers(expectedItems uint, falsePositive float64) *KnownCustomers {
	if expectedItems == 0 {
		expectedItems = 10000
	}
	if falsePositive <= 0 || falsePositive >= 1 {
		falsePositive = 0.01
	}
	return &KnownCustomers{
		expectedItems: expectedItems,
		falsePositive: falsePositive,
	}
}

// MayContain reports whether id may have history.
func (k *KnownCustomers) MayContain(id string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.filter == nil {
		return true
	}
	return k.filter.TestString(id)
}

// Add records id, e.g. after new history was imported.
func (k *KnownCustomers) Add(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.filter != nil {
		k.filter.AddString(id)
	}
}

// Refresh rebuilds the filter from the store and swaps it in.
func (k *KnownCustomers) Refresh(ctx context.Context, store domain.HistoryStore) (int, error) {
	ids, err := store.ListCustomerIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list customers: %w", err)
	}

	n := k.expectedItems
	if uint(len(ids)) > n {
		n = uint(len(ids))
	}

	filter := bloom.NewWithEstimates(n, k.falsePositive)
	for _, id := range ids {
		filter.AddString(id)
	}

	k.mu.Lock()
	k.filter = filter
	k.mu.Unlock()

	return len(ids), nil
}

// Loaded reports whether the filter has been populated.
func (k *KnownCustomers) Loaded() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.filter != nil
}
