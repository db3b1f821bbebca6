package domain

import (
	"context"
	"time"
)

// HistoricalRecord is a customer's most recent prior transaction as stored
// in the history store. Read-only to the scoring engine.
type HistoricalRecord struct {
	CustomerID                 string    `json:"customerId"`
	Location                   string    `json:"location"`
	FailedLoginAttempts        int       `json:"failedLoginAttempts"`
	NewBeneficiaryAdded        bool      `json:"newBeneficiaryAdded"`
	UnusualLocation            bool      `json:"unusualLocation"`
	TimeGapBetweenTransactions float64   `json:"timeGapBetweenTransactions"`
	TransactionFrequencyPerDay float64   `json:"transactionFrequencyPerDay"`
	FraudLabel                 int       `json:"fraudLabel"`
	TransactionAt              time.Time `json:"transactionAt"`
}

// HistoryRow is one stored row of a customer's transaction history.
// The importer writes these; lookups only ever read the latest one back.
type HistoryRow struct {
	ID              string
	TransactionType string
	Amount          float64
	DeviceType      string
	PaymentMethod   string
	HistoricalRecord

	// Missing names columns that were blank in the source and are stored NULL.
	Missing map[string]bool
}

// HistoryLookup resolves the latest historical record for a customer.
// Fetch returns ErrCustomerNotFound when the customer has no history.
type HistoryLookup interface {
	Fetch(ctx context.Context, customerID string) (*HistoricalRecord, error)
}

// HistoryStore is the backing store for customer history.
type HistoryStore interface {
	// LatestHistory returns the row with the greatest transaction timestamp.
	LatestHistory(ctx context.Context, customerID string) (*HistoricalRecord, error)

	// SaveHistory inserts history rows in a single transaction, skipping
	// rows whose ID is already stored, and returns the number inserted.
	SaveHistory(ctx context.Context, rows []*HistoryRow) (int, error)

	// ListCustomerIDs returns every customer that has at least one row.
	ListCustomerIDs(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
}
