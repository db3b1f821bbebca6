// Package features derives the canonical feature set for one scoring call
// from the incoming transaction and the customer's latest history record.
package features

import (
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Derive merges tx and rec into a FeatureSet. It does no I/O.
//
// Time features come from the history record's timestamp in UTC, with
// Monday as weekday 0 to match the training pipeline.
func Derive(tx domain.Transaction, rec *domain.HistoricalRecord) (domain.FeatureSet, error) {
	if err := validate(tx); err != nil {
		return domain.FeatureSet{}, err
	}

	if rec == nil {
		return domain.FeatureSet{}, &domain.MalformedHistoryError{CustomerID: tx.CustomerID, Field: "record"}
	}
	if rec.TransactionAt.IsZero() {
		return domain.FeatureSet{}, &domain.MalformedHistoryError{CustomerID: tx.CustomerID, Field: "transaction_datetime"}
	}
	if strings.TrimSpace(rec.Location) == "" {
		return domain.FeatureSet{}, &domain.MalformedHistoryError{CustomerID: tx.CustomerID, Field: domain.ColLocation}
	}

	at := rec.TransactionAt.UTC()

	return domain.FeatureSet{
		TransactionType: tx.TransactionType,
		Amount:          tx.Amount,
		Location:        rec.Location,
		DeviceType:      tx.DeviceType,
		PaymentMethod:   tx.PaymentMethod,

		FailedLoginAttempts:        rec.FailedLoginAttempts,
		NewBeneficiaryAdded:        flag(rec.NewBeneficiaryAdded),
		UnusualLocation:            flag(rec.UnusualLocation),
		TimeGapBetweenTransactions: rec.TimeGapBetweenTransactions,
		TransactionFrequencyPerDay: rec.TransactionFrequencyPerDay,

		Hour:    at.Hour(),
		Day:     at.Day(),
		Weekday: Weekday(at),
		IsRTP:   flag(tx.IsRTP()),
	}, nil
}

// Weekday returns the day of week with Monday = 0 and Sunday = 6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func validate(tx domain.Transaction) error {
	switch {
	case tx.CustomerID == "":
		return &domain.InvalidRequestError{Reason: "customer_id is required"}
	case tx.TransactionType == "":
		return &domain.InvalidRequestError{Reason: "transaction_type is required"}
	case tx.DeviceType == "":
		return &domain.InvalidRequestError{Reason: "device_type is required"}
	case tx.PaymentMethod == "":
		return &domain.InvalidRequestError{Reason: "payment_method is required"}
	case math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0):
		return &domain.InvalidRequestError{Reason: "transaction_amount must be a finite number"}
	case tx.Amount < 0:
		return &domain.InvalidRequestError{Reason: "transaction_amount must be non-negative"}
	}
	return nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
