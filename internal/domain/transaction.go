package domain

import (
	"math"
	"strings"
)

// Transaction is an incoming transaction to be scored.
// It carries no timestamp; time context comes from the customer's history.
type Transaction struct {
	CustomerID      string  `json:"customerId"`
	TransactionType string  `json:"transactionType"`
	Amount          float64 `json:"amount"`
	DeviceType      string  `json:"deviceType"`
	PaymentMethod   string  `json:"paymentMethod"`
}

// ScoreRequest is the API request payload for POST /predict.
type ScoreRequest struct {
	CustomerID      string   `json:"customer_id" validate:"required"`
	TransactionType string   `json:"transaction_type" validate:"required"`
	Amount          *float64 `json:"transaction_amount" validate:"required,gte=0"`
	DeviceType      string   `json:"device_type" validate:"required"`
	PaymentMethod   string   `json:"payment_method" validate:"required"`
}

// ToTransaction converts a request to a Transaction domain object.
// An absent amount becomes NaN, which feature derivation rejects.
func (r *ScoreRequest) ToTransaction() Transaction {
	amount := math.NaN()
	if r.Amount != nil {
		amount = *r.Amount
	}
	return Transaction{
		CustomerID:      strings.TrimSpace(r.CustomerID),
		TransactionType: r.TransactionType,
		Amount:          amount,
		DeviceType:      r.DeviceType,
		PaymentMethod:   r.PaymentMethod,
	}
}

// IsRTP reports whether the declared type is a Real-Time Payment.
func (t Transaction) IsRTP() bool {
	return strings.EqualFold(t.TransactionType, "rtp")
}
