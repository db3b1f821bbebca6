package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCustomerNotFound means the customer has no history. Client error.
	ErrCustomerNotFound = errors.New("customer ID not found")

	// ErrHistoryLookupTimeout means the history store did not answer in time.
	// Transient; callers may retry.
	ErrHistoryLookupTimeout = errors.New("history lookup timed out")

	// ErrHistoryUnavailable means the history store is down or its breaker is open.
	ErrHistoryUnavailable = errors.New("history store unavailable")
)

// MalformedHistoryError reports a required history column that is absent or null.
type MalformedHistoryError struct {
	CustomerID string
	Field      string
}

func (e *MalformedHistoryError) Error() string {
	return fmt.Sprintf("malformed history for customer %s: field %s is missing", e.CustomerID, e.Field)
}

// MissingEncoderError reports a categorical field with no fitted encoder.
type MissingEncoderError struct {
	Field string
}

func (e *MissingEncoderError) Error() string {
	return "missing encoder for field: " + e.Field
}

// UnknownCategoryError reports a category value never seen during training.
type UnknownCategoryError struct {
	Field string
	Value string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown category %q for field %s", e.Value, e.Field)
}

// InvalidRequestError reports an unusable scoring request.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// Kind classifies an error for transport mapping and metrics.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindTimeout          Kind = "timeout"
	KindUnavailable      Kind = "unavailable"
	KindMalformedHistory Kind = "malformed_history"
	KindMissingEncoder   Kind = "missing_encoder"
	KindUnknownCategory  Kind = "unknown_category"
	KindInvalidRequest   Kind = "invalid_request"
	KindInternal         Kind = "internal"
)

// ErrorKind classifies err. Anything unrecognised is KindInternal.
func ErrorKind(err error) Kind {
	var (
		malformed *MalformedHistoryError
		encoder   *MissingEncoderError
		category  *UnknownCategoryError
		invalid   *InvalidRequestError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCustomerNotFound):
		return KindNotFound
	case errors.Is(err, ErrHistoryLookupTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrHistoryUnavailable):
		return KindUnavailable
	case errors.As(err, &malformed):
		return KindMalformedHistory
	case errors.As(err, &encoder):
		return KindMissingEncoder
	case errors.As(err, &category):
		return KindUnknownCategory
	case errors.As(err, &invalid):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}
