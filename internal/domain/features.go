package domain

// FeatureCount is the number of model input columns.
const FeatureCount = 14

// Model column names.
const (
	ColTransactionType   = "transaction_type"
	ColTransactionAmount = "transaction_amount"
	ColLocation          = "location"
	ColDeviceType        = "device_type"
	ColPaymentMethod     = "payment_method"
	ColFailedLogins      = "failed_login_attempts"
	ColNewBeneficiary    = "new_beneficiary_added"
	ColUnusualLocation   = "unusual_location"
	ColTimeGap           = "time_gap_between_transactions"
	ColFrequencyPerDay   = "transaction_frequency_per_day"
	ColHour              = "hour"
	ColDay               = "day"
	ColWeekday           = "weekday"
	ColIsRTP             = "is_rtp"
)

// FeatureColumns is the column order the classifier was trained on.
// Reordering it silently corrupts predictions.
var FeatureColumns = [FeatureCount]string{
	ColTransactionType,
	ColTransactionAmount,
	ColLocation,
	ColDeviceType,
	ColPaymentMethod,
	ColFailedLogins,
	ColNewBeneficiary,
	ColUnusualLocation,
	ColTimeGap,
	ColFrequencyPerDay,
	ColHour,
	ColDay,
	ColWeekday,
	ColIsRTP,
}

// CategoricalFields are the columns that go through the encoder table.
var CategoricalFields = [4]string{
	ColTransactionType,
	ColLocation,
	ColDeviceType,
	ColPaymentMethod,
}

// FeatureVector is the numeric classifier input in FeatureColumns order.
type FeatureVector [FeatureCount]float64

// EncodedCategories holds the integer codes of the categorical fields.
type EncodedCategories struct {
	TransactionType int
	Location        int
	DeviceType      int
	PaymentMethod   int
}

// FeatureSet is the canonical feature set for one scoring call.
// Flags are 0/1 so they feed the encoder and the vector unchanged.
type FeatureSet struct {
	TransactionType string
	Amount          float64
	Location        string
	DeviceType      string
	PaymentMethod   string

	FailedLoginAttempts        int
	NewBeneficiaryAdded        int
	UnusualLocation            int
	TimeGapBetweenTransactions float64
	TransactionFrequencyPerDay float64

	Hour    int
	Day     int
	Weekday int
	IsRTP   int
}

// Categorical returns the raw value of a categorical column.
func (f FeatureSet) Categorical(field string) (string, bool) {
	switch field {
	case ColTransactionType:
		return f.TransactionType, true
	case ColLocation:
		return f.Location, true
	case ColDeviceType:
		return f.DeviceType, true
	case ColPaymentMethod:
		return f.PaymentMethod, true
	}
	return "", false
}

// Vector assembles the classifier input in FeatureColumns order.
func (f FeatureSet) Vector(codes EncodedCategories) FeatureVector {
	var v FeatureVector
	for i, col := range FeatureColumns {
		v[i] = f.column(col, codes)
	}
	return v
}

func (f FeatureSet) column(col string, codes EncodedCategories) float64 {
	switch col {
	case ColTransactionType:
		return float64(codes.TransactionType)
	case ColTransactionAmount:
		return f.Amount
	case ColLocation:
		return float64(codes.Location)
	case ColDeviceType:
		return float64(codes.DeviceType)
	case ColPaymentMethod:
		return float64(codes.PaymentMethod)
	case ColFailedLogins:
		return float64(f.FailedLoginAttempts)
	case ColNewBeneficiary:
		return float64(f.NewBeneficiaryAdded)
	case ColUnusualLocation:
		return float64(f.UnusualLocation)
	case ColTimeGap:
		return f.TimeGapBetweenTransactions
	case ColFrequencyPerDay:
		return f.TransactionFrequencyPerDay
	case ColHour:
		return float64(f.Hour)
	case ColDay:
		return float64(f.Day)
	case ColWeekday:
		return float64(f.Weekday)
	case ColIsRTP:
		return float64(f.IsRTP)
	}
	panic("domain: unknown feature column " + col)
}

// Activation returns the CEL variables the rule engine evaluates against.
func (f FeatureSet) Activation() map[string]any {
	return map[string]any{
		"transaction_type":              f.TransactionType,
		"amount":                        f.Amount,
		"location":                      f.Location,
		"device_type":                   f.DeviceType,
		"payment_method":                f.PaymentMethod,
		"failed_login_attempts":         int64(f.FailedLoginAttempts),
		"new_beneficiary_added":         f.NewBeneficiaryAdded == 1,
		"unusual_location":              f.UnusualLocation == 1,
		"time_gap_between_transactions": f.TimeGapBetweenTransactions,
		"transaction_frequency_per_day": f.TransactionFrequencyPerDay,
		"hour":                          int64(f.Hour),
		"day":                           int64(f.Day),
		"weekday":                       int64(f.Weekday),
		"is_rtp":                        f.IsRTP == 1,
	}
}
