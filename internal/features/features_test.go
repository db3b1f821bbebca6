package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func sampleTx() domain.Transaction {
	return domain.Transaction{
		CustomerID:      "CUST-0001",
		TransactionType: "RTP",
		Amount:          1250.5,
		DeviceType:      "mobile",
		PaymentMethod:   "bank_transfer",
	}
}

func sampleRecord() *domain.HistoricalRecord {
	return &domain.HistoricalRecord{
		CustomerID:                 "CUST-0001",
		Location:                   "London",
		FailedLoginAttempts:        2,
		NewBeneficiaryAdded:        true,
		UnusualLocation:            false,
		TimeGapBetweenTransactions: 3.5,
		TransactionFrequencyPerDay: 4,
		FraudLabel:                 0,
		// Wednesday
		TransactionAt: time.Date(2024, 3, 13, 17, 45, 0, 0, time.UTC),
	}
}

func TestDerive(t *testing.T) {
	t.Run("MergesTransactionAndHistory", func(t *testing.T) {
		fs, err := Derive(sampleTx(), sampleRecord())
		require.NoError(t, err)

		assert.Equal(t, "RTP", fs.TransactionType)
		assert.Equal(t, 1250.5, fs.Amount)
		assert.Equal(t, "London", fs.Location)
		assert.Equal(t, "mobile", fs.DeviceType)
		assert.Equal(t, "bank_transfer", fs.PaymentMethod)
		assert.Equal(t, 2, fs.FailedLoginAttempts)
		assert.Equal(t, 1, fs.NewBeneficiaryAdded)
		assert.Equal(t, 0, fs.UnusualLocation)
		assert.Equal(t, 3.5, fs.TimeGapBetweenTransactions)
		assert.Equal(t, 4.0, fs.TransactionFrequencyPerDay)
		assert.Equal(t, 17, fs.Hour)
		assert.Equal(t, 13, fs.Day)
		assert.Equal(t, 2, fs.Weekday)
		assert.Equal(t, 1, fs.IsRTP)
	})

	t.Run("IsRTPIsCaseInsensitive", func(t *testing.T) {
		for typ, want := range map[string]int{"rtp": 1, "RTP": 1, "Rtp": 1, "card": 0, "rtp2": 0} {
			tx := sampleTx()
			tx.TransactionType = typ
			fs, err := Derive(tx, sampleRecord())
			require.NoError(t, err)
			assert.Equal(t, want, fs.IsRTP, typ)
		}
	})

	t.Run("TimeFeaturesUseUTC", func(t *testing.T) {
		rec := sampleRecord()
		loc := time.FixedZone("UTC+10", 10*3600)
		// 2024-03-18 03:00 local is Sunday 17:00 UTC
		rec.TransactionAt = time.Date(2024, 3, 18, 3, 0, 0, 0, loc)

		fs, err := Derive(sampleTx(), rec)
		require.NoError(t, err)
		assert.Equal(t, 17, fs.Hour)
		assert.Equal(t, 17, fs.Day)
		assert.Equal(t, 6, fs.Weekday)
	})

	t.Run("NilRecordIsMalformed", func(t *testing.T) {
		_, err := Derive(sampleTx(), nil)
		var malformed *domain.MalformedHistoryError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, "CUST-0001", malformed.CustomerID)
	})

	t.Run("ZeroTimestampIsMalformed", func(t *testing.T) {
		rec := sampleRecord()
		rec.TransactionAt = time.Time{}
		_, err := Derive(sampleTx(), rec)
		var malformed *domain.MalformedHistoryError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, "transaction_datetime", malformed.Field)
	})

	t.Run("EmptyLocationIsMalformed", func(t *testing.T) {
		rec := sampleRecord()
		rec.Location = "  "
		_, err := Derive(sampleTx(), rec)
		var malformed *domain.MalformedHistoryError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, domain.ColLocation, malformed.Field)
	})

	t.Run("InvalidTransaction", func(t *testing.T) {
		cases := map[string]func(*domain.Transaction){
			"EmptyCustomer": func(tx *domain.Transaction) { tx.CustomerID = "" },
			"EmptyType":     func(tx *domain.Transaction) { tx.TransactionType = "" },
			"EmptyDevice":   func(tx *domain.Transaction) { tx.DeviceType = "" },
			"EmptyPayment":  func(tx *domain.Transaction) { tx.PaymentMethod = "" },
			"NegativeAmt":   func(tx *domain.Transaction) { tx.Amount = -1 },
			"NaNAmount":     func(tx *domain.Transaction) { tx.Amount = math.NaN() },
		}
		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				tx := sampleTx()
				mutate(&tx)
				_, err := Derive(tx, sampleRecord())
				assert.Equal(t, domain.KindInvalidRequest, domain.ErrorKind(err))
			})
		}
	})

	t.Run("ZeroAmountIsValid", func(t *testing.T) {
		tx := sampleTx()
		tx.Amount = 0
		_, err := Derive(tx, sampleRecord())
		assert.NoError(t, err)
	})
}

func TestWeekday(t *testing.T) {
	monday := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		assert.Equal(t, i, Weekday(monday.AddDate(0, 0, i)))
	}
}

func TestVectorOrder(t *testing.T) {
	fs, err := Derive(sampleTx(), sampleRecord())
	require.NoError(t, err)

	codes := domain.EncodedCategories{TransactionType: 10, Location: 20, DeviceType: 30, PaymentMethod: 40}
	v := fs.Vector(codes)

	want := domain.FeatureVector{
		10,     // transaction_type
		1250.5, // transaction_amount
		20,     // location
		30,     // device_type
		40,     // payment_method
		2,      // failed_login_attempts
		1,      // new_beneficiary_added
		0,      // unusual_location
		3.5,    // time_gap_between_transactions
		4,      // transaction_frequency_per_day
		17,     // hour
		13,     // day
		2,      // weekday
		1,      // is_rtp
	}
	assert.Equal(t, want, v)
	assert.Len(t, domain.FeatureColumns, len(v))
}

func TestActivation(t *testing.T) {
	fs, err := Derive(sampleTx(), sampleRecord())
	require.NoError(t, err)

	act := fs.Activation()
	assert.Equal(t, true, act["new_beneficiary_added"])
	assert.Equal(t, false, act["unusual_location"])
	assert.Equal(t, int64(2), act["failed_login_attempts"])
	assert.Equal(t, 1250.5, act["amount"])
	assert.Equal(t, true, act["is_rtp"])
}
