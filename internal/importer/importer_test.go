package importer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const header = "Customer_ID,Transaction_Type,Transaction_Amount,Location,Device_Type,Payment_Method," +
	"Failed_Login_Attempts,New_Beneficiary_Added,Unusual_Location,Time_Gap_Between_Transactions," +
	"Transaction_Frequency_Per_Day,Fraud_Label,Transaction_DateTime\n"

func TestReadParsesRows(t *testing.T) {
	input := header +
		"C1,RTP,52000.5,Lagos,Mobile,Card,1,1,0,12.5,3,1,2024-03-15 13:45:00\n" +
		"C2,Transfer,10,Abuja,Web,Wallet,4,false,true,1,7,0,2024-03-16T08:00:00Z\n"

	rows, stats, err := NewReader(nil).Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Stats{Rows: 2, Imported: 2}, stats)

	first := rows[0]
	assert.Equal(t, "C1", first.CustomerID)
	assert.Equal(t, "RTP", first.TransactionType)
	assert.Equal(t, 52000.5, first.Amount)
	assert.Equal(t, "Lagos", first.Location)
	assert.Equal(t, 1, first.FailedLoginAttempts)
	assert.True(t, first.NewBeneficiaryAdded)
	assert.False(t, first.UnusualLocation)
	assert.Equal(t, 12.5, first.TimeGapBetweenTransactions)
	assert.Equal(t, 1, first.FraudLabel)
	assert.Equal(t, time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC), first.TransactionAt)
	assert.Empty(t, first.Missing)

	second := rows[1]
	assert.False(t, second.NewBeneficiaryAdded)
	assert.True(t, second.UnusualLocation)
	assert.Equal(t, time.Date(2024, 3, 16, 8, 0, 0, 0, time.UTC), second.TransactionAt)
}

func TestReadDerivesStableIDs(t *testing.T) {
	input := header +
		"C1,RTP,10,Lagos,Mobile,Card,0,0,0,1,1,0,2024-03-15 13:45:00\n" +
		"C1,RTP,10,Lagos,Mobile,Card,0,0,0,1,1,0,2024-03-15 14:45:00\n"

	first, _, err := NewReader(nil).Read(strings.NewReader(input))
	require.NoError(t, err)
	again, _, err := NewReader(nil).Read(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, first, 2)
	require.Len(t, again, 2)
	assert.NotEmpty(t, first[0].ID)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, first[1].ID, again[1].ID)
	assert.NotEqual(t, first[0].ID, first[1].ID)
}

func TestReadKeepsExplicitTransactionID(t *testing.T) {
	input := strings.TrimSuffix(header, "\n") + ",Transaction_ID\n" +
		"C1,RTP,10,Lagos,Mobile,Card,0,0,0,1,1,0,2024-03-15 13:45:00,tx-42\n"

	rows, _, err := NewReader(nil).Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "tx-42", rows[0].ID)
}

func TestReadSkipsUnusableRows(t *testing.T) {
	input := header +
		"C1,RTP,100,Lagos,Mobile,Card,0,0,0,1,1,0,not-a-date\n" +
		"C2,RTP,100,Lagos,Mobile,Card,0,0,0,1,1,0,\n" +
		",RTP,100,Lagos,Mobile,Card,0,0,0,1,1,0,2024-03-15\n" +
		"C3,RTP,100,Lagos,Mobile,Card,0,0,0,1,1,0,2024-03-15\n"

	rows, stats, err := NewReader(nil).Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "C3", rows[0].CustomerID)
	assert.Equal(t, 4, stats.Rows)
	assert.Equal(t, 1, stats.Imported)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, map[string]int{"bad_timestamp": 2, "no_customer_id": 1}, stats.Reasons)
}

func TestReadRecordsBlankCells(t *testing.T) {
	input := header + "C1,RTP,,,Mobile,Card,,maybe,0,1,1,0,2024-03-15\n"

	rows, _, err := NewReader(nil).Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, map[string]bool{
		domain.ColTransactionAmount: true,
		domain.ColLocation:          true,
		domain.ColFailedLogins:      true,
		domain.ColNewBeneficiary:    true,
	}, rows[0].Missing)
}

func TestReadRejectsIncompleteHeader(t *testing.T) {
	_, _, err := NewReader(nil).Read(strings.NewReader("customer_id,location\nC1,Lagos\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, _, err = NewReader(nil).Read(strings.NewReader(""))
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC)
	tests := []struct {
		in string
		ok bool
	}{
		{"2024-03-15T13:45:00Z", true},
		{"2024-03-15T14:45:00+01:00", true},
		{"2024-03-15 13:45:00", true},
		{"2024-03-15T13:45:00", true},
		{"2024-03-15 13:45", true},
		{"03/15/2024 13:45:00", true},
		{"", false},
		{"NaT", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTime(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"1", "TRUE", "yes", "1.0"} {
		v, ok := ParseBool(s)
		assert.True(t, ok, s)
		assert.True(t, v, s)
	}
	for _, s := range []string{"0", "False", "no", "0.0"} {
		v, ok := ParseBool(s)
		assert.True(t, ok, s)
		assert.False(t, v, s)
	}
	_, ok := ParseBool("2")
	assert.False(t, ok)
}

func TestCategories(t *testing.T) {
	rows := []*domain.HistoryRow{
		{TransactionType: "Transfer", DeviceType: "Web", PaymentMethod: "Card",
			HistoricalRecord: domain.HistoricalRecord{Location: "Lagos"}},
		{TransactionType: "RTP", DeviceType: "Mobile", PaymentMethod: "Card",
			HistoricalRecord: domain.HistoricalRecord{Location: "Abuja"}},
		{TransactionType: "RTP", DeviceType: "Mobile",
			HistoricalRecord: domain.HistoricalRecord{Location: ""},
			Missing:          map[string]bool{domain.ColLocation: true, domain.ColPaymentMethod: true}},
	}

	got := Categories(rows)
	assert.Equal(t, map[string][]string{
		domain.ColTransactionType: {"RTP", "Transfer"},
		domain.ColLocation:        {"Abuja", "Lagos"},
		domain.ColDeviceType:      {"Mobile", "Web"},
		domain.ColPaymentMethod:   {"Card"},
	}, got)
}

func TestBatches(t *testing.T) {
	rows := make([]*domain.HistoryRow, 5)
	for i := range rows {
		rows[i] = &domain.HistoryRow{}
	}

	batches := Batches(rows, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[2], 1)

	assert.Len(t, Batches(rows, 0), 1)
	assert.Empty(t, Batches(nil, 10))
}
