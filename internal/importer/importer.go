// Package importer reads CSV exports of the customer transaction table
// into history rows.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoding"
)

// Non-feature columns of the export.
const (
	ColCustomerID      = "customer_id"
	ColTransactionID   = "transaction_id"
	ColFraudLabel      = "fraud_label"
	ColTransactionTime = "transaction_datetime"
)

// requiredHeader lists the columns every export must carry.
var requiredHeader = []string{
	ColCustomerID,
	domain.ColTransactionType,
	domain.ColTransactionAmount,
	domain.ColLocation,
	domain.ColDeviceType,
	domain.ColPaymentMethod,
	domain.ColFailedLogins,
	domain.ColNewBeneficiary,
	domain.ColUnusualLocation,
	domain.ColTimeGap,
	domain.ColFrequencyPerDay,
	ColFraudLabel,
	ColTransactionTime,
}

// timeLayouts are tried in order when parsing transaction_datetime.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
}

// rowNamespace seeds content ids for exports without transaction_id.
var rowNamespace = uuid.MustParse("6f1c2a7e-3b4d-4c8e-9a51-2d7f0e6b8c14")

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("missing column")

// Stats summarises one import.
type Stats struct {
	Rows     int `json:"rows"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`

	// Reasons counts skipped rows by cause.
	Reasons map[string]int `json:"reasons,omitempty"`
}

func (s *Stats) skip(reason string) {
	s.Skipped++
	if s.Reasons == nil {
		s.Reasons = make(map[string]int)
	}
	s.Reasons[reason]++
}

// Reader turns CSV records into history rows.
type Reader struct {
	logger *slog.Logger
}

// NewReader creates a Reader. A nil logger falls back to slog.Default.
func NewReader(logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{logger: logger}
}

// Read parses every record of r. Header names are matched case-insensitively.
// Rows without a customer id or with an unparseable timestamp are skipped.
// Blank cells in other columns are recorded in HistoryRow.Missing.
func (rd *Reader) Read(r io.Reader) ([]*domain.HistoryRow, Stats, error) {
	var stats Stats

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, stats, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredHeader {
		if _, ok := colIndex[col]; !ok {
			return nil, stats, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	var rows []*domain.HistoryRow
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			stats.Rows++
			stats.skip("malformed")
			rd.logger.Warn("skipping malformed csv record", "line", line, "error", err)
			continue
		}
		stats.Rows++

		row, reason := parseRow(record, colIndex)
		if reason != "" {
			stats.skip(reason)
			rd.logger.Debug("skipping csv record", "line", line, "reason", reason)
			continue
		}
		rows = append(rows, row)
	}

	stats.Imported = len(rows)
	return rows, stats, nil
}

func parseRow(record []string, colIndex map[string]int) (*domain.HistoryRow, string) {
	cell := func(col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	customerID := cell(ColCustomerID)
	if customerID == "" {
		return nil, "no_customer_id"
	}

	at, ok := ParseTime(cell(ColTransactionTime))
	if !ok {
		return nil, "bad_timestamp"
	}

	// The same record always gets the same id, so a re-import of an
	// export without transaction ids skips rows already stored.
	id := cell(ColTransactionID)
	if id == "" {
		id = uuid.NewSHA1(rowNamespace, []byte(strings.Join(record, "\x1f"))).String()
	}

	row := &domain.HistoryRow{
		ID:              id,
		TransactionType: cell(domain.ColTransactionType),
		DeviceType:      cell(domain.ColDeviceType),
		PaymentMethod:   cell(domain.ColPaymentMethod),
		Missing:         make(map[string]bool),
	}
	row.CustomerID = customerID
	row.Location = cell(domain.ColLocation)
	row.TransactionAt = at

	for _, col := range []string{
		domain.ColTransactionType, domain.ColLocation,
		domain.ColDeviceType, domain.ColPaymentMethod,
	} {
		if cell(col) == "" {
			row.Missing[col] = true
		}
	}

	number := func(col string) float64 {
		v, err := strconv.ParseFloat(cell(col), 64)
		if err != nil {
			row.Missing[col] = true
			return 0
		}
		return v
	}
	integer := func(col string) int {
		return int(number(col))
	}
	flag := func(col string) bool {
		v, ok := ParseBool(cell(col))
		if !ok {
			row.Missing[col] = true
		}
		return v
	}

	row.Amount = number(domain.ColTransactionAmount)
	row.FailedLoginAttempts = integer(domain.ColFailedLogins)
	row.NewBeneficiaryAdded = flag(domain.ColNewBeneficiary)
	row.UnusualLocation = flag(domain.ColUnusualLocation)
	row.TimeGapBetweenTransactions = number(domain.ColTimeGap)
	row.TransactionFrequencyPerDay = number(domain.ColFrequencyPerDay)
	row.FraudLabel = integer(ColFraudLabel)

	return row, ""
}

// ParseTime parses s with the first matching layout, returning UTC.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseBool accepts 1/0, true/false and yes/no in any case.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "1", "1.0", "true", "t", "yes", "y":
		return true, true
	case "0", "0.0", "false", "f", "no", "n":
		return false, true
	}
	return false, false
}

// Categories collects the distinct present values of every categorical
// field, sorted, in the shape encoding.Save expects.
func Categories(rows []*domain.HistoryRow) map[string][]string {
	values := make(map[string][]string, len(domain.CategoricalFields))

	for _, row := range rows {
		for field, v := range map[string]string{
			domain.ColTransactionType: row.TransactionType,
			domain.ColLocation:        row.Location,
			domain.ColDeviceType:      row.DeviceType,
			domain.ColPaymentMethod:   row.PaymentMethod,
		} {
			if !row.Missing[field] {
				values[field] = append(values[field], v)
			}
		}
	}

	out := make(map[string][]string, len(domain.CategoricalFields))
	for _, field := range domain.CategoricalFields {
		out[field] = encoding.Fit(values[field]).Classes()
	}
	return out
}

// Batches splits rows into chunks of at most size rows.
func Batches(rows []*domain.HistoryRow, size int) [][]*domain.HistoryRow {
	if size <= 0 {
		size = len(rows)
	}
	var out [][]*domain.HistoryRow
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}
