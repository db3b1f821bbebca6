// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

var _ domain.Repository = (*SQLRepository)(nil)

// openTimeout bounds connecting and migrating at startup.
const openTimeout = 30 * time.Second

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// LatestHistory returns the customer's row with the greatest
// transaction_datetime. Rows with a NULL timestamp sort last.
func (r *SQLRepository) LatestHistory(ctx context.Context, customerID string) (*domain.HistoricalRecord, error) {
	query := `
		SELECT customer_id, location, failed_login_attempts,
			   new_beneficiary_added, unusual_location,
			   time_gap_between_transactions, transaction_frequency_per_day,
			   fraud_label, transaction_datetime
		FROM customer_history
		WHERE customer_id = ?
		ORDER BY transaction_datetime IS NULL, transaction_datetime DESC
		LIMIT 1
	`

	var (
		rec            domain.HistoricalRecord
		location       sql.NullString
		failedLogins   sql.NullInt64
		newBeneficiary sql.NullInt64
		unusual        sql.NullInt64
		timeGap        sql.NullFloat64
		frequency      sql.NullFloat64
		fraudLabel     sql.NullInt64
		at             sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, r.rebind(query), customerID).Scan(
		&rec.CustomerID, &location, &failedLogins,
		&newBeneficiary, &unusual,
		&timeGap, &frequency,
		&fraudLabel, &at,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	for _, col := range []struct {
		name  string
		valid bool
	}{
		{"location", location.Valid},
		{"failed_login_attempts", failedLogins.Valid},
		{"new_beneficiary_added", newBeneficiary.Valid},
		{"unusual_location", unusual.Valid},
		{"time_gap_between_transactions", timeGap.Valid},
		{"transaction_frequency_per_day", frequency.Valid},
		{"fraud_label", fraudLabel.Valid},
		{"transaction_datetime", at.Valid},
	} {
		if !col.valid {
			return nil, &domain.MalformedHistoryError{CustomerID: customerID, Field: col.name}
		}
	}

	rec.Location = location.String
	rec.FailedLoginAttempts = int(failedLogins.Int64)
	rec.NewBeneficiaryAdded = newBeneficiary.Int64 != 0
	rec.UnusualLocation = unusual.Int64 != 0
	rec.TimeGapBetweenTransactions = timeGap.Float64
	rec.TransactionFrequencyPerDay = frequency.Float64
	rec.FraudLabel = int(fraudLabel.Int64)
	rec.TransactionAt = at.Time.UTC()

	return &rec, nil
}

// SaveHistory inserts rows in a single transaction and returns how many
// were new. Rows whose ID is already stored are skipped, so re-importing
// an export is idempotent. Rows without an ID get one.
func (r *SQLRepository) SaveHistory(ctx context.Context, rows []*domain.HistoryRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO customer_history (
			id, customer_id, transaction_type, transaction_amount, location,
			device_type, payment_method, failed_login_attempts,
			new_beneficiary_added, unusual_location,
			time_gap_between_transactions, transaction_frequency_per_day,
			fraud_label, transaction_datetime
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int
	for i, row := range rows {
		if row == nil || row.CustomerID == "" {
			return 0, fmt.Errorf("%w: row %d has no customer_id", ErrInvalidInput, i)
		}
		if row.ID == "" {
			row.ID = uuid.New().String()
		}

		null := func(col string, v any) any {
			if row.Missing[col] {
				return nil
			}
			return v
		}

		var at any = row.TransactionAt.UTC()
		if row.TransactionAt.IsZero() {
			at = nil
		}

		res, err := stmt.ExecContext(ctx,
			row.ID, row.CustomerID,
			null("transaction_type", row.TransactionType),
			null("transaction_amount", row.Amount),
			null("location", row.Location),
			null("device_type", row.DeviceType),
			null("payment_method", row.PaymentMethod),
			null("failed_login_attempts", row.FailedLoginAttempts),
			null("new_beneficiary_added", boolToInt(row.NewBeneficiaryAdded)),
			null("unusual_location", boolToInt(row.UnusualLocation)),
			null("time_gap_between_transactions", row.TimeGapBetweenTransactions),
			null("transaction_frequency_per_day", row.TransactionFrequencyPerDay),
			null("fraud_label", row.FraudLabel),
			null("transaction_datetime", at),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert row %d (%s): %w", i, row.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit history: %w", err)
	}
	return inserted, nil
}

// ListCustomerIDs returns every customer with at least one history row.
func (r *SQLRepository) ListCustomerIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT customer_id FROM customer_history`)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveVerdict stores a verdict record.
func (r *SQLRepository) SaveVerdict(ctx context.Context, v *domain.Verdict) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("%w: verdict id is required", ErrInvalidInput)
	}

	metadata, err := json.Marshal(v.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var vector any
	if v.Vector != nil {
		data, err := json.Marshal(v.Vector)
		if err != nil {
			return fmt.Errorf("failed to marshal vector: %w", err)
		}
		vector = string(data)
	}

	query := `
		INSERT INTO verdicts (
			id, customer_id, prediction, fraud_type, actual_label,
			actual_fraud_type, origin, rule_id, timestamp, vector, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.CustomerID, int(v.Prediction), v.FraudType, v.ActualLabel,
		v.ActualFraudType, string(v.Origin), v.RuleID, v.Timestamp.UTC(),
		vector, string(metadata),
	)
	return err
}

// GetVerdict retrieves a verdict record by ID.
func (r *SQLRepository) GetVerdict(ctx context.Context, id string) (*domain.Verdict, error) {
	query := `
		SELECT id, customer_id, prediction, fraud_type, actual_label,
			   actual_fraud_type, origin, rule_id, timestamp, vector, metadata
		FROM verdicts
		WHERE id = ?
	`

	var (
		v          domain.Verdict
		prediction int
		origin     string
		ruleID     sql.NullString
		vector     sql.NullString
		metadata   string
	)

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&v.ID, &v.CustomerID, &prediction, &v.FraudType, &v.ActualLabel,
		&v.ActualFraudType, &origin, &ruleID, &v.Timestamp, &vector, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.Prediction = domain.ClassCode(prediction)
	v.Origin = domain.Origin(origin)
	v.RuleID = ruleID.String

	if vector.Valid && vector.String != "" {
		var fv domain.FeatureVector
		if err := json.Unmarshal([]byte(vector.String), &fv); err != nil {
			return nil, fmt.Errorf("failed to decode vector: %w", err)
		}
		v.Vector = &fv
	}
	if err := json.Unmarshal([]byte(metadata), &v.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return &v, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
