package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// schemaCustomerHistory mirrors the warehouse export of prior customer
// transactions. Contextual columns are nullable; a NULL surfaces as a
// malformed history error at lookup time.
const schemaCustomerHistory = `
CREATE TABLE IF NOT EXISTS customer_history (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    transaction_type TEXT,
    transaction_amount REAL,
    location TEXT,
    device_type TEXT,
    payment_method TEXT,
    failed_login_attempts INTEGER,
    new_beneficiary_added INTEGER,
    unusual_location INTEGER,
    time_gap_between_transactions REAL,
    transaction_frequency_per_day REAL,
    fraud_label INTEGER,
    transaction_datetime TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_customer_history_customer ON customer_history(customer_id, transaction_datetime);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    prediction INTEGER NOT NULL,
    fraud_type TEXT NOT NULL,
    actual_label INTEGER NOT NULL,
    actual_fraud_type TEXT NOT NULL,
    origin TEXT NOT NULL,
    rule_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    vector TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdicts_customer ON verdicts(customer_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_timestamp ON verdicts(timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCustomerHistory,
		schemaVerdicts,
	}
}
