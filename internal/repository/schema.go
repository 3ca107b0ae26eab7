package repository

// Schema definitions for the Harrier database.
// Compatible with both SQLite and PostgreSQL.

// schemaTransactions stores each transaction together with its score.
// A transaction is written once, after it has been scored.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    merchant_name TEXT,
    merchant_category TEXT,
    type TEXT NOT NULL,
    country TEXT NOT NULL,
    city TEXT,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    device_id TEXT NOT NULL,
    ip_address TEXT,
    timestamp TIMESTAMP NOT NULL,
    rule_score REAL NOT NULL,
    anomaly_score REAL NOT NULL,
    external_score REAL NOT NULL,
    external_source TEXT NOT NULL,
    final_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    is_fraud INTEGER NOT NULL DEFAULT 0,
    is_blocked INTEGER NOT NULL DEFAULT 0,
    triggered_rules TEXT NOT NULL,
    rule_points TEXT NOT NULL,
    explanation TEXT,
    processing_time_ms REAL NOT NULL,
    model_version TEXT NOT NULL,
    scored_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_fraud ON transactions(is_fraud);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    fraud_score REAL NOT NULL,
    triggered_rules TEXT NOT NULL,
    explanation TEXT,
    status TEXT NOT NULL,
    priority TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_priority ON alerts(priority, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaAlerts,
	}
}
