package database

import (
	"database/sql"
	"fmt"
)

// schemaStatements create the settlement tables and the constraints the
// services rely on: the ledger's unique credit_intent_id, the nullable-unique
// idempotency_key on payment intents, and the provider lookup index.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS credit_ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		booking_id TEXT,
		credit_intent_id TEXT NOT NULL,
		amount_minor_units BIGINT NOT NULL,
		currency TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		metadata JSONB,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT credit_ledger_entries_credit_intent_id_key UNIQUE (credit_intent_id)
	)`,
	`CREATE INDEX IF NOT EXISTS credit_ledger_entries_owner_idx
		ON credit_ledger_entries (owner_type, owner_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS credit_intents (
		id TEXT PRIMARY KEY,
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		booking_id TEXT,
		amount_minor_units BIGINT NOT NULL,
		currency TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		metadata JSONB,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		reconciled_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS credit_intents_backlog_idx
		ON credit_intents (created_at, id) WHERE reconciled_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS payment_intents (
		id TEXT PRIMARY KEY,
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		booking_id TEXT,
		credit_intent_id TEXT NOT NULL,
		amount_minor_units BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		external_provider TEXT,
		external_id TEXT,
		idempotency_key TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT payment_intents_idempotency_key_key UNIQUE (idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS payment_intents_external_idx
		ON payment_intents (external_provider, external_id)`,
}

// EnsureSchema creates the settlement tables if they do not exist yet.
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}
