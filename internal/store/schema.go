package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS balance_accounts (
		account_id TEXT PRIMARY KEY,
		balance    BIGINT NOT NULL CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id            BIGSERIAL PRIMARY KEY,
		account_id    TEXT NOT NULL REFERENCES balance_accounts (account_id),
		payment_id    TEXT NOT NULL,
		delta         BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		reason        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS instruments (
		instrument_id    TEXT PRIMARY KEY,
		owner_account_id TEXT NOT NULL,
		is_active        BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id                   TEXT PRIMARY KEY,
		external_id          TEXT NOT NULL UNIQUE,
		payer_account_id     TEXT NOT NULL,
		payer_instrument_id  TEXT NOT NULL,
		recipient_account_id TEXT,
		amount               BIGINT NOT NULL CHECK (amount > 0),
		currency             CHAR(3) NOT NULL,
		description          TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL,
		refunded_amount      BIGINT NOT NULL DEFAULT 0 CHECK (refunded_amount >= 0 AND refunded_amount <= amount),
		failure_reason       TEXT NOT NULL DEFAULT '',
		gateway_reference    TEXT NOT NULL DEFAULT '',
		metadata             JSONB NOT NULL DEFAULT '{}',
		refund_references    TEXT[] NOT NULL DEFAULT '{}',
		created_at           TIMESTAMPTZ NOT NULL,
		processed_at         TIMESTAMPTZ,
		updated_at           TIMESTAMPTZ NOT NULL,
		last_event_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS payments_payer_status_idx ON payments (payer_account_id, status)`,
	`CREATE INDEX IF NOT EXISTS payments_recipient_idx ON payments (recipient_account_id)`,
	`ALTER TABLE payments ADD COLUMN IF NOT EXISTS refund_references TEXT[] NOT NULL DEFAULT '{}'`,
	`CREATE INDEX IF NOT EXISTS payments_refund_references_idx ON payments USING GIN (refund_references)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key              TEXT PRIMARY KEY,
		scope            TEXT NOT NULL,
		request_hash     TEXT NOT NULL,
		owner            TEXT NOT NULL,
		state            TEXT NOT NULL,
		payment_id       TEXT NOT NULL,
		outcome_status   TEXT NOT NULL DEFAULT '',
		response_body    BYTEA,
		lease_expires_at TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		committed_at     TIMESTAMPTZ
	)`,
	`DO $$ BEGIN
		IF (SELECT data_type FROM information_schema.columns
		    WHERE table_name = 'idempotency_keys' AND column_name = 'response_body') = 'jsonb' THEN
			ALTER TABLE idempotency_keys ALTER COLUMN response_body TYPE BYTEA
				USING convert_to(response_body::text, 'UTF8');
		END IF;
	END $$`,
	`CREATE INDEX IF NOT EXISTS idempotency_keys_committed_idx ON idempotency_keys (committed_at)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		provider          TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type        TEXT NOT NULL,
		payload           BYTEA NOT NULL,
		occurred_at       TIMESTAMPTZ NOT NULL,
		received_at       TIMESTAMPTZ NOT NULL,
		processed         BOOLEAN NOT NULL DEFAULT FALSE,
		outcome           TEXT NOT NULL DEFAULT '',
		error             TEXT NOT NULL DEFAULT '',
		linked_payment_id TEXT NOT NULL DEFAULT '',
		processed_at      TIMESTAMPTZ,
		PRIMARY KEY (provider, provider_event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_events_pending_idx ON webhook_events (linked_payment_id, occurred_at) WHERE NOT processed`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id           TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		payment_id   TEXT NOT NULL,
		payload      JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_unpublished_idx ON outbox_events (created_at) WHERE published_at IS NULL`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
