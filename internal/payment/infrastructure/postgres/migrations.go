package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Two partial unique indexes carry the orchestrator's storage-level
// guarantees: at most one in-flight record per idempotency key, and at most
// one succeeded payment per invoice.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		invoice_id TEXT NOT NULL,
		buyer_id TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		amount NUMERIC(14,2) NOT NULL,
		currency TEXT NOT NULL,
		method TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		checkout_id TEXT NOT NULL DEFAULT '',
		checkout_url TEXT NOT NULL DEFAULT '',
		checkout_expires_at TIMESTAMPTZ,
		transaction_id TEXT NOT NULL DEFAULT '',
		recorded_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_idem_key_inflight
		ON payments (idempotency_key)
		WHERE status IN ('PENDING','PROCESSING')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_one_success_per_invoice
		ON payments (invoice_id)
		WHERE status = 'SUCCEEDED'`,
	`CREATE INDEX IF NOT EXISTS payments_checkout_id ON payments (checkout_id)`,
	`CREATE INDEX IF NOT EXISTS payments_invoice_id ON payments (invoice_id)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id BIGSERIAL PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		headers JSONB,
		traceparent TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		relay_id TEXT,
		lease_until TIMESTAMPTZ,
		retry_count INT NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending ON outbox (status, id)`,
}

// Migrate applies the schema. Statements are idempotent so startup can run it
// unconditionally.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
