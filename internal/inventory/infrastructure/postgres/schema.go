package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS stock_ledger (
	product_id     TEXT PRIMARY KEY,
	total_stock    INTEGER NOT NULL CHECK (total_stock >= 0),
	reserved_stock INTEGER NOT NULL DEFAULT 0 CHECK (reserved_stock >= 0 AND reserved_stock <= total_stock),
	version        BIGINT NOT NULL DEFAULT 1,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT PRIMARY KEY,
	cart_id    TEXT NOT NULL,
	product_id TEXT NOT NULL,
	quantity   INTEGER NOT NULL CHECK (quantity > 0),
	state      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS reservations_active_expiry_idx ON reservations (expires_at, id) WHERE state = 'active';
CREATE INDEX IF NOT EXISTS reservations_cart_idx ON reservations (cart_id);
CREATE INDEX IF NOT EXISTS reservations_held_product_idx ON reservations (product_id) WHERE state IN ('active', 'committing');

CREATE TABLE IF NOT EXISTS reconciliation_tasks (
	id             BIGSERIAL PRIMARY KEY,
	kind           TEXT NOT NULL,
	reservation_id TEXT NOT NULL,
	product_id     TEXT NOT NULL,
	delta          INTEGER NOT NULL,
	error          TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	resolved_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	type           TEXT NOT NULL,
	payload        JSONB NOT NULL,
	headers        JSONB NOT NULL DEFAULT '{}',
	traceparent    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	relay_id       TEXT,
	lease_until    TIMESTAMPTZ,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the tables the inventory service needs. It is safe to run
// on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// insertOutbox queues an event in the same transaction as the state change
// that produced it.
func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, event any, at time.Time) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',$7)`,
		aggregateType, aggregateID, eventType, payload, map[string]string{"source": "inventory-service"}, "", at)
	return err
}
