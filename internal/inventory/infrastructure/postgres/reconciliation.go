package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/stock-reservation/internal/inventory/application"
	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

type ReconciliationLog struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewReconciliationLog(log *slog.Logger, pool *pgxpool.Pool) *ReconciliationLog {
	return &ReconciliationLog{log: log, pool: pool}
}

func (r *ReconciliationLog) Record(ctx context.Context, e application.ReconciliationEntry) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO reconciliation_tasks (kind, reservation_id, product_id, delta, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, e.Kind, e.ReservationID, e.ProductID, e.Delta, e.Err, e.CreatedAt)
	return err
}

// Pending lists unresolved entries, oldest first.
func (r *ReconciliationLog) Pending(ctx context.Context, limit int) ([]application.ReconciliationEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, kind, reservation_id, product_id, delta, error, created_at
		FROM reconciliation_tasks WHERE resolved_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []application.ReconciliationEntry
	for rows.Next() {
		var e application.ReconciliationEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.ReservationID, &e.ProductID, &e.Delta, &e.Err, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Resolve marks an entry as handled. Resolving twice is a no-op.
func (r *ReconciliationLog) Resolve(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE reconciliation_tasks SET resolved_at=now() WHERE id=$1 AND resolved_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	err = r.pool.QueryRow(ctx, `SELECT true FROM reconciliation_tasks WHERE id=$1`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrEntryNotFound
	}
	return err
}
