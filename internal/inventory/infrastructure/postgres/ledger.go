package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

type Ledger struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewLedger(log *slog.Logger, pool *pgxpool.Pool) *Ledger {
	return &Ledger{log: log, pool: pool}
}

// Seed inserts a product with total units unless it already exists. Existing
// counters are never touched, so live holds keep their reservedStock across
// restarts.
func (l *Ledger) Seed(ctx context.Context, productID string, total int) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO stock_ledger (product_id, total_stock, reserved_stock, version, updated_at)
		VALUES ($1,$2,0,1,now())
		ON CONFLICT (product_id) DO NOTHING`, productID, total)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Put creates or overwrites the stock counters of a product. It is an admin
// and test helper; it does not look at live reservations.
func (l *Ledger) Put(ctx context.Context, productID string, total, reserved int) (domain.StockRecord, error) {
	var rec domain.StockRecord
	err := l.pool.QueryRow(ctx, `
		INSERT INTO stock_ledger (product_id, total_stock, reserved_stock, version, updated_at)
		VALUES ($1,$2,$3,1,now())
		ON CONFLICT (product_id) DO UPDATE SET total_stock=$2, reserved_stock=$3, version=stock_ledger.version+1, updated_at=now()
		RETURNING product_id, total_stock, reserved_stock, version, updated_at`,
		productID, total, reserved).
		Scan(&rec.ProductID, &rec.TotalStock, &rec.ReservedStock, &rec.Version, &rec.UpdatedAt)
	return rec, err
}

func (l *Ledger) Get(ctx context.Context, productID string) (domain.StockRecord, error) {
	var rec domain.StockRecord
	err := l.pool.QueryRow(ctx, `SELECT product_id, total_stock, reserved_stock, version, updated_at FROM stock_ledger WHERE product_id=$1`, productID).
		Scan(&rec.ProductID, &rec.TotalStock, &rec.ReservedStock, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StockRecord{}, domain.ErrProductNotFound
	}
	return rec, err
}

func (l *Ledger) AdjustReserved(ctx context.Context, productID string, delta int, expectedVersion int64) (int64, error) {
	var version int64
	err := l.pool.QueryRow(ctx, `
		UPDATE stock_ledger
		SET reserved_stock = reserved_stock + $2, version = version + 1, updated_at = now()
		WHERE product_id = $1 AND version = $3
		  AND reserved_stock + $2 >= 0 AND reserved_stock + $2 <= total_stock
		RETURNING version`, productID, delta, expectedVersion).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, l.explain(ctx, productID, expectedVersion, func(rec domain.StockRecord) error {
			if delta > 0 {
				return domain.ErrInsufficientStock
			}
			return domain.ErrLedgerUnderflow
		})
	}
	return version, err
}

func (l *Ledger) FinalizeSale(ctx context.Context, productID string, quantity int, expectedVersion int64) (int64, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}
	var version int64
	err := l.pool.QueryRow(ctx, `
		UPDATE stock_ledger
		SET reserved_stock = reserved_stock - $2, total_stock = total_stock - $2, version = version + 1, updated_at = now()
		WHERE product_id = $1 AND version = $3 AND reserved_stock >= $2
		RETURNING version`, productID, quantity, expectedVersion).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, l.explain(ctx, productID, expectedVersion, func(domain.StockRecord) error {
			return domain.ErrLedgerUnderflow
		})
	}
	return version, err
}

// RestoreStock raises totalStock and queues a StockRestored event atomically.
func (l *Ledger) RestoreStock(ctx context.Context, productID string, quantity int, expectedVersion int64) (int64, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		version int64
		total   int
	)
	err = tx.QueryRow(ctx, `
		UPDATE stock_ledger
		SET total_stock = total_stock + $2, version = version + 1, updated_at = now()
		WHERE product_id = $1 AND version = $3
		RETURNING version, total_stock`, productID, quantity, expectedVersion).Scan(&version, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return 0, l.explain(ctx, productID, expectedVersion, func(domain.StockRecord) error {
			return domain.ErrConflict
		})
	}
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	event := domain.StockRestored{ProductID: productID, Quantity: quantity, TotalStock: total, OccurredAt: now}
	if err := insertOutbox(ctx, tx, "product", productID, domain.EventStockRestored, event, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return version, nil
}

// explain turns a guarded UPDATE that matched no row into the reason it did
// not match: missing product, stale version, or the capacity guard.
func (l *Ledger) explain(ctx context.Context, productID string, expectedVersion int64, guard func(rec domain.StockRecord) error) error {
	rec, err := l.Get(ctx, productID)
	if err != nil {
		return err
	}
	if rec.Version != expectedVersion {
		return domain.ErrConflict
	}
	return guard(rec)
}
