package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

// Ledger keeps stock records in process. The mutex only makes each
// compare-and-swap atomic; it is never held between calls.
type Ledger struct {
	mu      sync.Mutex
	records map[string]domain.StockRecord
}

func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]domain.StockRecord)}
}

// Put creates or replaces a product record, bumping its version.
func (l *Ledger) Put(productID string, total, reserved int) domain.StockRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[productID]
	rec.ProductID = productID
	rec.TotalStock = total
	rec.ReservedStock = reserved
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	l.records[productID] = rec
	return rec
}

// Seed creates a product with total units if it does not exist yet. An
// existing record is left untouched and Seed reports false.
func (l *Ledger) Seed(_ context.Context, productID string, total int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[productID]; ok {
		return false, nil
	}
	l.records[productID] = domain.StockRecord{
		ProductID:  productID,
		TotalStock: total,
		Version:    1,
		UpdatedAt:  time.Now().UTC(),
	}
	return true, nil
}

func (l *Ledger) Get(_ context.Context, productID string) (domain.StockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[productID]
	if !ok {
		return domain.StockRecord{}, domain.ErrProductNotFound
	}
	return rec, nil
}

func (l *Ledger) AdjustReserved(_ context.Context, productID string, delta int, expectedVersion int64) (int64, error) {
	return l.mutate(productID, expectedVersion, func(rec *domain.StockRecord) error {
		next := rec.ReservedStock + delta
		if delta > 0 && next > rec.TotalStock {
			return domain.ErrInsufficientStock
		}
		if next < 0 {
			return domain.ErrLedgerUnderflow
		}
		rec.ReservedStock = next
		return nil
	})
}

func (l *Ledger) FinalizeSale(_ context.Context, productID string, quantity int, expectedVersion int64) (int64, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}
	return l.mutate(productID, expectedVersion, func(rec *domain.StockRecord) error {
		if rec.ReservedStock < quantity {
			return domain.ErrLedgerUnderflow
		}
		rec.ReservedStock -= quantity
		rec.TotalStock -= quantity
		return nil
	})
}

func (l *Ledger) RestoreStock(_ context.Context, productID string, quantity int, expectedVersion int64) (int64, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}
	return l.mutate(productID, expectedVersion, func(rec *domain.StockRecord) error {
		rec.TotalStock += quantity
		return nil
	})
}

func (l *Ledger) mutate(productID string, expectedVersion int64, apply func(rec *domain.StockRecord) error) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[productID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	if rec.Version != expectedVersion {
		return 0, domain.ErrConflict
	}
	if err := apply(&rec); err != nil {
		return 0, err
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	l.records[productID] = rec
	return rec.Version, nil
}
