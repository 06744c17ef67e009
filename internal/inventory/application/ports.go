package application

import (
	"context"
	"iter"
	"time"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

// Ledger holds the per-product stock counters. Every mutation is a
// compare-and-swap on the record version and fails with domain.ErrConflict
// when expectedVersion is stale.
type Ledger interface {
	Get(ctx context.Context, productID string) (domain.StockRecord, error)
	AdjustReserved(ctx context.Context, productID string, delta int, expectedVersion int64) (int64, error)
	FinalizeSale(ctx context.Context, productID string, quantity int, expectedVersion int64) (int64, error)
	RestoreStock(ctx context.Context, productID string, quantity int, expectedVersion int64) (int64, error)
}

// ReservationStore persists reservations. Transition and Extend are
// compare-and-swaps on the stored state and report a lost race as
// *domain.AlreadyTerminalError.
type ReservationStore interface {
	Create(ctx context.Context, r domain.Reservation) error
	Get(ctx context.Context, id string) (domain.Reservation, error)
	Transition(ctx context.Context, id string, from, to domain.ReservationState, at time.Time) (domain.Reservation, error)
	Extend(ctx context.Context, id string, expiresAt time.Time) (domain.Reservation, error)
	FindExpiring(ctx context.Context, before time.Time, limit int) iter.Seq2[domain.Reservation, error]
	ListByCart(ctx context.Context, cartID string) ([]domain.Reservation, error)
	// SumActive totals the holds still counted in reservedStock: active ones
	// and ones claimed by an unsettled cart commit.
	SumActive(ctx context.Context, productID string) (int, error)
}

type ReconciliationKind string

const (
	ReconcileReserveCompensation ReconciliationKind = "reserve_compensation"
	ReconcileReleaseLedger       ReconciliationKind = "release_ledger"
	ReconcileExpireLedger        ReconciliationKind = "expire_ledger"
	ReconcileCommitFinalize      ReconciliationKind = "commit_finalize"
	ReconcileCommitRevert        ReconciliationKind = "commit_revert"
	ReconcileCommitSettle        ReconciliationKind = "commit_settle"
)

// ReconciliationEntry describes a half-applied operation: one of the two
// structures was updated and the compensating step could not be completed.
type ReconciliationEntry struct {
	ID            int64              `json:"id"`
	Kind          ReconciliationKind `json:"kind"`
	ReservationID string             `json:"reservation_id"`
	ProductID     string             `json:"product_id"`
	Delta         int                `json:"delta"`
	Err           string             `json:"error"`
	CreatedAt     time.Time          `json:"created_at"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
}

type ReconciliationLog interface {
	Record(ctx context.Context, entry ReconciliationEntry) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
