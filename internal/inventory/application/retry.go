package application

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx)
}

// onLedger runs a read-compute-CAS cycle against one product record. attempt
// is handed a fresh read on every try; only domain.ErrConflict is retried.
// An exhausted budget surfaces as domain.ErrUnavailable.
func (c *Coordinator) onLedger(ctx context.Context, op, productID string, attempt func(rec domain.StockRecord) error) error {
	err := backoff.Retry(func() error {
		rec, err := c.ledger.Get(ctx, productID)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = attempt(rec)
		if err == nil || errors.Is(err, domain.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, c.retry.backOff(ctx))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrConflict):
		c.log.Warn("ledger retry budget exhausted", "op", op, "product_id", productID)
		return domain.Unavailable(op, err)
	case isBusinessError(err):
		return err
	default:
		return domain.Unavailable(op, err)
	}
}

// adjustReserved moves reservedStock by delta, retrying version conflicts.
func (c *Coordinator) adjustReserved(ctx context.Context, productID string, delta int) error {
	return c.onLedger(ctx, "adjust reserved", productID, func(rec domain.StockRecord) error {
		if delta > 0 && rec.Available() < delta {
			return domain.ErrInsufficientStock
		}
		_, err := c.ledger.AdjustReserved(ctx, productID, delta, rec.Version)
		return err
	})
}

func isBusinessError(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidQuantity,
		domain.ErrInsufficientStock,
		domain.ErrProductNotFound,
		domain.ErrNotFound,
		domain.ErrAlreadyTerminal,
		domain.ErrPartialReservationExpired,
		domain.ErrLedgerUnderflow,
		domain.ErrUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
