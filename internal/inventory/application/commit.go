package application

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

// CommitCart converts a cart's holds into permanent stock deductions. The
// batch is all-or-nothing: every hold is claimed (active to committing)
// first, and if any claim loses (the hold expired or was released
// mid-checkout) the claimed ones are handed back to active and nothing is
// sold. A claimed hold is never terminal, so a release racing the batch is
// told to retry instead of being swallowed.
func (c *Coordinator) CommitCart(ctx context.Context, cartID string, reservationIDs []string) (result domain.CommitResult, err error) {
	ctx, span := c.tracer.Start(ctx, "CommitCart", trace.WithAttributes(
		attribute.String("cart.id", cartID),
		attribute.Int("cart.reservations", len(reservationIDs)),
	))
	defer func() { endSpan(span, err) }()

	if len(reservationIDs) == 0 {
		return domain.CommitResult{}, domain.ErrInvalidQuantity
	}

	holds := make([]domain.Reservation, 0, len(reservationIDs))
	seen := make(map[string]struct{}, len(reservationIDs))
	for _, id := range reservationIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		r, err := c.store.Get(ctx, id)
		if err != nil {
			return domain.CommitResult{}, storeError("get reservation", err)
		}
		if r.CartID != cartID {
			return domain.CommitResult{}, domain.ErrNotFound
		}
		holds = append(holds, r)
	}

	var lost []domain.LostHold
	for _, r := range holds {
		switch r.State {
		case domain.StateActive:
		case domain.StateCommitting:
			return domain.CommitResult{}, domain.Unavailable("commit cart", domain.ErrCommitPending)
		default:
			lost = append(lost, lostHold(r, r.State))
		}
	}
	if len(lost) > 0 {
		return domain.CommitResult{}, &domain.PartialReservationExpiredError{CartID: cartID, Lost: lost}
	}

	now := c.clock.Now()
	claimed := make([]domain.Reservation, 0, len(holds))
	for _, r := range holds {
		res, err := c.store.Transition(ctx, r.ID, domain.StateActive, domain.StateCommitting, now)
		if err == nil {
			claimed = append(claimed, res)
			continue
		}
		var terminal *domain.AlreadyTerminalError
		if errors.As(err, &terminal) && terminal.State.Terminal() {
			lost = append(lost, lostHold(r, terminal.State))
			continue
		}
		c.revertClaims(ctx, claimed)
		return domain.CommitResult{}, storeError("commit reservation", err)
	}
	if len(lost) > 0 {
		c.revertClaims(ctx, claimed)
		c.log.Warn("cart commit aborted, holds lost", "cart_id", cartID, "lost", len(lost))
		return domain.CommitResult{}, &domain.PartialReservationExpiredError{CartID: cartID, Lost: lost}
	}

	// Every claim is won; from here the batch settles regardless of the caller.
	settleCtx, cancel := c.detached(ctx)
	defer cancel()

	result = domain.CommitResult{CartID: cartID, CommittedAt: now, Lines: make([]domain.CommitLine, 0, len(claimed))}
	var errs []error
	for _, r := range claimed {
		res, err := c.store.Transition(settleCtx, r.ID, domain.StateCommitting, domain.StateCommitted, c.clock.Now())
		if err != nil {
			c.reconcile(settleCtx, ReconciliationEntry{
				Kind:          ReconcileCommitSettle,
				ReservationID: r.ID,
				ProductID:     r.ProductID,
				Err:           err.Error(),
			})
			errs = append(errs, domain.Unavailable("settle commit", err))
			continue
		}
		if err := c.finalize(settleCtx, res); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Lines = append(result.Lines, commitLine(res))
	}
	if err := errors.Join(errs...); err != nil {
		return result, err
	}

	c.log.Info("cart committed", "cart_id", cartID, "lines", len(result.Lines))
	return result, nil
}

// revertClaims hands claimed holds back to the active state. The ledger was
// not touched for them yet, so no stock moves.
func (c *Coordinator) revertClaims(ctx context.Context, claimed []domain.Reservation) {
	ctx, cancel := c.detached(ctx)
	defer cancel()
	for _, res := range claimed {
		_, err := c.store.Transition(ctx, res.ID, domain.StateCommitting, domain.StateActive, c.clock.Now())
		if err != nil {
			c.reconcile(ctx, ReconciliationEntry{
				Kind:          ReconcileCommitRevert,
				ReservationID: res.ID,
				ProductID:     res.ProductID,
				Err:           err.Error(),
			})
		}
	}
}

// RestoreStock puts units of a cancelled order back into totalStock.
// reservedStock is left alone: it was already decremented at commit.
func (c *Coordinator) RestoreStock(ctx context.Context, productID string, quantity int) (err error) {
	ctx, span := c.tracer.Start(ctx, "RestoreStock", trace.WithAttributes(
		attribute.String("product.id", productID),
		attribute.Int("restore.quantity", quantity),
	))
	defer func() { endSpan(span, err) }()

	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	err = c.onLedger(ctx, "restore stock", productID, func(rec domain.StockRecord) error {
		_, err := c.ledger.RestoreStock(ctx, productID, quantity, rec.Version)
		return err
	})
	if err != nil {
		return err
	}
	c.log.Info("stock restored", "product_id", productID, "quantity", quantity)
	return nil
}

func lostHold(r domain.Reservation, state domain.ReservationState) domain.LostHold {
	return domain.LostHold{ReservationID: r.ID, ProductID: r.ProductID, Quantity: r.Quantity, State: state}
}
