package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
	"github.com/dmehra2102/stock-reservation/internal/inventory/infrastructure/memory"
)

func TestCommitCart(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.Put("sku-1", 5, 0)
		h.ledger.Put("sku-2", 5, 0)
		a, err := h.coord.Reserve(ctx, "cart-1", "sku-1", 2, time.Minute)
		require.NoError(t, err)
		b, err := h.coord.Reserve(ctx, "cart-1", "sku-2", 3, time.Minute)
		require.NoError(t, err)

		result, err := h.coord.CommitCart(ctx, "cart-1", []string{a.ID, b.ID})

		require.NoError(t, err)
		assert.Equal(t, "cart-1", result.CartID)
		require.Len(t, result.Lines, 2)
		total1, reserved1 := h.stock(t, "sku-1")
		total2, reserved2 := h.stock(t, "sku-2")
		assert.Equal(t, 3, total1)
		assert.Zero(t, reserved1)
		assert.Equal(t, 2, total2)
		assert.Zero(t, reserved2)
		h.requireConsistent(t, "sku-1")
		h.requireConsistent(t, "sku-2")
	})

	t.Run("All or nothing when one hold expired", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.Put("sku-1", 10, 0)
		h.ledger.Put("sku-2", 10, 0)
		h.ledger.Put("sku-3", 10, 0)
		a, err := h.coord.Reserve(ctx, "cart-1", "sku-1", 1, time.Hour)
		require.NoError(t, err)
		b, err := h.coord.Reserve(ctx, "cart-1", "sku-2", 2, time.Minute)
		require.NoError(t, err)
		c, err := h.coord.Reserve(ctx, "cart-1", "sku-3", 3, time.Hour)
		require.NoError(t, err)
		h.clock.Advance(2 * time.Minute)
		_, err = h.sweeper.Sweep(ctx)
		require.NoError(t, err)

		_, err = h.coord.CommitCart(ctx, "cart-1", []string{a.ID, b.ID, c.ID})

		var partial *domain.PartialReservationExpiredError
		require.ErrorAs(t, err, &partial)
		require.ErrorIs(t, err, domain.ErrPartialReservationExpired)
		require.Len(t, partial.Lost, 1)
		assert.Equal(t, b.ID, partial.Lost[0].ReservationID)
		assert.Equal(t, domain.StateExpired, partial.Lost[0].State)

		for _, id := range []string{a.ID, c.ID} {
			r, err := h.coord.Reservation(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.StateActive, r.State)
		}
		total1, reserved1 := h.stock(t, "sku-1")
		assert.Equal(t, 10, total1)
		assert.Equal(t, 1, reserved1)
		for _, sku := range []string{"sku-1", "sku-2", "sku-3"} {
			h.requireConsistent(t, sku)
		}
	})

	t.Run("Hold lost mid-commit is reverted", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.Put("sku-1", 10, 0)
		h.ledger.Put("sku-2", 10, 0)
		a, err := h.coord.Reserve(ctx, "cart-1", "sku-1", 1, time.Hour)
		require.NoError(t, err)
		b, err := h.coord.Reserve(ctx, "cart-1", "sku-2", 2, time.Hour)
		require.NoError(t, err)

		racing := &racingStore{Store: h.store, target: b.ID}
		coord := h.withStore(racing)
		racing.before = func() { require.NoError(t, h.coord.Release(ctx, b.ID)) }

		_, err = coord.CommitCart(ctx, "cart-1", []string{a.ID, b.ID})

		var partial *domain.PartialReservationExpiredError
		require.ErrorAs(t, err, &partial)
		require.Len(t, partial.Lost, 1)
		assert.Equal(t, domain.StateReleased, partial.Lost[0].State)

		r, err := h.coord.Reservation(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateActive, r.State)
		total1, reserved1 := h.stock(t, "sku-1")
		assert.Equal(t, 10, total1)
		assert.Equal(t, 1, reserved1)
		h.requireConsistent(t, "sku-1")
		h.requireConsistent(t, "sku-2")
		assert.Empty(t, h.recon.Entries())
	})

	t.Run("Release of a claimed hold waits for the batch", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.Put("sku-1", 10, 0)
		h.ledger.Put("sku-2", 10, 0)
		a, err := h.coord.Reserve(ctx, "cart-1", "sku-1", 1, time.Hour)
		require.NoError(t, err)
		b, err := h.coord.Reserve(ctx, "cart-1", "sku-2", 2, time.Hour)
		require.NoError(t, err)

		racing := &racingStore{Store: h.store, target: b.ID}
		coord := h.withStore(racing)
		var releaseErr error
		racing.before = func() {
			claimed, err := h.coord.Reservation(ctx, a.ID)
			require.NoError(t, err)
			require.Equal(t, domain.StateCommitting, claimed.State)
			h.requireConsistent(t, "sku-1")

			releaseErr = h.coord.Release(ctx, a.ID)
			require.NoError(t, h.coord.Release(ctx, b.ID))
		}

		_, err = coord.CommitCart(ctx, "cart-1", []string{a.ID, b.ID})
		require.ErrorIs(t, err, domain.ErrPartialReservationExpired)
		require.ErrorIs(t, releaseErr, domain.ErrUnavailable)
		require.ErrorIs(t, releaseErr, domain.ErrCommitPending)

		// the batch handed the hold back, so the retried release lands
		require.NoError(t, h.coord.Release(ctx, a.ID))
		r, err := h.coord.Reservation(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateReleased, r.State)
		_, reserved := h.stock(t, "sku-1")
		assert.Zero(t, reserved)
		h.requireConsistent(t, "sku-1")
		h.requireConsistent(t, "sku-2")
	})

	t.Run("Sweeper skips a claimed hold", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.Put("sku-1", 10, 0)
		h.ledger.Put("sku-2", 10, 0)
		a, err := h.coord.Reserve(ctx, "cart-1", "sku-1", 1, time.Minute)
		require.NoError(t, err)
		b, err := h.coord.Reserve(ctx, "cart-1", "sku-2", 2, time.Hour)
		require.NoError(t, err)

		racing := &racingStore{Store: h.store, target: b.ID}
		coord := h.withStore(racing)
		racing.before = func() {
			h.clock.Advance(2 * time.Minute)
			stats, err := h.sweeper.Sweep(ctx)
			require.NoError(t, err)
			assert.Zero(t, stats.Expired)
		}

		result, err := coord.CommitCart(ctx, "cart-1", []string{a.ID, b.ID})
		require.NoError(t, err)
		assert.Len(t, result.Lines, 2)

		total, reserved := h.stock(t, "sku-1")
		assert.Equal(t, 9, total)
		assert.Zero(t, reserved)
		h.requireConsistent(t, "sku-1")
		assert.Empty(t, h.recon.Entries())
	})

	t.Run("Foreign reservation", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.Put("sku-1", 5, 0)
		a, err := h.coord.Reserve(ctx, "cart-2", "sku-1", 1, time.Minute)
		require.NoError(t, err)

		_, err = h.coord.CommitCart(ctx, "cart-1", []string{a.ID})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Empty batch", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.coord.CommitCart(ctx, "cart-1", nil)
		assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	})
}

func TestCommit_Single(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ledger.Put("sku-1", 5, 0)
	res, err := h.coord.Reserve(ctx, "cart-1", "sku-1", 2, time.Minute)
	require.NoError(t, err)

	line, err := h.coord.Commit(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, line.Quantity)

	_, err = h.coord.Commit(ctx, res.ID)
	var terminal *domain.AlreadyTerminalError
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, domain.StateCommitted, terminal.State)

	_, err = h.coord.Commit(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestoreStock(t *testing.T) {
	ctx := context.Background()

	t.Run("Reserve commit restore round trip", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.Put("sku-1", 5, 0)
		other, err := h.coord.Reserve(ctx, "cart-9", "sku-1", 1, time.Hour)
		require.NoError(t, err)
		res, err := h.coord.Reserve(ctx, "cart-1", "sku-1", 2, time.Minute)
		require.NoError(t, err)
		_, err = h.coord.CommitCart(ctx, "cart-1", []string{res.ID})
		require.NoError(t, err)

		total, reserved := h.stock(t, "sku-1")
		assert.Equal(t, 3, total)
		assert.Equal(t, 1, reserved)

		require.NoError(t, h.coord.RestoreStock(ctx, "sku-1", 2))

		total, reserved = h.stock(t, "sku-1")
		assert.Equal(t, 5, total)
		assert.Equal(t, 1, reserved)
		h.requireConsistent(t, "sku-1")
		require.NoError(t, h.coord.Release(ctx, other.ID))
	})

	t.Run("Fail on non-positive quantity", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.Put("sku-1", 5, 0)
		assert.ErrorIs(t, h.coord.RestoreStock(ctx, "sku-1", 0), domain.ErrInvalidQuantity)
	})

	t.Run("Unknown product", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.coord.RestoreStock(ctx, "missing", 1), domain.ErrProductNotFound)
	})
}

// racingStore runs before() right ahead of the commit claim on target,
// simulating a concurrent release that wins the race.
type racingStore struct {
	*memory.Store
	target string
	before func()
}

func (s *racingStore) Transition(ctx context.Context, id string, from, to domain.ReservationState, at time.Time) (domain.Reservation, error) {
	if id == s.target && to == domain.StateCommitting && s.before != nil {
		s.before()
	}
	return s.Store.Transition(ctx, id, from, to, at)
}
