package application_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/stock-reservation/internal/inventory/application"
	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

func TestSweep_ExpiresAcrossBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ledger.Put("sku-1", 20, 0)
	for i := 0; i < 5; i++ {
		_, err := h.coord.Reserve(ctx, fmt.Sprintf("cart-%d", i), "sku-1", 2, time.Duration(i+1)*time.Minute)
		require.NoError(t, err)
	}
	keep, err := h.coord.Reserve(ctx, "cart-keep", "sku-1", 3, time.Hour)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	stats, err := h.sweeper.Sweep(ctx)

	require.NoError(t, err)
	assert.Equal(t, 5, stats.Expired)
	assert.Zero(t, stats.Failed)
	_, reserved := h.stock(t, "sku-1")
	assert.Equal(t, 3, reserved)
	r, err := h.coord.Reservation(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, r.State)
	h.requireConsistent(t, "sku-1")
}

func TestSweep_NothingDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ledger.Put("sku-1", 5, 0)
	_, err := h.coord.Reserve(ctx, "cart-1", "sku-1", 1, time.Minute)
	require.NoError(t, err)

	stats, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, application.SweepStats{}, stats)
}

func TestSweep_SkipsHoldsSettledElsewhere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ledger.Put("sku-1", 5, 0)
	res, err := h.coord.Reserve(ctx, "cart-1", "sku-1", 2, time.Minute)
	require.NoError(t, err)
	_, err = h.coord.Commit(ctx, res.ID)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	stats, err := h.sweeper.Sweep(ctx)

	require.NoError(t, err)
	assert.Zero(t, stats.Expired)
	total, reserved := h.stock(t, "sku-1")
	assert.Equal(t, 3, total)
	assert.Zero(t, reserved)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.ledger.Put("sku-1", 5, 0)
	_, err := h.coord.Reserve(context.Background(), "cart-1", "sku-1", 5, time.Minute)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := h.ledger.Get(context.Background(), "sku-1")
		return err == nil && rec.ReservedStock == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
