package application_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/stock-reservation/internal/inventory/application"
	"github.com/dmehra2102/stock-reservation/internal/inventory/infrastructure/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	ledger  *memory.Ledger
	store   *memory.Store
	recon   *memory.ReconciliationLog
	clock   *fakeClock
	coord   *application.Coordinator
	sweeper *application.Sweeper
}

func testOptions() application.Options {
	opts := application.DefaultOptions()
	opts.Retry = application.RetryPolicy{
		MaxRetries:      20,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
	return opts
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ledger: memory.NewLedger(),
		store:  memory.NewStore(),
		recon:  memory.NewReconciliationLog(),
		clock:  newFakeClock(),
	}
	h.coord = application.NewCoordinator(discardLogger(), h.ledger, h.store, h.recon, h.clock, testOptions())
	h.sweeper = application.NewSweeper(discardLogger(), h.coord, time.Millisecond, 2)
	return h
}

// withStore rebuilds the coordinator around a wrapped reservation store.
func (h *harness) withStore(store application.ReservationStore) *application.Coordinator {
	return application.NewCoordinator(discardLogger(), h.ledger, store, h.recon, h.clock, testOptions())
}

func (h *harness) requireConsistent(t *testing.T, productID string) {
	t.Helper()
	d, err := h.coord.Audit(context.Background(), productID)
	require.NoError(t, err)
	require.True(t, d.Consistent(), "reserved=%d active=%d", d.ReservedStock, d.ActiveSum)

	rec, err := h.ledger.Get(context.Background(), productID)
	require.NoError(t, err)
	require.LessOrEqual(t, rec.ReservedStock, rec.TotalStock)
	require.GreaterOrEqual(t, rec.ReservedStock, 0)
}

func (h *harness) stock(t *testing.T, productID string) (total, reserved int) {
	t.Helper()
	rec, err := h.ledger.Get(context.Background(), productID)
	require.NoError(t, err)
	return rec.TotalStock, rec.ReservedStock
}
