package outbox

import (
	"context"
	"log/slog"
	"time"
)

type Store interface {
	LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) error
	ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error
}

type Relay struct {
	log         *slog.Logger
	store       Store
	dispatch    *Dispatcher
	relayID     string
	batchSize   int
	interval    time.Duration
	lease       time.Duration
	maxAttempts int
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption { return func(r *Relay) { r.batchSize = n } }

func WithInterval(d time.Duration) RelayOption { return func(r *Relay) { r.interval = d } }

func WithLease(d time.Duration) RelayOption { return func(r *Relay) { r.lease = d } }

func WithMaxAttempts(n int) RelayOption { return func(r *Relay) { r.maxAttempts = n } }

func NewRelay(log *slog.Logger, store Store, dispatch *Dispatcher, relayID string, opts ...RelayOption) *Relay {
	r := &Relay{
		log:         log,
		store:       store,
		dispatch:    dispatch,
		relayID:     relayID,
		batchSize:   100,
		interval:    500 * time.Millisecond,
		lease:       5 * time.Second,
		maxAttempts: 10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", "relay_id", r.relayID)
			return nil
		case <-t.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.Error("relay flush error", "relay_id", r.relayID, "err", err)
			}
		}
	}
}

// Flush ships one batch and reports how many events were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.LockBatch(ctx, r.relayID, r.batchSize, r.lease)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	leaseStart := time.Now()
	ids := make([]int64, 0, len(events))
	for i, e := range events {
		if time.Since(leaseStart) > r.lease/2 {
			if err := r.store.ExtendLease(ctx, r.relayID, pendingIDs(events[i:]), r.lease); err != nil {
				r.log.Warn("relay extend lease failed", "relay_id", r.relayID, "err", err)
			}
			leaseStart = time.Now()
		}
		if err := r.dispatch.Dispatch(ctx, e); err != nil {
			if merr := r.store.MarkFailed(ctx, e.ID, err.Error(), r.maxAttempts); merr != nil {
				r.log.Error("relay mark failed error", "event_id", e.ID, "err", merr)
			}
			continue
		}
		ids = append(ids, e.ID)
	}
	if len(ids) > 0 {
		if err := r.store.MarkSent(ctx, ids); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func pendingIDs(events []Event) []int64 {
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}
