package application

import (
	"context"
	"log/slog"
	"time"
)

type SweepStats struct {
	Scanned int
	Expired int
	Failed  int
}

// Sweeper expires holds whose deadline has passed. Several sweepers may run
// against the same store: the state transition decides which one releases
// the stock.
type Sweeper struct {
	log       *slog.Logger
	coord     *Coordinator
	interval  time.Duration
	batchSize int
}

func NewSweeper(log *slog.Logger, coord *Coordinator, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		log:       log,
		coord:     coord,
		interval:  interval,
		batchSize: batchSize,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return nil
		case <-t.C:
			stats, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error("sweep failed", "err", err)
				continue
			}
			if stats.Expired > 0 || stats.Failed > 0 {
				s.log.Info("sweep finished", "scanned", stats.Scanned, "expired", stats.Expired, "failed", stats.Failed)
			}
		}
	}
}

// Sweep runs passes over the expiring view until a pass comes back short or
// makes no progress.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var total SweepStats
	for {
		stats, err := s.pass(ctx)
		total.Scanned += stats.Scanned
		total.Expired += stats.Expired
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
		if stats.Scanned < s.batchSize || stats.Expired == 0 {
			return total, nil
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := s.coord.clock.Now()
	for res, err := range s.coord.store.FindExpiring(ctx, now, s.batchSize) {
		if err != nil {
			return stats, err
		}
		stats.Scanned++
		won, err := s.coord.expire(ctx, res)
		if err != nil {
			stats.Failed++
			s.log.Error("expire failed", "reservation_id", res.ID, "err", err)
			continue
		}
		if won {
			stats.Expired++
		}
	}
	return stats, nil
}
