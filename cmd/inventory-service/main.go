package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmehra2102/stock-reservation/internal/config"
	"github.com/dmehra2102/stock-reservation/internal/inventory/application"
	invgrpc "github.com/dmehra2102/stock-reservation/internal/inventory/infrastructure/grpc"
	invhttp "github.com/dmehra2102/stock-reservation/internal/inventory/infrastructure/http"
	invkafka "github.com/dmehra2102/stock-reservation/internal/inventory/infrastructure/kafka"
	"github.com/dmehra2102/stock-reservation/internal/inventory/infrastructure/memory"
	invpg "github.com/dmehra2102/stock-reservation/internal/inventory/infrastructure/postgres"
	"github.com/dmehra2102/stock-reservation/pkg/idempotency"
	"github.com/dmehra2102/stock-reservation/pkg/logging"
	"github.com/dmehra2102/stock-reservation/pkg/outbox"
	"github.com/dmehra2102/stock-reservation/pkg/shutdown"
	"github.com/dmehra2102/stock-reservation/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("inventory-service stopped", "err", err)
		os.Exit(1)
	}
	log.Info("inventory-service shutdown")
}

// backend is the storage the coordinator runs on plus whatever background
// work that storage needs.
type backend struct {
	ledger application.Ledger
	store  application.ReservationStore
	recon  interface {
		application.ReconciliationLog
		invhttp.ReconciliationQueue
	}
	idem  *idempotency.Store
	start func(ctx context.Context, g *errgroup.Group, coord *application.Coordinator)
	close func()
}

func run(ctx context.Context, log *slog.Logger, cfg config.Config) error {
	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var b *backend
	switch cfg.StoreDriver {
	case config.DriverMemory:
		b = memoryBackend(log, cfg)
	default:
		b, err = postgresBackend(ctx, log, cfg)
		if err != nil {
			return err
		}
	}
	defer b.close()

	coord := application.NewCoordinator(log, b.ledger, b.store, b.recon, application.SystemClock{}, application.Options{
		DefaultTTL: cfg.DefaultTTL,
		KeepAlive:  cfg.KeepAlive,
		Retry: application.RetryPolicy{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMaxBackoff,
		},
	})
	sweeper := application.NewSweeper(log, coord, cfg.SweepInterval, cfg.SweepBatchSize)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Mount("/", invhttp.NewHandler(log, coord, b.recon, b.idem).Routes())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return invgrpc.Run(ctx, log, cfg.GRPCAddr, invgrpc.NewServer(log, coord)) })
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	b.start(ctx, g, coord)

	return g.Wait()
}

func memoryBackend(log *slog.Logger, cfg config.Config) *backend {
	ledger := memory.NewLedger()
	_ = seedStock(context.Background(), log, ledger, cfg.SeedStock)
	log.Warn("running on in-memory storage, state is lost on exit", "products", len(cfg.SeedStock))
	return &backend{
		ledger: ledger,
		store:  memory.NewStore(),
		recon:  memory.NewReconciliationLog(),
		start:  func(context.Context, *errgroup.Group, *application.Coordinator) {},
		close:  func() {},
	}
}

func postgresBackend(ctx context.Context, log *slog.Logger, cfg config.Config) (*backend, error) {
	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	if err := invpg.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg migrate: %w", err)
	}

	ledger := invpg.NewLedger(log, pool)
	if err := seedStock(ctx, log, ledger, cfg.SeedStock); err != nil {
		pool.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	idem := idempotency.NewStore(rdb, cfg.IdempotencyTTL)
	writer := invkafka.NewWriter([]string{cfg.KafkaAddr})

	return &backend{
		ledger: ledger,
		store:  invpg.NewStore(log, pool),
		recon:  invpg.NewReconciliationLog(log, pool),
		idem:   idem,
		start: func(ctx context.Context, g *errgroup.Group, coord *application.Coordinator) {
			dispatch := outbox.NewDispatcher(log, writer, cfg.OutTopic)
			relay := outbox.NewRelay(log, invpg.NewOutboxStore(log, pool), dispatch, cfg.ServiceName+"-relay",
				outbox.WithBatchSize(cfg.OutboxBatchSize),
				outbox.WithInterval(cfg.OutboxInterval),
				outbox.WithLease(cfg.OutboxLease),
				outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			)
			consumer := invkafka.NewConsumer(log, []string{cfg.KafkaAddr}, cfg.InTopic, cfg.Group, coord, idem)

			g.Go(func() error { return relay.Run(ctx) })
			g.Go(func() error { return consumer.Run(ctx) })
		},
		close: func() {
			_ = writer.Close()
			_ = rdb.Close()
			pool.Close()
		},
	}, nil
}

type stockSeeder interface {
	Seed(ctx context.Context, productID string, total int) (bool, error)
}

// seedStock only creates missing products; a restart must not reset the
// reserved counters of holds that are still live.
func seedStock(ctx context.Context, log *slog.Logger, s stockSeeder, stock map[string]int) error {
	for id, total := range stock {
		created, err := s.Seed(ctx, id, total)
		if err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
		if !created {
			log.Info("seed skipped, product exists", "product_id", id)
		}
	}
	return nil
}
