package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

const (
	DefaultTTL           = 15 * time.Minute
	DefaultKeepAlive     = 30 * time.Minute
	DefaultSettleTimeout = 10 * time.Second
)

type Options struct {
	DefaultTTL time.Duration
	KeepAlive  time.Duration
	// SettleTimeout bounds the ledger half of an operation whose state
	// transition already won. That half ignores caller cancellation.
	SettleTimeout time.Duration
	Retry         RetryPolicy
}

func DefaultOptions() Options {
	return Options{
		DefaultTTL:    DefaultTTL,
		KeepAlive:     DefaultKeepAlive,
		SettleTimeout: DefaultSettleTimeout,
		Retry: RetryPolicy{
			MaxRetries:      10,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     200 * time.Millisecond,
		},
	}
}

// Coordinator is the only entry point into the reservation engine. Every path
// that changes reservedStock first wins a state transition on the matching
// reservation, so the ledger and the store never count the same units twice.
type Coordinator struct {
	log    *slog.Logger
	ledger Ledger
	store  ReservationStore
	recon  ReconciliationLog
	clock  Clock
	opts   Options
	retry  RetryPolicy
	tracer trace.Tracer
	newID  func() string
}

func NewCoordinator(log *slog.Logger, ledger Ledger, store ReservationStore, recon ReconciliationLog, clock Clock, opts Options) *Coordinator {
	if clock == nil {
		clock = SystemClock{}
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	return &Coordinator{
		log:    log,
		ledger: ledger,
		store:  store,
		recon:  recon,
		clock:  clock,
		opts:   opts,
		retry:  opts.Retry,
		tracer: otel.Tracer("inventory-coordinator"),
		newID:  uuid.NewString,
	}
}

func (c *Coordinator) Reserve(ctx context.Context, cartID, productID string, quantity int, ttl time.Duration) (res domain.Reservation, err error) {
	ctx, span := c.tracer.Start(ctx, "Reserve", trace.WithAttributes(
		attribute.String("cart.id", cartID),
		attribute.String("product.id", productID),
		attribute.Int("reservation.quantity", quantity),
	))
	defer func() { endSpan(span, err) }()

	if quantity <= 0 {
		return domain.Reservation{}, domain.ErrInvalidQuantity
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	if err := c.adjustReserved(ctx, productID, quantity); err != nil {
		return domain.Reservation{}, err
	}

	res = domain.NewReservation(c.newID(), cartID, productID, quantity, c.clock.Now(), ttl)
	if err := c.store.Create(ctx, res); err != nil {
		c.log.Error("reservation create failed, compensating ledger", "product_id", productID, "quantity", quantity, "err", err)
		settleCtx, cancel := c.detached(ctx)
		defer cancel()
		if cerr := c.adjustReserved(settleCtx, productID, -quantity); cerr != nil {
			c.reconcile(ctx, ReconciliationEntry{
				Kind:          ReconcileReserveCompensation,
				ReservationID: res.ID,
				ProductID:     productID,
				Delta:         -quantity,
				Err:           cerr.Error(),
			})
		}
		return domain.Reservation{}, domain.Unavailable("create reservation", err)
	}

	c.log.Info("stock reserved", "reservation_id", res.ID, "cart_id", cartID, "product_id", productID, "quantity", quantity, "expires_at", res.ExpiresAt)
	return res, nil
}

// Extend pushes the deadline of an active hold to now+ttl. A hold whose
// deadline already passed is expired on the spot rather than revived.
func (c *Coordinator) Extend(ctx context.Context, reservationID string, ttl time.Duration) (res domain.Reservation, err error) {
	ctx, span := c.tracer.Start(ctx, "Extend", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer func() { endSpan(span, err) }()

	if ttl <= 0 {
		ttl = c.opts.KeepAlive
	}
	now := c.clock.Now()

	current, err := c.store.Get(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, storeError("get reservation", err)
	}
	if current.State == domain.StateCommitting {
		return domain.Reservation{}, domain.Unavailable("extend reservation", domain.ErrCommitPending)
	}
	if current.State.Terminal() {
		return domain.Reservation{}, &domain.AlreadyTerminalError{ID: current.ID, State: current.State}
	}
	if current.Lapsed(now) {
		expired, err := c.expire(ctx, current)
		if err != nil {
			return domain.Reservation{}, err
		}
		if !expired {
			// someone else settled it first; report what they left behind
			return domain.Reservation{}, c.lostTransition(ctx, "extend reservation", current.ID)
		}
		return domain.Reservation{}, &domain.AlreadyTerminalError{ID: current.ID, State: domain.StateExpired}
	}

	res, err = c.store.Extend(ctx, reservationID, now.Add(ttl))
	if err != nil {
		return domain.Reservation{}, storeError("extend reservation", err)
	}
	return res, nil
}

// Release returns an active hold to availability. Releasing a reservation
// that is already terminal succeeds without touching the ledger. A hold
// claimed by an unsettled cart commit reports Unavailable so the caller
// retries once the batch has either sold it or handed it back.
func (c *Coordinator) Release(ctx context.Context, reservationID string) (err error) {
	ctx, span := c.tracer.Start(ctx, "Release", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer func() { endSpan(span, err) }()

	res, err := c.store.Transition(ctx, reservationID, domain.StateActive, domain.StateReleased, c.clock.Now())
	if err != nil {
		if commitPending(err) {
			return domain.Unavailable("release reservation", domain.ErrCommitPending)
		}
		var terminal *domain.AlreadyTerminalError
		if errors.As(err, &terminal) {
			c.log.Debug("release on terminal reservation", "reservation_id", reservationID, "state", terminal.State)
			return nil
		}
		return storeError("release reservation", err)
	}
	return c.returnToAvailability(ctx, res, ReconcileReleaseLedger)
}

// ReleaseCart releases every active hold of a cart and reports how many were
// released by this call.
func (c *Coordinator) ReleaseCart(ctx context.Context, cartID string) (released int, err error) {
	ctx, span := c.tracer.Start(ctx, "ReleaseCart", trace.WithAttributes(attribute.String("cart.id", cartID)))
	defer func() { endSpan(span, err) }()

	holds, err := c.store.ListByCart(ctx, cartID)
	if err != nil {
		return 0, storeError("list cart reservations", err)
	}
	var errs []error
	for _, r := range holds {
		if r.State == domain.StateCommitting {
			errs = append(errs, domain.Unavailable("release reservation", domain.ErrCommitPending))
			continue
		}
		if r.State != domain.StateActive {
			continue
		}
		res, err := c.store.Transition(ctx, r.ID, domain.StateActive, domain.StateReleased, c.clock.Now())
		if err != nil {
			if commitPending(err) {
				errs = append(errs, domain.Unavailable("release reservation", domain.ErrCommitPending))
				continue
			}
			if errors.Is(err, domain.ErrAlreadyTerminal) {
				continue
			}
			errs = append(errs, storeError("release reservation", err))
			continue
		}
		if err := c.returnToAvailability(ctx, res, ReconcileReleaseLedger); err != nil {
			errs = append(errs, err)
			continue
		}
		released++
	}
	return released, errors.Join(errs...)
}

// Commit converts a single hold into a permanent stock deduction.
func (c *Coordinator) Commit(ctx context.Context, reservationID string) (line domain.CommitLine, err error) {
	ctx, span := c.tracer.Start(ctx, "Commit", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer func() { endSpan(span, err) }()

	res, err := c.store.Transition(ctx, reservationID, domain.StateActive, domain.StateCommitted, c.clock.Now())
	if err != nil {
		return domain.CommitLine{}, storeError("commit reservation", err)
	}
	if err := c.finalize(ctx, res); err != nil {
		return domain.CommitLine{}, err
	}
	return commitLine(res), nil
}

func (c *Coordinator) HoldStatus(ctx context.Context, cartID string) (domain.HoldStatus, error) {
	holds, err := c.store.ListByCart(ctx, cartID)
	if err != nil {
		return domain.HoldStatus{}, storeError("list cart reservations", err)
	}
	return domain.SummarizeHolds(cartID, holds, c.clock.Now()), nil
}

func (c *Coordinator) Reservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	res, err := c.store.Get(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, storeError("get reservation", err)
	}
	return res, nil
}

func (c *Coordinator) Availability(ctx context.Context, productIDs ...string) ([]domain.StockLevel, error) {
	levels := make([]domain.StockLevel, 0, len(productIDs))
	for _, id := range productIDs {
		rec, err := c.ledger.Get(ctx, id)
		if err != nil {
			return nil, storeError("get stock", err)
		}
		levels = append(levels, rec.Level())
	}
	return levels, nil
}

// Audit compares the ledger against the active reservations of one product.
// Reads are not atomic with each other, so a non-zero delta observed while
// operations are in flight may be transient.
func (c *Coordinator) Audit(ctx context.Context, productID string) (domain.Drift, error) {
	rec, err := c.ledger.Get(ctx, productID)
	if err != nil {
		return domain.Drift{}, storeError("get stock", err)
	}
	sum, err := c.store.SumActive(ctx, productID)
	if err != nil {
		return domain.Drift{}, storeError("sum active reservations", err)
	}
	d := domain.Drift{
		ProductID:     productID,
		ReservedStock: rec.ReservedStock,
		ActiveSum:     sum,
		Delta:         rec.ReservedStock - sum,
	}
	if !d.Consistent() {
		c.log.Warn("ledger drift detected", "product_id", productID, "reserved_stock", d.ReservedStock, "active_sum", d.ActiveSum)
	}
	return d, nil
}

// expire is the time-driven twin of Release. It reports false when another
// operation won the transition, including a cart commit that has claimed the
// hold; if that batch hands it back, a later sweep picks it up again.
func (c *Coordinator) expire(ctx context.Context, r domain.Reservation) (bool, error) {
	res, err := c.store.Transition(ctx, r.ID, domain.StateActive, domain.StateExpired, c.clock.Now())
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			return false, nil
		}
		return false, storeError("expire reservation", err)
	}
	if err := c.returnToAvailability(ctx, res, ReconcileExpireLedger); err != nil {
		return true, err
	}
	c.log.Info("reservation expired", "reservation_id", res.ID, "cart_id", res.CartID, "product_id", res.ProductID, "quantity", res.Quantity)
	return true, nil
}

// returnToAvailability gives back the units of a reservation that has just
// left the active state.
func (c *Coordinator) returnToAvailability(ctx context.Context, res domain.Reservation, kind ReconciliationKind) error {
	ctx, cancel := c.detached(ctx)
	defer cancel()
	if err := c.adjustReserved(ctx, res.ProductID, -res.Quantity); err != nil {
		c.reconcile(ctx, ReconciliationEntry{
			Kind:          kind,
			ReservationID: res.ID,
			ProductID:     res.ProductID,
			Delta:         -res.Quantity,
			Err:           err.Error(),
		})
		return domain.Unavailable("return reserved stock", err)
	}
	return nil
}

func (c *Coordinator) finalize(ctx context.Context, res domain.Reservation) error {
	ctx, cancel := c.detached(ctx)
	defer cancel()
	err := c.onLedger(ctx, "finalize sale", res.ProductID, func(rec domain.StockRecord) error {
		_, err := c.ledger.FinalizeSale(ctx, res.ProductID, res.Quantity, rec.Version)
		return err
	})
	if err != nil {
		c.reconcile(ctx, ReconciliationEntry{
			Kind:          ReconcileCommitFinalize,
			ReservationID: res.ID,
			ProductID:     res.ProductID,
			Delta:         -res.Quantity,
			Err:           err.Error(),
		})
		return domain.Unavailable("finalize sale", err)
	}
	return nil
}

// reconcile records a half-applied operation. It never fails the caller: the
// entry is always logged even when the log itself cannot be written.
func (c *Coordinator) reconcile(ctx context.Context, entry ReconciliationEntry) {
	entry.CreatedAt = c.clock.Now()
	c.log.Error("reconciliation required",
		"kind", entry.Kind,
		"reservation_id", entry.ReservationID,
		"product_id", entry.ProductID,
		"delta", entry.Delta,
		"err", entry.Err,
	)
	if c.recon == nil {
		return
	}
	if err := c.recon.Record(context.WithoutCancel(ctx), entry); err != nil {
		c.log.Error("reconciliation record failed", "kind", entry.Kind, "reservation_id", entry.ReservationID, "err", err)
	}
}

// detached runs the second half of a two-step operation. Once the state
// transition is won the ledger must follow, even if the caller went away.
func (c *Coordinator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.SettleTimeout)
}

func commitPending(err error) bool {
	var lost *domain.AlreadyTerminalError
	return errors.As(err, &lost) && lost.State == domain.StateCommitting
}

// lostTransition re-reads a reservation whose transition was lost and reports
// the state it ended up in.
func (c *Coordinator) lostTransition(ctx context.Context, op, id string) error {
	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return storeError(op, err)
	}
	if cur.State == domain.StateCommitting {
		return domain.Unavailable(op, domain.ErrCommitPending)
	}
	return &domain.AlreadyTerminalError{ID: id, State: cur.State}
}

func storeError(op string, err error) error {
	if commitPending(err) {
		return domain.Unavailable(op, domain.ErrCommitPending)
	}
	if isBusinessError(err) {
		return err
	}
	return domain.Unavailable(op, err)
}

func commitLine(r domain.Reservation) domain.CommitLine {
	return domain.CommitLine{ReservationID: r.ID, ProductID: r.ProductID, Quantity: r.Quantity}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
