package postgres

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

const reservationColumns = `id, cart_id, product_id, quantity, state, created_at, expires_at, updated_at`

// Store persists reservations. Each state change is written together with
// its outbox event in one transaction.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) Create(ctx context.Context, r domain.Reservation) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO reservations (`+reservationColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.CartID, r.ProductID, r.Quantity, r.State, r.CreatedAt, r.ExpiresAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	if err != nil {
		return err
	}
	if err := insertOutbox(ctx, tx, "reservation", r.ID, domain.EventReservationCreated, r.Event(r.CreatedAt), r.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (domain.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return r, err
}

func (s *Store) Transition(ctx context.Context, id string, from, to domain.ReservationState, at time.Time) (domain.Reservation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Reservation{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	r, err := scanReservation(tx.QueryRow(ctx, `
		UPDATE reservations SET state=$3, updated_at=$4
		WHERE id=$1 AND state=$2
		RETURNING `+reservationColumns, id, from, to, at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return domain.Reservation{}, s.lostRace(ctx, id)
	}
	if err != nil {
		return domain.Reservation{}, err
	}

	if err := insertOutbox(ctx, tx, "reservation", r.ID, domain.TransitionEvent(from, to), r.Event(at), at.UTC()); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, err
	}
	return r, nil
}

func (s *Store) Extend(ctx context.Context, id string, expiresAt time.Time) (domain.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `
		UPDATE reservations SET expires_at=$2, updated_at=now()
		WHERE id=$1 AND state='active'
		RETURNING `+reservationColumns, id, expiresAt.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, s.lostRace(ctx, id)
	}
	return r, err
}

// FindExpiring streams due holds straight from the cursor. Stopping the
// iteration early closes the rows.
func (s *Store) FindExpiring(ctx context.Context, before time.Time, limit int) iter.Seq2[domain.Reservation, error] {
	return func(yield func(domain.Reservation, error) bool) {
		rows, err := s.pool.Query(ctx, `
			SELECT `+reservationColumns+`
			FROM reservations
			WHERE state='active' AND expires_at <= $1
			ORDER BY expires_at, id
			LIMIT $2`, before.UTC(), limit)
		if err != nil {
			yield(domain.Reservation{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				yield(domain.Reservation{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Reservation{}, err)
		}
	}
}

func (s *Store) ListByCart(ctx context.Context, cartID string) ([]domain.Reservation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE cart_id=$1 ORDER BY created_at`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SumActive(ctx context.Context, productID string) (int, error) {
	var sum int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM reservations WHERE product_id=$1 AND state IN ('active', 'committing')`, productID).Scan(&sum)
	return sum, err
}

func (s *Store) lostRace(ctx context.Context, id string) error {
	var state domain.ReservationState
	err := s.pool.QueryRow(ctx, `SELECT state FROM reservations WHERE id=$1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &domain.AlreadyTerminalError{ID: id, State: state}
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var r domain.Reservation
	err := row.Scan(&r.ID, &r.CartID, &r.ProductID, &r.Quantity, &r.State, &r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt)
	return r, err
}
