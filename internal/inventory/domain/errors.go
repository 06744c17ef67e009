package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidQuantity           = errors.New("quantity must be positive")
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrConflict                  = errors.New("stock record version conflict")
	ErrProductNotFound           = errors.New("product not found")
	ErrNotFound                  = errors.New("reservation not found")
	ErrDuplicate                 = errors.New("reservation already exists")
	ErrAlreadyTerminal           = errors.New("reservation is no longer active")
	ErrPartialReservationExpired = errors.New("reservations lost their hold")
	ErrUnavailable               = errors.New("inventory storage unavailable")
	ErrLedgerUnderflow           = errors.New("reserved stock would drop below zero")
	ErrCommitPending             = errors.New("reservation is being committed")
	ErrEntryNotFound             = errors.New("reconciliation entry not found")
)

// AlreadyTerminalError is returned when a state transition loses its
// compare-and-swap. State is the state the reservation actually holds, which
// is StateCommitting while a cart commit is settling.
type AlreadyTerminalError struct {
	ID    string
	State ReservationState
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("reservation %s is %s", e.ID, e.State)
}

func (e *AlreadyTerminalError) Unwrap() error { return ErrAlreadyTerminal }

type LostHold struct {
	ReservationID string           `json:"reservation_id"`
	ProductID     string           `json:"product_id"`
	Quantity      int              `json:"quantity"`
	State         ReservationState `json:"state"`
}

type PartialReservationExpiredError struct {
	CartID string
	Lost   []LostHold
}

func (e *PartialReservationExpiredError) Error() string {
	ids := make([]string, 0, len(e.Lost))
	for _, l := range e.Lost {
		ids = append(ids, fmt.Sprintf("%s(%s)", l.ReservationID, l.State))
	}
	return fmt.Sprintf("cart %s: %d reservation(s) lost their hold: %s", e.CartID, len(e.Lost), strings.Join(ids, ", "))
}

func (e *PartialReservationExpiredError) Unwrap() error { return ErrPartialReservationExpired }

// UnavailableError wraps a storage failure or an exhausted retry budget. It
// matches both ErrUnavailable and the underlying cause.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

func Unavailable(op string, err error) error {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}
