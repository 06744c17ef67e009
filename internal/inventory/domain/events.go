package domain

import "time"

const (
	EventReservationCreated        = "ReservationCreated"
	EventReservationReleased       = "ReservationReleased"
	EventReservationExpired        = "ReservationExpired"
	EventReservationCommitPending  = "ReservationCommitPending"
	EventReservationCommitted      = "ReservationCommitted"
	EventReservationCommitReverted = "ReservationCommitReverted"
	EventStockRestored             = "StockRestored"
)

type ReservationEvent struct {
	ReservationID string           `json:"reservation_id"`
	CartID        string           `json:"cart_id"`
	ProductID     string           `json:"product_id"`
	Quantity      int              `json:"quantity"`
	State         ReservationState `json:"state"`
	ExpiresAt     time.Time        `json:"expires_at"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

type StockRestored struct {
	ProductID  string    `json:"product_id"`
	Quantity   int       `json:"quantity"`
	TotalStock int       `json:"total_stock"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransitionEvent names the event emitted when a reservation moves from one
// state to another.
func TransitionEvent(from, to ReservationState) string {
	switch {
	case from == StateCommitting && to == StateActive:
		return EventReservationCommitReverted
	case to == StateCommitting:
		return EventReservationCommitPending
	case to == StateReleased:
		return EventReservationReleased
	case to == StateExpired:
		return EventReservationExpired
	case to == StateCommitted:
		return EventReservationCommitted
	}
	return EventReservationCreated
}

func (r Reservation) Event(at time.Time) ReservationEvent {
	return ReservationEvent{
		ReservationID: r.ID,
		CartID:        r.CartID,
		ProductID:     r.ProductID,
		Quantity:      r.Quantity,
		State:         r.State,
		ExpiresAt:     r.ExpiresAt,
		OccurredAt:    at.UTC(),
	}
}
