package domain

import "time"

type ReservationState string

const (
	StateActive    ReservationState = "active"
	StateCommitted ReservationState = "committed"
	StateReleased  ReservationState = "released"
	StateExpired   ReservationState = "expired"

	// StateCommitting marks a hold claimed by an in-flight cart commit. It is
	// not terminal: the batch settles it to committed or hands it back to
	// active. Its units stay in reservedStock until then.
	StateCommitting ReservationState = "committing"
)

func (s ReservationState) Terminal() bool {
	return s == StateCommitted || s == StateReleased || s == StateExpired
}

// Held reports whether the reservation's units are still counted in the
// product's reservedStock.
func (s ReservationState) Held() bool {
	return s == StateActive || s == StateCommitting
}

func (s ReservationState) Valid() bool {
	switch s {
	case StateActive, StateCommitting, StateCommitted, StateReleased, StateExpired:
		return true
	}
	return false
}

// Reservation is a TTL-bounded claim on Quantity units of one product held on
// behalf of a cart.
type Reservation struct {
	ID        string
	CartID    string
	ProductID string
	Quantity  int
	State     ReservationState
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

func NewReservation(id, cartID, productID string, quantity int, now time.Time, ttl time.Duration) Reservation {
	now = now.UTC()
	return Reservation{
		ID:        id,
		CartID:    cartID,
		ProductID: productID,
		Quantity:  quantity,
		State:     StateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
}

func (r Reservation) Lapsed(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// CommitLine is one hold converted into a permanent stock deduction.
type CommitLine struct {
	ReservationID string `json:"reservation_id"`
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
}

type CommitResult struct {
	CartID      string       `json:"cart_id"`
	Lines       []CommitLine `json:"lines"`
	CommittedAt time.Time    `json:"committed_at"`
}
