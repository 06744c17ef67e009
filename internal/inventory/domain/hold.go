package domain

import "time"

// ExpiringSoonWindow is how close to its deadline a cart's earliest hold must
// be before the cart is reported as expiring soon.
const ExpiringSoonWindow = 5 * time.Minute

type HoldState string

const (
	HoldActive       HoldState = "active"
	HoldExpiringSoon HoldState = "expiring_soon"
	HoldExpired      HoldState = "expired"
	HoldEmpty        HoldState = "empty"
)

type HoldStatus struct {
	CartID    string        `json:"cart_id"`
	Status    HoldState     `json:"status"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	Remaining time.Duration `json:"remaining"`
	ItemCount int           `json:"item_count"`
	Quantity  int           `json:"quantity"`
}

// SummarizeHolds reports how long the cart's active holds have left. Only
// active reservations are counted.
func SummarizeHolds(cartID string, reservations []Reservation, now time.Time) HoldStatus {
	st := HoldStatus{CartID: cartID, Status: HoldEmpty}
	var earliest time.Time
	for _, r := range reservations {
		if r.State != StateActive {
			continue
		}
		st.ItemCount++
		st.Quantity += r.Quantity
		if earliest.IsZero() || r.ExpiresAt.Before(earliest) {
			earliest = r.ExpiresAt
		}
	}
	if st.ItemCount == 0 {
		return st
	}

	st.ExpiresAt = &earliest
	st.Remaining = earliest.Sub(now)
	switch {
	case st.Remaining <= 0:
		st.Remaining = 0
		st.Status = HoldExpired
	case st.Remaining <= ExpiringSoonWindow:
		st.Status = HoldExpiringSoon
	default:
		st.Status = HoldActive
	}
	return st
}
