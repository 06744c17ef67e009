package memory

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

type Store struct {
	mu           sync.RWMutex
	reservations map[string]domain.Reservation
}

func NewStore() *Store {
	return &Store{reservations: make(map[string]domain.Reservation)}
}

func (s *Store) Create(_ context.Context, r domain.Reservation) error {
	if r.State != domain.StateActive {
		return domain.ErrAlreadyTerminal
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[r.ID]; ok {
		return domain.ErrDuplicate
	}
	s.reservations[r.ID] = r
	return nil
}

func (s *Store) Get(_ context.Context, id string) (domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *Store) Transition(_ context.Context, id string, from, to domain.ReservationState, at time.Time) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if r.State != from {
		return domain.Reservation{}, &domain.AlreadyTerminalError{ID: id, State: r.State}
	}
	r.State = to
	r.UpdatedAt = at.UTC()
	s.reservations[id] = r
	return r, nil
}

func (s *Store) Extend(_ context.Context, id string, expiresAt time.Time) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if r.State != domain.StateActive {
		return domain.Reservation{}, &domain.AlreadyTerminalError{ID: id, State: r.State}
	}
	r.ExpiresAt = expiresAt.UTC()
	r.UpdatedAt = time.Now().UTC()
	s.reservations[id] = r
	return r, nil
}

// FindExpiring snapshots the candidate ids when iteration starts and checks
// each one again right before yielding it, so a hold that left the active
// state in the meantime is skipped.
func (s *Store) FindExpiring(_ context.Context, before time.Time, limit int) iter.Seq2[domain.Reservation, error] {
	return func(yield func(domain.Reservation, error) bool) {
		s.mu.RLock()
		candidates := make([]domain.Reservation, 0)
		for _, r := range s.reservations {
			if r.State == domain.StateActive && !r.ExpiresAt.After(before) {
				candidates = append(candidates, r)
			}
		}
		s.mu.RUnlock()

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].ExpiresAt.Equal(candidates[j].ExpiresAt) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
		})
		if limit > 0 && len(candidates) > limit {
			candidates = candidates[:limit]
		}

		for _, c := range candidates {
			s.mu.RLock()
			current, ok := s.reservations[c.ID]
			s.mu.RUnlock()
			if !ok || current.State != domain.StateActive {
				continue
			}
			if !yield(current, nil) {
				return
			}
		}
	}
}

func (s *Store) ListByCart(_ context.Context, cartID string) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.CartID == cartID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SumActive(_ context.Context, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := 0
	for _, r := range s.reservations {
		if r.ProductID == productID && r.State.Held() {
			sum += r.Quantity
		}
	}
	return sum, nil
}
