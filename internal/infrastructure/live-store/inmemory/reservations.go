package inmemorylivestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
)

type reservationStore struct {
	lock         sync.RWMutex
	reservations map[domain.Outpoint]time.Time
}

func NewReservationStore() ports.ReservationStore {
	return &reservationStore{reservations: make(map[domain.Outpoint]time.Time)}
}

// Reserve is all or nothing: it fails without side effects if any of the
// outpoints is already reserved.
func (s *reservationStore) Reserve(
	_ context.Context, outpoints []domain.Outpoint, ttl time.Duration,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := time.Now()
	for _, outpoint := range outpoints {
		if expiry, ok := s.reservations[outpoint]; ok && now.Before(expiry) {
			return fmt.Errorf("%w: %s", ports.ErrAlreadyReserved, outpoint)
		}
	}
	for _, outpoint := range outpoints {
		s.reservations[outpoint] = now.Add(ttl)
	}
	return nil
}

func (s *reservationStore) Release(_ context.Context, outpoints []domain.Outpoint) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, outpoint := range outpoints {
		delete(s.reservations, outpoint)
	}
	return nil
}

func (s *reservationStore) IsReserved(_ context.Context, outpoint domain.Outpoint) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	expiry, ok := s.reservations[outpoint]
	return ok && time.Now().Before(expiry), nil
}
