package inmemorylivestore

import (
	"github.com/sirdeggen/p2m/internal/core/ports"
)

type inMemoryLiveStore struct {
	claims       ports.ClaimStore
	reservations ports.ReservationStore
}

func NewLiveStore() ports.LiveStore {
	return &inMemoryLiveStore{
		claims:       NewClaimStore(),
		reservations: NewReservationStore(),
	}
}

func (s *inMemoryLiveStore) Claims() ports.ClaimStore {
	return s.claims
}

func (s *inMemoryLiveStore) Reservations() ports.ReservationStore {
	return s.reservations
}

func (s *inMemoryLiveStore) Close() {}
