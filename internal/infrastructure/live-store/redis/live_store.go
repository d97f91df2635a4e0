package redislivestore

import (
	"github.com/redis/go-redis/v9"
	"github.com/sirdeggen/p2m/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

type redisLiveStore struct {
	rdb          *redis.Client
	claims       ports.ClaimStore
	reservations ports.ReservationStore
}

func NewLiveStore(rdb *redis.Client, numOfRetries int) ports.LiveStore {
	return &redisLiveStore{
		rdb:          rdb,
		claims:       NewClaimStore(rdb),
		reservations: NewReservationStore(rdb, numOfRetries),
	}
}

func (s *redisLiveStore) Claims() ports.ClaimStore {
	return s.claims
}

func (s *redisLiveStore) Reservations() ports.ReservationStore {
	return s.reservations
}

func (s *redisLiveStore) Close() {
	if err := s.rdb.Close(); err != nil {
		log.WithError(err).Warn("failed to close redis live store")
	}
}
