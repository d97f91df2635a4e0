package redislivestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
)

const reservationKeyPrefix = "reservation:"

type reservationStore struct {
	rdb          *redis.Client
	numOfRetries int
	retryDelay   time.Duration
}

func NewReservationStore(rdb *redis.Client, numOfRetries int) ports.ReservationStore {
	if numOfRetries <= 0 {
		numOfRetries = 1
	}
	return &reservationStore{
		rdb:          rdb,
		numOfRetries: numOfRetries,
		retryDelay:   10 * time.Millisecond,
	}
}

func (s *reservationStore) Reserve(
	ctx context.Context, outpoints []domain.Outpoint, ttl time.Duration,
) error {
	if len(outpoints) == 0 {
		return nil
	}
	keys := reservationKeys(outpoints)

	var err error
	for range s.numOfRetries {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			for i, key := range keys {
				n, err := tx.Exists(ctx, key).Result()
				if err != nil {
					return err
				}
				if n > 0 {
					return fmt.Errorf("%w: %s", ports.ErrAlreadyReserved, outpoints[i])
				}
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				now := time.Now().Unix()
				for _, key := range keys {
					pipe.Set(ctx, key, now, ttl)
				}
				return nil
			})
			return err
		}, keys...)
		if err == nil || errors.Is(err, ports.ErrAlreadyReserved) {
			return err
		}
		time.Sleep(s.retryDelay)
	}
	return fmt.Errorf("failed to reserve outpoints after max num of retries: %v", err)
}

func (s *reservationStore) Release(ctx context.Context, outpoints []domain.Outpoint) error {
	if len(outpoints) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, reservationKeys(outpoints)...).Err(); err != nil {
		return fmt.Errorf("failed to release outpoints: %v", err)
	}
	return nil
}

func (s *reservationStore) IsReserved(
	ctx context.Context, outpoint domain.Outpoint,
) (bool, error) {
	n, err := s.rdb.Exists(ctx, reservationKeyPrefix+outpoint.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check reservation of %s: %v", outpoint, err)
	}
	return n > 0, nil
}

func reservationKeys(outpoints []domain.Outpoint) []string {
	keys := make([]string, 0, len(outpoints))
	for _, outpoint := range outpoints {
		keys = append(keys, reservationKeyPrefix+outpoint.String())
	}
	return keys
}
