package redislivestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirdeggen/p2m/internal/core/ports"
)

const claimKeyPrefix = "claim:"

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type claimStore struct {
	rdb *redis.Client
}

func NewClaimStore(rdb *redis.Client) ports.ClaimStore {
	return &claimStore{rdb}
}

func (s *claimStore) Claim(
	ctx context.Context, key, holder string, ttl time.Duration,
) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, claimKeyPrefix+key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %v", key, err)
	}
	return ok, nil
}

func (s *claimStore) Renew(
	ctx context.Context, key, holder string, ttl time.Duration,
) (bool, error) {
	n, err := renewScript.Run(
		ctx, s.rdb, []string{claimKeyPrefix + key}, holder, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew claim %s: %v", key, err)
	}
	return n == 1, nil
}

func (s *claimStore) Release(ctx context.Context, key, holder string) error {
	err := releaseScript.Run(ctx, s.rdb, []string{claimKeyPrefix + key}, holder).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release claim %s: %v", key, err)
	}
	return nil
}
