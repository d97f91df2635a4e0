package inmemorylivestore

import (
	"context"
	"sync"
	"time"

	"github.com/sirdeggen/p2m/internal/core/ports"
)

type claim struct {
	holder string
	expiry time.Time
}

type claimStore struct {
	lock   sync.Mutex
	claims map[string]claim
}

func NewClaimStore() ports.ClaimStore {
	return &claimStore{claims: make(map[string]claim)}
}

func (s *claimStore) Claim(
	_ context.Context, key, holder string, ttl time.Duration,
) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := time.Now()
	if c, ok := s.claims[key]; ok && now.Before(c.expiry) {
		return false, nil
	}
	s.claims[key] = claim{holder, now.Add(ttl)}
	return true, nil
}

func (s *claimStore) Renew(
	_ context.Context, key, holder string, ttl time.Duration,
) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := time.Now()
	c, ok := s.claims[key]
	if !ok || c.holder != holder || !now.Before(c.expiry) {
		return false, nil
	}
	s.claims[key] = claim{holder, now.Add(ttl)}
	return true, nil
}

func (s *claimStore) Release(_ context.Context, key, holder string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if c, ok := s.claims[key]; ok && c.holder == holder {
		delete(s.claims, key)
	}
	return nil
}
