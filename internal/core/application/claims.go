package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirdeggen/p2m/internal/core/ports"
	"github.com/sirdeggen/p2m/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// claim is an exclusive hold on a payment or message, owned by a single
// Send, Accept or reconciliation run.
type claim struct {
	store  ports.ClaimStore
	key    string
	holder string
	ttl    time.Duration
}

// claim returns nil if someone else holds key.
func (s *service) claim(ctx context.Context, key string) (*claim, error) {
	c := &claim{
		store:  s.liveStore.Claims(),
		key:    key,
		holder: uuid.New().String(),
		ttl:    s.claimTTL,
	}
	ok, err := c.store.Claim(ctx, c.key, c.holder, c.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return c, nil
}

// renew must be called before every step that changes durable state: once
// the claim is lost another run owns the payment and this one must stop.
func (c *claim) renew(ctx context.Context) error {
	ok, err := c.store.Renew(ctx, c.key, c.holder, c.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return errors.PAYMENT_IN_PROGRESS.New("claim on %s expired", c.key)
	}
	return nil
}

func (c *claim) release() {
	if err := c.store.Release(context.Background(), c.key, c.holder); err != nil {
		log.WithError(err).WithField("key", c.key).Warn("failed to release claim")
	}
}
