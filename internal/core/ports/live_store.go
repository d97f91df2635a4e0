package ports

import (
	"context"
	"errors"
	"time"

	"github.com/sirdeggen/p2m/internal/core/domain"
)

var ErrAlreadyReserved = errors.New("outpoint already reserved")

type LiveStore interface {
	Claims() ClaimStore
	Reservations() ReservationStore
	Close()
}

// ClaimStore holds short lived exclusive claims, e.g. on a message being
// accepted. Only the holder that took a claim can renew or release it.
type ClaimStore interface {
	Claim(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Renew extends the claim and returns false if holder no longer owns it.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// ReservationStore tracks outputs selected by an in-flight send so that
// concurrent sends never pick the same inputs.
type ReservationStore interface {
	Reserve(ctx context.Context, outpoints []domain.Outpoint, ttl time.Duration) error
	Release(ctx context.Context, outpoints []domain.Outpoint) error
	IsReserved(ctx context.Context, outpoint domain.Outpoint) (bool, error)
}
