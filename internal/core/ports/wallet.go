package ports

import (
	"context"

	"github.com/sirdeggen/p2m/internal/core/domain"
)

type ListOutputsResult struct {
	Outputs []domain.TokenOutput
	// BEEF holds the transactions creating every listed output.
	BEEF []byte
}

type InternalizeOutput struct {
	OutputIndex  uint32
	Basket       string
	Instructions domain.OwnerInstructions
	Tags         []string
}

type InternalizeActionArgs struct {
	// Tx is the atomic BEEF of the transaction to internalize.
	Tx          []byte
	Description string
	Labels      []string
	Outputs     []InternalizeOutput
}

// WalletService is the local ledger and key holder. Keys are never exposed:
// the wallet derives public keys and produces signatures on request.
type WalletService interface {
	ListOutputs(ctx context.Context, basket string) (*ListOutputsResult, error)
	InternalizeAction(ctx context.Context, args InternalizeActionArgs) (bool, error)
	RelinquishOutput(ctx context.Context, basket string, outpoint domain.Outpoint) (bool, error)
	// GetPublicKey returns the hex compressed key derived from args. With
	// forSelf unset the key belongs to the counterparty, otherwise it is the
	// wallet's own key for that derivation.
	GetPublicKey(
		ctx context.Context, args domain.OwnerInstructions, forSelf bool,
	) (string, error)
	GetIdentityKey(ctx context.Context) (string, error)
	// CreateSignature returns the DER encoded ECDSA signature of digest made
	// with the key derived from args.
	CreateSignature(
		ctx context.Context, args domain.OwnerInstructions, digest []byte,
	) ([]byte, error)
	Close()
}
