package ports

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/internal/core/domain"
)

type TransferTx struct {
	Tx *wire.MsgTx
	// Inputs are the consumed outputs, in input order.
	Inputs  []domain.TokenOutput
	UnitsIn uint64
	Units   uint64
	Change  uint64
	Fee     uint64
}

type TxBuilder interface {
	// BuildTransfer selects inputs from candidates in order and returns a
	// signed transfer paying units to recipient, the remainder to
	// changeAddress and the fee to the issuer.
	BuildTransfer(
		ctx context.Context, candidates []domain.TokenOutput,
		recipient string, units uint64, changeAddress string,
	) (*TransferTx, error)
	// ResolveUnits returns the token amount held by the given output.
	ResolveUnits(ctx context.Context, output domain.TokenOutput) (uint64, error)
}
