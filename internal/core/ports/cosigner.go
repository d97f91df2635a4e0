package ports

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// CosignerService submits a signed transfer to the issuer, which appends its
// own input, signs and broadcasts it.
type CosignerService interface {
	Submit(ctx context.Context, tx *wire.MsgTx) (*wire.MsgTx, error)
}
