package ports

import "context"

type Utxo struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type ProofService interface {
	// FetchBeef returns the atomic BEEF of the given transaction.
	FetchBeef(ctx context.Context, txid string) ([]byte, error)
	ListUtxos(ctx context.Context, addresses []string) ([]Utxo, error)
}
