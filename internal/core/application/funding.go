package application

import (
	"context"
	"fmt"
	"time"

	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	"github.com/sirdeggen/p2m/pkg/beef"
	"github.com/sirdeggen/p2m/pkg/errors"
	"github.com/sirdeggen/p2m/pkg/inscription"
	log "github.com/sirupsen/logrus"
)

// DepositAddress returns a fresh address of the wallet, along with the key id
// needed later to claim the tokens sent to it.
func (s *service) DepositAddress(ctx context.Context) (string, string, errors.Error) {
	keyID := newKeyID(time.Now())
	addr, err := s.deriveAddress(ctx, keyID, domain.CounterpartySelf, true)
	if err != nil {
		return "", "", toError(err)
	}
	return addr, keyID, nil
}

// CheckDeposits internalizes every token output paying to the deposit address
// derived with keyID. Outputs already in the basket are skipped.
func (s *service) CheckDeposits(
	ctx context.Context, address, keyID string,
) ([]Deposit, errors.Error) {
	if keyID == "" {
		return nil, errors.INVALID_ARGUMENT.New("missing key id")
	}
	if address == "" {
		addr, err := s.deriveAddress(ctx, keyID, domain.CounterpartySelf, true)
		if err != nil {
			return nil, toError(err)
		}
		address = addr
	}

	utxos, err := s.proofs.ListUtxos(ctx, []string{address})
	if err != nil {
		return nil, toError(err)
	}
	if len(utxos) == 0 {
		return nil, nil
	}

	owned, err := s.wallet.ListOutputs(ctx, s.basket)
	if err != nil {
		return nil, toError(err)
	}
	known := make(map[domain.Outpoint]struct{}, len(owned.Outputs))
	for _, output := range owned.Outputs {
		known[output.Outpoint] = struct{}{}
	}

	deposits := make([]Deposit, 0, len(utxos))
	for _, utxo := range utxos {
		outpoint := domain.Outpoint{Txid: utxo.Txid, VOut: utxo.Vout}
		if _, ok := known[outpoint]; ok {
			continue
		}

		units, err := s.claimDeposit(ctx, utxo, keyID)
		if err != nil {
			return deposits, toError(err)
		}
		if units == 0 {
			continue
		}

		log.WithFields(log.Fields{
			"outpoint": outpoint.String(),
			"units":    units,
		}).Info("deposit internalized")
		deposits = append(deposits, Deposit{Outpoint: outpoint, Units: units})
	}
	return deposits, nil
}

// claimDeposit returns the units internalized from the given output, or 0 if
// the output does not hold the configured token.
func (s *service) claimDeposit(
	ctx context.Context, utxo ports.Utxo, keyID string,
) (uint64, error) {
	sourceErr := func(err error) error {
		return errors.SOURCE_RESOLUTION.Wrap(err).
			WithMetadata(errors.SourceResolutionMetadata{Txid: utxo.Txid})
	}

	buf, err := s.proofs.FetchBeef(ctx, utxo.Txid)
	if err != nil {
		return 0, err
	}
	bundle, err := beef.NewFromBytes(buf)
	if err != nil {
		return 0, sourceErr(fmt.Errorf("invalid bundle: %w", err))
	}
	if err := bundle.Verify(ctx, s.chainTracker); err != nil {
		return 0, sourceErr(err)
	}

	tx := bundle.FindTransaction(utxo.Txid)
	if tx == nil {
		return 0, sourceErr(fmt.Errorf("bundle does not hold tx %s", utxo.Txid))
	}
	if int(utxo.Vout) >= len(tx.TxOut) {
		return 0, sourceErr(fmt.Errorf("tx %s has no output %d", utxo.Txid, utxo.Vout))
	}

	insc, err := inscription.Decode(tx.TxOut[utxo.Vout].PkScript)
	if err != nil {
		return 0, err
	}
	if insc == nil || insc.TokenId != s.tokenId || insc.Operation != inscription.OpTransfer {
		log.WithField("outpoint", fmt.Sprintf("%s.%d", utxo.Txid, utxo.Vout)).
			Warn("deposit output does not hold the configured token, skipping")
		return 0, nil
	}

	atomicBeef, err := bundle.AtomicBytes(utxo.Txid)
	if err != nil {
		return 0, sourceErr(err)
	}
	ok, err := s.wallet.InternalizeAction(ctx, ports.InternalizeActionArgs{
		Tx:          atomicBeef,
		Description: "MNEE deposit",
		Labels:      []string{s.label},
		Outputs: []ports.InternalizeOutput{{
			OutputIndex: utxo.Vout,
			Basket:      s.basket,
			Instructions: domain.OwnerInstructions{
				ProtocolID:   domain.PaymentProtocol,
				KeyID:        keyID,
				Counterparty: domain.CounterpartySelf,
			},
			Tags: []string{s.tag},
		}},
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.INTERNAL_ERROR.New("wallet refused deposit %s.%d", utxo.Txid, utxo.Vout)
	}
	return insc.Amount, nil
}
