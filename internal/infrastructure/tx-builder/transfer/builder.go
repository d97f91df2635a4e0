package txbuilder

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	"github.com/sirdeggen/p2m/pkg/beef"
	perrors "github.com/sirdeggen/p2m/pkg/errors"
	"github.com/sirdeggen/p2m/pkg/fees"
	"github.com/sirdeggen/p2m/pkg/inscription"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

const (
	// SigHashForkID marks signatures committing to the spent amount.
	SigHashForkID txscript.SigHashType = 0x40
	// TransferSigHashType commits to all inputs and outputs but lets the
	// cosigner append its own input.
	TransferSigHashType = txscript.SigHashAll | txscript.SigHashAnyOneCanPay | SigHashForkID

	outputValue               = 1
	defaultResolveConcurrency = 8
)

type Option func(*txBuilder)

func WithResolveConcurrency(n int) Option {
	return func(b *txBuilder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

type txBuilder struct {
	wallet      ports.WalletService
	tokenId     string
	feeAddress  string
	policy      *fees.Policy
	concurrency int
}

func NewTxBuilder(
	wallet ports.WalletService, tokenId, feeAddress string, policy *fees.Policy,
	opts ...Option,
) (ports.TxBuilder, error) {
	if wallet == nil {
		return nil, fmt.Errorf("missing wallet")
	}
	if tokenId == "" {
		return nil, fmt.Errorf("missing token id")
	}
	if _, err := inscription.P2PKHScript(feeAddress); err != nil {
		return nil, fmt.Errorf("invalid fee address: %w", err)
	}
	if policy == nil {
		policy = fees.DefaultPolicy()
	}

	b := &txBuilder{
		wallet:      wallet,
		tokenId:     tokenId,
		feeAddress:  feeAddress,
		policy:      policy,
		concurrency: defaultResolveConcurrency,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type resolvedInput struct {
	output  domain.TokenOutput
	prevOut *wire.TxOut
	units   uint64
	// skip is set for outputs not holding this token.
	skip bool
	err  error
}

func (b *txBuilder) BuildTransfer(
	ctx context.Context, candidates []domain.TokenOutput,
	recipient string, units uint64, changeAddress string,
) (*ports.TransferTx, error) {
	if units == 0 {
		return nil, perrors.INVALID_ARGUMENT.New("units must be greater than zero")
	}
	if units > fees.MaxAmount {
		return nil, perrors.INVALID_ARGUMENT.New("units exceed max amount %d", fees.MaxAmount)
	}
	if len(candidates) == 0 {
		return nil, perrors.INSUFFICIENT_FUNDS.New("no token outputs to spend").
			WithMetadata(perrors.InsufficientFundsMetadata{
				Required: units + b.policy.FeeFor(0),
			})
	}

	selected, unitsIn, err := b.selectInputs(ctx, candidates, units)
	if err != nil {
		return nil, err
	}
	if unitsIn > fees.MaxAmount {
		return nil, perrors.INTERNAL_ERROR.New(
			"selected inputs hold %d units, above max amount %d", unitsIn, fees.MaxAmount,
		)
	}

	fee := b.policy.FeeFor(unitsIn)
	if unitsIn < units+fee {
		return nil, perrors.INSUFFICIENT_FUNDS.New(
			"insufficient tokens: have %d, need %d (%d + fee %d)",
			unitsIn, units+fee, units, fee,
		).WithMetadata(perrors.InsufficientFundsMetadata{
			Available: unitsIn,
			Required:  units + fee,
			Fee:       fee,
		})
	}
	change := unitsIn - units - fee

	tx := wire.NewMsgTx(1)
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	inputs := make([]domain.TokenOutput, 0, len(selected))
	for _, in := range selected {
		hash, err := chainhash.NewHashFromStr(in.output.Txid)
		if err != nil {
			return nil, perrors.SOURCE_RESOLUTION.Wrap(err).
				WithMetadata(perrors.SourceResolutionMetadata{Outpoint: in.output.String()})
		}
		outpoint := wire.NewOutPoint(hash, in.output.VOut)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		prevOuts.AddPrevOut(*outpoint, in.prevOut)
		inputs = append(inputs, in.output)
	}

	for _, out := range []struct {
		address string
		amount  uint64
	}{
		{recipient, units},
		{changeAddress, change},
		{b.feeAddress, fee},
	} {
		script, err := inscription.TransferScript(out.address, b.tokenId, out.amount)
		if err != nil {
			return nil, perrors.INVALID_ARGUMENT.Wrap(err)
		}
		tx.AddTxOut(wire.NewTxOut(outputValue, script))
	}

	if err := b.signInputs(ctx, tx, inputs, prevOuts); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"inputs":   len(inputs),
		"units_in": unitsIn,
		"units":    units,
		"change":   change,
		"fee":      fee,
	}).Debug("built transfer tx")

	return &ports.TransferTx{
		Tx:      tx,
		Inputs:  inputs,
		UnitsIn: unitsIn,
		Units:   units,
		Change:  change,
		Fee:     fee,
	}, nil
}

func (b *txBuilder) ResolveUnits(ctx context.Context, output domain.TokenOutput) (uint64, error) {
	in := b.resolve(output)
	if in.err != nil {
		return 0, in.err
	}
	return in.units, nil
}

// selectInputs resolves candidates concurrently, one window at a time, and
// accumulates them in their given order until the requested units plus the
// highest possible fee are covered.
func (b *txBuilder) selectInputs(
	ctx context.Context, candidates []domain.TokenOutput, units uint64,
) ([]resolvedInput, uint64, error) {
	target := units + b.policy.MaxFee()
	selected := make([]resolvedInput, 0)
	var unitsIn uint64

	for start := 0; start < len(candidates); start += b.concurrency {
		end := min(start+b.concurrency, len(candidates))
		window := candidates[start:end]
		resolved := make([]resolvedInput, len(window))

		p := pool.New().WithContext(ctx).WithMaxGoroutines(b.concurrency)
		for i, candidate := range window {
			p.Go(func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				resolved[i] = b.resolve(candidate)
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return nil, 0, perrors.INTERNAL_ERROR.Wrap(err)
		}

		for _, in := range resolved {
			if in.err != nil {
				return nil, 0, in.err
			}
			if in.skip {
				continue
			}
			if in.units > fees.MaxAmount-unitsIn {
				return nil, 0, perrors.SOURCE_RESOLUTION.New(
					"inputs hold more than max amount %d", fees.MaxAmount,
				).WithMetadata(perrors.SourceResolutionMetadata{
					Outpoint: in.output.String(),
					Txid:     in.output.Txid,
				})
			}
			selected = append(selected, in)
			unitsIn += in.units
			if unitsIn >= target {
				return selected, unitsIn, nil
			}
		}
	}
	return selected, unitsIn, nil
}

func (b *txBuilder) resolve(output domain.TokenOutput) resolvedInput {
	res := resolvedInput{output: output}
	sourceErr := func(format string, args ...any) error {
		return perrors.SOURCE_RESOLUTION.New(format, args...).
			WithMetadata(perrors.SourceResolutionMetadata{
				Outpoint: output.String(),
				Txid:     output.Txid,
			})
	}

	if len(output.ProofBundle) == 0 {
		res.err = sourceErr("missing proof bundle for output %s", output)
		return res
	}
	bundle, err := beef.NewFromBytes(output.ProofBundle)
	if err != nil {
		res.err = sourceErr("invalid proof bundle for output %s: %s", output, err)
		return res
	}
	tx := bundle.FindTransaction(output.Txid)
	if tx == nil {
		res.err = sourceErr("source tx %s not found in proof bundle", output.Txid)
		return res
	}
	if int(output.VOut) >= len(tx.TxOut) {
		res.err = sourceErr("source tx %s has no output %d", output.Txid, output.VOut)
		return res
	}
	res.prevOut = tx.TxOut[output.VOut]

	insc, err := inscription.Decode(res.prevOut.PkScript)
	if err != nil {
		res.err = err
		return res
	}
	if insc == nil || insc.TokenId != b.tokenId {
		log.WithField("outpoint", output.String()).
			Warn("output does not hold the configured token, ignoring")
		res.skip = true
		return res
	}
	if insc.Amount > fees.MaxAmount {
		res.err = sourceErr(
			"output %s holds %d units, above max amount %d", output, insc.Amount, fees.MaxAmount,
		)
		return res
	}
	res.units = insc.Amount
	return res
}

func (b *txBuilder) signInputs(
	ctx context.Context, tx *wire.MsgTx, inputs []domain.TokenOutput,
	prevOuts *txscript.MultiPrevOutFetcher,
) error {
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)

	for i, in := range inputs {
		signingErr := func(err error) error {
			return perrors.SIGNING_ERROR.Wrap(err).
				WithMetadata(perrors.SigningMetadata{InputIndex: i})
		}

		prevOut := prevOuts.FetchPrevOutput(tx.TxIn[i].PreviousOutPoint)
		digest, err := txscript.CalcWitnessSigHash(
			prevOut.PkScript, sigHashes, TransferSigHashType, tx, i, prevOut.Value,
		)
		if err != nil {
			return signingErr(fmt.Errorf("failed to compute sighash: %w", err))
		}

		sig, err := b.wallet.CreateSignature(ctx, in.OwnerInstructions, digest)
		if err != nil {
			return signingErr(err)
		}
		pubkeyHex, err := b.wallet.GetPublicKey(ctx, in.OwnerInstructions, true)
		if err != nil {
			return signingErr(err)
		}
		pubkeyBytes, err := hex.DecodeString(pubkeyHex)
		if err != nil {
			return signingErr(fmt.Errorf("invalid public key: %w", err))
		}
		pubkey, err := btcec.ParsePubKey(pubkeyBytes)
		if err != nil {
			return signingErr(fmt.Errorf("invalid public key: %w", err))
		}
		parsed, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return signingErr(fmt.Errorf("invalid signature: %w", err))
		}
		if !parsed.Verify(digest, pubkey) {
			return signingErr(fmt.Errorf("signature does not match key of output %s", in))
		}

		unlocking, err := txscript.NewScriptBuilder().
			AddData(append(sig, byte(TransferSigHashType))).
			AddData(pubkey.SerializeCompressed()).
			Script()
		if err != nil {
			return signingErr(err)
		}
		tx.TxIn[i].SignatureScript = unlocking
	}
	return nil
}
