// Package inmemorywallet is a single-key wallet deriving child keys with
// BRC-42 and keeping its token outputs in memory. It backs local development
// and tests; production setups talk to an external wallet.
package inmemorywallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	"github.com/sirdeggen/p2m/pkg/beef"
	"github.com/sirdeggen/p2m/pkg/inscription"
	log "github.com/sirupsen/logrus"
)

type storedOutput struct {
	output domain.TokenOutput
	tags   []string
}

type wallet struct {
	key *btcec.PrivateKey

	lock    sync.RWMutex
	baskets map[string][]storedOutput
}

// NewWallet returns a wallet using the given hex private key as root, or a
// random one if seed is empty.
func NewWallet(seed string) (ports.WalletService, error) {
	var key *btcec.PrivateKey
	if seed == "" {
		k, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}
		key = k
	} else {
		buf, err := hex.DecodeString(seed)
		if err != nil || len(buf) != 32 {
			return nil, fmt.Errorf("invalid wallet seed, must be 32 bytes hex")
		}
		key, _ = btcec.PrivKeyFromBytes(buf)
	}

	return &wallet{
		key:     key,
		baskets: make(map[string][]storedOutput),
	}, nil
}

func (w *wallet) ListOutputs(_ context.Context, basket string) (*ports.ListOutputsResult, error) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	stored := w.baskets[basket]
	outputs := make([]domain.TokenOutput, 0, len(stored))
	bundle := beef.New()
	for _, s := range stored {
		outputs = append(outputs, s.output)
		if err := bundle.MergeBytes(s.output.ProofBundle); err != nil {
			return nil, fmt.Errorf("failed to merge bundle of output %s: %w", s.output, err)
		}
	}
	buf, err := bundle.Bytes()
	if err != nil {
		return nil, err
	}
	return &ports.ListOutputsResult{Outputs: outputs, BEEF: buf}, nil
}

func (w *wallet) InternalizeAction(
	_ context.Context, args ports.InternalizeActionArgs,
) (bool, error) {
	bundle, err := beef.NewFromBytes(args.Tx)
	if err != nil {
		return false, fmt.Errorf("invalid transaction bundle: %w", err)
	}
	tx := bundle.Subject()
	if tx == nil {
		return false, fmt.Errorf("transaction bundle has no subject")
	}
	txid := tx.TxHash().String()

	toAdd := make(map[string][]storedOutput)
	for _, out := range args.Outputs {
		if int(out.OutputIndex) >= len(tx.TxOut) {
			return false, fmt.Errorf("tx %s has no output %d", txid, out.OutputIndex)
		}
		owner, ok := inscription.OwnerAddress(tx.TxOut[out.OutputIndex].PkScript)
		if !ok {
			return false, fmt.Errorf("output %d of tx %s is not p2pkh", out.OutputIndex, txid)
		}
		priv, err := w.deriveOwnKey(out.Instructions)
		if err != nil {
			return false, err
		}
		expected, err := inscription.AddressFromPubKey(
			hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		)
		if err != nil {
			return false, err
		}
		if owner != expected {
			return false, fmt.Errorf(
				"output %d of tx %s is not locked to a key of this wallet",
				out.OutputIndex, txid,
			)
		}

		toAdd[out.Basket] = append(toAdd[out.Basket], storedOutput{
			output: domain.TokenOutput{
				Outpoint:          domain.Outpoint{Txid: txid, VOut: out.OutputIndex},
				OwnerInstructions: out.Instructions,
				ProofBundle:       args.Tx,
			},
			tags: out.Tags,
		})
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	for basket, outputs := range toAdd {
		for _, o := range outputs {
			if w.find(basket, o.output.Outpoint) >= 0 {
				continue
			}
			w.baskets[basket] = append(w.baskets[basket], o)
		}
	}
	log.WithFields(log.Fields{
		"txid":   txid,
		"labels": args.Labels,
	}).Debugf("internalized %d outputs", len(args.Outputs))
	return true, nil
}

func (w *wallet) RelinquishOutput(
	_ context.Context, basket string, outpoint domain.Outpoint,
) (bool, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	i := w.find(basket, outpoint)
	if i < 0 {
		return false, nil
	}
	outputs := w.baskets[basket]
	w.baskets[basket] = append(outputs[:i:i], outputs[i+1:]...)
	return true, nil
}

func (w *wallet) GetPublicKey(
	_ context.Context, args domain.OwnerInstructions, forSelf bool,
) (string, error) {
	if forSelf || args.Counterparty == domain.CounterpartySelf {
		priv, err := w.deriveOwnKey(args)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(priv.PubKey().SerializeCompressed()), nil
	}

	pub, err := w.deriveCounterpartyKey(args)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

func (w *wallet) GetIdentityKey(_ context.Context) (string, error) {
	return hex.EncodeToString(w.key.PubKey().SerializeCompressed()), nil
}

func (w *wallet) CreateSignature(
	_ context.Context, args domain.OwnerInstructions, digest []byte,
) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	priv, err := w.deriveOwnKey(args)
	if err != nil {
		return nil, err
	}
	return ecdsa.Sign(priv, digest).Serialize(), nil
}

func (w *wallet) Close() {}

func (w *wallet) find(basket string, outpoint domain.Outpoint) int {
	for i, o := range w.baskets[basket] {
		if o.output.Outpoint == outpoint {
			return i
		}
	}
	return -1
}

// deriveOwnKey returns the BRC-42 child of the root key for the given
// counterparty and invoice.
func (w *wallet) deriveOwnKey(args domain.OwnerInstructions) (*btcec.PrivateKey, error) {
	invoice, err := invoiceNumber(args)
	if err != nil {
		return nil, err
	}
	counterparty, err := w.counterpartyKey(args.Counterparty)
	if err != nil {
		return nil, err
	}
	child, err := w.rootKey().DeriveChild(counterparty, invoice)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(child.Serialize())
	return priv, nil
}

// deriveCounterpartyKey returns the BRC-42 child of the counterparty key, the
// key the counterparty derives with deriveOwnKey.
func (w *wallet) deriveCounterpartyKey(args domain.OwnerInstructions) (*btcec.PublicKey, error) {
	invoice, err := invoiceNumber(args)
	if err != nil {
		return nil, err
	}
	counterparty, err := w.counterpartyKey(args.Counterparty)
	if err != nil {
		return nil, err
	}
	child, err := counterparty.DeriveChild(w.rootKey(), invoice)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return btcec.ParsePubKey(child.Compressed())
}

func (w *wallet) rootKey() *ec.PrivateKey {
	root, _ := ec.PrivateKeyFromBytes(w.key.Serialize())
	return root
}

func (w *wallet) counterpartyKey(counterparty string) (*ec.PublicKey, error) {
	switch counterparty {
	case domain.CounterpartySelf, "":
		return w.rootKey().PubKey(), nil
	case domain.CounterpartyAnyone:
		one := make([]byte, 32)
		one[31] = 1
		anyone, _ := ec.PrivateKeyFromBytes(one)
		return anyone.PubKey(), nil
	default:
		pub, err := ec.PublicKeyFromString(counterparty)
		if err != nil {
			return nil, fmt.Errorf("invalid counterparty %s: %w", counterparty, err)
		}
		return pub, nil
	}
}

func invoiceNumber(args domain.OwnerInstructions) (string, error) {
	level := args.ProtocolID.SecurityLevel
	if level < 0 || level > 2 {
		return "", fmt.Errorf("invalid security level %d", level)
	}
	protocol := strings.ToLower(strings.TrimSpace(args.ProtocolID.Protocol))
	if len(protocol) < 5 {
		return "", fmt.Errorf("protocol name %q is too short", args.ProtocolID.Protocol)
	}
	if args.KeyID == "" {
		return "", fmt.Errorf("missing key id")
	}
	return fmt.Sprintf("%d-%s-%s", level, protocol, args.KeyID), nil
}
