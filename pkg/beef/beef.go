// Package beef wraps the go-sdk BEEF bundles (BRC-62, BRC-95, BRC-96) for
// code working with btcd transactions.
package beef

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	sdkhash "github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
	"github.com/btcsuite/btcd/wire"
)

const atomicPrefix uint32 = 0x01010101

type (
	ChainTracker = chaintracker.ChainTracker
	MerklePath   = transaction.MerklePath
	PathElement  = transaction.PathElement
)

type Beef struct {
	inner *transaction.Beef
	// subject is the txid an atomic bundle was decoded for.
	subject *sdkhash.Hash
}

func New() *Beef {
	return &Beef{inner: transaction.NewBeefV2()}
}

// NewFromBytes decodes a BEEF V1, V2 or atomic bundle.
func NewFromBytes(buf []byte) (*Beef, error) {
	var subject *sdkhash.Hash
	if len(buf) >= 4 && binary.LittleEndian.Uint32(buf) == atomicPrefix {
		if len(buf) < 36 {
			return nil, fmt.Errorf("atomic bundle too short")
		}
		hash, err := sdkhash.NewHash(buf[4:36])
		if err != nil {
			return nil, err
		}
		subject, buf = hash, buf[36:]
	}

	inner, err := transaction.NewBeefFromBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid beef: %w", err)
	}
	b := &Beef{inner: inner, subject: subject}
	if subject != nil && b.find(subject) == nil {
		return nil, fmt.Errorf("atomic bundle does not hold its subject %s", subject)
	}
	return b, nil
}

func (b *Beef) Bytes() ([]byte, error) {
	return b.inner.Bytes()
}

// AtomicBytes serializes the ancestry of txid as an atomic bundle whose
// subject is txid. Proven ancestors end the walk.
func (b *Beef) AtomicBytes(txid string) ([]byte, error) {
	hash, err := sdkhash.NewHashFromHex(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %w", txid, err)
	}
	if entry := b.find(hash); entry == nil || entry.Transaction == nil {
		return nil, fmt.Errorf("tx %s not in bundle", txid)
	}

	trimmed := transaction.NewBeefV2()
	visited := make(map[sdkhash.Hash]struct{})
	var visit func(hash *sdkhash.Hash) error
	visit = func(hash *sdkhash.Hash) error {
		if _, ok := visited[*hash]; ok {
			return nil
		}
		visited[*hash] = struct{}{}

		entry := b.find(hash)
		if entry == nil || entry.Transaction == nil {
			return nil
		}
		tx, err := transaction.NewTransactionFromBytes(entry.Transaction.Bytes())
		if err != nil {
			return err
		}
		if entry.DataFormat == transaction.RawTxAndBumpIndex {
			tx.MerklePath = b.inner.BUMPs[entry.BumpIndex]
		} else {
			for _, in := range entry.Transaction.Inputs {
				if err := visit(in.SourceTXID); err != nil {
					return err
				}
			}
		}
		_, err = trimmed.MergeTransaction(tx)
		return err
	}
	if err := visit(hash); err != nil {
		return nil, err
	}
	return trimmed.AtomicBytes(hash)
}

// FindTransaction returns the transaction with the given txid, or nil.
func (b *Beef) FindTransaction(txid string) *wire.MsgTx {
	hash, err := sdkhash.NewHashFromHex(txid)
	if err != nil {
		return nil
	}
	entry := b.find(hash)
	if entry == nil || entry.Transaction == nil {
		return nil
	}
	return toMsgTx(entry.Transaction)
}

// Subject returns the transaction an atomic bundle is about, or the only
// transaction of the bundle no other one spends. It is nil when there is no
// such transaction.
func (b *Beef) Subject() *wire.MsgTx {
	if b.subject != nil {
		return b.FindTransaction(b.subject.String())
	}

	spent := make(map[sdkhash.Hash]struct{})
	for _, entry := range b.inner.Transactions {
		if entry.Transaction == nil {
			continue
		}
		for _, in := range entry.Transaction.Inputs {
			spent[*in.SourceTXID] = struct{}{}
		}
	}
	var tip *transaction.Transaction
	for _, entry := range b.inner.Transactions {
		if entry.Transaction == nil {
			continue
		}
		if _, ok := spent[*entry.Transaction.TxID()]; ok {
			continue
		}
		if tip != nil {
			return nil
		}
		tip = entry.Transaction
	}
	if tip == nil {
		return nil
	}
	return toMsgTx(tip)
}

// MergeTransaction adds tx to the bundle, linked to the merkle path proving it
// if the bundle has one. A transaction already in the bundle is left untouched.
func (b *Beef) MergeTransaction(tx *wire.MsgTx) error {
	txid := sdkhash.Hash(tx.TxHash())
	if entry := b.find(&txid); entry != nil && entry.Transaction != nil {
		return nil
	}
	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return err
	}
	if _, err := b.inner.MergeRawTx(buf.Bytes(), b.bumpIndex(&txid)); err != nil {
		return fmt.Errorf("failed to merge tx %s: %w", txid, err)
	}
	return nil
}

// MergeBump adds the given merkle path, combining it with an existing path of
// the same block if any, and returns its index.
func (b *Beef) MergeBump(mp *MerklePath) int {
	return b.inner.MergeBump(mp)
}

// MergeBytes decodes buf, atomic or not, and merges it into b.
func (b *Beef) MergeBytes(buf []byte) error {
	other, err := NewFromBytes(buf)
	if err != nil {
		return err
	}
	return b.inner.MergeBeef(other.inner)
}

// Verify checks that every transaction is either proven by a merkle path or
// has the sources of all its inputs in the bundle. When tracker is not nil,
// every merkle root is also checked against the chain.
func (b *Beef) Verify(ctx context.Context, tracker ChainTracker) error {
	if tracker == nil {
		if !b.inner.IsValid(false) {
			return fmt.Errorf("bundle holds unproven transactions with missing sources")
		}
		return nil
	}
	ok, err := b.inner.Verify(ctx, tracker, false)
	if err != nil {
		return fmt.Errorf("failed to verify bundle: %w", err)
	}
	if !ok {
		return fmt.Errorf("bundle does not verify against the chain")
	}
	return nil
}

func (b *Beef) find(hash *sdkhash.Hash) *transaction.BeefTx {
	for _, entry := range b.inner.Transactions {
		if entry.Transaction != nil && entry.Transaction.TxID().IsEqual(hash) {
			return entry
		}
		if entry.KnownTxID != nil && entry.KnownTxID.IsEqual(hash) {
			return entry
		}
	}
	return nil
}

func (b *Beef) bumpIndex(txid *sdkhash.Hash) *int {
	for i, bump := range b.inner.BUMPs {
		if len(bump.Path) == 0 {
			continue
		}
		for _, leaf := range bump.Path[0] {
			if leaf.Hash != nil && leaf.Txid != nil && *leaf.Txid && leaf.Hash.IsEqual(txid) {
				return &i
			}
		}
	}
	return nil
}

func toMsgTx(tx *transaction.Transaction) *wire.MsgTx {
	msg := wire.NewMsgTx(wire.TxVersion)
	if err := msg.DeserializeNoWitness(bytes.NewReader(tx.Bytes())); err != nil {
		return nil
	}
	return msg
}
