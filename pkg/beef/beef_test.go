package beef_test

import (
	"context"
	"fmt"
	"testing"

	sdkhash "github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/pkg/beef"
	"github.com/stretchr/testify/require"
)

type tracker struct {
	roots map[uint32]sdkhash.Hash
	err   error
}

func (t tracker) IsValidRootForHeight(
	_ context.Context, root *sdkhash.Hash, height uint32,
) (bool, error) {
	if t.err != nil {
		return false, t.err
	}
	expected, ok := t.roots[height]
	return ok && expected.IsEqual(root), nil
}

func (t tracker) CurrentHeight(context.Context) (uint32, error) {
	return 800_100, t.err
}

func newTx(prev chainhash.Hash, vout uint32, outputs ...int64) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, vout), []byte{0x51}, nil))
	for _, value := range outputs {
		tx.AddTxOut(wire.NewTxOut(value, []byte{0x76, 0xa9}))
	}
	return tx
}

func pair(left, right sdkhash.Hash) sdkhash.Hash {
	return sdkhash.DoubleHashH(append(append([]byte{}, left[:]...), right[:]...))
}

// fixture returns a bundle: a proven grandparent, an unproven parent spending
// it, and a child spending the parent, together with the expected block root.
func fixture(t *testing.T) (*beef.Beef, []*wire.MsgTx, sdkhash.Hash) {
	grandparent := newTx(chainhash.Hash{0x01}, 0, 1, 1)
	parent := newTx(grandparent.TxHash(), 0, 1)
	child := newTx(parent.TxHash(), 0, 1)

	gpTxid := sdkhash.Hash(grandparent.TxHash())
	sibling := sdkhash.Hash{0xaa}
	uncle := sdkhash.Hash{0xbb}
	root := pair(pair(gpTxid, sibling), uncle)

	yes := true
	b := beef.New()
	b.MergeBump(&beef.MerklePath{
		BlockHeight: 800_000,
		Path: [][]*beef.PathElement{
			{
				{Offset: 0, Hash: &gpTxid, Txid: &yes},
				{Offset: 1, Hash: &sibling},
			},
			{
				{Offset: 1, Hash: &uncle},
			},
		},
	})
	require.NoError(t, b.MergeTransaction(grandparent))
	require.NoError(t, b.MergeTransaction(parent))
	require.NoError(t, b.MergeTransaction(child))

	return b, []*wire.MsgTx{grandparent, parent, child}, root
}

func TestMerklePathRoot(t *testing.T) {
	yes := true
	txid := sdkhash.Hash{0x07}
	mp := &beef.MerklePath{
		BlockHeight: 10,
		Path: [][]*beef.PathElement{
			{{Offset: 0, Hash: &txid, Txid: &yes}, {Offset: 1, Duplicate: &yes}},
		},
	}
	root, err := mp.ComputeRoot(&txid)
	require.NoError(t, err)
	require.Equal(t, pair(txid, txid), *root)
}

func TestSerialization(t *testing.T) {
	b, txs, _ := fixture(t)

	buf, err := b.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0x02, 0x00, 0xbe, 0xef}, buf[:4])

	decoded, err := beef.NewFromBytes(buf)
	require.NoError(t, err)
	for _, tx := range txs {
		found := decoded.FindTransaction(tx.TxHash().String())
		require.NotNil(t, found)
		require.Equal(t, tx.TxHash(), found.TxHash())
	}
	require.Equal(t, txs[2].TxHash(), decoded.Subject().TxHash())
	require.NoError(t, decoded.Verify(context.Background(), nil))
}

func TestAtomic(t *testing.T) {
	b, txs, _ := fixture(t)

	unrelated := newTx(chainhash.Hash{0x09}, 3, 5)
	require.NoError(t, b.MergeTransaction(unrelated))
	// two unspent tips
	require.Nil(t, b.Subject())

	subject := txs[2].TxHash().String()
	buf, err := b.AtomicBytes(subject)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x01, 0x01, 0x01}, buf[:4])

	decoded, err := beef.NewFromBytes(buf)
	require.NoError(t, err)
	require.Equal(t, subject, decoded.Subject().TxHash().String())
	require.Nil(t, decoded.FindTransaction(unrelated.TxHash().String()))
	require.NotNil(t, decoded.FindTransaction(txs[0].TxHash().String()))
	require.NoError(t, decoded.Verify(context.Background(), nil))

	_, err = b.AtomicBytes(chainhash.Hash{0x33}.String())
	require.Error(t, err)
	_, err = b.AtomicBytes("zz")
	require.Error(t, err)
}

func TestFindTransaction(t *testing.T) {
	b, _, _ := fixture(t)

	require.Nil(t, b.FindTransaction(chainhash.Hash{0x33}.String()))
	require.Nil(t, b.FindTransaction("zz"))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		b, _, root := fixture(t)
		require.NoError(t, b.Verify(ctx, nil))
		require.NoError(t, b.Verify(ctx, tracker{roots: map[uint32]sdkhash.Hash{800_000: root}}))
	})

	t.Run("wrong root", func(t *testing.T) {
		b, _, _ := fixture(t)
		err := b.Verify(ctx, tracker{roots: map[uint32]sdkhash.Hash{800_000: {0x01}}})
		require.Error(t, err)
	})

	t.Run("tracker failure", func(t *testing.T) {
		b, _, _ := fixture(t)
		err := b.Verify(ctx, tracker{err: fmt.Errorf("headers unavailable")})
		require.Error(t, err)
	})

	t.Run("missing ancestor", func(t *testing.T) {
		_, txs, _ := fixture(t)
		b := beef.New()
		require.NoError(t, b.MergeTransaction(txs[1]))
		require.NoError(t, b.MergeTransaction(txs[2]))
		require.Error(t, b.Verify(ctx, nil))
	})
}

func TestMergeBytes(t *testing.T) {
	b, txs, _ := fixture(t)

	yes := true
	other := newTx(chainhash.Hash{0x05}, 1, 9)
	otherTxid := sdkhash.Hash(other.TxHash())
	b2 := beef.New()
	b2.MergeBump(&beef.MerklePath{
		BlockHeight: 800_001,
		Path: [][]*beef.PathElement{
			{{Offset: 3, Hash: &otherTxid, Txid: &yes}, {Offset: 2, Hash: &sdkhash.Hash{0xcc}}},
		},
	})
	require.NoError(t, b2.MergeTransaction(other))
	atomic, err := b2.AtomicBytes(other.TxHash().String())
	require.NoError(t, err)

	require.NoError(t, b.MergeBytes(atomic))
	require.NotNil(t, b.FindTransaction(other.TxHash().String()))
	require.NotNil(t, b.FindTransaction(txs[2].TxHash().String()))
	require.NoError(t, b.Verify(context.Background(), nil))

	// merging the same bundle twice keeps it valid
	require.NoError(t, b.MergeBytes(atomic))
	require.NoError(t, b.Verify(context.Background(), nil))
}

func TestInvalidBytes(t *testing.T) {
	_, err := beef.NewFromBytes(nil)
	require.Error(t, err)

	_, err = beef.NewFromBytes([]byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)

	_, err = beef.NewFromBytes([]byte{0x01, 0x01, 0x01, 0x01, 0x02})
	require.Error(t, err)

	b, _, _ := fixture(t)
	buf, err := b.Bytes()
	require.NoError(t, err)
	_, err = beef.NewFromBytes(buf[:len(buf)-3])
	require.Error(t, err)
}
