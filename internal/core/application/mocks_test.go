package application

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"testing"

	sdkhash "github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	inmemorylivestore "github.com/sirdeggen/p2m/internal/infrastructure/live-store/inmemory"
	"github.com/sirdeggen/p2m/pkg/beef"
	"github.com/sirdeggen/p2m/pkg/inscription"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTokenId = "ae59f3b898ec61acbdb6cc7a245fabeded0c094bf046f35206a3aec60ef88127_0"

type mockWallet struct {
	mock.Mock
}

func (m *mockWallet) ListOutputs(
	ctx context.Context, basket string,
) (*ports.ListOutputsResult, error) {
	args := m.Called(ctx, basket)
	var res *ports.ListOutputsResult
	if v := args.Get(0); v != nil {
		res = v.(*ports.ListOutputsResult)
	}
	return res, args.Error(1)
}

func (m *mockWallet) InternalizeAction(
	ctx context.Context, in ports.InternalizeActionArgs,
) (bool, error) {
	args := m.Called(ctx, in)
	return args.Bool(0), args.Error(1)
}

func (m *mockWallet) RelinquishOutput(
	ctx context.Context, basket string, outpoint domain.Outpoint,
) (bool, error) {
	args := m.Called(ctx, basket, outpoint)
	return args.Bool(0), args.Error(1)
}

func (m *mockWallet) GetPublicKey(
	ctx context.Context, instructions domain.OwnerInstructions, forSelf bool,
) (string, error) {
	args := m.Called(ctx, instructions, forSelf)
	return args.String(0), args.Error(1)
}

func (m *mockWallet) GetIdentityKey(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockWallet) CreateSignature(
	ctx context.Context, instructions domain.OwnerInstructions, digest []byte,
) ([]byte, error) {
	return nil, nil
}

func (m *mockWallet) Close() {}

type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) SendMessage(
	ctx context.Context, recipient, messageBox string, body []byte,
) (string, error) {
	args := m.Called(ctx, recipient, messageBox, body)
	return args.String(0), args.Error(1)
}

func (m *mockRelay) Subscribe(
	ctx context.Context, messageBox string,
) (<-chan ports.PeerMessage, error) {
	args := m.Called(ctx, messageBox)
	var ch <-chan ports.PeerMessage
	if v := args.Get(0); v != nil {
		ch = v.(chan ports.PeerMessage)
	}
	return ch, args.Error(1)
}

func (m *mockRelay) ListMessages(
	ctx context.Context, messageBox string,
) ([]ports.PeerMessage, error) {
	args := m.Called(ctx, messageBox)
	var msgs []ports.PeerMessage
	if v := args.Get(0); v != nil {
		msgs = v.([]ports.PeerMessage)
	}
	return msgs, args.Error(1)
}

func (m *mockRelay) Acknowledge(ctx context.Context, messageIds []string) error {
	args := m.Called(ctx, messageIds)
	return args.Error(0)
}

func (m *mockRelay) Close() {}

type mockProofs struct {
	mock.Mock
}

func (m *mockProofs) FetchBeef(ctx context.Context, txid string) ([]byte, error) {
	args := m.Called(ctx, txid)
	var buf []byte
	if v := args.Get(0); v != nil {
		buf = v.([]byte)
	}
	return buf, args.Error(1)
}

func (m *mockProofs) ListUtxos(ctx context.Context, addresses []string) ([]ports.Utxo, error) {
	args := m.Called(ctx, addresses)
	var utxos []ports.Utxo
	if v := args.Get(0); v != nil {
		utxos = v.([]ports.Utxo)
	}
	return utxos, args.Error(1)
}

type mockCosigner struct {
	mock.Mock
}

func (m *mockCosigner) Submit(ctx context.Context, tx *wire.MsgTx) (*wire.MsgTx, error) {
	args := m.Called(ctx, tx)
	var res *wire.MsgTx
	if v := args.Get(0); v != nil {
		res = v.(*wire.MsgTx)
	}
	return res, args.Error(1)
}

type mockBuilder struct {
	mock.Mock
}

func (m *mockBuilder) BuildTransfer(
	ctx context.Context, candidates []domain.TokenOutput,
	recipient string, units uint64, changeAddress string,
) (*ports.TransferTx, error) {
	args := m.Called(ctx, candidates, recipient, units, changeAddress)
	var res *ports.TransferTx
	if v := args.Get(0); v != nil {
		res = v.(*ports.TransferTx)
	}
	return res, args.Error(1)
}

func (m *mockBuilder) ResolveUnits(ctx context.Context, output domain.TokenOutput) (uint64, error) {
	args := m.Called(ctx, output)
	return args.Get(0).(uint64), args.Error(1)
}

type mockAlerts struct {
	mock.Mock
}

func (m *mockAlerts) Publish(ctx context.Context, topic ports.Topic, message interface{}) error {
	args := m.Called(ctx, topic, message)
	return args.Error(0)
}

type fakeRepoManager struct {
	payments *fakePaymentRepo
	receipts *fakeReceiptRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		payments: &fakePaymentRepo{store: make(map[string]domain.Payment)},
		receipts: &fakeReceiptRepo{store: make(map[string]domain.Receipt)},
	}
}

func (r *fakeRepoManager) Payments() domain.PaymentRepository { return r.payments }
func (r *fakeRepoManager) Receipts() domain.ReceiptRepository { return r.receipts }
func (r *fakeRepoManager) Close()                             {}

type fakePaymentRepo struct {
	lock  sync.Mutex
	store map[string]domain.Payment
}

func (r *fakePaymentRepo) AddOrUpdatePayment(_ context.Context, payment domain.Payment) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.store[payment.Id] = payment
	return nil
}

func (r *fakePaymentRepo) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	payment, ok := r.store[id]
	if !ok {
		return nil, nil
	}
	return &payment, nil
}

func (r *fakePaymentRepo) GetPaymentsByKeyID(
	_ context.Context, keyID string,
) ([]domain.Payment, error) {
	return r.filter(func(p domain.Payment) bool { return p.KeyID == keyID }), nil
}

func (r *fakePaymentRepo) GetPendingPayments(_ context.Context) ([]domain.Payment, error) {
	return r.filter(func(p domain.Payment) bool { return !p.IsFinal() }), nil
}

func (r *fakePaymentRepo) Close() {}

func (r *fakePaymentRepo) all() []domain.Payment {
	return r.filter(func(domain.Payment) bool { return true })
}

func (r *fakePaymentRepo) filter(keep func(domain.Payment) bool) []domain.Payment {
	r.lock.Lock()
	defer r.lock.Unlock()
	payments := make([]domain.Payment, 0)
	for _, p := range r.store {
		if keep(p) {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt < payments[j].CreatedAt })
	return payments
}

type fakeReceiptRepo struct {
	lock  sync.Mutex
	store map[string]domain.Receipt
}

func (r *fakeReceiptRepo) AddOrUpdateReceipt(_ context.Context, receipt domain.Receipt) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.store[receipt.MessageId] = receipt
	return nil
}

func (r *fakeReceiptRepo) GetReceipt(_ context.Context, messageId string) (*domain.Receipt, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	receipt, ok := r.store[messageId]
	if !ok {
		return nil, nil
	}
	return &receipt, nil
}

func (r *fakeReceiptRepo) GetReceiptsByStatus(
	_ context.Context, status domain.ReceiptStatus,
) ([]domain.Receipt, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	receipts := make([]domain.Receipt, 0)
	for _, receipt := range r.store {
		if receipt.Status == status {
			receipts = append(receipts, receipt)
		}
	}
	return receipts, nil
}

func (r *fakeReceiptRepo) Close() {}

type testEnv struct {
	svc       *service
	wallet    *mockWallet
	relay     *mockRelay
	proofs    *mockProofs
	cosigner  *mockCosigner
	builder   *mockBuilder
	alerts    *mockAlerts
	repos     *fakeRepoManager
	liveStore ports.LiveStore
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		wallet:    &mockWallet{},
		relay:     &mockRelay{},
		proofs:    &mockProofs{},
		cosigner:  &mockCosigner{},
		builder:   &mockBuilder{},
		alerts:    &mockAlerts{},
		repos:     newFakeRepoManager(),
		liveStore: inmemorylivestore.NewLiveStore(),
	}
	env.alerts.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	svc, err := NewService(
		Config{TokenId: testTokenId},
		env.wallet, env.relay, env.proofs, env.cosigner, env.builder,
		env.repos, env.liveStore, nil, env.alerts, nil,
	)
	require.NoError(t, err)
	env.svc = svc.(*service)
	return env
}

// newIdentity returns a random compressed public key and its address.
func newIdentity(t *testing.T) (string, string) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkey := hex.EncodeToString(key.PubKey().SerializeCompressed())
	addr, err := inscription.AddressFromPubKey(pubkey)
	require.NoError(t, err)
	return pubkey, addr
}

func newTx(prev chainhash.Hash, vout uint32, scripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, vout), []byte{0x51}, nil))
	for _, script := range scripts {
		tx.AddTxOut(wire.NewTxOut(1, script))
	}
	return tx
}

func transferScript(t *testing.T, addr, tokenId string, units uint64) []byte {
	script, err := inscription.TransferScript(addr, tokenId, units)
	require.NoError(t, err)
	return script
}

func bundleOf(t *testing.T, txs ...*wire.MsgTx) []byte {
	b := beef.New()
	for _, tx := range txs {
		b.MergeTransaction(tx)
	}
	buf, err := b.Bytes()
	require.NoError(t, err)
	return buf
}

func atomicBundleOf(t *testing.T, subject *wire.MsgTx, ancestors ...*wire.MsgTx) []byte {
	b := beef.New()
	for _, tx := range ancestors {
		b.MergeTransaction(tx)
	}
	b.MergeTransaction(subject)
	buf, err := b.AtomicBytes(subject.TxHash().String())
	require.NoError(t, err)
	return buf
}

// provenBundleOf returns a bundle where tx is proven by a one level merkle
// path.
func provenBundleOf(t *testing.T, tx *wire.MsgTx) []byte {
	txid := sdkhash.Hash(tx.TxHash())
	sibling := sdkhash.Hash{0xaa}
	yes := true
	b := beef.New()
	b.MergeBump(&beef.MerklePath{
		BlockHeight: 900_000,
		Path: [][]*beef.PathElement{{
			{Offset: 0, Hash: &txid, Txid: &yes},
			{Offset: 1, Hash: &sibling},
		}},
	})
	require.NoError(t, b.MergeTransaction(tx))
	buf, err := b.Bytes()
	require.NoError(t, err)
	return buf
}

func paymentInstructions(keyID, counterparty string) domain.OwnerInstructions {
	return domain.OwnerInstructions{
		ProtocolID:   domain.PaymentProtocol,
		KeyID:        keyID,
		Counterparty: counterparty,
	}
}
