package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	"github.com/sirdeggen/p2m/pkg/beef"
	"github.com/sirdeggen/p2m/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type sendFixture struct {
	beneficiary string
	senderKey   string
	// recipientPub and changePub stand in for the keys the wallet derives
	// for the payment and the change.
	recipientPub  string
	recipientAddr string
	changePub     string
	changeAddr    string
	sourceTx      *wire.MsgTx
	issuerTx      *wire.MsgTx
	transferTx    *wire.MsgTx
	finalTx       *wire.MsgTx
	candidate     domain.TokenOutput
}

func newSendFixture(t *testing.T) *sendFixture {
	beneficiary, _ := newIdentity(t)
	senderKey, _ := newIdentity(t)
	recipientPub, recipientAddr := newIdentity(t)
	changePub, changeAddr := newIdentity(t)

	sourceTx := newTx(chainhash.Hash{0x01}, 0, transferScript(t, changeAddr, testTokenId, 1000))
	issuerTx := newTx(chainhash.Hash{0x02}, 0, []byte{0x51})
	transferTx := newTx(
		sourceTx.TxHash(), 0,
		transferScript(t, recipientAddr, testTokenId, 600),
		transferScript(t, changeAddr, testTokenId, 390),
	)
	finalTx := transferTx.Copy()
	issuerHash := issuerTx.TxHash()
	finalTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&issuerHash, 0), []byte{0x52}, nil))

	return &sendFixture{
		beneficiary:   beneficiary,
		senderKey:     senderKey,
		recipientPub:  recipientPub,
		recipientAddr: recipientAddr,
		changePub:     changePub,
		changeAddr:    changeAddr,
		sourceTx:      sourceTx,
		issuerTx:      issuerTx,
		transferTx:    transferTx,
		finalTx:       finalTx,
		candidate: domain.TokenOutput{
			Outpoint:          domain.Outpoint{Txid: sourceTx.TxHash().String(), VOut: 0},
			OwnerInstructions: paymentInstructions("a2V5", domain.CounterpartySelf),
		},
	}
}

func (f *sendFixture) expectAddresses(wallet *mockWallet) {
	beneficiary := f.beneficiary
	wallet.On("GetPublicKey", mock.Anything, mock.MatchedBy(func(o domain.OwnerInstructions) bool {
		return o.Counterparty == beneficiary && o.ProtocolID == domain.PaymentProtocol
	}), false).Return(f.recipientPub, nil)
	wallet.On("GetPublicKey", mock.Anything, mock.MatchedBy(func(o domain.OwnerInstructions) bool {
		return o.Counterparty == domain.CounterpartySelf
	}), true).Return(f.changePub, nil)
}

func TestSend(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		env := newTestEnv(t)
		f := newSendFixture(t)
		f.expectAddresses(env.wallet)

		ctx := context.Background()
		sourceBundle := bundleOf(t, f.sourceTx)
		env.wallet.On("ListOutputs", mock.Anything, DefaultBasket).Return(&ports.ListOutputsResult{
			Outputs: []domain.TokenOutput{f.candidate},
			BEEF:    sourceBundle,
		}, nil)

		var steps []string
		var stepsLock sync.Mutex
		step := func(name string) func(mock.Arguments) {
			return func(mock.Arguments) {
				stepsLock.Lock()
				defer stepsLock.Unlock()
				steps = append(steps, name)
			}
		}

		env.builder.On(
			"BuildTransfer", mock.Anything,
			mock.MatchedBy(func(c []domain.TokenOutput) bool {
				return len(c) == 1 && len(c[0].ProofBundle) > 0
			}),
			f.recipientAddr, uint64(600), f.changeAddr,
		).Return(&ports.TransferTx{
			Tx:      f.transferTx,
			Inputs:  []domain.TokenOutput{withBundle(f.candidate, sourceBundle)},
			UnitsIn: 1000,
			Units:   600,
			Change:  390,
			Fee:     10,
		}, nil).Run(step("build"))
		env.cosigner.On("Submit", mock.Anything, f.transferTx).
			Return(f.finalTx, nil).Run(step("submit"))
		env.proofs.On("FetchBeef", mock.Anything, f.issuerTx.TxHash().String()).
			Return(bundleOf(t, f.issuerTx), nil)
		env.wallet.On("RelinquishOutput", mock.Anything, DefaultBasket, f.candidate.Outpoint).
			Return(true, nil).Run(step("relinquish"))
		env.wallet.On("InternalizeAction", mock.Anything, mock.MatchedBy(
			func(args ports.InternalizeActionArgs) bool {
				return len(args.Outputs) == 1 && args.Outputs[0].OutputIndex == 1 &&
					args.Outputs[0].Instructions.Counterparty == domain.CounterpartySelf
			},
		)).Return(true, nil).Run(step("internalize"))
		env.wallet.On("GetIdentityKey", mock.Anything).Return(f.senderKey, nil)

		var sentBody []byte
		env.relay.On("SendMessage", mock.Anything, f.beneficiary, DefaultMessageBox, mock.Anything).
			Return("msg-1", nil).
			Run(func(args mock.Arguments) {
				sentBody = args.Get(3).([]byte)
				step("deliver")(args)
			})

		res, err := env.svc.Send(ctx, f.beneficiary, 600)
		require.NoError(t, err)
		require.NotNil(t, res)

		finalTxid := f.finalTx.TxHash().String()
		require.Equal(t, finalTxid, res.Txid)
		require.Equal(t, "msg-1", res.MessageID)
		require.Equal(t, uint64(10), res.Fee)
		require.Equal(t, uint64(390), res.Change)
		require.NotEmpty(t, res.KeyID)
		require.Equal(t, []string{"build", "submit", "relinquish", "internalize", "deliver"}, steps)

		var token domain.PaymentToken
		require.NoError(t, json.Unmarshal(sentBody, &token))
		require.Equal(t, res.KeyID, token.KeyID)
		require.Equal(t, f.senderKey, token.Originator)
		require.Equal(t, f.beneficiary, token.Beneficiary)
		require.Equal(t, uint64(600), token.Units)

		bundle, perr := beef.NewFromBytes(token.Transaction)
		require.NoError(t, perr)
		require.NotNil(t, bundle.Subject())
		require.Equal(t, finalTxid, bundle.Subject().TxHash().String())
		require.NotNil(t, bundle.FindTransaction(f.sourceTx.TxHash().String()))
		require.NotNil(t, bundle.FindTransaction(f.issuerTx.TxHash().String()))

		payment, perr := env.repos.payments.GetPayment(ctx, res.PaymentID)
		require.NoError(t, perr)
		require.Equal(t, domain.PaymentSent, payment.Status)
		require.Equal(t, finalTxid, payment.Txid)
		require.Equal(t, []domain.Outpoint{f.candidate.Outpoint}, payment.SpentOutpoints)

		reserved, perr := env.liveStore.Reservations().IsReserved(ctx, f.candidate.Outpoint)
		require.NoError(t, perr)
		require.False(t, reserved)

		env.wallet.AssertExpectations(t)
		env.builder.AssertExpectations(t)
		env.cosigner.AssertExpectations(t)
		env.relay.AssertExpectations(t)
	})

	t.Run("skips reserved outputs", func(t *testing.T) {
		env := newTestEnv(t)
		f := newSendFixture(t)
		f.expectAddresses(env.wallet)

		ctx := context.Background()
		err := env.liveStore.Reservations().Reserve(
			ctx, []domain.Outpoint{f.candidate.Outpoint}, time.Minute,
		)
		require.NoError(t, err)

		env.wallet.On("ListOutputs", mock.Anything, DefaultBasket).Return(&ports.ListOutputsResult{
			Outputs: []domain.TokenOutput{f.candidate},
		}, nil)
		env.builder.On(
			"BuildTransfer", mock.Anything,
			mock.MatchedBy(func(c []domain.TokenOutput) bool { return len(c) == 0 }),
			f.recipientAddr, uint64(600), f.changeAddr,
		).Return(nil, errors.INSUFFICIENT_FUNDS.New("no spendable outputs"))

		res, serr := env.svc.Send(ctx, f.beneficiary, 600)
		require.Nil(t, res)
		require.Error(t, serr)
		require.True(t, errors.INSUFFICIENT_FUNDS.Is(serr))

		payments := env.repos.payments.all()
		require.Len(t, payments, 1)
		require.Equal(t, domain.PaymentFailed, payments[0].Status)
		env.cosigner.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("skips outputs of unfinished payments", func(t *testing.T) {
		env := newTestEnv(t)
		f := newSendFixture(t)
		f.expectAddresses(env.wallet)
		ctx := context.Background()

		// signed earlier with an unknown outcome, its reservation since lapsed
		unfinished := domain.NewPayment("a2V5", f.beneficiary, 100)
		require.NoError(t, unfinished.Sign("00", []domain.Outpoint{f.candidate.Outpoint}, 10))
		require.NoError(t, env.repos.payments.AddOrUpdatePayment(ctx, *unfinished))

		env.wallet.On("ListOutputs", mock.Anything, DefaultBasket).Return(&ports.ListOutputsResult{
			Outputs: []domain.TokenOutput{f.candidate},
		}, nil)
		env.builder.On(
			"BuildTransfer", mock.Anything,
			mock.MatchedBy(func(c []domain.TokenOutput) bool { return len(c) == 0 }),
			f.recipientAddr, uint64(600), f.changeAddr,
		).Return(nil, errors.INSUFFICIENT_FUNDS.New("no spendable outputs"))

		_, serr := env.svc.Send(ctx, f.beneficiary, 600)
		require.Error(t, serr)
		require.True(t, errors.INSUFFICIENT_FUNDS.Is(serr))
		env.builder.AssertExpectations(t)
	})

	t.Run("invalid", func(t *testing.T) {
		beneficiary, _ := newIdentity(t)

		fixtures := []struct {
			name        string
			beneficiary string
			units       uint64
		}{
			{name: "not hex", beneficiary: "not-a-key", units: 1},
			{name: "uncompressed length", beneficiary: "02abcd", units: 1},
			{name: "zero units", beneficiary: beneficiary, units: 0},
		}
		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				env := newTestEnv(t)
				res, err := env.svc.SendWithOutputs(context.Background(), nil, f.beneficiary, f.units)
				require.Nil(t, res)
				require.Error(t, err)
				require.True(t, errors.INVALID_ARGUMENT.Is(err))
				require.Empty(t, env.repos.payments.all())
			})
		}
	})
}

func TestSendCosignerFailure(t *testing.T) {
	fixtures := []struct {
		name           string
		err            error
		expectedStatus domain.PaymentStatus
		reserved       bool
	}{
		{
			name:           "rejected",
			err:            errors.BROADCAST_REJECTED.New("bad signature"),
			expectedStatus: domain.PaymentFailed,
			reserved:       false,
		},
		{
			// the tx may have reached the network, so its inputs stay out of
			// coin selection
			name:           "unreachable",
			err:            errors.NETWORK_ERROR.Wrap(fmt.Errorf("response timeout")),
			expectedStatus: domain.PaymentSigned,
			reserved:       true,
		},
	}

	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			env := newTestEnv(t)
			fx := newSendFixture(t)
			fx.expectAddresses(env.wallet)

			candidates := []domain.TokenOutput{withBundle(fx.candidate, bundleOf(t, fx.sourceTx))}
			env.builder.On(
				"BuildTransfer", mock.Anything, candidates,
				fx.recipientAddr, uint64(600), fx.changeAddr,
			).Return(&ports.TransferTx{
				Tx: fx.transferTx, Inputs: candidates, UnitsIn: 1000, Units: 600, Change: 390, Fee: 10,
			}, nil)
			env.cosigner.On("Submit", mock.Anything, fx.transferTx).Return(nil, f.err)

			ctx := context.Background()
			res, err := env.svc.SendWithOutputs(ctx, candidates, fx.beneficiary, 600)
			require.Nil(t, res)
			require.Error(t, err)

			payments := env.repos.payments.all()
			require.Len(t, payments, 1)
			require.Equal(t, f.expectedStatus, payments[0].Status)
			require.NotEmpty(t, payments[0].SignedTx)

			reserved, rerr := env.liveStore.Reservations().IsReserved(ctx, fx.candidate.Outpoint)
			require.NoError(t, rerr)
			require.Equal(t, f.reserved, reserved)
			env.wallet.AssertNotCalled(t, "RelinquishOutput", mock.Anything, mock.Anything, mock.Anything)
			env.relay.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestSendClaimLost(t *testing.T) {
	env := newTestEnv(t)
	env.svc.claimTTL = 200 * time.Millisecond
	fx := newSendFixture(t)
	fx.expectAddresses(env.wallet)
	ctx := context.Background()

	candidates := []domain.TokenOutput{withBundle(fx.candidate, bundleOf(t, fx.sourceTx))}
	env.builder.On(
		"BuildTransfer", mock.Anything, candidates,
		fx.recipientAddr, uint64(600), fx.changeAddr,
	).Return(&ports.TransferTx{
		Tx: fx.transferTx, Inputs: candidates, UnitsIn: 1000, Units: 600, Change: 390, Fee: 10,
	}, nil)
	// a slow cosigner outlives the claim, which a reconciliation run takes
	env.cosigner.On("Submit", mock.Anything, fx.transferTx).Return(fx.finalTx, nil).
		Run(func(mock.Arguments) {
			payments := env.repos.payments.all()
			require.Len(t, payments, 1)
			key := paymentClaimKey(payments[0].Id)
			require.Eventually(t, func() bool {
				ok, err := env.liveStore.Claims().Claim(ctx, key, "reconciler", time.Minute)
				return err == nil && ok
			}, 2*time.Second, 10*time.Millisecond)
		})

	res, err := env.svc.SendWithOutputs(ctx, candidates, fx.beneficiary, 600)
	require.Nil(t, res)
	require.Error(t, err)
	require.True(t, errors.PAYMENT_IN_PROGRESS.Is(err))

	payments := env.repos.payments.all()
	require.Len(t, payments, 1)
	require.Equal(t, domain.PaymentSigned, payments[0].Status)

	reserved, rerr := env.liveStore.Reservations().IsReserved(ctx, fx.candidate.Outpoint)
	require.NoError(t, rerr)
	require.True(t, reserved)
	env.wallet.AssertNotCalled(t, "RelinquishOutput", mock.Anything, mock.Anything, mock.Anything)
	env.wallet.AssertNotCalled(t, "InternalizeAction", mock.Anything, mock.Anything)
	env.relay.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAccept(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		env := newTestEnv(t)
		payment := newIncomingPayment(t, testTokenId, 500, 500)
		ctx := context.Background()

		env.wallet.On("InternalizeAction", mock.Anything, mock.MatchedBy(
			func(args ports.InternalizeActionArgs) bool {
				out := args.Outputs[0]
				return out.OutputIndex == 0 && out.Basket == DefaultBasket &&
					out.Instructions.KeyID == payment.Token.KeyID &&
					out.Instructions.Counterparty == payment.Token.Originator
			},
		)).Return(true, nil).Once()
		env.relay.On("Acknowledge", mock.Anything, []string{payment.MessageId}).Return(nil).Once()

		require.NoError(t, env.svc.Accept(ctx, payment))

		receipt, err := env.repos.receipts.GetReceipt(ctx, payment.MessageId)
		require.NoError(t, err)
		require.Equal(t, domain.ReceiptAcknowledged, receipt.Status)
		require.Equal(t, uint64(500), receipt.Units)

		// A redelivered message is neither internalized nor acknowledged again.
		require.NoError(t, env.svc.Accept(ctx, payment))
		env.wallet.AssertNumberOfCalls(t, "InternalizeAction", 1)
		env.relay.AssertNumberOfCalls(t, "Acknowledge", 1)
	})

	t.Run("acknowledgement retried", func(t *testing.T) {
		env := newTestEnv(t)
		payment := newIncomingPayment(t, testTokenId, 500, 500)
		ctx := context.Background()

		env.wallet.On("InternalizeAction", mock.Anything, mock.Anything).Return(true, nil).Once()
		env.relay.On("Acknowledge", mock.Anything, []string{payment.MessageId}).
			Return(errors.NETWORK_ERROR.New("relay unreachable")).Once()
		env.relay.On("Acknowledge", mock.Anything, []string{payment.MessageId}).
			Return(nil).Once()

		err := env.svc.Accept(ctx, payment)
		require.Error(t, err)
		require.True(t, errors.NETWORK_ERROR.Is(err))

		receipt, rerr := env.repos.receipts.GetReceipt(ctx, payment.MessageId)
		require.NoError(t, rerr)
		require.Equal(t, domain.ReceiptAccepted, receipt.Status)

		require.NoError(t, env.svc.Accept(ctx, payment))
		env.wallet.AssertNumberOfCalls(t, "InternalizeAction", 1)
		env.relay.AssertNumberOfCalls(t, "Acknowledge", 2)
	})

	t.Run("internalization failure", func(t *testing.T) {
		fixtures := []struct {
			name string
			ok   bool
			err  error
		}{
			{name: "wallet error", ok: false, err: errors.NETWORK_ERROR.New("wallet unreachable")},
			{name: "wallet refusal", ok: false, err: nil},
		}
		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				env := newTestEnv(t)
				payment := newIncomingPayment(t, testTokenId, 500, 500)
				ctx := context.Background()

				body, err := json.Marshal(payment.Token)
				require.NoError(t, err)
				env.relay.On("ListMessages", mock.Anything, DefaultMessageBox).Return(
					[]ports.PeerMessage{{MessageId: payment.MessageId, Body: body}}, nil,
				)
				env.wallet.On("InternalizeAction", mock.Anything, mock.Anything).Return(f.ok, f.err)

				aerr := env.svc.Accept(ctx, payment)
				require.Error(t, aerr)
				env.relay.AssertNotCalled(t, "Acknowledge", mock.Anything, mock.Anything)

				receipt, rerr := env.repos.receipts.GetReceipt(ctx, payment.MessageId)
				require.NoError(t, rerr)
				require.Equal(t, domain.ReceiptReceived, receipt.Status)

				pending, lerr := env.svc.ListPending(ctx)
				require.NoError(t, lerr)
				require.Len(t, pending, 1)
				require.Equal(t, payment.MessageId, pending[0].MessageId)

				// the accept claim is released for a later retry
				c, cerr := env.svc.claim(ctx, acceptClaimKey(payment.MessageId))
				require.NoError(t, cerr)
				require.NotNil(t, c)
				c.release()
			})
		}
	})

	t.Run("invalid", func(t *testing.T) {
		fixtures := []struct {
			name    string
			payment domain.IncomingPayment
		}{
			{
				name:    "units mismatch",
				payment: newIncomingPayment(t, testTokenId, 500, 5000),
			},
			{
				name:    "foreign token",
				payment: newIncomingPayment(t, "00"+testTokenId[2:], 500, 500),
			},
			{
				name: "undecodable transaction",
				payment: domain.IncomingPayment{
					MessageId: "msg-bad",
					Token: domain.PaymentToken{
						KeyID: "a2V5", Originator: "02aa", Transaction: []byte{0x01, 0x02}, Units: 1,
					},
				},
			},
		}
		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				env := newTestEnv(t)
				err := env.svc.Accept(context.Background(), f.payment)
				require.Error(t, err)
				require.True(t, errors.INVALID_PAYMENT.Is(err))
				env.wallet.AssertNotCalled(t, "InternalizeAction", mock.Anything, mock.Anything)
				env.relay.AssertNotCalled(t, "Acknowledge", mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("in progress", func(t *testing.T) {
		env := newTestEnv(t)
		payment := newIncomingPayment(t, testTokenId, 500, 500)
		ctx := context.Background()

		claimed, err := env.liveStore.Claims().Claim(
			ctx, acceptClaimKey(payment.MessageId), "other", time.Minute,
		)
		require.NoError(t, err)
		require.True(t, claimed)

		aerr := env.svc.Accept(ctx, payment)
		require.Error(t, aerr)
		require.True(t, errors.PAYMENT_IN_PROGRESS.Is(aerr))
		require.True(t, aerr.Retryable())
	})
}

func TestReject(t *testing.T) {
	env := newTestEnv(t)
	payment := newIncomingPayment(t, testTokenId, 500, 500)

	err := env.svc.Reject(context.Background(), payment)
	require.Error(t, err)
	require.True(t, errors.NOT_IMPLEMENTED.Is(err))
	env.relay.AssertNotCalled(t, "Acknowledge", mock.Anything, mock.Anything)
}

func TestListPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	objectPayment := newIncomingPayment(t, testTokenId, 100, 100)
	stringPayment := newIncomingPayment(t, testTokenId, 200, 200)
	donePayment := newIncomingPayment(t, testTokenId, 300, 300)

	objectBody, err := json.Marshal(objectPayment.Token)
	require.NoError(t, err)
	stringInner, err := json.Marshal(stringPayment.Token)
	require.NoError(t, err)
	stringBody, err := json.Marshal(string(stringInner))
	require.NoError(t, err)
	doneBody, err := json.Marshal(donePayment.Token)
	require.NoError(t, err)

	done := domain.NewReceipt(donePayment, "txid")
	done.Status = domain.ReceiptAcknowledged
	require.NoError(t, env.repos.receipts.AddOrUpdateReceipt(ctx, *done))

	env.relay.On("ListMessages", mock.Anything, DefaultMessageBox).Return([]ports.PeerMessage{
		{MessageId: objectPayment.MessageId, Sender: "s1", Body: objectBody},
		{MessageId: stringPayment.MessageId, Sender: "s2", Body: stringBody},
		{MessageId: "garbage", Body: []byte("not json")},
		{MessageId: "empty", Body: []byte(`{"keyID":""}`)},
		{MessageId: donePayment.MessageId, Body: doneBody},
	}, nil)

	pending, lerr := env.svc.ListPending(ctx)
	require.NoError(t, lerr)
	require.Len(t, pending, 2)
	require.Equal(t, objectPayment.MessageId, pending[0].MessageId)
	require.Equal(t, "s1", pending[0].Sender)
	require.Equal(t, uint64(100), pending[0].Token.Units)
	require.Equal(t, stringPayment.MessageId, pending[1].MessageId)
	require.Equal(t, stringPayment.Token.Transaction, pending[1].Token.Transaction)
}

func TestListenForPayments(t *testing.T) {
	env := newTestEnv(t)
	payment := newIncomingPayment(t, testTokenId, 100, 100)
	body, err := json.Marshal(payment.Token)
	require.NoError(t, err)

	ch := make(chan ports.PeerMessage, 3)
	ch <- ports.PeerMessage{MessageId: payment.MessageId, Body: body}
	ch <- ports.PeerMessage{MessageId: "garbage", Body: []byte("{")}
	// Redelivery of the same message.
	ch <- ports.PeerMessage{MessageId: payment.MessageId, Body: body}
	close(ch)
	env.relay.On("Subscribe", mock.Anything, DefaultMessageBox).Return(ch, nil)

	received := make([]domain.IncomingPayment, 0)
	lerr := env.svc.ListenForPayments(context.Background(), func(p domain.IncomingPayment) {
		received = append(received, p)
	})
	require.NoError(t, lerr)
	require.Len(t, received, 2)
	require.Equal(t, payment.MessageId, received[0].MessageId)

	receipt, rerr := env.repos.receipts.GetReceipt(context.Background(), payment.MessageId)
	require.NoError(t, rerr)
	require.NotNil(t, receipt)
	require.Equal(t, domain.ReceiptReceived, receipt.Status)
	env.alerts.AssertNumberOfCalls(t, "Publish", 1)
}

func withBundle(output domain.TokenOutput, bundle []byte) domain.TokenOutput {
	output.ProofBundle = bundle
	return output
}

// newIncomingPayment returns a payment whose output 0 holds units of
// tokenId, announced as announced units.
func newIncomingPayment(
	t *testing.T, tokenId string, units, announced uint64,
) domain.IncomingPayment {
	originator, _ := newIdentity(t)
	_, addr := newIdentity(t)
	source := newTx(chainhash.Hash{0x03}, 0, transferScript(t, addr, tokenId, units))
	tx := newTx(source.TxHash(), 0, transferScript(t, addr, tokenId, units))

	return domain.IncomingPayment{
		MessageId: fmt.Sprintf("msg-%s", tx.TxHash().String()[:8]),
		Token: domain.PaymentToken{
			KeyID:       newKeyID(time.Now()),
			Originator:  originator,
			Beneficiary: "self",
			Transaction: atomicBundleOf(t, tx, source),
			Units:       announced,
		},
	}
}
