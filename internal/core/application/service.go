package application

import (
	"context"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	"github.com/sirdeggen/p2m/pkg/beef"
	"github.com/sirdeggen/p2m/pkg/errors"
	"github.com/sirdeggen/p2m/pkg/inscription"
	log "github.com/sirupsen/logrus"
)

type service struct {
	// services
	wallet       ports.WalletService
	relay        ports.RelayService
	proofs       ports.ProofService
	cosigner     ports.CosignerService
	builder      ports.TxBuilder
	repoManager  ports.RepoManager
	liveStore    ports.LiveStore
	scheduler    ports.SchedulerService
	alerts       ports.Alerts
	chainTracker beef.ChainTracker

	// config
	tokenId           string
	basket            string
	tag               string
	label             string
	messageBox        string
	reconcileInterval time.Duration
	stalePaymentAfter time.Duration
	reservationTTL    time.Duration
	claimTTL          time.Duration
}

func NewService(
	cfg Config,
	wallet ports.WalletService,
	relay ports.RelayService,
	proofs ports.ProofService,
	cosigner ports.CosignerService,
	builder ports.TxBuilder,
	repoManager ports.RepoManager,
	liveStore ports.LiveStore,
	scheduler ports.SchedulerService,
	alerts ports.Alerts,
	chainTracker beef.ChainTracker,
) (Service, error) {
	if wallet == nil {
		return nil, fmt.Errorf("missing wallet service")
	}
	if relay == nil {
		return nil, fmt.Errorf("missing relay service")
	}
	if proofs == nil {
		return nil, fmt.Errorf("missing proof service")
	}
	if cosigner == nil {
		return nil, fmt.Errorf("missing cosigner service")
	}
	if builder == nil {
		return nil, fmt.Errorf("missing tx builder")
	}
	if repoManager == nil {
		return nil, fmt.Errorf("missing repo manager")
	}
	if liveStore == nil {
		return nil, fmt.Errorf("missing live store")
	}
	if cfg.TokenId == "" {
		return nil, fmt.Errorf("missing token id")
	}

	cfg = cfg.withDefaults()
	return &service{
		wallet:            wallet,
		relay:             relay,
		proofs:            proofs,
		cosigner:          cosigner,
		builder:           builder,
		repoManager:       repoManager,
		liveStore:         liveStore,
		scheduler:         scheduler,
		alerts:            alerts,
		chainTracker:      chainTracker,
		tokenId:           cfg.TokenId,
		basket:            cfg.Basket,
		tag:               cfg.Tag,
		label:             cfg.Label,
		messageBox:        cfg.MessageBox,
		reconcileInterval: cfg.ReconcileInterval,
		stalePaymentAfter: cfg.StalePaymentAfter,
		reservationTTL:    cfg.ReservationTTL,
		claimTTL:          cfg.ClaimTTL,
	}, nil
}

func (s *service) Start() errors.Error {
	if s.scheduler == nil {
		return nil
	}

	if err := s.scheduler.ScheduleEvery(s.reconcileInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.reconcileInterval)
		defer cancel()
		if err := s.Reconcile(ctx); err != nil {
			err.Log().WithError(err).Warn("reconciliation failed")
		}
	}); err != nil {
		return errors.INTERNAL_ERROR.Wrap(fmt.Errorf("failed to schedule reconciliation: %w", err))
	}
	s.scheduler.Start()

	log.Infof("reconciliation scheduled every %s", s.reconcileInterval)
	return nil
}

func (s *service) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.relay.Close()
	s.wallet.Close()
	s.liveStore.Close()
	s.repoManager.Close()
	log.Debug("stopped service")
}

func (s *service) Send(
	ctx context.Context, beneficiary string, units uint64,
) (*SendResult, errors.Error) {
	res, err := s.wallet.ListOutputs(ctx, s.basket)
	if err != nil {
		return nil, toError(err)
	}
	inFlight, err := s.inFlightOutpoints(ctx)
	if err != nil {
		return nil, toError(err)
	}

	candidates := make([]domain.TokenOutput, 0, len(res.Outputs))
	for _, output := range res.Outputs {
		if _, ok := inFlight[output.Outpoint]; ok {
			log.WithField("outpoint", output.String()).
				Debug("output spent by an unfinished payment, skipping")
			continue
		}
		reserved, err := s.liveStore.Reservations().IsReserved(ctx, output.Outpoint)
		if err != nil {
			return nil, toError(err)
		}
		if reserved {
			log.WithField("outpoint", output.String()).
				Debug("output reserved by an in-flight payment, skipping")
			continue
		}
		if len(output.ProofBundle) == 0 {
			output.ProofBundle = res.BEEF
		}
		candidates = append(candidates, output)
	}

	return s.SendWithOutputs(ctx, candidates, beneficiary, units)
}

func (s *service) SendWithOutputs(
	ctx context.Context, candidates []domain.TokenOutput, beneficiary string, units uint64,
) (*SendResult, errors.Error) {
	if err := validateIdentityKey(beneficiary); err != nil {
		return nil, errors.INVALID_ARGUMENT.Wrap(err)
	}
	if units == 0 {
		return nil, errors.INVALID_ARGUMENT.New("units must be greater than 0")
	}

	keyID := newKeyID(time.Now())
	recipientAddr, err := s.deriveAddress(ctx, keyID, beneficiary, false)
	if err != nil {
		return nil, toError(err)
	}
	changeAddr, err := s.deriveAddress(ctx, keyID, domain.CounterpartySelf, true)
	if err != nil {
		return nil, toError(err)
	}

	payment := domain.NewPayment(keyID, beneficiary, units)
	c, err := s.claim(ctx, paymentClaimKey(payment.Id))
	if err != nil {
		return nil, toError(err)
	}
	if c == nil {
		return nil, errors.PAYMENT_IN_PROGRESS.New("payment %s is claimed", payment.Id).
			WithMetadata(errors.PaymentMetadata{PaymentId: payment.Id})
	}
	defer c.release()
	if err := s.savePayment(ctx, payment); err != nil {
		return nil, toError(err)
	}

	transfer, err := s.builder.BuildTransfer(ctx, candidates, recipientAddr, units, changeAddr)
	if err != nil {
		s.failPayment(ctx, payment, err)
		return nil, toError(err)
	}

	spent := outpointsOf(transfer.Inputs)
	if err := s.liveStore.Reservations().Reserve(ctx, spent, s.reservationTTL); err != nil {
		s.failPayment(ctx, payment, err)
		if stderrors.Is(err, ports.ErrAlreadyReserved) {
			return nil, errors.PAYMENT_IN_PROGRESS.Wrap(err).
				WithMetadata(errors.PaymentMetadata{PaymentId: payment.Id})
		}
		return nil, toError(err)
	}
	// Inputs stay reserved while the outcome of the submission is unknown.
	defer s.releaseIfDone(payment, spent)

	signedTx, err := serializeTx(transfer.Tx)
	if err != nil {
		s.failPayment(ctx, payment, err)
		return nil, toError(err)
	}
	if err := payment.Sign(signedTx, spent, transfer.Fee); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	if err := c.renew(ctx); err != nil {
		return nil, toError(err)
	}
	if err := s.savePayment(ctx, payment); err != nil {
		return nil, toError(err)
	}

	finalTx, err := s.cosigner.Submit(ctx, transfer.Tx)
	if err != nil {
		// A network failure leaves the outcome unknown: the payment stays
		// signed and reconciliation resubmits it.
		if errors.BROADCAST_REJECTED.Is(err) {
			s.failPayment(ctx, payment, err)
		}
		return nil, toError(err)
	}

	bundles := make([][]byte, 0, len(transfer.Inputs))
	for _, input := range transfer.Inputs {
		bundles = append(bundles, input.ProofBundle)
	}
	if err := s.broadcast(ctx, c, payment, finalTx, bundles); err != nil {
		return nil, toError(err)
	}

	return &SendResult{
		PaymentID: payment.Id,
		Txid:      payment.Txid,
		KeyID:     keyID,
		MessageID: payment.MessageId,
		Fee:       transfer.Fee,
		Change:    transfer.Change,
	}, nil
}

func (s *service) ListenForPayments(
	ctx context.Context, onPayment func(domain.IncomingPayment),
) errors.Error {
	ch, err := s.relay.Subscribe(ctx, s.messageBox)
	if err != nil {
		return toError(err)
	}
	log.Infof("listening for payments on %s", s.messageBox)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			payment, err := decodeMessage(msg)
			if err != nil {
				log.WithError(err).Warn("skipping undecodable message")
				continue
			}
			receipt, err := s.receive(ctx, payment)
			if err != nil {
				log.WithError(err).WithField("message_id", payment.MessageId).
					Warn("failed to record incoming payment")
				continue
			}
			if receipt.Status == domain.ReceiptAcknowledged {
				continue
			}
			if onPayment != nil {
				onPayment(payment)
			}
		}
	}
}

func (s *service) Accept(ctx context.Context, payment domain.IncomingPayment) errors.Error {
	c, err := s.claim(ctx, acceptClaimKey(payment.MessageId))
	if err != nil {
		return toError(err)
	}
	if c == nil {
		return errors.PAYMENT_IN_PROGRESS.New(
			"payment %s is being accepted", payment.MessageId,
		).WithMetadata(errors.PaymentMetadata{MessageId: payment.MessageId})
	}
	defer c.release()

	receipt, err := s.receive(ctx, payment)
	if err != nil {
		return toError(err)
	}

	switch receipt.Status {
	case domain.ReceiptAcknowledged:
		return nil
	case domain.ReceiptReceived:
		if err := s.internalizePayment(ctx, payment); err != nil {
			return toError(err)
		}
		if err := c.renew(ctx); err != nil {
			return toError(err)
		}
		if err := receipt.Accept(); err != nil {
			return errors.INTERNAL_ERROR.Wrap(err)
		}
		if err := s.repoManager.Receipts().AddOrUpdateReceipt(ctx, *receipt); err != nil {
			return toError(err)
		}
		log.WithFields(log.Fields{
			"message_id": payment.MessageId,
			"txid":       receipt.Txid,
			"units":      receipt.Units,
		}).Info("payment accepted")
	}

	return s.acknowledge(ctx, receipt)
}

func (s *service) Reject(ctx context.Context, payment domain.IncomingPayment) errors.Error {
	return errors.NOT_IMPLEMENTED.New("rejecting payments is not supported")
}

func (s *service) ListPending(ctx context.Context) ([]domain.IncomingPayment, errors.Error) {
	msgs, err := s.relay.ListMessages(ctx, s.messageBox)
	if err != nil {
		return nil, toError(err)
	}

	payments := make([]domain.IncomingPayment, 0, len(msgs))
	for _, msg := range msgs {
		payment, err := decodeMessage(msg)
		if err != nil {
			log.WithError(err).Warn("skipping undecodable message")
			continue
		}
		receipt, err := s.repoManager.Receipts().GetReceipt(ctx, payment.MessageId)
		if err != nil {
			return nil, toError(err)
		}
		if receipt != nil && receipt.Status == domain.ReceiptAcknowledged {
			continue
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

// broadcast records the transaction accepted by the cosigner and completes
// the payment.
func (s *service) broadcast(
	ctx context.Context, c *claim, payment *domain.Payment, finalTx *wire.MsgTx, bundles [][]byte,
) error {
	finalizedTx, err := serializeTx(finalTx)
	if err != nil {
		return err
	}
	txid := finalTx.TxHash().String()
	if err := payment.Broadcast(finalizedTx, txid); err != nil {
		return errors.INTERNAL_ERROR.Wrap(err)
	}
	if err := c.renew(ctx); err != nil {
		return err
	}
	if err := s.savePayment(ctx, payment); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"payment_id": payment.Id,
		"txid":       txid,
		"units":      payment.Units,
		"fee":        payment.Fee,
	}).Info("transfer broadcast")

	return s.complete(ctx, c, payment, finalTx, bundles)
}

// complete runs the steps following a broadcast: it assembles the atomic
// bundle, updates the local ledger and delivers the payment token.
func (s *service) complete(
	ctx context.Context, c *claim, payment *domain.Payment, finalTx *wire.MsgTx, bundles [][]byte,
) error {
	atomicBeef, err := s.assembleAtomicBeef(ctx, finalTx, bundles)
	if err != nil {
		return err
	}
	if err := c.renew(ctx); err != nil {
		return err
	}
	if err := s.settle(ctx, payment, atomicBeef); err != nil {
		return err
	}
	if err := c.renew(ctx); err != nil {
		return err
	}
	return s.deliver(ctx, payment)
}

func (s *service) settle(ctx context.Context, payment *domain.Payment, atomicBeef []byte) error {
	if err := s.RelinquishSpent(ctx, payment.SpentOutpoints); err != nil {
		log.WithError(err).WithField("payment_id", payment.Id).
			Warn("failed to relinquish spent outputs")
	}
	if err := s.InternalizeChange(ctx, atomicBeef, payment.KeyID); err != nil {
		log.WithError(err).WithField("payment_id", payment.Id).
			Warn("failed to internalize change")
	}

	if err := payment.Settle(atomicBeef); err != nil {
		return errors.INTERNAL_ERROR.Wrap(err)
	}
	return s.savePayment(ctx, payment)
}

func (s *service) deliver(ctx context.Context, payment *domain.Payment) error {
	identityKey, err := s.wallet.GetIdentityKey(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(domain.PaymentToken{
		KeyID:       payment.KeyID,
		Originator:  identityKey,
		Beneficiary: payment.Beneficiary,
		Transaction: payment.AtomicBeef,
		Units:       payment.Units,
	})
	if err != nil {
		return errors.INTERNAL_ERROR.Wrap(err)
	}

	messageId, err := s.relay.SendMessage(ctx, payment.Beneficiary, s.messageBox, body)
	if err != nil {
		return err
	}
	if err := payment.Sent(messageId); err != nil {
		return errors.INTERNAL_ERROR.Wrap(err)
	}
	if err := s.savePayment(ctx, payment); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"payment_id": payment.Id,
		"message_id": messageId,
	}).Info("payment delivered")
	s.publishAlert(ports.PaymentSent, ports.PaymentAlert{
		PaymentId:   payment.Id,
		MessageId:   messageId,
		Txid:        payment.Txid,
		Counterpart: payment.Beneficiary,
		Units:       payment.Units,
		Fee:         payment.Fee,
		Status:      payment.Status.String(),
	})
	return nil
}

// receive records an incoming payment, once.
func (s *service) receive(
	ctx context.Context, payment domain.IncomingPayment,
) (*domain.Receipt, error) {
	receipt, err := s.repoManager.Receipts().GetReceipt(ctx, payment.MessageId)
	if err != nil {
		return nil, err
	}
	if receipt != nil {
		return receipt, nil
	}

	bundle, err := beef.NewFromBytes(payment.Token.Transaction)
	if err != nil {
		return nil, errors.INVALID_PAYMENT.Wrap(
			fmt.Errorf("invalid payment transaction: %w", err),
		).WithMetadata(errors.PaymentMetadata{MessageId: payment.MessageId})
	}
	subject := bundle.Subject()
	if subject == nil {
		return nil, errors.INVALID_PAYMENT.New(
			"payment %s carries no transaction", payment.MessageId,
		).WithMetadata(errors.PaymentMetadata{MessageId: payment.MessageId})
	}

	receipt = domain.NewReceipt(payment, subject.TxHash().String())
	if err := s.repoManager.Receipts().AddOrUpdateReceipt(ctx, *receipt); err != nil {
		return nil, err
	}

	s.publishAlert(ports.PaymentReceived, ports.PaymentAlert{
		MessageId:   payment.MessageId,
		Txid:        receipt.Txid,
		Counterpart: payment.Token.Originator,
		Units:       payment.Token.Units,
		Status:      receipt.Status.String(),
	})
	return receipt, nil
}

// internalizePayment checks that output 0 of the payment transaction holds
// the announced units of the configured token before handing it to the
// wallet.
func (s *service) internalizePayment(ctx context.Context, payment domain.IncomingPayment) error {
	invalid := func(format string, args ...any) error {
		return errors.INVALID_PAYMENT.New(format, args...).
			WithMetadata(errors.PaymentMetadata{MessageId: payment.MessageId})
	}

	bundle, err := beef.NewFromBytes(payment.Token.Transaction)
	if err != nil {
		return invalid("invalid payment transaction: %s", err)
	}
	subject := bundle.Subject()
	if subject == nil || len(subject.TxOut) == 0 {
		return invalid("payment transaction has no outputs")
	}
	insc, err := inscription.Decode(subject.TxOut[0].PkScript)
	if err != nil {
		return err
	}
	if insc == nil || insc.TokenId != s.tokenId {
		return invalid("payment output does not hold token %s", s.tokenId)
	}
	if insc.Amount != payment.Token.Units {
		return invalid(
			"payment output holds %d units, %d announced", insc.Amount, payment.Token.Units,
		)
	}

	ok, err := s.wallet.InternalizeAction(ctx, ports.InternalizeActionArgs{
		Tx:          payment.Token.Transaction,
		Description: "Receive MNEE",
		Labels:      []string{s.label},
		Outputs: []ports.InternalizeOutput{{
			OutputIndex: 0,
			Basket:      s.basket,
			Instructions: domain.OwnerInstructions{
				ProtocolID:   domain.PaymentProtocol,
				KeyID:        payment.Token.KeyID,
				Counterparty: payment.Token.Originator,
			},
			Tags: []string{s.tag},
		}},
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.INTERNAL_ERROR.New("wallet refused payment %s", payment.MessageId)
	}
	return nil
}

func (s *service) acknowledge(ctx context.Context, receipt *domain.Receipt) errors.Error {
	if err := s.relay.Acknowledge(ctx, []string{receipt.MessageId}); err != nil {
		return toError(err)
	}
	if err := receipt.Acknowledge(); err != nil {
		return errors.INTERNAL_ERROR.Wrap(err)
	}
	if err := s.repoManager.Receipts().AddOrUpdateReceipt(ctx, *receipt); err != nil {
		return toError(err)
	}
	log.WithField("message_id", receipt.MessageId).Debug("payment acknowledged")
	return nil
}

func (s *service) deriveAddress(
	ctx context.Context, keyID, counterparty string, forSelf bool,
) (string, error) {
	pubkey, err := s.wallet.GetPublicKey(ctx, domain.OwnerInstructions{
		ProtocolID:   domain.PaymentProtocol,
		KeyID:        keyID,
		Counterparty: counterparty,
	}, forSelf)
	if err != nil {
		return "", err
	}
	addr, err := inscription.AddressFromPubKey(pubkey)
	if err != nil {
		return "", errors.SIGNING_ERROR.Wrap(err)
	}
	return addr, nil
}

func (s *service) savePayment(ctx context.Context, payment *domain.Payment) error {
	if err := s.repoManager.Payments().AddOrUpdatePayment(ctx, *payment); err != nil {
		return errors.INTERNAL_ERROR.Wrap(
			fmt.Errorf("failed to persist payment %s: %w", payment.Id, err),
		)
	}
	return nil
}

func (s *service) failPayment(ctx context.Context, payment *domain.Payment, reason error) {
	if err := payment.Fail(reason.Error()); err != nil {
		log.WithError(err).Warn("failed to mark payment as failed")
		return
	}
	if err := s.savePayment(ctx, payment); err != nil {
		log.WithError(err).Warn("failed to persist failed payment")
	}
	log.WithError(reason).WithField("payment_id", payment.Id).Warn("payment failed")
}

// releaseIfDone frees the reserved inputs of a payment once it failed or its
// inputs left the wallet.
func (s *service) releaseIfDone(payment *domain.Payment, spent []domain.Outpoint) {
	switch payment.Status {
	case domain.PaymentFailed, domain.PaymentSettled, domain.PaymentSent:
	default:
		return
	}
	if err := s.liveStore.Reservations().Release(context.Background(), spent); err != nil {
		log.WithError(err).WithField("payment_id", payment.Id).
			Warn("failed to release reserved outputs")
	}
}

// inFlightOutpoints returns the inputs of the payments that may still reach
// the network or already did, so that no send selects them again once their
// reservation lapsed.
func (s *service) inFlightOutpoints(ctx context.Context) (map[domain.Outpoint]struct{}, error) {
	payments, err := s.repoManager.Payments().GetPendingPayments(ctx)
	if err != nil {
		return nil, err
	}
	outpoints := make(map[domain.Outpoint]struct{})
	for _, payment := range payments {
		for _, outpoint := range payment.SpentOutpoints {
			outpoints[outpoint] = struct{}{}
		}
	}
	return outpoints, nil
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	buf, err := txBytes(tx)
	if err != nil {
		return "", errors.INTERNAL_ERROR.Wrap(fmt.Errorf("failed to serialize tx: %w", err))
	}
	return hex.EncodeToString(buf), nil
}
