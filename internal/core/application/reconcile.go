package application

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	"github.com/sirdeggen/p2m/pkg/beef"
	"github.com/sirdeggen/p2m/pkg/errors"
	"github.com/sirdeggen/p2m/pkg/inscription"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

const maxConcurrentFetches = 8

// RelinquishSpent drops the given outputs from the basket. Every outpoint is
// attempted; the first wallet error is returned.
func (s *service) RelinquishSpent(ctx context.Context, outpoints []domain.Outpoint) error {
	var firstErr error
	for _, outpoint := range outpoints {
		ok, err := s.wallet.RelinquishOutput(ctx, s.basket, outpoint)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			log.WithField("outpoint", outpoint.String()).
				Warn("wallet did not relinquish spent output")
		}
	}
	return firstErr
}

// InternalizeChange stores output 1 of the atomic bundle's subject, the
// change of a transfer, into the basket.
func (s *service) InternalizeChange(ctx context.Context, atomicBeef []byte, keyID string) error {
	ok, err := s.wallet.InternalizeAction(ctx, ports.InternalizeActionArgs{
		Tx:          atomicBeef,
		Description: "MNEE change",
		Labels:      []string{s.label},
		Outputs: []ports.InternalizeOutput{{
			OutputIndex: 1,
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
		return err
	}
	if !ok {
		return fmt.Errorf("wallet refused change output")
	}
	return nil
}

// Reconcile drives every unfinished payment towards a final state and retries
// pending acknowledgements.
func (s *service) Reconcile(ctx context.Context) errors.Error {
	payments, err := s.repoManager.Payments().GetPendingPayments(ctx)
	if err != nil {
		return toError(err)
	}

	failures := 0
	for i := range payments {
		payment := &payments[i]
		if err := s.reconcilePayment(ctx, payment); err != nil {
			failures++
			log.WithError(err).WithFields(log.Fields{
				"payment_id": payment.Id,
				"status":     payment.Status.String(),
			}).Warn("failed to reconcile payment")
		}
	}

	receipts, err := s.repoManager.Receipts().GetReceiptsByStatus(ctx, domain.ReceiptAccepted)
	if err != nil {
		return toError(err)
	}
	for i := range receipts {
		if err := s.acknowledge(ctx, &receipts[i]); err != nil {
			failures++
			log.WithError(err).WithField("message_id", receipts[i].MessageId).
				Warn("failed to acknowledge accepted payment")
		}
	}

	if failures > 0 {
		return errors.INTERNAL_ERROR.New("%d items could not be reconciled", failures)
	}
	if len(payments) > 0 || len(receipts) > 0 {
		log.Infof("reconciled %d payments and %d receipts", len(payments), len(receipts))
	}
	return nil
}

func (s *service) reconcilePayment(ctx context.Context, payment *domain.Payment) error {
	c, err := s.claim(ctx, paymentClaimKey(payment.Id))
	if err != nil {
		return err
	}
	if c == nil {
		log.WithField("payment_id", payment.Id).Debug("payment in progress, skipping")
		return nil
	}
	defer c.release()

	// the listed copy may predate the last step of the previous holder
	latest, err := s.repoManager.Payments().GetPayment(ctx, payment.Id)
	if err != nil {
		return err
	}
	if latest == nil || latest.IsFinal() {
		return nil
	}
	*payment = *latest
	defer s.releaseIfDone(payment, payment.SpentOutpoints)

	switch payment.Status {
	case domain.PaymentBuilding:
		age := time.Since(time.Unix(payment.UpdatedAt, 0))
		if age < s.stalePaymentAfter {
			return nil
		}
		reason := fmt.Sprintf("not signed after %s", age.Truncate(time.Second))
		if err := payment.Fail(reason); err != nil {
			return err
		}
		if err := s.savePayment(ctx, payment); err != nil {
			return err
		}
		s.paymentStuck(payment, reason)
		return nil

	case domain.PaymentSigned:
		return s.resubmit(ctx, c, payment)

	case domain.PaymentBroadcast:
		finalTx, err := deserializeTx(payment.FinalizedTx)
		if err != nil {
			return fmt.Errorf("invalid finalized tx: %w", err)
		}
		return s.complete(ctx, c, payment, finalTx, nil)

	case domain.PaymentSettled:
		return s.deliver(ctx, payment)
	}
	return nil
}

// resubmit hands the stored signed tx to the cosigner again. A rejection only
// fails the payment if none of its inputs has been spent in the meantime.
func (s *service) resubmit(ctx context.Context, c *claim, payment *domain.Payment) error {
	signedTx, err := deserializeTx(payment.SignedTx)
	if err != nil {
		return fmt.Errorf("invalid signed tx: %w", err)
	}

	finalTx, submitErr := s.cosigner.Submit(ctx, signedTx)
	if submitErr == nil {
		return s.broadcast(ctx, c, payment, finalTx, nil)
	}

	age := time.Since(time.Unix(payment.UpdatedAt, 0))
	if !errors.BROADCAST_REJECTED.Is(submitErr) {
		if age >= s.stalePaymentAfter {
			s.paymentStuck(payment, fmt.Sprintf(
				"not broadcast after %s: %s", age.Truncate(time.Second), submitErr,
			))
		}
		return submitErr
	}

	unspent, err := s.inputsUnspent(ctx, signedTx)
	if err != nil {
		return err
	}
	if !unspent {
		s.paymentStuck(payment, fmt.Sprintf(
			"resubmission rejected and inputs already spent: %s", submitErr,
		))
		return nil
	}
	if err := c.renew(ctx); err != nil {
		return err
	}
	s.failPayment(ctx, payment, submitErr)
	return nil
}

// inputsUnspent tells whether every input of tx is still an unspent output on
// the network.
func (s *service) inputsUnspent(ctx context.Context, tx *wire.MsgTx) (bool, error) {
	addresses := make([]string, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		sourceTxid := in.PreviousOutPoint.Hash.String()
		buf, err := s.proofs.FetchBeef(ctx, sourceTxid)
		if err != nil {
			return false, err
		}
		bundle, err := beef.NewFromBytes(buf)
		if err != nil {
			return false, errors.SOURCE_RESOLUTION.Wrap(err).
				WithMetadata(errors.SourceResolutionMetadata{Txid: sourceTxid})
		}
		source := bundle.FindTransaction(sourceTxid)
		if source == nil || int(in.PreviousOutPoint.Index) >= len(source.TxOut) {
			return false, errors.SOURCE_RESOLUTION.New(
				"source output %s not found", in.PreviousOutPoint,
			).WithMetadata(errors.SourceResolutionMetadata{Txid: sourceTxid})
		}
		addr, ok := inscription.OwnerAddress(source.TxOut[in.PreviousOutPoint.Index].PkScript)
		if !ok {
			return false, errors.SOURCE_RESOLUTION.New(
				"owner of %s is unknown", in.PreviousOutPoint,
			).WithMetadata(errors.SourceResolutionMetadata{Txid: sourceTxid})
		}
		addresses = append(addresses, addr)
	}

	utxos, err := s.proofs.ListUtxos(ctx, addresses)
	if err != nil {
		return false, err
	}
	unspent := make(map[domain.Outpoint]struct{}, len(utxos))
	for _, utxo := range utxos {
		unspent[domain.Outpoint{Txid: utxo.Txid, VOut: utxo.Vout}] = struct{}{}
	}
	for _, in := range tx.TxIn {
		outpoint := domain.Outpoint{
			Txid: in.PreviousOutPoint.Hash.String(),
			VOut: in.PreviousOutPoint.Index,
		}
		if _, ok := unspent[outpoint]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *service) paymentStuck(payment *domain.Payment, reason string) {
	log.WithFields(log.Fields{
		"payment_id": payment.Id,
		"status":     payment.Status.String(),
	}).Warn(reason)
	s.publishAlert(ports.PaymentStuck, ports.PaymentAlert{
		PaymentId:   payment.Id,
		Txid:        payment.Txid,
		Counterpart: payment.Beneficiary,
		Units:       payment.Units,
		Status:      payment.Status.String(),
		Reason:      reason,
	})
}

func (s *service) Balance(ctx context.Context) (uint64, errors.Error) {
	res, err := s.wallet.ListOutputs(ctx, s.basket)
	if err != nil {
		return 0, toError(err)
	}

	var total uint64
	for _, output := range res.Outputs {
		if len(output.ProofBundle) == 0 {
			output.ProofBundle = res.BEEF
		}
		units, err := s.builder.ResolveUnits(ctx, output)
		if err != nil {
			return 0, toError(err)
		}
		total += units
	}
	return total, nil
}

// assembleAtomicBeef builds the atomic bundle of tx out of the known bundles,
// fetching the source of every input they do not cover.
func (s *service) assembleAtomicBeef(
	ctx context.Context, tx *wire.MsgTx, bundles [][]byte,
) ([]byte, error) {
	txid := tx.TxHash().String()
	sourceErr := func(err error) error {
		return errors.SOURCE_RESOLUTION.Wrap(err).
			WithMetadata(errors.SourceResolutionMetadata{Txid: txid})
	}

	merged := beef.New()
	for _, bundle := range bundles {
		if len(bundle) == 0 {
			continue
		}
		if err := merged.MergeBytes(bundle); err != nil {
			return nil, sourceErr(fmt.Errorf("invalid input bundle: %w", err))
		}
	}

	missing := make(map[string]struct{})
	for _, in := range tx.TxIn {
		sourceTxid := in.PreviousOutPoint.Hash.String()
		if merged.FindTransaction(sourceTxid) == nil {
			missing[sourceTxid] = struct{}{}
		}
	}

	if len(missing) > 0 {
		p := pool.NewWithResults[[]byte]().
			WithContext(ctx).
			WithMaxGoroutines(maxConcurrentFetches)
		for sourceTxid := range missing {
			p.Go(func(ctx context.Context) ([]byte, error) {
				return s.proofs.FetchBeef(ctx, sourceTxid)
			})
		}
		fetched, err := p.Wait()
		if err != nil {
			return nil, err
		}
		for _, bundle := range fetched {
			if err := merged.MergeBytes(bundle); err != nil {
				return nil, sourceErr(fmt.Errorf("invalid fetched bundle: %w", err))
			}
		}
	}

	if err := merged.MergeTransaction(tx); err != nil {
		return nil, sourceErr(err)
	}
	atomicBeef, err := merged.AtomicBytes(txid)
	if err != nil {
		return nil, sourceErr(err)
	}
	return atomicBeef, nil
}

func (s *service) publishAlert(topic ports.Topic, message ports.PaymentAlert) {
	if s.alerts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.alerts.Publish(ctx, topic, message); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("failed to publish alert")
	}
}
