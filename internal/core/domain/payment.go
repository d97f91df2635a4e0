package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus int

const (
	PaymentBuilding PaymentStatus = iota
	PaymentSigned
	PaymentBroadcast
	// PaymentSettled means the local ledger dropped the spent outputs and took
	// the change; only the peer message is missing.
	PaymentSettled
	PaymentSent
	PaymentFailed
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentBuilding:
		return "building"
	case PaymentSigned:
		return "signed"
	case PaymentBroadcast:
		return "broadcast"
	case PaymentSettled:
		return "settled"
	case PaymentSent:
		return "sent"
	case PaymentFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Payment is the durable record of an outgoing payment, used to resume a send
// interrupted between steps.
type Payment struct {
	Id             string
	KeyID          string
	Beneficiary    string
	Units          uint64
	Fee            uint64
	Status         PaymentStatus
	SpentOutpoints []Outpoint
	// SignedTx is the hex encoded transaction as submitted to the cosigner.
	SignedTx string
	// FinalizedTx is the hex encoded transaction returned by the cosigner.
	FinalizedTx string
	Txid        string
	AtomicBeef  []byte
	MessageId   string
	FailReason  string
	CreatedAt   int64
	UpdatedAt   int64
}

func NewPayment(keyID, beneficiary string, units uint64) *Payment {
	now := time.Now().Unix()
	return &Payment{
		Id:          uuid.New().String(),
		KeyID:       keyID,
		Beneficiary: beneficiary,
		Units:       units,
		Status:      PaymentBuilding,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (p *Payment) Sign(signedTx string, spent []Outpoint, fee uint64) error {
	if p.Status != PaymentBuilding {
		return p.invalidTransition(PaymentSigned)
	}
	if signedTx == "" {
		return fmt.Errorf("missing signed tx")
	}
	p.SignedTx = signedTx
	p.SpentOutpoints = append([]Outpoint(nil), spent...)
	p.Fee = fee
	return p.moveTo(PaymentSigned)
}

func (p *Payment) Broadcast(finalizedTx, txid string) error {
	if p.Status != PaymentSigned {
		return p.invalidTransition(PaymentBroadcast)
	}
	if finalizedTx == "" || txid == "" {
		return fmt.Errorf("missing finalized tx")
	}
	p.FinalizedTx = finalizedTx
	p.Txid = txid
	return p.moveTo(PaymentBroadcast)
}

func (p *Payment) Settle(atomicBeef []byte) error {
	if p.Status != PaymentBroadcast {
		return p.invalidTransition(PaymentSettled)
	}
	if len(atomicBeef) == 0 {
		return fmt.Errorf("missing atomic beef")
	}
	p.AtomicBeef = atomicBeef
	return p.moveTo(PaymentSettled)
}

func (p *Payment) Sent(messageId string) error {
	if p.Status != PaymentSettled {
		return p.invalidTransition(PaymentSent)
	}
	p.MessageId = messageId
	return p.moveTo(PaymentSent)
}

// Fail is only allowed before broadcast: once the cosigner accepted the
// transaction the payment can only move forward.
func (p *Payment) Fail(reason string) error {
	if p.Status != PaymentBuilding && p.Status != PaymentSigned {
		return p.invalidTransition(PaymentFailed)
	}
	p.FailReason = reason
	return p.moveTo(PaymentFailed)
}

func (p *Payment) IsBroadcast() bool {
	return p.Status >= PaymentBroadcast && p.Status != PaymentFailed
}

func (p *Payment) IsFinal() bool {
	return p.Status == PaymentSent || p.Status == PaymentFailed
}

func (p *Payment) moveTo(status PaymentStatus) error {
	p.Status = status
	p.UpdatedAt = time.Now().Unix()
	return nil
}

func (p *Payment) invalidTransition(to PaymentStatus) error {
	return fmt.Errorf("payment %s: cannot move from %s to %s", p.Id, p.Status, to)
}
