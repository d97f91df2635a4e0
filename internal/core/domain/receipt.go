package domain

import (
	"fmt"
	"time"
)

type ReceiptStatus int

const (
	ReceiptReceived ReceiptStatus = iota
	ReceiptAccepted
	ReceiptAcknowledged
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptReceived:
		return "received"
	case ReceiptAccepted:
		return "accepted"
	case ReceiptAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// Receipt is the durable record of an incoming payment, keyed by the relay
// message id so that redelivered messages are recognized.
type Receipt struct {
	MessageId  string
	Sender     string
	KeyID      string
	Originator string
	Txid       string
	Units      uint64
	Status     ReceiptStatus
	CreatedAt  int64
	UpdatedAt  int64
}

func NewReceipt(payment IncomingPayment, txid string) *Receipt {
	now := time.Now().Unix()
	return &Receipt{
		MessageId:  payment.MessageId,
		Sender:     payment.Sender,
		KeyID:      payment.Token.KeyID,
		Originator: payment.Token.Originator,
		Txid:       txid,
		Units:      payment.Token.Units,
		Status:     ReceiptReceived,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (r *Receipt) Accept() error {
	if r.Status != ReceiptReceived {
		return fmt.Errorf("receipt %s: cannot accept in status %s", r.MessageId, r.Status)
	}
	r.Status = ReceiptAccepted
	r.UpdatedAt = time.Now().Unix()
	return nil
}

func (r *Receipt) Acknowledge() error {
	if r.Status != ReceiptAccepted {
		return fmt.Errorf("receipt %s: cannot acknowledge in status %s", r.MessageId, r.Status)
	}
	r.Status = ReceiptAcknowledged
	r.UpdatedAt = time.Now().Unix()
	return nil
}

func (r *Receipt) IsAccepted() bool {
	return r.Status >= ReceiptAccepted
}
