package ports

import "context"

const (
	PaymentSent     Topic = "Payment Sent"
	PaymentReceived Topic = "Payment Received"
	PaymentStuck    Topic = "Payment Stuck"
)

type Topic string

type Alerts interface {
	Publish(ctx context.Context, topic Topic, message interface{}) error
}

type PaymentAlert struct {
	PaymentId   string `json:"payment_id,omitempty"`
	MessageId   string `json:"message_id,omitempty"`
	Txid        string `json:"txid,omitempty"`
	Counterpart string `json:"counterpart"`
	Units       uint64 `json:"units"`
	Fee         uint64 `json:"fee,omitempty"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}
