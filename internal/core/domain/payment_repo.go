package domain

import "context"

type PaymentRepository interface {
	AddOrUpdatePayment(ctx context.Context, payment Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentsByKeyID(ctx context.Context, keyID string) ([]Payment, error)
	// GetPendingPayments returns the payments that are neither sent nor failed.
	GetPendingPayments(ctx context.Context) ([]Payment, error)
	Close()
}
