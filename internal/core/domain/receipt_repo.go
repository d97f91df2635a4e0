package domain

import "context"

type ReceiptRepository interface {
	AddOrUpdateReceipt(ctx context.Context, receipt Receipt) error
	GetReceipt(ctx context.Context, messageId string) (*Receipt, error)
	GetReceiptsByStatus(ctx context.Context, status ReceiptStatus) ([]Receipt, error)
	Close()
}
