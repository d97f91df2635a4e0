package ports

import "github.com/sirdeggen/p2m/internal/core/domain"

type RepoManager interface {
	Payments() domain.PaymentRepository
	Receipts() domain.ReceiptRepository
	Close()
}
