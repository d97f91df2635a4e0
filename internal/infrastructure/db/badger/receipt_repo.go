package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const receiptStoreDir = "receipts"

type receiptDTO struct {
	MessageId  string
	Sender     string
	KeyID      string
	Originator string
	Txid       string
	Units      uint64
	Status     int
	CreatedAt  int64
	UpdatedAt  int64
}

type receiptRepository struct {
	store *badgerhold.Store
}

func NewReceiptRepository(config ...interface{}) (domain.ReceiptRepository, error) {
	baseDir, logger, err := parseConfig(config...)
	if err != nil {
		return nil, err
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, receiptStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt store: %s", err)
	}

	return &receiptRepository{store}, nil
}

func (r *receiptRepository) AddOrUpdateReceipt(
	ctx context.Context, receipt domain.Receipt,
) error {
	dto := receiptDTO{
		MessageId:  receipt.MessageId,
		Sender:     receipt.Sender,
		KeyID:      receipt.KeyID,
		Originator: receipt.Originator,
		Txid:       receipt.Txid,
		Units:      receipt.Units,
		Status:     int(receipt.Status),
		CreatedAt:  receipt.CreatedAt,
		UpdatedAt:  receipt.UpdatedAt,
	}
	if err := upsertWithRetry(r.store, receipt.MessageId, &dto); err != nil {
		return fmt.Errorf("failed to upsert receipt %s: %w", receipt.MessageId, err)
	}
	return nil
}

func (r *receiptRepository) GetReceipt(
	ctx context.Context, messageId string,
) (*domain.Receipt, error) {
	var dto receiptDTO
	err := r.store.Get(messageId, &dto)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	receipt := dto.toDomain()
	return &receipt, nil
}

func (r *receiptRepository) GetReceiptsByStatus(
	ctx context.Context, status domain.ReceiptStatus,
) ([]domain.Receipt, error) {
	var dtos []receiptDTO
	if err := r.store.Find(&dtos, badgerhold.Where("Status").Eq(int(status))); err != nil {
		return nil, fmt.Errorf("failed to get receipts: %w", err)
	}

	receipts := make([]domain.Receipt, 0, len(dtos))
	for _, dto := range dtos {
		receipts = append(receipts, dto.toDomain())
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].CreatedAt < receipts[j].CreatedAt
	})
	return receipts, nil
}

func (r *receiptRepository) Close() {
	// nolint:all
	r.store.Close()
}

func (d receiptDTO) toDomain() domain.Receipt {
	return domain.Receipt{
		MessageId:  d.MessageId,
		Sender:     d.Sender,
		KeyID:      d.KeyID,
		Originator: d.Originator,
		Txid:       d.Txid,
		Units:      d.Units,
		Status:     domain.ReceiptStatus(d.Status),
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}
