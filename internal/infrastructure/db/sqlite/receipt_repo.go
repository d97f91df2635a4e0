package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirdeggen/p2m/internal/core/domain"
)

const (
	upsertReceipt = `
INSERT INTO receipt (
	message_id, sender, key_id, originator, txid, units, status, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
	status = excluded.status,
	updated_at = excluded.updated_at`
	selectReceipt = `
SELECT message_id, sender, key_id, originator, txid, units, status, created_at, updated_at
FROM receipt`
)

type receiptRepository struct {
	db *sql.DB
}

func NewReceiptRepository(config ...interface{}) (domain.ReceiptRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config: expected 1 argument, got %d", len(config))
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf(
			"cannot open receipt repository: expected *sql.DB but got %T", config[0],
		)
	}

	return &receiptRepository{db}, nil
}

func (r *receiptRepository) AddOrUpdateReceipt(
	ctx context.Context, receipt domain.Receipt,
) error {
	return execTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx, upsertReceipt,
			receipt.MessageId, receipt.Sender, receipt.KeyID, receipt.Originator,
			receipt.Txid, int64(receipt.Units), int(receipt.Status),
			receipt.CreatedAt, receipt.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert receipt %s: %w", receipt.MessageId, err)
		}
		return nil
	})
}

func (r *receiptRepository) GetReceipt(
	ctx context.Context, messageId string,
) (*domain.Receipt, error) {
	row := r.db.QueryRowContext(ctx, selectReceipt+` WHERE message_id = ?`, messageId)
	receipt, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return receipt, nil
}

func (r *receiptRepository) GetReceiptsByStatus(
	ctx context.Context, status domain.ReceiptStatus,
) ([]domain.Receipt, error) {
	rows, err := r.db.QueryContext(
		ctx, selectReceipt+` WHERE status = ? ORDER BY created_at`, int(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get receipts: %w", err)
	}
	// nolint:all
	defer rows.Close()

	receipts := make([]domain.Receipt, 0)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, *receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get receipts: %w", err)
	}
	return receipts, nil
}

func (r *receiptRepository) Close() {
	_ = r.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row scanner) (*domain.Receipt, error) {
	var (
		receipt domain.Receipt
		units   int64
		status  int
	)
	if err := row.Scan(
		&receipt.MessageId, &receipt.Sender, &receipt.KeyID, &receipt.Originator,
		&receipt.Txid, &units, &status, &receipt.CreatedAt, &receipt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	receipt.Units = uint64(units)
	receipt.Status = domain.ReceiptStatus(status)
	return &receipt, nil
}
