package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirdeggen/p2m/internal/core/domain"
)

const (
	upsertPayment = `
INSERT INTO payment (
	id, key_id, beneficiary, units, fee, status, signed_tx, finalized_tx, txid,
	atomic_beef, message_id, fail_reason, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	fee = excluded.fee,
	status = excluded.status,
	signed_tx = excluded.signed_tx,
	finalized_tx = excluded.finalized_tx,
	txid = excluded.txid,
	atomic_beef = excluded.atomic_beef,
	message_id = excluded.message_id,
	fail_reason = excluded.fail_reason,
	updated_at = excluded.updated_at`
	deleteSpentOutpoints = `DELETE FROM payment_spent_outpoint WHERE payment_id = ?`
	insertSpentOutpoint  = `
INSERT INTO payment_spent_outpoint (payment_id, seq, txid, vout) VALUES (?, ?, ?, ?)`
	selectPayment = `
SELECT id, key_id, beneficiary, units, fee, status, signed_tx, finalized_tx, txid,
	atomic_beef, message_id, fail_reason, created_at, updated_at
FROM payment`
	selectSpentOutpoints = `
SELECT txid, vout FROM payment_spent_outpoint WHERE payment_id = ? ORDER BY seq`
)

type paymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(config ...interface{}) (domain.PaymentRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config: expected 1 argument, got %d", len(config))
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf(
			"cannot open payment repository: expected *sql.DB but got %T", config[0],
		)
	}

	return &paymentRepository{db}, nil
}

func (r *paymentRepository) AddOrUpdatePayment(
	ctx context.Context, payment domain.Payment,
) error {
	return execTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx, upsertPayment,
			payment.Id, payment.KeyID, payment.Beneficiary, int64(payment.Units),
			int64(payment.Fee), int(payment.Status), payment.SignedTx, payment.FinalizedTx,
			payment.Txid, payment.AtomicBeef, payment.MessageId, payment.FailReason,
			payment.CreatedAt, payment.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert payment %s: %w", payment.Id, err)
		}

		if _, err := tx.ExecContext(ctx, deleteSpentOutpoints, payment.Id); err != nil {
			return fmt.Errorf("failed to reset spent outpoints: %w", err)
		}
		for i, outpoint := range payment.SpentOutpoints {
			if _, err := tx.ExecContext(
				ctx, insertSpentOutpoint, payment.Id, i, outpoint.Txid, int64(outpoint.VOut),
			); err != nil {
				return fmt.Errorf("failed to insert spent outpoint: %w", err)
			}
		}
		return nil
	})
}

func (r *paymentRepository) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	payments, err := r.query(ctx, selectPayment+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, fmt.Errorf("payment %s not found", id)
	}
	return &payments[0], nil
}

func (r *paymentRepository) GetPaymentsByKeyID(
	ctx context.Context, keyID string,
) ([]domain.Payment, error) {
	return r.query(ctx, selectPayment+` WHERE key_id = ? ORDER BY created_at`, keyID)
}

func (r *paymentRepository) GetPendingPayments(ctx context.Context) ([]domain.Payment, error) {
	return r.query(
		ctx, selectPayment+` WHERE status NOT IN (?, ?) ORDER BY created_at`,
		int(domain.PaymentSent), int(domain.PaymentFailed),
	)
}

func (r *paymentRepository) Close() {
	_ = r.db.Close()
}

func (r *paymentRepository) query(
	ctx context.Context, query string, args ...interface{},
) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		var (
			p          domain.Payment
			units, fee int64
			status     int
			atomicBeef []byte
		)
		if err := rows.Scan(
			&p.Id, &p.KeyID, &p.Beneficiary, &units, &fee, &status, &p.SignedTx,
			&p.FinalizedTx, &p.Txid, &atomicBeef, &p.MessageId, &p.FailReason,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			// nolint:all
			rows.Close()
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Units = uint64(units)
		p.Fee = uint64(fee)
		p.Status = domain.PaymentStatus(status)
		p.AtomicBeef = atomicBeef
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		// nolint:all
		rows.Close()
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}
	// nolint:all
	rows.Close()

	for i := range payments {
		spent, err := r.spentOutpoints(ctx, payments[i].Id)
		if err != nil {
			return nil, err
		}
		payments[i].SpentOutpoints = spent
	}
	return payments, nil
}

func (r *paymentRepository) spentOutpoints(
	ctx context.Context, paymentId string,
) ([]domain.Outpoint, error) {
	rows, err := r.db.QueryContext(ctx, selectSpentOutpoints, paymentId)
	if err != nil {
		return nil, fmt.Errorf("failed to get spent outpoints: %w", err)
	}
	// nolint:all
	defer rows.Close()

	outpoints := make([]domain.Outpoint, 0)
	for rows.Next() {
		var (
			txid string
			vout int64
		)
		if err := rows.Scan(&txid, &vout); err != nil {
			return nil, fmt.Errorf("failed to scan spent outpoint: %w", err)
		}
		outpoints = append(outpoints, domain.Outpoint{Txid: txid, VOut: uint32(vout)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get spent outpoints: %w", err)
	}
	return outpoints, nil
}
