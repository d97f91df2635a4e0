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

const paymentStoreDir = "payments"

type paymentDTO struct {
	Id             string
	KeyID          string
	Beneficiary    string
	Units          uint64
	Fee            uint64
	Status         int
	SpentOutpoints []string
	SignedTx       string
	FinalizedTx    string
	Txid           string
	AtomicBeef     []byte
	MessageId      string
	FailReason     string
	CreatedAt      int64
	UpdatedAt      int64
}

type paymentRepository struct {
	store *badgerhold.Store
}

func NewPaymentRepository(config ...interface{}) (domain.PaymentRepository, error) {
	baseDir, logger, err := parseConfig(config...)
	if err != nil {
		return nil, err
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, paymentStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open payment store: %s", err)
	}

	return &paymentRepository{store}, nil
}

func (r *paymentRepository) AddOrUpdatePayment(
	ctx context.Context, payment domain.Payment,
) error {
	dto := toPaymentDTO(payment)
	if err := upsertWithRetry(r.store, payment.Id, &dto); err != nil {
		return fmt.Errorf("failed to upsert payment %s: %w", payment.Id, err)
	}
	return nil
}

func (r *paymentRepository) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	var dto paymentDTO
	err := r.store.Get(id, &dto)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("payment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return dto.toDomain()
}

func (r *paymentRepository) GetPaymentsByKeyID(
	ctx context.Context, keyID string,
) ([]domain.Payment, error) {
	return r.find(badgerhold.Where("KeyID").Eq(keyID))
}

func (r *paymentRepository) GetPendingPayments(ctx context.Context) ([]domain.Payment, error) {
	query := badgerhold.Where("Status").Ne(int(domain.PaymentSent)).
		And("Status").Ne(int(domain.PaymentFailed))
	return r.find(query)
}

func (r *paymentRepository) Close() {
	// nolint:all
	r.store.Close()
}

func (r *paymentRepository) find(query *badgerhold.Query) ([]domain.Payment, error) {
	var dtos []paymentDTO
	if err := r.store.Find(&dtos, query); err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}

	payments := make([]domain.Payment, 0, len(dtos))
	for _, dto := range dtos {
		payment, err := dto.toDomain()
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].CreatedAt < payments[j].CreatedAt
	})
	return payments, nil
}

func toPaymentDTO(p domain.Payment) paymentDTO {
	spent := make([]string, 0, len(p.SpentOutpoints))
	for _, outpoint := range p.SpentOutpoints {
		spent = append(spent, outpoint.String())
	}
	return paymentDTO{
		Id:             p.Id,
		KeyID:          p.KeyID,
		Beneficiary:    p.Beneficiary,
		Units:          p.Units,
		Fee:            p.Fee,
		Status:         int(p.Status),
		SpentOutpoints: spent,
		SignedTx:       p.SignedTx,
		FinalizedTx:    p.FinalizedTx,
		Txid:           p.Txid,
		AtomicBeef:     p.AtomicBeef,
		MessageId:      p.MessageId,
		FailReason:     p.FailReason,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func (d paymentDTO) toDomain() (*domain.Payment, error) {
	spent := make([]domain.Outpoint, 0, len(d.SpentOutpoints))
	for _, str := range d.SpentOutpoints {
		var outpoint domain.Outpoint
		if err := outpoint.FromString(str); err != nil {
			return nil, fmt.Errorf("payment %s: %w", d.Id, err)
		}
		spent = append(spent, outpoint)
	}
	return &domain.Payment{
		Id:             d.Id,
		KeyID:          d.KeyID,
		Beneficiary:    d.Beneficiary,
		Units:          d.Units,
		Fee:            d.Fee,
		Status:         domain.PaymentStatus(d.Status),
		SpentOutpoints: spent,
		SignedTx:       d.SignedTx,
		FinalizedTx:    d.FinalizedTx,
		Txid:           d.Txid,
		AtomicBeef:     d.AtomicBeef,
		MessageId:      d.MessageId,
		FailReason:     d.FailReason,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}
