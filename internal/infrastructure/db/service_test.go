package db_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	"github.com/sirdeggen/p2m/internal/infrastructure/db"
	"github.com/stretchr/testify/require"
)

const (
	txida       = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	txidb       = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	beneficiary = "1EHNa6Q4Jz2uvNExL497mE43ikXhwF6kZm"
	sender      = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
)

func TestService(t *testing.T) {
	tests := []struct {
		name   string
		config db.ServiceConfig
	}{
		{
			name: "repo_manager_with_badger_stores",
			config: db.ServiceConfig{
				DataStoreType:   "badger",
				DataStoreConfig: []interface{}{"", nil},
			},
		},
		{
			name: "repo_manager_with_sqlite_stores",
			config: db.ServiceConfig{
				DataStoreType:   "sqlite",
				DataStoreConfig: []interface{}{t.TempDir()},
			},
		},
	}
	if dsn := os.Getenv("P2M_TEST_PG_DSN"); dsn != "" {
		tests = append(tests, struct {
			name   string
			config db.ServiceConfig
		}{
			name: "repo_manager_with_postgres_stores",
			config: db.ServiceConfig{
				DataStoreType:   "postgres",
				DataStoreConfig: []interface{}{dsn, true},
			},
		})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := db.NewService(tt.config)
			require.NoError(t, err)
			require.NotNil(t, svc)

			testPaymentRepository(t, svc)
			testReceiptRepository(t, svc)

			svc.Close()
		})
	}
}

func TestServiceInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config db.ServiceConfig
	}{
		{
			name:   "unknown store type",
			config: db.ServiceConfig{DataStoreType: "mongo"},
		},
		{
			name: "badger without logger slot",
			config: db.ServiceConfig{
				DataStoreType:   "badger",
				DataStoreConfig: []interface{}{""},
			},
		},
		{
			name: "sqlite with invalid base dir",
			config: db.ServiceConfig{
				DataStoreType:   "sqlite",
				DataStoreConfig: []interface{}{42},
			},
		},
		{
			name: "postgres with missing autocreate flag",
			config: db.ServiceConfig{
				DataStoreType:   "postgres",
				DataStoreConfig: []interface{}{"postgres://localhost/p2m"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := db.NewService(tt.config)
			require.Error(t, err)
			require.Nil(t, svc)
		})
	}
}

func testPaymentRepository(t *testing.T, svc ports.RepoManager) {
	t.Run("test_payment_repository", func(t *testing.T) {
		ctx := context.Background()
		repo := svc.Payments()
		keyID := uuid.New().String()

		payment := domain.NewPayment(keyID, beneficiary, 1000)
		payment.CreatedAt = time.Now().Add(-time.Minute).Unix()
		require.NoError(t, repo.AddOrUpdatePayment(ctx, *payment))

		got, err := repo.GetPayment(ctx, payment.Id)
		require.NoError(t, err)
		require.Equal(t, domain.PaymentBuilding, got.Status)
		require.Equal(t, beneficiary, got.Beneficiary)
		require.EqualValues(t, 1000, got.Units)
		require.Empty(t, got.SpentOutpoints)

		spent := []domain.Outpoint{{Txid: txida, VOut: 1}, {Txid: txidb, VOut: 0}}
		require.NoError(t, payment.Sign("0100", spent, 100))
		require.NoError(t, repo.AddOrUpdatePayment(ctx, *payment))

		got, err = repo.GetPayment(ctx, payment.Id)
		require.NoError(t, err)
		require.Equal(t, domain.PaymentSigned, got.Status)
		require.Equal(t, spent, got.SpentOutpoints)
		require.EqualValues(t, 100, got.Fee)

		// Outpoints are replaced, not appended.
		require.NoError(t, repo.AddOrUpdatePayment(ctx, *payment))
		got, err = repo.GetPayment(ctx, payment.Id)
		require.NoError(t, err)
		require.Len(t, got.SpentOutpoints, 2)

		other := domain.NewPayment(keyID, beneficiary, 5)
		require.NoError(t, other.Fail("insufficient funds"))
		require.NoError(t, repo.AddOrUpdatePayment(ctx, *other))

		byKey, err := repo.GetPaymentsByKeyID(ctx, keyID)
		require.NoError(t, err)
		require.Len(t, byKey, 2)
		require.Equal(t, payment.Id, byKey[0].Id)

		pending, err := repo.GetPendingPayments(ctx)
		require.NoError(t, err)
		require.True(t, containsPayment(pending, payment.Id))
		require.False(t, containsPayment(pending, other.Id))

		require.NoError(t, payment.Broadcast("0100", txida))
		require.NoError(t, payment.Settle([]byte{0x01, 0x01, 0x01, 0x01}))
		require.NoError(t, payment.Sent("msg-1"))
		require.NoError(t, repo.AddOrUpdatePayment(ctx, *payment))

		got, err = repo.GetPayment(ctx, payment.Id)
		require.NoError(t, err)
		require.Equal(t, domain.PaymentSent, got.Status)
		require.Equal(t, txida, got.Txid)
		require.Equal(t, []byte{0x01, 0x01, 0x01, 0x01}, got.AtomicBeef)
		require.Equal(t, "msg-1", got.MessageId)

		pending, err = repo.GetPendingPayments(ctx)
		require.NoError(t, err)
		require.False(t, containsPayment(pending, payment.Id))

		_, err = repo.GetPayment(ctx, "missing")
		require.Error(t, err)
	})
}

func testReceiptRepository(t *testing.T, svc ports.RepoManager) {
	t.Run("test_receipt_repository", func(t *testing.T) {
		ctx := context.Background()
		repo := svc.Receipts()
		messageId := uuid.New().String()

		got, err := repo.GetReceipt(ctx, messageId)
		require.NoError(t, err)
		require.Nil(t, got)

		receipt := domain.NewReceipt(domain.IncomingPayment{
			MessageId: messageId,
			Sender:    sender,
			Token: domain.PaymentToken{
				KeyID:      "a2V5",
				Originator: sender,
				Units:      1000,
			},
		}, txida)
		require.NoError(t, repo.AddOrUpdateReceipt(ctx, *receipt))

		got, err = repo.GetReceipt(ctx, messageId)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, *receipt, *got)

		received, err := repo.GetReceiptsByStatus(ctx, domain.ReceiptReceived)
		require.NoError(t, err)
		require.True(t, containsReceipt(received, messageId))

		require.NoError(t, receipt.Accept())
		require.NoError(t, repo.AddOrUpdateReceipt(ctx, *receipt))

		received, err = repo.GetReceiptsByStatus(ctx, domain.ReceiptReceived)
		require.NoError(t, err)
		require.False(t, containsReceipt(received, messageId))

		accepted, err := repo.GetReceiptsByStatus(ctx, domain.ReceiptAccepted)
		require.NoError(t, err)
		require.True(t, containsReceipt(accepted, messageId))
	})
}

func containsPayment(payments []domain.Payment, id string) bool {
	for _, p := range payments {
		if p.Id == id {
			return true
		}
	}
	return false
}

func containsReceipt(receipts []domain.Receipt, messageId string) bool {
	for _, r := range receipts {
		if r.MessageId == messageId {
			return true
		}
	}
	return false
}
