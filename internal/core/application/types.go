package application

import (
	"context"
	"time"

	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/pkg/errors"
)

type Service interface {
	Start() errors.Error
	Stop()
	Send(ctx context.Context, beneficiary string, units uint64) (*SendResult, errors.Error)
	SendWithOutputs(
		ctx context.Context, candidates []domain.TokenOutput, beneficiary string, units uint64,
	) (*SendResult, errors.Error)
	// ListenForPayments blocks, dispatching every incoming payment to
	// onPayment, until ctx is done or the relay closes the live channel.
	ListenForPayments(
		ctx context.Context, onPayment func(domain.IncomingPayment),
	) errors.Error
	Accept(ctx context.Context, payment domain.IncomingPayment) errors.Error
	Reject(ctx context.Context, payment domain.IncomingPayment) errors.Error
	ListPending(ctx context.Context) ([]domain.IncomingPayment, errors.Error)

	Reconcile(ctx context.Context) errors.Error
	Balance(ctx context.Context) (uint64, errors.Error)

	DepositAddress(ctx context.Context) (address string, keyID string, err errors.Error)
	CheckDeposits(ctx context.Context, address, keyID string) ([]Deposit, errors.Error)
}

type SendResult struct {
	PaymentID string
	Txid      string
	KeyID     string
	MessageID string
	Fee       uint64
	Change    uint64
}

type Deposit struct {
	Outpoint domain.Outpoint
	Units    uint64
}

type Config struct {
	TokenId    string
	Basket     string
	Tag        string
	Label      string
	MessageBox string

	ReconcileInterval time.Duration
	StalePaymentAfter time.Duration
	ReservationTTL    time.Duration
	ClaimTTL          time.Duration
}

const (
	DefaultBasket     = "MNEE tokens"
	DefaultTag        = "MNEE"
	DefaultLabel      = "MNEE"
	DefaultMessageBox = "mnee_payment_inbox"

	defaultReconcileInterval = time.Minute
	defaultStalePaymentAfter = 10 * time.Minute
	defaultReservationTTL    = 2 * time.Minute
	defaultClaimTTL          = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Basket == "" {
		c.Basket = DefaultBasket
	}
	if c.Tag == "" {
		c.Tag = DefaultTag
	}
	if c.Label == "" {
		c.Label = DefaultLabel
	}
	if c.MessageBox == "" {
		c.MessageBox = DefaultMessageBox
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
	if c.StalePaymentAfter <= 0 {
		c.StalePaymentAfter = defaultStalePaymentAfter
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = defaultReservationTTL
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaultClaimTTL
	}
	return c
}
