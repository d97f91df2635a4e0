package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	badgerdb "github.com/sirdeggen/p2m/internal/infrastructure/db/badger"
	pgdb "github.com/sirdeggen/p2m/internal/infrastructure/db/postgres"
	sqlitedb "github.com/sirdeggen/p2m/internal/infrastructure/db/sqlite"
	log "github.com/sirupsen/logrus"
)

//go:embed sqlite/migration/*
var migrations embed.FS

//go:embed postgres/migration/*
var pgMigration embed.FS

var (
	paymentStoreTypes = map[string]func(...interface{}) (domain.PaymentRepository, error){
		"badger":   badgerdb.NewPaymentRepository,
		"sqlite":   sqlitedb.NewPaymentRepository,
		"postgres": pgdb.NewPaymentRepository,
	}
	receiptStoreTypes = map[string]func(...interface{}) (domain.ReceiptRepository, error){
		"badger":   badgerdb.NewReceiptRepository,
		"sqlite":   sqlitedb.NewReceiptRepository,
		"postgres": pgdb.NewReceiptRepository,
	}
)

const (
	sqliteDbFile = "sqlite.db"
)

type ServiceConfig struct {
	DataStoreType string

	DataStoreConfig []interface{}
}

type service struct {
	paymentStore domain.PaymentRepository
	receiptStore domain.ReceiptRepository
	// db is shared by the sql stores and closed once.
	db *sql.DB
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	paymentStoreFactory, ok := paymentStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	receiptStoreFactory, ok := receiptStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}

	var (
		paymentStore domain.PaymentRepository
		receiptStore domain.ReceiptRepository
		db           *sql.DB
		err          error
	)

	switch config.DataStoreType {
	case "badger":
		paymentStore, err = paymentStoreFactory(config.DataStoreConfig...)
		if err != nil {
			return nil, fmt.Errorf("failed to open payment store: %s", err)
		}
		receiptStore, err = receiptStoreFactory(config.DataStoreConfig...)
		if err != nil {
			paymentStore.Close()
			return nil, fmt.Errorf("failed to open receipt store: %s", err)
		}

		return &service{paymentStore: paymentStore, receiptStore: receiptStore}, nil

	case "postgres":
		if len(config.DataStoreConfig) != 2 {
			return nil, fmt.Errorf("invalid data store config for postgres")
		}

		dsn, ok := config.DataStoreConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid DSN for postgres")
		}

		autoCreate, ok := config.DataStoreConfig[1].(bool)
		if !ok {
			return nil, fmt.Errorf("invalid autocreate flag for postgres")
		}

		db, err = pgdb.OpenDb(dsn, autoCreate)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres db: %s", err)
		}

		pgDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres migration driver: %s", err)
		}

		source, err := iofs.New(pgMigration, "postgres/migration")
		if err != nil {
			return nil, fmt.Errorf("failed to embed postgres migrations: %s", err)
		}

		m, err := migrate.NewWithInstance("iofs", source, "postgres", pgDriver)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres migration instance: %s", err)
		}

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("failed to run postgres migrations: %s", err)
		}

	case "sqlite":
		if len(config.DataStoreConfig) != 1 {
			return nil, fmt.Errorf("invalid data store config")
		}

		baseDir, ok := config.DataStoreConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}

		dbFile := filepath.Join(baseDir, sqliteDbFile)
		db, err = sqlitedb.OpenDb(dbFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open db: %s", err)
		}

		driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to init driver: %s", err)
		}

		source, err := iofs.New(migrations, "sqlite/migration")
		if err != nil {
			return nil, fmt.Errorf("failed to embed migrations: %s", err)
		}

		m, err := migrate.NewWithInstance("iofs", source, "p2mdb", driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %s", err)
		}

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("failed to run migrations: %s", err)
		}
	}

	paymentStore, err = paymentStoreFactory(db)
	if err != nil {
		return nil, fmt.Errorf("failed to open payment store: %s", err)
	}
	receiptStore, err = receiptStoreFactory(db)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt store: %s", err)
	}

	log.Debugf("opened %s data store", config.DataStoreType)

	return &service{
		paymentStore: paymentStore,
		receiptStore: receiptStore,
		db:           db,
	}, nil
}

func (s *service) Payments() domain.PaymentRepository {
	return s.paymentStore
}

func (s *service) Receipts() domain.ReceiptRepository {
	return s.receiptStore
}

func (s *service) Close() {
	if s.db != nil {
		// nolint:all
		s.db.Close()
		return
	}
	s.paymentStore.Close()
	s.receiptStore.Close()
}
