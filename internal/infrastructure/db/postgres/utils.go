package pgdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const (
	driverName = "postgres"
	maxRetries = 5
)

// OpenDb opens the postgres db at dsn. With autoCreate, a missing database
// is created and the connection retried once.
func OpenDb(dsn string, autoCreate bool) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = db.PingContext(ctx)
	if isMissingDb(err) && autoCreate {
		log.Info("postgres database does not exist, creating it...")
		if err = createDB(ctx, dsn); err == nil {
			err = db.PingContext(ctx)
		}
	}
	if err != nil {
		// nolint:all
		db.Close()
		return nil, fmt.Errorf("unable to establish connection with db: %v", err)
	}
	return db, nil
}

// 3D000: invalid_catalog_name.
func isMissingDb(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "3D000"
}

// createDB connects to the server's default db to create the one named in
// the URL-formatted dsn.
func createDB(ctx context.Context, dsn string) error {
	serverUrl, err := url.Parse(dsn)
	if err != nil || (serverUrl.Scheme != "postgres" && serverUrl.Scheme != "postgresql") {
		return fmt.Errorf("auto-create requires a postgres:// dsn")
	}
	dbName := strings.TrimPrefix(serverUrl.Path, "/")
	if dbName == "" {
		return fmt.Errorf("auto-create requires a database name in the dsn")
	}
	serverUrl.Path = ""

	server, err := sql.Open(driverName, serverUrl.String())
	if err != nil {
		return err
	}
	// nolint:all
	defer server.Close()

	log.Infof("creating postgres database %s", dbName)
	_, err = server.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName))
	return err
}

func execTx(ctx context.Context, db *sql.DB, txBody func(*sql.Tx) error) error {
	var lastErr error
	for range maxRetries {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := txBody(tx); err != nil {
			//nolint:all
			tx.Rollback()

			if isConflictError(err) {
				lastErr = err
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isConflictError(err) {
				lastErr = err
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}

	return lastErr
}

func isConflictError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001: serialization_failure, 40P01: deadlock_detected.
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
