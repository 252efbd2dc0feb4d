// Copyright 2022 The CodeDuel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

var ErrRowsAffectedCount = errors.New("rows_affected_count")

// Scannable accepts either *sql.Row or *sql.Rows for scanning one row.
type Scannable interface {
	Scan(dest ...interface{}) error
}

// DbConnect opens the database pool and blocks until the first ping
// succeeds. Startup fails fast on a malformed address but keeps retrying a
// plain connection refusal, which covers container orchestration races.
func DbConnect(multiLogger *zap.Logger, config Config) *sql.DB {
	rawURL := config.GetDatabase().Address
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		multiLogger.Fatal("Bad database connection URL", zap.Error(err))
	}
	if parsedURL.Scheme != "postgres" && parsedURL.Scheme != "postgresql" {
		multiLogger.Fatal("Database connection URL must use the postgres scheme", zap.String("scheme", parsedURL.Scheme))
	}

	multiLogger.Info("Database connection", zap.String("host", parsedURL.Host), zap.String("db", parsedURL.Path))

	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		multiLogger.Fatal("Error connecting to database", zap.Error(err))
	}

	db.SetConnMaxLifetime(time.Millisecond * time.Duration(config.GetDatabase().ConnMaxLifetimeMs))
	db.SetMaxOpenConns(config.GetDatabase().MaxOpenConns)
	db.SetMaxIdleConns(config.GetDatabase().MaxIdleConns)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer pingCancel()
	for {
		if err = db.PingContext(pingCtx); err == nil {
			break
		}
		if pingCtx.Err() != nil {
			multiLogger.Fatal("Error pinging database", zap.Error(err))
		}
		multiLogger.Warn("Waiting for database connection...", zap.Error(err))
		time.Sleep(time.Second)
	}

	return db
}

const txRetryAttempts = 5

// ExecuteInTx runs fn inside a transaction, retrying serialization failures
// with a fresh transaction each time. fn may run more than once and must not
// carry side effects outside the transaction.
func ExecuteInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		var tx *sql.Tx
		tx, err = db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err = fn(tx); err == nil {
			err = tx.Commit()
		}
		if err == nil {
			return nil
		}
		_ = tx.Rollback()
		if !dbIsRetryableError(err) {
			return err
		}
	}
	return err
}

// ExecuteRetryable retries non-transactional operations that failed on a
// serialization conflict.
func ExecuteRetryable(fn func() error) error {
	var err error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		if err = fn(); err == nil || !dbIsRetryableError(err) {
			return err
		}
	}
	return err
}

func dbIsRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

func dbIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
