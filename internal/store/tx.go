package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// maxTxRetries bounds how often a transaction body is re-run after a
// transient storage fault before the error is surfaced.
const maxTxRetries = 3

type Store struct {
	db *sql.DB
	*Queries
}

func New(db *sql.DB) *Store {
	return &Store{db: db, Queries: &Queries{db: db}}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InTx runs fn inside a transaction. On a transient fault (deadlock victim,
// serialization failure, dropped connection) the whole body is re-run from a
// fresh transaction, so fn must be free of side effects outside the
// transaction itself.
func (s *Store) InTx(ctx context.Context, fn func(Querier) error) error {
	operation := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return retryable(fmt.Errorf("begin tx: %w", err))
		}
		if err := fn(&Queries{db: tx}); err != nil {
			_ = tx.Rollback()
			return retryable(err)
		}
		if err := tx.Commit(); err != nil {
			return retryable(fmt.Errorf("commit tx: %w", err))
		}
		return nil
	}

	policy := backoff.WithMaxRetries(newTxBackOff(), maxTxRetries)
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func newTxBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func retryable(err error) error {
	if IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// IsTransient reports whether a storage error is worth retrying: deadlock
// victim selection, serialization failures, connection-level faults.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01":
			return true
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
