package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 10 * time.Second
)

type txKey struct{}

// TxOption customises transaction behaviour.
type TxOption func(*UnitOfWork)

// WithTxAttempts overrides how many times a serialization failure reruns the transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(u *UnitOfWork) {
		if attempts > 0 {
			u.attempts = attempts
		}
	}
}

// WithTxTimeout bounds each transaction attempt.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(u *UnitOfWork) {
		if timeout > 0 {
			u.timeout = timeout
		}
	}
}

// UnitOfWork runs functions inside a pgx transaction carried on the context.
type UnitOfWork struct {
	pool     *pgxpool.Pool
	attempts int
	timeout  time.Duration
}

// NewUnitOfWork constructs a UnitOfWork over the pool.
func NewUnitOfWork(pool *pgxpool.Pool, opts ...TxOption) *UnitOfWork {
	u := &UnitOfWork{pool: pool, attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

// RunInTx executes fn in a read-committed transaction. A call made while a transaction is already on the
// context joins it. Serialization failures and deadlocks rerun fn from the start.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	if u == nil || u.pool == nil {
		return WrapError("transaction", errors.New("postgres: pool is nil"))
	}

	var err error
	for attempt := 0; attempt < u.attempts; attempt++ {
		err = u.runOnce(ctx, fn)
		var pgErr *Error
		if err == nil || !errors.As(err, &pgErr) || !pgErr.Retryable() {
			return err
		}
	}
	return err
}

func (u *UnitOfWork) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	txCtx := ctx
	if u.timeout > 0 {
		deadline, ok := ctx.Deadline()
		if !ok || time.Until(deadline) > u.timeout {
			var cancel context.CancelFunc
			txCtx, cancel = context.WithTimeout(ctx, u.timeout)
			defer cancel()
		}
	}

	tx, err := u.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return WrapError("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(txCtx))
		}
	}()

	if err = fn(context.WithValue(txCtx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(txCtx); err != nil {
		return WrapError("commit", err)
	}
	return nil
}

// Conn returns the transaction on ctx, or the pool when no transaction is active.
func Conn(ctx context.Context, pool *pgxpool.Pool) DB {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// InTx reports whether ctx carries an active transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}
