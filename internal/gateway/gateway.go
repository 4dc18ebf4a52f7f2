// Package gateway is the thin SQL gateway: scoped transaction helpers
// with retry-on-conflict, shared by every store method so that isolation
// level, lock discipline, and transient-conflict handling live in one place
// instead of being re-derived per query.
package gateway

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Postgres SQLSTATEs considered safe to retry: serialization failure and
// deadlock detected. Both can only occur under REPEATABLE READ / SERIALIZABLE
// isolation contending for the same rows, which is exactly the regime this
// engine runs under.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

const (
	defaultMaxRetries   = 5
	defaultRetryBaseWait = 20 * time.Millisecond
)

// Gateway wraps a pool of Postgres connections with the three transaction
// variants the engine needs: commit-or-rollback, retry-on-conflict, and
// single-attempt-with-sentinel.
type Gateway struct {
	pool       *pgxpool.Pool
	maxRetries int
}

func New(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool, maxRetries: defaultMaxRetries}
}

// WithTransaction runs fn inside a REPEATABLE READ transaction, committing on
// success and rolling back (and surfacing the fault) on any error.
func (g *Gateway) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WithRetriedTransaction runs fn inside a transaction as WithTransaction
// does, but retries on transient serialization/deadlock conflicts up to a
// fixed bound with bounded jittered backoff before finally surfacing the
// fault.
func WithRetriedTransaction[T any](ctx context.Context, g *Gateway, fn func(ctx context.Context, tx pgx.Tx) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		var result T
		err := g.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
			r, err := fn(ctx, tx)
			result = r
			return err
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isTransientConflict(err) {
			return zero, err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("transient db conflict, retrying")
		if attempt < g.maxRetries {
			sleepWithJitter(ctx, attempt)
		}
	}
	return zero, lastErr
}

// WithTransactionNoPropagation runs fn exactly once. On success it returns
// (result, true, nil). On a transient serialization/deadlock conflict it
// returns the zero value and ok=false instead of propagating the error --
// the sentinel the polling loop uses to mean "try again later". Any other
// fault is surfaced unchanged.
func WithTransactionNoPropagation[T any](ctx context.Context, g *Gateway, fn func(ctx context.Context, tx pgx.Tx) (T, error)) (T, bool, error) {
	var zero T
	var result T
	err := g.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		r, err := fn(ctx, tx)
		result = r
		return err
	})
	if err == nil {
		return result, true, nil
	}
	if isTransientConflict(err) {
		return zero, false, nil
	}
	return zero, false, err
}

func isTransientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
	}
	return false
}

func sleepWithJitter(ctx context.Context, attempt int) {
	wait := defaultRetryBaseWait * time.Duration(1<<attempt)
	wait += time.Duration(rand.Int63n(int64(defaultRetryBaseWait)))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Pool exposes the underlying pool for running simple unscoped statements
// outside the three variants above.
func (g *Gateway) Pool() *pgxpool.Pool {
	return g.pool
}
