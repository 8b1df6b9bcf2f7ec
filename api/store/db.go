package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relaychat/tms/api/domain"
)

// Querier is the subset of pgx both *pgxpool.Pool and pgx.Tx satisfy.
// Tests inject a mock through the same seam WithTx uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

type txKey struct{}

// WithTx runs fn inside a transaction. Nested calls reuse the transaction
// already carried by the context.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if q, _ := ctx.Value(txKey{}).(Querier); q != nil {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	ctx = context.WithValue(ctx, txKey{}, Querier(tx))

	if err := fn(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return mapTxErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapTxErr(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// mapTxErr surfaces transient serialization and deadlock failures as the
// retryable upstream kind so they reach clients as a 503 with Retry-After
// instead of a 500. The original error stays wrapped for callers that
// inspect Postgres codes.
func mapTxErr(err error) error {
	if IsRetryable(err) {
		return domain.Upstream("database contention, retry", err)
	}
	return err
}

func (s *Store) conn(ctx context.Context) Querier {
	if q, _ := ctx.Value(txKey{}).(Querier); q != nil {
		return q
	}
	return s.pool
}

// AcquireConversationLock takes the per-conversation advisory lock. It must
// be called inside WithTx; the lock releases at commit or rollback. This is
// the ordering primitive: at most one send per conversation proceeds past
// this point at a time, across all workers sharing the database.
func (s *Store) AcquireConversationLock(ctx context.Context, conversationID string) error {
	if _, ok := ctx.Value(txKey{}).(Querier); !ok {
		return fmt.Errorf("acquire conversation lock: not in transaction")
	}
	_, err := s.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, conversationID)
	if err != nil {
		return fmt.Errorf("acquire conversation lock: %w", err)
	}
	return nil
}
