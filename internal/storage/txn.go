package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// Transient transaction errors. Run retries any error matching them.
var (
	// ErrConflict is returned by Commit when a concurrent transaction
	// modified data this transaction read.
	ErrConflict = errors.New("transaction conflict")

	// ErrCommitUnknown is returned when a commit may or may not have been
	// applied. Transaction bodies must be idempotent to survive it.
	ErrCommitUnknown = errors.New("commit result unknown")

	// ErrTimeout is returned when the backend could not start or finish a
	// transaction in time.
	ErrTimeout = errors.New("transaction timed out")
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("transaction already finished")

// IsRetryable reports whether err is a transient transaction error.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrCommitUnknown) || errors.Is(err, ErrTimeout)
}

// KeyValue is a single row returned by a range read.
type KeyValue struct {
	Key   string
	Value []byte
}

// RangeOptions controls a range read.
type RangeOptions struct {
	// Limit caps the number of rows returned. Zero means no limit.
	Limit int
	// Reverse returns rows in descending key order.
	Reverse bool
}

// RangeResult holds the rows of a range read. More is set when Limit cut
// the result short.
type RangeResult struct {
	KVs  []KeyValue
	More bool
}

// Txn is the read/write surface of a transaction over the ordered key space.
// Reads observe the transaction's own writes.
type Txn interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetRange(ctx context.Context, r keyrange.Range, opts RangeOptions) (RangeResult, error)
	Set(key string, value []byte) error
	Clear(key string) error
	ClearRange(r keyrange.Range) error
}

// Tx is a transaction that can be committed or discarded.
type Tx interface {
	Txn
	Commit(ctx context.Context) error
	Rollback()
}

// DB is an ordered transactional key-value database.
type DB interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Run executes fn in a transaction and commits it, retrying transient
// errors until ctx is done. fn may run several times and must not have
// side effects outside the transaction.
func Run(ctx context.Context, db DB, fn func(tx Txn) error) error {
	return run(ctx, db, 0, fn)
}

// RunN is Run with at most maxAttempts attempts. When every attempt hits a
// transient error the last one is returned.
func RunN(ctx context.Context, db DB, maxAttempts int, fn func(tx Txn) error) error {
	return run(ctx, db, maxAttempts, fn)
}

func run(ctx context.Context, db DB, maxAttempts int, fn func(tx Txn) error) error {
	for attempt := 1; ; attempt++ {
		err := attemptOnce(ctx, db, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
}

func attemptOnce(ctx context.Context, db DB, fn func(tx Txn) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func backoff(attempt int) time.Duration {
	d := 5 * time.Millisecond << min(attempt, 8)
	return min(d, time.Second)
}
