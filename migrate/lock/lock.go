// Package lock serializes migrations against one database across processes.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
)

// DefaultPollInterval is used when Options.Poll is zero.
const DefaultPollInterval = 500 * time.Millisecond

var errHeld = errors.New("lock held by another process")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker attempts a lock without blocking. held is true when another holder
// owns the key.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (lease Lease, held bool, err error)
}

// Breaker is implemented by lockers whose lock can outlive its holder's
// record. Break clears that record and returns the holder it named.
type Breaker interface {
	Break(ctx context.Context, key string) (string, error)
}

// Options controls Acquire.
type Options struct {
	// Wait is how long to keep retrying a held lock. Zero fails immediately.
	Wait time.Duration
	Poll time.Duration
}

// New returns the locker for the dialect. holder identifies this process in
// lock tables.
func New(db *sql.DB, d dialect.Dialect, holder string) (Locker, error) {
	switch d.Name {
	case dialect.Postgres:
		return &PostgresLocker{db: db}, nil
	case dialect.MySQL:
		return &MySQLLocker{db: db}, nil
	case dialect.SQLite:
		return &TableLocker{db: db, d: d, holder: holder}, nil
	default:
		return nil, fmt.Errorf("%w: %s", dialect.ErrUnsupportedDialect, d.Name)
	}
}

// Acquire takes the lock for key, polling while it is held until opts.Wait
// elapses.
func Acquire(ctx context.Context, l Locker, key string, opts Options) (Lease, error) {
	poll := opts.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	retries := uint64(0)
	if opts.Wait > 0 {
		retries = uint64(opts.Wait / poll)
		if retries == 0 {
			retries = 1
		}
	}

	start := time.Now()
	var lease Lease
	op := func() error {
		got, held, err := l.TryAcquire(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		if held {
			debug.Debug("Lock held, waiting", "key", key, "elapsed", time.Since(start).Round(time.Millisecond))
			return errHeld
		}
		lease = got
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(poll), retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errHeld) || errors.Is(err, context.DeadlineExceeded) {
			lte := &errdefs.LockTimeoutError{Key: key, Cause: err}
			if opts.Wait > 0 {
				lte.Waited = opts.Wait.String()
			}
			return nil, lte
		}
		return nil, err
	}
	return lease, nil
}

// hashKey maps a key to a stable non-negative int64 (FNV-1a).
func hashKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
