package lock

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/satishbabariya/schemaforge/migrate/errdefs"
)

// PostgresLocker uses session advisory locks on a pinned connection.
type PostgresLocker struct {
	db *sql.DB
}

// TryAcquire calls pg_try_advisory_lock on a dedicated connection.
func (l *PostgresLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock connection: %w", err)
	}

	id := hashKey(key)
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("pg_try_advisory_lock(%d): %w", id, err)
	}
	if !ok {
		conn.Close()
		return nil, true, nil
	}
	return &connLease{conn: conn, key: key, unlock: `SELECT pg_advisory_unlock($1)`, arg: id}, false, nil
}

// MySQLLocker uses GET_LOCK on a pinned connection.
type MySQLLocker struct {
	db *sql.DB
}

// TryAcquire calls GET_LOCK with a zero timeout.
func (l *MySQLLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock connection: %w", err)
	}

	// GET_LOCK names are limited to 64 characters
	name := fmt.Sprintf("schemaforge_%x", hashKey(key))
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, name).Scan(&got); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("GET_LOCK(%s): %w", name, err)
	}
	if !got.Valid || got.Int64 != 1 {
		conn.Close()
		return nil, true, nil
	}
	return &connLease{conn: conn, key: key, unlock: `SELECT RELEASE_LOCK(?)`, arg: name}, false, nil
}

type connLease struct {
	conn   *sql.Conn
	key    string
	unlock string
	arg    any
}

func (c *connLease) Release(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, c.unlock, c.arg)
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &errdefs.LockReleaseError{Key: c.key, Cause: err}
	}
	return nil
}
