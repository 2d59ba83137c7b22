package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
)

// TableName is the table where TableLocker records who holds the lock.
const TableName = "_schema_lock"

// SidecarSuffix is appended to the database file name to name the lock file.
const SidecarSuffix = ".lock"

// TableLocker serializes migrations against a SQLite database, which has no
// advisory locks. The lock is a write transaction held open on a sidecar
// database next to the target file, so the operating system drops it when
// the holding process dies. The holder is recorded as a row in TableName; a
// row left behind by a dead process is replaced by the next acquire.
type TableLocker struct {
	db     *sql.DB
	d      dialect.Dialect
	holder string
}

// TryAcquire takes the sidecar lock without waiting and records the holder.
func (l *TableLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	lease, _, held, err := l.acquire(ctx, key)
	if lease == nil {
		return nil, held, err
	}
	return lease, false, nil
}

func (l *TableLocker) acquire(ctx context.Context, key string) (*rowLease, string, bool, error) {
	file, err := l.file(ctx)
	if err != nil {
		return nil, "", false, err
	}

	var mu mutex
	if file == "" {
		// in-memory databases are private to this process
		if !memLocks.tryLock(key) {
			return nil, "", true, nil
		}
		mu = memUnlock(key)
	} else {
		side, held, err := lockSidecar(ctx, l.db.Driver(), file+SidecarSuffix)
		if err != nil || held {
			return nil, "", held, err
		}
		mu = side
	}

	previous, err := l.record(ctx, key)
	if err != nil {
		_ = mu.unlock()
		return nil, "", false, err
	}
	if previous != "" && previous != l.holder {
		debug.Warn("Replaced lock record left by an exited process", "key", key, "holder", previous)
	}
	return &rowLease{l: l, key: key, mu: mu}, previous, false, nil
}

// Break clears the holder record for key and returns the holder it named.
// A lock still held by a running process is not broken.
func (l *TableLocker) Break(ctx context.Context, key string) (string, error) {
	lease, previous, held, err := l.acquire(ctx, key)
	if err != nil {
		return "", err
	}
	if held {
		holder, _ := l.Holder(ctx, key)
		return holder, &errdefs.LockTimeoutError{Key: key, Cause: fmt.Errorf("held by running process %s", holder)}
	}
	return previous, lease.Release(ctx)
}

// Holder returns who holds key, or "" when it is free. After a crash it may
// name a process that has exited until the next acquire replaces it.
func (l *TableLocker) Holder(ctx context.Context, key string) (string, error) {
	var holder string
	err := l.db.QueryRowContext(ctx, l.d.Rebind(`SELECT holder FROM `+TableName+` WHERE name = ?`), key).Scan(&holder)
	if err == sql.ErrNoRows || (err != nil && strings.Contains(err.Error(), "no such table")) {
		return "", nil
	}
	return holder, err
}

// file returns the path of the main database file, "" for in-memory databases.
func (l *TableLocker) file(ctx context.Context) (string, error) {
	var file sql.NullString
	if err := l.db.QueryRowContext(ctx, `SELECT file FROM pragma_database_list WHERE name = 'main'`).Scan(&file); err != nil {
		return "", fmt.Errorf("failed to locate database file: %w", err)
	}
	return file.String, nil
}

func (l *TableLocker) record(ctx context.Context, key string) (string, error) {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+TableName+` (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return "", fmt.Errorf("failed to create lock table: %w", err)
	}
	previous, err := l.Holder(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read lock row: %w", err)
	}
	_, err = l.db.ExecContext(ctx, l.d.Rebind(`INSERT OR REPLACE INTO `+TableName+` (name, holder, acquired_at) VALUES (?, ?, ?)`),
		key, l.holder, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to write lock row: %w", err)
	}
	return previous, nil
}

type rowLease struct {
	l   *TableLocker
	key string
	mu  mutex
}

func (r *rowLease) Release(ctx context.Context) error {
	var errs *multierror.Error
	_, err := r.l.db.ExecContext(ctx, r.l.d.Rebind(`DELETE FROM `+TableName+` WHERE name = ? AND holder = ?`), r.key, r.l.holder)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := r.mu.unlock(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return &errdefs.LockReleaseError{Key: r.key, Cause: err}
	}
	return nil
}

type mutex interface {
	unlock() error
}

// sidecar holds BEGIN IMMEDIATE open on its own pool.
type sidecar struct {
	db   *sql.DB
	conn *sql.Conn
}

func lockSidecar(ctx context.Context, drv driver.Driver, path string) (*sidecar, bool, error) {
	db := sql.OpenDB(dsnConnector{drv: drv, dsn: path})
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, false, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	s := &sidecar{db: db, conn: conn}

	// busy_timeout 0 turns contention into SQLITE_BUSY at once
	for _, stmt := range []string{"PRAGMA busy_timeout = 0", "BEGIN IMMEDIATE"} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			s.close()
			if isContention(err) {
				return nil, true, nil
			}
			return nil, false, fmt.Errorf("failed to lock %s: %w", path, err)
		}
	}
	return s, false, nil
}

func (s *sidecar) unlock() error {
	_, err := s.conn.ExecContext(context.Background(), "ROLLBACK")
	s.close()
	return err
}

func (s *sidecar) close() {
	s.conn.Close()
	s.db.Close()
}

type dsnConnector struct {
	drv driver.Driver
	dsn string
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) { return c.drv.Open(c.dsn) }
func (c dsnConnector) Driver() driver.Driver                      { return c.drv }

var memLocks = &keySet{held: map[string]bool{}}

type keySet struct {
	mu   sync.Mutex
	held map[string]bool
}

func (k *keySet) tryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.held[key] {
		return false
	}
	k.held[key] = true
	return true
}

type memUnlock string

func (m memUnlock) unlock() error {
	memLocks.mu.Lock()
	defer memLocks.mu.Unlock()
	delete(memLocks.held, string(m))
	return nil
}

func isContention(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
