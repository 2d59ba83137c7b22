package lock

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
)

var sqliteDialect = dialect.Dialect{Name: dialect.SQLite, TransactionalDDL: true}

func openShared(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTableLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lock.db")

	first, err := New(openShared(t, path), sqliteDialect, "first")
	require.NoError(t, err)
	second, err := New(openShared(t, path), sqliteDialect, "second")
	require.NoError(t, err)

	lease, err := Acquire(ctx, first, "sqlite:/tmp/app.db", Options{})
	require.NoError(t, err)

	holder, err := first.(*TableLocker).Holder(ctx, "sqlite:/tmp/app.db")
	require.NoError(t, err)
	assert.Equal(t, "first", holder)

	_, held, err := second.TryAcquire(ctx, "sqlite:/tmp/app.db")
	require.NoError(t, err)
	assert.True(t, held)

	_, err = Acquire(ctx, second, "sqlite:/tmp/app.db", Options{Poll: 10 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrLockTimeout)
	assert.Equal(t, errdefs.KindLockTimeout, errdefs.KindOf(err))

	require.NoError(t, lease.Release(ctx))

	lease, err = Acquire(ctx, second, "sqlite:/tmp/app.db", Options{})
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestTableLockerFailsFastDuringWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lock.db")
	holderDB := openShared(t, path)

	first, err := New(holderDB, sqliteDialect, "first")
	require.NoError(t, err)
	second, err := New(openShared(t, path), sqliteDialect, "second")
	require.NoError(t, err)

	lease, err := Acquire(ctx, first, "key", Options{})
	require.NoError(t, err)

	// the holder is mid-script with a write transaction open
	tx, err := holderDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.Exec(`CREATE TABLE counties (fips TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	start := time.Now()
	_, err = Acquire(ctx, second, "key", Options{})
	assert.ErrorIs(t, err, errdefs.ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, tx.Rollback())
	require.NoError(t, lease.Release(ctx))
}

func TestTableLockerRecoversFromExitedHolder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lock.db")

	first, err := New(openShared(t, path), sqliteDialect, "first")
	require.NoError(t, err)
	second, err := New(openShared(t, path), sqliteDialect, "second")
	require.NoError(t, err)

	lease, err := Acquire(ctx, first, "key", Options{})
	require.NoError(t, err)

	// the process dies: its sidecar connection goes away, the row stays
	lease.(*rowLease).mu.(*sidecar).close()
	holder, err := second.(*TableLocker).Holder(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "first", holder)

	got, err := Acquire(ctx, second, "key", Options{})
	require.NoError(t, err)
	holder, err = second.(*TableLocker).Holder(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "second", holder)
	require.NoError(t, got.Release(ctx))

	holder, err = second.(*TableLocker).Holder(ctx, "key")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestTableLockerBreak(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lock.db")
	db := openShared(t, path)

	locker, err := New(db, sqliteDialect, "operator")
	require.NoError(t, err)
	breaker, ok := locker.(Breaker)
	require.True(t, ok)

	_, err = db.Exec(`CREATE TABLE ` + TableName + ` (name TEXT PRIMARY KEY, holder TEXT NOT NULL, acquired_at TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO `+TableName+` VALUES (?, ?, ?)`, "key", "crashed", "2026-10-19T10:00:00Z")
	require.NoError(t, err)

	previous, err := breaker.Break(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "crashed", previous)

	live, err := New(openShared(t, path), sqliteDialect, "running")
	require.NoError(t, err)
	lease, err := Acquire(ctx, live, "key", Options{})
	require.NoError(t, err)

	holder, err := breaker.Break(ctx, "key")
	assert.ErrorIs(t, err, errdefs.ErrLockTimeout)
	assert.Equal(t, "running", holder)
	require.NoError(t, lease.Release(ctx))
}

func TestTableLockerInMemory(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	locker, err := New(db, sqliteDialect, "mem")
	require.NoError(t, err)
	lease, err := Acquire(ctx, locker, "sqlite::memory:", Options{})
	require.NoError(t, err)

	_, held, err := locker.TryAcquire(ctx, "sqlite::memory:")
	require.NoError(t, err)
	assert.True(t, held)
	require.NoError(t, lease.Release(ctx))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lock.db")

	first, err := New(openShared(t, path), sqliteDialect, "first")
	require.NoError(t, err)
	second, err := New(openShared(t, path), sqliteDialect, "second")
	require.NoError(t, err)

	lease, err := Acquire(ctx, first, "key", Options{})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = lease.Release(context.Background())
	}()

	got, err := Acquire(ctx, second, "key", Options{Wait: 5 * time.Second, Poll: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, got.Release(ctx))
}

func TestNewUnsupported(t *testing.T) {
	_, err := New(nil, dialect.Dialect{Name: "oracle"}, "x")
	assert.ErrorIs(t, err, dialect.ErrUnsupportedDialect)
}

func TestHashKeyStable(t *testing.T) {
	assert.Equal(t, hashKey("postgres:db/app"), hashKey("postgres:db/app"))
	assert.NotEqual(t, hashKey("postgres:db/app"), hashKey("postgres:db/other"))
	assert.GreaterOrEqual(t, hashKey("anything"), int64(0))
}
