package executor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/history"
	"github.com/satishbabariya/schemaforge/migrate/integrity"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
	"github.com/satishbabariya/schemaforge/migrate/lock"
	"github.com/satishbabariya/schemaforge/migrate/shadow"
	"github.com/satishbabariya/schemaforge/migrate/validator"
	"github.com/satishbabariya/schemaforge/telemetry"
)

const def220 = `version: 2.2.0
description: Baseline
tables:
  - name: counties
    ddl: CREATE TABLE counties (fips TEXT PRIMARY KEY, name TEXT NOT NULL)
views:
  - name: v_names
    ddl: CREATE VIEW v_names AS SELECT name FROM counties
`

const def230 = `version: 2.3.0
description: Adds new_table
tables:
  - name: counties
    ddl: CREATE TABLE counties (fips TEXT PRIMARY KEY, name TEXT NOT NULL)
  - name: new_table
    ddl: CREATE TABLE new_table (id INTEGER PRIMARY KEY, label TEXT NOT NULL)
    indexes:
      - CREATE INDEX idx_new_table_label ON new_table (label)
views:
  - name: v_names
    ddl: CREATE VIEW v_names AS SELECT name FROM counties
`

const script230 = `migration "2.2.0" -> "2.3.0"

step "create new_table" {
  forward <<<
    CREATE TABLE new_table (id INTEGER PRIMARY KEY, label TEXT NOT NULL)
  >>>
  rollback <<<
    DROP TABLE new_table
  >>>
  validate <<<
    SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'new_table'
  >>>
}

step "index label" {
  forward <<<
    CREATE INDEX idx_new_table_label ON new_table (label)
  >>>
  rollback <<<
    DROP INDEX idx_new_table_label
  >>>
}
`

var sqliteDialect = dialect.Dialect{Name: dialect.SQLite, TransactionalDDL: true}

type fixture struct {
	t        *testing.T
	fs       afero.Fs
	db       *sql.DB
	path     string
	d        dialect.Dialect
	metrics  *telemetry.Recorder
	operator string
}

func newFixture(t *testing.T, d dialect.Dialect, script string) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"definitions/2.2.0.yaml":        def220,
		"definitions/2.3.0.yaml":        def230,
		"migrations/2.2.0_to_2.3.0.mig": script,
	}
	for path, content := range files {
		require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}

	path := filepath.Join(t.TempDir(), "target.db")
	db, err := dialect.Open(context.Background(), d, path, dialect.OpenOptions{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{t: t, fs: fs, db: db, path: path, d: d, metrics: telemetry.NewRecorder(), operator: "tester"}
}

func (f *fixture) executor() *Executor {
	f.t.Helper()
	cat, err := definition.NewLoader(f.fs, "definitions", "migrations").Load()
	require.NoError(f.t, err)

	manifest, err := integrity.LoadManifest(f.fs, "migrations/checksums.yaml")
	require.NoError(f.t, err)
	_, err = integrity.Record(manifest, cat.Scripts, nil, time.Now())
	require.NoError(f.t, err)

	locker, err := lock.New(f.db, f.d, "tester")
	require.NoError(f.t, err)

	return New(Config{
		DB:        f.db,
		Dialect:   f.d,
		Locker:    locker,
		LockKey:   f.d.Identity(f.path),
		Catalog:   cat,
		Manifest:  manifest,
		Validator: validator.New(shadow.NewResolver(shadow.Config{Dialect: f.d, Driver: "sqlite"}), nil),
		Operator:  f.operator,
		Metrics:   f.metrics,
	})
}

func (f *fixture) structure() *introspect.Structure {
	f.t.Helper()
	s, err := introspect.Read(context.Background(), f.db, f.d)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) history() history.State {
	f.t.Helper()
	st, err := history.NewManager(f.db, f.d).State(context.Background())
	require.NoError(f.t, err)
	return st
}

func TestMigrateForwardAndBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqliteDialect, script230)
	ex := f.executor()

	res, err := ex.Migrate(ctx, Options{Target: "2.2.0"})
	require.NoError(t, err)
	assert.Equal(t, "", res.Start)
	assert.Equal(t, "2.2.0", res.Reached)
	assert.Equal(t, []string{history.InstallScript}, res.Applied)
	assert.Equal(t, []State{Idle, LockAcquired, Planning, Executing, Verifying, Committed}, res.Trail)
	baseline := f.structure().Checksum()

	res, err = ex.Migrate(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, "2.3.0", res.Reached)
	assert.Equal(t, []string{"2.2.0_to_2.3.0"}, res.Applied)
	assert.Equal(t, Committed, res.State)
	_, ok := f.structure().Table("new_table")
	assert.True(t, ok)

	res, err = ex.Migrate(ctx, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, []State{Idle, LockAcquired, Planning, Committed}, res.Trail)

	res, err = ex.Migrate(ctx, Options{Target: "2.2.0"})
	require.NoError(t, err)
	assert.Equal(t, "2.2.0", res.Reached)
	_, ok = f.structure().Table("new_table")
	assert.False(t, ok)
	assert.Equal(t, baseline, f.structure().Checksum())

	entries, err := history.NewManager(f.db, f.d).Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, history.Applied, entries[0].Outcome)
	assert.Equal(t, history.Applied, entries[1].Outcome)
	assert.Equal(t, "2.3.0", entries[1].Version)
	assert.Equal(t, "tester", entries[1].Operator)
	assert.Equal(t, history.RolledBack, entries[2].Outcome)
	assert.Equal(t, "2.2.0", entries[2].Version)
	assert.Equal(t, "2.2.0", f.history().Current)
}

func TestMigrateValidationQueryFails(t *testing.T) {
	ctx := context.Background()
	failing := `migration "2.2.0" -> "2.3.0"

step "create new_table" {
  forward <<<
    CREATE TABLE new_table (id INTEGER PRIMARY KEY, label TEXT NOT NULL)
  >>>
  rollback <<<
    DROP TABLE new_table
  >>>
  validate <<<
    SELECT COUNT(*) FROM new_table
  >>>
}
`
	f := newFixture(t, sqliteDialect, failing)
	ex := f.executor()

	_, err := ex.Migrate(ctx, Options{Target: "2.2.0"})
	require.NoError(t, err)

	res, err := ex.Migrate(ctx, Options{})
	require.Error(t, err)

	var drift *errdefs.ValidationDriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, 1, drift.StepIndex)
	assert.Equal(t, "0", drift.Actual)
	assert.Equal(t, errdefs.VersionPair{From: "2.2.0", To: "2.3.0"}, drift.Pair)
	assert.Equal(t, RolledBack, res.State)
	assert.Equal(t, "2.2.0", res.Reached)

	_, ok := f.structure().Table("new_table")
	assert.False(t, ok)
	assert.Equal(t, "2.2.0", f.history().Current)
}

func TestMigrateNonTransactionalCompensates(t *testing.T) {
	ctx := context.Background()
	broken := `migration "2.2.0" -> "2.3.0"

step "create new_table" {
  forward <<<
    CREATE TABLE new_table (id INTEGER PRIMARY KEY, label TEXT NOT NULL)
  >>>
  rollback <<<
    DROP TABLE new_table
  >>>
}

step "broken" {
  forward <<<
    CREATE INDEX idx_missing ON no_such_table (label)
  >>>
}
`
	d := dialect.Dialect{Name: dialect.SQLite, TransactionalDDL: false}
	f := newFixture(t, d, broken)
	ex := f.executor()

	_, err := ex.Migrate(ctx, Options{Target: "2.2.0"})
	require.NoError(t, err)

	res, err := ex.Migrate(ctx, Options{})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindStepExecution, errdefs.KindOf(err))
	assert.Equal(t, RolledBack, res.State)

	_, ok := f.structure().Table("new_table")
	assert.False(t, ok)

	st := f.history()
	assert.Equal(t, "2.2.0", st.Current)
	assert.False(t, st.NeedsIntervention())

	entries, err := history.NewManager(f.db, f.d).Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, history.Started, entries[2].Outcome)
	assert.Equal(t, history.RolledBack, entries[3].Outcome)
	assert.Contains(t, entries[3].Detail, "step 2")
}

func TestMigrateFailedPartialBlocks(t *testing.T) {
	ctx := context.Background()
	irreversible := `migration "2.2.0" -> "2.3.0"

step "create new_table" {
  forward <<<
    CREATE TABLE new_table (id INTEGER PRIMARY KEY, label TEXT NOT NULL)
  >>>
}

step "broken" {
  forward <<<
    CREATE INDEX idx_missing ON no_such_table (label)
  >>>
}
`
	d := dialect.Dialect{Name: dialect.SQLite, TransactionalDDL: false}
	f := newFixture(t, d, irreversible)
	ex := f.executor()

	_, err := ex.Migrate(ctx, Options{Target: "2.2.0"})
	require.NoError(t, err)

	res, err := ex.Migrate(ctx, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrRollbackFailure)
	assert.Contains(t, err.Error(), "manual intervention required")
	assert.Equal(t, FailedPartial, res.State)

	var rf *errdefs.RollbackFailureError
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, 2, rf.StepIndex)

	st := f.history()
	assert.True(t, st.Blocked)

	res, err = ex.Migrate(ctx, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrRollbackFailure)
	assert.Equal(t, Aborted, res.State)

	require.NoError(t, ex.Acknowledge(ctx, "2.2.0", "dropped new_table by hand"))
	st = f.history()
	assert.False(t, st.NeedsIntervention())
	assert.Equal(t, "2.2.0", st.Current)
}

func TestMigrateChecksumTamper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqliteDialect, script230)
	ex := f.executor()

	_, err := ex.Migrate(ctx, Options{})
	require.NoError(t, err)

	manifest, err := integrity.LoadManifest(f.fs, "migrations/checksums.yaml")
	require.NoError(t, err)
	cat, err := definition.NewLoader(f.fs, "definitions", "migrations").Load()
	require.NoError(t, err)
	_, err = integrity.Record(manifest, cat.Scripts, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, manifest.Save())

	require.NoError(t, afero.WriteFile(f.fs, "migrations/2.2.0_to_2.3.0.mig", []byte(script230+"\n-- edited\n"), 0o644))
	cat, err = definition.NewLoader(f.fs, "definitions", "migrations").Load()
	require.NoError(t, err)

	locker, err := lock.New(f.db, f.d, "tester")
	require.NoError(t, err)
	tampered := New(Config{DB: f.db, Dialect: f.d, Locker: locker, LockKey: "k", Catalog: cat, Manifest: manifest})

	res, err := tampered.Migrate(ctx, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrChecksumMismatch)
	assert.Equal(t, Aborted, res.State)

	res, err = tampered.Migrate(ctx, Options{AllowChecksumMismatch: true})
	require.NoError(t, err)
	assert.Len(t, res.Mismatches, 2)
	assert.Equal(t, Committed, res.State)
}

func TestMigrateLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqliteDialect, script230)
	ex := f.executor()

	other, err := sql.Open("sqlite", f.path)
	require.NoError(t, err)
	defer other.Close()
	holder, err := lock.New(other, f.d, "someone-else")
	require.NoError(t, err)
	lease, err := lock.Acquire(ctx, holder, f.d.Identity(f.path), lock.Options{})
	require.NoError(t, err)

	// the holder is mid-script with a write transaction open
	tx, err := other.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.Exec(`CREATE TABLE in_progress (id INTEGER)`)
	require.NoError(t, err)

	start := time.Now()
	res, err := ex.Migrate(ctx, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrLockTimeout)
	assert.Equal(t, Idle, res.State)
	assert.Less(t, time.Since(start), time.Second, "a held lock fails fast without --wait")

	require.NoError(t, tx.Rollback())
	require.NoError(t, lease.Release(ctx))
	_, err = ex.Migrate(ctx, Options{})
	require.NoError(t, err)
}

func TestMigrateReplacesLockOfExitedHolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqliteDialect, script230)
	ex := f.executor()

	// a killed run leaves its lock row; the OS already dropped its file lock
	_, err := f.db.Exec(`CREATE TABLE ` + lock.TableName + ` (name TEXT PRIMARY KEY, holder TEXT NOT NULL, acquired_at TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = f.db.Exec(`INSERT INTO `+lock.TableName+` VALUES (?, ?, ?)`, f.d.Identity(f.path), "killed", "2026-10-19T10:00:00Z")
	require.NoError(t, err)

	res, err := ex.Migrate(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, "2.3.0", res.Reached)

	var rows int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM `+lock.TableName).Scan(&rows))
	assert.Zero(t, rows)
}

func TestMigratePathGapLeavesDatabaseUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqliteDialect, script230)
	ex := f.executor()

	res, err := ex.Migrate(ctx, Options{Target: "2.5.0"})
	assert.ErrorIs(t, err, errdefs.ErrMigrationPathGap)
	assert.Equal(t, Idle, res.State)

	var tables int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master`).Scan(&tables))
	assert.Zero(t, tables)
}

func TestMigrateRefusesUnrecordedScript(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqliteDialect, script230)
	ex := f.executor()
	delete(ex.manifest.Scripts, "2.2.0_to_2.3.0")

	_, err := ex.Migrate(ctx, Options{Target: "2.2.0"})
	require.NoError(t, err, "installing the root version runs no script")

	res, err := ex.Migrate(ctx, Options{})
	var mismatch *errdefs.ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Len(t, mismatch.Mismatches, 1)
	assert.Equal(t, "not in manifest", mismatch.Mismatches[0].Source)
	assert.Equal(t, Aborted, res.State)
	assert.Equal(t, "2.2.0", f.history().Current)
	_, created := f.structure().Table("new_table")
	assert.False(t, created)

	res, err = ex.Migrate(ctx, Options{AllowChecksumMismatch: true})
	require.NoError(t, err)
	assert.Equal(t, "2.3.0", res.Reached)
}

func TestMigratePreflightDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqliteDialect, script230)
	ex := f.executor()

	_, err := ex.Migrate(ctx, Options{Target: "2.2.0"})
	require.NoError(t, err)
	_, err = f.db.Exec(`DROP VIEW v_names`)
	require.NoError(t, err)

	res, err := ex.Migrate(ctx, Options{})
	require.Error(t, err)
	var drift *errdefs.ValidationDriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, "pre-flight", drift.Step)
	assert.Equal(t, Aborted, res.State)

	res, err = ex.Migrate(ctx, Options{SkipValidation: true})
	require.NoError(t, err)
	assert.Equal(t, "2.3.0", res.Reached)
}

func TestBaseline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqliteDialect, script230)
	ex := f.executor()

	_, err := f.db.Exec(`CREATE TABLE counties (fips TEXT PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	err = ex.Baseline(ctx, "2.2.0", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrValidationDrift)

	_, err = f.db.Exec(`CREATE VIEW v_names AS SELECT name FROM counties`)
	require.NoError(t, err)
	require.NoError(t, ex.Baseline(ctx, "2.2.0", false))
	assert.Equal(t, "2.2.0", f.history().Current)

	assert.Error(t, ex.Baseline(ctx, "2.2.0", false))
	assert.ErrorIs(t, ex.Baseline(ctx, "9.9.9", false), errdefs.ErrMigrationPathGap)

	res, err := ex.Migrate(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, "2.3.0", res.Reached)
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	m := NewMachine(nil)
	assert.ErrorIs(t, m.To(Executing), ErrInvalidTransition)
	require.NoError(t, m.To(LockAcquired))
	require.NoError(t, m.To(Planning))
	assert.ErrorIs(t, m.To(RolledBack), ErrInvalidTransition)
	require.NoError(t, m.To(Executing))
	require.NoError(t, m.To(Verifying))
	require.NoError(t, m.To(Executing))
	require.NoError(t, m.To(RollingBack))
	require.NoError(t, m.To(FailedPartial))
	assert.True(t, m.State().Terminal())
	assert.ErrorIs(t, m.To(Committed), ErrInvalidTransition)
	require.NoError(t, m.To(LockReleaseError))
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{int64(0), false},
		{int64(3), true},
		{float64(0), false},
		{true, true},
		{false, false},
		{[]byte("1"), true},
		{[]byte("0"), false},
		{"f", false},
		{"false", false},
		{"", false},
		{"ok", true},
		{"0.0", false},
	}
	for _, tt := range tests {
		got, _ := truthy(tt.in)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
}
