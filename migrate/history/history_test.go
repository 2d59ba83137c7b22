package history

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
)

func newManager(t *testing.T) (*Manager, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return NewManager(db, dialect.Dialect{Name: dialect.SQLite, TransactionalDDL: true}), db
}

func TestManagerAppendAndEntries(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	exists, err := m.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := m.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, m.InitTable(ctx))
	require.NoError(t, m.InitTable(ctx))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.Append(ctx, &Entry{Version: "2.2.0", Script: InstallScript, Outcome: Applied, Operator: "ci", AppliedAt: at}))
	require.NoError(t, m.Append(ctx, &Entry{Version: "2.3.0", FromVersion: "2.2.0", Script: "2.2.0_to_2.3.0", Checksum: "abc", Outcome: Applied}))

	entries, err = m.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2.2.0", entries[0].Version)
	assert.Equal(t, "ci", entries[0].Operator)
	assert.True(t, at.Equal(entries[0].AppliedAt))
	assert.Empty(t, entries[0].FromVersion)
	assert.Equal(t, "abc", entries[1].Checksum)
	assert.Less(t, entries[0].ID, entries[1].ID)

	st, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.3.0", st.Current)
	assert.Equal(t, map[string]string{"2.2.0_to_2.3.0": "abc"}, st.Applied)
}

func TestManagerWithTxRollback(t *testing.T) {
	ctx := context.Background()
	m, db := newManager(t)
	require.NoError(t, m.InitTable(ctx))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, m.WithTx(tx).Append(ctx, &Entry{Version: "1.0.0", Outcome: Applied}))
	require.NoError(t, tx.Rollback())

	entries, err := m.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplay(t *testing.T) {
	tests := []struct {
		name        string
		entries     []Entry
		current     string
		blocked     bool
		interrupted bool
	}{
		{
			name: "empty",
		},
		{
			name: "forward then back",
			entries: []Entry{
				{Version: "2.2.0", Script: InstallScript, Outcome: Applied},
				{Version: "2.3.0", Script: "2.2.0_to_2.3.0", Outcome: Applied},
				{Version: "2.2.0", Script: "2.2.0_to_2.3.0", Outcome: RolledBack},
			},
			current: "2.2.0",
		},
		{
			name: "failed partial blocks",
			entries: []Entry{
				{Version: "2.2.0", Outcome: Applied},
				{Version: "2.2.0", Script: "2.2.0_to_2.3.0", Outcome: FailedPartial},
			},
			current: "2.2.0",
			blocked: true,
		},
		{
			name: "acknowledged clears block",
			entries: []Entry{
				{Version: "2.2.0", Outcome: Applied},
				{Version: "2.2.0", Script: "2.2.0_to_2.3.0", Outcome: FailedPartial},
				{Version: "2.3.0", Outcome: Acknowledged},
			},
			current: "2.3.0",
		},
		{
			name: "dangling start",
			entries: []Entry{
				{Version: "2.2.0", Outcome: Applied},
				{Version: "2.2.0", Script: "2.2.0_to_2.3.0", Outcome: Started},
			},
			current:     "2.2.0",
			interrupted: true,
		},
		{
			name: "completed start",
			entries: []Entry{
				{Version: "2.2.0", Outcome: Applied},
				{Version: "2.2.0", Script: "2.2.0_to_2.3.0", Outcome: Started},
				{Version: "2.3.0", Script: "2.2.0_to_2.3.0", Outcome: Applied},
			},
			current: "2.3.0",
		},
		{
			name: "restored",
			entries: []Entry{
				{Version: "2.3.0", Outcome: Applied},
				{Version: "2.2.0", Outcome: Restored},
			},
			current: "2.2.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Replay(tt.entries)
			assert.Equal(t, tt.current, st.Current)
			assert.Equal(t, tt.blocked, st.Blocked)
			assert.Equal(t, tt.interrupted, st.Interrupted)
			assert.Equal(t, tt.blocked || tt.interrupted, st.NeedsIntervention())
			if st.NeedsIntervention() {
				require.NotNil(t, st.Cause)
			} else {
				assert.Nil(t, st.Cause)
			}
		})
	}
}
