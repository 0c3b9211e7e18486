package replication

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"qubedb/pkg/record"
	"qubedb/pkg/types"
)

func openTestLog(t *testing.T, dir string) (*LogDB, *LogStore) {
	t.Helper()
	db, err := OpenLogDB(filepath.Join(dir, "raft.db"))
	require.NoError(t, err)
	s, err := db.Shard(3)
	require.NoError(t, err)
	return db, s
}

func entry(i types.LogIndex, term types.Term) LogEntry {
	return LogEntry{
		Index: i,
		Term:  term,
		Command: Command{
			Type:   CmdInsert,
			Record: record.NewRow("users", "k", map[string]any{"n": int(i)}),
		},
	}
}

func TestLogStore_AppendAndRead(t *testing.T) {
	db, s := openTestLog(t, t.TempDir())
	defer db.Close()

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Zero(t, last)

	require.NoError(t, s.Append([]LogEntry{entry(1, 1), entry(2, 1), entry(3, 2)}))

	last, err = s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(3), last)

	got, err := s.Entries(2, 4)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, types.LogIndex(2), got[0].Index)
	require.Equal(t, types.Term(2), got[1].Term)
	require.Equal(t, int64(3), got[1].Command.Record.Fields["n"])

	term, err := s.Term(0)
	require.NoError(t, err)
	require.Zero(t, term)

	_, err = s.Entries(3, 5)
	require.ErrorIs(t, err, errMissingEntry)
}

func TestLogStore_AppendTruncatesSuffix(t *testing.T) {
	db, s := openTestLog(t, t.TempDir())
	defer db.Close()

	require.NoError(t, s.Append([]LogEntry{entry(1, 1), entry(2, 1), entry(3, 1), entry(4, 1)}))
	require.NoError(t, s.Append([]LogEntry{entry(3, 2)}))

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(3), last)

	term, err := s.Term(3)
	require.NoError(t, err)
	require.Equal(t, types.Term(2), term)
}

func TestLogStore_HardStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, s := openTestLog(t, dir)

	hs, err := s.HardState()
	require.NoError(t, err)
	require.Equal(t, HardState{}, hs)

	want := HardState{Term: 7, VotedFor: "node-2", Commit: 2}
	require.NoError(t, s.SetHardState(want))
	require.NoError(t, s.Append([]LogEntry{entry(1, 7), entry(2, 7)}))
	require.NoError(t, db.Close())

	db, s = openTestLog(t, dir)
	defer db.Close()
	hs, err = s.HardState()
	require.NoError(t, err)
	require.Equal(t, want, hs)

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(2), last)
}

func TestLogStore_ShardsAreIsolated(t *testing.T) {
	db, err := OpenLogDB(filepath.Join(t.TempDir(), "raft.db"))
	require.NoError(t, err)
	defer db.Close()

	a, err := db.Shard(0)
	require.NoError(t, err)
	b, err := db.Shard(1)
	require.NoError(t, err)

	require.NoError(t, a.Append([]LogEntry{entry(1, 1)}))
	last, err := b.LastIndex()
	require.NoError(t, err)
	require.Zero(t, last)
}

func TestLogStore_AppliedIndex(t *testing.T) {
	dir := t.TempDir()
	db, s := openTestLog(t, dir)

	applied, err := s.Applied()
	require.NoError(t, err)
	require.Zero(t, applied)

	require.NoError(t, s.SetApplied(42))
	require.NoError(t, db.Close())

	db, s = openTestLog(t, dir)
	defer db.Close()
	applied, err = s.Applied()
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(42), applied)
}
