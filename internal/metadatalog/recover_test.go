package metadatalog_test

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/melangedb/melange/internal/heap"
	"github.com/melangedb/melange/internal/metadatalog"
	"github.com/melangedb/melange/internal/vfs"
	"github.com/melangedb/melange/internal/vfs/fakefs"
)

func Test_Recover_Replays_Every_Committed_Record(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.log")

	real := vfs.NewReal()

	log, err := metadatalog.Open(real, path)
	require.NoError(t, err, "open log")

	want := []metadatalog.Record{
		{Epoch: 1, Tuples: []metadatalog.Tuple{
			{ObjectID: 1, Loc: heap.Location{SlabID: 0, SlotIndex: 0}, LowKey: []byte("a")},
		}},
		{Epoch: 2, Tuples: []metadatalog.Tuple{
			{ObjectID: 2, Loc: heap.Location{SlabID: 0, SlotIndex: 1}, LowKey: []byte("b")},
			{ObjectID: 3, Loc: heap.Location{SlabID: 1, SlotIndex: 0}, LowKey: []byte("c")},
		}},
	}

	for _, rec := range want {
		require.NoError(t, log.Append(rec.Epoch, rec.Tuples), "append epoch %d", rec.Epoch)
	}

	require.NoError(t, log.Fsync())
	require.NoError(t, log.Close())

	got, maxID, err := metadatalog.Recover(real, path)
	require.NoError(t, err, "recover")
	require.Equal(t, uint64(3), maxID, "max object id")

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("recovered records mismatch (-want +got):\n%s", diff)
	}
}

// Test_Recover_Drops_Torn_Trailing_Record exercises the crash-consistency
// scenario of a process dying mid-append: the last record's bytes only
// partially reached disk before the crash. Recover must replay every
// complete record before the tear and truncate the tear away, rather than
// surfacing an error or losing already-committed records.
func Test_Recover_Drops_Torn_Trailing_Record(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.log")

	fake := fakefs.Wrap(vfs.NewReal())

	log, err := metadatalog.Open(fake, path)
	require.NoError(t, err, "open log")

	committed := metadatalog.Record{
		Epoch: 1,
		Tuples: []metadatalog.Tuple{
			{ObjectID: 1, Loc: heap.Location{SlabID: 0, SlotIndex: 0}, LowKey: []byte("committed")},
		},
	}
	require.NoError(t, log.Append(committed.Epoch, committed.Tuples))
	require.NoError(t, log.Fsync())

	fullSize := fileSize(t, path)

	torn := metadatalog.Record{
		Epoch: 2,
		Tuples: []metadatalog.Tuple{
			{ObjectID: 2, Loc: heap.Location{SlabID: 0, SlotIndex: 1}, LowKey: []byte("never-landed")},
		},
	}
	tornBuf := metadatalog.EncodeRecord(torn.Epoch, torn.Tuples)

	// Arm the tear before appending: only half the torn record's bytes
	// actually land, simulating a crash mid-write.
	fake.ArmTornWrite(path, len(tornBuf)/2)
	require.NoError(t, log.Append(torn.Epoch, torn.Tuples), "append reports success even though the write tore")
	require.NoError(t, log.Fsync())
	require.NoError(t, log.Close())

	got, maxID, err := metadatalog.Recover(fake, path)
	require.NoError(t, err, "recover must not fail on a torn trailing record")
	require.Equal(t, uint64(1), maxID, "max object id must only reflect the committed record")

	if diff := cmp.Diff([]metadatalog.Record{committed}, got); diff != "" {
		t.Fatalf("recovered records mismatch (-want +got):\n%s", diff)
	}

	// The corrupt tail must be truncated away so a later Append can't end
	// up stranded behind it.
	after := fileSize(t, path)
	require.Equal(t, fullSize, after, "log should be truncated back to the last valid record")
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()

	info, err := vfs.NewReal().Stat(path)
	require.NoError(t, err, "stat %s", path)

	return info.Size()
}
