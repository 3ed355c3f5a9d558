package heap_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/melangedb/melange/internal/codec"
	"github.com/melangedb/melange/internal/heap"
	"github.com/melangedb/melange/internal/vfs"
	"github.com/melangedb/melange/internal/vfs/fakefs"
)

func Test_Heap_Write_Then_Read_Round_Trips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	registry := codec.NewRegistry()

	h, err := heap.Open(vfs.NewReal(), dir, registry, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	payload := []byte("hello, slab")
	frame, err := heap.EncodeFrame(payload, codec.None, registry)
	require.NoError(t, err)

	loc, err := h.Allocate(len(frame))
	require.NoError(t, err)
	require.NoError(t, h.Write(loc, frame))
	require.NoError(t, h.Fsync())

	got, err := h.Read(loc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// Test_Heap_Read_Detects_Torn_Write exercises the crash-consistency scenario
// of a process dying partway through a slab write: the frame only partially
// lands before the crash. Read must surface this as corruption rather than
// returning truncated or garbage data.
func Test_Heap_Read_Detects_Torn_Write(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	registry := codec.NewRegistry()

	fake := fakefs.Wrap(vfs.NewReal())

	h, err := heap.Open(fake, dir, registry, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	payload := []byte("this frame will never fully land on disk")
	frame, err := heap.EncodeFrame(payload, codec.None, registry)
	require.NoError(t, err)

	loc, err := h.Allocate(len(frame))
	require.NoError(t, err)

	slabPath := dir + "/slab-0.dat"
	fake.ArmTornWrite(slabPath, len(frame)/2)

	require.NoError(t, h.Write(loc, frame), "writeAt reports success even though the write tore")
	require.NoError(t, h.Fsync())

	_, err = h.Read(loc)
	require.Error(t, err, "a torn frame must not decode cleanly")
	require.True(t, errors.Is(err, heap.ErrCorruption), "torn write must surface as corruption, got %v", err)
}

// Test_Heap_Read_Detects_Dropped_Write covers the other crash-consistency
// shape: a write acknowledged by the OS but never actually applied before a
// crash, leaving the slot's prior (zeroed, freshly extended) contents.
func Test_Heap_Read_Detects_Dropped_Write(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	registry := codec.NewRegistry()

	fake := fakefs.Wrap(vfs.NewReal())

	h, err := heap.Open(fake, dir, registry, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	payload := []byte("dropped")
	frame, err := heap.EncodeFrame(payload, codec.None, registry)
	require.NoError(t, err)

	loc, err := h.Allocate(len(frame))
	require.NoError(t, err)

	slabPath := dir + "/slab-0.dat"
	fake.ArmDroppedWrite(slabPath, 1)

	require.NoError(t, h.Write(loc, frame), "write reports success even though it was dropped")
	require.NoError(t, h.Fsync())

	_, err = h.Read(loc)
	require.Error(t, err, "a dropped write leaves zeroed bytes that must not decode as a valid frame")
	require.True(t, errors.Is(err, heap.ErrCorruption), "dropped write must surface as corruption, got %v", err)
}
