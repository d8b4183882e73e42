package snapshot_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/SiloDB/src/engine"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/snapshot"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/storage/array"
	"github.com/Blackdeer1524/SiloDB/src/storage/sequential"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

func newTestEngine(t *testing.T) (*engine.Engine, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	e, err := engine.New(engine.TinyOptions(), fs, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	t.Cleanup(func() { assert.NoError(t, e.Uninitialize()) })
	return e, fs
}

func readMetadata(t *testing.T, e *engine.Engine) *snapshot.Metadata {
	t.Helper()
	sm := e.SnapshotManager()
	id := sm.PreviousSnapshotID()
	require.NotEqual(t, common.NullSnapshotID, id)
	meta, err := sm.LoadMetadata(id)
	require.NoError(t, err)
	require.Equal(t, id, meta.ID)
	return meta
}

func TestSnapshotEmpty(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.SnapshotManager().TriggerSnapshotImmediate(true))

	meta := readMetadata(t, e)
	assert.Equal(t, common.EpochInvalid, meta.BaseEpoch)
	assert.True(t, meta.ValidUntilEpoch.IsValid())
	assert.Equal(t, common.StorageID(0), meta.LargestStorageID)
	assert.Empty(t, meta.Storages)
}

func TestSnapshotOneArrayCreate(t *testing.T) {
	e, _ := newTestEngine(t)

	cb, commitEpoch, err := e.StorageManager().CreateStorage(array.NewMetadata("test", 16, 100))
	require.NoError(t, err)
	out := array.Wrap(e.StorageManager(), cb)
	require.True(t, out.Exists())
	require.True(t, commitEpoch.IsValid())

	require.NoError(t, e.XctManager().WaitForCommit(commitEpoch, -1))
	require.NoError(t, e.SnapshotManager().TriggerSnapshotImmediate(true))

	meta := readMetadata(t, e)
	assert.Equal(t, common.EpochInvalid, meta.BaseEpoch)
	assert.True(t, meta.ValidUntilEpoch == commitEpoch || commitEpoch.Before(meta.ValidUntilEpoch),
		"valid_until %d must cover the reported commit epoch %d", meta.ValidUntilEpoch, commitEpoch)
	assert.Equal(t, common.StorageID(1), meta.LargestStorageID)

	entry := meta.GetMetadata(out.ID())
	require.NotNil(t, entry)
	assert.Equal(t, out.ID(), entry.ID)
	assert.Equal(t, "test", entry.Name)
	assert.Equal(t, storage.TypeArray, entry.Type)
	assert.Equal(t, uint64(100), entry.ArraySize)
	assert.Equal(t, uint16(16), entry.PayloadSize)
}

func TestSnapshotTwoArrayCreate(t *testing.T) {
	e, _ := newTestEngine(t)
	sm := e.StorageManager()

	cb1, _, err := sm.CreateStorage(array.NewMetadata("test", 16, 10))
	require.NoError(t, err)
	out := array.Wrap(sm, cb1)
	require.True(t, out.Exists())

	cb2, commitEpoch, err := sm.CreateStorage(array.NewMetadata("test2", 50, 20))
	require.NoError(t, err)
	out2 := array.Wrap(sm, cb2)
	require.True(t, out2.Exists())
	require.True(t, commitEpoch.IsValid())

	require.NoError(t, e.XctManager().WaitForCommit(commitEpoch, -1))
	require.NoError(t, e.SnapshotManager().TriggerSnapshotImmediate(true))

	meta := readMetadata(t, e)
	assert.Equal(t, common.EpochInvalid, meta.BaseEpoch)
	assert.True(t, meta.ValidUntilEpoch == commitEpoch || commitEpoch.Before(meta.ValidUntilEpoch))
	assert.Equal(t, common.StorageID(2), meta.LargestStorageID)

	for _, want := range []struct {
		id          common.StorageID
		name        string
		arraySize   uint64
		payloadSize uint16
	}{
		{out.ID(), "test", 10, 16},
		{out2.ID(), "test2", 20, 50},
	} {
		entry := meta.GetMetadata(want.id)
		require.NotNil(t, entry, "metadata for %q", want.name)
		assert.Equal(t, want.id, entry.ID)
		assert.Equal(t, want.name, entry.Name)
		assert.Equal(t, storage.TypeArray, entry.Type)
		assert.Equal(t, want.arraySize, entry.ArraySize)
		assert.Equal(t, want.payloadSize, entry.PayloadSize)
	}
}

func TestSnapshotMaterializesArrayWrites(t *testing.T) {
	e, _ := newTestEngine(t)
	mgr := e.XctManager()

	cb, _, err := e.StorageManager().CreateStorage(array.NewMetadata("data", 8, 100))
	require.NoError(t, err)
	arr := array.Wrap(e.StorageManager(), cb)

	w := e.NewWorker(0)
	var lastEpoch common.Epoch
	for _, off := range []uint64{0, 13, 57, 99} {
		payload := make([]byte, 8)
		payload[0] = byte(off)
		require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
		require.NoError(t, arr.Overwrite(w, off, payload))
		lastEpoch, err = mgr.PrecommitXct(w)
		require.NoError(t, err)
	}
	require.NoError(t, mgr.WaitForCommit(lastEpoch, -1))

	require.NoError(t, e.SnapshotManager().TriggerSnapshotImmediate(true))

	root := cb.Root.Snapshot()
	require.False(t, root.IsNull(), "snapshot root pointer must be stitched in")

	// a snapshot-isolation read is served from the materialized pages
	require.NoError(t, mgr.BeginXct(w, xct.IsolationSnapshot))
	for _, off := range []uint64{0, 13, 57, 99} {
		got, err := arr.Read(w, off)
		require.NoError(t, err)
		assert.Equal(t, byte(off), got[0], "offset %d", off)
	}
	require.NoError(t, mgr.AbortXct(w))
}

func TestSnapshotSequentialAppends(t *testing.T) {
	e, _ := newTestEngine(t)
	mgr := e.XctManager()

	cb, _, err := e.StorageManager().CreateStorage(sequential.NewMetadata("events"))
	require.NoError(t, err)
	seq := sequential.Wrap(e.StorageManager(), cb)

	w := e.NewWorker(1)
	var lastEpoch common.Epoch
	for i := 0; i < 5; i++ {
		require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
		seq.Append(w, []byte{byte(i)})
		lastEpoch, err = mgr.PrecommitXct(w)
		require.NoError(t, err)
	}
	require.NoError(t, mgr.WaitForCommit(lastEpoch, -1))
	assert.Equal(t, 5, seq.Count())

	require.NoError(t, e.SnapshotManager().TriggerSnapshotImmediate(true))
	assert.False(t, cb.Root.Snapshot().IsNull())
}

func TestSecondSnapshotUsesFirstAsBase(t *testing.T) {
	e, _ := newTestEngine(t)
	mgr := e.XctManager()

	cb, _, err := e.StorageManager().CreateStorage(array.NewMetadata("incr", 8, 100))
	require.NoError(t, err)
	arr := array.Wrap(e.StorageManager(), cb)
	w := e.NewWorker(0)

	write := func(off uint64, v byte) {
		payload := make([]byte, 8)
		payload[0] = v
		require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
		require.NoError(t, arr.Overwrite(w, off, payload))
		epoch, err := mgr.PrecommitXct(w)
		require.NoError(t, err)
		require.NoError(t, mgr.WaitForCommit(epoch, -1))
	}

	write(7, 0x11)
	require.NoError(t, e.SnapshotManager().TriggerSnapshotImmediate(true))
	first := readMetadata(t, e)

	write(8, 0x22)
	require.NoError(t, e.SnapshotManager().TriggerSnapshotImmediate(true))
	second := readMetadata(t, e)

	assert.Equal(t, first.ID+1, second.ID)
	assert.Equal(t, first.ValidUntilEpoch, second.BaseEpoch,
		"second snapshot starts where the first left off")

	// both offsets visible through the second snapshot
	require.NoError(t, mgr.BeginXct(w, xct.IsolationSnapshot))
	got7, err := arr.Read(w, 7)
	require.NoError(t, err)
	got8, err := arr.Read(w, 8)
	require.NoError(t, err)
	require.NoError(t, mgr.AbortXct(w))
	assert.Equal(t, byte(0x11), got7[0])
	assert.Equal(t, byte(0x22), got8[0])
}
