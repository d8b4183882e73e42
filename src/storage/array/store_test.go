package array_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/SiloDB/src/engine"
	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/pkg/utils"
	"github.com/Blackdeer1524/SiloDB/src/storage/array"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.TinyOptions(), afero.NewMemMapFs(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	t.Cleanup(func() { assert.NoError(t, e.Uninitialize()) })
	return e
}

func createArray(t *testing.T, e *engine.Engine, name string, payload uint16, size uint64) (array.Storage, common.Epoch) {
	t.Helper()
	cb, epoch, err := e.StorageManager().CreateStorage(array.NewMetadata(name, payload, size))
	require.NoError(t, err)
	require.True(t, epoch.IsValid())
	return array.Wrap(e.StorageManager(), cb), epoch
}

func TestArrayReadBackAfterCommit(t *testing.T) {
	e := newTestEngine(t)
	arr, _ := createArray(t, e, "accounts", 16, 100)
	require.True(t, arr.Exists())

	w := e.NewWorker(0)
	mgr := e.XctManager()

	payload := make([]byte, 16)
	copy(payload, "hello")

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	require.NoError(t, arr.Overwrite(w, 42, payload))
	commitEpoch, err := mgr.PrecommitXct(w)
	require.NoError(t, err)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	got, err := arr.Read(w, 42)
	require.NoError(t, err)
	_, err = mgr.PrecommitXct(w)
	require.NoError(t, err)

	assert.Equal(t, payload, got)
	require.NoError(t, mgr.WaitForCommit(commitEpoch, -1))
}

func TestArrayOffsetOutOfRange(t *testing.T) {
	e := newTestEngine(t)
	arr, _ := createArray(t, e, "small", 8, 10)

	w := e.NewWorker(0)
	require.NoError(t, e.XctManager().BeginXct(w, xct.IsolationSerializable))
	_, err := arr.Read(w, 10)
	assert.ErrorIs(t, err, array.ErrOffsetOutOfRange)
	require.NoError(t, e.XctManager().AbortXct(w))
}

func TestArrayWriteWriteConflict(t *testing.T) {
	e := newTestEngine(t)
	arr, _ := createArray(t, e, "conflict", 8, 100)
	mgr := e.XctManager()

	a := e.NewWorker(0)
	b := e.NewWorker(1)

	val := func(b byte) []byte {
		p := make([]byte, 8)
		p[0] = b
		return p
	}

	// both read-modify-write the same record; the slower one must race-abort
	require.NoError(t, mgr.BeginXct(a, xct.IsolationSerializable))
	_, err := arr.Read(a, 5)
	require.NoError(t, err)
	require.NoError(t, arr.Overwrite(a, 5, val(1)))

	require.NoError(t, mgr.BeginXct(b, xct.IsolationSerializable))
	_, err = arr.Read(b, 5)
	require.NoError(t, err)
	require.NoError(t, arr.Overwrite(b, 5, val(2)))

	_, err = mgr.PrecommitXct(a)
	require.NoError(t, err)

	_, err = mgr.PrecommitXct(b)
	assert.ErrorIs(t, err, xct.ErrRaceAbort)
}

func TestBucketMath(t *testing.T) {
	assert.Equal(t, uint64(10), array.BucketSize(10), "single-leaf array is one bucket")
	assert.Equal(t, uint64(1), array.Buckets(10))

	size := uint64(100)
	bs := array.BucketSize(size)
	require.Equal(t, uint64(1), bs)
	assert.Equal(t, uint64(100), array.Buckets(size))

	big := uint64(1 << 20)
	bs = array.BucketSize(big)
	assert.Equal(t, utils.CeilDiv(big, array.InteriorFanout), bs)
	assert.LessOrEqual(t, array.Buckets(big), uint64(array.InteriorFanout))
}

func TestPartitionerBalanceLaw(t *testing.T) {
	e := newTestEngine(t)
	arr, _ := createArray(t, e, "balanced", 16, 100)

	const partitions = 2
	p, err := e.StorageManager().CreatePartitioner(arr.ID(), partitions)
	require.NoError(t, err)
	require.True(t, p.IsPartitionable())

	size := arr.Meta().ArraySize
	buckets := array.Buckets(size)

	entries := make([]logpkg.Entry, 0, size)
	for off := uint64(0); off < size; off++ {
		entries = append(entries, logpkg.NewArrayOverwriteEntry(arr.ID(), off, make([]byte, 16)))
	}
	results := make([]common.PartitionID, len(entries))
	p.PartitionBatch(0, entries, results)

	counts := map[common.PartitionID]uint64{}
	bucketSize := array.BucketSize(size)
	seenBuckets := map[uint64]common.PartitionID{}
	for i, part := range results {
		require.Less(t, uint16(part), uint16(partitions))
		bucket := uint64(i) / bucketSize
		if prev, ok := seenBuckets[bucket]; ok {
			assert.Equal(t, prev, part, "a bucket belongs to exactly one partition")
		} else {
			seenBuckets[bucket] = part
			counts[part]++
		}
	}

	quota := utils.CeilDiv(buckets, partitions)
	for part, owned := range counts {
		assert.LessOrEqual(t, owned, quota,
			"partition %d owns %d buckets, quota %d", part, owned, quota)
	}
}

func TestSinglePageArrayNotPartitionable(t *testing.T) {
	e := newTestEngine(t)
	arr, _ := createArray(t, e, "tiny", 8, 10)

	p, err := e.StorageManager().CreatePartitioner(arr.ID(), 2)
	require.NoError(t, err)
	assert.False(t, p.IsPartitionable())

	entries := []logpkg.Entry{logpkg.NewArrayOverwriteEntry(arr.ID(), 3, make([]byte, 8))}
	results := make([]common.PartitionID, 1)
	p.PartitionBatch(1, entries, results)
	assert.Equal(t, common.PartitionID(0), results[0], "single-page arrays all land on partition 0")
}
