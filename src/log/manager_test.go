package log

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

// fakeEpochs is a hand-cranked epoch source.
type fakeEpochs struct {
	epoch atomic.Uint32
}

func (f *fakeEpochs) CurrentGlobalEpoch() common.Epoch {
	return common.Epoch(f.epoch.Load())
}

func newTestManager(t *testing.T) (*Manager, *fakeEpochs) {
	m, epochs, _ := newTestManagerFs(t)
	return m, epochs
}

func newTestManagerFs(t *testing.T) (*Manager, *fakeEpochs, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	m := NewManager(fs, "/logs", 2, 2, zap.NewNop().Sugar())
	require.NoError(t, m.Initialize())

	epochs := &fakeEpochs{}
	epochs.epoch.Store(uint32(common.EpochInitialCurrent))
	m.SetEpochSource(epochs)

	t.Cleanup(func() { assert.NoError(t, m.Uninitialize()) })
	return m, epochs, fs
}

func TestDurableEpochStartsAtInitial(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Equal(t, common.EpochInitialDurable, m.DurableGlobalEpoch())
	assert.Len(t, m.LoggerFiles(), 4, "2 nodes x 2 loggers")
}

func TestDurableEpochFollowsGlobalEpoch(t *testing.T) {
	m, epochs := newTestManager(t)

	epochs.epoch.Store(10)
	m.WakeupLoggers()

	require.NoError(t, m.WaitUntilDurable(common.Epoch(9), int64(time.Second/time.Microsecond)),
		"with no guarded workers the frontier reaches current-1")
}

func TestPublishedLogBecomesDurable(t *testing.T) {
	m, epochs, fs := newTestManagerFs(t)

	b := m.NewThreadBuffer(1, 0)
	entry := NewArrayOverwriteEntry(1, 3, []byte{1, 2, 3, 4})
	entry.Header().XctID = common.NewXctID(common.Epoch(2), 1)
	b.Append(entry)
	b.PublishCommittedLog(common.Epoch(2))

	epochs.epoch.Store(3)
	m.WakeupLoggers()
	require.NoError(t, m.WaitUntilDurable(common.Epoch(2), int64(time.Second/time.Microsecond)))

	// exactly one durable stream holds the frame, and it decodes back
	var decoded []Entry
	for _, lf := range m.LoggerFiles() {
		data, err := afero.ReadFile(fs, lf.Path)
		require.NoError(t, err)
		if len(data) == 0 {
			continue
		}
		f, err := fs.Open(lf.Path)
		require.NoError(t, err)
		e, err := Unmarshal(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		decoded = append(decoded, e)
	}
	require.Len(t, decoded, 1)
	got := decoded[0].(*ArrayOverwriteEntry)
	assert.Equal(t, uint64(3), got.Offset)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Payload)
	assert.Equal(t, common.Epoch(2), got.Header().XctID.Epoch())
}

func TestInCommitGuardHoldsBackFrontier(t *testing.T) {
	m, epochs := newTestManager(t)

	b := m.NewThreadBuffer(1, 0)
	b.SetInCommitEpoch(common.Epoch(4))

	epochs.epoch.Store(10)
	m.WakeupLoggers()

	err := m.WaitUntilDurable(common.Epoch(5), int64(50*time.Millisecond/time.Microsecond))
	assert.ErrorIs(t, err, ErrTimedOut, "frontier must not pass a guarded epoch")
	require.NoError(t, m.WaitUntilDurable(common.Epoch(3), int64(time.Second/time.Microsecond)))

	b.ClearInCommitEpoch()
	m.WakeupLoggers()
	require.NoError(t, m.WaitUntilDurable(common.Epoch(9), int64(time.Second/time.Microsecond)))
}

func TestWaitUntilDurablePollAndTimeout(t *testing.T) {
	m, _ := newTestManager(t)

	assert.ErrorIs(t, m.WaitUntilDurable(common.Epoch(100), 0), ErrTimedOut, "poll")
	assert.ErrorIs(t, m.WaitUntilDurable(common.Epoch(100), 1000), ErrTimedOut, "short wait")
	assert.NoError(t, m.WaitUntilDurable(common.EpochInvalid, 0), "invalid epoch is trivially durable")
	assert.NoError(t, m.WaitUntilDurable(common.EpochInitialDurable, 0))
}

func TestDiscardDropsOnlyUncommitted(t *testing.T) {
	m, _ := newTestManager(t)
	b := m.NewThreadBuffer(2, 1)

	first := NewSequentialAppendEntry(7, []byte("committed"))
	b.Append(first)
	b.PublishCommittedLog(common.Epoch(2))

	second := NewSequentialAppendEntry(7, []byte("aborted"))
	b.Append(second)
	require.Equal(t, 1, b.UncommittedCount())
	b.DiscardCurrentXctLog()
	assert.Equal(t, 0, b.UncommittedCount())

	drained := b.drainUpTo(common.Epoch(5))
	require.Len(t, drained, 1)
	assert.Equal(t, first, drained[0].entry)
}
