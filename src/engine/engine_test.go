package engine_test

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/SiloDB/src/engine"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/storage/hash"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

func TestEngineLifecycle(t *testing.T) {
	e, err := engine.New(engine.TinyOptions(), afero.NewMemMapFs(), zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.False(t, e.IsInitialized())

	require.NoError(t, e.Initialize())
	assert.True(t, e.IsInitialized())
	assert.True(t, e.XctManager().IsInitialized())
	assert.True(t, e.StorageManager().IsInitialized())
	assert.True(t, e.LogManager().IsInitialized())
	assert.True(t, e.SnapshotManager().IsInitialized())

	require.NoError(t, e.Uninitialize())
	assert.False(t, e.IsInitialized())
}

func TestEpochAdvancesOverTime(t *testing.T) {
	e, err := engine.New(engine.TinyOptions(), afero.NewMemMapFs(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	defer e.Uninitialize()

	start := e.XctManager().CurrentGlobalEpoch()
	require.True(t, start.IsValid())

	deadline := time.Now().Add(2 * time.Second)
	for e.XctManager().CurrentGlobalEpoch() == start {
		require.True(t, time.Now().Before(deadline), "epoch driver never advanced")
		time.Sleep(time.Millisecond)
	}
	assert.True(t, start.Before(e.XctManager().CurrentGlobalEpoch()))
}

func TestAdvanceCurrentGlobalEpochBlocksUntilBump(t *testing.T) {
	e, err := engine.New(engine.TinyOptions(), afero.NewMemMapFs(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	defer e.Uninitialize()

	before := e.XctManager().CurrentGlobalEpoch()
	e.XctManager().AdvanceCurrentGlobalEpoch()
	assert.True(t, before.Before(e.XctManager().CurrentGlobalEpoch()))
}

func TestXctManagerRequiresStorageManager(t *testing.T) {
	// out-of-order bring-up must fail with the dependency error
	logger := zap.NewNop().Sugar()
	e, err := engine.New(engine.TinyOptions(), afero.NewMemMapFs(), logger)
	require.NoError(t, err)
	// storage manager not initialized yet
	err = e.XctManager().Initialize()
	assert.ErrorIs(t, err, xct.ErrDependentModuleUnavailableInit)
}

func TestStorageLifecycleAndLookup(t *testing.T) {
	e, err := engine.New(engine.TinyOptions(), afero.NewMemMapFs(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	defer e.Uninitialize()
	sm := e.StorageManager()

	_, err = sm.Get(0)
	assert.ErrorIs(t, err, storage.ErrInvalidStorageID)
	_, err = sm.Get(42)
	assert.ErrorIs(t, err, storage.ErrStorageNotFound)

	cb, epoch, err := sm.CreateStorage(hash.NewMetadata("bins", 12))
	require.NoError(t, err)
	require.True(t, epoch.IsValid())
	assert.Equal(t, storage.StatusExists, cb.Status())

	byName, err := sm.GetByName("bins")
	require.NoError(t, err)
	assert.Equal(t, cb, byName)

	_, _, err = sm.CreateStorage(hash.NewMetadata("bins", 12))
	assert.ErrorIs(t, err, storage.ErrStorageExists)

	// bin_bits bounds: 8 <= bits <= 63
	_, _, err = sm.CreateStorage(hash.NewMetadata("toofew", 7))
	assert.Error(t, err)
	_, _, err = sm.CreateStorage(hash.NewMetadata("toomany", 64))
	assert.Error(t, err)

	dropEpoch, err := sm.DropStorage(cb.ID())
	require.NoError(t, err)
	assert.True(t, dropEpoch.IsValid())
	_, err = sm.Get(cb.ID())
	assert.ErrorIs(t, err, storage.ErrStorageNotFound)
	assert.Equal(t, common.StorageID(1), sm.LargestStorageID(),
		"drop does not reclaim issued ids")
}
