package masstree_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/SiloDB/src/engine"
	"github.com/Blackdeer1524/SiloDB/src/storage/masstree"
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

func createTree(t *testing.T, e *engine.Engine) masstree.Storage {
	t.Helper()
	cb, epoch, err := e.StorageManager().CreateStorage(masstree.NewMetadata("tree"))
	require.NoError(t, err)
	require.True(t, epoch.IsValid())
	return masstree.Wrap(e.StorageManager(), cb)
}

func commit(t *testing.T, e *engine.Engine, x *xct.Xct) {
	t.Helper()
	_, err := e.XctManager().PrecommitXct(x)
	require.NoError(t, err)
}

func TestUpsertReadDelete(t *testing.T) {
	e := newTestEngine(t)
	tree := createTree(t, e)
	mgr := e.XctManager()
	w := e.NewWorker(0)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	require.NoError(t, tree.Upsert(w, []byte("k1"), []byte("value-01")))
	commit(t, e, w)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	got, err := tree.Read(w, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value-01"), got)
	commit(t, e, w)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	require.NoError(t, tree.Delete(w, []byte("k1")))
	commit(t, e, w)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	_, err = tree.Read(w, []byte("k1"))
	assert.ErrorIs(t, err, masstree.ErrKeyNotFound, "deleted records read as absent")
	require.NoError(t, mgr.AbortXct(w))
}

// A record moving between write staging and commit: tracking relocates the
// write and the transaction still commits.
func TestMovedRecordTrackedThroughCommit(t *testing.T) {
	e := newTestEngine(t)
	tree := createTree(t, e)
	mgr := e.XctManager()
	w := e.NewWorker(0)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	require.NoError(t, tree.Upsert(w, []byte("moving"), []byte("aaaaaaaa")))
	commit(t, e, w)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	require.NoError(t, tree.Upsert(w, []byte("moving"), []byte("bbbbbbbb")))

	// migration races the commit
	tree.MoveRecord([]byte("moving"), true)

	commit(t, e, w)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	got, err := tree.Read(w, []byte("moving"))
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbbbbbb"), got, "the write must land at the new home")
	require.NoError(t, mgr.AbortXct(w))
}

// A record moving beyond tracking reach aborts the transaction cleanly.
func TestMovedRecordBeyondReachAborts(t *testing.T) {
	e := newTestEngine(t)
	tree := createTree(t, e)
	mgr := e.XctManager()
	w := e.NewWorker(0)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	require.NoError(t, tree.Upsert(w, []byte("gone"), []byte("aaaaaaaa")))
	commit(t, e, w)

	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	require.NoError(t, tree.Upsert(w, []byte("gone"), []byte("bbbbbbbb")))

	tree.MoveRecord([]byte("gone"), false)

	_, err := mgr.PrecommitXct(w)
	assert.ErrorIs(t, err, xct.ErrRaceAbort)

	// the record is reachable again through its new home
	require.NoError(t, mgr.BeginXct(w, xct.IsolationSerializable))
	got, err := tree.Read(w, []byte("gone"))
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaaaaaa"), got, "aborted write leaves the old value")
	require.NoError(t, mgr.AbortXct(w))
}
