package snapshot

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

// Manager triggers gleaner runs and owns the snapshot artifacts: page files,
// metadata documents and the previous-snapshot cursor.
type Manager struct {
	log        common.Logger
	fs         afero.Fs
	dir        string
	xctMgr     *xct.Manager
	logMgr     *logpkg.Manager
	storageMgr *storage.Manager
	partitions int

	prev      atomic.Uint32 // common.SnapshotID of the last completed snapshot
	pageStore *PageStore

	runMu       sync.Mutex
	initialized atomic.Bool
}

func NewManager(
	fs afero.Fs,
	dir string,
	xctMgr *xct.Manager,
	logMgr *logpkg.Manager,
	storageMgr *storage.Manager,
	partitions int,
	logger common.Logger,
) *Manager {
	return &Manager{
		log:        logger,
		fs:         fs,
		dir:        dir,
		xctMgr:     xctMgr,
		logMgr:     logMgr,
		storageMgr: storageMgr,
		partitions: partitions,
	}
}

func (m *Manager) Initialize() error {
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: creating snapshot dir: %w", err)
	}
	m.pageStore = NewPageStore(m.fs, m.dir)
	m.initialized.Store(true)
	m.log.Infof("snapshot manager initialized at %s", m.dir)
	return nil
}

func (m *Manager) IsInitialized() bool { return m.initialized.Load() }

func (m *Manager) Uninitialize() error {
	m.initialized.Store(false)
	return nil
}

// PreviousSnapshotID is the id of the last completed snapshot;
// common.NullSnapshotID before the first one.
func (m *Manager) PreviousSnapshotID() common.SnapshotID {
	return common.SnapshotID(m.prev.Load())
}

func (m *Manager) MetadataFilePathFor(id common.SnapshotID) string {
	return MetadataFilePath(m.dir, id)
}

func (m *Manager) LoadMetadata(id common.SnapshotID) (*Metadata, error) {
	return LoadMetadataFromFile(m.fs, MetadataFilePath(m.dir, id))
}

// TriggerSnapshotImmediate starts a snapshot right away. With wait=true it
// returns when the snapshot completed (or failed); otherwise it runs in the
// background and failures only surface in the log.
func (m *Manager) TriggerSnapshotImmediate(wait bool) error {
	if wait {
		return m.takeSnapshot()
	}
	go func() {
		if err := m.takeSnapshot(); err != nil {
			m.log.Errorf("background snapshot failed: %v", err)
		}
	}()
	return nil
}

func (m *Manager) takeSnapshot() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	id := common.SnapshotID(m.prev.Load()) + 1

	// Every commit epoch reported to a worker before this point is <= the
	// current global epoch. Push the epoch past it and wait until the whole
	// range is durable: valid_until then covers all of them.
	observed := m.xctMgr.CurrentGlobalEpoch()
	m.xctMgr.AdvanceCurrentGlobalEpoch()
	if err := m.logMgr.WaitUntilDurable(observed, -1); err != nil {
		return fmt.Errorf("snapshot: waiting for durable epoch %d: %w", observed, err)
	}
	validUntil := m.logMgr.DurableGlobalEpoch()

	base := common.EpochInvalid
	if prev := m.PreviousSnapshotID(); prev != common.NullSnapshotID {
		prevMeta, err := m.LoadMetadata(prev)
		if err != nil {
			return fmt.Errorf("snapshot: loading previous metadata: %w", err)
		}
		base = prevMeta.ValidUntilEpoch
	}

	gleaner := NewLogGleaner(
		m.fs, m.dir, m.logMgr, m.storageMgr, m.pageStore,
		id, base, validUntil, m.partitions, m.log)
	roots, err := gleaner.Execute()
	if err != nil {
		return err
	}

	meta := &Metadata{
		ID:               id,
		BaseEpoch:        base,
		ValidUntilEpoch:  validUntil,
		LargestStorageID: m.storageMgr.LargestStorageID(),
		Storages:         m.storageMgr.AllMetadata(),
	}
	if err := meta.SaveToFile(m.fs, MetadataFilePath(m.dir, id)); err != nil {
		return err
	}

	// replace pointers: the new snapshot roots become visible to readers,
	// and snapshot-isolation reads can be served from the materialized pages
	for sid, ptr := range roots {
		cb, err := m.storageMgr.Get(sid)
		if err != nil {
			continue
		}
		cb.Root.SetSnapshot(ptr)
	}
	m.storageMgr.SetSnapshotPageLoader(m.pageStore)

	m.prev.Store(uint32(id))
	m.log.Infof("snapshot %d completed: base=%d valid_until=%d storages=%d",
		id, base, validUntil, len(meta.Storages))
	return nil
}
