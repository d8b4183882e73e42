package storage

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

// SystemThreadID is the reserved worker id running storage-level
// transactions (create/drop). Engine workers start above it.
const SystemThreadID common.ThreadID = 0

// StoreFactory builds the per-kind store behind a freshly created control
// block, including its initial volatile root.
type StoreFactory func(mgr *Manager, cb *ControlBlock) (Store, error)

// Manager maps StorageId to control blocks and linearizes storage lifecycle
// through create/drop logs committed like any other transaction.
type Manager struct {
	log      common.Logger
	resolver PageResolver

	xctMgr *xct.Manager
	sysMu  sync.Mutex
	sysCtx *xct.Xct

	mu        sync.RWMutex
	blocks    map[common.StorageID]*ControlBlock
	names     map[string]common.StorageID
	factories map[Type]StoreFactory
	loader    SnapshotPageLoader

	largest     atomic.Uint32
	initialized atomic.Bool
}

func NewManager(resolver PageResolver, logger common.Logger) *Manager {
	return &Manager{
		log:       logger,
		resolver:  resolver,
		blocks:    make(map[common.StorageID]*ControlBlock),
		names:     make(map[string]common.StorageID),
		factories: make(map[Type]StoreFactory),
	}
}

// RegisterFactory wires one storage kind. Called during engine assembly.
func (m *Manager) RegisterFactory(t Type, f StoreFactory) {
	m.factories[t] = f
}

// Bind attaches the xct manager once it exists and prepares the system
// transaction context. The storage manager itself initializes first.
func (m *Manager) Bind(xm *xct.Manager) {
	m.xctMgr = xm
	m.sysCtx = xm.NewContext(SystemThreadID, 0)
}

func (m *Manager) Initialize() error {
	m.initialized.Store(true)
	m.log.Infof("storage manager initialized")
	return nil
}

func (m *Manager) IsInitialized() bool { return m.initialized.Load() }

func (m *Manager) Uninitialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cb := range m.blocks {
		if cb.Exists() {
			cb.store.ReleasePagesRecursive(m.resolver, &cb.Root)
		}
	}
	m.blocks = make(map[common.StorageID]*ControlBlock)
	m.names = make(map[string]common.StorageID)
	m.initialized.Store(false)
	return nil
}

func (m *Manager) Resolver() PageResolver { return m.resolver }
func (m *Manager) Log() common.Logger     { return m.log }

// SetSnapshotPageLoader is called by the snapshot module once snapshot pages
// exist to read.
func (m *Manager) SetSnapshotPageLoader(l SnapshotPageLoader) {
	m.mu.Lock()
	m.loader = l
	m.mu.Unlock()
}

func (m *Manager) SnapshotPageLoader() SnapshotPageLoader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loader
}

// IssueNextStorageID is atomic and monotone; holes are fine (a later failure
// of the create transaction does not reuse the id).
func (m *Manager) IssueNextStorageID() common.StorageID {
	return common.StorageID(m.largest.Add(1))
}

func (m *Manager) LargestStorageID() common.StorageID {
	return common.StorageID(m.largest.Load())
}

func (m *Manager) Get(id common.StorageID) (*ControlBlock, error) {
	if id == 0 {
		return nil, ErrInvalidStorageID
	}
	m.mu.RLock()
	cb, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok || !cb.Exists() {
		return nil, fmt.Errorf("%w: id %d", ErrStorageNotFound, id)
	}
	return cb, nil
}

func (m *Manager) GetByName(name string) (*ControlBlock, error) {
	m.mu.RLock()
	id, ok := m.names[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: name %q", ErrStorageNotFound, name)
	}
	return m.Get(id)
}

// AllMetadata lists live storages ordered by id, for the snapshot writer.
func (m *Manager) AllMetadata() []Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metas := make([]Metadata, 0, len(m.blocks))
	for _, cb := range m.blocks {
		if cb.Exists() {
			metas = append(metas, cb.Meta)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas
}

// TrackMovedRecord delegates to the storage implementation, rewriting the
// write access to the record's new home.
func (m *Manager) TrackMovedRecord(storageID common.StorageID, access *xct.WriteAccess) bool {
	cb, err := m.Get(storageID)
	if err != nil {
		return false
	}
	return cb.store.TrackMovedRecord(access)
}

func (m *Manager) TrackMovedOwner(storageID common.StorageID, owner *xct.RecordOwner) *xct.RecordOwner {
	cb, err := m.Get(storageID)
	if err != nil {
		return nil
	}
	return cb.store.TrackMovedOwner(owner)
}

// CreatePartitioner builds the gleaner partitioning policy of one storage.
func (m *Manager) CreatePartitioner(
	storageID common.StorageID,
	partitions uint16,
) (Partitioner, error) {
	cb, err := m.Get(storageID)
	if err != nil {
		return nil, err
	}
	return cb.store.NewPartitioner(partitions)
}

// CreateStorage runs the storage-creation transaction: a storage-level log
// entry goes through the lock-free write set and, on apply, instantiates the
// control block every worker observes. Returns the commit epoch; the caller
// can WaitForCommit on it.
func (m *Manager) CreateStorage(meta Metadata) (*ControlBlock, common.Epoch, error) {
	if err := meta.Validate(); err != nil {
		return nil, common.EpochInvalid, err
	}
	if _, ok := m.factories[meta.Type]; !ok {
		return nil, common.EpochInvalid, fmt.Errorf("storage: no factory for type %s", meta.Type)
	}

	m.sysMu.Lock()
	defer m.sysMu.Unlock()

	m.mu.RLock()
	_, dup := m.names[meta.Name]
	m.mu.RUnlock()
	if dup {
		return nil, common.EpochInvalid, fmt.Errorf("%w: name %q", ErrStorageExists, meta.Name)
	}

	meta.ID = m.IssueNextStorageID()

	x := m.sysCtx
	if err := m.xctMgr.BeginXct(x, xct.IsolationSerializable); err != nil {
		return nil, common.EpochInvalid, err
	}

	entry := logpkg.NewCreateStorageEntry(
		meta.ID, uint8(meta.Type), meta.Name, meta.ArraySize, meta.PayloadSize, meta.BinBits)
	var cb *ControlBlock
	entry.OnApply(func() { cb = m.applyCreate(meta) })
	x.AddLockFreeWriteSet(meta.ID, entry)

	commitEpoch, err := m.xctMgr.PrecommitXct(x)
	if err != nil {
		return nil, common.EpochInvalid, err
	}
	m.log.Infof("created storage %d (%s %q) at epoch %d", meta.ID, meta.Type, meta.Name, commitEpoch)
	return cb, commitEpoch, nil
}

func (m *Manager) applyCreate(meta Metadata) *ControlBlock {
	cb := &ControlBlock{Meta: meta}
	factory := m.factories[meta.Type]
	store, err := factory(m, cb)
	// meta was validated before commit; a factory failure here would leave a
	// committed log with no storage behind it
	assert.NoError(err)
	cb.store = store
	cb.setStatus(StatusExists)

	m.mu.Lock()
	m.blocks[meta.ID] = cb
	m.names[meta.Name] = meta.ID
	m.mu.Unlock()
	return cb
}

// DropStorage commits a drop log; on apply the block is marked for death and
// its volatile pages are released.
func (m *Manager) DropStorage(id common.StorageID) (common.Epoch, error) {
	cb, err := m.Get(id)
	if err != nil {
		return common.EpochInvalid, err
	}

	m.sysMu.Lock()
	defer m.sysMu.Unlock()

	x := m.sysCtx
	if err := m.xctMgr.BeginXct(x, xct.IsolationSerializable); err != nil {
		return common.EpochInvalid, err
	}

	entry := logpkg.NewDropStorageEntry(id)
	entry.OnApply(func() { m.applyDrop(cb) })
	x.AddLockFreeWriteSet(id, entry)

	commitEpoch, err := m.xctMgr.PrecommitXct(x)
	if err != nil {
		return common.EpochInvalid, err
	}
	m.log.Infof("dropped storage %d (%q) at epoch %d", id, cb.Meta.Name, commitEpoch)
	return commitEpoch, nil
}

func (m *Manager) applyDrop(cb *ControlBlock) {
	cb.setStatus(StatusMarkedForDeath)
	cb.store.ReleasePagesRecursive(m.resolver, &cb.Root)

	m.mu.Lock()
	delete(m.names, cb.Meta.Name)
	m.mu.Unlock()
}
