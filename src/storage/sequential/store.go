package sequential

import (
	"sync"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

func NewMetadata(name string) storage.Metadata {
	return storage.Metadata{Type: storage.TypeSequential, Name: name}
}

// store is the append-only storage. Appends go through the lock-free write
// set: no owner word to verify, no key lock, records only ever accumulate.
type store struct {
	mgr *storage.Manager
	cb  *storage.ControlBlock

	mu      sync.Mutex
	records [][]byte
}

func NewStore(mgr *storage.Manager, cb *storage.ControlBlock) (storage.Store, error) {
	return &store{mgr: mgr, cb: cb}, nil
}

func (st *store) TrackMovedRecord(_ *xct.WriteAccess) bool { return true }

func (st *store) TrackMovedOwner(owner *xct.RecordOwner) *xct.RecordOwner { return owner }

func (st *store) ReleasePagesRecursive(resolver storage.PageResolver, root *common.DualPagePointer) {
	storage.ReleasePagesRecursive(resolver, root)
	st.mu.Lock()
	st.records = nil
	st.mu.Unlock()
}

func (st *store) NewPartitioner(partitions uint16) (storage.Partitioner, error) {
	return &partitioner{storageID: st.cb.ID()}, nil
}

func (st *store) append(payload []byte) {
	st.mu.Lock()
	st.records = append(st.records, payload)
	st.mu.Unlock()
}

// partitioner keeps appends where they were produced: every record goes to
// the mapper's own partition.
type partitioner struct {
	storageID common.StorageID
}

func (p *partitioner) StorageID() common.StorageID { return p.storageID }
func (p *partitioner) IsPartitionable() bool       { return true }
func (p *partitioner) PartitionBatch(
	local common.PartitionID,
	entries []logpkg.Entry,
	results []common.PartitionID,
) {
	assert.Assert(len(entries) == len(results), "entries/results length mismatch")
	for i := range entries {
		results[i] = local
	}
}

// Storage is the typed handle over a sequential control block.
type Storage struct {
	cb  *storage.ControlBlock
	mgr *storage.Manager
}

func Wrap(mgr *storage.Manager, cb *storage.ControlBlock) Storage {
	assert.Assert(cb.Meta.Type == storage.TypeSequential,
		"wrapping a %s control block as sequential", cb.Meta.Type)
	return Storage{cb: cb, mgr: mgr}
}

func (s Storage) ID() common.StorageID { return s.cb.ID() }
func (s Storage) Exists() bool         { return s.cb.Exists() }

// Append stages a record. It lands in the storage when the transaction
// commits; aborts leave no trace.
func (s Storage) Append(x *xct.Xct, payload []byte) {
	st := s.cb.Store().(*store)
	entry := logpkg.NewSequentialAppendEntry(s.cb.ID(), payload)
	cp := append([]byte(nil), payload...)
	entry.OnApply(func() { st.append(cp) })
	x.AddLockFreeWriteSet(s.cb.ID(), entry)
}

// Count reports committed records.
func (s Storage) Count() int {
	st := s.cb.Store().(*store)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.records)
}
