package masstree

import (
	"errors"
	"runtime"
	"sync"

	"github.com/OneOfOne/xxhash"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

var ErrKeyNotFound = errors.New("masstree: key not found")

func NewMetadata(name string) storage.Metadata {
	return storage.Metadata{Type: storage.TypeMasstree, Name: name}
}

type record struct {
	owner   xct.RecordOwner
	payload []byte
}

// forward remembers where a migrated record went. trackable=false models a
// record that moved beyond tracking reach (e.g. into another layer); the
// commit protocol aborts the transaction then.
type forward struct {
	to        *record
	trackable bool
}

// store keeps the keyed records and the forwarding table the commit core
// consults for moved records. The trie/page organisation of a full masstree
// is external to the commit core; what matters here is the owner-word
// protocol: moves are one-way and every access re-locates through the
// forwarding chain.
type store struct {
	mgr *storage.Manager
	cb  *storage.ControlBlock

	mu       sync.RWMutex
	records  map[string]*record
	forwards map[*xct.RecordOwner]forward
}

func NewStore(mgr *storage.Manager, cb *storage.ControlBlock) (storage.Store, error) {
	return &store{
		mgr:      mgr,
		cb:       cb,
		records:  make(map[string]*record),
		forwards: make(map[*xct.RecordOwner]forward),
	}, nil
}

// resolveForward chases the forwarding chain from a moved owner word.
func (st *store) resolveForward(owner *xct.RecordOwner) (*record, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for {
		f, ok := st.forwards[owner]
		if !ok || !f.trackable {
			return nil, false
		}
		if !f.to.owner.IsMoved() {
			return f.to, true
		}
		owner = &f.to.owner
	}
}

func (st *store) TrackMovedRecord(access *xct.WriteAccess) bool {
	rec, ok := st.resolveForward(access.Owner)
	if !ok {
		return false
	}
	access.Owner = &rec.owner
	access.Payload = rec.payload
	return true
}

func (st *store) TrackMovedOwner(owner *xct.RecordOwner) *xct.RecordOwner {
	rec, ok := st.resolveForward(owner)
	if !ok {
		return nil
	}
	return &rec.owner
}

func (st *store) ReleasePagesRecursive(resolver storage.PageResolver, root *common.DualPagePointer) {
	storage.ReleasePagesRecursive(resolver, root)
	st.mu.Lock()
	st.records = make(map[string]*record)
	st.forwards = make(map[*xct.RecordOwner]forward)
	st.mu.Unlock()
}

func (st *store) NewPartitioner(partitions uint16) (storage.Partitioner, error) {
	return &partitioner{storageID: st.cb.ID(), partitions: partitions}, nil
}

// getOrCreate physically inserts an empty record outside the user
// transaction, the way masstree system transactions do. The logical insert
// is the user transaction's overwrite of it.
func (st *store) getOrCreate(key []byte, payloadCap int) *record {
	st.mu.Lock()
	defer st.mu.Unlock()
	if rec, ok := st.records[string(key)]; ok {
		return rec
	}
	rec := &record{payload: make([]byte, payloadCap)}
	rec.owner.Init(common.NewXctID(common.EpochInitialDurable, 1).WithStatus(common.XctIDDeleted))
	st.records[string(key)] = rec
	return rec
}

func (st *store) get(key []byte) *record {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.records[string(key)]
}

// moveRecord migrates a key's record to a fresh physical home and leaves a
// forwarding entry behind. The moved bit on the old owner is one-way.
// trackable=false simulates a migration beyond tracking reach.
func (st *store) moveRecord(key []byte, trackable bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	old, ok := st.records[string(key)]
	assert.Assert(ok, "moving a nonexistent key")

	moved := &record{payload: append([]byte(nil), old.payload...)}
	moved.owner.Init(old.owner.XctID().WithoutStatusBits())
	st.records[string(key)] = moved
	st.forwards[&old.owner] = forward{to: moved, trackable: trackable}
	old.owner.SetMoved()
}

// partitioner hashes keys onto reducers. A full masstree would split by key
// ranges under the first-layer root; hashing keeps the spread even without
// reading tree internals.
type partitioner struct {
	storageID  common.StorageID
	partitions uint16
}

func (p *partitioner) StorageID() common.StorageID { return p.storageID }
func (p *partitioner) IsPartitionable() bool       { return p.partitions > 1 }
func (p *partitioner) PartitionBatch(
	_ common.PartitionID,
	entries []logpkg.Entry,
	results []common.PartitionID,
) {
	assert.Assert(len(entries) == len(results), "entries/results length mismatch")
	for i, e := range entries {
		var key [8]byte
		k := e.Key()
		for b := 0; b < 8; b++ {
			key[b] = byte(k >> (56 - 8*b))
		}
		results[i] = common.PartitionID(xxhash.Checksum64(key[:]) % uint64(p.partitions))
	}
}

// Storage is the typed handle over a masstree control block.
type Storage struct {
	cb  *storage.ControlBlock
	mgr *storage.Manager
}

func Wrap(mgr *storage.Manager, cb *storage.ControlBlock) Storage {
	assert.Assert(cb.Meta.Type == storage.TypeMasstree,
		"wrapping a %s control block as masstree", cb.Meta.Type)
	return Storage{cb: cb, mgr: mgr}
}

func (s Storage) ID() common.StorageID { return s.cb.ID() }

func (s Storage) treeStore() *store { return s.cb.Store().(*store) }

// Upsert stages a write of key -> payload.
func (s Storage) Upsert(x *xct.Xct, key, payload []byte) error {
	rec := s.treeStore().getOrCreate(key, len(payload))
	if len(rec.payload) < len(payload) {
		return errors.New("masstree: payload exceeds record capacity")
	}
	entry := logpkg.NewMasstreeUpsertEntry(s.cb.ID(), key, payload)
	x.AddWriteSet(s.cb.ID(), &rec.owner, rec.payload, entry)
	return nil
}

// Delete stages a logical delete: the commit publishes the new owner id
// with the DELETED bit set.
func (s Storage) Delete(x *xct.Xct, key []byte) error {
	rec := s.treeStore().get(key)
	if rec == nil {
		return ErrKeyNotFound
	}
	entry := logpkg.NewMasstreeDeleteEntry(s.cb.ID(), key)
	x.AddWriteSet(s.cb.ID(), &rec.owner, rec.payload, entry)
	return nil
}

// Read returns a copy of the committed payload for key.
func (s Storage) Read(x *xct.Xct, key []byte) ([]byte, error) {
	st := s.treeStore()
	rec := st.get(key)
	if rec == nil {
		return nil, ErrKeyNotFound
	}
	for rec.owner.IsMoved() {
		moved, ok := st.resolveForward(&rec.owner)
		if !ok {
			return nil, ErrKeyNotFound
		}
		rec = moved
	}

	var observed common.XctID
	for {
		observed = rec.owner.XctID()
		if !observed.IsBeingWritten() {
			break
		}
		runtime.Gosched()
	}
	if observed.IsDeleted() {
		if x.Isolation() == xct.IsolationSerializable {
			x.AddReadSet(s.cb.ID(), &rec.owner, observed)
		}
		return nil, ErrKeyNotFound
	}
	out := append([]byte(nil), rec.payload...)
	if x.Isolation() == xct.IsolationSerializable {
		x.AddReadSet(s.cb.ID(), &rec.owner, observed)
	}
	return out, nil
}

// MoveRecord migrates a key's record, leaving a forwarding entry. Exposed
// for the split/compaction machinery and for fault injection in tests.
func (s Storage) MoveRecord(key []byte, trackable bool) {
	s.treeStore().moveRecord(key, trackable)
}
