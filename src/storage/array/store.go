package array

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/pkg/utils"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/xct"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
)

var ErrOffsetOutOfRange = errors.New("array: offset out of range")

// InteriorFanout is the fan-out of the root page: the array splits into at
// most this many buckets, one leaf page per bucket.
const InteriorFanout = 128

// singleLeafCap is the largest array kept as one leaf page with no interior
// root. Such arrays are not partitionable in the gleaner.
const singleLeafCap = 32

// BucketSize is the number of offsets per root bucket (and so per leaf).
// Single-leaf arrays are one bucket.
func BucketSize(arraySize uint64) uint64 {
	if arraySize <= singleLeafCap {
		return arraySize
	}
	return utils.CeilDiv(arraySize, InteriorFanout)
}

// Buckets is the root fan-out actually used for the array.
func Buckets(arraySize uint64) uint64 {
	return utils.CeilDiv(arraySize, BucketSize(arraySize))
}

// NewMetadata fills in the array-typed metadata the storage manager expects.
func NewMetadata(name string, payloadSize uint16, arraySize uint64) storage.Metadata {
	return storage.Metadata{
		Type:        storage.TypeArray,
		Name:        name,
		ArraySize:   arraySize,
		PayloadSize: payloadSize,
	}
}

// store is the array implementation behind a control block: a fixed-size
// collection of records addressed by offset, laid out as a single leaf or a
// root interior page over per-bucket leaves.
type store struct {
	mgr *storage.Manager
	cb  *storage.ControlBlock

	arraySize   uint64
	payloadSize uint16
	singlePage  bool
	bucketSize  uint64
	bucketDiv   utils.ConstDiv
}

// NewStore is the storage.StoreFactory for arrays. It formats the initial
// volatile pages: records exist from creation (an array has no inserts).
func NewStore(mgr *storage.Manager, cb *storage.ControlBlock) (storage.Store, error) {
	meta := cb.Meta
	st := &store{
		mgr:         mgr,
		cb:          cb,
		arraySize:   meta.ArraySize,
		payloadSize: meta.PayloadSize,
	}

	st.bucketSize = BucketSize(meta.ArraySize)
	st.bucketDiv = utils.NewConstDiv(st.bucketSize)

	resolver := mgr.Resolver()
	if meta.ArraySize <= singleLeafCap {
		st.singlePage = true
		ptr, page, err := resolver.Allocate(0)
		if err != nil {
			return nil, fmt.Errorf("array: allocating root leaf: %w", err)
		}
		page.FormatLeaf(meta.ID, 0, meta.ArraySize, meta.PayloadSize)
		cb.Root.SetVolatile(ptr)
		return st, nil
	}

	buckets := Buckets(meta.ArraySize)

	rootPtr, root, err := resolver.Allocate(0)
	if err != nil {
		return nil, fmt.Errorf("array: allocating root: %w", err)
	}
	root.FormatInterior(meta.ID, 0, meta.ArraySize, int(buckets))

	// leaves spread round-robin over the nodes; the partitioner later reads
	// the owning node off these pointers
	nodes := resolver.Nodes()
	for b := uint64(0); b < buckets; b++ {
		node := common.NodeID(b % uint64(nodes))
		begin := b * st.bucketSize
		end := min(begin+st.bucketSize, meta.ArraySize)
		leafPtr, leaf, err := resolver.Allocate(node)
		if err != nil {
			return nil, fmt.Errorf("array: allocating leaf %d: %w", b, err)
		}
		leaf.FormatLeaf(meta.ID, begin, end, meta.PayloadSize)
		root.Children[b].SetVolatile(leafPtr)
	}
	cb.Root.SetVolatile(rootPtr)
	return st, nil
}

func (st *store) TrackMovedRecord(_ *xct.WriteAccess) bool {
	// array records never migrate: offsets are fixed from creation
	return true
}

func (st *store) TrackMovedOwner(owner *xct.RecordOwner) *xct.RecordOwner {
	return owner
}

func (st *store) ReleasePagesRecursive(resolver storage.PageResolver, root *common.DualPagePointer) {
	storage.ReleasePagesRecursive(resolver, root)
}

// Storage is the typed handle over an array control block.
type Storage struct {
	cb  *storage.ControlBlock
	mgr *storage.Manager
}

func Wrap(mgr *storage.Manager, cb *storage.ControlBlock) Storage {
	assert.Assert(cb.Meta.Type == storage.TypeArray,
		"wrapping a %s control block as array", cb.Meta.Type)
	return Storage{cb: cb, mgr: mgr}
}

func (s Storage) ID() common.StorageID   { return s.cb.ID() }
func (s Storage) Exists() bool           { return s.cb.Exists() }
func (s Storage) Meta() storage.Metadata { return s.cb.Meta }

func (s Storage) arrayStore() *store {
	return s.cb.Store().(*store)
}

// locate walks root -> leaf for the offset. forWrite decides which pointer
// follow is used and therefore whether pointer observations are registered.
func (s Storage) locate(
	x *xct.Xct,
	offset uint64,
	forWrite bool,
) (rec *storage.Record, followedSnapshot bool, err error) {
	st := s.arrayStore()
	if offset >= st.arraySize {
		return nil, false, fmt.Errorf("%w: %d >= %d", ErrOffsetOutOfRange, offset, st.arraySize)
	}
	resolver := s.mgr.Resolver()
	loader := s.mgr.SnapshotPageLoader()

	var page *storage.Page
	if forWrite {
		page, err = storage.FollowPointerForWrite(x, resolver, loader, &s.cb.Root, nil)
	} else {
		page, followedSnapshot, err = storage.FollowPointerForRead(x, resolver, loader, &s.cb.Root)
	}
	if err != nil {
		return nil, false, err
	}

	if !page.IsLeaf() {
		bucket := st.bucketDiv.Div(offset)
		child := &page.Children[bucket]
		if forWrite {
			begin := bucket * st.bucketSize
			end := min(begin+st.bucketSize, st.arraySize)
			page, err = storage.FollowPointerForWrite(x, resolver, loader, child, func(p *storage.Page) {
				p.FormatLeaf(st.cb.ID(), begin, end, st.payloadSize)
			})
		} else {
			var snap bool
			page, snap, err = storage.FollowPointerForRead(x, resolver, loader, child)
			followedSnapshot = followedSnapshot || snap
		}
		if err != nil {
			return nil, false, err
		}
	}

	assert.Assert(page.IsLeaf(), "array walk ended on an interior page")
	assert.Assert(offset >= page.RangeBegin && offset < page.RangeEnd,
		"offset %d outside leaf range [%d, %d)", offset, page.RangeBegin, page.RangeEnd)
	return &page.Records[offset-page.RangeBegin], followedSnapshot, nil
}

// Read returns a copy of the record payload. Under SERIALIZABLE the observed
// owner id joins the read set for commit-time verification.
func (s Storage) Read(x *xct.Xct, offset uint64) ([]byte, error) {
	rec, followedSnapshot, err := s.locate(x, offset, false)
	if err != nil {
		return nil, err
	}

	// a committer flags BEING_WRITTEN before touching the payload; spin past
	// the window instead of reading a half-applied record
	var observed common.XctID
	for {
		observed = rec.Owner.XctID()
		if !observed.IsBeingWritten() {
			break
		}
		runtime.Gosched()
	}
	out := append([]byte(nil), rec.Payload...)

	if x.Isolation() == xct.IsolationSerializable && !followedSnapshot {
		x.AddReadSet(s.cb.ID(), &rec.Owner, observed)
	}
	return out, nil
}

// Overwrite stages a full-payload replacement of one record. The mutation
// happens at commit, under the record key lock.
func (s Storage) Overwrite(x *xct.Xct, offset uint64, payload []byte) error {
	st := s.arrayStore()
	if len(payload) != int(st.payloadSize) {
		return fmt.Errorf("array: payload length %d != payload size %d", len(payload), st.payloadSize)
	}
	rec, _, err := s.locate(x, offset, true)
	if err != nil {
		return err
	}
	entry := logpkg.NewArrayOverwriteEntry(s.cb.ID(), offset, payload)
	x.AddWriteSet(s.cb.ID(), &rec.Owner, rec.Payload, entry)
	return nil
}
