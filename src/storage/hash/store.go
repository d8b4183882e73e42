package hash

import (
	"github.com/OneOfOne/xxhash"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

func NewMetadata(name string, binBits uint8) storage.Metadata {
	return storage.Metadata{Type: storage.TypeHash, Name: name, BinBits: binBits}
}

// store carries the hash storage's engine-side plumbing: metadata, bin
// addressing and gleaner partitioning. The bin page layout itself lives with
// the storage implementation, outside the commit core.
type store struct {
	mgr     *storage.Manager
	cb      *storage.ControlBlock
	binBits uint8
}

func NewStore(mgr *storage.Manager, cb *storage.ControlBlock) (storage.Store, error) {
	return &store{mgr: mgr, cb: cb, binBits: cb.Meta.BinBits}, nil
}

func (st *store) TrackMovedRecord(_ *xct.WriteAccess) bool { return true }

func (st *store) TrackMovedOwner(owner *xct.RecordOwner) *xct.RecordOwner { return owner }

func (st *store) ReleasePagesRecursive(resolver storage.PageResolver, root *common.DualPagePointer) {
	storage.ReleasePagesRecursive(resolver, root)
}

func (st *store) NewPartitioner(partitions uint16) (storage.Partitioner, error) {
	return &partitioner{storageID: st.cb.ID(), binBits: st.binBits, partitions: partitions}, nil
}

// Bin folds a key into its bin: the top binBits bits of the key hash.
func Bin(key []byte, binBits uint8) uint64 {
	return xxhash.Checksum64(key) >> (64 - binBits)
}

// partitioner spreads bins evenly: contiguous bin ranges map to partitions
// so a reducer materializes whole bin runs.
type partitioner struct {
	storageID  common.StorageID
	binBits    uint8
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
	binsPerPartition := (uint64(1) << p.binBits) / uint64(p.partitions)
	if binsPerPartition == 0 {
		binsPerPartition = 1
	}
	for i, e := range entries {
		bin := e.Key() >> (64 - p.binBits)
		part := bin / binsPerPartition
		if part >= uint64(p.partitions) {
			part = uint64(p.partitions) - 1
		}
		results[i] = common.PartitionID(part)
	}
}
