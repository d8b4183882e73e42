package array

import (
	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/pkg/utils"
	"github.com/Blackdeer1524/SiloDB/src/storage"
)

// partitioner splits the array's offset range into per-bucket ownership.
// Each bucket is owned by the NUMA node currently holding its volatile leaf
// under the root, then a balancing pass caps every partition at
// ceil(buckets/partitions) buckets. Read-only after construction.
type partitioner struct {
	storageID  common.StorageID
	singlePage bool

	arraySize    uint64
	bucketSize   uint64
	bucketDiv    utils.ConstDiv
	bucketOwners []common.PartitionID
}

func (st *store) NewPartitioner(partitions uint16) (storage.Partitioner, error) {
	assert.Assert(partitions > 0, "need at least one partition")
	p := &partitioner{
		storageID:  st.cb.ID(),
		singlePage: st.singlePage,
		arraySize:  st.arraySize,
		bucketSize: st.bucketSize,
		bucketDiv:  st.bucketDiv,
	}
	if st.singlePage {
		p.bucketOwners = []common.PartitionID{0}
		return p, nil
	}

	resolver := st.mgr.Resolver()
	rootPtr := st.cb.Root.Volatile()
	assert.Assert(!rootPtr.IsNull(), "partitioning a storage with no volatile root")
	root := resolver.Resolve(rootPtr)

	buckets := len(root.Children)
	p.bucketOwners = make([]common.PartitionID, buckets)
	counts := make([]int, partitions)
	for b := range root.Children {
		owner := common.PartitionID(0)
		if child := root.Children[b].Volatile(); !child.IsNull() {
			owner = common.PartitionID(child.Node()) % common.PartitionID(partitions)
		}
		p.bucketOwners[b] = owner
		counts[int(owner)]++
	}

	// No partition may own more than ceil(buckets/partitions); excess moves
	// to under-owned partitions in partition-id order.
	quota := int(utils.CeilDiv(uint64(buckets), uint64(partitions)))
	needy := 0
	for b := range p.bucketOwners {
		owner := p.bucketOwners[b]
		if counts[int(owner)] <= quota {
			continue
		}
		for counts[needy] >= quota {
			needy++
			assert.Assert(needy < int(partitions), "balancing ran out of partitions")
		}
		counts[int(owner)]--
		counts[needy]++
		p.bucketOwners[b] = common.PartitionID(needy)
	}

	if buckets < int(partitions) {
		st.mgr.Log().Warnf(
			"array %d has %d buckets for %d partitions; some partitions receive nothing",
			st.cb.ID(), buckets, partitions)
	}
	return p, nil
}

func (p *partitioner) StorageID() common.StorageID { return p.storageID }

func (p *partitioner) IsPartitionable() bool { return !p.singlePage }

func (p *partitioner) PartitionBatch(
	_ common.PartitionID,
	entries []logpkg.Entry,
	results []common.PartitionID,
) {
	assert.Assert(len(entries) == len(results), "entries/results length mismatch")
	for i, e := range entries {
		assert.Assert(e.Header().StorageID == p.storageID,
			"entry for storage %d routed to partitioner of %d", e.Header().StorageID, p.storageID)
		if !p.IsPartitionable() {
			results[i] = 0
			continue
		}
		bucket := p.bucketDiv.Div(e.Key())
		assert.Assert(bucket < uint64(len(p.bucketOwners)),
			"offset %d maps to bucket %d beyond %d", e.Key(), bucket, len(p.bucketOwners))
		results[i] = p.bucketOwners[bucket]
	}
}
