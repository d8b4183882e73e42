package storage

import (
	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

// Partitioner is the per-storage policy that assigns each log record to the
// reducer that will materialize it. Built once per gleaner run and shared by
// all mappers, so implementations must be read-only after construction.
type Partitioner interface {
	StorageID() common.StorageID

	// IsPartitionable is false when the storage is too small to spread (for
	// example a single-page array); everything then goes to partition 0.
	IsPartitionable() bool

	// PartitionBatch fills results[i] with the destination of entries[i].
	// local is the partition of the calling mapper's node; locality-driven
	// policies send there.
	PartitionBatch(local common.PartitionID, entries []logpkg.Entry, results []common.PartitionID)
}
