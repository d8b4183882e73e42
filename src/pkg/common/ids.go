package common

// StorageID identifies a storage (an array, hash, masstree or sequential
// store) within the engine. Ids are issued monotonically and may have holes.
type StorageID uint32

// SnapshotID identifies one completed snapshot. 0 means "no snapshot yet".
type SnapshotID uint16

const NullSnapshotID SnapshotID = 0

// NodeID is a NUMA node ordinal.
type NodeID uint16

// PartitionID addresses the reducer of one NUMA node in a gleaner run.
type PartitionID uint16

// LoggerID is the global ordinal of a logger: node*loggersPerNode + local.
type LoggerID uint16

// ThreadID identifies a worker thread.
type ThreadID uint32
