package storage

import (
	"sync/atomic"

	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

// PageResolver turns volatile pointers into pages and hands out new frames.
// The memory module implements it with NUMA-partitioned pools.
type PageResolver interface {
	Resolve(ptr common.VolatilePagePointer) *Page
	Allocate(node common.NodeID) (common.VolatilePagePointer, *Page, error)
	Release(ptr common.VolatilePagePointer)
	Nodes() int
}

// SnapshotPageLoader reads immutable pages produced by a snapshot. Installed
// by the snapshot module once a snapshot exists.
type SnapshotPageLoader interface {
	LoadSnapshotPage(ptr common.SnapshotPagePointer) (*Page, error)
}

// Store is the per-kind capability set the commit core and the gleaner
// consume. One implementation per storage type, behind the control block.
type Store interface {
	// TrackMovedRecord rewrites a write access whose record was forwarded.
	// False when the record went beyond tracking reach.
	TrackMovedRecord(access *xct.WriteAccess) bool

	// TrackMovedOwner is the read-set flavor; nil when tracking fails.
	TrackMovedOwner(owner *xct.RecordOwner) *xct.RecordOwner

	// NewPartitioner builds this storage's gleaner partitioning policy for
	// the given number of partitions.
	NewPartitioner(partitions uint16) (Partitioner, error)

	// ReleasePagesRecursive drops the volatile pages under the storage root.
	ReleasePagesRecursive(resolver PageResolver, root *common.DualPagePointer)
}

// ControlBlock is the shared, engine-lifetime handle of one storage.
type ControlBlock struct {
	status atomic.Uint32 // holds a Status
	Meta   Metadata
	Root   common.DualPagePointer

	store Store
}

func (cb *ControlBlock) Status() Status       { return Status(cb.status.Load()) }
func (cb *ControlBlock) Exists() bool         { return cb.Status() == StatusExists }
func (cb *ControlBlock) Store() Store         { return cb.store }
func (cb *ControlBlock) ID() common.StorageID { return cb.Meta.ID }
func (cb *ControlBlock) setStatus(s Status)   { cb.status.Store(uint32(s)) }
