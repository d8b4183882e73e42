package xct

import (
	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

type IsolationLevel uint8

const (
	IsolationDirty IsolationLevel = iota
	IsolationSnapshot
	IsolationReadCommitted
	IsolationSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationDirty:
		return "DIRTY"
	case IsolationSnapshot:
		return "SNAPSHOT"
	case IsolationReadCommitted:
		return "READ_COMMITTED"
	case IsolationSerializable:
		return "SERIALIZABLE"
	}
	return "IsolationLevel(?)"
}

// Xct is the per-worker transaction context, reused across transactions.
// Access sets grow during the run and are truncated (not freed) on activate.
type Xct struct {
	threadID common.ThreadID
	node     common.NodeID

	active    bool
	isolation IsolationLevel

	readSet          []ReadAccess
	writeSet         []WriteAccess
	lockFreeWriteSet []LockFreeWriteAccess
	pointerSet       []PointerAccess
	pageVersionSet   []PageVersionAccess

	// id is the XctID issued at this worker's last commit. Ordinals continue
	// from it when committing again in the same epoch.
	id common.XctID

	mcs       McsAdaptor
	logBuffer *logpkg.ThreadLogBuffer
}

func NewXct(
	threadID common.ThreadID,
	node common.NodeID,
	buffer *logpkg.ThreadLogBuffer,
	arena *McsArena,
) *Xct {
	return &Xct{
		threadID:  threadID,
		node:      node,
		mcs:       newMcsAdaptor(threadID, arena),
		logBuffer: buffer,
	}
}

func (x *Xct) ThreadID() common.ThreadID          { return x.threadID }
func (x *Xct) Node() common.NodeID                { return x.node }
func (x *Xct) IsActive() bool                     { return x.active }
func (x *Xct) Isolation() IsolationLevel          { return x.isolation }
func (x *Xct) ID() common.XctID                   { return x.id }
func (x *Xct) LogBuffer() *logpkg.ThreadLogBuffer { return x.logBuffer }

// IsReadOnly holds when the transaction staged no writes at all.
func (x *Xct) IsReadOnly() bool {
	return len(x.writeSet) == 0 && len(x.lockFreeWriteSet) == 0
}

func (x *Xct) activate(isolation IsolationLevel) {
	assert.Assert(!x.active, "activating an already active transaction")
	assert.Assert(x.mcs.CurrentBlock() == 0, "stale mcs blocks on activation")
	x.active = true
	x.isolation = isolation
	x.readSet = x.readSet[:0]
	x.writeSet = x.writeSet[:0]
	x.lockFreeWriteSet = x.lockFreeWriteSet[:0]
	x.pointerSet = x.pointerSet[:0]
	x.pageVersionSet = x.pageVersionSet[:0]
}

func (x *Xct) deactivate() {
	assert.Assert(x.active, "deactivating an inactive transaction")
	x.active = false
	x.mcs.resetBlocks()
}

// AddReadSet records a serializable read observation. Only meaningful under
// SERIALIZABLE; weaker levels skip the bookkeeping.
func (x *Xct) AddReadSet(storageID common.StorageID, owner *RecordOwner, observed common.XctID) {
	x.readSet = append(x.readSet, ReadAccess{
		StorageID: storageID,
		Owner:     owner,
		Observed:  observed,
	})
}

func (x *Xct) AddWriteSet(
	storageID common.StorageID,
	owner *RecordOwner,
	payload []byte,
	entry logpkg.Entry,
) {
	x.writeSet = append(x.writeSet, WriteAccess{
		StorageID: storageID,
		Owner:     owner,
		Payload:   payload,
		Log:       entry,
	})
	x.logBuffer.Append(entry)
}

func (x *Xct) AddLockFreeWriteSet(storageID common.StorageID, entry logpkg.Entry) {
	x.lockFreeWriteSet = append(x.lockFreeWriteSet, LockFreeWriteAccess{
		StorageID: storageID,
		Log:       entry,
	})
	x.logBuffer.Append(entry)
}

func (x *Xct) AddPointerSet(address *common.DualPagePointer, observed uint64) {
	x.pointerSet = append(x.pointerSet, PointerAccess{Address: address, Observed: observed})
}

func (x *Xct) AddPageVersionSet(address *common.PageVersion, observed uint64) {
	x.pageVersionSet = append(x.pageVersionSet, PageVersionAccess{Address: address, Observed: observed})
}

// issueNextID generates the id this commit publishes: epoch = commitEpoch,
// ordinal strictly above both the highest ordinal observed among touched
// records in this epoch and this worker's own last ordinal in this epoch.
func (x *Xct) issueNextID(maxXctID common.XctID, commitEpoch common.Epoch) {
	assert.Assert(commitEpoch.IsValid(), "commit epoch must be valid")

	ordinal := uint32(0)
	if x.id.Epoch() == commitEpoch {
		ordinal = x.id.Ordinal()
	}
	if maxXctID.Epoch() == commitEpoch && maxXctID.Ordinal() > ordinal {
		ordinal = maxXctID.Ordinal()
	}
	x.id = common.NewXctID(commitEpoch, ordinal+1)
}
