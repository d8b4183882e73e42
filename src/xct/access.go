package xct

import (
	"sort"
	"unsafe"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

// ReadAccess remembers the owner id observed by a serializable read. At
// commit the current id must still match.
type ReadAccess struct {
	StorageID common.StorageID
	Owner     *RecordOwner
	Observed  common.XctID
}

// WriteAccess ties a redo log entry to the record it targets. Owner and
// Payload are rewritten by moved-record tracking when the record migrates.
type WriteAccess struct {
	StorageID common.StorageID
	Owner     *RecordOwner
	Payload   []byte
	Log       logpkg.Entry

	mcsBlock McsBlockIndex
}

// LockFreeWriteAccess is the append-only path: no owner word, no lock.
type LockFreeWriteAccess struct {
	StorageID common.StorageID
	Log       logpkg.Entry
}

// PointerAccess remembers the volatile word of a dual pointer followed
// during the transaction; a concurrent pointer replacement fails the commit.
type PointerAccess struct {
	Address  *common.DualPagePointer
	Observed uint64
}

// PageVersionAccess remembers a page's version status word.
type PageVersionAccess struct {
	Address  *common.PageVersion
	Observed uint64
}

func ownerAddr(o *RecordOwner) uintptr { return uintptr(unsafe.Pointer(o)) }

// sortWriteSet orders entries by owner address ascending. All committers
// lock in this one order, which is what rules out deadlock.
func sortWriteSet(ws []WriteAccess) {
	sort.SliceStable(ws, func(i, j int) bool {
		return ownerAddr(ws[i].Owner) < ownerAddr(ws[j].Owner)
	})
}
