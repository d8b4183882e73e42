package xct

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

// McsBlockIndex names one preallocated queue node of a worker. Index 0 is
// reserved for "no lock held".
type McsBlockIndex uint32

const maxMcsBlocksPerThread = 1 << 10

// McsLock is the per-record queue lock used only during commit. The tail
// word encodes {thread id, block index} of the last waiter; 0 means free.
// FIFO among contenders, hence starvation-free. Acquisition never fails.
type McsLock struct {
	tail atomic.Uint64
}

func (l *McsLock) IsLocked() bool { return l.tail.Load() != 0 }

type mcsBlock struct {
	waiting   atomic.Bool
	successor atomic.Uint64
}

type mcsThreadBlocks [maxMcsBlocksPerThread]mcsBlock

// McsArena holds every worker's queue nodes. Workers must reach each other's
// nodes: a releasing worker clears the waiting flag of its successor.
type McsArena struct {
	mu     sync.Mutex
	tables atomic.Pointer[[]*mcsThreadBlocks]
}

func NewMcsArena() *McsArena {
	a := &McsArena{}
	empty := make([]*mcsThreadBlocks, 0)
	a.tables.Store(&empty)
	return a
}

// register makes room for a worker's blocks. Copy-on-write so that the hot
// lookup path is a plain load.
func (a *McsArena) register(threadID common.ThreadID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := *a.tables.Load()
	if int(threadID) < len(old) && old[threadID] != nil {
		return
	}
	size := len(old)
	if int(threadID) >= size {
		size = int(threadID) + 1
	}
	grown := make([]*mcsThreadBlocks, size)
	copy(grown, old)
	if grown[threadID] == nil {
		grown[threadID] = &mcsThreadBlocks{}
	}
	a.tables.Store(&grown)
}

func (a *McsArena) block(word uint64) *mcsBlock {
	threadID := common.ThreadID(word >> 32)
	index := McsBlockIndex(word & 0xFFFFFFFF)
	tables := *a.tables.Load()
	assert.Assert(int(threadID) < len(tables) && tables[threadID] != nil,
		"unknown mcs thread %d", threadID)
	assert.Assert(index > 0 && index < maxMcsBlocksPerThread, "mcs block %d out of range", index)
	return &tables[threadID][index]
}

func composeMcsWord(threadID common.ThreadID, index McsBlockIndex) uint64 {
	return uint64(threadID)<<32 | uint64(index)
}

// McsAdaptor is a worker's view into the arena. Block indexes are handed out
// sequentially within one commit attempt and recycled when the transaction
// leaves the commit protocol with no locks held.
type McsAdaptor struct {
	threadID common.ThreadID
	arena    *McsArena
	current  McsBlockIndex
}

func newMcsAdaptor(threadID common.ThreadID, arena *McsArena) McsAdaptor {
	arena.register(threadID)
	return McsAdaptor{threadID: threadID, arena: arena}
}

func (a *McsAdaptor) CurrentBlock() McsBlockIndex { return a.current }

// resetBlocks recycles the worker's queue nodes. Caller guarantees no lock
// is held through any of them.
func (a *McsAdaptor) resetBlocks() { a.current = 0 }

// Acquire joins the lock's queue and spins until granted.
func (a *McsAdaptor) Acquire(l *McsLock) McsBlockIndex {
	a.current++
	assert.Assert(a.current < maxMcsBlocksPerThread,
		"worker %d exhausted mcs blocks", a.threadID)
	index := a.current

	me := composeMcsWord(a.threadID, index)
	block := a.arena.block(me)
	block.waiting.Store(true)
	block.successor.Store(0)

	pred := l.tail.Swap(me)
	if pred == 0 {
		block.waiting.Store(false)
		return index
	}

	a.arena.block(pred).successor.Store(me)
	for block.waiting.Load() {
		runtime.Gosched()
	}
	return index
}

// Release hands the lock to the successor, if any. Never fails.
func (a *McsAdaptor) Release(l *McsLock, index McsBlockIndex) {
	assert.Assert(index != 0, "releasing with the reserved null block")
	me := composeMcsWord(a.threadID, index)
	block := a.arena.block(me)

	succ := block.successor.Load()
	if succ == 0 {
		if l.tail.CompareAndSwap(me, 0) {
			return
		}
		// someone swapped the tail but hasn't linked in yet
		for {
			succ = block.successor.Load()
			if succ != 0 {
				break
			}
			runtime.Gosched()
		}
	}
	a.arena.block(succ).waiting.Store(false)
}
