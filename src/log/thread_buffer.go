package log

import (
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

type publishedEntry struct {
	entry Entry
	epoch common.Epoch
}

// ThreadLogBuffer is the redo log staging area of one worker. The worker is
// its only writer: entries accumulate in the uncommitted tail while a
// transaction runs and either move to the published region at commit or are
// discarded at abort. The node's logger drains the published region up to
// the epoch it deems safe.
type ThreadLogBuffer struct {
	threadID common.ThreadID
	node     common.NodeID

	mu          sync.Mutex
	uncommitted []Entry
	published   []publishedEntry

	// inCommitEpoch is non-invalid only while the owning worker sits between
	// the pre-commit serialization point and log publish. Loggers must not
	// advance the durable frontier past it.
	inCommitEpoch atomic.Uint32
}

func newThreadLogBuffer(threadID common.ThreadID, node common.NodeID) *ThreadLogBuffer {
	return &ThreadLogBuffer{threadID: threadID, node: node}
}

func (b *ThreadLogBuffer) ThreadID() common.ThreadID { return b.threadID }
func (b *ThreadLogBuffer) Node() common.NodeID       { return b.node }

// Append stages an entry for the currently running transaction.
func (b *ThreadLogBuffer) Append(e Entry) {
	b.mu.Lock()
	b.uncommitted = append(b.uncommitted, e)
	b.mu.Unlock()
}

func (b *ThreadLogBuffer) UncommittedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uncommitted)
}

// DiscardCurrentXctLog drops the uncommitted tail on abort.
func (b *ThreadLogBuffer) DiscardCurrentXctLog() {
	b.mu.Lock()
	b.uncommitted = b.uncommitted[:0]
	b.mu.Unlock()
}

// PublishCommittedLog makes the staged entries visible to the logger, tagged
// with their commit epoch. Called after apply, before the commit guard is
// released.
func (b *ThreadLogBuffer) PublishCommittedLog(epoch common.Epoch) {
	b.mu.Lock()
	for _, e := range b.uncommitted {
		b.published = append(b.published, publishedEntry{entry: e, epoch: epoch})
	}
	b.uncommitted = b.uncommitted[:0]
	b.mu.Unlock()
}

// SetInCommitEpoch installs the durable-frontier guard. Must be set before
// the serialization-point epoch load.
func (b *ThreadLogBuffer) SetInCommitEpoch(e common.Epoch) {
	b.inCommitEpoch.Store(uint32(e))
}

func (b *ThreadLogBuffer) ClearInCommitEpoch() {
	b.inCommitEpoch.Store(uint32(common.EpochInvalid))
}

func (b *ThreadLogBuffer) InCommitEpoch() common.Epoch {
	return common.Epoch(b.inCommitEpoch.Load())
}

// drainUpTo removes and returns all published entries with epoch <= limit.
func (b *ThreadLogBuffer) drainUpTo(limit common.Epoch) []publishedEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var drained []publishedEntry
	kept := b.published[:0]
	for _, pe := range b.published {
		if pe.epoch == limit || pe.epoch.Before(limit) {
			drained = append(drained, pe)
		} else {
			kept = append(kept, pe)
		}
	}
	b.published = kept
	return drained
}
