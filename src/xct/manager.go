package xct

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

var (
	// ErrAlreadyRunning: begin on a context that already has an active transaction.
	ErrAlreadyRunning = errors.New("xct: a transaction is already running on this context")
	// ErrNoXct: abort/precommit on a context with no active transaction.
	ErrNoXct = errors.New("xct: no active transaction on this context")
	// ErrRaceAbort: verification failed; the transaction was cleanly aborted
	// and the caller should retry from begin.
	ErrRaceAbort = errors.New("xct: race abort, retry the transaction")
	// ErrDependentModuleUnavailableInit: a module this one depends on was not
	// initialized first.
	ErrDependentModuleUnavailableInit = errors.New("xct: dependent module unavailable at init")
	// ErrDependentModuleUnavailableUninit: a dependency was torn down before
	// this module.
	ErrDependentModuleUnavailableUninit = errors.New("xct: dependent module unavailable at uninit")
)

// MovedTracker is what the commit protocol needs from the storage manager:
// re-locating records whose owner carries the moved bit.
type MovedTracker interface {
	IsInitialized() bool

	// TrackMovedRecord rewrites the access to the record's new home. False
	// when the record went too far away to track; the transaction aborts.
	TrackMovedRecord(storageID common.StorageID, access *WriteAccess) bool

	// TrackMovedOwner is the read-set flavor: returns the new owner word
	// address, or nil when tracking fails.
	TrackMovedOwner(storageID common.StorageID, owner *RecordOwner) *RecordOwner
}

// LogClient is what the commit protocol needs from the log manager.
type LogClient interface {
	WaitUntilDurable(epoch common.Epoch, timeoutMicros int64) error
	DurableGlobalEpochWeak() common.Epoch
	WakeupLoggers()
	NewThreadBuffer(threadID common.ThreadID, node common.NodeID) *logpkg.ThreadLogBuffer
}

// Manager implements begin/precommit/abort and drives the global epoch.
type Manager struct {
	log      common.Logger
	tracker  MovedTracker
	logMgr   LogClient
	interval time.Duration

	currentEpoch atomic.Uint32
	initialized  atomic.Bool

	mu         sync.Mutex
	terminate  bool
	wakeCh     chan struct{} // advance requests to the driver
	advancedCh chan struct{} // broadcast on every epoch bump
	wg         sync.WaitGroup

	arena *McsArena
}

func NewManager(
	tracker MovedTracker,
	logMgr LogClient,
	epochAdvanceInterval time.Duration,
	logger common.Logger,
) *Manager {
	m := &Manager{
		log:        logger,
		tracker:    tracker,
		logMgr:     logMgr,
		interval:   epochAdvanceInterval,
		wakeCh:     make(chan struct{}),
		advancedCh: make(chan struct{}),
		arena:      NewMcsArena(),
	}
	m.currentEpoch.Store(uint32(common.EpochInitialCurrent))
	return m
}

func (m *Manager) Initialize() error {
	if m.initialized.Load() {
		return nil
	}
	if m.tracker == nil || !m.tracker.IsInitialized() {
		return ErrDependentModuleUnavailableInit
	}
	m.wg.Add(1)
	go m.handleEpochAdvance()
	m.initialized.Store(true)
	m.log.Infof("xct manager initialized, current epoch %d", m.CurrentGlobalEpoch())
	return nil
}

func (m *Manager) IsInitialized() bool { return m.initialized.Load() }

func (m *Manager) Uninitialize() error {
	var errs []error
	if m.tracker == nil || !m.tracker.IsInitialized() {
		errs = append(errs, ErrDependentModuleUnavailableUninit)
	}
	m.mu.Lock()
	if !m.terminate {
		m.terminate = true
		close(m.wakeCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.initialized.Store(false)
	return errors.Join(errs...)
}

func (m *Manager) isStopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminate
}

// handleEpochAdvance is the single process-wide epoch driver. It spins until
// the manager finished initializing, then bumps the epoch every interval or
// whenever someone asks.
func (m *Manager) handleEpochAdvance() {
	defer m.wg.Done()
	m.log.Infof("epoch advance driver started")
	for !m.isStopRequested() && !m.initialized.Load() {
		runtime.Gosched()
	}

	for {
		m.mu.Lock()
		if m.terminate {
			m.mu.Unlock()
			break
		}
		wake := m.wakeCh
		m.mu.Unlock()

		select {
		case <-wake:
		case <-time.After(m.interval):
		}

		m.mu.Lock()
		if m.terminate {
			m.mu.Unlock()
			break
		}
		current := common.Epoch(m.currentEpoch.Load())
		assert.Assert(current.IsValid(), "current global epoch went invalid")
		m.currentEpoch.Store(uint32(current.OneMore()))
		close(m.advancedCh)
		m.advancedCh = make(chan struct{})
		m.mu.Unlock()

		m.logMgr.WakeupLoggers()
	}
	m.log.Infof("epoch advance driver ended, epoch %d", m.CurrentGlobalEpoch())
}

func (m *Manager) wakeupEpochAdvanceDriver() {
	m.mu.Lock()
	if !m.terminate {
		close(m.wakeCh)
		m.wakeCh = make(chan struct{})
	}
	m.mu.Unlock()
}

func (m *Manager) CurrentGlobalEpoch() common.Epoch {
	return common.Epoch(m.currentEpoch.Load())
}

// CurrentGlobalEpochWeak is the non-fenced read used at the serialization
// point. Go atomics make it the same load; the name keeps the contract of
// the call sites visible.
func (m *Manager) CurrentGlobalEpochWeak() common.Epoch {
	return common.Epoch(m.currentEpoch.Load())
}

// AdvanceCurrentGlobalEpoch signals the driver and waits until the epoch
// actually moves.
func (m *Manager) AdvanceCurrentGlobalEpoch() {
	now := m.CurrentGlobalEpoch()
	for m.CurrentGlobalEpoch() == now {
		m.wakeupEpochAdvanceDriver()

		m.mu.Lock()
		ch := m.advancedCh
		m.mu.Unlock()
		if m.CurrentGlobalEpoch() != now {
			break
		}
		<-ch
	}
}

// WaitForCommit blocks until the durable epoch reaches commitEpoch. Negative
// timeout blocks indefinitely, zero polls.
func (m *Manager) WaitForCommit(commitEpoch common.Epoch, timeoutMicros int64) error {
	if !commitEpoch.Before(m.CurrentGlobalEpoch()) {
		// loggers can't drain commitEpoch until the global epoch passes it
		m.wakeupEpochAdvanceDriver()
	}
	return m.logMgr.WaitUntilDurable(commitEpoch, timeoutMicros)
}

// NewContext builds a worker-local transaction context pinned to a node.
func (m *Manager) NewContext(threadID common.ThreadID, node common.NodeID) *Xct {
	buffer := m.logMgr.NewThreadBuffer(threadID, node)
	return NewXct(threadID, node, buffer, m.arena)
}

func (m *Manager) BeginXct(x *Xct, isolation IsolationLevel) error {
	if x.IsActive() {
		return ErrAlreadyRunning
	}
	assert.Assert(x.logBuffer.UncommittedCount() == 0,
		"worker %d begins with stale uncommitted log", x.threadID)
	x.activate(isolation)
	return nil
}

func (m *Manager) AbortXct(x *Xct) error {
	if !x.IsActive() {
		return ErrNoXct
	}
	x.deactivate()
	x.logBuffer.DiscardCurrentXctLog()
	return nil
}

// PrecommitXct runs the Silo commit protocol. On success the returned epoch
// is the transaction's commit epoch; the transaction is durable once the
// durable global epoch reaches it. ErrRaceAbort means cleanly aborted:
// retry from begin. Either way the context is deactivated.
func (m *Manager) PrecommitXct(x *Xct) (common.Epoch, error) {
	if !x.IsActive() {
		return common.EpochInvalid, ErrNoXct
	}

	var commitEpoch common.Epoch
	var committed bool
	if x.IsReadOnly() {
		commitEpoch, committed = m.precommitReadonly(x)
	} else {
		commitEpoch, committed = m.precommitReadwrite(x)
	}

	x.deactivate()
	if !committed {
		x.logBuffer.DiscardCurrentXctLog()
		return common.EpochInvalid, ErrRaceAbort
	}
	return commitEpoch, nil
}

// precommitReadonly skips locking entirely: verify the read set and derive
// the commit epoch from the highest epoch observed.
func (m *Manager) precommitReadonly(x *Xct) (common.Epoch, bool) {
	assert.Assert(x.logBuffer.UncommittedCount() == 0,
		"read-only transaction staged log entries")
	commitEpoch := common.EpochInvalid

	for i := range x.readSet {
		a := &x.readSet[i]
		if a.Owner.IsMoved() {
			a.Owner = m.tracker.TrackMovedOwner(a.StorageID, a.Owner)
			if a.Owner == nil {
				return common.EpochInvalid, false
			}
		}
		if a.Observed != a.Owner.XctID() {
			return common.EpochInvalid, false
		}
		commitEpoch.StoreMax(a.Observed.Epoch())
	}

	if !commitEpoch.IsValid() {
		// no reads at all: the already-durable epoch conservatively bounds
		// how long the caller would have to wait
		commitEpoch = m.logMgr.DurableGlobalEpochWeak()
	}

	if !m.verifyPointerSet(x) || !m.verifyPageVersionSet(x) {
		return common.EpochInvalid, false
	}
	return commitEpoch, true
}

func (m *Manager) precommitReadwrite(x *Xct) (common.Epoch, bool) {
	maxXctID := common.NewXctID(common.EpochInitialDurable, 1)
	if !m.precommitLock(x, &maxXctID) {
		return common.EpochInvalid, false
	}

	// The guard must be installed before the serialization-point load so the
	// durable frontier can never skip this commit.
	x.logBuffer.SetInCommitEpoch(m.CurrentGlobalEpochWeak())
	defer x.logBuffer.ClearInCommitEpoch()

	commitEpoch := m.CurrentGlobalEpochWeak() // serialization point

	verified := m.precommitVerifyReadwrite(x, &maxXctID)
	if !verified {
		m.precommitUnlock(x)
		return common.EpochInvalid, false
	}

	m.precommitApply(x, maxXctID, commitEpoch)
	// publish after apply: apply stamps the xct id into the log entries
	x.logBuffer.PublishCommittedLog(commitEpoch)
	return commitEpoch, true
}

// precommitLock is commit phase 1: track moved records, sort the write set
// by owner address and take the MCS key locks in that order. A moved bit
// appearing after the lock releases everything and restarts; each moved
// transition is one-way, so the loop terminates.
func (m *Manager) precommitLock(x *Xct, maxXctID *common.XctID) bool {
	ws := x.writeSet
	for {
		for i := range ws {
			if ws[i].Owner.IsMoved() {
				if !m.tracker.TrackMovedRecord(ws[i].StorageID, &ws[i]) {
					// went too far away (e.g. another masstree layer); abort
					return false
				}
			}
		}

		sortWriteSet(ws)

		needsRetry := false
		for i := range ws {
			assert.Assert(ws[i].mcsBlock == 0, "write set entry already locked")
			if i+1 < len(ws) && ws[i].Owner == ws[i+1].Owner {
				// same record written again later in the set:
				// lock/unlock only at the last occurrence
				continue
			}
			ws[i].mcsBlock = x.mcs.Acquire(&ws[i].Owner.Lock)
			if ws[i].Owner.IsMoved() {
				m.precommitUnlock(x)
				needsRetry = true
				break
			}
			maxXctID.StoreMax(ws[i].Owner.XctID().WithoutStatusBits())
		}
		if !needsRetry {
			return true
		}
	}
}

// precommitVerifyReadwrite is commit phase 2: every observation must still
// hold. Runs after the serialization point with all write locks held.
func (m *Manager) precommitVerifyReadwrite(x *Xct, maxXctID *common.XctID) bool {
	for i := range x.readSet {
		a := &x.readSet[i]
		// moved records are re-located here too, but without a retry loop:
		// if yet another migration races us, we just abort
		if a.Owner.IsMoved() {
			a.Owner = m.tracker.TrackMovedOwner(a.StorageID, a.Owner)
			if a.Owner == nil {
				return false
			}
		}
		if a.Observed != a.Owner.XctID() {
			return false
		}
		maxXctID.StoreMax(a.Observed.WithoutStatusBits())
	}
	return m.verifyPointerSet(x) && m.verifyPageVersionSet(x)
}

func (m *Manager) verifyPointerSet(x *Xct) bool {
	for i := range x.pointerSet {
		a := &x.pointerSet[i]
		if a.Address.VolatileWord() != a.Observed {
			return false
		}
	}
	return true
}

func (m *Manager) verifyPageVersionSet(x *Xct) bool {
	for i := range x.pageVersionSet {
		a := &x.pageVersionSet[i]
		if a.Address.Status() != a.Observed {
			return false
		}
	}
	return true
}

// precommitApply is commit phase 3. Ordering contract: data before owner,
// owner before unlock, apply before publish. Go atomics give the fences.
func (m *Manager) precommitApply(x *Xct, maxXctID common.XctID, commitEpoch common.Epoch) {
	x.issueNextID(maxXctID, commitEpoch)
	newID := x.ID()
	assert.Assert(newID.Epoch() == commitEpoch, "issued id disagrees with commit epoch")
	assert.Assert(newID.Ordinal() > 0, "issued id has zero ordinal")
	newDeletedID := newID.WithStatus(common.XctIDDeleted)

	ws := x.writeSet
	for i := range ws {
		w := &ws[i]
		assert.Assert(w.Owner.IsKeylocked(), "applying to an unlocked record")

		w.Log.Header().XctID = newID
		if i == 0 || ws[i-1].Owner != w.Owner {
			w.Owner.SetBeingWritten()
		}
		w.Log.ApplyRecord(w.Payload)

		if i+1 < len(ws) && ws[i+1].Owner == w.Owner {
			// keep the flag and the lock for the follow-on entry
			assert.Assert(w.mcsBlock == 0, "non-last duplicate holds the lock")
			continue
		}
		if w.Log.IsDeletion() {
			w.Owner.SetXctID(newDeletedID)
		} else {
			w.Owner.SetXctID(newID)
		}
		x.mcs.Release(&w.Owner.Lock, w.mcsBlock)
		w.mcsBlock = 0
	}

	for i := range x.lockFreeWriteSet {
		w := &x.lockFreeWriteSet[i]
		w.Log.Header().XctID = newID
		w.Log.ApplyRecord(nil)
	}
}

// precommitUnlock releases whatever phase 1 acquired, without applying.
// Lock release never fails.
func (m *Manager) precommitUnlock(x *Xct) {
	ws := x.writeSet
	for i := range ws {
		if ws[i].mcsBlock != 0 {
			x.mcs.Release(&ws[i].Owner.Lock, ws[i].mcsBlock)
			ws[i].mcsBlock = 0
		}
	}
}
