package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

var (
	ErrTimedOut       = errors.New("log: durable epoch wait timed out")
	ErrNotInitialized = errors.New("log: manager is not initialized")
)

const loggerPollInterval = 20 * time.Millisecond

const openFlags = os.O_CREATE | os.O_RDWR | os.O_APPEND

// EpochSource provides the current global epoch. The xct manager is wired in
// after both modules are constructed; loggers idle until then.
type EpochSource interface {
	CurrentGlobalEpoch() common.Epoch
}

// LoggerFile names one logger's durable stream for the gleaner mappers.
type LoggerFile struct {
	ID   common.LoggerID
	Node common.NodeID
	Path string
}

type drainer struct {
	id   common.LoggerID
	node common.NodeID
	path string
	file afero.File

	// both guarded by the manager mutex
	durable common.Epoch
	buffers []*ThreadLogBuffer
}

// Manager owns the durable log frontier. One logger (drainer goroutine) per
// (node, ordinal) flushes the published regions of its workers' buffers to
// its stream file; the durable global epoch is the minimum over loggers.
type Manager struct {
	log            common.Logger
	fs             afero.Fs
	dir            string
	nodes          int
	loggersPerNode int

	mu        sync.Mutex
	loggers   []*drainer
	epochs    EpochSource
	stopped   bool
	wakeCh    chan struct{}
	durableCh chan struct{}
	rr        []int // per-node round-robin cursor for buffer placement

	durableEpoch atomic.Uint32
	initialized  atomic.Bool
	wg           sync.WaitGroup
}

func NewManager(
	fs afero.Fs,
	dir string,
	nodes int,
	loggersPerNode int,
	logger common.Logger,
) *Manager {
	assert.Assert(nodes > 0, "need at least one node, got %d", nodes)
	assert.Assert(loggersPerNode > 0, "need at least one logger per node, got %d", loggersPerNode)

	m := &Manager{
		log:            logger,
		fs:             fs,
		dir:            dir,
		nodes:          nodes,
		loggersPerNode: loggersPerNode,
		wakeCh:         make(chan struct{}),
		durableCh:      make(chan struct{}),
		rr:             make([]int, nodes),
	}
	m.durableEpoch.Store(uint32(common.EpochInitialDurable))
	return m
}

func (m *Manager) Initialize() error {
	if m.initialized.Load() {
		return nil
	}
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("log: creating log dir: %w", err)
	}

	for node := 0; node < m.nodes; node++ {
		for ordinal := 0; ordinal < m.loggersPerNode; ordinal++ {
			id := common.LoggerID(node*m.loggersPerNode + ordinal)
			path := filepath.Join(m.dir, fmt.Sprintf("node%d_logger%d.log", node, ordinal))
			file, err := m.fs.OpenFile(path, openFlags, 0o644)
			if err != nil {
				return fmt.Errorf("log: opening logger file %s: %w", path, err)
			}
			d := &drainer{
				id:      id,
				node:    common.NodeID(node),
				path:    path,
				file:    file,
				durable: common.EpochInitialDurable,
			}
			m.loggers = append(m.loggers, d)
		}
	}

	for _, d := range m.loggers {
		m.wg.Add(1)
		go m.runLogger(d)
	}

	m.initialized.Store(true)
	m.log.Infof("log manager initialized: %d loggers over %d nodes", len(m.loggers), m.nodes)
	return nil
}

func (m *Manager) IsInitialized() bool { return m.initialized.Load() }

func (m *Manager) Uninitialize() error {
	if !m.initialized.Load() {
		return nil
	}
	m.mu.Lock()
	m.stopped = true
	close(m.wakeCh)
	m.wakeCh = make(chan struct{})
	m.mu.Unlock()
	m.wg.Wait()

	var errs []error
	for _, d := range m.loggers {
		if err := d.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("log: closing %s: %w", d.path, err))
		}
	}
	m.loggers = nil
	m.initialized.Store(false)
	return errors.Join(errs...)
}

// SetEpochSource hands the xct manager's epoch to the loggers. Until called,
// loggers idle and the durable epoch stays at its initial value.
func (m *Manager) SetEpochSource(es EpochSource) {
	m.mu.Lock()
	m.epochs = es
	m.mu.Unlock()
	m.WakeupLoggers()
}

// NewThreadBuffer registers a worker's log buffer with one of the node's
// loggers (round-robin).
func (m *Manager) NewThreadBuffer(threadID common.ThreadID, node common.NodeID) *ThreadLogBuffer {
	assert.Assert(int(node) < m.nodes, "node %d out of range (%d nodes)", node, m.nodes)

	b := newThreadLogBuffer(threadID, node)
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*drainer, 0, m.loggersPerNode)
	for _, d := range m.loggers {
		if d.node == node {
			candidates = append(candidates, d)
		}
	}
	assert.Assert(len(candidates) > 0, "no loggers on node %d", node)
	d := candidates[m.rr[node]%len(candidates)]
	m.rr[node]++
	d.buffers = append(d.buffers, b)
	return b
}

func (m *Manager) DurableGlobalEpoch() common.Epoch {
	return common.Epoch(m.durableEpoch.Load())
}

// DurableGlobalEpochWeak is the non-fenced read. Go atomics make it the same
// load; the name documents the contract of the call sites.
func (m *Manager) DurableGlobalEpochWeak() common.Epoch {
	return common.Epoch(m.durableEpoch.Load())
}

// WakeupLoggers prods every logger to re-examine its buffers. The epoch
// advancer calls this on every bump.
func (m *Manager) WakeupLoggers() {
	m.mu.Lock()
	if !m.stopped {
		close(m.wakeCh)
		m.wakeCh = make(chan struct{})
	}
	m.mu.Unlock()
}

// WaitUntilDurable blocks until the durable global epoch reaches epoch.
// Negative timeout blocks indefinitely, zero polls once.
func (m *Manager) WaitUntilDurable(epoch common.Epoch, timeoutMicros int64) error {
	if !epoch.IsValid() {
		return nil
	}
	var deadline time.Time
	if timeoutMicros > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMicros) * time.Microsecond)
	}
	for {
		durable := m.DurableGlobalEpoch()
		if durable == epoch || epoch.Before(durable) {
			return nil
		}
		if timeoutMicros == 0 {
			return ErrTimedOut
		}

		m.mu.Lock()
		ch := m.durableCh
		m.mu.Unlock()

		// re-check after grabbing the channel to not miss an advance
		durable = m.DurableGlobalEpoch()
		if durable == epoch || epoch.Before(durable) {
			return nil
		}

		if timeoutMicros < 0 {
			<-ch
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimedOut
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return ErrTimedOut
		}
	}
}

// LoggerFiles lists the durable streams for gleaner mappers.
func (m *Manager) LoggerFiles() []LoggerFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	files := make([]LoggerFile, 0, len(m.loggers))
	for _, d := range m.loggers {
		files = append(files, LoggerFile{ID: d.id, Node: d.node, Path: d.path})
	}
	return files
}

func (m *Manager) runLogger(d *drainer) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		wake := m.wakeCh
		es := m.epochs
		buffers := make([]*ThreadLogBuffer, len(d.buffers))
		copy(buffers, d.buffers)
		m.mu.Unlock()

		if es != nil {
			m.drainOnce(d, es, buffers)
		}

		select {
		case <-wake:
		case <-time.After(loggerPollInterval):
		}
	}
}

func (m *Manager) drainOnce(d *drainer, es EpochSource, buffers []*ThreadLogBuffer) {
	current := es.CurrentGlobalEpoch()
	if !current.IsValid() {
		return
	}
	// Everything up to the previous epoch is final: no new commit can use it.
	safe := previousEpoch(current)

	// Except for workers holding the commit guard: their published log for
	// the guarded epoch may not exist yet.
	for _, b := range buffers {
		guard := b.InCommitEpoch()
		if guard.IsValid() {
			safe = safe.Min(previousEpoch(guard))
		}
	}
	if !safe.IsValid() {
		return
	}

	for _, b := range buffers {
		for _, pe := range b.drainUpTo(safe) {
			if _, err := d.file.Write(Marshal(pe.entry)); err != nil {
				m.log.Errorf("logger %d: writing durable stream: %v", d.id, err)
				return
			}
		}
	}
	if err := d.file.Sync(); err != nil {
		m.log.Errorf("logger %d: syncing durable stream: %v", d.id, err)
		return
	}

	m.mu.Lock()
	d.durable.StoreMax(safe)
	newDurable := m.loggers[0].durable
	for _, other := range m.loggers[1:] {
		newDurable = newDurable.Min(other.durable)
	}
	old := common.Epoch(m.durableEpoch.Load())
	if old.Before(newDurable) {
		m.durableEpoch.Store(uint32(newDurable))
		close(m.durableCh)
		m.durableCh = make(chan struct{})
	}
	m.mu.Unlock()
}

// previousEpoch steps one epoch back, skipping the invalid sentinel.
func previousEpoch(e common.Epoch) common.Epoch {
	if e == common.EpochInvalid {
		return common.EpochInvalid
	}
	prev := e - 1
	if prev == common.EpochInvalid {
		return ^common.Epoch(0)
	}
	return prev
}
