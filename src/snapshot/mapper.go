package snapshot

import (
	"bufio"
	"fmt"
	"io"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

const mapperBatchSize = 64

// logMapper consumes one logger's durable stream: decode, filter by the
// snapshot's epoch window, route record logs to the owning reducer and
// storage logs to the gleaner's non-record buffer. Pinned to its logger's
// node; its node's partition is the "local" partition for locality-driven
// partitioners.
type logMapper struct {
	gleaner *LogGleaner
	file    logpkg.LoggerFile
	local   common.PartitionID

	// per-storage accumulation so partition lookups amortize over batches
	pending map[common.StorageID][]logpkg.Entry
}

func newLogMapper(g *LogGleaner, file logpkg.LoggerFile) *logMapper {
	return &logMapper{
		gleaner: g,
		file:    file,
		local:   common.PartitionID(file.Node),
		pending: make(map[common.StorageID][]logpkg.Entry),
	}
}

func (m *logMapper) run() {
	g := m.gleaner
	g.readyWg.Done()
	select {
	case <-g.startCh:
	case <-g.stopCh:
		return
	}

	if err := m.process(); err != nil {
		g.reportError(fmt.Errorf("mapper %d: %w", m.file.ID, err))
	}
	// drained-early contract: free everything before reducers finalize
	m.pending = nil
}

func (m *logMapper) process() error {
	g := m.gleaner
	f, err := g.fs.Open(m.file.Path)
	if err != nil {
		return fmt.Errorf("opening durable stream: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		if g.isStopRequested() {
			return nil
		}
		entry, err := logpkg.Unmarshal(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("decoding durable stream: %w", err)
		}

		epoch := entry.Header().XctID.Epoch()
		if !g.epochInWindow(epoch) {
			continue
		}
		if entry.Header().Code.IsStorageLog() {
			g.addNonrecordLog(entry)
			continue
		}

		sid := entry.Header().StorageID
		m.pending[sid] = append(m.pending[sid], entry)
		if len(m.pending[sid]) >= mapperBatchSize {
			if err := m.flush(sid); err != nil {
				return err
			}
		}
	}

	for sid := range m.pending {
		if err := m.flush(sid); err != nil {
			return err
		}
	}
	return nil
}

func (m *logMapper) flush(sid common.StorageID) error {
	g := m.gleaner
	entries := m.pending[sid]
	if len(entries) == 0 {
		return nil
	}
	m.pending[sid] = m.pending[sid][:0]

	partitioner, err := g.getOrCreatePartitioner(sid)
	if err != nil {
		return fmt.Errorf("partitioner for storage %d: %w", sid, err)
	}

	results := make([]common.PartitionID, len(entries))
	partitioner.PartitionBatch(m.local, entries, results)

	for i, entry := range entries {
		reducer := g.reducers[results[i]]
		select {
		case reducer.input <- entry:
		case <-g.stopCh:
			return nil
		}
	}
	return nil
}
