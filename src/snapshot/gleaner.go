package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/panjf2000/ants"
	"github.com/spf13/afero"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/storage/array"
)

// nonrecordBufferCap bounds the storage-level log buffer of one run.
const nonrecordBufferCap = 2 << 20

// LogGleaner converts the durable log stream into snapshot pages: one mapper
// per logger reads and routes records, one reducer per NUMA node sort-merges
// and materializes pages, and a final pass stitches per-storage root pages.
type LogGleaner struct {
	log        common.Logger
	fs         afero.Fs
	dir        string
	logMgr     *logpkg.Manager
	storageMgr *storage.Manager
	pageStore  *PageStore

	id         common.SnapshotID
	base       common.Epoch
	validUntil common.Epoch
	partitions int
	runToken   string

	mappers  []*logMapper
	reducers []*logReducer
	writers  []*pageWriter

	readyWg   sync.WaitGroup
	mapperWg  sync.WaitGroup
	reducerWg sync.WaitGroup
	startCh   chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once

	errMu      sync.Mutex
	errs       []error
	errorCount atomic.Int32

	partMu       sync.Mutex
	partitioners map[common.StorageID]storage.Partitioner

	nonrecordMu    sync.Mutex
	nonrecord      []logpkg.Entry
	nonrecordBytes int

	leafMu sync.Mutex
	leaves map[common.StorageID]map[uint64]common.SnapshotPagePointer
}

func NewLogGleaner(
	fs afero.Fs,
	dir string,
	logMgr *logpkg.Manager,
	storageMgr *storage.Manager,
	pageStore *PageStore,
	id common.SnapshotID,
	base common.Epoch,
	validUntil common.Epoch,
	partitions int,
	logger common.Logger,
) *LogGleaner {
	return &LogGleaner{
		log:          logger,
		fs:           fs,
		dir:          dir,
		logMgr:       logMgr,
		storageMgr:   storageMgr,
		pageStore:    pageStore,
		id:           id,
		base:         base,
		validUntil:   validUntil,
		partitions:   partitions,
		runToken:     uuid.NewString(),
		startCh:      make(chan struct{}),
		stopCh:       make(chan struct{}),
		partitioners: make(map[common.StorageID]storage.Partitioner),
		leaves:       make(map[common.StorageID]map[uint64]common.SnapshotPagePointer),
	}
}

// Execute runs the whole pipeline and returns the per-storage snapshot root
// pointers. Any worker error abandons the run.
func (g *LogGleaner) Execute() (map[common.StorageID]common.SnapshotPagePointer, error) {
	g.log.Infof("gleaner run %s: snapshot %d, epochs (%d, %d], %d partitions",
		g.runToken, g.id, g.base, g.validUntil, g.partitions)

	for p := 0; p < g.partitions; p++ {
		writer, err := newPageWriter(g.fs, g.dir, g.id, common.NodeID(p))
		if err != nil {
			return nil, err
		}
		g.writers = append(g.writers, writer)
		g.reducers = append(g.reducers, newLogReducer(g, common.PartitionID(p), writer))
	}
	for _, file := range g.logMgr.LoggerFiles() {
		g.mappers = append(g.mappers, newLogMapper(g, file))
	}

	total := len(g.mappers) + len(g.reducers)
	pool, err := ants.NewPool(total)
	if err != nil {
		return nil, fmt.Errorf("snapshot: creating gleaner pool: %w", err)
	}
	defer pool.Release()

	g.readyWg.Add(total)
	g.mapperWg.Add(len(g.mappers))
	g.reducerWg.Add(len(g.reducers))
	for _, m := range g.mappers {
		m := m
		if err := pool.Submit(func() {
			defer g.mapperWg.Done()
			m.run()
		}); err != nil {
			g.reportError(err)
			g.readyWg.Done()
			g.mapperWg.Done()
		}
	}
	for _, r := range g.reducers {
		r := r
		if err := pool.Submit(func() {
			defer g.reducerWg.Done()
			r.run()
		}); err != nil {
			g.reportError(err)
			g.readyWg.Done()
			g.reducerWg.Done()
		}
	}

	// ready barrier, then fire
	g.readyWg.Wait()
	close(g.startCh)

	g.mapperWg.Wait()
	// mappers drained early: their memory is already released while the
	// reducers go through their heavy finalization
	g.log.Infof("gleaner run %s: all mappers completed", g.runToken)
	for _, r := range g.reducers {
		close(r.input)
	}
	g.reducerWg.Wait()

	if g.errorCount.Load() > 0 {
		g.requestStop()
		g.closeWriters()
		g.errMu.Lock()
		defer g.errMu.Unlock()
		return nil, fmt.Errorf("snapshot: gleaner run abandoned with %d errors: %w",
			g.errorCount.Load(), errors.Join(g.errs...))
	}

	roots, err := g.constructRootPages()
	if cerr := g.closeWriters(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	g.log.Infof("gleaner run %s: completed, %d storages materialized, %d storage-level logs",
		g.runToken, len(roots), len(g.nonrecord))
	return roots, nil
}

// Cancel stops a running pipeline. Mappers and reducers watch the same stop
// channel, so both see the request at once; there is no mappers-first
// ordering. Execute joins the mappers, then the reducers, before returning.
func (g *LogGleaner) Cancel() { g.requestStop() }

func (g *LogGleaner) requestStop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *LogGleaner) isStopRequested() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

func (g *LogGleaner) reportError(err error) {
	g.errMu.Lock()
	g.errs = append(g.errs, err)
	g.errMu.Unlock()
	g.errorCount.Add(1)
	g.log.Errorf("gleaner run %s: %v", g.runToken, err)
	g.requestStop()
}

func (g *LogGleaner) epochInWindow(e common.Epoch) bool {
	if !e.IsValid() {
		return false
	}
	if g.base.IsValid() && !g.base.Before(e) {
		return false
	}
	return e == g.validUntil || e.Before(g.validUntil)
}

// addNonrecordLog collects storage-level logs (create/drop). The buffer is
// interleaved across all mappers and expected to stay small.
func (g *LogGleaner) addNonrecordLog(e logpkg.Entry) {
	size := len(logpkg.Marshal(e))
	g.nonrecordMu.Lock()
	defer g.nonrecordMu.Unlock()
	if g.nonrecordBytes+size > nonrecordBufferCap {
		g.log.Warnf("gleaner run %s: non-record log buffer over %d bytes", g.runToken, nonrecordBufferCap)
	}
	g.nonrecord = append(g.nonrecord, e)
	g.nonrecordBytes += size
}

// getOrCreatePartitioner is the partitioner cache: double-checked under the
// mutex, the loser of the creation race drops its speculative partitioner.
func (g *LogGleaner) getOrCreatePartitioner(sid common.StorageID) (storage.Partitioner, error) {
	g.partMu.Lock()
	if p, ok := g.partitioners[sid]; ok {
		g.partMu.Unlock()
		return p, nil
	}
	g.partMu.Unlock()

	// construction reads storage pages; keep it out of the critical section
	created, err := g.storageMgr.CreatePartitioner(sid, uint16(g.partitions))
	if err != nil {
		return nil, err
	}

	g.partMu.Lock()
	defer g.partMu.Unlock()
	if p, ok := g.partitioners[sid]; ok {
		// someone else just added it; discard ours
		return p, nil
	}
	g.partitioners[sid] = created
	return created, nil
}

func (g *LogGleaner) registerLeaf(sid common.StorageID, bucket uint64, ptr common.SnapshotPagePointer) {
	g.leafMu.Lock()
	defer g.leafMu.Unlock()
	byBucket, ok := g.leaves[sid]
	if !ok {
		byBucket = make(map[uint64]common.SnapshotPagePointer)
		g.leaves[sid] = byBucket
	}
	byBucket[bucket] = ptr
}

// constructRootPages assembles one root page per materialized storage and
// returns the pointers to stitch into the control blocks.
func (g *LogGleaner) constructRootPages() (map[common.StorageID]common.SnapshotPagePointer, error) {
	roots := make(map[common.StorageID]common.SnapshotPagePointer)

	sids := make([]common.StorageID, 0, len(g.leaves))
	for sid := range g.leaves {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	for _, sid := range sids {
		cb, err := g.storageMgr.Get(sid)
		if err != nil {
			g.log.Warnf("gleaner run %s: no control block for storage %d, skipping root", g.runToken, sid)
			continue
		}
		byBucket := g.leaves[sid]

		// untouched buckets keep the previous snapshot's pages
		var baseRoot *storage.Page
		if snap := cb.Root.Snapshot(); !snap.IsNull() && g.pageStore != nil {
			baseRoot, err = g.pageStore.LoadSnapshotPage(snap)
			if err != nil {
				return nil, fmt.Errorf("snapshot: loading base root of storage %d: %w", sid, err)
			}
		}

		root := &storage.Page{}
		if cb.Meta.Type == storage.TypeArray {
			fanout := array.Buckets(cb.Meta.ArraySize)
			root.FormatInterior(sid, 0, cb.Meta.ArraySize, int(fanout))
			if baseRoot != nil {
				for i := range baseRoot.Children {
					if i < len(root.Children) {
						root.Children[i].SetSnapshot(baseRoot.Children[i].Snapshot())
					}
				}
			}
			for bucket, ptr := range byBucket {
				root.Children[bucket].SetSnapshot(ptr)
			}
		} else {
			buckets := make([]uint64, 0, len(byBucket))
			for b := range byBucket {
				buckets = append(buckets, b)
			}
			sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
			total := len(buckets)
			if baseRoot != nil {
				total += len(baseRoot.Children)
			}
			root.FormatInterior(sid, 0, uint64(total), total)
			at := 0
			if baseRoot != nil {
				for i := range baseRoot.Children {
					root.Children[at].SetSnapshot(baseRoot.Children[i].Snapshot())
					at++
				}
			}
			for _, b := range buckets {
				root.Children[at].SetSnapshot(byBucket[b])
				at++
			}
		}

		ptr, err := g.writers[0].writePage(root)
		if err != nil {
			return nil, err
		}
		roots[sid] = ptr
	}
	return roots, nil
}

func (g *LogGleaner) closeWriters() error {
	var errs []error
	for _, w := range g.writers {
		if err := w.close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.writers = nil
	return errors.Join(errs...)
}
