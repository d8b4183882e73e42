package snapshot

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	logpkg "github.com/Blackdeer1524/SiloDB/src/log"
	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
	"github.com/Blackdeer1524/SiloDB/src/storage/array"
)

const (
	reducerSpillThreshold = 1 << 14
	reducerPageRecordCap  = 256
)

// logReducer owns one partition (one NUMA node): it sort-merges the record
// logs routed to it by (storage, key, xct id), spilling sorted runs to disk
// past the in-memory threshold, and finally materializes snapshot pages onto
// its node's page file.
type logReducer struct {
	gleaner   *LogGleaner
	partition common.PartitionID
	writer    *pageWriter

	input chan logpkg.Entry

	buffered []logpkg.Entry
	spills   []string
	emitSeq  uint64
}

func newLogReducer(g *LogGleaner, partition common.PartitionID, writer *pageWriter) *logReducer {
	return &logReducer{
		gleaner:   g,
		partition: partition,
		writer:    writer,
		input:     make(chan logpkg.Entry, 1024),
	}
}

// sortKey orders entries for the merge: storage, then key, then commit id.
// The status byte is masked so the comparison is pure (epoch, ordinal).
func sortKey(e logpkg.Entry) (common.StorageID, uint64, uint64) {
	h := e.Header()
	return h.StorageID, e.Key(), uint64(h.XctID.WithoutStatusBits())
}

func entryLess(a, b logpkg.Entry) bool {
	as, ak, ax := sortKey(a)
	bs, bk, bx := sortKey(b)
	if as != bs {
		return as < bs
	}
	if ak != bk {
		return ak < bk
	}
	return ax < bx
}

func (r *logReducer) run() {
	g := r.gleaner
	g.readyWg.Done()
	select {
	case <-g.startCh:
	case <-g.stopCh:
		return
	}

	for {
		select {
		case entry, ok := <-r.input:
			if !ok {
				if err := r.finalize(); err != nil {
					g.reportError(fmt.Errorf("reducer %d: %w", r.partition, err))
				}
				return
			}
			r.buffered = append(r.buffered, entry)
			if len(r.buffered) >= reducerSpillThreshold {
				if err := r.spill(); err != nil {
					g.reportError(fmt.Errorf("reducer %d: %w", r.partition, err))
					return
				}
			}
		case <-g.stopCh:
			return
		}
	}
}

// spill writes the sorted in-memory batch out as one run.
func (r *logReducer) spill() error {
	g := r.gleaner
	sort.SliceStable(r.buffered, func(i, j int) bool { return entryLess(r.buffered[i], r.buffered[j]) })

	path := filepath.Join(g.dir, fmt.Sprintf(
		"run_%s_p%d_%d.spill", g.runToken, r.partition, len(r.spills)))
	f, err := g.fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating spill run: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range r.buffered {
		if _, err := w.Write(logpkg.Marshal(e)); err != nil {
			f.Close()
			return fmt.Errorf("writing spill run: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	g.log.Infof("reducer %d spilled %d entries to %s", r.partition, len(r.buffered), path)
	r.spills = append(r.spills, path)
	r.buffered = r.buffered[:0]
	return nil
}

func (r *logReducer) loadRun(path string) ([]logpkg.Entry, error) {
	f, err := r.gleaner.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening spill run %s: %w", path, err)
	}
	defer f.Close()
	var run []logpkg.Entry
	reader := bufio.NewReader(f)
	for {
		e, err := logpkg.Unmarshal(reader)
		if err == io.EOF {
			return run, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decoding spill run %s: %w", path, err)
		}
		run = append(run, e)
	}
}

// mergeRuns merges already-sorted runs into one sorted stream.
func mergeRuns(runs [][]logpkg.Entry) []logpkg.Entry {
	total := 0
	for _, run := range runs {
		total += len(run)
	}
	merged := make([]logpkg.Entry, 0, total)
	cursors := make([]int, len(runs))
	for len(merged) < total {
		best := -1
		for i, run := range runs {
			if cursors[i] >= len(run) {
				continue
			}
			if best == -1 || entryLess(run[cursors[i]], runs[best][cursors[best]]) {
				best = i
			}
		}
		merged = append(merged, runs[best][cursors[best]])
		cursors[best]++
	}
	return merged
}

func (r *logReducer) finalize() error {
	sort.SliceStable(r.buffered, func(i, j int) bool { return entryLess(r.buffered[i], r.buffered[j]) })
	runs := [][]logpkg.Entry{r.buffered}
	for _, path := range r.spills {
		run, err := r.loadRun(path)
		if err != nil {
			return err
		}
		runs = append(runs, run)
	}
	merged := mergeRuns(runs)
	r.buffered = nil

	// contiguous per-storage groups materialize independently
	for begin := 0; begin < len(merged); {
		sid := merged[begin].Header().StorageID
		end := begin
		for end < len(merged) && merged[end].Header().StorageID == sid {
			end++
		}
		if err := r.emitStorage(sid, merged[begin:end]); err != nil {
			return err
		}
		begin = end
	}
	return nil
}

func (r *logReducer) emitStorage(sid common.StorageID, entries []logpkg.Entry) error {
	g := r.gleaner
	cb, err := g.storageMgr.Get(sid)
	if err != nil {
		// storage dropped after the logs were written; nothing to materialize
		g.log.Warnf("reducer %d: skipping %d logs of vanished storage %d", r.partition, len(entries), sid)
		return nil
	}
	if cb.Meta.Type == storage.TypeArray {
		return r.emitArrayPages(cb, entries)
	}
	return r.emitKeyedPages(cb, entries)
}

// emitArrayPages builds one leaf per touched bucket: the previous snapshot's
// leaf (if any) as the base, last write per offset wins on top.
func (r *logReducer) emitArrayPages(cb *storage.ControlBlock, entries []logpkg.Entry) error {
	g := r.gleaner
	meta := cb.Meta
	bucketSize := array.BucketSize(meta.ArraySize)

	var baseRoot *storage.Page
	if snap := cb.Root.Snapshot(); !snap.IsNull() && g.pageStore != nil {
		var err error
		baseRoot, err = g.pageStore.LoadSnapshotPage(snap)
		if err != nil {
			return fmt.Errorf("loading base snapshot root of storage %d: %w", meta.ID, err)
		}
	}

	for begin := 0; begin < len(entries); {
		e := entries[begin].(*logpkg.ArrayOverwriteEntry)
		bucket := e.Offset / bucketSize
		end := begin
		for end < len(entries) {
			oe := entries[end].(*logpkg.ArrayOverwriteEntry)
			if oe.Offset/bucketSize != bucket {
				break
			}
			end++
		}

		rangeBegin := bucket * bucketSize
		rangeEnd := min(rangeBegin+bucketSize, meta.ArraySize)
		page := &storage.Page{}
		page.FormatLeaf(meta.ID, rangeBegin, rangeEnd, meta.PayloadSize)
		if baseRoot != nil && int(bucket) < len(baseRoot.Children) {
			if basePtr := baseRoot.Children[bucket].Snapshot(); !basePtr.IsNull() {
				basePage, err := g.pageStore.LoadSnapshotPage(basePtr)
				if err != nil {
					return fmt.Errorf("loading base leaf of storage %d bucket %d: %w", meta.ID, bucket, err)
				}
				for i := range basePage.Records {
					copy(page.Records[i].Payload, basePage.Records[i].Payload)
					page.Records[i].Owner.Init(basePage.Records[i].Owner.XctID())
				}
			}
		}

		// entries are (key, xct id)-sorted: the last one per offset wins
		for _, raw := range entries[begin:end] {
			oe := raw.(*logpkg.ArrayOverwriteEntry)
			rec := &page.Records[oe.Offset-rangeBegin]
			copy(rec.Payload, oe.Payload)
			rec.Owner.Init(raw.Header().XctID.WithoutStatusBits())
		}

		ptr, err := r.writer.writePage(page)
		if err != nil {
			return err
		}
		g.registerLeaf(meta.ID, bucket, ptr)
		begin = end
	}
	return nil
}

// emitKeyedPages is the non-array path: records in key order, fixed-count
// pages, delete logs drop the key.
func (r *logReducer) emitKeyedPages(cb *storage.ControlBlock, entries []logpkg.Entry) error {
	g := r.gleaner

	type kv struct {
		key     uint64
		payload []byte
		id      common.XctID
		deleted bool
	}
	// last entry per key wins; sequential appends all count
	var rows []kv
	for _, e := range entries {
		row := kv{key: e.Key(), id: e.Header().XctID.WithoutStatusBits()}
		switch typed := e.(type) {
		case *logpkg.SequentialAppendEntry:
			row.payload = typed.Payload
			rows = append(rows, row)
			continue
		case *logpkg.MasstreeUpsertEntry:
			row.payload = typed.Payload
		case *logpkg.MasstreeDeleteEntry:
			row.deleted = true
		default:
			assert.Assert(false, "unexpected record log %T for storage %d", e, cb.ID())
		}
		if n := len(rows); n > 0 && rows[n-1].key == row.key {
			rows[n-1] = row
		} else {
			rows = append(rows, row)
		}
	}

	for begin := 0; begin < len(rows); begin += reducerPageRecordCap {
		end := min(begin+reducerPageRecordCap, len(rows))
		page := &storage.Page{StorageID: cb.ID()}
		for _, row := range rows[begin:end] {
			if row.deleted {
				continue
			}
			rec := storage.Record{Payload: append([]byte(nil), row.payload...)}
			rec.Owner.Init(row.id)
			page.Records = append(page.Records, rec)
		}
		if len(page.Records) == 0 {
			continue
		}
		page.RangeEnd = uint64(len(page.Records))
		ptr, err := r.writer.writePage(page)
		if err != nil {
			return err
		}
		g.registerLeaf(cb.ID(), uint64(r.partition)<<32|r.emitSeq, ptr)
		r.emitSeq++
	}
	return nil
}
