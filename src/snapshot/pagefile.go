package snapshot

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
)

// Snapshot pages are immutable once written. Each node of a snapshot gets
// one page file: a sequence of length-prefixed serialized pages whose
// ordinal within the file is the pointer's page ordinal. Every page carries
// an xxhash of its body, verified on load.

func pageFilePath(dir string, id common.SnapshotID, node common.NodeID) string {
	return filepath.Join(dir, fmt.Sprintf("snapshot_%d_node%d.pages", id, node))
}

const (
	pageKindLeaf     = 0
	pageKindInterior = 1
)

func marshalPage(p *storage.Page) []byte {
	var body []byte
	if p.IsLeaf() {
		payloadSize := 0
		if len(p.Records) > 0 {
			payloadSize = len(p.Records[0].Payload)
		}
		body = make([]byte, 1+4+8+8+4+2+len(p.Records)*(8+payloadSize))
		body[0] = pageKindLeaf
		binary.LittleEndian.PutUint32(body[1:], uint32(p.StorageID))
		binary.LittleEndian.PutUint64(body[5:], p.RangeBegin)
		binary.LittleEndian.PutUint64(body[13:], p.RangeEnd)
		binary.LittleEndian.PutUint32(body[21:], uint32(len(p.Records)))
		binary.LittleEndian.PutUint16(body[25:], uint16(payloadSize))
		at := 27
		for i := range p.Records {
			binary.LittleEndian.PutUint64(body[at:], uint64(p.Records[i].Owner.XctID()))
			at += 8
			copy(body[at:], p.Records[i].Payload)
			at += payloadSize
		}
	} else {
		body = make([]byte, 1+4+8+8+4+len(p.Children)*8)
		body[0] = pageKindInterior
		binary.LittleEndian.PutUint32(body[1:], uint32(p.StorageID))
		binary.LittleEndian.PutUint64(body[5:], p.RangeBegin)
		binary.LittleEndian.PutUint64(body[13:], p.RangeEnd)
		binary.LittleEndian.PutUint32(body[21:], uint32(len(p.Children)))
		at := 25
		for i := range p.Children {
			binary.LittleEndian.PutUint64(body[at:], uint64(p.Children[i].Snapshot()))
			at += 8
		}
	}

	out := make([]byte, 4+8+len(body))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(body)))
	binary.LittleEndian.PutUint64(out[4:], xxhash.Checksum64(body))
	copy(out[12:], body)
	return out
}

func unmarshalPage(body []byte, checksum uint64) (*storage.Page, error) {
	if xxhash.Checksum64(body) != checksum {
		return nil, fmt.Errorf("snapshot: page checksum mismatch")
	}
	if len(body) < 25 {
		return nil, fmt.Errorf("snapshot: short page body: %d bytes", len(body))
	}
	p := &storage.Page{
		StorageID:  common.StorageID(binary.LittleEndian.Uint32(body[1:])),
		RangeBegin: binary.LittleEndian.Uint64(body[5:]),
		RangeEnd:   binary.LittleEndian.Uint64(body[13:]),
	}
	count := int(binary.LittleEndian.Uint32(body[21:]))

	switch body[0] {
	case pageKindLeaf:
		payloadSize := int(binary.LittleEndian.Uint16(body[25:]))
		at := 27
		p.Records = make([]storage.Record, count)
		for i := 0; i < count; i++ {
			p.Records[i].Owner.Init(common.XctID(binary.LittleEndian.Uint64(body[at:])))
			at += 8
			p.Records[i].Payload = append([]byte(nil), body[at:at+payloadSize]...)
			at += payloadSize
		}
	case pageKindInterior:
		at := 25
		p.Children = make([]common.DualPagePointer, count)
		for i := 0; i < count; i++ {
			p.Children[i].SetSnapshot(common.SnapshotPagePointer(binary.LittleEndian.Uint64(body[at:])))
			at += 8
		}
	default:
		return nil, fmt.Errorf("snapshot: unknown page kind %d", body[0])
	}
	return p, nil
}

// pageWriter appends pages to one node's file and hands back their pointers.
type pageWriter struct {
	id   common.SnapshotID
	node common.NodeID
	file afero.File

	mu   sync.Mutex
	next uint64
}

func newPageWriter(fs afero.Fs, dir string, id common.SnapshotID, node common.NodeID) (*pageWriter, error) {
	path := pageFilePath(dir, id, node)
	file, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: creating page file %s: %w", path, err)
	}
	return &pageWriter{id: id, node: node, file: file}, nil
}

func (w *pageWriter) writePage(p *storage.Page) (common.SnapshotPagePointer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(marshalPage(p)); err != nil {
		return 0, fmt.Errorf("snapshot: writing page: %w", err)
	}
	ptr := common.ComposeSnapshotPointer(w.id, w.node, w.next)
	w.next++
	return ptr, nil
}

func (w *pageWriter) close() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// PageStore loads snapshot pages on demand and caches whole node files. It
// is the storage layer's SnapshotPageLoader.
type PageStore struct {
	fs  afero.Fs
	dir string

	mu    sync.Mutex
	files map[string][]*storage.Page
}

func NewPageStore(fs afero.Fs, dir string) *PageStore {
	return &PageStore{fs: fs, dir: dir, files: make(map[string][]*storage.Page)}
}

func (s *PageStore) LoadSnapshotPage(ptr common.SnapshotPagePointer) (*storage.Page, error) {
	if ptr.IsNull() {
		return nil, fmt.Errorf("snapshot: loading a null snapshot pointer")
	}
	path := pageFilePath(s.dir, ptr.SnapshotID(), ptr.Node())

	s.mu.Lock()
	defer s.mu.Unlock()
	pages, ok := s.files[path]
	if !ok {
		var err error
		pages, err = s.loadFile(path)
		if err != nil {
			return nil, err
		}
		s.files[path] = pages
	}
	ordinal := ptr.PageOrdinal()
	if ordinal >= uint64(len(pages)) {
		return nil, fmt.Errorf("snapshot: page ordinal %d beyond file %s (%d pages)",
			ordinal, path, len(pages))
	}
	return pages[ordinal], nil
}

func (s *PageStore) loadFile(path string) ([]*storage.Page, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading page file %s: %w", path, err)
	}
	var pages []*storage.Page
	at := 0
	for at < len(data) {
		if at+12 > len(data) {
			return nil, fmt.Errorf("snapshot: truncated page header in %s", path)
		}
		bodyLen := int(binary.LittleEndian.Uint32(data[at:]))
		checksum := binary.LittleEndian.Uint64(data[at+4:])
		at += 12
		if at+bodyLen > len(data) {
			return nil, fmt.Errorf("snapshot: truncated page body in %s", path)
		}
		page, err := unmarshalPage(data[at:at+bodyLen], checksum)
		if err != nil {
			return nil, fmt.Errorf("%w (file %s, page %d)", err, path, len(pages))
		}
		pages = append(pages, page)
		at += bodyLen
	}
	return pages, nil
}
