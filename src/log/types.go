package log

import (
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

type Code uint16

// Storage-level codes stay below firstRecordCode; everything else mutates a
// single record and goes through the regular write-set path.
const (
	CodeUnknown       Code = 0
	CodeCreateStorage Code = 1
	CodeDropStorage   Code = 2

	firstRecordCode Code = 16

	CodeArrayOverwrite   Code = 16
	CodeSequentialAppend Code = 17
	CodeMasstreeUpsert   Code = 18
	CodeMasstreeDelete   Code = 19
)

func (c Code) IsStorageLog() bool { return c != CodeUnknown && c < firstRecordCode }

// EntryHeader is shared by every log entry. XctID is stamped by the commit
// protocol right before apply; until then it is zero.
type EntryHeader struct {
	Code      Code
	StorageID common.StorageID
	XctID     common.XctID
}

// Entry is one redo log record. Entries are appended to a thread's log
// buffer while the transaction runs, applied at commit, and later consumed
// from the durable stream by gleaner mappers.
type Entry interface {
	Header() *EntryHeader

	// ApplyRecord redoes the mutation onto the record payload in place.
	// Storage-level entries ignore the payload and run their attached hook.
	ApplyRecord(payload []byte)

	// IsDeletion tells the committer to set the DELETED bit in the owner id
	// it publishes.
	IsDeletion() bool

	// Key is the partitioning/sorting key of the entry within its storage
	// (array offset, hash bin, ...). Storage-level entries return 0.
	Key() uint64

	marshalBody() []byte
}

// CreateStorageEntry carries everything needed to re-instantiate the storage
// from the log stream. Only primitive fields: the log layer stays below the
// storage layer.
type CreateStorageEntry struct {
	header      EntryHeader
	StorageType uint8
	Name        string
	ArraySize   uint64
	PayloadSize uint16
	BinBits     uint8

	apply func()
}

func NewCreateStorageEntry(
	id common.StorageID,
	storageType uint8,
	name string,
	arraySize uint64,
	payloadSize uint16,
	binBits uint8,
) *CreateStorageEntry {
	return &CreateStorageEntry{
		header:      EntryHeader{Code: CodeCreateStorage, StorageID: id},
		StorageType: storageType,
		Name:        name,
		ArraySize:   arraySize,
		PayloadSize: payloadSize,
		BinBits:     binBits,
	}
}

// OnApply attaches the storage-manager hook run when the commit applies this
// entry. Entries decoded from the durable stream have no hook.
func (e *CreateStorageEntry) OnApply(f func()) { e.apply = f }

func (e *CreateStorageEntry) Header() *EntryHeader { return &e.header }
func (e *CreateStorageEntry) ApplyRecord(_ []byte) {
	if e.apply != nil {
		e.apply()
	}
}
func (e *CreateStorageEntry) IsDeletion() bool { return false }
func (e *CreateStorageEntry) Key() uint64      { return 0 }

type DropStorageEntry struct {
	header EntryHeader

	apply func()
}

func NewDropStorageEntry(id common.StorageID) *DropStorageEntry {
	return &DropStorageEntry{header: EntryHeader{Code: CodeDropStorage, StorageID: id}}
}

func (e *DropStorageEntry) OnApply(f func())     { e.apply = f }
func (e *DropStorageEntry) Header() *EntryHeader { return &e.header }
func (e *DropStorageEntry) ApplyRecord(_ []byte) {
	if e.apply != nil {
		e.apply()
	}
}
func (e *DropStorageEntry) IsDeletion() bool { return false }
func (e *DropStorageEntry) Key() uint64      { return 0 }

// ArrayOverwriteEntry replaces the whole payload of one array record.
type ArrayOverwriteEntry struct {
	header  EntryHeader
	Offset  uint64
	Payload []byte
}

func NewArrayOverwriteEntry(id common.StorageID, offset uint64, payload []byte) *ArrayOverwriteEntry {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return &ArrayOverwriteEntry{
		header:  EntryHeader{Code: CodeArrayOverwrite, StorageID: id},
		Offset:  offset,
		Payload: cp,
	}
}

func (e *ArrayOverwriteEntry) Header() *EntryHeader { return &e.header }
func (e *ArrayOverwriteEntry) ApplyRecord(payload []byte) {
	copy(payload, e.Payload)
}
func (e *ArrayOverwriteEntry) IsDeletion() bool { return false }
func (e *ArrayOverwriteEntry) Key() uint64      { return e.Offset }

// SequentialAppendEntry appends a payload to an append-only storage. It is
// applied through the lock-free write set: no owner word, no lock.
type SequentialAppendEntry struct {
	header  EntryHeader
	Payload []byte

	apply func()
}

func NewSequentialAppendEntry(id common.StorageID, payload []byte) *SequentialAppendEntry {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return &SequentialAppendEntry{
		header:  EntryHeader{Code: CodeSequentialAppend, StorageID: id},
		Payload: cp,
	}
}

func (e *SequentialAppendEntry) OnApply(f func())     { e.apply = f }
func (e *SequentialAppendEntry) Header() *EntryHeader { return &e.header }
func (e *SequentialAppendEntry) ApplyRecord(_ []byte) {
	if e.apply != nil {
		e.apply()
	}
}
func (e *SequentialAppendEntry) IsDeletion() bool { return false }
func (e *SequentialAppendEntry) Key() uint64      { return 0 }

// MasstreeUpsertEntry replaces the payload of one keyed record.
type MasstreeUpsertEntry struct {
	header  EntryHeader
	RecKey  []byte
	Payload []byte
}

func NewMasstreeUpsertEntry(id common.StorageID, key, payload []byte) *MasstreeUpsertEntry {
	return &MasstreeUpsertEntry{
		header:  EntryHeader{Code: CodeMasstreeUpsert, StorageID: id},
		RecKey:  append([]byte(nil), key...),
		Payload: append([]byte(nil), payload...),
	}
}

func (e *MasstreeUpsertEntry) Header() *EntryHeader { return &e.header }
func (e *MasstreeUpsertEntry) ApplyRecord(payload []byte) {
	copy(payload, e.Payload)
}
func (e *MasstreeUpsertEntry) IsDeletion() bool { return false }
func (e *MasstreeUpsertEntry) Key() uint64      { return prefixKey(e.RecKey) }

// MasstreeDeleteEntry logically deletes one keyed record: the committer
// publishes the new owner id with the DELETED bit set.
type MasstreeDeleteEntry struct {
	header EntryHeader
	RecKey []byte
}

func NewMasstreeDeleteEntry(id common.StorageID, key []byte) *MasstreeDeleteEntry {
	return &MasstreeDeleteEntry{
		header: EntryHeader{Code: CodeMasstreeDelete, StorageID: id},
		RecKey: append([]byte(nil), key...),
	}
}

func (e *MasstreeDeleteEntry) Header() *EntryHeader { return &e.header }
func (e *MasstreeDeleteEntry) ApplyRecord(_ []byte) {}
func (e *MasstreeDeleteEntry) IsDeletion() bool     { return true }
func (e *MasstreeDeleteEntry) Key() uint64          { return prefixKey(e.RecKey) }

// prefixKey folds the first 8 key bytes into the sort/partition key.
func prefixKey(key []byte) uint64 {
	var k uint64
	for i := 0; i < 8 && i < len(key); i++ {
		k = k<<8 | uint64(key[i])
	}
	if len(key) < 8 {
		k <<= 8 * (8 - len(key))
	}
	return k
}
