package storage

import (
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

// Record is one slot of a volatile page: the owner header the commit
// protocol works against, plus the payload bytes it guards.
type Record struct {
	Owner   xct.RecordOwner
	Payload []byte
}

// Page is a volatile in-memory page frame. The same frame type serves leaf
// pages (Records populated) and interior pages (Children populated); the
// exact layout of each storage kind is that kind's business.
type Page struct {
	Version   common.PageVersion
	StorageID common.StorageID

	// [RangeBegin, RangeEnd) is the key/offset range a leaf covers.
	RangeBegin uint64
	RangeEnd   uint64

	Records  []Record
	Children []common.DualPagePointer
}

func (p *Page) IsLeaf() bool { return len(p.Children) == 0 }

// FormatLeaf initializes the frame as a leaf covering [begin, end) with one
// fixed-size record per offset.
func (p *Page) FormatLeaf(storageID common.StorageID, begin, end uint64, payloadSize uint16) {
	p.StorageID = storageID
	p.RangeBegin = begin
	p.RangeEnd = end
	p.Children = nil
	n := end - begin
	p.Records = make([]Record, n)
	for i := range p.Records {
		p.Records[i].Payload = make([]byte, payloadSize)
		p.Records[i].Owner.Init(common.NewXctID(common.EpochInitialDurable, 1))
	}
}

// FormatInterior initializes the frame as an interior page with the given
// fan-out of empty dual pointers.
func (p *Page) FormatInterior(storageID common.StorageID, begin, end uint64, fanout int) {
	p.StorageID = storageID
	p.RangeBegin = begin
	p.RangeEnd = end
	p.Records = nil
	p.Children = make([]common.DualPagePointer, fanout)
}
