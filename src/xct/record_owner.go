package xct

import (
	"sync/atomic"

	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

// RecordOwner is the header every record carries: the MCS key lock word next
// to the atomically updated owner id. Writers take the key lock, flag
// BEING_WRITTEN, mutate the payload, then overwrite the whole id with the
// new {epoch, ordinal} which also clears the flag.
type RecordOwner struct {
	Lock McsLock
	id   atomic.Uint64
}

func (o *RecordOwner) Init(id common.XctID) { o.id.Store(uint64(id)) }

func (o *RecordOwner) XctID() common.XctID      { return common.XctID(o.id.Load()) }
func (o *RecordOwner) SetXctID(id common.XctID) { o.id.Store(uint64(id)) }

func (o *RecordOwner) IsKeylocked() bool { return o.Lock.IsLocked() }
func (o *RecordOwner) IsMoved() bool     { return o.XctID().IsMoved() }
func (o *RecordOwner) IsDeleted() bool   { return o.XctID().IsDeleted() }

// SetMoved is one-way: the record is forwarded from here on and every access
// must re-locate it through the storage's tracking.
func (o *RecordOwner) SetMoved() { o.id.Or(uint64(common.XctIDMoved)) }

func (o *RecordOwner) SetBeingWritten() { o.id.Or(uint64(common.XctIDBeingWritten)) }
