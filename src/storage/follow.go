package storage

import (
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/xct"
)

// FollowPointerForRead resolves a dual pointer for reading. Snapshot
// isolation (and a null volatile side) prefers the snapshot page; otherwise
// the volatile page is resolved and the observed pointer word is registered
// in the transaction's pointer set so a concurrent replacement aborts the
// commit. Returns ErrPageMoved when the resolved page was migrated; the
// caller retries the follow.
func FollowPointerForRead(
	x *xct.Xct,
	resolver PageResolver,
	loader SnapshotPageLoader,
	dual *common.DualPagePointer,
) (page *Page, followedSnapshot bool, err error) {
	observed := dual.VolatileWord()
	volatile := common.VolatilePagePointer(observed)

	if (x.Isolation() == xct.IsolationSnapshot || volatile.IsNull()) && !dual.Snapshot().IsNull() {
		if loader == nil {
			return nil, false, ErrPageMoved
		}
		page, err = loader.LoadSnapshotPage(dual.Snapshot())
		if err != nil {
			return nil, false, err
		}
		return page, true, nil
	}
	if volatile.IsNull() {
		return nil, false, ErrPageMoved
	}

	page = resolver.Resolve(volatile)
	x.AddPointerSet(dual, observed)
	if page.Version.IsMoved() {
		return nil, false, ErrPageMoved
	}
	return page, false, nil
}

// FollowPointerForWrite resolves a dual pointer to a volatile page, creating
// one when the slot only has a snapshot side. Installation is a CAS on the
// volatile word; the loser releases its speculative page and proceeds with
// the winner's.
func FollowPointerForWrite(
	x *xct.Xct,
	resolver PageResolver,
	loader SnapshotPageLoader,
	dual *common.DualPagePointer,
	format func(p *Page),
) (*Page, error) {
	volatile := dual.Volatile()
	if volatile.IsNull() {
		ptr, page, err := resolver.Allocate(x.Node())
		if err != nil {
			return nil, err
		}
		if snapshot := dual.Snapshot(); !snapshot.IsNull() && loader != nil {
			base, err := loader.LoadSnapshotPage(snapshot)
			if err != nil {
				resolver.Release(ptr)
				return nil, err
			}
			clonePageInto(base, page)
		} else if format != nil {
			format(page)
		}
		if !dual.CASVolatile(0, ptr) {
			// someone else installed first
			resolver.Release(ptr)
		}
		volatile = dual.Volatile()
	}

	page := resolver.Resolve(volatile)
	if page.Version.IsMoved() {
		return nil, ErrPageMoved
	}
	return page, nil
}

// ReleasePagesRecursive returns the volatile pages under a dual pointer to
// their pools, depth first, and nulls the volatile side. The snapshot side
// is untouched: snapshot pages are immutable and shared.
func ReleasePagesRecursive(resolver PageResolver, dual *common.DualPagePointer) {
	volatile := dual.Volatile()
	if volatile.IsNull() {
		return
	}
	page := resolver.Resolve(volatile)
	for i := range page.Children {
		ReleasePagesRecursive(resolver, &page.Children[i])
	}
	resolver.Release(volatile)
	dual.SetVolatile(0)
}

// clonePageInto copies an immutable snapshot page into a fresh volatile
// frame, resetting owner headers to unlocked state.
func clonePageInto(src, dst *Page) {
	dst.StorageID = src.StorageID
	dst.RangeBegin = src.RangeBegin
	dst.RangeEnd = src.RangeEnd
	dst.Children = make([]common.DualPagePointer, len(src.Children))
	for i := range src.Children {
		dst.Children[i].SetSnapshot(src.Children[i].Snapshot())
	}
	dst.Records = make([]Record, len(src.Records))
	for i := range src.Records {
		dst.Records[i].Payload = append([]byte(nil), src.Records[i].Payload...)
		dst.Records[i].Owner.Init(src.Records[i].Owner.XctID())
	}
}
