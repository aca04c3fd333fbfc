// ABOUTME: Delete, with borrow-then-merge rebalancing against one sibling
// ABOUTME: Rebalancing is attempted one level above the mutated leaf only

package btree

import (
	"bytes"
	"sort"

	"github.com/nainya/pagestore/pkg/storage"
	"github.com/nainya/pagestore/pkg/wal"
)

// minLiveEntries is the live-entry floor below which a node attempts to
// borrow from or merge with a sibling after a delete.
const minLiveEntries = 2

// descendForDelete crab-latches to the target leaf the same way
// descendForInsert does, but using a delete-safety margin: a node is safe
// to release its ancestors under once it holds comfortably more than
// minLiveEntries, since losing one entry (its own, or a sibling's during a
// cascading merge) cannot force it below the rebalance floor.
func (t *Tree) descendForDelete(key []byte) ([]*storage.Handle, error) {
	var stack []*storage.Handle
	id := t.Root()

	for {
		h, err := t.cache.Pin(id, storage.PinWrite)
		if err != nil {
			t.unpinAll(stack)
			return nil, err
		}
		stack = append(stack, h)

		if liveCount(h.Page) > minLiveEntries+1 {
			t.unpinAll(stack[:len(stack)-1])
			stack = stack[len(stack)-1:]
		}

		if h.Page.Type() == storage.PageTypeLeaf {
			return stack, nil
		}

		idx, err := t.lookupChild(h.Page, key)
		if err != nil {
			t.unpinAll(stack)
			return nil, err
		}
		child, err := t.childAt(h.Page, idx)
		if err != nil {
			t.unpinAll(stack)
			return nil, err
		}
		id = child
	}
}

// Delete removes key, reporting whether it was present, committing
// immediately.
func (t *Tree) Delete(key []byte) (bool, error) {
	txnID := t.BeginTxn()
	deleted, err := t.DeleteTxn(txnID, key)
	if err != nil || !deleted {
		return deleted, err
	}
	return true, t.CommitTxn(txnID)
}

// DeleteTxn applies the delete under an already-open txnID without
// committing, mirroring PutTxn for the engine façade's batch path.
func (t *Tree) DeleteTxn(txnID uint64, key []byte) (bool, error) {
	if t.Root() == storage.NilPageID {
		return false, nil
	}

	stack, err := t.descendForDelete(key)
	if err != nil {
		return false, err
	}
	return t.applyDelete(txnID, stack, key)
}

// applyDelete tombstones key's leaf slot and, if the leaf falls below the
// rebalance floor, attempts one level of borrow-or-merge against a
// sibling via the immediate parent. Every handle in stack is unpinned by
// the time this returns.
func (t *Tree) applyDelete(txnID uint64, stack []*storage.Handle, key []byte) (bool, error) {
	leafIdx := len(stack) - 1
	leaf := stack[leafIdx]

	ord, found, err := t.findOrdinal(leaf.Page, key)
	if err != nil {
		t.unpinAll(stack)
		return false, err
	}
	if !found {
		t.unpinAll(stack)
		return false, nil
	}

	raw, err := leaf.Page.Slot(ord)
	if err != nil {
		t.unpinAll(stack)
		return false, err
	}
	if err := t.freeEntryOverflow(txnID, raw, false); err != nil {
		t.unpinAll(stack)
		return false, err
	}

	if err := t.logDelSlot(txnID, leaf, ord); err != nil {
		t.unpinAll(stack)
		return false, err
	}
	t.cache.Unpin(leaf, true)

	if leafIdx == 0 || liveCount(leaf.Page) >= minLiveEntries {
		t.unpinAll(stack[:leafIdx])
		return true, nil
	}

	parent := stack[leafIdx-1]
	if err := t.rebalance(txnID, parent, leaf.ID()); err != nil {
		t.unpinAll(stack[:leafIdx-1])
		return false, err
	}
	t.unpinAll(stack[:leafIdx-1])
	return true, nil
}

// siblingIDs resolves the key-order neighbors of childID among parent's
// children. Entries in an internal page carry no positional order (they
// are appended, not inserted in place), so neighbors are found by sorting
// the decoded keys, not by ordinal adjacency.
func (t *Tree) siblingIDs(parentPage storage.Page, childID storage.PageID) (left, right storage.PageID, err error) {
	entries, err := t.liveEntries(parentPage)
	if err != nil {
		return storage.NilPageID, storage.NilPageID, err
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })

	pos := -1
	for i, e := range entries {
		_, child := decodeInternalEntry(e.raw)
		if child == childID {
			pos = i
			break
		}
	}
	left, right = storage.NilPageID, storage.NilPageID
	if pos == -1 {
		return left, right, nil
	}
	if pos > 0 {
		_, left = decodeInternalEntry(entries[pos-1].raw)
	}
	if pos+1 < len(entries) {
		_, right = decodeInternalEntry(entries[pos+1].raw)
	}
	return left, right, nil
}

// rebalance resolves an underfull child by preferring the right sibling,
// then the left, borrowing a single entry if the pair is too full to merge
// (combined size > 90% of one page's capacity) or merging otherwise.
// parent is already write-pinned by the caller and is unpinned by
// rebalance before it returns, success or failure.
func (t *Tree) rebalance(txnID uint64, parent *storage.Handle, id storage.PageID) error {
	left, right, err := t.siblingIDs(parent.Page, id)
	if err != nil {
		t.cache.Unpin(parent, false)
		return err
	}

	dirty := false
	if right != storage.NilPageID {
		resolved, err := t.fixPair(txnID, parent, id, right, true)
		if err != nil {
			t.cache.Unpin(parent, dirty)
			return err
		}
		if resolved {
			t.cache.Unpin(parent, true)
			return nil
		}
	}
	if left != storage.NilPageID {
		resolved, err := t.fixPair(txnID, parent, left, id, false)
		if err != nil {
			t.cache.Unpin(parent, dirty)
			return err
		}
		if resolved {
			t.cache.Unpin(parent, true)
			return nil
		}
	}

	// No sibling to rebalance against (id is the only child): leave it
	// underfull. Harmless — a density concern, not a correctness one.
	t.cache.Unpin(parent, dirty)
	return nil
}

// fixPair merges or borrows between leftID and rightID, whichever was
// underfull (underfullIsLeft says which). Pins and unpins both sibling
// pages itself; parent stays pinned throughout for the caller.
func (t *Tree) fixPair(txnID uint64, parent *storage.Handle, leftID, rightID storage.PageID, underfullIsLeft bool) (bool, error) {
	lh, err := t.cache.Pin(leftID, storage.PinWrite)
	if err != nil {
		return false, err
	}
	rh, err := t.cache.Pin(rightID, storage.PinWrite)
	if err != nil {
		t.cache.Unpin(lh, false)
		return false, err
	}

	capacity := len(lh.Page)
	combined := usedBytes(lh.Page) + usedBytes(rh.Page) - storage.HeaderSize
	if combined <= capacity*9/10 {
		if err := t.mergeInto(txnID, lh, rh); err != nil {
			t.cache.Unpin(lh, true)
			t.cache.Unpin(rh, false)
			return false, err
		}
		t.cache.Unpin(lh, true)
		if err := t.removeChild(txnID, parent, rightID); err != nil {
			return false, err
		}
		return true, nil
	}

	newSep, err := t.borrowOne(txnID, lh, rh, underfullIsLeft)
	if err != nil {
		t.cache.Unpin(lh, true)
		t.cache.Unpin(rh, true)
		return false, err
	}
	t.cache.Unpin(lh, true)
	t.cache.Unpin(rh, true)

	return true, t.updateSeparator(txnID, parent, rightID, newSep)
}

// mergeInto appends every live entry of rh into lh, folds rh's
// right-sibling link forward for leaves, and frees rh.
func (t *Tree) mergeInto(txnID uint64, lh, rh *storage.Handle) error {
	entries, err := t.liveEntries(rh.Page)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := t.logAppendSlot(txnID, lh, e.raw); err != nil {
			return err
		}
	}

	if lh.Page.Type() == storage.PageTypeLeaf {
		if err := t.logSetRightSibling(txnID, lh, rh.Page.RightSibling()); err != nil {
			return err
		}
	}

	if err := t.logFree(txnID, rh.ID()); err != nil {
		return err
	}
	t.cache.Invalidate(rh.ID())
	t.alloc.Free(rh.ID())

	if t.metrics != nil {
		t.metrics.MergesTotal.Inc()
	}
	return nil
}

// borrowOne moves exactly one entry across the left/right pair — the left
// page's largest entry to the right page when the right one is underfull,
// or the right page's smallest entry to the left page when the left one is
// underfull — and returns the new separator key the parent should use for
// rightID.
func (t *Tree) borrowOne(txnID uint64, lh, rh *storage.Handle, underfullIsLeft bool) ([]byte, error) {
	lEntries, err := t.liveEntries(lh.Page)
	if err != nil {
		return nil, err
	}
	rEntries, err := t.liveEntries(rh.Page)
	if err != nil {
		return nil, err
	}
	sort.Slice(lEntries, func(i, j int) bool { return bytes.Compare(lEntries[i].key, lEntries[j].key) < 0 })
	sort.Slice(rEntries, func(i, j int) bool { return bytes.Compare(rEntries[i].key, rEntries[j].key) < 0 })

	if !underfullIsLeft {
		moved := lEntries[len(lEntries)-1]
		if err := t.logDelSlot(txnID, lh, moved.ord); err != nil {
			return nil, err
		}
		if err := t.logAppendSlot(txnID, rh, moved.raw); err != nil {
			return nil, err
		}
		return moved.key, nil
	}

	moved := rEntries[0]
	if err := t.logDelSlot(txnID, rh, moved.ord); err != nil {
		return nil, err
	}
	if err := t.logAppendSlot(txnID, lh, moved.raw); err != nil {
		return nil, err
	}
	if len(rEntries) > 1 {
		return rEntries[1].key, nil
	}
	return moved.key, nil
}

// removeChild drops childID's separator entry from parent. If parent is
// the root and this leaves it with only its sentinel (a single remaining
// child), the root collapses to that child per the empty-root rule.
// parent's pin is left to the caller (rebalance) throughout.
func (t *Tree) removeChild(txnID uint64, parent *storage.Handle, childID storage.PageID) error {
	entries, err := t.liveEntries(parent.Page)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, child := decodeInternalEntry(e.raw)
		if child == childID {
			if err := t.logDelSlot(txnID, parent, e.ord); err != nil {
				return err
			}
			break
		}
	}

	if parent.ID() == t.Root() && liveCount(parent.Page) == 1 {
		remaining, err := t.liveEntries(parent.Page)
		if err != nil {
			return err
		}
		_, onlyChild := decodeInternalEntry(remaining[0].raw)

		if err := t.logFree(txnID, parent.ID()); err != nil {
			return err
		}
		if _, err := t.wal.Append(wal.Record{Type: wal.RecNewRoot, TxnID: txnID, PageID: uint64(onlyChild), Payload: wal.EncodePageID(uint64(onlyChild))}); err != nil {
			return err
		}
		t.setRoot(onlyChild)
		t.cache.Invalidate(parent.ID())
		t.alloc.Free(parent.ID())
	}

	return nil
}

// updateSeparator rewrites the separator key parent uses for childID,
// leaving the child pointer unchanged. parent's pin is left to the caller.
func (t *Tree) updateSeparator(txnID uint64, parent *storage.Handle, childID storage.PageID, newKey []byte) error {
	entries, err := t.liveEntries(parent.Page)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, child := decodeInternalEntry(e.raw)
		if child != childID {
			continue
		}
		comp, err := t.makeComponent(txnID, newKey)
		if err != nil {
			return err
		}
		newRaw := encodeInternalEntry(comp, childID)
		if err := t.freeEntryOverflow(txnID, e.raw, true); err != nil {
			return err
		}
		if err := t.logDelSlot(txnID, parent, e.ord); err != nil {
			return err
		}
		if err := t.logAppendSlot(txnID, parent, newRaw); err != nil {
			return err
		}
		break
	}
	return nil
}
