// ABOUTME: B-Tree entry encoding on top of a storage.Page's slot directory
// ABOUTME: Leaf slots hold key+value; internal slots hold key+child page ID

package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nainya/pagestore/pkg/storage"
)

// A component is either the inline bytes of a key or value, or a reference
// to an overflow page chain holding bytes too large to inline. Keys and
// values overflow independently, per the max_inline rule.
type component struct {
	overflow bool
	inline   []byte
	head     storage.PageID
	total    int
}

const (
	compInline   byte = 0
	compOverflow byte = 1
)

func encodeInlineComponent(b []byte) []byte {
	out := make([]byte, 1+4+len(b))
	out[0] = compInline
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(b)))
	copy(out[5:], b)
	return out
}

func encodeOverflowComponent(head storage.PageID, total int) []byte {
	out := make([]byte, 1+8+4)
	out[0] = compOverflow
	binary.LittleEndian.PutUint64(out[1:9], uint64(head))
	binary.LittleEndian.PutUint32(out[9:13], uint32(total))
	return out
}

// decodeComponent reads one component from the front of buf, returning it
// and the number of bytes consumed.
func decodeComponent(buf []byte) (component, int) {
	switch buf[0] {
	case compInline:
		n := int(binary.LittleEndian.Uint32(buf[1:5]))
		return component{inline: buf[5 : 5+n]}, 5 + n
	case compOverflow:
		head := storage.PageID(binary.LittleEndian.Uint64(buf[1:9]))
		total := int(binary.LittleEndian.Uint32(buf[9:13]))
		return component{overflow: true, head: head, total: total}, 13
	default:
		panic(fmt.Sprintf("btree: corrupt component tag %d", buf[0]))
	}
}

// encodeLeafEntry packs a leaf slot: key component followed by value
// component.
func encodeLeafEntry(keyComp, valComp []byte) []byte {
	out := make([]byte, 0, len(keyComp)+len(valComp))
	out = append(out, keyComp...)
	out = append(out, valComp...)
	return out
}

func decodeLeafEntry(buf []byte) (key, val component) {
	key, n := decodeComponent(buf)
	val, _ = decodeComponent(buf[n:])
	return
}

// encodeInternalEntry packs an internal slot: key component followed by an
// 8-byte child page ID.
func encodeInternalEntry(keyComp []byte, child storage.PageID) []byte {
	out := make([]byte, len(keyComp)+8)
	copy(out, keyComp)
	binary.LittleEndian.PutUint64(out[len(keyComp):], uint64(child))
	return out
}

func decodeInternalEntry(buf []byte) (key component, child storage.PageID) {
	key, n := decodeComponent(buf)
	child = storage.PageID(binary.LittleEndian.Uint64(buf[n : n+8]))
	return
}

// resolveComponent returns a component's full bytes, chasing its overflow
// chain if it isn't inline.
func (t *Tree) resolveComponent(c component) ([]byte, error) {
	if !c.overflow {
		out := make([]byte, len(c.inline))
		copy(out, c.inline)
		return out, nil
	}
	return t.readOverflow(c.head, c.total)
}

// keyAt decodes and resolves the key stored at ord in page, which may be a
// leaf or an internal node.
func (t *Tree) keyAt(page storage.Page, ord uint16) ([]byte, error) {
	raw, err := page.Slot(ord)
	if err != nil {
		return nil, err
	}
	var key component
	if page.Type() == storage.PageTypeLeaf {
		key, _ = decodeLeafEntry(raw)
	} else {
		key, _ = decodeInternalEntry(raw)
	}
	return t.resolveComponent(key)
}

// valAt decodes and resolves the value stored at ord in a leaf page.
func (t *Tree) valAt(page storage.Page, ord uint16) ([]byte, error) {
	raw, err := page.Slot(ord)
	if err != nil {
		return nil, err
	}
	_, val := decodeLeafEntry(raw)
	return t.resolveComponent(val)
}

// childAt returns the child page ID stored at ord in an internal page.
func (t *Tree) childAt(page storage.Page, ord uint16) (storage.PageID, error) {
	raw, err := page.Slot(ord)
	if err != nil {
		return storage.NilPageID, err
	}
	_, child := decodeInternalEntry(raw)
	return child, nil
}

// findOrdinal linear-scans page for an exact key match. Slots within a page
// are kept in append order, not key order — lookups are O(live slot count)
// rather than binary search; pages are small enough (bounded by one size
// class's payload) that this is a deliberate simplicity-over-speed
// tradeoff, not a correctness concern.
func (t *Tree) findOrdinal(page storage.Page, key []byte) (uint16, bool, error) {
	n := page.NSlots()
	for i := uint16(0); i < n; i++ {
		if page.IsDeleted(i) {
			continue
		}
		k, err := t.keyAt(page, i)
		if err != nil {
			return 0, false, err
		}
		if bytes.Equal(k, key) {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// lookupChild returns the ordinal of the child whose subtree may contain
// key: the live entry with the greatest key <= the target, defaulting to
// ordinal 0, the node's permanent sentinel (empty key, covering
// -infinity).
func (t *Tree) lookupChild(page storage.Page, key []byte) (uint16, error) {
	found := uint16(0)
	var best []byte
	n := page.NSlots()
	for i := uint16(1); i < n; i++ {
		if page.IsDeleted(i) {
			continue
		}
		k, err := t.keyAt(page, i)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(k, key) <= 0 && (best == nil || bytes.Compare(k, best) > 0) {
			found = i
			best = k
		}
	}
	return found, nil
}

// rawEntry is a decoded, still-encoded slot plus its resolved key, used
// when a page's contents need to be sorted by key (split, merge, borrow).
type rawEntry struct {
	ord uint16
	key []byte
	raw []byte
}

// liveEntries decodes every non-tombstoned slot in page.
func (t *Tree) liveEntries(page storage.Page) ([]rawEntry, error) {
	n := page.NSlots()
	out := make([]rawEntry, 0, n)
	isInternal := page.Type() == storage.PageTypeInternal
	for i := uint16(0); i < n; i++ {
		if page.IsDeleted(i) {
			continue
		}
		raw, err := page.Slot(i)
		if err != nil {
			return nil, err
		}
		var keyComp component
		if isInternal {
			keyComp, _ = decodeInternalEntry(raw)
		} else {
			keyComp, _ = decodeLeafEntry(raw)
		}
		key, err := t.resolveComponent(keyComp)
		if err != nil {
			return nil, err
		}
		out = append(out, rawEntry{ord: i, key: key, raw: raw})
	}
	return out, nil
}

// freeEntryOverflow frees any overflow chain referenced by raw's key (and,
// for a leaf entry, its value) — called before an entry's slot is
// tombstoned for a delete or an in-place update, so a replaced or removed
// value doesn't leak its overflow pages.
func (t *Tree) freeEntryOverflow(txnID uint64, raw []byte, isInternal bool) error {
	if isInternal {
		key, _ := decodeInternalEntry(raw)
		if key.overflow {
			return t.freeOverflow(txnID, key.head)
		}
		return nil
	}
	key, val := decodeLeafEntry(raw)
	if key.overflow {
		if err := t.freeOverflow(txnID, key.head); err != nil {
			return err
		}
	}
	if val.overflow {
		if err := t.freeOverflow(txnID, val.head); err != nil {
			return err
		}
	}
	return nil
}

// liveCount returns the number of non-tombstoned slots.
func liveCount(page storage.Page) int {
	n := page.NSlots()
	count := 0
	for i := uint16(0); i < n; i++ {
		if !page.IsDeleted(i) {
			count++
		}
	}
	return count
}

// usedBytes is a conservative estimate of a page's occupied bytes (header
// plus every live slot's stored length plus its directory entry), used by
// the merge policy's 90%-of-capacity test. It intentionally doesn't
// compact, so a heavily-tombstoned page reads as more full than it will be
// after its next compactInPlace — a conservative bias against over-eager
// merging.
func usedBytes(page storage.Page) int {
	total := storage.HeaderSize
	n := page.NSlots()
	for i := uint16(0); i < n; i++ {
		if page.IsDeleted(i) {
			continue
		}
		raw, err := page.Slot(i)
		if err != nil {
			continue
		}
		total += len(raw) + storage.SlotDirEntrySize
	}
	return total
}
