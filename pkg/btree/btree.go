// ABOUTME: In-place, paged B-link tree: crab-latched descent, redo-WAL-logged mutation
// ABOUTME: Internal nodes carry a sentinel separator at ordinal 0; leaves chain via RightSibling

package btree

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/nainya/pagestore/internal/metrics"
	"github.com/nainya/pagestore/pkg/storage"
	"github.com/nainya/pagestore/pkg/wal"
)

// Tree is a crash-safe B-link tree. Every mutation logs its WAL records
// before marking the affected pages dirty (log first, then dirty); a
// mutation's records are bracketed by a RecCommit so recovery either
// replays the whole batch or discards it.
type Tree struct {
	cache   *storage.Cache
	df      *storage.DataFile
	alloc   *storage.Allocator
	wal     *wal.WAL
	classes *storage.SizeClasses
	metrics *metrics.Metrics

	nodeClass            int
	maxInline            int
	compressionThreshold int

	rootMu sync.RWMutex
	root   storage.PageID
}

// New builds a Tree over an already-open cache/data-file/allocator/WAL
// stack. root is NilPageID for a brand-new, empty tree, or the tree's
// surviving root page ID after recovery.
func New(cache *storage.Cache, df *storage.DataFile, alloc *storage.Allocator, w *wal.WAL,
	classes *storage.SizeClasses, maxInline, compressionThreshold int, m *metrics.Metrics, root storage.PageID) *Tree {
	return &Tree{
		cache:                cache,
		df:                   df,
		alloc:                alloc,
		wal:                  w,
		classes:              classes,
		metrics:              m,
		nodeClass:            classes.Largest(),
		maxInline:            maxInline,
		compressionThreshold: compressionThreshold,
		root:                 root,
	}
}

// Root returns the tree's current root page ID, or NilPageID if empty.
func (t *Tree) Root() storage.PageID {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.root
}

func (t *Tree) setRoot(id storage.PageID) {
	t.rootMu.Lock()
	t.root = id
	t.rootMu.Unlock()
}

// makeComponent encodes b as an inline component, or as an overflow
// reference (writing the overflow chain as a side effect) when b exceeds
// maxInline.
func (t *Tree) makeComponent(txnID uint64, b []byte) ([]byte, error) {
	if len(b) <= t.maxInline {
		return encodeInlineComponent(b), nil
	}
	head, err := t.writeOverflow(txnID, b)
	if err != nil {
		return nil, err
	}
	return encodeOverflowComponent(head, len(b)), nil
}

func (t *Tree) unpinAll(stack []*storage.Handle) {
	for _, h := range stack {
		t.cache.Unpin(h, false)
	}
}

// logAppendSlot appends raw to h's page, logging the PUT_SLOT record first.
func (t *Tree) logAppendSlot(txnID uint64, h *storage.Handle, raw []byte) error {
	ord := h.Page.NSlots()
	lsn, err := t.wal.Append(wal.Record{
		Type: wal.RecPutSlot, TxnID: txnID, PageID: uint64(h.ID()),
		Payload: wal.EncodePutSlot(ord, raw),
	})
	if err != nil {
		return err
	}
	if _, err := h.Page.AppendSlot(raw, t.compressionThreshold); err != nil {
		return err
	}
	t.cache.StampDirty(h, lsn)
	return nil
}

// logDelSlot tombstones ordinal ord on h's page, logging DEL_SLOT first.
func (t *Tree) logDelSlot(txnID uint64, h *storage.Handle, ord uint16) error {
	lsn, err := t.wal.Append(wal.Record{
		Type: wal.RecDelSlot, TxnID: txnID, PageID: uint64(h.ID()),
		Payload: wal.EncodeDelSlot(ord),
	})
	if err != nil {
		return err
	}
	if err := h.Page.DeleteSlot(ord); err != nil {
		return err
	}
	t.cache.StampDirty(h, lsn)
	return nil
}

// logSetRightSibling rewrites h's right-sibling link, logging first.
func (t *Tree) logSetRightSibling(txnID uint64, h *storage.Handle, sibling storage.PageID) error {
	lsn, err := t.wal.Append(wal.Record{
		Type: wal.RecSetRightSibling, TxnID: txnID, PageID: uint64(h.ID()),
		Payload: wal.EncodeSiblingID(uint64(sibling)),
	})
	if err != nil {
		return err
	}
	h.Page.SetRightSibling(sibling)
	t.cache.StampDirty(h, lsn)
	return nil
}

func (t *Tree) logFree(txnID uint64, id storage.PageID) error {
	_, err := t.wal.Append(wal.Record{
		Type: wal.RecFree, TxnID: txnID, PageID: uint64(id),
		Payload: wal.EncodePageID(uint64(id)),
	})
	return err
}

// Get looks up key, returning its value and whether it was found.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	id := t.Root()
	if id == storage.NilPageID {
		return nil, false, nil
	}

	for {
		h, err := t.cache.Pin(id, storage.PinRead)
		if err != nil {
			return nil, false, err
		}
		page := h.Page

		if page.Type() == storage.PageTypeLeaf {
			ord, found, err := t.findOrdinal(page, key)
			if err != nil {
				t.cache.Unpin(h, false)
				return nil, false, err
			}
			if !found {
				t.cache.Unpin(h, false)
				return nil, false, nil
			}
			val, err := t.valAt(page, ord)
			t.cache.Unpin(h, false)
			return val, err == nil, err
		}

		idx, err := t.lookupChild(page, key)
		if err != nil {
			t.cache.Unpin(h, false)
			return nil, false, err
		}
		child, err := t.childAt(page, idx)
		t.cache.Unpin(h, false)
		if err != nil {
			return nil, false, err
		}
		id = child
	}
}

// insertSafetyMargin conservatively bounds the largest slot a node might
// absorb next: both components of an entry inlined at the maximum allowed
// length, plus its directory entry. A node with more free space than this
// is guaranteed safe to receive one more insert without splitting, which
// is what lets a crab-latching descent release its ancestors early.
func (t *Tree) insertSafetyMargin() int {
	return 2*(t.maxInline+5) + 8 + storage.SlotDirEntrySize
}

// descendForInsert crab-latches down from the root to the target leaf,
// write-pinning every node. Once a node proves "safe" (has enough free
// space to absorb one more entry without splitting), every ancestor above
// it is released, since the pending insert cannot possibly propagate past
// a safe node. Returns the surviving pinned ancestor chain, leaf last.
func (t *Tree) descendForInsert(key []byte) ([]*storage.Handle, error) {
	var stack []*storage.Handle
	margin := t.insertSafetyMargin()
	id := t.Root()

	for {
		h, err := t.cache.Pin(id, storage.PinWrite)
		if err != nil {
			t.unpinAll(stack)
			return nil, err
		}
		stack = append(stack, h)

		if h.Page.FreeSpace() > margin {
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

// BeginTxn mints a fresh transaction tag for a caller (the engine façade's
// batch path) that wants to group several PutTxn/DeleteTxn calls under one
// WAL commit instead of one commit per key.
func (t *Tree) BeginTxn() uint64 { return t.wal.NextLSN() }

// CommitTxn durably commits every record appended under txnID so far.
func (t *Tree) CommitTxn(txnID uint64) error {
	_, err := t.wal.Commit(txnID)
	return err
}

// Put inserts or updates key's value, committing immediately.
func (t *Tree) Put(key, value []byte) error {
	txnID := t.BeginTxn()
	if err := t.PutTxn(txnID, key, value); err != nil {
		return err
	}
	return t.CommitTxn(txnID)
}

// PutTxn applies the insert/update under an already-open txnID without
// committing, so a caller can batch several mutations into one durable
// group.
func (t *Tree) PutTxn(txnID uint64, key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("btree: key must not be empty")
	}

	if t.Root() == storage.NilPageID {
		return t.createInitialRoot(txnID, key, value)
	}

	stack, err := t.descendForInsert(key)
	if err != nil {
		return err
	}
	return t.applyInsert(txnID, stack, key, value)
}

func (t *Tree) createInitialRoot(txnID uint64, key, value []byte) error {
	keyComp, err := t.makeComponent(txnID, key)
	if err != nil {
		return err
	}
	valComp, err := t.makeComponent(txnID, value)
	if err != nil {
		return err
	}
	entry := encodeLeafEntry(keyComp, valComp)

	id := t.alloc.Alloc(t.nodeClass)
	if _, err := t.wal.Append(wal.Record{Type: wal.RecAlloc, TxnID: txnID, PageID: uint64(id), Payload: wal.EncodePageID(uint64(id))}); err != nil {
		return err
	}
	page := storage.NewPage(t.classes.PageSize(t.nodeClass), storage.PageTypeLeaf, byte(t.nodeClass))
	ord, err := page.AppendSlot(entry, t.compressionThreshold)
	if err != nil {
		return err
	}
	lsn, err := t.wal.Append(wal.Record{Type: wal.RecPutSlot, TxnID: txnID, PageID: uint64(id), Payload: wal.EncodePutSlot(ord, entry)})
	if err != nil {
		return err
	}
	page.Stamp(lsn)
	if err := t.df.WritePage(id, page); err != nil {
		return err
	}

	if _, err := t.wal.Append(wal.Record{Type: wal.RecNewRoot, TxnID: txnID, PageID: uint64(id), Payload: wal.EncodePageID(uint64(id))}); err != nil {
		return err
	}
	t.setRoot(id)
	return nil
}

// applyInsert inserts (key, value) at the leaf held at the bottom of
// stack, propagating any resulting split upward. Every handle in stack is
// unpinned by the time this returns, success or failure.
func (t *Tree) applyInsert(txnID uint64, stack []*storage.Handle, key, value []byte) error {
	keyComp, err := t.makeComponent(txnID, key)
	if err != nil {
		t.unpinAll(stack)
		return err
	}
	valComp, err := t.makeComponent(txnID, value)
	if err != nil {
		t.unpinAll(stack)
		return err
	}
	entry := encodeLeafEntry(keyComp, valComp)

	for i := len(stack) - 1; i >= 0; i-- {
		h := stack[i]
		sepKey, rightID, err := t.insertEntry(txnID, h, key, entry)
		if err != nil {
			// A partial mutation may already have been applied to h's
			// in-memory page before the error; mark it dirty so eviction
			// doesn't silently drop it without a flush.
			t.cache.Unpin(h, true)
			t.unpinAll(stack[:i])
			return err
		}
		t.cache.Unpin(h, true)

		if rightID == storage.NilPageID {
			t.unpinAll(stack[:i])
			return nil
		}

		if i == 0 {
			return t.createNewRoot(txnID, h.ID(), sepKey, rightID)
		}

		key = sepKey
		entry = encodeInternalEntry(encodeInlineComponent(sepKey), rightID)
	}
	return nil
}

func (t *Tree) createNewRoot(txnID uint64, leftID storage.PageID, sepKey []byte, rightID storage.PageID) error {
	id := t.alloc.Alloc(t.nodeClass)
	if _, err := t.wal.Append(wal.Record{Type: wal.RecAlloc, TxnID: txnID, PageID: uint64(id), Payload: wal.EncodePageID(uint64(id))}); err != nil {
		return err
	}
	page := storage.NewPage(t.classes.PageSize(t.nodeClass), storage.PageTypeInternal, byte(t.nodeClass))

	sentinel := encodeInternalEntry(encodeInlineComponent(nil), leftID)
	ord0, err := page.AppendSlot(sentinel, 0)
	if err != nil {
		return err
	}
	lsn0, err := t.wal.Append(wal.Record{Type: wal.RecPutSlot, TxnID: txnID, PageID: uint64(id), Payload: wal.EncodePutSlot(ord0, sentinel)})
	if err != nil {
		return err
	}
	page.Stamp(lsn0)

	sepComp, err := t.makeComponent(txnID, sepKey)
	if err != nil {
		return err
	}
	sepEntry := encodeInternalEntry(sepComp, rightID)
	ord1, err := page.AppendSlot(sepEntry, 0)
	if err != nil {
		return err
	}
	lsn1, err := t.wal.Append(wal.Record{Type: wal.RecPutSlot, TxnID: txnID, PageID: uint64(id), Payload: wal.EncodePutSlot(ord1, sepEntry)})
	if err != nil {
		return err
	}
	page.Stamp(lsn1)

	if err := t.df.WritePage(id, page); err != nil {
		return err
	}

	if _, err := t.wal.Append(wal.Record{Type: wal.RecNewRoot, TxnID: txnID, PageID: uint64(id), Payload: wal.EncodePageID(uint64(id))}); err != nil {
		return err
	}
	t.setRoot(id)
	return nil
}

// splitEntry is a candidate slot during a split: either an existing live
// entry carried over from the page, or the new entry being inserted.
type splitEntry struct {
	key     []byte
	raw     []byte
	pending bool
}

// insertEntry inserts (or replaces, if key already has an entry in h's
// page) rawEntry, splitting h's page first if it wouldn't otherwise fit.
// Returns the promoted separator key and new right sibling's ID if a split
// happened (rightID == NilPageID otherwise).
func (t *Tree) insertEntry(txnID uint64, h *storage.Handle, key []byte, rawEntry []byte) ([]byte, storage.PageID, error) {
	page := h.Page
	existingOrd, found, err := t.findOrdinal(page, key)
	if err != nil {
		return nil, storage.NilPageID, err
	}

	needed := len(rawEntry) + storage.SlotDirEntrySize
	if needed <= page.FreeSpace() {
		if found {
			if page.Type() == storage.PageTypeLeaf {
				oldRaw, err := page.Slot(existingOrd)
				if err != nil {
					return nil, storage.NilPageID, err
				}
				if err := t.freeEntryOverflow(txnID, oldRaw, false); err != nil {
					return nil, storage.NilPageID, err
				}
			}
			if err := t.logDelSlot(txnID, h, existingOrd); err != nil {
				return nil, storage.NilPageID, err
			}
		}
		if err := t.logAppendSlot(txnID, h, rawEntry); err != nil {
			return nil, storage.NilPageID, err
		}
		return nil, storage.NilPageID, nil
	}

	return t.splitAndInsert(txnID, h, key, rawEntry, existingOrd, found)
}

// splitAndInsert splits a full page into two, folding in the pending
// (key, rawEntry) at its sorted position. Live entries are partitioned by
// key (not by their physical ordinal, which carries no ordering), so the
// split is always between the correct halves regardless of append order.
func (t *Tree) splitAndInsert(txnID uint64, h *storage.Handle, key, rawEntry []byte, existingOrd uint16, found bool) ([]byte, storage.PageID, error) {
	page := h.Page
	isInternal := page.Type() == storage.PageTypeInternal

	live, err := t.liveEntries(page)
	if err != nil {
		return nil, storage.NilPageID, err
	}

	entries := make([]splitEntry, 0, len(live)+1)
	for _, e := range live {
		if found && e.ord == existingOrd {
			continue
		}
		entries = append(entries, splitEntry{key: e.key, raw: e.raw})
	}
	entries = append(entries, splitEntry{key: key, raw: rawEntry, pending: true})
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })

	median := (len(entries) + 1) / 2
	left := entries[:median]
	right := entries[median:]
	sepKey := append([]byte(nil), right[0].key...)

	leftKeys := make(map[string]bool, len(left))
	for _, e := range left {
		leftKeys[string(e.key)] = true
	}

	// Tombstone every originally-live ordinal moving to the right half (or
	// the stale version of an updated key), leave everything staying on
	// the left page untouched.
	n := page.NSlots()
	for i := uint16(0); i < n; i++ {
		if page.IsDeleted(i) {
			continue
		}
		if found && i == existingOrd {
			if !isInternal {
				oldRaw, err := page.Slot(i)
				if err != nil {
					return nil, storage.NilPageID, err
				}
				if err := t.freeEntryOverflow(txnID, oldRaw, false); err != nil {
					return nil, storage.NilPageID, err
				}
			}
			if err := t.logDelSlot(txnID, h, i); err != nil {
				return nil, storage.NilPageID, err
			}
			continue
		}
		k, err := t.keyAt(page, i)
		if err != nil {
			return nil, storage.NilPageID, err
		}
		if !leftKeys[string(k)] {
			if err := t.logDelSlot(txnID, h, i); err != nil {
				return nil, storage.NilPageID, err
			}
		}
	}

	// Append the pending entry to the left page if it landed there.
	for _, e := range left {
		if e.pending {
			if err := t.logAppendSlot(txnID, h, e.raw); err != nil {
				return nil, storage.NilPageID, err
			}
		}
	}

	classIdx := int(page.SizeClassCode())
	rightID := t.alloc.Alloc(classIdx)
	if _, err := t.wal.Append(wal.Record{Type: wal.RecAlloc, TxnID: txnID, PageID: uint64(rightID), Payload: wal.EncodePageID(uint64(rightID))}); err != nil {
		return nil, storage.NilPageID, err
	}
	rightPage := storage.NewPage(t.classes.PageSize(classIdx), page.Type(), byte(classIdx))

	for i, e := range right {
		raw := e.raw
		if isInternal && i == 0 {
			_, child := decodeInternalEntry(raw)
			raw = encodeInternalEntry(encodeInlineComponent(nil), child)
		}
		ord, err := rightPage.AppendSlot(raw, t.compressionThreshold)
		if err != nil {
			return nil, storage.NilPageID, err
		}
		lsn, err := t.wal.Append(wal.Record{Type: wal.RecPutSlot, TxnID: txnID, PageID: uint64(rightID), Payload: wal.EncodePutSlot(ord, raw)})
		if err != nil {
			return nil, storage.NilPageID, err
		}
		rightPage.Stamp(lsn)
	}

	if page.Type() == storage.PageTypeLeaf {
		rightPage.SetRightSibling(page.RightSibling())
		lsnR, err := t.wal.Append(wal.Record{Type: wal.RecSetRightSibling, TxnID: txnID, PageID: uint64(rightID), Payload: wal.EncodeSiblingID(uint64(page.RightSibling()))})
		if err != nil {
			return nil, storage.NilPageID, err
		}
		rightPage.Stamp(lsnR)

		if err := t.logSetRightSibling(txnID, h, rightID); err != nil {
			return nil, storage.NilPageID, err
		}
	}

	if t.metrics != nil {
		t.metrics.SplitsTotal.Inc()
	}

	if err := t.df.WritePage(rightID, rightPage); err != nil {
		return nil, storage.NilPageID, err
	}
	return sepKey, rightID, nil
}

// Scan calls fn for every key in [from, to) in ascending order, stopping
// early if fn returns false. Not a consistent snapshot: pages are pinned
// and released one at a time as the scan walks forward via right-sibling
// links, so a concurrent writer's structural changes may or may not be
// observed.
func (t *Tree) Scan(from, to []byte, fn func(key, value []byte) bool) error {
	root := t.Root()
	if root == storage.NilPageID {
		return nil
	}

	id := root
	for {
		h, err := t.cache.Pin(id, storage.PinRead)
		if err != nil {
			return err
		}
		if h.Page.Type() != storage.PageTypeLeaf {
			idx, err := t.lookupChild(h.Page, from)
			if err != nil {
				t.cache.Unpin(h, false)
				return err
			}
			child, err := t.childAt(h.Page, idx)
			t.cache.Unpin(h, false)
			if err != nil {
				return err
			}
			id = child
			continue
		}
		t.cache.Unpin(h, false)
		break
	}

	for id != storage.NilPageID {
		h, err := t.cache.Pin(id, storage.PinRead)
		if err != nil {
			return err
		}
		entries, err := t.liveEntries(h.Page)
		if err != nil {
			t.cache.Unpin(h, false)
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })

		next := h.Page.RightSibling()
		cont := true
		for _, e := range entries {
			if bytes.Compare(e.key, from) < 0 {
				continue
			}
			if to != nil && bytes.Compare(e.key, to) >= 0 {
				cont = false
				break
			}
			_, val := decodeLeafEntry(e.raw)
			v, err := t.resolveComponent(val)
			if err != nil {
				t.cache.Unpin(h, false)
				return err
			}
			if !fn(e.key, v) {
				cont = false
				break
			}
		}
		t.cache.Unpin(h, false)
		if !cont {
			return nil
		}
		id = next
	}
	return nil
}
