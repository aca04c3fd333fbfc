// ABOUTME: Forward cursor over a B-link tree, walking leaves via RightSibling
// ABOUTME: Simpler than a path/pos stack since leaf-to-leaf links avoid re-descending

package btree

import (
	"bytes"
	"sort"

	"github.com/nainya/pagestore/pkg/storage"
)

// Cursor iterates a tree's keys in ascending order starting at or after a
// seek key. It holds at most one leaf pinned at a time — not a consistent
// snapshot, matching Scan's semantics: a concurrent split or merge may or
// may not be observed as the cursor walks forward.
type Cursor struct {
	tree    *Tree
	entries []rawEntry
	idx     int
	leafID  storage.PageID
	err     error
	done    bool
}

// NewCursor returns a cursor positioned at the first key >= from. A nil
// from starts at the smallest key in the tree.
func (t *Tree) NewCursor(from []byte) (*Cursor, error) {
	c := &Cursor{tree: t}
	root := t.Root()
	if root == storage.NilPageID {
		c.done = true
		return c, nil
	}

	id := root
	for {
		h, err := t.cache.Pin(id, storage.PinRead)
		if err != nil {
			return nil, err
		}
		if h.Page.Type() == storage.PageTypeLeaf {
			t.cache.Unpin(h, false)
			break
		}
		idx, err := t.lookupChild(h.Page, from)
		if err != nil {
			t.cache.Unpin(h, false)
			return nil, err
		}
		child, err := t.childAt(h.Page, idx)
		t.cache.Unpin(h, false)
		if err != nil {
			return nil, err
		}
		id = child
	}

	if err := c.loadLeaf(id, from); err != nil {
		return nil, err
	}
	return c, nil
}

// loadLeaf pins leafID, decodes and sorts its live entries, positions idx
// at the first entry >= from, and unpins immediately (the cursor doesn't
// hold a pin between calls).
func (c *Cursor) loadLeaf(leafID storage.PageID, from []byte) error {
	h, err := c.tree.cache.Pin(leafID, storage.PinRead)
	if err != nil {
		return err
	}
	entries, err := c.tree.liveEntries(h.Page)
	if err != nil {
		c.tree.cache.Unpin(h, false)
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })
	next := h.Page.RightSibling()
	c.tree.cache.Unpin(h, false)

	pos := 0
	if from != nil {
		pos = sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, from) >= 0 })
	}

	c.entries = entries
	c.idx = pos
	c.leafID = next
	if pos >= len(entries) {
		return c.advanceLeaf()
	}
	return nil
}

// advanceLeaf follows the right-sibling link to the next non-empty leaf.
func (c *Cursor) advanceLeaf() error {
	for c.leafID != storage.NilPageID {
		id := c.leafID
		h, err := c.tree.cache.Pin(id, storage.PinRead)
		if err != nil {
			return err
		}
		entries, err := c.tree.liveEntries(h.Page)
		if err != nil {
			c.tree.cache.Unpin(h, false)
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })
		next := h.Page.RightSibling()
		c.tree.cache.Unpin(h, false)

		c.entries = entries
		c.idx = 0
		c.leafID = next
		if len(entries) > 0 {
			return nil
		}
	}
	c.done = true
	return nil
}

// Valid reports whether the cursor currently addresses a key.
func (c *Cursor) Valid() bool {
	return c.err == nil && !c.done && c.idx < len(c.entries)
}

// Key returns the current key. Only valid when Valid() is true.
func (c *Cursor) Key() []byte { return c.entries[c.idx].key }

// Value resolves and returns the current value, chasing overflow if
// needed.
func (c *Cursor) Value() ([]byte, error) {
	_, val := decodeLeafEntry(c.entries[c.idx].raw)
	return c.tree.resolveComponent(val)
}

// Next advances the cursor by one key.
func (c *Cursor) Next() error {
	if c.err != nil || c.done {
		return c.err
	}
	c.idx++
	if c.idx >= len(c.entries) {
		if err := c.advanceLeaf(); err != nil {
			c.err = err
			return err
		}
	}
	return nil
}

// Err returns the first error the cursor encountered, if any.
func (c *Cursor) Err() error { return c.err }
