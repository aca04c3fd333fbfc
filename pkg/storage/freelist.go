// ABOUTME: Per-size-class free list for page recycling
// ABOUTME: Tracks freed page IDs in a min-heap so allocate() tie-breaks low

package storage

import (
	"container/heap"
	"encoding/binary"
)

// idHeap is a min-heap of freed page slot indices within one size class.
// No third-party priority-queue library appears anywhere in the retrieval
// pack, so this uses container/heap directly — the same justification the
// pack applies to its own use of stdlib sort/heap-shaped structures.
type idHeap []uint64

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// FreeList tracks free pages for a single size class. Mutations are
// durable only once logged as ALLOC/FREE WAL records by the caller; this
// type is the in-memory index plus the metadata-file snapshot format.
type FreeList struct {
	classIdx int
	free     idHeap
}

// NewFreeList creates an empty free list for a size class.
func NewFreeList(classIdx int) *FreeList {
	fl := &FreeList{classIdx: classIdx}
	heap.Init(&fl.free)
	return fl
}

// Total returns the number of free pages tracked.
func (fl *FreeList) Total() int { return fl.free.Len() }

// Allocate pops the lowest free slot index, or returns (0, false) if the
// free list is empty and the caller must extend the file instead.
func (fl *FreeList) Allocate() (uint64, bool) {
	if fl.free.Len() == 0 {
		return 0, false
	}
	return heap.Pop(&fl.free).(uint64), true
}

// Free returns a slot index to the free set. Double-free (the same slot
// pushed twice without an intervening allocate) is a FatalInvariant the
// caller is responsible for detecting before calling Free.
func (fl *FreeList) Free(slot uint64) {
	heap.Push(&fl.free, slot)
}

// Remove drops a slot from the free set if present, a no-op otherwise.
// Used by WAL replay to apply a RecAlloc record against a free list that
// was snapshotted before the allocation happened.
func (fl *FreeList) Remove(slot uint64) {
	for i, v := range fl.free {
		if v == slot {
			heap.Remove(&fl.free, i)
			return
		}
	}
}

// Snapshot serializes the free list: count followed by each free slot
// index, little-endian. Used by the metadata file at checkpoint time.
func (fl *FreeList) Snapshot() []byte {
	buf := make([]byte, 8+8*fl.free.Len())
	binary.LittleEndian.PutUint64(buf[0:8], uint64(fl.free.Len()))
	for i, v := range fl.free {
		binary.LittleEndian.PutUint64(buf[8+8*i:], v)
	}
	return buf
}

// LoadSnapshot restores a free list from bytes produced by Snapshot,
// returning the number of bytes consumed.
func (fl *FreeList) LoadSnapshot(data []byte) int {
	n := binary.LittleEndian.Uint64(data[0:8])
	fl.free = make(idHeap, 0, n)
	for i := uint64(0); i < n; i++ {
		fl.free = append(fl.free, binary.LittleEndian.Uint64(data[8+8*i:]))
	}
	heap.Init(&fl.free)
	return 8 + 8*int(n)
}

// AllocatorSnapshot bundles every size class's free list into one
// metadata-file payload.
type AllocatorSnapshot struct {
	lists []*FreeList
}

// NewAllocatorSnapshot creates an empty per-class free list set.
func NewAllocatorSnapshot(nClasses int) *AllocatorSnapshot {
	lists := make([]*FreeList, nClasses)
	for i := range lists {
		lists[i] = NewFreeList(i)
	}
	return &AllocatorSnapshot{lists: lists}
}

// For returns the free list for a size class.
func (a *AllocatorSnapshot) For(classIdx int) *FreeList { return a.lists[classIdx] }

// Serialize concatenates every class's snapshot, prefixed by the class
// count, for storage in the metadata file.
func (a *AllocatorSnapshot) Serialize() []byte {
	var out []byte
	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, uint64(len(a.lists)))
	out = append(out, header...)
	for _, fl := range a.lists {
		out = append(out, fl.Snapshot()...)
	}
	return out
}

// DeserializeAllocatorSnapshot parses bytes produced by Serialize.
func DeserializeAllocatorSnapshot(data []byte) *AllocatorSnapshot {
	nClasses := int(binary.LittleEndian.Uint64(data[0:8]))
	a := NewAllocatorSnapshot(nClasses)
	off := 8
	for i := 0; i < nClasses; i++ {
		consumed := a.lists[i].LoadSnapshot(data[off:])
		off += consumed
	}
	return a
}
