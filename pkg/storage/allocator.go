// ABOUTME: Live page (de)allocation wrapping the per-class free lists
// ABOUTME: One lock per size class, per the spec's allocator locking discipline

package storage

import "sync"

// Allocator hands out and reclaims page IDs for a DataFile's size classes.
// It holds no WAL reference of its own: callers (the B-Tree engine) log a
// RecAlloc/RecFree record before relying on Alloc/Free's effect surviving a
// crash, the same "log first, then dirty" discipline the cache enforces for
// page mutations.
type Allocator struct {
	df      *DataFile
	classes *SizeClasses
	mu      []sync.Mutex
	free    []*FreeList
}

// NewAllocator builds an allocator over df's size classes, seeded from a
// checkpoint snapshot (or a freshly empty one for a new data directory).
func NewAllocator(df *DataFile, classes *SizeClasses, snapshot *AllocatorSnapshot) *Allocator {
	n := len(classes.Sizes())
	a := &Allocator{df: df, classes: classes, mu: make([]sync.Mutex, n), free: make([]*FreeList, n)}
	for i := 0; i < n; i++ {
		if snapshot != nil {
			a.free[i] = snapshot.For(i)
		} else {
			a.free[i] = NewFreeList(i)
		}
	}
	return a
}

// Alloc returns a page ID for classIdx: a recycled slot if the class's free
// list has one, otherwise a fresh slot extending the class's extent.
func (a *Allocator) Alloc(classIdx int) PageID {
	a.mu[classIdx].Lock()
	defer a.mu[classIdx].Unlock()
	for {
		var id PageID
		if slot, ok := a.free[classIdx].Allocate(); ok {
			id = MakePageID(classIdx, slot)
		} else {
			id = a.df.AllocateSlot(classIdx)
		}
		if id == NilPageID {
			// Class 0 slot 0 packs to the same uint64 as NilPageID, the
			// sentinel for "no child"/"no sibling". Burn it rather than let
			// a live page alias the sentinel.
			continue
		}
		return id
	}
}

// AllocForPayload picks the smallest size class that can hold payloadBytes
// and allocates from it.
func (a *Allocator) AllocForPayload(payloadBytes int) (PageID, error) {
	classIdx, err := a.classes.ClassFor(payloadBytes)
	if err != nil {
		return NilPageID, err
	}
	return a.Alloc(classIdx), nil
}

// Free returns id to its class's free list.
func (a *Allocator) Free(id PageID) {
	classIdx := id.ClassIdx()
	a.mu[classIdx].Lock()
	defer a.mu[classIdx].Unlock()
	a.free[classIdx].Free(id.Slot())
}

// FreeListDepth reports how many free pages classIdx currently tracks, used
// for the allocator's free-list-depth gauge.
func (a *Allocator) FreeListDepth(classIdx int) int {
	a.mu[classIdx].Lock()
	defer a.mu[classIdx].Unlock()
	return a.free[classIdx].Total()
}

// Snapshot captures the current free-list state of every class for the
// metadata file written at checkpoint time.
func (a *Allocator) Snapshot() *AllocatorSnapshot {
	for i := range a.mu {
		a.mu[i].Lock()
	}
	defer func() {
		for i := range a.mu {
			a.mu[i].Unlock()
		}
	}()
	return &AllocatorSnapshot{lists: append([]*FreeList(nil), a.free...)}
}
