package storage

import (
	"path/filepath"
	"testing"
)

func newTestAllocator(t *testing.T) (*Allocator, *DataFile) {
	t.Helper()
	dir := t.TempDir()
	classes := NewSizeClasses([]int{256, 1024})
	df, err := OpenDataFile(filepath.Join(dir, "data"), classes)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { df.Close() })
	return NewAllocator(df, classes, nil), df
}

func TestAllocatorAllocExtendsThenRecycles(t *testing.T) {
	a, _ := newTestAllocator(t)

	id0 := a.Alloc(0)
	id1 := a.Alloc(0)
	if id0 == id1 {
		t.Fatalf("expected distinct slots, got %d twice", id0)
	}

	a.Free(id0)
	if got := a.FreeListDepth(0); got != 1 {
		t.Fatalf("expected free list depth 1, got %d", got)
	}

	recycled := a.Alloc(0)
	if recycled != id0 {
		t.Fatalf("expected recycled alloc to reuse freed slot %d, got %d", id0, recycled)
	}
}

func TestAllocatorAllocForPayloadPicksSmallestClass(t *testing.T) {
	a, _ := newTestAllocator(t)

	id, err := a.AllocForPayload(100)
	if err != nil {
		t.Fatal(err)
	}
	if id.ClassIdx() != 0 {
		t.Fatalf("expected class 0 for a small payload, got %d", id.ClassIdx())
	}

	id2, err := a.AllocForPayload(900)
	if err != nil {
		t.Fatal(err)
	}
	if id2.ClassIdx() != 1 {
		t.Fatalf("expected class 1 for a large payload, got %d", id2.ClassIdx())
	}

	if _, err := a.AllocForPayload(100000); err == nil {
		t.Fatal("expected an error when payload exceeds every size class")
	}
}

func TestAllocatorSnapshotReflectsFreedSlots(t *testing.T) {
	a, _ := newTestAllocator(t)
	id := a.Alloc(0)
	a.Free(id)

	snap := a.Snapshot()
	if snap.For(0).Total() != 1 {
		t.Fatalf("expected snapshot to carry 1 free slot, got %d", snap.For(0).Total())
	}
}
