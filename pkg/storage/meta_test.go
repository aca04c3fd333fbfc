package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMetaLoadMissingFileReturnsEmptyTree(t *testing.T) {
	dir := t.TempDir()
	m, existed, err := LoadMeta(filepath.Join(dir, "meta"), 3)
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Fatal("expected existed=false for a fresh data directory")
	}
	if m.RootPageID != NilPageID {
		t.Fatalf("expected nil root, got %d", m.RootPageID)
	}
}

func TestMetaSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta")

	alloc := NewAllocatorSnapshot(2)
	alloc.For(0).Free(7)
	m := Meta{RootPageID: MakePageID(1, 42), CheckpointLSN: 99, Allocator: alloc}

	if err := SaveMeta(path, m); err != nil {
		t.Fatal(err)
	}

	got, existed, err := LoadMeta(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatal("expected existed=true")
	}
	if got.RootPageID != m.RootPageID || got.CheckpointLSN != m.CheckpointLSN {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Allocator.For(0).Total() != 1 {
		t.Fatalf("expected 1 free page in class 0, got %d", got.Allocator.For(0).Total())
	}
}

func TestMetaSaveIsAtomicNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta")
	if err := SaveMeta(path, Meta{RootPageID: NilPageID, Allocator: NewAllocatorSnapshot(1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be renamed away")
	}
}
