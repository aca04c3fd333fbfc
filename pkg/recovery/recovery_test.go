package recovery

import (
	"path/filepath"
	"testing"

	"github.com/nainya/pagestore/pkg/storage"
	"github.com/nainya/pagestore/pkg/wal"
)

func setupDataFile(t *testing.T) (*storage.DataFile, string) {
	t.Helper()
	dir := t.TempDir()
	classes := storage.NewSizeClasses([]int{256})
	df, err := storage.OpenDataFile(filepath.Join(dir, "data"), classes)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { df.Close() })
	return df, dir
}

func writeRecords(t *testing.T, walPath string, recs []wal.Record) {
	t.Helper()
	w := &wal.WAL{Path: walPath}
	if err := w.Open(); err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if _, err := w.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRecoverReplaysCommittedPutSlot(t *testing.T) {
	df, dir := setupDataFile(t)

	id := df.AllocateSlot(0)
	initial := storage.NewPage(256, storage.PageTypeLeaf, 0)
	initial.Stamp(1)
	if err := df.WritePage(id, initial); err != nil {
		t.Fatal(err)
	}

	walPath := filepath.Join(dir, "wal")
	writeRecords(t, walPath, []wal.Record{
		{Type: wal.RecPutSlot, TxnID: 1, PageID: uint64(id), Payload: wal.EncodePutSlot(0, []byte("hello"))},
		{Type: wal.RecCommit, TxnID: 1},
	})

	meta := storage.Meta{RootPageID: id, CheckpointLSN: 0, Allocator: storage.NewAllocatorSnapshot(1)}
	newMeta, stats, err := Recover(walPath, df, meta, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.RecordsReplayed != 1 {
		t.Fatalf("expected 1 record replayed, got %d", stats.RecordsReplayed)
	}
	if newMeta.RootPageID != id {
		t.Fatalf("expected root unchanged, got %d", newMeta.RootPageID)
	}

	page, err := df.ReadPage(id)
	if err != nil {
		t.Fatal(err)
	}
	if page.NSlots() != 1 {
		t.Fatalf("expected replay to have applied the put, nslots=%d", page.NSlots())
	}
	val, err := page.Slot(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "hello" {
		t.Fatalf("got %q", val)
	}
}

func TestRecoverDropsUncommittedBatch(t *testing.T) {
	df, dir := setupDataFile(t)

	id := df.AllocateSlot(0)
	initial := storage.NewPage(256, storage.PageTypeLeaf, 0)
	initial.Stamp(1)
	if err := df.WritePage(id, initial); err != nil {
		t.Fatal(err)
	}

	walPath := filepath.Join(dir, "wal")
	// No RecCommit follows: simulates a crash before the commit fsync.
	writeRecords(t, walPath, []wal.Record{
		{Type: wal.RecPutSlot, TxnID: 5, PageID: uint64(id), Payload: wal.EncodePutSlot(0, []byte("orphan"))},
	})

	meta := storage.Meta{RootPageID: id, CheckpointLSN: 0, Allocator: storage.NewAllocatorSnapshot(1)}
	_, stats, err := Recover(walPath, df, meta, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.RecordsReplayed != 0 {
		t.Fatalf("expected uncommitted batch to be dropped, replayed=%d", stats.RecordsReplayed)
	}
	if stats.BatchesDropped != 1 {
		t.Fatalf("expected 1 dropped batch, got %d", stats.BatchesDropped)
	}

	page, err := df.ReadPage(id)
	if err != nil {
		t.Fatal(err)
	}
	if page.NSlots() != 0 {
		t.Fatalf("expected page to remain unmodified, nslots=%d", page.NSlots())
	}
}

func TestRecoverSkipsRecordsBeforeCheckpoint(t *testing.T) {
	df, dir := setupDataFile(t)

	id := df.AllocateSlot(0)
	initial := storage.NewPage(256, storage.PageTypeLeaf, 0)
	initial.Stamp(1)
	if err := df.WritePage(id, initial); err != nil {
		t.Fatal(err)
	}

	walPath := filepath.Join(dir, "wal")
	writeRecords(t, walPath, []wal.Record{
		{Type: wal.RecPutSlot, TxnID: 1, PageID: uint64(id), Payload: wal.EncodePutSlot(0, []byte("v1"))},
		{Type: wal.RecCommit, TxnID: 1},
	})

	// Pretend a checkpoint already covers every LSN written so far.
	lsnFiles, err := wal.SegmentFiles(walPath)
	if err != nil {
		t.Fatal(err)
	}
	all, err := wal.ReadAll(lsnFiles)
	if err != nil {
		t.Fatal(err)
	}
	highest := all[len(all)-1].LSN

	meta := storage.Meta{RootPageID: id, CheckpointLSN: highest, Allocator: storage.NewAllocatorSnapshot(1)}
	_, stats, err := Recover(walPath, df, meta, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.RecordsReplayed != 0 {
		t.Fatalf("expected 0 replayed below checkpoint LSN, got %d", stats.RecordsReplayed)
	}
}

func TestRecoverNoWALDirIsNotAnError(t *testing.T) {
	df, dir := setupDataFile(t)
	meta := storage.Meta{Allocator: storage.NewAllocatorSnapshot(1)}
	_, _, err := Recover(filepath.Join(dir, "does-not-exist", "wal"), df, meta, 0)
	if err != nil {
		t.Fatal(err)
	}
}
