package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nainya/pagestore/pkg/config"
	"github.com/nainya/pagestore/pkg/storage"
)

func testConfig(t *testing.T, sizeClasses []int, maxInlineOverride int) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if sizeClasses != nil {
		cfg.PageSizeClasses = sizeClasses
	}
	cfg.CachePages = 256
	cfg.SyncMode = config.SyncNoneForTests
	cfg.GroupCommitWindow = time.Millisecond
	cfg.CheckpointInterval = 1 << 30 // disable automatic checkpoints unless a test wants them
	_ = maxInlineOverride
	return cfg
}

func TestEngineBasicRoundTrip(t *testing.T) {
	cfg := testConfig(t, nil, 0)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if err := e.Put([]byte("hello"), []byte("world")); err != nil {
		t.Fatal(err)
	}
	v, found, err := e.Get([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(v) != "world" {
		t.Fatalf("got %q, %v, want world, true", v, found)
	}

	if _, err := e.GetStrict([]byte("missing")); err == nil {
		t.Fatal("expected ErrNotFound")
	}

	deleted, err := e.Delete([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected delete to report the key was present")
	}
	if _, found, _ := e.Get([]byte("hello")); found {
		t.Fatal("key should be gone after delete")
	}
}

func TestEngineScanOrderAcrossSplit(t *testing.T) {
	cfg := testConfig(t, []int{256}, 0)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	for i := 1; i <= 50; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		if err := e.Put(key, []byte(fmt.Sprintf("v%03d", i))); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	var got []string
	err = e.Scan([]byte("k010"), []byte("k020"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 keys in [k010,k020), got %d: %v", len(got), got)
	}
	for i, k := range got {
		want := fmt.Sprintf("k%03d", 10+i)
		if k != want {
			t.Fatalf("scan out of order at %d: got %s want %s", i, k, want)
		}
	}
}

func TestEngineInvalidRangeRejected(t *testing.T) {
	cfg := testConfig(t, nil, 0)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	err = e.Scan([]byte("z"), []byte("a"), func(k, v []byte) bool { return true })
	if err == nil {
		t.Fatal("expected ErrInvalidRange")
	}
}

// TestEngineDurabilityAfterUncleanShutdown verifies a committed put survives
// a process restart that never called Close: reopening the same data
// directory replays the WAL tail and the value comes back.
func TestEngineDurabilityAfterUncleanShutdown(t *testing.T) {
	cfg := testConfig(t, nil, 0)

	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Put([]byte("durable"), []byte("value-1")); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: close only the underlying file descriptors, skipping
	// the orderly Draining -> checkpoint -> Closed path.
	e.wal.Close()
	e.df.Close()

	e2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()

	v, found, err := e2.Get([]byte("durable"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(v) != "value-1" {
		t.Fatalf("got %q, %v after recovery, want value-1, true", v, found)
	}
}

// TestEngineBatchAtomicity verifies that a batch whose commit never reaches
// the WAL (simulated by driving the B-Tree's transaction primitives
// directly, bypassing Batch.Commit) leaves none of its operations visible
// after recovery — the whole group is discarded, not partially applied.
func TestEngineBatchAtomicity(t *testing.T) {
	cfg := testConfig(t, nil, 0)

	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Put([]byte("seed"), []byte("v0")); err != nil {
		t.Fatal(err)
	}

	txnID := e.tree.BeginTxn()
	if err := e.tree.PutTxn(txnID, []byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := e.tree.PutTxn(txnID, []byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	// No CommitTxn: simulate a crash before the batch's RecCommit lands.
	e.wal.Close()
	e.df.Close()

	e2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()

	if _, found, _ := e2.Get([]byte("a")); found {
		t.Fatal("uncommitted batch key 'a' should not survive recovery")
	}
	if _, found, _ := e2.Get([]byte("b")); found {
		t.Fatal("uncommitted batch key 'b' should not survive recovery")
	}
	if v, found, _ := e2.Get([]byte("seed")); !found || string(v) != "v0" {
		t.Fatal("earlier committed key should still be present")
	}
}

func TestEngineBatchCommitAppliesAllOps(t *testing.T) {
	cfg := testConfig(t, nil, 0)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if err := e.Put([]byte("x"), []byte("old")); err != nil {
		t.Fatal(err)
	}

	err = e.Batch().
		Put([]byte("a"), []byte("1")).
		Put([]byte("x"), []byte("new")).
		Delete([]byte("a")).
		Commit()
	if err != nil {
		t.Fatal(err)
	}

	if _, found, _ := e.Get([]byte("a")); found {
		t.Fatal("a was deleted within the same batch, should be absent")
	}
	v, found, err := e.Get([]byte("x"))
	if err != nil || !found || string(v) != "new" {
		t.Fatalf("got %q, %v, %v; want new, true, nil", v, found, err)
	}
}

// TestEngineTornPageRecoveredFromWAL corrupts a page's on-disk checksum
// after a committed write but before any checkpoint, then verifies reopen
// recovers the correct value: since no checkpoint has run, recovery replays
// every record from LSN 0, which re-applies the page's slot writes and
// re-stamps its checksum before anything ever reads it.
func TestEngineTornPageRecoveredFromWAL(t *testing.T) {
	cfg := testConfig(t, nil, 0)

	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Put([]byte("tornkey"), []byte("correct-value")); err != nil {
		t.Fatal(err)
	}
	rootID := e.tree.Root()
	e.wal.Close()
	e.df.Close()

	corruptPage(t, cfg, uint64(rootID))

	e2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()

	v, found, err := e2.Get([]byte("tornkey"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(v) != "correct-value" {
		t.Fatalf("got %q, %v, want correct-value, true", v, found)
	}
}

// corruptPage flips the stored CRC32C bytes ([16:20]) of the root page in
// its extent file so the checksum no longer matches its contents,
// simulating a torn or bit-rotted write discovered on the next read.
func corruptPage(t *testing.T, cfg config.Config, root uint64) {
	t.Helper()
	largest := cfg.PageSizeClasses[len(cfg.PageSizeClasses)-1]
	path := filepath.Join(cfg.DataDir, "data", fmt.Sprintf("data.%d", largest))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	offset := int64(storage.PageID(root).Slot())*int64(largest) + 16
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, offset); err != nil {
		t.Fatal(err)
	}
	for i := range buf {
		buf[i] ^= 0xFF
	}
	if _, err := f.WriteAt(buf, offset); err != nil {
		t.Fatal(err)
	}
}

func TestEngineDeletePropagatesRebalanceAcrossLeaves(t *testing.T) {
	cfg := testConfig(t, []int{256}, 0)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("m%03d", i))
		if err := e.Put(key, []byte(fmt.Sprintf("val-%03d", i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 15; i < 25; i++ {
		key := []byte(fmt.Sprintf("m%03d", i))
		deleted, err := e.Delete(key)
		if err != nil {
			t.Fatal(err)
		}
		if !deleted {
			t.Fatalf("expected %s to be present before delete", key)
		}
	}

	var got []string
	if err := e.Scan(nil, nil, func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 30 {
		t.Fatalf("expected 30 survivors, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("scan not strictly ascending at %d: %s >= %s", i, got[i-1], got[i])
		}
	}
}

func TestEngineLargeOverflowValueRoundTripAndDelete(t *testing.T) {
	cfg := testConfig(t, nil, 0)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	big := make([]byte, 1<<20)
	for i := range big {
		big[i] = byte(i)
	}

	if err := e.Put([]byte("huge"), big); err != nil {
		t.Fatal(err)
	}
	v, found, err := e.Get([]byte("huge"))
	if err != nil || !found {
		t.Fatalf("get huge: %v, %v, %v", found, err, v == nil)
	}
	if len(v) != len(big) {
		t.Fatalf("got %d bytes, want %d", len(v), len(big))
	}
	for i := range v {
		if v[i] != big[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, v[i], big[i])
		}
	}

	deleted, err := e.Delete([]byte("huge"))
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected huge to be present before delete")
	}
	if _, found, _ := e.Get([]byte("huge")); found {
		t.Fatal("huge should be gone after delete")
	}
}

func TestEngineCheckpointThenReopen(t *testing.T) {
	cfg := testConfig(t, nil, 0)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := e.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()

	v, found, err := e2.Get([]byte("k"))
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("got %q, %v, %v; want v, true, nil", v, found, err)
	}
}

func TestEngineRejectsWritesAfterClose(t *testing.T) {
	cfg := testConfig(t, nil, 0)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Put([]byte("a"), []byte("b")); err == nil {
		t.Fatal("expected write after Close to fail")
	}
}

func TestEnginePutRejectsOversizeKey(t *testing.T) {
	cfg := testConfig(t, nil, 0)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	oversized := make([]byte, maxKeyLen+1)
	if err := e.Put(oversized, []byte("v")); err == nil {
		t.Fatal("expected oversize key to be rejected")
	}
}
