package storage

import "testing"

func TestPageAppendAndReadSlot(t *testing.T) {
	p := NewPage(256, PageTypeLeaf, 0)

	ord, err := p.AppendSlot([]byte("hello"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if ord != 0 {
		t.Fatalf("expected ordinal 0, got %d", ord)
	}

	val, err := p.Slot(ord)
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "hello" {
		t.Fatalf("got %q", val)
	}
}

func TestPageStampAndVerifyChecksum(t *testing.T) {
	p := NewPage(256, PageTypeLeaf, 0)
	if _, err := p.AppendSlot([]byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	p.Stamp(7)

	if !p.VerifyChecksum() {
		t.Fatal("expected checksum to verify after Stamp")
	}
	p[100] ^= 0xFF
	if p.VerifyChecksum() {
		t.Fatal("expected checksum to fail after corruption")
	}
}

func TestPageCompressesLargeSlots(t *testing.T) {
	p := NewPage(512, PageTypeLeaf, 0)
	big := make([]byte, 300)
	for i := range big {
		big[i] = 'a'
	}

	ord, err := p.AppendSlot(big, 64)
	if err != nil {
		t.Fatal(err)
	}
	if p.slotFlags(ord)&slotFlagCompressed == 0 {
		t.Fatal("expected highly-compressible repeated bytes to compress")
	}

	got, err := p.Slot(ord)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(big) {
		t.Fatalf("decompressed length mismatch: got %d want %d", len(got), len(big))
	}
}

func TestPageDeleteSlotTombstones(t *testing.T) {
	p := NewPage(256, PageTypeLeaf, 0)
	ord, _ := p.AppendSlot([]byte("dead"), 0)

	if err := p.DeleteSlot(ord); err != nil {
		t.Fatal(err)
	}
	if !p.IsDeleted(ord) {
		t.Fatal("expected slot to be tombstoned")
	}
}

func TestPageRebuildDropsTombstonesAndKeepsSibling(t *testing.T) {
	p := NewPage(256, PageTypeLeaf, 0)
	keep, _ := p.AppendSlot([]byte("keep"), 0)
	drop, _ := p.AppendSlot([]byte("drop"), 0)
	p.DeleteSlot(drop)
	p.SetRightSibling(MakePageID(1, 5))

	dst := NewPage(256, PageTypeLeaf, 0)
	if err := p.Rebuild(dst, 0); err != nil {
		t.Fatal(err)
	}
	if dst.NSlots() != 1 {
		t.Fatalf("expected 1 surviving slot, got %d", dst.NSlots())
	}
	val, err := dst.Slot(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "keep" {
		t.Fatalf("got %q", val)
	}
	if dst.RightSibling() != MakePageID(1, 5) {
		t.Fatal("expected Rebuild to preserve right-sibling pointer")
	}
	_ = keep
}

func TestPageAppendSlotCompactsReclaimedTombstoneSpace(t *testing.T) {
	p := NewPage(256, PageTypeLeaf, 0)

	filler := make([]byte, 40)
	for i := range filler {
		filler[i] = 'x'
	}
	var ords []uint16
	for {
		ord, err := p.AppendSlot(filler, 0)
		if err != nil {
			break
		}
		ords = append(ords, ord)
	}
	if len(ords) < 2 {
		t.Fatalf("expected page to hold at least 2 filler slots before filling up, got %d", len(ords))
	}

	// Tombstone everything but the first slot, freeing enough payload
	// space for one more append even though FreeSpace() hasn't moved yet.
	for _, ord := range ords[1:] {
		if err := p.DeleteSlot(ord); err != nil {
			t.Fatal(err)
		}
	}

	before := p.FreeSpace()
	if _, err := p.AppendSlot(filler, 0); err != nil {
		t.Fatalf("expected AppendSlot to compact tombstoned space and succeed, got: %v", err)
	}
	if p.FreeSpace() == before {
		t.Fatal("expected FreeSpace to change after compaction reclaimed tombstoned payload bytes")
	}

	val, err := p.Slot(ords[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != string(filler) {
		t.Fatalf("expected surviving slot 0 to keep its original content after compaction, got %q", val)
	}
}

func TestPagePutSlotAtAppendsAndOverwrites(t *testing.T) {
	p := NewPage(256, PageTypeLeaf, 0)
	if err := p.PutSlotAt(0, []byte("abcd"), 0); err != nil {
		t.Fatal(err)
	}
	if p.NSlots() != 1 {
		t.Fatalf("expected append via PutSlotAt at ord==nslots, got nslots=%d", p.NSlots())
	}

	if err := p.PutSlotAt(0, []byte("ab"), 0); err != nil {
		t.Fatal(err)
	}
	val, err := p.Slot(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "ab" {
		t.Fatalf("got %q", val)
	}

	if err := p.PutSlotAt(0, []byte("abcdef"), 0); err == nil {
		t.Fatal("expected error growing a slot in place")
	}
}

func TestPageIDPacksClassAndSlot(t *testing.T) {
	id := MakePageID(3, 12345)
	if id.ClassIdx() != 3 {
		t.Fatalf("got class %d", id.ClassIdx())
	}
	if id.Slot() != 12345 {
		t.Fatalf("got slot %d", id.Slot())
	}
}

func TestSizeClassesClassFor(t *testing.T) {
	sc := NewSizeClasses([]int{64, 256, 4096})
	idx, err := sc.ClassFor(20)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 {
		t.Fatalf("expected smallest class for a tiny payload, got %d", idx)
	}

	idx, err = sc.ClassFor(4096)
	if err == nil {
		t.Fatalf("expected overflow error for a payload that doesn't fit any class, got idx=%d", idx)
	}
}
