// ABOUTME: Fixed-size page layout, checksums, and per-slot compression
// ABOUTME: Pages carry a 40-byte header plus a downward-growing slot table

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/snappy"
)

// Page types.
const (
	PageTypeFree     = 0
	PageTypeLeaf     = 1
	PageTypeInternal = 2
	PageTypeMeta     = 3
	PageTypeOverflow = 4
)

// HeaderSize is the fixed 40-byte page header shared by every page type.
const HeaderSize = 40

// SlotDirEntrySize is the size of one directory entry in the slot table.
const SlotDirEntrySize = 8

// slotFlag bits, stored in each directory entry.
const (
	slotFlagCompressed = 1 << 0
	slotFlagDeleted    = 1 << 1
)

var pageMagic = [4]byte{'P', 'X', 'P', 'G'}

// castagnoliTable is used for every page CRC32C in this engine. Pages carry
// no format-version byte of their own; the persisted version bytes are in
// the WAL segment header and the metadata file.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Page is a fixed-size buffer interpreted per the on-disk page layout:
//
//	[0:4]   magic "PXPG"
//	[4]     page type
//	[5]     size-class code
//	[6:8]   flags (page-kind-specific)
//	[8:16]  LSN of last mutation
//	[16:20] CRC32C over bytes [4:16) and [20:pageSize) as currently stamped
//	[20:24] version counter
//	[24:26] slot count
//	[26:32] reserved
//	[32:40] right-sibling page ID (leaf/internal pages; 0 = none)
//	[40:]   slot payloads (grow upward) and slot directory (grows downward)
type Page []byte

// NewPage allocates a zeroed page of the given size stamped with the given
// type and size class code.
func NewPage(size int, pageType byte, sizeClassCode byte) Page {
	p := make(Page, size)
	copy(p[0:4], pageMagic[:])
	p[4] = pageType
	p[5] = sizeClassCode
	return p
}

func (p Page) Type() byte         { return p[4] }
func (p Page) SetType(t byte)     { p[4] = t }
func (p Page) SizeClassCode() byte { return p[5] }

func (p Page) Flags() uint16     { return binary.LittleEndian.Uint16(p[6:8]) }
func (p Page) SetFlags(f uint16) { binary.LittleEndian.PutUint16(p[6:8], f) }

func (p Page) LSN() uint64     { return binary.LittleEndian.Uint64(p[8:16]) }
func (p Page) SetLSN(lsn uint64) { binary.LittleEndian.PutUint64(p[8:16], lsn) }

func (p Page) storedCRC() uint32 { return binary.LittleEndian.Uint32(p[16:20]) }

func (p Page) Version() uint32     { return binary.LittleEndian.Uint32(p[20:24]) }
func (p Page) bumpVersion()        { binary.LittleEndian.PutUint32(p[20:24], p.Version()+1) }

func (p Page) NSlots() uint16       { return binary.LittleEndian.Uint16(p[24:26]) }
func (p Page) setNSlots(n uint16)   { binary.LittleEndian.PutUint16(p[24:26], n) }

// RightSibling returns the leaf/internal right-sibling page ID, or
// NilPageID if this is the rightmost page at its level.
func (p Page) RightSibling() PageID     { return PageID(binary.LittleEndian.Uint64(p[32:40])) }
func (p Page) SetRightSibling(id PageID) { binary.LittleEndian.PutUint64(p[32:40], uint64(id)) }

// ValidMagic reports whether the page starts with the expected magic tag.
func (p Page) ValidMagic() bool {
	return len(p) >= HeaderSize && bytes.Equal(p[0:4], pageMagic[:])
}

// computeCRC computes CRC32C over everything after the CRC field itself.
func (p Page) computeCRC() uint32 {
	h := crc32.New(castagnoliTable)
	h.Write(p[4:16])
	h.Write(p[20:])
	return h.Sum32()
}

// Stamp recomputes and stores the CRC32C checksum; call after any mutation
// and before a page leaves the cache's dirty-flush path.
func (p Page) Stamp(lsn uint64) {
	p.SetLSN(lsn)
	p.bumpVersion()
	binary.LittleEndian.PutUint32(p[16:20], p.computeCRC())
}

// VerifyChecksum reports whether the stored CRC32C matches the payload.
func (p Page) VerifyChecksum() bool {
	if !p.ValidMagic() {
		return false
	}
	return p.storedCRC() == p.computeCRC()
}

// directory entry accessors. Entries grow downward from the page tail;
// entry i occupies bytes [len(p)-(i+1)*8, len(p)-i*8).
func (p Page) dirEntry(i uint16) []byte {
	end := len(p) - int(i)*SlotDirEntrySize
	return p[end-SlotDirEntrySize : end]
}

func (p Page) slotOffset(i uint16) uint16 { return binary.LittleEndian.Uint16(p.dirEntry(i)[0:2]) }
func (p Page) slotFlags(i uint16) uint16  { return binary.LittleEndian.Uint16(p.dirEntry(i)[2:4]) }
func (p Page) slotStoredLen(i uint16) uint16 { return binary.LittleEndian.Uint16(p.dirEntry(i)[4:6]) }
func (p Page) slotRawLen(i uint16) uint16 { return binary.LittleEndian.Uint16(p.dirEntry(i)[6:8]) }

func (p Page) setSlotDir(i uint16, offset, flags, storedLen, rawLen uint16) {
	e := p.dirEntry(i)
	binary.LittleEndian.PutUint16(e[0:2], offset)
	binary.LittleEndian.PutUint16(e[2:4], flags)
	binary.LittleEndian.PutUint16(e[4:6], storedLen)
	binary.LittleEndian.PutUint16(e[6:8], rawLen)
}

// usedPayloadEnd returns the byte offset one past the highest used payload
// byte, i.e. where the next slot's bytes would be appended.
func (p Page) usedPayloadEnd() uint16 {
	n := p.NSlots()
	if n == 0 {
		return HeaderSize
	}
	max := uint16(HeaderSize)
	for i := uint16(0); i < n; i++ {
		end := p.slotOffset(i) + p.slotStoredLen(i)
		if end > max {
			max = end
		}
	}
	return max
}

// FreeSpace returns the number of bytes free between the payload area and
// the slot directory, i.e. capacity for a new slot plus its directory
// entry. Tombstoned slots still count as occupied until the next
// compactInPlace reclaims their payload bytes.
func (p Page) FreeSpace() int {
	dirStart := len(p) - int(p.NSlots())*SlotDirEntrySize
	return dirStart - int(p.usedPayloadEnd())
}

// IsDeleted reports whether slot ord has been tombstoned.
func (p Page) IsDeleted(ord uint16) bool {
	return p.slotFlags(ord)&slotFlagDeleted != 0
}

// Slot returns the decompressed bytes stored at ordinal ord.
func (p Page) Slot(ord uint16) ([]byte, error) {
	if ord >= p.NSlots() {
		return nil, fmt.Errorf("storage: slot ordinal %d out of range (nslots=%d)", ord, p.NSlots())
	}
	off := p.slotOffset(ord)
	storedLen := p.slotStoredLen(ord)
	raw := p[off : off+storedLen]
	flags := p.slotFlags(ord)
	if flags&slotFlagCompressed == 0 {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}
	return inflate(raw, int(p.slotRawLen(ord)))
}

// AppendSlot appends a new slot's bytes (compressing if configured and
// worthwhile) and returns its ordinal. If the page doesn't have room, it
// first compacts away any tombstoned slots' payload bytes in place before
// failing, so a page that has enough reclaimable space from prior deletes
// still accepts the append instead of forcing its caller to split.
func (p Page) AppendSlot(value []byte, compressionThreshold int) (uint16, error) {
	ord := p.NSlots()

	stored := value
	flags := uint16(0)
	if compressionThreshold > 0 && len(value) > compressionThreshold {
		compressed, err := deflate(value)
		if err == nil && len(compressed) < len(value) {
			stored = compressed
			flags |= slotFlagCompressed
		}
	}

	needed := len(stored) + SlotDirEntrySize
	if needed > p.FreeSpace() {
		p.compactInPlace()
	}
	if needed > p.FreeSpace() {
		return 0, fmt.Errorf("storage: page has no room for a %d-byte slot", len(stored))
	}

	off := p.usedPayloadEnd()
	copy(p[off:], stored)
	p.setNSlots(ord + 1)
	p.setSlotDir(ord, off, flags, uint16(len(stored)), uint16(len(value)))
	return ord, nil
}

// PutSlotAt applies a WAL PUT_SLOT record idempotently. When ord equals
// NSlots it behaves like AppendSlot. When ord addresses an existing slot,
// it overwrites that slot's bytes in place — the B-Tree layer only ever
// asks for an in-place put when the new value's stored form is no larger
// than what's already allocated for that ordinal (shrinking is fine;
// growing a slot always goes through delete-then-append instead), which is
// what makes replay of this record safe to run twice.
func (p Page) PutSlotAt(ord uint16, value []byte, compressionThreshold int) error {
	if ord == p.NSlots() {
		_, err := p.AppendSlot(value, compressionThreshold)
		return err
	}
	if ord > p.NSlots() {
		return fmt.Errorf("storage: slot ordinal %d beyond nslots %d", ord, p.NSlots())
	}

	stored := value
	flags := uint16(0)
	if compressionThreshold > 0 && len(value) > compressionThreshold {
		compressed, err := deflate(value)
		if err == nil && len(compressed) < len(value) {
			stored = compressed
			flags |= slotFlagCompressed
		}
	}
	if len(stored) > int(p.slotStoredLen(ord)) {
		return fmt.Errorf("storage: in-place put at ordinal %d would grow the slot (%d > %d)",
			ord, len(stored), p.slotStoredLen(ord))
	}

	off := p.slotOffset(ord)
	copy(p[off:], stored)
	p.setSlotDir(ord, off, flags, uint16(len(stored)), uint16(len(value)))
	return nil
}

// DeleteSlot tombstones a slot without compacting the page. Ordinals above
// it keep their numbers; the payload bytes are reclaimed lazily the next
// time AppendSlot needs room and calls compactInPlace.
func (p Page) DeleteSlot(ord uint16) error {
	if ord >= p.NSlots() {
		return fmt.Errorf("storage: slot ordinal %d out of range", ord)
	}
	e := p.dirEntry(ord)
	binary.LittleEndian.PutUint16(e[2:4], p.slotFlags(ord)|slotFlagDeleted)
	return nil
}

// compactInPlace defragments the payload area: live slots' bytes are
// packed contiguously from HeaderSize in ordinal order, and tombstoned
// slots' payload bytes are dropped. Ordinal numbers and directory entries
// are untouched — only slotOffset and the tombstoned slots' storedLen
// change — so this never invalidates an ordinal a caller or a WAL record
// already refers to, and is safe to call from both the live mutation path
// and recovery replay, which apply the same sequence of PUT_SLOT/DEL_SLOT
// records against a page read fresh from disk.
func (p Page) compactInPlace() {
	n := p.NSlots()
	type slotMeta struct {
		off, flags, storedLen, rawLen uint16
	}
	metas := make([]slotMeta, n)
	for i := uint16(0); i < n; i++ {
		metas[i] = slotMeta{p.slotOffset(i), p.slotFlags(i), p.slotStoredLen(i), p.slotRawLen(i)}
	}

	cursor := uint16(HeaderSize)
	for i := uint16(0); i < n; i++ {
		m := metas[i]
		if m.flags&slotFlagDeleted != 0 {
			p.setSlotDir(i, cursor, m.flags, 0, m.rawLen)
			continue
		}
		if m.off != cursor {
			copy(p[cursor:cursor+m.storedLen], p[m.off:m.off+m.storedLen])
		}
		p.setSlotDir(i, cursor, m.flags, m.storedLen, m.rawLen)
		cursor += m.storedLen
	}
}

// Rebuild compacts a page into dst, dropping tombstoned slots and
// reassigning ordinals densely. Used for an explicit vacuum pass (e.g. an
// offline compaction tool) where dense ordinals are wanted; the live
// mutation path reclaims space in place via compactInPlace instead, since
// it must keep ordinals stable across a WAL replay.
func (p Page) Rebuild(dst Page, compressionThreshold int) error {
	dst.SetType(p.Type())
	dst[5] = p.SizeClassCode()
	dst.SetFlags(p.Flags())
	dst.SetRightSibling(p.RightSibling())
	dst.setNSlots(0)

	n := p.NSlots()
	for i := uint16(0); i < n; i++ {
		if p.IsDeleted(i) {
			continue
		}
		val, err := p.Slot(i)
		if err != nil {
			return err
		}
		if _, err := dst.AppendSlot(val, compressionThreshold); err != nil {
			return err
		}
	}
	return nil
}

func deflate(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func inflate(data []byte, rawLen int) ([]byte, error) {
	out, err := snappy.Decode(make([]byte, 0, rawLen), data)
	if err != nil {
		return nil, fmt.Errorf("storage: snappy decode: %w", err)
	}
	return out, nil
}
