package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType is the redo-record discriminator. Every record describes one
// idempotent, already-decided mutation; there is no undo information because
// the engine never logs a record before the mutation it describes is final.
type RecordType byte

const (
	// RecPutSlot overwrites (or appends, if Ord == target page's NSlots)
	// one slot's raw value.
	RecPutSlot RecordType = 1
	// RecDelSlot tombstones one slot.
	RecDelSlot RecordType = 2
	// RecSetRightSibling rewrites a leaf's right-sibling link.
	RecSetRightSibling RecordType = 3
	// RecAlloc records a page handed out by the slab allocator.
	RecAlloc RecordType = 4
	// RecFree records a page returned to a size class's free list.
	RecFree RecordType = 5
	// RecNewRoot records the tree's root page changing, e.g. after a
	// root split or the root becoming a leaf again after the last merge.
	RecNewRoot RecordType = 6
	// RecCommit closes out a batch of preceding records as a unit.
	RecCommit RecordType = 7
	// RecCheckpoint marks a durable point recovery can start replay from.
	RecCheckpoint RecordType = 8
)

func (t RecordType) String() string {
	switch t {
	case RecPutSlot:
		return "PUT_SLOT"
	case RecDelSlot:
		return "DEL_SLOT"
	case RecSetRightSibling:
		return "SET_RIGHT_SIBLING"
	case RecAlloc:
		return "ALLOC"
	case RecFree:
		return "FREE"
	case RecNewRoot:
		return "NEW_ROOT"
	case RecCommit:
		return "COMMIT"
	case RecCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// recordHeaderSize is LSN(8) + Type(1) + reserved(3) + TxnID(8) + PageID(8)
// + PayloadLen(4).
const recordHeaderSize = 32

// crcTrailerSize is the trailing CRC32C over the header and payload.
const crcTrailerSize = 4

// Record is one WAL entry. TxnID groups a batch's records so recovery can
// discard a batch whose RecCommit never made it to disk. PageID is
// NilPageID (0) for records that don't target a specific page (COMMIT,
// CHECKPOINT).
type Record struct {
	LSN     uint64
	Type    RecordType
	TxnID   uint64
	PageID  uint64
	Payload []byte
}

// Encode serializes a record: [header(32)][payload][crc32c(4)].
func (r Record) Encode() []byte {
	total := recordHeaderSize + len(r.Payload) + crcTrailerSize
	buf := make([]byte, total)

	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	buf[8] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[12:20], r.TxnID)
	binary.LittleEndian.PutUint64(buf[20:28], r.PageID)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(r.Payload)))
	copy(buf[recordHeaderSize:], r.Payload)

	crc := crc32.Checksum(buf[:recordHeaderSize+len(r.Payload)], castagnoliTable)
	binary.LittleEndian.PutUint32(buf[recordHeaderSize+len(r.Payload):], crc)
	return buf
}

// Size returns the encoded size of the record.
func (r Record) Size() int { return recordHeaderSize + len(r.Payload) + crcTrailerSize }

// decodeRecord parses a record from a fully-read buffer (header+payload+crc).
func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < recordHeaderSize+crcTrailerSize {
		return Record{}, ErrTruncated
	}
	payloadLen := int(binary.LittleEndian.Uint32(buf[28:32]))
	expected := recordHeaderSize + payloadLen + crcTrailerSize
	if len(buf) < expected {
		return Record{}, ErrTruncated
	}

	body := buf[:recordHeaderSize+payloadLen]
	storedCRC := binary.LittleEndian.Uint32(buf[recordHeaderSize+payloadLen : expected])
	if crc32.Checksum(body, castagnoliTable) != storedCRC {
		return Record{}, ErrCorrupted
	}

	r := Record{
		LSN:    binary.LittleEndian.Uint64(buf[0:8]),
		Type:   RecordType(buf[8]),
		TxnID:  binary.LittleEndian.Uint64(buf[12:20]),
		PageID: binary.LittleEndian.Uint64(buf[20:28]),
	}
	if payloadLen > 0 {
		r.Payload = make([]byte, payloadLen)
		copy(r.Payload, buf[recordHeaderSize:recordHeaderSize+payloadLen])
	}
	return r, nil
}

func (r Record) String() string {
	return fmt.Sprintf("WAL[LSN=%d Type=%s TxnID=%d PageID=%d PayloadLen=%d]",
		r.LSN, r.Type, r.TxnID, r.PageID, len(r.Payload))
}

// EncodePutSlot builds the payload for a RecPutSlot record: ordinal(2) +
// raw (pre-compression) value bytes. Recovery re-runs AppendSlot/overwrite
// at Ord with the engine's configured compression threshold, so the exact
// on-disk compressed form is reproduced deterministically.
func EncodePutSlot(ord uint16, value []byte) []byte {
	buf := make([]byte, 2+len(value))
	binary.LittleEndian.PutUint16(buf[0:2], ord)
	copy(buf[2:], value)
	return buf
}

// DecodePutSlot parses a RecPutSlot payload.
func DecodePutSlot(payload []byte) (ord uint16, value []byte) {
	ord = binary.LittleEndian.Uint16(payload[0:2])
	value = payload[2:]
	return
}

// EncodeDelSlot builds the payload for a RecDelSlot record: ordinal(2).
func EncodeDelSlot(ord uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, ord)
	return buf
}

// DecodeDelSlot parses a RecDelSlot payload.
func DecodeDelSlot(payload []byte) uint16 { return binary.LittleEndian.Uint16(payload) }

// EncodeSiblingID builds the payload for a RecSetRightSibling record: the
// new sibling page ID(8), 0 meaning "no right sibling".
func EncodeSiblingID(sibling uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, sibling)
	return buf
}

// DecodeSiblingID parses a RecSetRightSibling payload.
func DecodeSiblingID(payload []byte) uint64 { return binary.LittleEndian.Uint64(payload) }

// EncodePageID builds an 8-byte payload holding a single page ID, used by
// RecAlloc, RecFree, and RecNewRoot.
func EncodePageID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return buf
}

// DecodePageID parses an 8-byte single-page-ID payload.
func DecodePageID(payload []byte) uint64 { return binary.LittleEndian.Uint64(payload) }
