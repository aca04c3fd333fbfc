// ABOUTME: Overflow page chains for keys/values too large to inline
// ABOUTME: Each chain page holds one raw chunk in slot 0, linked via RightSibling

package btree

import (
	"github.com/nainya/pagestore/pkg/storage"
	"github.com/nainya/pagestore/pkg/wal"
)

// writeOverflow splits data into chunks sized to the largest configured
// page class's payload and chains them via RightSibling, largest class
// first since an overflow chain by definition holds more than maxInline
// bytes. Returns the head page ID. Every page write is preceded by its
// RecAlloc and RecPutSlot records, per the engine-wide WAL discipline.
func (t *Tree) writeOverflow(txnID uint64, data []byte) (storage.PageID, error) {
	classIdx := t.classes.Largest()
	chunkSize := t.classes.Payload(classIdx) - storage.SlotDirEntrySize

	var chunks [][]byte
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	ids := make([]storage.PageID, len(chunks))
	for i := range chunks {
		ids[i] = t.alloc.Alloc(classIdx)
		if _, err := t.wal.Append(wal.Record{
			Type: wal.RecAlloc, TxnID: txnID, PageID: uint64(ids[i]),
			Payload: wal.EncodePageID(uint64(ids[i])),
		}); err != nil {
			return storage.NilPageID, err
		}
	}

	for i, chunk := range chunks {
		page := storage.NewPage(t.classes.PageSize(classIdx), storage.PageTypeOverflow, byte(classIdx))
		if i+1 < len(chunks) {
			page.SetRightSibling(ids[i+1])
		}
		if _, err := page.AppendSlot(chunk, 0); err != nil {
			return storage.NilPageID, err
		}

		lsn, err := t.wal.Append(wal.Record{
			Type: wal.RecPutSlot, TxnID: txnID, PageID: uint64(ids[i]),
			Payload: wal.EncodePutSlot(0, chunk),
		})
		if err != nil {
			return storage.NilPageID, err
		}
		page.Stamp(lsn)
		if err := t.df.WritePage(ids[i], page); err != nil {
			return storage.NilPageID, err
		}
	}

	return ids[0], nil
}

// readOverflow reads totalLen bytes starting at head, following
// RightSibling links until it has enough.
func (t *Tree) readOverflow(head storage.PageID, totalLen int) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	id := head
	for id != storage.NilPageID && len(out) < totalLen {
		page, err := t.df.ReadPage(id)
		if err != nil {
			return nil, err
		}
		chunk, err := page.Slot(0)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		id = page.RightSibling()
	}
	return out, nil
}

// freeOverflow logs a RecFree for every page in the chain starting at head
// and returns them to the allocator, invalidating any cached copies.
func (t *Tree) freeOverflow(txnID uint64, head storage.PageID) error {
	id := head
	for id != storage.NilPageID {
		page, err := t.df.ReadPage(id)
		if err != nil {
			return err
		}
		next := page.RightSibling()

		if _, err := t.wal.Append(wal.Record{
			Type: wal.RecFree, TxnID: txnID, PageID: uint64(id),
			Payload: wal.EncodePageID(uint64(id)),
		}); err != nil {
			return err
		}
		t.cache.Invalidate(id)
		t.alloc.Free(id)

		id = next
	}
	return nil
}
