// ABOUTME: Checkpoint-anchored redo replay over the WAL's record stream
// ABOUTME: Discards any batch whose COMMIT record never made it to disk

package recovery

import (
	"fmt"

	"github.com/nainya/pagestore/pkg/storage"
	"github.com/nainya/pagestore/pkg/wal"
)

// Stats summarizes one recovery pass, returned so the engine can log it.
type Stats struct {
	RecordsScanned  int
	RecordsReplayed int
	BatchesDropped  int
}

// Recover replays every WAL record with LSN greater than meta.CheckpointLSN
// against df, returning the meta that should become the engine's new
// in-memory state (root page ID and free lists) once replay completes.
//
// Records belonging to a batch whose RecCommit was never written are
// discarded entirely — the mutations they describe never became visible
// to any reader before the crash, so redoing them would resurrect state
// nothing ever observed.
func Recover(walPath string, df *storage.DataFile, meta storage.Meta, compressionThreshold int) (storage.Meta, Stats, error) {
	var stats Stats

	files, err := wal.SegmentFiles(walPath)
	if err != nil {
		return meta, stats, fmt.Errorf("recovery: list segments: %w", err)
	}
	if len(files) == 0 {
		return meta, stats, nil
	}

	records, err := wal.ReadAll(files)
	if err != nil {
		return meta, stats, fmt.Errorf("recovery: read WAL: %w", err)
	}

	var tail []wal.Record
	for _, r := range records {
		stats.RecordsScanned++
		if r.LSN > meta.CheckpointLSN {
			tail = append(tail, r)
		}
	}

	committed := make(map[uint64]bool)
	for _, r := range tail {
		if r.Type == wal.RecCommit {
			committed[r.TxnID] = true
		}
	}

	seenTxns := make(map[uint64]bool)
	for _, r := range tail {
		if r.Type != wal.RecCommit && r.Type != wal.RecCheckpoint {
			if !committed[r.TxnID] && !seenTxns[r.TxnID] {
				seenTxns[r.TxnID] = true
				stats.BatchesDropped++
			}
		}
	}

	for _, r := range tail {
		switch r.Type {
		case wal.RecCommit, wal.RecCheckpoint:
			continue
		}
		if !committed[r.TxnID] {
			continue
		}
		if err := applyRecord(df, &meta, r, compressionThreshold); err != nil {
			return meta, stats, fmt.Errorf("recovery: replay LSN %d (%s): %w", r.LSN, r.Type, err)
		}
		stats.RecordsReplayed++
	}

	return meta, stats, nil
}

func applyRecord(df *storage.DataFile, meta *storage.Meta, r wal.Record, compressionThreshold int) error {
	switch r.Type {
	case wal.RecPutSlot:
		id := storage.PageID(r.PageID)
		page, err := df.ReadPage(id)
		if err != nil {
			return err
		}
		ord, value := wal.DecodePutSlot(r.Payload)
		if err := page.PutSlotAt(ord, value, compressionThreshold); err != nil {
			return err
		}
		page.Stamp(r.LSN)
		return df.WritePage(id, page)

	case wal.RecDelSlot:
		id := storage.PageID(r.PageID)
		page, err := df.ReadPage(id)
		if err != nil {
			return err
		}
		ord := wal.DecodeDelSlot(r.Payload)
		if err := page.DeleteSlot(ord); err != nil {
			return err
		}
		page.Stamp(r.LSN)
		return df.WritePage(id, page)

	case wal.RecSetRightSibling:
		id := storage.PageID(r.PageID)
		page, err := df.ReadPage(id)
		if err != nil {
			return err
		}
		sibling := wal.DecodeSiblingID(r.Payload)
		page.SetRightSibling(storage.PageID(sibling))
		page.Stamp(r.LSN)
		return df.WritePage(id, page)

	case wal.RecAlloc:
		id := storage.PageID(wal.DecodePageID(r.Payload))
		meta.Allocator.For(id.ClassIdx()).Remove(id.Slot())
		return nil

	case wal.RecFree:
		id := storage.PageID(wal.DecodePageID(r.Payload))
		meta.Allocator.For(id.ClassIdx()).Free(id.Slot())
		return nil

	case wal.RecNewRoot:
		meta.RootPageID = storage.PageID(wal.DecodePageID(r.Payload))
		return nil

	default:
		return fmt.Errorf("unknown record type %d", r.Type)
	}
}
