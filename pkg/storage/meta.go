// ABOUTME: Checkpoint metadata file: root page ID, checkpoint LSN, free lists
// ABOUTME: Written atomically (write temp, fsync, rename) at each checkpoint

package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Meta is the durable state captured at a checkpoint: where the tree's
// root lives and what every size class's free list looked like.
type Meta struct {
	RootPageID    PageID
	CheckpointLSN uint64
	Allocator     *AllocatorSnapshot
}

var metaMagic = [4]byte{'P', 'X', 'M', 'T'}

const metaVersion = 1

// SaveMeta writes m to path using write-temp/fsync/rename so a crash mid-
// write never leaves a torn metadata file behind.
func SaveMeta(path string, m Meta) error {
	body := m.Allocator.Serialize()

	buf := make([]byte, 0, 4+1+8+8+len(body))
	buf = append(buf, metaMagic[:]...)
	buf = append(buf, metaVersion)
	root := make([]byte, 8)
	binary.LittleEndian.PutUint64(root, uint64(m.RootPageID))
	buf = append(buf, root...)
	lsn := make([]byte, 8)
	binary.LittleEndian.PutUint64(lsn, m.CheckpointLSN)
	buf = append(buf, lsn...)
	buf = append(buf, body...)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create meta temp file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("storage: write meta: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("storage: fsync meta: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: rename meta into place: %w", err)
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return nil // best effort; the rename itself is already durable on most filesystems once synced
	}
	defer dir.Close()
	_ = dir.Sync()
	return nil
}

// LoadMeta reads a metadata file written by SaveMeta. A missing file is
// not an error: it means this is a fresh data directory with no checkpoint
// yet, and the caller should start from an empty tree.
func LoadMeta(path string, nClasses int) (Meta, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{RootPageID: NilPageID, Allocator: NewAllocatorSnapshot(nClasses)}, false, nil
		}
		return Meta{}, false, err
	}
	if len(data) < 21 || [4]byte{data[0], data[1], data[2], data[3]} != metaMagic {
		return Meta{}, false, fmt.Errorf("storage: meta file %s has invalid magic", path)
	}
	if data[4] != metaVersion {
		return Meta{}, false, fmt.Errorf("storage: meta file %s has unsupported version %d", path, data[4])
	}
	root := PageID(binary.LittleEndian.Uint64(data[5:13]))
	lsn := binary.LittleEndian.Uint64(data[13:21])
	alloc := DeserializeAllocatorSnapshot(data[21:])
	return Meta{RootPageID: root, CheckpointLSN: lsn, Allocator: alloc}, true, nil
}
