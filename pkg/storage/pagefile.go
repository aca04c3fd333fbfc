// ABOUTME: Data file management: one growable extent per size class
// ABOUTME: Grounded on the two-phase fsync / direct positioned I/O pattern

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// classExtent is the on-disk extent backing one size class. Each class
// grows independently by appending whole pages at its own tail, which
// avoids ever having to relocate an existing class's pages to make room
// for another class's growth — the tradeoff against a single concatenated
// file with a relocatable class-offset table is recorded in DESIGN.md.
type classExtent struct {
	mu       sync.Mutex
	f        *os.File
	pageSize int
	nextSlot uint64
}

// DataFile owns the on-disk pages for every configured size class.
type DataFile struct {
	dir     string
	classes *SizeClasses
	extents []*classExtent
}

// OpenDataFile opens (creating if necessary) one extent file per
// configured size class under dir.
func OpenDataFile(dir string, classes *SizeClasses) (*DataFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}

	df := &DataFile{dir: dir, classes: classes}
	for idx, size := range classes.Sizes() {
		path := filepath.Join(dir, fmt.Sprintf("data.%d", size))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", path, err)
		}
		stat, err := f.Stat()
		if err != nil {
			return nil, err
		}
		ext := &classExtent{
			f:        f,
			pageSize: size,
			nextSlot: uint64(stat.Size()) / uint64(size),
		}
		df.extents = append(df.extents, ext)
		_ = idx
	}
	return df, nil
}

// Classes returns the size-class registry this data file was opened with.
func (df *DataFile) Classes() *SizeClasses { return df.classes }

// AllocateSlot extends a class's extent by one page and returns the new
// page ID. Used by the allocator when its free list for the class is empty.
func (df *DataFile) AllocateSlot(classIdx int) PageID {
	ext := df.extents[classIdx]
	ext.mu.Lock()
	defer ext.mu.Unlock()
	slot := ext.nextSlot
	ext.nextSlot++
	return MakePageID(classIdx, slot)
}

// ReadPage reads a page from disk into a freshly allocated buffer.
func (df *DataFile) ReadPage(id PageID) (Page, error) {
	ext := df.extents[id.ClassIdx()]
	buf := make(Page, ext.pageSize)
	off := int64(id.Slot()) * int64(ext.pageSize)
	if _, err := ext.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("storage: read page %d: %w", id, err)
	}
	return buf, nil
}

// WritePage writes a full page buffer at its slot's offset.
func (df *DataFile) WritePage(id PageID, p Page) error {
	ext := df.extents[id.ClassIdx()]
	if len(p) != ext.pageSize {
		return fmt.Errorf("storage: page size mismatch for class %d: got %d want %d",
			id.ClassIdx(), len(p), ext.pageSize)
	}
	off := int64(id.Slot()) * int64(ext.pageSize)
	_, err := ext.f.WriteAt(p, off)
	return err
}

// Sync fsyncs every class extent, as the second phase of the durability
// protocol: pages land on disk, then fsync, then the metadata/WAL record
// that makes them reachable.
func (df *DataFile) Sync() error {
	for _, ext := range df.extents {
		if err := ext.f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every class extent file.
func (df *DataFile) Close() error {
	var firstErr error
	for _, ext := range df.extents {
		if err := ext.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
