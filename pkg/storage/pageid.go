// ABOUTME: Page ID encoding and size-class registry
// ABOUTME: A page ID packs (size_class, slot_index_in_class) into one uint64

package storage

import "fmt"

// classShift puts the size-class code in the top byte of a page ID, leaving
// 56 bits for the slot index within that class — comfortably more pages
// than any single data file will ever hold.
const classShift = 56

// PageID identifies a page by (size_class, slot_index_in_class).
type PageID uint64

// NilPageID is never a valid allocated page; it marks "no child"/"no
// sibling" links.
const NilPageID PageID = 0

// MakePageID packs a size-class index and an in-class slot index.
func MakePageID(classIdx int, slot uint64) PageID {
	return PageID(uint64(classIdx)<<classShift | slot)
}

// ClassIdx extracts the size-class index.
func (id PageID) ClassIdx() int { return int(uint64(id) >> classShift) }

// Slot extracts the in-class slot index.
func (id PageID) Slot() uint64 { return uint64(id) & ((1 << classShift) - 1) }

// SizeClasses holds the configured page byte sizes, ascending, and answers
// the allocator's size_class_for queries.
type SizeClasses struct {
	sizes []int
}

// NewSizeClasses builds a registry from ascending page byte sizes.
func NewSizeClasses(sizes []int) *SizeClasses {
	cp := append([]int(nil), sizes...)
	return &SizeClasses{sizes: cp}
}

// Sizes returns the configured page sizes.
func (s *SizeClasses) Sizes() []int { return s.sizes }

// PageSize returns the byte size of a size-class index.
func (s *SizeClasses) PageSize(classIdx int) int { return s.sizes[classIdx] }

// Payload returns the usable payload of a size class: page size minus the
// fixed page header.
func (s *SizeClasses) Payload(classIdx int) int { return s.sizes[classIdx] - HeaderSize }

// ClassFor returns the smallest size class whose payload can hold
// payloadBytes. Returns an error if payloadBytes exceeds every class,
// signalling to the caller (the tree layer) that overflow chaining across
// multiple pages of the largest class is required.
func (s *SizeClasses) ClassFor(payloadBytes int) (int, error) {
	for i, sz := range s.sizes {
		if sz-HeaderSize >= payloadBytes {
			return i, nil
		}
	}
	return 0, fmt.Errorf("storage: %d bytes exceeds the largest size class (%d payload bytes)",
		payloadBytes, s.sizes[len(s.sizes)-1]-HeaderSize)
}

// Largest returns the index of the largest configured size class.
func (s *SizeClasses) Largest() int { return len(s.sizes) - 1 }
