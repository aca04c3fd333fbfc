package storage

import "errors"

// ErrCorruptPage is returned when a page that was previously stamped
// (valid magic) fails its CRC32C check on load. A page that was never
// stamped (all-zero, no magic) is simply unallocated space, not corrupt.
var ErrCorruptPage = errors.New("storage: page failed checksum verification")
