// ABOUTME: Sharded page cache with pointer-stable pins and CLOCK eviction
// ABOUTME: Dirty pages are never evicted; eviction flushes them first

package storage

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/nainya/pagestore/internal/metrics"
)

// PinMode selects shared (read) or exclusive (write) access to a page.
type PinMode int

const (
	PinRead PinMode = iota
	PinWrite
)

// entry is one cache-resident page plus its bookkeeping. Its address never
// changes for the entry's lifetime in the cache: Handle embeds a pointer to
// it directly, which is what makes a Handle's buffer pointer-stable.
type entry struct {
	id    PageID
	page  Page
	lock  sync.RWMutex // per-page reader/writer lock
	pins  int32        // atomic pin count across all modes
	ref   uint32 // CLOCK second-chance bit (atomic)
	dirty int32  // atomic bool

	lastFlushed uint64 // xxhash of page bytes as of the last successful flush
}

// Handle is a pinned, pointer-stable reference to a cached page. The
// buffer addressed by Handle.Page is stable for the handle's lifetime:
// the cache never moves or frees it while a pin is outstanding.
type Handle struct {
	Page Page
	id   PageID
	mode PinMode
	e    *entry
}

func (h *Handle) ID() PageID { return h.id }

type shard struct {
	mu       sync.Mutex
	entries  map[PageID]*entry
	clock    []PageID // CLOCK ring order
	hand     int
	capacity int
}

// Cache is a sharded, pinned page cache sitting in front of a DataFile.
type Cache struct {
	shards []*shard
	df     *DataFile
	// compressionThreshold is accepted for parity with the cache's
	// constructor signature; per-slot compression decisions are made by
	// the B-Tree layer when it calls Page.AppendSlot, not by the cache.
	compressionThreshold int
	metrics              *metrics.Metrics
}

const numShards = 16

// NewCache creates a cache with the given total page capacity, split
// evenly across shards, backed by df for miss-loads and flushes.
func NewCache(df *DataFile, capacityPages int, compressionThreshold int, m *metrics.Metrics) *Cache {
	perShard := capacityPages / numShards
	if perShard < 1 {
		perShard = 1
	}
	c := &Cache{df: df, compressionThreshold: compressionThreshold, metrics: m}
	for i := 0; i < numShards; i++ {
		c.shards = append(c.shards, &shard{
			entries:  make(map[PageID]*entry),
			capacity: perShard,
		})
	}
	return c
}

func (c *Cache) shardFor(id PageID) *shard {
	return c.shards[uint64(id)%numShards]
}

// Pin returns a pointer-stable handle for id, loading it from the data
// file on a cache miss. Multiple concurrent read pins are allowed; a write
// pin is exclusive.
func (c *Cache) Pin(id PageID, mode PinMode) (*Handle, error) {
	sh := c.shardFor(id)

	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok {
		page, err := c.df.ReadPage(id)
		if err != nil {
			sh.mu.Unlock()
			if c.metrics != nil {
				c.metrics.CacheMissesTotal.Inc()
			}
			return nil, err
		}
		if page.ValidMagic() && !page.VerifyChecksum() {
			sh.mu.Unlock()
			return nil, fmt.Errorf("storage: page %d: %w", id, ErrCorruptPage)
		}
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.Inc()
		}
		e = &entry{id: id, page: page, lastFlushed: xxhash.Sum64(page)}
		c.evictIfNeededLocked(sh)
		sh.entries[id] = e
		sh.clock = append(sh.clock, id)
	} else if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	sh.mu.Unlock()

	atomic.StoreUint32(&e.ref, 1)
	if mode == PinWrite {
		e.lock.Lock()
	} else {
		e.lock.RLock()
	}
	atomic.AddInt32(&e.pins, 1)

	if c.metrics != nil {
		c.metrics.CachePagesResident.Set(float64(c.residentCount()))
	}

	return &Handle{Page: e.page, id: id, mode: mode, e: e}, nil
}

// Unpin releases a handle. Callers that mutated the page must call
// StampDirty before Unpin so the dirty page carries its mutation's LSN;
// Unpin itself only marks the entry dirty if it isn't already.
func (c *Cache) Unpin(h *Handle, dirty bool) {
	if dirty {
		atomic.StoreInt32(&h.e.dirty, 1)
	}
	atomic.AddInt32(&h.e.pins, -1)
	if h.mode == PinWrite {
		h.e.lock.Unlock()
	} else {
		h.e.lock.RUnlock()
	}
}

// StampDirty marks a handle's page dirty with an explicit LSN, the normal
// path used by the B-Tree and allocator after they've already appended the
// corresponding WAL record (WAL discipline: log first, then dirty).
func (c *Cache) StampDirty(h *Handle, lsn uint64) {
	h.Page.Stamp(lsn)
	atomic.StoreInt32(&h.e.dirty, 1)
}

// evictIfNeededLocked runs CLOCK eviction until the shard has room for one
// more entry. Caller holds sh.mu.
func (c *Cache) evictIfNeededLocked(sh *shard) {
	if len(sh.entries) < sh.capacity {
		return
	}

	scanned := 0
	limit := 2 * (len(sh.clock) + 1)
	for scanned < limit && len(sh.entries) >= sh.capacity {
		if len(sh.clock) == 0 {
			return
		}
		if sh.hand >= len(sh.clock) {
			sh.hand = 0
		}
		id := sh.clock[sh.hand]
		e, ok := sh.entries[id]
		if !ok {
			sh.clock = append(sh.clock[:sh.hand], sh.clock[sh.hand+1:]...)
			scanned++
			continue
		}

		if atomic.LoadInt32(&e.pins) > 0 {
			sh.hand++
			scanned++
			continue
		}

		if atomic.LoadUint32(&e.ref) == 1 {
			atomic.StoreUint32(&e.ref, 0)
			sh.hand++
			scanned++
			continue
		}

		if atomic.LoadInt32(&e.dirty) == 1 {
			// A dirty page is never evicted: flush it first, synchronously,
			// then retry eviction of this slot on the next pass.
			_ = c.flushEntryLocked(e)
			sh.hand++
			scanned++
			continue
		}

		delete(sh.entries, id)
		sh.clock = append(sh.clock[:sh.hand], sh.clock[sh.hand+1:]...)
		if c.metrics != nil {
			c.metrics.CacheEvictionsTotal.Inc()
		}
		scanned++
	}
}

// flushEntryLocked writes one dirty entry to disk and clears its dirty
// bit. Caller holds the shard lock; this takes only a brief per-page
// exclusive section as the spec's flush contract requires.
func (c *Cache) flushEntryLocked(e *entry) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	h := xxhash.Sum64(e.page)
	if h != e.lastFlushed {
		if err := c.df.WritePage(e.id, e.page); err != nil {
			return err
		}
		e.lastFlushed = h
	}
	atomic.StoreInt32(&e.dirty, 0)
	return nil
}

// FlushUpTo writes every dirty page with header LSN <= lsn, in LSN order,
// then syncs the data file.
func (c *Cache) FlushUpTo(lsn uint64) error {
	type candidate struct {
		e *entry
	}
	var dirty []candidate

	for _, sh := range c.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if atomic.LoadInt32(&e.dirty) == 1 && e.page.LSN() <= lsn {
				dirty = append(dirty, candidate{e})
			}
		}
		sh.mu.Unlock()
	}

	sort.Slice(dirty, func(i, j int) bool { return dirty[i].e.page.LSN() < dirty[j].e.page.LSN() })

	for _, cand := range dirty {
		if err := c.flushEntryLocked(cand.e); err != nil {
			return fmt.Errorf("storage: flush page %d: %w", cand.e.id, err)
		}
	}

	if len(dirty) > 0 {
		if err := c.df.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// residentCount returns the number of pages currently resident, used only
// for the gauge metric.
func (c *Cache) residentCount() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

// Invalidate drops a page from the cache without flushing it — used when a
// page is freed back to the allocator and its bytes no longer matter.
func (c *Cache) Invalidate(id PageID) {
	sh := c.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, id)
	for i, cid := range sh.clock {
		if cid == id {
			sh.clock = append(sh.clock[:i], sh.clock[i+1:]...)
			break
		}
	}
}
