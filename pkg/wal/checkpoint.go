package wal

import (
	"fmt"
	"os"
	"time"
)

// DefaultCheckpointInterval is how often background checkpoints run when
// no explicit interval is configured.
const DefaultCheckpointInterval = 10 * time.Minute

// Checkpointer drives periodic checkpointing: flush every dirty page up to
// the checkpoint LSN, write a RecCheckpoint record, then reclaim segments
// that precede it.
type Checkpointer struct {
	wal      *WAL
	interval time.Duration
	flushFn  func(lsn uint64) error
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer. flushFn is called with the LSN
// that must be durable on disk once it returns (normally Cache.FlushUpTo).
func NewCheckpointer(w *WAL, flushFn func(lsn uint64) error) *Checkpointer {
	return &Checkpointer{
		wal:      w,
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the checkpointer's background loop.
func (c *Checkpointer) Start() { go c.run() }

// Stop stops the background loop and waits for it to exit.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Checkpoint()
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint runs one checkpoint synchronously, returning the checkpoint's
// LSN on success.
func (c *Checkpointer) Checkpoint() (uint64, error) {
	lsn := c.wal.NextLSN()

	if err := c.flushFn(lsn); err != nil {
		return 0, fmt.Errorf("wal: checkpoint flush: %w", err)
	}

	rec := Record{LSN: lsn, Type: RecCheckpoint, Payload: EncodePageID(lsn)}
	data := rec.Encode()

	c.wal.mu.Lock()
	if c.wal.closed {
		c.wal.mu.Unlock()
		return 0, ErrLogClosed
	}
	if c.wal.fileSize+int64(len(data)) > c.wal.SegmentSize {
		if err := c.wal.rotateNoLock(); err != nil {
			c.wal.mu.Unlock()
			return 0, err
		}
	}
	if _, err := c.wal.fd.Write(data); err != nil {
		c.wal.mu.Unlock()
		return 0, err
	}
	c.wal.fileSize += int64(len(data))
	err := c.wal.fd.Sync()
	c.wal.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("wal: checkpoint fsync: %w", err)
	}

	c.truncateOldSegments(lsn)
	return lsn, nil
}

// truncateOldSegments removes every segment older than the one a
// checkpoint just synced: once a checkpoint's flush and record are
// durable, no earlier segment's records can still be needed for replay.
func (c *Checkpointer) truncateOldSegments(checkpointLSN uint64) {
	c.wal.mu.Lock()
	files, err := c.wal.findSegmentFiles()
	c.wal.mu.Unlock()
	if err != nil || len(files) <= 1 {
		return
	}

	for _, f := range files[:len(files)-1] {
		os.Remove(f)
	}
}

// SetInterval changes the background checkpoint interval.
func (c *Checkpointer) SetInterval(interval time.Duration) { c.interval = interval }
