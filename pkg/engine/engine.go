package engine

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nainya/pagestore/internal/logger"
	"github.com/nainya/pagestore/internal/metrics"
	"github.com/nainya/pagestore/pkg/btree"
	"github.com/nainya/pagestore/pkg/config"
	"github.com/nainya/pagestore/pkg/recovery"
	"github.com/nainya/pagestore/pkg/storage"
	"github.com/nainya/pagestore/pkg/wal"
)

// maxKeyLen and maxValueLen are defensive ceilings, not a structural limit
// of the format (overflow chaining can represent arbitrarily large keys
// and values): a key or value past these sizes is almost certainly a
// caller bug, so it's rejected as UserInput rather than silently chaining
// thousands of overflow pages.
const (
	maxKeyLen   = 1 << 20  // 1 MiB
	maxValueLen = 1 << 30  // 1 GiB
)

// Engine is the façade a caller opens once per data directory: it owns
// the data file, WAL, page cache, allocator, and B-Tree, and serializes
// every mutation through a single writer slot so WAL order equals commit
// order (spec.md §5's single-writer commit queue, sized 1 by default).
type Engine struct {
	cfg config.Config

	df    *storage.DataFile
	cache *storage.Cache
	alloc *storage.Allocator
	wal   *wal.WAL
	tree  *btree.Tree

	log     *logger.Logger
	metrics *metrics.Metrics
	Registry *prometheus.Registry

	metaPath string
	walPath  string

	stateVal    int32
	corruptFlag int32

	writeMu              sync.Mutex // the depth-1 commit queue
	bytesSinceCheckpoint int64      // atomic, approximates checkpoint_interval
}

// Open loads or creates the data directory at cfg.DataDir, replays any
// WAL tail left by an unclean shutdown, and returns a ready-to-use
// Engine. The returned Registry exposes every counter/histogram this
// instance maintains to a caller that wants to scrape them; Open wires no
// HTTP handler itself.
func Open(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newErr(ClassUserInput, err, "invalid configuration")
	}

	e := &Engine{cfg: cfg}
	e.setState(StateOpening)

	reg := prometheus.NewRegistry()
	e.Registry = reg
	e.metrics = metrics.NewMetrics(reg)
	e.log = logger.NewLogger(logger.Config{Level: "info"})

	classes := storage.NewSizeClasses(cfg.PageSizeClasses)

	df, err := storage.OpenDataFile(filepath.Join(cfg.DataDir, "data"), classes)
	if err != nil {
		return nil, fmt.Errorf("engine: open data file: %w", err)
	}
	e.df = df

	e.metaPath = filepath.Join(cfg.DataDir, "meta")
	e.walPath = filepath.Join(cfg.DataDir, "wal")

	meta, _, err := storage.LoadMeta(e.metaPath, len(classes.Sizes()))
	if err != nil {
		df.Close()
		return nil, fmt.Errorf("engine: load meta: %w", err)
	}

	e.setState(StateRecovering)
	newMeta, stats, err := recovery.Recover(e.walPath, df, meta, cfg.CompressionThreshold)
	if err != nil {
		df.Close()
		return nil, newErr(ClassCorruption, ErrCorruption, err.Error())
	}
	e.log.Info("recovery complete").
		Int("records_scanned", stats.RecordsScanned).
		Int("records_replayed", stats.RecordsReplayed).
		Int("batches_dropped", stats.BatchesDropped).
		Send()

	w := &wal.WAL{
		Path:              e.walPath,
		SegmentSize:       cfg.WALSegmentSize,
		GroupCommitWindow: cfg.GroupCommitWindow,
		SyncMode:          string(cfg.SyncMode),
	}
	if err := w.Open(); err != nil {
		df.Close()
		return nil, fmt.Errorf("engine: open WAL: %w", err)
	}
	e.wal = w

	e.alloc = storage.NewAllocator(df, classes, newMeta.Allocator)
	e.cache = storage.NewCache(df, cfg.CachePages, cfg.CompressionThreshold, e.metrics)
	e.tree = btree.New(e.cache, df, e.alloc, w, classes, cfg.MaxInline(), cfg.CompressionThreshold, e.metrics, newMeta.RootPageID)

	e.setState(StateOpen)
	e.log.Info("engine open").Str("data_dir", cfg.DataDir).Send()
	return e, nil
}

// Close drains the engine: it stops accepting new writes, forces a final
// checkpoint, and releases the WAL and data file. Get/Scan continue to
// work against the cache until the moment Close completes, matching the
// Draining state's read-availability.
func (e *Engine) Close() error {
	e.setState(StateDraining)
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var firstErr error
	if err := e.checkpointLocked(); err != nil {
		firstErr = err
	}
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine: close WAL: %w", err)
	}
	if err := e.df.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine: close data file: %w", err)
	}

	e.setState(StateClosed)
	return firstErr
}

// Get returns key's current committed value, or found=false if it is
// absent. A miss is not an error: see GetStrict for an ErrNotFound
// variant.
func (e *Engine) Get(key []byte) (value []byte, found bool, err error) {
	if err := e.checkReadable(); err != nil {
		return nil, false, err
	}
	start := time.Now()
	value, found, err = e.tree.Get(key)
	e.recordOp("get", err, start)
	return value, found, err
}

// GetStrict is Get, but reports a missing key as ErrNotFound instead of
// found=false.
func (e *Engine) GetStrict(key []byte) ([]byte, error) {
	value, found, err := e.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newErr(ClassUserInput, ErrNotFound, fmt.Sprintf("key %q", key))
	}
	return value, nil
}

// Put inserts or updates key's value. Once Put returns without error, the
// mapping is durable at the engine's configured sync_mode.
func (e *Engine) Put(key, value []byte) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return newErr(ClassUserInput, ErrKeyTooLarge, "key must not be empty")
	}
	if len(key) > maxKeyLen {
		return newErr(ClassUserInput, ErrKeyTooLarge, fmt.Sprintf("%d bytes", len(key)))
	}
	if len(value) > maxValueLen {
		return newErr(ClassUserInput, ErrValueTooLarge, fmt.Sprintf("%d bytes", len(value)))
	}

	start := time.Now()
	e.writeMu.Lock()
	err := e.tree.Put(key, value)
	e.writeMu.Unlock()

	e.recordOp("put", err, start)
	if err != nil {
		return e.classifyWriteErr(err)
	}
	e.maybeCheckpoint(len(key) + len(value))
	return nil
}

// Delete removes key, reporting whether it was present. After a
// successful Delete returns, the key is durably absent.
func (e *Engine) Delete(key []byte) (bool, error) {
	if err := e.checkWritable(); err != nil {
		return false, err
	}

	start := time.Now()
	e.writeMu.Lock()
	deleted, err := e.tree.Delete(key)
	e.writeMu.Unlock()

	e.recordOp("delete", err, start)
	if err != nil {
		return false, e.classifyWriteErr(err)
	}
	e.maybeCheckpoint(len(key))
	return deleted, nil
}

// Scan calls fn for every key in the half-open range [from, to) in
// ascending order, stopping early if fn returns false. A nil from starts
// at the smallest key; a nil to runs to the end. Not a consistent
// snapshot: concurrent structural changes may or may not be observed, per
// spec.md §5.
func (e *Engine) Scan(from, to []byte, fn func(key, value []byte) bool) error {
	if err := e.checkReadable(); err != nil {
		return err
	}
	if from != nil && to != nil && bytes.Compare(from, to) > 0 {
		return newErr(ClassUserInput, ErrInvalidRange, fmt.Sprintf("from %q > to %q", from, to))
	}
	start := time.Now()
	err := e.tree.Scan(from, to, fn)
	e.recordOp("scan", err, start)
	return err
}

// OpKind distinguishes a batched mutation's kind.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one operation within a Batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch builds an ordered group of mutations applied atomically by
// Commit: either every op becomes durable, or (on an error partway
// through) none of them survive a crash, because they all share one WAL
// transaction tag and one trailing commit record.
type Batch struct {
	engine *Engine
	ops    []Op
}

// Batch starts a new batch of operations against e.
func (e *Engine) Batch(ops ...Op) *Batch {
	return &Batch{engine: e, ops: append([]Op(nil), ops...)}
}

// Put appends a put to the batch.
func (b *Batch) Put(key, value []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpPut, Key: key, Value: value})
	return b
}

// Delete appends a delete to the batch.
func (b *Batch) Delete(key []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: key})
	return b
}

// Commit applies every queued operation in order under one WAL
// transaction. A failure partway through leaves the in-memory pages for
// already-applied ops mutated, but since no RecCommit was ever appended
// for this txnID, recovery discards the whole group on the next crash —
// the uncommitted pages are only at risk until the next clean checkpoint
// flushes them, which FatalInvariant-poisons the engine instead of
// happening silently (see classifyWriteErr).
func (b *Batch) Commit() error {
	e := b.engine
	if err := e.checkWritable(); err != nil {
		return err
	}
	if len(b.ops) == 0 {
		return nil
	}

	start := time.Now()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	txnID := e.tree.BeginTxn()
	var approxBytes int
	for _, op := range b.ops {
		switch op.Kind {
		case OpPut:
			if len(op.Key) == 0 {
				return newErr(ClassUserInput, ErrKeyTooLarge, "key must not be empty")
			}
			if err := e.tree.PutTxn(txnID, op.Key, op.Value); err != nil {
				e.recordOp("batch", err, start)
				return e.classifyWriteErr(err)
			}
			approxBytes += len(op.Key) + len(op.Value)
		case OpDelete:
			if _, err := e.tree.DeleteTxn(txnID, op.Key); err != nil {
				e.recordOp("batch", err, start)
				return e.classifyWriteErr(err)
			}
			approxBytes += len(op.Key)
		}
	}

	err := e.tree.CommitTxn(txnID)
	e.recordOp("batch", err, start)
	if err != nil {
		return e.classifyWriteErr(err)
	}
	atomic.AddInt64(&e.bytesSinceCheckpoint, int64(approxBytes))
	e.maybeCheckpointLocked()
	return nil
}

// Checkpoint forces a checkpoint: flushes every dirty page whose LSN is
// at or below the WAL's current tail, then atomically writes the
// metadata file recording the new root, checkpoint LSN, and free-list
// snapshot. Valid in Open and Draining.
func (e *Engine) Checkpoint() error {
	if err := e.checkCheckpointable(); err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.checkpointLocked()
}

func (e *Engine) checkpointLocked() error {
	start := time.Now()
	lsn := e.wal.LastLSN()
	if err := e.cache.FlushUpTo(lsn); err != nil {
		return fmt.Errorf("engine: checkpoint flush: %w", err)
	}
	meta := storage.Meta{
		RootPageID:    e.tree.Root(),
		CheckpointLSN: lsn,
		Allocator:     e.alloc.Snapshot(),
	}
	if err := storage.SaveMeta(e.metaPath, meta); err != nil {
		return fmt.Errorf("engine: write meta: %w", err)
	}
	atomic.StoreInt64(&e.bytesSinceCheckpoint, 0)
	if e.metrics != nil {
		e.metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	}
	e.log.Debug("checkpoint complete").Uint64("lsn", lsn).Send()
	return nil
}

// maybeCheckpoint triggers a checkpoint once bytesSinceCheckpoint passes
// cfg.CheckpointInterval, approximating the spec's byte-budgeted
// automatic checkpoint without tracking the WAL's exact segment-relative
// offset. Best-effort: a failed background checkpoint is logged, not
// propagated, since the caller's own Put/Delete already succeeded.
func (e *Engine) maybeCheckpoint(approxBytes int) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	atomic.AddInt64(&e.bytesSinceCheckpoint, int64(approxBytes))
	e.maybeCheckpointLocked()
}

func (e *Engine) maybeCheckpointLocked() {
	if e.cfg.CheckpointInterval <= 0 {
		return
	}
	if atomic.LoadInt64(&e.bytesSinceCheckpoint) < e.cfg.CheckpointInterval {
		return
	}
	if err := e.checkpointLocked(); err != nil {
		e.log.Warn("automatic checkpoint failed").Err(err).Send()
	}
}

// classifyWriteErr maps an internal failure to the engine's error
// taxonomy. Most internal errors (a malformed page, an allocator
// invariant break) are data-structure bugs rather than recoverable
// conditions, so they poison the engine per spec.md §7's FatalInvariant
// handling rather than being silently retried.
func (e *Engine) classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	e.markCorrupted()
	return newErr(ClassFatalInvariant, ErrFatalInvariant, err.Error())
}

func (e *Engine) recordOp(op string, err error, start time.Time) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordOperation(op, status, time.Since(start))
}
