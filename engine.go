package caskstore

import (
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"caskstore/internal/bloom"
	"caskstore/internal/index"
	"caskstore/internal/ioengine"
)

// Engine is a single Bitcask-style key-value store instance rooted at one
// data directory. An Engine is safe for concurrent use by multiple
// goroutines.
type Engine struct {
	opts   Options
	logger *log.Logger

	io  *ioengine.IOEngine
	idx *index.ShardedIndex[IndexEntry]
	flt *bloom.Filter

	reclaim *reclaimTracker

	mergeMu sync.Mutex

	autoMergeStop chan struct{}
	autoMergeWG   sync.WaitGroup

	closed atomic.Bool
}

// Open creates or reopens a store at dir, replaying its data and hint
// files to rebuild the in-memory index before returning.
func Open(dir string, opts ...Option) (*Engine, error) {
	cfg := DefaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		opts:    cfg,
		logger:  log.New(os.Stderr, "caskstore: ", log.LstdFlags),
		idx:     index.New[IndexEntry](cfg.IndexShardCount, 0),
		reclaim: newReclaimTracker(),
	}

	if cfg.BloomFilterEnabled {
		flt, err := bloom.New(bloom.Config{ExpectedElements: cfg.BloomExpectedElements, FalsePositiveRate: 0.01})
		if err != nil {
			return nil, fmt.Errorf("caskstore: build bloom filter: %w", err)
		}
		e.flt = flt
	}

	ioEng, err := ioengine.New(dir, cfg.MaxFileSize, cfg.MaxConcurrentReaders, e.onRotate)
	if err != nil {
		return nil, fmt.Errorf("caskstore: open io layer: %w", err)
	}
	e.io = ioEng

	if err := e.recover(); err != nil {
		_ = e.io.Close()
		return nil, fmt.Errorf("caskstore: recover: %w", err)
	}

	if cfg.AutoMergeInterval > 0 {
		e.startAutoMerge(time.Duration(cfg.AutoMergeInterval))
	}

	return e, nil
}

// onRotate is the ioengine.RotateHook: it relabels every index entry still
// pointing at the just-vacated active file name so it points at the file's
// new, permanent name instead. The underlying bytes did not move.
func (e *Engine) onRotate(oldName, newName string) error {
	e.idx.RelabelAll(
		func(entry IndexEntry) bool { return entry.File == oldName },
		func(entry IndexEntry) IndexEntry { entry.File = newName; return entry },
	)
	e.reclaim.rename(oldName, newName)
	return nil
}

func (e *Engine) diskKey(key []byte) []byte {
	if !e.opts.PrefixedKeys {
		return key
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	sum := h.Sum32()
	out := make([]byte, 2+len(key))
	out[0] = byte(sum >> 8)
	out[1] = byte(sum)
	copy(out[2:], key)
	return out
}

func (e *Engine) undiskKey(diskKey []byte) []byte {
	if !e.opts.PrefixedKeys {
		return diskKey
	}
	if len(diskKey) < 2 {
		return diskKey
	}
	return diskKey[2:]
}

func nowTimestamp() uint32 {
	return uint32(time.Now().Unix())
}

// Put writes key/value durably and installs it in the index. An empty key,
// an empty value (use Delete to remove a key) or a value longer than
// MaxValueSize is rejected with ErrInvalidArgument.
func (e *Engine) Put(key, value []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if len(value) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidArgument)
	}

	encoded, err := EncodeData(e.diskKey(key), value, nowTimestamp())
	if err != nil {
		return err
	}

	file, pos, err := e.io.Append(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	entry := IndexEntry{File: file, Pos: pos, Length: int64(len(encoded)), Timestamp: nowTimestamp()}
	if old, ok := e.idx.Get(string(key)); ok {
		e.reclaim.add(old.File, Delta{Entries: 1, Length: old.Length})
	}
	e.idx.Put(string(key), entry)
	if e.flt != nil {
		e.flt.Add(key)
	}
	return nil
}

// Get returns the current value for key, or ErrKeyNotFound if it is
// absent.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if e.flt != nil && !e.flt.MayContain(key) {
		return nil, ErrKeyNotFound
	}

	entry, ok := e.idx.Get(string(key))
	if !ok {
		return nil, ErrKeyNotFound
	}

	raw, err := e.io.ReadAt(entry.File, entry.Pos, entry.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	rec, err := VerifyAndDecode(raw)
	if err != nil {
		return nil, err
	}
	if rec.IsTombstone() {
		return nil, ErrKeyNotFound
	}
	return rec.Value, nil
}

// Delete removes key. Deleting a key that is not present is a no-op (not
// an error) and writes nothing to disk.
func (e *Engine) Delete(key []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}

	old, ok := e.idx.Get(string(key))
	if !ok {
		return nil
	}

	encoded, err := EncodeData(e.diskKey(key), nil, nowTimestamp())
	if err != nil {
		return err
	}
	file, _, err := e.io.Append(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	e.reclaim.add(old.File, Delta{Entries: 1, Length: old.Length})
	e.reclaim.add(file, Delta{Entries: 1, Length: int64(len(encoded))})
	e.idx.Delete(string(key))
	return nil
}

// Keys calls f for every key currently in the index, stopping early if f
// returns false. It is a best-effort snapshot under concurrent writers;
// use Fold if a point-in-time-consistent view is required.
func (e *Engine) Keys(f func(key []byte) bool) {
	e.idx.ForEach(func(key string, _ IndexEntry) bool {
		return f([]byte(key))
	})
}

// Fold applies f to every key/value pair under a single consistent
// snapshot of the index, stopping early if f returns false or on the
// first read/decode error. Values are read from disk while the
// index-wide lock is held, so it is not suitable for very large stores on
// its own -- callers needing streaming semantics should use Keys and Get
// instead.
func (e *Engine) Fold(f func(key, value []byte) bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	var foldErr error
	e.idx.ForEachExclusive(func(key string, entry IndexEntry) bool {
		raw, err := e.io.ReadAt(entry.File, entry.Pos, entry.Length)
		if err != nil {
			foldErr = fmt.Errorf("%w: %v", ErrIO, err)
			return false
		}
		rec, err := VerifyAndDecode(raw)
		if err != nil {
			foldErr = err
			return false
		}
		if rec.IsTombstone() {
			return true
		}
		return f([]byte(key), rec.Value)
	})
	return foldErr
}

// Values returns a point-in-time snapshot of every live value currently
// in the store, using the same consistent-index-lock semantics as Fold.
func (e *Engine) Values() ([][]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	var values [][]byte
	if err := e.Fold(func(_, value []byte) bool {
		values = append(values, value)
		return true
	}); err != nil {
		return nil, err
	}
	return values, nil
}

// Sync fsyncs the active file, committing its contents to stable storage.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.io.Sync()
}

// Close stops any background merge ticker and closes the IO layer.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.stopAutoMerge()
	return e.io.Close()
}

// Destroy closes the engine (if not already closed) and removes its data
// directory entirely. It is meant for tests and throwaway stores.
func (e *Engine) Destroy() error {
	dir := e.io.Dir()
	if e.closed.CompareAndSwap(false, true) {
		e.stopAutoMerge()
		_ = e.io.Close()
	}
	return os.RemoveAll(dir)
}

// Len returns the approximate number of live keys.
func (e *Engine) Len() int {
	return e.idx.Len()
}
