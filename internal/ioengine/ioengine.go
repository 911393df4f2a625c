// Package ioengine owns the active file appender, the reader pool, and the
// data directory for a single engine instance. It knows nothing about
// records, keys, or the index — callers hand it pre-encoded byte slices to
// append and get raw byte slices back on read/scan. This mirrors the
// teacher's FileManager (single writer goroutine serializing all appends
// and rotations, LRU-pooled readers) while keeping the codec and the index
// entirely out of this layer, so this package has no dependency on the
// root module (avoiding an import cycle with the package that owns the
// record format).
package ioengine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"caskstore/internal/cache"
)

// ActiveFileName is the on-disk name of the file currently open for
// appends. It is always "0"; see Split for how inactive files are named.
const ActiveFileName = "0"

var (
	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("ioengine: closed")
	// ErrNotFound is returned when a referenced data file does not exist.
	ErrNotFound = errors.New("ioengine: file not found")
	// ErrShortRead is returned when fewer bytes than requested could be read.
	ErrShortRead = errors.New("ioengine: short read")
)

// RotateHook is invoked synchronously, from inside the single writer
// goroutine, immediately after the active file has been renamed away from
// ActiveFileName and before a fresh active file is opened. Its job is to
// relabel any index entries that still reference ActiveFileName so they
// point at newName instead -- the physical bytes did not move, only the
// name did, but index entries are keyed by name.
type RotateHook func(oldName, newName string) error

// IOEngine implements the IO layer described in the engine's §4.3.
type IOEngine struct {
	dir         string
	maxFileSize int64
	pool        *cache.FilePool
	rotateHook  RotateHook

	active       atomic.Pointer[os.File]
	activeOffset atomic.Int64
	splits       atomic.Int64

	writeCh chan writeReq
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

type writeReq struct {
	data []byte
	resp chan writeResp
}

type writeResp struct {
	file string
	pos  int64
	err  error
}

// New opens dir (creating it if necessary), opens or creates the active
// file, and starts the writer goroutine. maxReaders bounds the reader
// pool's capacity; rotateHook may be nil.
func New(dir string, maxFileSize int64, maxReaders int, rotateHook RotateHook) (*IOEngine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ioengine: create data directory: %w", err)
	}

	e := &IOEngine{
		dir:         dir,
		maxFileSize: maxFileSize,
		rotateHook:  rotateHook,
		writeCh:     make(chan writeReq, 1024),
		stopCh:      make(chan struct{}),
	}
	e.pool = cache.NewFilePool(maxReaders, e.openForRead)

	f, err := os.OpenFile(e.path(ActiveFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("ioengine: open active file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ioengine: stat active file: %w", err)
	}
	e.active.Store(f)
	e.activeOffset.Store(stat.Size())

	e.wg.Add(1)
	go e.run()

	return e, nil
}

func (e *IOEngine) path(name string) string {
	return filepath.Join(e.dir, name)
}

func (e *IOEngine) openForRead(name string) (*os.File, error) {
	f, err := os.Open(e.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// Append submits a pre-encoded record for serialized, durable-on-return
// appending to the active file, rotating first if necessary. It returns
// the name of the file the record was actually written to (always "0" at
// the moment of the call, by construction -- see RotateHook) and the byte
// offset the record starts at.
func (e *IOEngine) Append(data []byte) (fileName string, pos int64, err error) {
	if e.closed.Load() {
		return "", 0, ErrClosed
	}
	req := writeReq{data: data, resp: make(chan writeResp, 1)}
	select {
	case e.writeCh <- req:
	case <-e.stopCh:
		return "", 0, ErrClosed
	}
	resp := <-req.resp
	return resp.file, resp.pos, resp.err
}

func (e *IOEngine) run() {
	defer e.wg.Done()
	for {
		select {
		case req, ok := <-e.writeCh:
			if !ok {
				return
			}
			file, pos, err := e.writeOnce(req.data)
			req.resp <- writeResp{file: file, pos: pos, err: err}
		case <-e.stopCh:
			return
		}
	}
}

func (e *IOEngine) writeOnce(data []byte) (string, int64, error) {
	if e.activeOffset.Load()+int64(len(data)) > e.maxFileSize {
		if err := e.rotate(); err != nil {
			return "", 0, fmt.Errorf("ioengine: rotate: %w", err)
		}
	}

	f := e.active.Load()
	pos := e.activeOffset.Load()
	n, err := f.WriteAt(data, pos)
	if err != nil {
		return "", 0, fmt.Errorf("ioengine: write: %w", err)
	}
	if n != len(data) {
		return "", 0, fmt.Errorf("ioengine: %w", io.ErrShortWrite)
	}
	e.activeOffset.Add(int64(n))
	return ActiveFileName, pos, nil
}

// rotate closes the active file, renames it to the smallest unused
// positive integer name, invokes rotateHook, and opens a fresh active
// file. Called only from inside run, so it needs no additional locking
// around the fields it mutates.
func (e *IOEngine) rotate() error {
	newName, err := e.nextFileName()
	if err != nil {
		return err
	}

	cur := e.active.Load()
	if err := cur.Sync(); err != nil {
		return fmt.Errorf("sync active file: %w", err)
	}
	if err := cur.Close(); err != nil {
		return fmt.Errorf("close active file: %w", err)
	}

	oldPath := e.path(ActiveFileName)
	newPath := e.path(newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename active file: %w", err)
	}
	// The bytes now live under newName; any pooled reader still keyed by
	// ActiveFileName would otherwise silently keep reading the old inode
	// under the name a fresh (empty) active file is about to claim.
	e.pool.Invalidate(ActiveFileName)

	if e.rotateHook != nil {
		if err := e.rotateHook(ActiveFileName, newName); err != nil {
			return fmt.Errorf("rotate hook: %w", err)
		}
	}

	f, err := os.OpenFile(oldPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open new active file: %w", err)
	}
	e.active.Store(f)
	e.activeOffset.Store(0)
	e.splits.Add(1)
	return nil
}

// nextFileName implements the spec's allocation rule: the smallest
// positive integer not already present among inactive files, or max+1 if
// there is no gap.
func (e *IOEngine) nextFileName() (string, error) {
	existing, err := e.inactiveIDs()
	if err != nil {
		return "", err
	}
	seen := make(map[int]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for i := 1; ; i++ {
		if !seen[i] {
			return strconv.Itoa(i), nil
		}
	}
}

// ListInactiveFiles returns the names of every inactive (non-"0") data
// file, sorted in ascending numeric order.
func (e *IOEngine) ListInactiveFiles() ([]string, error) {
	ids, err := e.inactiveIDs()
	if err != nil {
		return nil, err
	}
	sort.Ints(ids)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = strconv.Itoa(id)
	}
	return names, nil
}

func (e *IOEngine) inactiveIDs() ([]int, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("ioengine: read data directory: %w", err)
	}
	var ids []int
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if name == ActiveFileName {
			continue
		}
		if id, ok := ParseDataFileName(name); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ParseDataFileName reports whether name is a valid data-file name (pure
// decimal digits, no sign, no leading content) and its integer value.
// Hint files ("<n>h") and merge temp files ("<n>_") do not parse.
func ParseDataFileName(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ReadAt reads exactly length bytes at pos from fileName via the reader
// pool.
func (e *IOEngine) ReadAt(fileName string, pos, length int64) ([]byte, error) {
	f, err := e.pool.Acquire(fileName)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, pos)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("ioengine: read %s at %d: %w", fileName, pos, err)
	}
	if int64(n) != length {
		return nil, fmt.Errorf("ioengine: read %s at %d: %w (got %d, want %d)", fileName, pos, ErrShortRead, n, length)
	}
	return buf, nil
}

// Scan performs an iterative decode of fileName from offset 0 to EOF.
// recordLen is given the first headerSize bytes of each candidate record
// and must return the number of payload bytes (key+value) that follow the
// header; an error from recordLen is treated as a truncation, just like a
// short header or short payload read, and stops the scan of this one file
// without returning an error to the caller. visit is called with each
// record's starting offset and full encoded bytes (header+payload); if it
// returns false, the scan stops early (not reported as truncated).
func (e *IOEngine) Scan(fileName string, headerSize int, recordLen func(header []byte) (int, error), visit func(pos int64, record []byte) bool) (truncated bool, err error) {
	f, err := e.pool.Acquire(fileName)
	if err != nil {
		return false, err
	}

	var pos int64
	for {
		header := make([]byte, headerSize)
		n, rerr := f.ReadAt(header, pos)
		if n < headerSize {
			if n == 0 && (rerr == io.EOF || rerr == nil) {
				break
			}
			truncated = true
			break
		}
		if rerr != nil && rerr != io.EOF {
			return truncated, fmt.Errorf("ioengine: scan %s at %d: %w", fileName, pos, rerr)
		}

		payload, perr := recordLen(header)
		if perr != nil {
			truncated = true
			break
		}

		full := make([]byte, headerSize+payload)
		n2, rerr2 := f.ReadAt(full, pos)
		if n2 < len(full) {
			truncated = true
			break
		}
		if rerr2 != nil && rerr2 != io.EOF {
			return truncated, fmt.Errorf("ioengine: scan %s at %d: %w", fileName, pos, rerr2)
		}

		cont := visit(pos, full)
		pos += int64(len(full))
		if !cont {
			break
		}
	}
	return truncated, nil
}

// Delete removes fileName from disk and invalidates any pooled reader for
// it.
func (e *IOEngine) Delete(fileName string) error {
	e.pool.Invalidate(fileName)
	if err := os.Remove(e.path(fileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ioengine: delete %s: %w", fileName, err)
	}
	return nil
}

// Rename performs an atomic same-directory rename, used by merge to swap
// its temp file into place.
func (e *IOEngine) Rename(oldName, newName string) error {
	if err := os.Rename(e.path(oldName), e.path(newName)); err != nil {
		return fmt.Errorf("ioengine: rename %s -> %s: %w", oldName, newName, err)
	}
	e.pool.Invalidate(newName)
	return nil
}

// Create opens name for writing, truncating it if it already exists (used
// by merge for its temp and hint files).
func (e *IOEngine) Create(name string) (*os.File, error) {
	f, err := os.OpenFile(e.path(name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("ioengine: create %s: %w", name, err)
	}
	return f, nil
}

// Exists reports whether name is present in the data directory.
func (e *IOEngine) Exists(name string) bool {
	_, err := os.Stat(e.path(name))
	return err == nil
}

// FileSize returns the current size, in bytes, of fileName.
func (e *IOEngine) FileSize(fileName string) (int64, error) {
	info, err := os.Stat(e.path(fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%s: %w", fileName, ErrNotFound)
		}
		return 0, err
	}
	return info.Size(), nil
}

// Splits reports how many rotations have occurred since this IOEngine was
// constructed.
func (e *IOEngine) Splits() int64 {
	return e.splits.Load()
}

// Sync fsyncs the active file, committing its contents to stable storage
// (Append alone only hands the bytes to the OS); see the engine's
// durability contract in §1/§4.3.
func (e *IOEngine) Sync() error {
	f := e.active.Load()
	if f == nil {
		return nil
	}
	return f.Sync()
}

// Dir returns the data directory this IOEngine manages.
func (e *IOEngine) Dir() string {
	return e.dir
}

// Close stops the writer goroutine and closes the active file and reader
// pool.
func (e *IOEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(e.stopCh)
	close(e.writeCh)
	e.wg.Wait()

	var firstErr error
	if f := e.active.Load(); f != nil {
		if err := f.Sync(); err != nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
