// Package cache provides the bounded reader pool used by the IO layer to
// avoid reopening data files on every read. It is adapted from the
// teacher's generic container/list-backed LRUCache, specialized to manage
// *os.File handles and to close evicted/invalidated handles instead of
// merely dropping them.
package cache

import (
	"container/list"
	"os"
	"sync"
)

type entry struct {
	key  string
	file *os.File
}

// FilePool is a bounded, thread-safe LRU cache of open *os.File handles
// keyed by file name. Opener is called on a miss; eviction and Invalidate
// close the handle being removed.
type FilePool struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
	opener   func(name string) (*os.File, error)
}

// NewFilePool creates a pool with the given capacity (minimum 1) and an
// opener callback used to materialize a handle on a cache miss.
func NewFilePool(capacity int, opener func(name string) (*os.File, error)) *FilePool {
	if capacity < 1 {
		capacity = 1
	}
	return &FilePool{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		opener:   opener,
	}
}

// Acquire returns the pooled handle for name, opening it via the pool's
// opener on a miss. The returned handle must not be closed by the caller;
// use Invalidate to force a close (e.g. after deleting the underlying file).
func (p *FilePool) Acquire(name string) (*os.File, error) {
	p.mu.Lock()
	if elem, ok := p.items[name]; ok {
		p.order.MoveToFront(elem)
		f := elem.Value.(*entry).file
		p.mu.Unlock()
		return f, nil
	}
	p.mu.Unlock()

	f, err := p.opener(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have raced us to open the same file; keep
	// whichever is already cached and close our redundant handle.
	if elem, ok := p.items[name]; ok {
		p.order.MoveToFront(elem)
		_ = f.Close()
		return elem.Value.(*entry).file, nil
	}

	elem := p.order.PushFront(&entry{key: name, file: f})
	p.items[name] = elem
	if p.order.Len() > p.capacity {
		p.evictOldestLocked()
	}
	return f, nil
}

// Release is a no-op: a handle returned by Acquire is read via ReadAt,
// which is safe for concurrent callers on the same *os.File, so there is
// no per-acquisition state to release. It exists only so callers that
// want to pair every Acquire with a Release may do so symmetrically.
func (p *FilePool) Release(name string) {}

// Invalidate closes and evicts any pooled handle for name. Safe to call on
// a name that isn't pooled.
func (p *FilePool) Invalidate(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	elem, ok := p.items[name]
	if !ok {
		return
	}
	p.order.Remove(elem)
	delete(p.items, name)
	_ = elem.Value.(*entry).file.Close()
}

// Close closes every pooled handle and empties the pool.
func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, elem := range p.items {
		if err := elem.Value.(*entry).file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.items = make(map[string]*list.Element)
	p.order.Init()
	return firstErr
}

func (p *FilePool) evictOldestLocked() {
	oldest := p.order.Back()
	if oldest == nil {
		return
	}
	p.order.Remove(oldest)
	e := oldest.Value.(*entry)
	delete(p.items, e.key)
	_ = e.file.Close()
}
