// Package index implements the in-memory key -> location index described
// in the engine's §4.4: a sharded hash index backed by swiss-tables,
// adapted from the teacher's storage/index package (MemIndexShard +
// SwissIndex) and narrowed to the one backend this engine actually needs.
package index

import (
	"sync"

	"github.com/dolthub/swiss"
)

// shard is a single swiss-table-backed partition of the index, guarded by
// its own lock so unrelated keys never contend.
type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	table *swiss.Map[K, V]
}

func newShard[K comparable, V any](size uint32) *shard[K, V] {
	return &shard[K, V]{table: swiss.NewMap[K, V](size)}
}

func (s *shard[K, V]) get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Get(key)
}

func (s *shard[K, V]) put(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.Put(key, value)
}

func (s *shard[K, V]) delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Delete(key)
}

func (s *shard[K, V]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Count()
}

// forEach calls f for every entry while holding the shard's read lock, and
// stops early if f returns false. forEach does not itself acquire the
// index-wide exclusive lock; callers that need a point-in-time snapshot
// across shards must do so (see ShardedIndex.WithExclusiveLock and
// ShardedIndex.ForEachExclusive).
func (s *shard[K, V]) forEach(f func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.table.Iter(func(key K, value V) bool {
		return !f(key, value)
	})
}
