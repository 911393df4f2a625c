// Package bloom implements the sharded bloom filter the engine consults
// before every index lookup to cheaply reject keys that were never
// written. Adapted from the teacher's util.ShardedBloomFilter; the
// teacher's auto-grow path silently discarded already-set bits on resize
// (it reallocated the old shards in place instead of rehashing into the
// new ones), so this version drops auto-scaling in favor of sizing the
// filter once, from the caller's expected element count, at construction.
package bloom

import (
	"fmt"
	"hash"
	"hash/fnv"
	"math"
	"sync"
)

const (
	defaultShards       = 16
	defaultHashFuncs    = 4
	minBitsPerShard     = 64
	bitsPerShardDivisor = 64
)

// Filter is a sharded bloom filter safe for concurrent use.
type Filter struct {
	shards    []shardBits
	k         uint32
	shardMask uint32
	shardBits uint32
	hashPool  *sync.Pool
}

type shardBits struct {
	mu   sync.RWMutex
	bits []uint64
}

// Config controls the filter's sizing.
type Config struct {
	ExpectedElements  uint64  // expected number of distinct keys
	FalsePositiveRate float64 // desired false-positive rate in (0,1)
	NumShards         uint32  // rounded up to a power of two; 0 selects the default
}

// New builds a Filter sized for cfg.ExpectedElements at cfg.FalsePositiveRate.
func New(cfg Config) (*Filter, error) {
	if cfg.ExpectedElements == 0 {
		return nil, fmt.Errorf("bloom: expected elements must be > 0")
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		return nil, fmt.Errorf("bloom: false positive rate must be in (0,1)")
	}

	numShards := cfg.NumShards
	if numShards == 0 {
		numShards = defaultShards
	}
	if !isPowerOfTwo(numShards) {
		numShards = nextPowerOf2(numShards)
	}

	m := optimalBits(cfg.ExpectedElements, cfg.FalsePositiveRate)
	k := optimalHashFuncs(cfg.ExpectedElements, m)

	bitsPerShard := uint32(nextPowerOf2(uint32(m/uint64(numShards)) + 1))
	if bitsPerShard < minBitsPerShard {
		bitsPerShard = minBitsPerShard
	}

	shards := make([]shardBits, numShards)
	for i := range shards {
		shards[i].bits = make([]uint64, bitsPerShard/bitsPerShardDivisor)
	}

	return &Filter{
		shards:    shards,
		k:         k,
		shardMask: numShards - 1,
		shardBits: bitsPerShard,
		hashPool: &sync.Pool{
			New: func() interface{} { return fnv.New64a() },
		},
	}, nil
}

// Add records key as present.
func (f *Filter) Add(key []byte) {
	for _, pos := range f.positions(key) {
		s := &f.shards[pos.shard]
		s.mu.Lock()
		s.bits[pos.bit/64] |= 1 << (pos.bit % 64)
		s.mu.Unlock()
	}
}

// MayContain reports whether key might have been added. A false result is
// definitive; a true result may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	for _, pos := range f.positions(key) {
		s := &f.shards[pos.shard]
		s.mu.RLock()
		set := s.bits[pos.bit/64]&(1<<(pos.bit%64)) != 0
		s.mu.RUnlock()
		if !set {
			return false
		}
	}
	return true
}

type bitPosition struct {
	shard uint32
	bit   uint32
}

func (f *Filter) positions(key []byte) []bitPosition {
	h := f.hashPool.Get().(hash.Hash64)
	defer f.hashPool.Put(h)
	h.Reset()
	_, _ = h.Write(key)
	h1 := h.Sum64()
	h.Reset()
	_, _ = h.Write(key)
	_, _ = h.Write([]byte{0xff})
	h2 := h.Sum64()

	out := make([]bitPosition, f.k)
	for i := uint32(0); i < f.k; i++ {
		combined := h1 + uint64(i)*h2
		out[i] = bitPosition{
			shard: uint32(combined) & f.shardMask,
			bit:   uint32(combined>>32) % f.shardBits,
		}
	}
	return out
}

func optimalBits(n uint64, p float64) uint64 {
	return uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
}

func optimalHashFuncs(n, m uint64) uint32 {
	if n == 0 {
		return defaultHashFuncs
	}
	k := uint32(math.Round(float64(m/n) * math.Ln2))
	if k < defaultHashFuncs {
		k = defaultHashFuncs
	}
	return k
}

func isPowerOfTwo(x uint32) bool {
	return x != 0 && x&(x-1) == 0
}

func nextPowerOf2(x uint32) uint32 {
	if x == 0 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x++
	return x
}
