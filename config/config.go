// Package config loads engine tuning parameters from a YAML file, with
// optional hot reload, mirroring the configuration layer style used
// elsewhere in this codebase: viper for parsing, fsnotify (via viper's
// WatchConfig) for change notification, and a small process-wide
// singleton guarded by a RWMutex. Load is the one-shot entry point; Init
// wraps it with the singleton and hot-reload watching.
package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"caskstore"
)

// EngineConfig mirrors caskstore.Options, expressed as plain data so it
// can be decoded from YAML/JSON/TOML without the engine package knowing
// anything about file formats.
type EngineConfig struct {
	DataDir              string        // directory holding data/hint files
	MaxFileSize          int64         // active file rotation threshold, bytes
	MaxConcurrentReaders int           // reader pool capacity
	IndexShardCount      int           // number of index shards
	PrefixedKeys         bool          // enable on-disk key prefixing
	BloomFilter          bool          // enable the bloom filter
	BloomExpectedKeys    uint64        // bloom filter sizing hint
	AutoMergeInterval    time.Duration // 0 disables the background merge ticker
	MinMergeRatio        float64       // reclaimable-ratio threshold for the auto-merge ticker
}

var (
	conf     *EngineConfig
	confOnce sync.Once
	mu       sync.RWMutex
)

// Get returns the most recently loaded configuration, or nil if Init has
// not been called.
func Get() *EngineConfig {
	mu.RLock()
	defer mu.RUnlock()
	return conf
}

func load(v *viper.Viper) *EngineConfig {
	defaults := caskstore.DefaultOptions()

	cfg := &EngineConfig{
		MaxFileSize:          defaults.MaxFileSize,
		MaxConcurrentReaders: defaults.MaxConcurrentReaders,
		IndexShardCount:      defaults.IndexShardCount,
		PrefixedKeys:         defaults.PrefixedKeys,
		BloomFilter:          defaults.BloomFilterEnabled,
		BloomExpectedKeys:    defaults.BloomExpectedElements,
		MinMergeRatio:        defaults.MinMergeRatio,
	}

	cfg.DataDir = v.GetString("engine.data_dir")
	if v.IsSet("engine.max_file_size") {
		cfg.MaxFileSize = v.GetInt64("engine.max_file_size")
	}
	if v.IsSet("engine.max_concurrent_readers") {
		cfg.MaxConcurrentReaders = v.GetInt("engine.max_concurrent_readers")
	}
	if v.IsSet("engine.index_shard_count") {
		cfg.IndexShardCount = v.GetInt("engine.index_shard_count")
	}
	if v.IsSet("engine.prefixed_keys") {
		cfg.PrefixedKeys = v.GetBool("engine.prefixed_keys")
	}
	if v.IsSet("engine.bloom_filter") {
		cfg.BloomFilter = v.GetBool("engine.bloom_filter")
	}
	if v.IsSet("engine.bloom_expected_keys") {
		cfg.BloomExpectedKeys = uint64(v.GetInt64("engine.bloom_expected_keys"))
	}
	if v.IsSet("engine.min_merge_ratio") {
		cfg.MinMergeRatio = v.GetFloat64("engine.min_merge_ratio")
	}
	cfg.AutoMergeInterval = v.GetDuration("engine.auto_merge_interval")

	return cfg
}

// Load reads configPath and returns the parsed configuration, filling in
// caskstore.DefaultOptions() for any field the file omits. Unlike Init, it
// does not touch the package singleton or watch the file for changes; it
// is the one-shot entry point for callers that want their own EngineConfig
// rather than the process-wide one.
func Load(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return load(v), nil
}

// Init loads configPath once via Load, populating the package-level
// singleton, and starts watching it for changes. Later calls are no-ops.
func Init(configPath string) error {
	var initErr error
	confOnce.Do(func() {
		cfg, err := Load(configPath)
		if err != nil {
			initErr = err
			return
		}
		mu.Lock()
		conf = cfg
		mu.Unlock()

		v := viper.New()
		v.SetConfigFile(configPath)
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("config: %s changed, reloading", e.Name)
			newCfg, err := Load(configPath)
			if err != nil {
				log.Printf("config: reload %s failed: %v", configPath, err)
				return
			}
			mu.Lock()
			conf = newCfg
			mu.Unlock()
		})
	})
	return initErr
}

// Options translates the loaded configuration into caskstore.Option
// values, so callers can do caskstore.Open(cfg.DataDir, cfg.Options()...).
// It lives here, rather than in the engine package, so the engine package
// never needs to import viper/fsnotify directly.
func (c *EngineConfig) Options() []caskstore.Option {
	return []caskstore.Option{
		caskstore.WithMaxFileSize(c.MaxFileSize),
		caskstore.WithMaxConcurrentReaders(c.MaxConcurrentReaders),
		caskstore.WithIndexShardCount(c.IndexShardCount),
		caskstore.WithPrefixedKeys(c.PrefixedKeys),
		caskstore.WithBloomFilter(c.BloomFilter, c.BloomExpectedKeys),
		caskstore.WithAutoMergeInterval(int64(c.AutoMergeInterval)),
		caskstore.WithMinMergeRatio(c.MinMergeRatio),
	}
}
