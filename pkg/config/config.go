// Package config loads and validates storage engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v2"

	"github.com/nainya/pagestore/pkg/storage"
)

// SyncMode controls when commits become durable.
type SyncMode string

const (
	// SyncAlways fsyncs the WAL on every commit.
	SyncAlways SyncMode = "always"
	// SyncGroup batches commits within GroupCommitWindow into one fsync.
	SyncGroup SyncMode = "group"
	// SyncNoneForTests skips fsync entirely; never use outside tests.
	SyncNoneForTests SyncMode = "none-for-tests"
)

// DefaultSizeClasses are the page byte sizes supported out of the box.
var DefaultSizeClasses = []int{64, 256, 1024, 4096, 16384, 65536}

// Config holds every engine configuration option named in the external
// interfaces section of the specification this engine implements.
type Config struct {
	DataDir              string        `yaml:"data_dir"`
	PageSizeClasses      []int         `yaml:"page_size_classes"`
	CachePages           int           `yaml:"cache_pages"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	GroupCommitWindow    time.Duration `yaml:"group_commit_window"`
	WALSegmentSize       int64         `yaml:"wal_segment_size"`
	CheckpointInterval   int64         `yaml:"checkpoint_interval"`
	SyncMode             SyncMode      `yaml:"sync_mode"`
}

// Default returns a Config populated with the specification's defaults,
// except for DataDir which the caller must always supply.
func Default() Config {
	return Config{
		PageSizeClasses:      append([]int(nil), DefaultSizeClasses...),
		CachePages:           (64 << 20) / 65536,
		CompressionThreshold: 256,
		GroupCommitWindow:    200 * time.Microsecond,
		WALSegmentSize:       64 << 20,
		CheckpointInterval:   8 << 20,
		SyncMode:             SyncAlways,
	}
}

// Load reads a YAML configuration document from path, overlaying it on top
// of Default(), and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders the configuration back to YAML, for persisting a
// resolved configuration alongside a data directory.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the configuration for internally-consistent values.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if len(c.PageSizeClasses) == 0 {
		return fmt.Errorf("config: page_size_classes must not be empty")
	}
	prev := 0
	for _, sz := range c.PageSizeClasses {
		if sz <= prev {
			return fmt.Errorf("config: page_size_classes must be strictly increasing, got %v", c.PageSizeClasses)
		}
		if sz&(sz-1) != 0 {
			return fmt.Errorf("config: page_size_classes must be powers of two, got %d", sz)
		}
		prev = sz
	}
	if c.CachePages <= 0 {
		return fmt.Errorf("config: cache_pages must be positive")
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("config: compression_threshold must not be negative")
	}
	if c.WALSegmentSize <= 0 {
		return fmt.Errorf("config: wal_segment_size must be positive")
	}
	switch c.SyncMode {
	case SyncAlways, SyncGroup, SyncNoneForTests, "":
	default:
		return fmt.Errorf("config: unrecognized sync_mode %q", c.SyncMode)
	}
	return nil
}

// MaxInline returns the largest key or value length the engine will inline
// in a leaf slot for the largest configured size class, rather than
// chasing it through overflow pages: one quarter of that class's payload
// (page size minus the page header).
func (c Config) MaxInline() int {
	largest := c.PageSizeClasses[len(c.PageSizeClasses)-1]
	return (largest - storage.HeaderSize) / 4
}
