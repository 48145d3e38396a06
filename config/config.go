package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/valkyriedata/shardfs/internal/util"
	"gopkg.in/yaml.v3"
)

// Byte size units
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// Default configuration constants. See [Config] for field descriptions.
const (
	// DefaultChunkSize is the size of each cached chunk in bytes
	DefaultChunkSize = 4 * MiB

	// DefaultCacheSize is the total cache byte budget
	DefaultCacheSize = 16 * GiB

	// DefaultWorkers is the number of transfer workers
	DefaultWorkers = 8

	// DefaultLookahead is how many successor keys the predictor enqueues
	// per access event
	DefaultLookahead = 3

	// DefaultMetricsPort is the port the Prometheus endpoint listens on
	DefaultMetricsPort = 9090

	// DefaultAttrTimeout is the kernel attribute cache timeout in seconds
	DefaultAttrTimeout = 1.0

	// DefaultEntryTimeout is the directory entry cache timeout in seconds
	DefaultEntryTimeout = 1.0
)

// Worker timeouts and retry budgets, per task priority.
const (
	UrgentTimeoutMs   = 5000
	PrefetchTimeoutMs = 3000
	UrgentMaxRetries  = 3
	// Prefetch transfers fail fast; a real read of the key misses the
	// cache and fetches it at URGENT priority.
	PrefetchMaxRetries = 0
)

// Config contains runtime configuration for a shardfs mount.
type Config struct {
	MountPoint string // Filesystem mount point (required)

	Bucket         string // S3 bucket name (required)
	Region         string // AWS region (required)
	S3Prefix       string // Key prefix prepended to every remote key
	Endpoint       string // Custom S3 endpoint for S3-compatible stores
	ForcePathStyle bool   // Path-style addressing (MinIO, Localstack)

	CacheSize uint64 // Cache byte budget (Default 16GiB)
	ChunkSize uint64 // Bytes per cached chunk (Default 4MiB)
	Workers   int    // Transfer worker count, 1-128 (Default 8)
	Lookahead int    // Predictor lookahead, 1-256 (Default 3)

	ManifestPath string // Optional ordered key manifest for the predictor

	MetricsPort   int    // Prometheus listen port, 1024-65535 (Default 9090)
	EnableTracing bool   // Accepted for compatibility; recorded and logged
	TraceOutput   string // Trace output path (only meaningful with tracing)

	LogLvl util.LogLevel // Log verbosity

	// Kernel cache TTLs; defaults are fine unless you know better.
	AttrTimeout  float64
	EntryTimeout float64
}

// Override uses pointer fields to distinguish unset from zero values when
// loading partial configuration from a file. See [Config] for descriptions.
type Override struct {
	Bucket         *string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region         *string `yaml:"region,omitempty" json:"region,omitempty"`
	S3Prefix       *string `yaml:"s3_prefix,omitempty" json:"s3_prefix,omitempty"`
	Endpoint       *string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	ForcePathStyle *bool   `yaml:"force_path_style,omitempty" json:"force_path_style,omitempty"`

	CacheSize *string `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
	ChunkSize *uint64 `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
	Workers   *int    `yaml:"workers,omitempty" json:"workers,omitempty"`
	Lookahead *int    `yaml:"lookahead,omitempty" json:"lookahead,omitempty"`

	ManifestPath *string `yaml:"manifest,omitempty" json:"manifest,omitempty"`

	MetricsPort   *int    `yaml:"metrics_port,omitempty" json:"metrics_port,omitempty"`
	EnableTracing *bool   `yaml:"enable_tracing,omitempty" json:"enable_tracing,omitempty"`
	TraceOutput   *string `yaml:"trace_output,omitempty" json:"trace_output,omitempty"`

	AttrTimeout  *float64 `yaml:"attr_timeout,omitempty" json:"attr_timeout,omitempty"`
	EntryTimeout *float64 `yaml:"entry_timeout,omitempty" json:"entry_timeout,omitempty"`
}

// NewDefault creates a Config with all default values.
func NewDefault() *Config {
	return &Config{
		CacheSize:    DefaultCacheSize,
		ChunkSize:    DefaultChunkSize,
		Workers:      DefaultWorkers,
		Lookahead:    DefaultLookahead,
		MetricsPort:  DefaultMetricsPort,
		TraceOutput:  "trace.json",
		LogLvl:       util.InfoLevel,
		AttrTimeout:  DefaultAttrTimeout,
		EntryTimeout: DefaultEntryTimeout,
	}
}

// Merge applies non-nil values from override onto this Config.
func (c *Config) Merge(override *Override) error {
	if override == nil {
		return nil
	}
	if override.Bucket != nil {
		c.Bucket = *override.Bucket
	}
	if override.Region != nil {
		c.Region = *override.Region
	}
	if override.S3Prefix != nil {
		c.S3Prefix = *override.S3Prefix
	}
	if override.Endpoint != nil {
		c.Endpoint = *override.Endpoint
	}
	if override.ForcePathStyle != nil {
		c.ForcePathStyle = *override.ForcePathStyle
	}
	if override.CacheSize != nil {
		size, err := ParseSize(*override.CacheSize)
		if err != nil {
			return err
		}
		c.CacheSize = size
	}
	if override.ChunkSize != nil {
		c.ChunkSize = *override.ChunkSize
	}
	if override.Workers != nil {
		c.Workers = *override.Workers
	}
	if override.Lookahead != nil {
		c.Lookahead = *override.Lookahead
	}
	if override.ManifestPath != nil {
		c.ManifestPath = *override.ManifestPath
	}
	if override.MetricsPort != nil {
		c.MetricsPort = *override.MetricsPort
	}
	if override.EnableTracing != nil {
		c.EnableTracing = *override.EnableTracing
	}
	if override.TraceOutput != nil {
		c.TraceOutput = *override.TraceOutput
	}
	if override.AttrTimeout != nil {
		c.AttrTimeout = *override.AttrTimeout
	}
	if override.EntryTimeout != nil {
		c.EntryTimeout = *override.EntryTimeout
	}
	return nil
}

// Validate checks required fields and numeric ranges. It is called before
// any subsystem starts; a failure here aborts the process with usage.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount point is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.CacheSize < 1*MiB {
		return fmt.Errorf("cache size must be at least 1MiB, got %d", c.CacheSize)
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk size must be non-zero")
	}
	if c.Workers < 1 || c.Workers > 128 {
		return fmt.Errorf("workers must be between 1 and 128, got %d", c.Workers)
	}
	if c.Lookahead < 1 || c.Lookahead > 256 {
		return fmt.Errorf("lookahead must be between 1 and 256, got %d", c.Lookahead)
	}
	if c.MetricsPort < 1024 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", c.MetricsPort)
	}
	return nil
}

// ParseSize parses a byte size with an optional K/M/G suffix
// (case-insensitive), e.g. "16G", "512M", "4194304".
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := uint64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = KiB
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = MiB
		s = s[:len(s)-1]
	case 'G', 'g':
		mult = GiB
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: expected a number with optional K/M/G suffix", s)
	}
	return value * mult, nil
}

// LoadOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadOverrideFile(path string) (*Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override Override

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}
