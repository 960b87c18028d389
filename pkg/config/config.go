package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Buffer  BufferConfig  `yaml:"buffer"`
	Storage StorageConfig `yaml:"storage"`
	Indexes []IndexConfig `yaml:"indexes"`
	Log     LogConfig     `yaml:"log"`
}

type BufferConfig struct {
	MemoryLimit         int64 `yaml:"memory_limit"`          // bytes buffered before eviction starts
	Headroom            int64 `yaml:"headroom"`              // extra bytes eviction frees below the limit
	WorkerThreads       int   `yaml:"worker_threads"`        // import workers
	MaxFlushParallelism int   `yaml:"max_flush_parallelism"` // cap on final drain participants
	BTreeDegree         int   `yaml:"btree_degree"`
}

type StorageConfig struct {
	Engine string `yaml:"engine"` // memory | sqlite | pebble | log | sstable
	Path   string `yaml:"path"`
	Sync   bool   `yaml:"sync"`
}

type IndexConfig struct {
	Attribute       string   `yaml:"attribute"`
	Kinds           []string `yaml:"kinds"`
	EntryLimit      int      `yaml:"entry_limit"`
	SubstringLength int      `yaml:"substring_length"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration used when no file is found.
func Default() *Config {
	return &Config{
		Buffer: BufferConfig{
			MemoryLimit:         256 << 20,
			Headroom:            1 << 20,
			WorkerThreads:       8,
			MaxFlushParallelism: 2,
			BTreeDegree:         32,
		},
		Storage: StorageConfig{
			Engine: "sqlite",
			Path:   "bulkindex_data",
		},
		Indexes: []IndexConfig{
			{Attribute: "objectclass", Kinds: []string{"equality"}, EntryLimit: 4000},
			{Attribute: "cn", Kinds: []string{"equality", "presence", "substring"}, EntryLimit: 4000},
			{Attribute: "sn", Kinds: []string{"equality", "substring"}, EntryLimit: 4000},
			{Attribute: "mail", Kinds: []string{"equality"}, EntryLimit: 4000},
			{Attribute: "uidnumber", Kinds: []string{"equality", "ordering"}, EntryLimit: 4000},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/bulkindex.yaml", "bulkindex.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				return decode(cfg, data)
			}
		}
		applyDefaults(cfg)
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}
	return decode(cfg, data)
}

func decode(cfg *Config, data []byte) (*Config, error) {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}
	applyDefaults(cfg)
	return cfg, cfg.Validate()
}

func applyDefaults(cfg *Config) {
	if cfg.Buffer.MemoryLimit <= 0 {
		cfg.Buffer.MemoryLimit = 256 << 20
	}
	if cfg.Buffer.Headroom < 0 {
		cfg.Buffer.Headroom = 1 << 20
	}
	if cfg.Buffer.WorkerThreads <= 0 {
		cfg.Buffer.WorkerThreads = 8
	}
	if cfg.Buffer.MaxFlushParallelism <= 0 {
		cfg.Buffer.MaxFlushParallelism = 2
	}
	if cfg.Buffer.BTreeDegree < 2 {
		cfg.Buffer.BTreeDegree = 32
	}
	if cfg.Storage.Engine == "" {
		cfg.Storage.Engine = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "bulkindex_data"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate rejects settings defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "memory", "sqlite", "pebble", "log", "sstable":
	default:
		return fmt.Errorf("%w: unknown storage engine %q", ErrInvalidConfig, c.Storage.Engine)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	if c.Buffer.WorkerThreads <= 0 {
		return fmt.Errorf("%w: worker_threads must be positive, got %d", ErrInvalidConfig, c.Buffer.WorkerThreads)
	}
	for i, ix := range c.Indexes {
		if ix.Attribute == "" {
			return fmt.Errorf("%w: indexes[%d] has no attribute", ErrInvalidConfig, i)
		}
		if len(ix.Kinds) == 0 {
			return fmt.Errorf("%w: index %q has no kinds", ErrInvalidConfig, ix.Attribute)
		}
		if ix.EntryLimit < 0 {
			return fmt.Errorf("%w: index %q has negative entry_limit", ErrInvalidConfig, ix.Attribute)
		}
	}
	return nil
}
