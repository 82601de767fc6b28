// Package config loads node configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the node parameters.
type Config struct {
	// DataDir is the root directory for the blockstore and index db.
	// Empty selects fully in-memory storage.
	DataDir string `yaml:"data_dir"`

	// TipsetCacheSize bounds the LRU tipset cache. Zero selects the
	// default.
	TipsetCacheSize int `yaml:"tipset_cache_size"`

	// HamtBitWidth is the number of hash bits consumed per state-trie
	// level. It is loaded and validated only; the node does not read it,
	// and the genesis state trie always uses hamt.DefaultBitWidth.
	HamtBitWidth int `yaml:"hamt_bit_width"`

	// GenesisTimestamp is used when creating a new chain.
	GenesisTimestamp uint64 `yaml:"genesis_timestamp"`

	// CreateGenesis makes the node build a fresh genesis tipset when the
	// store is empty.
	CreateGenesis bool `yaml:"create_genesis"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{}
}

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.TipsetCacheSize < 0 {
		return fmt.Errorf("tipset_cache_size must not be negative")
	}
	if c.HamtBitWidth < 0 || c.HamtBitWidth > 8 {
		return fmt.Errorf("hamt_bit_width must be in [0, 8]")
	}
	return nil
}
