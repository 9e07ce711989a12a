// Package config holds the "Configuration parameters consumed by the
// core: cache sizing, deadlock timing, and the other tunables a data
// server and client access engine share. The directory-tree/CLI parser
// that produces a config file is out of scope; this package only loads
// the flat shape below via YAML.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pious-project/pious/pkg/piouserr"
)

// Config is shared by the data server and the client access engine.
type Config struct {
	// CacheBlockSize is the fixed data-block size for the segmented-LRU
	// cache; must be > 0.
	CacheBlockSize int `yaml:"cache_block_size"`

	// CacheBlockCount is the total number of blocks across both SLRU
	// segments. A configured value of 1 is silently promoted to 2 (SLRU
	// requires at least one block per segment).
	CacheBlockCount int `yaml:"cache_block_count"`

	// DeadlockTimeout is how long a blocked transaction waits for a lock
	// before the server's deadlock-avoidance timer fires.
	DeadlockTimeout time.Duration `yaml:"deadlock_timeout"`

	// RecentResultWindow is how long a control-operation reply is cached
	// per (client, cmsgid) so a retransmitted control request observes
	// the original outcome rather than re-executing a non-idempotent
	// side effect a second time.
	RecentResultWindow time.Duration `yaml:"recent_result_window"`

	// OpenFileTableSize is loaded and defaulted but not enforced:
	// pfile.Table places no bound on the number of open file handles.
	OpenFileTableSize int `yaml:"open_file_table_size"`

	// RetryMax bounds how many times the client access engine retries an
	// independent (non-user-transaction) access that a server aborts.
	RetryMax int `yaml:"retry_max"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the spec-mandated defaults.
func Default() Config {
	return Config{
		CacheBlockSize:     8192,
		CacheBlockCount:    256,
		DeadlockTimeout:    250 * time.Millisecond,
		RecentResultWindow: 5 * time.Second,
		OpenFileTableSize:  64,
		RetryMax:           10,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file at path, applying it on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, piouserr.Wrap(piouserr.ENOENT, "config.Load", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, piouserr.Wrap(piouserr.EINVAL, "config.Load", err)
	}
	return cfg.normalized(), nil
}

// normalized applies the edge-case policies called out directly
// (e.g. the block-count promotion), so every caller of Default/Load gets
// a config that is already safe to build a cache from.
func (c Config) normalized() Config {
	if c.CacheBlockCount == 1 {
		c.CacheBlockCount = 2
	}
	return c
}
