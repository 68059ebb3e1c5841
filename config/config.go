// Package config loads the process-wide tunables for the MDL manager,
// following MantisDB's YAML-plus-environment-override configuration style.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide MDL tunables.
type Config struct {
	// MaxWriteLockCount bounds the number of consecutive hog-type grants
	// a LockObject will make before reschedule_waiters starts ignoring
	// priority to let a non-hog waiter through.
	MaxWriteLockCount uint64 `yaml:"max_write_lock_count" env:"MDL_MAX_WRITE_LOCK_COUNT"`

	// UnusedLocksLowWater and UnusedLocksMinRatio govern Manager.Compact:
	// the table already removes an empty LockObject the instant its last
	// ticket releases, so these only bound an optional, host-driven
	// random-dive sweep for whatever a release-triggered removal missed
	// (e.g. a transient allocation failure that left an object live) --
	// not correctness.
	UnusedLocksLowWater int     `yaml:"unused_locks_low_water" env:"MDL_UNUSED_LOCKS_LOW_WATER"`
	UnusedLocksMinRatio float64 `yaml:"unused_locks_min_ratio" env:"MDL_UNUSED_LOCKS_MIN_RATIO"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MaxWriteLockCount:   debugMaxWriteLockCount,
		UnusedLocksLowWater: 1000,
		UnusedLocksMinRatio: 0.25,
	}
}

const debugMaxWriteLockCount = 1000

// Load reads a YAML config file, falling back to Default() for any field
// left unset, then applies environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading mdl config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing mdl config %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("MDL_MAX_WRITE_LOCK_COUNT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.MaxWriteLockCount = n
		}
	}
	if v := os.Getenv("MDL_UNUSED_LOCKS_LOW_WATER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UnusedLocksLowWater = n
		}
	}
	if v := os.Getenv("MDL_UNUSED_LOCKS_MIN_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.UnusedLocksMinRatio = f
		}
	}
}

// Validate checks the configuration for obviously invalid tunables.
func (c *Config) Validate() error {
	if c.MaxWriteLockCount == 0 {
		return fmt.Errorf("max_write_lock_count must be positive")
	}
	if c.UnusedLocksLowWater < 0 {
		return fmt.Errorf("unused_locks_low_water must not be negative")
	}
	if c.UnusedLocksMinRatio < 0 || c.UnusedLocksMinRatio > 1 {
		return fmt.Errorf("unused_locks_min_ratio must be within [0, 1]")
	}
	return nil
}
