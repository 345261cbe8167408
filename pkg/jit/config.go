package jit

import (
	"errors"
	"fmt"
)

// Default configuration values.
const (
	// DefaultHotThreshold is the number of interpreter executions of an
	// entry RIP after which a compile is requested.
	DefaultHotThreshold = 32

	// DefaultCacheMaxBlocks is the default compiled-block count limit.
	DefaultCacheMaxBlocks = 4096

	// DefaultCacheMaxBytes is the default guest-code byte budget (4 MiB).
	DefaultCacheMaxBytes = 4 << 20
)

// ErrConfigInvalid is returned by Validate.
var ErrConfigInvalid = errors.New("invalid jit configuration")

// Config tunes the tiered runtime. It is not changed after the runtime is
// constructed.
type Config struct {
	// Enabled turns compiled execution on. When false every block runs in
	// the interpreter and no compiles are requested.
	Enabled bool

	// HotThreshold is how many interpreter executions make an entry RIP
	// hot. Must be at least 1.
	HotThreshold uint32

	// CacheMaxBlocks bounds the number of cached compiled blocks.
	CacheMaxBlocks int

	// CacheMaxBytes bounds the summed guest-code bytes of cached blocks.
	// Zero means the block count is the only limit.
	CacheMaxBytes uint64
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		HotThreshold:   DefaultHotThreshold,
		CacheMaxBlocks: DefaultCacheMaxBlocks,
		CacheMaxBytes:  DefaultCacheMaxBytes,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HotThreshold == 0 {
		return fmt.Errorf("%w: hot threshold must be positive", ErrConfigInvalid)
	}
	if c.CacheMaxBlocks <= 0 {
		return fmt.Errorf("%w: cache max blocks must be positive", ErrConfigInvalid)
	}
	return nil
}
