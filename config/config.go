package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config holds the STM tunables. The number of registered threads is a
// compile-time constant (stm.MaxThreads) because the timestamp board and the
// read-indicator striping are laid out around it; everything else can be
// sized here before the runtime is created.
type Config struct {
	NumLocks       uint64 `toml:"num-locks"`        // Size of the write-lock array. Must be a power of two, at least 64.
	MaxReadSet     int    `toml:"max-read-set"`     // Maximum read locks acquired by one transaction.
	MaxWriteSet    int    `toml:"max-write-set"`    // Maximum undo-log entries recorded by one transaction.
	MaxAllocs      int    `toml:"max-allocs"`       // Maximum allocations in one transaction.
	MaxRetires     int    `toml:"max-retires"`      // Maximum retirements in one transaction.
	ArenaBlockSize int    `toml:"arena-block-size"` // Block size of the default arena allocator.
	LogLevel       string `toml:"log-level"`
	SpinWarnIters  uint64 `toml:"spin-warn-iters"` // Emit a warning after spinning this many iterations on one opponent.
}

const MB = 1024 * 1024

var DefaultConf = Config{
	NumLocks:       4 * 1024 * 1024, // one lock per 32 bytes of address space
	MaxReadSet:     64 * 1024,
	MaxWriteSet:    128 * 1024,
	MaxAllocs:      10 * 1024,
	MaxRetires:     10 * 1024,
	ArenaBlockSize: 4 * MB,
	LogLevel:       "info",
	SpinWarnIters:  100 * 1000 * 1000,
}

// Validate checks the invariants the lock plane is built on.
func (c *Config) Validate() error {
	if c.NumLocks < 64 || c.NumLocks&(c.NumLocks-1) != 0 {
		return errors.Errorf("num-locks must be a power of two >= 64, got %d", c.NumLocks)
	}
	if c.MaxReadSet <= 0 || c.MaxWriteSet <= 0 {
		return errors.Errorf("read/write set capacities must be positive, got %d/%d", c.MaxReadSet, c.MaxWriteSet)
	}
	if c.MaxAllocs <= 0 || c.MaxRetires <= 0 {
		return errors.Errorf("alloc/retire log capacities must be positive, got %d/%d", c.MaxAllocs, c.MaxRetires)
	}
	if c.ArenaBlockSize <= 0 {
		return errors.Errorf("arena-block-size must be positive, got %d", c.ArenaBlockSize)
	}
	return nil
}

// LoadFromFile reads a toml config file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	conf := DefaultConf
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, errors.Trace(err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}
