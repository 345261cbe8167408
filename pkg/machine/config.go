package machine

import (
	"fmt"

	"github.com/fortiblox/tiercore/internal/types"
	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/compilesvc"
	"github.com/fortiblox/tiercore/pkg/jit"
	"github.com/fortiblox/tiercore/pkg/jit/softjit"
	"github.com/fortiblox/tiercore/pkg/tier0"
)

// Default configuration values.
const (
	// DefaultMemorySize is the default guest RAM size (16 MiB).
	DefaultMemorySize = 16 << 20

	// DefaultMaxCompilesPerService bounds the compiles done by one
	// ServiceCompiles call; the rest stay queued.
	DefaultMaxCompilesPerService = 64
)

// Config holds machine configuration.
type Config struct {
	// MemorySize is the guest RAM size in bytes. It must be a multiple
	// of the page size.
	MemorySize uint64

	// Jit configures the tiered runtime and its code cache.
	Jit jit.Config

	// InterpBlockInsts is the instruction limit of one interpreter block.
	InterpBlockInsts int

	// CompileLimits bound the size of compiled blocks.
	CompileLimits softjit.Limits

	// CompileWorker, when its Endpoint is set, moves block discovery to
	// a remote compile worker. Otherwise compiles run in process.
	CompileWorker compilesvc.Config

	// MaxCompilesPerService bounds the work of one ServiceCompiles call.
	MaxCompilesPerService int

	// SnapshotPath is the snapshot database file. Empty disables
	// snapshots.
	SnapshotPath string

	// ProfilePath is the profile database directory. Empty disables
	// profiles unless ProfileInMemory is set.
	ProfilePath     string
	ProfileInMemory bool

	// ProfileMinCount is the least interpreter executions an entry needs
	// to be saved in, or warmed from, a profile.
	ProfileMinCount uint32

	// DeliverExceptions delivers architectural exceptions to the guest
	// through its IVT or IDT instead of stopping the run.
	DeliverExceptions bool

	// IO handles port I/O. Nil leaves the ports unconnected.
	IO bus.IoBus

	// OnError is called for errors that do not stop execution, such as
	// failed compiles (optional).
	OnError func(err error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MemorySize:            DefaultMemorySize,
		Jit:                   jit.DefaultConfig(),
		InterpBlockInsts:      tier0.DefaultBlockInsts,
		CompileLimits:         softjit.DefaultLimits(),
		MaxCompilesPerService: DefaultMaxCompilesPerService,
		ProfileMinCount:       jit.DefaultHotThreshold,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MemorySize == 0 || c.MemorySize%types.PageSize != 0 {
		return fmt.Errorf("%w: memory size %d is not a positive multiple of %d", ErrConfigInvalid, c.MemorySize, types.PageSize)
	}
	if err := c.Jit.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if c.InterpBlockInsts <= 0 {
		return fmt.Errorf("%w: interpreter block size must be positive", ErrConfigInvalid)
	}
	if c.CompileLimits.MaxInsts < 0 || c.CompileLimits.MaxBytes < 0 {
		return fmt.Errorf("%w: negative compile limit", ErrConfigInvalid)
	}
	if c.MaxCompilesPerService <= 0 {
		return fmt.Errorf("%w: max compiles per service must be positive", ErrConfigInvalid)
	}
	if c.ProfileMinCount == 0 {
		return fmt.Errorf("%w: profile min count must be positive", ErrConfigInvalid)
	}
	if c.CompileWorker.Endpoint != "" {
		worker := c.CompileWorker.WithDefaults()
		if err := worker.Validate(); err != nil {
			return fmt.Errorf("%w: compile worker: %v", ErrConfigInvalid, err)
		}
	}
	return nil
}
