package softjit

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortiblox/tiercore/internal/types"
	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/codecache"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/tier0"
)

// Compile errors.
var (
	// ErrDeclined is returned when the code at an address yields no
	// compilable instructions.
	ErrDeclined = errors.New("compile declined")

	// ErrNotMapped is returned when the entry address has no
	// translation.
	ErrNotMapped = errors.New("code address not mapped")
)

// CodeReader reads guest-physical memory.
type CodeReader interface {
	Read(paddr uint64, buf []byte)
}

// PageSnapshotter captures page versions; jit.Runtime implements it.
type PageSnapshotter interface {
	SnapshotPages(pages []uint64) []codecache.PageVersionSnapshot
}

// Discoverer finds the block at an address. Discover is the local
// implementation; a remote compile worker is another.
type Discoverer interface {
	Discover(ctx context.Context, code []byte, rip uint64, bitness int, limits Limits) (Block, error)
}

// LocalDiscoverer runs Discover in process.
type LocalDiscoverer struct{}

// Discover implements Discoverer.
func (LocalDiscoverer) Discover(_ context.Context, code []byte, rip uint64, bitness int, limits Limits) (Block, error) {
	return Discover(code, rip, bitness, limits), nil
}

// Compiler turns hot entry RIPs of one CPU into backend units and cache
// handles.
type Compiler struct {
	state    *cpu.State
	bus      bus.CpuBus
	mem      CodeReader
	versions PageSnapshotter
	backend  *Backend
	discover Discoverer
	limits   Limits
}

// NewCompiler creates a compiler for the CPU whose state is s. Code is
// located through b without side effects and read from mem. A nil
// discoverer compiles locally.
func NewCompiler(s *cpu.State, b bus.CpuBus, mem CodeReader, versions PageSnapshotter, backend *Backend, d Discoverer, limits Limits) *Compiler {
	if d == nil {
		d = LocalDiscoverer{}
	}
	return &Compiler{
		state:    s,
		bus:      b,
		mem:      mem,
		versions: versions,
		backend:  backend,
		discover: d,
		limits:   limits.withDefaults(),
	}
}

// Compile builds the block at rip in the CPU's current code segment and
// registers its unit with the backend. Page versions are captured before
// the code bytes are read, so a write racing with the compile makes the
// handle stale rather than wrong.
func (c *Compiler) Compile(ctx context.Context, rip uint64) (codecache.CompiledBlockHandle, error) {
	if err := ctx.Err(); err != nil {
		return codecache.CompiledBlockHandle{}, err
	}
	linear := c.state.LinearAddress(cpu.CS, rip)
	bitness := c.state.Bitness()

	// Locate every page the largest possible block could touch.
	window := uint64(c.limits.MaxBytes + tier0.MaxInstLen)
	var (
		pages []uint64
		paddr []uint64
	)
	for off := uint64(0); off < window; {
		pa, ok := c.bus.Translate(linear + off)
		if !ok {
			break
		}
		pages = append(pages, types.PageOf(pa))
		paddr = append(paddr, pa)
		off += types.PageSize - types.PageOffset(linear+off)
	}
	if len(pages) == 0 {
		return codecache.CompiledBlockHandle{}, fmt.Errorf("%w: %#x", ErrNotMapped, linear)
	}
	snap := c.versions.SnapshotPages(pages)

	code := make([]byte, 0, window)
	for _, pa := range paddr {
		n := types.PageSize - types.PageOffset(pa)
		if rem := window - uint64(len(code)); n > rem {
			n = rem
		}
		buf := make([]byte, n)
		c.mem.Read(pa, buf)
		code = append(code, buf...)
	}

	blk, err := c.discover.Discover(ctx, code, rip, bitness, c.limits)
	if err != nil {
		return codecache.CompiledBlockHandle{}, fmt.Errorf("discover %#x: %w", rip, err)
	}
	if blk.InstructionCount() == 0 {
		return codecache.CompiledBlockHandle{}, fmt.Errorf("%w: %#x (%s)", ErrDeclined, rip, blk.End)
	}

	// Keep only the pages the block's bytes lie on.
	used := 1
	for covered := types.PageSize - types.PageOffset(linear); covered < uint64(blk.ByteLen); covered += types.PageSize {
		used++
	}
	if used > len(snap) {
		used = len(snap)
	}

	idx := c.backend.Register(Unit{Block: blk, CodeAddr: linear, CodePaddr: paddr[0]})
	return codecache.CompiledBlockHandle{
		EntryRIP:   rip,
		TableIndex: idx,
		Meta: codecache.CompiledBlockMeta{
			CodePaddr:                   paddr[0],
			ByteLen:                     uint32(blk.ByteLen),
			PageVersions:                append([]codecache.PageVersionSnapshot(nil), snap[:used]...),
			InstructionCount:            uint32(blk.InstructionCount()),
			InhibitInterruptsAfterBlock: blk.InhibitAfter,
		},
	}, nil
}
