package softjit

import (
	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/jit"
	"github.com/fortiblox/tiercore/pkg/tier0"
)

// Unit is an executable compiled block.
type Unit struct {
	Block

	// CodeAddr is the linear address of the first instruction and
	// CodePaddr its physical address at compile time.
	CodeAddr  uint64
	CodePaddr uint64
}

// BackendStats counts unit executions.
type BackendStats struct {
	Executed   uint64
	Committed  uint64
	RolledBack uint64

	// Mismatches counts entries refused because the CPU was not where
	// the unit was compiled for.
	Mismatches uint64
}

// Backend holds compiled units in a table and executes them. It
// implements jit.Backend and jit.UnitReleaser.
type Backend struct {
	bus    bus.CpuBus
	assist *tier0.AssistContext

	units []*Unit
	free  []uint32
	live  int

	stats BackendStats
}

var (
	_ jit.Backend      = (*Backend)(nil)
	_ jit.UnitReleaser = (*Backend)(nil)
)

// NewBackend creates a backend executing against b. SS loads inside
// units are completed through assist.
func NewBackend(b bus.CpuBus, assist *tier0.AssistContext) *Backend {
	if assist == nil {
		assist = tier0.NewAssistContext()
	}
	return &Backend{bus: b, assist: assist}
}

// Register stores u and returns its table index. Released indices are
// reused.
func (b *Backend) Register(u Unit) uint32 {
	b.live++
	if n := len(b.free); n > 0 {
		idx := b.free[n-1]
		b.free = b.free[:n-1]
		b.units[idx] = &u
		return idx
	}
	b.units = append(b.units, &u)
	return uint32(len(b.units) - 1)
}

// Unit returns the unit at tableIndex.
func (b *Backend) Unit(tableIndex uint32) (Unit, bool) {
	if int(tableIndex) >= len(b.units) || b.units[tableIndex] == nil {
		return Unit{}, false
	}
	return *b.units[tableIndex], true
}

// ReleaseUnit frees tableIndex for reuse. Releasing a free index is a
// no-op.
func (b *Backend) ReleaseUnit(tableIndex uint32) {
	if int(tableIndex) >= len(b.units) || b.units[tableIndex] == nil {
		return
	}
	b.units[tableIndex] = nil
	b.free = append(b.free, tableIndex)
	b.live--
}

// Len returns the number of live units.
func (b *Backend) Len() int { return b.live }

// Stats returns execution counters.
func (b *Backend) Stats() BackendStats { return b.stats }

// Execute runs the unit at tableIndex. The unit's instructions execute
// without being retired; the runtime retires them on a committed exit.
// Each instruction is decoded and compared with the compiled unit before
// it runs, so rewritten code is refused before it has any effect. If an
// instruction faults or does not match, registers and memory are
// restored and the exit asks the interpreter to run from the unit's
// entry.
func (b *Backend) Execute(tableIndex uint32, s *cpu.State) jit.BlockExit {
	b.stats.Executed++
	abort := jit.BlockExit{NextRIP: s.RIP, ExitToInterpreter: true}

	u, ok := b.Unit(tableIndex)
	if !ok || s.Bitness() != u.Bitness || s.CodeAddress() != u.CodeAddr {
		b.stats.Mismatches++
		return abort
	}
	if pa, ok := b.bus.Translate(u.CodeAddr); !ok || pa != u.CodePaddr {
		b.stats.Mismatches++
		return abort
	}

	saved := *s
	j := &journal{CpuBus: b.bus}
	for i, op := range u.Ops {
		in, err := tier0.Fetch(s, j)
		if err == nil && (in.Op != op || in.Len != int(u.Lens[i])) {
			err = errMismatch
		}
		if err == nil {
			// Only SS loads may complete through the assist path; any
			// other assist has effects the journal cannot undo.
			var ctx *tier0.AssistContext
			if in.LoadsSS() {
				ctx = b.assist
			}
			_, err = tier0.ExecuteDecoded(ctx, s, j, &in)
		}
		if err != nil {
			*s = saved
			j.rollback()
			b.bus.Sync(s)
			b.stats.RolledBack++
			return abort
		}
	}

	b.stats.Committed++
	return jit.BlockExit{
		NextRIP:           s.RIP,
		ExitToInterpreter: u.End == EndExitToInterpreter,
		Committed:         true,
	}
}
