// Package machine assembles a complete tiered x86 machine: guest RAM with
// page-version tracking, one CPU, the dispatcher over the interpreter and
// the compiled-block runtime, and the optional compile worker, snapshot
// and profile stores.
//
// A Machine runs in slices. RunBlocks executes up to a given number of
// blocks; ServiceCompiles then turns the entries that became hot into
// compiled blocks. Run alternates the two until the CPU halts, faults or
// the context ends.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fortiblox/tiercore/internal/types"
	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/compilesvc"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/exec"
	"github.com/fortiblox/tiercore/pkg/jit"
	"github.com/fortiblox/tiercore/pkg/jit/softjit"
	"github.com/fortiblox/tiercore/pkg/memory"
	"github.com/fortiblox/tiercore/pkg/profile"
	"github.com/fortiblox/tiercore/pkg/snapshot"
	"github.com/fortiblox/tiercore/pkg/tier0"
)

// Machine errors.
var (
	ErrConfigInvalid     = errors.New("invalid machine configuration")
	ErrClosed            = errors.New("machine closed")
	ErrSnapshotsDisabled = errors.New("snapshots are not configured")
	ErrProfilesDisabled  = errors.New("profiles are not configured")
)

// RunExitKind says why RunBlocks returned.
type RunExitKind uint8

const (
	// RunCompleted means the block budget was used up.
	RunCompleted RunExitKind = iota
	// RunHalted means the CPU halted with no interrupt able to wake it.
	RunHalted
	// RunException means an exception stopped execution.
	RunException
)

func (k RunExitKind) String() string {
	switch k {
	case RunCompleted:
		return "completed"
	case RunHalted:
		return "halted"
	case RunException:
		return "exception"
	}
	return "unknown"
}

// RunResult reports one run slice.
type RunResult struct {
	Kind   RunExitKind
	Detail string

	ExecutedBlocks uint64
	InterpBlocks   uint64
	JitBlocks      uint64

	// Exception is set for RunException when the cause was architectural.
	Exception *cpu.Exception
}

func (r *RunResult) add(o RunResult) {
	r.Kind, r.Detail, r.Exception = o.Kind, o.Detail, o.Exception
	r.ExecutedBlocks += o.ExecutedBlocks
	r.InterpBlocks += o.InterpBlocks
	r.JitBlocks += o.JitBlocks
}

// Stats is a point-in-time view of machine counters.
type Stats struct {
	Runtime    jit.Stats
	Dispatcher exec.Stats
	Backend    softjit.BackendStats
	Assists    tier0.AssistStats

	CacheBlocks int
	CacheBytes  uint64
	Units       int

	Compiles            uint64
	CompilesDeclined    uint64
	CompileFailures     uint64
	ExceptionsDelivered uint64

	InstRetired uint64
}

// Machine is one tiered x86 CPU with its memory. It is not safe for
// concurrent use; guest RAM alone may be written from other goroutines.
type Machine struct {
	config Config

	mem     *memory.PhysMemory
	bus     *bus.PagingBus
	core    *cpu.Core
	vcpu    *exec.Vcpu
	interp  *tier0.Interpreter
	backend *softjit.Backend
	queue   *jit.CompileQueue
	runtime *jit.Runtime
	disp    *exec.Dispatcher

	compiler *softjit.Compiler
	worker   *compilesvc.Client

	snapshots *snapshot.Store
	profiles  *profile.Store

	compiles            uint64
	compilesDeclined    uint64
	compileFailures     uint64
	exceptionsDelivered uint64

	closed atomic.Bool
}

// New creates a machine reset to real mode at 0:0. A nil config uses
// DefaultConfig.
func New(config *Config) (*Machine, error) {
	if config == nil {
		def := DefaultConfig()
		config = &def
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	mem, err := memory.New(config.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("allocate guest memory: %w", err)
	}
	m := &Machine{
		config: *config,
		mem:    mem,
		core:   cpu.NewCore(0),
		queue:  jit.NewCompileQueue(),
	}
	m.bus = bus.NewPagingBus(mem, config.IO)
	m.vcpu = exec.NewVcpu(m.core, m.bus)
	m.interp = tier0.NewInterpreter(nil, config.InterpBlockInsts)
	m.backend = softjit.NewBackend(m.bus, m.interp.AssistContext())
	m.runtime = jit.NewRuntime(config.Jit, m.backend, m.queue, memory.NewPageVersions(mem.Pages()))
	m.disp = exec.NewDispatcher(m.interp, m.runtime)
	mem.SetObserver(m.runtime)

	if config.CompileWorker.Endpoint != "" {
		m.worker, err = compilesvc.Dial(context.Background(), config.CompileWorker)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("connect compile worker: %w", err)
		}
		m.compiler = compilesvc.NewRemoteCompiler(m.worker, &m.core.State, m.bus, mem, m.runtime, m.backend, config.CompileLimits)
	} else {
		m.compiler = softjit.NewCompiler(&m.core.State, m.bus, mem, m.runtime, m.backend, nil, config.CompileLimits)
	}

	if config.SnapshotPath != "" {
		m.snapshots, err = snapshot.Open(snapshot.DefaultConfig(config.SnapshotPath))
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
	}
	if config.ProfilePath != "" || config.ProfileInMemory {
		pc := profile.DefaultConfig(config.ProfilePath)
		pc.InMemory = config.ProfileInMemory
		m.profiles, err = profile.Open(pc)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open profile store: %w", err)
		}
	}
	return m, nil
}

// Memory returns guest RAM.
func (m *Machine) Memory() *memory.PhysMemory { return m.mem }

// State returns the CPU state.
func (m *Machine) State() *cpu.State { return &m.core.State }

// Runtime returns the tiered runtime.
func (m *Machine) Runtime() *jit.Runtime { return m.runtime }

// LoadImage copies data into guest RAM at paddr.
func (m *Machine) LoadImage(paddr uint64, data []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.mem.Load(paddr, data)
}

// ResetRealMode resets the CPU to real mode at 0:entryIP, drops pending
// interrupts and empties the code cache and compile queue. Memory is
// left alone.
func (m *Machine) ResetRealMode(entryIP uint16) {
	m.core.State.ResetRealMode(entryIP)
	m.core.Pending.Clear()
	m.disp.Reset()
	m.runtime.Reset()
	m.queue.Clear()
}

// InjectInterrupt queues an external interrupt. It is delivered at the
// first block boundary where interrupts are enabled.
func (m *Machine) InjectInterrupt(vector cpu.Vector) {
	m.core.Pending.RaiseExternal(vector)
}

// RunBlocks executes up to maxBlocks blocks. Interrupt deliveries do not
// count against the budget.
func (m *Machine) RunBlocks(maxBlocks uint64) RunResult {
	var res RunResult
	if m.closed.Load() {
		res.Kind = RunException
		res.Detail = ErrClosed.Error()
		return res
	}

	s := &m.core.State
	for res.ExecutedBlocks < maxBlocks {
		out, err := m.disp.Step(m.vcpu)
		if out.Kind == exec.OutcomeBlock {
			res.ExecutedBlocks++
			if out.Tier == exec.TierJit {
				res.JitBlocks++
			} else {
				res.InterpBlocks++
			}
		}
		if err != nil {
			var exc *cpu.Exception
			if errors.As(err, &exc) && m.config.DeliverExceptions {
				m.bus.Sync(s)
				derr := tier0.Deliver(s, m.bus, tier0.ExceptionEvent(exc, s.RIP))
				if derr == nil {
					m.exceptionsDelivered++
					continue
				}
				err = fmt.Errorf("delivering %v: %w", exc, derr)
				exc = nil
				errors.As(derr, &exc)
			}
			res.Kind = RunException
			res.Exception = exc
			res.Detail = err.Error()
			return res
		}
		if out.Kind == exec.OutcomeHalted {
			res.Kind = RunHalted
			return res
		}
	}
	res.Kind = RunCompleted
	return res
}

// Run alternates RunBlocks slices of sliceBlocks with ServiceCompiles
// until the CPU halts, faults or ctx is done.
func (m *Machine) Run(ctx context.Context, sliceBlocks uint64) (RunResult, error) {
	var total RunResult
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		total.add(m.RunBlocks(sliceBlocks))
		if total.Kind != RunCompleted {
			return total, nil
		}
		if _, err := m.ServiceCompiles(ctx); err != nil {
			return total, err
		}
	}
}

// ServiceCompiles compiles queued entries and installs them. Entries
// that are already compiled, or no longer hot, are skipped; an entry
// evicted from the cache is compiled again only after the interpreter
// has made it hot again. Declined and failed compiles are counted. It
// returns the number of blocks installed.
func (m *Machine) ServiceCompiles(ctx context.Context) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	pending := m.queue.Drain()
	installed := 0
	for i, rip := range pending {
		if i >= m.config.MaxCompilesPerService || ctx.Err() != nil {
			for _, r := range pending[i:] {
				m.queue.RequestCompile(r)
			}
			return installed, ctx.Err()
		}
		if m.runtime.IsCompiled(rip) || !m.runtime.IsHot(rip) {
			continue
		}
		h, err := m.compiler.Compile(ctx, rip)
		if err != nil {
			if errors.Is(err, softjit.ErrDeclined) {
				m.compilesDeclined++
				continue
			}
			m.compileFailures++
			m.reportError(fmt.Errorf("compile %#x: %w", rip, err))
			continue
		}
		m.compiles++
		m.runtime.InstallHandle(h)
		installed++
	}
	return installed, nil
}

// SaveSnapshot stores the CPU state and guest RAM under name.
func (m *Machine) SaveSnapshot(name string) (snapshot.ID, error) {
	if m.closed.Load() {
		return snapshot.ID{}, ErrClosed
	}
	if m.snapshots == nil {
		return snapshot.ID{}, ErrSnapshotsDisabled
	}
	return m.snapshots.Save(name, &m.core.State, m.mem)
}

// RestoreSnapshot loads the snapshot named by ref, a name or base58 ID.
// Pending interrupts are dropped. Compiled blocks on pages the restore
// changed become stale; the rest stay usable.
func (m *Machine) RestoreSnapshot(ref string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.snapshots == nil {
		return ErrSnapshotsDisabled
	}
	id, err := m.snapshots.Resolve(ref)
	if err != nil {
		return err
	}
	if err := m.snapshots.Load(id, &m.core.State, m.mem); err != nil {
		return err
	}
	m.core.Pending.Clear()
	m.disp.Reset()
	m.bus.Sync(&m.core.State)
	return nil
}

// Snapshots lists stored snapshots.
func (m *Machine) Snapshots() ([]snapshot.Info, error) {
	if m.snapshots == nil {
		return nil, ErrSnapshotsDisabled
	}
	return m.snapshots.List()
}

// SaveProfile records the entries that ran at least ProfileMinCount
// times. It returns the number of entries recorded.
func (m *Machine) SaveProfile() (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if m.profiles == nil {
		return 0, ErrProfilesDisabled
	}
	var entries []profile.Entry
	m.runtime.HotEntries(func(rip uint64, count uint32) {
		if count < m.config.ProfileMinCount {
			return
		}
		code := m.codeAt(rip)
		if code == nil {
			return
		}
		entries = append(entries, profile.Entry{
			EntryRIP:    rip,
			Count:       count,
			Fingerprint: profile.Fingerprint(code),
		})
	})
	if err := m.profiles.Record(entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// WarmStart seeds hotness from the stored profile for entries whose code
// is unchanged, queueing compiles for those already hot enough. It
// returns the number of entries seeded.
func (m *Machine) WarmStart() (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if m.profiles == nil {
		return 0, ErrProfilesDisabled
	}
	hot, err := m.profiles.Hot(m.config.ProfileMinCount)
	if err != nil {
		return 0, err
	}
	seeded := 0
	for _, e := range hot {
		code := m.codeAt(e.EntryRIP)
		if code == nil || profile.Fingerprint(code) != e.Fingerprint {
			continue
		}
		m.runtime.SeedHotness(e.EntryRIP, e.Count)
		seeded++
	}
	return seeded, nil
}

// codeAt returns up to profile.FingerprintBytes of code at rip in the
// current code segment, stopping at the page end, or nil if unmapped.
func (m *Machine) codeAt(rip uint64) []byte {
	s := &m.core.State
	m.bus.Sync(s)
	linear := s.LinearAddress(cpu.CS, rip)
	pa, ok := m.bus.Translate(linear)
	if !ok {
		return nil
	}
	n := types.PageSize - types.PageOffset(pa)
	if n > profile.FingerprintBytes {
		n = profile.FingerprintBytes
	}
	buf := make([]byte, n)
	m.mem.Read(pa, buf)
	return buf
}

// Stats returns a snapshot of the machine's counters.
func (m *Machine) Stats() Stats {
	return Stats{
		Runtime:             m.runtime.Stats(),
		Dispatcher:          m.disp.Stats(),
		Backend:             m.backend.Stats(),
		Assists:             m.interp.AssistContext().Stats,
		CacheBlocks:         m.runtime.CacheLen(),
		CacheBytes:          m.runtime.CacheBytes(),
		Units:               m.backend.Len(),
		Compiles:            m.compiles,
		CompilesDeclined:    m.compilesDeclined,
		CompileFailures:     m.compileFailures,
		ExceptionsDelivered: m.exceptionsDelivered,
		InstRetired:         m.core.State.InstRetired,
	}
}

// Close releases the stores, the worker connection and guest RAM.
func (m *Machine) Close() error {
	if m.closed.Swap(true) {
		return ErrClosed
	}
	var errs []error
	if m.worker != nil {
		errs = append(errs, m.worker.Close())
	}
	if m.snapshots != nil {
		errs = append(errs, m.snapshots.Close())
	}
	if m.profiles != nil {
		errs = append(errs, m.profiles.Close())
	}
	m.mem.SetObserver(nil)
	errs = append(errs, m.mem.Close())
	return errors.Join(errs...)
}

func (m *Machine) reportError(err error) {
	if m.config.OnError != nil {
		m.config.OnError(err)
	}
}
