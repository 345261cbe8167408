// Package exec chooses, at every step, which tier runs a CPU: a pending
// interrupt is delivered, a current compiled block is executed, or the
// interpreter runs one block and feeds the hotness counters that drive
// compilation.
package exec

import (
	"errors"

	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/jit"
	"github.com/fortiblox/tiercore/pkg/tier0"
)

// Tier identifies the execution tier that ran a block.
type Tier uint8

const (
	TierInterpreter Tier = iota
	TierJit
)

func (t Tier) String() string {
	if t == TierJit {
		return "jit"
	}
	return "interpreter"
}

// OutcomeKind says what a step did.
type OutcomeKind uint8

const (
	// OutcomeBlock means a block of instructions ran.
	OutcomeBlock OutcomeKind = iota
	// OutcomeInterruptDelivered means an external interrupt was
	// delivered and no instruction ran.
	OutcomeInterruptDelivered
	// OutcomeHalted means the CPU is halted with nothing to wake it.
	OutcomeHalted
)

// StepOutcome reports one dispatcher step.
type StepOutcome struct {
	Kind OutcomeKind

	// Tier, EntryRIP and Retired describe the block for OutcomeBlock.
	Tier     Tier
	EntryRIP uint64
	Retired  uint64

	// Vector is the delivered vector for OutcomeInterruptDelivered.
	Vector cpu.Vector
}

// StepHalted is the outcome of stepping a halted CPU.
var StepHalted = StepOutcome{Kind: OutcomeHalted}

// Vcpu is a CPU together with the bus it executes against.
type Vcpu struct {
	Core *cpu.Core
	Bus  bus.CpuBus
}

// NewVcpu pairs core with b.
func NewVcpu(core *cpu.Core, b bus.CpuBus) *Vcpu {
	return &Vcpu{Core: core, Bus: b}
}

// Stats counts dispatcher decisions.
type Stats struct {
	Steps               uint64
	InterruptsDelivered uint64
	InterpBlocks        uint64
	JitBlocks           uint64

	// Fallbacks counts compiled blocks that rolled back and were rerun
	// by the interpreter in the same step.
	Fallbacks uint64
}

// Dispatcher runs one Vcpu across the interpreter and the tiered
// runtime. It is not safe for concurrent use.
type Dispatcher struct {
	interp  *tier0.Interpreter
	runtime *jit.Runtime

	// forceInterp sends the next block through the interpreter after a
	// compiled block handed control back.
	forceInterp bool

	stats Stats
}

// NewDispatcher creates a dispatcher. A nil runtime runs everything in
// the interpreter.
func NewDispatcher(interp *tier0.Interpreter, rt *jit.Runtime) *Dispatcher {
	if interp == nil {
		interp = tier0.NewInterpreter(nil, 0)
	}
	return &Dispatcher{interp: interp, runtime: rt}
}

// Interpreter returns the interpreter.
func (d *Dispatcher) Interpreter() *tier0.Interpreter { return d.interp }

// Runtime returns the tiered runtime, which may be nil.
func (d *Dispatcher) Runtime() *jit.Runtime { return d.runtime }

// Stats returns the dispatcher's counters.
func (d *Dispatcher) Stats() Stats { return d.stats }

// Reset forgets the forced-interpreter state.
func (d *Dispatcher) Reset() { d.forceInterp = false }

// Step runs the vcpu to the next block boundary. Architectural
// exceptions are returned as *cpu.Exception with their side effects
// applied; delivering them is up to the caller.
func (d *Dispatcher) Step(v *Vcpu) (StepOutcome, error) {
	s := &v.Core.State
	d.stats.Steps++
	v.Bus.Sync(s)

	if !d.forceInterp && v.Core.Pending.HasExternal() && s.InterruptsEnabled() {
		vec, _ := v.Core.Pending.PopExternal()
		if err := tier0.Deliver(s, v.Bus, tier0.Event{Vector: vec, ReturnRIP: s.RIP}); err != nil {
			return StepOutcome{}, raise(s, err)
		}
		v.Bus.Sync(s)
		d.stats.InterruptsDelivered++
		return StepOutcome{Kind: OutcomeInterruptDelivered, Vector: vec}, nil
	}
	if s.Halted {
		return StepHalted, nil
	}

	rip := s.RIP
	if d.runtime != nil && !d.forceInterp {
		if h, ok := d.runtime.PrepareBlock(rip); ok {
			before := s.InstRetired
			exit := d.runtime.ExecuteBlock(s, h)
			if exit.Committed {
				d.forceInterp = exit.ExitToInterpreter
				d.stats.JitBlocks++
				return StepOutcome{
					Kind:     OutcomeBlock,
					Tier:     TierJit,
					EntryRIP: rip,
					Retired:  s.InstRetired - before,
				}, nil
			}
			d.stats.Fallbacks++
		}
	}
	return d.interpret(v, rip)
}

func (d *Dispatcher) interpret(v *Vcpu, rip uint64) (StepOutcome, error) {
	s := &v.Core.State
	d.forceInterp = false
	if d.runtime != nil {
		d.runtime.RecordExecution(rip)
	}
	res := d.interp.ExecBlock(s, v.Bus)
	d.stats.InterpBlocks++

	out := StepOutcome{
		Kind:     OutcomeBlock,
		Tier:     TierInterpreter,
		EntryRIP: rip,
		Retired:  res.Executed,
	}
	if res.Exit == tier0.ExitException {
		return out, res.Exception
	}
	return out, nil
}

// raise applies the side effects of an exception raised while
// delivering an interrupt.
func raise(s *cpu.State, err error) error {
	var exc *cpu.Exception
	if errors.As(err, &exc) {
		s.ApplyExceptionSideEffects(exc)
	}
	return err
}
