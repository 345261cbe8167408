// Package tier0 is the baseline x86 interpreter. It decodes and executes
// one instruction at a time against a bus.CpuBus, and hands instructions
// that need privileged or device-side handling to the assist handler.
//
// Execute runs an instruction without retiring it; Step, ExecBlock and the
// batch runners retire each instruction as it completes and are the entry
// points the dispatcher uses.
package tier0

import (
	"errors"

	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
)

// DefaultBlockInsts is the instruction limit of one interpreter block.
const DefaultBlockInsts = 64

// ExitKind says why a batch or block stopped.
type ExitKind uint8

const (
	// ExitCompleted means the instruction budget was used up.
	ExitCompleted ExitKind = iota
	// ExitBranch means a control transfer ended the block.
	ExitBranch
	// ExitHalted means HLT retired.
	ExitHalted
	// ExitException means an instruction faulted.
	ExitException
	// ExitAssist means an instruction needs the assist handler.
	ExitAssist
)

func (k ExitKind) String() string {
	switch k {
	case ExitCompleted:
		return "completed"
	case ExitBranch:
		return "branch"
	case ExitHalted:
		return "halted"
	case ExitException:
		return "exception"
	case ExitAssist:
		return "assist"
	}
	return "unknown"
}

// BatchResult reports the outcome of a run of instructions.
type BatchResult struct {
	// Executed is the number of instructions retired.
	Executed uint64

	Exit      ExitKind
	Exception *cpu.Exception
	Assist    cpu.AssistReason
}

// Interpreter runs tier-0 execution for one CPU.
type Interpreter struct {
	assist     *AssistContext
	blockInsts int
}

// NewInterpreter creates an interpreter whose blocks stop after
// blockInsts instructions. A nil assist context gets a default one.
func NewInterpreter(assist *AssistContext, blockInsts int) *Interpreter {
	if assist == nil {
		assist = NewAssistContext()
	}
	if blockInsts <= 0 {
		blockInsts = DefaultBlockInsts
	}
	return &Interpreter{assist: assist, blockInsts: blockInsts}
}

// AssistContext returns the interpreter's assist context.
func (ip *Interpreter) AssistContext() *AssistContext { return ip.assist }

// BlockInsts returns the per-block instruction limit.
func (ip *Interpreter) BlockInsts() int { return ip.blockInsts }

// Step executes and retires one instruction. Assist-class instructions
// return an *AssistError without executing. Exceptions are returned with
// their side effects applied.
func (ip *Interpreter) Step(s *cpu.State, b bus.CpuBus) (Effect, error) {
	return step(nil, s, b)
}

func step(ctx *AssistContext, s *cpu.State, b bus.CpuBus) (Effect, error) {
	_, eff, err := Execute(ctx, s, b)
	if err != nil {
		return 0, raise(s, err)
	}
	retire(s, eff)
	return eff, nil
}

// RunBatch retires up to limit instructions, stopping at the first halt,
// exception or instruction that needs an assist. The assist is left
// pending at RIP for the caller.
func (ip *Interpreter) RunBatch(s *cpu.State, b bus.CpuBus, limit uint64) BatchResult {
	return ip.run(nil, s, b, limit, false)
}

// RunBatchWithAssists is RunBatch with assists resolved inline.
func (ip *Interpreter) RunBatchWithAssists(s *cpu.State, b bus.CpuBus, limit uint64) BatchResult {
	return ip.run(ip.assist, s, b, limit, false)
}

// ExecBlock runs one interpreter block: instructions are retired with
// assists resolved until a control transfer, a halt, an exception or the
// block limit.
func (ip *Interpreter) ExecBlock(s *cpu.State, b bus.CpuBus) BatchResult {
	return ip.run(ip.assist, s, b, uint64(ip.blockInsts), true)
}

func (ip *Interpreter) run(ctx *AssistContext, s *cpu.State, b bus.CpuBus, limit uint64, stopAtBranch bool) BatchResult {
	var res BatchResult
	for res.Executed < limit {
		if s.Halted {
			res.Exit = ExitHalted
			return res
		}
		eff, err := step(ctx, s, b)
		if err != nil {
			var (
				ae  *AssistError
				exc *cpu.Exception
			)
			switch {
			case errors.As(err, &ae):
				res.Exit = ExitAssist
				res.Assist = ae.Reason
			case errors.As(err, &exc):
				res.Exit = ExitException
				res.Exception = exc
			default:
				res.Exit = ExitException
				res.Exception = cpu.InvalidOpcode()
			}
			return res
		}
		res.Executed++
		if eff&EffectHalt != 0 {
			res.Exit = ExitHalted
			return res
		}
		if stopAtBranch && eff&EffectBranch != 0 {
			res.Exit = ExitBranch
			return res
		}
	}
	res.Exit = ExitCompleted
	return res
}
