package tier0

import (
	"errors"
	"fmt"

	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
)

// Effect describes architectural side effects of an executed instruction
// that the retirement step must apply.
type Effect uint8

const (
	// EffectBranch marks a control transfer.
	EffectBranch Effect = 1 << iota
	// EffectShadow opens a one-instruction interrupt shadow after
	// retirement.
	EffectShadow
	// EffectHalt marks HLT.
	EffectHalt
)

// AssistError is returned when an instruction needs the assist handler.
// CPU state is unchanged.
type AssistError struct {
	Reason cpu.AssistReason
	Op     Op
}

func (e *AssistError) Error() string {
	return fmt.Sprintf("assist required: %s (%s)", e.Reason, e.Op)
}

// fetchDecode reads and decodes the instruction at CS:RIP. A fetch fault
// is only raised if the instruction actually extends into the faulting
// page.
func fetchDecode(s *cpu.State, b bus.CpuBus) (Inst, error) {
	var buf [MaxInstLen]byte
	n, ferr := b.Fetch(s.CodeAddress(), buf[:])
	in, err := Decode(buf[:n], s.Bitness())
	switch {
	case err == nil:
		return in, nil
	case errors.Is(err, ErrTruncated) && ferr != nil:
		return in, ferr
	case errors.Is(err, ErrTooLong):
		return in, cpu.GP(0)
	}
	return in, cpu.InvalidOpcode()
}

// Execute runs the instruction at RIP without retiring it. Assist-class
// instructions are completed through ctx; with a nil ctx they return an
// *AssistError and leave the state untouched. On error RIP still points at
// the instruction and no exception side effects have been applied.
func Execute(ctx *AssistContext, s *cpu.State, b bus.CpuBus) (Inst, Effect, error) {
	in, err := fetchDecode(s, b)
	if err != nil {
		return in, 0, err
	}
	eff, err := ExecuteDecoded(ctx, s, b, &in)
	return in, eff, err
}

// Fetch decodes the instruction at CS:RIP without executing it.
func Fetch(s *cpu.State, b bus.CpuBus) (Inst, error) {
	return fetchDecode(s, b)
}

// ExecuteDecoded runs in, fetched at RIP, the way Execute would. Callers
// use it to inspect an instruction before letting it touch the machine.
func ExecuteDecoded(ctx *AssistContext, s *cpu.State, b bus.CpuBus, in *Inst) (Effect, error) {
	if reason, ok := in.Assist(); ok {
		if ctx == nil {
			return 0, &AssistError{Reason: reason, Op: in.Op}
		}
		return ctx.execute(s, b, in, reason)
	}
	return execute(s, b, in)
}

// execute runs a decoded non-assist instruction.
func execute(s *cpu.State, b bus.CpuBus, in *Inst) (Effect, error) {
	next := (s.RIP + uint64(in.Len)) & s.IPMask()

	switch in.Op {
	case OpNop:

	case OpMovRmReg:
		v := s.ReadGPR(in.Reg, in.OpSize, in.Rex)
		if err := writeRM(s, b, in, next, v); err != nil {
			return 0, err
		}

	case OpMovRegRm:
		v, err := readRM(s, b, in, next)
		if err != nil {
			return 0, err
		}
		s.WriteGPR(in.Reg, in.OpSize, in.Rex, v)

	case OpMovRegImm:
		s.WriteGPR(in.Reg, in.OpSize, in.Rex, in.Imm)

	case OpMovRmImm:
		if err := writeRM(s, b, in, next, in.Imm); err != nil {
			return 0, err
		}

	case OpLea:
		s.WriteGPR(in.Reg, in.OpSize, in.Rex, effectiveAddress(s, in, next))

	case OpAluRmReg, OpAluRegRm, OpAluAccImm, OpAluRmImm:
		if err := execAlu(s, b, in, next); err != nil {
			return 0, err
		}

	case OpInc, OpDec:
		var (
			v   uint64
			err error
		)
		if in.Mem {
			v, err = readRM(s, b, in, next)
		} else {
			v = s.ReadGPR(in.RM, in.OpSize, in.Rex)
		}
		if err != nil {
			return 0, err
		}
		r, f := incDec(in.Op == OpDec, v, in.OpSize)
		if in.Mem {
			err = writeRM(s, b, in, next, r)
		} else {
			s.WriteGPR(in.RM, in.OpSize, in.Rex, r)
		}
		if err != nil {
			return 0, err
		}
		setArith(s, f, cpu.FlagCF)

	case OpPush:
		v := s.ReadGPR(in.Reg, in.OpSize, true)
		if in.Reg == cpu.RSP {
			v = s.GPR[cpu.RSP] & sizeMask(in.OpSize)
		}
		if err := push(s, b, in.OpSize, v); err != nil {
			return 0, err
		}

	case OpPop:
		v, err := pop(s, b, in.OpSize)
		if err != nil {
			return 0, err
		}
		s.WriteGPR(in.Reg, in.OpSize, true, v)

	case OpJmp:
		s.RIP = branchTarget(next, in.Rel, in.OpSize)
		return EffectBranch, nil

	case OpJcc:
		if condition(in.Cond, s.RFLAGS) {
			s.RIP = branchTarget(next, in.Rel, in.OpSize)
		} else {
			s.RIP = next
		}
		return EffectBranch, nil

	case OpCall:
		if err := push(s, b, in.OpSize, next); err != nil {
			return 0, err
		}
		s.RIP = branchTarget(next, in.Rel, in.OpSize)
		return EffectBranch, nil

	case OpRet:
		target, err := pop(s, b, in.OpSize)
		if err != nil {
			return 0, err
		}
		s.RIP = target & sizeMask(in.OpSize)
		return EffectBranch, nil

	case OpHlt:
		if s.CPL() != 0 {
			return 0, cpu.GP(0)
		}
		s.Halted = true
		s.RIP = next
		return EffectHalt | EffectBranch, nil

	case OpCli, OpSti:
		if s.Mode != cpu.ModeReal && s.CPL() > s.IOPL() {
			return 0, cpu.GP(0)
		}
		var eff Effect
		if in.Op == OpSti {
			if !s.Flag(cpu.FlagIF) {
				eff = EffectShadow
			}
			s.SetFlag(cpu.FlagIF, true)
		} else {
			s.SetFlag(cpu.FlagIF, false)
		}
		s.RIP = next
		return eff, nil

	default:
		return 0, cpu.InvalidOpcode()
	}

	s.RIP = next
	return 0, nil
}

func execAlu(s *cpu.State, b bus.CpuBus, in *Inst, next uint64) error {
	var (
		dst, src uint64
		err      error
	)
	switch in.Op {
	case OpAluRmReg:
		if dst, err = readRM(s, b, in, next); err != nil {
			return err
		}
		src = s.ReadGPR(in.Reg, in.OpSize, in.Rex)
	case OpAluRegRm:
		dst = s.ReadGPR(in.Reg, in.OpSize, in.Rex)
		if src, err = readRM(s, b, in, next); err != nil {
			return err
		}
	case OpAluAccImm:
		dst = s.ReadGPR(cpu.RAX, in.OpSize, in.Rex)
		src = in.Imm
	case OpAluRmImm:
		if dst, err = readRM(s, b, in, next); err != nil {
			return err
		}
		src = in.Imm
	}

	r, f, write := alu(in.Alu, dst, src, in.OpSize, s.Flag(cpu.FlagCF))
	if write {
		switch in.Op {
		case OpAluRegRm:
			s.WriteGPR(in.Reg, in.OpSize, in.Rex, r)
		case OpAluAccImm:
			s.WriteGPR(cpu.RAX, in.OpSize, in.Rex, r)
		default:
			if err := writeRM(s, b, in, next, r); err != nil {
				return err
			}
		}
	}
	setArith(s, f, 0)
	return nil
}

func branchTarget(next uint64, rel int64, opSize int) uint64 {
	return (next + uint64(rel)) & sizeMask(opSize)
}

// effectiveAddress computes the offset part of a memory operand.
func effectiveAddress(s *cpu.State, in *Inst, next uint64) uint64 {
	ea := uint64(in.Disp)
	if in.RIPRel {
		ea += next
	}
	if in.Base >= 0 {
		ea += s.GPR[in.Base]
	}
	if in.Index >= 0 {
		ea += s.GPR[in.Index] * uint64(in.Scale)
	}
	return ea & sizeMask(in.AddrSize)
}

func operandAddress(s *cpu.State, in *Inst, next uint64) uint64 {
	return s.LinearAddress(in.Seg, effectiveAddress(s, in, next))
}

func readRM(s *cpu.State, b bus.CpuBus, in *Inst, next uint64) (uint64, error) {
	if !in.Mem {
		return s.ReadGPR(in.RM, in.OpSize, in.Rex), nil
	}
	return readMem(b, operandAddress(s, in, next), in.OpSize)
}

func writeRM(s *cpu.State, b bus.CpuBus, in *Inst, next uint64, v uint64) error {
	if !in.Mem {
		s.WriteGPR(in.RM, in.OpSize, in.Rex, v)
		return nil
	}
	return writeMem(b, operandAddress(s, in, next), in.OpSize, v)
}

func readMem(b bus.CpuBus, addr uint64, size int) (uint64, error) {
	switch size {
	case 1:
		v, err := b.ReadU8(addr)
		return uint64(v), err
	case 2:
		v, err := b.ReadU16(addr)
		return uint64(v), err
	case 4:
		v, err := b.ReadU32(addr)
		return uint64(v), err
	}
	return b.ReadU64(addr)
}

func writeMem(b bus.CpuBus, addr uint64, size int, v uint64) error {
	switch size {
	case 1:
		return b.WriteU8(addr, uint8(v))
	case 2:
		return b.WriteU16(addr, uint16(v))
	case 4:
		return b.WriteU32(addr, uint32(v))
	}
	return b.WriteU64(addr, v)
}

// stackAddrSize is the width of the stack pointer in bytes.
func stackAddrSize(s *cpu.State) int {
	switch {
	case s.Mode == cpu.ModeLong:
		return 8
	case s.Mode == cpu.ModeProtected && s.Segs[cpu.SS].Big:
		return 4
	}
	return 2
}

func push(s *cpu.State, b bus.CpuBus, size int, v uint64) error {
	spSize := stackAddrSize(s)
	sp := (s.GPR[cpu.RSP] - uint64(size)) & sizeMask(spSize)
	if err := writeMem(b, s.LinearAddress(cpu.SS, sp), size, v); err != nil {
		return err
	}
	s.WriteGPR(cpu.RSP, spSize, true, sp)
	return nil
}

func pop(s *cpu.State, b bus.CpuBus, size int) (uint64, error) {
	spSize := stackAddrSize(s)
	sp := s.GPR[cpu.RSP] & sizeMask(spSize)
	v, err := readMem(b, s.LinearAddress(cpu.SS, sp), size)
	if err != nil {
		return 0, err
	}
	s.WriteGPR(cpu.RSP, spSize, true, sp+uint64(size))
	return v, nil
}
