package tier0

import (
	"encoding/binary"
	"errors"

	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
)

// MaxInvlpgLog bounds the INVLPG address log kept for diagnostics.
const MaxInvlpgLog = 4096

// CPUIDFeatures is the processor identity reported by CPUID.
type CPUIDFeatures struct {
	Vendor    string // 12 bytes
	Signature uint32 // leaf 1 EAX
	Leaf1EDX  uint32
	Leaf1ECX  uint32
	Ext1EDX   uint32 // leaf 0x80000001 EDX
}

// DefaultCPUIDFeatures advertises what tier-0 and the MMU implement:
// FPU, PSE, TSC, MSR, PAE, CX8, PGE, CMOV, NX and long mode.
func DefaultCPUIDFeatures() CPUIDFeatures {
	return CPUIDFeatures{
		Vendor:    "TierCoreX86 ",
		Signature: 0x00000f41,
		Leaf1EDX:  1<<0 | 1<<3 | 1<<4 | 1<<5 | 1<<6 | 1<<8 | 1<<13 | 1<<15,
		Ext1EDX:   1<<20 | 1<<29,
	}
}

// AssistStats counts assists by reason.
type AssistStats struct {
	Privileged  uint64
	SegmentLoad uint64
	IO          uint64
	Interrupt   uint64
	CPUID       uint64
}

// AssistContext carries the state the assist handler needs across calls.
type AssistContext struct {
	Features CPUIDFeatures

	// InvlpgLog records addresses invalidated by INVLPG, oldest first,
	// up to MaxInvlpgLog entries. InvlpgDropped counts the overflow.
	InvlpgLog     []uint64
	InvlpgDropped uint64

	Stats AssistStats
}

// NewAssistContext returns a context with the default CPUID identity.
func NewAssistContext() *AssistContext {
	return &AssistContext{Features: DefaultCPUIDFeatures()}
}

// DrainInvlpgLog returns and clears the INVLPG log.
func (c *AssistContext) DrainInvlpgLog() []uint64 {
	out := c.InvlpgLog
	c.InvlpgLog = nil
	c.InvlpgDropped = 0
	return out
}

func (c *AssistContext) recordInvlpg(addr uint64) {
	if len(c.InvlpgLog) >= MaxInvlpgLog {
		c.InvlpgDropped++
		return
	}
	c.InvlpgLog = append(c.InvlpgLog, addr)
}

func (c *AssistContext) count(r cpu.AssistReason) {
	switch r {
	case cpu.AssistPrivileged:
		c.Stats.Privileged++
	case cpu.AssistSegmentLoad:
		c.Stats.SegmentLoad++
	case cpu.AssistIO:
		c.Stats.IO++
	case cpu.AssistInterrupt:
		c.Stats.Interrupt++
	case cpu.AssistCPUID:
		c.Stats.CPUID++
	}
}

// HandleAssist completes the instruction at RIP that tier-0 or compiled
// code could not, and retires it. The bus is synchronized with the CPU
// state before and after, so control-register writes take effect on the
// next access without further calls. reason is the reason the caller was
// given; the handler decodes the instruction itself.
//
// Architectural exceptions are returned as *cpu.Exception with their side
// effects (CR2) already applied and RIP left at the instruction.
func HandleAssist(ctx *AssistContext, s *cpu.State, b bus.CpuBus, reason cpu.AssistReason) error {
	b.Sync(s)
	in, err := fetchDecode(s, b)
	if err == nil {
		var eff Effect
		if r, ok := in.Assist(); ok {
			reason = r
			eff, err = ctx.execute(s, b, &in, reason)
		} else {
			eff, err = execute(s, b, &in)
		}
		if err == nil {
			retire(s, eff)
		}
	}
	b.Sync(s)
	return raise(s, err)
}

// raise applies exception side effects for err.
func raise(s *cpu.State, err error) error {
	var exc *cpu.Exception
	if errors.As(err, &exc) {
		s.ApplyExceptionSideEffects(exc)
	}
	return err
}

// retire counts the instruction and opens a shadow if it requested one.
func retire(s *cpu.State, eff Effect) {
	s.RetireInstruction()
	if eff&EffectShadow != 0 {
		s.InhibitInterruptsForOneInstruction()
	}
}

// execute runs an assist-class instruction without retiring it.
func (c *AssistContext) execute(s *cpu.State, b bus.CpuBus, in *Inst, reason cpu.AssistReason) (Effect, error) {
	c.count(reason)
	b.Sync(s)
	eff, err := c.dispatch(s, b, in)
	b.Sync(s)
	return eff, err
}

func (c *AssistContext) dispatch(s *cpu.State, b bus.CpuBus, in *Inst) (Effect, error) {
	next := (s.RIP + uint64(in.Len)) & s.IPMask()

	switch in.Op {
	case OpMovToCR:
		if s.CPL() != 0 {
			return 0, cpu.GP(0)
		}
		v := s.ReadGPR(in.RM, in.OpSize, true)
		if err := writeCR(s, in.Reg, v); err != nil {
			return 0, err
		}

	case OpMovFromCR:
		if s.CPL() != 0 {
			return 0, cpu.GP(0)
		}
		s.WriteGPR(in.RM, in.OpSize, true, readCR(s, in.Reg))

	case OpInvlpg:
		if s.CPL() != 0 {
			return 0, cpu.GP(0)
		}
		addr := operandAddress(s, in, next)
		b.Invlpg(addr)
		c.recordInvlpg(addr)

	case OpLgdt, OpLidt:
		if s.CPL() != 0 {
			return 0, cpu.GP(0)
		}
		addr := operandAddress(s, in, next)
		limit, err := b.ReadU16(addr)
		if err != nil {
			return 0, err
		}
		var base uint64
		if s.Mode == cpu.ModeLong {
			base, err = b.ReadU64(addr + 2)
		} else {
			var v uint32
			v, err = b.ReadU32(addr + 2)
			base = uint64(v)
			if in.OpSize == 2 {
				base &= 0xffffff
			}
		}
		if err != nil {
			return 0, err
		}
		t := cpu.DescriptorTable{Base: base, Limit: limit}
		if in.Op == OpLgdt {
			s.GDTR = t
		} else {
			s.IDTR = t
		}

	case OpMovSreg:
		var sel uint64
		var err error
		if in.Mem {
			sel, err = readMem(b, operandAddress(s, in, next), 2)
		} else {
			sel = s.ReadGPR(in.RM, 2, true)
		}
		if err != nil {
			return 0, err
		}
		if err := loadDataSegment(s, b, cpu.SegReg(in.Reg), uint16(sel)); err != nil {
			return 0, err
		}
		s.RIP = next
		if in.LoadsSS() {
			return EffectShadow, nil
		}
		return 0, nil

	case OpPopSS:
		saved := *s
		sel, err := pop(s, b, in.OpSize)
		if err != nil {
			return 0, err
		}
		if err := loadDataSegment(s, b, cpu.SS, uint16(sel)); err != nil {
			*s = saved
			return 0, err
		}
		s.RIP = next
		return EffectShadow, nil

	case OpJmpFar:
		if err := loadCodeSegment(s, b, in.Sel); err != nil {
			return 0, err
		}
		s.RIP = in.Imm & s.IPMask()
		return EffectBranch, nil

	case OpCpuid:
		c.cpuid(s)

	case OpIn, OpOut:
		if s.Mode != cpu.ModeReal && s.CPL() > s.IOPL() {
			return 0, cpu.GP(0)
		}
		port := uint16(s.GPR[cpu.RDX])
		if in.Port {
			port = uint16(in.Imm)
		}
		if in.Op == OpIn {
			s.WriteGPR(cpu.RAX, in.OpSize, true, uint64(b.IoRead(port, in.OpSize)))
		} else {
			b.IoWrite(port, in.OpSize, uint32(s.ReadGPR(cpu.RAX, in.OpSize, true)))
		}

	case OpInt:
		ev := Event{Vector: cpu.Vector(in.Imm), ReturnRIP: next, Software: true}
		if err := Deliver(s, b, ev); err != nil {
			return 0, err
		}
		return EffectBranch, nil

	case OpIret:
		if err := iret(s, b, in); err != nil {
			return 0, err
		}
		return EffectBranch, nil

	default:
		return execute(s, b, in)
	}

	s.RIP = next
	return 0, nil
}

func readCR(s *cpu.State, n int) uint64 {
	switch n {
	case 0:
		return s.Control.CR0
	case 2:
		return s.Control.CR2
	case 3:
		return s.Control.CR3
	case 4:
		return s.Control.CR4
	}
	return s.Control.CR8
}

func writeCR(s *cpu.State, n int, v uint64) error {
	if s.Mode != cpu.ModeLong {
		v &= 0xffffffff
	}
	switch n {
	case 0:
		if v&cpu.CR0PG != 0 && v&cpu.CR0PE == 0 {
			return cpu.GP(0)
		}
		s.Control.CR0 = v | cpu.CR0ET
	case 2:
		s.Control.CR2 = v
	case 3:
		s.Control.CR3 = v
	case 4:
		s.Control.CR4 = v
	case 8:
		s.Control.CR8 = v & 0xf
	}
	s.UpdateMode()
	return nil
}

func (c *AssistContext) cpuid(s *cpu.State) {
	leaf := uint32(s.GPR[cpu.RAX])
	var a, b, cx, d uint32
	switch leaf {
	case 0:
		var v [12]byte
		copy(v[:], c.Features.Vendor)
		a = 1
		b = binary.LittleEndian.Uint32(v[0:])
		d = binary.LittleEndian.Uint32(v[4:])
		cx = binary.LittleEndian.Uint32(v[8:])
	case 1:
		a = c.Features.Signature
		d = c.Features.Leaf1EDX
		cx = c.Features.Leaf1ECX
	case 0x80000000:
		a = 0x80000001
	case 0x80000001:
		d = c.Features.Ext1EDX
	}
	s.WriteGPR(cpu.RAX, 4, true, uint64(a))
	s.WriteGPR(cpu.RBX, 4, true, uint64(b))
	s.WriteGPR(cpu.RCX, 4, true, uint64(cx))
	s.WriteGPR(cpu.RDX, 4, true, uint64(d))
}
