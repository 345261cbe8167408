// Package cpu defines the architectural state of an x86 CPU as seen by
// both execution tiers, along with the exceptions and assist reasons they
// exchange.
package cpu

// Mode is the CPU operating mode derived from CR0, EFER and CS.
type Mode uint8

const (
	ModeReal Mode = iota
	ModeProtected
	ModeLong
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	}
	return "unknown"
}

// General-purpose register numbers.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// SegReg numbers segment registers in instruction-encoding order.
type SegReg uint8

const (
	ES SegReg = iota
	CS
	SS
	DS
	FS
	GS
)

// RFLAGS bits.
const (
	FlagCF   uint64 = 1 << 0
	FlagRsv1 uint64 = 1 << 1
	FlagPF   uint64 = 1 << 2
	FlagAF   uint64 = 1 << 4
	FlagZF   uint64 = 1 << 6
	FlagSF   uint64 = 1 << 7
	FlagTF   uint64 = 1 << 8
	FlagIF   uint64 = 1 << 9
	FlagDF   uint64 = 1 << 10
	FlagOF   uint64 = 1 << 11
	FlagIOPL uint64 = 3 << 12

	// ArithFlags are the status flags written by ALU instructions.
	ArithFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// Control register and EFER bits.
const (
	CR0PE uint64 = 1 << 0
	CR0ET uint64 = 1 << 4
	CR0WP uint64 = 1 << 16
	CR0PG uint64 = 1 << 31

	CR4PSE uint64 = 1 << 4
	CR4PAE uint64 = 1 << 5
	CR4PGE uint64 = 1 << 7

	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNXE uint64 = 1 << 11
)

// Segment is a segment register including its hidden descriptor cache.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Present  bool
	DPL      uint8
	Code     bool
	Writable bool
	// Big is the descriptor's D/B bit.
	Big bool
	// Long is the descriptor's L bit.
	Long bool
}

// DescriptorTable is a GDTR or IDTR value.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// ControlRegs holds CR0, CR2, CR3, CR4 and CR8.
type ControlRegs struct {
	CR0 uint64
	CR2 uint64
	CR3 uint64
	CR4 uint64
	CR8 uint64
}

// State is the architectural CPU state shared by the interpreter and
// compiled code. Both tiers must leave it identical after executing the
// same instructions.
type State struct {
	GPR    [16]uint64
	RIP    uint64
	RFLAGS uint64

	Segs [6]Segment
	GDTR DescriptorTable
	IDTR DescriptorTable

	Control ControlRegs
	EFER    uint64
	Mode    Mode

	Halted bool

	// InterruptInhibit counts instruction boundaries during which maskable
	// interrupts stay blocked after STI, MOV SS or POP SS.
	InterruptInhibit uint8

	// InstRetired counts retired guest instructions.
	InstRetired uint64
}

// ResetRealMode puts the CPU into real mode with flat 64 KiB segments and
// execution starting at CS:IP = 0:entryIP.
func (s *State) ResetRealMode(entryIP uint16) {
	*s = State{}
	s.RFLAGS = FlagRsv1
	s.Control.CR0 = CR0ET
	for i := range s.Segs {
		s.Segs[i] = Segment{Limit: 0xffff, Present: true, Writable: true}
	}
	s.Segs[CS].Code = true
	s.IDTR.Limit = 0x3ff
	s.RIP = uint64(entryIP)
	s.Mode = ModeReal
}

// Seg returns a pointer to segment register r.
func (s *State) Seg(r SegReg) *Segment { return &s.Segs[r] }

// Flag reports whether every bit in mask is set in RFLAGS.
func (s *State) Flag(mask uint64) bool { return s.RFLAGS&mask == mask }

// SetFlag sets or clears the bits in mask.
func (s *State) SetFlag(mask uint64, on bool) {
	if on {
		s.RFLAGS |= mask
	} else {
		s.RFLAGS &^= mask
	}
}

// IOPL returns the I/O privilege level from RFLAGS.
func (s *State) IOPL() uint8 { return uint8(s.RFLAGS>>12) & 3 }

// CPL returns the current privilege level, held in the DPL of the cached
// CS descriptor. It stays 0 across the switch into protected mode until
// CS is reloaded.
func (s *State) CPL() uint8 {
	if s.Mode == ModeReal {
		return 0
	}
	return s.Segs[CS].DPL
}

// LongMode reports whether the CPU executes 64-bit code.
func (s *State) LongMode() bool { return s.Mode == ModeLong }

// Bitness returns the default operand size of the current code segment in
// bits: 16, 32 or 64.
func (s *State) Bitness() int {
	switch s.Mode {
	case ModeLong:
		return 64
	case ModeProtected:
		if s.Segs[CS].Big {
			return 32
		}
		return 16
	}
	return 16
}

// IPMask returns the mask applied to the instruction pointer.
func (s *State) IPMask() uint64 {
	switch s.Bitness() {
	case 64:
		return ^uint64(0)
	case 32:
		return 0xffffffff
	}
	return 0xffff
}

// UpdateMode recomputes Mode and EFER.LMA after a change to CR0, EFER or
// CS.
func (s *State) UpdateMode() {
	pe := s.Control.CR0&CR0PE != 0
	pg := s.Control.CR0&CR0PG != 0
	if pe && pg && s.EFER&EFERLME != 0 {
		s.EFER |= EFERLMA
	} else {
		s.EFER &^= EFERLMA
	}
	switch {
	case !pe:
		s.Mode = ModeReal
	case s.EFER&EFERLMA != 0 && s.Segs[CS].Long:
		s.Mode = ModeLong
	default:
		s.Mode = ModeProtected
	}
}

// LinearAddress forms the linear address of seg:offset. Outside long mode
// the sum wraps at 32 bits. In long mode only FS and GS contribute a base.
func (s *State) LinearAddress(seg SegReg, offset uint64) uint64 {
	if s.Mode == ModeLong {
		if seg == FS || seg == GS {
			return s.Segs[seg].Base + offset
		}
		return offset
	}
	return (s.Segs[seg].Base + offset) & 0xffffffff
}

// CodeAddress returns the linear address of the current instruction.
func (s *State) CodeAddress() uint64 {
	return s.LinearAddress(CS, s.RIP)
}

// AdvanceRIP moves RIP forward by n bytes within the current IP width.
func (s *State) AdvanceRIP(n int) {
	s.RIP = (s.RIP + uint64(n)) & s.IPMask()
}

// InhibitInterruptsForOneInstruction opens an interrupt shadow covering
// the next instruction boundary.
func (s *State) InhibitInterruptsForOneInstruction() {
	s.InterruptInhibit = 1
}

// RetireInstruction counts one retired instruction and ages the interrupt
// shadow.
func (s *State) RetireInstruction() {
	s.RetireInstructions(1)
}

// RetireInstructions counts n retired instructions. The interrupt shadow
// ages once per instruction.
func (s *State) RetireInstructions(n uint64) {
	if n == 0 {
		return
	}
	s.InstRetired += n
	if uint64(s.InterruptInhibit) > n {
		s.InterruptInhibit -= uint8(n)
	} else {
		s.InterruptInhibit = 0
	}
}

// InterruptsEnabled reports whether a maskable interrupt may be taken at
// the current instruction boundary.
func (s *State) InterruptsEnabled() bool {
	return s.Flag(FlagIF) && s.InterruptInhibit == 0
}

// ApplyExceptionSideEffects updates state that the CPU changes when it
// raises e, independent of delivery.
func (s *State) ApplyExceptionSideEffects(e *Exception) {
	if e != nil && e.Vector == VectorPF {
		s.Control.CR2 = e.Address
	}
}

// ReadGPR reads size bytes of register r. Without a REX prefix, byte
// registers 4-7 name AH, CH, DH and BH.
func (s *State) ReadGPR(r int, size int, rex bool) uint64 {
	switch size {
	case 1:
		if !rex && r >= 4 && r < 8 {
			return (s.GPR[r-4] >> 8) & 0xff
		}
		return s.GPR[r] & 0xff
	case 2:
		return s.GPR[r] & 0xffff
	case 4:
		return s.GPR[r] & 0xffffffff
	}
	return s.GPR[r]
}

// WriteGPR writes size bytes of register r. 32-bit writes zero the upper
// half; 8- and 16-bit writes preserve the other bits.
func (s *State) WriteGPR(r int, size int, rex bool, v uint64) {
	switch size {
	case 1:
		if !rex && r >= 4 && r < 8 {
			s.GPR[r-4] = s.GPR[r-4]&^0xff00 | (v&0xff)<<8
			return
		}
		s.GPR[r] = s.GPR[r]&^0xff | v&0xff
	case 2:
		s.GPR[r] = s.GPR[r]&^0xffff | v&0xffff
	case 4:
		s.GPR[r] = v & 0xffffffff
	default:
		s.GPR[r] = v
	}
}
