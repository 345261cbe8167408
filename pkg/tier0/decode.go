package tier0

import (
	"encoding/binary"
	"errors"

	"github.com/fortiblox/tiercore/pkg/cpu"
)

// MaxInstLen is the architectural instruction length limit.
const MaxInstLen = 15

var (
	// ErrTruncated is returned when the byte slice ends inside an
	// instruction.
	ErrTruncated = errors.New("truncated instruction")

	// ErrInvalidOpcode is returned for encodings tier-0 does not implement
	// or that are undefined; execution raises #UD.
	ErrInvalidOpcode = errors.New("invalid opcode")

	// ErrTooLong is returned for instructions longer than MaxInstLen;
	// execution raises #GP(0).
	ErrTooLong = errors.New("instruction too long")
)

// Op is a decoded operation.
type Op uint8

const (
	OpInvalid Op = iota
	OpNop
	OpMovRmReg
	OpMovRegRm
	OpMovRegImm
	OpMovRmImm
	OpLea
	OpAluRmReg
	OpAluRegRm
	OpAluAccImm
	OpAluRmImm
	OpInc
	OpDec
	OpPush
	OpPop
	OpJmp
	OpJcc
	OpCall
	OpRet
	OpHlt
	OpCli
	OpSti

	// Operations below are completed by the assist handler.
	OpMovSreg
	OpPopSS
	OpJmpFar
	OpMovFromCR
	OpMovToCR
	OpInvlpg
	OpLgdt
	OpLidt
	OpCpuid
	OpIn
	OpOut
	OpInt
	OpIret
)

var opNames = [...]string{
	OpInvalid: "invalid", OpNop: "nop", OpMovRmReg: "mov", OpMovRegRm: "mov",
	OpMovRegImm: "mov", OpMovRmImm: "mov", OpLea: "lea", OpAluRmReg: "alu",
	OpAluRegRm: "alu", OpAluAccImm: "alu", OpAluRmImm: "alu", OpInc: "inc",
	OpDec: "dec", OpPush: "push", OpPop: "pop", OpJmp: "jmp", OpJcc: "jcc",
	OpCall: "call", OpRet: "ret", OpHlt: "hlt", OpCli: "cli", OpSti: "sti",
	OpMovSreg: "mov sreg", OpPopSS: "pop ss", OpJmpFar: "jmp far",
	OpMovFromCR: "mov from cr", OpMovToCR: "mov to cr", OpInvlpg: "invlpg",
	OpLgdt: "lgdt", OpLidt: "lidt", OpCpuid: "cpuid", OpIn: "in", OpOut: "out",
	OpInt: "int", OpIret: "iret",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "op?"
}

// Inst is a decoded instruction.
type Inst struct {
	Op       Op
	Len      int
	OpSize   int // operand size in bytes
	AddrSize int // address size in bytes

	Alu  uint8 // ALU operation for group encodings
	Cond uint8 // Jcc condition code

	Reg int // ModRM.reg (or opcode register), REX.R applied
	RM  int // ModRM.rm register when !Mem, REX.B applied
	Rex bool

	Mem    bool
	Seg    cpu.SegReg
	Base   int // -1 when absent
	Index  int // -1 when absent
	Scale  uint8
	Disp   int64
	RIPRel bool

	Imm  uint64
	Rel  int64
	Sel  uint16 // far pointer selector
	Port bool   // IN/OUT with an immediate port (in Imm)
}

// Assist reports whether the instruction must be completed by the assist
// handler, and why.
func (in *Inst) Assist() (cpu.AssistReason, bool) {
	switch in.Op {
	case OpMovFromCR, OpMovToCR, OpInvlpg, OpLgdt, OpLidt:
		return cpu.AssistPrivileged, true
	case OpMovSreg, OpPopSS, OpJmpFar:
		return cpu.AssistSegmentLoad, true
	case OpIn, OpOut:
		return cpu.AssistIO, true
	case OpInt, OpIret:
		return cpu.AssistInterrupt, true
	case OpCpuid:
		return cpu.AssistCPUID, true
	}
	return 0, false
}

// EndsBlock reports whether the instruction transfers control.
func (in *Inst) EndsBlock() bool {
	switch in.Op {
	case OpJmp, OpJcc, OpCall, OpRet, OpHlt, OpJmpFar, OpInt, OpIret:
		return true
	}
	return false
}

// LoadsSS reports whether the instruction loads SS and so opens an
// interrupt shadow.
func (in *Inst) LoadsSS() bool {
	return in.Op == OpPopSS || (in.Op == OpMovSreg && in.Reg == int(cpu.SS))
}

type decoder struct {
	code    []byte
	pos     int
	bitness int
	rex     uint8
	segOvr  int
	opOvr   bool
	addrOvr bool
	rep     bool
}

func (d *decoder) need(n int) error {
	if d.pos+n > MaxInstLen {
		return ErrTooLong
	}
	if d.pos+n > len(d.code) {
		return ErrTruncated
	}
	return nil
}

func (d *decoder) u8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.code[d.pos]
	d.pos++
	return b, nil
}

// simm reads a little-endian immediate of size bytes and sign-extends it.
func (d *decoder) simm(size int) (int64, error) {
	if err := d.need(size); err != nil {
		return 0, err
	}
	p := d.code[d.pos:]
	d.pos += size
	switch size {
	case 1:
		return int64(int8(p[0])), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(p))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(p))), nil
	}
	return int64(binary.LittleEndian.Uint64(p)), nil
}

// Decode decodes one instruction from code for a code segment of the given
// bitness (16, 32 or 64).
func Decode(code []byte, bitness int) (Inst, error) {
	d := decoder{code: code, bitness: bitness, segOvr: -1}
	in, err := d.decode()
	if err != nil {
		return Inst{}, err
	}
	in.Len = d.pos
	return in, nil
}

func (d *decoder) decode() (Inst, error) {
	var op uint8
prefixes:
	for {
		b, err := d.u8()
		if err != nil {
			return Inst{}, err
		}
		if d.bitness == 64 && b&0xf0 == 0x40 {
			d.rex = b
			continue
		}
		switch b {
		case 0x66:
			d.opOvr = true
		case 0x67:
			d.addrOvr = true
		case 0x26, 0x2e, 0x36, 0x3e:
			d.segOvr = int((b >> 3) & 3)
		case 0x64:
			d.segOvr = int(cpu.FS)
		case 0x65:
			d.segOvr = int(cpu.GS)
		case 0xf0:
		case 0xf2, 0xf3:
			d.rep = true
		default:
			op = b
			break prefixes
		}
		// A legacy prefix after REX cancels it.
		d.rex = 0
	}
	if d.rep {
		return Inst{}, ErrInvalidOpcode
	}

	in := Inst{
		OpSize:   d.opSize(),
		AddrSize: d.addrSize(),
		Seg:      cpu.DS,
		Base:     -1,
		Index:    -1,
		Rex:      d.rex != 0,
	}
	if op == 0x0f {
		return d.decode0F(in)
	}
	return d.decodePrimary(op, in)
}

func (d *decoder) opSize() int {
	switch d.bitness {
	case 64:
		if d.rex&0x08 != 0 {
			return 8
		}
		if d.opOvr {
			return 2
		}
		return 4
	case 32:
		if d.opOvr {
			return 2
		}
		return 4
	}
	if d.opOvr {
		return 4
	}
	return 2
}

func (d *decoder) addrSize() int {
	switch d.bitness {
	case 64:
		if d.addrOvr {
			return 4
		}
		return 8
	case 32:
		if d.addrOvr {
			return 2
		}
		return 4
	}
	if d.addrOvr {
		return 4
	}
	return 2
}

// stackOpSize is the operand size of PUSH, POP, CALL and RET.
func (d *decoder) stackOpSize(in *Inst) int {
	if d.bitness == 64 {
		if d.opOvr {
			return 2
		}
		return 8
	}
	return in.OpSize
}

func (d *decoder) rexBit(shift uint) int {
	return int((d.rex>>shift)&1) << 3
}

func (d *decoder) decodePrimary(op uint8, in Inst) (Inst, error) {
	switch {
	case op < 0x40 && op&7 < 6:
		return d.decodeAlu(op, in)

	case op == 0x17:
		if d.bitness == 64 {
			return in, ErrInvalidOpcode
		}
		in.Op = OpPopSS
		in.OpSize = d.stackOpSize(&in)
		return in, nil

	case op >= 0x40 && op <= 0x4f:
		// REX bytes were consumed as prefixes in 64-bit mode.
		in.Op = OpInc
		if op >= 0x48 {
			in.Op = OpDec
		}
		in.RM = int(op & 7)
		return in, nil

	case op >= 0x50 && op <= 0x5f:
		in.Op = OpPush
		if op >= 0x58 {
			in.Op = OpPop
		}
		in.Reg = int(op&7) | d.rexBit(0)
		in.OpSize = d.stackOpSize(&in)
		return in, nil

	case op >= 0x70 && op <= 0x7f:
		in.Op = OpJcc
		in.Cond = op & 0x0f
		in.OpSize = d.branchOpSize(&in)
		rel, err := d.simm(1)
		in.Rel = rel
		return in, err

	case op == 0x80 || op == 0x81 || op == 0x83:
		if op == 0x80 {
			in.OpSize = 1
		}
		if err := d.modrm(&in); err != nil {
			return in, err
		}
		in.Op = OpAluRmImm
		in.Alu = uint8(in.Reg & 7)
		size := immSize(in.OpSize)
		if op == 0x83 {
			size = 1
		}
		imm, err := d.simm(size)
		in.Imm = uint64(imm)
		return in, err

	case op >= 0x88 && op <= 0x8b:
		if op&1 == 0 {
			in.OpSize = 1
		}
		in.Op = OpMovRmReg
		if op&2 != 0 {
			in.Op = OpMovRegRm
		}
		return in, d.modrm(&in)

	case op == 0x8d:
		in.Op = OpLea
		if err := d.modrm(&in); err != nil {
			return in, err
		}
		if !in.Mem {
			return in, ErrInvalidOpcode
		}
		return in, nil

	case op == 0x8e:
		in.OpSize = 2
		if err := d.modrm(&in); err != nil {
			return in, err
		}
		in.Reg &= 7
		if in.Reg > int(cpu.GS) || in.Reg == int(cpu.CS) {
			return in, ErrInvalidOpcode
		}
		in.Op = OpMovSreg
		return in, nil

	case op == 0x90:
		if d.rex&1 != 0 {
			return in, ErrInvalidOpcode
		}
		in.Op = OpNop
		return in, nil

	case op >= 0xb0 && op <= 0xb7:
		in.Op = OpMovRegImm
		in.OpSize = 1
		in.Reg = int(op&7) | d.rexBit(0)
		imm, err := d.simm(1)
		in.Imm = uint64(imm)
		return in, err

	case op >= 0xb8 && op <= 0xbf:
		in.Op = OpMovRegImm
		in.Reg = int(op&7) | d.rexBit(0)
		imm, err := d.simm(in.OpSize)
		in.Imm = uint64(imm)
		return in, err

	case op == 0xc3:
		in.Op = OpRet
		in.OpSize = d.stackOpSize(&in)
		return in, nil

	case op == 0xc6 || op == 0xc7:
		if op == 0xc6 {
			in.OpSize = 1
		}
		if err := d.modrm(&in); err != nil {
			return in, err
		}
		if in.Reg&7 != 0 {
			return in, ErrInvalidOpcode
		}
		in.Op = OpMovRmImm
		imm, err := d.simm(immSize(in.OpSize))
		in.Imm = uint64(imm)
		return in, err

	case op == 0xcc:
		in.Op = OpInt
		in.Imm = uint64(cpu.VectorBP)
		return in, nil

	case op == 0xcd:
		in.Op = OpInt
		v, err := d.u8()
		in.Imm = uint64(v)
		return in, err

	case op == 0xcf:
		in.Op = OpIret
		return in, nil

	case op >= 0xe4 && op <= 0xe7, op >= 0xec && op <= 0xef:
		in.Op = OpIn
		if op&2 != 0 {
			in.Op = OpOut
		}
		in.OpSize = min(in.OpSize, 4)
		if op&1 == 0 {
			in.OpSize = 1
		}
		if op < 0xe8 {
			in.Port = true
			p, err := d.u8()
			in.Imm = uint64(p)
			return in, err
		}
		return in, nil

	case op == 0xe8 || op == 0xe9:
		in.Op = OpCall
		if op == 0xe9 {
			in.Op = OpJmp
		}
		in.OpSize = d.branchOpSize(&in)
		rel, err := d.simm(immSize(in.OpSize))
		in.Rel = rel
		return in, err

	case op == 0xea:
		if d.bitness == 64 {
			return in, ErrInvalidOpcode
		}
		in.Op = OpJmpFar
		off, err := d.simm(in.OpSize)
		if err != nil {
			return in, err
		}
		sel, err := d.simm(2)
		in.Imm = uint64(off) & sizeMask(in.OpSize)
		in.Sel = uint16(sel)
		return in, err

	case op == 0xeb:
		in.Op = OpJmp
		in.OpSize = d.branchOpSize(&in)
		rel, err := d.simm(1)
		in.Rel = rel
		return in, err

	case op == 0xf4:
		in.Op = OpHlt
		return in, nil

	case op == 0xfa:
		in.Op = OpCli
		return in, nil

	case op == 0xfb:
		in.Op = OpSti
		return in, nil

	case op == 0xfe || op == 0xff:
		if op == 0xfe {
			in.OpSize = 1
		}
		if err := d.modrm(&in); err != nil {
			return in, err
		}
		switch in.Reg & 7 {
		case 0:
			in.Op = OpInc
		case 1:
			in.Op = OpDec
		default:
			return in, ErrInvalidOpcode
		}
		return in, nil
	}
	return in, ErrInvalidOpcode
}

func (d *decoder) decodeAlu(op uint8, in Inst) (Inst, error) {
	in.Alu = op >> 3
	switch op & 7 {
	case 0, 1, 2, 3:
		if op&1 == 0 {
			in.OpSize = 1
		}
		in.Op = OpAluRmReg
		if op&2 != 0 {
			in.Op = OpAluRegRm
		}
		return in, d.modrm(&in)
	case 4:
		in.OpSize = 1
	}
	in.Op = OpAluAccImm
	imm, err := d.simm(immSize(in.OpSize))
	in.Imm = uint64(imm)
	return in, err
}

func (d *decoder) decode0F(in Inst) (Inst, error) {
	op, err := d.u8()
	if err != nil {
		return in, err
	}
	switch {
	case op == 0x01:
		if err := d.modrm(&in); err != nil {
			return in, err
		}
		if !in.Mem {
			return in, ErrInvalidOpcode
		}
		switch in.Reg & 7 {
		case 2:
			in.Op = OpLgdt
		case 3:
			in.Op = OpLidt
		case 7:
			in.Op = OpInvlpg
		default:
			return in, ErrInvalidOpcode
		}
		return in, nil

	case op == 0x1f:
		if err := d.modrm(&in); err != nil {
			return in, err
		}
		in.Op = OpNop
		return in, nil

	case op == 0x20 || op == 0x22:
		// Control-register moves ignore ModRM.mod and always name a GPR.
		in.OpSize = 4
		if d.bitness == 64 {
			in.OpSize = 8
		}
		m, err := d.u8()
		if err != nil {
			return in, err
		}
		in.Reg = int((m>>3)&7) | d.rexBit(2)
		in.RM = int(m&7) | d.rexBit(0)
		switch in.Reg {
		case 0, 2, 3, 4, 8:
		default:
			return in, ErrInvalidOpcode
		}
		in.Op = OpMovFromCR
		if op == 0x22 {
			in.Op = OpMovToCR
		}
		return in, nil

	case op >= 0x80 && op <= 0x8f:
		in.Op = OpJcc
		in.Cond = op & 0x0f
		in.OpSize = d.branchOpSize(&in)
		rel, err := d.simm(immSize(in.OpSize))
		in.Rel = rel
		return in, err

	case op == 0xa2:
		in.Op = OpCpuid
		return in, nil
	}
	return in, ErrInvalidOpcode
}

// branchOpSize is the operand size of near relative branches, which is
// fixed at 64 bits in long mode.
func (d *decoder) branchOpSize(in *Inst) int {
	if d.bitness == 64 {
		return 8
	}
	return in.OpSize
}

// immSize is the encoded immediate size for an operand size; 64-bit
// operations take a sign-extended 32-bit immediate.
func immSize(opSize int) int {
	if opSize == 8 {
		return 4
	}
	return opSize
}

var (
	modrm16Base  = [8]int{cpu.RBX, cpu.RBX, cpu.RBP, cpu.RBP, -1, -1, cpu.RBP, cpu.RBX}
	modrm16Index = [8]int{cpu.RSI, cpu.RDI, cpu.RSI, cpu.RDI, cpu.RSI, cpu.RDI, -1, -1}
)

func (d *decoder) modrm(in *Inst) error {
	m, err := d.u8()
	if err != nil {
		return err
	}
	mod := m >> 6
	reg := int((m >> 3) & 7)
	rm := int(m & 7)
	in.Reg = reg | d.rexBit(2)

	if mod == 3 {
		in.RM = rm | d.rexBit(0)
		return nil
	}
	in.Mem = true

	if in.AddrSize == 2 {
		in.Base = modrm16Base[rm]
		in.Index = modrm16Index[rm]
		in.Scale = 1
		switch {
		case mod == 0 && rm == 6:
			in.Base = -1
			disp, err := d.simm(2)
			if err != nil {
				return err
			}
			in.Disp = int64(uint16(disp))
		case mod == 1:
			if in.Disp, err = d.simm(1); err != nil {
				return err
			}
		case mod == 2:
			if in.Disp, err = d.simm(2); err != nil {
				return err
			}
		}
		if in.Base == cpu.RBP {
			in.Seg = cpu.SS
		}
		d.applySegOverride(in)
		return nil
	}

	in.Scale = 1
	if rm == 4 {
		sib, err := d.u8()
		if err != nil {
			return err
		}
		in.Scale = 1 << (sib >> 6)
		if idx := int((sib>>3)&7) | d.rexBit(1); idx != cpu.RSP {
			in.Index = idx
		}
		base := int(sib & 7)
		if base == 5 && mod == 0 {
			in.Disp, err = d.simm(4)
			if err != nil {
				return err
			}
		} else {
			in.Base = base | d.rexBit(0)
		}
	} else if rm == 5 && mod == 0 {
		in.Disp, err = d.simm(4)
		if err != nil {
			return err
		}
		in.RIPRel = d.bitness == 64
	} else {
		in.Base = rm | d.rexBit(0)
	}

	switch mod {
	case 1:
		in.Disp, err = d.simm(1)
	case 2:
		in.Disp, err = d.simm(4)
	}
	if err != nil {
		return err
	}
	if in.Base == cpu.RSP || in.Base == cpu.RBP {
		in.Seg = cpu.SS
	}
	d.applySegOverride(in)
	return nil
}

func (d *decoder) applySegOverride(in *Inst) {
	if d.segOvr >= 0 {
		in.Seg = cpu.SegReg(d.segOvr)
	}
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}
