package tier0

import (
	"math/bits"

	"github.com/fortiblox/tiercore/pkg/cpu"
)

// ALU operation numbers as encoded in opcode bits 3-5 and ModRM.reg.
const (
	aluAdd = iota
	aluOr
	aluAdc
	aluSbb
	aluAnd
	aluSub
	aluXor
	aluCmp
)

func signBit(size int) uint64 {
	return 1 << (8*uint(size) - 1)
}

func parity(v uint64) bool {
	return bits.OnesCount8(uint8(v))%2 == 0
}

// resultFlags computes ZF, SF and PF for r.
func resultFlags(r uint64, size int) uint64 {
	var f uint64
	if r&sizeMask(size) == 0 {
		f |= cpu.FlagZF
	}
	if r&signBit(size) != 0 {
		f |= cpu.FlagSF
	}
	if parity(r) {
		f |= cpu.FlagPF
	}
	return f
}

func addFlags(a, b, carry, r uint64, size int) uint64 {
	f := resultFlags(r, size)
	mask := sizeMask(size)
	var cf bool
	if size == 8 {
		_, c1 := bits.Add64(a, b, carry)
		cf = c1 != 0
	} else {
		cf = a+b+carry > mask
	}
	if cf {
		f |= cpu.FlagCF
	}
	if (a^r)&(b^r)&signBit(size) != 0 {
		f |= cpu.FlagOF
	}
	if (a^b^r)&0x10 != 0 {
		f |= cpu.FlagAF
	}
	return f
}

func subFlags(a, b, borrow, r uint64, size int) uint64 {
	f := resultFlags(r, size)
	var cf bool
	if size == 8 {
		_, b1 := bits.Sub64(a, b, borrow)
		cf = b1 != 0
	} else {
		cf = a < b+borrow
	}
	if cf {
		f |= cpu.FlagCF
	}
	if (a^b)&(a^r)&signBit(size) != 0 {
		f |= cpu.FlagOF
	}
	if (a^b^r)&0x10 != 0 {
		f |= cpu.FlagAF
	}
	return f
}

// alu computes op over a and b at size bytes. It returns the result, the
// new arithmetic flags and whether the result is written back.
func alu(op uint8, a, b uint64, size int, cfIn bool) (uint64, uint64, bool) {
	mask := sizeMask(size)
	a &= mask
	b &= mask
	var carry uint64
	if cfIn {
		carry = 1
	}
	switch op {
	case aluAdd:
		r := (a + b) & mask
		return r, addFlags(a, b, 0, r, size), true
	case aluAdc:
		r := (a + b + carry) & mask
		return r, addFlags(a, b, carry, r, size), true
	case aluSub:
		r := (a - b) & mask
		return r, subFlags(a, b, 0, r, size), true
	case aluSbb:
		r := (a - b - carry) & mask
		return r, subFlags(a, b, carry, r, size), true
	case aluCmp:
		r := (a - b) & mask
		return r, subFlags(a, b, 0, r, size), false
	case aluOr:
		r := a | b
		return r, resultFlags(r, size), true
	case aluAnd:
		r := a & b
		return r, resultFlags(r, size), true
	case aluXor:
		r := a ^ b
		return r, resultFlags(r, size), true
	}
	return a, 0, false
}

// incDec computes INC or DEC; CF is left to the caller to preserve.
func incDec(dec bool, a uint64, size int) (uint64, uint64) {
	mask := sizeMask(size)
	a &= mask
	if dec {
		r := (a - 1) & mask
		return r, subFlags(a, 1, 0, r, size) &^ cpu.FlagCF
	}
	r := (a + 1) & mask
	return r, addFlags(a, 1, 0, r, size) &^ cpu.FlagCF
}

// setArith replaces the arithmetic flags in s, keeping the bits in keep.
func setArith(s *cpu.State, f uint64, keep uint64) {
	s.RFLAGS = s.RFLAGS&^(cpu.ArithFlags&^keep) | f&^keep
}

// condition evaluates a Jcc condition code against RFLAGS.
func condition(cc uint8, fl uint64) bool {
	cf := fl&cpu.FlagCF != 0
	zf := fl&cpu.FlagZF != 0
	sf := fl&cpu.FlagSF != 0
	of := fl&cpu.FlagOF != 0
	pf := fl&cpu.FlagPF != 0
	var r bool
	switch cc >> 1 {
	case 0:
		r = of
	case 1:
		r = cf
	case 2:
		r = zf
	case 3:
		r = cf || zf
	case 4:
		r = sf
	case 5:
		r = pf
	case 6:
		r = sf != of
	case 7:
		r = zf || sf != of
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}
