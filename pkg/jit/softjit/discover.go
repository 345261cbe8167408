// Package softjit is the reference compiler and execution backend for the
// tiered runtime. A unit is a straight-line run of guest instructions
// found by Discover; the backend executes it through the tier-0 execution
// core with every guest write journaled, so a unit that cannot finish
// leaves no trace and the interpreter takes over at its entry.
package softjit

import (
	"errors"

	"github.com/fortiblox/tiercore/pkg/tier0"
)

// Default discovery limits.
const (
	DefaultMaxInsts = 32
	DefaultMaxBytes = 512
)

// Limits bound the size of a discovered block.
type Limits struct {
	MaxInsts int
	MaxBytes int
}

// DefaultLimits returns the default discovery limits.
func DefaultLimits() Limits {
	return Limits{MaxInsts: DefaultMaxInsts, MaxBytes: DefaultMaxBytes}
}

func (l Limits) withDefaults() Limits {
	if l.MaxInsts <= 0 {
		l.MaxInsts = DefaultMaxInsts
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	return l
}

// EndKind says why discovery stopped.
type EndKind uint8

const (
	// EndBranch means the last instruction transfers control.
	EndBranch EndKind = iota
	// EndShadow means the last instruction loads SS and opens an
	// interrupt shadow.
	EndShadow
	// EndExitToInterpreter means the next instruction must run in the
	// interpreter.
	EndExitToInterpreter
	// EndLimit means an instruction or byte limit was reached.
	EndLimit
)

func (k EndKind) String() string {
	switch k {
	case EndBranch:
		return "branch"
	case EndShadow:
		return "shadow"
	case EndExitToInterpreter:
		return "exit-to-interpreter"
	case EndLimit:
		return "limit"
	}
	return "unknown"
}

// Block is a discovered straight-line run of instructions.
type Block struct {
	EntryRIP uint64
	Bitness  int

	// Ops and Lens describe each instruction in order.
	Ops  []tier0.Op
	Lens []uint8

	ByteLen      int
	End          EndKind
	InhibitAfter bool
}

// InstructionCount returns the number of instructions in the block.
func (b *Block) InstructionCount() int { return len(b.Ops) }

// Discover decodes the block starting at the beginning of code, which
// holds the guest bytes at rip. Control transfers and SS loads are the
// last instruction of a block. STI, HLT, instructions that need an
// assist and undecodable bytes are left out and end the block with
// EndExitToInterpreter. A block with no instructions is valid and means
// there is nothing to compile.
func Discover(code []byte, rip uint64, bitness int, limits Limits) Block {
	limits = limits.withDefaults()
	blk := Block{EntryRIP: rip, Bitness: bitness, End: EndLimit}

	off := 0
	for len(blk.Ops) < limits.MaxInsts {
		in, err := tier0.Decode(code[off:], bitness)
		if err != nil {
			if errors.Is(err, tier0.ErrTruncated) {
				blk.End = EndLimit
			} else {
				blk.End = EndExitToInterpreter
			}
			break
		}
		if off+in.Len > limits.MaxBytes {
			blk.End = EndLimit
			break
		}
		if interpreterOnly(&in) {
			blk.End = EndExitToInterpreter
			break
		}

		blk.Ops = append(blk.Ops, in.Op)
		blk.Lens = append(blk.Lens, uint8(in.Len))
		off += in.Len

		if in.LoadsSS() {
			blk.End = EndShadow
			blk.InhibitAfter = true
			break
		}
		if in.EndsBlock() {
			blk.End = EndBranch
			break
		}
	}
	blk.ByteLen = off
	return blk
}

func interpreterOnly(in *tier0.Inst) bool {
	switch in.Op {
	case tier0.OpSti, tier0.OpHlt:
		return true
	}
	_, assist := in.Assist()
	return assist && !in.LoadsSS()
}
