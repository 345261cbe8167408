package tier0

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fortiblox/tiercore/pkg/cpu"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		code    []byte
		bitness int
		check   func(t *testing.T, in Inst)
		wantLen int
	}{
		{"nop", []byte{0x90}, 32, func(t *testing.T, in Inst) {
			if in.Op != OpNop {
				t.Errorf("Op = %v", in.Op)
			}
		}, 1},
		{"mov eax, imm32", []byte{0xb8, 0x78, 0x56, 0x34, 0x12}, 32, func(t *testing.T, in Inst) {
			if in.Op != OpMovRegImm || in.OpSize != 4 || in.Imm != 0x12345678 || in.Reg != cpu.RAX {
				t.Errorf("got %+v", in)
			}
		}, 5},
		{"mov ax, imm16 in real mode", []byte{0xb8, 0x34, 0x12}, 16, func(t *testing.T, in Inst) {
			if in.OpSize != 2 || uint16(in.Imm) != 0x1234 {
				t.Errorf("got %+v", in)
			}
		}, 3},
		{"operand-size prefix", []byte{0x66, 0xb8, 0x34, 0x12}, 32, func(t *testing.T, in Inst) {
			if in.OpSize != 2 {
				t.Errorf("OpSize = %d, want 2", in.OpSize)
			}
		}, 4},
		{"16-bit modrm bx+si+disp8", []byte{0x00, 0x40, 0x04}, 16, func(t *testing.T, in Inst) {
			if in.Op != OpAluRmReg || !in.Mem || in.Base != cpu.RBX || in.Index != cpu.RSI || in.Disp != 4 || in.Seg != cpu.DS {
				t.Errorf("got %+v", in)
			}
		}, 3},
		{"16-bit modrm bp defaults to ss", []byte{0x8b, 0x46, 0xfe}, 16, func(t *testing.T, in Inst) {
			if in.Base != cpu.RBP || in.Seg != cpu.SS || in.Disp != -2 {
				t.Errorf("got %+v", in)
			}
		}, 3},
		{"sib without base", []byte{0x8b, 0x04, 0x8d, 0x00, 0x10, 0x00, 0x00}, 32, func(t *testing.T, in Inst) {
			if in.Base != -1 || in.Index != cpu.RCX || in.Scale != 4 || in.Disp != 0x1000 {
				t.Errorf("got %+v", in)
			}
		}, 7},
		{"segment override", []byte{0x64, 0x8b, 0x00}, 32, func(t *testing.T, in Inst) {
			if in.Seg != cpu.FS {
				t.Errorf("Seg = %v, want FS", in.Seg)
			}
		}, 3},
		{"rip relative", []byte{0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}, 64, func(t *testing.T, in Inst) {
			if !in.RIPRel || in.Disp != 0x10 {
				t.Errorf("got %+v", in)
			}
		}, 6},
		{"jnz rel32", []byte{0x0f, 0x85, 0x00, 0x01, 0x00, 0x00}, 32, func(t *testing.T, in Inst) {
			if in.Op != OpJcc || in.Cond != 5 || in.Rel != 0x100 {
				t.Errorf("got %+v", in)
			}
		}, 6},
		{"jmp rel8 backwards", []byte{0xeb, 0xfe}, 16, func(t *testing.T, in Inst) {
			if in.Op != OpJmp || in.Rel != -2 {
				t.Errorf("got %+v", in)
			}
		}, 2},
		{"rex.w add imm8", []byte{0x48, 0x83, 0xc0, 0x01}, 64, func(t *testing.T, in Inst) {
			if in.Op != OpAluRmImm || in.OpSize != 8 || in.Imm != 1 || in.Alu != aluAdd {
				t.Errorf("got %+v", in)
			}
		}, 4},
		{"rex.b push r12", []byte{0x41, 0x54}, 64, func(t *testing.T, in Inst) {
			if in.Op != OpPush || in.Reg != cpu.R12 || in.OpSize != 8 {
				t.Errorf("got %+v", in)
			}
		}, 2},
		{"mov cr3, eax", []byte{0x0f, 0x22, 0xd8}, 32, func(t *testing.T, in Inst) {
			if in.Op != OpMovToCR || in.Reg != 3 || in.RM != cpu.RAX {
				t.Errorf("got %+v", in)
			}
			if r, ok := in.Assist(); !ok || r != cpu.AssistPrivileged {
				t.Errorf("Assist() = %v, %v", r, ok)
			}
		}, 3},
		{"invlpg", []byte{0x0f, 0x01, 0x38}, 32, func(t *testing.T, in Inst) {
			if in.Op != OpInvlpg || !in.Mem || in.Base != cpu.RAX {
				t.Errorf("got %+v", in)
			}
		}, 3},
		{"mov ss, ax", []byte{0x8e, 0xd0}, 16, func(t *testing.T, in Inst) {
			if in.Op != OpMovSreg || !in.LoadsSS() {
				t.Errorf("got %+v", in)
			}
		}, 2},
		{"far jmp", []byte{0xea, 0x00, 0x10, 0x00, 0x00, 0x08, 0x00}, 32, func(t *testing.T, in Inst) {
			if in.Op != OpJmpFar || in.Imm != 0x1000 || in.Sel != 0x08 {
				t.Errorf("got %+v", in)
			}
		}, 7},
		{"out dx, al", []byte{0xee}, 32, func(t *testing.T, in Inst) {
			if in.Op != OpOut || in.OpSize != 1 || in.Port {
				t.Errorf("got %+v", in)
			}
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode(tt.code, tt.bitness)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if in.Len != tt.wantLen {
				t.Errorf("Len = %d, want %d", in.Len, tt.wantLen)
			}
			tt.check(t, in)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    []byte
		bitness int
		want    error
	}{
		{"undefined two-byte", []byte{0x0f, 0xff}, 32, ErrInvalidOpcode},
		{"truncated immediate", []byte{0xb8, 0x01}, 32, ErrTruncated},
		{"empty", nil, 32, ErrTruncated},
		{"too long", append(bytes.Repeat([]byte{0x66}, 15), 0x90), 32, ErrTooLong},
		{"rep prefix", []byte{0xf3, 0x90}, 32, ErrInvalidOpcode},
		{"pop ss in long mode", []byte{0x17}, 64, ErrInvalidOpcode},
		{"lea with register operand", []byte{0x8d, 0xc0}, 32, ErrInvalidOpcode},
		{"mov cs", []byte{0x8e, 0xc8}, 16, ErrInvalidOpcode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.code, tt.bitness); !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAluFlags(t *testing.T) {
	tests := []struct {
		name      string
		op        uint8
		a, b      uint64
		size      int
		cf        bool
		want      uint64
		wantFlags uint64
		wantWrite bool
	}{
		{"add byte wraps", aluAdd, 0xff, 1, 1, false, 0, cpu.FlagCF | cpu.FlagZF | cpu.FlagAF | cpu.FlagPF, true},
		{"add signed overflow", aluAdd, 0x7f, 1, 1, false, 0x80, cpu.FlagOF | cpu.FlagSF | cpu.FlagAF, true},
		{"sub borrow", aluSub, 0, 1, 4, false, 0xffffffff, cpu.FlagCF | cpu.FlagSF | cpu.FlagAF | cpu.FlagPF, true},
		{"cmp equal", aluCmp, 5, 5, 2, false, 0, cpu.FlagZF | cpu.FlagPF, false},
		{"sbb 64 with borrow in", aluSbb, 0, 0, 8, true, ^uint64(0), cpu.FlagCF | cpu.FlagSF | cpu.FlagAF | cpu.FlagPF, true},
		{"adc 64 carry out", aluAdc, ^uint64(0), 0, 8, true, 0, cpu.FlagCF | cpu.FlagZF | cpu.FlagAF | cpu.FlagPF, true},
		{"xor clears", aluXor, 0xf0, 0xf0, 1, true, 0, cpu.FlagZF | cpu.FlagPF, true},
		{"and sign", aluAnd, 0x8000, 0xffff, 2, false, 0x8000, cpu.FlagSF | cpu.FlagPF, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, f, w := alu(tt.op, tt.a, tt.b, tt.size, tt.cf)
			if r != tt.want {
				t.Errorf("result = %#x, want %#x", r, tt.want)
			}
			if f != tt.wantFlags {
				t.Errorf("flags = %#x, want %#x", f, tt.wantFlags)
			}
			if w != tt.wantWrite {
				t.Errorf("write = %v, want %v", w, tt.wantWrite)
			}
		})
	}
}

func TestConditions(t *testing.T) {
	tests := []struct {
		cc    uint8
		flags uint64
		want  bool
	}{
		{0x4, cpu.FlagZF, true},             // e
		{0x5, cpu.FlagZF, false},            // ne
		{0x2, cpu.FlagCF, true},             // b
		{0x7, 0, true},                      // a
		{0xc, cpu.FlagSF, true},             // l
		{0xc, cpu.FlagSF | cpu.FlagOF, false}, // l
		{0xf, 0, true},                      // g
		{0xe, cpu.FlagZF, true},             // le
	}
	for _, tt := range tests {
		if got := condition(tt.cc, tt.flags); got != tt.want {
			t.Errorf("condition(%#x, %#x) = %v, want %v", tt.cc, tt.flags, got, tt.want)
		}
	}
}
