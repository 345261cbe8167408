package cpu

import (
	"errors"
	"testing"
)

func TestLinearAddressWrapsOutsideLongMode(t *testing.T) {
	var s State
	s.ResetRealMode(0)
	s.Control.CR0 |= CR0PE
	s.UpdateMode()
	s.Segs[DS].Base = 0xfffff000

	if got := s.LinearAddress(DS, 0x2000); got != 0x1000 {
		t.Errorf("LinearAddress = %#x, want 0x1000", got)
	}
}

func TestLinearAddressLongMode(t *testing.T) {
	var s State
	s.Mode = ModeLong
	s.Segs[DS].Base = 0x1000
	s.Segs[FS].Base = 0x7fff00000000

	tests := []struct {
		seg  SegReg
		off  uint64
		want uint64
	}{
		{DS, 0x123456789, 0x123456789},
		{FS, 0x10, 0x7fff00000010},
	}
	for _, tt := range tests {
		if got := s.LinearAddress(tt.seg, tt.off); got != tt.want {
			t.Errorf("LinearAddress(%d, %#x) = %#x, want %#x", tt.seg, tt.off, got, tt.want)
		}
	}
}

func TestUpdateMode(t *testing.T) {
	tests := []struct {
		name    string
		cr0     uint64
		efer    uint64
		csLong  bool
		want    Mode
		wantLMA bool
	}{
		{"real", CR0ET, 0, false, ModeReal, false},
		{"protected", CR0PE, 0, false, ModeProtected, false},
		{"paged protected", CR0PE | CR0PG, 0, false, ModeProtected, false},
		{"compatibility", CR0PE | CR0PG, EFERLME, false, ModeProtected, true},
		{"long", CR0PE | CR0PG, EFERLME, true, ModeLong, true},
		{"lme without paging", CR0PE, EFERLME, true, ModeProtected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s State
			s.Control.CR0 = tt.cr0
			s.EFER = tt.efer
			s.Segs[CS].Long = tt.csLong
			s.UpdateMode()
			if s.Mode != tt.want {
				t.Errorf("Mode = %v, want %v", s.Mode, tt.want)
			}
			if got := s.EFER&EFERLMA != 0; got != tt.wantLMA {
				t.Errorf("LMA = %v, want %v", got, tt.wantLMA)
			}
		})
	}
}

func TestRetireAgesShadow(t *testing.T) {
	var s State
	s.InhibitInterruptsForOneInstruction()
	s.SetFlag(FlagIF, true)
	if s.InterruptsEnabled() {
		t.Fatal("interrupts enabled inside shadow")
	}
	s.RetireInstruction()
	if !s.InterruptsEnabled() {
		t.Error("shadow did not expire after one instruction")
	}
	if s.InstRetired != 1 {
		t.Errorf("InstRetired = %d, want 1", s.InstRetired)
	}

	s.InterruptInhibit = 3
	s.RetireInstructions(2)
	if s.InterruptInhibit != 1 {
		t.Errorf("InterruptInhibit = %d, want 1", s.InterruptInhibit)
	}
	s.RetireInstructions(0)
	if s.InterruptInhibit != 1 || s.InstRetired != 3 {
		t.Errorf("RetireInstructions(0) changed state: inhibit=%d retired=%d", s.InterruptInhibit, s.InstRetired)
	}
}

func TestGPRPartialWrites(t *testing.T) {
	var s State
	s.GPR[RAX] = 0x1122334455667788

	s.WriteGPR(RAX, 2, false, 0xaaaa)
	if s.GPR[RAX] != 0x112233445566aaaa {
		t.Errorf("16-bit write: %#x", s.GPR[RAX])
	}
	s.WriteGPR(4, 1, false, 0xbb) // AH
	if s.GPR[RAX] != 0x112233445566bbaa {
		t.Errorf("AH write: %#x", s.GPR[RAX])
	}
	if got := s.ReadGPR(4, 1, false); got != 0xbb {
		t.Errorf("AH read = %#x", got)
	}
	s.WriteGPR(RAX, 4, false, 0xffffffff)
	if s.GPR[RAX] != 0xffffffff {
		t.Errorf("32-bit write did not zero-extend: %#x", s.GPR[RAX])
	}
	s.GPR[RSP] = 0x1234
	if got := s.ReadGPR(RSP, 1, true); got != 0x34 {
		t.Errorf("SPL read = %#x", got)
	}
}

func TestApplyExceptionSideEffects(t *testing.T) {
	var s State
	s.ApplyExceptionSideEffects(GP(0))
	if s.Control.CR2 != 0 {
		t.Fatal("#GP wrote CR2")
	}
	var err error = PageFault(0xdead000, PFWrite)
	var exc *Exception
	if !errors.As(err, &exc) {
		t.Fatal("PageFault is not an *Exception")
	}
	s.ApplyExceptionSideEffects(exc)
	if s.Control.CR2 != 0xdead000 {
		t.Errorf("CR2 = %#x, want 0xdead000", s.Control.CR2)
	}
}

func TestPendingEvents(t *testing.T) {
	var p PendingEvents
	p.RaiseExternal(0x20)
	p.RaiseExternal(0x21)
	if v, ok := p.PopExternal(); !ok || v != 0x20 {
		t.Errorf("PopExternal = %#x, %v", v, ok)
	}
	if !p.HasExternal() {
		t.Error("second event lost")
	}
	p.Clear()
	if _, ok := p.PopExternal(); ok {
		t.Error("PopExternal after Clear succeeded")
	}
}
