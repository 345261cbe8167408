package tier0

import (
	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
)

// Event is an interrupt or exception to deliver.
type Event struct {
	Vector cpu.Vector

	// ReturnRIP is the instruction pointer saved on the handler's stack:
	// the faulting instruction for faults, the next instruction for
	// software interrupts and for external interrupts the current RIP.
	ReturnRIP uint64

	ErrorCode    uint32
	HasErrorCode bool

	// Software marks INT n and INT3, which are subject to gate DPL checks.
	Software bool
}

// ExceptionEvent converts an exception raised at rip into an Event.
func ExceptionEvent(e *cpu.Exception, rip uint64) Event {
	return Event{
		Vector:       e.Vector,
		ReturnRIP:    rip,
		ErrorCode:    e.ErrorCode,
		HasErrorCode: e.HasErrorCode,
	}
}

// Deliver transfers control to the handler for ev through the IVT or
// IDT. Delivery clears HLT. Handlers must run at the current privilege
// level; gates that would change CPL raise #GP.
func Deliver(s *cpu.State, b bus.CpuBus, ev Event) error {
	var err error
	switch s.Mode {
	case cpu.ModeReal:
		err = deliverReal(s, b, ev)
	case cpu.ModeLong:
		err = deliverLong(s, b, ev)
	default:
		err = deliverProtected(s, b, ev)
	}
	if err != nil {
		return err
	}
	s.Halted = false
	return nil
}

func deliverReal(s *cpu.State, b bus.CpuBus, ev Event) error {
	off := uint64(ev.Vector) * 4
	if off+3 > uint64(s.IDTR.Limit) {
		return cpu.GP(0)
	}
	entry, err := b.ReadU32(s.IDTR.Base + off)
	if err != nil {
		return err
	}
	saved := *s
	for _, v := range []uint64{s.RFLAGS & 0xffff, uint64(s.Segs[cpu.CS].Selector), ev.ReturnRIP & 0xffff} {
		if err := push(s, b, 2, v); err != nil {
			*s = saved
			return err
		}
	}
	s.SetFlag(cpu.FlagIF|cpu.FlagTF, false)
	s.Segs[cpu.CS] = realSegment(s.Segs[cpu.CS], uint16(entry>>16))
	s.RIP = uint64(entry & 0xffff)
	return nil
}

const (
	gateInt16  = 0x6
	gateTrap16 = 0x7
	gateInt32  = 0xe
	gateTrap32 = 0xf
)

func gateError(v cpu.Vector) *cpu.Exception {
	return cpu.GP(uint32(v)*8 + 2)
}

func deliverProtected(s *cpu.State, b bus.CpuBus, ev Event) error {
	off := uint64(ev.Vector) * 8
	if off+7 > uint64(s.IDTR.Limit) {
		return gateError(ev.Vector)
	}
	lo, err := b.ReadU32((s.IDTR.Base + off) & 0xffffffff)
	if err != nil {
		return err
	}
	hi, err := b.ReadU32((s.IDTR.Base + off + 4) & 0xffffffff)
	if err != nil {
		return err
	}
	kind := (hi >> 8) & 0x1f
	if kind != gateInt16 && kind != gateTrap16 && kind != gateInt32 && kind != gateTrap32 {
		return gateError(ev.Vector)
	}
	if ev.Software && uint8(hi>>13)&3 < s.CPL() {
		return gateError(ev.Vector)
	}
	if hi&descPresent == 0 {
		return cpu.NotPresent(uint16(ev.Vector)*8 + 2)
	}
	sel := uint16(lo >> 16)
	target := uint64(lo&0xffff) | uint64(hi&0xffff0000)
	size := 4
	if kind == gateInt16 || kind == gateTrap16 {
		size = 2
		target &= 0xffff
	}

	saved := *s
	oldCS := uint64(s.Segs[cpu.CS].Selector)
	if err := loadCodeSegment(s, b, sel); err != nil {
		*s = saved
		return err
	}
	frame := []uint64{saved.RFLAGS, oldCS, ev.ReturnRIP}
	if ev.HasErrorCode {
		frame = append(frame, uint64(ev.ErrorCode))
	}
	for _, v := range frame {
		if err := push(s, b, size, v); err != nil {
			*s = saved
			return err
		}
	}
	if kind == gateInt16 || kind == gateInt32 {
		s.SetFlag(cpu.FlagIF, false)
	}
	s.SetFlag(cpu.FlagTF, false)
	s.RIP = target
	return nil
}

func deliverLong(s *cpu.State, b bus.CpuBus, ev Event) error {
	off := uint64(ev.Vector) * 16
	if off+15 > uint64(s.IDTR.Limit) {
		return gateError(ev.Vector)
	}
	var w [4]uint32
	for i := range w {
		v, err := b.ReadU32(s.IDTR.Base + off + uint64(i)*4)
		if err != nil {
			return err
		}
		w[i] = v
	}
	kind := (w[1] >> 8) & 0x1f
	if kind != gateInt32 && kind != gateTrap32 {
		return gateError(ev.Vector)
	}
	if ev.Software && uint8(w[1]>>13)&3 < s.CPL() {
		return gateError(ev.Vector)
	}
	if w[1]&descPresent == 0 {
		return cpu.NotPresent(uint16(ev.Vector)*16 + 2)
	}
	sel := uint16(w[0] >> 16)
	target := uint64(w[0]&0xffff) | uint64(w[1]&0xffff0000) | uint64(w[2])<<32

	saved := *s
	oldCS := uint64(s.Segs[cpu.CS].Selector)
	oldSS := uint64(s.Segs[cpu.SS].Selector)
	oldRSP := s.GPR[cpu.RSP]
	if err := loadCodeSegment(s, b, sel); err != nil {
		*s = saved
		return err
	}
	s.GPR[cpu.RSP] &^= 0xf
	frame := []uint64{oldSS, oldRSP, saved.RFLAGS, oldCS, ev.ReturnRIP}
	if ev.HasErrorCode {
		frame = append(frame, uint64(ev.ErrorCode))
	}
	for _, v := range frame {
		if err := push(s, b, 8, v); err != nil {
			*s = saved
			return err
		}
	}
	if kind == gateInt32 {
		s.SetFlag(cpu.FlagIF, false)
	}
	s.SetFlag(cpu.FlagTF, false)
	s.RIP = target
	return nil
}

// iret returns from an interrupt handler at the current privilege level.
func iret(s *cpu.State, b bus.CpuBus, in *Inst) error {
	size := in.OpSize
	saved := *s
	fail := func(err error) error {
		*s = saved
		return err
	}

	rip, err := pop(s, b, size)
	if err != nil {
		return fail(err)
	}
	cs, err := pop(s, b, size)
	if err != nil {
		return fail(err)
	}
	flags, err := pop(s, b, size)
	if err != nil {
		return fail(err)
	}
	var rsp, ss uint64
	if s.Mode == cpu.ModeLong {
		if rsp, err = pop(s, b, size); err != nil {
			return fail(err)
		}
		if ss, err = pop(s, b, size); err != nil {
			return fail(err)
		}
	}

	if s.Mode != cpu.ModeReal && uint8(cs&3) != s.CPL() {
		return fail(cpu.GP(uint32(cs &^ 3)))
	}
	if err := loadCodeSegment(s, b, uint16(cs)); err != nil {
		return fail(err)
	}
	if s.Mode == cpu.ModeLong || saved.Mode == cpu.ModeLong {
		if err := loadDataSegment(s, b, cpu.SS, uint16(ss)); err != nil {
			return fail(err)
		}
		s.GPR[cpu.RSP] = rsp
	}

	// IOPL is only writable at CPL 0 and IF only when CPL <= IOPL.
	keep := cpu.FlagRsv1
	if s.Mode != cpu.ModeReal {
		if s.CPL() != 0 {
			keep |= cpu.FlagIOPL
		}
		if s.CPL() > s.IOPL() {
			keep |= cpu.FlagIF
		}
	}
	mask := sizeMask(size) &^ keep
	s.RFLAGS = (saved.RFLAGS &^ mask) | (flags & mask) | cpu.FlagRsv1
	s.RIP = rip & sizeMask(size)
	return nil
}
