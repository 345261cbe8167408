package tier0

import (
	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
)

// Descriptor bits in the high dword.
const (
	descAccessed = 1 << 8
	descWritable = 1 << 9
	descCode     = 1 << 11
	descS        = 1 << 12
	descPresent  = 1 << 15
	descLong     = 1 << 21
	descBig      = 1 << 22
	descGran     = 1 << 23
)

// parseDescriptor decodes a code or data segment descriptor.
func parseDescriptor(sel uint16, lo, hi uint32) cpu.Segment {
	limit := lo&0xffff | hi&0x000f0000
	if hi&descGran != 0 {
		limit = limit<<12 | 0xfff
	}
	base := uint64(lo>>16) | uint64(hi&0xff)<<16 | uint64(hi&0xff000000)
	code := hi&descCode != 0
	return cpu.Segment{
		Selector: sel,
		Base:     base,
		Limit:    limit,
		Present:  hi&descPresent != 0,
		DPL:      uint8(hi>>13) & 3,
		Code:     code,
		Writable: !code && hi&descWritable != 0,
		Big:      hi&descBig != 0,
		Long:     code && hi&descLong != 0,
	}
}

// readDescriptor fetches the GDT descriptor for sel. LDT selectors are not
// supported and fault like an out-of-range GDT index.
func readDescriptor(s *cpu.State, b bus.CpuBus, sel uint16) (cpu.Segment, error) {
	idx := uint64(sel &^ 7)
	if sel&4 != 0 || idx+7 > uint64(s.GDTR.Limit) {
		return cpu.Segment{}, cpu.GP(uint32(sel &^ 3))
	}
	addr := s.GDTR.Base + idx
	if s.Mode != cpu.ModeLong {
		addr &= 0xffffffff
	}
	lo, err := b.ReadU32(addr)
	if err != nil {
		return cpu.Segment{}, err
	}
	hi, err := b.ReadU32(addr + 4)
	if err != nil {
		return cpu.Segment{}, err
	}
	if hi&descS == 0 {
		return cpu.Segment{}, cpu.GP(uint32(sel &^ 3))
	}
	return parseDescriptor(sel, lo, hi), nil
}

// realSegment returns the real-mode view of selector sel.
func realSegment(cur cpu.Segment, sel uint16) cpu.Segment {
	cur.Selector = sel
	cur.Base = uint64(sel) << 4
	return cur
}

// loadDataSegment loads a data segment register (DS, ES, FS, GS or SS)
// with the checks of MOV Sreg / POP Sreg.
func loadDataSegment(s *cpu.State, b bus.CpuBus, seg cpu.SegReg, sel uint16) error {
	if s.Mode == cpu.ModeReal {
		s.Segs[seg] = realSegment(s.Segs[seg], sel)
		return nil
	}
	cpl := s.CPL()
	if sel&^3 == 0 {
		if seg == cpu.SS && (s.Mode != cpu.ModeLong || cpl == 3) {
			return cpu.GP(0)
		}
		s.Segs[seg] = cpu.Segment{Selector: sel}
		return nil
	}
	d, err := readDescriptor(s, b, sel)
	if err != nil {
		return err
	}
	rpl := uint8(sel & 3)
	if seg == cpu.SS {
		if rpl != cpl || d.DPL != cpl || d.Code || !d.Writable {
			return cpu.GP(uint32(sel &^ 3))
		}
		if !d.Present {
			return cpu.StackFault(uint32(sel &^ 3))
		}
	} else {
		if !d.Present {
			return cpu.NotPresent(sel)
		}
	}
	s.Segs[seg] = d
	return nil
}

// loadCodeSegment loads CS for a far transfer at the current privilege
// level. Privilege changes through far transfers are not supported.
func loadCodeSegment(s *cpu.State, b bus.CpuBus, sel uint16) error {
	if s.Mode == cpu.ModeReal {
		s.Segs[cpu.CS] = realSegment(s.Segs[cpu.CS], sel)
		return nil
	}
	if sel&^3 == 0 {
		return cpu.GP(0)
	}
	d, err := readDescriptor(s, b, sel)
	if err != nil {
		return err
	}
	if !d.Code || d.DPL != s.CPL() {
		return cpu.GP(uint32(sel &^ 3))
	}
	if !d.Present {
		return cpu.NotPresent(sel)
	}
	d.Selector = sel&^3 | uint16(s.CPL())
	s.Segs[cpu.CS] = d
	s.UpdateMode()
	return nil
}
