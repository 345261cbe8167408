package tier0

import (
	"testing"

	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/memory"
)

type env struct {
	phys *memory.PhysMemory
	bus  *bus.PagingBus
	s    *cpu.State
	io   *recordingIO
}

type ioWrite struct {
	port uint16
	size int
	v    uint32
}

type recordingIO struct {
	in     map[uint16]uint32
	writes []ioWrite
}

func (r *recordingIO) In(port uint16, size int) uint32 {
	return r.in[port] & uint32(sizeMask(size))
}

func (r *recordingIO) Out(port uint16, size int, v uint32) {
	r.writes = append(r.writes, ioWrite{port, size, v})
}

func newEnv(t *testing.T) *env {
	t.Helper()
	phys, err := memory.New(4 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { phys.Close() })
	io := &recordingIO{in: map[uint16]uint32{}}
	s := &cpu.State{}
	s.ResetRealMode(0)
	return &env{phys: phys, bus: bus.NewPagingBus(phys, io), s: s, io: io}
}

// realEnv is a real-mode CPU with SP at 0x7000.
func realEnv(t *testing.T) *env {
	e := newEnv(t)
	e.s.GPR[cpu.RSP] = 0x7000
	e.bus.Sync(e.s)
	return e
}

// flatEnv is a 32-bit protected-mode CPU with flat segments and paging
// off. ESP is 0x8000.
func flatEnv(t *testing.T) *env {
	e := newEnv(t)
	e.s.Control.CR0 |= cpu.CR0PE
	for i := range e.s.Segs {
		e.s.Segs[i].Big = true
		e.s.Segs[i].Limit = 0xffffffff
	}
	e.s.GPR[cpu.RSP] = 0x8000
	e.s.UpdateMode()
	e.bus.Sync(e.s)
	return e
}

// pagedEnv is flatEnv with legacy paging. Two address spaces share an
// identity map of the first 16 pages; linear 0x5000 maps to phys 0x20000
// in the first (CR3 0x10000) and to phys 0x21000 in the second
// (CR3 0x12000).
func pagedEnv(t *testing.T) *env {
	e := flatEnv(t)
	for _, as := range []struct{ pd, pt, data uint64 }{
		{0x10000, 0x11000, 0x20000},
		{0x12000, 0x13000, 0x21000},
	} {
		e.phys.WriteU32(as.pd, uint32(as.pt)|0x3)
		for i := uint64(0); i < 16; i++ {
			e.phys.WriteU32(as.pt+i*4, uint32(i<<12)|0x3)
		}
		e.phys.WriteU32(as.pt+5*4, uint32(as.data)|0x3)
	}
	e.s.Control.CR0 |= cpu.CR0PG
	e.s.Control.CR3 = 0x10000
	e.s.UpdateMode()
	e.bus.Sync(e.s)
	return e
}

// longEnv is a 64-bit CPU identity-mapping the first 4 MiB with 2 MiB
// pages. RSP is 0x9000.
func longEnv(t *testing.T) *env {
	e := newEnv(t)
	e.phys.WriteU64(0x1000, 0x2000|0x3)
	e.phys.WriteU64(0x2000, 0x3000|0x3)
	e.phys.WriteU64(0x3000, 0x000000|0x83)
	e.phys.WriteU64(0x3008, 0x200000|0x83)

	s := e.s
	s.Control.CR0 |= cpu.CR0PE | cpu.CR0PG
	s.Control.CR3 = 0x1000
	s.Control.CR4 |= cpu.CR4PAE
	s.EFER |= cpu.EFERLME
	for i := range s.Segs {
		s.Segs[i].Base = 0
	}
	s.Segs[cpu.CS].Long = true
	s.GPR[cpu.RSP] = 0x9000
	s.UpdateMode()
	e.bus.Sync(s)
	return e
}

// load places code at linear (and physical) address addr and points RIP
// at it. Code segment bases are zero in every env.
func (e *env) load(t *testing.T, addr uint64, code ...byte) {
	t.Helper()
	if err := e.phys.Load(addr, code); err != nil {
		t.Fatal(err)
	}
	e.s.RIP = addr
}
