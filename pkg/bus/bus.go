// Package bus defines the memory and I/O capability the execution tiers
// use to reach guest memory, and its paging implementation.
package bus

import (
	"encoding/binary"

	"github.com/fortiblox/tiercore/internal/types"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/memory"
	"github.com/fortiblox/tiercore/pkg/mmu"
)

// CpuBus is the guest memory view of one CPU. Addresses are linear.
// Faulting accesses return a *cpu.Exception.
type CpuBus interface {
	ReadU8(vaddr uint64) (uint8, error)
	ReadU16(vaddr uint64) (uint16, error)
	ReadU32(vaddr uint64) (uint32, error)
	ReadU64(vaddr uint64) (uint64, error)
	WriteU8(vaddr uint64, v uint8) error
	WriteU16(vaddr uint64, v uint16) error
	WriteU32(vaddr uint64, v uint32) error
	WriteU64(vaddr uint64, v uint64) error

	// Fetch reads instruction bytes into buf. It returns the number of
	// bytes read and, when that is short, the fault that stopped it.
	Fetch(vaddr uint64, buf []byte) (int, error)

	// Translate probes the physical address of vaddr without side effects.
	Translate(vaddr uint64) (uint64, bool)

	// Sync adopts paging-relevant state (CR0, CR3, CR4, EFER, CPL).
	Sync(s *cpu.State)

	// Invlpg drops any cached translation for vaddr.
	Invlpg(vaddr uint64)

	IoRead(port uint16, size int) uint32
	IoWrite(port uint16, size int, v uint32)
}

// IoBus handles port I/O.
type IoBus interface {
	In(port uint16, size int) uint32
	Out(port uint16, size int, v uint32)
}

// NoIO is an IoBus with nothing attached: reads float high and writes are
// discarded.
type NoIO struct{}

// In returns all ones for size bytes.
func (NoIO) In(_ uint16, size int) uint32 {
	if size >= 4 {
		return 0xffffffff
	}
	return 1<<(8*size) - 1
}

// Out discards the write.
func (NoIO) Out(uint16, int, uint32) {}

// PagingBus routes linear accesses through an MMU to physical memory.
type PagingBus struct {
	mmu  *mmu.MMU
	phys *memory.PhysMemory
	io   IoBus
	user bool
}

// NewPagingBus creates a bus over phys. A nil io attaches NoIO.
func NewPagingBus(phys *memory.PhysMemory, io IoBus) *PagingBus {
	if io == nil {
		io = NoIO{}
	}
	return &PagingBus{
		mmu:  mmu.New(phys),
		phys: phys,
		io:   io,
	}
}

// MMU exposes the translation unit.
func (b *PagingBus) MMU() *mmu.MMU { return b.mmu }

// Phys exposes physical memory.
func (b *PagingBus) Phys() *memory.PhysMemory { return b.phys }

// Sync implements CpuBus.
func (b *PagingBus) Sync(s *cpu.State) {
	b.mmu.Sync(s)
	b.user = s.CPL() == 3
}

// Invlpg implements CpuBus.
func (b *PagingBus) Invlpg(vaddr uint64) {
	b.mmu.InvalidatePage(vaddr)
}

// Translate implements CpuBus.
func (b *PagingBus) Translate(vaddr uint64) (uint64, bool) {
	return b.mmu.Probe(vaddr)
}

func (b *PagingBus) translate(vaddr uint64, access mmu.Access) (uint64, error) {
	pa, exc := b.mmu.Translate(vaddr, access, b.user)
	if exc != nil {
		return 0, exc
	}
	return pa, nil
}

// read fills buf from vaddr. Accesses within one page translate once;
// page-crossing accesses are split per byte so the fault reports the
// first unmapped byte.
func (b *PagingBus) read(vaddr uint64, buf []byte, access mmu.Access) error {
	if !types.CrossesPage(vaddr, len(buf)) {
		pa, err := b.translate(vaddr, access)
		if err != nil {
			return err
		}
		b.phys.Read(pa, buf)
		return nil
	}
	for i := range buf {
		pa, err := b.translate(vaddr+uint64(i), access)
		if err != nil {
			return err
		}
		buf[i] = b.phys.ReadU8(pa)
	}
	return nil
}

// write stores data at vaddr. Every byte is translated before any byte is
// written, so a faulting page-crossing store leaves memory untouched.
func (b *PagingBus) write(vaddr uint64, data []byte) error {
	if !types.CrossesPage(vaddr, len(data)) {
		pa, err := b.translate(vaddr, mmu.AccessWrite)
		if err != nil {
			return err
		}
		b.phys.Write(pa, data)
		return nil
	}
	var pas [8]uint64
	for i := range data {
		pa, err := b.translate(vaddr+uint64(i), mmu.AccessWrite)
		if err != nil {
			return err
		}
		pas[i] = pa
	}
	for i, v := range data {
		b.phys.Write(pas[i], []byte{v})
	}
	return nil
}

// ReadU8 implements CpuBus.
func (b *PagingBus) ReadU8(vaddr uint64) (uint8, error) {
	var buf [1]byte
	err := b.read(vaddr, buf[:], mmu.AccessRead)
	return buf[0], err
}

// ReadU16 implements CpuBus.
func (b *PagingBus) ReadU16(vaddr uint64) (uint16, error) {
	var buf [2]byte
	if err := b.read(vaddr, buf[:], mmu.AccessRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadU32 implements CpuBus.
func (b *PagingBus) ReadU32(vaddr uint64) (uint32, error) {
	var buf [4]byte
	if err := b.read(vaddr, buf[:], mmu.AccessRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadU64 implements CpuBus.
func (b *PagingBus) ReadU64(vaddr uint64) (uint64, error) {
	var buf [8]byte
	if err := b.read(vaddr, buf[:], mmu.AccessRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteU8 implements CpuBus.
func (b *PagingBus) WriteU8(vaddr uint64, v uint8) error {
	return b.write(vaddr, []byte{v})
}

// WriteU16 implements CpuBus.
func (b *PagingBus) WriteU16(vaddr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return b.write(vaddr, buf[:])
}

// WriteU32 implements CpuBus.
func (b *PagingBus) WriteU32(vaddr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.write(vaddr, buf[:])
}

// WriteU64 implements CpuBus.
func (b *PagingBus) WriteU64(vaddr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.write(vaddr, buf[:])
}

// Fetch implements CpuBus. It stops at the first page that cannot be
// fetched from.
func (b *PagingBus) Fetch(vaddr uint64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		a := vaddr + uint64(n)
		chunk := int(types.PageSize - types.PageOffset(a))
		if chunk > len(buf)-n {
			chunk = len(buf) - n
		}
		pa, err := b.translate(a, mmu.AccessFetch)
		if err != nil {
			return n, err
		}
		b.phys.Read(pa, buf[n:n+chunk])
		n += chunk
	}
	return n, nil
}

// IoRead implements CpuBus.
func (b *PagingBus) IoRead(port uint16, size int) uint32 {
	return b.io.In(port, size)
}

// IoWrite implements CpuBus.
func (b *PagingBus) IoWrite(port uint16, size int, v uint32) {
	b.io.Out(port, size, v)
}
