// Package memory provides guest-physical RAM and the per-page write
// versions used to invalidate compiled code.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fortiblox/tiercore/internal/types"
)

var (
	// ErrInvalidSize is returned for a zero or unaligned RAM size.
	ErrInvalidSize = errors.New("invalid guest memory size")

	// ErrOutOfRange is returned by bulk accessors that do not fit in RAM.
	ErrOutOfRange = errors.New("physical range outside guest ram")
)

// openBus is returned for reads that hit no RAM.
const openBus = 0xff

// WriteObserver is told about every guest-visible physical write after
// the bytes have landed.
type WriteObserver interface {
	OnGuestWrite(paddr, length uint64)
}

// PhysMemory is flat guest-physical RAM starting at address zero.
//
// Reads above RAM return all-ones and writes above RAM are dropped, but
// the observer still sees them so code fetched from ROM or MMIO windows is
// invalidated consistently.
type PhysMemory struct {
	ram     []byte
	release func() error

	observer atomic.Pointer[observerBox]
}

type observerBox struct{ w WriteObserver }

// New allocates size bytes of zeroed guest RAM. size must be a non-zero
// multiple of the page size.
func New(size uint64) (*PhysMemory, error) {
	if size == 0 || size%types.PageSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	ram, release, err := allocRAM(size)
	if err != nil {
		return nil, err
	}
	return &PhysMemory{ram: ram, release: release}, nil
}

// Close releases the RAM mapping. The memory must not be used afterwards.
func (m *PhysMemory) Close() error {
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.release = nil
	m.ram = nil
	return err
}

// Size returns the RAM size in bytes.
func (m *PhysMemory) Size() uint64 { return uint64(len(m.ram)) }

// Pages returns the number of RAM pages.
func (m *PhysMemory) Pages() uint64 { return uint64(len(m.ram)) >> types.PageShift }

// SetObserver installs w as the write observer, replacing any previous one.
// A nil w disables notification.
func (m *PhysMemory) SetObserver(w WriteObserver) {
	if w == nil {
		m.observer.Store(nil)
		return
	}
	m.observer.Store(&observerBox{w: w})
}

func (m *PhysMemory) notify(paddr, length uint64) {
	if b := m.observer.Load(); b != nil {
		b.w.OnGuestWrite(paddr, length)
	}
}

func (m *PhysMemory) inRAM(paddr uint64, n int) bool {
	end := paddr + uint64(n)
	return end >= paddr && end <= uint64(len(m.ram))
}

// Read fills buf from guest-physical memory at paddr.
func (m *PhysMemory) Read(paddr uint64, buf []byte) {
	if m.inRAM(paddr, len(buf)) {
		copy(buf, m.ram[paddr:])
		return
	}
	for i := range buf {
		a := paddr + uint64(i)
		if a < uint64(len(m.ram)) {
			buf[i] = m.ram[a]
		} else {
			buf[i] = openBus
		}
	}
}

// Write stores data at paddr and notifies the observer.
func (m *PhysMemory) Write(paddr uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	if m.inRAM(paddr, len(data)) {
		copy(m.ram[paddr:], data)
	} else {
		for i, b := range data {
			if a := paddr + uint64(i); a < uint64(len(m.ram)) {
				m.ram[a] = b
			}
		}
	}
	m.notify(paddr, uint64(len(data)))
}

// ReadU8 reads one byte.
func (m *PhysMemory) ReadU8(paddr uint64) uint8 {
	if paddr < uint64(len(m.ram)) {
		return m.ram[paddr]
	}
	return openBus
}

// ReadU16 reads a little-endian 16-bit value.
func (m *PhysMemory) ReadU16(paddr uint64) uint16 {
	if m.inRAM(paddr, 2) {
		return binary.LittleEndian.Uint16(m.ram[paddr:])
	}
	var b [2]byte
	m.Read(paddr, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

// ReadU32 reads a little-endian 32-bit value.
func (m *PhysMemory) ReadU32(paddr uint64) uint32 {
	if m.inRAM(paddr, 4) {
		return binary.LittleEndian.Uint32(m.ram[paddr:])
	}
	var b [4]byte
	m.Read(paddr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// ReadU64 reads a little-endian 64-bit value.
func (m *PhysMemory) ReadU64(paddr uint64) uint64 {
	if m.inRAM(paddr, 8) {
		return binary.LittleEndian.Uint64(m.ram[paddr:])
	}
	var b [8]byte
	m.Read(paddr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// WriteU8 writes one byte.
func (m *PhysMemory) WriteU8(paddr uint64, v uint8) {
	m.Write(paddr, []byte{v})
}

// WriteU16 writes a little-endian 16-bit value.
func (m *PhysMemory) WriteU16(paddr uint64, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	m.Write(paddr, b[:])
}

// WriteU32 writes a little-endian 32-bit value.
func (m *PhysMemory) WriteU32(paddr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.Write(paddr, b[:])
}

// WriteU64 writes a little-endian 64-bit value.
func (m *PhysMemory) WriteU64(paddr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Write(paddr, b[:])
}

// Load copies an image into RAM at paddr. Unlike Write it rejects ranges
// that do not fit.
func (m *PhysMemory) Load(paddr uint64, image []byte) error {
	if !m.inRAM(paddr, len(image)) {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, paddr, paddr+uint64(len(image)))
	}
	m.Write(paddr, image)
	return nil
}

// PageBytes returns a read-only view of RAM page n, or nil past the end.
// Callers must not modify the returned slice.
func (m *PhysMemory) PageBytes(n uint64) []byte {
	if n >= m.Pages() {
		return nil
	}
	off := n << types.PageShift
	return m.ram[off : off+types.PageSize : off+types.PageSize]
}
