// Package mmu implements x86 linear-to-physical translation: the legacy
// two-level, PAE and four-level long-mode page-table formats, and a
// software TLB with the architectural INVLPG and CR3-reload semantics.
package mmu

import (
	"github.com/fortiblox/tiercore/internal/types"
	"github.com/fortiblox/tiercore/pkg/cpu"
)

// Access is the kind of memory access being translated.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

// Format is the page-table layout selected by CR0, CR4 and EFER.
type Format uint8

const (
	FormatNone Format = iota
	FormatLegacy
	FormatPAE
	FormatLong
)

// Page-table entry bits.
const (
	ptePresent  uint64 = 1 << 0
	pteWritable uint64 = 1 << 1
	pteUser     uint64 = 1 << 2
	pteAccessed uint64 = 1 << 5
	pteDirty    uint64 = 1 << 6
	ptePS       uint64 = 1 << 7
	pteGlobal   uint64 = 1 << 8
	pteNX       uint64 = 1 << 63

	addrMask64 uint64 = 0x000ffffffffff000
)

// DefaultTLBEntries is the TLB capacity used by New.
const DefaultTLBEntries = 4096

// PageTables is physical memory as seen by the page walker.
type PageTables interface {
	ReadU32(paddr uint64) uint32
	ReadU64(paddr uint64) uint64
	WriteU32(paddr uint64, v uint32)
	WriteU64(paddr uint64, v uint64)
}

// Config is the paging configuration derived from CPU state.
type Config struct {
	Format Format
	Root   uint64
	WP     bool
	NXE    bool
	PSE    bool
	PGE    bool
}

// ConfigFromState extracts the paging configuration from s.
func ConfigFromState(s *cpu.State) Config {
	cfg := Config{
		WP:  s.Control.CR0&cpu.CR0WP != 0,
		NXE: s.EFER&cpu.EFERNXE != 0,
		PSE: s.Control.CR4&cpu.CR4PSE != 0,
		PGE: s.Control.CR4&cpu.CR4PGE != 0,
	}
	if s.Control.CR0&cpu.CR0PG == 0 || s.Control.CR0&cpu.CR0PE == 0 {
		return Config{}
	}
	switch {
	case s.EFER&cpu.EFERLMA != 0:
		cfg.Format = FormatLong
		cfg.Root = s.Control.CR3 & addrMask64
	case s.Control.CR4&cpu.CR4PAE != 0:
		cfg.Format = FormatPAE
		cfg.Root = s.Control.CR3 & 0xffffffe0
	default:
		cfg.Format = FormatLegacy
		cfg.Root = s.Control.CR3 & 0xfffff000
	}
	return cfg
}

type tlbEntry struct {
	frame    uint64
	writable bool
	user     bool
	nx       bool
	dirty    bool
	global   bool
}

// Stats counts TLB activity.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Flushes uint64
	Walks   uint64
}

// MMU translates linear addresses for one CPU.
type MMU struct {
	tables     PageTables
	cfg        Config
	tlb        map[uint64]tlbEntry
	maxEntries int
	stats      Stats
}

// New creates an MMU walking tables in pt. Paging starts disabled.
func New(pt PageTables) *MMU {
	return &MMU{
		tables:     pt,
		tlb:        make(map[uint64]tlbEntry),
		maxEntries: DefaultTLBEntries,
	}
}

// Config returns the active paging configuration.
func (m *MMU) Config() Config { return m.cfg }

// Stats returns TLB counters.
func (m *MMU) Stats() Stats { return m.stats }

// TLBLen returns the number of cached translations.
func (m *MMU) TLBLen() int { return len(m.tlb) }

// Sync adopts the paging configuration of s. A CR3 reload alone keeps
// global translations when CR4.PGE is set; any other change flushes the
// whole TLB.
func (m *MMU) Sync(s *cpu.State) {
	next := ConfigFromState(s)
	if next == m.cfg {
		return
	}
	prev := m.cfg
	m.cfg = next
	onlyRoot := prev
	onlyRoot.Root = next.Root
	if onlyRoot == next {
		m.Flush(next.PGE)
		return
	}
	m.Flush(false)
}

// Flush drops cached translations, keeping global ones when keepGlobal.
func (m *MMU) Flush(keepGlobal bool) {
	m.stats.Flushes++
	if !keepGlobal {
		clear(m.tlb)
		return
	}
	for k, e := range m.tlb {
		if !e.global {
			delete(m.tlb, k)
		}
	}
}

// InvalidatePage drops the translation for the page containing vaddr,
// global or not.
func (m *MMU) InvalidatePage(vaddr uint64) {
	delete(m.tlb, types.PageOf(vaddr))
}

// Translate maps vaddr to a physical address for the given access, setting
// accessed and dirty bits as the hardware would. user selects CPL 3
// permission checks.
func (m *MMU) Translate(vaddr uint64, access Access, user bool) (uint64, *cpu.Exception) {
	if m.cfg.Format == FormatNone {
		return vaddr & 0xffffffff, nil
	}
	if m.cfg.Format == FormatLong && !canonical(vaddr) {
		return 0, cpu.GP(0)
	}
	vpn := types.PageOf(vaddr)
	if e, ok := m.tlb[vpn]; ok && !(access == AccessWrite && !e.dirty) {
		if code, fault := m.check(e, access, user); fault {
			return 0, cpu.PageFault(vaddr, code|cpu.PFPresent)
		}
		m.stats.Hits++
		return e.frame | types.PageOffset(vaddr), nil
	}
	m.stats.Misses++

	e, code, fault := m.walk(vaddr, access, user, true)
	if fault {
		return 0, cpu.PageFault(vaddr, code)
	}
	if len(m.tlb) >= m.maxEntries {
		m.Flush(false)
	}
	m.tlb[vpn] = e
	return e.frame | types.PageOffset(vaddr), nil
}

// Probe translates vaddr for a supervisor read without touching the TLB or
// the accessed and dirty bits.
func (m *MMU) Probe(vaddr uint64) (uint64, bool) {
	if m.cfg.Format == FormatNone {
		return vaddr & 0xffffffff, true
	}
	if m.cfg.Format == FormatLong && !canonical(vaddr) {
		return 0, false
	}
	if e, ok := m.tlb[types.PageOf(vaddr)]; ok {
		return e.frame | types.PageOffset(vaddr), true
	}
	e, _, fault := m.walk(vaddr, AccessRead, false, false)
	if fault {
		return 0, false
	}
	return e.frame | types.PageOffset(vaddr), true
}

func (m *MMU) check(e tlbEntry, access Access, user bool) (uint32, bool) {
	code := accessCode(access, user, m.cfg.NXE)
	if user && !e.user {
		return code, true
	}
	if access == AccessWrite && !e.writable && (user || m.cfg.WP) {
		return code, true
	}
	if access == AccessFetch && e.nx {
		return code, true
	}
	return 0, false
}

func accessCode(access Access, user, nxe bool) uint32 {
	var code uint32
	if access == AccessWrite {
		code |= cpu.PFWrite
	}
	if user {
		code |= cpu.PFUser
	}
	if access == AccessFetch && nxe {
		code |= cpu.PFFetch
	}
	return code
}

func canonical(vaddr uint64) bool {
	top := int64(vaddr) >> 47
	return top == 0 || top == -1
}
