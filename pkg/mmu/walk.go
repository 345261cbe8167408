package mmu

import "github.com/fortiblox/tiercore/pkg/cpu"

type entryRef struct {
	addr uint64
	val  uint64
	wide bool
}

// perms accumulates the effective permissions along a walk: a page is
// writable or user-accessible only if every level allows it.
type perms struct {
	writable bool
	user     bool
	nx       bool
}

func (p *perms) apply(e uint64, nxe bool) {
	p.writable = p.writable && e&pteWritable != 0
	p.user = p.user && e&pteUser != 0
	if nxe && e&pteNX != 0 {
		p.nx = true
	}
}

// walk resolves vaddr through the page tables. When update is set the
// accessed bit is set on every level used and the dirty bit on the leaf
// for writes.
func (m *MMU) walk(vaddr uint64, access Access, user, update bool) (tlbEntry, uint32, bool) {
	m.stats.Walks++
	code := accessCode(access, user, m.cfg.NXE)
	p := perms{writable: true, user: true}

	var (
		frame uint64
		leaf  entryRef
		path  []entryRef
	)

	switch m.cfg.Format {
	case FormatLegacy:
		pdeAddr := m.cfg.Root + ((vaddr>>22)&0x3ff)*4
		pde := uint64(m.tables.ReadU32(pdeAddr))
		if pde&ptePresent == 0 {
			return tlbEntry{}, code, true
		}
		p.apply(pde, false)
		if pde&ptePS != 0 && m.cfg.PSE {
			frame = pde&0xffc00000 | vaddr&0x3ff000
			leaf = entryRef{pdeAddr, pde, false}
			break
		}
		path = append(path, entryRef{pdeAddr, pde, false})
		pteAddr := pde&0xfffff000 + ((vaddr>>12)&0x3ff)*4
		pte := uint64(m.tables.ReadU32(pteAddr))
		if pte&ptePresent == 0 {
			return tlbEntry{}, code, true
		}
		p.apply(pte, false)
		frame = pte & 0xfffff000
		leaf = entryRef{pteAddr, pte, false}

	case FormatPAE, FormatLong:
		table := m.cfg.Root
		shifts := []uint{39, 30, 21, 12}
		if m.cfg.Format == FormatPAE {
			pdpteAddr := m.cfg.Root + ((vaddr>>30)&3)*8
			pdpte := m.tables.ReadU64(pdpteAddr)
			if pdpte&ptePresent == 0 {
				return tlbEntry{}, code, true
			}
			table = pdpte & addrMask64
			shifts = shifts[2:]
		}
		for _, shift := range shifts {
			addr := table + ((vaddr>>shift)&0x1ff)*8
			e := m.tables.ReadU64(addr)
			if e&ptePresent == 0 {
				return tlbEntry{}, code, true
			}
			if e&pteNX != 0 && !m.cfg.NXE {
				return tlbEntry{}, code | cpu.PFPresent | cpu.PFReserved, true
			}
			p.apply(e, m.cfg.NXE)
			if shift == 12 {
				frame = e & addrMask64
				leaf = entryRef{addr, e, true}
				break
			}
			if e&ptePS != 0 {
				if shift == 39 {
					return tlbEntry{}, code | cpu.PFPresent | cpu.PFReserved, true
				}
				span := uint64(1)<<shift - 1
				frame = e&addrMask64&^span | vaddr&span&^0xfff
				leaf = entryRef{addr, e, true}
				break
			}
			path = append(path, entryRef{addr, e, true})
			table = e & addrMask64
		}

	default:
		return tlbEntry{frame: vaddr &^ 0xfff, writable: true, user: true, dirty: true}, 0, false
	}

	e := tlbEntry{
		frame:    frame,
		writable: p.writable,
		user:     p.user,
		nx:       p.nx,
		dirty:    leaf.val&pteDirty != 0 || access == AccessWrite,
		global:   leaf.val&pteGlobal != 0 && m.cfg.PGE,
	}
	if c, fault := m.check(e, access, user); fault {
		return tlbEntry{}, c | cpu.PFPresent, true
	}
	if update {
		for _, r := range path {
			m.setBits(r, pteAccessed)
		}
		bits := pteAccessed
		if access == AccessWrite {
			bits |= pteDirty
		}
		m.setBits(leaf, bits)
	}
	return e, 0, false
}

func (m *MMU) setBits(r entryRef, bits uint64) {
	if r.val&bits == bits {
		return
	}
	if r.wide {
		m.tables.WriteU64(r.addr, r.val|bits)
		return
	}
	m.tables.WriteU32(r.addr, uint32(r.val|bits))
}
