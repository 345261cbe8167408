package memory

import (
	"sync"
	"sync/atomic"

	"github.com/fortiblox/tiercore/internal/types"
)

// PageVersions tracks a write counter per 4 KiB guest-physical page.
//
// Pages backed by RAM use a dense array of atomic counters so bumps from
// device goroutines never contend with the CPU thread reading them.
// Writes above RAM (MMIO windows, ROM shadows) fall back to a sparse map.
// Counters wrap at 2^32.
type PageVersions struct {
	dense []atomic.Uint32

	mu     sync.RWMutex
	sparse map[uint64]uint32
}

// NewPageVersions creates a tracker with dense counters for the first
// densePages pages.
func NewPageVersions(densePages uint64) *PageVersions {
	return &PageVersions{
		dense:  make([]atomic.Uint32, densePages),
		sparse: make(map[uint64]uint32),
	}
}

// Version returns the current version of page.
func (v *PageVersions) Version(page uint64) uint32 {
	if page < uint64(len(v.dense)) {
		return v.dense[page].Load()
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sparse[page]
}

// Bump increments the version of page.
func (v *PageVersions) Bump(page uint64) {
	if page < uint64(len(v.dense)) {
		v.dense[page].Add(1)
		return
	}
	v.mu.Lock()
	v.sparse[page]++
	v.mu.Unlock()
}

// BumpRange increments the version of every page touched by the byte range
// [paddr, paddr+length).
// A zero length touches nothing.
func (v *PageVersions) BumpRange(paddr, length uint64) {
	if length == 0 {
		return
	}
	first, last := types.PagesSpanned(paddr, length)
	for page := first; ; page++ {
		v.Bump(page)
		if page == last {
			break
		}
	}
}
