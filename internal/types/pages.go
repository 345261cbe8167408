package types

// Guest page geometry. Version tracking and TLB entries work at 4 KiB
// granularity regardless of the page size a translation used.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// PageOf returns the page number containing addr.
func PageOf(addr uint64) uint64 {
	return addr >> PageShift
}

// PageBase returns the first address of the page containing addr.
func PageBase(addr uint64) uint64 {
	return addr &^ PageMask
}

// PageOffset returns the offset of addr within its page.
func PageOffset(addr uint64) uint64 {
	return addr & PageMask
}

// PagesSpanned returns the first and last page numbers covered by the
// byte range [addr, addr+length). A zero length is treated as one byte.
// Ranges running past the top of the address space are clamped.
func PagesSpanned(addr, length uint64) (first, last uint64) {
	if length == 0 {
		length = 1
	}
	end := addr + length - 1
	if end < addr {
		end = ^uint64(0)
	}
	return PageOf(addr), PageOf(end)
}

// CrossesPage reports whether an access of size bytes at addr touches
// more than one page.
func CrossesPage(addr uint64, size int) bool {
	return PageOffset(addr)+uint64(size) > PageSize
}
