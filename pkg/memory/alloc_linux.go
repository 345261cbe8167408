//go:build linux

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocRAM maps anonymous private memory for guest RAM so large guests do
// not sit on the Go heap and untouched pages are never faulted in.
func allocRAM(size uint64) ([]byte, func() error, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap guest ram: %w", err)
	}
	return b, func() error { return unix.Munmap(b) }, nil
}
