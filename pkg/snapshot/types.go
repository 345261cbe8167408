// Package snapshot saves and restores machine state: the CPU registers and
// every non-zero page of guest RAM.
//
// Snapshots live in a single bbolt file. Pages are stored once per
// distinct content, keyed by their BLAKE3 digest and zstd compressed, so
// successive snapshots of a mostly unchanged machine share storage. Each
// snapshot is a gob manifest sealed with a SHA3-256 checksum and named by
// the base58 BLAKE3 digest of the manifest.
package snapshot

import (
	"errors"
	"time"

	"github.com/fortiblox/tiercore/internal/types"
	"github.com/fortiblox/tiercore/pkg/cpu"
)

var (
	// ErrSnapshotNotFound is returned when no snapshot has the given ID
	// or name.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("snapshot store closed")

	// ErrChecksumMismatch is returned when a manifest fails its checksum.
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

	// ErrMissingPage is returned when a manifest references a page that
	// is not in the store.
	ErrMissingPage = errors.New("snapshot page missing")

	// ErrSizeMismatch is returned when restoring into memory of a
	// different size.
	ErrSizeMismatch = errors.New("guest memory size mismatch")

	// ErrReadOnly is returned when writing to a read-only store.
	ErrReadOnly = errors.New("snapshot store is read-only")
)

// ID identifies a snapshot.
type ID = types.Hash

// Info describes a stored snapshot.
type Info struct {
	ID         ID
	Name       string
	Created    time.Time
	MemorySize uint64

	// Pages is the number of non-zero pages captured.
	Pages int

	// InstRetired is the retired instruction count at capture.
	InstRetired uint64
}

// pageRef maps a guest page to stored content.
type pageRef struct {
	Index  uint64
	Digest types.Hash
}

// manifest is the gob-encoded description of one snapshot.
type manifest struct {
	Name       string
	Created    int64 // Unix nano
	MemorySize uint64
	State      cpu.State
	Pages      []pageRef
}

func (m *manifest) info(id ID) Info {
	return Info{
		ID:          id,
		Name:        m.Name,
		Created:     time.Unix(0, m.Created),
		MemorySize:  m.MemorySize,
		Pages:       len(m.Pages),
		InstRetired: m.State.InstRetired,
	}
}

// envelope is what the manifests bucket stores: the encoded manifest and
// its SHA3-256 checksum.
type envelope struct {
	Manifest []byte
	Checksum [32]byte
}
