// Package jit implements the tiered execution runtime: it decides per
// entry RIP whether a cached compiled block may run, keeps compiled blocks
// consistent with guest memory through page versions, and turns hot
// interpreter addresses into compile requests.
//
// Compilers and execution backends are plugged in through small
// interfaces; the runtime never looks inside a compiled unit.
package jit

import "github.com/fortiblox/tiercore/pkg/cpu"

// BlockExit is the result of running one compiled unit.
type BlockExit struct {
	// NextRIP is the instruction pointer to continue at.
	NextRIP uint64

	// ExitToInterpreter asks for the next instruction to run in the
	// interpreter.
	ExitToInterpreter bool

	// Committed reports that the unit ran to its end and its
	// architectural effects stand. An uncommitted exit means the backend
	// restored the entry state and nothing retired.
	Committed bool
}

// Backend executes compiled units.
type Backend interface {
	Execute(tableIndex uint32, s *cpu.State) BlockExit
}

// UnitReleaser is implemented by backends that reclaim unit storage when
// a block leaves the cache.
type UnitReleaser interface {
	ReleaseUnit(tableIndex uint32)
}

// CompileRequestSink receives advisory compile requests.
type CompileRequestSink interface {
	RequestCompile(entryRIP uint64)
}

// PageVersionSource is the memory layer's page-version authority.
type PageVersionSource interface {
	// Version returns the current version of a physical page.
	Version(page uint64) uint32

	// BumpRange advances the version of every page touched by
	// [paddr, paddr+length).
	BumpRange(paddr, length uint64)
}

// NopSink discards compile requests.
type NopSink struct{}

// RequestCompile does nothing.
func (NopSink) RequestCompile(uint64) {}
