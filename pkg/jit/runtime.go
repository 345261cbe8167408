package jit

import (
	"github.com/fortiblox/tiercore/internal/types"
	"github.com/fortiblox/tiercore/pkg/codecache"
	"github.com/fortiblox/tiercore/pkg/cpu"
)

// maxHotnessEntries bounds the hotness table. When it fills up the counts
// start over.
const maxHotnessEntries = 1 << 16

// maxConsecutiveRollbacks is how many runs in a row a cached block may
// fail to commit before it is evicted.
const maxConsecutiveRollbacks = 4

// Stats are cumulative runtime counters.
type Stats struct {
	// Lookups counts PrepareBlock calls; Hits those that returned a
	// valid block.
	Lookups uint64
	Hits    uint64

	// StaleEvictions counts blocks dropped because a page they were
	// compiled from changed.
	StaleEvictions uint64

	// LRUEvictions counts blocks evicted to respect the cache budgets.
	LRUEvictions uint64

	// RollbackEvictions counts blocks evicted after failing to commit
	// maxConsecutiveRollbacks times in a row.
	RollbackEvictions uint64

	Installs uint64

	// RejectedInstalls counts handles that were already stale when
	// installed.
	RejectedInstalls uint64

	CompileRequests uint64

	// BlocksExecuted counts compiled-unit runs; RolledBack those that
	// did not commit and ExitsToInterpreter those that asked for the
	// interpreter.
	BlocksExecuted     uint64
	RolledBack         uint64
	ExitsToInterpreter uint64

	// InterpExecutions counts RecordExecution calls.
	InterpExecutions uint64
}

// Runtime is the tiered dispatch runtime of one CPU context. It owns the
// compiled-block cache and is not safe for concurrent use, except for
// OnGuestWrite whose effect goes through the atomic page-version source.
type Runtime struct {
	cfg      Config
	backend  Backend
	sink     CompileRequestSink
	versions PageVersionSource

	cache     *codecache.Cache
	hotness   map[uint64]uint32
	rollbacks map[uint64]uint8
	stats     Stats
}

// NewRuntime creates a runtime. A nil sink discards compile requests. A
// zero cfg.HotThreshold is replaced by DefaultHotThreshold and a
// non-positive cfg.CacheMaxBlocks by DefaultCacheMaxBlocks; Config
// reports the values in effect. Use Enabled to turn compilation off.
func NewRuntime(cfg Config, backend Backend, sink CompileRequestSink, versions PageVersionSource) *Runtime {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.HotThreshold == 0 {
		cfg.HotThreshold = DefaultHotThreshold
	}
	if cfg.CacheMaxBlocks <= 0 {
		cfg.CacheMaxBlocks = DefaultCacheMaxBlocks
	}
	return &Runtime{
		cfg:       cfg,
		backend:   backend,
		sink:      sink,
		versions:  versions,
		cache:     codecache.New(cfg.CacheMaxBlocks, cfg.CacheMaxBytes),
		hotness:   make(map[uint64]uint32),
		rollbacks: make(map[uint64]uint8),
	}
}

// Config returns the runtime configuration.
func (r *Runtime) Config() Config { return r.cfg }

// PrepareBlock returns the compiled block for rip if one is cached and
// every page it was built from still has the version it had at compile
// time. A stale block is removed, its unit released, and a recompile
// requested if rip is hot.
func (r *Runtime) PrepareBlock(rip uint64) (codecache.CompiledBlockHandle, bool) {
	if !r.cfg.Enabled {
		return codecache.CompiledBlockHandle{}, false
	}
	r.stats.Lookups++
	h, ok := r.cache.Get(rip)
	if !ok {
		return codecache.CompiledBlockHandle{}, false
	}
	if r.current(h.Meta.PageVersions) {
		r.stats.Hits++
		return h, true
	}

	r.cache.Remove(rip)
	r.release(h.TableIndex)
	delete(r.rollbacks, rip)
	r.stats.StaleEvictions++
	if r.IsHot(rip) {
		r.requestCompile(rip)
	}
	return codecache.CompiledBlockHandle{}, false
}

// InstallHandle caches h. Blocks evicted to make room have their units
// released and are reported to the compile sink; their entry RIPs are
// returned oldest first. A victim's hotness starts over, so it is only
// hot again, and worth recompiling, once the interpreter has run it
// HotThreshold more times. A handle whose page snapshot is already out of
// date is not installed: its unit is released and a fresh compile is
// requested.
func (r *Runtime) InstallHandle(h codecache.CompiledBlockHandle) []uint64 {
	if !r.cfg.Enabled {
		r.release(h.TableIndex)
		return nil
	}
	if !r.current(h.Meta.PageVersions) {
		r.stats.RejectedInstalls++
		r.release(h.TableIndex)
		r.requestCompile(h.EntryRIP)
		return nil
	}

	if old, ok := r.cache.Peek(h.EntryRIP); ok && old.TableIndex != h.TableIndex {
		r.release(old.TableIndex)
	}
	r.stats.Installs++
	delete(r.rollbacks, h.EntryRIP)
	victims := r.cache.InsertEvicting(h)
	if len(victims) == 0 {
		return nil
	}
	evicted := make([]uint64, len(victims))
	for i, v := range victims {
		evicted[i] = v.EntryRIP
		r.release(v.TableIndex)
		delete(r.hotness, v.EntryRIP)
		delete(r.rollbacks, v.EntryRIP)
		r.requestCompile(v.EntryRIP)
	}
	r.stats.LRUEvictions += uint64(len(victims))
	return evicted
}

// SnapshotPages captures the current version of each page.
func (r *Runtime) SnapshotPages(pages []uint64) []codecache.PageVersionSnapshot {
	out := make([]codecache.PageVersionSnapshot, len(pages))
	for i, p := range pages {
		out[i] = codecache.PageVersionSnapshot{Page: p, Version: r.versions.Version(p)}
	}
	return out
}

// SnapshotMeta builds block metadata for byteLen code bytes at the
// physically contiguous address codePaddr, capturing current page
// versions.
func (r *Runtime) SnapshotMeta(codePaddr uint64, byteLen uint32) codecache.CompiledBlockMeta {
	first, last := types.PagesSpanned(codePaddr, uint64(byteLen))
	pages := make([]uint64, 0, last-first+1)
	for p := first; ; p++ {
		pages = append(pages, p)
		if p == last {
			break
		}
	}
	return codecache.CompiledBlockMeta{
		CodePaddr:    codePaddr,
		ByteLen:      byteLen,
		PageVersions: r.SnapshotPages(pages),
	}
}

// InstallBlock snapshots the pages under [codePaddr, codePaddr+byteLen)
// and installs a handle for a unit the backend holds at tableIndex.
func (r *Runtime) InstallBlock(rip uint64, tableIndex uint32, codePaddr uint64, byteLen, instCount uint32) []uint64 {
	meta := r.SnapshotMeta(codePaddr, byteLen)
	meta.InstructionCount = instCount
	return r.InstallHandle(codecache.CompiledBlockHandle{
		EntryRIP:   rip,
		TableIndex: tableIndex,
		Meta:       meta,
	})
}

// ExecuteBlock runs h through the backend. A committed exit moves RIP to
// the exit's NextRIP, retires the block's instructions and then opens
// the interrupt shadow the block leaves behind, exactly as retiring the
// same instructions one by one would. An uncommitted exit leaves the
// entry state the backend restored. A block that fails to commit
// maxConsecutiveRollbacks times in a row is evicted and its hotness
// starts over.
func (r *Runtime) ExecuteBlock(s *cpu.State, h codecache.CompiledBlockHandle) BlockExit {
	exit := r.backend.Execute(h.TableIndex, s)
	r.stats.BlocksExecuted++
	if exit.ExitToInterpreter {
		r.stats.ExitsToInterpreter++
	}
	if !exit.Committed {
		r.stats.RolledBack++
		r.noteRollback(h)
		return exit
	}
	delete(r.rollbacks, h.EntryRIP)
	s.RIP = exit.NextRIP
	s.RetireInstructions(uint64(h.Meta.InstructionCount))
	if h.Meta.InhibitInterruptsAfterBlock {
		s.InhibitInterruptsForOneInstruction()
	}
	return exit
}

func (r *Runtime) noteRollback(h codecache.CompiledBlockHandle) {
	n := r.rollbacks[h.EntryRIP] + 1
	if n < maxConsecutiveRollbacks {
		r.rollbacks[h.EntryRIP] = n
		return
	}
	delete(r.rollbacks, h.EntryRIP)
	if cur, ok := r.cache.Peek(h.EntryRIP); !ok || cur.TableIndex != h.TableIndex {
		return
	}
	r.cache.Remove(h.EntryRIP)
	r.release(h.TableIndex)
	delete(r.hotness, h.EntryRIP)
	r.stats.RollbackEvictions++
}

// RecordExecution counts an interpreter execution of the block at rip.
// The execution that makes rip hot requests a compile unless a block is
// already cached.
func (r *Runtime) RecordExecution(rip uint64) {
	r.stats.InterpExecutions++
	if !r.cfg.Enabled {
		return
	}
	n, ok := r.hotness[rip]
	if !ok && len(r.hotness) >= maxHotnessEntries {
		clear(r.hotness)
	}
	if n < ^uint32(0) {
		n++
	}
	r.hotness[rip] = n
	if n == r.cfg.HotThreshold && !r.cache.Contains(rip) {
		r.requestCompile(rip)
	}
}

// Hotness returns the recorded interpreter execution count for rip.
func (r *Runtime) Hotness(rip uint64) uint32 { return r.hotness[rip] }

// IsHot reports whether rip reached the hot threshold.
func (r *Runtime) IsHot(rip uint64) bool {
	return r.hotness[rip] >= r.cfg.HotThreshold
}

// SeedHotness sets the execution count of rip, as when warm-starting
// from a saved profile. Reaching the threshold requests a compile.
func (r *Runtime) SeedHotness(rip uint64, count uint32) {
	if !r.cfg.Enabled || count == 0 {
		return
	}
	if len(r.hotness) >= maxHotnessEntries {
		return
	}
	r.hotness[rip] = count
	if count >= r.cfg.HotThreshold && !r.cache.Contains(rip) {
		r.requestCompile(rip)
	}
}

// HotEntries calls fn for every recorded entry RIP and its count.
func (r *Runtime) HotEntries(fn func(rip uint64, count uint32)) {
	for rip, n := range r.hotness {
		fn(rip, n)
	}
}

// IsCompiled reports whether a block for rip is cached. It does not check
// staleness or change recency.
func (r *Runtime) IsCompiled(rip uint64) bool { return r.cache.Contains(rip) }

// CacheLen returns the number of cached blocks.
func (r *Runtime) CacheLen() int { return r.cache.Len() }

// CacheBytes returns the guest-code bytes covered by cached blocks.
func (r *Runtime) CacheBytes() uint64 { return r.cache.CurrentBytes() }

// Stats returns a copy of the runtime counters.
func (r *Runtime) Stats() Stats { return r.stats }

// Reset drops every cached block, releasing its unit, and forgets all
// hotness. Counters are kept.
func (r *Runtime) Reset() {
	for _, rip := range r.cache.Keys() {
		if h, ok := r.cache.Remove(rip); ok {
			r.release(h.TableIndex)
		}
	}
	r.cache.Clear()
	clear(r.hotness)
	clear(r.rollbacks)
}

// OnGuestWrite records a guest write to [paddr, paddr+length) by bumping
// the page versions under it. Cached blocks on those pages are found
// stale by their next PrepareBlock.
func (r *Runtime) OnGuestWrite(paddr, length uint64) {
	r.versions.BumpRange(paddr, length)
}

func (r *Runtime) current(snap []codecache.PageVersionSnapshot) bool {
	for _, pv := range snap {
		if r.versions.Version(pv.Page) != pv.Version {
			return false
		}
	}
	return true
}

func (r *Runtime) release(tableIndex uint32) {
	if rel, ok := r.backend.(UnitReleaser); ok {
		rel.ReleaseUnit(tableIndex)
	}
}

func (r *Runtime) requestCompile(rip uint64) {
	r.stats.CompileRequests++
	r.sink.RequestCompile(rip)
}
