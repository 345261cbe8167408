package jit

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/tiercore/pkg/codecache"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/memory"
)

type fakeBackend struct {
	exit     BlockExit
	executed []uint32
	released []uint32
}

func (b *fakeBackend) Execute(tableIndex uint32, s *cpu.State) BlockExit {
	b.executed = append(b.executed, tableIndex)
	return b.exit
}

func (b *fakeBackend) ReleaseUnit(tableIndex uint32) {
	b.released = append(b.released, tableIndex)
}

func newTestRuntime(cfg Config) (*Runtime, *fakeBackend, *CompileQueue, *memory.PageVersions) {
	backend := &fakeBackend{}
	queue := NewCompileQueue()
	versions := memory.NewPageVersions(64)
	return NewRuntime(cfg, backend, queue, versions), backend, queue, versions
}

func testConfig() Config {
	return Config{Enabled: true, HotThreshold: 2, CacheMaxBlocks: 8}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero byte budget", func(c *Config) { c.CacheMaxBytes = 0 }, false},
		{"zero threshold", func(c *Config) { c.HotThreshold = 0 }, true},
		{"zero blocks", func(c *Config) { c.CacheMaxBlocks = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("error %v does not wrap ErrConfigInvalid", err)
			}
		})
	}
}

func TestCompileQueueDeduplicates(t *testing.T) {
	q := NewCompileQueue()
	for _, rip := range []uint64{0x10, 0x20, 0x10, 0x30, 0x20} {
		q.RequestCompile(rip)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	if diff := cmp.Diff([]uint64{0x10, 0x20, 0x30}, q.Drain()); diff != "" {
		t.Errorf("Drain mismatch (-want +got):\n%s", diff)
	}
	q.RequestCompile(0x10)
	if q.Len() != 1 {
		t.Errorf("drained address not accepted again")
	}
	q.Clear()
	if q.Len() != 0 || len(q.Drain()) != 0 {
		t.Error("Clear left requests behind")
	}
}

func TestPrepareBlockDetectsGuestWrite(t *testing.T) {
	rt, backend, queue, _ := newTestRuntime(testConfig())
	rt.InstallBlock(0x1000, 7, 0x1000, 16, 4)

	if _, ok := rt.PrepareBlock(0x1000); !ok {
		t.Fatal("fresh block not returned")
	}

	rt.OnGuestWrite(0x2000, 8) // other page
	if _, ok := rt.PrepareBlock(0x1000); !ok {
		t.Fatal("write to an unrelated page invalidated the block")
	}

	rt.OnGuestWrite(0x1008, 1)
	if _, ok := rt.PrepareBlock(0x1000); ok {
		t.Fatal("stale block returned")
	}
	if rt.IsCompiled(0x1000) {
		t.Error("stale block still cached")
	}
	if diff := cmp.Diff([]uint32{7}, backend.released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
	if queue.Len() != 0 {
		t.Errorf("cold stale block requested a compile")
	}
	if st := rt.Stats(); st.StaleEvictions != 1 || st.Hits != 2 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestHotStaleBlockIsRecompiled(t *testing.T) {
	rt, _, queue, _ := newTestRuntime(testConfig())

	rt.RecordExecution(0x1000)
	if queue.Len() != 0 {
		t.Fatal("compile requested before threshold")
	}
	rt.RecordExecution(0x1000)
	if !rt.IsHot(0x1000) {
		t.Fatal("not hot after threshold executions")
	}
	if diff := cmp.Diff([]uint64{0x1000}, queue.Drain()); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}

	rt.InstallBlock(0x1000, 1, 0x1000, 32, 8)
	rt.RecordExecution(0x1000)
	if queue.Len() != 0 {
		t.Error("compiled address requested again")
	}

	rt.OnGuestWrite(0x1010, 4)
	if _, ok := rt.PrepareBlock(0x1000); ok {
		t.Fatal("stale block returned")
	}
	if diff := cmp.Diff([]uint64{0x1000}, queue.Drain()); diff != "" {
		t.Errorf("recompile requests mismatch (-want +got):\n%s", diff)
	}
}

func TestInstallRejectsStaleHandle(t *testing.T) {
	rt, backend, queue, versions := newTestRuntime(testConfig())
	meta := rt.SnapshotMeta(0x3000, 64)
	versions.BumpRange(0x3020, 1)

	evicted := rt.InstallHandle(codecache.CompiledBlockHandle{EntryRIP: 0x3000, TableIndex: 5, Meta: meta})
	if evicted != nil {
		t.Errorf("evicted = %v", evicted)
	}
	if rt.IsCompiled(0x3000) {
		t.Error("stale handle installed")
	}
	if diff := cmp.Diff([]uint32{5}, backend.released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0x3000}, queue.Drain()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	if rt.Stats().RejectedInstalls != 1 {
		t.Errorf("RejectedInstalls = %d", rt.Stats().RejectedInstalls)
	}
}

func TestInstallForwardsLRUVictims(t *testing.T) {
	cfg := testConfig()
	cfg.CacheMaxBlocks = 2
	rt, backend, queue, _ := newTestRuntime(cfg)

	rt.InstallBlock(0x1000, 0, 0x1000, 4, 1)
	rt.InstallBlock(0x1001, 1, 0x1001, 4, 1)
	if _, ok := rt.PrepareBlock(0x1000); !ok {
		t.Fatal("block missing")
	}
	evicted := rt.InstallBlock(0x1004, 2, 0x1004, 4, 1)

	if diff := cmp.Diff([]uint64{0x1001}, evicted); diff != "" {
		t.Errorf("evicted mismatch (-want +got):\n%s", diff)
	}
	if !rt.IsCompiled(0x1000) || rt.IsCompiled(0x1001) {
		t.Error("wrong block evicted")
	}
	if diff := cmp.Diff([]uint32{1}, backend.released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0x1001}, queue.Drain()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestLRUVictimMustTurnHotAgain(t *testing.T) {
	cfg := testConfig()
	cfg.CacheMaxBlocks = 1
	rt, _, queue, _ := newTestRuntime(cfg)

	rt.SeedHotness(0x1000, 5)
	queue.Drain()
	rt.InstallBlock(0x1000, 0, 0x1000, 4, 1)
	rt.InstallBlock(0x2000, 1, 0x2000, 4, 1)
	queue.Drain()

	if rt.IsHot(0x1000) || rt.Hotness(0x1000) != 0 {
		t.Fatalf("victim hotness = %d after eviction", rt.Hotness(0x1000))
	}
	rt.RecordExecution(0x1000)
	if queue.Len() != 0 {
		t.Error("victim requested before it turned hot again")
	}
	rt.RecordExecution(0x1000)
	if diff := cmp.Diff([]uint64{0x1000}, queue.Drain()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestRepeatedRollbacksEvictBlock(t *testing.T) {
	rt, backend, _, _ := newTestRuntime(testConfig())
	rt.SeedHotness(0x1000, 5)
	rt.InstallBlock(0x1000, 3, 0x1000, 4, 1)
	backend.exit = BlockExit{NextRIP: 0x1000, ExitToInterpreter: true}

	run := func() {
		t.Helper()
		h, ok := rt.PrepareBlock(0x1000)
		if !ok {
			t.Fatal("block missing")
		}
		rt.ExecuteBlock(&cpu.State{RIP: 0x1000}, h)
	}

	// A commit resets the run of rollbacks.
	for i := 0; i < maxConsecutiveRollbacks-1; i++ {
		run()
	}
	backend.exit = BlockExit{NextRIP: 0x1004, Committed: true}
	run()
	backend.exit = BlockExit{NextRIP: 0x1000, ExitToInterpreter: true}
	for i := 0; i < maxConsecutiveRollbacks-1; i++ {
		run()
	}
	if !rt.IsCompiled(0x1000) || len(backend.released) != 0 {
		t.Fatal("block evicted before enough consecutive rollbacks")
	}

	run()
	if rt.IsCompiled(0x1000) {
		t.Error("block still cached")
	}
	if diff := cmp.Diff([]uint32{3}, backend.released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
	if rt.IsHot(0x1000) {
		t.Error("evicted block still hot")
	}
	st := rt.Stats()
	if st.RollbackEvictions != 1 || st.RolledBack != 2*(maxConsecutiveRollbacks-1)+1 {
		t.Errorf("RollbackEvictions = %d RolledBack = %d", st.RollbackEvictions, st.RolledBack)
	}
}

func TestNewRuntimeFillsDefaults(t *testing.T) {
	rt, _, _, _ := newTestRuntime(Config{Enabled: true})
	got := rt.Config()
	if got.HotThreshold != DefaultHotThreshold || got.CacheMaxBlocks != DefaultCacheMaxBlocks {
		t.Errorf("Config() = %+v", got)
	}
}

func TestOversizedBlockEvictedOnInstall(t *testing.T) {
	cfg := testConfig()
	cfg.CacheMaxBytes = 16
	rt, backend, _, _ := newTestRuntime(cfg)

	evicted := rt.InstallBlock(0x4000, 3, 0x4000, 64, 10)
	if diff := cmp.Diff([]uint64{0x4000}, evicted); diff != "" {
		t.Errorf("evicted mismatch (-want +got):\n%s", diff)
	}
	if rt.CacheLen() != 0 || rt.CacheBytes() != 0 {
		t.Errorf("CacheLen = %d CacheBytes = %d", rt.CacheLen(), rt.CacheBytes())
	}
	if diff := cmp.Diff([]uint32{3}, backend.released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceReleasesPreviousUnit(t *testing.T) {
	rt, backend, _, _ := newTestRuntime(testConfig())
	rt.InstallBlock(0x1000, 1, 0x1000, 8, 2)
	rt.InstallBlock(0x1000, 2, 0x1000, 8, 2)

	h, ok := rt.PrepareBlock(0x1000)
	if !ok || h.TableIndex != 2 {
		t.Fatalf("PrepareBlock = %+v, %v", h, ok)
	}
	if diff := cmp.Diff([]uint32{1}, backend.released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotMetaSpansPages(t *testing.T) {
	rt, _, _, versions := newTestRuntime(testConfig())
	versions.Bump(2)
	versions.Bump(2)

	meta := rt.SnapshotMeta(0x1ffe, 4)
	want := []codecache.PageVersionSnapshot{{Page: 1, Version: 0}, {Page: 2, Version: 2}}
	if diff := cmp.Diff(want, meta.PageVersions); diff != "" {
		t.Errorf("PageVersions mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteBlock(t *testing.T) {
	tests := []struct {
		name        string
		exit        BlockExit
		inhibit     bool
		wantRIP     uint64
		wantRetired uint64
		wantInhibit uint8
	}{
		{"committed", BlockExit{NextRIP: 0x2000, Committed: true}, false, 0x2000, 5, 0},
		{"committed with shadow", BlockExit{NextRIP: 0x2000, Committed: true}, true, 0x2000, 5, 1},
		{"rolled back", BlockExit{NextRIP: 0x1000, ExitToInterpreter: true}, true, 0x1000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, backend, _, _ := newTestRuntime(testConfig())
			backend.exit = tt.exit
			h := codecache.CompiledBlockHandle{
				EntryRIP:   0x1000,
				TableIndex: 9,
				Meta:       codecache.CompiledBlockMeta{InstructionCount: 5, InhibitInterruptsAfterBlock: tt.inhibit},
			}
			s := &cpu.State{RIP: 0x1000, InterruptInhibit: 1}

			exit := rt.ExecuteBlock(s, h)
			if exit != tt.exit {
				t.Errorf("exit = %+v", exit)
			}
			if s.RIP != tt.wantRIP || s.InstRetired != tt.wantRetired {
				t.Errorf("RIP = %#x InstRetired = %d", s.RIP, s.InstRetired)
			}
			wantInhibit := tt.wantInhibit
			if !tt.exit.Committed {
				wantInhibit = 1 // untouched
			}
			if s.InterruptInhibit != wantInhibit {
				t.Errorf("InterruptInhibit = %d, want %d", s.InterruptInhibit, wantInhibit)
			}
			if diff := cmp.Diff([]uint32{9}, backend.executed); diff != "" {
				t.Errorf("executed mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDisabledRuntime(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	rt, backend, queue, _ := newTestRuntime(cfg)

	rt.InstallBlock(0x1000, 4, 0x1000, 8, 1)
	for i := 0; i < 10; i++ {
		rt.RecordExecution(0x1000)
	}
	if _, ok := rt.PrepareBlock(0x1000); ok {
		t.Error("disabled runtime returned a block")
	}
	if queue.Len() != 0 || rt.IsCompiled(0x1000) {
		t.Error("disabled runtime compiled or cached")
	}
	if diff := cmp.Diff([]uint32{4}, backend.released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
}

func TestReset(t *testing.T) {
	rt, backend, _, _ := newTestRuntime(testConfig())
	rt.InstallBlock(0x1000, 1, 0x1000, 8, 1)
	rt.InstallBlock(0x2000, 2, 0x2000, 8, 1)
	rt.RecordExecution(0x3000)

	rt.Reset()
	if rt.CacheLen() != 0 || rt.Hotness(0x3000) != 0 {
		t.Errorf("CacheLen = %d hotness = %d", rt.CacheLen(), rt.Hotness(0x3000))
	}
	if len(backend.released) != 2 {
		t.Errorf("released = %v", backend.released)
	}
}

func TestSeedHotness(t *testing.T) {
	rt, _, queue, _ := newTestRuntime(testConfig())
	rt.SeedHotness(0x5000, 1)
	rt.SeedHotness(0x6000, 10)
	if diff := cmp.Diff([]uint64{0x6000}, queue.Drain()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	rt.RecordExecution(0x5000)
	if diff := cmp.Diff([]uint64{0x5000}, queue.Drain()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}
