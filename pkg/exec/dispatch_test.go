package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/jit"
	"github.com/fortiblox/tiercore/pkg/jit/softjit"
	"github.com/fortiblox/tiercore/pkg/memory"
	"github.com/fortiblox/tiercore/pkg/tier0"
)

type rig struct {
	phys     *memory.PhysMemory
	vcpu     *Vcpu
	disp     *Dispatcher
	rt       *jit.Runtime
	queue    *jit.CompileQueue
	compiler *softjit.Compiler
}

func newRig(t *testing.T, jitOn bool, blockInsts int) *rig {
	t.Helper()
	phys, err := memory.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { phys.Close() })

	core := cpu.NewCore(0x100)
	core.State.GPR[cpu.RSP] = 0x7000
	b := bus.NewPagingBus(phys, nil)
	interp := tier0.NewInterpreter(nil, blockInsts)
	backend := softjit.NewBackend(b, interp.AssistContext())
	queue := jit.NewCompileQueue()
	rt := jit.NewRuntime(jit.Config{
		Enabled:        jitOn,
		HotThreshold:   2,
		CacheMaxBlocks: 16,
		CacheMaxBytes:  1 << 16,
	}, backend, queue, memory.NewPageVersions(phys.Pages()))
	phys.SetObserver(rt)

	return &rig{
		phys:     phys,
		vcpu:     NewVcpu(core, b),
		disp:     NewDispatcher(interp, rt),
		rt:       rt,
		queue:    queue,
		compiler: softjit.NewCompiler(&core.State, b, phys, rt, backend, nil, softjit.DefaultLimits()),
	}
}

// flat switches the rig to 32-bit protected mode with flat segments.
func (r *rig) flat(rip uint64) {
	s := &r.vcpu.Core.State
	s.Control.CR0 |= cpu.CR0PE
	for i := range s.Segs {
		s.Segs[i].Big = true
		s.Segs[i].Limit = 0xffffffff
	}
	s.GPR[cpu.RSP] = 0x8000
	s.RIP = rip
	s.UpdateMode()
}

func (r *rig) load(t *testing.T, addr uint64, code ...byte) {
	t.Helper()
	if err := r.phys.Load(addr, code); err != nil {
		t.Fatal(err)
	}
}

// run steps until the CPU halts, compiling requested blocks between
// steps.
func (r *rig) run(t *testing.T) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		out, err := r.disp.Step(r.vcpu)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if out.Kind == OutcomeHalted {
			return
		}
		for _, rip := range r.queue.Drain() {
			if r.rt.IsCompiled(rip) {
				continue
			}
			h, err := r.compiler.Compile(context.Background(), rip)
			if err != nil {
				continue
			}
			r.rt.InstallHandle(h)
		}
	}
	t.Fatal("CPU did not halt")
}

// sumLoop adds 100 down to 1 into EAX, storing the running total at
// store after every iteration, then halts.
func sumLoop(store uint32) []byte {
	return []byte{
		0xb9, 0x64, 0x00, 0x00, 0x00, // mov ecx, 100
		0x31, 0xc0, // xor eax, eax
		0x01, 0xc8, // loop: add eax, ecx
		0x89, 0x05, byte(store), byte(store >> 8), byte(store >> 16), byte(store >> 24), // mov [store], eax
		0x49,       // dec ecx
		0x75, 0xf5, // jnz loop
		0xf4, // hlt
	}
}

func TestTierEquivalence(t *testing.T) {
	tests := []struct {
		name  string
		store uint32
	}{
		{"data page", 0x3000},
		{"code page", 0x1100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp := newRig(t, false, 0)
			tiered := newRig(t, true, 0)
			for _, r := range []*rig{interp, tiered} {
				r.flat(0x1000)
				r.load(t, 0x1000, sumLoop(tt.store)...)
				r.run(t)
			}

			want, got := interp.vcpu.Core.State, tiered.vcpu.Core.State
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("state differs between tiers (-interp +tiered):\n%s", diff)
			}
			if got.GPR[cpu.RAX] != 5050 || got.InstRetired != 403 {
				t.Errorf("EAX = %d InstRetired = %d, want 5050 and 403", got.GPR[cpu.RAX], got.InstRetired)
			}
			if a, b := interp.phys.ReadU32(uint64(tt.store)), tiered.phys.ReadU32(uint64(tt.store)); a != b || a != 5050 {
				t.Errorf("stored totals %d and %d, want 5050", a, b)
			}

			if interp.disp.Stats().JitBlocks != 0 {
				t.Error("disabled runtime ran compiled blocks")
			}
			if tiered.disp.Stats().JitBlocks == 0 {
				t.Error("tiered run never left the interpreter")
			}
			if tt.store == 0x1100 && tiered.rt.Stats().StaleEvictions == 0 {
				t.Error("writes to the code page never invalidated the block")
			}
		})
	}
}

func TestInterruptWaitsForShadow(t *testing.T) {
	r := newRig(t, false, 1)
	r.phys.WriteU16(0x20*4, 0x2000)
	r.phys.WriteU16(0x20*4+2, 0)
	r.load(t, 0x100, 0xfb, 0x90, 0xeb, 0xfe) // sti; nop; jmp $
	r.load(t, 0x2000, 0x43, 0xcf)             // inc bx; iret
	r.vcpu.Core.Pending.RaiseExternal(0x20)

	wantKinds := []struct {
		kind OutcomeKind
		rip  uint64
	}{
		{OutcomeBlock, 0x101},              // sti, IF was clear
		{OutcomeBlock, 0x102},              // nop in the shadow
		{OutcomeInterruptDelivered, 0x2000}, // delivered after the shadow
		{OutcomeBlock, 0x2001},
		{OutcomeBlock, 0x102},
	}
	for i, w := range wantKinds {
		out, err := r.disp.Step(r.vcpu)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if out.Kind != w.kind || r.vcpu.Core.State.RIP != w.rip {
			t.Fatalf("step %d: kind %d RIP %#x, want kind %d RIP %#x", i, out.Kind, r.vcpu.Core.State.RIP, w.kind, w.rip)
		}
	}
	s := &r.vcpu.Core.State
	if s.GPR[cpu.RBX] != 1 || !s.Flag(cpu.FlagIF) {
		t.Errorf("BX = %d IF = %v after handler", s.GPR[cpu.RBX], s.Flag(cpu.FlagIF))
	}
	if r.disp.Stats().InterruptsDelivered != 1 {
		t.Errorf("InterruptsDelivered = %d", r.disp.Stats().InterruptsDelivered)
	}
}

func TestHaltedUntilInterrupt(t *testing.T) {
	r := newRig(t, true, 0)
	r.phys.WriteU16(0x20*4, 0x2000)
	r.load(t, 0x100, 0xfb, 0xf4) // sti; hlt
	r.load(t, 0x2000, 0xcf)

	if out, err := r.disp.Step(r.vcpu); err != nil || out.Retired != 2 {
		t.Fatalf("first step = %+v, %v", out, err)
	}
	for i := 0; i < 2; i++ {
		if out, _ := r.disp.Step(r.vcpu); out != StepHalted {
			t.Fatalf("halted CPU stepped to %+v", out)
		}
	}

	r.vcpu.Core.Pending.RaiseExternal(0x20)
	out, err := r.disp.Step(r.vcpu)
	if err != nil || out.Kind != OutcomeInterruptDelivered || out.Vector != 0x20 {
		t.Fatalf("step = %+v, %v", out, err)
	}
	if r.vcpu.Core.State.Halted {
		t.Error("delivery did not wake the CPU")
	}
	r.disp.Step(r.vcpu)
	if r.vcpu.Core.State.RIP != 0x102 {
		t.Errorf("RIP = %#x after iret, want 0x102", r.vcpu.Core.State.RIP)
	}
}

func TestExceptionReturned(t *testing.T) {
	r := newRig(t, true, 0)
	r.load(t, 0x100, 0x90, 0x0f, 0xff)

	out, err := r.disp.Step(r.vcpu)
	var exc *cpu.Exception
	if !errors.As(err, &exc) || exc.Vector != cpu.VectorUD {
		t.Fatalf("err = %v, want #UD", err)
	}
	if out.Retired != 1 || r.vcpu.Core.State.RIP != 0x101 {
		t.Errorf("Retired = %d RIP = %#x", out.Retired, r.vcpu.Core.State.RIP)
	}
}

func TestRolledBackBlockRunsInInterpreter(t *testing.T) {
	r := newRig(t, true, 0)
	r.flat(0x1000)
	r.load(t, 0x1000, 0x40, 0xeb, 0xfe) // inc eax; jmp $
	for i := 0; i < 2; i++ {
		r.disp.Step(r.vcpu)
		r.vcpu.Core.State.RIP = 0x1000
	}
	for _, rip := range r.queue.Drain() {
		h, err := r.compiler.Compile(context.Background(), rip)
		if err != nil {
			t.Fatal(err)
		}
		r.rt.InstallHandle(h)
	}
	if !r.rt.IsCompiled(0x1000) {
		t.Fatal("block not compiled")
	}

	// Patch the code behind the runtime's back so the unit's guard
	// refuses it.
	r.phys.SetObserver(nil)
	r.phys.WriteU8(0x1000, 0x48) // dec eax

	before := r.vcpu.Core.State.GPR[cpu.RAX]
	out, err := r.disp.Step(r.vcpu)
	if err != nil {
		t.Fatal(err)
	}
	if out.Tier != TierInterpreter || r.disp.Stats().Fallbacks != 1 {
		t.Errorf("outcome %+v stats %+v", out, r.disp.Stats())
	}
	if got := r.vcpu.Core.State.GPR[cpu.RAX]; got != before-1 {
		t.Errorf("EAX = %d, want %d", got, before-1)
	}
}
