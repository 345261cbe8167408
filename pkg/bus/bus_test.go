package bus

import (
	"errors"
	"testing"

	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/memory"
)

// pagedBus maps linear 0x10000 -> phys 0x30000 and 0x11000 -> 0x20000;
// linear 0x12000 is unmapped.
func pagedBus(t *testing.T) (*PagingBus, *memory.PhysMemory, *cpu.State) {
	t.Helper()
	phys, err := memory.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { phys.Close() })

	phys.WriteU32(0x1000, 0x2000|0x7)
	phys.WriteU32(0x2000+0x10*4, 0x30000|0x7)
	phys.WriteU32(0x2000+0x11*4, 0x20000|0x7)

	var s cpu.State
	s.ResetRealMode(0)
	s.Control.CR0 |= cpu.CR0PE | cpu.CR0PG
	s.Control.CR3 = 0x1000
	s.UpdateMode()

	b := NewPagingBus(phys, nil)
	b.Sync(&s)
	return b, phys, &s
}

func TestPageCrossingReadIsSplit(t *testing.T) {
	b, phys, _ := pagedBus(t)
	phys.Write(0x30ffe, []byte{0x11, 0x22})
	phys.Write(0x20000, []byte{0x33, 0x44})

	got, err := b.ReadU32(0x10ffe)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x44332211 {
		t.Errorf("ReadU32 = %#x, want 0x44332211", got)
	}
}

func TestPageCrossingFaultReportsFirstBadByte(t *testing.T) {
	b, _, _ := pagedBus(t)
	_, err := b.ReadU32(0x11ffe)
	var exc *cpu.Exception
	if !errors.As(err, &exc) {
		t.Fatalf("err = %v, want *cpu.Exception", err)
	}
	if exc.Vector != cpu.VectorPF || exc.Address != 0x12000 {
		t.Errorf("exception = %v, want #PF at 0x12000", exc)
	}
}

func TestFaultingCrossPageWriteLeavesMemoryUntouched(t *testing.T) {
	b, phys, _ := pagedBus(t)
	if err := b.WriteU32(0x11ffe, 0xaabbccdd); err == nil {
		t.Fatal("write succeeded")
	}
	if got := phys.ReadU16(0x20ffe); got != 0 {
		t.Errorf("partial write landed: %#x", got)
	}
}

func TestFetchStopsAtFault(t *testing.T) {
	b, phys, _ := pagedBus(t)
	phys.Write(0x20ffc, []byte{1, 2, 3, 4})

	buf := make([]byte, 15)
	n, err := b.Fetch(0x11ffc, buf)
	if n != 4 {
		t.Errorf("Fetch n = %d, want 4", n)
	}
	var exc *cpu.Exception
	if !errors.As(err, &exc) || exc.Address != 0x12000 {
		t.Errorf("Fetch err = %v, want #PF at 0x12000", err)
	}
	if buf[3] != 4 {
		t.Errorf("buf[3] = %d, want 4", buf[3])
	}
}

func TestUserAccessAfterSync(t *testing.T) {
	b, phys, s := pagedBus(t)
	phys.WriteU32(0x2000+0x10*4, 0x30000|0x3) // supervisor only

	b.Invlpg(0x10000)
	if _, err := b.ReadU8(0x10000); err != nil {
		t.Fatalf("supervisor read: %v", err)
	}

	s.Segs[cpu.CS].Selector = 0x1b
	s.Segs[cpu.CS].DPL = 3
	b.Sync(s)
	b.Invlpg(0x10000)
	if _, err := b.ReadU8(0x10000); err == nil {
		t.Error("user read of supervisor page succeeded")
	}
}

func TestNoIO(t *testing.T) {
	var io NoIO
	tests := []struct {
		size int
		want uint32
	}{
		{1, 0xff}, {2, 0xffff}, {4, 0xffffffff},
	}
	for _, tt := range tests {
		if got := io.In(0x60, tt.size); got != tt.want {
			t.Errorf("In(size %d) = %#x, want %#x", tt.size, got, tt.want)
		}
	}
}
