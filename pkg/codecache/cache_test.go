package codecache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func handle(rip uint64, byteLen uint32) CompiledBlockHandle {
	return CompiledBlockHandle{
		EntryRIP:   rip,
		TableIndex: uint32(rip & 0xffff),
		Meta: CompiledBlockMeta{
			CodePaddr:        rip,
			ByteLen:          byteLen,
			PageVersions:     []PageVersionSnapshot{{Page: rip >> 12, Version: 1}},
			InstructionCount: 1,
		},
	}
}

func mustVerify(t *testing.T, c *Cache) {
	t.Helper()
	if err := c.verify(); err != nil {
		t.Fatalf("verify() = %v", err)
	}
}

func TestLRUEvictionOrder(t *testing.T) {
	c := New(2, 0)
	for _, rip := range []uint64{0x1000, 0x1001} {
		if ev := c.Insert(handle(rip, 4)); len(ev) != 0 {
			t.Fatalf("Insert(%#x) evicted %v", rip, ev)
		}
	}
	if _, ok := c.Get(0x1000); !ok {
		t.Fatal("Get(0x1000) missed")
	}

	evicted := c.Insert(handle(0x1004, 4))
	if diff := cmp.Diff([]uint64{0x1001}, evicted); diff != "" {
		t.Errorf("evicted mismatch (-want +got):\n%s", diff)
	}
	if !c.Contains(0x1000) {
		t.Error("touched entry 0x1000 was evicted")
	}
	if c.Contains(0x1001) {
		t.Error("0x1001 still cached")
	}
	if diff := cmp.Diff([]uint64{0x1004, 0x1000}, c.Keys()); diff != "" {
		t.Errorf("recency order mismatch (-want +got):\n%s", diff)
	}
	mustVerify(t, c)
}

func TestSequentialInsertKeepsNewest(t *testing.T) {
	c := New(2, 0)
	var all []uint64
	for rip := uint64(0x1000); rip <= 0x1004; rip++ {
		all = append(all, c.Insert(handle(rip, 1))...)
		mustVerify(t, c)
	}
	if diff := cmp.Diff([]uint64{0x1000, 0x1001, 0x1002}, all); diff != "" {
		t.Errorf("evicted mismatch (-want +got):\n%s", diff)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestByteBudget(t *testing.T) {
	c := New(100, 10)
	c.Insert(handle(0x1, 4))
	c.Insert(handle(0x2, 4))
	if got := c.CurrentBytes(); got != 8 {
		t.Fatalf("CurrentBytes() = %d, want 8", got)
	}

	evicted := c.Insert(handle(0x3, 4))
	if diff := cmp.Diff([]uint64{0x1}, evicted); diff != "" {
		t.Errorf("evicted mismatch (-want +got):\n%s", diff)
	}
	if got := c.CurrentBytes(); got != 8 {
		t.Errorf("CurrentBytes() = %d, want 8", got)
	}
	mustVerify(t, c)
}

func TestZeroByteBudgetIsUnbounded(t *testing.T) {
	c := New(3, 0)
	for rip := uint64(1); rip <= 3; rip++ {
		if ev := c.Insert(handle(rip, 1<<30)); len(ev) != 0 {
			t.Fatalf("Insert(%d) evicted %v", rip, ev)
		}
	}
	if got := c.CurrentBytes(); got != 3<<30 {
		t.Errorf("CurrentBytes() = %d, want %d", got, uint64(3<<30))
	}
}

func TestReplaceAdjustsBytesAndPromotes(t *testing.T) {
	c := New(4, 0)
	c.Insert(handle(0xa, 10))
	c.Insert(handle(0xb, 10))

	evicted := c.Insert(handle(0xa, 3))
	if len(evicted) != 0 {
		t.Fatalf("replace evicted %v", evicted)
	}
	if got := c.CurrentBytes(); got != 13 {
		t.Errorf("CurrentBytes() = %d, want 13", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if diff := cmp.Diff([]uint64{0xa, 0xb}, c.Keys()); diff != "" {
		t.Errorf("recency order mismatch (-want +got):\n%s", diff)
	}
	h, _ := c.Peek(0xa)
	if h.Meta.ByteLen != 3 {
		t.Errorf("replaced ByteLen = %d, want 3", h.Meta.ByteLen)
	}
	mustVerify(t, c)
}

func TestOversizedBlockEvictsItself(t *testing.T) {
	c := New(8, 16)
	c.Insert(handle(0x1, 8))

	evicted := c.Insert(handle(0x2, 64))
	if diff := cmp.Diff([]uint64{0x1, 0x2}, evicted); diff != "" {
		t.Errorf("evicted mismatch (-want +got):\n%s", diff)
	}
	if !c.IsEmpty() {
		t.Errorf("cache not empty: %v", c.Keys())
	}
	if c.CurrentBytes() != 0 {
		t.Errorf("CurrentBytes() = %d, want 0", c.CurrentBytes())
	}
	mustVerify(t, c)
}

func TestRemoveAndClear(t *testing.T) {
	c := New(8, 0)
	for rip := uint64(1); rip <= 5; rip++ {
		c.Insert(handle(rip, 2))
	}

	h, ok := c.Remove(3)
	if !ok || h.EntryRIP != 3 {
		t.Fatalf("Remove(3) = %v, %v", h.EntryRIP, ok)
	}
	if _, ok := c.Remove(3); ok {
		t.Error("second Remove(3) succeeded")
	}
	if got := c.CurrentBytes(); got != 8 {
		t.Errorf("CurrentBytes() = %d, want 8", got)
	}
	mustVerify(t, c)

	// Freed slot is reused.
	slabLen := len(c.slots)
	c.Insert(handle(6, 2))
	if len(c.slots) != slabLen {
		t.Errorf("slab grew to %d, want reuse of freed slot (%d)", len(c.slots), slabLen)
	}

	c.Clear()
	if !c.IsEmpty() || c.Len() != 0 || c.CurrentBytes() != 0 {
		t.Errorf("after Clear: len=%d bytes=%d", c.Len(), c.CurrentBytes())
	}
	for rip := uint64(1); rip <= 6; rip++ {
		if c.Contains(rip) {
			t.Errorf("Contains(%d) after Clear", rip)
		}
	}
	mustVerify(t, c)

	c.Insert(handle(7, 1))
	mustVerify(t, c)
}

func TestGetReturnsCopy(t *testing.T) {
	c := New(2, 0)
	c.Insert(handle(0x10, 1))

	h, _ := c.Get(0x10)
	h.Meta.PageVersions[0].Version = 99

	again, _ := c.Get(0x10)
	if again.Meta.PageVersions[0].Version != 1 {
		t.Errorf("cached snapshot mutated through returned handle: %d", again.Meta.PageVersions[0].Version)
	}
}

func TestContainsDoesNotPromote(t *testing.T) {
	c := New(2, 0)
	c.Insert(handle(1, 1))
	c.Insert(handle(2, 1))
	c.Contains(1)
	c.Peek(1)

	evicted := c.Insert(handle(3, 1))
	if diff := cmp.Diff([]uint64{1}, evicted); diff != "" {
		t.Errorf("evicted mismatch (-want +got):\n%s", diff)
	}
}

func TestSaturatingBytes(t *testing.T) {
	if got := addSat(^uint64(0)-1, 5); got != ^uint64(0) {
		t.Errorf("addSat overflow = %d", got)
	}
	if got := subSat(3, 5); got != 0 {
		t.Errorf("subSat underflow = %d", got)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(c *Cache)
	}{
		{"byte counter", func(c *Cache) { c.currentBytes++ }},
		{"dangling index", func(c *Cache) { c.index[0xdead] = 0 }},
		{"broken back link", func(c *Cache) { c.slots[c.tail].prev = nilIndex }},
		{"orphan slot", func(c *Cache) { c.slots = append(c.slots, slot{prev: nilIndex, next: nilIndex}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(4, 0)
			c.Insert(handle(1, 1))
			c.Insert(handle(2, 1))
			c.Insert(handle(3, 1))
			tt.corrupt(c)
			if err := c.verify(); err == nil {
				t.Error("verify() = nil, want corruption error")
			}
		})
	}
}

func TestCorruptLinkPanics(t *testing.T) {
	c := New(4, 0)
	c.Insert(handle(1, 1))
	c.Insert(handle(2, 1))
	c.slots[c.head].next = 42

	defer func() {
		if recover() == nil {
			t.Error("Keys() over a corrupt link did not panic")
		}
	}()
	c.Keys()
}

func TestRandomizedInvariants(t *testing.T) {
	c := New(5, 40)
	seed := uint64(0x9e3779b97f4a7c15)
	next := func() uint64 {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		return seed
	}
	for i := 0; i < 5000; i++ {
		rip := next() % 16
		switch next() % 4 {
		case 0, 1:
			c.Insert(handle(rip, uint32(next()%12)))
		case 2:
			c.Get(rip)
		case 3:
			c.Remove(rip)
		}
		if err := c.verify(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if c.Len() > 5 || c.CurrentBytes() > 40 {
			t.Fatalf("step %d: budget exceeded len=%d bytes=%d", i, c.Len(), c.CurrentBytes())
		}
	}
}
