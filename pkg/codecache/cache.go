// Package codecache provides the bounded LRU cache of compiled guest code
// blocks keyed by entry RIP.
//
// The cache keeps its recency list inside a slab of slots linked by index,
// so lookup, promotion and eviction are all O(1) and no per-entry heap
// node is allocated after the slab has grown to its working size. Removed
// slots go onto a free list and are reused by later inserts.
package codecache

import (
	"errors"
	"fmt"
)

// nilIndex marks the absence of a slot link.
const nilIndex = -1

type slot struct {
	entryRIP uint64
	handle   CompiledBlockHandle
	prev     int
	next     int
	occupied bool
}

// Cache is an LRU cache of compiled blocks bounded by entry count and,
// optionally, by total code bytes.
//
// Cache is not safe for concurrent use; each CPU context owns one.
type Cache struct {
	maxBlocks int
	maxBytes  uint64

	index map[uint64]int
	slots []slot
	free  []int

	head int // most recently used
	tail int // least recently used

	currentBytes uint64
}

// New creates a cache holding at most maxBlocks entries. A maxBytes of
// zero disables the byte budget.
func New(maxBlocks int, maxBytes uint64) *Cache {
	if maxBlocks < 0 {
		maxBlocks = 0
	}
	return &Cache{
		maxBlocks: maxBlocks,
		maxBytes:  maxBytes,
		index:     make(map[uint64]int),
		head:      nilIndex,
		tail:      nilIndex,
	}
}

// MaxBlocks returns the entry-count limit.
func (c *Cache) MaxBlocks() int { return c.maxBlocks }

// MaxBytes returns the byte budget, zero when unbounded.
func (c *Cache) MaxBytes() uint64 { return c.maxBytes }

// Len returns the number of cached blocks.
func (c *Cache) Len() int { return len(c.index) }

// IsEmpty reports whether the cache holds no blocks.
func (c *Cache) IsEmpty() bool { return len(c.index) == 0 }

// CurrentBytes returns the summed ByteLen of all cached blocks.
func (c *Cache) CurrentBytes() uint64 { return c.currentBytes }

// Contains reports whether a block for entryRIP is cached. It does not
// change recency.
func (c *Cache) Contains(entryRIP uint64) bool {
	_, ok := c.index[entryRIP]
	return ok
}

// Get returns a copy of the handle cached for entryRIP and marks it most
// recently used. Staleness is not checked here.
func (c *Cache) Get(entryRIP uint64) (CompiledBlockHandle, bool) {
	idx, ok := c.index[entryRIP]
	if !ok {
		return CompiledBlockHandle{}, false
	}
	c.moveToFront(idx)
	c.checkDebug()
	return c.slotAt(idx).handle.Clone(), true
}

// Peek returns a copy of the handle cached for entryRIP without changing
// recency.
func (c *Cache) Peek(entryRIP uint64) (CompiledBlockHandle, bool) {
	idx, ok := c.index[entryRIP]
	if !ok {
		return CompiledBlockHandle{}, false
	}
	return c.slotAt(idx).handle.Clone(), true
}

// Insert stores h as the most recently used block for h.EntryRIP,
// replacing any previous block for that address, then evicts least
// recently used blocks until both budgets hold. It returns the entry RIPs
// evicted by this call, oldest first. A block larger than the whole byte
// budget is accepted and then evicted by the same call.
func (c *Cache) Insert(h CompiledBlockHandle) []uint64 {
	victims := c.InsertEvicting(h)
	if len(victims) == 0 {
		return nil
	}
	keys := make([]uint64, len(victims))
	for i, v := range victims {
		keys[i] = v.EntryRIP
	}
	return keys
}

// InsertEvicting is Insert returning the evicted handles themselves, so
// the caller can release the units they reference.
func (c *Cache) InsertEvicting(h CompiledBlockHandle) []CompiledBlockHandle {
	h = h.Clone()
	size := uint64(h.Meta.ByteLen)

	if idx, ok := c.index[h.EntryRIP]; ok {
		s := c.slotAt(idx)
		c.currentBytes = subSat(c.currentBytes, uint64(s.handle.Meta.ByteLen))
		s.handle = h
		c.currentBytes = addSat(c.currentBytes, size)
		c.moveToFront(idx)
	} else {
		idx := c.allocSlot()
		s := &c.slots[idx]
		s.entryRIP = h.EntryRIP
		s.handle = h
		s.occupied = true
		c.index[h.EntryRIP] = idx
		c.pushFront(idx)
		c.currentBytes = addSat(c.currentBytes, size)
	}

	var evicted []CompiledBlockHandle
	for c.overBudget() {
		v, ok := c.evictTail()
		if !ok {
			break
		}
		evicted = append(evicted, v)
	}
	c.checkDebug()
	return evicted
}

// Remove deletes the block cached for entryRIP and returns it.
func (c *Cache) Remove(entryRIP uint64) (CompiledBlockHandle, bool) {
	idx, ok := c.index[entryRIP]
	if !ok {
		return CompiledBlockHandle{}, false
	}
	h := c.removeSlot(idx)
	c.checkDebug()
	return h, true
}

// Clear removes every block. The slab's capacity is kept for reuse.
func (c *Cache) Clear() {
	clear(c.index)
	c.slots = c.slots[:0]
	c.free = c.free[:0]
	c.head = nilIndex
	c.tail = nilIndex
	c.currentBytes = 0
	c.checkDebug()
}

// Keys returns the cached entry RIPs from most to least recently used.
func (c *Cache) Keys() []uint64 {
	keys := make([]uint64, 0, len(c.index))
	for idx := c.head; idx != nilIndex; idx = c.slotAt(idx).next {
		keys = append(keys, c.slotAt(idx).entryRIP)
	}
	return keys
}

func (c *Cache) overBudget() bool {
	if len(c.index) > c.maxBlocks {
		return true
	}
	return c.maxBytes != 0 && c.currentBytes > c.maxBytes
}

func (c *Cache) evictTail() (CompiledBlockHandle, bool) {
	if c.tail == nilIndex {
		return CompiledBlockHandle{}, false
	}
	return c.removeSlot(c.tail), true
}

func (c *Cache) removeSlot(idx int) CompiledBlockHandle {
	s := c.slotAt(idx)
	h := s.handle
	c.unlink(idx)
	delete(c.index, s.entryRIP)
	c.currentBytes = subSat(c.currentBytes, uint64(h.Meta.ByteLen))
	*s = slot{prev: nilIndex, next: nilIndex}
	c.free = append(c.free, idx)
	return h
}

func (c *Cache) allocSlot() int {
	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		return idx
	}
	c.slots = append(c.slots, slot{prev: nilIndex, next: nilIndex})
	return len(c.slots) - 1
}

// slotAt returns the occupied slot at idx. A dangling index means the
// link structure is corrupt, which is unrecoverable.
func (c *Cache) slotAt(idx int) *slot {
	if idx < 0 || idx >= len(c.slots) {
		panic(fmt.Sprintf("codecache: slot index %d out of range [0,%d)", idx, len(c.slots)))
	}
	s := &c.slots[idx]
	if !s.occupied {
		panic(fmt.Sprintf("codecache: slot %d is linked but free", idx))
	}
	return s
}

func (c *Cache) pushFront(idx int) {
	s := c.slotAt(idx)
	s.prev = nilIndex
	s.next = c.head
	if c.head != nilIndex {
		c.slotAt(c.head).prev = idx
	}
	c.head = idx
	if c.tail == nilIndex {
		c.tail = idx
	}
}

func (c *Cache) unlink(idx int) {
	s := c.slotAt(idx)
	if s.prev != nilIndex {
		c.slotAt(s.prev).next = s.next
	} else {
		c.head = s.next
	}
	if s.next != nilIndex {
		c.slotAt(s.next).prev = s.prev
	} else {
		c.tail = s.prev
	}
	s.prev = nilIndex
	s.next = nilIndex
}

func (c *Cache) moveToFront(idx int) {
	if c.head == idx {
		return
	}
	c.unlink(idx)
	c.pushFront(idx)
}

func (c *Cache) checkDebug() {
	if !debugInvariants {
		return
	}
	if err := c.verify(); err != nil {
		panic(err)
	}
}

var errCorrupt = errors.New("codecache: corrupt")

// verify checks the structural invariants of the cache:
// the index and the linked list hold the same entries, every linked slot
// maps back to itself, the byte total matches, and free and linked slots
// partition the slab.
func (c *Cache) verify() error {
	if len(c.index) == 0 {
		if c.head != nilIndex || c.tail != nilIndex {
			return fmt.Errorf("%w: empty cache has head=%d tail=%d", errCorrupt, c.head, c.tail)
		}
		if c.currentBytes != 0 {
			return fmt.Errorf("%w: empty cache has %d bytes", errCorrupt, c.currentBytes)
		}
	}

	seen := make([]bool, len(c.slots))
	var (
		count int
		bytes uint64
		prev  = nilIndex
	)
	for idx := c.head; idx != nilIndex; {
		if idx < 0 || idx >= len(c.slots) {
			return fmt.Errorf("%w: link to slot %d out of range", errCorrupt, idx)
		}
		if seen[idx] {
			return fmt.Errorf("%w: cycle at slot %d", errCorrupt, idx)
		}
		seen[idx] = true
		s := &c.slots[idx]
		if !s.occupied {
			return fmt.Errorf("%w: free slot %d is linked", errCorrupt, idx)
		}
		if s.prev != prev {
			return fmt.Errorf("%w: slot %d prev=%d, want %d", errCorrupt, idx, s.prev, prev)
		}
		if got, ok := c.index[s.entryRIP]; !ok || got != idx {
			return fmt.Errorf("%w: slot %d rip %#x not indexed to it", errCorrupt, idx, s.entryRIP)
		}
		if s.handle.EntryRIP != s.entryRIP {
			return fmt.Errorf("%w: slot %d handle rip %#x != %#x", errCorrupt, idx, s.handle.EntryRIP, s.entryRIP)
		}
		bytes += uint64(s.handle.Meta.ByteLen)
		count++
		prev = idx
		idx = s.next
	}
	if prev != c.tail {
		return fmt.Errorf("%w: tail=%d, list ends at %d", errCorrupt, c.tail, prev)
	}
	if count != len(c.index) {
		return fmt.Errorf("%w: list has %d entries, index has %d", errCorrupt, count, len(c.index))
	}
	if bytes != c.currentBytes {
		return fmt.Errorf("%w: list holds %d bytes, counter says %d", errCorrupt, bytes, c.currentBytes)
	}
	for _, idx := range c.free {
		if idx < 0 || idx >= len(c.slots) {
			return fmt.Errorf("%w: free index %d out of range", errCorrupt, idx)
		}
		if seen[idx] {
			return fmt.Errorf("%w: slot %d is both free and linked", errCorrupt, idx)
		}
		seen[idx] = true
	}
	for idx, ok := range seen {
		if !ok {
			return fmt.Errorf("%w: slot %d is neither free nor linked", errCorrupt, idx)
		}
	}
	return nil
}

func addSat(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}

func subSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
