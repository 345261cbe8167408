package jit

// CompileQueue is a first-in first-out CompileRequestSink that holds each
// entry RIP at most once.
type CompileQueue struct {
	pending []uint64
	queued  map[uint64]struct{}
}

// NewCompileQueue creates an empty queue.
func NewCompileQueue() *CompileQueue {
	return &CompileQueue{queued: make(map[uint64]struct{})}
}

// RequestCompile enqueues entryRIP unless it is already pending.
func (q *CompileQueue) RequestCompile(entryRIP uint64) {
	if _, ok := q.queued[entryRIP]; ok {
		return
	}
	q.queued[entryRIP] = struct{}{}
	q.pending = append(q.pending, entryRIP)
}

// Drain removes and returns all pending requests in arrival order.
func (q *CompileQueue) Drain() []uint64 {
	out := q.pending
	q.pending = nil
	clear(q.queued)
	return out
}

// Len returns the number of pending requests.
func (q *CompileQueue) Len() int { return len(q.pending) }

// Clear drops all pending requests.
func (q *CompileQueue) Clear() {
	q.pending = q.pending[:0]
	clear(q.queued)
}
