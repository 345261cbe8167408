package cpu

// maxPendingExternal bounds the external-interrupt queue; raises beyond it
// are dropped.
const maxPendingExternal = 64

// PendingEvents queues interrupts waiting for an instruction boundary at
// which they may be delivered.
type PendingEvents struct {
	external []Vector
}

// RaiseExternal queues a maskable external interrupt.
func (p *PendingEvents) RaiseExternal(v Vector) {
	if len(p.external) >= maxPendingExternal {
		return
	}
	p.external = append(p.external, v)
}

// HasExternal reports whether an external interrupt is queued.
func (p *PendingEvents) HasExternal() bool { return len(p.external) > 0 }

// PopExternal dequeues the oldest external interrupt.
func (p *PendingEvents) PopExternal() (Vector, bool) {
	if len(p.external) == 0 {
		return 0, false
	}
	v := p.external[0]
	copy(p.external, p.external[1:])
	p.external = p.external[:len(p.external)-1]
	return v, true
}

// Clear drops all queued events.
func (p *PendingEvents) Clear() { p.external = p.external[:0] }

// Core is one virtual CPU: its architectural state and pending events.
type Core struct {
	State   State
	Pending PendingEvents
}

// NewCore returns a core reset to real mode at 0:entryIP.
func NewCore(entryIP uint16) *Core {
	c := &Core{}
	c.State.ResetRealMode(entryIP)
	return c
}
