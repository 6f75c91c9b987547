package policy

import "sync/atomic"

// Holder publishes the current policy to concurrent readers. Reloads swap the
// whole value, so a reader sees either the old or the new policy, never a mix.
type Holder struct {
	p atomic.Pointer[Policy]
}

// NewHolder returns a holder seeded with p, or the defaults when p is nil.
func NewHolder(p *Policy) *Holder {
	if p == nil {
		p = Default()
	}
	h := &Holder{}
	h.p.Store(p)
	return h
}

// Load returns the current policy.
func (h *Holder) Load() *Policy {
	return h.p.Load()
}

// Store replaces the current policy.
func (h *Holder) Store(p *Policy) {
	if p != nil {
		h.p.Store(p)
	}
}
