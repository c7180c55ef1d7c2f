package api

import "sync"

// ChainSnapshot records one request's middleware traversal.
type ChainSnapshot struct {
	CorrelationID string   `json:"correlation_id"`
	Path          string   `json:"path"`
	Chain         []string `json:"chain"`
}

// Diagnostics keeps the last N chain snapshots in a ring. It exists for
// test assertions and incident triage, and is only populated when the
// deployment enables diagnostics.
type Diagnostics struct {
	mu   sync.Mutex
	buf  []ChainSnapshot
	next int
	full bool
}

// NewDiagnostics sizes the ring. Non-positive capacities get a small
// default.
func NewDiagnostics(capacity int) *Diagnostics {
	if capacity <= 0 {
		capacity = 32
	}
	return &Diagnostics{buf: make([]ChainSnapshot, capacity)}
}

// Record appends a snapshot, evicting the oldest when full.
func (d *Diagnostics) Record(snap ChainSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf[d.next] = snap
	d.next = (d.next + 1) % len(d.buf)
	if d.next == 0 {
		d.full = true
	}
}

// Recent returns snapshots oldest-first.
func (d *Diagnostics) Recent() []ChainSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.full {
		out := make([]ChainSnapshot, d.next)
		copy(out, d.buf[:d.next])
		return out
	}
	out := make([]ChainSnapshot, 0, len(d.buf))
	out = append(out, d.buf[d.next:]...)
	out = append(out, d.buf[:d.next]...)
	return out
}
