// Package registry tracks identifiers of recently emitted root spans so
// callers can attach feedback to a conversation turn after the fact.
package registry

import "sync"

const defaultRingCapacity = 50

// Ring is a fixed-capacity, most-recent-first record of emitted span ids.
// When full, the oldest entry is evicted.
type Ring struct {
	mu    sync.Mutex
	ids   []string
	next  int
	count int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Ring{ids: make([]string, capacity)}
}

// Add records a span id, evicting the oldest entry when full. Empty ids
// are ignored.
func (r *Ring) Add(spanID string) {
	if spanID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[r.next] = spanID
	r.next = (r.next + 1) % len(r.ids)
	if r.count < len(r.ids) {
		r.count++
	}
}

// Recent returns the recorded ids, newest first.
func (r *Ring) Recent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.count)
	for i := 1; i <= r.count; i++ {
		idx := (r.next - i + len(r.ids)) % len(r.ids)
		out = append(out, r.ids[idx])
	}
	return out
}

// Len returns the number of ids currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
