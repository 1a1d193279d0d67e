package cache

import "github.com/didx-xyz/waypoint/internal/domain/event"

// ring is a fixed-capacity event buffer. Appends evict the oldest entry when
// full, so it always holds the capacity most recent events in arrival order.
// Snapshots are non-destructive, which is what lets every subscription poll
// the same buffer without a drain-and-rebuild cycle.
type ring struct {
	buf  []event.Timestamped
	head int // index of the oldest entry
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]event.Timestamped, capacity)}
}

// push appends ev, evicting the oldest entry if the ring is full. Returns
// true when an eviction happened.
func (r *ring) push(ev event.Timestamped) bool {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = ev
		r.size++
		return false
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	return true
}

func (r *ring) len() int {
	return r.size
}

// snapshotNewestFirst copies the contents, most recent append first.
func (r *ring) snapshotNewestFirst() []event.Timestamped {
	out := make([]event.Timestamped, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+r.size-1-i)%len(r.buf)]
	}
	return out
}

// snapshotOldestFirst copies the contents in arrival order.
func (r *ring) snapshotOldestFirst() []event.Timestamped {
	out := make([]event.Timestamped, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
