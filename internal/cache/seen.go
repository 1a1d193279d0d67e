package cache

// seenRing is a bounded set of recently delivered event keys, used by each
// subscription so repeated polls of the same buffers do not re-deliver.
// Bounding it is safe as long as one full poll fits: callers must ensure()
// capacity for the snapshot they are about to scan, otherwise keys added
// early in the poll are evicted before the poll ends and the next poll
// re-delivers them. A key old enough to have fallen out of a sized ring is
// also past the subscription's lookback filter.
type seenRing struct {
	keys  []string
	index map[string]struct{}
	next  int
	size  int
}

func newSeenRing(capacity int) *seenRing {
	return &seenRing{
		keys:  make([]string, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

// ensure grows the ring so a snapshot of n keys fits with room to spare.
// Aggregated-topic snapshots can exceed the initial capacity; growth stays
// proportional to the live buffers, which are themselves bounded and swept.
func (s *seenRing) ensure(n int) {
	want := 2 * n
	if want <= len(s.keys) {
		return
	}
	keys := make([]string, want)
	var kept int
	if s.size == len(s.keys) {
		kept = copy(keys, s.keys[s.next:])
		kept += copy(keys[kept:], s.keys[:s.next])
	} else {
		kept = copy(keys, s.keys[:s.size])
	}
	s.keys = keys
	s.next = kept
	s.size = kept
}

func (s *seenRing) contains(key string) bool {
	_, ok := s.index[key]
	return ok
}

func (s *seenRing) add(key string) {
	if s.contains(key) {
		return
	}
	if s.size == len(s.keys) {
		delete(s.index, s.keys[s.next])
	} else {
		s.size++
	}
	s.keys[s.next] = key
	s.index[key] = struct{}{}
	s.next = (s.next + 1) % len(s.keys)
}
