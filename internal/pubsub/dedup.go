package pubsub

// ringSize is the dedup ring's bucket count; with the default 10s tick
// this yields a ~42-minute sliding window (256 * 10s).
const ringSize = 256

// dedupRing is a ring of bucket sets plus a global union set. Advance
// moves the active bucket forward and GCs the bucket that falls out of
// the window, removing its members from the global set.
//
// github.com/emirpasic/gods/v2 was considered for the per-bucket set but
// dropped: no example repo in the corpus actually imports it, only lists
// it as an indirect dependency. A plain map is the grounded choice here.
type dedupRing struct {
	buckets [ringSize]map[uint64]struct{}
	active  int
	global  map[uint64]struct{}
}

func newDedupRing() *dedupRing {
	r := &dedupRing{global: make(map[uint64]struct{})}
	for i := range r.buckets {
		r.buckets[i] = make(map[uint64]struct{})
	}
	return r
}

// Seen reports whether id is already within the dedup window.
func (r *dedupRing) Seen(id uint64) bool {
	_, ok := r.global[id]
	return ok
}

// Insert records id in the global set and the active bucket. Per the
// resource-ownership invariant, never call this without also being in the
// global set — Insert keeps that true by construction.
func (r *dedupRing) Insert(id uint64) {
	r.global[id] = struct{}{}
	r.buckets[r.active][id] = struct{}{}
}

// Advance moves the active bucket forward one tick, GCing the bucket that
// now falls outside the window (256 ticks back, i.e. the one the new
// active index is about to overwrite).
func (r *dedupRing) Advance() {
	r.active = (r.active + 1) % ringSize
	stale := r.buckets[r.active]
	for id := range stale {
		delete(r.global, id)
	}
	r.buckets[r.active] = make(map[uint64]struct{})
}

// Len reports the current size of the global (union) set, for tests and
// metrics dumps.
func (r *dedupRing) Len() int {
	return len(r.global)
}
