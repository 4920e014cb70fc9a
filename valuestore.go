package latticesync

import "sync"

// valueStore holds the local replica of V together with its version
// counter, and the subscriber list invoked after every successful local
// join. Per spec.md §5, value+version are guarded by a single-writer
// lock that is never held across a suspension point — there is nothing
// here that ever awaits anything, so a plain sync.Mutex suffices (no
// actor/mailbox indirection, mirroring the teacher's own
// cluster/layer.go mtx-guarded state map).
type valueStore[V Lattice[V]] struct {
	mu          sync.Mutex
	value       V
	version     Version
	subscribers []func(V)
}

func newValueStore[V Lattice[V]](initial V) *valueStore[V] {
	return &valueStore[V]{value: initial}
}

// snapshot returns the current value and version under the lock. For a
// pointer-backed V this hands back the live object, not a structural
// copy — this package has no way to deep-copy an opaque V. Encoding or
// inspecting it later is safe only because well-behaved V
// implementations (lattice.LWWSet included) guard their own internal
// state with a mutex, so a concurrent Join and a concurrent Encode never
// tear a read; callers that need a frozen copy ask V for one directly
// (e.g. LWWSet.Copy).
func (s *valueStore[V]) snapshot() (V, Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.version
}

// get returns just the current value, matching RootView.Get's contract.
func (s *valueStore[V]) get() V {
	v, _ := s.snapshot()
	return v
}

// bumpVersion allocates the next version for a locally originated change.
// Per spec.md §4.1 step 1, this happens before any network work.
func (s *valueStore[V]) bumpVersion() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	return s.version
}

// joinLocally merges delta into the replica and fires every subscriber,
// in registration order, before returning — spec.md §4.1 step 2 and §5's
// ordering guarantee that each joinLocally fully completes, including
// subscriber notification, before the next begins. The lock is held
// across the subscriber loop, not just the merge: subscribers here are
// plain synchronous callbacks, never a suspension point, so per §5's own
// list of what may not be held across, holding s.mu over them costs
// nothing — and releasing it before notifying would let a second,
// concurrent joinLocally (from a local Join racing an inbound
// on_metadata, say) interleave its own merge and notification with this
// one's, which is exactly the end-to-end serialization this lock exists
// to prevent.
func (s *valueStore[V]) joinLocally(delta V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value.Join(delta)
	value := s.value
	for _, sub := range s.subscribers {
		sub(value)
	}
}

func (s *valueStore[V]) subscribe(cb func(V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, cb)
}
