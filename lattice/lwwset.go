// Package lattice provides a worked example of a value type V suitable
// for latticesync.Manager: a last-writer-wins set, adapted from the
// teacher's own set.LWW implementation so that Join mutates the
// receiver in place (the contract latticesync.Lattice requires) instead
// of returning a separate delta the way the teacher's Merge does.
package lattice

import (
	"encoding/gob"
	"io"
	"sync"
	"time"
)

// Entry records the last time a member was added and the last time it
// was deleted; whichever timestamp is larger wins.
type Entry struct {
	Add int64
	Del int64
}

func (e Entry) isZero() bool    { return e.Add == 0 && e.Del == 0 }
func (e Entry) IsAdded() bool   { return e.Add > 0 && e.Add > e.Del }
func (e Entry) IsDeleted() bool { return e.Del > 0 && e.Del > e.Add }

func now() int64 { return time.Now().UnixNano() }

// LWWSet is a last-writer-wins set of strings. The zero value is not
// usable; construct with NewLWWSet. *LWWSet satisfies
// latticesync.Lattice[*LWWSet].
type LWWSet struct {
	mu      sync.Mutex
	storage map[string]Entry
}

// NewLWWSet returns an empty set.
func NewLWWSet() *LWWSet {
	return &LWWSet{storage: map[string]Entry{}}
}

// Add marks value as present as of now.
func (s *LWWSet) Add(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[value] = Entry{Add: now()}
}

// Remove marks value as absent as of now.
func (s *LWWSet) Remove(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[value] = Entry{Del: now()}
}

// Contains reports whether value is currently present.
func (s *LWWSet) Contains(value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storage[value].IsAdded()
}

// Len returns the number of tracked keys, including tombstoned ones.
func (s *LWWSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.storage)
}

// Members returns every currently-present value.
func (s *LWWSet) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.storage))
	for k, e := range s.storage {
		if e.IsAdded() {
			out = append(out, k)
		}
	}
	return out
}

// Join merges other into s, keeping the later timestamp per key. It is
// commutative, associative and idempotent: applying the same other
// twice, or applying two sets' joins in either order, leaves s in the
// same state — the property latticesync relies on to make a delta
// broadcast and a full-snapshot broadcast wire-indistinguishable.
func (s *LWWSet) Join(other *LWWSet) {
	other.mu.Lock()
	snapshot := make(map[string]Entry, len(other.storage))
	for k, v := range other.storage {
		snapshot[k] = v
	}
	other.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, incoming := range snapshot {
		current := s.storage[key]
		if incoming.Add > current.Add {
			current.Add = incoming.Add
		}
		if incoming.Del > current.Del {
			current.Del = incoming.Del
		}
		if !current.isZero() {
			s.storage[key] = current
		}
	}
}

// Copy returns an independent deep copy of s, useful for callers that
// want to hold a snapshot past the point where s may keep changing
// (e.g. latticesync.RootView.Get's contract).
func (s *LWWSet) Copy() *LWWSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := NewLWWSet()
	for k, v := range s.storage {
		out.storage[k] = v
	}
	return out
}

// GobCodec implements latticesync.Codec[*LWWSet] using encoding/gob. V's
// serialization is explicitly the caller's concern (spec-level: the
// wire codec for metadata values is out of scope for the core), so this
// lives as an opt-in helper for callers using LWWSet, not as part of the
// core's own codec.
type GobCodec struct{}

func (GobCodec) Encode(w io.Writer, v *LWWSet) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return gob.NewEncoder(w).Encode(v.storage)
}

func (GobCodec) Decode(r io.Reader) (*LWWSet, error) {
	storage := map[string]Entry{}
	if err := gob.NewDecoder(r).Decode(&storage); err != nil {
		if err == io.EOF {
			return NewLWWSet(), nil
		}
		return nil, err
	}
	return &LWWSet{storage: storage}, nil
}
