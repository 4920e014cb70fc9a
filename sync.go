package latticesync

import "sync"

// fireResult reports what happened when a reply was matched against a
// registered one-shot waiter, so the caller (the inbound dispatcher) can
// apply spec.md §4.2's distinct handling for each case.
type fireResult int

const (
	fireDelivered fireResult = iota
	fireDuplicate
	fireAbsent
)

type oneShotWaiter[T any] struct {
	ch    chan T
	fired bool
}

// oneShotRegistry backs both sync_from_waiters and sync_to_waiters: a
// qid-indexed table of single-fire channels, guarded by a mutex that is
// never held across a suspension (spec.md §5). It is the Go-idiomatic
// rendering of spec.md's "OneShot<T>" — a buffered channel standing in
// for a future/promise, the same shape
// mtingers-dflockd/internal/lock/lock.go uses for its per-request waiter
// channels.
type oneShotRegistry[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*oneShotWaiter[T]
}

func newOneShotRegistry[T any]() *oneShotRegistry[T] {
	return &oneShotRegistry[T]{waiters: map[uint64]*oneShotWaiter[T]{}}
}

// register mints a new qid and an empty, unfired waiter for it.
func (r *oneShotRegistry[T]) register() (qid uint64, ch <-chan T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	qid = r.nextID
	w := &oneShotWaiter[T]{ch: make(chan T, 1)}
	r.waiters[qid] = w
	return qid, w.ch
}

// fire attempts to deliver value to the waiter registered under qid.
func (r *oneShotRegistry[T]) fire(qid uint64, value T) fireResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[qid]
	if !ok {
		return fireAbsent
	}
	if w.fired {
		return fireDuplicate
	}
	w.fired = true
	w.ch <- value
	return fireDelivered
}

// cancel removes qid's entry regardless of whether it ever fired. Every
// exit path of sync_from/sync_to/registered waiters calls this, which is
// how spec.md's testable property ("no waiter outlives its call") holds.
func (r *oneShotRegistry[T]) cancel(qid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, qid)
}
