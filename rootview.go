package latticesync

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// RootView is the public facade over a Manager (spec.md §4.1). It holds
// a plain pointer rather than the cyclic owner-graph the source uses —
// per spec.md's Design Notes §9, every call simply checks the Manager's
// liveness and fails cleanly with ErrManagerGone if it has been closed.
type RootView[V Lattice[V]] struct {
	m *Manager[V]
}

func (v *RootView[V]) alive() bool {
	select {
	case <-v.m.closing:
		return false
	default:
		return true
	}
}

// Get returns the current value. If V is pointer-backed, this is a
// reference to live state rather than a structural copy (see
// valueStore.snapshot); callers that need an independently-mutable
// snapshot should ask V for one (lattice.LWWSet.Copy, for instance).
func (v *RootView[V]) Get() (V, error) {
	if !v.alive() {
		var zero V
		return zero, ErrManagerGone
	}
	return v.m.store.get(), nil
}

// Join merges delta into the local replica and broadcasts it to every
// currently tracked connection, per spec.md §4.1's join(delta)
// broadcast semantics: the new version is minted before any network
// work, then join_locally runs (under the write lock, subscribers
// notified), then one independent send task per connection carries the
// delta at that version.
func (v *RootView[V]) Join(delta V) error {
	if !v.alive() {
		return ErrManagerGone
	}
	m := v.m
	version := m.store.bumpVersion()
	m.store.joinLocally(delta)
	m.broadcastDelta(delta, version)
	return nil
}

// Subscribe registers callback to be invoked, on the same goroutine that
// completes each local join_locally, after every successful local join
// (including ones absorbed from inbound metadata frames).
func (v *RootView[V]) Subscribe(callback func(V)) error {
	if !v.alive() {
		return ErrManagerGone
	}
	v.m.store.subscribe(callback)
	return nil
}

// syncOutcome increments counter under the given "outcome" label value
// (the label SyncFromTotal/SyncToTotal are partitioned by), and returns
// result unchanged so call sites can report and return in one line.
func syncOutcome(counter *prometheus.CounterVec, outcome string, result error) error {
	if counter != nil {
		counter.WithLabelValues(outcome).Inc()
	}
	return result
}

// SyncFrom implements spec.md §4.4: it returns once the local replica has
// absorbed at least the version peer had at the moment it received our
// query.
func (v *RootView[V]) SyncFrom(ctx context.Context, peer PeerID) error {
	if !v.alive() {
		return ErrManagerGone
	}
	m := v.m
	var syncFromTotal *prometheus.CounterVec
	if m.metrics != nil {
		syncFromTotal = m.metrics.SyncFromTotal
	}

	conns := m.conns.lookupPeer(peer)
	if len(conns) == 0 {
		return syncOutcome(syncFromTotal, "sync_failed", ErrSyncFailed)
	}
	conn := conns[0].conn
	drain := m.drainFor(conn)

	qid, replyCh := m.syncFrom.register()
	defer m.syncFrom.cancel(qid)

	if err := m.send.send(ctx, conn, syncFromQueryFrame{qid: qid}); err != nil {
		if errors.Is(err, ErrInterrupted) {
			return syncOutcome(syncFromTotal, "interrupted", ErrInterrupted)
		}
		return syncOutcome(syncFromTotal, "sync_failed", ErrSyncFailed)
	}
	if m.metrics != nil {
		m.metrics.MessagesSent.Inc()
	}

	var peerVersion Version
	select {
	case peerVersion = <-replyCh:
	case <-drain:
		return syncOutcome(syncFromTotal, "sync_failed", ErrSyncFailed)
	case <-m.closing:
		return syncOutcome(syncFromTotal, "sync_failed", ErrSyncFailed)
	case <-ctx.Done():
		return syncOutcome(syncFromTotal, "interrupted", ErrInterrupted)
	}

	err := m.waitForVersionFromPeer(ctx, peer, peerVersion, drain)
	if err != nil {
		outcome := "sync_failed"
		if errors.Is(err, ErrInterrupted) {
			outcome = "interrupted"
		}
		return syncOutcome(syncFromTotal, outcome, err)
	}
	return syncOutcome(syncFromTotal, "ok", nil)
}

// SyncTo implements spec.md §4.5: it returns once peer has acknowledged
// absorbing at least our current local version.
func (v *RootView[V]) SyncTo(ctx context.Context, peer PeerID) error {
	if !v.alive() {
		return ErrManagerGone
	}
	m := v.m
	var syncToTotal *prometheus.CounterVec
	if m.metrics != nil {
		syncToTotal = m.metrics.SyncToTotal
	}

	conns := m.conns.lookupPeer(peer)
	if len(conns) == 0 {
		return syncOutcome(syncToTotal, "sync_failed", ErrSyncFailed)
	}
	conn := conns[0].conn
	drain := m.drainFor(conn)

	_, localVersion := m.store.snapshot()

	qid, replyCh := m.syncTo.register()
	defer m.syncTo.cancel(qid)

	if err := m.send.send(ctx, conn, syncToQueryFrame{qid: qid, version: localVersion}); err != nil {
		if errors.Is(err, ErrInterrupted) {
			return syncOutcome(syncToTotal, "interrupted", ErrInterrupted)
		}
		return syncOutcome(syncToTotal, "sync_failed", ErrSyncFailed)
	}
	if m.metrics != nil {
		m.metrics.MessagesSent.Inc()
	}

	select {
	case <-replyCh:
		return syncOutcome(syncToTotal, "ok", nil)
	case <-drain:
		return syncOutcome(syncToTotal, "sync_failed", ErrSyncFailed)
	case <-m.closing:
		return syncOutcome(syncToTotal, "sync_failed", ErrSyncFailed)
	case <-ctx.Done():
		return syncOutcome(syncToTotal, "interrupted", ErrInterrupted)
	}
}
