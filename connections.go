package latticesync

import (
	"sync"

	"github.com/google/btree"
)

// trackedConn is one entry of spec.md's last_connections map. It also
// implements btree.Item so the watcher can iterate connections in a
// deterministic, peer-grouped order when fanning a broadcast out — the
// same ordered-directory shape the teacher's cluster/pool.Caller builds
// over btree.BTree, keyed here by (peer, track sequence) instead of by
// address.
type trackedConn struct {
	conn      Conn
	keepalive Keepalive
	peer      string
	seq       uint64
}

func (t *trackedConn) Less(other btree.Item) bool {
	o := other.(*trackedConn)
	if t.peer != o.peer {
		return t.peer < o.peer
	}
	return t.seq < o.seq
}

// connectionWatcher implements spec.md §4.3: it remembers every
// connection it has sent an initial snapshot to, and stops tracking it
// the moment the connection drains. Direct lookup by Conn uses a plain
// map (Conn is documented equality-comparable, spec.md §3); the btree
// gives ordered, peer-grouped iteration for broadcast fan-out.
type connectionWatcher struct {
	mu      sync.Mutex
	byConn  map[Conn]*trackedConn
	ordered *btree.BTree
	nextSeq uint64
}

func newConnectionWatcher() *connectionWatcher {
	return &connectionWatcher{
		byConn:  map[Conn]*trackedConn{},
		ordered: btree.New(2),
	}
}

// track records conn as tracked (invariant 3: present ⇔ initial snapshot
// enqueued and teardown not yet observed). Returns false if conn was
// already tracked, so the caller knows not to resend the snapshot.
func (w *connectionWatcher) track(conn Conn, keepalive Keepalive) (*trackedConn, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.byConn[conn]; ok {
		return existing, false
	}
	w.nextSeq++
	tc := &trackedConn{conn: conn, keepalive: keepalive, peer: peerKey(conn.PeerID()), seq: w.nextSeq}
	w.byConn[conn] = tc
	w.ordered.ReplaceOrInsert(tc)
	return tc, true
}

// untrack removes conn from tracking, per invariant 3's teardown half.
func (w *connectionWatcher) untrack(conn Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tc, ok := w.byConn[conn]
	if !ok {
		return
	}
	delete(w.byConn, conn)
	w.ordered.Delete(tc)
}

// each invokes f once per currently tracked connection, in deterministic
// peer-grouped order, snapshotting the list first so f may run without
// holding the lock.
func (w *connectionWatcher) each(f func(*trackedConn)) {
	w.mu.Lock()
	snapshot := make([]*trackedConn, 0, w.ordered.Len())
	w.ordered.Ascend(func(item btree.Item) bool {
		snapshot = append(snapshot, item.(*trackedConn))
		return true
	})
	w.mu.Unlock()

	for _, tc := range snapshot {
		f(tc)
	}
}

// keepaliveFor returns the keepalive registered for conn, if it is
// currently tracked.
func (w *connectionWatcher) keepaliveFor(conn Conn) (Keepalive, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tc, ok := w.byConn[conn]
	if !ok {
		return nil, false
	}
	return tc.keepalive, true
}

// lookupPeer returns the tracked connection(s) currently open to peer.
func (w *connectionWatcher) lookupPeer(peer PeerID) []*trackedConn {
	key := peerKey(peer)
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*trackedConn
	pivot := &trackedConn{peer: key, seq: 0}
	w.ordered.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		tc := item.(*trackedConn)
		if tc.peer != key {
			return false
		}
		out = append(out, tc)
		return true
	})
	return out
}
