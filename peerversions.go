package latticesync

import (
	"encoding/binary"
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// peerKey renders an opaque PeerID into the byte-comparable form used as
// an index prefix. PeerID's only documented contract is equality
// comparison (spec.md §3), so this borrows the teacher's own habit
// (identity/address.go) of deriving a stable string form for anything
// used as a map or index key.
func peerKey(peer PeerID) string {
	return fmt.Sprintf("%v", peer)
}

func versionWaiterKey(peer PeerID, version Version, seq uint64) []byte {
	b := make([]byte, 0, len(peerKey(peer))+1+8+8)
	b = append(b, peerKey(peer)...)
	b = append(b, 0x00)
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], version)
	b = append(b, vbuf[:]...)
	var sbuf [8]byte
	binary.BigEndian.PutUint64(sbuf[:], seq)
	b = append(b, sbuf[:]...)
	return b
}

func versionWaiterPrefix(peer PeerID) []byte {
	b := make([]byte, 0, len(peerKey(peer))+1)
	b = append(b, peerKey(peer)...)
	b = append(b, 0x00)
	return b
}

// peerVersions tracks, per peer, the highest version ingested from them
// (spec.md's last_versions_seen) and a wake index of callers blocked on
// a peer reaching some threshold version (version_waiters). Both live
// behind one mutex that is never held across a suspension, per spec.md
// §5.
//
// version_waiters is kept in a go-immutable-radix tree, keyed
// peer||0x00||version||seq, the same "ordered byte-key index" shape the
// teacher's events package builds for its subscriber registry — here it
// buys an ascending WalkPrefix over exactly one peer's pending waiters so
// on_metadata can stop at the first version past its threshold instead of
// scanning every waiter in the Manager.
type peerVersions struct {
	mu        sync.Mutex
	lastSeen  map[PeerID]Version
	waiters   *iradix.Tree
	waiterSeq uint64
}

func newPeerVersions() *peerVersions {
	return &peerVersions{
		lastSeen: map[PeerID]Version{},
		waiters:  iradix.New(),
	}
}

// seenVersion returns the highest version observed from peer.
func (p *peerVersions) seenVersion(peer PeerID) Version {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen[peer]
}

// observe records that change_version has arrived from sender and wakes
// every waiter whose threshold it satisfies. Mirrors spec.md §4.2
// on_metadata's bookkeeping steps.
func (p *peerVersions) observe(sender PeerID, changeVersion Version) {
	p.mu.Lock()
	if changeVersion > p.lastSeen[sender] {
		p.lastSeen[sender] = changeVersion
	}

	prefix := versionWaiterPrefix(sender)
	var fired [][]byte
	iter := p.waiters.Root().Iterator()
	iter.SeekPrefix(prefix)
	for {
		key, _, ok := iter.Next()
		if !ok {
			break
		}
		version := binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8])
		if version > changeVersion {
			break
		}
		fired = append(fired, key)
	}

	var chans []chan struct{}
	if len(fired) > 0 {
		txn := p.waiters.Txn()
		for _, key := range fired {
			if v, ok := txn.Delete(key); ok {
				chans = append(chans, v.(chan struct{}))
			}
		}
		p.waiters = txn.Commit()
	}
	p.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

// waitOrRegister is the fast-path check and the wake-entry insertion of
// wait_for_version_from_peer (spec.md §4.6), folded into one critical
// section under p.mu. Doing the check and the insert as two separately
// locked calls leaves a window where an observe() running on another
// goroutine raises last_versions_seen[peer] past v and finds no entry to
// wake — between the check's unlock and the insert's lock, that peer's
// threshold could already be satisfied with no waiter registered to learn
// it, and the caller would then sit until some unrelated later message
// from that peer happens to arrive, or forever. Holding p.mu across both
// steps closes that window: either the threshold is already met and no
// entry is ever inserted, or the entry is inserted while the mutex still
// guards last_versions_seen against a concurrent observe().
//
// Returns satisfied=true immediately if last_versions_seen[peer] already
// meets v (ch and cancel are unusable in that case). Otherwise ch fires
// once observe() reaches v, and cancel removes the entry again — used
// when the caller gives up via interruption or drain before that happens
// (spec.md testable property 6: no version_waiters entry outlives its
// call).
func (p *peerVersions) waitOrRegister(peer PeerID, v Version) (ch chan struct{}, satisfied bool, cancel func()) {
	p.mu.Lock()
	if p.lastSeen[peer] >= v {
		p.mu.Unlock()
		return nil, true, func() {}
	}

	p.waiterSeq++
	seq := p.waiterSeq
	key := versionWaiterKey(peer, v, seq)
	ch = make(chan struct{})
	txn := p.waiters.Txn()
	txn.Insert(key, ch)
	p.waiters = txn.Commit()
	p.mu.Unlock()

	cancel = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		txn := p.waiters.Txn()
		txn.Delete(key)
		p.waiters = txn.Commit()
	}
	return ch, false, cancel
}
