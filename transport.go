package latticesync

import "context"

// Conn identifies one live, addressed connection to a remote peer. A peer
// may have more than one Conn open at a time; Manager tracks them all.
type Conn interface {
	PeerID() PeerID
}

// Keepalive is handed back by Transport.Watch and lets callers learn when
// a connection has drained, and release their interest in it.
type Keepalive interface {
	// Done is closed when the connection it was issued for drains.
	Done() <-chan struct{}
	// Release tells the transport this caller is no longer watching the
	// connection. It is safe to call more than once.
	Release()
}

// FrameHandler is invoked by the transport once per inbound frame, on a
// goroutine the transport owns. It must not block for long; Manager's own
// handler applies metadata frames and sync replies inline and hands each
// sync query, which may wait or send, to a goroutine of its own.
type FrameHandler func(from Conn, frame []byte)

// ConnectionSet is a transport-owned, read-only view over the connections
// currently open to a given peer. Manager itself does not use it: it
// broadcasts and looks up peers through the connections it was handed by
// Watch.
type ConnectionSet interface {
	// Each calls f once per currently-open connection to the peer. Each
	// must not be called concurrently with a mutation of the underlying
	// set from inside f.
	Each(f func(Conn))
}

// Transport is the externally-supplied collaborator this package builds
// on top of. Everything about how bytes actually move between processes —
// dialing, accepting, framing, encryption, retry — is the transport's
// job; this package only ever sends already-encoded frames to an
// addressed Conn and receives already-framed bytes back through
// the callbacks passed to Watch.
type Transport[V any] interface {
	// Send delivers frame to the peer behind conn. It may be delivered
	// out of order with respect to other Sends to the same peer made
	// from different goroutines; callers serialize per-peer ordering
	// themselves where it matters.
	Send(ctx context.Context, conn Conn, frame []byte) error

	// Connections returns the set of currently-open connections to peer.
	Connections(peer PeerID) ConnectionSet

	// Watch subscribes to the transport's connection-set change signal
	// and its inbound-frame stream. onConnect is invoked once for every
	// connection already open at subscribe time, and again for every
	// connection opened afterward, each paired with a Keepalive whose
	// Done channel closes exactly when that connection drains. onFrame
	// is invoked once per inbound frame on any such connection. Watch
	// must be called at a moment when the caller is prepared to see
	// every connection that exists from that point on — the returned
	// unsubscribe func stops delivery.
	Watch(onConnect func(conn Conn, keepalive Keepalive), onFrame FrameHandler) (unsubscribe func())
}
