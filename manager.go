package latticesync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sendTimeout bounds a single outbound write spawned off the home
// context (initial snapshots, sync replies, broadcast fan-out). It is
// not part of spec.md's data model — the spec leaves send-failure
// visibility as an open question (§9) and relies entirely on connection
// drain to surface it — but an unbounded context for a detached
// goroutine is still a latent leak if a transport's Send never returns,
// so a generous bound is kept here strictly as a goroutine-lifetime
// backstop, not as a protocol timeout callers can observe.
const sendTimeout = 30 * time.Second

// Manager is the per-tag, per-process singleton described by spec.md
// §2–§3: it owns the local replica, the peer-version tracker, the
// connection watcher, the send pipeline and the sync-handshake state,
// and wires them to a Transport[V].
type Manager[V Lattice[V]] struct {
	tag       Tag
	codec     Codec[V]
	transport Transport[V]
	logger    *zap.Logger
	metrics   *Metrics

	store   *valueStore[V]
	peerVer *peerVersions
	conns   *connectionWatcher
	send    *sendPipeline[V]

	syncFrom *oneShotRegistry[Version]
	syncTo   *oneShotRegistry[struct{}]

	closeOnce   sync.Once
	closing     chan struct{}
	unsubscribe func()
}

// New constructs a Manager bound to tag, with initial as the starting
// replica, and installs its connection watcher on transport. Per spec.md
// §4.3's startup invariant, transport.Watch must be called before any
// other observer has had a chance to miss a connection — this
// constructor calls it before returning, so the caller must not have
// already consumed Transport's connection events elsewhere for this tag.
//
// New returns both the Manager (for Close) and a RootView bound to it.
func New[V Lattice[V]](tag Tag, initial V, codec Codec[V], transport Transport[V], logger *zap.Logger, metrics *Metrics) (*Manager[V], *RootView[V]) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager[V]{
		tag:       tag,
		codec:     codec,
		transport: transport,
		logger:    logger,
		metrics:   metrics,
		store:     newValueStore(initial),
		peerVer:   newPeerVersions(),
		conns:     newConnectionWatcher(),
		send:      newSendPipeline[V](transport, 4, metrics),
		syncFrom:  newOneShotRegistry[Version](),
		syncTo:    newOneShotRegistry[struct{}](),
		closing:   make(chan struct{}),
	}
	m.unsubscribe = transport.Watch(m.onConnect, m.dispatch)
	return m, &RootView[V]{m: m}
}

// Close pulses the drainer: SyncFrom, SyncTo and the inbound sync-to
// handler observe m.closing and abort their waits. Outbound send
// goroutines already spawned (initial snapshots, delta broadcasts, sync
// replies) do not observe m.closing; each runs until its transport write
// returns or sendTimeout expires.
func (m *Manager[V]) Close() {
	m.closeOnce.Do(func() {
		close(m.closing)
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
}

// onConnect implements spec.md §4.3: push the full current snapshot to
// every connection we have not yet begun tracking, and stop tracking
// connections whose drain signal has already pulsed by the time we get
// around to watching them (a defensive edge the spec doesn't need to
// name because its transport never calls back after teardown, but a Go
// Keepalive's Done channel can already be closed by the time onConnect
// runs if the connection was very short-lived).
func (m *Manager[V]) onConnect(conn Conn, keepalive Keepalive) {
	_, inserted := m.conns.track(conn, keepalive)
	if !inserted {
		return
	}

	go func() {
		<-keepalive.Done()
		m.conns.untrack(conn)
	}()

	value, version := m.store.snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		err := m.send.send(ctx, conn, metadataFrame[V]{version: version, value: value, codec: m.codec})
		if err != nil {
			m.logger.Warn("failed to send initial snapshot", zap.Error(err), zap.Any("peer", conn.PeerID()))
			return
		}
		if m.metrics != nil {
			m.metrics.MessagesSent.Inc()
		}
	}()
}

// broadcastDelta implements spec.md §4.1 step 3: one independent send
// task per currently tracked connection, each carrying the delta (not
// the joined-in full value) at the version minted for this join.
func (m *Manager[V]) broadcastDelta(delta V, version Version) {
	m.conns.each(func(tc *trackedConn) {
		go func(tc *trackedConn) {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			err := m.send.send(ctx, tc.conn, metadataFrame[V]{version: version, value: delta, codec: m.codec})
			if err != nil {
				m.logger.Warn("failed to broadcast delta", zap.Error(err), zap.Any("peer", tc.conn.PeerID()))
				return
			}
			if m.metrics != nil {
				m.metrics.MessagesSent.Inc()
			}
		}(tc)
	})
}

// waitForVersionFromPeer implements spec.md §4.6. drain is the
// connection-drain signal of whichever connection the caller is pinning
// its wait to; it is closed when that connection tears down.
func (m *Manager[V]) waitForVersionFromPeer(ctx context.Context, peer PeerID, v Version, drain <-chan struct{}) error {
	ch, satisfied, cancel := m.peerVer.waitOrRegister(peer, v)
	if satisfied {
		return nil
	}
	defer cancel()

	select {
	case <-ch:
		return nil
	case <-drain:
		return ErrSyncFailed
	case <-m.closing:
		return ErrSyncFailed
	case <-ctx.Done():
		return ErrInterrupted
	}
}

// drainFor returns the drain signal of conn's tracked keepalive, or an
// already-closed channel if conn is not tracked. dispatch.go's
// on_sync_to_query handler passes it to waitForVersionFromPeer together
// with context.Background() (no user interruptor exists on that path),
// so that wait ends when the version arrives, the requester's connection
// drains, or m.closing is closed.
func (m *Manager[V]) drainFor(conn Conn) <-chan struct{} {
	if keepalive, ok := m.conns.keepaliveFor(conn); ok {
		return keepalive.Done()
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}
