package latticesync

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/vx-labs/latticesync/wire"
)

// dispatch parses one inbound frame and routes it to a handler, mirroring
// the teacher's own NotifyMsg (cluster/layer.go): decode or log-and-abort,
// never attempt resynchronization — the transport is trusted to deliver
// intact frames (spec.md §4.2, §7).
func (m *Manager[V]) dispatch(from Conn, frame []byte) {
	if m.metrics != nil {
		m.metrics.MessagesReceived.Inc()
	}
	r := bytes.NewReader(frame)
	op, err := wire.ReadOpcode(r)
	if err != nil {
		m.logger.Fatal("protocol violation reading opcode", zap.Error(err), zap.Any("peer", from.PeerID()))
		return
	}
	switch op {
	case wire.OpMetadata:
		m.onMetadata(from, r)
	case wire.OpSyncFromQuery:
		m.onSyncFromQuery(from, r)
	case wire.OpSyncFromReply:
		m.onSyncFromReply(from, r)
	case wire.OpSyncToQuery:
		m.onSyncToQuery(from, r)
	case wire.OpSyncToReply:
		m.onSyncToReply(from, r)
	}
}

func (m *Manager[V]) onMetadata(sender Conn, r *bytes.Reader) {
	hdr, err := wire.ReadMetadataPrefix(r)
	if err != nil {
		m.logger.Fatal("protocol violation reading metadata frame", zap.Error(err))
		return
	}
	delta, err := m.codec.Decode(r)
	if err != nil {
		m.logger.Fatal("protocol violation decoding metadata value", zap.Error(err))
		return
	}
	m.store.joinLocally(delta)
	m.peerVer.observe(sender.PeerID(), hdr.Version)
}

func (m *Manager[V]) onSyncFromQuery(sender Conn, r *bytes.Reader) {
	q, err := wire.ReadSyncFromQuery(r)
	if err != nil {
		m.logger.Fatal("protocol violation reading sync-from query", zap.Error(err))
		return
	}
	_, version := m.store.snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := m.send.send(ctx, sender, syncFromReplyFrame{qid: q.QueryID, version: version}); err != nil {
			m.logger.Warn("failed to send sync-from reply", zap.Error(err), zap.Any("peer", sender.PeerID()))
			return
		}
		if m.metrics != nil {
			m.metrics.MessagesSent.Inc()
		}
	}()
}

func (m *Manager[V]) onSyncFromReply(sender Conn, r *bytes.Reader) {
	reply, err := wire.ReadSyncFromReply(r)
	if err != nil {
		m.logger.Fatal("protocol violation reading sync-from reply", zap.Error(err))
		return
	}
	switch m.syncFrom.fire(reply.QueryID, reply.Version) {
	case fireDuplicate:
		m.logger.Warn("duplicate sync-from reply; checksum failure?", zap.Uint64("qid", reply.QueryID), zap.Any("peer", sender.PeerID()))
	case fireAbsent:
		// waiter already cancelled (interrupted, drained, or already
		// satisfied) — nothing to do.
	}
}

func (m *Manager[V]) onSyncToQuery(sender Conn, r *bytes.Reader) {
	q, err := wire.ReadSyncToQuery(r)
	if err != nil {
		m.logger.Fatal("protocol violation reading sync-to query", zap.Error(err))
		return
	}
	go func() {
		err := m.waitForVersionFromPeer(context.Background(), sender.PeerID(), q.Version, m.drainFor(sender))
		if err != nil {
			// Interrupted by our own shutdown, or the sender drained
			// before catching us up. Either way emit nothing — the
			// requester detects it through its own connection drain.
			return
		}
		sendCtx, sendCancel := context.WithTimeout(context.Background(), sendTimeout)
		defer sendCancel()
		if err := m.send.send(sendCtx, sender, syncToReplyFrame{qid: q.QueryID}); err != nil {
			m.logger.Warn("failed to send sync-to reply", zap.Error(err), zap.Any("peer", sender.PeerID()))
			return
		}
		if m.metrics != nil {
			m.metrics.MessagesSent.Inc()
		}
	}()
}

func (m *Manager[V]) onSyncToReply(sender Conn, r *bytes.Reader) {
	reply, err := wire.ReadSyncToReply(r)
	if err != nil {
		m.logger.Fatal("protocol violation reading sync-to reply", zap.Error(err))
		return
	}
	switch m.syncTo.fire(reply.QueryID, struct{}{}) {
	case fireDuplicate:
		m.logger.Warn("duplicate sync-to reply", zap.Uint64("qid", reply.QueryID), zap.Any("peer", sender.PeerID()))
	case fireAbsent:
	}
}
