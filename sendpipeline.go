package latticesync

import (
	"bytes"
	"context"

	"github.com/pkg/errors"

	"github.com/vx-labs/latticesync/wire"
)

// outFrame is the tagged union spec.md's Design Notes §9 asks for in
// place of one writer class per opcode: each variant knows how to
// serialize itself, and sendPipeline dispatches purely by calling encode.
type outFrame interface {
	encode(buf *bytes.Buffer) error
}

type metadataFrame[V any] struct {
	version uint64
	value   V
	codec   Codec[V]
}

func (f metadataFrame[V]) encode(buf *bytes.Buffer) error {
	if err := wire.WriteMetadataPrefix(buf, f.version); err != nil {
		return err
	}
	return f.codec.Encode(buf, f.value)
}

type syncFromQueryFrame struct{ qid uint64 }

func (f syncFromQueryFrame) encode(buf *bytes.Buffer) error {
	return wire.WriteSyncFromQuery(buf, wire.SyncFromQuery{QueryID: f.qid})
}

type syncFromReplyFrame struct{ qid, version uint64 }

func (f syncFromReplyFrame) encode(buf *bytes.Buffer) error {
	return wire.WriteSyncFromReply(buf, wire.SyncFromReply{QueryID: f.qid, Version: f.version})
}

type syncToQueryFrame struct{ qid, version uint64 }

func (f syncToQueryFrame) encode(buf *bytes.Buffer) error {
	return wire.WriteSyncToQuery(buf, wire.SyncToQuery{QueryID: f.qid, Version: f.version})
}

type syncToReplyFrame struct{ qid uint64 }

func (f syncToReplyFrame) encode(buf *bytes.Buffer) error {
	return wire.WriteSyncToReply(buf, wire.SyncToReply{QueryID: f.qid})
}

// sendGate is spec.md's global admission-control semaphore (capacity 4,
// invariant 4). No repo in the retrieval pack imports
// golang.org/x/sync/semaphore, so this follows the classic Go idiom: a
// buffered channel of empty structs, acquired by send and released by
// the caller once the transport write returns.
type sendGate chan struct{}

func newSendGate(capacity int) sendGate {
	return make(sendGate, capacity)
}

func (g sendGate) acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrInterrupted
	}
}

func (g sendGate) release() {
	<-g
}

// sendPipeline owns the gate and the transport handle; every outbound
// write in the Manager — broadcasts, sync queries, sync replies — funnels
// through send here.
type sendPipeline[V any] struct {
	transport Transport[V]
	gate      sendGate
	metrics   *Metrics
}

func newSendPipeline[V any](transport Transport[V], gateCapacity int, metrics *Metrics) *sendPipeline[V] {
	return &sendPipeline[V]{
		transport: transport,
		gate:      newSendGate(gateCapacity),
		metrics:   metrics,
	}
}

// send admits frame through the gate and hands its encoding to the
// transport. The gate permit is held for the duration of the transport
// write, matching spec.md §4.7's "gating every outbound transport write".
// SendGateInFlight tracks exactly that occupancy: incremented on
// admission, decremented on release, so it always reads the number of
// sends currently past the gate (invariant 4: never more than its
// capacity).
func (p *sendPipeline[V]) send(ctx context.Context, conn Conn, frame outFrame) error {
	if err := p.gate.acquire(ctx); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.SendGateInFlight.Inc()
	}
	defer func() {
		if p.metrics != nil {
			p.metrics.SendGateInFlight.Dec()
		}
		p.gate.release()
	}()

	var buf bytes.Buffer
	if err := frame.encode(&buf); err != nil {
		return errors.Wrap(err, "latticesync: encode outbound frame")
	}
	return p.transport.Send(ctx, conn, buf.Bytes())
}
