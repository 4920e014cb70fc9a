package latticesync_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vx-labs/latticesync"
	"github.com/vx-labs/latticesync/inmemnet"
	"github.com/vx-labs/latticesync/lattice"
	"github.com/vx-labs/latticesync/wire"
)

func counterValue(t *testing.T, c prometheus.Collector, labels prometheus.Labels) float64 {
	t.Helper()
	vec, ok := c.(*prometheus.CounterVec)
	require.True(t, ok)
	var m dto.Metric
	require.NoError(t, vec.With(labels).Write(&m))
	return m.GetCounter().GetValue()
}

func newTestManager(t *testing.T, node *inmemnet.Node) (*latticesync.Manager[*lattice.LWWSet], *latticesync.RootView[*lattice.LWWSet]) {
	t.Helper()
	m, v := latticesync.New[*lattice.LWWSet]("members", lattice.NewLWWSet(), lattice.GobCodec{}, node, zap.NewNop(), nil)
	t.Cleanup(m.Close)
	return m, v
}

func TestTwoNodeConvergence(t *testing.T) {
	net := inmemnet.NewNetwork()
	nodeA, nodeB := net.NewNode(), net.NewNode()
	_, a := newTestManager(t, nodeA)
	_, b := newTestManager(t, nodeB)
	nodeA.Connect(nodeB)

	d := lattice.NewLWWSet()
	d.Add("d1")
	require.NoError(t, a.Join(d))

	require.Eventually(t, func() bool {
		v, err := b.Get()
		return err == nil && v.Contains("d1")
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.SyncTo(ctx, nodeB.PeerID()))

	v, err := b.Get()
	require.NoError(t, err)
	require.True(t, v.Contains("d1"))
}

func TestDisconnectReconnectCatchUp(t *testing.T) {
	net := inmemnet.NewNetwork()
	nodeA, nodeB := net.NewNode(), net.NewNode()
	_, a := newTestManager(t, nodeA)
	_, b := newTestManager(t, nodeB)
	nodeA.Connect(nodeB)

	d1 := lattice.NewLWWSet()
	d1.Add("d1")
	require.NoError(t, a.Join(d1))
	require.Eventually(t, func() bool {
		v, _ := b.Get()
		return v.Contains("d1")
	}, time.Second, time.Millisecond)

	nodeA.Disconnect(nodeB)

	d2 := lattice.NewLWWSet()
	d2.Add("d2")
	require.NoError(t, a.Join(d2))

	nodeA.Connect(nodeB)

	require.Eventually(t, func() bool {
		v, _ := b.Get()
		return v.Contains("d1") && v.Contains("d2")
	}, time.Second, time.Millisecond)
}

func TestConcurrentJoinsBothDeliver(t *testing.T) {
	net := inmemnet.NewNetwork()
	nodeA, nodeB := net.NewNode(), net.NewNode()
	_, a := newTestManager(t, nodeA)
	_, b := newTestManager(t, nodeB)
	nodeA.Connect(nodeB)

	d1 := lattice.NewLWWSet()
	d1.Add("d1")
	d2 := lattice.NewLWWSet()
	d2.Add("d2")

	done := make(chan error, 2)
	go func() { done <- a.Join(d1) }()
	go func() { done <- a.Join(d2) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		v, _ := b.Get()
		return v.Contains("d1") && v.Contains("d2")
	}, time.Second, time.Millisecond)
}

func TestSyncToFailsWhenConnectionDropsBeforeDelivery(t *testing.T) {
	net := inmemnet.NewNetwork()
	nodeA, nodeB := net.NewNode(), net.NewNode()
	_, a := newTestManager(t, nodeA)
	newTestManager(t, nodeB)
	nodeA.Connect(nodeB)
	nodeA.Disconnect(nodeB)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := a.SyncTo(ctx, nodeB.PeerID())
	require.ErrorIs(t, err, latticesync.ErrSyncFailed)
}

func TestSyncFromInterruptReturnsInterrupted(t *testing.T) {
	net := inmemnet.NewNetwork()
	nodeA := net.NewNode()
	nodeB := net.NewNode() // never watched: sync-from query goes unanswered
	_, a := newTestManager(t, nodeA)
	nodeA.Connect(nodeB)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.SyncFrom(ctx, nodeB.PeerID())
	require.ErrorIs(t, err, latticesync.ErrInterrupted)
}

func TestDuplicateSyncFromReplyLogsAndFiresOnce(t *testing.T) {
	net := inmemnet.NewNetwork()
	nodeA := net.NewNode()
	nodeB := net.NewNode() // a bare node: we script its replies by hand
	core, logs := observer.New(zapcore.WarnLevel)
	m, a := latticesync.New[*lattice.LWWSet]("members", lattice.NewLWWSet(), lattice.GobCodec{}, nodeA, zap.New(core), nil)
	t.Cleanup(m.Close)

	var qid uint64
	nodeB.Watch(func(latticesync.Conn, latticesync.Keepalive) {}, func(from latticesync.Conn, frame []byte) {
		r := bytes.NewReader(frame)
		op, err := wire.ReadOpcode(r)
		require.NoError(t, err)
		if op != wire.OpSyncFromQuery {
			return
		}
		q, err := wire.ReadSyncFromQuery(r)
		require.NoError(t, err)
		qid = q.QueryID

		// Deliver the metadata at the version we are about to report, so
		// the requester's wait for that version can complete.
		var meta bytes.Buffer
		require.NoError(t, wire.WriteMetadataPrefix(&meta, 3))
		require.NoError(t, lattice.GobCodec{}.Encode(&meta, lattice.NewLWWSet()))
		require.NoError(t, nodeB.Send(context.Background(), from, meta.Bytes()))

		var buf bytes.Buffer
		require.NoError(t, wire.WriteSyncFromReply(&buf, wire.SyncFromReply{QueryID: qid, Version: 3}))
		require.NoError(t, nodeB.Send(context.Background(), from, buf.Bytes()))
		require.NoError(t, nodeB.Send(context.Background(), from, buf.Bytes()))
	})
	nodeA.Connect(nodeB)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := a.SyncFrom(ctx, nodeB.PeerID())
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("duplicate sync-from reply; checksum failure?").Len())
}

func TestSubscribeFiresOnLocalAndRemoteJoins(t *testing.T) {
	net := inmemnet.NewNetwork()
	nodeA, nodeB := net.NewNode(), net.NewNode()
	_, a := newTestManager(t, nodeA)
	_, b := newTestManager(t, nodeB)

	calls := make(chan *lattice.LWWSet, 4)
	require.NoError(t, b.Subscribe(func(v *lattice.LWWSet) { calls <- v }))

	nodeA.Connect(nodeB)
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to fire on initial snapshot join")
	}

	d := lattice.NewLWWSet()
	d.Add("x")
	require.NoError(t, a.Join(d))

	select {
	case v := <-calls:
		require.True(t, v.Contains("x"))
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to fire on remote delta join")
	}

	local := lattice.NewLWWSet()
	local.Add("y")
	require.NoError(t, b.Join(local))

	select {
	case v := <-calls:
		require.True(t, v.Contains("y"))
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to fire on local join")
	}
}

func TestManagerGoneAfterClose(t *testing.T) {
	net := inmemnet.NewNetwork()
	node := net.NewNode()
	m, v := latticesync.New[*lattice.LWWSet]("members", lattice.NewLWWSet(), lattice.GobCodec{}, node, zap.NewNop(), nil)
	m.Close()

	_, err := v.Get()
	require.ErrorIs(t, err, latticesync.ErrManagerGone)
}

func TestMetricsRecordSyncOutcomesAndInFlightGauge(t *testing.T) {
	net := inmemnet.NewNetwork()
	nodeA, nodeB := net.NewNode(), net.NewNode()

	metricsA := latticesync.NewMetrics("members")
	mA, a := latticesync.New[*lattice.LWWSet]("members", lattice.NewLWWSet(), lattice.GobCodec{}, nodeA, zap.NewNop(), metricsA)
	t.Cleanup(mA.Close)
	_, b := newTestManager(t, nodeB)
	nodeA.Connect(nodeB)

	require.NoError(t, a.SyncTo(context.Background(), nodeB.PeerID()))
	require.Equal(t, float64(1), counterValue(t, metricsA.SyncToTotal, prometheus.Labels{"outcome": "ok"}))

	d := lattice.NewLWWSet()
	d.Add("d1")
	require.NoError(t, b.Join(d))
	require.Eventually(t, func() bool {
		v, _ := a.Get()
		return v.Contains("d1")
	}, time.Second, time.Millisecond)
	require.NoError(t, a.SyncFrom(context.Background(), nodeB.PeerID()))
	require.Equal(t, float64(1), counterValue(t, metricsA.SyncFromTotal, prometheus.Labels{"outcome": "ok"}))

	var gauge dto.Metric
	require.NoError(t, metricsA.SendGateInFlight.Write(&gauge))
	require.Equal(t, float64(0), gauge.GetGauge().GetValue())
}
