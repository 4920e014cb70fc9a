package inmemnet

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vx-labs/latticesync"
)

func TestConnectDeliversFrames(t *testing.T) {
	net := NewNetwork()
	a := net.NewNode()
	b := net.NewNode()

	var mu sync.Mutex
	var received []byte
	got := make(chan struct{}, 1)

	b.Watch(func(latticesync.Conn, latticesync.Keepalive) {}, func(_ latticesync.Conn, frame []byte) {
		mu.Lock()
		received = frame
		mu.Unlock()
		got <- struct{}{}
	})

	a.Connect(b)

	conns := a.Connections(b.PeerID())
	var target latticesync.Conn
	conns.Each(func(c latticesync.Conn) { target = c })
	require.NotNil(t, target)

	require.NoError(t, a.Send(context.Background(), target, []byte("hello")))
	<-got

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("hello"), received)
}

func TestWatchReplaysExistingConnections(t *testing.T) {
	net := NewNetwork()
	a := net.NewNode()
	b := net.NewNode()
	a.Connect(b)

	seen := 0
	a.Watch(func(latticesync.Conn, latticesync.Keepalive) { seen++ }, func(latticesync.Conn, []byte) {})
	require.Equal(t, 1, seen)
}

func TestDisconnectPulsesKeepalive(t *testing.T) {
	net := NewNetwork()
	a := net.NewNode()
	b := net.NewNode()

	var ka latticesync.Keepalive
	a.Watch(func(_ latticesync.Conn, k latticesync.Keepalive) { ka = k }, func(latticesync.Conn, []byte) {})
	a.Connect(b)
	require.NotNil(t, ka)

	a.Disconnect(b)
	select {
	case <-ka.Done():
	default:
		t.Fatal("expected keepalive to be done after disconnect")
	}
}
