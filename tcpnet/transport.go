// Package tcpnet is a reference latticesync.Transport backed by real TCP
// sockets: length-prefixed framing over a github.com/armon/go-proxyproto
// listener (so the deployment can sit behind a PROXY-protocol-aware load
// balancer, the same posture transport.NewTCPTransport takes in the
// teacher), with github.com/armon/go-metrics byte counters mirroring the
// teacher's adapters/ap/gossip/transport.go udp/tcp counters. It exists
// purely to give latticesync.Transport a real, exercised implementation
// outside of tests; the core package never imports it.
package tcpnet

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	proxyproto "github.com/armon/go-proxyproto"
	"go.uber.org/zap"

	"github.com/vx-labs/latticesync"
)

const maxFrameSize = 16 << 20

// tcpConn is the tcpnet implementation of latticesync.Conn.
type tcpConn struct {
	peer     latticesync.PeerID
	raw      net.Conn
	writer   *bufio.Writer
	writeMu  sync.Mutex
	done     chan struct{}
	closeOne sync.Once
}

func (c *tcpConn) PeerID() latticesync.PeerID { return c.peer }

func (c *tcpConn) close() {
	c.closeOne.Do(func() {
		c.raw.Close()
		close(c.done)
	})
}

// keepalive is a latticesync.Keepalive backed by the Conn's own done
// channel. Release is a no-op: tcpnet has nothing to reference-count,
// the conn's lifetime is the keepalive's lifetime.
type keepalive struct{ c *tcpConn }

func (k keepalive) Done() <-chan struct{} { return k.c.done }
func (k keepalive) Release()              {}

type connSet struct{ conns []latticesync.Conn }

func (s connSet) Each(f func(latticesync.Conn)) {
	for _, c := range s.conns {
		f(c)
	}
}

// Node is a tcpnet participant: it accepts inbound connections, dials
// outbound ones, and satisfies latticesync.Transport[V] for any V (the
// interface's methods never mention V — frames are always just bytes by
// the time they reach the transport).
type Node struct {
	self     latticesync.PeerID
	logger   *zap.Logger
	listener net.Listener

	mu        sync.Mutex
	byPeer    map[latticesync.PeerID]*tcpConn
	onConnect func(latticesync.Conn, latticesync.Keepalive)
	onFrame   latticesync.FrameHandler
}

// NewNode constructs a Node identified as self. It does not listen or
// dial anything until Listen/Dial are called.
func NewNode(self latticesync.PeerID, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		self:   self,
		logger: logger,
		byPeer: map[latticesync.PeerID]*tcpConn{},
	}
}

// Listen starts accepting connections on addr, behind a PROXY-protocol
// listener exactly as transport.NewTCPTransport does in the teacher.
func (n *Node) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	n.listener = &proxyproto.Listener{Listener: ln}
	go n.acceptLoop()
	return nil
}

// Close stops accepting new connections. Already-open connections are
// left running; callers drop them individually or let them drain.
func (n *Node) Close() error {
	if n.listener == nil {
		return nil
	}
	return n.listener.Close()
}

func (n *Node) acceptLoop() {
	var backoff time.Duration
	for {
		c, err := n.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
				}
				if backoff > time.Second {
					backoff = time.Second
				}
				n.logger.Warn("accept error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			n.logger.Info("accept loop stopped", zap.Error(err))
			return
		}
		backoff = 0
		go n.handleAccepted(c)
	}
}

func (n *Node) handleAccepted(raw net.Conn) {
	r := bufio.NewReader(raw)
	peer, err := readHandshake(r)
	if err != nil {
		n.logger.Warn("handshake failed", zap.Error(err), zap.String("remote_addr", raw.RemoteAddr().String()))
		raw.Close()
		return
	}
	if err := writeHandshake(raw, n.self); err != nil {
		n.logger.Warn("handshake reply failed", zap.Error(err), zap.Any("peer", peer))
		raw.Close()
		return
	}
	n.adopt(peer, raw, r)
}

// Dial opens an outbound connection to addr, sends this node's identity,
// and adopts the connection under the identity the remote sends back in
// its handshake.
func (n *Node) Dial(ctx context.Context, addr string) error {
	raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if err := writeHandshake(raw, n.self); err != nil {
		raw.Close()
		return err
	}
	r := bufio.NewReader(raw)
	peer, err := readHandshake(r)
	if err != nil {
		raw.Close()
		return err
	}
	n.adopt(peer, raw, r)
	return nil
}

func (n *Node) adopt(peer latticesync.PeerID, raw net.Conn, r *bufio.Reader) {
	tc := &tcpConn{peer: peer, raw: raw, writer: bufio.NewWriter(raw), done: make(chan struct{})}

	n.mu.Lock()
	if old, ok := n.byPeer[peer]; ok {
		old.close()
	}
	n.byPeer[peer] = tc
	onConnect := n.onConnect
	onFrame := n.onFrame
	n.mu.Unlock()

	if onConnect != nil {
		onConnect(tc, keepalive{c: tc})
	}
	go n.readLoop(tc, r, onFrame)
}

func (n *Node) readLoop(tc *tcpConn, r *bufio.Reader, onFrame latticesync.FrameHandler) {
	defer func() {
		n.mu.Lock()
		if n.byPeer[tc.peer] == tc {
			delete(n.byPeer, tc.peer)
		}
		n.mu.Unlock()
		tc.close()
	}()

	for {
		frame, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				n.logger.Debug("connection read failed", zap.Error(err), zap.Any("peer", tc.peer))
			}
			return
		}
		metrics.IncrCounter([]string{"latticesync", "tcp", "received"}, float32(len(frame)))
		if onFrame != nil {
			onFrame(tc, frame)
		}
	}
}

// Send implements latticesync.Transport.
func (n *Node) Send(ctx context.Context, c latticesync.Conn, frame []byte) error {
	tc := c.(*tcpConn)
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	if err := writeFrame(tc.writer, frame); err != nil {
		return err
	}
	metrics.IncrCounter([]string{"latticesync", "tcp", "sent"}, float32(len(frame)))
	return tc.writer.Flush()
}

// Connections implements latticesync.Transport.
func (n *Node) Connections(peer latticesync.PeerID) latticesync.ConnectionSet {
	n.mu.Lock()
	defer n.mu.Unlock()
	tc, ok := n.byPeer[peer]
	if !ok {
		return connSet{}
	}
	return connSet{conns: []latticesync.Conn{tc}}
}

// Watch implements latticesync.Transport.
func (n *Node) Watch(onConnect func(latticesync.Conn, latticesync.Keepalive), onFrame latticesync.FrameHandler) func() {
	n.mu.Lock()
	n.onConnect = onConnect
	n.onFrame = onFrame
	existing := make([]*tcpConn, 0, len(n.byPeer))
	for _, tc := range n.byPeer {
		existing = append(existing, tc)
	}
	n.mu.Unlock()

	for _, tc := range existing {
		onConnect(tc, keepalive{c: tc})
	}

	return func() {
		n.mu.Lock()
		n.onConnect = nil
		n.onFrame = nil
		n.mu.Unlock()
	}
}

func writeHandshake(w io.Writer, self latticesync.PeerID) error {
	return writeFrame(w, []byte(fmt.Sprintf("%v", self)))
}

func readHandshake(r *bufio.Reader) (latticesync.PeerID, error) {
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return latticesync.PeerID(string(frame)), nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("tcpnet: frame too large: %d bytes", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("tcpnet: frame too large: %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
