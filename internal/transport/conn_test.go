package transport

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"
)

// testDelegate records every callback it receives over channels so tests
// can assert on ordering and content without polling.
type testDelegate struct {
	dialed  chan *Conn
	created chan *Conn
	msgs    chan []byte
	closed  chan CloseReason

	ctStarted chan uint64
	ctEnded   chan uint16

	mu      sync.Mutex
	ctBytes map[uint16][]byte
}

func newTestDelegate() *testDelegate {
	return &testDelegate{
		dialed:    make(chan *Conn, 4),
		created:   make(chan *Conn, 4),
		msgs:      make(chan []byte, 16),
		closed:    make(chan CloseReason, 4),
		ctStarted: make(chan uint64, 4),
		ctEnded:   make(chan uint16, 4),
		ctBytes:   make(map[uint16][]byte),
	}
}

func (d *testDelegate) DidDial(c *Conn)                        { d.dialed <- c }
func (d *testDelegate) DidCreateTransport(c *Conn)              { d.created <- c }
func (d *testDelegate) DidSendMessage(c *Conn, buf []byte)      {}
func (d *testDelegate) DidClose(c *Conn, reason CloseReason)    { d.closed <- reason }

func (d *testDelegate) DidRecvMessage(c *Conn, buf []byte) error {
	d.msgs <- buf
	return nil
}

func (d *testDelegate) CutThroughRecvStart(c *Conn, streamID uint16, length uint64) {
	d.mu.Lock()
	d.ctBytes[streamID] = nil
	d.mu.Unlock()
	d.ctStarted <- length
}

func (d *testDelegate) CutThroughRecvBytes(c *Conn, streamID uint16, buf []byte) {
	d.mu.Lock()
	d.ctBytes[streamID] = append(d.ctBytes[streamID], buf...)
	d.mu.Unlock()
}

func (d *testDelegate) CutThroughRecvEnd(c *Conn, streamID uint16) { d.ctEnded <- streamID }
func (d *testDelegate) CutThroughRecvFlush(c *Conn, streamID uint16) {}
func (d *testDelegate) CutThroughRecvSkip(c *Conn, streamID uint16) {}

func (d *testDelegate) assembled(streamID uint16) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctBytes[streamID]
}

// acceptAllListen admits every inbound dial and attaches delegate to the
// resulting Conn.
type acceptAllListen struct {
	delegate Delegate
}

func (a *acceptAllListen) ShouldAccept(addr Address) bool { return true }
func (a *acceptAllListen) DidCreateTransport(c *Conn)      { c.Setup(a.delegate) }

func mustBind(t *testing.T, cfg Config) (*Manager, Address) {
	t.Helper()
	m := NewManager(cfg)
	if err := m.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	addr := AddressFromUDP(m.sock.LocalAddr().(*net.UDPAddr))
	t.Cleanup(m.Shutdown)
	return m, addr
}

func TestHandshakeAndMessageRoundTrip(t *testing.T) {
	serverDelegate := newTestDelegate()
	serverMgr, serverAddr := mustBind(t, Config{})
	if err := serverMgr.Listen(&acceptAllListen{delegate: serverDelegate}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	clientDelegate := newTestDelegate()
	clientMgr, _ := mustBind(t, Config{})
	if err := clientMgr.Dial(serverAddr, clientDelegate); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var clientConn *Conn
	select {
	case clientConn = <-clientDelegate.dialed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client DidDial")
	}

	select {
	case <-serverDelegate.created:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server DidCreateTransport")
	}

	want := []byte("hello over a fresh stream transport")
	if err := clientConn.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-serverDelegate.msgs:
		if !bytes.Equal(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server DidRecvMessage")
	}
}

func TestCutThroughLargeMessageForwarding(t *testing.T) {
	cfg := Config{EnableCutThrough: true, MaxPayloadPerPacket: 64}

	serverDelegate := newTestDelegate()
	serverMgr, serverAddr := mustBind(t, cfg)
	if err := serverMgr.Listen(&acceptAllListen{delegate: serverDelegate}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	clientDelegate := newTestDelegate()
	clientMgr, _ := mustBind(t, cfg)
	if err := clientMgr.Dial(serverAddr, clientDelegate); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var clientConn *Conn
	select {
	case clientConn = <-clientDelegate.dialed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client DidDial")
	}
	select {
	case <-serverDelegate.created:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server DidCreateTransport")
	}

	payload := bytes.Repeat([]byte("block-of-bytes-"), 200) // well past one MTU
	streamID, err := clientConn.CutThroughSendStart(uint64(len(payload)))
	if err != nil {
		t.Fatalf("CutThroughSendStart: %v", err)
	}
	mid := len(payload) / 2
	if err := clientConn.CutThroughSendBytes(streamID, payload[:mid]); err != nil {
		t.Fatalf("CutThroughSendBytes: %v", err)
	}
	if err := clientConn.CutThroughSendBytes(streamID, payload[mid:]); err != nil {
		t.Fatalf("CutThroughSendBytes: %v", err)
	}
	if err := clientConn.CutThroughSendEnd(streamID); err != nil {
		t.Fatalf("CutThroughSendEnd: %v", err)
	}

	var gotLen uint64
	select {
	case gotLen = <-serverDelegate.ctStarted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for CutThroughRecvStart")
	}
	if gotLen != uint64(len(payload)) {
		t.Fatalf("CutThroughRecvStart length = %d, want %d", gotLen, len(payload))
	}

	var endedStream uint16
	select {
	case endedStream = <-serverDelegate.ctEnded:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for CutThroughRecvEnd")
	}
	got := serverDelegate.assembled(endedStream)
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled cut-through payload mismatch: got %d bytes, want %d bytes", len(got), len(payload))
	}
}

func TestDialRejectedWhenShouldAcceptReturnsFalse(t *testing.T) {
	serverMgr, serverAddr := mustBind(t, Config{})
	if err := serverMgr.Listen(&rejectAllListen{}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	clientDelegate := newTestDelegate()
	clientMgr, _ := mustBind(t, Config{HandshakeMinRTO: 20 * time.Millisecond, HandshakeMaxRTO: 40 * time.Millisecond, MaxRTORetries: 2})
	if err := clientMgr.Dial(serverAddr, clientDelegate); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case <-clientDelegate.dialed:
		t.Fatalf("did not expect DidDial when the server rejects every dial")
	case <-clientDelegate.closed:
		// expected: handshake retries exhaust and the client gives up.
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the client to give up on a rejected dial")
	}
}

type rejectAllListen struct{}

func (rejectAllListen) ShouldAccept(addr Address) bool { return false }
func (rejectAllListen) DidCreateTransport(c *Conn)      {}

func TestHandshakeCarriesLocalStaticPK(t *testing.T) {
	serverPK := bytes.Repeat([]byte{0xAA}, 32)
	clientPK := bytes.Repeat([]byte{0xBB}, 32)

	serverDelegate := newTestDelegate()
	serverMgr, serverAddr := mustBind(t, Config{LocalStaticPK: serverPK})
	if err := serverMgr.Listen(&acceptAllListen{delegate: serverDelegate}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	clientDelegate := newTestDelegate()
	clientMgr, _ := mustBind(t, Config{LocalStaticPK: clientPK})
	if err := clientMgr.Dial(serverAddr, clientDelegate); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var clientConn *Conn
	select {
	case clientConn = <-clientDelegate.dialed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client DidDial")
	}
	var serverConn *Conn
	select {
	case serverConn = <-serverDelegate.created:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server DidCreateTransport")
	}

	if !bytes.Equal(clientConn.RemoteStaticPK(), serverPK) {
		t.Fatalf("client learned remote static pk %x, want %x", clientConn.RemoteStaticPK(), serverPK)
	}
	if !bytes.Equal(serverConn.RemoteStaticPK(), clientPK) {
		t.Fatalf("server learned remote static pk %x, want %x", serverConn.RemoteStaticPK(), clientPK)
	}
}
