package transport

import (
	"net"
	"time"

	"relaymesh/internal/loop"
	"relaymesh/internal/rlog"
	"relaymesh/internal/wire"
)

// periodicCheckInterval is how often the manager walks every connection to
// retransmit past-RTO DATA packets and close idle connections. It is well
// below DefaultHandshakeMinRTO, the floor of the data RTO, so a past-RTO
// packet is not held back long by the tick. Handshake packets are retried
// by their own timer (Conn.scheduleHandshakeRetry), not by this tick.
const periodicCheckInterval = 50 * time.Millisecond

// Manager owns one UDP socket and every Conn multiplexed over it. All Conn
// state transitions happen on Manager's single loop goroutine; the raw
// socket read runs on its own goroutine and only ever dispatches decoded
// packets into the loop, never touches Conn state directly.
type Manager struct {
	loop *loop.Loop
	cfg  Config

	sock net.PacketConn

	listenDelegate ListenDelegate

	connsByID map[uint32]*Conn // by our local connection id (wire DstConnID on inbound)
	addrIndex map[Address]*Conn

	done chan struct{}
}

// NewManager constructs a Manager. Call Bind to open the socket and start
// receiving, and Listen before expecting inbound dials to be accepted.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		loop:      loop.New("transport", 4096),
		cfg:       cfg,
		connsByID: make(map[uint32]*Conn),
		addrIndex: make(map[Address]*Conn),
		done:      make(chan struct{}),
	}
}

// Bind opens the UDP socket at laddr (e.g. ":4242") and starts the read and
// periodic-check loops.
func (m *Manager) Bind(laddr string) error {
	pc, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return err
	}
	m.sock = pc
	go m.readLoop()
	go m.periodicLoop()
	return nil
}

// LocalAddr returns the socket address Bind opened, for callers (and
// tests) that bound to ":0" and need the actual ephemeral port.
func (m *Manager) LocalAddr() net.Addr {
	return m.sock.LocalAddr()
}

// Listen installs the delegate consulted for inbound dials.
func (m *Manager) Listen(d ListenDelegate) error {
	return m.loop.Dispatch(func() {
		m.listenDelegate = d
	})
}

// Dial starts an outbound handshake to addr. Completion (or failure) is
// reported asynchronously through d's DidDial/DidClose callbacks.
func (m *Manager) Dial(addr Address, d Delegate) error {
	return m.loop.Dispatch(func() {
		if _, exists := m.addrIndex[addr]; exists {
			return
		}
		c := newConn(m, addr, m.cfg)
		c.Setup(d)
		m.addrIndex[addr] = c
		c.startDial()
		m.connsByID[c.localCID] = c
	})
}

// Dispatch runs f on the manager's single loop goroutine, the same
// goroutine every Conn callback fires on. Callers outside the transport
// package (internal/pubsub's periodic timers) use this to mutate shared
// state without racing transport-triggered callbacks.
func (m *Manager) Dispatch(f func()) error {
	return m.loop.Dispatch(f)
}

// GetTransport looks up the established (or handshaking) Conn for addr, if
// any, and delivers it to cb on the loop goroutine.
func (m *Manager) GetTransport(addr Address, cb func(c *Conn, ok bool)) error {
	return m.loop.Dispatch(func() {
		c, ok := m.addrIndex[addr]
		cb(c, ok)
	})
}

// Shutdown closes the socket and stops both background goroutines.
func (m *Manager) Shutdown() {
	close(m.done)
	if m.sock != nil {
		_ = m.sock.Close()
	}
	m.loop.Shutdown()
}

func (m *Manager) writeTo(addr Address, b []byte) error {
	if m.sock == nil {
		return net.ErrClosed
	}
	_, err := m.sock.WriteTo(b, addr.UDPAddr())
	return err
}

// rebind re-indexes c under newAddr, following a peer across a path
// migration (same connection id, new source address).
func (m *Manager) rebind(c *Conn, newAddr Address) {
	delete(m.addrIndex, c.remoteAddr)
	m.addrIndex[newAddr] = c
}

func (m *Manager) onConnClosed(c *Conn) {
	delete(m.connsByID, c.localCID)
	if m.addrIndex[c.remoteAddr] == c {
		delete(m.addrIndex, c.remoteAddr)
	}
}

// readLoop is the only goroutine that touches the raw socket. It copies
// each datagram (the read buffer is reused across iterations) and hands it
// to the loop goroutine for all further processing.
func (m *Manager) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, raddr, err := m.sock.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			rlog.RateLimitedf("transport-read-err", time.Second, "transport: read error: %v", err)
			continue
		}
		udpAddr, ok := raddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		addr := AddressFromUDP(udpAddr)
		data := append([]byte(nil), buf[:n]...)
		if err := m.loop.Dispatch(func() { m.handleInbound(addr, data) }); err != nil {
			rlog.RateLimitedf("transport-dispatch-full", time.Second, "transport: dropping inbound packet from %s: %v", addr, err)
		}
	}
}

func (m *Manager) handleInbound(addr Address, buf []byte) {
	h, payload, err := wire.Decode(buf)
	if err != nil {
		rlog.Debugf("transport: malformed packet from %s: %v", addr, err)
		return
	}
	if h.Typ == wire.TypeDial {
		m.handleDial(addr, h, payload)
		return
	}
	c, ok := m.connsByID[h.DstConnID]
	if !ok {
		rlog.Debugf("transport: packet for unknown connection %d from %s", h.DstConnID, addr)
		return
	}
	c.handlePacket(addr, h, payload)
}

// handleDial handles an inbound DIAL: a retransmitted DIAL for a connection
// already being accepted just gets its DIAL_CONF re-sent, otherwise the
// listen delegate decides whether to admit a brand new Conn.
func (m *Manager) handleDial(addr Address, h wire.Header, payload []byte) {
	if c, ok := m.addrIndex[addr]; ok {
		if c.state == StateDialRcvd {
			c.peerCID = h.SrcConnID
			c.sendHandshake(wire.TypeDialConf)
		}
		return
	}
	if m.listenDelegate == nil || !m.listenDelegate.ShouldAccept(addr) {
		rlog.Debugf("transport: rejecting dial from %s", addr)
		return
	}
	c := newConn(m, addr, m.cfg)
	c.peerCID = h.SrcConnID
	if len(payload) > 0 {
		c.remoteStaticPK = append([]byte(nil), payload...)
	}
	c.localCID = randomConnID()
	c.state = StateDialRcvd
	m.addrIndex[addr] = c
	m.connsByID[c.localCID] = c

	// Gives the application a chance to attach its Delegate via c.Setup
	// before the handshake can complete.
	m.listenDelegate.DidCreateTransport(c)

	c.sendHandshake(wire.TypeDialConf)
	c.scheduleHandshakeRetry()
}

func (m *Manager) periodicLoop() {
	ticker := time.NewTicker(periodicCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = m.loop.Dispatch(m.runPeriodicChecks)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) runPeriodicChecks() {
	now := time.Now()
	for _, c := range m.connsByID {
		c.checkRTO(now)
		c.checkIdle(now)
	}
}
