package transport

import "time"

// ConnState is the connection lifecycle state of a handshake in progress
// or completed.
type ConnState uint8

const (
	StateListen ConnState = iota
	StateDialSent
	StateDialRcvd
	StateEstablished
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateDialSent:
		return "DIAL_SENT"
	case StateDialRcvd:
		return "DIAL_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CloseReason explains why a connection was closed, for did_close and for
// the blacklist/peer-removal policy layered on top in internal/pubsub.
type CloseReason uint8

const (
	ReasonLocal        CloseReason = iota // close() called locally
	ReasonRemoteReset                     // peer sent RESET
	ReasonIdleTimeout                     // no traffic within the idle window
	ReasonRTOExceeded                     // oldest unacked packet retried too many times
	ReasonRecvError                       // inbound data rejected: framing error or the delegate refused a message
	ReasonSendError                       // underlying socket write failed for this peer
)

// Delegate receives upward notifications from a Conn. It is a non-owning
// back-reference: the Conn does not keep the delegate alive. The Manager
// keeps transports alive; the pub/sub Node keeps the Manager alive;
// delegates never own what they're attached to.
type Delegate interface {
	// DidDial fires once, when a connection we initiated reaches
	// ESTABLISHED.
	DidDial(c *Conn)
	// DidCreateTransport fires once, when a connection a peer initiated
	// reaches ESTABLISHED on our side.
	DidCreateTransport(c *Conn)
	// DidRecvMessage delivers one complete framed message's bytes,
	// assembled by length-prefix framing on top of an ordinary (buffered)
	// stream.
	DidRecvMessage(c *Conn, buf []byte) error
	// DidSendMessage notifies that buf has been handed off to the
	// retransmit queue (not yet acked).
	DidSendMessage(c *Conn, buf []byte)
	// DidClose fires exactly once per Conn, however it was closed.
	DidClose(c *Conn, reason CloseReason)

	// CutThroughRecvStart begins a cut-through stream of the given total
	// length. Only invoked when cut-through is enabled.
	CutThroughRecvStart(c *Conn, streamID uint16, length uint64)
	// CutThroughRecvBytes delivers the next contiguous span of a
	// cut-through stream.
	CutThroughRecvBytes(c *Conn, streamID uint16, buf []byte)
	// CutThroughRecvEnd fires when a cut-through stream completes
	// normally (FIN reached).
	CutThroughRecvEnd(c *Conn, streamID uint16)
	// CutThroughRecvFlush requests the consumer flush any buffering it is
	// doing downstream of the cut-through path.
	CutThroughRecvFlush(c *Conn, streamID uint16)
	// CutThroughRecvSkip notifies that the rest of a cut-through stream
	// should be discarded without delivery (e.g. duplicate message-id).
	CutThroughRecvSkip(c *Conn, streamID uint16)
}

// ListenDelegate is consulted by Manager when an inbound DIAL arrives for
// which there is no existing Conn.
type ListenDelegate interface {
	ShouldAccept(addr Address) bool
	// DidCreateTransport is called once, when an accepted DIAL creates the
	// Conn and before DIAL_CONF is sent (the handshake is not yet
	// complete); implementations typically call c.Setup(delegate).
	DidCreateTransport(c *Conn)
}

// Config tunes the transport state machine. Zero values are replaced with
// the defaults below by NewManager.
type Config struct {
	MaxPayloadPerPacket int // MTU budget for DATA packet payloads
	MaxStreamsPerConn   int
	IdleTimeout         time.Duration
	HandshakeMinRTO     time.Duration
	HandshakeMaxRTO     time.Duration
	MaxRTORetries       int // oldest unacked packet retried more than this many times resets the conn
	CongestionWindow    int // defaulted but not enforced: in-flight (unacked) packets are not limited
	EnableCutThrough    bool

	// LocalStaticPK, if set, is carried as the payload of this node's DIAL
	// and DIAL_CONF packets so the peer learns our static identity key
	// during the handshake, symmetrically with how we learn theirs.
	LocalStaticPK []byte
}

const (
	DefaultMaxPayloadPerPacket = 1400
	DefaultMaxStreamsPerConn   = 65535
	DefaultIdleTimeout         = 30 * time.Second
	DefaultHandshakeMinRTO     = 200 * time.Millisecond
	DefaultHandshakeMaxRTO     = 60 * time.Second
	DefaultMaxRTORetries       = 8
	DefaultCongestionWindow    = 64
)

func (c *Config) setDefaults() {
	if c.MaxPayloadPerPacket <= 0 {
		c.MaxPayloadPerPacket = DefaultMaxPayloadPerPacket
	}
	if c.MaxStreamsPerConn <= 0 {
		c.MaxStreamsPerConn = DefaultMaxStreamsPerConn
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HandshakeMinRTO <= 0 {
		c.HandshakeMinRTO = DefaultHandshakeMinRTO
	}
	if c.HandshakeMaxRTO <= 0 {
		c.HandshakeMaxRTO = DefaultHandshakeMaxRTO
	}
	if c.MaxRTORetries <= 0 {
		c.MaxRTORetries = DefaultMaxRTORetries
	}
	if c.CongestionWindow <= 0 {
		c.CongestionWindow = DefaultCongestionWindow
	}
}
