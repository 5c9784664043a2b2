package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"relaymesh/internal/framing"
	"relaymesh/internal/relayerr"
	"relaymesh/internal/rlog"
	"relaymesh/internal/wire"
)

// Conn is one connection's worth of state: handshake progress, per-stream
// send/recv bookkeeping, the retransmit queue, and RTT/RTO estimation. All
// methods are called from the owning Manager's loop goroutine only.
type Conn struct {
	mgr      *Manager
	delegate Delegate

	remoteAddr     Address
	localCID       uint32 // our randomly chosen connection id
	peerCID        uint32 // learned from the peer during handshake
	remoteStaticPK []byte // learned from the peer's DIAL/DIAL_CONF payload, if any

	state ConnState

	weInitiated bool

	sendStreams map[uint16]*sendStream
	recvStreams map[uint16]*recvStream
	nextStreamID uint16

	nextPacketNumber uint64
	retransQ         *retransmitQueue
	recvAcker        *packetAcker
	rtt              rttEstimator
	rtoRetries       int

	recvFramers map[uint16]*framing.Fiber // one length-prefix framer per buffered recv stream

	// recvMsgBuf accumulates bytes for the in-progress frame on each
	// buffered recv stream until the framer signals DidRecvFrame.
	recvMsgBuf map[uint16][]byte

	lastActivity time.Time
	cfg          Config

	handshakeRetries int

	// closed guards against double-firing DidClose.
	closed bool
}

func newConn(mgr *Manager, addr Address, cfg Config) *Conn {
	return &Conn{
		mgr:          mgr,
		remoteAddr:   addr,
		state:        StateListen,
		sendStreams:  make(map[uint16]*sendStream),
		recvStreams:  make(map[uint16]*recvStream),
		recvFramers:  make(map[uint16]*framing.Fiber),
		recvMsgBuf:   make(map[uint16][]byte),
		retransQ:     newRetransmitQueue(),
		recvAcker:    newPacketAcker(),
		lastActivity: time.Now(),
		cfg:          cfg,
	}
}

// Setup attaches the upper-layer delegate. The upper layer passes itself
// in rather than Conn reaching up to construct one, avoiding an ownership
// cycle: Conn holds a non-owning back-reference only.
func (c *Conn) Setup(d Delegate) {
	c.delegate = d
}

// RemoteAddr returns the connection's last-known remote address.
func (c *Conn) RemoteAddr() Address { return c.remoteAddr }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return c.state }

// RemoteStaticPK returns the peer's static identity key learned from its
// DIAL/DIAL_CONF payload, or nil if the peer's Config carried none.
func (c *Conn) RemoteStaticPK() []byte { return c.remoteStaticPK }

func randomConnID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// defaultStreamID is the always-open, never-finalized stream ordinary
// framed messages are appended to for the life of the connection ("send(bytes)
// ... or appends to an existing one" in the stream-transport design). Large
// messages instead get a dedicated stream via CutThroughSendStart.
const defaultStreamID uint16 = 0

// ---- sending ---------------------------------------------------------

// Send frames buf with a 4-byte big-endian length prefix and reliably
// appends it to the connection's default stream (ordinary buffered mode,
// not cut-through).
func (c *Conn) Send(buf []byte) error {
	if c.state != StateEstablished {
		return relayerr.ErrConnClosed
	}
	s := c.sendStreams[defaultStreamID]
	if s == nil {
		s = &sendStream{id: defaultStreamID}
		c.sendStreams[defaultStreamID] = s
	}
	framed := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(buf)))
	copy(framed[4:], buf)
	c.enqueueStreamBytes(defaultStreamID, framed, false)
	if c.delegate != nil {
		c.delegate.DidSendMessage(c, buf)
	}
	return nil
}

func (c *Conn) newSendStream(cutThrough bool, totalLen uint64) (uint16, error) {
	if len(c.sendStreams) >= c.cfg.MaxStreamsPerConn {
		return 0, relayerr.ErrTooManyStreams
	}
	if c.nextStreamID == defaultStreamID {
		// defaultStreamID belongs to the buffered Send path.
		c.nextStreamID++
	}
	id := c.nextStreamID
	c.nextStreamID++
	c.sendStreams[id] = &sendStream{id: id, cutThrough: cutThrough, totalLen: totalLen}
	return id, nil
}

// enqueueStreamBytes fragments buf into MTU-sized DATA packets for stream
// id, starting at the stream's current write offset, marking the last
// fragment DATA+FIN when fin is true.
func (c *Conn) enqueueStreamBytes(id uint16, buf []byte, fin bool) {
	s := c.sendStreams[id]
	if s == nil || s.finalized {
		return
	}
	mtu := c.cfg.MaxPayloadPerPacket
	if len(buf) == 0 && fin {
		c.sendFragment(s, nil, true)
		return
	}
	for off := 0; off < len(buf); off += mtu {
		end := off + mtu
		if end > len(buf) {
			end = len(buf)
		}
		isLast := end == len(buf)
		c.sendFragment(s, buf[off:end], isLast && fin)
	}
}

func (c *Conn) sendFragment(s *sendStream, payload []byte, isFin bool) {
	pn := c.nextPacketNumber
	c.nextPacketNumber++

	typ := wire.TypeData
	if isFin {
		typ = wire.TypeDataFin
		s.finalized = true
	}
	h := wire.Header{
		Version:      wire.Version,
		Typ:          typ,
		SrcConnID:    c.localCID,
		DstConnID:    c.peerCID,
		StreamID:     s.id,
		PacketNumber: pn,
		Offset:       s.nextOffset,
	}
	packet := wire.Encode(h, payload)

	sp := &sentPacket{
		packetNumber: pn,
		streamID:     s.id,
		offset:       s.nextOffset,
		payload:      append([]byte(nil), payload...),
		isFin:        isFin,
		sendTime:     time.Now(),
	}
	c.retransQ.add(sp)
	s.nextOffset += uint64(len(payload))

	c.writeRaw(packet.Data())
}

func (c *Conn) writeRaw(b []byte) {
	if err := c.mgr.writeTo(c.remoteAddr, b); err != nil {
		rlog.RateLimitedf("send-err:"+c.remoteAddr.String(), time.Second, "transport: send error to %s: %v", c.remoteAddr, err)
		c.close(ReasonSendError)
	}
}

// ---- handshake --------------------------------------------------------

func (c *Conn) startDial() {
	c.weInitiated = true
	c.localCID = randomConnID()
	c.state = StateDialSent
	c.sendHandshake(wire.TypeDial)
	c.scheduleHandshakeRetry()
}

func (c *Conn) sendHandshake(typ wire.Type) {
	h := wire.Header{
		Version:   wire.Version,
		Typ:       typ,
		SrcConnID: c.localCID,
		DstConnID: c.peerCID,
	}
	var payload []byte
	if typ == wire.TypeDial || typ == wire.TypeDialConf {
		payload = c.cfg.LocalStaticPK
	}
	c.writeRaw(wire.Encode(h, payload).Data())
}

func (c *Conn) scheduleHandshakeRetry() {
	rto := c.cfg.HandshakeMinRTO << c.handshakeRetries
	if rto > c.cfg.HandshakeMaxRTO || rto <= 0 {
		rto = c.cfg.HandshakeMaxRTO
	}
	state := c.state
	cid := c.localCID
	time.AfterFunc(rto, func() {
		_ = c.mgr.loop.Dispatch(func() {
			c.onHandshakeTimeout(state, cid)
		})
	})
}

func (c *Conn) onHandshakeTimeout(expectState ConnState, cid uint32) {
	if c.state != expectState || c.localCID != cid {
		return // handshake already advanced or conn replaced
	}
	c.handshakeRetries++
	if c.handshakeRetries > c.cfg.MaxRTORetries {
		c.close(ReasonRTOExceeded)
		return
	}
	switch c.state {
	case StateDialSent:
		c.sendHandshake(wire.TypeDial)
	case StateDialRcvd:
		c.sendHandshake(wire.TypeDialConf)
	default:
		return
	}
	c.scheduleHandshakeRetry()
}

// ---- receiving ---------------------------------------------------------

// handlePacket processes one decoded packet already known to belong to
// this Conn.
func (c *Conn) handlePacket(addr Address, h wire.Header, payload []byte) {
	c.lastActivity = time.Now()
	if addr != c.remoteAddr {
		// path migration: connection ids are stable across address
		// changes, so follow the peer rather than dropping the packet.
		c.mgr.rebind(c, addr)
		c.remoteAddr = addr
	}

	switch h.Typ {
	case wire.TypeDialConf:
		c.onDialConf(h, payload)
	case wire.TypeConf:
		c.onConf(h)
	case wire.TypeReset:
		c.close(ReasonRemoteReset)
	case wire.TypeAck:
		c.onAck(h, payload)
	case wire.TypeData, wire.TypeDataFin:
		c.onData(h, payload)
	}
}

func (c *Conn) onDialConf(h wire.Header, payload []byte) {
	if c.state != StateDialSent {
		return
	}
	c.peerCID = h.SrcConnID
	if len(payload) > 0 {
		c.remoteStaticPK = append([]byte(nil), payload...)
	}
	c.state = StateEstablished
	c.sendHandshake(wire.TypeConf)
	if c.delegate != nil {
		c.delegate.DidDial(c)
	}
}

func (c *Conn) onConf(h wire.Header) {
	if c.state != StateDialRcvd {
		return
	}
	c.state = StateEstablished
	if c.delegate != nil {
		c.delegate.DidCreateTransport(c)
	}
}

func (c *Conn) onAck(h wire.Header, payload []byte) {
	ranges, err := wire.DecodeAckPayload(payload, h.StreamID)
	if err != nil {
		rlog.Debugf("transport: malformed ack from %s: %v", c.remoteAddr, err)
		return
	}
	now := time.Now()
	for _, r := range ranges {
		for _, sp := range c.retransQ.ackRange(r.Start, r.End) {
			c.rtt.sample(now.Sub(sp.sendTime))
		}
	}
	c.rtoRetries = 0
}

// onData is the receive algorithm: contiguous bytes are delivered (or, in
// cut-through mode, forwarded) immediately; out-of-order fragments wait in
// the stream's pending list.
func (c *Conn) onData(h wire.Header, payload []byte) {
	c.recvAcker.recv(h.PacketNumber)

	s := c.recvStreams[h.StreamID]
	if s == nil {
		s = &recvStream{id: h.StreamID, cutThrough: c.cfg.EnableCutThrough && h.StreamID != defaultStreamID}
		c.recvStreams[h.StreamID] = s
	}
	if h.Typ == wire.TypeDataFin {
		s.finalized = true
		s.finalLength = h.Offset + uint64(len(payload))
	}

	s.addFragment(h.Offset, payload)
	for _, f := range s.drainContiguous() {
		c.deliver(s, f)
	}
	if s.complete() {
		if s.cutThrough && s.cutThroughOpen && c.delegate != nil {
			c.delegate.CutThroughRecvFlush(c, s.id)
			c.delegate.CutThroughRecvEnd(c, s.id)
		}
		c.closeRecvStream(s)
	}
	c.sendAck()
}

func (c *Conn) deliver(s *recvStream, f fragment) {
	if s.cutThrough {
		c.deliverCutThrough(s, f)
		return
	}
	fr := c.recvFramers[s.id]
	if fr == nil {
		fr = framing.New(&framingConsumer{conn: c, streamID: s.id}, 4)
		c.recvFramers[s.id] = fr
	}
	if err := fr.DidRecv(f.data, c.remoteAddr.UDPAddr()); err != nil {
		rlog.Debugf("transport: framing error on stream %d from %s: %v", s.id, c.remoteAddr, err)
		c.close(ReasonRecvError)
	}
}

// framingConsumer adapts one recv stream's byte flow into the delegate's
// DidRecvMessage callback: bytes accumulate across DidRecv calls and are
// delivered as one complete message on DidRecvFrame.
type framingConsumer struct {
	conn     *Conn
	streamID uint16
}

func (fc *framingConsumer) DidRecv(buf []byte, bytesRead uint64, addr net.Addr) {
	fc.conn.recvMsgBuf[fc.streamID] = append(fc.conn.recvMsgBuf[fc.streamID], buf...)
}

func (fc *framingConsumer) DidRecvFrame(addr net.Addr) {
	msg := fc.conn.recvMsgBuf[fc.streamID]
	fc.conn.recvMsgBuf[fc.streamID] = nil
	if fc.conn.delegate != nil {
		if err := fc.conn.delegate.DidRecvMessage(fc.conn, msg); err != nil {
			rlog.Debugf("transport: delegate rejected message on stream %d from %s: %v", fc.streamID, fc.conn.remoteAddr, err)
			fc.conn.close(ReasonRecvError)
		}
	}
}

func (c *Conn) closeRecvStream(s *recvStream) {
	delete(c.recvStreams, s.id)
	delete(c.recvFramers, s.id)
}

// ---- cut-through ---------------------------------------------------------
//
// Cut-through streams are distinguished from ordinary buffered streams by
// stream id (see defaultStreamID) rather than by a wire packet type, and
// carry one transport-private addition the wire format itself has no field
// for: an 8-byte big-endian total-length header sent as the stream's first
// bytes, so the receiving side can satisfy CutThroughRecvStart's length
// argument before any payload byte has arrived.

const cutThroughHeaderLen = 8

// deliverCutThrough forwards one contiguous, in-order span of a cut-through
// stream upward without buffering the message itself: it first accumulates
// the 8-byte length header, then passes every subsequent byte straight to
// the delegate.
func (c *Conn) deliverCutThrough(s *recvStream, f fragment) {
	data := f.data
	if !s.cutThroughOpen {
		need := cutThroughHeaderLen - len(s.headerBuf)
		take := need
		if take > len(data) {
			take = len(data)
		}
		s.headerBuf = append(s.headerBuf, data[:take]...)
		data = data[take:]
		if len(s.headerBuf) < cutThroughHeaderLen {
			return
		}
		length := binary.BigEndian.Uint64(s.headerBuf)
		s.cutThroughOpen = true
		if c.delegate != nil {
			c.delegate.CutThroughRecvStart(c, s.id, length)
		}
	}
	if len(data) == 0 || s.cutThroughSkip {
		return
	}
	if c.delegate != nil {
		c.delegate.CutThroughRecvBytes(c, s.id, data)
	}
}

// CutThroughSkipStream discards the remainder of an inbound cut-through
// stream without delivering it, e.g. once a relay's dedup check recognizes
// a message it has already forwarded. This is receive-side bookkeeping
// only; there is no wire-level "skip" signal sent to the peer.
func (c *Conn) CutThroughSkipStream(streamID uint16) {
	s := c.recvStreams[streamID]
	if s == nil || s.cutThroughSkip {
		return
	}
	s.cutThroughSkip = true
	if c.delegate != nil {
		c.delegate.CutThroughRecvSkip(c, streamID)
	}
}

// CutThroughSendStart allocates a dedicated stream for a totalLen-byte
// cut-through transfer and sends the transport-private length header.
func (c *Conn) CutThroughSendStart(totalLen uint64) (uint16, error) {
	id, err := c.newSendStream(true, totalLen)
	if err != nil {
		return 0, err
	}
	var hdr [cutThroughHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[:], totalLen)
	c.enqueueStreamBytes(id, hdr[:], false)
	return id, nil
}

// CutThroughSendBytes appends buf to an in-progress cut-through stream.
func (c *Conn) CutThroughSendBytes(streamID uint16, buf []byte) error {
	s := c.sendStreams[streamID]
	if s == nil || !s.cutThrough {
		return relayerr.ErrUnknownStream
	}
	c.enqueueStreamBytes(streamID, buf, false)
	s.sentLen += uint64(len(buf))
	return nil
}

// CutThroughSendEnd finalizes a cut-through stream with a FIN-carrying
// fragment.
func (c *Conn) CutThroughSendEnd(streamID uint16) error {
	s := c.sendStreams[streamID]
	if s == nil || !s.cutThrough {
		return relayerr.ErrUnknownStream
	}
	c.enqueueStreamBytes(streamID, nil, true)
	return nil
}

// sendAck sends a connection-wide ack covering every DATA packet number
// received so far, coalesced into ranges. The header's StreamID field
// doubles as the ack-block count, per wire.Header's doc comment.
func (c *Conn) sendAck() {
	ranges := c.recvAcker.ranges()
	if len(ranges) == 0 {
		return
	}
	h := wire.Header{
		Version:   wire.Version,
		Typ:       wire.TypeAck,
		SrcConnID: c.localCID,
		DstConnID: c.peerCID,
		StreamID:  uint16(len(ranges)),
	}
	c.writeRaw(wire.Encode(h, wire.EncodeAckPayload(ranges)).Data())
}

// ---- retransmission -----------------------------------------------------

// checkRTO is called on the Manager's periodic tick; it resends any packet
// that has been outstanding longer than the current RTO estimate, and
// resets the connection if the oldest unacked packet has been retried more
// than Config.MaxRTORetries times.
func (c *Conn) checkRTO(now time.Time) {
	if c.state != StateEstablished {
		return
	}
	oldest := c.retransQ.oldest()
	if oldest == nil {
		return
	}
	rto := c.rtt.rto(c.cfg.HandshakeMinRTO, c.cfg.HandshakeMaxRTO)
	if now.Sub(oldest.sendTime) < rto {
		return
	}
	if oldest.retries >= c.cfg.MaxRTORetries {
		c.close(ReasonRTOExceeded)
		return
	}
	for _, sp := range c.retransQ.all() {
		if now.Sub(sp.sendTime) < rto {
			continue
		}
		c.retransmit(sp)
	}
}

// retransmit resends a packet's payload under a new packet number while
// preserving its original (stream_id, offset) so the receiver still
// dedupes correctly.
func (c *Conn) retransmit(sp *sentPacket) {
	c.retransQ.ack(sp.packetNumber)
	pn := c.nextPacketNumber
	c.nextPacketNumber++

	typ := wire.TypeData
	if sp.isFin {
		typ = wire.TypeDataFin
	}
	h := wire.Header{
		Version:      wire.Version,
		Typ:          typ,
		SrcConnID:    c.localCID,
		DstConnID:    c.peerCID,
		StreamID:     sp.streamID,
		PacketNumber: pn,
		Offset:       sp.offset,
	}
	newSP := &sentPacket{
		packetNumber: pn,
		streamID:     sp.streamID,
		offset:       sp.offset,
		payload:      sp.payload,
		isFin:        sp.isFin,
		sendTime:     time.Now(),
		retries:      sp.retries + 1,
	}
	c.retransQ.add(newSP)
	c.writeRaw(wire.Encode(h, sp.payload).Data())
}

// ---- idle timeout & close ------------------------------------------------

func (c *Conn) checkIdle(now time.Time) {
	if c.state == StateClosed || c.state == StateClosing {
		return
	}
	if now.Sub(c.lastActivity) > c.cfg.IdleTimeout {
		c.close(ReasonIdleTimeout)
	}
}

// Close initiates a local close: sends RESET if the connection was
// established and fires DidClose exactly once. Pending sends are not
// drained (see close).
func (c *Conn) Close() {
	c.close(ReasonLocal)
}

// close transitions straight from StateEstablished to StateClosed: it does
// not linger in StateClosing to drain in-flight sends, since DidClose must
// fire exactly once regardless and there is nothing downstream that
// currently waits on a drain signal. StateClosing remains a declared state
// for callers that inspect it (e.g. checkIdle's guard below), but nothing
// in this package transitions a Conn into it today.
func (c *Conn) close(reason CloseReason) {
	if c.closed {
		return
	}
	c.closed = true
	prevState := c.state
	c.state = StateClosed
	if reason == ReasonLocal && prevState == StateEstablished {
		c.sendHandshake(wire.TypeReset)
	}
	c.mgr.onConnClosed(c)
	if c.delegate != nil {
		c.delegate.DidClose(c, reason)
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn{%s state=%s local=%d peer=%d}", c.remoteAddr, c.state, c.localCID, c.peerCID)
}
