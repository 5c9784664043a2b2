package pubsub

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"relaymesh/internal/attest"
	"relaymesh/internal/config"
	"relaymesh/internal/crypto"
	"relaymesh/internal/metrics"
	"relaymesh/internal/relayerr"
	"relaymesh/internal/rlog"
	"relaymesh/internal/transport"
)

// cutThroughThreshold is the payload size above which a fully-buffered
// outbound MESSAGE is instead pushed over a connection's cut-through
// stream primitives.
const cutThroughThreshold = 50_000

// Node is the pub/sub mesh-relay core: peer-set admission and disconnect
// policy, the subscribe wire protocol, message dedup, and both the
// fully-buffered and cut-through relay paths. It implements
// transport.Delegate and transport.ListenDelegate directly: the Node value
// itself is handed to transport.Manager.Listen, and each
// transport.Manager.Dial call gets it wrapped in a dialBinding.
type Node struct {
	mgr       *transport.Manager
	cfg       config.Config
	appDel    ApplicationDelegate
	attester  attest.Attester
	witnesser attest.Witnesser

	selfPriv []byte
	selfPub  []byte

	solConns   *peerSet
	solStandby *peerSet
	unsolConns *peerSet

	blacklist map[transport.Address]struct{}
	pubkeyOf  map[*transport.Conn][]byte
	lastSeen  map[*transport.Conn]time.Time

	dedup    *dedupRing
	sessions map[ctKey]*cutThroughSession

	metrics *metrics.Metrics

	stopTicks chan struct{}
}

// NewNode constructs a Node. selfPriv is the node's static X25519 secret
// key; its public counterpart is what gets prepended to a message's
// witness list on relay. m may be nil, in which case a fresh
// metrics.Metrics is allocated.
func NewNode(mgr *transport.Manager, cfg config.Config, appDel ApplicationDelegate, attester attest.Attester, witnesser attest.Witnesser, selfPriv []byte, m *metrics.Metrics) (*Node, error) {
	selfPub, err := crypto.PublicFromPrivate(selfPriv)
	if err != nil {
		return nil, fmt.Errorf("pubsub: deriving self public key: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Node{
		mgr:        mgr,
		cfg:        cfg,
		appDel:     appDel,
		attester:   attester,
		witnesser:  witnesser,
		selfPriv:   selfPriv,
		selfPub:    selfPub,
		solConns:   newPeerSet(),
		solStandby: newPeerSet(),
		unsolConns: newPeerSet(),
		blacklist:  make(map[transport.Address]struct{}),
		pubkeyOf:   make(map[*transport.Conn][]byte),
		lastSeen:   make(map[*transport.Conn]time.Time),
		dedup:      newDedupRing(),
		sessions:   make(map[ctKey]*cutThroughSession),
		metrics:    m,
		stopTicks:  make(chan struct{}),
	}, nil
}

// Start installs this node as the manager's listen delegate and starts
// the three periodic timers: peer-selection, blacklist clearing, and
// dedup advance/liveness.
func (n *Node) Start() error {
	if err := n.mgr.Listen(n); err != nil {
		return err
	}
	go n.runTicker(n.cfg.PeerSelectionTick, n.onPeerSelectionTick)
	go n.runTicker(n.cfg.BlacklistTick, n.onBlacklistTick)
	go n.runTicker(n.cfg.DedupTick, n.onDedupTick)
	return nil
}

// Stop cancels the three periodic timers so none fire against a torn-down
// node; callers should also Shutdown the Manager.
func (n *Node) Stop() {
	close(n.stopTicks)
}

func (n *Node) runTicker(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := n.mgr.Dispatch(fn); err != nil {
				rlog.RateLimitedf("pubsub-dispatch-full", time.Second, "pubsub: tick dropped: %v", err)
			}
		case <-n.stopTicks:
			return
		}
	}
}

// Dial starts an outbound handshake to addr. remoteStaticPK, if non-nil,
// is the peer's known 32-byte public key, used later for witness-list
// loop suppression.
func (n *Node) Dial(addr transport.Address, remoteStaticPK []byte) error {
	return n.mgr.Dial(addr, dialBinding{node: n, pubkey: remoteStaticPK})
}

// dialBinding wraps Node as a transport.Delegate for one outbound dial so
// the app-supplied static key is recorded for the Conn when DidDial fires,
// before onTransportEstablished looks for a pinned key.
type dialBinding struct {
	node   *Node
	pubkey []byte
}

func (b dialBinding) DidDial(c *transport.Conn) {
	if b.pubkey != nil {
		b.node.pubkeyOf[c] = b.pubkey
	}
	b.node.onTransportEstablished(c, true)
}
func (b dialBinding) DidCreateTransport(c *transport.Conn) { b.node.DidCreateTransport(c) }
func (b dialBinding) DidRecvMessage(c *transport.Conn, buf []byte) error {
	return b.node.DidRecvMessage(c, buf)
}
func (b dialBinding) DidSendMessage(c *transport.Conn, buf []byte) { b.node.DidSendMessage(c, buf) }
func (b dialBinding) DidClose(c *transport.Conn, reason transport.CloseReason) {
	b.node.DidClose(c, reason)
}
func (b dialBinding) CutThroughRecvStart(c *transport.Conn, streamID uint16, length uint64) {
	b.node.CutThroughRecvStart(c, streamID, length)
}
func (b dialBinding) CutThroughRecvBytes(c *transport.Conn, streamID uint16, buf []byte) {
	b.node.CutThroughRecvBytes(c, streamID, buf)
}
func (b dialBinding) CutThroughRecvEnd(c *transport.Conn, streamID uint16) {
	b.node.CutThroughRecvEnd(c, streamID)
}
func (b dialBinding) CutThroughRecvFlush(c *transport.Conn, streamID uint16) {
	b.node.CutThroughRecvFlush(c, streamID)
}
func (b dialBinding) CutThroughRecvSkip(c *transport.Conn, streamID uint16) {
	b.node.CutThroughRecvSkip(c, streamID)
}

// ---- transport.ListenDelegate ----------------------------------------

// ShouldAccept combines the blanket Config.AcceptUnsolConn flag with the
// application delegate's finer-grained allow/deny check.
func (n *Node) ShouldAccept(addr transport.Address) bool {
	return n.cfg.AcceptUnsolConn && n.appDel.ShouldAccept(addr)
}

// DidCreateTransport serves two distinct call sites that happen to share
// this name and signature: transport.Manager's ListenDelegate calls it
// once, right after creating the Conn and before the handshake completes,
// purely so we can attach ourselves via c.Setup; transport.Conn's own
// Delegate calls it again once the handshake actually reaches
// ESTABLISHED. The two are told apart by c.State().
func (n *Node) DidCreateTransport(c *transport.Conn) {
	if c.State() != transport.StateEstablished {
		c.Setup(n)
		return
	}
	n.onTransportEstablished(c, false)
}

// ---- transport.Delegate -----------------------------------------------

func (n *Node) DidDial(c *transport.Conn) {
	n.onTransportEstablished(c, true)
}

func (n *Node) DidSendMessage(c *transport.Conn, buf []byte) {
	// no bookkeeping needed: retransmission/ack state lives entirely in
	// internal/transport.
}

func (n *Node) DidClose(c *transport.Conn, reason transport.CloseReason) {
	addr := c.RemoteAddr()
	removedFromSolOrStandby := n.solConns.Remove(c) || n.solStandby.Remove(c)
	n.unsolConns.Remove(c)
	if removedFromSolOrStandby {
		n.blacklist[addr] = struct{}{}
	}
	n.teardownCutThroughFor(c)
	delete(n.pubkeyOf, c)
	delete(n.lastSeen, c)
	n.promoteStandby()
	n.reportPeerGauges()
	n.appDel.ManageSubscriptions(n.cfg.MaxSolConns, n.solConns.Slice(), n.solStandby.Slice())
}

// promoteStandby admits standby peers into sol_conns while room remains,
// the concrete behavior behind "manage_subscriptions promotes P3 into
// sol_conns and SUBSCRIBE is emitted" — the promotion itself is the
// node's own policy; the application delegate callback that follows is
// a notification, not a request.
func (n *Node) promoteStandby() {
	for n.solConns.Len() < n.cfg.MaxSolConns {
		standby := n.solStandby.Slice()
		if len(standby) == 0 {
			return
		}
		c := standby[0]
		n.solStandby.Remove(c)
		n.admitSolicited(c)
	}
}

// reportPeerGauges pushes the current peer-set sizes to metrics; called
// after every admission and disconnect decision.
func (n *Node) reportPeerGauges() {
	n.metrics.SetSolConns(n.solConns.Len())
	n.metrics.SetStandbyConns(n.solStandby.Len())
	n.metrics.SetUnsolConns(n.unsolConns.Len())
}

func (n *Node) DidRecvMessage(c *transport.Conn, buf []byte) error {
	if len(buf) == 0 {
		return relayerr.ErrMalformedHeader
	}
	body := buf[1:]
	typ := MsgType(buf[0])
	n.metrics.IncRecvByType(typ.String())
	switch typ {
	case MsgSubscribe:
		return n.onRecvSubscribe(c, body)
	case MsgUnsubscribe:
		return n.onRecvUnsubscribe(c, body)
	case MsgResponse:
		return nil
	case MsgMessage:
		return n.onRecvMessageFrame(c, body)
	case MsgHeartbeat:
		n.touch(c)
		return nil
	default:
		return relayerr.ErrMalformedHeader
	}
}

// ---- admission ---------------------------------------------------------

// onTransportEstablished runs peer-set admission for a connection we
// dialed (weInitiated). For a peer-initiated connection,
// admission instead waits for the first inbound SUBSCRIBE — see
// onRecvSubscribe — matching "did_create_transport + SUBSCRIBE (peer
// initiated)".
//
// Either way, the peer's static identity key (learned from the
// handshake's DIAL/DIAL_CONF payload, see transport.Conn.RemoteStaticPK)
// is recorded now, in both directions, so witness-list loop suppression
// has a key for inbound peers too, not only for dials an app-supplied
// pin was handed to.
func (n *Node) onTransportEstablished(c *transport.Conn, weInitiated bool) {
	n.touch(c)
	if _, pinned := n.pubkeyOf[c]; !pinned {
		if pk := c.RemoteStaticPK(); pk != nil {
			n.pubkeyOf[c] = pk
		}
	}
	if !weInitiated {
		return
	}
	n.runAdmission(c, true)
}

// runAdmission is the peer-set admission algorithm: blacklist bypass for
// a re-dial, then solicited/standby/unsolicited placement by current
// pool occupancy.
func (n *Node) runAdmission(c *transport.Conn, weInitiated bool) {
	addr := c.RemoteAddr()
	if _, blacklisted := n.blacklist[addr]; blacklisted {
		delete(n.blacklist, addr)
		n.admitSolicited(c)
		return
	}
	if weInitiated {
		if n.solConns.Len() < n.cfg.MaxSolConns {
			n.admitSolicited(c)
			return
		}
		n.solStandby.Add(c)
		n.reportPeerGauges()
		return
	}
	if n.unsolConns.Len() < n.cfg.MaxUnsolConns {
		n.admitUnsolicited(c)
		return
	}
	c.Close()
}

func (n *Node) admitSolicited(c *transport.Conn) {
	n.solConns.Add(c)
	for _, ch := range n.appDel.Channels() {
		_ = c.Send(EncodeSubscribe(ch))
		n.appDel.DidSubscribe(n, ch)
	}
	n.replySubscribed(c)
	n.reportPeerGauges()
}

func (n *Node) admitUnsolicited(c *transport.Conn) {
	n.unsolConns.Add(c)
	n.replySubscribed(c)
	n.reportPeerGauges()
}

func (n *Node) replySubscribed(c *transport.Conn) {
	resp, err := EncodeResponse(ResponseStatus{Code: 1, Text: "SUBSCRIBED"})
	if err != nil {
		rlog.Debugf("pubsub: encoding RESPONSE: %v", err)
		return
	}
	_ = c.Send(resp)
}

func (n *Node) onRecvSubscribe(c *transport.Conn, body []byte) error {
	n.touch(c)
	if _, err := DecodeChannelMsg(body); err != nil {
		return err
	}
	if n.solConns.Contains(c) || n.solStandby.Contains(c) || n.unsolConns.Contains(c) {
		return nil
	}
	n.runAdmission(c, false)
	return nil
}

func (n *Node) onRecvUnsubscribe(c *transport.Conn, body []byte) error {
	n.touch(c)
	channel, err := DecodeChannelMsg(body)
	if err != nil {
		return err
	}
	// Open question preserved verbatim from the source: removal from
	// unsol_conns is unconditional, ignoring which channel was named.
	n.unsolConns.Remove(c)
	n.appDel.DidUnsubscribe(n, channel)
	return nil
}

func (n *Node) touch(c *transport.Conn) {
	n.lastSeen[c] = time.Now()
}

// ---- periodic timers ---------------------------------------------------

func (n *Node) onPeerSelectionTick() {
	n.promoteStandby()
	n.appDel.ManageSubscriptions(n.cfg.MaxSolConns, n.solConns.Slice(), n.solStandby.Slice())
}

func (n *Node) onBlacklistTick() {
	n.blacklist = make(map[transport.Address]struct{})
}

// onDedupTick advances the dedup ring, then emits HEARTBEAT to every sol
// and sol-standby peer.
//
// It also closes any sol/standby/unsol peer that has not produced a
// MESSAGE or HEARTBEAT within 3x the dedup tick. This idle-eviction
// policy is layered on top of the basic per-tick dedup housekeeping: a
// HEARTBEAT refreshes lastSeen on its own, so a live but quiet peer is
// never penalized, but an unusually long DedupTick relative to peer
// chattiness could still evict a standby that is in fact still alive.
func (n *Node) onDedupTick() {
	n.dedup.Advance()

	now := time.Now()
	threshold := 3 * n.cfg.DedupTick
	checkStale := func(c *transport.Conn) {
		if last, ok := n.lastSeen[c]; ok && now.Sub(last) > threshold {
			c.Close()
		}
	}
	for _, c := range n.solConns.Slice() {
		checkStale(c)
	}
	for _, c := range n.solStandby.Slice() {
		checkStale(c)
	}
	for _, c := range n.unsolConns.Slice() {
		checkStale(c)
	}

	hb := EncodeHeartbeat()
	for _, c := range n.solConns.Slice() {
		_ = c.Send(hb)
	}
	for _, c := range n.solStandby.Slice() {
		_ = c.Send(hb)
	}
}

// ---- buffered send path -------------------------------------------------

// SendMessageOnChannel originates a new message on channel: generates a
// random 64-bit msg_id, attests it, seeds its witness list with only this
// node's own key, and fans it out to every sol/unsol peer.
func (n *Node) SendMessageOnChannel(channel uint16, payload []byte) error {
	msgID, err := randomMsgID()
	if err != nil {
		return err
	}
	attestation := make([]byte, n.attester.AttestationSize(msgID, channel, payload))
	if _, err := n.attester.Attest(msgID, channel, payload, attestation, 0); err != nil {
		return err
	}
	witness := make([]byte, n.witnesser.WitnessSize(nil))
	if _, err := n.witnesser.Witness(nil, witness, 0); err != nil {
		return err
	}
	n.metrics.IncPublished()
	n.fanOut(channel, msgID, payload, attestation, witness, nil)
	return nil
}

func randomMsgID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (n *Node) onRecvMessageFrame(c *transport.Conn, body []byte) error {
	n.touch(c)
	if len(body) < 8 {
		return relayerr.ErrMalformedHeader
	}
	msgID := binary.BigEndian.Uint64(body[0:8])
	if n.dedup.Seen(msgID) {
		n.metrics.IncDedupHit()
		n.metrics.IncDropByReason("duplicate")
		return nil // duplicate message: silent drop, not an error
	}

	msg, err := DecodeMessage(body, n.attester, n.witnesser)
	if err != nil {
		n.metrics.IncDropByReason("malformed")
		c.Close()
		return err
	}
	if !n.attester.Verify(msg.MsgID, msg.Channel, msg.Payload, msg.Attestation) {
		n.metrics.IncVerifyFailure()
		n.metrics.IncDropByReason("verify_failed")
		c.Close()
		return relayerr.ErrVerifyFailed
	}
	n.dedup.Insert(msg.MsgID)

	if n.cfg.EnableRelay {
		prevKeys := n.witnesser.Keys(msg.Witness)
		newWitness := make([]byte, n.witnesser.WitnessSize(prevKeys))
		if _, err := n.witnesser.Witness(prevKeys, newWitness, 0); err != nil {
			rlog.Debugf("pubsub: re-witnessing relayed message: %v", err)
			newWitness = msg.Witness
		}
		n.metrics.IncRelayed()
		n.metrics.RecordEvent(metrics.RelayEvent{MsgID: msg.MsgID, Channel: msg.Channel, Reason: "relayed"})
		n.fanOut(msg.Channel, msg.MsgID, msg.Payload, msg.Attestation, newWitness, c)
	}

	n.metrics.IncDelivered()
	n.appDel.DidRecvMessage(n, msg.Payload, msg.Attestation, msg.Channel, msg.MsgID)
	return nil
}

// fanOut implements send_message_on_channel: iterate sol_conns then
// unsol_conns, skip excluded, and send_with_cut_through_check each.
//
// Below the cut-through threshold the full framed MESSAGE (attestation
// included) is sent as one buffered stream write. Above it, cut-through
// mode is used instead, and the wire-level header it carries is the
// attestation-free cut-through header (see wire.go): a message this
// large is never fully buffered on the relay path, so there is no point
// at which a relaying node could buffer enough of it to verify an
// attestation blob anyway.
func (n *Node) fanOut(channel uint16, msgID uint64, payload, attestation, witness []byte, excluded *transport.Conn) {
	bufferedFrame := EncodeMessage(msgID, channel, attestation, witness, payload)
	cutHeader := EncodeCutHeader(msgID, channel, n.witnesser.Keys(witness))
	useCutThrough := len(payload) > cutThroughThreshold && n.cfg.EnableCutThrough

	for _, p := range n.solConns.Slice() {
		if p == excluded {
			continue
		}
		n.sendWithCutThroughCheck(p, bufferedFrame, cutHeader, payload, useCutThrough)
	}
	for _, p := range n.unsolConns.Slice() {
		if p == excluded {
			continue
		}
		n.sendWithCutThroughCheck(p, bufferedFrame, cutHeader, payload, useCutThrough)
	}
}

func (n *Node) sendWithCutThroughCheck(p *transport.Conn, bufferedFrame, cutHeader, payload []byte, useCutThrough bool) {
	if useCutThrough {
		id, err := p.CutThroughSendStart(uint64(len(cutHeader) + len(payload)))
		if err != nil {
			p.Close()
			return
		}
		if err := p.CutThroughSendBytes(id, cutHeader); err != nil {
			p.Close()
			return
		}
		if err := p.CutThroughSendBytes(id, payload); err != nil {
			p.Close()
			return
		}
		if err := p.CutThroughSendEnd(id); err != nil {
			p.Close()
		}
		return
	}
	if err := p.Send(bufferedFrame); err != nil {
		p.Close()
	}
}

// ---- cut-through relay fan-out ------------------------------------------
//
// This is the true no-buffering path: a peer that is itself streaming a
// large message via cut-through arrives here, never through
// DidRecvMessage. Parsing the header and forwarding the body that follows
// it are modeled as two distinct entry points, handleCutThroughHeader and
// forwardCutThroughBody below, rather than one function re-entering
// itself with a rewritten header.

func (n *Node) CutThroughRecvStart(c *transport.Conn, streamID uint16, length uint64) {
	n.sessions[ctKey{c, streamID}] = &cutThroughSession{
		source:         c,
		sourceStreamID: streamID,
		totalLen:       length,
	}
}

func (n *Node) CutThroughRecvBytes(c *transport.Conn, streamID uint16, buf []byte) {
	key := ctKey{c, streamID}
	sess := n.sessions[key]
	if sess == nil {
		return
	}
	if !sess.headerParsed {
		sess.headerBuf = append(sess.headerBuf, buf...)
		hdr, consumed, err := DecodeCutHeader(sess.headerBuf)
		if err != nil {
			return // header not fully arrived yet
		}
		sess.headerParsed = true
		rest := append([]byte(nil), sess.headerBuf[consumed:]...)
		sess.headerBuf = nil
		n.handleCutThroughHeader(sess, hdr)
		if _, stillTracked := n.sessions[key]; stillTracked && len(rest) > 0 {
			n.forwardCutThroughBody(sess, rest)
		}
		return
	}
	n.forwardCutThroughBody(sess, buf)
}

// handleCutThroughHeader processes a cut-through header as soon as it
// fully arrives: dedup check, fan-out candidate selection with witness-list
// loop suppression, and witness-list rewriting.
func (n *Node) handleCutThroughHeader(sess *cutThroughSession, hdr CutHeader) {
	if n.dedup.Seen(hdr.MsgID) {
		n.metrics.IncDedupHit()
		n.metrics.IncDropByReason("duplicate")
		sess.source.CutThroughSkipStream(sess.sourceStreamID)
		delete(n.sessions, ctKey{sess.source, sess.sourceStreamID})
		return
	}
	n.dedup.Insert(hdr.MsgID)
	sess.msgID = hdr.MsgID
	sess.channel = hdr.Channel

	newWitness := make([]byte, 0, len(hdr.WitnessKeys)+witnessKeyLen)
	newWitness = append(newWitness, n.selfPub...)
	newWitness = append(newWitness, hdr.WitnessKeys...)
	rewritten := EncodeCutHeader(hdr.MsgID, hdr.Channel, newWitness)

	for _, p := range n.fanOutCandidates(sess.source) {
		if cutHeaderContains(hdr.WitnessKeys, n.pubkeyOf[p]) {
			continue
		}
		subID, err := p.CutThroughSendStart(sess.totalLen + witnessKeyLen)
		if err != nil {
			continue
		}
		if err := p.CutThroughSendBytes(subID, rewritten); err != nil {
			p.Close()
			continue
		}
		sess.legs = append(sess.legs, ctLeg{peer: p, streamID: subID})
		n.metrics.IncCutThroughSession()
	}
	n.metrics.RecordEvent(metrics.RelayEvent{MsgID: hdr.MsgID, Channel: hdr.Channel, Reason: "cut_through_relayed"})
}

func (n *Node) forwardCutThroughBody(sess *cutThroughSession, buf []byte) {
	for i := len(sess.legs) - 1; i >= 0; i-- {
		leg := sess.legs[i]
		if err := leg.peer.CutThroughSendBytes(leg.streamID, buf); err != nil {
			leg.peer.Close()
			sess.legs = append(sess.legs[:i], sess.legs[i+1:]...)
			continue
		}
		n.metrics.AddCutThroughBytes(len(buf))
	}
}

func (n *Node) CutThroughRecvEnd(c *transport.Conn, streamID uint16) {
	key := ctKey{c, streamID}
	sess := n.sessions[key]
	if sess == nil {
		return
	}
	for _, leg := range sess.legs {
		if err := leg.peer.CutThroughSendEnd(leg.streamID); err != nil {
			leg.peer.Close()
		}
	}
	delete(n.sessions, key)
}

// CutThroughRecvFlush has no distinct action in this transport: there is
// no separate send-side flush primitive on internal/transport.Conn —
// CutThroughSendBytes already hands bytes straight to the retransmit
// queue, so there is nothing buffered at this layer to flush.
func (n *Node) CutThroughRecvFlush(c *transport.Conn, streamID uint16) {}

func (n *Node) CutThroughRecvSkip(c *transport.Conn, streamID uint16) {
	delete(n.sessions, ctKey{c, streamID})
}

func (n *Node) teardownCutThroughFor(c *transport.Conn) {
	for k := range n.sessions {
		if k.conn == c {
			delete(n.sessions, k)
		}
	}
	for _, sess := range n.sessions {
		for i := len(sess.legs) - 1; i >= 0; i-- {
			if sess.legs[i].peer == c {
				sess.legs = append(sess.legs[:i], sess.legs[i+1:]...)
			}
		}
	}
}

func (n *Node) fanOutCandidates(exclude *transport.Conn) []*transport.Conn {
	out := make([]*transport.Conn, 0, n.solConns.Len()+n.unsolConns.Len())
	for _, p := range n.solConns.Slice() {
		if p != exclude {
			out = append(out, p)
		}
	}
	for _, p := range n.unsolConns.Slice() {
		if p != exclude {
			out = append(out, p)
		}
	}
	return out
}
