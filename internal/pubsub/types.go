package pubsub

import "relaymesh/internal/transport"

// ApplicationDelegate is the capability set the pub/sub node consumes from
// above it: which channels this node wants, notifications about
// subscribe/unsubscribe and inbound messages, and admission policy.
type ApplicationDelegate interface {
	// Channels returns the ordered sequence of channel ids this node
	// subscribes to on every newly admitted solicited peer.
	Channels() []uint16
	DidSubscribe(n *Node, channel uint16)
	DidUnsubscribe(n *Node, channel uint16)
	DidRecvMessage(n *Node, payload []byte, header []byte, channel uint16, msgID uint64)
	// ShouldAccept is consulted in addition to Config.AcceptUnsolConn, for
	// application-level allow/deny lists finer-grained than the blanket
	// flag.
	ShouldAccept(addr transport.Address) bool
	// ManageSubscriptions notifies the application of the current peer-set
	// shape after the node has promoted any standby peers it had room for;
	// it runs on the peer-selection tick and after every disconnect.
	ManageSubscriptions(maxSol int, sol []*transport.Conn, standby []*transport.Conn)
}

// peerSet is an insertion-ordered, duplicate-free set of transport
// references. sol_conns, sol_standby_conns, and unsol_conns are each one
// of these, and are kept pairwise disjoint by the admission logic that
// adds to them.
type peerSet struct {
	order []*transport.Conn
	index map[*transport.Conn]int
}

func newPeerSet() *peerSet {
	return &peerSet{index: make(map[*transport.Conn]int)}
}

func (s *peerSet) Contains(c *transport.Conn) bool {
	_, ok := s.index[c]
	return ok
}

// Add inserts c if not already present. Returns true if c was newly
// inserted, false if it was already present; callers don't treat the
// latter as failure, they just skip the side effects that go with a
// fresh admission.
func (s *peerSet) Add(c *transport.Conn) bool {
	if s.Contains(c) {
		return false
	}
	s.index[c] = len(s.order)
	s.order = append(s.order, c)
	return true
}

// Remove deletes c if present. Returns true if c was present and removed.
func (s *peerSet) Remove(c *transport.Conn) bool {
	i, ok := s.index[c]
	if !ok {
		return false
	}
	last := len(s.order) - 1
	s.order[i] = s.order[last]
	s.index[s.order[i]] = i
	s.order = s.order[:last]
	delete(s.index, c)
	return true
}

func (s *peerSet) Len() int {
	return len(s.order)
}

// Slice returns a defensive copy of the set's current members, in
// insertion order (insertion order is not preserved across Remove calls
// from the middle, matching the swap-remove above — acceptable since the
// spec's ordering guarantee is only "an ordered set", not FIFO eviction
// order).
func (s *peerSet) Slice() []*transport.Conn {
	out := make([]*transport.Conn, len(s.order))
	copy(out, s.order)
	return out
}

// ctKey identifies one cut-through session by its inbound (source
// connection, stream id) pair.
type ctKey struct {
	conn     *transport.Conn
	streamID uint16
}

// ctLeg is one downstream fan-out target for a cut-through session.
type ctLeg struct {
	peer     *transport.Conn
	streamID uint16
}

// cutThroughSession tracks one inbound cut-through stream being relayed:
// its header-parse state and the list of downstream legs it fans out to.
type cutThroughSession struct {
	source         *transport.Conn
	sourceStreamID uint16
	totalLen       uint64
	headerParsed   bool
	headerBuf      []byte
	msgID          uint64
	channel        uint16
	legs           []ctLeg
}
