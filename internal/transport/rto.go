package transport

import (
	"sort"
	"time"

	"relaymesh/internal/wire"
)

// rttEstimator is a standard smoothed-RTT / RTT-variance estimator
// (Jacobson/Karels), the same shape TCP uses for its RTO. There is no
// congestion control: Config.CongestionWindow is not read, and sends are
// not limited by the number of in-flight packets.
type rttEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	have   bool
}

func (e *rttEstimator) sample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	if !e.have {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.have = true
		return
	}
	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar += (diff - e.rttvar) / 4
	e.srtt += (rtt - e.srtt) / 8
}

func (e *rttEstimator) rto(minRTO, maxRTO time.Duration) time.Duration {
	if !e.have {
		return minRTO
	}
	rto := e.srtt + 4*e.rttvar
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	return rto
}

// sentPacket is one retransmit-queue entry. The original (streamID, offset)
// is preserved across retransmission under a new packet number so the
// receiver can still dedupe by offset.
type sentPacket struct {
	packetNumber uint64
	streamID     uint16
	offset       uint64
	payload      []byte
	isFin        bool
	sendTime     time.Time
	retries      int
}

// retransmitQueue indexes outstanding (unacked) packets by packet number.
type retransmitQueue struct {
	byNumber map[uint64]*sentPacket
}

func newRetransmitQueue() *retransmitQueue {
	return &retransmitQueue{byNumber: make(map[uint64]*sentPacket)}
}

func (q *retransmitQueue) add(p *sentPacket) {
	q.byNumber[p.packetNumber] = p
}

func (q *retransmitQueue) ack(packetNumber uint64) *sentPacket {
	p, ok := q.byNumber[packetNumber]
	if !ok {
		return nil
	}
	delete(q.byNumber, packetNumber)
	return p
}

func (q *retransmitQueue) ackRange(start, end uint64) []*sentPacket {
	var acked []*sentPacket
	for pn := start; pn <= end; pn++ {
		if p := q.ack(pn); p != nil {
			acked = append(acked, p)
		}
	}
	return acked
}

func (q *retransmitQueue) len() int {
	return len(q.byNumber)
}

// oldest returns the packet with the smallest send time, used to decide
// whether the RTO-retry budget has been exceeded.
func (q *retransmitQueue) oldest() *sentPacket {
	var oldest *sentPacket
	for _, p := range q.byNumber {
		if oldest == nil || p.sendTime.Before(oldest.sendTime) {
			oldest = p
		}
	}
	return oldest
}

func (q *retransmitQueue) all() []*sentPacket {
	out := make([]*sentPacket, 0, len(q.byNumber))
	for _, p := range q.byNumber {
		out = append(out, p)
	}
	return out
}

// packetAcker tracks which DATA packet numbers a connection has received,
// independent of the per-stream byte reassembly in stream.go, so that
// outgoing ACKs cover packet-number ranges the way retransQ's keys and the
// peer's onAck expect rather than stream byte offsets.
type packetAcker struct {
	contiguous uint64 // every packet number < contiguous has been received
	outOfOrder map[uint64]struct{}
}

func newPacketAcker() *packetAcker {
	return &packetAcker{outOfOrder: make(map[uint64]struct{})}
}

func (a *packetAcker) recv(pn uint64) {
	if pn < a.contiguous {
		return
	}
	if pn > a.contiguous {
		a.outOfOrder[pn] = struct{}{}
		return
	}
	a.contiguous++
	for {
		if _, ok := a.outOfOrder[a.contiguous]; !ok {
			break
		}
		delete(a.outOfOrder, a.contiguous)
		a.contiguous++
	}
}

// ranges returns the current receive state as coalesced, ascending
// (start, end) inclusive packet-number ranges.
func (a *packetAcker) ranges() []wire.AckRange {
	var out []wire.AckRange
	if a.contiguous > 0 {
		out = append(out, wire.AckRange{Start: 0, End: a.contiguous - 1})
	}
	if len(a.outOfOrder) == 0 {
		return out
	}
	pns := make([]uint64, 0, len(a.outOfOrder))
	for pn := range a.outOfOrder {
		pns = append(pns, pn)
	}
	sort.Slice(pns, func(i, j int) bool { return pns[i] < pns[j] })
	start, prev := pns[0], pns[0]
	for _, pn := range pns[1:] {
		if pn == prev+1 {
			prev = pn
			continue
		}
		out = append(out, wire.AckRange{Start: start, End: prev})
		start, prev = pn, pn
	}
	out = append(out, wire.AckRange{Start: start, End: prev})
	return out
}
