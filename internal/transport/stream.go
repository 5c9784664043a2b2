package transport

import "sort"

// sendStream tracks one outbound logical stream's write cursor.
type sendStream struct {
	id         uint16
	nextOffset uint64
	finalized  bool // true once the FIN-carrying fragment has been queued
	cutThrough bool
	totalLen   uint64 // cut-through only: declared total length
	sentLen    uint64 // cut-through only: bytes handed to the transport so far
}

// fragment is one out-of-order buffered span on the receive side, used by
// both the buffered-stream reassembler and (secondarily) to detect
// duplicate retransmits by offset.
type fragment struct {
	offset uint64
	data   []byte
}

// recvStream tracks one inbound logical stream's reassembly state. In both
// modes out-of-order fragments wait in pending until the gap closes, and
// contiguous bytes are handed on as soon as they are in order: to the
// framing fiber in ordinary (buffered) mode, or straight to the delegate in
// cut-through mode.
type recvStream struct {
	id             uint16
	expectedOffset uint64
	finalized      bool // FIN has been seen
	finalLength    uint64
	pending        []fragment // buffered, out-of-order fragments, sorted by offset
	cutThrough     bool
	cutThroughOpen bool   // CutThroughRecvStart has fired for this stream
	cutThroughSkip bool   // CutThroughRecvSkip requested: drain without delivering
	headerBuf      []byte // cut-through: accumulates the 8-byte total-length header before the start callback fires
}

// addFragment inserts a fragment at offset, deduplicating exact-offset
// retransmits (the sender preserves offset across retransmission, so a
// duplicate arrival has the same offset as one already delivered or
// pending).
func (r *recvStream) addFragment(offset uint64, data []byte) {
	if offset < r.expectedOffset {
		// Fully covered by what we've already delivered; drop.
		if offset+uint64(len(data)) <= r.expectedOffset {
			return
		}
		// Partial overlap: trim the already-delivered prefix.
		skip := r.expectedOffset - offset
		data = data[skip:]
		offset = r.expectedOffset
	}
	for _, f := range r.pending {
		if f.offset == offset {
			return // duplicate retransmit of an already-buffered fragment
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.pending = append(r.pending, fragment{offset: offset, data: cp})
	sort.Slice(r.pending, func(i, j int) bool { return r.pending[i].offset < r.pending[j].offset })
}

// drainContiguous removes and returns, in order, every pending fragment
// that is now contiguous with expectedOffset, advancing expectedOffset as
// it goes.
func (r *recvStream) drainContiguous() []fragment {
	var out []fragment
	for len(r.pending) > 0 && r.pending[0].offset == r.expectedOffset {
		f := r.pending[0]
		r.pending = r.pending[1:]
		out = append(out, f)
		r.expectedOffset += uint64(len(f.data))
	}
	return out
}

// complete reports whether the stream has delivered every byte up to its
// declared final length.
func (r *recvStream) complete() bool {
	return r.finalized && r.expectedOffset >= r.finalLength
}
