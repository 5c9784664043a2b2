// Package framing implements the length-prefix framing fiber that sits
// between the stream transport and its consumer: it turns an arbitrarily
// fragmented byte stream into discrete, known-length frames.
//
// The wire format is a 4-byte big-endian length prefix followed by the
// payload, fed incrementally one transport chunk at a time rather than
// through a whole io.Reader, so a cut-through relay never has to buffer
// a full message just to frame it.
package framing

import (
	"net"

	"relaymesh/internal/relayerr"
)

// Consumer receives framed bytes as they become available within the
// current frame, and a single notification when a frame completes.
type Consumer interface {
	// DidRecv delivers a contiguous span of the current frame's payload
	// together with its offset within that frame.
	DidRecv(buf []byte, bytesRead uint64, addr net.Addr)
	// DidRecvFrame fires exactly once per completed frame, after the last
	// DidRecv call for that frame.
	DidRecvFrame(addr net.Addr)
}

// Fiber is a stateful splitter. It is configured with a prefix length of
// 1-8 bytes and is not safe for concurrent use — like every other piece of
// the core, it is driven from a single-threaded event loop.
type Fiber struct {
	consumer Consumer

	prefixLen int
	prefixBuf []byte // accumulates prefix bytes until prefixLen is reached

	haveSize  bool
	frameSize uint64
	frameRead uint64
	maxPrefix int

	// MaxFrameSize bounds the decoded frame length; a value of 0 disables
	// the check. Exceeding it is a protocol violation (relayerr.ErrFrameOverflow).
	MaxFrameSize uint64
}

// New constructs a Fiber delivering to consumer, with an initial expected
// prefix length of prefixLen bytes (1-8).
func New(consumer Consumer, prefixLen int) *Fiber {
	f := &Fiber{consumer: consumer, maxPrefix: 8}
	f.Reset(prefixLen)
	return f
}

// Reset sets the prefix length to read for the next frame. The consumer
// calls this from DidRecvFrame (or at construction) to choose the size of
// the length field for the frame that follows.
func (f *Fiber) Reset(prefixLen int) {
	if prefixLen < 1 || prefixLen > f.maxPrefix {
		panic("framing: prefix length out of range")
	}
	f.prefixLen = prefixLen
	f.prefixBuf = f.prefixBuf[:0]
	f.haveSize = false
	f.frameSize = 0
	f.frameRead = 0
}

// DidRecv feeds one transport chunk into the fiber. buf may span a prefix
// boundary, a frame boundary, or several whole frames; DidRecv and
// DidRecvFrame are invoked on the consumer as many times as needed before
// this call returns.
func (f *Fiber) DidRecv(buf []byte, addr net.Addr) error {
	for len(buf) > 0 {
		if !f.haveSize {
			need := f.prefixLen - len(f.prefixBuf)
			n := need
			if n > len(buf) {
				n = len(buf)
			}
			f.prefixBuf = append(f.prefixBuf, buf[:n]...)
			buf = buf[n:]
			if len(f.prefixBuf) < f.prefixLen {
				// prefix incomplete; nothing to forward upward yet
				return nil
			}
			f.frameSize = decodeBE(f.prefixBuf)
			f.frameRead = 0
			f.haveSize = true

			if f.MaxFrameSize > 0 && f.frameSize > f.MaxFrameSize {
				return relayerr.ErrFrameOverflow
			}

			if f.frameSize == 0 {
				// zero-length frame: did_recv_frame fires immediately,
				// with no did_recv calls at all.
				f.haveSize = false
				f.prefixBuf = f.prefixBuf[:0]
				f.consumer.DidRecvFrame(addr)
				continue
			}
			continue
		}

		remaining := f.frameSize - f.frameRead
		n := uint64(len(buf))
		if n > remaining {
			n = remaining
		}
		chunk := buf[:n]
		buf = buf[n:]

		f.consumer.DidRecv(chunk, f.frameRead, addr)
		f.frameRead += n

		if f.frameRead == f.frameSize {
			f.haveSize = false
			f.prefixBuf = f.prefixBuf[:0]
			f.consumer.DidRecvFrame(addr)
		}
	}
	return nil
}

func decodeBE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
