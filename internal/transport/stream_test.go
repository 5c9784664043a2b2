package transport

import "testing"

func TestRecvStreamDrainsInOrderFragments(t *testing.T) {
	s := &recvStream{}
	s.addFragment(0, []byte("hello"))
	s.addFragment(5, []byte("world"))
	drained := s.drainContiguous()
	if len(drained) != 2 {
		t.Fatalf("drained %d fragments, want 2", len(drained))
	}
	if s.expectedOffset != 10 {
		t.Fatalf("expectedOffset = %d, want 10", s.expectedOffset)
	}
}

func TestRecvStreamBuffersOutOfOrderFragment(t *testing.T) {
	s := &recvStream{}
	s.addFragment(5, []byte("world")) // arrives before its predecessor
	if drained := s.drainContiguous(); len(drained) != 0 {
		t.Fatalf("drained %d fragments before the gap closed, want 0", len(drained))
	}
	s.addFragment(0, []byte("hello"))
	drained := s.drainContiguous()
	if len(drained) != 2 {
		t.Fatalf("drained %d fragments, want 2", len(drained))
	}
	if string(drained[0].data)+string(drained[1].data) != "helloworld" {
		t.Fatalf("got %q, want helloworld", string(drained[0].data)+string(drained[1].data))
	}
}

func TestRecvStreamDedupesExactRetransmit(t *testing.T) {
	s := &recvStream{}
	s.addFragment(0, []byte("abc"))
	s.addFragment(0, []byte("abc")) // retransmit, same offset
	if len(s.pending) != 1 {
		t.Fatalf("pending has %d fragments, want 1 after a duplicate retransmit", len(s.pending))
	}
}

func TestRecvStreamDropsFullyCoveredRetransmit(t *testing.T) {
	s := &recvStream{}
	s.addFragment(0, []byte("hello"))
	s.drainContiguous() // expectedOffset now 5
	s.addFragment(0, []byte("hello"))
	if len(s.pending) != 0 {
		t.Fatalf("pending has %d fragments, want 0 for a fully-delivered retransmit", len(s.pending))
	}
}

func TestRecvStreamTrimsPartialOverlap(t *testing.T) {
	s := &recvStream{}
	s.addFragment(0, []byte("hello"))
	s.drainContiguous() // expectedOffset now 5
	// A retransmit that covers bytes [2,9) should be trimmed down to [5,9).
	s.addFragment(2, []byte("llowor"))
	drained := s.drainContiguous()
	if len(drained) != 1 || string(drained[0].data) != "wor" {
		t.Fatalf("drained = %+v, want a single trimmed fragment \"wor\"", drained)
	}
}

func TestRecvStreamComplete(t *testing.T) {
	s := &recvStream{finalized: true, finalLength: 5, expectedOffset: 5}
	if !s.complete() {
		t.Fatalf("expected complete() true once expectedOffset reaches finalLength")
	}
	s.expectedOffset = 3
	if s.complete() {
		t.Fatalf("expected complete() false before finalLength is reached")
	}
}
