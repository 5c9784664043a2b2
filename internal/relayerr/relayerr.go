// Package relayerr defines sentinel errors so transient network errors,
// protocol violations, and admission-policy rejections can be
// distinguished by errors.Is, not by string matching.
package relayerr

import "errors"

var (
	// ErrPeerSetFull names an admission-policy rejection because
	// sol_conns/unsol_conns is already at capacity and no standby slot
	// applies. The admission path in internal/pubsub does not return it:
	// it closes the transport without an error.
	ErrPeerSetFull = errors.New("relaymesh: peer set full")

	// ErrBlacklisted names a peer address that is currently in the
	// blacklist. Nothing in relaymesh returns it: a blacklisted address
	// that connects again is admitted to sol_conns (see
	// pubsub.Node.runAdmission).
	ErrBlacklisted = errors.New("relaymesh: address blacklisted")

	// ErrConnClosed is returned by transport.Conn.Send when the connection
	// is not ESTABLISHED (still handshaking, or already CLOSED).
	ErrConnClosed = errors.New("relaymesh: connection closed")

	// ErrFrameOverflow is a protocol violation: a length-prefix frame size
	// exceeded the configured maximum, or a chunk overran an expected
	// frame boundary.
	ErrFrameOverflow = errors.New("relaymesh: frame size overflow")

	// ErrVerifyFailed is a protocol violation: attestation verification of
	// an inbound MESSAGE failed.
	ErrVerifyFailed = errors.New("relaymesh: attestation verify failed")

	// ErrMalformedHeader is a protocol violation: a cut-through or framed
	// message header could not be parsed.
	ErrMalformedHeader = errors.New("relaymesh: malformed header")

	// ErrUnknownStream is returned when a cut-through send call references
	// a stream id that is not an open cut-through stream on the connection.
	ErrUnknownStream = errors.New("relaymesh: unknown stream")

	// ErrTooManyStreams is returned when a connection's 65535 concurrent
	// stream budget is exhausted.
	ErrTooManyStreams = errors.New("relaymesh: too many concurrent streams")
)
