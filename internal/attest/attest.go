// Package attest defines the pluggable attestation/witness contracts a
// pub/sub node verifies every inbound MESSAGE against. Both contracts are
// interface-only from the node's point of view: relaymesh ships a Null
// pair (size 0, always verifies) and a default XChaCha20-Poly1305/SHA3
// pair, but any third-party validator satisfying these two interfaces
// plugs in without the node knowing the difference.
package attest

// Attester binds (msgID, channel, payload) to a publisher identity. The
// attestation blob it produces is one of the two self-delimiting headers
// carried by a wire MESSAGE, ahead of the witness blob and the payload.
type Attester interface {
	// AttestationSize returns the number of bytes Attest will write for
	// this (msgID, channel, payload) triple, so the caller can size its
	// output buffer before calling Attest.
	AttestationSize(msgID uint64, channel uint16, payload []byte) int

	// Attest writes the attestation blob for (msgID, channel, payload)
	// into out starting at offset, and returns the number of bytes
	// written.
	Attest(msgID uint64, channel uint16, payload []byte, out []byte, offset int) (int, error)

	// ParseAttestationSize inspects the self-delimiting blob starting at
	// buf[offset:] and returns its total length in bytes, without fully
	// decoding it. Used by a receiver to find where the witness blob
	// begins.
	ParseAttestationSize(buf []byte, offset int) (int, error)

	// Verify checks header (the bytes ParseAttestationSize delimited)
	// against (msgID, channel, payload).
	Verify(msgID uint64, channel uint16, payload []byte, header []byte) bool
}

// Witnesser adds this node's identity to a message's witness list, the
// loop-suppression mechanism described for cut-through fan-out and
// mirrored here for the buffered MESSAGE path.
type Witnesser interface {
	// WitnessSize returns the number of bytes Witness will write given
	// prevHeader (the witness blob's raw key list so far, or nil for a
	// fresh message).
	WitnessSize(prevHeader []byte) int

	// Witness writes the updated witness blob (prevHeader plus this
	// node's own key) into out starting at offset.
	Witness(prevHeader []byte, out []byte, offset int) (int, error)

	// ParseWitnessSize inspects the self-delimiting blob starting at
	// buf[offset:] and returns its total length in bytes.
	ParseWitnessSize(buf []byte, offset int) (int, error)

	// Keys strips this implementation's self-delimiting framing from blob
	// (a witness blob as produced by Witness, or delimited by
	// ParseWitnessSize) and returns the raw, concatenated witness-list key
	// bytes it carries — the form Witness's prevHeader parameter expects,
	// and the form a cut-through header's witness field carries directly.
	Keys(blob []byte) []byte
}

// NullAttester implements Attester with zero-length blobs that always
// verify, matching "empty implementations return size 0 and verify true."
type NullAttester struct{}

func (NullAttester) AttestationSize(msgID uint64, channel uint16, payload []byte) int { return 0 }

func (NullAttester) Attest(msgID uint64, channel uint16, payload []byte, out []byte, offset int) (int, error) {
	return 0, nil
}

func (NullAttester) ParseAttestationSize(buf []byte, offset int) (int, error) { return 0, nil }

func (NullAttester) Verify(msgID uint64, channel uint16, payload []byte, header []byte) bool {
	return true
}

// NullWitnesser implements Witnesser with zero-length blobs.
type NullWitnesser struct{}

func (NullWitnesser) WitnessSize(prevHeader []byte) int { return 0 }

func (NullWitnesser) Witness(prevHeader []byte, out []byte, offset int) (int, error) {
	return 0, nil
}

func (NullWitnesser) ParseWitnessSize(buf []byte, offset int) (int, error) { return 0, nil }

func (NullWitnesser) Keys(blob []byte) []byte { return blob }
