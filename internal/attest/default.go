package attest

import (
	"encoding/binary"
	"fmt"

	"relaymesh/internal/crypto"
)

// attestationBlobSize is fixed: a 24-byte XChaCha20-Poly1305 nonce
// followed by its 16-byte authentication tag. The blob authenticates
// (msgID, channel, payload) as associated data over an empty plaintext,
// so it is a MAC rather than a cipher over the payload itself — the
// payload travels in the clear elsewhere in the MESSAGE frame.
const attestationBlobSize = crypto.XNonceSize + 16

// DefaultAttester is the non-empty Attester relaymesh ships: XChaCha20-
// Poly1305 keyed by a pre-shared key.
type DefaultAttester struct {
	Key []byte // 32 bytes
}

func NewDefaultAttester(key []byte) (*DefaultAttester, error) {
	if len(key) != crypto.XKeySize {
		return nil, fmt.Errorf("attest: key must be %d bytes", crypto.XKeySize)
	}
	return &DefaultAttester{Key: key}, nil
}

func attestationAAD(msgID uint64, channel uint16, payload []byte) []byte {
	aad := make([]byte, 0, 10+len(payload))
	var buf [10]byte
	binary.BigEndian.PutUint64(buf[0:8], msgID)
	binary.BigEndian.PutUint16(buf[8:10], channel)
	aad = append(aad, buf[:]...)
	aad = append(aad, payload...)
	return aad
}

func (a *DefaultAttester) AttestationSize(msgID uint64, channel uint16, payload []byte) int {
	return attestationBlobSize
}

func (a *DefaultAttester) Attest(msgID uint64, channel uint16, payload []byte, out []byte, offset int) (int, error) {
	if offset+attestationBlobSize > len(out) {
		return 0, fmt.Errorf("attest: output buffer too small")
	}
	nonce, ct, err := crypto.XSeal(a.Key, nil, attestationAAD(msgID, channel, payload))
	if err != nil {
		return 0, err
	}
	copy(out[offset:offset+crypto.XNonceSize], nonce)
	copy(out[offset+crypto.XNonceSize:offset+attestationBlobSize], ct)
	return attestationBlobSize, nil
}

func (a *DefaultAttester) ParseAttestationSize(buf []byte, offset int) (int, error) {
	if offset+attestationBlobSize > len(buf) {
		return 0, fmt.Errorf("attest: truncated attestation blob")
	}
	return attestationBlobSize, nil
}

func (a *DefaultAttester) Verify(msgID uint64, channel uint16, payload []byte, header []byte) bool {
	if len(header) != attestationBlobSize {
		return false
	}
	nonce := header[:crypto.XNonceSize]
	tag := header[crypto.XNonceSize:]
	_, err := crypto.XOpen(a.Key, nonce, tag, attestationAAD(msgID, channel, payload))
	return err == nil
}

// keyLen is the size of one witness-list entry: a raw X25519 public key.
const keyLen = 32

// DefaultWitnesser maintains the witness blob as a 2-byte big-endian
// entry count followed by that many 32-byte public keys. The cut-through
// header in internal/pubsub carries its witness list as raw keys with no
// count prefix; Keys strips the prefix to convert from this layout.
type DefaultWitnesser struct {
	SelfPublicKey []byte // 32 bytes, derived via crypto.PublicFromPrivate
}

func NewDefaultWitnesser(selfPub []byte) (*DefaultWitnesser, error) {
	if len(selfPub) != keyLen {
		return nil, fmt.Errorf("attest: public key must be %d bytes", keyLen)
	}
	return &DefaultWitnesser{SelfPublicKey: selfPub}, nil
}

// entryCount returns how many keys prevHeader (an already-parsed blob
// body, i.e. with its 2-byte count prefix stripped) contains.
func entryCount(prevBody []byte) int {
	return len(prevBody) / keyLen
}

func (w *DefaultWitnesser) WitnessSize(prevHeader []byte) int {
	return 2 + len(prevHeader) + keyLen
}

func (w *DefaultWitnesser) Witness(prevHeader []byte, out []byte, offset int) (int, error) {
	total := w.WitnessSize(prevHeader)
	if offset+total > len(out) {
		return 0, fmt.Errorf("attest: output buffer too small")
	}
	count := entryCount(prevHeader) + 1
	binary.BigEndian.PutUint16(out[offset:offset+2], uint16(count))
	n := offset + 2
	copy(out[n:n+keyLen], w.SelfPublicKey)
	n += keyLen
	copy(out[n:n+len(prevHeader)], prevHeader)
	return total, nil
}

func (w *DefaultWitnesser) ParseWitnessSize(buf []byte, offset int) (int, error) {
	if offset+2 > len(buf) {
		return 0, fmt.Errorf("attest: truncated witness count")
	}
	count := binary.BigEndian.Uint16(buf[offset : offset+2])
	total := 2 + int(count)*keyLen
	if offset+total > len(buf) {
		return 0, fmt.Errorf("attest: truncated witness blob")
	}
	return total, nil
}

// Keys strips the 2-byte count prefix Witness writes, returning just the
// concatenated public keys — the same body entryCount and Contains expect.
func (w *DefaultWitnesser) Keys(blob []byte) []byte {
	if len(blob) < 2 {
		return nil
	}
	return blob[2:]
}

// Contains reports whether pubKey already appears in witnessBody (the
// blob with its 2-byte count prefix stripped), the loop-suppression check
// the cut-through fan-out performs per candidate peer.
func Contains(witnessBody []byte, pubKey []byte) bool {
	for off := 0; off+keyLen <= len(witnessBody); off += keyLen {
		if string(witnessBody[off:off+keyLen]) == string(pubKey) {
			return true
		}
	}
	return false
}
