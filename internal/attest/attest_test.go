package attest

import (
	"bytes"
	"testing"

	"relaymesh/internal/crypto"
)

func TestNullAttesterAlwaysVerifies(t *testing.T) {
	var a NullAttester
	if size := a.AttestationSize(1, 2, []byte("x")); size != 0 {
		t.Fatalf("AttestationSize = %d, want 0", size)
	}
	if !a.Verify(1, 2, []byte("x"), nil) {
		t.Fatalf("NullAttester.Verify should always return true")
	}
}

func TestNullWitnesserProducesNoBytes(t *testing.T) {
	var w NullWitnesser
	if size := w.WitnessSize(nil); size != 0 {
		t.Fatalf("WitnessSize = %d, want 0", size)
	}
}

func TestDefaultAttesterAttestThenVerify(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, crypto.XKeySize)
	a, err := NewDefaultAttester(key)
	if err != nil {
		t.Fatalf("NewDefaultAttester: %v", err)
	}
	payload := []byte("block header bytes")
	size := a.AttestationSize(0xAA, 7, payload)
	out := make([]byte, size)
	n, err := a.Attest(0xAA, 7, payload, out, 0)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if n != size {
		t.Fatalf("Attest wrote %d bytes, AttestationSize said %d", n, size)
	}

	parsedSize, err := a.ParseAttestationSize(out, 0)
	if err != nil {
		t.Fatalf("ParseAttestationSize: %v", err)
	}
	if parsedSize != size {
		t.Fatalf("parsedSize = %d, want %d", parsedSize, size)
	}
	if !a.Verify(0xAA, 7, payload, out[:parsedSize]) {
		t.Fatalf("Verify failed on an untampered attestation")
	}
}

func TestDefaultAttesterRejectsWrongChannel(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, crypto.XKeySize)
	a, _ := NewDefaultAttester(key)
	payload := []byte("payload")
	size := a.AttestationSize(1, 1, payload)
	out := make([]byte, size)
	if _, err := a.Attest(1, 1, payload, out, 0); err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if a.Verify(1, 2, payload, out) {
		t.Fatalf("Verify should fail when the channel used for verification differs from attestation")
	}
}

func TestDefaultAttesterRejectsTamperedPayload(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, crypto.XKeySize)
	a, _ := NewDefaultAttester(key)
	payload := []byte("original")
	out := make([]byte, a.AttestationSize(1, 1, payload))
	a.Attest(1, 1, payload, out, 0)
	if a.Verify(1, 1, []byte("tampered"), out) {
		t.Fatalf("Verify should fail against a different payload")
	}
}

func TestDefaultWitnesserAppendsSelfKey(t *testing.T) {
	selfPub := bytes.Repeat([]byte{0xAB}, 32)
	w, err := NewDefaultWitnesser(selfPub)
	if err != nil {
		t.Fatalf("NewDefaultWitnesser: %v", err)
	}

	var prev []byte // fresh message, no prior witnesses
	size := w.WitnessSize(prev)
	out := make([]byte, size)
	n, err := w.Witness(prev, out, 0)
	if err != nil {
		t.Fatalf("Witness: %v", err)
	}
	parsed, err := w.ParseWitnessSize(out[:n], 0)
	if err != nil {
		t.Fatalf("ParseWitnessSize: %v", err)
	}
	if parsed != n {
		t.Fatalf("parsed size %d != written size %d", parsed, n)
	}
	body := out[2:n]
	if !Contains(body, selfPub) {
		t.Fatalf("expected the witness body to contain the self key after one Witness call")
	}
}

func TestDefaultWitnesserAccumulatesAcrossHops(t *testing.T) {
	hop1Pub := bytes.Repeat([]byte{0x01}, 32)
	hop2Pub := bytes.Repeat([]byte{0x02}, 32)
	w1, _ := NewDefaultWitnesser(hop1Pub)
	w2, _ := NewDefaultWitnesser(hop2Pub)

	out1 := make([]byte, w1.WitnessSize(nil))
	n1, _ := w1.Witness(nil, out1, 0)

	body1 := w1.Keys(out1[:n1])
	out2 := make([]byte, w2.WitnessSize(body1))
	n2, err := w2.Witness(body1, out2, 0)
	if err != nil {
		t.Fatalf("Witness (hop 2): %v", err)
	}
	body2 := out2[2:n2]
	if !Contains(body2, hop1Pub) || !Contains(body2, hop2Pub) {
		t.Fatalf("expected both hops' keys present after two Witness calls")
	}
	if entryCount(body2) != 2 {
		t.Fatalf("entryCount = %d, want 2", entryCount(body2))
	}
}

func TestDefaultWitnesserKeysStripsCountPrefix(t *testing.T) {
	selfPub := bytes.Repeat([]byte{0xCD}, 32)
	w, _ := NewDefaultWitnesser(selfPub)

	out := make([]byte, w.WitnessSize(nil))
	n, _ := w.Witness(nil, out, 0)

	keys := w.Keys(out[:n])
	if len(keys) != 32 {
		t.Fatalf("Keys returned %d bytes, want 32", len(keys))
	}
	if !Contains(keys, selfPub) {
		t.Fatalf("Keys should still contain the self key once the count prefix is stripped")
	}
}

func TestNullWitnesserKeysIsPassthrough(t *testing.T) {
	var w NullWitnesser
	if got := w.Keys(nil); got != nil {
		t.Fatalf("Keys(nil) = %v, want nil", got)
	}
}

func TestContainsDetectsLoop(t *testing.T) {
	key := bytes.Repeat([]byte{0x09}, 32)
	other := bytes.Repeat([]byte{0x10}, 32)
	body := append(append([]byte{}, other...), key...)
	if !Contains(body, key) {
		t.Fatalf("expected Contains to find key in the witness body")
	}
	if Contains(body, bytes.Repeat([]byte{0xFF}, 32)) {
		t.Fatalf("Contains should not match an absent key")
	}
}
