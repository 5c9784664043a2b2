package crypto

import (
	"bytes"
	"testing"
)

func TestXSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, XKeySize)
	aad := []byte("context")
	plain := []byte("witness-list loop suppression payload")

	nonce, ct, err := XSeal(key, plain, aad)
	if err != nil {
		t.Fatalf("XSeal: %v", err)
	}
	got, err := XOpen(key, nonce, ct, aad)
	if err != nil {
		t.Fatalf("XOpen: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q, want %q", got, plain)
	}
}

func TestXOpenRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x02}, XKeySize)
	nonce, ct, err := XSeal(key, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("XSeal: %v", err)
	}
	ct[0] ^= 0xff
	if _, err := XOpen(key, nonce, ct, nil); err == nil {
		t.Fatalf("expected a tamper-detection error")
	}
}

func TestKDFDeterministicAndContextSeparated(t *testing.T) {
	a := KDF("ctx-a", []byte("ikm"))
	b := KDF("ctx-a", []byte("ikm"))
	if !bytes.Equal(a, b) {
		t.Fatalf("KDF is not deterministic for identical inputs")
	}
	c := KDF("ctx-b", []byte("ikm"))
	if bytes.Equal(a, c) {
		t.Fatalf("expected different labels to produce different outputs")
	}
}

func TestX25519EphemeralSharedSecretAgrees(t *testing.T) {
	a, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral: %v", err)
	}
	defer a.Destroy()
	b, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral: %v", err)
	}
	defer b.Destroy()

	aPub, err := a.Public()
	if err != nil {
		t.Fatalf("a.Public: %v", err)
	}
	bPub, err := b.Public()
	if err != nil {
		t.Fatalf("b.Public: %v", err)
	}
	ssA, err := a.Shared(bPub)
	if err != nil {
		t.Fatalf("a.Shared: %v", err)
	}
	ssB, err := b.Shared(aPub)
	if err != nil {
		t.Fatalf("b.Shared: %v", err)
	}
	if !bytes.Equal(ssA, ssB) {
		t.Fatalf("shared secrets disagree")
	}
}

func TestEphemeralDestroyZeroesState(t *testing.T) {
	e, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral: %v", err)
	}
	e.Destroy()
	if _, err := e.Public(); err == nil {
		t.Fatalf("expected Public to fail after Destroy")
	}
	if _, err := e.Shared(bytes.Repeat([]byte{1}, 32)); err == nil {
		t.Fatalf("expected Shared to fail after Destroy")
	}
}

func TestPublicFromPrivateMatchesDeriveShared(t *testing.T) {
	a, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral: %v", err)
	}
	defer a.Destroy()
	aPub, _ := a.Public()

	pub, err := PublicFromPrivate(a.privBytes)
	if err != nil {
		t.Fatalf("PublicFromPrivate: %v", err)
	}
	if !bytes.Equal(pub, aPub) {
		t.Fatalf("PublicFromPrivate disagrees with Ephemeral.Public")
	}
}
