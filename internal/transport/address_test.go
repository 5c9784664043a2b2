package transport

import (
	"net"
	"testing"
)

func TestAddressEqualityAsMapKey(t *testing.T) {
	a := NewAddress(net.ParseIP("127.0.0.1"), 4242)
	b := NewAddress(net.ParseIP("127.0.0.1"), 4242)
	m := map[Address]int{a: 1}
	if m[b] != 1 {
		t.Fatalf("two Addresses built from the same ip:port did not compare equal as map keys")
	}
}

func TestAddressFromUDPRoundTrip(t *testing.T) {
	udp := &net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 9000}
	a := AddressFromUDP(udp)
	back := a.UDPAddr()
	if !back.IP.Equal(udp.IP) || back.Port != udp.Port {
		t.Fatalf("round trip = %v, want %v", back, udp)
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("10.0.0.1:5353")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if a.Port() != 5353 {
		t.Fatalf("Port() = %d, want 5353", a.Port())
	}
	if a.String() != "10.0.0.1:5353" {
		t.Fatalf("String() = %q, want 10.0.0.1:5353", a.String())
	}
}

func TestParseAddressRejectsBadPort(t *testing.T) {
	if _, err := ParseAddress("10.0.0.1:notaport"); err == nil {
		t.Fatalf("expected an error for a non-numeric port")
	}
}
