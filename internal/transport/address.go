package transport

import (
	"fmt"
	"net"
)

// Address is the (ip, port) pair that is the primary key for every
// transport lookup. Equality and hashing are structural, via comparison of
// the normalized 16-byte IP form and port, so the same Address value is
// usable directly as a Go map key.
type Address struct {
	ip   [16]byte
	port uint16
}

// NewAddress constructs an Address from an IP and port, normalizing IPv4
// addresses into their 16-byte form so that "1.2.3.4" and its IPv4-mapped
// IPv6 equivalent compare equal.
func NewAddress(ip net.IP, port uint16) Address {
	var a Address
	ip16 := ip.To16()
	copy(a.ip[:], ip16)
	a.port = port
	return a
}

// AddressFromUDP converts a *net.UDPAddr, as returned by net.PacketConn's
// ReadFrom, into an Address.
func AddressFromUDP(addr *net.UDPAddr) Address {
	return NewAddress(addr.IP, uint16(addr.Port))
}

// ParseAddress parses a "host:port" string.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return Address{}, fmt.Errorf("transport: cannot resolve host %q", host)
		}
		ip = ips[0]
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Address{}, fmt.Errorf("transport: bad port %q", portStr)
	}
	return NewAddress(ip, port), nil
}

// IP returns the address's IP in its 16-byte form.
func (a Address) IP() net.IP {
	return net.IP(a.ip[:])
}

// Port returns the address's UDP port.
func (a Address) Port() uint16 {
	return a.port
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP().String(), a.port)
}

// UDPAddr converts back to a *net.UDPAddr for use with net.PacketConn.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP(), Port: int(a.port)}
}
