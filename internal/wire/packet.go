// Package wire encodes and decodes the stream transport's 30-byte packet
// header on top of relaymesh/internal/wirebuf. All integers are
// big-endian; there is no padding.
package wire

import (
	"fmt"

	"relaymesh/internal/wirebuf"
)

// Type is the packet type field (offset 1).
type Type uint8

const (
	TypeData     Type = 0
	TypeDataFin  Type = 1
	TypeAck      Type = 2
	TypeDial     Type = 3
	TypeDialConf Type = 4
	TypeConf     Type = 5
	TypeReset    Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeDataFin:
		return "DATA+FIN"
	case TypeAck:
		return "ACK"
	case TypeDial:
		return "DIAL"
	case TypeDialConf:
		return "DIAL_CONF"
	case TypeConf:
		return "CONF"
	case TypeReset:
		return "RESET"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// HeaderSize is the fixed prefix length before the payload.
const HeaderSize = 30

// Version is the only wire version relaymesh speaks; there is no backward
// compatibility with prior wire versions.
const Version = 1

// Header is the decoded fixed prefix of a stream packet. StreamID doubles
// as the ack-block count field when Typ == TypeAck, matching the single
// 2-byte slot the wire format allocates for both uses.
type Header struct {
	Version      uint8
	Typ          Type
	SrcConnID    uint32
	DstConnID    uint32
	StreamID     uint16 // or AckBlockCount when Typ == TypeAck
	PacketNumber uint64
	Offset       uint64
	PayloadLen   uint16
}

// Encode writes header and payload into a single owned Buffer.
func Encode(h Header, payload []byte) wirebuf.Buffer {
	buf := wirebuf.NewZeroed(HeaderSize + len(payload))
	buf.PutUint8(0, h.Version)
	buf.PutUint8(1, uint8(h.Typ))
	buf.PutUint32BE(2, h.SrcConnID)
	buf.PutUint32BE(6, h.DstConnID)
	buf.PutUint16BE(10, h.StreamID)
	buf.PutUint64BE(12, h.PacketNumber)
	buf.PutUint64BE(20, h.Offset)
	buf.PutUint16BE(28, uint16(len(payload)))
	copy(buf.Data()[HeaderSize:], payload)
	return buf
}

// Decode parses the fixed prefix of buf and returns the header plus the
// payload slice (a view into buf, not a copy).
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("wire: short packet, got %d bytes", len(buf))
	}
	b := wirebuf.New(buf)
	h := Header{
		Version:      b.Uint8(0),
		Typ:          Type(b.Uint8(1)),
		SrcConnID:    b.Uint32BE(2),
		DstConnID:    b.Uint32BE(6),
		StreamID:     b.Uint16BE(10),
		PacketNumber: b.Uint64BE(12),
		Offset:       b.Uint64BE(20),
		PayloadLen:   b.Uint16BE(28),
	}
	if h.Version != Version {
		return Header{}, nil, fmt.Errorf("wire: unsupported version %d", h.Version)
	}
	end := HeaderSize + int(h.PayloadLen)
	if end > len(buf) {
		return Header{}, nil, fmt.Errorf("wire: payload length %d exceeds packet size %d", h.PayloadLen, len(buf)-HeaderSize)
	}
	return h, buf[HeaderSize:end], nil
}

// AckRange is one contiguous block of acknowledged packet numbers,
// [Start, End] inclusive, as carried in an ACK packet's payload.
type AckRange struct {
	Start uint64
	End   uint64
}

// EncodeAckPayload serializes ranges as a sequence of (start,end) uint64
// pairs; the packet header's StreamID field carries len(ranges).
func EncodeAckPayload(ranges []AckRange) []byte {
	out := make([]byte, 16*len(ranges))
	for i, r := range ranges {
		b := wirebuf.New(out[i*16 : i*16+16])
		b.PutUint64BE(0, r.Start)
		b.PutUint64BE(8, r.End)
	}
	return out
}

// DecodeAckPayload parses count (start,end) pairs from payload.
func DecodeAckPayload(payload []byte, count uint16) ([]AckRange, error) {
	need := int(count) * 16
	if len(payload) < need {
		return nil, fmt.Errorf("wire: ack payload too short, have %d need %d", len(payload), need)
	}
	out := make([]AckRange, count)
	for i := range out {
		b := wirebuf.New(payload[i*16 : i*16+16])
		out[i] = AckRange{Start: b.Uint64BE(0), End: b.Uint64BE(8)}
	}
	return out, nil
}
