// Package pubsub implements the mesh-relay node: peer-set admission and
// disconnect policy, the subscribe protocol, message dedup with
// time-windowed GC, and the cut-through relay fast path, on top of
// internal/transport and internal/attest.
package pubsub

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"relaymesh/internal/attest"
)

// MsgType is the one-byte wire type prefix carried after length-prefix
// framing.
type MsgType uint8

const (
	MsgSubscribe   MsgType = 0x00
	MsgUnsubscribe MsgType = 0x01
	MsgResponse    MsgType = 0x02
	MsgMessage     MsgType = 0x03
	MsgHeartbeat   MsgType = 0x04
)

func (t MsgType) String() string {
	switch t {
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case MsgResponse:
		return "RESPONSE"
	case MsgMessage:
		return "MESSAGE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// ResponseStatus is the structured payload carried by RESPONSE, msgpack
// encoded (see DESIGN.md: a second, non-wire-critical serialization idiom
// alongside the fixed binary layout everything else on the hot path uses).
type ResponseStatus struct {
	Code uint8  `msgpack:"code"`
	Text string `msgpack:"text"`
}

func EncodeSubscribe(channel uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(MsgSubscribe)
	binary.BigEndian.PutUint16(buf[1:3], channel)
	return buf
}

func EncodeUnsubscribe(channel uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(MsgUnsubscribe)
	binary.BigEndian.PutUint16(buf[1:3], channel)
	return buf
}

// DecodeChannelMsg decodes the 2-byte channel id payload shared by
// SUBSCRIBE and UNSUBSCRIBE (the caller already stripped and checked the
// type byte).
func DecodeChannelMsg(body []byte) (uint16, error) {
	if len(body) < 2 {
		return 0, fmt.Errorf("pubsub: short SUBSCRIBE/UNSUBSCRIBE payload")
	}
	return binary.BigEndian.Uint16(body[:2]), nil
}

func EncodeResponse(status ResponseStatus) ([]byte, error) {
	payload, err := msgpack.Marshal(status)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(MsgResponse)
	copy(buf[1:], payload)
	return buf, nil
}

func DecodeResponse(body []byte) (ResponseStatus, error) {
	var status ResponseStatus
	if err := msgpack.Unmarshal(body, &status); err != nil {
		return ResponseStatus{}, err
	}
	return status, nil
}

func EncodeHeartbeat() []byte {
	return []byte{byte(MsgHeartbeat)}
}

// messageHeaderFixedLen is the portion of a buffered MESSAGE frame before
// the self-delimiting attestation and witness blobs: msg_id(8) +
// channel(2).
const messageHeaderFixedLen = 10

// EncodeMessage builds a complete buffered MESSAGE frame: type byte,
// msg_id, channel, attestation blob, witness blob, payload.
func EncodeMessage(msgID uint64, channel uint16, attestation, witness, payload []byte) []byte {
	buf := make([]byte, 1+messageHeaderFixedLen+len(attestation)+len(witness)+len(payload))
	buf[0] = byte(MsgMessage)
	binary.BigEndian.PutUint64(buf[1:9], msgID)
	binary.BigEndian.PutUint16(buf[9:11], channel)
	n := 11
	n += copy(buf[n:], attestation)
	n += copy(buf[n:], witness)
	copy(buf[n:], payload)
	return buf
}

// DecodedMessage is a parsed buffered MESSAGE frame; Attestation and
// Witness are views into the original buffer.
type DecodedMessage struct {
	MsgID       uint64
	Channel     uint16
	Attestation []byte
	Witness     []byte
	Payload     []byte
}

// DecodeMessage parses body (the frame with its type byte already
// stripped) using attester/witnesser to size the self-delimiting header
// blobs.
func DecodeMessage(body []byte, attester attest.Attester, witnesser attest.Witnesser) (DecodedMessage, error) {
	if len(body) < messageHeaderFixedLen {
		return DecodedMessage{}, fmt.Errorf("pubsub: short MESSAGE header")
	}
	msg := DecodedMessage{
		MsgID:   binary.BigEndian.Uint64(body[0:8]),
		Channel: binary.BigEndian.Uint16(body[8:10]),
	}
	offset := messageHeaderFixedLen
	attLen, err := attester.ParseAttestationSize(body, offset)
	if err != nil {
		return DecodedMessage{}, fmt.Errorf("pubsub: attestation header: %w", err)
	}
	msg.Attestation = body[offset : offset+attLen]
	offset += attLen

	witLen, err := witnesser.ParseWitnessSize(body, offset)
	if err != nil {
		return DecodedMessage{}, fmt.Errorf("pubsub: witness header: %w", err)
	}
	msg.Witness = body[offset : offset+witLen]
	offset += witLen

	msg.Payload = body[offset:]
	return msg, nil
}

// ---- cut-through header ---------------------------------------------
//
// The cut-through fan-out path never goes through attest.Attester /
// attest.Witnesser: its header (message-id at offset 1, witness-length at
// offset 11, witness bytes at offset 13) carries no attestation blob at
// all, only msg_id + channel + a raw witness key list, so pubsub parses
// and rewrites it directly.

// CutHeaderFixedLen is the length of a cut-through header before its
// variable-length witness list: type(1) + msg_id(8) + channel(2) +
// witness_length(2).
const CutHeaderFixedLen = 13

// witnessKeyLen is the size of one witness-list entry, a raw X25519
// public key — matches attest.DefaultWitnesser's per-entry layout so a
// message's witness data has the same shape on both paths.
const witnessKeyLen = 32

// EncodeCutHeader builds a complete cut-through header: type byte,
// msg_id, channel, and a raw witness key list (witnessKeys must already
// be a multiple of witnessKeyLen bytes).
func EncodeCutHeader(msgID uint64, channel uint16, witnessKeys []byte) []byte {
	buf := make([]byte, CutHeaderFixedLen+len(witnessKeys))
	buf[0] = byte(MsgMessage)
	binary.BigEndian.PutUint64(buf[1:9], msgID)
	binary.BigEndian.PutUint16(buf[9:11], channel)
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(witnessKeys)))
	copy(buf[13:], witnessKeys)
	return buf
}

// CutHeader is a parsed cut-through header.
type CutHeader struct {
	MsgID       uint64
	Channel     uint16
	WitnessKeys []byte // view into the original buffer, len a multiple of witnessKeyLen
}

// DecodeCutHeader parses buf as a cut-through header and returns it along
// with the number of bytes consumed (CutHeaderFixedLen + len(WitnessKeys)),
// so the caller can locate where payload bytes begin in the same fragment.
func DecodeCutHeader(buf []byte) (CutHeader, int, error) {
	if len(buf) < CutHeaderFixedLen {
		return CutHeader{}, 0, fmt.Errorf("pubsub: short cut-through header")
	}
	h := CutHeader{
		MsgID:   binary.BigEndian.Uint64(buf[1:9]),
		Channel: binary.BigEndian.Uint16(buf[9:11]),
	}
	wlen := int(binary.BigEndian.Uint16(buf[11:13]))
	if len(buf) < CutHeaderFixedLen+wlen {
		return CutHeader{}, 0, fmt.Errorf("pubsub: truncated cut-through witness list")
	}
	h.WitnessKeys = buf[CutHeaderFixedLen : CutHeaderFixedLen+wlen]
	return h, CutHeaderFixedLen + wlen, nil
}

// cutHeaderContains reports whether pubKey (witnessKeyLen bytes) already
// appears in keys (a concatenation of witnessKeyLen-byte entries).
func cutHeaderContains(keys []byte, pubKey []byte) bool {
	return attest.Contains(keys, pubKey)
}
