// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the bit-exact binary framing for DATA, NAK, and
// HEARTBEAT packets exchanged between meshbus peers.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/narwhalsys/meshbus/topic"
)

// Magic is the fixed two-byte sentinel that opens every packet.
const Magic uint16 = 0x4D42 // "MB"

// Version is the only wire protocol version this codec speaks.
const Version uint8 = 1

// Kind identifies the packet body that follows the common header.
type Kind uint8

const (
	KindData      Kind = 1
	KindNak       Kind = 2
	KindHeartbeat Kind = 3
)

// HeaderSize is the fixed size, in bytes, of the common header.
const HeaderSize = 16

// flag bits within the header's flags field.
const (
	FlagEncrypted uint16 = 1 << 0

	// FlagUnrecoverable marks a NAK packet as a sender's reply declaring
	// its Ranges permanently unavailable (the requested sequences had
	// already been evicted from the sender's retransmit ring), rather
	// than a request for retransmission.
	FlagUnrecoverable uint16 = 1 << 1
)

// Header is the fixed 16-byte envelope shared by every packet kind.
type Header struct {
	Kind      Kind
	PeerID    uint32
	SessionID uint16
	// Sequence carries the packet's sequence number for DATA, the
	// highest assigned sequence for HEARTBEAT, and the request id for NAK.
	Sequence uint32
	Flags    uint16
}

// DataPacket is a DATA packet: a topic, an application payload, and the
// common header.
type DataPacket struct {
	Header  Header
	Topic   string
	Payload []byte
}

// SeqRange is an inclusive range of sequence numbers, used in NAK bodies.
type SeqRange struct {
	Start uint32
	End   uint32
}

// NakPacket requests retransmission of the named ranges from a specific
// (peer, session).
type NakPacket struct {
	Header          Header
	TargetPeerID    uint32
	TargetSessionID uint16
	Ranges          []SeqRange
}

// HeartbeatPacket announces the sender's highest assigned sequence; its
// body is empty, all information lives in the header.
type HeartbeatPacket struct {
	Header Header
}

// Packet is the sum type returned by Decode.
type Packet interface {
	isPacket()
}

func (*DataPacket) isPacket()      {}
func (*NakPacket) isPacket()       {}
func (*HeartbeatPacket) isPacket() {}

// Reason enumerates why Decode rejected a packet.
type Reason string

const (
	ReasonBadMagic       Reason = "bad magic"
	ReasonUnknownKind    Reason = "unknown kind"
	ReasonTruncated      Reason = "truncated body"
	ReasonBadTopicLength Reason = "topic length out of range"
	ReasonMalformedTopic Reason = "topic violates segmenter rules"
)

// ErrMalformedPacket is returned by Decode when the input cannot be
// parsed into a valid packet.
type ErrMalformedPacket struct {
	Reason Reason
}

func (e *ErrMalformedPacket) Error() string {
	return fmt.Sprintf("wire: malformed packet: %s", e.Reason)
}

func malformed(reason Reason) error {
	return &ErrMalformedPacket{Reason: reason}
}

func putHeader(b []byte, h Header) {
	binary.BigEndian.PutUint16(b[0:2], Magic)
	b[2] = Version
	b[3] = byte(h.Kind)
	binary.BigEndian.PutUint32(b[4:8], h.PeerID)
	binary.BigEndian.PutUint16(b[8:10], h.SessionID)
	binary.BigEndian.PutUint32(b[10:14], h.Sequence)
	binary.BigEndian.PutUint16(b[14:16], h.Flags)
}

func getHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, malformed(ReasonTruncated)
	}
	if binary.BigEndian.Uint16(b[0:2]) != Magic {
		return Header{}, malformed(ReasonBadMagic)
	}
	kind := Kind(b[3])
	switch kind {
	case KindData, KindNak, KindHeartbeat:
	default:
		return Header{}, malformed(ReasonUnknownKind)
	}
	return Header{
		Kind:      kind,
		PeerID:    binary.BigEndian.Uint32(b[4:8]),
		SessionID: binary.BigEndian.Uint16(b[8:10]),
		Sequence:  binary.BigEndian.Uint32(b[10:14]),
		Flags:     binary.BigEndian.Uint16(b[14:16]),
	}, nil
}

// Encode serialises p into its wire representation. It panics if p is not
// one of *DataPacket, *NakPacket, *HeartbeatPacket — a programmer error,
// never a runtime condition driven by untrusted input.
func Encode(p Packet) []byte {
	switch v := p.(type) {
	case *DataPacket:
		return encodeData(v)
	case *NakPacket:
		return encodeNak(v)
	case *HeartbeatPacket:
		return encodeHeartbeat(v)
	default:
		panic(fmt.Sprintf("wire: unencodable packet type %T", p))
	}
}

func encodeData(p *DataPacket) []byte {
	topic := []byte(p.Topic)
	out := make([]byte, HeaderSize+2+len(topic)+4+len(p.Payload))
	h := p.Header
	h.Kind = KindData
	putHeader(out, h)
	off := HeaderSize
	binary.BigEndian.PutUint16(out[off:off+2], uint16(len(topic)))
	off += 2
	copy(out[off:off+len(topic)], topic)
	off += len(topic)
	binary.BigEndian.PutUint32(out[off:off+4], uint32(len(p.Payload)))
	off += 4
	copy(out[off:], p.Payload)
	return out
}

func encodeNak(p *NakPacket) []byte {
	out := make([]byte, HeaderSize+4+2+2+8*len(p.Ranges))
	h := p.Header
	h.Kind = KindNak
	putHeader(out, h)
	off := HeaderSize
	binary.BigEndian.PutUint32(out[off:off+4], p.TargetPeerID)
	off += 4
	binary.BigEndian.PutUint16(out[off:off+2], p.TargetSessionID)
	off += 2
	binary.BigEndian.PutUint16(out[off:off+2], uint16(len(p.Ranges)))
	off += 2
	for _, r := range p.Ranges {
		binary.BigEndian.PutUint32(out[off:off+4], r.Start)
		off += 4
		binary.BigEndian.PutUint32(out[off:off+4], r.End)
		off += 4
	}
	return out
}

func encodeHeartbeat(p *HeartbeatPacket) []byte {
	out := make([]byte, HeaderSize)
	h := p.Header
	h.Kind = KindHeartbeat
	putHeader(out, h)
	return out
}

// Decode parses b into a Packet, validating the header and body against
// the wire contract in full.
func Decode(b []byte) (Packet, error) {
	h, err := getHeader(b)
	if err != nil {
		return nil, err
	}
	body := b[HeaderSize:]
	switch h.Kind {
	case KindData:
		return decodeData(h, body)
	case KindNak:
		return decodeNak(h, body)
	case KindHeartbeat:
		return &HeartbeatPacket{Header: h}, nil
	default:
		return nil, malformed(ReasonUnknownKind)
	}
}

func decodeData(h Header, body []byte) (Packet, error) {
	if len(body) < 2 {
		return nil, malformed(ReasonTruncated)
	}
	topicLen := int(binary.BigEndian.Uint16(body[0:2]))
	if topicLen < 1 || topicLen > 250 {
		return nil, malformed(ReasonBadTopicLength)
	}
	off := 2
	if len(body) < off+topicLen+4 {
		return nil, malformed(ReasonTruncated)
	}
	topicStr := string(body[off : off+topicLen])
	off += topicLen
	payloadLen := int(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	if len(body) < off+payloadLen {
		return nil, malformed(ReasonTruncated)
	}
	payload := append([]byte(nil), body[off:off+payloadLen]...)
	if _, err := topic.Split(topicStr); err != nil {
		return nil, malformed(ReasonMalformedTopic)
	}
	return &DataPacket{Header: h, Topic: topicStr, Payload: payload}, nil
}

func decodeNak(h Header, body []byte) (Packet, error) {
	if len(body) < 4+2+2 {
		return nil, malformed(ReasonTruncated)
	}
	targetPeerID := binary.BigEndian.Uint32(body[0:4])
	targetSessionID := binary.BigEndian.Uint16(body[4:6])
	rangeCount := int(binary.BigEndian.Uint16(body[6:8]))
	off := 8
	if len(body) < off+8*rangeCount {
		return nil, malformed(ReasonTruncated)
	}
	ranges := make([]SeqRange, rangeCount)
	for i := 0; i < rangeCount; i++ {
		ranges[i] = SeqRange{
			Start: binary.BigEndian.Uint32(body[off : off+4]),
			End:   binary.BigEndian.Uint32(body[off+4 : off+8]),
		}
		off += 8
	}
	return &NakPacket{
		Header:          h,
		TargetPeerID:    targetPeerID,
		TargetSessionID: targetSessionID,
		Ranges:          ranges,
	}, nil
}
