// Package packet implements the mesh engine's Codec (spec §4.1): bit-exact,
// total (de)serialization of the wire Packet, its TLV payloads, and
// fragment frames. Every function here is pure and never panics; malformed
// input always comes back as an error, never a partial result.
package packet

import "time"

// Message type codes, stable per spec §6.2.
const (
	TypeAnnounce             uint8 = 0x01
	TypeLeave                uint8 = 0x02
	TypeMessage              uint8 = 0x03
	TypeFragmentStart        uint8 = 0x04
	TypeFragmentContinue     uint8 = 0x05
	TypeFragmentEnd          uint8 = 0x06
	TypeNoiseHandshakeInit   uint8 = 0x07
	TypeNoiseHandshakeResp   uint8 = 0x08
	TypeNoiseEncrypted       uint8 = 0x09
	TypeNoiseIdentityAnnounce uint8 = 0x0a
	TypeDeliveryAck          uint8 = 0x0b
	TypeReadReceipt          uint8 = 0x0c
	TypeFileTransfer         uint8 = 0x0d
	TypeRequestSync          uint8 = 0x0e
)

// IsFragment reports whether t is one of the three fragment-frame types.
func IsFragment(t uint8) bool {
	return t == TypeFragmentStart || t == TypeFragmentContinue || t == TypeFragmentEnd
}

// IsNoiseHandshake reports whether t is either half of the handshake
// exchange; spec §4.4/§4.7 refer to both collectively as "NOISE_HANDSHAKE".
func IsNoiseHandshake(t uint8) bool {
	return t == TypeNoiseHandshakeInit || t == TypeNoiseHandshakeResp
}

// CurrentVersion is the only version this codec emits.
const CurrentVersion uint8 = 1

// MaxPayloadLen is the largest payload a Packet can carry (u16 length prefix).
const MaxPayloadLen = 65535

// PeerID is an 8-byte mesh-local identifier (spec §3: "16 hex chars").
type PeerID [8]byte

func (p PeerID) String() string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 16)
	for i, b := range p {
		buf[i*2] = hex[b>>4]
		buf[i*2+1] = hex[b&0xf]
	}
	return string(buf)
}

// BroadcastRecipient is the all-0xFF sentinel marking an explicit broadcast
// recipient, distinct from an absent recipient_id (also broadcast).
var BroadcastRecipient = PeerID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Signature is the fixed-size Ed25519 signature carried on a Packet.
type Signature [64]byte

// Packet is the wire frame (spec §3).
type Packet struct {
	Version     uint8
	Type        uint8
	TTL         uint8
	Timestamp   uint64 // ms epoch
	SenderID    PeerID
	RecipientID *PeerID // nil => broadcast
	Payload     []byte  // <= MaxPayloadLen
	Signature   *Signature
}

// TimestampNow converts a time.Time to the ms-epoch wire representation.
func TimestampNow(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(time.Millisecond))
}

// IsBroadcast reports whether the packet has no addressed recipient, by
// either the nil convention or the explicit 0xFF sentinel (spec §3).
func (p *Packet) IsBroadcast() bool {
	return p.RecipientID == nil || *p.RecipientID == BroadcastRecipient
}

// Clone returns a deep copy, used by RelayEngine, GossipSync and the
// Loopback transport so a relayed, cached or delivered packet never aliases
// the original's backing arrays.
func (p *Packet) Clone() *Packet {
	cp := *p
	if p.RecipientID != nil {
		r := *p.RecipientID
		cp.RecipientID = &r
	}
	if p.Payload != nil {
		cp.Payload = append([]byte(nil), p.Payload...)
	}
	if p.Signature != nil {
		s := *p.Signature
		cp.Signature = &s
	}
	return &cp
}
