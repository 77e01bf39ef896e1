package packet

// TLV tags used inside ANNOUNCE payloads (spec §4.1, §4.7). Each value is tag:u8, length:u16, value.
const (
	tagNickname  uint8 = 0x01
	tagNoisePub  uint8 = 0x02
	tagSigningPub uint8 = 0x03
)

// IdentityAnnouncement is the TLV payload of an ANNOUNCE packet (spec §4.7).
type IdentityAnnouncement struct {
	Nickname  string
	NoisePub  [32]byte
	SigningPub [32]byte
}

// EncodeIdentityAnnouncement serializes ia as a sequence of TLV records.
func EncodeIdentityAnnouncement(ia *IdentityAnnouncement) ([]byte, error) {
	w := newWriter(8 + len(ia.Nickname) + 64)
	if err := writeTLV(w, tagNickname, []byte(ia.Nickname)); err != nil {
		return nil, err
	}
	if err := writeTLV(w, tagNoisePub, ia.NoisePub[:]); err != nil {
		return nil, err
	}
	if err := writeTLV(w, tagSigningPub, ia.SigningPub[:]); err != nil {
		return nil, err
	}
	return w.bytes(), nil
}

// DecodeIdentityAnnouncement parses a sequence of TLV records into an
// IdentityAnnouncement. Unknown tags are skipped, not rejected, so a future
// announce version can add fields without breaking older peers.
func DecodeIdentityAnnouncement(b []byte) (*IdentityAnnouncement, error) {
	ia := &IdentityAnnouncement{}
	r := newReader(b)
	for r.remaining() > 0 {
		tag, value, err := readTLV(r)
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagNickname:
			ia.Nickname = string(value)
		case tagNoisePub:
			if len(value) != 32 {
				return nil, ErrTruncatedInput
			}
			copy(ia.NoisePub[:], value)
		case tagSigningPub:
			if len(value) != 32 {
				return nil, ErrTruncatedInput
			}
			copy(ia.SigningPub[:], value)
		}
	}
	return ia, nil
}

func writeTLV(w *writer, tag uint8, value []byte) error {
	w.writeU8(tag)
	return w.writeLengthPrefixedU16(value)
}

func readTLV(r *reader) (tag uint8, value []byte, err error) {
	tag, err = r.readU8()
	if err != nil {
		return 0, nil, err
	}
	value, err = r.readLengthPrefixedBytes(MaxPayloadLen)
	if err != nil {
		return 0, nil, err
	}
	return tag, value, nil
}

// Inner types carried, once decrypted, inside a NOISE_ENCRYPTED payload
// (spec §4.7).
const (
	NoiseInnerPrivateMessage uint8 = 0x01
	NoiseInnerDelivered      uint8 = 0x02
	NoiseInnerReadReceipt    uint8 = 0x03
	NoiseInnerFileTransfer   uint8 = 0x04
)

// NoisePayload is the decrypted content of a NOISE_ENCRYPTED packet: a
// one-byte type tag switching the interpretation of Data (spec §4.7).
type NoisePayload struct {
	Type uint8
	Data []byte
}

// EncodeNoisePayload serializes a NoisePayload prior to encryption.
func EncodeNoisePayload(p *NoisePayload) []byte {
	w := newWriter(1 + len(p.Data))
	w.writeU8(p.Type)
	w.writeFixed(p.Data)
	return w.bytes()
}

// DecodeNoisePayload parses a decrypted NOISE_ENCRYPTED payload.
func DecodeNoisePayload(b []byte) (*NoisePayload, error) {
	if len(b) < 1 {
		return nil, ErrTruncatedInput
	}
	return &NoisePayload{Type: b[0], Data: append([]byte(nil), b[1:]...)}, nil
}
