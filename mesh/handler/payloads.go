package handler

import (
	"encoding/binary"

	"github.com/bitchat-mesh/mesh/mesh/packet"
)

// Inner payload layouts carried inside a NoisePayload.Data (spec §4.7): each
// is a minimal TLV sequence, tag:u8 length:u16 value, mirroring
// mesh/packet's own TLV convention for announcements.

const (
	tagMessageID   uint8 = 0x01
	tagContent     uint8 = 0x02
	tagChannelName uint8 = 0x03
	tagCiphertext  uint8 = 0x04
)

// MESSAGE/FILE_TRANSFER payloads lead with a one-byte marker distinguishing
// a plain broadcast from one sealed under a channel key (spec §4.11
// send_message's optional channel argument, §6.3 decrypt_channel_message).
const (
	messageKindPlain   uint8 = 0x00
	messageKindChannel uint8 = 0x01
)

// EncodePlainMessage builds an unkeyed MESSAGE/FILE_TRANSFER payload.
func EncodePlainMessage(content []byte) []byte {
	return append([]byte{messageKindPlain}, content...)
}

// EncodeChannelMessage builds a MESSAGE payload carrying the channel name
// alongside the sealed ciphertext, so a receiver can pick the right key
// before calling delegate.DecryptChannelMessage.
func EncodeChannelMessage(channelName string, sealed []byte) []byte {
	body := encodeTLVPairs([]tlvPair{{tagChannelName, []byte(channelName)}, {tagCiphertext, sealed}})
	return append([]byte{messageKindChannel}, body...)
}

// DecodeMessagePayload splits a MESSAGE/FILE_TRANSFER payload back into
// either plain content, or a channel name and its sealed ciphertext. An
// empty payload decodes as plain, empty content.
func DecodeMessagePayload(b []byte) (channelName string, body []byte, isChannel bool, err error) {
	if len(b) == 0 {
		return "", nil, false, nil
	}
	marker, rest := b[0], b[1:]
	if marker != messageKindChannel {
		return "", rest, false, nil
	}
	fields, err := decodeTLVPairs(rest)
	if err != nil {
		return "", nil, false, err
	}
	return string(fields[tagChannelName]), fields[tagCiphertext], true, nil
}

// EncodePrivateMessagePayload is exported so mesh/core can build the inner
// payload of an outbound PRIVATE_MESSAGE with the same layout
// decodePrivateMessagePayload reads on the receiving side.
func EncodePrivateMessagePayload(msgID, content string) []byte {
	return encodeTLVPairs([]tlvPair{{tagMessageID, []byte(msgID)}, {tagContent, []byte(content)}})
}

func decodePrivateMessagePayload(b []byte) (msgID, content string, err error) {
	fields, err := decodeTLVPairs(b)
	if err != nil {
		return "", "", err
	}
	return string(fields[tagMessageID]), string(fields[tagContent]), nil
}

// EncodeAckPayload and DecodeAckPayload are exported so mesh/core can build
// an outbound READ_RECEIPT with the same layout handler uses for the
// DELIVERED ack it auto-sends.
func EncodeAckPayload(msgID string) []byte {
	return encodeTLVPairs([]tlvPair{{tagMessageID, []byte(msgID)}})
}

func DecodeAckPayload(b []byte) (msgID string, err error) {
	fields, err := decodeTLVPairs(b)
	if err != nil {
		return "", err
	}
	return string(fields[tagMessageID]), nil
}

type tlvPair struct {
	tag   uint8
	value []byte
}

func encodeTLVPairs(pairs []tlvPair) []byte {
	out := make([]byte, 0, 16)
	for _, pair := range pairs {
		out = append(out, pair.tag)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(pair.value)))
		out = append(out, l[:]...)
		out = append(out, pair.value...)
	}
	return out
}

func decodeTLVPairs(b []byte) (map[uint8][]byte, error) {
	fields := make(map[uint8][]byte)
	for len(b) > 0 {
		if len(b) < 3 {
			return nil, packet.ErrTruncatedInput
		}
		tag := b[0]
		length := int(binary.BigEndian.Uint16(b[1:3]))
		b = b[3:]
		if len(b) < length {
			return nil, packet.ErrTruncatedInput
		}
		fields[tag] = append([]byte(nil), b[:length]...)
		b = b[length:]
	}
	return fields, nil
}
