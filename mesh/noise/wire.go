package noise

import "github.com/bitchat-mesh/mesh/mesh/packet"

// Wire layout for the three handshake messages. All fields are fixed-size
// so the frames never need a length prefix.

const (
	ephemeralPubLen = 32
	staticPubLen    = 32
	confirmTagLen   = 16 // chacha20poly1305 tag over an empty plaintext
)

// message1: ephemeral_pub[32] || static_pub[32]  (initiator -> responder)
func encodeMessage1(ephemeralPub, staticPub [32]byte) []byte {
	out := make([]byte, 0, ephemeralPubLen+staticPubLen)
	out = append(out, ephemeralPub[:]...)
	out = append(out, staticPub[:]...)
	return out
}

func decodeMessage1(b []byte) (ephemeralPub, staticPub [32]byte, err error) {
	if len(b) != ephemeralPubLen+staticPubLen {
		return ephemeralPub, staticPub, packet.ErrTruncatedInput
	}
	copy(ephemeralPub[:], b[:32])
	copy(staticPub[:], b[32:64])
	return ephemeralPub, staticPub, nil
}

// message2: ephemeral_pub[32] || static_pub[32] || confirm_tag[16]
// (responder -> initiator)
func encodeMessage2(ephemeralPub, staticPub [32]byte, confirm []byte) []byte {
	out := make([]byte, 0, ephemeralPubLen+staticPubLen+len(confirm))
	out = append(out, ephemeralPub[:]...)
	out = append(out, staticPub[:]...)
	out = append(out, confirm...)
	return out
}

func decodeMessage2(b []byte) (ephemeralPub, staticPub [32]byte, confirm []byte, err error) {
	if len(b) < ephemeralPubLen+staticPubLen+confirmTagLen {
		return ephemeralPub, staticPub, nil, packet.ErrTruncatedInput
	}
	copy(ephemeralPub[:], b[:32])
	copy(staticPub[:], b[32:64])
	confirm = append([]byte(nil), b[64:]...)
	return ephemeralPub, staticPub, confirm, nil
}

// message3: confirm_tag[16] (initiator -> responder, final confirmation)
func encodeMessage3(confirm []byte) []byte {
	return append([]byte(nil), confirm...)
}
