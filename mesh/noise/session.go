package noise

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bitchat-mesh/mesh/mesh/packet"
)

type session struct {
	role  role
	state State

	localEphemeralPriv [32]byte
	localEphemeralPub  [32]byte
	remoteEphemeralPub [32]byte
	remoteStaticPub    [32]byte

	sendKey, recvKey [32]byte
	confirmKey       [32]byte
	sendCounter      uint64
	recvCounter      uint64
	sawFirstRecv     bool

	startedAt time.Time
}

// transcript returns the handshake's public-key material in a fixed
// initiator-then-responder order, used as AAD for the two confirmation
// tags so both sides authenticate over identical bytes regardless of role.
func (sess *session) transcript() []byte {
	out := make([]byte, 0, 128)
	if sess.role == roleInitiator {
		out = append(out, sess.localEphemeralPub[:]...)
		out = append(out, sess.remoteEphemeralPub[:]...)
	} else {
		out = append(out, sess.remoteEphemeralPub[:]...)
		out = append(out, sess.localEphemeralPub[:]...)
	}
	return out
}

func newEphemeralKeypair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return
	}
	// Clamp per curve25519 convention.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], p)
	return
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], s)
	return out, nil
}

// deriveKeys mixes the three DH outputs into c2r/r2c/confirm keys via
// HKDF-SHA256, labeled so both participants derive identical directional
// keys regardless of who computed which DH term.
func deriveKeys(eeDH, esDH, seDH [32]byte) (c2r, r2c, confirm [32]byte, err error) {
	ikm := make([]byte, 0, 96)
	ikm = append(ikm, eeDH[:]...)
	ikm = append(ikm, esDH[:]...)
	ikm = append(ikm, seDH[:]...)

	kdf := hkdf.New(sha256.New, ikm, nil, []byte("bitchat-mesh noise session v1"))
	var material [96]byte
	if _, err = io.ReadFull(kdf, material[:]); err != nil {
		return
	}
	copy(c2r[:], material[0:32])
	copy(r2c[:], material[32:64])
	copy(confirm[:], material[64:96])
	return
}

func sealConfirm(key [32]byte, nonce uint64, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	n := nonceFromCounter(nonce)
	return aead.Seal(nil, n[:], nil, aad), nil
}

func openConfirm(key [32]byte, nonce uint64, aad, ciphertext []byte) error {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return err
	}
	n := nonceFromCounter(nonce)
	_, err = aead.Open(nil, n[:], ciphertext, aad)
	return err
}

func nonceFromCounter(counter uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	// First 4 bytes zero, last 8 the counter, big-endian, leaving room to
	// extend to a random per-session prefix without changing the layout.
	for i := 0; i < 8; i++ {
		n[chacha20poly1305.NonceSize-1-i] = byte(counter >> (8 * i))
	}
	return n
}

// seal/open are the per-message AEAD operations used once Established
// (spec §4.5 encrypt/decrypt).
func seal(key [32]byte, counter uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	n := nonceFromCounter(counter)
	ct := aead.Seal(nil, n[:], plaintext, nil)
	out := make([]byte, 8+len(ct))
	putCounter(out[:8], counter)
	copy(out[8:], ct)
	return out, nil
}

func open(key [32]byte, ciphertext []byte) (plaintext []byte, counter uint64, err error) {
	if len(ciphertext) < 8 {
		return nil, 0, packet.ErrTruncatedInput
	}
	counter = getCounter(ciphertext[:8])
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, 0, err
	}
	n := nonceFromCounter(counter)
	pt, err := aead.Open(nil, n[:], ciphertext[8:], nil)
	if err != nil {
		return nil, 0, err
	}
	return pt, counter, nil
}

func putCounter(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

func getCounter(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = (v << 8) | uint64(b[i])
	}
	return v
}
