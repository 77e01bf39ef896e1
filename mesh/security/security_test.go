package security

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/mesh/mesh/packet"
)

type fakePeers struct {
	keys map[packet.PeerID][32]byte
}

func (f *fakePeers) SigningPubFor(id packet.PeerID) ([32]byte, bool) {
	k, ok := f.keys[id]
	return k, ok
}

type fakeNoise struct{}

func (fakeNoise) Process(id packet.PeerID, payload []byte) ([]byte, error) { return nil, nil }
func (fakeNoise) HasEstablished(id packet.PeerID) bool                     { return false }
func (fakeNoise) StaticPubFor(id packet.PeerID) ([32]byte, bool)           { return [32]byte{}, false }

func newTestSecurity(peers *fakePeers) *Security {
	return New(NewSeenSet(16), 5*time.Minute, peers, fakeNoise{}, NewAvoidList(time.Minute), nil)
}

func signedPacket(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, sender packet.PeerID) *packet.Packet {
	p := &packet.Packet{
		Version:   packet.CurrentVersion,
		Type:      packet.TypeMessage,
		TTL:       3,
		Timestamp: packet.TimestampNow(time.Now()),
		SenderID:  sender,
		Payload:   []byte("hi"),
	}
	sig := ed25519.Sign(priv, packet.ToBinaryDataForSigning(p))
	var s packet.Signature
	copy(s[:], sig)
	p.Signature = &s
	return p
}

func TestValidateAcceptsKnownSignedSender(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{1}
	peers := &fakePeers{keys: map[packet.PeerID][32]byte{sender: [32]byte(pub[:32])}}
	sec := newTestSecurity(peers)

	p := signedPacket(t, pub, priv, sender)
	assert.Equal(t, Accept, sec.Validate(p, packet.PeerID{9}))
}

func TestValidateDropsSelfSent(t *testing.T) {
	sec := newTestSecurity(&fakePeers{keys: map[packet.PeerID][32]byte{}})
	local := packet.PeerID{1}
	p := &packet.Packet{SenderID: local, Payload: []byte("x"), Timestamp: packet.TimestampNow(time.Now())}
	assert.Equal(t, DropMalformed, sec.Validate(p, local))
}

func TestValidateDropsEmptyPayload(t *testing.T) {
	sec := newTestSecurity(&fakePeers{keys: map[packet.PeerID][32]byte{}})
	p := &packet.Packet{SenderID: packet.PeerID{1}, Timestamp: packet.TimestampNow(time.Now())}
	assert.Equal(t, DropMalformed, sec.Validate(p, packet.PeerID{9}))
}

func TestValidateDropsDuplicate(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{1}
	peers := &fakePeers{keys: map[packet.PeerID][32]byte{sender: [32]byte(pub[:32])}}
	sec := newTestSecurity(peers)

	p := signedPacket(t, pub, priv, sender)
	assert.Equal(t, Accept, sec.Validate(p, packet.PeerID{9}))
	assert.Equal(t, DropDuplicate, sec.Validate(p, packet.PeerID{9}))
}

func TestValidateDropsStaleTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{1}
	peers := &fakePeers{keys: map[packet.PeerID][32]byte{sender: [32]byte(pub[:32])}}
	sec := newTestSecurity(peers)

	p := &packet.Packet{
		Version:   packet.CurrentVersion,
		Type:      packet.TypeMessage,
		SenderID:  sender,
		Payload:   []byte("hi"),
		Timestamp: packet.TimestampNow(time.Now().Add(-time.Hour)),
	}
	sig := ed25519.Sign(priv, packet.ToBinaryDataForSigning(p))
	var s packet.Signature
	copy(s[:], sig)
	p.Signature = &s

	assert.Equal(t, DropStale, sec.Validate(p, packet.PeerID{9}))
}

func TestValidateDropsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{1}
	peers := &fakePeers{keys: map[packet.PeerID][32]byte{sender: [32]byte(pub[:32])}}
	sec := newTestSecurity(peers)

	p := signedPacket(t, pub, otherPriv, sender)
	assert.Equal(t, DropBadSignature, sec.Validate(p, packet.PeerID{9}))
}

func TestValidateDropsUnknownSenderForNonBareType(t *testing.T) {
	sec := newTestSecurity(&fakePeers{keys: map[packet.PeerID][32]byte{}})
	p := &packet.Packet{
		Type:      packet.TypeMessage,
		SenderID:  packet.PeerID{1},
		Payload:   []byte("hi"),
		Timestamp: packet.TimestampNow(time.Now()),
	}
	assert.Equal(t, DropUnknownSender, sec.Validate(p, packet.PeerID{9}))
}

func TestValidateAllowsBareAnnounceFromUnknownSender(t *testing.T) {
	sec := newTestSecurity(&fakePeers{keys: map[packet.PeerID][32]byte{}})
	p := &packet.Packet{
		Type:      packet.TypeAnnounce,
		SenderID:  packet.PeerID{1},
		Payload:   []byte("hi"),
		Timestamp: packet.TimestampNow(time.Now()),
	}
	assert.Equal(t, Accept, sec.Validate(p, packet.PeerID{9}))
}

func TestAvoidListTTLExpiry(t *testing.T) {
	a := NewAvoidList(20 * time.Millisecond)
	a.Avoid("addr-1")
	assert.True(t, a.IsAvoided("addr-1"))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, a.IsAvoided("addr-1"))
}

func TestAvoidListClear(t *testing.T) {
	a := NewAvoidList(time.Minute)
	a.Avoid("addr-2")
	require.True(t, a.IsAvoided("addr-2"))
	a.Clear("addr-2")
	assert.False(t, a.IsAvoided("addr-2"))
}

func TestFingerprintOfDistinguishesPayload(t *testing.T) {
	base := &packet.Packet{SenderID: packet.PeerID{1}, Timestamp: 1, Type: packet.TypeMessage, Payload: []byte("a")}
	other := &packet.Packet{SenderID: packet.PeerID{1}, Timestamp: 1, Type: packet.TypeMessage, Payload: []byte("b")}
	assert.NotEqual(t, FingerprintOf(base), FingerprintOf(other))
}

func TestSeenSetInsertReportsDuplicate(t *testing.T) {
	s := NewSeenSet(4)
	fp := Fingerprint{1, 2, 3}
	assert.False(t, s.Insert(fp))
	assert.True(t, s.Insert(fp))
	assert.True(t, s.Contains(fp))
}
