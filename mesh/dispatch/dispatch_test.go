package dispatch

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/mesh/mesh/config"
	"github.com/bitchat-mesh/mesh/mesh/fragment"
	"github.com/bitchat-mesh/mesh/mesh/gossip"
	"github.com/bitchat-mesh/mesh/mesh/handler"
	"github.com/bitchat-mesh/mesh/mesh/noise"
	"github.com/bitchat-mesh/mesh/mesh/packet"
	"github.com/bitchat-mesh/mesh/mesh/peer"
	"github.com/bitchat-mesh/mesh/mesh/relay"
	"github.com/bitchat-mesh/mesh/mesh/security"
)

type fakeFullDelegate struct{}

func (fakeFullDelegate) OnMessageReceived(msg handler.BitchatMessage)  {}
func (fakeFullDelegate) OnChannelLeave(channelName string, from packet.PeerID) {}
func (fakeFullDelegate) OnPeerLeft(from packet.PeerID)                 {}
func (fakeFullDelegate) OnPeerRemoved(id packet.PeerID)                {}
func (fakeFullDelegate) OnPeerListUpdated(ids []packet.PeerID)         {}
func (fakeFullDelegate) OnDeliveryAck(msgID string, from packet.PeerID) {}
func (fakeFullDelegate) OnReadReceipt(msgID string, from packet.PeerID) {}
func (fakeFullDelegate) IsFavorite(id packet.PeerID) bool              { return false }
func (fakeFullDelegate) OnKeyExchangeCompleted(id packet.PeerID, staticPub [32]byte) {}
func (fakeFullDelegate) DecryptChannelMessage(data []byte, channelName string) (string, bool) {
	return "", false
}

type fakeGossipTransport struct{}

func (fakeGossipTransport) SendRequestSync(id packet.PeerID, filter []byte) error { return nil }
func (fakeGossipTransport) SendPacket(id packet.PeerID, p *packet.Packet) error   { return nil }

type testRig struct {
	peers   *peer.Registry
	disp    *Dispatcher
	local   packet.PeerID
	outcome chan collected
}

type collected struct {
	from packet.PeerID
	out  Outcome
}

func newTestRig(t *testing.T, cfg config.Config) *testRig {
	t.Helper()
	local := packet.PeerID{0xaa}
	delegate := fakeFullDelegate{}
	peers := peer.New(cfg.StalePeer, delegate)
	seen := security.NewSeenSet(cfg.SeenCapacity)
	noisePriv, noisePub, err := noise.GenerateStaticKeypair()
	require.NoError(t, err)
	noiseSessions := noise.New(noisePriv, noisePub, cfg.HandshakeTimeout)
	avoid := security.NewAvoidList(cfg.AvoidTTL)
	sec := security.New(seen, cfg.MessageMaxClockSkew, peers, noiseSessions, avoid, delegate)
	fragMgr := fragment.New(cfg.FragmentTimeout)
	gsync, err := gossip.New(cfg.SeenCapacity, cfg.GCSTargetFPR, cfg.GCSMaxBytes, fakeGossipTransport{})
	require.NoError(t, err)
	h := handler.New(peers, sec, noiseSessions, fragMgr, gsync, delegate, local)
	relayEngine := relay.New(cfg, peers)

	outcome := make(chan collected, 64)
	disp := New(sec, peers, h, relayEngine, local, func(from packet.PeerID, out Outcome) {
		outcome <- collected{from: from, out: out}
	})
	return &testRig{peers: peers, disp: disp, local: local, outcome: outcome}
}

func signedMessage(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, sender packet.PeerID, ttl uint8, content string) *packet.Packet {
	t.Helper()
	p := &packet.Packet{
		Version:   packet.CurrentVersion,
		Type:      packet.TypeMessage,
		TTL:       ttl,
		Timestamp: packet.TimestampNow(time.Now()),
		SenderID:  sender,
		Payload:   handler.EncodePlainMessage([]byte(content)),
	}
	sig := ed25519.Sign(priv, packet.ToBinaryDataForSigning(p))
	var s packet.Signature
	copy(s[:], sig)
	p.Signature = &s
	return p
}

func TestDispatcherDeliversAcceptedMessage(t *testing.T) {
	cfg := config.DefaultConfig
	r := newTestRig(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{1}
	r.peers.UpdatePeerInfo(sender, "alice", [32]byte{}, [32]byte(pub[:32]), true)

	p := signedMessage(t, pub, priv, sender, 3, "hello")
	r.disp.Submit(&Inbound{Packet: p})

	select {
	case c := <-r.outcome:
		require.NotNil(t, c.out.Message)
		assert.Equal(t, "hello", c.out.Message.Content)
		assert.Equal(t, sender, c.from)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestDispatcherDropsDuplicateSilently(t *testing.T) {
	cfg := config.DefaultConfig
	r := newTestRig(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{2}
	r.peers.UpdatePeerInfo(sender, "bob", [32]byte{}, [32]byte(pub[:32]), true)

	p := signedMessage(t, pub, priv, sender, 3, "once")
	r.disp.Submit(&Inbound{Packet: p})
	r.disp.Submit(&Inbound{Packet: p})

	require.Eventually(t, func() bool { return len(r.outcome) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.outcome, 1)
}

func TestDispatcherPreservesPerPeerOrder(t *testing.T) {
	cfg := config.DefaultConfig
	r := newTestRig(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{3}
	r.peers.UpdatePeerInfo(sender, "carol", [32]byte{}, [32]byte(pub[:32]), true)

	const n = 20
	for i := 0; i < n; i++ {
		p := signedMessage(t, pub, priv, sender, 3, string(rune('a'+i)))
		r.disp.Submit(&Inbound{Packet: p})
		time.Sleep(time.Millisecond) // distinct timestamps for dedup
	}

	var got []string
	for i := 0; i < n; i++ {
		select {
		case c := <-r.outcome:
			got = append(got, c.out.Message.Content)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d messages", i)
		}
	}
	for i, content := range got {
		assert.Equal(t, string(rune('a'+i)), content)
	}
}

func TestDispatcherRelaysEligiblePacket(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.RelayAlwaysTTL = 2
	r := newTestRig(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{4}
	r.peers.UpdatePeerInfo(sender, "dave", [32]byte{}, [32]byte(pub[:32]), true)

	p := signedMessage(t, pub, priv, sender, 5, "relay me")
	r.disp.Submit(&Inbound{Packet: p, RelayAddr: "link-a"})

	select {
	case c := <-r.outcome:
		require.NotNil(t, c.out.Relay)
		assert.Equal(t, uint8(4), c.out.Relay.TTL)
		assert.Equal(t, "link-a", c.out.RelayAddr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relay outcome")
	}
}

func TestDispatcherNeverRelaysTTLZero(t *testing.T) {
	cfg := config.DefaultConfig
	r := newTestRig(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{5}
	r.peers.UpdatePeerInfo(sender, "erin", [32]byte{}, [32]byte(pub[:32]), true)

	p := signedMessage(t, pub, priv, sender, 0, "ttl zero")
	r.disp.Submit(&Inbound{Packet: p})

	select {
	case c := <-r.outcome:
		assert.Nil(t, c.out.Relay)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestStopDrainsPendingWork(t *testing.T) {
	cfg := config.DefaultConfig
	r := newTestRig(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{6}
	r.peers.UpdatePeerInfo(sender, "frank", [32]byte{}, [32]byte(pub[:32]), true)

	var mu sync.Mutex
	delivered := 0
	r.disp.onOutcome = func(from packet.PeerID, out Outcome) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}

	for i := 0; i < 5; i++ {
		p := signedMessage(t, pub, priv, sender, 3, string(rune('a'+i)))
		r.disp.Submit(&Inbound{Packet: p})
	}
	r.disp.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, delivered)
}

// A fragment frame that completes reassembly locally must still be relayed
// onward like any other accepted packet — otherwise a 3+ hop line topology
// never propagates the final fragment past the node that completes it.
func TestDispatcherRelaysCompletingFragmentFrame(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.RelayAlwaysTTL = 2
	r := newTestRig(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{8}
	r.peers.UpdatePeerInfo(sender, "gary", [32]byte{}, [32]byte(pub[:32]), true)

	original := &packet.Packet{
		Version:   packet.CurrentVersion,
		Type:      packet.TypeMessage,
		TTL:       5,
		Timestamp: packet.TimestampNow(time.Now()),
		SenderID:  sender,
		Payload:   make([]byte, 2000),
	}
	frames, err := fragment.New(time.Minute).CreateFragments(original)
	require.NoError(t, err)
	require.True(t, len(frames) > 1)

	for _, frame := range frames {
		sig := ed25519.Sign(priv, packet.ToBinaryDataForSigning(frame))
		var s packet.Signature
		copy(s[:], sig)
		frame.Signature = &s
		r.disp.Submit(&Inbound{Packet: frame, RelayAddr: "link-x"})
	}

	var last collected
	for i := 0; i < len(frames); i++ {
		select {
		case c := <-r.outcome:
			last = c
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for fragment outcome %d", i)
		}
	}

	require.NotNil(t, last.out.Relay, "completing fragment frame must be relayed onward")
	assert.Equal(t, uint8(4), last.out.Relay.TTL)
	assert.Equal(t, "link-x", last.out.RelayAddr)

	// The reassembled message re-enters the pipeline and is delivered too.
	select {
	case c := <-r.outcome:
		require.NotNil(t, c.out.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reassembled message outcome")
	}
}

func TestSubmitIsNoOpAfterStop(t *testing.T) {
	cfg := config.DefaultConfig
	r := newTestRig(t, cfg)
	r.disp.Stop()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sender := packet.PeerID{7}
	p := signedMessage(t, pub, priv, sender, 3, "after stop")
	assert.NotPanics(t, func() {
		r.disp.Submit(&Inbound{Packet: p})
	})
}
