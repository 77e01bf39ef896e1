package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/mesh/mesh/packet"
)

type recordingTransport struct {
	mu       sync.Mutex
	filters  []packet.PeerID
	replayed []*packet.Packet
}

func (r *recordingTransport) SendRequestSync(id packet.PeerID, filter []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, id)
	return nil
}

func (r *recordingTransport) SendPacket(id packet.PeerID, p *packet.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replayed = append(r.replayed, p)
	return nil
}

func testPacket(senderByte byte, payload string) *packet.Packet {
	return &packet.Packet{
		Version:   packet.CurrentVersion,
		Type:      packet.TypeMessage,
		TTL:       3,
		Timestamp: uint64(1),
		SenderID:  packet.PeerID{senderByte},
		Payload:   []byte(payload),
	}
}

func TestHandleRequestSyncReplaysMissingPackets(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(500, 0.01, 400, tr)
	require.NoError(t, err)

	p1 := testPacket(1, "one")
	p2 := testPacket(2, "two")
	s.OnPublicPacketSeen(p1)
	s.OnPublicPacketSeen(p2)

	// Empty remote filter: peer has nothing, everything should replay.
	empty := &Filter{M: 1}
	s.HandleRequestSync(packet.PeerID{9}, empty.Marshal())

	assert.Len(t, tr.replayed, 2)
}

func TestHandleRequestSyncSkipsItemsPeerAlreadyHas(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(500, 0.01, 400, tr)
	require.NoError(t, err)

	p1 := testPacket(1, "one")
	s.OnPublicPacketSeen(p1)

	remoteFilter := BuildFilter(s.items(), 0.01, 400)
	s.HandleRequestSync(packet.PeerID{9}, remoteFilter.Marshal())

	assert.Empty(t, tr.replayed)
}

func TestHandleRequestSyncMalformedFilterIgnored(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(500, 0.01, 400, tr)
	require.NoError(t, err)
	s.OnPublicPacketSeen(testPacket(1, "one"))

	s.HandleRequestSync(packet.PeerID{9}, []byte{1, 2})
	assert.Empty(t, tr.replayed)
}

func TestOnNewPeerDirectSendsFilterAfterDelay(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(500, 0.01, 400, tr)
	require.NoError(t, err)
	s.OnPublicPacketSeen(testPacket(1, "one"))

	peer := packet.PeerID{7}
	s.OnNewPeerDirect(peer)

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.filters) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOnNewPeerDirectSkipsWhenNothingSeen(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(500, 0.01, 400, tr)
	require.NoError(t, err)

	s.OnNewPeerDirect(packet.PeerID{7})

	time.Sleep(1200 * time.Millisecond)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.filters)
}
