package storeforward

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/mesh/mesh/packet"
)

func openTestStore(t *testing.T, max int, ttl time.Duration, isFavorite FavoriteLookup) *Store {
	t.Helper()
	s, err := Open("", max, ttl, isFavorite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func privatePacket(recipient packet.PeerID, ts uint64, content string) *packet.Packet {
	return &packet.Packet{
		Version:     packet.CurrentVersion,
		Type:        packet.TypeNoiseEncrypted,
		TTL:         3,
		Timestamp:   ts,
		SenderID:    packet.PeerID{1},
		RecipientID: &recipient,
		Payload:     []byte(content),
	}
}

func TestCacheSkipsNonFavorite(t *testing.T) {
	s := openTestStore(t, 10, time.Hour, func(id packet.PeerID) bool { return false })
	recipient := packet.PeerID{2}

	require.NoError(t, s.Cache(privatePacket(recipient, 1, "a")))

	var drained []*packet.Packet
	require.NoError(t, s.DrainTo(recipient, func(p *packet.Packet) error {
		drained = append(drained, p)
		return nil
	}))
	assert.Empty(t, drained)
}

func TestCacheSkipsBroadcastAndAnnounceLeave(t *testing.T) {
	s := openTestStore(t, 10, time.Hour, func(id packet.PeerID) bool { return true })

	broadcast := &packet.Packet{Version: packet.CurrentVersion, Type: packet.TypeMessage, Timestamp: 1, SenderID: packet.PeerID{1}}
	require.NoError(t, s.Cache(broadcast))

	recipient := packet.PeerID{2}
	announce := &packet.Packet{Version: packet.CurrentVersion, Type: packet.TypeAnnounce, Timestamp: 1, SenderID: packet.PeerID{1}, RecipientID: &recipient}
	require.NoError(t, s.Cache(announce))

	var drained []*packet.Packet
	require.NoError(t, s.DrainTo(recipient, func(p *packet.Packet) error {
		drained = append(drained, p)
		return nil
	}))
	assert.Empty(t, drained)
}

func TestCacheAndDrainOrdering(t *testing.T) {
	s := openTestStore(t, 10, time.Hour, func(id packet.PeerID) bool { return true })
	recipient := packet.PeerID{3}

	require.NoError(t, s.Cache(privatePacket(recipient, 100, "first")))
	require.NoError(t, s.Cache(privatePacket(recipient, 200, "second")))
	require.NoError(t, s.Cache(privatePacket(recipient, 300, "third")))

	var order []string
	require.NoError(t, s.DrainTo(recipient, func(p *packet.Packet) error {
		order = append(order, string(p.Payload))
		return nil
	}))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDrainToRemovesDeliveredEntries(t *testing.T) {
	s := openTestStore(t, 10, time.Hour, func(id packet.PeerID) bool { return true })
	recipient := packet.PeerID{4}
	require.NoError(t, s.Cache(privatePacket(recipient, 1, "once")))

	var first, second []*packet.Packet
	require.NoError(t, s.DrainTo(recipient, func(p *packet.Packet) error {
		first = append(first, p)
		return nil
	}))
	require.NoError(t, s.DrainTo(recipient, func(p *packet.Packet) error {
		second = append(second, p)
		return nil
	}))

	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	s := openTestStore(t, 2, time.Hour, func(id packet.PeerID) bool { return true })
	recipient := packet.PeerID{5}

	require.NoError(t, s.Cache(privatePacket(recipient, 100, "oldest")))
	require.NoError(t, s.Cache(privatePacket(recipient, 200, "middle")))
	require.NoError(t, s.Cache(privatePacket(recipient, 300, "newest")))

	var order []string
	require.NoError(t, s.DrainTo(recipient, func(p *packet.Packet) error {
		order = append(order, string(p.Payload))
		return nil
	}))
	assert.Equal(t, []string{"middle", "newest"}, order)
}

func TestGCExpiresOldEntries(t *testing.T) {
	s := openTestStore(t, 10, 10*time.Millisecond, func(id packet.PeerID) bool { return true })
	recipient := packet.PeerID{6}
	require.NoError(t, s.Cache(privatePacket(recipient, packet.TimestampNow(time.Now()), "expiring")))

	time.Sleep(30 * time.Millisecond)
	s.gc()

	var drained []*packet.Packet
	require.NoError(t, s.DrainTo(recipient, func(p *packet.Packet) error {
		drained = append(drained, p)
		return nil
	}))
	assert.Empty(t, drained)
}

func TestDrainToStopsOnEmitError(t *testing.T) {
	s := openTestStore(t, 10, time.Hour, func(id packet.PeerID) bool { return true })
	recipient := packet.PeerID{7}
	require.NoError(t, s.Cache(privatePacket(recipient, 1, "a")))
	require.NoError(t, s.Cache(privatePacket(recipient, 2, "b")))

	boom := assert.AnError
	err := s.DrainTo(recipient, func(p *packet.Packet) error { return boom })
	assert.ErrorIs(t, err, boom)
}
