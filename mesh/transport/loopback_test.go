package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/mesh/mesh/packet"
)

type recordingSink struct {
	mu        sync.Mutex
	packets   []*packet.Packet
	relayAddr []string
	connected []string
}

func (r *recordingSink) OnPacket(p *packet.Packet, relayAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
	r.relayAddr = append(r.relayAddr, relayAddress)
}
func (r *recordingSink) OnDeviceConnected(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, addr)
}
func (r *recordingSink) OnDeviceDisconnected(addr string) {}
func (r *recordingSink) OnRSSI(addr string, rssi int16)   {}

func (r *recordingSink) received() []*packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*packet.Packet(nil), r.packets...)
}

func TestConnectRaisesOnDeviceConnectedBothSides(t *testing.T) {
	aSink, bSink := &recordingSink{}, &recordingSink{}
	a := NewLoopback("a", aSink)
	b := NewLoopback("b", bSink)

	a.Connect(packet.PeerID{1}, b, packet.PeerID{2})

	assert.Equal(t, []string{"b"}, aSink.connected)
	assert.Equal(t, []string{"a"}, bSink.connected)
}

func TestSendToPeerDeliversToConnectedPeer(t *testing.T) {
	aSink, bSink := &recordingSink{}, &recordingSink{}
	a := NewLoopback("a", aSink)
	b := NewLoopback("b", bSink)
	a.Connect(packet.PeerID{1}, b, packet.PeerID{2})

	p := &packet.Packet{SenderID: packet.PeerID{1}, Payload: []byte("hi")}
	ok := a.SendToPeer(packet.PeerID{2}, p)
	require.True(t, ok)

	received := bSink.received()
	require.Len(t, received, 1)
	assert.Equal(t, p.Payload, received[0].Payload)
}

func TestSendToPeerFalseWhenUnreachable(t *testing.T) {
	a := NewLoopback("a", &recordingSink{})
	ok := a.SendToPeer(packet.PeerID{9}, &packet.Packet{})
	assert.False(t, ok)
}

func TestBroadcastSkipsRelayOriginLink(t *testing.T) {
	aSink := &recordingSink{}
	bSink := &recordingSink{}
	cSink := &recordingSink{}
	a := NewLoopback("a", aSink)
	b := NewLoopback("b", bSink)
	c := NewLoopback("c", cSink)

	a.Connect(packet.PeerID{1}, b, packet.PeerID{2})
	a.Connect(packet.PeerID{1}, c, packet.PeerID{3})

	p := &packet.Packet{SenderID: packet.PeerID{9}, Payload: []byte("relay me")}
	a.Broadcast(RoutedPacket{Packet: p, RelayAddress: "b"})

	assert.Empty(t, bSink.received())
	require.Len(t, cSink.received(), 1)
}

func TestDeliverClonesPacket(t *testing.T) {
	aSink, bSink := &recordingSink{}, &recordingSink{}
	a := NewLoopback("a", aSink)
	b := NewLoopback("b", bSink)
	a.Connect(packet.PeerID{1}, b, packet.PeerID{2})

	p := &packet.Packet{SenderID: packet.PeerID{1}, Payload: []byte("hi")}
	a.SendToPeer(packet.PeerID{2}, p)

	received := bSink.received()
	require.Len(t, received, 1)
	received[0].Payload[0] = 'X'
	assert.NotEqual(t, p.Payload[0], received[0].Payload[0])
}

func TestDeviceAddressForAndAddressPeerMap(t *testing.T) {
	a := NewLoopback("a", &recordingSink{})
	b := NewLoopback("b", &recordingSink{})
	a.Connect(packet.PeerID{1}, b, packet.PeerID{2})

	addr, ok := a.DeviceAddressFor(packet.PeerID{2})
	require.True(t, ok)
	assert.Equal(t, "b", addr)

	m := a.AddressPeerMap()
	assert.Equal(t, packet.PeerID{2}, m["b"])
}

func TestCancelTransferIsNoOpSuccess(t *testing.T) {
	a := NewLoopback("a", &recordingSink{})
	assert.True(t, a.CancelTransfer("anything"))
}
