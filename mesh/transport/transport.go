// Package transport defines the Transport contract (spec §6.1) that
// MeshCore drives, plus an in-memory loopback implementation useful for
// tests and the demo binary.
package transport

import (
	"sync"

	"github.com/bitchat-mesh/mesh/mesh/packet"
)

// RoutedPacket is a packet together with the link it must not be echoed
// back down, honored by Transport.Broadcast (spec §6.1, §4.9 item 3).
type RoutedPacket struct {
	Packet       *packet.Packet
	RelayAddress string
}

// Transport is the core/radio boundary (spec §6.1). Concrete stacks (BLE
// GATT, Wi-Fi P2P, Nostr relay fallback) are out of scope; this is the
// interface they implement against.
type Transport interface {
	ID() string
	Broadcast(routed RoutedPacket)
	SendToPeer(id packet.PeerID, p *packet.Packet) bool
	CancelTransfer(transferID string) bool
	DeviceAddressFor(id packet.PeerID) (string, bool)
	AddressPeerMap() map[string]packet.PeerID
}

// Sink receives the signals a Transport raises into the core (spec §6.1):
// inbound packets, link lifecycle, and RSSI samples.
type Sink interface {
	OnPacket(p *packet.Packet, relayAddress string)
	OnDeviceConnected(addr string)
	OnDeviceDisconnected(addr string)
	OnRSSI(addr string, rssi int16)
}

// Loopback is an in-memory Transport for tests and the demo binary: peers
// are wired to each other directly by PeerID rather than discovered over a
// radio, and Broadcast/SendToPeer call the target's Sink synchronously.
type Loopback struct {
	mu    sync.RWMutex
	id    string
	sink  Sink
	peers map[packet.PeerID]*Loopback // id -> transport the peer is reachable on
	addrs map[string]packet.PeerID
}

// NewLoopback constructs a Loopback transport identified by id.
func NewLoopback(id string, sink Sink) *Loopback {
	return &Loopback{
		id:    id,
		sink:  sink,
		peers: make(map[packet.PeerID]*Loopback),
		addrs: make(map[string]packet.PeerID),
	}
}

// Connect wires l and other as a bidirectional direct link reachable via
// peer ids localPeer (on l's side) and remotePeer (on other's side), and
// raises on_device_connected on both sides.
func (l *Loopback) Connect(localPeer packet.PeerID, other *Loopback, remotePeer packet.PeerID) {
	l.mu.Lock()
	l.peers[remotePeer] = other
	l.addrs[other.id] = remotePeer
	l.mu.Unlock()

	other.mu.Lock()
	other.peers[localPeer] = l
	other.addrs[l.id] = localPeer
	other.mu.Unlock()

	if l.sink != nil {
		l.sink.OnDeviceConnected(other.id)
	}
	if other.sink != nil {
		other.sink.OnDeviceConnected(l.id)
	}
}

func (l *Loopback) ID() string { return l.id }

// Broadcast delivers routed.Packet to every connected peer except the one
// reachable via routed.RelayAddress (spec §8 property 8).
func (l *Loopback) Broadcast(routed RoutedPacket) {
	l.mu.RLock()
	targets := make([]*Loopback, 0, len(l.peers))
	for _, t := range l.peers {
		if t.id == routed.RelayAddress {
			continue
		}
		targets = append(targets, t)
	}
	l.mu.RUnlock()
	for _, t := range targets {
		t.deliver(routed.Packet, l.id)
	}
}

// SendToPeer delivers p directly to id, returning false if id is not
// currently reachable (spec §6.1 "false on no-route").
func (l *Loopback) SendToPeer(id packet.PeerID, p *packet.Packet) bool {
	l.mu.RLock()
	t, ok := l.peers[id]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	t.deliver(p, l.id)
	return true
}

func (l *Loopback) deliver(p *packet.Packet, fromAddr string) {
	if l.sink != nil {
		l.sink.OnPacket(p.Clone(), fromAddr)
	}
}

// CancelTransfer is a no-op for Loopback: there is no in-flight chunked
// transfer state to cancel over an in-memory link.
func (l *Loopback) CancelTransfer(transferID string) bool { return true }

// DeviceAddressFor returns the transport-local address id is reachable at.
func (l *Loopback) DeviceAddressFor(id packet.PeerID) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.peers[id]
	if !ok {
		return "", false
	}
	return t.id, true
}

// AddressPeerMap returns the address->peer id mapping for every connected
// link.
func (l *Loopback) AddressPeerMap() map[string]packet.PeerID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]packet.PeerID, len(l.addrs))
	for addr, id := range l.addrs {
		out[addr] = id
	}
	return out
}
