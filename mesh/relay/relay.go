// Package relay implements RelayEngine (spec §4.9): TTL decrement, adaptive
// relay probability, and loop avoidance via relay_address.
package relay

import (
	cryptorand "crypto/rand"
	"math/rand"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/config"
	"github.com/bitchat-mesh/mesh/mesh/metrics"
	"github.com/bitchat-mesh/mesh/mesh/packet"
)

var logger = meshlog.NewModuleLogger(meshlog.Relay)

// ActivePeerCounter reports the current active-peer count RelayEngine needs
// for its density threshold (spec §4.9 item 2).
type ActivePeerCounter interface {
	ActivePeerCount() int
}

// Engine is RelayEngine (spec §4.9).
type Engine struct {
	cfg   config.Config
	peers ActivePeerCounter
	rand  *rand.Rand
}

// New constructs an Engine.
func New(cfg config.Config, peers ActivePeerCounter) *Engine {
	return &Engine{cfg: cfg, peers: peers, rand: rand.New(rand.NewSource(randSeed()))}
}

// randSeed avoids the package-level math/rand default source, which is
// shared process-wide; each Engine gets its own so relay decisions across
// independently-constructed engines in tests don't interleave draws.
func randSeed() int64 {
	var b [8]byte
	_, _ = cryptorand.Read(b[:])
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	if v < 0 {
		v = -v
	}
	if v == 0 {
		v = 1
	}
	return v
}

// ShouldRelay decides whether the received packet p should be
// re-broadcast, and if so returns the decremented copy to send (spec
// §4.9). localID is the engine's own PeerID.
func (e *Engine) ShouldRelay(p *packet.Packet, localID packet.PeerID) (*packet.Packet, bool) {
	if p.SenderID == localID {
		return nil, false
	}
	if p.TTL == 0 {
		return nil, false
	}
	if !p.IsBroadcast() && *p.RecipientID == localID {
		return nil, false
	}

	if !e.shouldRelayProbability(p.TTL) {
		return nil, false
	}

	cp := p.Clone()
	cp.TTL--
	metrics.RelayedTotal.Inc()
	return cp, true
}

func (e *Engine) shouldRelayProbability(ttl uint8) bool {
	if ttl >= e.cfg.RelayAlwaysTTL {
		return true
	}
	if e.peers != nil && e.peers.ActivePeerCount() <= e.cfg.RelayAlwaysPeerCount {
		return true
	}
	return e.rand.Float64() < e.cfg.RelayBaseProbability
}

// FilterRelayAddress removes relayAddress from the set of transport ids a
// broadcast would otherwise fan out to, so a relayed packet is never sent
// back down the link it arrived on (spec §4.9 item 3, §8 property 8).
func FilterRelayAddress(transportIDs []string, relayAddress string) []string {
	if relayAddress == "" {
		return transportIDs
	}
	out := make([]string, 0, len(transportIDs))
	for _, id := range transportIDs {
		if id == relayAddress {
			logger.Debug("skipping relay-origin link", "link", id)
			continue
		}
		out = append(out, id)
	}
	return out
}
