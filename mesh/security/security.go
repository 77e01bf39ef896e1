// Package security implements Security (spec §4.4): admission, dedup, time
// window, signature verification, and the noise-handshake relay glue.
package security

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/metrics"
	"github.com/bitchat-mesh/mesh/mesh/packet"
)

var logger = meshlog.NewModuleLogger(meshlog.Security)

// Verdict is the outcome of Validate.
type Verdict int

const (
	// Accept means the packet passed every admission check.
	Accept Verdict = iota
	// DropMalformed covers a self-sent packet, or an empty payload on any
	// type other than LEAVE (whose channel name is optional).
	DropMalformed
	// DropDuplicate means the packet's fingerprint was already in SeenSet.
	DropDuplicate
	// DropStale means the timestamp fell outside the clock-skew window.
	DropStale
	// DropBadSignature means signature verification failed against a known
	// signing key.
	DropBadSignature
	// DropUnknownSender means a non-ANNOUNCE/handshake packet arrived from
	// a sender Security has no signing key for.
	DropUnknownSender
)

// PeerLookup is the subset of PeerRegistry Security needs: the sender's
// announced signing key, if any.
type PeerLookup interface {
	SigningPubFor(id packet.PeerID) (pub [32]byte, verified bool)
}

// AvoidList tracks blacklisted transport addresses (spec §3 AvoidEntry,
// §4.4/§7 repeated-failure and protocol-violation blacklisting).
type AvoidList struct {
	mu      sync.Mutex
	entries map[string]time.Time // address -> avoid-until
	ttl     time.Duration
	db      *leveldb.DB // nil unless built via NewPersistentAvoidList
}

// NewAvoidList builds an AvoidList with the given TTL (spec §6.4
// avoid_ttl_ms, default 15m).
func NewAvoidList(ttl time.Duration) *AvoidList {
	return &AvoidList{entries: make(map[string]time.Time), ttl: ttl}
}

// Avoid blacklists address for the configured TTL.
func (a *AvoidList) Avoid(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	until := time.Now().Add(a.ttl)
	a.entries[address] = until
	a.persist(address, until)
}

// Clear removes address from the blacklist (spec §7: "Blacklist TTL: ...
// cleared on success").
func (a *AvoidList) Clear(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, address)
	a.unpersist(address)
}

// IsAvoided reports whether address is currently blacklisted, lazily
// expiring stale entries.
func (a *AvoidList) IsAvoided(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	until, ok := a.entries[address]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(a.entries, address)
		a.unpersist(address)
		return false
	}
	return true
}

// Delegate receives key-exchange completion notifications (spec §4.4 item
// 5).
type Delegate interface {
	OnKeyExchangeCompleted(id packet.PeerID, staticPub [32]byte)
}

// NoiseSessions is the subset of mesh/noise.Sessions Security drives
// directly, kept as an interface here so security has no import-cycle on
// the noise package.
type NoiseSessions interface {
	Process(id packet.PeerID, payload []byte) ([]byte, error)
	HasEstablished(id packet.PeerID) bool
	StaticPubFor(id packet.PeerID) ([32]byte, bool)
}

// Security implements spec §4.4.
type Security struct {
	Seen        *SeenSet
	MaxClockSkew time.Duration
	Peers       PeerLookup
	Noise       NoiseSessions
	Avoid       *AvoidList
	delegate    Delegate
}

// New constructs a Security component.
func New(seen *SeenSet, maxClockSkew time.Duration, peers PeerLookup, noise NoiseSessions, avoid *AvoidList, delegate Delegate) *Security {
	return &Security{Seen: seen, MaxClockSkew: maxClockSkew, Peers: peers, Noise: noise, Avoid: avoid, delegate: delegate}
}

// Validate runs admission, dedup, time-window, and signature checks (spec
// §4.4 items 1-4). localID is the engine's own PeerID, used for the
// self-sent check.
func (s *Security) Validate(p *packet.Packet, localID packet.PeerID) Verdict {
	if p.SenderID == localID || (len(p.Payload) == 0 && p.Type != packet.TypeLeave) {
		metrics.DroppedMalformed.Inc()
		return DropMalformed
	}

	fp := FingerprintOf(p)
	if s.Seen.Insert(fp) {
		metrics.DroppedDuplicate.Inc()
		return DropDuplicate
	}

	now := packet.TimestampNow(time.Now())
	skew := s.MaxClockSkew.Milliseconds()
	var delta int64
	if int64(now) > int64(p.Timestamp) {
		delta = int64(now) - int64(p.Timestamp)
	} else {
		delta = int64(p.Timestamp) - int64(now)
	}
	if delta > skew {
		metrics.DroppedStale.Inc()
		return DropStale
	}

	signingPub, known := s.Peers.SigningPubFor(p.SenderID)
	if p.Signature != nil && known {
		msg := packet.ToBinaryDataForSigning(p)
		if !ed25519.Verify(signingPub[:], msg, p.Signature[:]) {
			metrics.DroppedBadSignature.Inc()
			return DropBadSignature
		}
	} else if !known && !isBareAllowed(p.Type) {
		metrics.DroppedUnknownSender.Inc()
		return DropUnknownSender
	}

	return Accept
}

// isBareAllowed reports whether a packet type is allowed through from a
// sender Security has no signing key for yet (spec §4.4 item 4:
// ANNOUNCE/NOISE_HANDSHAKE only).
func isBareAllowed(t uint8) bool {
	return t == packet.TypeAnnounce || packet.IsNoiseHandshake(t)
}

// ProcessHandshake drives the noise-handshake relay (spec §4.4 item 5): it
// advances the per-peer state machine and, if the protocol step produced a
// reply, returns the NOISE_HANDSHAKE packet to send back toward the peer.
// When the session reaches Established it notifies the delegate.
func (s *Security) ProcessHandshake(id packet.PeerID, payload []byte, senderID packet.PeerID) (*packet.Packet, error) {
	wasEstablished := s.Noise.HasEstablished(id)
	reply, err := s.Noise.Process(id, payload)
	if err != nil {
		logger.Warn("handshake step failed", "peer", id.String(), "err", err)
		return nil, err
	}
	if !wasEstablished && s.Noise.HasEstablished(id) {
		if pub, ok := s.Noise.StaticPubFor(id); ok && s.delegate != nil {
			s.delegate.OnKeyExchangeCompleted(id, pub)
		}
	}
	if reply == nil {
		return nil, nil
	}
	replyType := packet.TypeNoiseHandshakeResp
	return &packet.Packet{
		Version:     packet.CurrentVersion,
		Type:        replyType,
		TTL:         0,
		Timestamp:   packet.TimestampNow(time.Now()),
		SenderID:    senderID,
		RecipientID: &id,
		Payload:     reply,
	}, nil
}
