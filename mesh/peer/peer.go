// Package peer implements PeerRegistry (spec §4.2): the active-peer table,
// the peer_id<->fingerprint bijection, and per-channel membership, grounded
// on the teacher's plain map+mutex peer set (node/sc/bridgepeer.go's
// bridgePeerSet, node/cn/peer.go's basePeer).
package peer

import (
	"crypto/sha256"
	"sort"
	"sync"
	"time"

	set "gopkg.in/fatih/set.v0"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/metrics"
	"github.com/bitchat-mesh/mesh/mesh/packet"
)

var logger = meshlog.NewModuleLogger(meshlog.Peer)

// Fingerprint is the SHA-256 of a peer's static public signing key: the
// long-term identity that survives a PeerID rotation (spec §3).
type Fingerprint [32]byte

// FingerprintOf hashes a 32-byte static public key into a Fingerprint.
func FingerprintOf(pub [32]byte) Fingerprint {
	return Fingerprint(sha256.Sum256(pub[:]))
}

// Info is PeerInfo (spec §3).
type Info struct {
	ID         packet.PeerID
	Nickname   string
	Connected  bool
	Direct     bool
	NoisePub   [32]byte
	SigningPub [32]byte
	Verified   bool
	LastSeen   time.Time
	RSSI       *int16
}

// Delegate receives lifecycle notifications PeerRegistry cannot itself act
// on (spec §6.3's on_peer_list_updated, plus the removal hook spec §4.2
// names directly).
type Delegate interface {
	OnPeerRemoved(id packet.PeerID)
	OnPeerListUpdated(ids []packet.PeerID)
}

// Registry is PeerRegistry (spec §4.2).
type Registry struct {
	mu sync.RWMutex

	peers           map[packet.PeerID]*Info
	fingerprintOf   map[packet.PeerID]Fingerprint
	peerIDOf        map[Fingerprint]packet.PeerID
	channelMembers  map[string]*set.Set // channel name -> set of packet.PeerID-as-string

	staleTimeout time.Duration
	delegate     Delegate

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Registry. staleTimeout is STALE_TIMEOUT (spec §4.2,
// default 180s via config.StalePeer).
func New(staleTimeout time.Duration, delegate Delegate) *Registry {
	return &Registry{
		peers:          make(map[packet.PeerID]*Info),
		fingerprintOf:  make(map[packet.PeerID]Fingerprint),
		peerIDOf:       make(map[Fingerprint]packet.PeerID),
		channelMembers: make(map[string]*set.Set),
		staleTimeout:   staleTimeout,
		delegate:       delegate,
		stopCh:         make(chan struct{}),
	}
}

// RunGC starts the periodic GC loop (every interval, spec §4.2 "Periodic GC
// every 60 s"). Call Stop to cancel it.
func (r *Registry) RunGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.gc()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the GC loop. Idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) gc() {
	cutoff := time.Now().Add(-r.staleTimeout)
	var removed []packet.PeerID
	r.mu.Lock()
	for id, info := range r.peers {
		if info.LastSeen.Before(cutoff) {
			removed = append(removed, id)
			delete(r.peers, id)
			if fp, ok := r.fingerprintOf[id]; ok {
				delete(r.fingerprintOf, id)
				if r.peerIDOf[fp] == id {
					delete(r.peerIDOf, fp)
				}
			}
		}
	}
	r.mu.Unlock()
	for _, id := range removed {
		logger.Info("peer expired", "peer", id.String())
		if r.delegate != nil {
			r.delegate.OnPeerRemoved(id)
		}
	}
	if len(removed) > 0 {
		r.notifyPeerList()
	}
}

// UpdatePeerInfo replaces the peer's entry, preserving Direct, and returns
// true only if this is the first verified entry for this peer_id (spec
// §4.2).
func (r *Registry) UpdatePeerInfo(id packet.PeerID, nickname string, noisePub, signingPub [32]byte, verified bool) bool {
	r.mu.Lock()
	existing, had := r.peers[id]
	direct := had && existing.Direct
	isNew := verified && (!had || !existing.Verified)

	info := &Info{
		ID:         id,
		Nickname:   nickname,
		Connected:  true,
		Direct:     direct,
		NoisePub:   noisePub,
		SigningPub: signingPub,
		Verified:   verified,
		LastSeen:   time.Now(),
	}
	if had {
		info.RSSI = existing.RSSI
	}
	r.peers[id] = info
	r.mu.Unlock()

	if verified {
		r.storeFingerprintLocked(id, signingPub)
	}
	r.notifyPeerList()
	return isNew
}

// StoreFingerprint binds id to the fingerprint of pub, only ever called
// after a verified handshake or announce (spec §4.2). New bindings
// supersede and remove any previous peer_id mapped to the same fingerprint,
// maintaining the bijection invariant.
func (r *Registry) StoreFingerprint(id packet.PeerID, pub [32]byte) Fingerprint {
	return r.storeFingerprintLocked(id, pub)
}

func (r *Registry) storeFingerprintLocked(id packet.PeerID, pub [32]byte) Fingerprint {
	fp := FingerprintOf(pub)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prevID, ok := r.peerIDOf[fp]; ok && prevID != id {
		delete(r.fingerprintOf, prevID)
	}
	r.fingerprintOf[id] = fp
	r.peerIDOf[fp] = id
	return fp
}

// FingerprintFor looks up the long-term identity bound to a peer_id.
func (r *Registry) FingerprintFor(id packet.PeerID) (Fingerprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.fingerprintOf[id]
	return fp, ok
}

// PeerIDForFingerprint is the reverse lookup.
func (r *Registry) PeerIDForFingerprint(fp Fingerprint) (packet.PeerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.peerIDOf[fp]
	return id, ok
}

// UpdateLastSeen touches the peer's last-seen timestamp.
func (r *Registry) UpdateLastSeen(id packet.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.peers[id]; ok {
		info.LastSeen = time.Now()
	}
}

// UpdateRSSI records a transport-supplied signal-strength hint.
func (r *Registry) UpdateRSSI(id packet.PeerID, rssi int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.peers[id]; ok {
		v := rssi
		info.RSSI = &v
	}
}

// SetDirect marks whether a link carries this peer directly (no relay hop).
func (r *Registry) SetDirect(id packet.PeerID, direct bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.peers[id]; ok {
		info.Direct = direct
	}
}

// RemovePeer drops a peer's entry and its fingerprint bindings, and signals
// the delegate (spec §4.2).
func (r *Registry) RemovePeer(id packet.PeerID) {
	r.mu.Lock()
	_, existed := r.peers[id]
	delete(r.peers, id)
	if fp, ok := r.fingerprintOf[id]; ok {
		delete(r.fingerprintOf, id)
		if r.peerIDOf[fp] == id {
			delete(r.peerIDOf, fp)
		}
	}
	r.mu.Unlock()
	if !existed {
		return
	}
	if r.delegate != nil {
		r.delegate.OnPeerRemoved(id)
	}
	r.notifyPeerList()
}

// Get returns a copy of the peer's info.
func (r *Registry) Get(id packet.PeerID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// SigningPubFor returns the signing key PeerRegistry has on file for id, if
// any verified announce has bound one (satisfies mesh/security.PeerLookup).
func (r *Registry) SigningPubFor(id packet.PeerID) (pub [32]byte, verified bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[id]
	if !ok || !info.Verified {
		return [32]byte{}, false
	}
	return info.SigningPub, true
}

// ActivePeerIDs returns peers with LastSeen within the stale-peer window,
// sorted ascending by peer id for deterministic gossip (spec §4.2,
// property 4).
func (r *Registry) ActivePeerIDs() []packet.PeerID {
	cutoff := time.Now().Add(-r.staleTimeout)
	r.mu.RLock()
	ids := make([]packet.PeerID, 0, len(r.peers))
	for id, info := range r.peers {
		if !info.LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})
	return ids
}

// ActivePeerCount reports how many peers are currently active, for
// RelayEngine's density threshold (spec §4.9 item 2).
func (r *Registry) ActivePeerCount() int {
	return len(r.ActivePeerIDs())
}

func (r *Registry) notifyPeerList() {
	ids := r.ActivePeerIDs()
	metrics.ActivePeers.Set(float64(len(ids)))
	if r.delegate == nil {
		return
	}
	r.delegate.OnPeerListUpdated(ids)
}

// JoinChannel adds id to a channel's membership set (supplements LEAVE
// handling, spec §4.7).
func (r *Registry) JoinChannel(channel string, id packet.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channelMembers[channel]
	if !ok {
		members = set.New()
		r.channelMembers[channel] = members
	}
	members.Add(id.String())
}

// LeaveChannel removes id from a channel's membership set, reporting
// whether it had been a member.
func (r *Registry) LeaveChannel(channel string, id packet.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channelMembers[channel]
	if !ok {
		return false
	}
	wasMember := members.Has(id.String())
	members.Remove(id.String())
	return wasMember
}

// ChannelMembers returns the current membership of a channel.
func (r *Registry) ChannelMembers(channel string) []string {
	r.mu.RLock()
	members, ok := r.channelMembers[channel]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	out := make([]string, 0, members.Size())
	members.Each(func(item interface{}) bool {
		out = append(out, item.(string))
		return true
	})
	return out
}
