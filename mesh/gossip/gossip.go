// Package gossip implements GossipSync (spec §4.8): a bounded set of
// recently-seen public packet ids, exchanged between newly-direct peers as
// compact Golomb-coded set filters so each side can replay whatever the
// other is missing.
package gossip

import (
	"hash/fnv"
	"sync"
	"time"

	bloomfilter "github.com/steakknife/bloomfilter"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/common"
	"github.com/bitchat-mesh/mesh/mesh/packet"
	"github.com/bitchat-mesh/mesh/mesh/security"
)

var logger = meshlog.NewModuleLogger(meshlog.Gossip)

// initialSyncDelay lets a freshly-established handshake settle before the
// first filter exchange (spec §4.8: "~1 s").
const initialSyncDelay = time.Second

type fpKey security.Fingerprint

func (k fpKey) CacheKey() interface{} { return security.Fingerprint(k) }

// Transport is the subset of the engine's transports GossipSync drives
// directly: sending its own filter, and replaying packets the peer is
// missing.
type Transport interface {
	SendRequestSync(id packet.PeerID, filter []byte) error
	SendPacket(id packet.PeerID, p *packet.Packet) error
}

// Sync is GossipSync (spec §4.8).
type Sync struct {
	mu    sync.Mutex
	cache common.Cache // Fingerprint -> *packet.Packet

	targetFPR float64
	maxBytes  int
	transport Transport

	lastBloom *bloomfilter.Filter
}

// New constructs a Sync. capacity is seen_capacity, targetFPR/maxBytes are
// gcs_target_fpr/gcs_max_bytes (spec §6.4).
func New(capacity int, targetFPR float64, maxBytes int, transport Transport) (*Sync, error) {
	c, err := common.NewCache(common.LRUConfig{CacheSize: capacity})
	if err != nil {
		return nil, err
	}
	return &Sync{cache: c, targetFPR: targetFPR, maxBytes: maxBytes, transport: transport}, nil
}

// OnPublicPacketSeen adds p's id to the locally-seen set (spec §4.8).
func (s *Sync) OnPublicPacketSeen(p *packet.Packet) {
	fp := security.FingerprintOf(p)
	s.mu.Lock()
	s.cache.Add(fpKey(fp), p.Clone())
	s.mu.Unlock()
}

// OnNewPeerDirect schedules an initial filter exchange with id (spec §4.8).
func (s *Sync) OnNewPeerDirect(id packet.PeerID) {
	go func() {
		time.Sleep(initialSyncDelay)
		if err := s.sendFilterTo(id); err != nil {
			logger.Warn("gossip sync exchange failed", "peer", id.String(), "err", err)
		}
	}()
}

func (s *Sync) sendFilterTo(id packet.PeerID) error {
	items := s.items()
	if len(items) == 0 {
		return nil
	}
	if s.unchangedSinceLastBloom(items) {
		return nil
	}
	filter := BuildFilter(items, s.targetFPR, s.maxBytes)
	return s.transport.SendRequestSync(id, filter.Marshal())
}

func (s *Sync) items() [][]byte {
	s.mu.Lock()
	keys := s.cache.Keys()
	s.mu.Unlock()
	items := make([][]byte, 0, len(keys))
	for _, k := range keys {
		fp := k.(security.Fingerprint)
		items = append(items, append([]byte(nil), fp[:]...))
	}
	return items
}

// unchangedSinceLastBloom is the cheap local pre-check before paying the
// cost of encoding a full Golomb-coded set: if every current id already
// hashed into the bloom snapshot taken at the last filter we sent, there is
// nothing new to offer and the GCS build/send is skipped.
func (s *Sync) unchangedSinceLastBloom(items [][]byte) bool {
	s.mu.Lock()
	bloom := s.lastBloom
	s.mu.Unlock()
	if bloom == nil {
		s.refreshBloom(items)
		return false
	}
	for _, it := range items {
		h := fnv.New64a()
		h.Write(it)
		if !bloom.Contains(h) {
			s.refreshBloom(items)
			return false
		}
	}
	return true
}

func (s *Sync) refreshBloom(items [][]byte) {
	bf, err := bloomfilter.NewOptimal(uint64(len(items))+1, 0.01)
	if err != nil {
		return
	}
	for _, it := range items {
		h := fnv.New64a()
		h.Write(it)
		bf.Add(h)
	}
	s.mu.Lock()
	s.lastBloom = bf
	s.mu.Unlock()
}

// HandleRequestSync answers a peer's sync filter by replaying every locally
// cached packet the filter doesn't represent (spec §4.8). Failures are
// logged rather than raised: sync is best-effort, retried on next connect.
func (s *Sync) HandleRequestSync(id packet.PeerID, filterBytes []byte) {
	remote, ok := UnmarshalFilter(filterBytes)
	if !ok {
		logger.Warn("malformed sync filter", "peer", id.String())
		return
	}
	s.mu.Lock()
	keys := s.cache.Keys()
	s.mu.Unlock()
	for _, k := range keys {
		fp := k.(security.Fingerprint)
		if remote.Contains(fp[:]) {
			continue
		}
		s.mu.Lock()
		v, found := s.cache.Get(fpKey(fp))
		s.mu.Unlock()
		if !found {
			continue
		}
		p := v.(*packet.Packet)
		if err := s.transport.SendPacket(id, p); err != nil {
			logger.Warn("replay missing packet failed", "peer", id.String(), "err", err)
			return
		}
	}
}
