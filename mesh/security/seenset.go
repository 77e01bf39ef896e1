package security

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/bitchat-mesh/mesh/common"
	"github.com/bitchat-mesh/mesh/mesh/packet"
)

// Fingerprint identifies a specific observed packet instance for dedup
// purposes: H(sender_id || timestamp || type || payload_hash) (spec §4.4).
type Fingerprint [32]byte

// FingerprintOf computes the dedup fingerprint of p.
func FingerprintOf(p *packet.Packet) Fingerprint {
	payloadHash := sha256.Sum256(p.Payload)
	h := sha256.New()
	h.Write(p.SenderID[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.Timestamp)
	h.Write(ts[:])
	h.Write([]byte{p.Type})
	h.Write(payloadHash[:])
	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}

type fpKey Fingerprint

func (k fpKey) CacheKey() interface{} { return Fingerprint(k) }

// SeenSet is a bounded recently-seen-packet ring (spec §3), used by
// Security for replay defense.
type SeenSet struct {
	cache common.Cache
}

// NewSeenSet builds a SeenSet with the given capacity (spec §6.4
// seen_capacity, default 500).
func NewSeenSet(capacity int) *SeenSet {
	c, err := common.NewCache(common.LRUConfig{CacheSize: capacity})
	if err != nil {
		// Only non-positive capacity reaches this; fall back to the spec
		// default rather than operate with a nil cache.
		c, _ = common.NewCache(common.LRUConfig{CacheSize: 500})
	}
	return &SeenSet{cache: c}
}

// Insert records fp as seen and reports whether it was already present.
func (s *SeenSet) Insert(fp Fingerprint) (alreadySeen bool) {
	if s.cache.Contains(fpKey(fp)) {
		return true
	}
	s.cache.Add(fpKey(fp), struct{}{})
	return false
}

// Contains reports whether fp has been seen, without inserting it.
func (s *SeenSet) Contains(fp Fingerprint) bool {
	return s.cache.Contains(fpKey(fp))
}

// Keys returns every fingerprint currently retained.
func (s *SeenSet) Keys() []Fingerprint {
	raw := s.cache.Keys()
	out := make([]Fingerprint, 0, len(raw))
	for _, k := range raw {
		out = append(out, k.(Fingerprint))
	}
	return out
}
