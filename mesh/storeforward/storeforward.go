// Package storeforward implements StoreForward (spec §4.6): a durable cache
// of undelivered private packets for offline favorites, backed by
// goleveldb the same way the teacher's chaindata survives a restart
// (storage/database/leveldb_database.go).
package storeforward

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/packet"
)

var logger = meshlog.NewModuleLogger(meshlog.StoreForward)

// packetPrefix namespaces cached packets within the shared goleveldb handle;
// mesh/security persists its avoid list in the same handle under a distinct
// prefix (avoidPrefix in mesh/security).
var packetPrefix = []byte("sf/")

// FavoriteLookup reports whether a peer is flagged as a favorite, so only
// their private packets are cached while offline (spec §4.6).
type FavoriteLookup func(id packet.PeerID) bool

// Store is StoreForward (spec §4.6).
type Store struct {
	db  *leveldb.DB
	mu  sync.Mutex
	seq uint32

	max        int
	ttl        time.Duration
	isFavorite FavoriteLookup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Open constructs a Store. dataDir empty opens an in-memory handle (tests,
// demos); otherwise it opens (or creates) a goleveldb directory, recovering
// from corruption the way the teacher's NewLDBDatabase does.
func Open(dataDir string, max int, ttl time.Duration, isFavorite FavoriteLookup) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dataDir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(dataDir, nil)
		if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
			db, err = leveldb.RecoverFile(dataDir, nil)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "open store-forward db")
	}
	return &Store{
		db:         db,
		max:        max,
		ttl:        ttl,
		isFavorite: isFavorite,
		stopCh:     make(chan struct{}),
	}, nil
}

// DB exposes the shared goleveldb handle so mesh/security can persist its
// avoid list alongside store-and-forward packets under a distinct prefix.
func (s *Store) DB() *leveldb.DB { return s.db }

// Close releases the underlying goleveldb handle.
func (s *Store) Close() error {
	s.Stop()
	return s.db.Close()
}

// RunGC starts the periodic cleanup sweep (spec §4.6 "periodic cleanup every
// 10 min").
func (s *Store) RunGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.gc()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the GC loop. Idempotent.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) gc() {
	cutoff := packet.TimestampNow(time.Now().Add(-s.ttl))
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.db.NewIterator(util.BytesPrefix(packetPrefix), nil)
	defer it.Release()
	var expired [][]byte
	for it.Next() {
		_, ts, _, ok := splitKey(it.Key())
		if !ok || ts >= cutoff {
			continue
		}
		expired = append(expired, append([]byte(nil), it.Key()...))
	}
	for _, k := range expired {
		if err := s.db.Delete(k, nil); err != nil {
			logger.Warn("expire store-forward entry", "err", err)
		}
	}
	if len(expired) > 0 {
		logger.Debug("store-forward cleanup", "expired", len(expired))
	}
}

// Cache stores p for later delivery, skipping ANNOUNCE/LEAVE, broadcasts,
// and non-favorite recipients (spec §4.6). When the bound (storeForwardMax,
// default 100) is reached the oldest cached packet across all favorites is
// evicted to make room.
func (s *Store) Cache(p *packet.Packet) error {
	if p.Type == packet.TypeAnnounce || p.Type == packet.TypeLeave || p.IsBroadcast() {
		return nil
	}
	if s.isFavorite == nil || !s.isFavorite(*p.RecipientID) {
		return nil
	}

	encoded, err := packet.Encode(p)
	if err != nil {
		return errors.Wrap(err, "encode packet for store-forward")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.countLocked(); n >= s.max {
		s.evictOldestLocked()
	}

	seq := atomic.AddUint32(&s.seq, 1)
	key := makeKey(*p.RecipientID, p.Timestamp, seq)
	if err := s.db.Put(key, encoded, nil); err != nil {
		return errors.Wrap(err, "persist store-forward packet")
	}
	return nil
}

func (s *Store) countLocked() int {
	it := s.db.NewIterator(util.BytesPrefix(packetPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

func (s *Store) evictOldestLocked() {
	it := s.db.NewIterator(util.BytesPrefix(packetPrefix), nil)
	defer it.Release()
	if it.Next() {
		// Keys sort by recipient id first, then timestamp, so the global
		// oldest entry requires a full scan rather than taking the first key.
		oldestKey, oldestTS := append([]byte(nil), it.Key()...), mustTimestamp(it.Key())
		for it.Next() {
			ts := mustTimestamp(it.Key())
			if ts < oldestTS {
				oldestKey, oldestTS = append([]byte(nil), it.Key()...), ts
			}
		}
		if err := s.db.Delete(oldestKey, nil); err != nil {
			logger.Warn("evict oldest store-forward entry", "err", err)
		}
	}
}

// DrainTo atomically removes every packet cached for id and invokes emit for
// each in ascending timestamp order, spaced 100 ms apart (spec §4.6). A
// non-nil error from emit stops the drain; undelivered packets are not
// re-cached.
func (s *Store) DrainTo(id packet.PeerID, emit func(*packet.Packet) error) error {
	s.mu.Lock()
	prefix := append(append([]byte(nil), packetPrefix...), id[:]...)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	var entries [][]byte
	var keys [][]byte
	for it.Next() {
		entries = append(entries, append([]byte(nil), it.Value()...))
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	it.Release()

	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(k)
	}
	if len(keys) > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			s.mu.Unlock()
			return errors.Wrap(err, "drain store-forward entries")
		}
	}
	s.mu.Unlock()

	for i, raw := range entries {
		p, err := packet.Decode(raw)
		if err != nil {
			logger.Warn("decode cached packet", "err", err)
			continue
		}
		if err := emit(p); err != nil {
			return err
		}
		if i < len(entries)-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	return nil
}

func makeKey(recipient packet.PeerID, ts uint64, seq uint32) []byte {
	key := make([]byte, 0, len(packetPrefix)+8+8+4)
	key = append(key, packetPrefix...)
	key = append(key, recipient[:]...)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], ts)
	key = append(key, tsb[:]...)
	var seqb [4]byte
	binary.BigEndian.PutUint32(seqb[:], seq)
	key = append(key, seqb[:]...)
	return key
}

func splitKey(key []byte) (recipient packet.PeerID, ts uint64, seq uint32, ok bool) {
	if len(key) != len(packetPrefix)+8+8+4 {
		return recipient, 0, 0, false
	}
	rest := key[len(packetPrefix):]
	copy(recipient[:], rest[:8])
	ts = binary.BigEndian.Uint64(rest[8:16])
	seq = binary.BigEndian.Uint32(rest[16:20])
	return recipient, ts, seq, true
}

func mustTimestamp(key []byte) uint64 {
	_, ts, _, _ := splitKey(key)
	return ts
}
