package security

import (
	"encoding/binary"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// avoidPrefix namespaces AvoidList entries within the goleveldb handle
// mesh/storeforward.Store opens, distinct from its own packetPrefix (spec
// §3 AvoidEntry persistence is a SUPPLEMENTED FEATURE: the spec never wires
// it to storage, but a restart otherwise silently forgets every blacklist).
var avoidPrefix = []byte("av/")

// NewPersistentAvoidList builds an AvoidList backed by db, reloading any
// entries that had not yet expired when the process last stopped.
func NewPersistentAvoidList(ttl time.Duration, db *leveldb.DB) (*AvoidList, error) {
	a := NewAvoidList(ttl)
	a.db = db

	it := db.NewIterator(util.BytesPrefix(avoidPrefix), nil)
	defer it.Release()
	now := time.Now()
	var expired [][]byte
	for it.Next() {
		address := string(it.Key()[len(avoidPrefix):])
		until := time.Unix(0, int64(binary.BigEndian.Uint64(it.Value()))*int64(time.Millisecond))
		if until.Before(now) {
			expired = append(expired, append([]byte(nil), it.Key()...))
			continue
		}
		a.entries[address] = until
	}
	for _, k := range expired {
		_ = db.Delete(k, nil)
	}
	return a, it.Error()
}

func (a *AvoidList) persist(address string, until time.Time) {
	if a.db == nil {
		return
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(until.UnixNano()/int64(time.Millisecond)))
	key := append(append([]byte(nil), avoidPrefix...), []byte(address)...)
	if err := a.db.Put(key, v[:], nil); err != nil {
		logger.Warn("persist avoid-list entry", "err", err)
	}
}

func (a *AvoidList) unpersist(address string) {
	if a.db == nil {
		return
	}
	key := append(append([]byte(nil), avoidPrefix...), []byte(address)...)
	if err := a.db.Delete(key, nil); err != nil {
		logger.Warn("remove persisted avoid-list entry", "err", err)
	}
}
