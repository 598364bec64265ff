package discouragement

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/embernet/emberd/infrastructure/db/database"
	"github.com/embernet/emberd/infrastructure/network/netaddress"
	"github.com/embernet/emberd/util/mstime"
)

var discouragedBucket = database.MakeBucket([]byte("discouraged"))

// Store is the set of discouraged network addresses. Discouragement is a
// durable, address-scoped soft-ban: it is keyed by network identity rather
// than connection identity, outlives any live connection, and expires after
// a configured duration.
//
// The store is persisted so that discouragement survives a restart. Reads
// greatly outnumber writes (every connection accept consults the store), so
// entries are kept in memory under a read-write lock and the database is only
// touched on mutation.
type Store struct {
	mutex    sync.RWMutex
	db       database.Database
	entries  map[netaddress.Key]time.Time
	duration time.Duration
}

// New returns a discouragement store backed by the given database, reloading
// any previously persisted entries. Entries that expired while the node was
// down are dropped during the reload.
func New(db database.Database, duration time.Duration) (*Store, error) {
	store := &Store{
		db:       db,
		entries:  make(map[netaddress.Key]time.Time),
		duration: duration,
	}

	err := store.load(mstime.Now())
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) load(now time.Time) error {
	cursor, err := s.db.Cursor(discouragedBucket)
	if err != nil {
		return err
	}
	defer cursor.Close()

	for cursor.Next() {
		dbKey, err := cursor.Key()
		if err != nil {
			return err
		}
		addressKey, err := netaddress.KeyFromBytes(dbKey.Suffix())
		if err != nil {
			return errors.Wrap(err, "malformed discouragement entry key")
		}
		value, err := cursor.Value()
		if err != nil {
			return err
		}
		expiry, err := deserializeExpiry(value)
		if err != nil {
			return err
		}

		if !expiry.After(now) {
			continue
		}
		s.entries[addressKey] = expiry
	}

	if len(s.entries) > 0 {
		log.Infof("Loaded %d discouraged addresses", len(s.entries))
	}
	return nil
}

// Discourage inserts the given address into the store with the configured
// duration. Re-discouraging an address refreshes its expiry rather than
// duplicating the entry.
func (s *Store) Discourage(address *netaddress.Address, now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := address.Key()
	expiry := now.Add(s.duration)
	s.entries[key] = expiry

	err := s.db.Put(discouragedBucket.Key(key.Bytes()), serializeExpiry(expiry))
	if err != nil {
		return errors.Wrapf(err, "failed persisting discouragement of %s", key)
	}

	log.Infof("Discouraged %s until %s", key, expiry)
	return nil
}

// IsDiscouraged returns whether the given address is currently discouraged.
// Expired entries are removed lazily on lookup.
func (s *Store) IsDiscouraged(address *netaddress.Address, now time.Time) (bool, error) {
	key := address.Key()

	s.mutex.RLock()
	expiry, ok := s.entries[key]
	s.mutex.RUnlock()

	if !ok {
		return false, nil
	}
	if expiry.After(now) {
		return true, nil
	}

	err := s.removeExpired(key, expiry)
	if err != nil {
		return false, err
	}
	return false, nil
}

// removeExpired deletes an entry that was observed expired. The expiry is
// re-checked under the write lock since a concurrent Discourage may have
// refreshed it between the read and here.
func (s *Store) removeExpired(key netaddress.Key, observedExpiry time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	currentExpiry, ok := s.entries[key]
	if !ok || !currentExpiry.Equal(observedExpiry) {
		return nil
	}
	delete(s.entries, key)

	err := s.db.Delete(discouragedBucket.Key(key.Bytes()))
	if err != nil {
		return errors.Wrapf(err, "failed removing expired discouragement of %s", key)
	}

	log.Debugf("Discouragement of %s expired", key)
	return nil
}

// Clear removes all discouragement entries, both in memory and persisted.
func (s *Store) Clear() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	dbTransaction, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer dbTransaction.RollbackUnlessClosed()

	for key := range s.entries {
		err := dbTransaction.Delete(discouragedBucket.Key(key.Bytes()))
		if err != nil {
			return err
		}
	}
	err = dbTransaction.Commit()
	if err != nil {
		return err
	}

	s.entries = make(map[netaddress.Key]time.Time)
	return nil
}

// Len returns the number of entries currently in the store, including any
// that have expired but were not looked up yet.
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.entries)
}

func serializeExpiry(expiry time.Time) []byte {
	serialized := make([]byte, 8)
	binary.BigEndian.PutUint64(serialized, uint64(mstime.TimeToUnixMilli(expiry)))
	return serialized
}

func deserializeExpiry(serialized []byte) (time.Time, error) {
	if len(serialized) != 8 {
		return time.Time{}, errors.Errorf("serialized expiry has length %d, expected 8", len(serialized))
	}
	return mstime.UnixMilliToTime(int64(binary.BigEndian.Uint64(serialized))), nil
}
