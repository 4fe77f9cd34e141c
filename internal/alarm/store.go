// Package alarm implements the Alarm/Timeout Engine (spec.md §4.D): a
// persistent, RTC-backed scheduler for calendar and relative-time
// alarms.
//
// The durable table is grounded on
// _examples/caramis-oasis-core/go/storage/bolt (a boltdb-backed storage
// backend indexed for ordered range scans) and uses
// go.etcd.io/bbolt, boltdb's maintained successor, as the concrete
// embedded store: a single file, b+tree ordered by key bytes, which
// gives the "ordered store indexed on expiry" spec.md §3 calls for
// directly from key ordering, with no secondary sort needed at read
// time.
package alarm

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.etcd.io/bbolt"

	"github.com/joeycumines/sleepd/internal/corelog"
)

var (
	bucketEntries = []byte("entries")       // id -> json(Entry)
	bucketExpiry  = []byte("expiry_index")  // expiryMillis(8)+id(8) -> id(8)
	bucketIdent   = []byte("ident_index")   // appID\x00key\x00channel -> id(8)
)

// ErrNotFound is returned by operations that require an existing row.
var ErrNotFound = errors.New("alarm: not found")

// Entry is a single persisted alarm/timeout row (spec.md §3).
type Entry struct {
	ID                 uint64
	AppID              string
	Key                string
	URI                string
	Params             json.RawMessage
	PublicChannel      bool
	Wakeup             bool
	Calendar           bool
	Expiry             float64 // wall seconds since epoch
	ActivityID         string
	ActivityDurationMs int64 // 0 means "absent"; resolved to a default at fire time
}

func identKey(appID, key string, public bool) []byte {
	ch := byte('0')
	if public {
		ch = '1'
	}
	return []byte(appID + "\x00" + key + "\x00" + string(ch))
}

func idBytes(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func idOf(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func expiryMillis(expiry float64) int64 {
	if expiry < 0 {
		expiry = 0
	}
	return int64(expiry * 1000)
}

func expiryIndexKey(expiry float64, id uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(expiryMillis(expiry)))
	binary.BigEndian.PutUint64(b[8:16], id)
	return b[:]
}

// Store is the durable ordered table behind the Alarm Engine.
type Store struct {
	db  *bbolt.DB
	log *corelog.Logger
}

// Open opens (creating if absent) the bbolt-backed store at path. If the
// file exists but is corrupt, it is truncated and recreated (spec.md
// §4.D, §7: "data loss preferred over refusing to start").
func Open(path string) (*Store, error) {
	log := corelog.Named("alarm.store")

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		log.Warning().Err(err).Str("path", path).Log("alarm store open failed, truncating and recreating")
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("alarm: recreate store: remove corrupt file: %w", rmErr)
		}
		db, err = bbolt.Open(path, 0o600, nil)
		if err != nil {
			return nil, fmt.Errorf("alarm: recreate store: %w", err)
		}
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketExpiry, bucketIdent} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("alarm: initializing buckets: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts in, deleting any prior row with the same
// (AppID, Key, PublicChannel) first (spec.md §3, §4.D: "if an entry
// with the same (app_id, key, public_channel) exists, it is deleted
// first"). The assigned ID is returned.
func (s *Store) Upsert(in Entry) (Entry, error) {
	var out Entry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ident := tx.Bucket(bucketIdent)
		entries := tx.Bucket(bucketEntries)
		expiry := tx.Bucket(bucketExpiry)

		key := identKey(in.AppID, in.Key, in.PublicChannel)
		if prev := ident.Get(key); prev != nil {
			if err := deleteByID(entries, expiry, ident, idOf(prev)); err != nil {
				return err
			}
		}

		id, err := entries.NextSequence()
		if err != nil {
			return err
		}
		in.ID = id
		out = in

		val, err := json.Marshal(in)
		if err != nil {
			return err
		}
		if err := entries.Put(idBytes(id), val); err != nil {
			return err
		}
		if err := expiry.Put(expiryIndexKey(in.Expiry, id), idBytes(id)); err != nil {
			return err
		}
		return ident.Put(key, idBytes(id))
	})
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

// Clear deletes the row matching (appID, key, public), if present.
// Returns true if a row was present and deleted; a clear of a
// nonexistent key returns false with a nil error.
func (s *Store) Clear(appID, key string, public bool) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ident := tx.Bucket(bucketIdent)
		entries := tx.Bucket(bucketEntries)
		expiry := tx.Bucket(bucketExpiry)

		k := identKey(appID, key, public)
		prev := ident.Get(k)
		if prev == nil {
			return nil
		}
		existed = true
		return deleteByID(entries, expiry, ident, idOf(prev))
	})
	return existed, err
}

// Read returns the row matching (appID, key, public).
func (s *Store) Read(appID, key string, public bool) (Entry, bool, error) {
	var out Entry
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ident := tx.Bucket(bucketIdent)
		entries := tx.Bucket(bucketEntries)
		k := identKey(appID, key, public)
		idb := ident.Get(k)
		if idb == nil {
			return nil
		}
		raw := entries.Get(idb)
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &out)
	})
	return out, ok, err
}

// ByID looks up a row by its assigned ID directly. time/alarmRemove
// does not use it; that call removes from the legacy alarm queue.
func (s *Store) ByID(id uint64) (Entry, bool, error) {
	var out Entry
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(idBytes(id))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &out)
	})
	return out, ok, err
}

// DeleteID deletes a row by ID only, with no side effects (the plain
// "delete" operation of spec.md §4.D, distinct from Clear which is
// meant to be followed by a wakeup re-evaluation by the caller).
func (s *Store) DeleteID(id uint64) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		raw := entries.Get(idBytes(id))
		if raw == nil {
			return nil
		}
		existed = true
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		ident := tx.Bucket(bucketIdent)
		expiry := tx.Bucket(bucketExpiry)
		return deleteByID(entries, expiry, ident, id)
	})
	return existed, err
}

func deleteByID(entries, expiry, ident *bbolt.Bucket, id uint64) error {
	raw := entries.Get(idBytes(id))
	if raw == nil {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return err
	}
	if err := entries.Delete(idBytes(id)); err != nil {
		return err
	}
	if err := expiry.Delete(expiryIndexKey(e.Expiry, id)); err != nil {
		return err
	}
	return ident.Delete(identKey(e.AppID, e.Key, e.PublicChannel))
}

// Due returns every row with Expiry <= now, ascending by Expiry
// (spec.md §4.D step 2).
func (s *Store) Due(now float64) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		c := tx.Bucket(bucketExpiry).Cursor()
		limit := expiryIndexKey(now, ^uint64(0))
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) > string(limit) {
				break
			}
			raw := entries.Get(v)
			if raw == nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// EarliestWake returns the wake-capable row with the smallest Expiry, if
// any (spec.md §4.D step 4, §8 invariant 2).
func (s *Store) EarliestWake() (Entry, bool, error) {
	return s.earliest(true)
}

// EarliestAny returns the row with the smallest Expiry regardless of
// Wakeup, if any (drives the wall-time heartbeat interval).
func (s *Store) EarliestAny() (Entry, bool, error) {
	return s.earliest(false)
}

func (s *Store) earliest(wakeOnly bool) (Entry, bool, error) {
	var out Entry
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		c := tx.Bucket(bucketExpiry).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			raw := entries.Get(v)
			if raw == nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			if wakeOnly && !e.Wakeup {
				continue
			}
			out = e
			ok = true
			return nil
		}
		return nil
	})
	return out, ok, err
}

// ShiftNonCalendar adds delta seconds to every non-calendar row's Expiry
// (spec.md §4.D: relative alarms are shifted so "time until fire" stays
// constant across a wall-clock adjustment; spec.md §8 invariant 4).
// Calendar rows are left untouched.
func (s *Store) ShiftNonCalendar(delta float64) error {
	if delta == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		expiry := tx.Bucket(bucketExpiry)

		var toShift []Entry
		c := entries.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !e.Calendar {
				toShift = append(toShift, e)
			}
			_ = k
		}

		for _, e := range toShift {
			if err := expiry.Delete(expiryIndexKey(e.Expiry, e.ID)); err != nil {
				return err
			}
			e.Expiry += delta
			val, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := entries.Put(idBytes(e.ID), val); err != nil {
				return err
			}
			if err := expiry.Put(expiryIndexKey(e.Expiry, e.ID), idBytes(e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of persisted rows, for diagnostics.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}
