// Package boltstore persists a Raft server's Metadata — current term, vote,
// and log — in a Bolt database, one database per server.
package boltstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/boltdb/bolt"

	"github.com/parhelion/raft"
)

var (
	metaBucket = []byte("meta")
	logBucket  = []byte("log")
	stateKey   = []byte("state")
)

// Store implements raft.Store on top of Bolt. Log entries live in one bucket
// keyed by big-endian index so a cursor walks them in log order; term and
// vote live in a second bucket under a single key.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(logBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) SetState(term, votedFor uint64) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], term)
	binary.BigEndian.PutUint64(buf[8:16], votedFor)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(stateKey, buf[:])
	})
}

func (s *Store) State() (term, votedFor uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(stateKey)
		if v == nil {
			return nil // fresh store
		}
		if len(v) != 16 {
			return ErrCorrupt
		}
		term = binary.BigEndian.Uint64(v[0:8])
		votedFor = binary.BigEndian.Uint64(v[8:16])
		return nil
	})
	return term, votedFor, err
}

func (s *Store) Append(entries ...raft.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		for _, entry := range entries {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
				return err
			}
			if err := b.Put(indexKey(entry.Index), buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) TruncateFrom(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, _ := c.Seek(indexKey(index)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Entries() ([]raft.LogEntry, error) {
	var entries []raft.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry raft.LogEntry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}
