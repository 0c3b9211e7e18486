package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/types"
)

// Storage persists one shard's log and hard state.
type Storage interface {
	HardState() (HardState, error)
	SetHardState(HardState) error
	// Append writes entries, dropping any existing suffix starting at entries[0].Index.
	Append(entries []LogEntry) error
	// Entries returns [lo, hi).
	Entries(lo, hi types.LogIndex) ([]LogEntry, error)
	Term(i types.LogIndex) (types.Term, error)
	LastIndex() (types.LogIndex, error)
	// Applied is the highest index the state machine is known to have applied.
	Applied() (types.LogIndex, error)
	SetApplied(types.LogIndex) error
}

var (
	bucketLog  = []byte("log")
	bucketMeta = []byte("meta")
	keyHard    = []byte("hardstate")
	keyApplied = []byte("applied")
)

var errMissingEntry = errors.New("replication: log entry missing")

// LogDB is the node-wide bbolt file holding the logs of every local shard.
type LogDB struct {
	db *bolt.DB
}

func OpenLogDB(path string) (*LogDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open log db %s: %w: %v", path, dberrors.ErrIOFailure, err)
	}
	return &LogDB{db: db}, nil
}

func (l *LogDB) Close() error {
	return l.db.Close()
}

// Shard returns the log of one shard, creating its buckets on first use.
func (l *LogDB) Shard(id types.ShardID) (*LogStore, error) {
	name := []byte(id.String())
	err := l.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create buckets for %s: %w: %v", id, dberrors.ErrIOFailure, err)
	}
	return &LogStore{db: l.db, name: name}, nil
}

// LogStore keeps entries under big-endian index keys so cursor order is log order.
type LogStore struct {
	db   *bolt.DB
	name []byte
}

var _ Storage = (*LogStore)(nil)

func indexKey(i types.LogIndex) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}

func (s *LogStore) bucket(tx *bolt.Tx, name []byte) *bolt.Bucket {
	return tx.Bucket(s.name).Bucket(name)
}

func (s *LogStore) HardState() (HardState, error) {
	var hs HardState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := s.bucket(tx, bucketMeta).Get(keyHard)
		if raw == nil {
			return nil
		}
		return decodeHardState(raw, &hs)
	})
	if err != nil {
		return HardState{}, fmt.Errorf("read hard state: %w: %v", dberrors.ErrIOFailure, err)
	}
	return hs, nil
}

func (s *LogStore) SetHardState(hs HardState) error {
	raw, err := encodeHardState(hs)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return s.bucket(tx, bucketMeta).Put(keyHard, raw)
	})
	if err != nil {
		return fmt.Errorf("write hard state: %w: %v", dberrors.ErrIOFailure, err)
	}
	return nil
}

func (s *LogStore) Applied() (types.LogIndex, error) {
	var applied types.LogIndex
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := s.bucket(tx, bucketMeta).Get(keyApplied); len(raw) == 8 {
			applied = types.LogIndex(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read applied index: %w: %v", dberrors.ErrIOFailure, err)
	}
	return applied, nil
}

func (s *LogStore) SetApplied(i types.LogIndex) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.bucket(tx, bucketMeta).Put(keyApplied, indexKey(i))
	})
	if err != nil {
		return fmt.Errorf("write applied index: %w: %v", dberrors.ErrIOFailure, err)
	}
	return nil
}

func (s *LogStore) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := s.bucket(tx, bucketLog)

		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(indexKey(entries[0].Index)); k != nil; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		for _, e := range entries {
			raw, err := encodeEntry(e)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(e.Index), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %d entries at %d: %w: %v", len(entries), entries[0].Index, dberrors.ErrIOFailure, err)
	}
	return nil
}

func (s *LogStore) Entries(lo, hi types.LogIndex) ([]LogEntry, error) {
	if hi <= lo {
		return nil, nil
	}
	out := make([]LogEntry, 0, hi-lo)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := s.bucket(tx, bucketLog).Cursor()
		for k, v := c.Seek(indexKey(lo)); k != nil; k, v = c.Next() {
			if types.LogIndex(binary.BigEndian.Uint64(k)) >= hi {
				break
			}
			e, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("decode entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read entries [%d,%d): %w: %v", lo, hi, dberrors.ErrIOFailure, err)
	}
	if len(out) != int(hi-lo) || (len(out) > 0 && out[0].Index != lo) {
		return nil, fmt.Errorf("read entries [%d,%d): %w", lo, hi, errMissingEntry)
	}
	return out, nil
}

func (s *LogStore) Term(i types.LogIndex) (types.Term, error) {
	if i == 0 {
		return 0, nil
	}
	entries, err := s.Entries(i, i+1)
	if err != nil {
		return 0, err
	}
	return entries[0].Term, nil
}

func (s *LogStore) LastIndex() (types.LogIndex, error) {
	var last types.LogIndex
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := s.bucket(tx, bucketLog).Cursor().Last(); k != nil {
			last = types.LogIndex(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read last index: %w: %v", dberrors.ErrIOFailure, err)
	}
	return last, nil
}
