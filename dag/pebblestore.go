package dag

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is a durable Store backed by a cockroachdb/pebble LSM tree,
// the embedded-KV deployment option named in §6 ("concrete backend ...
// embedded KV ... plug-in chosen at startup").
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a pebble database at dir for use as a
// durable block store.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("dag: open pebble store at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Put implements Store. The block kind is packed as a one-byte prefix on
// the stored value so Get can recover it without a second column family.
func (s *PebbleStore) Put(kind Kind, data []byte) (Cid, error) {
	cid, err := ComputeCid(data)
	if err != nil {
		return "", err
	}
	if _, closer, err := s.db.Get([]byte(cid)); err == nil {
		closer.Close()
		return cid, nil // already present: idempotent write
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return "", fmt.Errorf("dag: pebble get: %w", err)
	}
	value := make([]byte, 1+len(data))
	value[0] = byte(kind)
	copy(value[1:], data)
	if err := s.db.Set([]byte(cid), value, pebble.Sync); err != nil {
		return "", fmt.Errorf("dag: pebble set: %w", err)
	}
	return cid, nil
}

// Get implements Store.
func (s *PebbleStore) Get(cid Cid) (Block, error) {
	value, closer, err := s.db.Get([]byte(cid))
	if errors.Is(err, pebble.ErrNotFound) {
		return Block{}, ErrBlockNotFound
	}
	if err != nil {
		return Block{}, fmt.Errorf("dag: pebble get: %w", err)
	}
	defer closer.Close()
	if len(value) == 0 {
		return Block{}, ErrBlockNotFound
	}
	data := make([]byte, len(value)-1)
	copy(data, value[1:])
	return Block{Cid: cid, Kind: Kind(value[0]), Data: data}, nil
}

// Has implements Store.
func (s *PebbleStore) Has(cid Cid) bool {
	_, closer, err := s.db.Get([]byte(cid))
	if err != nil {
		return false
	}
	closer.Close()
	return true
}

// PebbleJobIndex is a durable JobIndex sharing the same pebble handle as a
// PebbleStore would, but keyed under a distinct prefix so the two column
// spaces never collide.
type PebbleJobIndex struct {
	db *pebble.DB
}

// NewPebbleJobIndex wraps an already-open pebble database for job-id-to-Cid
// indexing.
func NewPebbleJobIndex(db *pebble.DB) *PebbleJobIndex {
	return &PebbleJobIndex{db: db}
}

const jobIndexPrefix = "jobidx:"

func jobIndexKey(jobID string) []byte {
	return append([]byte(jobIndexPrefix), jobID...)
}

// IndexReceipt implements JobIndex.
func (i *PebbleJobIndex) IndexReceipt(jobID string, cid Cid) error {
	key := jobIndexKey(jobID)
	if existing, closer, err := i.db.Get(key); err == nil {
		defer closer.Close()
		if Cid(existing) != cid {
			return errJobAlreadyIndexed
		}
		return nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("dag: pebble job index get: %w", err)
	}
	if err := i.db.Set(key, []byte(cid), pebble.Sync); err != nil {
		return fmt.Errorf("dag: pebble job index set: %w", err)
	}
	return nil
}

// ReceiptFor implements JobIndex.
func (i *PebbleJobIndex) ReceiptFor(jobID string) (Cid, bool) {
	value, closer, err := i.db.Get(jobIndexKey(jobID))
	if err != nil {
		return "", false
	}
	defer closer.Close()
	out := make([]byte, len(value))
	copy(out, value)
	return Cid(out), true
}
