package storage

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// keyspace prefixes for the two things a ChainStore ever persists.
var (
	blockPrefix = []byte("block/")
	headKey     = []byte("head")
)

// BadgerStore implements ChainStore over a local BadgerDB instance.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a new BadgerDB-backed ChainStore.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

func blockKey(height uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], height)
	return key
}

// PutBlock persists payload under height's key.
func (s *BadgerStore) PutBlock(_ context.Context, height uint64, payload []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(height), payload)
	})
}

// GetBlock retrieves the payload committed at height.
func (s *BadgerStore) GetBlock(_ context.Context, height uint64) ([]byte, bool, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(height))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			valCopy = append([]byte{}, val...)
			return nil
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return valCopy, true, nil
}

// SetHead advances the recorded highest committed height.
func (s *BadgerStore) SetHead(_ context.Context, height uint64) error {
	head := make([]byte, 8)
	binary.BigEndian.PutUint64(head, height)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(headKey, head)
	})
}

// Head returns the highest committed height, or 0 if nothing has been
// committed yet.
func (s *BadgerStore) Head(_ context.Context) (uint64, error) {
	var height uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(headKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			height = binary.BigEndian.Uint64(val)
			return nil
		})
	})

	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	return height, err
}

// Close closes the store and releases resources.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
