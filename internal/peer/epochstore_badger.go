package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key layout
const (
	prefixEpoch   = "epoch:" // epoch:{resourceKey} -> uint64
	keyGeneration = "generation"
)

// Compile-time interface check.
var _ EpochStore = (*BadgerEpochStore)(nil)

// BadgerEpochStore persists epochs in a BadgerDB directory.
type BadgerEpochStore struct {
	db *badgerdb.DB
}

// OpenBadgerEpochStore opens (or creates) the store at dir. An empty dir
// opens an in-memory database.
func OpenBadgerEpochStore(dir string) (*BadgerEpochStore, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open epoch store %q: %w", dir, err)
	}
	return &BadgerEpochStore{db: db}, nil
}

func (s *BadgerEpochStore) Highest(ctx context.Context, key string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var epoch uint64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		epoch, err = readUint64(txn, []byte(prefixEpoch+key))
		return err
	})
	return epoch, err
}

func (s *BadgerEpochStore) Observe(ctx context.Context, key string, epoch uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := []byte(prefixEpoch + key)
	return s.db.Update(func(txn *badgerdb.Txn) error {
		current, err := readUint64(txn, k)
		if err != nil {
			return err
		}
		if epoch <= current {
			return nil
		}
		return txn.Set(k, encodeUint64(epoch))
	})
}

func (s *BadgerEpochStore) NextGeneration(ctx context.Context, floor uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var next uint64
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		current, err := readUint64(txn, []byte(keyGeneration))
		if err != nil {
			return err
		}
		next = max(current+1, floor)
		return txn.Set([]byte(keyGeneration), encodeUint64(next))
	})
	return next, err
}

func (s *BadgerEpochStore) Close() error {
	return s.db.Close()
}

func readUint64(txn *badgerdb.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("invalid value length %d for %s", len(val), key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
