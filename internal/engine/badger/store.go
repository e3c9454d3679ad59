package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/dgraph-io/badger/v4"

	"github.com/10yihang/pwarelay/internal/engine"
	pkgerrors "github.com/10yihang/pwarelay/pkg/errors"
)

// Store implements engine.Engine using BadgerDB.
//
// Every physical key is partition + engine.Separator + key, so a partition
// is a key prefix and can be scanned or dropped as one unit.
type Store struct {
	db *badger.DB
}

// Options tunes the badger instance
type Options struct {
	// InMemory keeps all data in memory, for tests.
	InMemory bool

	BlockCacheSize int64
	IndexCacheSize int64
}

// DefaultOptions returns options suited to a small local cache.
func DefaultOptions() Options {
	return Options{
		BlockCacheSize: 64 << 20, // 64MB
		IndexCacheSize: 16 << 20, // 16MB
	}
}

// NewStore opens (or creates) a BadgerDB store at path
func NewStore(path string, o Options) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	if o.BlockCacheSize > 0 {
		opts.BlockCacheSize = o.BlockCacheSize
	}
	if o.IndexCacheSize > 0 {
		opts.IndexCacheSize = o.IndexCacheSize
	}
	// zerolog carries our logs; badger's own logger is too chatty.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func physicalKey(partition, key string) []byte {
	return []byte(partition + engine.Separator + key)
}

func partitionPrefix(partition string) []byte {
	return []byte(partition + engine.Separator)
}

// Get gets a key
func (s *Store) Get(ctx context.Context, partition, key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(physicalKey(partition, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, pkgerrors.ErrKeyNotFound
		}
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, pkgerrors.ErrClosed
		}
		return nil, err
	}

	return value, nil
}

// Put sets a key
func (s *Store) Put(ctx context.Context, partition, key string, value []byte) error {
	if !engine.ValidPartition(partition) {
		return pkgerrors.ErrInvalidPartition
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(physicalKey(partition, key), value)
	})
}

// Delete deletes a key; deleting a missing key is not an error
func (s *Store) Delete(ctx context.Context, partition, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(physicalKey(partition, key))
	})
}

// Scan yields keys of partition starting with prefix. Each range opens its
// own read transaction, so writes made during iteration are not observed.
func (s *Store) Scan(ctx context.Context, partition, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		txn := s.db.NewTransaction(false)
		defer txn.Discard()

		base := partitionPrefix(partition)
		full := append(append([]byte(nil), base...), prefix...)

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			k := it.Item().Key()
			if !yield(string(k[len(base):]), nil) {
				return
			}
		}
	}
}

// Partitions lists partition names by seeking past each one
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	var names []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); {
			k := it.Item().Key()
			i := bytes.IndexByte(k, engine.Separator[0])
			if i < 0 {
				it.Next()
				continue
			}
			name := string(k[:i])
			names = append(names, name)

			// Separator is 0x00, so name+0x01 sorts after every key of name.
			it.Seek(append([]byte(name), engine.Separator[0]+1))
		}
		return nil
	})

	return names, err
}

// DropPartition removes every key of partition
func (s *Store) DropPartition(ctx context.Context, partition string) error {
	return s.db.DropPrefix(partitionPrefix(partition))
}

// Close closes db
func (s *Store) Close() error {
	return s.db.Close()
}
