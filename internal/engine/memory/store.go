package memory

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/10yihang/pwarelay/internal/engine"
	"github.com/10yihang/pwarelay/pkg/errors"
)

// Store implements engine.Engine in process memory.
type Store struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]byte
	closed     bool

	stats *Stats
}

// Stats uses atomic counters for lock-free updates
type Stats struct {
	Hits   atomic.Int64
	Misses atomic.Int64
	PutOps atomic.Int64
	DelOps atomic.Int64
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		partitions: make(map[string]map[string][]byte),
		stats:      &Stats{},
	}
}

// Stats returns the live counters of the store.
func (s *Store) Stats() *Stats {
	return s.stats
}

func (s *Store) Get(_ context.Context, partition, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrClosed
	}

	value, ok := s.partitions[partition][key]
	if !ok {
		s.stats.Misses.Add(1)
		return nil, errors.ErrKeyNotFound
	}

	s.stats.Hits.Add(1)
	return append([]byte(nil), value...), nil
}

func (s *Store) Put(_ context.Context, partition, key string, value []byte) error {
	if !engine.ValidPartition(partition) {
		return errors.ErrInvalidPartition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}
	s.stats.PutOps.Add(1)

	p, ok := s.partitions[partition]
	if !ok {
		p = make(map[string][]byte)
		s.partitions[partition] = p
	}
	p[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Delete(_ context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}
	s.stats.DelOps.Add(1)

	p := s.partitions[partition]
	delete(p, key)
	if len(p) == 0 {
		delete(s.partitions, partition)
	}
	return nil
}

// Scan snapshots matching keys in sorted order and yields them lazily.
// Keys deleted after the snapshot are skipped.
func (s *Store) Scan(ctx context.Context, partition, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield("", errors.ErrClosed)
			return
		}
		var keys []string
		for k := range s.partitions[partition] {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		s.mu.RUnlock()

		sort.Strings(keys)

		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !s.has(partition, k) {
				continue
			}
			if !yield(k, nil) {
				return
			}
		}
	}
}

func (s *Store) has(partition, key string) bool {
	s.mu.RLock()
	_, ok := s.partitions[partition][key]
	s.mu.RUnlock()
	return ok
}

func (s *Store) Partitions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrClosed
	}

	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) DropPartition(_ context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}
	delete(s.partitions, partition)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.partitions = nil
	s.mu.Unlock()
	return nil
}
