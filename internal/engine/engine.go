// Package engine defines the partitioned storage engine used by the cache.
package engine

import (
	"context"
	"iter"
	"strings"
)

// Engine is a key/value store split into named partitions.
//
// Values are opaque bytes. A missing key is reported as
// errors.ErrKeyNotFound.
type Engine interface {
	Get(ctx context.Context, partition, key string) ([]byte, error)
	Put(ctx context.Context, partition, key string, value []byte) error
	Delete(ctx context.Context, partition, key string) error

	// Scan lazily yields the keys of partition that start with prefix.
	// Every range over the returned sequence issues a fresh scan.
	Scan(ctx context.Context, partition, prefix string) iter.Seq2[string, error]

	Partitions(ctx context.Context) ([]string, error)
	DropPartition(ctx context.Context, partition string) error

	Close() error
}

// Separator joins a partition name and a key in backends with a flat
// keyspace. Partition names must not contain it.
const Separator = "\x00"

// ValidPartition reports whether name can be used as a partition.
func ValidPartition(name string) bool {
	return name != "" && !strings.Contains(name, Separator)
}
