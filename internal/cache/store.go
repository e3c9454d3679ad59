// Package cache implements the partitioned response cache: a versioned
// static partition populated in bulk at install time and a dynamic
// partition filled as requests are served.
package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/10yihang/pwarelay/internal/engine"
	"github.com/10yihang/pwarelay/internal/metrics"
	"github.com/10yihang/pwarelay/pkg/errors"
)

// Fetcher performs network requests on behalf of the cache.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Partitions names the two live partitions of one generation.
type Partitions struct {
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
}

// PartitionNames derives the partition names for a cache generation.
func PartitionNames(prefix, version string) Partitions {
	return Partitions{
		Static:  prefix + "-static-" + version,
		Dynamic: prefix + "-dynamic-" + version,
	}
}

// Config configures a Store
type Config struct {
	Prefix  string
	Version string

	// Origin resolves relative asset paths.
	Origin *url.URL

	// Concurrency bounds parallel fetches in PopulateStatic.
	Concurrency int
}

// Store is the cache store.
type Store struct {
	engine      engine.Engine
	fetcher     Fetcher
	origin      *url.URL
	parts       Partitions
	concurrency int
}

// NewStore creates a Store over eng
func NewStore(eng engine.Engine, fetcher Fetcher, cfg Config) *Store {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Store{
		engine:      eng,
		fetcher:     fetcher,
		origin:      cfg.Origin,
		parts:       PartitionNames(cfg.Prefix, cfg.Version),
		concurrency: cfg.Concurrency,
	}
}

// Partitions returns the current generation's partition names.
func (s *Store) Partitions() Partitions {
	return s.parts
}

// Engine exposes the underlying engine.
func (s *Store) Engine() engine.Engine {
	return s.engine
}

func (s *Store) kind(partition string) string {
	switch partition {
	case s.parts.Static:
		return "static"
	case s.parts.Dynamic:
		return "dynamic"
	default:
		return "other"
	}
}

// Get returns the record stored under key, or errors.ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, partition, key string) (*Record, error) {
	b, err := s.engine.Get(ctx, partition, key)
	if err != nil {
		return nil, err
	}
	return decodeRecord(b)
}

// Put stores rec under key. Rewriting a key with equal content is harmless.
func (s *Store) Put(ctx context.Context, partition, key string, rec *Record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.engine.Put(ctx, partition, key, b); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	metrics.RecordCacheWrite(s.kind(partition))
	return nil
}

// Delete removes key from partition.
func (s *Store) Delete(ctx context.Context, partition, key string) error {
	return s.engine.Delete(ctx, partition, key)
}

// ListKeys lazily enumerates keys under prefix. The sequence rescans on
// every range, since the store may change concurrently.
func (s *Store) ListKeys(ctx context.Context, partition, prefix string) iter.Seq2[string, error] {
	return s.engine.Scan(ctx, partition, prefix)
}

// Match looks key up in the static partition, then the dynamic one. It
// returns the partition the record was found in.
func (s *Store) Match(ctx context.Context, key string) (*Record, string, error) {
	for _, p := range []string{s.parts.Static, s.parts.Dynamic} {
		rec, err := s.Get(ctx, p, key)
		if err == nil {
			metrics.RecordCacheHit()
			return rec, p, nil
		}
		if !stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, "", err
		}
	}
	metrics.RecordCacheMiss()
	return nil, "", errors.ErrKeyNotFound
}

// PurgeStale drops every partition that is not one of the current
// generation's. It returns the dropped names.
func (s *Store) PurgeStale(ctx context.Context) ([]string, error) {
	names, err := s.engine.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var dropped []string
	for _, name := range names {
		if name == s.parts.Static || name == s.parts.Dynamic {
			continue
		}
		if err := s.engine.DropPartition(ctx, name); err != nil {
			return dropped, fmt.Errorf("drop partition %s: %w", name, err)
		}
		log.Info().Str("partition", name).Msg("dropped stale cache partition")
		metrics.StaleEvictions.Inc()
		dropped = append(dropped, name)
	}
	return dropped, nil
}

// Resolve turns an asset path into an absolute URL on the origin.
func (s *Store) Resolve(asset string) (*url.URL, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return nil, fmt.Errorf("parse asset %q: %w", asset, err)
	}
	if s.origin == nil {
		if !ref.IsAbs() {
			return nil, fmt.Errorf("asset %q is relative and no origin is configured", asset)
		}
		return ref, nil
	}
	return s.origin.ResolveReference(ref), nil
}

// AssetError records one asset that could not be stored.
type AssetError struct {
	Asset string
	Err   error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset %s: %v", e.Asset, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// Report summarizes a PopulateStatic run.
type Report struct {
	Stored []string
	Failed []*AssetError
}

// Err joins all asset failures, or returns nil.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return stderrors.Join(errs...)
}

// PopulateStatic fetches every asset into the static partition. A failed
// asset is logged and skipped; the rest are still fetched.
func (s *Store) PopulateStatic(ctx context.Context, assets []string) Report {
	var (
		mu     sync.Mutex
		report Report
		g      errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, asset := range assets {
		g.Go(func() error {
			err := s.storeAsset(ctx, asset)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("asset", asset).Msg("static asset not cached")
				report.Failed = append(report.Failed, &AssetError{Asset: asset, Err: err})
				return nil
			}
			report.Stored = append(report.Stored, asset)
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Str("partition", s.parts.Static).
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Msg("static cache populated")
	return report
}

func (s *Store) storeAsset(ctx context.Context, asset string) error {
	u, err := s.Resolve(asset)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	rec, err := NewRecord(resp)
	if err != nil {
		return err
	}
	return s.Put(ctx, s.parts.Static, Key(u), rec)
}
