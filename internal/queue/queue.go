// Package queue persists client actions that could not be delivered live
// and replays them later.
//
// Actions are stored as ordinary cache records in the dynamic partition,
// one record per action, under a reserved key prefix. That prefix is the
// only state that survives a restart.
package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/10yihang/pwarelay/internal/cache"
	"github.com/10yihang/pwarelay/internal/envelope"
	"github.com/10yihang/pwarelay/internal/metrics"
	"github.com/10yihang/pwarelay/pkg/errors"
)

// ReservedPath is the path under the origin that holds queued actions.
const ReservedPath = "/__offline__/actions/"

// Action is one pending client operation.
type Action struct {
	ID         string          `json:"id"`
	Type       envelope.Kind   `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// ConsumeFunc hands an action to the send path. A nil return removes the
// action from the queue.
type ConsumeFunc func(ctx context.Context, a Action) error

// Queue is the offline action queue.
type Queue struct {
	store     *cache.Store
	partition string
	prefix    string
	now       func() time.Time

	// drainMu serializes drains inside this process. Two processes sharing
	// a store can still replay an item twice.
	drainMu sync.Mutex
}

// New creates a queue in the store's dynamic partition. Keys are rooted at
// origin so they look like any other cached URL.
func New(store *cache.Store, origin *url.URL) *Queue {
	prefix := ReservedPath
	if origin != nil {
		prefix = strings.TrimSuffix(cache.Key(origin), "/") + ReservedPath
	}
	return &Queue{
		store:     store,
		partition: store.Partitions().Dynamic,
		prefix:    prefix,
		now:       time.Now,
	}
}

// Prefix returns the key prefix under which actions are stored.
func (q *Queue) Prefix() string {
	return q.prefix
}

// KeyFor derives the storage key of an action id.
func (q *Queue) KeyFor(id string) string {
	return q.prefix + url.PathEscape(id)
}

// Enqueue persists a. An action without an id is dropped with a warning.
func (q *Queue) Enqueue(ctx context.Context, a Action) error {
	if strings.TrimSpace(a.ID) == "" {
		log.Warn().Str("type", a.Type.String()).Msg("offline action rejected: missing id")
		metrics.RecordQueue("rejected")
		return errors.ErrMissingID
	}
	if a.Type == envelope.KindUnknown {
		a.Type = envelope.KindMessage
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = q.now().UTC()
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", a.ID, err)
	}
	rec := &cache.Record{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"application/json"}},
		Body:     body,
		StoredAt: a.EnqueuedAt,
	}
	if err := q.store.Put(ctx, q.partition, q.KeyFor(a.ID), rec); err != nil {
		return fmt.Errorf("enqueue %s: %w", a.ID, err)
	}

	log.Info().Str("action_id", a.ID).Str("type", a.Type.String()).Msg("action queued for replay")
	metrics.RecordQueue("enqueued")
	return nil
}

type entry struct {
	key    string
	action Action
}

// entries lists the queue with a fresh scan. Undecodable records are
// logged and skipped.
func (q *Queue) entries(ctx context.Context) ([]entry, error) {
	var out []entry
	for key, err := range q.store.ListKeys(ctx, q.partition, q.prefix) {
		if err != nil {
			return nil, fmt.Errorf("list queue: %w", err)
		}
		rec, err := q.store.Get(ctx, q.partition, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		var a Action
		if err := json.Unmarshal(rec.Body, &a); err != nil || a.ID == "" {
			log.Warn().Str("key", key).Msg("skipping malformed queued action")
			continue
		}
		out = append(out, entry{key: key, action: a})
	}

	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].action, out[j].action
		if !ai.EnqueuedAt.Equal(aj.EnqueuedAt) {
			return ai.EnqueuedAt.Before(aj.EnqueuedAt)
		}
		return ai.ID < aj.ID
	})
	metrics.QueueDepth.Set(float64(len(out)))
	return out, nil
}

// List returns queued actions, oldest first.
func (q *Queue) List(ctx context.Context) ([]Action, error) {
	entries, err := q.entries(ctx)
	if err != nil {
		return nil, err
	}
	actions := make([]Action, len(entries))
	for i, e := range entries {
		actions[i] = e.action
	}
	return actions, nil
}

// Len returns the number of queued actions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	entries, err := q.entries(ctx)
	return len(entries), err
}

// DrainResult reports what a drain did.
type DrainResult struct {
	Replayed []string `json:"replayed"`
	Failed   []string `json:"failed"`
}

// Drain replays every queued action through consume, oldest first. An
// action is removed only after consume succeeds; a failing action stays
// queued and does not stop the others.
func (q *Queue) Drain(ctx context.Context, consume ConsumeFunc) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var res DrainResult
	entries, err := q.entries(ctx)
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := consume(ctx, e.action); err != nil {
			log.Warn().Err(err).Str("action_id", e.action.ID).Msg("replay failed, action kept")
			metrics.RecordQueue("failed")
			res.Failed = append(res.Failed, e.action.ID)
			continue
		}
		if err := q.store.Delete(ctx, q.partition, e.key); err != nil {
			log.Warn().Err(err).Str("action_id", e.action.ID).Msg("replayed action not removed")
			res.Failed = append(res.Failed, e.action.ID)
			continue
		}
		metrics.RecordQueue("replayed")
		res.Replayed = append(res.Replayed, e.action.ID)
	}

	if len(entries) > 0 {
		log.Info().Int("replayed", len(res.Replayed)).Int("failed", len(res.Failed)).Msg("offline queue drained")
	}
	metrics.QueueDepth.Set(float64(len(res.Failed)))
	return res, nil
}
