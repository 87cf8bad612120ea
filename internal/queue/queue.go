// Package queue implements the offline request queue.
//
// Mutating requests that cannot be sent are deferred here, persisted to the
// durable store after every mutation, and replayed in order through a
// registered Executor once connectivity returns.
//
// Ordering: HIGH items sit ahead of NORMAL and LOW items regardless of when
// they were enqueued; within a priority band order is FIFO.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/syncline/internal/connectivity"
	"github.com/rickgao/syncline/internal/metrics"
	"github.com/rickgao/syncline/internal/store"
)

// Queue is the offline request queue.
type Queue struct {
	cfg     Config
	store   store.Store
	online  OnlineChecker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	items    []QueuedRequest
	executor Executor
	draining bool

	now   func() time.Time
	newID func() string
}

// New creates a queue. Call Load to restore persisted items.
func New(cfg Config, st store.Store, online OnlineChecker, m *metrics.Metrics, logger *slog.Logger) (*Queue, error) {
	if cfg.Capacity < 1 || cfg.MaxRetries < 1 || cfg.StorageKey == "" {
		return nil, fmt.Errorf("%w: capacity %d, max retries %d, key %q",
			ErrInvalidConfig, cfg.Capacity, cfg.MaxRetries, cfg.StorageKey)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		store:   st,
		online:  online,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// Load restores the persisted queue, replacing in-memory items. Entries
// beyond capacity are discarded from the tail.
func (q *Queue) Load(ctx context.Context) error {
	raw, ok, err := q.store.Get(ctx, q.cfg.StorageKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	var items []QueuedRequest
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decode queue: %w", err)
		}
	}
	if len(items) > q.cfg.Capacity {
		q.logger.Warn("persisted queue exceeds capacity, truncating",
			"persisted", len(items),
			"capacity", q.cfg.Capacity,
		)
		items = items[:q.cfg.Capacity]
	}

	q.mu.Lock()
	q.items = items
	q.metrics.SetQueueDepth(len(items))
	q.mu.Unlock()

	q.logger.Info("offline queue restored", "items", len(items))
	return nil
}

// SetExecutor registers the function used to replay items.
func (q *Queue) SetExecutor(e Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executor = e
}

// Enqueue defers a mutating request and returns its id. At capacity the
// oldest LOW item is evicted, or the oldest item of any priority when there
// is no LOW item.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	method := strings.ToUpper(req.Method)
	if !IsQueueable(method) {
		return "", fmt.Errorf("%w: %s", ErrNotQueueable, req.Method)
	}
	if req.Path == "" {
		return "", ErrEmptyPath
	}

	item := QueuedRequest{
		ID:         q.newID(),
		Method:     method,
		Path:       req.Path,
		Body:       append([]byte(nil), req.Body...),
		Header:     stripCredentials(req.Header),
		EnqueuedAt: q.now().UTC(),
		RetryCount: 0,
		Priority:   req.Priority,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.cfg.Capacity {
		evicted := q.evictLocked()
		q.metrics.QueueEvicted()
		q.logger.Warn("offline queue full, evicted request",
			"evicted_id", evicted.ID,
			"evicted_priority", evicted.Priority,
			"method", evicted.Method,
			"path", evicted.Path,
		)
	}

	if item.Priority == PriorityHigh {
		// After the existing HIGH band, ahead of everything else.
		pos := 0
		for pos < len(q.items) && q.items[pos].Priority == PriorityHigh {
			pos++
		}
		q.items = append(q.items, QueuedRequest{})
		copy(q.items[pos+1:], q.items[pos:])
		q.items[pos] = item
	} else {
		q.items = append(q.items, item)
	}

	q.metrics.QueueEnqueued()
	q.logger.Debug("request deferred",
		"id", item.ID,
		"method", item.Method,
		"path", item.Path,
		"priority", item.Priority,
		"depth", len(q.items),
	)

	if err := q.persistLocked(ctx); err != nil {
		// The item stays queued in memory; the next successful write catches up.
		q.logger.Error("failed to persist offline queue", "error", err)
	}
	return item.ID, nil
}

// evictLocked removes and returns the oldest LOW item, or the oldest item
// overall. Must be called with lock held and a non-empty queue.
func (q *Queue) evictLocked() QueuedRequest {
	victim := -1
	for i, it := range q.items {
		if it.Priority != PriorityLow {
			continue
		}
		if victim < 0 || it.EnqueuedAt.Before(q.items[victim].EnqueuedAt) {
			victim = i
		}
	}
	if victim < 0 {
		victim = 0
		for i, it := range q.items {
			if it.EnqueuedAt.Before(q.items[victim].EnqueuedAt) {
				victim = i
			}
		}
	}

	evicted := q.items[victim]
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	return evicted
}

// Drain replays a snapshot of the queue through the executor. Items enqueued
// while a drain runs wait for the next pass. Drain never returns replay
// errors: the callers that deferred these requests are no longer waiting.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	q.mu.Lock()
	switch {
	case q.draining:
		q.mu.Unlock()
		return DrainResult{Skipped: SkipDraining}
	case q.executor == nil:
		q.mu.Unlock()
		return DrainResult{Skipped: SkipNoExecutor}
	case !q.online.IsOnline():
		q.mu.Unlock()
		return DrainResult{Skipped: SkipOffline}
	}
	q.draining = true
	exec := q.executor
	snapshot := make([]QueuedRequest, len(q.items))
	for i, it := range q.items {
		snapshot[i] = it.clone()
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	start := time.Now()
	var res DrainResult

	for _, item := range snapshot {
		if !q.online.IsOnline() || ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		if !q.contains(item.ID) {
			// Evicted, removed or cleared since the snapshot.
			continue
		}

		res.Attempted++
		err := exec(ctx, item)
		if err == nil {
			q.remove(ctx, item.ID)
			q.metrics.QueueReplayed()
			res.Replayed++
			continue
		}

		if !q.online.IsOnline() {
			// Lost connectivity during the call; leave the item untouched.
			res.Interrupted = true
			break
		}

		if q.recordFailure(ctx, item.ID, err) {
			res.Dropped++
		} else {
			res.Retried++
		}
	}

	res.Remaining = q.Len()
	q.logger.Info("offline queue drain complete",
		"attempted", res.Attempted,
		"replayed", res.Replayed,
		"retried", res.Retried,
		"dropped", res.Dropped,
		"interrupted", res.Interrupted,
		"remaining", res.Remaining,
		"duration", time.Since(start),
	)
	return res
}

// recordFailure increments the retry count of id, dropping the item when it
// reaches the cap or the failure is permanent. Returns true when dropped.
func (q *Queue) recordFailure(ctx context.Context, id string, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return false
	}

	item := &q.items[idx]
	item.RetryCount++

	reason := ""
	switch {
	case IsPermanent(cause):
		reason = metrics.DropPermanent
	case item.RetryCount >= q.cfg.MaxRetries:
		reason = metrics.DropRetriesExhausted
	}

	if reason != "" {
		dropped := *item
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.metrics.QueueDropped(reason)
		q.logger.Warn("dropping queued request",
			"id", dropped.ID,
			"method", dropped.Method,
			"path", dropped.Path,
			"retry_count", dropped.RetryCount,
			"reason", reason,
			"error", cause,
		)
	} else {
		q.logger.Debug("queued request replay failed",
			"id", item.ID,
			"retry_count", item.RetryCount,
			"error", cause,
		)
	}

	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist offline queue", "error", err)
	}
	return reason != ""
}

func (q *Queue) remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist offline queue", "error", err)
	}
}

func (q *Queue) contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(id) >= 0
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Remove deletes a single item by id. Returns false when it is not queued.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return false, nil
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return true, q.persistLocked(ctx)
}

// Clear removes every item.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	return q.persistLocked(ctx)
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns a copy of the queue in replay order.
func (q *Queue) List() []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedRequest, len(q.items))
	for i, it := range q.items {
		out[i] = it.clone()
	}
	return out
}

// Draining reports whether a drain pass is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Watch drains the queue in the background on every offline to online
// transition of mon. The returned function stops watching.
func (q *Queue) Watch(ctx context.Context, mon *connectivity.Monitor) (stop func()) {
	return mon.Subscribe(func(online bool) {
		if !online {
			return
		}
		go q.Drain(ctx)
	})
}

// persistLocked writes the queue to the store. Must be called with lock held.
func (q *Queue) persistLocked(ctx context.Context) error {
	q.metrics.SetQueueDepth(len(q.items))

	items := q.items
	if items == nil {
		items = []QueuedRequest{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Set(ctx, q.cfg.StorageKey, raw); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func stripCredentials(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	out := h.Clone()
	out.Del("Authorization")
	if len(out) == 0 {
		return nil
	}
	return out
}
