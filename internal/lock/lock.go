// Package lock provides per-conversation-thread mutual exclusion with TTL
// expiry, plus a FIFO queue of turns that arrived while a thread was busy.
// An in-process store is always active; when a Redis client is supplied the
// lock state is mirrored there so multiple processes agree on who is
// running a thread.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed holder can wedge a thread.
	DefaultTTL = 90 * time.Second

	// RunMappingTTL bounds the clientMessageId -> runId idempotency window.
	RunMappingTTL = time.Hour

	lockKeyPrefix   = "cv:lock:"
	runMapKeyPrefix = "cv:runmap:"
)

// RunPending is the mapping value recorded for a client message whose run
// has been accepted but not yet created upstream. Retries that find it get
// an in-flight answer instead of dispatching the message again.
const RunPending = "pending"

// QueueItem is one user turn parked behind a locked thread.
type QueueItem struct {
	ThreadID        string
	UserText        string
	ClientMessageID string
	Metadata        map[string]string
}

// Locker coordinates thread locks, queued turns, and run mappings.
// Queueing is memory-only even when Redis is configured: parked turns are
// replayed by the process that parked them.
type Locker struct {
	ttl time.Duration
	mem *cache.Cache
	rdb *redis.Client

	mu     sync.Mutex
	queues map[string][]QueueItem
}

// Option configures a Locker.
type Option func(*Locker)

// WithRedis mirrors lock and run-mapping state to a shared Redis instance.
func WithRedis(client *redis.Client) Option {
	return func(l *Locker) { l.rdb = client }
}

// WithTTL overrides the lock time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

// New creates a Locker. Without options it is memory-only with DefaultTTL.
func New(opts ...Option) *Locker {
	l := &Locker{
		ttl:    DefaultTTL,
		mem:    cache.New(cache.NoExpiration, time.Minute),
		queues: make(map[string][]QueueItem),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire attempts to take the lock for threadID. It never blocks: the
// answer is whether the caller now holds the lock. Redis failures degrade
// to the in-process store so a flaky shared store cannot stall chat.
func (l *Locker) Acquire(ctx context.Context, threadID string) bool {
	key := lockKeyPrefix + threadID
	if l.rdb != nil {
		ok, err := l.rdb.SetNX(ctx, key, "1", l.ttl).Result()
		if err == nil {
			if ok {
				l.mem.Set(key, "1", l.ttl)
			}
			return ok
		}
		slog.Warn("lock: redis acquire failed, using memory store", "thread_id", threadID, "error", err)
	}
	return l.mem.Add(key, "1", l.ttl) == nil
}

// Release removes the lock for threadID unconditionally. No ownership
// token is checked; any caller may release any thread.
func (l *Locker) Release(ctx context.Context, threadID string) {
	key := lockKeyPrefix + threadID
	l.mem.Delete(key)
	if l.rdb != nil {
		if err := l.rdb.Del(ctx, key).Err(); err != nil {
			slog.Warn("lock: redis release failed", "thread_id", threadID, "error", err)
		}
	}
}

// Held reports whether an unexpired lock exists for threadID. The shared
// store is authoritative when configured.
func (l *Locker) Held(ctx context.Context, threadID string) bool {
	key := lockKeyPrefix + threadID
	if l.rdb != nil {
		n, err := l.rdb.Exists(ctx, key).Result()
		if err == nil {
			return n > 0
		}
		slog.Warn("lock: redis read failed, using memory store", "thread_id", threadID, "error", err)
	}
	_, held := l.mem.Get(key)
	return held
}

// EnqueueIfLocked parks item behind threadID's lock. Returns false when the
// thread is not locked, in which case the caller should run the turn now.
// A duplicate of an already parked client message id is absorbed rather
// than queued a second time.
func (l *Locker) EnqueueIfLocked(ctx context.Context, threadID string, item QueueItem) bool {
	if !l.Held(ctx, threadID) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if item.ClientMessageID != "" {
		for _, parked := range l.queues[threadID] {
			if parked.ClientMessageID == item.ClientMessageID {
				return true
			}
		}
	}
	l.queues[threadID] = append(l.queues[threadID], item)
	return true
}

// Dequeue pops the oldest parked turn for threadID.
func (l *Locker) Dequeue(threadID string) (QueueItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queues[threadID]
	if len(q) == 0 {
		return QueueItem{}, false
	}
	item := q[0]
	if len(q) == 1 {
		delete(l.queues, threadID)
	} else {
		l.queues[threadID] = q[1:]
	}
	return item, true
}

// QueueLen reports how many turns are parked for threadID.
func (l *Locker) QueueLen(threadID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[threadID])
}

// MapRun records the run created for a (thread, clientMessage) pair so
// retries of the same client message can find the in-flight run.
func (l *Locker) MapRun(ctx context.Context, threadID, clientMessageID, runID string) {
	if clientMessageID == "" {
		return
	}
	key := runMapKeyPrefix + threadID + ":" + clientMessageID
	l.mem.Set(key, runID, RunMappingTTL)
	if l.rdb != nil {
		if err := l.rdb.Set(ctx, key, runID, RunMappingTTL).Err(); err != nil {
			slog.Warn("lock: redis run mapping failed", "thread_id", threadID, "error", err)
		}
	}
}

// DropRun removes the mapping for a (thread, clientMessage) pair so a
// retry of a failed turn can dispatch again.
func (l *Locker) DropRun(ctx context.Context, threadID, clientMessageID string) {
	if clientMessageID == "" {
		return
	}
	key := runMapKeyPrefix + threadID + ":" + clientMessageID
	l.mem.Delete(key)
	if l.rdb != nil {
		if err := l.rdb.Del(ctx, key).Err(); err != nil {
			slog.Warn("lock: redis run unmap failed", "thread_id", threadID, "error", err)
		}
	}
}

// LookupRun returns the run previously mapped for a (thread, clientMessage)
// pair, preferring the shared store.
func (l *Locker) LookupRun(ctx context.Context, threadID, clientMessageID string) (string, bool) {
	key := runMapKeyPrefix + threadID + ":" + clientMessageID
	if l.rdb != nil {
		runID, err := l.rdb.Get(ctx, key).Result()
		if err == nil {
			return runID, true
		}
		if err != redis.Nil {
			slog.Warn("lock: redis run lookup failed", "thread_id", threadID, "error", err)
		}
	}
	if v, ok := l.mem.Get(key); ok {
		return v.(string), true
	}
	return "", false
}
