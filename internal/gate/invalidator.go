// Package gate notifies the external authorization gate cache that the
// committed state of a (seller, product) pair changed. The gate answers the
// checkout fast path from its own cache; this engine only invalidates it,
// never queries it.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sellergate.org/internal/obs"
)

// Invalidator drops the gate cache entry for one pair. Implementations must
// be safe for concurrent use and must never fail the calling operation.
type Invalidator interface {
	Invalidate(ctx context.Context, sellerID, productID string)
	Close() error
}

// Key is the gate cache key for a pair, shared with the gate service.
func Key(sellerID, productID string) string {
	return fmt.Sprintf("gate:%s:%s", sellerID, productID)
}

// Channel carries invalidation notices for gates that subscribe instead of
// polling.
const Channel = "gate:invalidations"

const (
	queueDepth  = 256
	callTimeout = 2 * time.Second
)

type notice struct {
	sellerID  string
	productID string
}

// Redis invalidates entries in a shared Redis the gate reads from: deletes
// the key and publishes the pair on the invalidation channel. Work is queued
// to a background worker; when the queue is saturated notices are dropped
// and counted in the log, never blocking the caller.
type Redis struct {
	client *redis.Client
	queue  chan notice
	done   chan struct{}
	once   sync.Once
}

var _ Invalidator = (*Redis)(nil)

// NewRedis connects to addr and starts the drain worker.
func NewRedis(addr, password string, db int) *Redis {
	r := &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		queue: make(chan notice, queueDepth),
		done:  make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Redis) Invalidate(ctx context.Context, sellerID, productID string) {
	select {
	case r.queue <- notice{sellerID: sellerID, productID: productID}:
	default:
		// Drop when the worker is behind; the gate entry will still expire
		// on its own TTL.
		obs.LogRequest(map[string]any{
			"level":  "warn",
			"msg":    "gate invalidation dropped",
			"seller": sellerID,
		})
	}
}

func (r *Redis) drain() {
	for {
		select {
		case <-r.done:
			return
		case n := <-r.queue:
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			key := Key(n.sellerID, n.productID)
			if err := r.client.Del(ctx, key).Err(); err != nil {
				obs.LogRequest(map[string]any{
					"level": "warn",
					"msg":   "gate invalidation failed",
					"key":   key,
					"error": err.Error(),
				})
			}
			_ = r.client.Publish(ctx, Channel, key).Err()
			cancel()
		}
	}
}

func (r *Redis) Close() error {
	r.once.Do(func() { close(r.done) })
	return r.client.Close()
}

// Noop is used in tests and redis-less deployments.
type Noop struct{}

var _ Invalidator = Noop{}

func (Noop) Invalidate(ctx context.Context, sellerID, productID string) {}
func (Noop) Close() error                                               { return nil }

// Recorder captures invalidations for assertions in tests.
type Recorder struct {
	mu    sync.Mutex
	Pairs []string
}

var _ Invalidator = (*Recorder)(nil)

func (r *Recorder) Invalidate(ctx context.Context, sellerID, productID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Pairs = append(r.Pairs, Key(sellerID, productID))
}

func (r *Recorder) Close() error { return nil }

// Seen reports whether the pair was invalidated at least once.
func (r *Recorder) Seen(sellerID, productID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := Key(sellerID, productID)
	for _, p := range r.Pairs {
		if p == want {
			return true
		}
	}
	return false
}
