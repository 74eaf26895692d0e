package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "filerelay:seen:"

// Dedupe remembers which inbound keys have already been dispatched, so a file
// is not handed to the pipeline twice while it is still being moved.
type Dedupe interface {
	// Claim returns true if the caller is the first to claim the key.
	Claim(ctx context.Context, key string) (bool, error)
}

// MemoryDedupe is a process-local Dedupe for single-instance deployments and
// tests.
type MemoryDedupe struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDedupe() *MemoryDedupe {
	return &MemoryDedupe{seen: make(map[string]struct{})}
}

func (d *MemoryDedupe) Claim(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}

// RedisDedupe shares claims between relay instances via SETNX with a TTL.
type RedisDedupe struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDedupe(client *redis.Client, ttl time.Duration) *RedisDedupe {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedupe{client: client, ttl: ttl}
}

func (d *RedisDedupe) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, dedupeKeyPrefix+key, 1, d.ttl).Result()
}
