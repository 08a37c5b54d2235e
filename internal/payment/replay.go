package payment

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard makes sure one provider payment is applied by one callback at
// a time. Claim reports false when the key is already held.
type ReplayGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisGuard claims keys with SET NX so concurrent replicas share it.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisGuard creates a Redis-backed guard.
func NewRedisGuard(client redis.UniversalClient) *RedisGuard {
	return &RedisGuard{client: client, prefix: "pricewatch:payment:callback:"}
}

func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, time.Now().Unix(), ttl).Result()
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.prefix+key).Err()
}

// MemoryGuard is the single-process guard used without Redis.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]time.Time // key → expiry
	now  func() time.Time
}

// NewMemoryGuard creates an in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if len(g.keys) > 1024 {
		for k, exp := range g.keys {
			if !now.Before(exp) {
				delete(g.keys, k)
			}
		}
	}
	if exp, ok := g.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.keys[key] = now.Add(ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

var (
	_ ReplayGuard = (*RedisGuard)(nil)
	_ ReplayGuard = (*MemoryGuard)(nil)
)
