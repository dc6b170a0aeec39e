package repositories

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// CommandLedger remembers command ids for a window so a replayed command is
// applied once.
type CommandLedger interface {
	// Claim records key and reports whether it was not already present.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisCommandLedger struct {
	client *redis.Client
}

func NewRedisCommandLedger(client *redis.Client) *RedisCommandLedger {
	return &RedisCommandLedger{client: client}
}

func (r *RedisCommandLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, "cmd:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim command: %w", err)
	}
	return ok, nil
}

func (r *RedisCommandLedger) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, "cmd:"+key).Err(); err != nil {
		return fmt.Errorf("failed to release command: %w", err)
	}
	return nil
}

// MemoryCommandLedger is the single-process ledger.
type MemoryCommandLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryCommandLedger() *MemoryCommandLedger {
	return &MemoryCommandLedger{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryCommandLedger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)
	if len(m.entries) > 4096 {
		for k, exp := range m.entries {
			if !now.Before(exp) {
				delete(m.entries, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryCommandLedger) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
