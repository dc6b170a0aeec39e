package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// PresenceCache answers "has this user heartbeated within the grace window".
type PresenceCache interface {
	Touch(ctx context.Context, userID string, ttl time.Duration) error
	Forget(ctx context.Context, userID string) error
	IsAlive(ctx context.Context, userID string) (bool, error)
}

// RedisPresenceCache stores one expiring key per live user.
type RedisPresenceCache struct {
	client *redis.Client
}

func NewRedisPresenceCache(client *redis.Client) *RedisPresenceCache {
	return &RedisPresenceCache{client: client}
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

func (r *RedisPresenceCache) Touch(ctx context.Context, userID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, presenceKey(userID), time.Now().UTC().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceCache) Forget(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceCache) IsAlive(ctx context.Context, userID string) (bool, error) {
	_, err := r.client.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get presence: %w", err)
	}
	return true, nil
}

// MemoryPresenceCache keeps deadlines in a map.
type MemoryPresenceCache struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
	now       func() time.Time
}

func NewMemoryPresenceCache() *MemoryPresenceCache {
	return &MemoryPresenceCache{deadlines: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryPresenceCache) Touch(_ context.Context, userID string, ttl time.Duration) error {
	m.mu.Lock()
	m.deadlines[userID] = m.now().Add(ttl)
	m.mu.Unlock()
	return nil
}

func (m *MemoryPresenceCache) Forget(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.deadlines, userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryPresenceCache) IsAlive(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.deadlines[userID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(deadline) {
		delete(m.deadlines, userID)
		return false, nil
	}
	return true, nil
}
