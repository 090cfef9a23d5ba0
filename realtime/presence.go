package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which users hold at least one live connection. A user
// with several tabs open has several connection ids.
type Presence interface {
	Add(ctx context.Context, userID, connID string) error
	Remove(ctx context.Context, userID, connID string) error
	Online(ctx context.Context, userID string) (bool, error)
}

// MemoryPresence serves single-instance deployments.
type MemoryPresence struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{conns: make(map[string]map[string]struct{})}
}

func (p *MemoryPresence) Add(ctx context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		p.conns[userID] = set
	}
	set[connID] = struct{}{}
	return nil
}

func (p *MemoryPresence) Remove(ctx context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.conns[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(p.conns, userID)
	}
	return nil
}

func (p *MemoryPresence) Online(ctx context.Context, userID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns[userID]) > 0, nil
}

// RedisPresence shares presence between instances. Each user has a set of
// connection ids; the set expires unless a live session refreshes it, so a
// crashed instance cannot leave users online forever.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

// Add registers connID and refreshes the expiry. Sessions call it again on
// every heartbeat.
func (p *RedisPresence) Add(ctx context.Context, userID, connID string) error {
	key := presenceKey(userID)
	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, key, connID)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}
	return nil
}

func (p *RedisPresence) Remove(ctx context.Context, userID, connID string) error {
	if err := p.rdb.SRem(ctx, presenceKey(userID), connID).Err(); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

func (p *RedisPresence) Online(ctx context.Context, userID string) (bool, error) {
	n, err := p.rdb.SCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence: %w", err)
	}
	return n > 0, nil
}
