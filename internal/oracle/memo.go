package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Memo is a short-lived store of resolved quotes keyed by coin and hour.
// It sits in front of the ordered series and absorbs bursts of identical
// lookups.
type Memo interface {
	Get(ctx context.Context, key string) (Quote, bool, error)
	Set(ctx context.Context, key string, q Quote, ttl time.Duration) error
}

func memoKey(coinID string, hourMs int64) string {
	return fmt.Sprintf("price:%s:%d", coinID, hourMs)
}

type memoEntry struct {
	quote     Quote
	expiresAt time.Time
}

// MemoryMemo is an in-process Memo. Expired entries are swept on Set, at
// most once per TTL, so keys that are never read again do not accumulate.
type MemoryMemo struct {
	mu        sync.Mutex
	entries   map[string]memoEntry
	nextSweep time.Time
	now       func() time.Time
}

// NewMemoryMemo creates an empty in-process memo.
func NewMemoryMemo() *MemoryMemo {
	return &MemoryMemo{
		entries: make(map[string]memoEntry),
		now:     time.Now,
	}
}

func (m *MemoryMemo) Get(_ context.Context, key string) (Quote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Quote{}, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return Quote{}, false, nil
	}
	return e.quote, true, nil
}

func (m *MemoryMemo) Set(_ context.Context, key string, q Quote, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !now.Before(m.nextSweep) {
		for k, e := range m.entries {
			if !now.Before(e.expiresAt) {
				delete(m.entries, k)
			}
		}
		m.nextSweep = now.Add(ttl)
	}
	m.entries[key] = memoEntry{quote: q, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryMemo) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RedisMemo shares resolved quotes between instances through Redis. Values
// are JSON with the price kept as a decimal string.
type RedisMemo struct {
	rdb *redis.Client
}

// NewRedisMemo creates a Redis-backed memo.
func NewRedisMemo(rdb *redis.Client) *RedisMemo {
	return &RedisMemo{rdb: rdb}
}

func (m *RedisMemo) Get(ctx context.Context, key string) (Quote, bool, error) {
	data, err := m.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		// Treat an undecodable entry as a miss; the next Set overwrites it.
		return Quote{}, false, nil
	}
	return q, true, nil
}

func (m *RedisMemo) Set(ctx context.Context, key string, q Quote, ttl time.Duration) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, key, data, ttl).Err()
}
