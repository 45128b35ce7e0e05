package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Blacklist holds identity, network and device keys that are always declined.
// Keys use the velocity key format: user:<id>, ip:<addr>, device:<id>.
type Blacklist interface {
	// Match returns the first listed key among keys.
	Match(ctx context.Context, keys ...string) (string, bool, error)
	Add(ctx context.Context, key string) error
	Remove(ctx context.Context, key string) error
}

// ValidateKey checks that key has a supported prefix and a non-empty value.
func ValidateKey(key string) error {
	for _, prefix := range []string{"user:", "ip:", "device:"} {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidKey, key)
}

// MemoryBlacklist is an in-process blacklist.
type MemoryBlacklist struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewMemoryBlacklist creates a blacklist seeded with keys. Invalid seeds are skipped.
func NewMemoryBlacklist(keys ...string) *MemoryBlacklist {
	b := &MemoryBlacklist{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if ValidateKey(k) == nil {
			b.keys[k] = struct{}{}
		}
	}
	return b
}

func (b *MemoryBlacklist) Match(_ context.Context, keys ...string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := b.keys[k]; ok {
			return k, true, nil
		}
	}
	return "", false, nil
}

func (b *MemoryBlacklist) Add(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	b.keys[key] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlacklist) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.keys, key)
	b.mu.Unlock()
	return nil
}

// RedisBlacklist shares one blacklist set across every paycore instance.
type RedisBlacklist struct {
	client *redis.Client
	setKey string
}

// NewRedisBlacklist stores keys in the Redis set setKey.
func NewRedisBlacklist(client *redis.Client, setKey string) *RedisBlacklist {
	if setKey == "" {
		setKey = "paycore:risk:blacklist"
	}
	return &RedisBlacklist{client: client, setKey: setKey}
}

func (b *RedisBlacklist) Match(ctx context.Context, keys ...string) (string, bool, error) {
	members := make([]interface{}, 0, len(keys))
	candidates := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			members = append(members, k)
			candidates = append(candidates, k)
		}
	}
	if len(members) == 0 {
		return "", false, nil
	}
	hits, err := b.client.SMIsMember(ctx, b.setKey, members...).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	for i, hit := range hits {
		if hit {
			return candidates[i], true, nil
		}
	}
	return "", false, nil
}

func (b *RedisBlacklist) Add(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := b.client.SAdd(ctx, b.setKey, key).Err(); err != nil {
		return fmt.Errorf("failed to add blacklist key: %w", err)
	}
	return nil
}

func (b *RedisBlacklist) Remove(ctx context.Context, key string) error {
	if err := b.client.SRem(ctx, b.setKey, key).Err(); err != nil {
		return fmt.Errorf("failed to remove blacklist key: %w", err)
	}
	return nil
}
