package risk

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	for _, k := range []string{"user:7", "ip:10.0.0.1", "device:abc"} {
		assert.NoError(t, ValidateKey(k), k)
	}
	for _, k := range []string{"", "user:", "email:a@b.c", "7"} {
		assert.ErrorIs(t, ValidateKey(k), ErrInvalidKey, k)
	}
}

func TestMemoryBlacklist(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBlacklist("user:1", "bogus")

	key, hit, err := b.Match(ctx, "ip:9.9.9.9", "user:1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "user:1", key)

	_, hit, _ = b.Match(ctx, "bogus")
	assert.False(t, hit, "invalid seeds are skipped")

	require.NoError(t, b.Add(ctx, "device:d1"))
	key, hit, _ = b.Match(ctx, "", "device:d1")
	assert.True(t, hit)
	assert.Equal(t, "device:d1", key)

	assert.ErrorIs(t, b.Add(ctx, "nope"), ErrInvalidKey)

	require.NoError(t, b.Remove(ctx, "device:d1"))
	_, hit, _ = b.Match(ctx, "device:d1")
	assert.False(t, hit)
}

func TestRedisBlacklist(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	defer func() { _ = client.Close() }()

	setKey := "paycore:test:blacklist:" + time.Now().Format("150405.000000")
	defer client.Del(ctx, setKey)
	b := NewRedisBlacklist(client, setKey)

	_, hit, err := b.Match(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, b.Add(ctx, "ip:10.0.0.9"))
	key, hit, err := b.Match(ctx, "user:1", "ip:10.0.0.9")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "ip:10.0.0.9", key)

	require.NoError(t, b.Remove(ctx, "ip:10.0.0.9"))
	_, hit, err = b.Match(ctx, "ip:10.0.0.9")
	require.NoError(t, err)
	assert.False(t, hit)
}
