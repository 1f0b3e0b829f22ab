package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper claims Idempotency-Key values in Redis. Each key stores the
// fingerprint of the batch that claimed it, so a retry of the same batch is
// told apart from a client reusing a key for different commands.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(scope, key string) string {
	return fmt.Sprintf("taskboard:idem:%s:%s", scope, key)
}

// Claim stores fingerprint under key unless the key is already held.
func (r *RedisDeduper) Claim(ctx context.Context, scope, key, fingerprint string) (bool, string, error) {
	k := r.key(scope, key)
	// Two rounds cover a key that expires between SETNX and GET.
	for range 2 {
		claimed, err := r.client.SetNX(ctx, k, fingerprint, r.ttl).Result()
		if err != nil || claimed {
			return claimed, "", err
		}
		prior, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		return false, prior, err
	}
	return false, "", nil
}

// Remove deletes a previously claimed key so the caller may retry.
func (r *RedisDeduper) Remove(ctx context.Context, scope, key string) error {
	return r.client.Del(ctx, r.key(scope, key)).Err()
}

// batchFingerprint identifies a command batch by the bytes the client sent
// after decompression.
func batchFingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
