package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/model"
)

const (
	// identityCachePrefix is the Redis key prefix for resolved API keys.
	identityCachePrefix = "auth:key:"
	// identityCacheTTL bounds how long a resolved key skips argon2.
	identityCacheTTL = 5 * time.Minute
)

// cachedIdentity is the Redis representation of an auth.KeyIdentity.
type cachedIdentity struct {
	KeyID       string   `json:"key_id"`
	KeyPrefix   string   `json:"key_prefix"`
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// GetKeyIdentity returns a cached key identity, or nil on a miss.
func (c *Cache) GetKeyIdentity(ctx context.Context, cacheKey string) (*auth.KeyIdentity, error) {
	data, err := c.client.Get(ctx, identityCachePrefix+cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key identity: %w", err)
	}

	var cached cachedIdentity
	if err := json.Unmarshal(data, &cached); err != nil {
		// Corrupted cache entry - treat as miss
		return nil, nil //nolint:nilerr
	}

	return &auth.KeyIdentity{
		UserID:      cached.UserID,
		KeyID:       cached.KeyID,
		KeyPrefix:   cached.KeyPrefix,
		Permissions: model.ParsePermissions(cached.Permissions),
	}, nil
}

// SetKeyIdentity caches a resolved key identity.
func (c *Cache) SetKeyIdentity(ctx context.Context, cacheKey string, id *auth.KeyIdentity) error {
	perms := make([]string, len(id.Permissions))
	for i, p := range id.Permissions {
		perms[i] = string(p)
	}

	data, err := json.Marshal(cachedIdentity{
		KeyID:       id.KeyID,
		KeyPrefix:   id.KeyPrefix,
		UserID:      id.UserID,
		Permissions: perms,
	})
	if err != nil {
		return fmt.Errorf("marshal key identity: %w", err)
	}

	return c.client.Set(ctx, identityCachePrefix+cacheKey, data, identityCacheTTL).Err()
}

// DeleteKeyIdentity removes a cached key identity.
func (c *Cache) DeleteKeyIdentity(ctx context.Context, cacheKey string) error {
	return c.client.Del(ctx, identityCachePrefix+cacheKey).Err()
}
