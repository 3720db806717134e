package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/propelr/propelr/internal/model"
)

// ErrNoIdentity is returned when a request carries no usable credential.
var ErrNoIdentity = errors.New("no identity")

// KeyStore looks up API keys for verification.
type KeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
}

// KeyCache caches resolved key identities by a hash of the raw key.
type KeyCache interface {
	GetKeyIdentity(ctx context.Context, cacheKey string) (*KeyIdentity, error)
	SetKeyIdentity(ctx context.Context, cacheKey string, id *KeyIdentity) error
}

// Resolver turns request credentials into an Identity.
type Resolver struct {
	tokens *Tokens
	keys   KeyStore
	cache  KeyCache
	logger *slog.Logger
}

// NewResolver creates a Resolver. cache may be nil.
func NewResolver(tokens *Tokens, keys KeyStore, cache KeyCache, logger *slog.Logger) *Resolver {
	return &Resolver{
		tokens: tokens,
		keys:   keys,
		cache:  cache,
		logger: logger.With("component", "auth"),
	}
}

// Resolve picks exactly one credential path: the API key when apiKey is
// non-empty, otherwise the authorization header.
func (r *Resolver) Resolve(ctx context.Context, authorization, apiKey string) (Identity, error) {
	if apiKey != "" {
		return r.ResolveKey(ctx, apiKey)
	}
	return r.ResolveBearer(ctx, authorization)
}

// ResolveBearer parses an "<scheme> <token>" header. Only the Bearer
// scheme is accepted.
func (r *Resolver) ResolveBearer(_ context.Context, header string) (*BearerIdentity, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, ErrNoIdentity
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoIdentity
	}

	id, err := r.tokens.Verify(token)
	if err != nil {
		return nil, ErrNoIdentity
	}
	return id, nil
}

// ResolveKey verifies a plaintext API key against the stored hashes of
// every key sharing its prefix.
func (r *Resolver) ResolveKey(ctx context.Context, raw string) (*KeyIdentity, error) {
	parsed, err := ParseAPIKey(raw)
	if err != nil {
		return nil, ErrNoIdentity
	}

	cacheKey := QuickHash(raw)
	if r.cache != nil {
		if id, _ := r.cache.GetKeyIdentity(ctx, cacheKey); id != nil {
			return id, nil
		}
	}

	candidates, err := r.keys.GetAPIKeysByPrefix(ctx, parsed.Prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup api keys: %w", err)
	}

	var matched *model.APIKey
	for _, k := range candidates {
		ok, err := VerifyPassword(raw, k.KeyHash)
		if err != nil {
			continue
		}
		if ok {
			matched = k
			break
		}
	}
	if matched == nil {
		r.logger.Debug("api key did not match", slog.String("key", parsed.Redacted()))
		return nil, ErrNoIdentity
	}

	id := &KeyIdentity{
		UserID:      matched.UserID,
		KeyID:       matched.ID,
		KeyPrefix:   matched.KeyPrefix,
		Permissions: matched.Permissions,
	}

	if r.cache != nil {
		if err := r.cache.SetKeyIdentity(ctx, cacheKey, id); err != nil {
			r.logger.Warn("failed to cache key identity", slog.String("error", err.Error()))
		}
	}

	go func(keyID string) {
		if err := r.keys.UpdateAPIKeyLastUsed(context.WithoutCancel(ctx), keyID); err != nil {
			r.logger.Warn("failed to update key last_used_at",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()),
			)
		}
	}(matched.ID)

	return id, nil
}
