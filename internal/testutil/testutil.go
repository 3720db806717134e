// Package testutil holds shared helpers for integration and unit tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/propelr/propelr/internal/model"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

const advisoryLockID int64 = 771177

// AcquireDBLock grabs a global advisory lock to serialize DB tests.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	unlock := func() error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}

	return unlock, nil
}

// TruncateAll empties every application table. Migrations must already
// be applied.
func TruncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `TRUNCATE flow_runs, flows, api_keys, users CASCADE`); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}

// FlushRedis clears the current Redis database.
func FlushRedis(ctx context.Context, client *redis.Client) error {
	return client.FlushDB(ctx).Err()
}

// ============================================================================
// Test Data Factories
// ============================================================================

var seq atomic.Int64

// UniqueID generates a unique ID for tests.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq.Add(1))
}

// NewTestUser creates a user with a placeholder password hash.
func NewTestUser(t testing.TB, email string) *model.User {
	t.Helper()
	return &model.User{
		ID:           UniqueID("user"),
		Email:        email,
		PasswordHash: "hash-" + UniqueID("pw"),
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

// NewTestFlow creates a stopped daily flow owned by userID.
func NewTestFlow(t testing.TB, userID string) *model.Flow {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.Flow{
		ID:       UniqueID("flow"),
		UserID:   userID,
		Status:   model.FlowStopped,
		Query:    model.Query{Syntax: "x = 1", Vars: []string{"x"}},
		Schedule: model.Schedule{Type: model.ScheduleDaily, Time: "09:00"},
		Receiver: model.Receiver{
			Identity: model.ReceiverEmail,
			Address:  "ops@example.com",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTestAPIKey creates a test API key with every permission.
func NewTestAPIKey(t testing.TB, userID string) *model.APIKey {
	t.Helper()
	return &model.APIKey{
		ID:          UniqueID("key"),
		UserID:      userID,
		KeyHash:     "hash-" + UniqueID("k"),
		KeyPrefix:   "a1b2c3",
		Permissions: append([]model.Permission(nil), model.ValidPermissions...),
		Name:        "Test Key",
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}
