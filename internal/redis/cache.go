// Package redis holds the read-side caches and coordination primitives.
// Postgres is always the source of truth for task and result state; what
// lives here is a cache to keep the query path off the database, plus the
// worker heartbeat registry and the coordinator leader election.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qcflow/qcflow/internal/domain"
)

const (
	statusTTL = 24 * time.Hour
	resultTTL = time.Hour
)

func statusKey(fp string) string { return "qc:status:" + fp }
func resultKey(fp string) string { return "qc:result:" + fp }

// StatusCache caches per-fingerprint task status and committed results.
// Entries are invalidated (overwritten or left to expire) rather than
// trusted: a miss or stale read falls through to storage.
type StatusCache interface {
	SetStatus(ctx context.Context, fingerprint string, status domain.Status) error
	GetStatus(ctx context.Context, fingerprint string) (domain.Status, error)
	SetResult(ctx context.Context, result *domain.ResultRecord) error
	GetResult(ctx context.Context, fingerprint string) (*domain.ResultRecord, error)
	Invalidate(ctx context.Context, fingerprint string) error
}

type statusCache struct {
	client *redis.Client
}

// NewStatusCache creates a Redis-backed StatusCache.
func NewStatusCache(client *redis.Client) StatusCache {
	return &statusCache{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (c *statusCache) SetStatus(ctx context.Context, fp string, status domain.Status) error {
	if err := c.client.Set(ctx, statusKey(fp), string(status), statusTTL).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", fp, err)
	}
	return nil
}

func (c *statusCache) GetStatus(ctx context.Context, fp string) (domain.Status, error) {
	val, err := c.client.Get(ctx, statusKey(fp)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{Fingerprint: fp}
		}
		return "", fmt.Errorf("redis get status for %s: %w", fp, err)
	}
	return domain.Status(val), nil
}

func (c *statusCache) SetResult(ctx context.Context, result *domain.ResultRecord) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result record: %w", err)
	}
	if err := c.client.Set(ctx, resultKey(result.Fingerprint), data, resultTTL).Err(); err != nil {
		return fmt.Errorf("redis set result for %s: %w", result.Fingerprint, err)
	}
	return nil
}

func (c *statusCache) GetResult(ctx context.Context, fp string) (*domain.ResultRecord, error) {
	data, err := c.client.Get(ctx, resultKey(fp)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{Fingerprint: fp}
		}
		return nil, fmt.Errorf("redis get result for %s: %w", fp, err)
	}
	var result domain.ResultRecord
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result record: %w", err)
	}
	return &result, nil
}

func (c *statusCache) Invalidate(ctx context.Context, fp string) error {
	if err := c.client.Del(ctx, statusKey(fp), resultKey(fp)).Err(); err != nil {
		return fmt.Errorf("redis invalidate %s: %w", fp, err)
	}
	return nil
}
