// Package cache keeps the last good dashboard and impact snapshots per
// pipeline in Redis, so a restarted server can serve a stale view while the
// store is unreachable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/pipetune/internal/impact"
	"github.com/redis/go-redis/v9"
)

const (
	KindDashboard = "dashboards"
	KindImpact    = "impact_reports"

	keyPrefix = "pipetune:"
)

type envelope struct {
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

type SnapshotCache struct {
	client *redis.Client
	now    func() time.Time
}

func NewSnapshotCache(ctx context.Context, redisAddr string) (*SnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &SnapshotCache{client: client, now: time.Now}, nil
}

// Put stores v as the latest snapshot of kind for the pipeline.
func (c *SnapshotCache) Put(ctx context.Context, kind, pipelineID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s snapshot: %w", kind, err)
	}
	payload, err := json.Marshal(envelope{SavedAt: c.now().UTC(), Data: data})
	if err != nil {
		return err
	}

	return c.client.HSet(ctx, keyPrefix+kind, pipelineID, payload).Err()
}

// Get decodes the latest snapshot into dst. It reports false when none exists.
func (c *SnapshotCache) Get(ctx context.Context, kind, pipelineID string, dst any) (time.Time, bool, error) {
	payload, err := c.client.HGet(ctx, keyPrefix+kind, pipelineID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to unmarshal %s snapshot: %w", kind, err)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to unmarshal %s snapshot: %w", kind, err)
	}
	return env.SavedAt, true, nil
}

// Pipelines lists the pipelines holding a snapshot of kind.
func (c *SnapshotCache) Pipelines(ctx context.Context, kind string) ([]string, error) {
	return c.client.HKeys(ctx, keyPrefix+kind).Result()
}

// PublishImpact implements impact.Sink.
func (c *SnapshotCache) PublishImpact(ctx context.Context, r impact.Report) error {
	return c.Put(ctx, KindImpact, r.PipelineConfigID, r)
}

func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
