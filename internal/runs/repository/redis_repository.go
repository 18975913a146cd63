package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/internal/runs"
)

const (
	lockPrefix   = "lock:"
	statusPrefix = "router:job:"
	statusTTL    = 24 * time.Hour
)

type runRedisRepo struct {
	redisClient *redis.Client
}

func NewRunRedisRepo(redisClient *redis.Client) runs.LockRepository {
	return &runRedisRepo{redisClient: redisClient}
}

func (r *runRedisRepo) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	locked, err := r.redisClient.SetNX(ctx, lockPrefix+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set lock for %s: %w", key, err)
	}
	return locked, nil
}

func (r *runRedisRepo) Release(ctx context.Context, key string) error {
	if err := r.redisClient.Del(ctx, lockPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", key, err)
	}
	return nil
}

func (r *runRedisRepo) SetStatus(ctx context.Context, rec *models.RunRecord) error {
	statusKey := statusPrefix + rec.RunID.String()

	pipe := r.redisClient.Pipeline()
	pipe.HSet(ctx, statusKey,
		"input_path", rec.InputPath,
		"workflow", rec.Workflow,
		"job_id", rec.JobID,
		"status", string(rec.Status),
		"error", rec.Error,
		"updated_at", time.Now().Format(time.RFC3339),
	)
	pipe.Expire(ctx, statusKey, statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}
