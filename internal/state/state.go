package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"apparel/catalog/internal/domain"

	"github.com/redis/go-redis/v9"
)

// StateManager keeps the last successful collection time per platform and
// category so a cycle can skip work done recently.
type StateManager interface {
	GetLastRun(ctx context.Context, platform domain.Platform, category string) (time.Time, error)
	SetLastRun(ctx context.Context, platform domain.Platform, category string, at time.Time) error
}

type redisStateManager struct {
	redisClient *redis.Client
	keyPrefix   string
}

func NewRedisStateManager(redisClient *redis.Client) StateManager {
	return &redisStateManager{
		redisClient: redisClient,
		keyPrefix:   "apparel:state:last_run:",
	}
}

func (s *redisStateManager) key(platform domain.Platform, category string) string {
	return s.keyPrefix + platform.String() + ":" + category
}

// GetLastRun returns the zero time when nothing was recorded yet.
func (s *redisStateManager) GetLastRun(ctx context.Context, platform domain.Platform, category string) (time.Time, error) {
	val, err := s.redisClient.Get(ctx, s.key(platform, category)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last run for %s/%s: %w", platform, category, err)
	}

	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last run for %s/%s: %w", platform, category, err)
	}
	return at, nil
}

func (s *redisStateManager) SetLastRun(ctx context.Context, platform domain.Platform, category string, at time.Time) error {
	err := s.redisClient.Set(ctx, s.key(platform, category), at.UTC().Format(time.RFC3339Nano), 0).Err() // No expiration
	if err != nil {
		return fmt.Errorf("failed to set last run for %s/%s: %w", platform, category, err)
	}
	return nil
}
