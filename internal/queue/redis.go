package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"apparel/catalog/internal/config"
	"apparel/catalog/internal/domain/task"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	streamPrefix   = "apparel:stream:"
	failedTaskType = "FailedTask"
)

// ClaimedTask is a failed task read from the stream. It stays pending in
// the consumer group until acked.
type ClaimedTask struct {
	MessageID string
	Failed    task.FailedTask
}

type Queue interface {
	AddTask(ctx context.Context, t task.Task) (string, error) // Returns message ID
	ClaimFailedTasks(ctx context.Context, consumer string, limit int) ([]ClaimedTask, error)
	AckFailedTasks(ctx context.Context, msgIDs ...string) error
	EnsureStreamsExist(ctx context.Context) error
}

type RedisQueue struct {
	redisClient *redis.Client
	groupName   string
	minIdleTime time.Duration
	maxReplays  int
}

func NewRedisQueue(ctx context.Context, redisClient *redis.Client, cfg config.RedisConfig) (*RedisQueue, error) {
	q := &RedisQueue{
		redisClient: redisClient,
		groupName:   cfg.ConsumerGroup,
		minIdleTime: cfg.MinIdleTime,
		maxReplays:  cfg.MaxReplays,
	}

	if err := q.EnsureStreamsExist(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure streams exist: %w", err)
	}
	return q, nil
}

func streamName(taskType string) string {
	return streamPrefix + taskType
}

// createGroup tolerates a group that already exists.
func (q *RedisQueue) createGroup(ctx context.Context, stream, group string) error {
	err := q.redisClient.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		log.Debugf("Group %s already exists for stream %s", group, stream)
		return nil
	}
	return err
}

func (q *RedisQueue) AddTask(ctx context.Context, t task.Task) (string, error) {
	taskType := t.TaskType()
	stream := streamName(taskType)

	taskValue, err := t.TaskValue()
	if err != nil {
		return "", fmt.Errorf("failed to serialize task: %w", err)
	}

	messageID, err := q.redisClient.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"task_type": taskType,
			"task_data": string(taskValue),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add task to Redis stream %s: %w", stream, err)
	}

	log.Debugf("Added task %s to stream %s with message ID: %s", taskType, stream, messageID)
	return messageID, nil
}

// ClaimFailedTasks returns up to limit failed tasks for replay. Messages
// left pending by a consumer that died are reclaimed first, then new ones
// are read. Tasks that already used up their replays and messages that do
// not decode are acked and dropped.
func (q *RedisQueue) ClaimFailedTasks(ctx context.Context, consumer string, limit int) ([]ClaimedTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	stream := streamName(failedTaskType)

	stale, err := q.autoClaim(ctx, consumer, stream, int64(limit))
	if err != nil {
		return nil, err
	}
	messages := stale
	if remaining := limit - len(messages); remaining > 0 {
		fresh, err := q.readNew(ctx, consumer, stream, int64(remaining))
		if err != nil {
			return nil, err
		}
		messages = append(messages, fresh...)
	}

	var (
		claimed []ClaimedTask
		drop    []string
	)
	for _, msg := range messages {
		data, _ := msg.Values["task_data"].(string)
		failed, err := task.DecodeTask[*task.FailedTask]([]byte(data))
		if err != nil || failed == nil {
			log.WithField("message_id", msg.ID).Warnf("⚠️ Dropping undecodable failed task: %v", err)
			drop = append(drop, msg.ID)
			continue
		}
		if q.maxReplays > 0 && failed.ReplayCount >= q.maxReplays {
			log.WithFields(log.Fields{
				"task_id":  failed.Task.TaskID,
				"platform": failed.Task.Platform,
				"replays":  failed.ReplayCount,
			}).Warnf("🪦 Giving up on task after %d replays: %s", failed.ReplayCount, failed.Error)
			drop = append(drop, msg.ID)
			continue
		}
		claimed = append(claimed, ClaimedTask{MessageID: msg.ID, Failed: *failed})
	}

	if err := q.AckFailedTasks(ctx, drop...); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *RedisQueue) AckFailedTasks(ctx context.Context, msgIDs ...string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	stream := streamName(failedTaskType)
	if err := q.redisClient.XAck(ctx, stream, q.groupName, msgIDs...).Err(); err != nil {
		return fmt.Errorf("failed to ack messages on %s: %w", stream, err)
	}
	// Acked replays are never read again.
	if err := q.redisClient.XDel(ctx, stream, msgIDs...).Err(); err != nil {
		return fmt.Errorf("failed to delete messages on %s: %w", stream, err)
	}
	return nil
}

func (q *RedisQueue) readNew(ctx context.Context, consumer, stream string, count int64) ([]redis.XMessage, error) {
	result, err := q.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.groupName,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    -1, // omit BLOCK
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from Redis stream %s: %w", stream, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result[0].Messages, nil
}

func (q *RedisQueue) autoClaim(ctx context.Context, consumer, stream string, count int64) ([]redis.XMessage, error) {
	result, _, err := q.redisClient.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.groupName,
		Consumer: consumer,
		MinIdle:  q.minIdleTime,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim messages from Redis stream %s: %w", stream, err)
	}
	return result, nil
}

// EnsureStreamsExist creates the streams and consumer group upfront.
func (q *RedisQueue) EnsureStreamsExist(ctx context.Context) error {
	for _, taskType := range []string{failedTaskType} {
		stream := streamName(taskType)
		if err := q.createGroup(ctx, stream, q.groupName); err != nil {
			return fmt.Errorf("failed to create consumer group for %s: %w", taskType, err)
		}
		log.Infof("✅ Stream %s and consumer group %s ready", stream, q.groupName)
	}
	return nil
}
