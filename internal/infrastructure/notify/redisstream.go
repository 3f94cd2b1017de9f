package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStreamStrategy appends the payload to the record's stream with XADD.
type RedisStreamStrategy struct {
	failer
	client redis.UniversalClient
}

func NewRedisStreamStrategy(client redis.UniversalClient, store taskmessage.StatusUpdater, logger zerolog.Logger) *RedisStreamStrategy {
	return &RedisStreamStrategy{failer: failer{store: store, logger: logger}, client: client}
}

func (s *RedisStreamStrategy) Type() taskmessage.TransportType { return taskmessage.TransportRedisStream }

func (s *RedisStreamStrategy) Notify(ctx context.Context, rec taskmessage.Record) (string, error) {
	if s.client == nil {
		return "", notConfigured(s.Type())
	}
	cfg := rec.TransportConfig.RedisStream
	if cfg == nil {
		return "", s.fail(ctx, rec, missingSection(s.Type(), rec))
	}

	args := &redis.XAddArgs{
		Stream: cfg.Stream,
		Values: map[string]any{
			"task_id":   rec.TaskID,
			"task_name": rec.TaskName,
			"payload":   rec.Payload,
			"timestamp": time.Now().Unix(),
		},
	}
	if cfg.MaxLen > 0 {
		args.MaxLen = cfg.MaxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", s.fail(ctx, rec, fmt.Errorf("xadd %s: %w", cfg.Stream, err))
	}
	return id, nil
}
