// Package sink hands sealed batches to whatever sits downstream of the batcher.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bencyrus/chatterbox/batcher/internal/types"
	"github.com/bencyrus/chatterbox/batcher/shared/logger"
)

// BatchStreamPrefix is followed by the record type. The first part names the
// Redis data structure, as is the convention on the Redis command line.
const BatchStreamPrefix = "stream:batches:"

// MakeBatchStreamName is a convenience function.
func MakeBatchStreamName(recordType string) string {
	return BatchStreamPrefix + recordType
}

// RedisStream appends each batch to the stream of its record type.
type RedisStream struct {
	rdb *redis.Client
}

func NewRedisStream(rdb *redis.Client) *RedisStream {
	return &RedisStream{rdb: rdb}
}

// PublishBatch writes the batch as JSON under the "json" field.
func (s *RedisStream) PublishBatch(ctx context.Context, batch *types.Batch) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch %s: %w", batch.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: MakeBatchStreamName(batch.Type),
		Values: []any{"json", string(b)},
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish batch %s: %w", batch.ID, err)
	}
	logger.Debug(ctx, "batch published", logger.Fields{
		"type":      batch.Type,
		"author":    batch.Author,
		"batch_id":  batch.ID.String(),
		"stream_id": id,
	})
	return nil
}

// Log only logs batches. It is used when no Redis is configured.
type Log struct{}

func (Log) PublishBatch(ctx context.Context, batch *types.Batch) error {
	logger.Info(ctx, "batch ready", logger.Fields{
		"type":     batch.Type,
		"author":   batch.Author,
		"batch_id": batch.ID.String(),
		"records":  len(batch.Records),
	})
	return nil
}
