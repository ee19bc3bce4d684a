// Package redisstore keeps the checkpoint log on a Redis list so several
// simloop processes can share one restore point.
package redisstore

import (
	"context"
	"encoding/json"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"github.com/redis/go-redis/v9"
)

const backend = "redis"

// Options configures the Redis connection.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// MaxEntries trims the list to the newest entries after each append.
	// Zero keeps everything.
	MaxEntries int64
}

// CheckpointLogger appends JSON checkpoints with RPUSH and reads the restore
// point with LINDEX -1.
type CheckpointLogger struct {
	client     redis.UniversalClient
	key        string
	maxEntries int64
}

// NewCheckpointLogger dials Redis with opts.
func NewCheckpointLogger(opts Options) *CheckpointLogger {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewCheckpointLoggerWithClient(client, opts.KeyPrefix, opts.MaxEntries)
}

// NewCheckpointLoggerWithClient wraps an existing client.
func NewCheckpointLoggerWithClient(client redis.UniversalClient, keyPrefix string, maxEntries int64) *CheckpointLogger {
	if keyPrefix == "" {
		keyPrefix = "simloop:"
	}
	return &CheckpointLogger{client: client, key: keyPrefix + "checkpoints", maxEntries: maxEntries}
}

// Init verifies the connection.
func (l *CheckpointLogger) Init(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return simerrors.NewStoreError(backend, "init", err)
	}
	return nil
}

func (l *CheckpointLogger) LogCheckpoint(ctx context.Context, cp trial.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return simerrors.NewValidationError("invalid checkpoint", err)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return simerrors.NewStoreError(backend, "log_checkpoint", err)
	}
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, l.key, data)
	if l.maxEntries > 0 {
		pipe.LTrim(ctx, l.key, -l.maxEntries, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return simerrors.NewStoreError(backend, "log_checkpoint", err)
	}
	return nil
}

// GetLastCheckpoint returns nil, nil when the list is empty.
func (l *CheckpointLogger) GetLastCheckpoint(ctx context.Context) (*trial.Checkpoint, error) {
	data, err := l.client.LIndex(ctx, l.key, -1).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "get_last_checkpoint", err)
	}
	var cp trial.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, simerrors.NewStoreError(backend, "get_last_checkpoint", err)
	}
	return &cp, nil
}

func (l *CheckpointLogger) GetAllCheckpoints(ctx context.Context) ([]trial.Checkpoint, error) {
	raw, err := l.client.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return nil, simerrors.NewStoreError(backend, "get_all_checkpoints", err)
	}
	out := make([]trial.Checkpoint, 0, len(raw))
	for _, s := range raw {
		var cp trial.Checkpoint
		if err := json.Unmarshal([]byte(s), &cp); err != nil {
			return nil, simerrors.NewStoreError(backend, "get_all_checkpoints", err)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (l *CheckpointLogger) Clear(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return simerrors.NewStoreError(backend, "clear", err)
	}
	return nil
}

// Close releases the client.
func (l *CheckpointLogger) Close() error {
	return l.client.Close()
}

var _ collab.CheckpointLogger = (*CheckpointLogger)(nil)
