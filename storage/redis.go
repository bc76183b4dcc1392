package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hostwatch/config"
	"hostwatch/logger"
)

// RedisSink stores each report as a JSON value with a TTL and indexes run
// IDs per destination in a sorted set scored by start time.
type RedisSink struct {
	client    redis.UniversalClient
	addr      string
	keyPrefix string
	keyTTL    time.Duration
	log       *zap.Logger
}

func NewRedisSink(cfg config.RedisConfig, log *zap.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "hostwatch:"
	}
	return &RedisSink{
		client:    client,
		addr:      cfg.Addr,
		keyPrefix: prefix,
		keyTTL:    cfg.TTL,
		log:       logger.Or(log),
	}, nil
}

func (s *RedisSink) Export(ctx context.Context, dest string, rep *Report) (string, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	key := reportKey(s.keyPrefix, dest, rep.RunID)
	index := indexKey(s.keyPrefix, dest)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, s.keyTTL)
	pipe.ZAdd(ctx, index, redis.Z{Score: float64(rep.StartedAt.Unix()), Member: rep.RunID})
	if s.keyTTL > 0 {
		pipe.Expire(ctx, index, s.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis export: %w", err)
	}

	s.log.Debug("report stored in redis", zap.String("key", key), zap.Int("bytes", len(data)))
	return fmt.Sprintf("redis://%s/%s", s.addr, key), nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func reportKey(prefix, dest, runID string) string {
	if dest == "" {
		dest = "runs"
	}
	return prefix + dest + ":" + runID
}

func indexKey(prefix, dest string) string {
	if dest == "" {
		dest = "runs"
	}
	return prefix + dest + ":index"
}
