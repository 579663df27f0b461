package source

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// scanBatchSize is the COUNT hint passed to SCAN
const scanBatchSize = 500

// globEscaper quotes the characters SCAN MATCH treats as glob syntax
var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// scanPattern matches every key in the collection's namespace and nothing else
func scanPattern(collection string) string {
	return globEscaper.Replace(collection) + ":*"
}

// RedisConfig holds configuration for the Redis connection
type RedisConfig struct {
	Host       string
	Port       string
	Password   string
	DB         int
	TLSEnabled bool
}

// RedisSource treats every key namespace "{collection}:*" as a collection.
// Each key becomes one document: {"_key": ..., "type": ..., "value": ...}.
type RedisSource struct {
	client *redis.Client
	logger *slog.Logger
}

// redisDocument is the JSON rendering of a single Redis key
type redisDocument struct {
	Key   string `json:"_key"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// redisScoredMember is a sorted set entry
type redisScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// NewRedisSource creates a Redis-backed source. Connections are established lazily.
func NewRedisSource(cfg RedisConfig, logger *slog.Logger) *RedisSource {
	opts := &redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	logger.Info("Redis client initialized",
		"addr", opts.Addr,
		"db", cfg.DB,
		"tls_enabled", cfg.TLSEnabled,
	)

	return NewRedisSourceFromClient(redis.NewClient(opts), logger)
}

// NewRedisSourceFromClient wraps an existing go-redis client
func NewRedisSourceFromClient(client *redis.Client, logger *slog.Logger) *RedisSource {
	return &RedisSource{
		client: client,
		logger: logger,
	}
}

// Ping implements DocumentSource.Ping
func (r *RedisSource) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping Redis: %w", ErrSourceUnavailable, err)
	}
	return nil
}

// ScanCollection implements DocumentSource.ScanCollection
func (r *RedisSource) ScanCollection(ctx context.Context, collection string, fn func(doc []byte) error) error {
	pattern := scanPattern(collection)
	// SCAN may return a key more than once
	seen := make(map[string]struct{})

	iter := r.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		doc, err := r.readKey(ctx, key)
		if errors.Is(err, redis.Nil) {
			// expired or deleted between SCAN and read
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if doc == nil {
			continue
		}

		if err := fn(doc); err != nil {
			return err
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	return nil
}

func (r *RedisSource) readKey(ctx context.Context, key string) ([]byte, error) {
	typ, err := r.client.Type(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	var value any
	switch typ {
	case "none":
		return nil, nil
	case "string":
		value, err = r.client.Get(ctx, key).Result()
	case "hash":
		value, err = r.client.HGetAll(ctx, key).Result()
	case "list":
		value, err = r.client.LRange(ctx, key, 0, -1).Result()
	case "set":
		value, err = r.client.SMembers(ctx, key).Result()
	case "zset":
		var entries []redis.Z
		entries, err = r.client.ZRangeWithScores(ctx, key, 0, -1).Result()
		members := make([]redisScoredMember, 0, len(entries))
		for _, z := range entries {
			members = append(members, redisScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score})
		}
		value = members
	default:
		r.logger.Warn("Skipping Redis key with unsupported type", "key", key, "type", typ)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(redisDocument{Key: key, Type: typ, Value: value})
}

// Close implements DocumentSource.Close
func (r *RedisSource) Close(_ context.Context) error {
	return r.client.Close()
}
