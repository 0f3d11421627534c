package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"oabot/internal/domain"
)

const (
	convKeyPrefix    = "conversation:"
	profileKeyPrefix = "profile:"
)

// RedisCache stores conversation contexts in Redis. Turn lists live under
// conversation:<id> (one JSON document per turn), derived profiles under
// profile:<id> hashes with their own TTL.
type RedisCache struct {
	cfg Config
	rdb *redis.Client
}

// RedisConfig is the connection slice of the cache section.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisCache(rc RedisConfig, cfg Config) *RedisCache {
	return &RedisCache{
		cfg: cfg.withDefaults(),
		rdb: redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}),
	}
}

// NewRedisCacheFromClient wires an existing client, used by tests.
func NewRedisCacheFromClient(rdb *redis.Client, cfg Config) *RedisCache {
	return &RedisCache{cfg: cfg.withDefaults(), rdb: rdb}
}

// Ping verifies connectivity so the caller can fall back to the in-memory
// cache at startup.
func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, userID string) (*domain.ConversationContext, bool, error) {
	raw, err := r.rdb.LRange(ctx, convKeyPrefix+userID, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	fields, err := r.rdb.HGetAll(ctx, profileKeyPrefix+userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(raw) == 0 && len(fields) == 0 {
		return nil, false, nil
	}

	out := &domain.ConversationContext{UserID: userID, Profile: fields}
	if out.Profile == nil {
		out.Profile = map[string]string{}
	}
	for _, doc := range raw {
		var t domain.Turn
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			continue // skip corrupt entries rather than fail the read
		}
		out.Turns = append(out.Turns, t)
	}
	if n := len(out.Turns); n > 0 {
		out.LastUpdatedAt = out.Turns[n-1].Timestamp
	}
	return out, true, nil
}

func (r *RedisCache) AppendTurns(ctx context.Context, userID string, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		doc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		docs = append(docs, doc)
	}

	key := convKeyPrefix + userID
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, docs...)
	pipe.LTrim(ctx, key, int64(-r.cfg.MaxTurns), -1)
	pipe.Expire(ctx, key, r.cfg.DialogueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisCache) PutDerived(ctx context.Context, userID, key, value string) error {
	hkey := profileKeyPrefix + userID
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, hkey, key, value)
	pipe.Expire(ctx, hkey, r.cfg.ProfileTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisCache) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisCache) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, true, nil
}

func (r *RedisCache) DeleteValue(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := r.rdb.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count, nil
}

func (r *RedisCache) Close() error { return r.rdb.Close() }
