package storage

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"

	"sessionkeeper/internal/errs"
)

// RedisKV stores keys in Redis under a namespace prefix. Batches run inside
// MULTI/EXEC.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisKV.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisKV connects to Redis and verifies the connection.
func NewRedisKV(ctx context.Context, opts RedisOptions) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.Wrap(err, errs.ErrCodeStoreUnavailable, "ping redis").WithDetail("addr", opts.Addr)
	}
	return &RedisKV{client: client, prefix: opts.Prefix}, nil
}

func (r *RedisKV) key(k string) string { return r.prefix + k }

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(err, errs.ErrCodeStoreRead, "redis get").WithDetail("key", key)
	}
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "redis set").WithDetail("key", key)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "redis del").WithDetail("key", key)
	}
	return nil
}

func (r *RedisKV) SetMany(ctx context.Context, values map[string]string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, r.key(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "redis multi set")
	}
	return nil
}

func (r *RedisKV) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "redis multi del")
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
