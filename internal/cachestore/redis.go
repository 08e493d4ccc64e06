package cachestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the key prefix used when RedisConfig.Prefix is empty.
const DefaultRedisPrefix = "offline0"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0")
	URL string

	// Prefix namespaces all keys (defaults to "offline0")
	Prefix string
}

// Redis is a Backend that keeps one hash per version plus a hash of
// version metadata:
//
//	<prefix>:versions        field <version> -> gob(VersionInfo)
//	<prefix>:v:<version>     field <identity> -> gob(Snapshot)
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: connect to redis: %v", ErrStorageUnavailable, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	slog.Info("redis cache store connected", "prefix", prefix)

	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) versionsKey() string { return r.prefix + ":versions" }

func (r *Redis) entriesKey(version string) string { return r.prefix + ":v:" + version }

func (r *Redis) CreateVersion(ctx context.Context, info VersionInfo) error {
	b, err := encodeGob(info)
	if err != nil {
		return err
	}
	return r.client.HSetNX(ctx, r.versionsKey(), info.Name, b).Err()
}

func (r *Redis) SetInfo(ctx context.Context, info VersionInfo) error {
	b, err := encodeGob(info)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.versionsKey(), info.Name, b).Err()
}

func (r *Redis) Info(ctx context.Context, version string) (VersionInfo, bool, error) {
	b, err := r.client.HGet(ctx, r.versionsKey(), version).Bytes()
	if errors.Is(err, redis.Nil) {
		return VersionInfo{}, false, nil
	}
	if err != nil {
		return VersionInfo{}, false, err
	}
	var info VersionInfo
	if err := decodeGob(b, &info); err != nil {
		return VersionInfo{}, false, err
	}
	return info, true, nil
}

func (r *Redis) Versions(ctx context.Context) ([]VersionInfo, error) {
	m, err := r.client.HGetAll(ctx, r.versionsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, 0, len(m))
	for name, raw := range m {
		info := VersionInfo{Name: name}
		_ = decodeGob([]byte(raw), &info)
		out = append(out, info)
	}
	return out, nil
}

func (r *Redis) Put(ctx context.Context, version, key string, snap Snapshot) error {
	b, err := encodeGob(snap)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.entriesKey(version), key, b).Err()
}

func (r *Redis) Get(ctx context.Context, version, key string) (Snapshot, bool, error) {
	b, err := r.client.HGet(ctx, r.entriesKey(version), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := decodeGob(b, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (r *Redis) Delete(ctx context.Context, version, key string) error {
	return r.client.HDel(ctx, r.entriesKey(version), key).Err()
}

// DeleteVersion drops the entries hash and the meta field in one MULTI/EXEC.
func (r *Redis) DeleteVersion(ctx context.Context, version string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entriesKey(version))
		pipe.HDel(ctx, r.versionsKey(), version)
		return nil
	})
	return err
}

func (r *Redis) Usage(ctx context.Context) (Usage, error) {
	versions, err := r.Versions(ctx)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Versions: len(versions)}
	for _, v := range versions {
		n, err := r.client.HLen(ctx, r.entriesKey(v.Name)).Result()
		if err != nil {
			return Usage{}, err
		}
		u.Entries += int(n)
	}
	return u, nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
