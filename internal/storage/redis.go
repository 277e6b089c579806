package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis instance. All keys live under a
// namespace prefix so multiple gateways can share one Redis.
type Redis struct {
	client *redis.Client
	ns     string
}

// NewRedis dials Redis and pings it with a short exponential backoff so a
// gateway starting alongside its Redis container does not flap. addr is
// either a redis:// URL or a bare host:port.
func NewRedis(ctx context.Context, addr, namespace string) (*Redis, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("op=storage.redis.connect addr=%s: %w", addr, err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = 15 * time.Second
	ping := func() error { return client.Ping(ctx).Err() }
	if err := backoff.Retry(ping, backoff.WithContext(expo, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("op=storage.redis.connect addr=%s: %w", addr, err)
	}
	if namespace == "" {
		namespace = "gw"
	}
	return &Redis{client: client, ns: namespace + ":"}, nil
}

func (r *Redis) key(k string) string { return r.ns + k }

func (r *Redis) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=storage.redis.get key=%s: %w", key, err)
	}
	if dest == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("op=storage.redis.get key=%s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("op=storage.redis.set key=%s: %w", key, err)
	}
	if err := r.client.Set(ctx, r.key(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("op=storage.redis.set key=%s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("op=storage.redis.delete key=%s: %w", key, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(r.ns):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=storage.redis.list prefix=%s: %w", prefix, err)
	}
	return keys, nil
}

func (r *Redis) GetBatch(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if len(keys) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	nsKeys := make([]string, len(keys))
	for i, k := range keys {
		nsKeys[i] = r.key(k)
	}
	vals, err := r.client.MGet(ctx, nsKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=storage.redis.get_batch: %w", err)
	}
	out := make(map[string]json.RawMessage, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = json.RawMessage(s)
		}
	}
	return out, nil
}

func (r *Redis) SetBatch(ctx context.Context, values map[string]any) error {
	pipe := r.client.Pipeline()
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("op=storage.redis.set_batch key=%s: %w", k, err)
		}
		pipe.Set(ctx, r.key(k), raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=storage.redis.set_batch: %w", err)
	}
	return nil
}

func (r *Redis) AddToIndex(ctx context.Context, indexKey, value string) error {
	if err := r.client.SAdd(ctx, r.key(indexKey), value).Err(); err != nil {
		return fmt.Errorf("op=storage.redis.add_to_index key=%s: %w", indexKey, err)
	}
	return nil
}

func (r *Redis) RemoveFromIndex(ctx context.Context, indexKey, value string) error {
	if err := r.client.SRem(ctx, r.key(indexKey), value).Err(); err != nil {
		return fmt.Errorf("op=storage.redis.remove_from_index key=%s: %w", indexKey, err)
	}
	return nil
}

func (r *Redis) GetIndex(ctx context.Context, indexKey string) ([]string, error) {
	vals, err := r.client.SMembers(ctx, r.key(indexKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=storage.redis.get_index key=%s: %w", indexKey, err)
	}
	return vals, nil
}

// Close releases the client. Stored state stays in Redis; it is the
// persistent driver and survives gateway restarts.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping reports storage reachability for readiness checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
