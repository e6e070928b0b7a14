package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"fieldsync/server/common/infra/cache"
)

// RedisPersister keeps every key of one device in a single redis hash.
type RedisPersister struct {
	client *redis.Client
	hash   string
	owned  bool
}

func NewRedisPersister(client *redis.Client, deviceID string) *RedisPersister {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = "default"
	}
	return &RedisPersister{client: client, hash: "fieldsync:state:" + deviceID}
}

// DialRedis connects, pings and returns a persister that closes its client on Close.
func DialRedis(ctx context.Context, addr, deviceID string) (*RedisPersister, error) {
	client, err := cache.Dial(ctx, cache.Options{Addr: addr})
	if err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}
	p := NewRedisPersister(client, deviceID)
	p.owned = true
	return p, nil
}

func (p *RedisPersister) LoadAll(ctx context.Context) (map[string][]byte, error) {
	raw, err := p.client.HGetAll(ctx, p.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: hgetall %s: %w", p.hash, err)
	}
	out := make(map[string][]byte, len(raw))
	for key, value := range raw {
		out[key] = []byte(value)
	}
	return out, nil
}

func (p *RedisPersister) Save(ctx context.Context, key string, value []byte) error {
	if err := p.client.HSet(ctx, p.hash, key, value).Err(); err != nil {
		return fmt.Errorf("kv: hset %s %s: %w", p.hash, key, err)
	}
	return nil
}

func (p *RedisPersister) Delete(ctx context.Context, key string) error {
	if err := p.client.HDel(ctx, p.hash, key).Err(); err != nil {
		return fmt.Errorf("kv: hdel %s %s: %w", p.hash, key, err)
	}
	return nil
}

func (p *RedisPersister) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}
