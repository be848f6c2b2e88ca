package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"dockoreksi/pkg/contract"
)

// RedisStore 每个用户一个 hash：<prefix><user_id>。
// Track 在 MULTI/EXEC 中完成，首次字段用 HSETNX 写入，计数用 HINCRBY。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore 使用已建立的客户端；prefix 为空时 "dockoreksi:user:"。
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("usage: %w: nil redis client", contract.ErrInvalidInput)
	}
	if prefix == "" {
		prefix = "dockoreksi:user:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}, nil
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Track(ctx context.Context, v Visit) (Record, error) {
	if v.UserID == "" {
		return Record{}, fmt.Errorf("usage: %w: empty user id", contract.ErrInvalidInput)
	}
	fresh := apply(Record{}, false, v, s.now())
	k := s.key(v.UserID)
	var all *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, k, "first_name", fresh.FirstName)
		p.HSetNX(ctx, k, "username", fresh.Username)
		p.HSetNX(ctx, k, "first_used", fresh.FirstUsed)
		p.HIncrBy(ctx, k, "usage_count", 1)
		p.HSet(ctx, k, "last_used", fresh.LastUsed, "last_mode", fresh.LastMode)
		all = p.HGetAll(ctx, k)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("usage redis track: %w", err)
	}
	return fromHash(all.Val()), nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (Record, bool, error) {
	m, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("usage redis get: %w", err)
	}
	if len(m) == 0 {
		return Record{}, false, nil
	}
	return fromHash(m), true, nil
}

func (s *RedisStore) List(ctx context.Context) (map[string]Record, error) {
	out := map[string]Record{}
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		m, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("usage redis list: %w", err)
		}
		if len(m) > 0 {
			out[strings.TrimPrefix(k, s.prefix)] = fromHash(m)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("usage redis scan: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func fromHash(m map[string]string) Record {
	n, _ := strconv.Atoi(m["usage_count"])
	return Record{
		FirstName:  m["first_name"],
		Username:   m["username"],
		UsageCount: n,
		FirstUsed:  m["first_used"],
		LastUsed:   m["last_used"],
		LastMode:   m["last_mode"],
	}
}

var _ Store = (*RedisStore)(nil)
