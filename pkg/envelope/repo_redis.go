package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisRepository keeps envelope records as JSON values under a key prefix.
// Records carry their own TTL semantics; no redis expiry is set, because
// opened envelopes must be retained permanently.
type RedisRepository struct {
	Client *redis.Client
	Prefix string
}

func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{Client: client, Prefix: "envelope:"}
}

func (r *RedisRepository) key(id string) string {
	return r.Prefix + id
}

func (r *RedisRepository) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return r.Client.Set(ctx, r.key(rec.EnvelopeID), string(data), 0).Err()
}

func (r *RedisRepository) Load(ctx context.Context, id string) (Record, error) {
	raw, err := r.Client.Get(ctx, r.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode envelope %s: %w", id, err)
	}
	return rec, nil
}

func (r *RedisRepository) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.Client.Scan(ctx, 0, r.Prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), r.Prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	return r.Client.Del(ctx, r.key(id)).Err()
}
