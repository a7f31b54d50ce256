package state

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each kind in one hash, field = id, under the prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore shares client with the block ledger. An empty prefix
// defaults to "doc:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "doc:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(kind string) string { return s.prefix + kind }

func (s *RedisStore) Put(ctx context.Context, kind, id string, doc []byte) error {
	return s.client.HSet(ctx, s.key(kind), id, doc).Err()
}

func (s *RedisStore) Delete(ctx context.Context, kind, id string) error {
	return s.client.HDel(ctx, s.key(kind), id).Err()
}

func (s *RedisStore) List(ctx context.Context, kind string) (map[string][]byte, error) {
	h, err := s.client.HGetAll(ctx, s.key(kind)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(h))
	for id, doc := range h {
		out[id] = []byte(doc)
	}
	return out, nil
}
