package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers keys it has seen for ttl. The first caller to present a key
// claims it; later callers see it as a duplicate.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Key(parts ...string) string {
	return "idem:" + strings.Join(parts, ":")
}

func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget drops a claim so a failed attempt can be retried.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
