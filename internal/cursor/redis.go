package cursor

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per source. The advance script compares
// and sets server-side, so monotonicity holds even with multiple
// collectors sharing the store.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisStore) key(source string) string {
	return "cursors:" + source
}

var advanceScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
local target = tonumber(ARGV[2])
if current and tonumber(current) >= target then
  return tonumber(current)
end
redis.call('HSET', KEYS[1], ARGV[1], target)
return target
`)

func (s *RedisStore) Get(ctx context.Context, source, job string) (int64, bool, error) {
	val, err := s.client.HGet(ctx, s.key(source), job).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "get cursor %s/%s", source, job)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "corrupt cursor %s/%s: %q", source, job, val)
	}
	return n, true, nil
}

func (s *RedisStore) Advance(ctx context.Context, source, job string, number int64) error {
	err := advanceScript.Run(ctx, s.client, []string{s.key(source)}, job, number).Err()
	if err != nil {
		return errors.Wrapf(err, "advance cursor %s/%s", source, job)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
