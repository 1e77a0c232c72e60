// Package sessionstore keeps guard session flags in Redis so they survive
// daemon restarts and can be shared between hosts guarding the same tab.
package sessionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/buynothing/guard/lib/guard"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long an idle session's flags are kept. Every read or
// write refreshes it, so only a session untouched for a full TTL expires.
const DefaultTTL = 24 * time.Hour

// setFlag sets one field and refreshes the TTL in a single round trip. With
// ARGV[3] == "nx" the field is only set when absent; the script returns 1 when
// this call set it.
var setFlag = redis.NewScript(`
local set
if ARGV[3] == "nx" then
  set = redis.call("HSETNX", KEYS[1], ARGV[1], "1")
else
  redis.call("HSET", KEYS[1], ARGV[1], "1")
  set = 1
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return set
`)

// getFlag reads one field and keeps a live session from expiring.
var getFlag = redis.NewScript(`
local present = redis.call("HEXISTS", KEYS[1], ARGV[1])
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return present
`)

// NewClient connects to Redis.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisStore is a guard.SessionStore for one session, held in the hash
// guard:session:<id>.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

var _ guard.SessionStore = (*RedisStore)(nil)

// NewRedisStore returns the store of session on client.
func NewRedisStore(client *redis.Client, session string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, key: Key(session), ttl: ttl}
}

// Key is the Redis key holding session's flags.
func Key(session string) string {
	return fmt.Sprintf("guard:session:%s", session)
}

// Factory adapts NewRedisStore to a per-session constructor.
func Factory(client *redis.Client, ttl time.Duration) func(session string) guard.SessionStore {
	return func(session string) guard.SessionStore {
		return NewRedisStore(client, session, ttl)
	}
}

func (s *RedisStore) Get(ctx context.Context, f guard.Flag) (bool, error) {
	n, err := getFlag.Run(ctx, s.client, []string{s.key}, string(f), s.ttlSeconds()).Int()
	if err != nil {
		return false, fmt.Errorf("read %s: %w", f, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Set(ctx context.Context, f guard.Flag) error {
	if err := setFlag.Run(ctx, s.client, []string{s.key}, string(f), s.ttlSeconds(), "").Err(); err != nil {
		return fmt.Errorf("set %s: %w", f, err)
	}
	return nil
}

// SetIfUnset claims f atomically across every client of the session.
func (s *RedisStore) SetIfUnset(ctx context.Context, f guard.Flag) (bool, error) {
	n, err := setFlag.Run(ctx, s.client, []string{s.key}, string(f), s.ttlSeconds(), "nx").Int()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", f, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ttlSeconds() int {
	return max(1, int(s.ttl.Seconds()))
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
