package nonce

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// advanceScript checks every counter before writing any of them, so a batch
// either moves all of its senders or none. Redis runs scripts atomically.
//
// KEYS[i] = counter key, ARGV[2i-1] = expected value, ARGV[2i] = new value,
// both as canonical decimal strings so comparison is exact for any uint64.
// Returns 0 on success or the 1-based index of the first mismatching key.
var advanceScript = redis.NewScript(`
for i, k in ipairs(KEYS) do
  local cur = redis.call("GET", k) or "0"
  if cur ~= ARGV[2*i-1] then
    return i
  end
end
for i, k in ipairs(KEYS) do
  redis.call("SET", k, ARGV[2*i])
end
return 0
`)

// RedisStore keeps counters in Redis under KeyFmt.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Current(ctx context.Context, sender common.Address) (uint64, error) {
	raw, err := s.rdb.Get(ctx, key(sender)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse nonce %q: %w", raw, err)
	}
	return n, nil
}

func (s *RedisStore) Advance(ctx context.Context, moves []Advance) error {
	if err := validate(moves); err != nil {
		return err
	}
	if len(moves) == 0 {
		return nil
	}
	keys := make([]string, len(moves))
	args := make([]any, 0, 2*len(moves))
	for i, m := range moves {
		keys[i] = key(m.Sender)
		args = append(args, strconv.FormatUint(m.From, 10), strconv.FormatUint(m.To, 10))
	}
	idx, err := advanceScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("advance nonces: %w", err)
	}
	if idx != 0 {
		return fmt.Errorf("%w: %s", ErrConflict, moves[idx-1].Sender.Hex())
	}
	return nil
}
