package budget

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// reserveScript checks and increments in one step so concurrent processes
// cannot overshoot the ceiling. The window starts at the first reservation.
var reserveScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return 0
end
n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// RedisCounter shares the Tier D count across processes. Errors are returned
// to the caller, which treats them as a denial.
type RedisCounter struct {
	client  redis.UniversalClient
	key     string
	ceiling int
	window  time.Duration
}

// NewRedisCounter creates a counter stored under key.
func NewRedisCounter(client redis.UniversalClient, key string, ceiling int, window time.Duration) *RedisCounter {
	if key == "" {
		key = "clinical:tier_d:calls"
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RedisCounter{client: client, key: key, ceiling: ceiling, window: window}
}

// Available implements Counter.
func (r *RedisCounter) Available(ctx context.Context) (bool, error) {
	n, err := r.Count(ctx)
	if err != nil {
		return false, err
	}
	return n < r.ceiling, nil
}

// Reserve implements Counter.
func (r *RedisCounter) Reserve(ctx context.Context) (bool, error) {
	ok, err := reserveScript.Run(ctx, r.client, []string{r.key}, r.ceiling, r.window.Milliseconds()).Int()
	if err != nil {
		return false, eris.Wrap(err, "budget: reserve")
	}
	return ok == 1, nil
}

// Count implements Counter.
func (r *RedisCounter) Count(ctx context.Context) (int, error) {
	n, err := r.client.Get(ctx, r.key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "budget: read count")
	}
	return n, nil
}

// Ceiling implements Counter.
func (r *RedisCounter) Ceiling() int { return r.ceiling }
