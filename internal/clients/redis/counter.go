package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/certforge/certforge-backend/internal/logger"
)

// CounterStore is the atomic check-then-act primitive the quota gate needs:
// increment a counter unless it has reached its ceiling, and report whether
// the caller was admitted.
type CounterStore interface {
	IncrWithCeiling(ctx context.Context, key string, ceiling int, ttl time.Duration) (count int64, allowed bool, err error)
	Close() error
}

type counterStore struct {
	log *logger.Logger
	rdb *goredis.Client
}

// GET+INCR run as one script, so two concurrent callers can never both
// observe count < ceiling and both pass it.
var incrWithCeiling = goredis.NewScript(`
local ceiling = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= ceiling then
  return {current, 0}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {current, 1}
`)

func NewCounterStore(log *logger.Logger) (CounterStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &counterStore{
		log: log.With("client", "RedisCounterStore"),
		rdb: rdb,
	}, nil
}

func (cs *counterStore) IncrWithCeiling(ctx context.Context, key string, ceiling int, ttl time.Duration) (int64, bool, error) {
	if cs == nil || cs.rdb == nil {
		return 0, false, fmt.Errorf("redis counter store not initialized")
	}
	if ceiling <= 0 {
		return 0, false, nil
	}
	raw, err := incrWithCeiling.Run(ctx, cs.rdb, []string{key}, ceiling, int(ttl.Seconds())).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("incr with ceiling: %w", err)
	}
	if len(raw) != 2 {
		return 0, false, fmt.Errorf("incr with ceiling: unexpected reply %v", raw)
	}
	count, _ := raw[0].(int64)
	admitted, _ := raw[1].(int64)
	return count, admitted == 1, nil
}

func (cs *counterStore) Close() error {
	if cs == nil || cs.rdb == nil {
		return nil
	}
	return cs.rdb.Close()
}
