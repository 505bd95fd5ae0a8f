package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig is the subset of client options the process tunes. Zero
// values take the defaults below.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// IOTimeout bounds dial, read and write.
	IOTimeout   time.Duration
	PoolSize    int
	PingTimeout time.Duration
}

// OpenRedis builds a client and fails fast when the server does not answer
// a PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	io := durationOrDefault(cfg.IOTimeout, 2*time.Second)
	pool := cfg.PoolSize
	if pool <= 0 {
		// queue workers block on reserve; leave room for the API
		pool = 32
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     io + time.Second,
		ReadTimeout:     io,
		WriteTimeout:    io,
		PoolSize:        pool,
		PoolTimeout:     io * 2,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, durationOrDefault(cfg.PingTimeout, 2*time.Second))
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func durationOrDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// A slot counter is a plain integer key. Taking a slot refreshes the TTL so
// slots held by a crashed process expire.
var takeSlotScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var giveSlotScript = redis.NewScript(`
if redis.call('DECR', KEYS[1]) <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// AcquireConcurrencyCap takes one of limit slots under key. It returns false
// when all slots are taken.
func AcquireConcurrencyCap(ctx context.Context, rdb *redis.Client, key string, limit int, ttl time.Duration) (bool, error) {
	switch {
	case rdb == nil:
		return false, errors.New("concurrency cap: nil redis client")
	case key == "":
		return false, errors.New("concurrency cap: empty key")
	case limit <= 0 || ttl <= 0:
		return false, fmt.Errorf("concurrency cap %s: limit and ttl must be positive", key)
	}
	n, err := takeSlotScript.Run(ctx, rdb, []string{key}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency cap %s: %w", key, err)
	}
	return n == 1, nil
}

// ReleaseConcurrencyCap gives back a slot taken by AcquireConcurrencyCap.
func ReleaseConcurrencyCap(ctx context.Context, rdb *redis.Client, key string) error {
	if rdb == nil || key == "" {
		return errors.New("concurrency cap: client and key are required")
	}
	if err := giveSlotScript.Run(ctx, rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("concurrency cap %s: %w", key, err)
	}
	return nil
}
