package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/Brownie44l1/vertebra-api/internal/config"
)

// Limiter decides whether the client identified by key may make one more
// request.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// New builds the limiter described by cfg. It returns nil when rate
// limiting is disabled. A Redis URL selects the shared limiter so several
// replicas enforce one budget.
func New(ctx context.Context, cfg config.RateLimitConfig) (Limiter, error) {
	if cfg.RequestsPerSecond <= 0 {
		return nil, nil
	}
	if cfg.RedisURL != "" {
		r, err := NewRedis(ctx, cfg.RedisURL, cfg.RequestsPerSecond, cfg.Burst)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	l, err := NewLocal(cfg.RequestsPerSecond, cfg.Burst, 10000)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Local keeps one token bucket per key in memory. The least recently seen
// keys are forgotten once maxKeys is reached.
type Local struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

func NewLocal(rps float64, burst, maxKeys int) (*Local, error) {
	buckets, err := lru.New[string, *rate.Limiter](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket cache: %w", err)
	}
	return &Local{rps: rate.Limit(rps), burst: burst, buckets: buckets}, nil
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets.Add(key, b)
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

func (l *Local) Close() error {
	return nil
}

// tokenBucket refills continuously at ARGV[2] tokens per second up to
// ARGV[1] tokens. ARGV[3] is the current time in milliseconds.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(bucket[1]) or capacity
local ts = tonumber(bucket[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate / 1000)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil(capacity / rate * 1000) * 2)
return allowed
`)

type Redis struct {
	client *redis.Client
	rps    float64
	burst  int
	now    func() time.Time
}

func NewRedis(ctx context.Context, url string, rps float64, burst int) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{client: client, rps: rps, burst: burst, now: time.Now}, nil
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	res, err := tokenBucket.Run(ctx, r.client, []string{"ratelimit:" + key},
		r.burst, r.rps, r.now().UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
