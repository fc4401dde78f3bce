package ratelimit

import (
	"context"
	"fmt"
	"marquee/pkg/models"
	"marquee/pkg/utils/logger"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically so every process sharing
// the redis instance sees one bucket per key.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local max_tokens = tonumber(ARGV[1])
	local refill_rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local window = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(state[1]) or max_tokens
	local last_refill = tonumber(state[2]) or now

	local elapsed = now - last_refill
	local tokens_to_add = math.floor(elapsed * refill_rate)

	if tokens_to_add > 0 then
		tokens = math.min(tokens + tokens_to_add, max_tokens)
		last_refill = now
	end

	local allowed = 0
	if tokens > 0 then
		tokens = tokens - 1
		allowed = 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', last_refill)
	redis.call('EXPIRE', key, window * 2)

	local wait_ms = 0
	if allowed == 0 and refill_rate > 0 then
		wait_ms = math.ceil(1000 / refill_rate)
	end

	return {allowed, tokens, wait_ms}
`)

// RedisRateLimiter implements distributed rate limiting using Redis
type RedisRateLimiter struct {
	client    *redis.Client
	namespace string
	maxTokens int64
	window    time.Duration
	failOpen  bool
	logger    *logger.Logger
}

func NewRedisRateLimiter(config *models.RedisConfig, maxRequests int64, window time.Duration, logger *logger.Logger) *RedisRateLimiter {
	db := 0
	if config.DB != nil {
		db = *config.DB
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       db,
	})

	namespace := config.KeyNamespace
	if namespace == "" {
		namespace = "marquee:ratelimit:"
	} else if namespace[len(namespace)-1] != ':' {
		namespace += ":"
	}

	failOpen := true
	if config.FailOpen != nil {
		failOpen = *config.FailOpen
	}

	return &RedisRateLimiter{
		client:    client,
		namespace: namespace,
		maxTokens: maxRequests,
		window:    window,
		failOpen:  failOpen,
		logger:    logger,
	}
}

// take runs one token bucket step. wait is how long to back off when denied.
func (r *RedisRateLimiter) take(ctx context.Context, key string) (bool, time.Duration, error) {
	refillRate := float64(r.maxTokens) / r.window.Seconds()
	if refillRate < 0.01 {
		refillRate = 0.01
	}

	result, err := tokenBucketScript.Run(ctx, r.client, []string{r.key(key)},
		r.maxTokens,
		refillRate,
		time.Now().Unix(),
		int64(max(r.window.Seconds(), 1)),
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(result) < 3 {
		return false, 0, fmt.Errorf("unexpected token bucket reply %v", result)
	}
	return result[0] == 1, time.Duration(result[2]) * time.Millisecond, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, _, err := r.take(ctx, key)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Redis rate limiter error for %s: %v", key, err))
		return r.failOpen, err
	}
	return allowed, nil
}

func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	for {
		allowed, wait, err := r.take(ctx, key)
		if err != nil {
			r.logger.Warn(fmt.Sprintf("Redis rate limiter error for %s: %v", key, err))
			if r.failOpen {
				return nil
			}
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(max(wait, 10*time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// key generates the full Redis key with namespace
func (r *RedisRateLimiter) key(k string) string {
	return r.namespace + k
}

func (r *RedisRateLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
