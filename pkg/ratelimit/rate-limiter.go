package ratelimit

import (
	"context"
	"fmt"
	"marquee/pkg/models"
	"marquee/pkg/utils/logger"
	"strings"
	"time"
)

// Limiter throttles outbound work per key, typically an upstream host.
type Limiter interface {
	// Wait blocks until key may proceed or ctx ends.
	Wait(ctx context.Context, key string) error
	// Allow consumes a token for key without blocking.
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// SetDefaults sets default values for any nil pointer fields in the RateLimitConfig
func SetDefaults(config *models.RateLimitConfig) {
	if config == nil {
		return
	}

	if config.Requests == nil {
		requests := int64(20)
		config.Requests = &requests
	}
	if config.Window == nil {
		window := time.Second
		config.Window = &window
	}
	if config.Storage == "" {
		config.Storage = models.RATE_LIMIT_STORAGE_MEMORY
	}
}

// NewLimiter builds the configured backend. A nil limiter means throttling is off.
func NewLimiter(config *models.RateLimitConfig, logger *logger.Logger) (Limiter, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	SetDefaults(config)
	if *config.Requests <= 0 || *config.Window <= 0 {
		return nil, fmt.Errorf("rate limit requires positive requests and window, got %d per %s", *config.Requests, *config.Window)
	}

	switch strings.ToLower(config.Storage) {
	case models.RATE_LIMIT_STORAGE_MEMORY:
		return NewMemoryRateLimiter(*config.Requests, *config.Window, logger), nil
	case models.RATE_LIMIT_STORAGE_REDIS:
		if config.Redis == nil {
			return nil, fmt.Errorf("redis configuration required for redis rate limiter")
		}
		return NewRedisRateLimiter(config.Redis, *config.Requests, *config.Window, logger), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit storage type: %s", config.Storage)
	}
}
