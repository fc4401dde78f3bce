package httpcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"marquee/pkg/models"
	"marquee/pkg/utils/logger"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps bodies in redis under a namespace so several processes can share them.
type RedisStore struct {
	client     *redis.Client
	namespace  string
	defaultTTL time.Duration
	logger     *logger.Logger
}

func NewRedisStore(config *models.RedisConfig, ttl time.Duration, log *logger.Logger) *RedisStore {
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
		namespace = "marquee:http:"
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &RedisStore{
		client:     client,
		namespace:  namespace,
		defaultTTL: ttl,
		logger:     log,
	}
}

func (r *RedisStore) Init() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logger.Warn(fmt.Sprintf("HTTP cache redis unreachable: %v", err))
		return
	}
	r.logger.Debug("HTTP cache redis store ready")
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, fill func(w io.Writer) error) error {
	var buf bytes.Buffer
	if err := fill(&buf); err != nil {
		return err
	}
	// Write-once: a body fetched by another process first is kept.
	return r.client.SetNX(ctx, r.key(key), buf.Bytes(), r.defaultTTL).Err()
}

// Clear removes every key under the namespace.
func (r *RedisStore) Clear() error {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, r.namespace+"*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Flush is a no-op: redis owns durability.
func (r *RedisStore) Flush() error {
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(k string) string {
	return r.namespace + k
}
