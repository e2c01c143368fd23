package uid

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisGeneratorOptions struct {
	Endpoint string        `cfg:"endpoint" def:"localhost:6379"`
	Password string        `cfg:"password"`
	DB       int           `cfg:"db"`
	Key      string        `cfg:"key" def:"uid:sequence"`
	Timeout  time.Duration `cfg:"timeout" def:"3s"`
}

// RedisGenerator 基于 Redis INCR 的全局自增 id
type RedisGenerator struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
}

func NewRedisGeneratorWithOptions(options *RedisGeneratorOptions) (*RedisGenerator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Endpoint,
		Password: options.Password,
		DB:       options.DB,
	})
	return NewRedisGenerator(client, options.Key, options.Timeout), nil
}

// NewRedisGenerator 使用已有的客户端
func NewRedisGenerator(client redis.UniversalClient, key string, timeout time.Duration) *RedisGenerator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RedisGenerator{client: client, key: key, timeout: timeout}
}

func (g *RedisGenerator) Generate(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	id, err := g.client.Incr(ctx, g.key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "redis incr [%s] failed", g.key)
	}
	return id, nil
}
