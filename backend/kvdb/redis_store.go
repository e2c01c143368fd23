package kvdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisStoreOptions struct {
	// host:port 地址
	Endpoint string `cfg:"endpoint"`
	// 集群节点的 host:port 地址列表
	Endpoints []string `cfg:"endpoints"`

	Username string `cfg:"username"`
	Password string `cfg:"password"`
	DB       int    `cfg:"db" def:"0"`

	// 放弃前的最大重试次数，-1 禁用重试
	MaxRetries   int           `cfg:"maxRetries" def:"3"`
	DialTimeout  time.Duration `cfg:"dialTimeout" def:"5s"`
	ReadTimeout  time.Duration `cfg:"readTimeout" def:"3s"`
	WriteTimeout time.Duration `cfg:"writeTimeout" def:"3s"`
	PoolSize     int           `cfg:"poolSize" def:"100"`
	MinIdleConns int           `cfg:"minIdleConns" def:"0"`
	// ConnMaxIdleTime 连接最长空闲时间，-1 禁用空闲检查
	ConnMaxIdleTime time.Duration `cfg:"connMaxIdleTime" def:"30m"`

	// 每次 SCAN 和批量 GET 的条数
	ScanCount int `cfg:"scanCount" def:"100" validate:"min=1"`
}

type RedisStore struct {
	client    redis.UniversalClient
	scanCount int
}

func NewRedisStoreWithOptions(options *RedisStoreOptions) (*RedisStore, error) {
	var client redis.UniversalClient
	if options.Endpoint != "" {
		client = redis.NewClient(&redis.Options{
			Addr:            options.Endpoint,
			Username:        options.Username,
			Password:        options.Password,
			DB:              options.DB,
			MaxRetries:      options.MaxRetries,
			DialTimeout:     options.DialTimeout,
			ReadTimeout:     options.ReadTimeout,
			WriteTimeout:    options.WriteTimeout,
			PoolSize:        options.PoolSize,
			MinIdleConns:    options.MinIdleConns,
			ConnMaxIdleTime: options.ConnMaxIdleTime,
		})
	} else if len(options.Endpoints) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           options.Endpoints,
			Username:        options.Username,
			Password:        options.Password,
			MaxRetries:      options.MaxRetries,
			DialTimeout:     options.DialTimeout,
			ReadTimeout:     options.ReadTimeout,
			WriteTimeout:    options.WriteTimeout,
			PoolSize:        options.PoolSize,
			MinIdleConns:    options.MinIdleConns,
			ConnMaxIdleTime: options.ConnMaxIdleTime,
		})
	} else {
		return nil, errors.New("endpoint or endpoints must be set")
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping failed")
	}
	return NewRedisStore(client, options.ScanCount), nil
}

// NewRedisStore 使用已有的客户端
func NewRedisStore(client redis.UniversalClient, scanCount int) *RedisStore {
	if scanCount <= 0 {
		scanCount = 100
	}
	return &RedisStore{client: client, scanCount: scanCount}
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, opts ...SetOption) error {
	options := newSetOptions(opts)
	if options.IfNotExist {
		ok, err := s.client.SetNX(ctx, key, val, options.Expiration).Result()
		if err != nil {
			return errors.Wrapf(err, "redis setnx %s failed", key)
		}
		if !ok {
			return ErrConditionFailed
		}
		return nil
	}
	if err := s.client.Set(ctx, key, val, options.Expiration).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s failed", key)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s failed", key)
	}
	return val, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "redis del %s failed", key)
	}
	return nil
}

// globEscape 转义 MATCH 模式中的特殊字符
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *RedisStore) scanKeys(ctx context.Context, client redis.UniversalClient, match string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, match, int64(s.scanCount)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis scan failed")
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	match := globEscape(prefix) + "*"

	var keys []string
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		var mu sync.Mutex
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			nodeKeys, err := s.scanKeys(ctx, node, match)
			if err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, nodeKeys...)
			mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		var err error
		if keys, err = s.scanKeys(ctx, s.client, match); err != nil {
			return err
		}
	}

	// SCAN 可能返回重复的键
	sort.Strings(keys)
	uniq := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			uniq = append(uniq, k)
		}
	}

	for start := 0; start < len(uniq); start += s.scanCount {
		end := start + s.scanCount
		if end > len(uniq) {
			end = len(uniq)
		}
		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, 0, end-start)
		for _, k := range uniq[start:end] {
			cmds = append(cmds, pipe.Get(ctx, k))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return errors.Wrap(err, "redis pipeline get failed")
		}
		for i, cmd := range cmds {
			val, err := cmd.Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return errors.Wrap(err, "redis get failed")
			}
			if err := fn(uniq[start+i], val); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
