package kvdb

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/ref"
)

var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrConditionFailed = errors.New("condition failed")
)

func init() {
	ref.MustRegisterT[MapStore](NewMapStoreWithOptions)
	ref.MustRegisterT[RedisStore](NewRedisStoreWithOptions)
	ref.MustRegisterT[BoltStore](NewBoltStoreWithOptions)
	ref.MustRegisterT[LevelDBStore](NewLevelDBStoreWithOptions)
	ref.MustRegisterT[PebbleStore](NewPebbleStoreWithOptions)
	ref.MustRegisterT[TieredStore](NewTieredStoreWithOptions)
}

type setOptions struct {
	Expiration time.Duration
	IfNotExist bool
}

type SetOption func(*setOptions)

// WithExpiration 过期时间，嵌入式存储忽略该选项
func WithExpiration(expiration time.Duration) SetOption {
	return func(options *setOptions) {
		options.Expiration = expiration
	}
}

func WithIfNotExist() SetOption {
	return func(options *setOptions) {
		options.IfNotExist = true
	}
}

func newSetOptions(opts []SetOption) *setOptions {
	options := &setOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Store 记录所在的键值存储，键和值都是已编码的字节
type Store interface {
	// Get 键不存在时返回 ErrKeyNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set WithIfNotExist 时键存在则返回 ErrConditionFailed
	Set(ctx context.Context, key string, val []byte, opts ...SetOption) error
	// Del 键不存在时也返回成功
	Del(ctx context.Context, key string) error
	// Scan 按键的顺序遍历前缀下的所有键值，fn 返回错误时停止
	Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error
	Close() error
}

func NewStoreWithOptions(options *ref.TypeOptions) (Store, error) {
	store, err := ref.NewAs[Store](options)
	if err != nil {
		return nil, errors.WithMessage(err, "create kv store failed")
	}
	return store, nil
}

// upperBound 前缀扫描的上界，前缀全为 0xff 时没有上界
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
