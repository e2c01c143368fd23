package kvdb

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/ref"
)

type TieredStoreOptions struct {
	// Tiers 多级存储，按速度从快到慢排列，最后一层为权威存储
	Tiers []*ref.TypeOptions `cfg:"tiers" validate:"required,min=1,dive,required"`
	// 上层缓存的过期时间，零表示沿用写入时的过期时间
	CacheTTL time.Duration `cfg:"cacheTTL"`
	// 从下层读到的数据是否写回上层
	Promote bool `cfg:"promote" def:"true"`
}

// TieredStore 多级存储，写入自下而上，读取自上而下，扫描只读权威存储
type TieredStore struct {
	tiers    []Store
	cacheTTL time.Duration
	promote  bool
	wg       sync.WaitGroup
}

func NewTieredStoreWithOptions(options *TieredStoreOptions) (*TieredStore, error) {
	if options == nil || len(options.Tiers) == 0 {
		return nil, errors.New("at least one tier is required")
	}
	tiers := make([]Store, 0, len(options.Tiers))
	for i, tierOptions := range options.Tiers {
		tier, err := NewStoreWithOptions(tierOptions)
		if err != nil {
			for _, created := range tiers {
				_ = created.Close()
			}
			return nil, errors.WithMessagef(err, "create tier %d failed", i)
		}
		tiers = append(tiers, tier)
	}
	return NewTieredStore(tiers, options.CacheTTL, options.Promote), nil
}

func NewTieredStore(tiers []Store, cacheTTL time.Duration, promote bool) *TieredStore {
	return &TieredStore{tiers: tiers, cacheTTL: cacheTTL, promote: promote}
}

func (s *TieredStore) backing() Store {
	return s.tiers[len(s.tiers)-1]
}

func (s *TieredStore) caches() []Store {
	return s.tiers[:len(s.tiers)-1]
}

func (s *TieredStore) cacheExpiration(expiration time.Duration) time.Duration {
	if s.cacheTTL > 0 && (expiration == 0 || s.cacheTTL < expiration) {
		return s.cacheTTL
	}
	return expiration
}

// Set 条件写只在权威存储上判断，成功后再写入上层缓存
func (s *TieredStore) Set(ctx context.Context, key string, val []byte, opts ...SetOption) error {
	if err := s.backing().Set(ctx, key, val, opts...); err != nil {
		return err
	}
	expiration := s.cacheExpiration(newSetOptions(opts).Expiration)
	for _, cache := range s.caches() {
		if err := cache.Set(ctx, key, val, WithExpiration(expiration)); err != nil {
			// 写缓存失败时删除旧值，避免读到过期数据
			_ = cache.Del(ctx, key)
		}
	}
	return nil
}

func (s *TieredStore) Get(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for i, tier := range s.tiers {
		val, err := tier.Get(ctx, key)
		if err == nil {
			if s.promote && i > 0 {
				s.promoteTo(key, val, i)
			}
			return val, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrKeyNotFound
}

// promoteTo 在后台把值写入第 i 层之上的缓存
func (s *TieredStore) promoteTo(key string, val []byte, i int) {
	expiration := s.cacheExpiration(0)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, cache := range s.tiers[:i] {
			_ = cache.Set(context.Background(), key, val, WithExpiration(expiration))
		}
	}()
}

// Del 先删缓存再删权威存储，返回第一个错误
func (s *TieredStore) Del(ctx context.Context, key string) error {
	var first error
	for _, tier := range s.tiers {
		if err := tier.Del(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *TieredStore) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	return s.backing().Scan(ctx, prefix, fn)
}

func (s *TieredStore) Close() error {
	s.wg.Wait()
	var first error
	for i, tier := range s.tiers {
		if err := tier.Close(); err != nil && first == nil {
			first = errors.WithMessagef(err, "close tier %d failed", i)
		}
	}
	return first
}
