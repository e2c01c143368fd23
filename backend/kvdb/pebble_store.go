package kvdb

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

type PebbleStoreOptions struct {
	// DBPath 数据库目录，不存在时自动创建
	DBPath string `cfg:"dbPath" validate:"required"`
	// Source 不为空时从 zip 或 tar.gz 归档恢复到 DBPath 加时间戳后缀的目录
	Source string `cfg:"source"`
	// 关闭时制作快照的格式：zip / tar.gz，为空不做快照
	SnapshotType string `cfg:"snapshotType" validate:"omitempty,oneof=zip tar.gz"`

	// 写入时不同步到磁盘
	SetWithoutSync bool `cfg:"setWithoutSync"`
	// 块缓存大小，零使用默认的 8MB
	CacheSize    int64 `cfg:"cacheSize"`
	MemTableSize int   `cfg:"memTableSize"`
	MaxOpenFiles int   `cfg:"maxOpenFiles"`
	// 禁用预写日志，崩溃后数据不可恢复
	DisableWAL bool `cfg:"disableWAL"`
	ReadOnly   bool `cfg:"readOnly"`
}

type PebbleStore struct {
	mu           sync.Mutex
	db           *pebble.DB
	writeOptions *pebble.WriteOptions
	dbPath       string
	snapshotType string
}

func NewPebbleStoreWithOptions(options *PebbleStoreOptions) (*PebbleStore, error) {
	pebbleOptions := &pebble.Options{
		MaxOpenFiles: options.MaxOpenFiles,
		DisableWAL:   options.DisableWAL,
		ReadOnly:     options.ReadOnly,
	}
	if options.MemTableSize > 0 {
		pebbleOptions.MemTableSize = uint64(options.MemTableSize)
	}
	if options.CacheSize > 0 {
		cache := pebble.NewCache(options.CacheSize)
		defer cache.Unref()
		pebbleOptions.Cache = cache
	}

	dbPath, err := prepareDir(options.DBPath, options.Source)
	if err != nil {
		return nil, err
	}
	db, err := pebble.Open(dbPath, pebbleOptions)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble %s failed", dbPath)
	}

	writeOptions := pebble.Sync
	if options.SetWithoutSync {
		writeOptions = pebble.NoSync
	}
	return &PebbleStore{
		db:           db,
		writeOptions: writeOptions,
		dbPath:       dbPath,
		snapshotType: options.SnapshotType,
	}, nil
}

func (s *PebbleStore) Set(_ context.Context, key string, val []byte, opts ...SetOption) error {
	options := newSetOptions(opts)
	if options.IfNotExist {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, closer, err := s.db.Get([]byte(key))
		if err == nil {
			_ = closer.Close()
			return ErrConditionFailed
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return errors.Wrap(err, "pebble get failed")
		}
	}
	if err := s.db.Set([]byte(key), val, s.writeOptions); err != nil {
		return errors.Wrap(err, "pebble set failed")
	}
	return nil
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pebble get failed")
	}
	defer closer.Close()
	return append([]byte(nil), data...), nil
}

func (s *PebbleStore) Del(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), s.writeOptions); err != nil {
		return errors.Wrap(err, "pebble delete failed")
	}
	return nil
}

func (s *PebbleStore) Scan(_ context.Context, prefix string, fn func(key string, val []byte) error) error {
	lower := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(lower)})
	if err != nil {
		return errors.Wrap(err, "pebble new iterator failed")
	}
	for iter.First(); iter.Valid(); iter.Next() {
		val := append([]byte(nil), iter.Value()...)
		if err := fn(string(iter.Key()), val); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return errors.Wrap(err, "pebble iterate failed")
	}
	return nil
}

func (s *PebbleStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "close pebble failed")
	}
	s.db = nil
	_, err := snapshot(s.dbPath, s.snapshotType)
	return err
}
