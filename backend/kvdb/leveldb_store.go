package kvdb

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type LevelDBStoreOptions struct {
	// DBPath 数据库目录，不存在时自动创建
	DBPath string `cfg:"dbPath" validate:"required"`
	// Source 不为空时从 zip 或 tar.gz 归档恢复到 DBPath 加时间戳后缀的目录
	Source string `cfg:"source"`
	// 关闭时制作快照的格式：zip / tar.gz，为空不做快照
	SnapshotType string `cfg:"snapshotType" validate:"omitempty,oneof=zip tar.gz"`

	// 块缓存容量，默认 8MiB
	BlockCacheCapacity int `cfg:"blockCacheCapacity"`
	// 压缩算法：default / none / snappy
	Compression string `cfg:"compression" validate:"omitempty,oneof=default none snappy"`
	// 内存表大小，默认 4MiB
	WriteBuffer int  `cfg:"writeBuffer"`
	NoSync      bool `cfg:"noSync"`
	ReadOnly    bool `cfg:"readOnly"`
}

type LevelDBStore struct {
	// 条件写需要先读后写
	mu           sync.Mutex
	db           *leveldb.DB
	dbPath       string
	snapshotType string
	sync         bool
}

func NewLevelDBStoreWithOptions(options *LevelDBStoreOptions) (*LevelDBStore, error) {
	compression, err := leveldbParseCompression(options.Compression)
	if err != nil {
		return nil, err
	}
	dbPath, err := prepareDir(options.DBPath, options.Source)
	if err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(dbPath, &opt.Options{
		BlockCacheCapacity: options.BlockCacheCapacity,
		Compression:        compression,
		WriteBuffer:        options.WriteBuffer,
		NoSync:             options.NoSync,
		ReadOnly:           options.ReadOnly,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s failed", dbPath)
	}
	return &LevelDBStore{
		db:           db,
		dbPath:       dbPath,
		snapshotType: options.SnapshotType,
		sync:         !options.NoSync,
	}, nil
}

func leveldbParseCompression(compression string) (opt.Compression, error) {
	switch compression {
	case "", "default":
		return opt.DefaultCompression, nil
	case "none":
		return opt.NoCompression, nil
	case "snappy":
		return opt.SnappyCompression, nil
	}
	return 0, errors.Errorf("invalid compression value: %s", compression)
}

func (s *LevelDBStore) Set(_ context.Context, key string, val []byte, opts ...SetOption) error {
	options := newSetOptions(opts)
	wo := &opt.WriteOptions{Sync: s.sync}
	if !options.IfNotExist {
		return errors.Wrap(s.db.Put([]byte(key), val, wo), "leveldb put failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return errors.Wrap(err, "leveldb has failed")
	}
	if ok {
		return ErrConditionFailed
	}
	return errors.Wrap(s.db.Put([]byte(key), val, wo), "leveldb put failed")
}

func (s *LevelDBStore) Get(_ context.Context, key string) ([]byte, error) {
	val, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "leveldb get failed")
	}
	return val, nil
}

func (s *LevelDBStore) Del(_ context.Context, key string) error {
	return errors.Wrap(s.db.Delete([]byte(key), &opt.WriteOptions{Sync: s.sync}), "leveldb delete failed")
}

func (s *LevelDBStore) Scan(_ context.Context, prefix string, fn func(key string, val []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		// 迭代器的键值在下一次 Next 后失效
		val := append([]byte(nil), iter.Value()...)
		if err := fn(string(iter.Key()), val); err != nil {
			return err
		}
	}
	return errors.Wrap(iter.Error(), "leveldb iterate failed")
}

func (s *LevelDBStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "close leveldb failed")
	}
	s.db = nil
	_, err := snapshot(s.dbPath, s.snapshotType)
	return err
}
