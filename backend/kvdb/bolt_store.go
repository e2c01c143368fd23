package kvdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

type BoltStoreOptions struct {
	// DBPath 数据库文件路径，不存在时自动创建
	DBPath string `cfg:"dbPath" validate:"required"`
	// Source 不为空时先把该文件复制到 DBPath 加时间戳后缀的位置再打开
	Source string `cfg:"source"`
	// 获取文件锁的等待时间，零表示一直等待
	Timeout    time.Duration `cfg:"timeout" def:"1s"`
	NoSync     bool          `cfg:"noSync"`
	ReadOnly   bool          `cfg:"readOnly"`
	BucketName string        `cfg:"bucketName" def:"records"`
}

type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

func NewBoltStoreWithOptions(options *BoltStoreOptions) (*BoltStore, error) {
	dbPath := options.DBPath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrapf(err, "create directory of %s failed", dbPath)
	}
	if options.Source != "" {
		dbPath = fmt.Sprintf("%s.%d", dbPath, time.Now().UnixNano())
		if err := copyFile(options.Source, dbPath); err != nil {
			return nil, errors.WithMessagef(err, "copy %s to %s failed", options.Source, dbPath)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout:  options.Timeout,
		NoSync:   options.NoSync,
		ReadOnly: options.ReadOnly,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt db %s failed", dbPath)
	}

	bucket := options.BucketName
	if bucket == "" {
		bucket = "records"
	}
	s := &BoltStore{db: db, bucket: []byte(bucket)}
	if !options.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(s.bucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "create bucket failed")
		}
	}
	return s, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open source failed")
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create target failed")
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrap(err, "copy failed")
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return errors.Wrap(err, "sync failed")
	}
	return out.Close()
}

func (s *BoltStore) Set(_ context.Context, key string, val []byte, opts ...SetOption) error {
	options := newSetOptions(opts)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return errors.New("bucket not found")
		}
		if options.IfNotExist && bucket.Get([]byte(key)) != nil {
			return ErrConditionFailed
		}
		return bucket.Put([]byte(key), val)
	})
}

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return ErrKeyNotFound
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return ErrKeyNotFound
		}
		// bolt 的内存只在事务内有效
		val = append([]byte(nil), data...)
		return nil
	})
	return val, err
}

func (s *BoltStore) Del(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (s *BoltStore) Scan(_ context.Context, prefix string, fn func(key string, val []byte) error) error {
	p := []byte(prefix)
	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "close bolt db failed")
	}
	s.db = nil
	return nil
}
