package kvdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/modeldb/ref"
)

const namespace = "github.com/hatlonely/modeldb/backend/kvdb"

var errStop = errors.New("stop")

func scanAll(store Store, prefix string) ([]string, []string) {
	var keys, vals []string
	err := store.Scan(context.Background(), prefix, func(key string, val []byte) error {
		keys = append(keys, key)
		vals = append(vals, string(val))
		return nil
	})
	So(err, ShouldBeNil)
	return keys, vals
}

func testStore(store Store) {
	ctx := context.Background()
	defer func() { So(store.Close(), ShouldBeNil) }()

	So(store.Set(ctx, "user:2", []byte("b")), ShouldBeNil)
	So(store.Set(ctx, "user:1", []byte("a")), ShouldBeNil)
	So(store.Set(ctx, "usex:1", []byte("x")), ShouldBeNil)
	So(store.Set(ctx, "users", []byte("s")), ShouldBeNil)

	val, err := store.Get(ctx, "user:1")
	So(err, ShouldBeNil)
	So(string(val), ShouldEqual, "a")
	_, err = store.Get(ctx, "user:3")
	So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)

	err = store.Set(ctx, "user:1", []byte("z"), WithIfNotExist())
	So(errors.Is(err, ErrConditionFailed), ShouldBeTrue)
	So(store.Set(ctx, "user:3", []byte("c"), WithIfNotExist()), ShouldBeNil)
	So(store.Set(ctx, "user:1", []byte("A")), ShouldBeNil)

	keys, vals := scanAll(store, "user:")
	So(keys, ShouldResemble, []string{"user:1", "user:2", "user:3"})
	So(vals, ShouldResemble, []string{"A", "b", "c"})

	n := 0
	err = store.Scan(ctx, "user:", func(string, []byte) error {
		n++
		return errStop
	})
	So(errors.Is(err, errStop), ShouldBeTrue)
	So(n, ShouldEqual, 1)

	So(store.Del(ctx, "user:1"), ShouldBeNil)
	So(store.Del(ctx, "user:1"), ShouldBeNil)
	_, err = store.Get(ctx, "user:1")
	So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)
	keys, _ = scanAll(store, "user:")
	So(keys, ShouldResemble, []string{"user:2", "user:3"})

	keys, _ = scanAll(store, "none:")
	So(keys, ShouldBeEmpty)
}

func TestStores(t *testing.T) {
	Convey("内存存储", t, func() {
		testStore(NewMapStoreWithOptions())
	})

	Convey("redis 存储", t, func() {
		mr := miniredis.RunT(t)
		store, err := NewRedisStoreWithOptions(&RedisStoreOptions{Endpoint: mr.Addr(), ScanCount: 2})
		So(err, ShouldBeNil)
		testStore(store)
	})

	Convey("bolt 存储", t, func() {
		store, err := NewBoltStoreWithOptions(&BoltStoreOptions{DBPath: filepath.Join(t.TempDir(), "kv.db"), Timeout: time.Second})
		So(err, ShouldBeNil)
		testStore(store)
	})

	Convey("leveldb 存储", t, func() {
		store, err := NewLevelDBStoreWithOptions(&LevelDBStoreOptions{DBPath: filepath.Join(t.TempDir(), "leveldb")})
		So(err, ShouldBeNil)
		testStore(store)
	})

	Convey("pebble 存储", t, func() {
		store, err := NewPebbleStoreWithOptions(&PebbleStoreOptions{DBPath: filepath.Join(t.TempDir(), "pebble")})
		So(err, ShouldBeNil)
		testStore(store)
	})
}

func TestTieredStore(t *testing.T) {
	Convey("多级存储满足存储协议", t, func() {
		bolt, err := NewBoltStoreWithOptions(&BoltStoreOptions{DBPath: filepath.Join(t.TempDir(), "kv.db"), Timeout: time.Second})
		So(err, ShouldBeNil)
		testStore(NewTieredStore([]Store{NewMapStoreWithOptions(), bolt}, time.Minute, true))
	})

	Convey("读取时提升到上层缓存", t, func() {
		ctx := context.Background()
		cache, backing := NewMapStoreWithOptions(), NewMapStoreWithOptions()
		store := NewTieredStore([]Store{cache, backing}, 0, true)

		So(backing.Set(ctx, "k", []byte("v")), ShouldBeNil)
		val, err := store.Get(ctx, "k")
		So(err, ShouldBeNil)
		So(string(val), ShouldEqual, "v")
		store.wg.Wait()
		val, err = cache.Get(ctx, "k")
		So(err, ShouldBeNil)
		So(string(val), ShouldEqual, "v")

		So(cache.Set(ctx, "only-cache", []byte("x")), ShouldBeNil)
		keys, _ := scanAll(store, "")
		So(keys, ShouldResemble, []string{"k"})

		So(store.Set(ctx, "k", []byte("z"), WithIfNotExist()), ShouldEqual, ErrConditionFailed)
		So(store.Del(ctx, "k"), ShouldBeNil)
		_, err = cache.Get(ctx, "k")
		So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)
		So(store.Close(), ShouldBeNil)
	})

	Convey("通过 ref 创建多级存储", t, func() {
		store, err := NewStoreWithOptions(&ref.TypeOptions{
			Namespace: namespace,
			Type:      "TieredStore",
			Options: map[string]any{
				"cacheTTL": "1m",
				"tiers": []any{
					map[string]any{"namespace": namespace, "type": "MapStore"},
					map[string]any{"namespace": namespace, "type": "BoltStore", "options": map[string]any{"dbPath": filepath.Join(t.TempDir(), "kv.db")}},
				},
			},
		})
		So(err, ShouldBeNil)
		tiered := store.(*TieredStore)
		So(tiered.promote, ShouldBeTrue)
		So(tiered.cacheTTL, ShouldEqual, time.Minute)
		So(len(tiered.tiers), ShouldEqual, 2)
		So(store.Close(), ShouldBeNil)

		_, err = NewStoreWithOptions(&ref.TypeOptions{Namespace: namespace, Type: "TieredStore", Options: map[string]any{
			"tiers": []any{map[string]any{"namespace": namespace, "type": "RedisStore"}},
		}})
		So(err, ShouldNotBeNil)
	})
}

func TestNewStoreWithOptions(t *testing.T) {
	Convey("通过 ref 创建存储", t, func() {
		store, err := NewStoreWithOptions(&ref.TypeOptions{
			Namespace: namespace,
			Type:      "BoltStore",
			Options:   map[string]any{"dbPath": filepath.Join(t.TempDir(), "kv.db")},
		})
		So(err, ShouldBeNil)
		So(store, ShouldHaveSameTypeAs, &BoltStore{})
		So(store.(*BoltStore).bucket, ShouldResemble, []byte("records"))
		So(store.Close(), ShouldBeNil)

		store, err = NewStoreWithOptions(&ref.TypeOptions{Namespace: namespace, Type: "MapStore"})
		So(err, ShouldBeNil)
		So(store, ShouldHaveSameTypeAs, &MapStore{})

		_, err = NewStoreWithOptions(&ref.TypeOptions{Namespace: namespace, Type: "RedisStore"})
		So(err, ShouldNotBeNil)
	})
}

func TestExpiration(t *testing.T) {
	Convey("内存存储的过期", t, func() {
		ctx := context.Background()
		store := NewMapStoreWithOptions()
		So(store.Set(ctx, "k", []byte("v"), WithExpiration(10*time.Millisecond)), ShouldBeNil)
		time.Sleep(20 * time.Millisecond)
		_, err := store.Get(ctx, "k")
		So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)
		So(store.Set(ctx, "k", []byte("v2"), WithIfNotExist()), ShouldBeNil)
	})

	Convey("redis 存储的过期", t, func() {
		ctx := context.Background()
		mr := miniredis.RunT(t)
		store, err := NewRedisStoreWithOptions(&RedisStoreOptions{Endpoint: mr.Addr()})
		So(err, ShouldBeNil)
		So(store.Set(ctx, "k", []byte("v"), WithExpiration(time.Minute)), ShouldBeNil)
		mr.FastForward(2 * time.Minute)
		_, err = store.Get(ctx, "k")
		So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)
	})
}

func TestSnapshot(t *testing.T) {
	for _, typ := range []string{SnapshotZip, SnapshotTarGz} {
		Convey("快照与恢复 "+typ, t, func() {
			ctx := context.Background()
			dir := t.TempDir()
			dbPath := filepath.Join(dir, "leveldb")

			store, err := NewLevelDBStoreWithOptions(&LevelDBStoreOptions{DBPath: dbPath, SnapshotType: typ})
			So(err, ShouldBeNil)
			So(store.Set(ctx, "k", []byte("v")), ShouldBeNil)
			So(store.Close(), ShouldBeNil)

			archives, err := filepath.Glob(dbPath + ".*." + typ)
			So(err, ShouldBeNil)
			So(len(archives), ShouldEqual, 1)

			again, err := NewLevelDBStoreWithOptions(&LevelDBStoreOptions{DBPath: filepath.Join(dir, "restored"), Source: archives[0]})
			So(err, ShouldBeNil)
			defer again.Close()
			val, err := again.Get(ctx, "k")
			So(err, ShouldBeNil)
			So(string(val), ShouldEqual, "v")
		})
	}

	Convey("不支持的归档", t, func() {
		_, err := prepareDir("db", "db.rar")
		So(err, ShouldNotBeNil)
	})

	Convey("归档路径不能逃出目标目录", t, func() {
		dir := t.TempDir()
		_, err := safePath(dir, "../evil")
		So(err, ShouldNotBeNil)
		p, err := safePath(dir, "a/b")
		So(err, ShouldBeNil)
		So(p, ShouldEqual, filepath.Join(dir, "a", "b"))
	})

	Convey("bolt 从文件复制", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		src := filepath.Join(dir, "src.db")
		store, err := NewBoltStoreWithOptions(&BoltStoreOptions{DBPath: src, Timeout: time.Second})
		So(err, ShouldBeNil)
		So(store.Set(ctx, "k", []byte("v")), ShouldBeNil)
		So(store.Close(), ShouldBeNil)

		copied, err := NewBoltStoreWithOptions(&BoltStoreOptions{DBPath: filepath.Join(dir, "copy.db"), Source: src, Timeout: time.Second})
		So(err, ShouldBeNil)
		defer copied.Close()
		val, err := copied.Get(ctx, "k")
		So(err, ShouldBeNil)
		So(string(val), ShouldEqual, "v")
		_, err = os.Stat(src)
		So(err, ShouldBeNil)
	})
}

func TestHelpers(t *testing.T) {
	Convey("前缀上界", t, func() {
		So(upperBound([]byte("ab")), ShouldResemble, []byte("ac"))
		So(upperBound([]byte{'a', 0xff}), ShouldResemble, []byte("b"))
		So(upperBound([]byte{0xff}), ShouldBeNil)
	})

	Convey("MATCH 模式转义", t, func() {
		So(globEscape("a*b?[c]"), ShouldEqual, `a\*b\?\[c\]`)
		So(globEscape("user:"), ShouldEqual, "user:")
	})
}
