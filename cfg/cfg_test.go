package cfg

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackendOptions struct {
	Driver   string        `cfg:"driver" def:"mysql" validate:"oneof=mysql sqlite3"`
	DSN      string        `cfg:"dsn"`
	MaxConns int           `cfg:"maxConns" def:"10"`
	Timeout  time.Duration `cfg:"timeout" def:"3s"`
	Tags     []string      `cfg:"tags"`
	Queries  map[string]string
	Extra    any `cfg:"extra"`
	Nested   *testNested `cfg:"nested"`
}

type testNested struct {
	Name string `cfg:"name" validate:"required"`
	Port int    `cfg:"port" def:"3306"`
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	filename := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestLoad(t *testing.T) {
	Convey("Load 不同格式的配置文件", t, func() {
		dir := t.TempDir()

		Convey("yaml", func() {
			filename := writeFile(t, dir, "db.yaml", `
driver: sqlite3
dsn: /tmp/x.db
timeout: 500ms
tags: [a, b]
queries:
  find: "select 1"
extra:
  k: v
nested:
  name: n1
`)
			var options testBackendOptions
			So(Load(filename, &options), ShouldBeNil)
			So(options.Driver, ShouldEqual, "sqlite3")
			So(options.DSN, ShouldEqual, "/tmp/x.db")
			So(options.MaxConns, ShouldEqual, 10)
			So(options.Timeout, ShouldEqual, 500*time.Millisecond)
			So(options.Tags, ShouldResemble, []string{"a", "b"})
			So(options.Queries["find"], ShouldEqual, "select 1")
			So(options.Extra, ShouldResemble, map[string]any{"k": "v"})
			So(options.Nested.Name, ShouldEqual, "n1")
			So(options.Nested.Port, ShouldEqual, 3306)
		})

		Convey("json", func() {
			filename := writeFile(t, dir, "db.json", `{"driver": "mysql", "maxConns": 3, "nested": {"name": "n2", "port": 13306}}`)
			var options testBackendOptions
			So(Load(filename, &options), ShouldBeNil)
			So(options.MaxConns, ShouldEqual, 3)
			So(options.Nested.Port, ShouldEqual, 13306)
			So(options.Timeout, ShouldEqual, 3*time.Second)
		})

		Convey("toml", func() {
			filename := writeFile(t, dir, "db.toml", "driver = \"sqlite3\"\nmaxConns = 4\ntags = \"x, y\"\n\n[nested]\nname = \"n3\"\n")
			var options testBackendOptions
			So(Load(filename, &options), ShouldBeNil)
			So(options.MaxConns, ShouldEqual, 4)
			So(options.Tags, ShouldResemble, []string{"x", "y"})
			So(options.Nested.Name, ShouldEqual, "n3")
		})

		Convey("ini", func() {
			filename := writeFile(t, dir, "db.ini", "driver = sqlite3\nmaxConns = 5\ntimeout = 2s\n\n[nested]\nname = n4\nport = 1\n")
			var options testBackendOptions
			So(Load(filename, &options), ShouldBeNil)
			So(options.MaxConns, ShouldEqual, 5)
			So(options.Timeout, ShouldEqual, 2*time.Second)
			So(options.Nested.Name, ShouldEqual, "n4")
			So(options.Nested.Port, ShouldEqual, 1)
		})

		Convey("校验失败", func() {
			filename := writeFile(t, dir, "bad.yaml", "driver: postgres\n")
			var options testBackendOptions
			So(Load(filename, &options), ShouldNotBeNil)
		})

		Convey("嵌套结构体校验失败", func() {
			filename := writeFile(t, dir, "bad2.yaml", "nested:\n  port: 1\n")
			var options testBackendOptions
			So(Load(filename, &options), ShouldNotBeNil)
		})

		Convey("文件不存在", func() {
			var options testBackendOptions
			So(Load(filepath.Join(dir, "none.yaml"), &options), ShouldNotBeNil)
		})
	})
}

func TestSetDefaults(t *testing.T) {
	options := &testBackendOptions{MaxConns: 7}
	assert.NoError(t, SetDefaults(options))
	assert.Equal(t, "mysql", options.Driver)
	assert.Equal(t, 7, options.MaxConns)
	assert.Equal(t, 3*time.Second, options.Timeout)
	assert.Nil(t, options.Nested)

	assert.Error(t, SetDefaults(testBackendOptions{}))
}

func TestConvertTo(t *testing.T) {
	Convey("ConvertTo", t, func() {
		Convey("字段名大小写不敏感", func() {
			var options testBackendOptions
			So(ConvertTo(map[string]any{"DRIVER": "sqlite3", "maxconns": "12"}, &options), ShouldBeNil)
			So(options.Driver, ShouldEqual, "sqlite3")
			So(options.MaxConns, ShouldEqual, 12)
		})

		Convey("类型不匹配", func() {
			var options testBackendOptions
			So(ConvertTo(map[string]any{"maxConns": []any{1}}, &options), ShouldNotBeNil)
		})

		Convey("非指针", func() {
			So(ConvertTo(map[string]any{}, testBackendOptions{}), ShouldNotBeNil)
		})
	})
}

func TestWatcher(t *testing.T) {
	Convey("Watcher 在文件变化时回调", t, func() {
		dir := t.TempDir()
		filename := writeFile(t, dir, "locale.yaml", "a: 1\n")

		watcher, err := NewWatcher(nil)
		So(err, ShouldBeNil)
		defer watcher.Close()

		var last atomic.Value
		So(watcher.Watch(filename, func(data []byte) error {
			last.Store(string(data))
			return nil
		}), ShouldBeNil)

		So(os.WriteFile(filename, []byte("a: 2\n"), 0644), ShouldBeNil)

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if v, _ := last.Load().(string); v == "a: 2\n" {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		So(last.Load(), ShouldEqual, "a: 2\n")
	})
}
