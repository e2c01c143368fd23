package sqldb

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/log/logger"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/schema"
)

// recordingLogger 记录日志消息
type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *recordingLogger) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.add(msg) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.add(msg) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.add(msg) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add(msg) }
func (l *recordingLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.add(msg)
}
func (l *recordingLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.add(msg)
}
func (l *recordingLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.add(msg)
}
func (l *recordingLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.add(msg)
}
func (l *recordingLogger) With(args ...any) log.Logger     { return l }
func (l *recordingLogger) WithGroup(name string) log.Logger { return l }

const taskYAML = `
meta:
  name: task
  table: tasks
  id: id
fields:
  id:
    type: integer
    x-auto-id: true
  title:
    maxLength: 200
  status:
    enum:
      O: Open
      C: Closed
    default: O
  priority:
    type: integer
    default: 1
  due:
    type: date
  created:
    type: timestamp
  owner:
    default: "%user%"
views:
  list:
    fields: "id,title,status,priority"
    where:
      status: true
      priority: true
      search: "title LIKE '%$value%'"
  prefixed:
    dbFieldPrefix: "T1."
    fields: "id,title"
  bad_where:
    fields: "id"
    where:
      nope: true
  bogus:
    fields: "id,title"
    queries:
      find: "SELECT %fields%, bogus FROM %TABLE% %where%"
  with_notes:
    fields: "id,title"
    queries:
      find: "SELECT %fields% FROM %TABLE% WHERE id IN (SELECT task_id FROM notes)"
`

const noteYAML = `
meta:
  name: note
  table: notes
fields:
  id:
    type: integer
    x-auto-id: true
  task_id:
    type: integer
  body:
    type: string
`

func mustSchema(text string) *schema.Schema {
	desc, err := schema.DecodeDescriptor([]byte(text), "yaml")
	So(err, ShouldBeNil)
	return schema.MustNew(desc)
}

func newSQLiteDB(t *testing.T, connector string, directory TenantDirectory) (*SQLDB, *recordingLogger) {
	filename := filepath.Join(t.TempDir(), "modeldb.db")
	db, err := NewSQLDBWithOptions(&Options{
		Driver:          "sqlite3",
		DSN:             "file:" + filename + "?_busy_timeout=5000",
		Connector:       connector,
		MaxConns:        4,
		TenantDirectory: directory,
	})
	So(err, ShouldBeNil)
	l := &recordingLogger{}
	db.SetLogger(l)
	return db, l
}

func newModels(db *SQLDB) (*model.Model, *model.Model) {
	registry := model.NewRegistry(&model.RegistryOptions{Logger: logger.Nop()})
	task, err := registry.NewModel(&model.ModelOptions{Schema: mustSchema(taskYAML), Backend: db})
	So(err, ShouldBeNil)
	note, err := registry.NewModel(&model.ModelOptions{Schema: mustSchema(noteYAML), Backend: db})
	So(err, ShouldBeNil)
	return task, note
}

func tableCount(db *SQLDB, name string) int64 {
	var n int64
	err := db.connector.WithConn(context.Background(), false, func(ctx context.Context, conn Conn) error {
		rows, err := conn.QueryContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='"+name+"'")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := rows.Scan(&n); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	So(err, ShouldBeNil)
	return n
}

func execSQL(db *SQLDB, sqlStr string) {
	_, err := db.run(context.Background(), &statement{name: "test", sql: sqlStr})
	So(err, ShouldBeNil)
}

func TestDialect(t *testing.T) {
	Convey("Dialect", t, func() {
		my, _ := NewDialect("mysql")
		lite, _ := NewDialect("sqlite3")
		_, err := NewDialect("postgres")
		So(err, ShouldNotBeNil)

		Convey("转义", func() {
			So(my.Escape(`O'Brien\`), ShouldEqual, `O\'Brien\\`)
			So(lite.Escape(`O'Brien`), ShouldEqual, `O''Brien`)
		})

		Convey("limit", func() {
			So(my.Limit(10, 20), ShouldEqual, "LIMIT 20,10")
			So(lite.Limit(10, 20), ShouldEqual, "LIMIT 10 OFFSET 20")
			So(lite.Limit(10, 0), ShouldEqual, "LIMIT 10")
			So(my.Limit(0, 5), ShouldEqual, "")
			So(my.OneLimit(), ShouldEqual, "LIMIT 1")
			So(lite.OneLimit(), ShouldEqual, "")
		})

		Convey("列定义", func() {
			s := mustSchema(taskYAML)

			def, key, err := my.ColumnDef("id", s.Field("id"))
			So(err, ShouldBeNil)
			So(def, ShouldEqual, "id INT(11) AUTO_INCREMENT NOT NULL")
			So(key, ShouldEqual, "PRIMARY KEY(id)")

			def, key, err = lite.ColumnDef("id", s.Field("id"))
			So(err, ShouldBeNil)
			So(def, ShouldEqual, "id INTEGER PRIMARY KEY AUTOINCREMENT")
			So(key, ShouldEqual, "")

			def, _, _ = my.ColumnDef("title", s.Field("title"))
			So(def, ShouldEqual, "title VARCHAR(200)")
			def, _, _ = my.ColumnDef("status", s.Field("status"))
			So(def, ShouldEqual, "status TEXT DEFAULT 'O'")
			def, _, _ = my.ColumnDef("priority", s.Field("priority"))
			So(def, ShouldEqual, "priority INT(11) DEFAULT 1")
			def, _, _ = my.ColumnDef("due", s.Field("due"))
			So(def, ShouldEqual, "due DATE NULL")
			def, _, _ = my.ColumnDef("created", s.Field("created"))
			So(def, ShouldEqual, "created DATETIME NULL")
			def, _, _ = my.ColumnDef("owner", s.Field("owner"))
			So(def, ShouldEqual, "owner TEXT")

			f := schema.BuildField("score", schema.Props{"type": "double", "nullable": false}, nil)
			def, _, _ = my.ColumnDef("score", f)
			So(def, ShouldEqual, "score DOUBLE NOT NULL")

			_, _, err = my.ColumnDef("x", schema.BuildField("x", schema.Props{"type": "blob"}, nil))
			So(errors.Is(err, schema.ErrUnknownType), ShouldBeTrue)
		})

		Convey("mysql 错误分类", func() {
			kind, name := my.Classify(&mysql.MySQLError{Number: 1054, Message: "Unknown column 'status' in 'field list'"})
			So(kind, ShouldEqual, errUnknownColumn)
			So(name, ShouldEqual, "status")

			kind, name = my.Classify(errors.Wrap(&mysql.MySQLError{Number: 1146, Message: "Table 'app.tasks' doesn't exist"}, "query"))
			So(kind, ShouldEqual, errMissingTable)
			So(name, ShouldEqual, "app.tasks")

			kind, _ = my.Classify(&mysql.MySQLError{Number: 1064, Message: "syntax error"})
			So(kind, ShouldEqual, errOther)

			kind, _ = my.Classify(driver.ErrBadConn)
			So(kind, ShouldEqual, errTransient)
			kind, _ = my.Classify(mysql.ErrInvalidConn)
			So(kind, ShouldEqual, errTransient)
			kind, _ = my.Classify(context.Canceled)
			So(kind, ShouldEqual, errOther)
		})
	})
}

func TestLiteral(t *testing.T) {
	Convey("literal", t, func() {
		my, _ := NewDialect("mysql")
		lite, _ := NewDialect("sqlite3")
		s := mustSchema(taskYAML)

		Convey("字符串转义", func() {
			v, err := literal(my, "O'Brien", s.Field("title"))
			So(err, ShouldBeNil)
			So(v, ShouldEqual, `'O\'Brien'`)
			v, _ = literal(lite, "O'Brien", s.Field("title"))
			So(v, ShouldEqual, `'O''Brien'`)
			v, _ = literal(lite, map[string]any{"value": "C"}, s.Field("status"))
			So(v, ShouldEqual, `'C'`)
			v, _ = literal(lite, nil, s.Field("title"))
			So(v, ShouldEqual, "NULL")
		})

		Convey("整数", func() {
			v, err := literal(my, "12", s.Field("priority"))
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "12")
			v, _ = literal(my, 3.0, s.Field("priority"))
			So(v, ShouldEqual, "3")
			v, _ = literal(my, "", s.Field("priority"))
			So(v, ShouldEqual, "NULL")
			_, err = literal(my, "1; DROP TABLE tasks", s.Field("priority"))
			So(err, ShouldNotBeNil)
		})

		Convey("日期", func() {
			v, _ := literal(my, "2024-05-01T10:00:00Z", s.Field("due"))
			So(v, ShouldEqual, "'2024-05-01'")
			v, _ = literal(my, "2024-05-01T10:00:00Z", s.Field("created"))
			So(v, ShouldEqual, "'2024-05-01 10:00:00'")
			v, _ = literal(my, "NOW()", s.Field("created"))
			So(v, ShouldEqual, "NOW()")
			v, _ = literal(lite, "now", s.Field("created"))
			So(v, ShouldEqual, "CURRENT_TIMESTAMP")
			v, _ = literal(lite, "NOW()", s.Field("due"))
			So(v, ShouldEqual, "CURRENT_DATE")
			v, _ = literal(my, "-", s.Field("due"))
			So(v, ShouldEqual, "NULL")
			v, _ = literal(my, "", s.Field("due"))
			So(v, ShouldEqual, "NULL")
			v, _ = literal(my, " now ( ) ", s.Field("created"))
			So(v, ShouldEqual, "NOW()")
		})

		Convey("日期中夹带 now 的值仍然转义", func() {
			v, _ := literal(my, "x' OR 1=1 -- now", s.Field("due"))
			So(v, ShouldEqual, `'x\' OR 1=1 -- now'`)
			v, _ = literal(my, "2020-01-01' OR 1=1 -- now", s.Field("due"))
			So(v, ShouldEqual, `'2020-01-01\' OR 1=1 -- now'`)
			v, _ = literal(lite, "1 OR 1=1 OR NOW", s.Field("created"))
			So(v, ShouldEqual, "'1 OR 1=1 OR NOW'")
			v, _ = literal(lite, "NOW() + 1", s.Field("created"))
			So(v, ShouldEqual, "'NOW() + 1'")
		})

		Convey("无字段时按值类型", func() {
			v, _ := literal(my, 12, nil)
			So(v, ShouldEqual, "12")
			v, _ = literal(my, true, nil)
			So(v, ShouldEqual, "1")
			v, _ = literal(my, []any{"a", "b"}, nil)
			So(v, ShouldEqual, `'["a","b"]'`)
		})
	})
}

func TestNormalize(t *testing.T) {
	Convey("normalize", t, func() {
		s := mustSchema(taskYAML)
		So(normalize([]byte("12"), s.Field("priority")), ShouldEqual, int64(12))
		So(normalize([]byte("abc"), s.Field("title")), ShouldEqual, "abc")
		So(normalize("2024-05-01T00:00:00Z", s.Field("due")), ShouldEqual, "2024-05-01")
		So(normalize("2024-05-01T10:11:12Z", s.Field("created")), ShouldEqual, "2024-05-01 10:11:12")
		So(normalize(nil, s.Field("title")), ShouldBeNil)
		So(normalize([]byte("x"), nil), ShouldEqual, "x")
	})
}

func TestWhere(t *testing.T) {
	Convey("where", t, func() {
		db, _ := newSQLiteDB(t, ConnectorPool, nil)
		defer db.Close()
		task, _ := newModels(db)
		s := task.Schema()

		Convey("字段条件", func() {
			w := db.FieldWhere("status", "=", "$value", s.Field("status"))
			v, err := w.Bind(model.Condition{Value: "O'K"})
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "status = 'O''K'")

			v, _ = w.Bind(model.Condition{Value: []any{"O", "C"}})
			So(v, ShouldEqual, "status IN ('O','C')")
			v, _ = w.Bind(model.Condition{Op: "nin", Value: []string{"O"}})
			So(v, ShouldEqual, "status NOT IN ('O')")
			v, _ = w.Bind(model.Condition{Value: nil})
			So(v, ShouldEqual, "status IS NULL")
			v, _ = w.Bind(model.Condition{Op: "!=", Value: "C"})
			So(v, ShouldEqual, "status <> 'C'")

			p := db.FieldWhere("priority", "=", "$value", s.Field("priority"))
			v, _ = p.Bind(model.Condition{Op: ">=", Value: "2"})
			So(v, ShouldEqual, "priority >= 2")
			_, err = p.Bind(model.Condition{Value: "high"})
			So(err, ShouldNotBeNil)
			_, err = p.Bind(model.Condition{Op: "~", Value: 1})
			So(err, ShouldNotBeNil)
		})

		Convey("字面模板", func() {
			w := db.TemplateWhere("title LIKE '%$value%'", nil)
			v, err := w.Bind(model.Condition{Value: "it's"})
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "title LIKE '%it''s%'")
		})

		Convey("带表别名与不带表别名只差别名", func() {
			view, err := task.Instance("en", "").View("prefixed")
			So(err, ShouldBeNil)
			with, ok, err := view.FieldWhere("title", "x", true)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			without, _, _ := view.FieldWhere("title", "x", false)
			So(with, ShouldEqual, "T1.title = 'x'")
			So(without, ShouldEqual, "title = 'x'")

			list, err := task.Instance("en", "").View("list")
			So(err, ShouldBeNil)
			a, _, _ := list.FieldWhere("status", "O", true)
			b, _, _ := list.FieldWhere("status", "O", false)
			So(a, ShouldEqual, b)
		})
	})
}

func TestCRUD(t *testing.T) {
	Convey("sqlite CRUD", t, func() {
		ctx := context.Background()
		db, _ := newSQLiteDB(t, ConnectorPool, nil)
		defer db.Close()
		task, _ := newModels(db)
		inst := task.Instance("en", "")
		So(inst.CreateCollection(ctx, nil), ShouldBeNil)

		Convey("插入后按主键读取，枚举输出 {value, html}", func() {
			id, err := inst.InsertOne(ctx, model.Record{"title": "write docs", "status": "C"}, &model.Options{Variables: map[string]any{"user": "ann"}})
			So(err, ShouldBeNil)
			So(id, ShouldEqual, int64(1))

			res, err := inst.FindByID(ctx, id, &model.Options{WithMeta: true})
			So(err, ShouldBeNil)
			So(res.Data["title"], ShouldEqual, "write docs")
			So(res.Data["status"], ShouldResemble, &schema.EnumValue{Value: "C", HTML: "Closed"})
			So(res.Data["priority"], ShouldEqual, int64(1))
			So(res.Data["owner"], ShouldEqual, "ann")
			So(res.Metadata.Names, ShouldContain, "status")

			_, err = inst.FindByID(ctx, 42, nil)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})

		Convey("日期条件中夹带的语句不会被执行", func() {
			for _, title := range []string{"a", "b", "c"} {
				_, err := inst.InsertOne(ctx, model.Record{"title": title, "due": "2024-05-01"}, nil)
				So(err, ShouldBeNil)
			}
			n, err := inst.DeleteMany(ctx, model.Query{"due": "1 OR 1=1 OR NOW"}, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
			n, err = inst.Count(ctx, nil, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 3)
		})

		Convey("分页", func() {
			docs := []model.Record{}
			for i := 1; i <= 5; i++ {
				docs = append(docs, model.Record{"title": "t" + string(rune('0'+i)), "priority": i})
			}
			n, err := inst.InsertMany(ctx, docs, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 5)

			res, err := inst.Find(ctx, nil, &model.Options{View: "list", Limit: 2, Skip: 2, OrderBy: []string{"priority desc"}})
			So(err, ShouldBeNil)
			So(len(res.Data), ShouldEqual, 2)
			So(res.Data[0]["priority"], ShouldEqual, int64(3))
			So(res.Data[1]["priority"], ShouldEqual, int64(2))
			So(res.Pages, ShouldResemble, &model.Pages{Offset: 2, Limit: 2, Total: 5})

			res, err = inst.Find(ctx, model.Query{"priority": map[string]any{"op": ">", "value": 3}, "title": "ignored"}, &model.Options{View: "list"})
			So(err, ShouldBeNil)
			So(len(res.Data), ShouldEqual, 2)

			res, err = inst.Find(ctx, model.Query{"search": "t1"}, &model.Options{View: "list"})
			So(err, ShouldBeNil)
			So(len(res.Data), ShouldEqual, 1)

			count, err := inst.Count(ctx, model.Query{"status": "O"}, &model.Options{View: "list"})
			So(err, ShouldBeNil)
			So(count, ShouldEqual, 5)

			_, err = inst.Find(ctx, nil, &model.Options{View: "list", OrderBy: []string{"nope"}})
			So(errors.Is(err, model.ErrUnknownField), ShouldBeTrue)
			_, err = inst.Find(ctx, nil, &model.Options{View: "list", OrderBy: []string{"priority sideways"}})
			So(err, ShouldNotBeNil)
		})

		Convey("where 中未声明的字段在构建视图时失败", func() {
			_, err := inst.Find(ctx, model.Query{"nope": 1}, &model.Options{View: "bad_where"})
			So(errors.Is(err, model.ErrUnknownField), ShouldBeTrue)
		})

		Convey("更新和删除", func() {
			id, err := inst.InsertOne(ctx, model.Record{"title": "a"}, nil)
			So(err, ShouldBeNil)
			_, err = inst.InsertOne(ctx, model.Record{"title": "b"}, nil)
			So(err, ShouldBeNil)

			n, err := inst.UpdateOne(ctx, model.Query{"id": id}, model.Record{"status": "C"}, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			res, _ := inst.FindByID(ctx, id, nil)
			So(res.Data["status"].(*schema.EnumValue).Value, ShouldEqual, "C")
			So(res.Data["title"], ShouldEqual, "a")

			n, err = inst.UpdateOne(ctx, nil, model.Record{"id": id, "title": "a2", "status": "O"}, &model.Options{Upsert: true})
			So(err, ShouldBeNil)
			So(n, ShouldBeGreaterThanOrEqualTo, 1)
			res, _ = inst.FindByID(ctx, id, nil)
			So(res.Data["title"], ShouldEqual, "a2")

			n, err = inst.UpdateMany(ctx, model.Query{"status": "O"}, model.Record{"priority": 9}, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)

			n, err = inst.DeleteOne(ctx, model.Query{"id": id}, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			n, err = inst.DeleteMany(ctx, nil, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			count, _ := inst.Count(ctx, nil, nil)
			So(count, ShouldEqual, 0)
		})

		Convey("空记录", func() {
			res, err := inst.GetEmpty(ctx, &model.Options{Variables: map[string]any{"user": "bob"}})
			So(err, ShouldBeNil)
			So(res.Data["owner"], ShouldEqual, "bob")
			So(res.Data["priority"], ShouldEqual, 1)
			So(res.Data["status"], ShouldResemble, &schema.EnumValue{Value: "O", HTML: "Open"})
		})
	})
}

func TestRoundTrip(t *testing.T) {
	Convey("写入转义后读取还原", t, func() {
		ctx := context.Background()
		db, _ := newSQLiteDB(t, ConnectorPool, nil)
		defer db.Close()
		task, _ := newModels(db)
		inst := task.Instance("en", "")

		id, err := inst.InsertOne(ctx, model.Record{
			"title":    "O'Brien's list",
			"priority": "7",
			"due":      "2024-05-01T10:00:00Z",
			"created":  "NOW()",
		}, nil)
		So(err, ShouldBeNil)

		res, err := inst.FindByID(ctx, id, nil)
		So(err, ShouldBeNil)
		So(res.Data["title"], ShouldEqual, "O'Brien's list")
		So(res.Data["priority"], ShouldEqual, int64(7))
		So(res.Data["due"], ShouldEqual, "2024-05-01")
		So(res.Data["created"], ShouldHaveSameTypeAs, "")
		So(regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`).MatchString(res.Data["created"].(string)), ShouldBeTrue)
	})
}

func TestSelfHealing(t *testing.T) {
	Convey("自动修复表结构", t, func() {
		ctx := context.Background()
		db, l := newSQLiteDB(t, ConnectorPool, nil)
		defer db.Close()
		task, note := newModels(db)
		inst := task.Instance("en", "")

		Convey("缺失的列只添加一次", func() {
			execSQL(db, "CREATE TABLE tasks (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT, priority INT, due DATE, created DATETIME, owner TEXT)")

			id, err := inst.InsertOne(ctx, model.Record{"title": "heal", "status": "C"}, nil)
			So(err, ShouldBeNil)
			So(l.count("add missing column"), ShouldEqual, 1)

			res, err := inst.FindByID(ctx, id, nil)
			So(err, ShouldBeNil)
			So(res.Data["status"].(*schema.EnumValue).HTML, ShouldEqual, "Closed")
			So(l.count("add missing column"), ShouldEqual, 1)
		})

		Convey("无法修复的列直接返回错误", func() {
			So(inst.CreateCollection(ctx, nil), ShouldBeNil)
			_, err := inst.Find(ctx, nil, &model.Options{View: "bogus"})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "bogus")
			So(err.Error(), ShouldContainSubstring, "model task")
			So(l.count("add missing column"), ShouldEqual, 0)
		})

		Convey("缺失的表自动创建", func() {
			_, err := inst.InsertOne(ctx, model.Record{"title": "first"}, nil)
			So(err, ShouldBeNil)
			So(tableCount(db, "tasks"), ShouldEqual, 1)
		})

		Convey("缺失的关联表按注册的模型创建", func() {
			So(inst.CreateCollection(ctx, nil), ShouldBeNil)
			res, err := inst.Find(ctx, nil, &model.Options{View: "with_notes"})
			So(err, ShouldBeNil)
			So(len(res.Data), ShouldEqual, 0)
			So(tableCount(db, note.Schema().Collection()), ShouldEqual, 1)
		})

		Convey("并发修复缺失的表", func() {
			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = inst.Find(ctx, nil, nil)
				}(i)
			}
			wg.Wait()
			So(errs[0], ShouldBeNil)
			So(errs[1], ShouldBeNil)
			So(tableCount(db, "tasks"), ShouldEqual, 1)
		})
	})
}

func TestConnectors(t *testing.T) {
	for _, connector := range []string{ConnectorSingle, ConnectorCallback} {
		Convey("连接策略 "+connector, t, func() {
			ctx := context.Background()
			db, _ := newSQLiteDB(t, connector, nil)
			defer db.Close()
			task, _ := newModels(db)
			inst := task.Instance("en", "")

			id, err := inst.InsertOne(ctx, model.Record{"title": "x"}, nil)
			So(err, ShouldBeNil)
			res, err := inst.Find(ctx, model.Query{"id": id}, &model.Options{Limit: 10})
			So(err, ShouldBeNil)
			So(len(res.Data), ShouldEqual, 1)
			So(res.Pages.Total, ShouldEqual, 1)
		})
	}
}

// countingDirectory 记录查询次数
type countingDirectory struct {
	mu    sync.Mutex
	calls int
	inner TenantDirectory
}

func (d *countingDirectory) Lookup(ctx context.Context, tenant, section string) (*TenantInfo, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.inner.Lookup(ctx, tenant, section)
}

func TestTenant(t *testing.T) {
	Convey("租户", t, func() {
		ctx := context.Background()

		Convey("命名规则", func() {
			So(applyRule(nil, "acme", "tasks").qualified(), ShouldEqual, "tasks")
			So(applyRule(&TenantInfo{Database: "ged_", Rule: RuleDatabaseSuffix}, "acme", "tasks").qualified(), ShouldEqual, "ged_acme.tasks")
			So(applyRule(&TenantInfo{Database: "_ged", Rule: RuleDatabasePrefix}, "acme", "tasks").qualified(), ShouldEqual, "acme_ged.tasks")
			So(applyRule(&TenantInfo{Rule: RuleTableSuffix}, "acme", "tasks").qualified(), ShouldEqual, "tasks_acme")
			So(applyRule(&TenantInfo{Rule: RuleTablePrefix}, "acme", "tasks").qualified(), ShouldEqual, "acme_tasks")
			So(applyRule(&TenantInfo{Database: "shared"}, "acme", "tasks").qualified(), ShouldEqual, "shared.tasks")
		})

		Convey("按租户分表并缓存解析结果", func() {
			static, err := NewStaticTenantDirectoryWithOptions(&StaticTenantDirectoryOptions{
				Tenants: map[string]map[string]*TenantInfo{
					"acme": {"sqlite3": {Rule: RuleTableSuffix}},
				},
			})
			So(err, ShouldBeNil)
			directory := &countingDirectory{inner: static}
			db, _ := newSQLiteDB(t, ConnectorPool, directory)
			defer db.Close()
			task, _ := newModels(db)

			acme := task.Instance("en", "acme")
			_, err = acme.InsertOne(ctx, model.Record{"title": "tenant"}, nil)
			So(err, ShouldBeNil)
			So(tableCount(db, "tasks_acme"), ShouldEqual, 1)
			So(tableCount(db, "tasks"), ShouldEqual, 0)

			n, err := acme.Count(ctx, nil, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(directory.calls, ShouldEqual, 1)

			_, err = acme.Count(ctx, nil, &model.Options{ClientID: "other"})
			So(errors.Is(err, model.ErrTenantMismatch), ShouldBeTrue)
		})

		Convey("缺失的表不在租户库中时不修复", func() {
			directory, err := NewStaticTenantDirectoryWithOptions(&StaticTenantDirectoryOptions{
				Tenants: map[string]map[string]*TenantInfo{
					"acme": {"sqlite3": {Database: "ged_", Rule: RuleDatabaseSuffix}},
				},
			})
			So(err, ShouldBeNil)
			db, l := newSQLiteDB(t, ConnectorPool, directory)
			defer db.Close()
			task, _ := newModels(db)
			acme := task.Instance("en", "acme")

			err = db.fixMissingTable(ctx, &statement{name: "find", inst: acme}, "other.tasks")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "outside database ged_acme")
			So(l.count("create missing table"), ShouldEqual, 0)

			err = db.fixMissingTable(ctx, &statement{name: "find", inst: acme}, "`ged_acme`.`unknown`")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "cant fix missing table unknown for model task")
		})

		Convey("redis 租户目录", func() {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			directory := NewRedisTenantDirectory(client, "")
			defer directory.Close()

			mr.HSet("tenant:acme:mysql", "database", "ged_", "rule", RuleDatabaseSuffix)

			info, err := directory.Lookup(ctx, "acme", "mysql")
			So(err, ShouldBeNil)
			So(info, ShouldResemble, &TenantInfo{Database: "ged_", Rule: RuleDatabaseSuffix})

			info, err = directory.Lookup(ctx, "nobody", "mysql")
			So(err, ShouldBeNil)
			So(info, ShouldBeNil)

			resolver := &tenantResolver{directory: directory, section: "mysql"}
			p, err := resolver.resolve(ctx, "acme", "tasks")
			So(err, ShouldBeNil)
			So(p.qualified(), ShouldEqual, "ged_acme.tasks")
			So(p.dbPrefix(), ShouldEqual, "ged_acme.")
		})
	})
}

func TestTemplate(t *testing.T) {
	Convey("模板", t, func() {
		So(render("SELECT %fields% FROM %table% %where%", map[string]string{"fields": "a", "table": "t"}), ShouldEqual, "SELECT a FROM t ")
		So(strings.TrimSpace(render("%x% %unknown%", map[string]string{})), ShouldEqual, "%x%")

		db, _ := newSQLiteDB(t, ConnectorPool, &StaticTenantDirectory{})
		defer db.Close()
		db.queries = map[string]string{"count": "SELECT 1"}
		So(db.template(nil, "count"), ShouldEqual, "SELECT 1")
		So(db.template(nil, "found_rows"), ShouldEqual, "SELECT COUNT(*) AS nbrecords FROM %TABLE% %where%")
		So(db.template(nil, "findOne"), ShouldEqual, builtinQueries["findOne"])
	})
}
